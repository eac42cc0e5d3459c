// Package stream implements the Stream transport handler (spec.md §4.11):
// Stream Init Request/Reply negotiate a buffer size and stream id; Stream
// Send frames (delivered pre-reassembled as raw payload chunks by canrx)
// accumulate into a per-(source,dest) transfer buffer; an incoming Stream
// Proceed is accepted and ignored, and none is sent; Stream Complete hands
// the finished transfer to the application and releases the transfer state.
package stream

import (
	"log/slog"

	lcc "github.com/openlcb-go/lcc-core"
	"github.com/openlcb-go/lcc-core/pkg/buffer"
	"github.com/openlcb-go/lcc-core/pkg/engine"
	"github.com/openlcb-go/lcc-core/pkg/node"
)

// Application receives the completed byte stream.
type Application interface {
	OnStreamComplete(n *node.Node, streamID uint8, data []byte)
}

const defaultWindow = 512

type transferKey struct {
	src, dest lcc.Alias
	streamID  uint8
}

type transfer struct {
	buf []byte
}

// Handler implements the Stream Transport protocol.
type Handler struct {
	app       Application
	transfers map[transferKey]*transfer
	log       *slog.Logger
}

func New(app Application, log *slog.Logger) *Handler {
	if log == nil {
		log = slog.Default()
	}
	return &Handler{app: app, transfers: make(map[transferKey]*transfer), log: log.With("service", "[Stream]")}
}

// Register installs every Stream Transport handler into d.
func (h *Handler) Register(d *engine.Dispatcher) {
	d.RegisterHandler(lcc.MTIStreamInitRequest, h.initRequest)
	d.RegisterHandler(lcc.MTIStreamInitReply, func(ctx *engine.Context) {})
	d.RegisterHandler(lcc.MTIStreamSend, h.send)
	d.RegisterHandler(lcc.MTIStreamProceed, func(ctx *engine.Context) {})
	d.RegisterHandler(lcc.MTIStreamComplete, h.complete)
}

// initRequest negotiates buffer size and replies with what this node will
// accept (spec.md §4.11 "Stream Init Request/Reply").
func (h *Handler) initRequest(ctx *engine.Context) {
	if len(ctx.Payload) < 3 {
		return
	}
	streamID := ctx.Payload[2]
	accepted := defaultWindow
	if requested := int(ctx.Payload[0])<<8 | int(ctx.Payload[1]); requested < accepted {
		accepted = requested
	}
	key := transferKey{ctx.SrcAlias, ctx.DestAlias, streamID}
	h.transfers[key] = &transfer{}
	ctx.Reply(lcc.MTIStreamInitReply, buffer.SizeBasic, []byte{byte(accepted >> 8), byte(accepted), streamID})
}

// send appends one chunk to the in-progress transfer. The stream id is
// carried in the first payload byte; canrx hands this handler the raw
// stream frame payload unmodified (spec.md §4.8 "payload layout matches
// stream transport").
func (h *Handler) send(ctx *engine.Context) {
	if len(ctx.Payload) < 1 {
		return
	}
	streamID := ctx.Payload[0]
	key := transferKey{ctx.SrcAlias, ctx.DestAlias, streamID}
	t, ok := h.transfers[key]
	if !ok {
		t = &transfer{}
		h.transfers[key] = t
	}
	t.buf = append(t.buf, ctx.Payload[1:]...)
}

func (h *Handler) complete(ctx *engine.Context) {
	if len(ctx.Payload) < 1 {
		return
	}
	streamID := ctx.Payload[0]
	key := transferKey{ctx.SrcAlias, ctx.DestAlias, streamID}
	t, ok := h.transfers[key]
	if !ok {
		return
	}
	delete(h.transfers, key)
	if h.app != nil {
		h.app.OnStreamComplete(ctx.Node, streamID, t.buf)
	}
}
