// Package datagram implements the Datagram transport handler (spec.md
// §4.11): dispatches a reassembled Datagram message to the sub-protocol
// registered for its first payload byte (Memory Configuration is 0x20),
// replies Datagram OK or Datagram Rejected, and enforces the "at most one
// in-flight datagram per (source, dest) pair" concurrency rule.
package datagram

import (
	"log/slog"

	lcc "github.com/openlcb-go/lcc-core"
	"github.com/openlcb-go/lcc-core/pkg/buffer"
	"github.com/openlcb-go/lcc-core/pkg/engine"
)

// SubHandler processes one sub-protocol's datagram body (the bytes after
// the leading protocol byte) and either returns a reply datagram body
// (nil if none is needed beyond the OK ack) or fails with a peer-visible
// error code.
type SubHandler func(ctx *engine.Context, body []byte) (reply []byte, errorCode uint16, ok bool)

type pairKey struct {
	src, dest lcc.Alias
}

// Handler is the Datagram protocol dispatcher.
type Handler struct {
	subs    map[byte]SubHandler
	pending map[pairKey]bool
	log     *slog.Logger
}

func New(log *slog.Logger) *Handler {
	if log == nil {
		log = slog.Default()
	}
	return &Handler{subs: make(map[byte]SubHandler), pending: make(map[pairKey]bool), log: log.With("service", "[Datagram]")}
}

// RegisterProtocol binds a sub-protocol handler to a leading payload byte
// (spec.md §4.11; Memory Configuration registers at 0x20).
func (h *Handler) RegisterProtocol(protocolByte byte, fn SubHandler) {
	h.subs[protocolByte] = fn
}

// Register installs the Datagram handlers into d.
func (h *Handler) Register(d *engine.Dispatcher) {
	d.RegisterHandler(lcc.MTIDatagram, h.handle)
	d.RegisterHandler(lcc.MTIDatagramOkReply, func(ctx *engine.Context) {})
	d.RegisterHandler(lcc.MTIDatagramRejectedReply, func(ctx *engine.Context) {})
}

func (h *Handler) handle(ctx *engine.Context) {
	key := pairKey{ctx.SrcAlias, ctx.DestAlias}
	if h.pending[key] {
		// spec.md §4.11 "a new one arriving before the prior completes is
		// rejected with a temporary-buffer-unavailable error".
		ctx.Reply(lcc.MTIDatagramRejectedReply, buffer.SizeBasic, errPayload(lcc.ErrBufferUnavailable))
		return
	}
	h.pending[key] = true
	defer delete(h.pending, key)

	if len(ctx.Payload) == 0 {
		ctx.Reply(lcc.MTIDatagramRejectedReply, buffer.SizeBasic, errPayload(lcc.ErrNotImplemented))
		return
	}
	protocol := ctx.Payload[0]
	sub, ok := h.subs[protocol]
	if !ok {
		h.log.Warn("no sub-protocol handler", "protocol", protocol)
		ctx.Reply(lcc.MTIDatagramRejectedReply, buffer.SizeBasic, errPayload(lcc.ErrUnknownCommand))
		return
	}

	reply, errorCode, ok := sub(ctx, ctx.Payload[1:])
	if !ok {
		ctx.Reply(lcc.MTIDatagramRejectedReply, buffer.SizeBasic, errPayload(errorCode))
		return
	}
	ctx.Reply(lcc.MTIDatagramOkReply, buffer.SizeBasic, nil)
	if reply != nil {
		ctx.Reply(lcc.MTIDatagram, buffer.SizeDatagram, reply)
	}
}

func errPayload(code uint16) []byte {
	return []byte{byte(code >> 8), byte(code)}
}
