// Package engine implements OpenLcbMainStatemachine (spec.md §4.10): the
// incoming-message dispatcher. Each Run call pops one reassembled
// OpenLcbMessage, decides which locally-hosted nodes must process it, and
// invokes the registered per-MTI handler for each. It plays the same role
// the teacher's bus_manager.go SDO/PDO dispatch table plays for CANopen,
// generalized from a fixed small set of function codes to OpenLCB's open
// per-MTI handler registry, populated at wiring time by the protocol
// packages (messagenet, eventtransport, snip, datagram, stream, traction;
// memconfig plugs in through datagram) rather than hard-coded here.
package engine

import (
	"log/slog"

	lcc "github.com/openlcb-go/lcc-core"
	"github.com/openlcb-go/lcc-core/pkg/buffer"
	"github.com/openlcb-go/lcc-core/pkg/node"
)

// HandlerFunc processes one message for one eligible node. Handlers use
// Context.Reply/Reject to queue an immediate outgoing message; handlers
// that must emit several (e.g. a burst of Event Identified replies) call
// Reply repeatedly.
type HandlerFunc func(ctx *Context)

// Context is the per-(node,message) delivery the dispatcher hands to a
// handler, equivalent to the source's openlcb_statemachine_info_t.
type Context struct {
	Node      *node.Node
	SrcAlias  lcc.Alias
	DestAlias lcc.Alias
	MTI       uint16
	Payload   []byte

	d *Dispatcher
}

// Reply allocates an outgoing message addressed back to the requester and
// queues it for transmission on the dispatcher's next drain (spec.md §4.10
// "outgoing reply handling").
func (c *Context) Reply(mti uint16, class buffer.SizeClass, payload []byte) {
	msg := c.d.store.AllocateBuffer(class)
	if msg == nil {
		c.d.log.Warn("buffer pool exhausted on reply", "mti", mti)
		return
	}
	msg.MTI = mti
	msg.SourceAlias = c.Node.Alias
	msg.SourceID = c.Node.ID
	msg.DestAlias = c.SrcAlias
	msg.PayloadCount = uint16(copy(msg.Payload, payload))
	c.d.outgoing.Push(msg)
}

// Global queues an outgoing message with no dest_alias, broadcast to the
// whole bus (e.g. PC Event Report, Producer/Consumer Identified).
func (c *Context) Global(mti uint16, class buffer.SizeClass, payload []byte) {
	msg := c.d.store.AllocateBuffer(class)
	if msg == nil {
		c.d.log.Warn("buffer pool exhausted on global send", "mti", mti)
		return
	}
	msg.MTI = mti
	msg.SourceAlias = c.Node.Alias
	msg.SourceID = c.Node.ID
	msg.PayloadCount = uint16(copy(msg.Payload, payload))
	c.d.outgoing.Push(msg)
}

// Reject emits MTI_OPTIONAL_INTERACTION_REJECTED carrying errorCode and the
// MTI that could not be processed, addressed back to the requester
// (spec.md §4.10, §7 peer-visible permanent/temporary error kinds).
func (c *Context) Reject(errorCode uint16) {
	payload := []byte{byte(errorCode >> 8), byte(errorCode), byte(c.MTI >> 8), byte(c.MTI)}
	c.Reply(lcc.MTIOptionalInteractionRejected, buffer.SizeBasic, payload)
}

// Dispatcher is OpenLcbMainStatemachine (spec.md §4.10).
type Dispatcher struct {
	registry *node.Registry
	store    *buffer.OpenLcbBufferStore
	incoming *buffer.Fifo[buffer.OpenLcbMessage]
	outgoing *buffer.Fifo[buffer.OpenLcbMessage]
	handlers map[uint16]HandlerFunc
	log      *slog.Logger
}

func New(registry *node.Registry, store *buffer.OpenLcbBufferStore,
	incoming, outgoing *buffer.Fifo[buffer.OpenLcbMessage], log *slog.Logger) *Dispatcher {
	if log == nil {
		log = slog.Default()
	}
	return &Dispatcher{
		registry: registry,
		store:    store,
		incoming: incoming,
		outgoing: outgoing,
		handlers: make(map[uint16]HandlerFunc),
		log:      log.With("service", "[Engine]"),
	}
}

// RegisterHandler installs the handler for one MTI, replacing any prior
// registration. Called by protocol packages during wiring.
func (d *Dispatcher) RegisterHandler(mti uint16, fn HandlerFunc) {
	d.handlers[mti] = fn
}

// Outgoing exposes the outbound OpenLCB FIFO so the CAN adaptation layer
// (cantx) can drain it.
func (d *Dispatcher) Outgoing() *buffer.Fifo[buffer.OpenLcbMessage] { return d.outgoing }

// Run performs one unit of work: pop the next incoming message and deliver
// it to every eligible node (spec.md §4.10). Returns false when the
// incoming FIFO is empty.
func (d *Dispatcher) Run() bool {
	msg, ok := d.incoming.Pop()
	if !ok {
		return false
	}
	defer d.store.FreeBuffer(msg)

	payload := msg.Payload[:msg.PayloadCount]
	for n := d.registry.GetFirst(lcc.EnumeratorOpenLcbMain); n != nil; n = d.registry.GetNext(lcc.EnumeratorOpenLcbMain) {
		if !d.doesNodeProcessMsg(n, msg) {
			continue
		}
		ctx := &Context{Node: n, SrcAlias: msg.SourceAlias, DestAlias: msg.DestAlias, MTI: msg.MTI, Payload: payload, d: d}
		if h, ok := d.handlers[msg.MTI]; ok {
			h(ctx)
			continue
		}
		if isRequestMTI(msg.MTI) {
			ctx.Reject(lcc.ErrNotImplemented)
		}
		// reply-type MTIs with no registered handler are silently dropped
		// (spec.md §4.10 "missing handlers ... silently drop for
		// reply-type MTIs").
	}
	return true
}

// doesNodeProcessMsg implements the eligibility rule of spec.md §4.10.
func (d *Dispatcher) doesNodeProcessMsg(n *node.Node, msg *buffer.OpenLcbMessage) bool {
	if msg.Class == buffer.SizeDatagram || msg.Class == buffer.SizeStream {
		return n.Alias == msg.DestAlias
	}
	if msg.MTI&lcc.MaskDestAddressPresent != 0 {
		return n.Alias == msg.DestAlias
	}
	return n.State.Initialized
}

// requestMTIs lists MTIs whose absence of a handler must be reported with
// MTI_OPTIONAL_INTERACTION_REJECTED rather than silently dropped (spec.md
// §4.10); every other MTI is treated as a reply/notification.
var requestMTIs = map[uint16]bool{
	lcc.MTIVerifyNodeIDAddressed:  true,
	lcc.MTIVerifyNodeIDGlobal:     true,
	lcc.MTIProtocolSupportInquiry: true,
	lcc.MTIConsumerIdentify:       true,
	lcc.MTIProducerIdentify:       true,
	lcc.MTIEventsIdentifyDest:     true,
	lcc.MTIEventsIdentifyGlobal:   true,
	lcc.MTIEventLearn:             true,
	lcc.MTISimpleNodeInfoRequest:  true,
	lcc.MTIDatagram:               true,
	lcc.MTIStreamInitRequest:      true,
	lcc.MTITractionProtocol:       true,
}

func isRequestMTI(mti uint16) bool { return requestMTIs[mti] }
