// Package canrx implements CanRxStatemachine (spec.md §4.7): it classifies
// one inbound CAN frame at a time and either forwards it to the login
// collision detector, reassembles it into a whole OpenLcbMessage (for
// datagram and addressed multi-frame payloads), or delivers a
// single-frame message straight through. This is the receive-side
// counterpart of the teacher's bus_manager.go frame dispatch loop,
// generalized from CANopen's fixed {NMT, SDO, PDO, SYNC} function-code
// table to OpenLCB's bit-level frame-type classification.
package canrx

import (
	"log/slog"

	lcc "github.com/openlcb-go/lcc-core"
	"github.com/openlcb-go/lcc-core/pkg/alias"
	can "github.com/openlcb-go/lcc-core/pkg/candriver/can"
	"github.com/openlcb-go/lcc-core/pkg/buffer"
	"github.com/openlcb-go/lcc-core/pkg/lcputil"
	"github.com/openlcb-go/lcc-core/pkg/node"
)

// Framing nibbles carried in the high nibble of payload byte 0 for
// addressed multi-frame messages (spec.md §4.8).
const (
	framingOnly   byte = 0x0
	framingFirst  byte = 0x4
	framingLast   byte = 0x8
	framingMiddle byte = 0xC
)

// AliasCollisionHandler is the narrow surface canrx needs from the login
// state machine to report alias collisions it observes on the bus.
type AliasCollisionHandler interface {
	HandleIncoming(can.Frame)
}

// Statemachine decodes inbound frames for every node in a shared registry.
type Statemachine struct {
	registry *node.Registry
	store    *buffer.OpenLcbBufferStore
	aliases  *alias.Mappings
	outbound *buffer.Fifo[buffer.OpenLcbMessage]
	login    AliasCollisionHandler
	log      *slog.Logger

	// addressedWork holds in-progress addressed multi-frame (non-datagram)
	// reassembly, one slot per source alias (spec.md §4.7 "per-alias
	// work-in-progress slot"). Datagram reassembly state lives on the
	// destination node's LastReceivedDatagram field instead.
	addressedWork map[lcc.Alias]*buffer.OpenLcbMessage
}

func New(registry *node.Registry, store *buffer.OpenLcbBufferStore, aliases *alias.Mappings,
	outbound *buffer.Fifo[buffer.OpenLcbMessage], login AliasCollisionHandler, log *slog.Logger) *Statemachine {
	if log == nil {
		log = slog.Default()
	}
	return &Statemachine{
		registry:      registry,
		store:         store,
		aliases:       aliases,
		outbound:      outbound,
		login:         login,
		log:           log.With("service", "[CanRx]"),
		addressedWork: make(map[lcc.Alias]*buffer.OpenLcbMessage),
	}
}

// IncomingCanDriverCallback is the function the physical driver's receive
// path invokes for each frame it reads (spec.md §4.13 interrupt boundary).
// It completes decoding synchronously, same as the source.
func (sm *Statemachine) IncomingCanDriverCallback(frame can.Frame) {
	kind, subtype := lcputil.Classify(frame.ID)
	switch kind {
	case lcputil.FrameKindCID, lcputil.FrameKindAliasManagement:
		sm.handleControl(frame, subtype)
	case lcputil.FrameKindMessage:
		sm.handleMessage(frame)
	case lcputil.FrameKindDatagram:
		sm.handleDatagram(frame, subtype)
	case lcputil.FrameKindStream:
		sm.handleStream(frame)
	default:
		sm.log.Warn("unclassifiable frame", "id", frame.ID)
	}
}

func (sm *Statemachine) handleControl(frame can.Frame, subtype uint32) {
	if sm.login != nil {
		sm.login.HandleIncoming(frame)
	}
	srcAlias := lcputil.SourceAliasOf(frame.ID)
	switch subtype {
	case lcc.SubtypeAMD:
		if frame.DLC >= 6 {
			sm.aliases.Register(srcAlias, lcputil.BytesToNodeID(frame.Data[:6]))
		}
	case lcc.SubtypeAMR:
		sm.aliases.Unregister(srcAlias)
	}
}

func (sm *Statemachine) handleMessage(frame can.Frame) {
	mti := lcputil.ExtractMTI(frame.ID)
	srcAlias := lcputil.SourceAliasOf(frame.ID)
	data := append([]byte{}, frame.Data[:frame.DLC]...)

	if mti&lcc.MaskDestAddressPresent == 0 {
		sm.deliver(mti, srcAlias, 0, data, buffer.SizeBasic)
		return
	}

	if len(data) < 2 {
		sm.log.Warn("addressed frame too short", "mti", mti)
		return
	}
	destAlias := lcc.Alias(data[0]&0x0F)<<8 | lcc.Alias(data[1])
	if sm.registry.FindByAlias(destAlias) == nil {
		return // not ours; drop per spec.md §4.7
	}
	framing := (data[0] & 0xF0) >> 4
	payload := data[2:]

	switch framing {
	case framingOnly:
		sm.deliver(mti, srcAlias, destAlias, payload, buffer.SizeSNIP)

	case framingFirst:
		msg := sm.store.AllocateBuffer(buffer.SizeSNIP)
		if msg == nil {
			sm.log.Warn("SNIP pool exhausted", "mti", mti)
			return
		}
		msg.MTI, msg.SourceAlias, msg.DestAlias = mti, srcAlias, destAlias
		msg.PayloadCount = uint16(copy(msg.Payload, payload))
		sm.addressedWork[srcAlias] = msg

	case framingMiddle, framingLast:
		msg, ok := sm.addressedWork[srcAlias]
		if !ok {
			// ERROR_TEMPORARY_MIDDLE_OR_END_WITHOUT_START (spec.md §6);
			// emitting the reply is the datagram/SNIP protocol layer's job.
			sm.log.Warn("addressed middle/last without start", "src", srcAlias)
			return
		}
		msg.PayloadCount += uint16(copy(msg.Payload[msg.PayloadCount:], payload))
		if framing == framingLast {
			delete(sm.addressedWork, srcAlias)
			sm.outbound.Push(msg)
		}
	}
}

func (sm *Statemachine) deliver(mti uint16, srcAlias, destAlias lcc.Alias, payload []byte, class buffer.SizeClass) {
	msg := sm.store.AllocateBuffer(class)
	if msg == nil {
		sm.log.Warn("buffer pool exhausted on deliver", "mti", mti, "class", class)
		return
	}
	msg.MTI, msg.SourceAlias, msg.DestAlias = mti, srcAlias, destAlias
	msg.PayloadCount = uint16(copy(msg.Payload, payload))
	sm.outbound.Push(msg)
}

func (sm *Statemachine) handleDatagram(frame can.Frame, frameType uint32) {
	destAlias := lcputil.DestAliasOf(frame.ID)
	srcAlias := lcputil.SourceAliasOf(frame.ID)
	n := sm.registry.FindByAlias(destAlias)
	if n == nil {
		return // not ours
	}
	data := frame.Data[:frame.DLC]

	switch frameType {
	case lcc.FrameTypeDatagramOnly:
		msg := sm.store.AllocateBuffer(buffer.SizeDatagram)
		if msg == nil {
			sm.log.Warn("datagram pool exhausted", "dest", destAlias)
			return
		}
		msg.MTI, msg.SourceAlias, msg.DestAlias = lcc.MTIDatagram, srcAlias, destAlias
		msg.PayloadCount = uint16(copy(msg.Payload, data))
		sm.outbound.Push(msg)

	case lcc.FrameTypeDatagramFirst:
		if n.LastReceivedDatagram != nil {
			// ERROR_TEMPORARY_START_BEFORE_LAST_END (spec.md §6): drop the
			// stale in-flight datagram and start fresh.
			sm.store.FreeBuffer(n.LastReceivedDatagram)
			n.LastReceivedDatagram = nil
		}
		msg := sm.store.AllocateBuffer(buffer.SizeDatagram)
		if msg == nil {
			sm.log.Warn("datagram pool exhausted", "dest", destAlias)
			return
		}
		msg.MTI, msg.SourceAlias, msg.DestAlias = lcc.MTIDatagram, srcAlias, destAlias
		msg.PayloadCount = uint16(copy(msg.Payload, data))
		n.LastReceivedDatagram = msg

	case lcc.FrameTypeDatagramMiddle:
		msg := n.LastReceivedDatagram
		if msg == nil {
			// ERROR_TEMPORARY_MIDDLE_OR_END_WITHOUT_START (spec.md §6).
			sm.log.Warn("datagram middle without start", "dest", destAlias)
			return
		}
		msg.PayloadCount += uint16(copy(msg.Payload[msg.PayloadCount:], data))

	case lcc.FrameTypeDatagramFinal:
		msg := n.LastReceivedDatagram
		if msg == nil {
			sm.log.Warn("datagram final without start", "dest", destAlias)
			return
		}
		msg.PayloadCount += uint16(copy(msg.Payload[msg.PayloadCount:], data))
		n.LastReceivedDatagram = nil
		sm.outbound.Push(msg)
	}
}

// handleStream hands a raw stream frame to the outbound queue tagged with
// MTIStreamSend; the windowed flow-control protocol itself is implemented
// by the stream transport package, not here (spec.md §4.14).
func (sm *Statemachine) handleStream(frame can.Frame) {
	msg := sm.store.AllocateBuffer(buffer.SizeStream)
	if msg == nil {
		sm.log.Warn("stream pool exhausted")
		return
	}
	msg.MTI = lcc.MTIStreamSend
	msg.SourceAlias = lcputil.SourceAliasOf(frame.ID)
	msg.DestAlias = lcputil.DestAliasOf(frame.ID)
	msg.PayloadCount = uint16(copy(msg.Payload, frame.Data[:frame.DLC]))
	sm.outbound.Push(msg)
}
