// Package cantx implements CanTxMessageHandler (spec.md §4.8): it fragments
// one outgoing OpenLcbMessage into the CAN frame sequence its class
// requires and drains it through the injected Sender one frame per call,
// the mirror image of canrx's decode path. Framing conventions (the
// addressed multi-frame nibble, the datagram frame-type-carries-framing
// trick) are the exact ones canrx and canlogin already decode, kept in
// lockstep via lcputil and lcc's shared constants.
package cantx

import (
	"log/slog"

	lcc "github.com/openlcb-go/lcc-core"
	can "github.com/openlcb-go/lcc-core/pkg/candriver/can"
	"github.com/openlcb-go/lcc-core/pkg/buffer"
)

// Sender is the narrow CAN transmit surface this package needs.
type Sender interface {
	Send(can.Frame) error
}

// outgoing tracks one in-progress fragmentation job. offset only advances
// on a successful Send, so a transmit failure leaves it unchanged and the
// same frame is retried next call (spec.md §4.8 "transmit-failure leaves
// offset unchanged").
type outgoing struct {
	msg    *buffer.OpenLcbMessage
	offset uint16
	first  bool
}

// Handler fragments and drains one OpenLcbMessage at a time.
type Handler struct {
	sender Sender
	store  *buffer.OpenLcbBufferStore
	log    *slog.Logger
	job    *outgoing
}

func New(sender Sender, store *buffer.OpenLcbBufferStore, log *slog.Logger) *Handler {
	if log == nil {
		log = slog.Default()
	}
	return &Handler{sender: sender, store: store, log: log.With("service", "[CanTx]")}
}

// Busy reports whether a fragmentation job is still in progress.
func (h *Handler) Busy() bool { return h.job != nil }

// Begin starts fragmenting msg. Callers must not call Begin again until
// Run reports the job complete (Busy() == false).
func (h *Handler) Begin(msg *buffer.OpenLcbMessage) {
	h.job = &outgoing{msg: msg, first: true}
}

// Run emits at most one CAN frame of the in-progress job. Returns true
// whenever a job is in progress (whether the frame went out, the job
// finished, or a failed send left the frame to be retried), matching the
// run()-does-one-unit-of-work convention used throughout this stack
// (spec.md §5).
func (h *Handler) Run() bool {
	if h.job == nil {
		return false
	}
	msg := h.job.msg
	switch msg.Class {
	case buffer.SizeDatagram:
		return h.runDatagram()
	case buffer.SizeStream:
		return h.runStream()
	default:
		if msg.DestAlias != 0 || msg.MTI&lcc.MaskDestAddressPresent != 0 {
			return h.runAddressed()
		}
		return h.runSingle()
	}
}

func (h *Handler) finish() {
	h.store.FreeBuffer(h.job.msg)
	h.job = nil
}

// runSingle emits one unaddressed frame and always completes the job
// (spec.md §4.8 "single-frame unaddressed").
func (h *Handler) runSingle() bool {
	msg := h.job.msg
	ident := lcc.OpenLcbMessageStandardFrameType | (uint32(msg.MTI) << 12) | uint32(msg.SourceAlias)
	frame := can.NewFrame(ident, 0, uint8(msg.PayloadCount))
	copy(frame.Data[:], msg.Payload[:msg.PayloadCount])
	if err := h.sender.Send(frame); err != nil {
		h.log.Warn("transmit failed, retrying", "mti", msg.MTI, "err", err)
		return true
	}
	h.finish()
	return true
}

// runAddressed emits one frame of an addressed single- or multi-frame
// message, choosing the ONLY/FIRST/MIDDLE/LAST framing nibble by how much
// payload remains (spec.md §4.8).
func (h *Handler) runAddressed() bool {
	msg := h.job.msg
	job := h.job
	const maxChunk = 6

	remaining := int(msg.PayloadCount) - int(job.offset)
	chunk := remaining
	if chunk > maxChunk {
		chunk = maxChunk
	}
	last := remaining <= maxChunk

	var nibble byte
	switch {
	case job.first && last:
		nibble = 0x0 // ONLY
	case job.first:
		nibble = 0x4 // FIRST
	case last:
		nibble = 0x8 // LAST
	default:
		nibble = 0xC // MIDDLE
	}

	data := make([]byte, 2+chunk)
	data[0] = nibble | byte(msg.DestAlias>>8)
	data[1] = byte(msg.DestAlias)
	copy(data[2:], msg.Payload[job.offset:int(job.offset)+chunk])

	ident := lcc.OpenLcbMessageStandardFrameType | (uint32(msg.MTI) << 12) | uint32(msg.SourceAlias)
	frame := can.NewFrame(ident, 0, uint8(len(data)))
	copy(frame.Data[:], data)
	if err := h.sender.Send(frame); err != nil {
		h.log.Warn("transmit failed, retrying", "mti", msg.MTI, "err", err)
		return true
	}
	job.offset += uint16(chunk)
	job.first = false
	if last {
		h.finish()
	}
	return true
}

// runDatagram emits one frame of a datagram message. The frame-type field
// of the identifier itself carries ONLY/FIRST/MIDDLE/FINAL; up to 8 payload
// bytes ride with no framing nibble (spec.md §4.8).
func (h *Handler) runDatagram() bool {
	msg := h.job.msg
	job := h.job
	const maxChunk = 8

	remaining := int(msg.PayloadCount) - int(job.offset)
	chunk := remaining
	if chunk > maxChunk {
		chunk = maxChunk
	}
	last := remaining <= maxChunk

	var frameType uint32
	switch {
	case job.first && last:
		frameType = lcc.FrameTypeDatagramOnly
	case job.first:
		frameType = lcc.FrameTypeDatagramFirst
	case last:
		frameType = lcc.FrameTypeDatagramFinal
	default:
		frameType = lcc.FrameTypeDatagramMiddle
	}

	ident := frameType | (uint32(msg.DestAlias) << 12) | uint32(msg.SourceAlias)
	frame := can.NewFrame(ident, 0, uint8(chunk))
	copy(frame.Data[:], msg.Payload[job.offset:int(job.offset)+chunk])
	if err := h.sender.Send(frame); err != nil {
		h.log.Warn("transmit failed, retrying", "mti", msg.MTI, "err", err)
		return true
	}
	job.offset += uint16(chunk)
	job.first = false
	if last {
		h.finish()
	}
	return true
}

// runStream emits one stream-transport frame (CAN_FRAME_TYPE_STREAM, bits
// 26:24 = 111). Flow control (window sizing, Stream Proceed) belongs to the
// stream protocol handler; this only moves bytes already staged onto the
// wire (spec.md §4.8, §9 "CanTxMessageHandler_stream_frame ... implement
// stream-send per the Stream Transport Standard").
func (h *Handler) runStream() bool {
	msg := h.job.msg
	job := h.job
	const maxChunk = 8

	remaining := int(msg.PayloadCount) - int(job.offset)
	chunk := remaining
	if chunk > maxChunk {
		chunk = maxChunk
	}
	last := remaining <= maxChunk

	ident := lcc.FrameTypeStream | (uint32(msg.DestAlias) << 12) | uint32(msg.SourceAlias)
	frame := can.NewFrame(ident, 0, uint8(chunk))
	copy(frame.Data[:], msg.Payload[job.offset:int(job.offset)+chunk])
	if err := h.sender.Send(frame); err != nil {
		h.log.Warn("transmit failed, retrying", "mti", msg.MTI, "err", err)
		return true
	}
	job.offset += uint16(chunk)
	job.first = false
	if last {
		h.finish()
	}
	return true
}

// UnaddressedMsgFrame builds a single unaddressed frame directly, without
// going through the Begin/Run job protocol (spec.md §8 scenario 2).
func UnaddressedMsgFrame(mti uint16, sourceAlias lcc.Alias, payload []byte) can.Frame {
	ident := lcc.OpenLcbMessageStandardFrameType | (uint32(mti) << 12) | uint32(sourceAlias)
	frame := can.NewFrame(ident, 0, uint8(len(payload)))
	copy(frame.Data[:], payload)
	return frame
}
