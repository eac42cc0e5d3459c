// Package traction implements the Traction Control protocol handler
// (spec.md §4.11): a single command/reply MTI pair carrying a traction
// sub-command in the first payload byte, plus the Simple Train Info
// request/reply sub-commands. Actual motive-power control is delegated to
// an injected Controller, the same narrow-interface pattern the teacher
// uses for its SDO/PDO callback objects.
package traction

import (
	"log/slog"

	lcc "github.com/openlcb-go/lcc-core"
	"github.com/openlcb-go/lcc-core/pkg/buffer"
	"github.com/openlcb-go/lcc-core/pkg/engine"
	"github.com/openlcb-go/lcc-core/pkg/node"
)

// Traction sub-commands (spec.md §4.11 "single command/reply dispatch").
const (
	CmdSetSpeedDir    byte = 0x00
	CmdSetFunction    byte = 0x01
	CmdEStop          byte = 0x02
	CmdQuerySpeed     byte = 0x10
	CmdQuerySpeedReply byte = 0x10
	CmdQueryFunction  byte = 0x11
	CmdQueryFunctionReply byte = 0x11
	CmdSimpleTrainInfo      byte = 0x20
	CmdSimpleTrainInfoReply byte = 0x20
)

// Controller is the motive-power surface this package drives.
type Controller interface {
	SetSpeed(n *node.Node, speedMph float32, forward bool)
	SetFunction(n *node.Node, address uint32, value uint16)
	EStop(n *node.Node)
	QuerySpeed(n *node.Node) (speedMph float32, forward bool)
	QueryFunction(n *node.Node, address uint32) uint16
	TrainInfo(n *node.Node) []byte
}

// Handler implements the Traction protocol.
type Handler struct {
	ctrl Controller
	log  *slog.Logger
}

func New(ctrl Controller, log *slog.Logger) *Handler {
	if log == nil {
		log = slog.Default()
	}
	return &Handler{ctrl: ctrl, log: log.With("service", "[Traction]")}
}

// Register installs the Traction Protocol handler into d.
func (h *Handler) Register(d *engine.Dispatcher) {
	d.RegisterHandler(lcc.MTITractionProtocol, h.handle)
	d.RegisterHandler(lcc.MTITractionReply, func(ctx *engine.Context) {})
}

func (h *Handler) handle(ctx *engine.Context) {
	if len(ctx.Payload) == 0 || h.ctrl == nil {
		return
	}
	cmd := ctx.Payload[0]
	body := ctx.Payload[1:]

	switch cmd {
	case CmdSetSpeedDir:
		if len(body) < 2 {
			return
		}
		raw := int16(uint16(body[0])<<8 | uint16(body[1]))
		forward := raw >= 0
		speed := float32(raw)
		if !forward {
			speed = -speed
		}
		h.ctrl.SetSpeed(ctx.Node, speed/256, forward)

	case CmdSetFunction:
		if len(body) < 6 {
			return
		}
		address := beUint32(body[:4])
		value := uint16(body[4])<<8 | uint16(body[5])
		h.ctrl.SetFunction(ctx.Node, address, value)

	case CmdEStop:
		h.ctrl.EStop(ctx.Node)

	case CmdQuerySpeed:
		speed, forward := h.ctrl.QuerySpeed(ctx.Node)
		raw := int16(speed * 256)
		if !forward {
			raw = -raw
		}
		ctx.Reply(lcc.MTITractionReply, buffer.SizeBasic, []byte{CmdQuerySpeedReply, byte(uint16(raw) >> 8), byte(uint16(raw))})

	case CmdQueryFunction:
		if len(body) < 4 {
			return
		}
		address := beUint32(body[:4])
		value := h.ctrl.QueryFunction(ctx.Node, address)
		ctx.Reply(lcc.MTITractionReply, buffer.SizeBasic, []byte{CmdQueryFunctionReply, byte(value >> 8), byte(value)})

	case CmdSimpleTrainInfo:
		info := h.ctrl.TrainInfo(ctx.Node)
		payload := append([]byte{CmdSimpleTrainInfoReply}, info...)
		ctx.Reply(lcc.MTITractionReply, buffer.SizeSNIP, payload)
	}
}

func beUint32(b []byte) uint32 {
	return uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])
}
