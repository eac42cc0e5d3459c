// Package memconfig implements the Memory Configuration protocol (spec.md
// §4.11, §6): reads of the CDI, Config and ACDI Manufacturer/User address
// spaces, writes to Config and ACDI User, Get Address Space Info, Options,
// Get Unique ID, Freeze/Unfreeze, Reset/Reboot, Factory Reset and Update
// Complete, all carried inside Datagram transport (leading protocol byte
// 0x20). The Traction and Firmware spaces are not served (reads and writes
// to them are rejected), and there is no Reserve/Lock command.
//
// The command byte layout is this core's own canonical assignment: the
// source material names the commands but, per spec.md §9's note on
// duplicated/ambiguous constants, does not give one definitive byte table
// in the material available here. See DESIGN.md for the chosen layout.
package memconfig

import (
	"log/slog"

	lcc "github.com/openlcb-go/lcc-core"
	"github.com/openlcb-go/lcc-core/pkg/datagram"
	"github.com/openlcb-go/lcc-core/pkg/engine"
	"github.com/openlcb-go/lcc-core/pkg/lcputil"
)

// ProtocolByte is the Datagram leading byte that routes to this package
// (spec.md §6 "carried in datagrams with protocol byte 0x20").
const ProtocolByte = 0x20

// Command bytes, this core's canonical assignment (see package doc).
const (
	cmdRead                = 0x01
	cmdWrite               = 0x03
	cmdOptionsCmd           = 0x05
	cmdOptionsReply         = 0x06
	cmdGetAddrSpaceInfoCmd  = 0x07
	cmdGetAddrSpaceInfoReply = 0x08
	cmdGetUniqueIDCmd       = 0x0A
	cmdFreeze               = 0x0C
	cmdUnfreeze             = 0x0D
	cmdReboot               = 0x0E
	cmdFactoryReset         = 0x0F
	cmdUpdateComplete       = 0x10
)

// ConfigMemory is the injected read/write surface for address space 0xFD,
// the only space whose content is application-defined (spec.md §6
// "openlcb_application: configuration_memory_read/write").
type ConfigMemory interface {
	Read(address uint32, count uint8) ([]byte, bool)
	Write(address uint32, data []byte) bool
}

// Drivers is the reboot/factory-reset surface (spec.md §6 "drivers:
// reboot(), config_mem_factory_reset()").
type Drivers interface {
	Reboot()
	ConfigMemFactoryReset()
}

// Handler implements the memory configuration sub-protocol.
type Handler struct {
	config  ConfigMemory
	drivers Drivers
	log     *slog.Logger
}

func New(config ConfigMemory, drivers Drivers, log *slog.Logger) *Handler {
	if log == nil {
		log = slog.Default()
	}
	return &Handler{config: config, drivers: drivers, log: log.With("service", "[MemConfig]")}
}

// Register binds this handler into dg at ProtocolByte.
func (h *Handler) Register(dg *datagram.Handler) {
	dg.RegisterProtocol(ProtocolByte, h.handle)
}

func (h *Handler) handle(ctx *engine.Context, body []byte) ([]byte, uint16, bool) {
	if len(body) == 0 {
		return nil, lcc.ErrInvalidArgs, false
	}
	cmd := body[0]
	body = body[1:]

	switch cmd {
	case cmdRead:
		return h.read(ctx, body)
	case cmdWrite:
		return h.write(ctx, body)
	case cmdOptionsCmd:
		return h.options(), 0, true
	case cmdGetAddrSpaceInfoCmd:
		return h.addrSpaceInfo(body)
	case cmdGetUniqueIDCmd:
		b := lcputil.NodeIDToBytes(ctx.Node.ID)
		return append([]byte{}, b[:]...), 0, true
	case cmdFreeze:
		ctx.Node.State.FirmwareUpgradeActive = true
		return nil, 0, true
	case cmdUnfreeze:
		ctx.Node.State.FirmwareUpgradeActive = false
		return nil, 0, true
	case cmdReboot:
		if h.drivers != nil {
			h.drivers.Reboot()
		}
		return nil, 0, true
	case cmdFactoryReset:
		if h.drivers != nil {
			h.drivers.ConfigMemFactoryReset()
		}
		return nil, 0, true
	case cmdUpdateComplete:
		ctx.Node.State.FirmwareUpgradeActive = false
		return nil, 0, true
	default:
		return nil, lcc.ErrUnknownSubcommand, false
	}
}

// read and write expect body = [space(1)][address(4, big-endian)][count(1) | data...].
func (h *Handler) read(ctx *engine.Context, body []byte) ([]byte, uint16, bool) {
	if len(body) < 6 {
		return nil, lcc.ErrInvalidArgs, false
	}
	space := body[0]
	address := beUint32(body[1:5])
	count := body[5]

	data, ok := h.readSpace(ctx, space, address, count)
	if !ok {
		return nil, lcc.ErrUnknownAddressSpace, false
	}
	reply := append([]byte{ProtocolByte, cmdRead + 1, space}, be32(address)...)
	reply = append(reply, data...)
	return reply, 0, true
}

func (h *Handler) write(ctx *engine.Context, body []byte) ([]byte, uint16, bool) {
	if len(body) < 5 {
		return nil, lcc.ErrInvalidArgs, false
	}
	space := body[0]
	address := beUint32(body[1:5])
	data := body[5:]

	if !h.writeSpace(ctx, space, address, data) {
		return nil, lcc.ErrWriteToReadOnly, false
	}
	return nil, 0, true
}

func (h *Handler) readSpace(ctx *engine.Context, space byte, address uint32, count uint8) ([]byte, bool) {
	switch space {
	case lcc.AddressSpaceCDI:
		return sliceWithin(ctx.Node.Parameters.CDI, address, count), true
	case lcc.AddressSpaceACDIMfr:
		return sliceWithin(acdiMfrBlock(ctx), address, count), true
	case lcc.AddressSpaceACDIUser:
		return sliceWithin(acdiUserBlock(ctx), address, count), true
	case lcc.AddressSpaceConfigMemory:
		if h.config == nil {
			return nil, false
		}
		data, ok := h.config.Read(address, count)
		return data, ok
	default:
		return nil, false
	}
}

func (h *Handler) writeSpace(ctx *engine.Context, space byte, address uint32, data []byte) bool {
	switch space {
	case lcc.AddressSpaceACDIUser:
		// Only the user block (name/description) is writable. The block is
		// encoded variable-length, [version][name\0][description\0], with no
		// fixed field offsets; a write is spliced into those encoded bytes,
		// may not extend past their current length, and is then split back
		// at the NUL terminators.
		block := acdiUserBlock(ctx)
		if int(address)+len(data) > len(block) {
			return false
		}
		copy(block[address:], data)
		splitACDIUserBlock(ctx, block)
		return true
	case lcc.AddressSpaceConfigMemory:
		if h.config == nil {
			return false
		}
		return h.config.Write(address, data)
	default:
		return false
	}
}

func (h *Handler) options() []byte {
	// availableCommandsMask, writeLengthsMask, highSpace, lowSpace.
	return []byte{ProtocolByte, cmdOptionsReply, 0xFF, 0xFF, lcc.AddressSpaceCDI, lcc.AddressSpaceFirmware}
}

func (h *Handler) addrSpaceInfo(body []byte) ([]byte, uint16, bool) {
	if len(body) < 1 {
		return nil, lcc.ErrInvalidArgs, false
	}
	space := body[0]
	switch space {
	case lcc.AddressSpaceCDI, lcc.AddressSpaceConfigMemory, lcc.AddressSpaceACDIMfr, lcc.AddressSpaceACDIUser:
		return []byte{ProtocolByte, cmdGetAddrSpaceInfoReply, space, 0x01}, 0, true
	default:
		return nil, lcc.ErrUnknownAddressSpace, false
	}
}

func acdiMfrBlock(ctx *engine.Context) []byte {
	id := ctx.Node.Parameters.Identity
	buf := []byte{id.MfgVersion}
	buf = appendCString(buf, id.Manufacturer)
	buf = appendCString(buf, id.Model)
	buf = appendCString(buf, id.HardwareVersion)
	buf = appendCString(buf, id.SoftwareVersion)
	return buf
}

func acdiUserBlock(ctx *engine.Context) []byte {
	id := ctx.Node.Parameters.Identity
	buf := []byte{id.UserVersion}
	buf = appendCString(buf, id.UserName)
	buf = appendCString(buf, id.UserDescription)
	return buf
}

func splitACDIUserBlock(ctx *engine.Context, block []byte) {
	// block = [version][name\0][description\0]; write the pieces back.
	rest := block[1:]
	nameEnd := indexByte(rest, 0)
	if nameEnd < 0 {
		return
	}
	ctx.Node.Parameters.Identity.UserName = string(rest[:nameEnd])
	rest = rest[nameEnd+1:]
	descEnd := indexByte(rest, 0)
	if descEnd < 0 {
		descEnd = len(rest)
	}
	ctx.Node.Parameters.Identity.UserDescription = string(rest[:descEnd])
}

func indexByte(b []byte, c byte) int {
	for i, v := range b {
		if v == c {
			return i
		}
	}
	return -1
}

func appendCString(buf []byte, s string) []byte {
	buf = append(buf, s...)
	return append(buf, 0)
}

func sliceWithin(data []byte, address uint32, count uint8) []byte {
	if int(address) >= len(data) {
		return nil
	}
	end := int(address) + int(count)
	if end > len(data) {
		end = len(data)
	}
	return data[address:end]
}

func beUint32(b []byte) uint32 {
	return uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])
}

func be32(v uint32) []byte {
	return []byte{byte(v >> 24), byte(v >> 16), byte(v >> 8), byte(v)}
}
