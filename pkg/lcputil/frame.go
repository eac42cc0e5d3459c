package lcputil

import lcc "github.com/openlcb-go/lcc-core"

// FrameKind is the first-level classification of a 29-bit CAN identifier,
// decoded once here so the CAN login, rx and tx state machines all agree
// on the same bit layout (spec.md §6).
type FrameKind int

const (
	FrameKindUnknown FrameKind = iota
	FrameKindCID
	FrameKindAliasManagement // RID, AMD, AME, AMR, EIR0-3
	FrameKindMessage         // global or addressed standard OpenLCB message
	FrameKindDatagram
	FrameKindStream
)

// topField masks bits 28:24, which alone distinguish every frame class
// except the alias-management subgroup (all zero there; bits 23:12 select
// the specific subtype within that group).
const topField uint32 = 0x1F000000

// aliasMgmtMask isolates the reserved bit plus subtype selector of an
// alias-management frame, masking off only the low 12-bit alias field, so
// the result compares equal to one of the lcc.Subtype* constants directly.
const aliasMgmtMask uint32 = 0x10FFF000

// Classify returns the frame's kind and, for CID and alias-management
// frames, the raw masked subtype value (equal to one of the
// lcc.ControlFrameCID* or lcc.Subtype* constants).
func Classify(id uint32) (kind FrameKind, subtype uint32) {
	top := id & topField
	switch top {
	case lcc.ControlFrameCID7, lcc.ControlFrameCID6, lcc.ControlFrameCID5, lcc.ControlFrameCID4:
		return FrameKindCID, top
	case lcc.ReservedTopBit: // bit28 set, bit27:24 all zero: not a CID frame
		return FrameKindAliasManagement, id & aliasMgmtMask
	case lcc.OpenLcbMessageStandardFrameType:
		return FrameKindMessage, 0
	case lcc.FrameTypeDatagramOnly, lcc.FrameTypeDatagramFirst, lcc.FrameTypeDatagramMiddle, lcc.FrameTypeDatagramFinal:
		return FrameKindDatagram, top
	case lcc.FrameTypeStream:
		return FrameKindStream, 0
	default:
		return FrameKindUnknown, 0
	}
}

// SourceAliasOf and DestAliasOf read the low/high alias fields common to
// every frame kind that carries two aliases (datagram, stream).
func SourceAliasOf(id uint32) lcc.Alias { return lcc.Alias(id & 0x0FFF) }
func DestAliasOf(id uint32) lcc.Alias   { return lcc.Alias((id >> 12) & 0x0FFF) }
