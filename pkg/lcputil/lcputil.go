// Package lcputil collects the small stateless helpers shared by the CAN
// adaptation layer and the protocol engine: alias/seed generation, MTI
// extraction from a 29-bit CAN identifier, and the big-endian byte packing
// OpenLCB payloads use for node ids and event ids. Grounded on the
// teacher's od/encoding.go byte-packing helpers, which are likewise small
// standalone functions rather than methods on a big type.
package lcputil

import lcc "github.com/openlcb-go/lcc-core"

// NextSeed advances the 48-bit LFSR used to generate alias-candidate seeds
// from a node id (spec.md §4.6 GENERATE_SEED/GENERATE_ALIAS).
func NextSeed(seed uint64) uint64 {
	t1 := (seed << 9) + seed
	t2 := (t1 >> 27) + t1
	return t2 & 0xFFFFFFFFFFFF
}

// AliasFromSeed folds a 48-bit seed down to a 12-bit alias candidate by
// XOR-ing its four nibble-aligned 12-bit groups, remapping the reserved
// all-zero alias to 0xAAA (spec.md §4.6).
func AliasFromSeed(seed uint64) lcc.Alias {
	a := (seed & 0xFFF) ^ ((seed >> 12) & 0xFFF) ^ ((seed >> 24) & 0xFFF) ^ ((seed >> 36) & 0xFFF)
	if a == 0 {
		a = 0xAAA
	}
	return lcc.Alias(a)
}

// ExtractMTI recovers the 16-bit Message Type Indicator from a 29-bit CAN
// identifier carrying an OpenLCB standard frame (spec.md §6).
func ExtractMTI(canID uint32) uint16 {
	return uint16((canID >> 12) & 0xFFF)
}

// ComposeEventID builds the auto-create event id (nodeID<<16)|index
// (spec.md §4.5).
func ComposeEventID(nodeID lcc.NodeID, index uint16) lcc.EventID {
	return lcc.EventID((uint64(nodeID) << 16) | uint64(index))
}

// NodeIDToBytes packs a 48-bit node id big-endian, the wire order used in
// datagram payloads and SNIP/ACDI content (spec.md §6).
func NodeIDToBytes(id lcc.NodeID) [6]byte {
	var b [6]byte
	for i := 5; i >= 0; i-- {
		b[i] = byte(id)
		id >>= 8
	}
	return b
}

// NodeIDToBytesSlice is NodeIDToBytes with a slice result, convenient when
// building a payload by append.
func NodeIDToBytesSlice(id lcc.NodeID) []byte {
	b := NodeIDToBytes(id)
	return b[:]
}

func BytesToNodeID(b []byte) lcc.NodeID {
	var id lcc.NodeID
	for _, v := range b[:6] {
		id = (id << 8) | lcc.NodeID(v)
	}
	return id
}

// EventIDToBytes packs a 64-bit event id big-endian.
func EventIDToBytes(id lcc.EventID) [8]byte {
	var b [8]byte
	for i := 7; i >= 0; i-- {
		b[i] = byte(id)
		id >>= 8
	}
	return b
}

func BytesToEventID(b []byte) lcc.EventID {
	var id lcc.EventID
	for _, v := range b[:8] {
		id = (id << 8) | lcc.EventID(v)
	}
	return id
}
