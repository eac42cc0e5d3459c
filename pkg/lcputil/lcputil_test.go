package lcputil

import (
	"testing"

	"github.com/stretchr/testify/require"

	lcc "github.com/openlcb-go/lcc-core"
)

func TestAliasFromSeedNeverZero(t *testing.T) {
	require.EqualValues(t, 0xAAA, AliasFromSeed(0))
}

func TestNextSeedIsDeterministicAndVaries(t *testing.T) {
	seed := uint64(0x010203040506)
	next := NextSeed(seed)
	require.NotEqual(t, seed, next)
	require.Equal(t, next, NextSeed(seed), "same input must always produce the same seed")
}

func TestComposeEventID(t *testing.T) {
	got := ComposeEventID(lcc.NodeID(0x010203040506), 3)
	require.EqualValues(t, (uint64(0x010203040506)<<16)|3, got)
}

func TestNodeIDRoundTrip(t *testing.T) {
	id := lcc.NodeID(0x0102030405AB)
	b := NodeIDToBytes(id)
	require.Equal(t, id, BytesToNodeID(b[:]))
}

func TestEventIDRoundTrip(t *testing.T) {
	id := lcc.EventID(0x0102030405060708)
	b := EventIDToBytes(id)
	require.Equal(t, id, BytesToEventID(b[:]))
}

func TestExtractMTI(t *testing.T) {
	// MTIInitializationComplete = 0x0100 shifted into bits 23:12 of the id.
	canID := uint32(lcc.MTIInitializationComplete) << 12
	require.EqualValues(t, lcc.MTIInitializationComplete, ExtractMTI(canID))
}
