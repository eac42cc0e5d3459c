package canrx

import (
	"testing"

	"github.com/stretchr/testify/require"

	lcc "github.com/openlcb-go/lcc-core"
	"github.com/openlcb-go/lcc-core/pkg/alias"
	can "github.com/openlcb-go/lcc-core/pkg/candriver/can"
	"github.com/openlcb-go/lcc-core/pkg/buffer"
	"github.com/openlcb-go/lcc-core/pkg/node"
)

type fakeLogin struct {
	seen []can.Frame
}

func (f *fakeLogin) HandleIncoming(frame can.Frame) {
	f.seen = append(f.seen, frame)
}

func newFixture(t *testing.T) (*Statemachine, *node.Registry, *fakeLogin) {
	registry := node.New(2, nil, nil)
	store := buffer.NewOpenLcbBufferStore(buffer.PoolDepths{Basic: 4, Datagram: 4, SNIP: 4, Stream: 2, StreamPayloadCap: 64})
	aliases := alias.New(4)
	outbound := buffer.NewFifo[buffer.OpenLcbMessage](8)
	login := &fakeLogin{}
	sm := New(registry, store, aliases, outbound, login, nil)
	return sm, registry, login
}

func TestGlobalSingleFrameDelivered(t *testing.T) {
	sm, _, _ := newFixture(t)
	ident := lcc.OpenLcbMessageStandardFrameType | (uint32(lcc.MTIInitializationCompleteSimple) << 12) | 0xAAA
	frame := can.NewFrame(ident, 0, 6)
	copy(frame.Data[:], []byte{0x01, 0x02, 0x03, 0x04, 0x05, 0x06})
	sm.IncomingCanDriverCallback(frame)

	got, ok := sm.outbound.Pop()
	require.True(t, ok)
	require.EqualValues(t, lcc.MTIInitializationCompleteSimple, got.MTI)
	require.EqualValues(t, 0xAAA, got.SourceAlias)
	require.EqualValues(t, 6, got.PayloadCount)
}

func TestAddressedSingleFrameDroppedIfNotOurs(t *testing.T) {
	sm, _, _ := newFixture(t)
	ident := lcc.OpenLcbMessageStandardFrameType | (uint32(lcc.MTIVerifyNodeIDAddressed) << 12) | 0xAAA
	frame := can.NewFrame(ident, 0, 2)
	frame.Data[0] = 0x0B // ONLY framing, dest alias high nibble
	frame.Data[1] = 0xBB
	sm.IncomingCanDriverCallback(frame)
	_, ok := sm.outbound.Pop()
	require.False(t, ok, "addressed frame to an alias we don't own must be dropped")
}

func TestAddressedMultiFrameReassembly(t *testing.T) {
	sm, registry, _ := newFixture(t)
	n, err := registry.Allocate(1, &node.Parameters{})
	require.NoError(t, err)
	n.Alias = 0xBBB

	mti := lcc.MTISimpleNodeInfoReply
	ident := lcc.OpenLcbMessageStandardFrameType | (uint32(mti) << 12) | 0xAAA

	first := can.NewFrame(ident, 0, 8)
	first.Data = [8]byte{0x4B, 0xBB, 0x00, 0x01, 0x02, 0x03, 0x04, 0x05}
	sm.IncomingCanDriverCallback(first)

	last := can.NewFrame(ident, 0, 3)
	last.Data[0], last.Data[1], last.Data[2] = 0x8B, 0xBB, 0x06
	sm.IncomingCanDriverCallback(last)

	got, ok := sm.outbound.Pop()
	require.True(t, ok)
	require.EqualValues(t, mti, got.MTI)
	require.EqualValues(t, 7, got.PayloadCount)
	require.Equal(t, []byte{0, 1, 2, 3, 4, 5, 6}, got.Payload[:7])
}

func TestDatagramThreeFrameReassembly(t *testing.T) {
	sm, registry, _ := newFixture(t)
	n, err := registry.Allocate(1, &node.Parameters{})
	require.NoError(t, err)
	n.Alias = 0xBBB

	send := func(frameType uint32, dlc uint8, data []byte) {
		ident := frameType | (uint32(0xBBB) << 12) | 0xAAA
		f := can.NewFrame(ident, 0, dlc)
		copy(f.Data[:], data)
		sm.IncomingCanDriverCallback(f)
	}

	send(lcc.FrameTypeDatagramFirst, 8, []byte{0, 1, 2, 3, 4, 5, 6, 7})
	require.NotNil(t, n.LastReceivedDatagram)
	send(lcc.FrameTypeDatagramMiddle, 8, []byte{8, 9, 10, 11, 12, 13, 14, 15})
	send(lcc.FrameTypeDatagramFinal, 7, []byte{16, 17, 18, 19, 20, 21, 22})

	require.Nil(t, n.LastReceivedDatagram, "ownership transfers to the outbound consumer")
	got, ok := sm.outbound.Pop()
	require.True(t, ok)
	require.EqualValues(t, 23, got.PayloadCount)
	require.EqualValues(t, 22, got.Payload[22])
}

func TestDatagramMiddleWithoutStartIsDropped(t *testing.T) {
	sm, registry, _ := newFixture(t)
	n, err := registry.Allocate(1, &node.Parameters{})
	require.NoError(t, err)
	n.Alias = 0xBBB

	ident := lcc.FrameTypeDatagramMiddle | (uint32(0xBBB) << 12) | 0xAAA
	sm.IncomingCanDriverCallback(can.NewFrame(ident, 0, 8))
	_, ok := sm.outbound.Pop()
	require.False(t, ok)
}

func TestControlFrameForwardedToLoginAndAMDUpdatesAliasTable(t *testing.T) {
	sm, _, login := newFixture(t)

	cid := can.NewFrame(lcc.ControlFrameCID7|0x222, 0, 0)
	sm.IncomingCanDriverCallback(cid)
	require.Len(t, login.seen, 1)

	amd := can.NewFrame(lcc.SubtypeAMD|0x222, 0, 6)
	copy(amd.Data[:], []byte{0x01, 0x02, 0x03, 0x04, 0x05, 0x06})
	sm.IncomingCanDriverCallback(amd)
	require.Len(t, login.seen, 2)
	require.NotNil(t, sm.aliases.FindByAlias(0x222))
}
