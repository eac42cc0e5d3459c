package cantx

import (
	"testing"

	"github.com/stretchr/testify/require"

	lcc "github.com/openlcb-go/lcc-core"
	can "github.com/openlcb-go/lcc-core/pkg/candriver/can"
	"github.com/openlcb-go/lcc-core/pkg/buffer"
)

type fakeSender struct {
	sent []can.Frame
	fail bool
}

func (f *fakeSender) Send(frame can.Frame) error {
	if f.fail {
		return errSendFailed
	}
	f.sent = append(f.sent, frame)
	return nil
}

var errSendFailed = &sendError{}

type sendError struct{}

func (*sendError) Error() string { return "send failed" }

func newStore() *buffer.OpenLcbBufferStore {
	return buffer.NewOpenLcbBufferStore(buffer.PoolDepths{Basic: 4, Datagram: 4, SNIP: 4, Stream: 2, StreamPayloadCap: 64})
}

// spec.md §8 scenario 2.
func TestUnaddressedSingleFrame(t *testing.T) {
	store := newStore()
	sender := &fakeSender{}
	h := New(sender, store, nil)

	msg := store.AllocateBuffer(buffer.SizeBasic)
	msg.MTI = lcc.MTIConsumerIdentifiedUnknown
	msg.SourceAlias = 0xAAA
	msg.PayloadCount = uint16(copy(msg.Payload, []byte{0x01, 0x01, 0x02, 0x00, 0x00, 0xFD, 0x00, 0x00}))

	h.Begin(msg)
	require.True(t, h.Run())
	require.False(t, h.Busy())
	require.Len(t, sender.sent, 1)
	require.EqualValues(t, 0x194C7AAA, sender.sent[0].ID)
	require.Equal(t, []byte{0x01, 0x01, 0x02, 0x00, 0x00, 0xFD, 0x00, 0x00}, sender.sent[0].Data[:8])
}

// spec.md §8 scenario 3: datagram fragmentation, 31 payload bytes.
func TestDatagramFourFrameFragmentation(t *testing.T) {
	store := newStore()
	sender := &fakeSender{}
	h := New(sender, store, nil)

	msg := store.AllocateBuffer(buffer.SizeDatagram)
	msg.MTI = lcc.MTIDatagram
	msg.SourceAlias = 0xAAA
	msg.DestAlias = 0xBBB
	payload := make([]byte, 31)
	for i := range payload {
		payload[i] = byte(i)
	}
	msg.PayloadCount = uint16(copy(msg.Payload, payload))

	h.Begin(msg)
	for h.Busy() {
		require.True(t, h.Run())
	}
	require.Len(t, sender.sent, 4)
	require.EqualValues(t, 0x1BBBBAAA, sender.sent[0].ID)
	require.EqualValues(t, 0x1CBBBAAA, sender.sent[1].ID)
	require.EqualValues(t, 0x1CBBBAAA, sender.sent[2].ID)
	require.EqualValues(t, 0x1DBBBAAA, sender.sent[3].ID)
	require.EqualValues(t, 7, sender.sent[3].DLC)
}

// spec.md §8 scenario 6: addressed multi-frame, 19 payload bytes.
func TestAddressedMultiFrameFragmentation(t *testing.T) {
	store := newStore()
	sender := &fakeSender{}
	h := New(sender, store, nil)

	msg := store.AllocateBuffer(buffer.SizeSNIP)
	msg.MTI = lcc.MTISimpleNodeInfoReply
	msg.SourceAlias = 0xAAA
	msg.DestAlias = 0xBBB
	payload := make([]byte, 19)
	for i := range payload {
		payload[i] = byte(i)
	}
	msg.PayloadCount = uint16(copy(msg.Payload, payload))

	h.Begin(msg)
	for h.Busy() {
		require.True(t, h.Run())
	}
	require.Len(t, sender.sent, 4)
	for _, f := range sender.sent {
		require.EqualValues(t, 0x19A08AAA, f.ID)
	}
	require.Equal(t, []byte{0x4B, 0xBB, 0, 1, 2, 3, 4, 5}, sender.sent[0].Data[:8])
	require.Equal(t, byte(0x8B), sender.sent[3].Data[0])
	require.EqualValues(t, 3, sender.sent[3].DLC)
}

func TestTransmitFailureLeavesOffsetUnchanged(t *testing.T) {
	store := newStore()
	sender := &fakeSender{fail: true}
	h := New(sender, store, nil)

	msg := store.AllocateBuffer(buffer.SizeBasic)
	msg.MTI = lcc.MTIConsumerIdentifiedUnknown
	msg.SourceAlias = 0xAAA
	msg.PayloadCount = 8

	h.Begin(msg)
	require.True(t, h.Run())
	require.True(t, h.Busy(), "failed send must not advance the job")
	require.Empty(t, sender.sent)

	sender.fail = false
	require.True(t, h.Run())
	require.False(t, h.Busy())
	require.Len(t, sender.sent, 1)
}
