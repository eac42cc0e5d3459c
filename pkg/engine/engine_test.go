package engine

import (
	"testing"

	"github.com/stretchr/testify/require"

	lcc "github.com/openlcb-go/lcc-core"
	"github.com/openlcb-go/lcc-core/pkg/buffer"
	"github.com/openlcb-go/lcc-core/pkg/node"
)

func newFixture(t *testing.T) (*Dispatcher, *node.Registry, *buffer.OpenLcbBufferStore, *buffer.Fifo[buffer.OpenLcbMessage]) {
	registry := node.New(2, nil, nil)
	store := buffer.NewOpenLcbBufferStore(buffer.PoolDepths{Basic: 4, Datagram: 4, SNIP: 4, Stream: 2, StreamPayloadCap: 64})
	incoming := buffer.NewFifo[buffer.OpenLcbMessage](8)
	outgoing := buffer.NewFifo[buffer.OpenLcbMessage](8)
	d := New(registry, store, incoming, outgoing, nil)
	return d, registry, store, incoming
}

func TestGlobalMessageDeliveredOnlyToInitializedNodes(t *testing.T) {
	d, registry, store, incoming := newFixture(t)
	n1, _ := registry.Allocate(1, &node.Parameters{})
	n1.State.Initialized = true
	n2, _ := registry.Allocate(2, &node.Parameters{})
	n2.State.Initialized = false

	var seen []lcc.NodeID
	d.RegisterHandler(lcc.MTIPCEventReport, func(ctx *Context) { seen = append(seen, ctx.Node.ID) })

	msg := store.AllocateBuffer(buffer.SizeBasic)
	msg.MTI = lcc.MTIPCEventReport
	incoming.Push(msg)

	require.True(t, d.Run())
	require.Equal(t, []lcc.NodeID{1}, seen)
}

func TestAddressedMessageOnlyToMatchingAlias(t *testing.T) {
	d, registry, store, incoming := newFixture(t)
	n1, _ := registry.Allocate(1, &node.Parameters{})
	n1.Alias = 0xAAA
	n1.State.Initialized = true
	n2, _ := registry.Allocate(2, &node.Parameters{})
	n2.Alias = 0xBBB
	n2.State.Initialized = true

	var hit *node.Node
	d.RegisterHandler(lcc.MTIVerifyNodeIDAddressed, func(ctx *Context) { hit = ctx.Node })

	msg := store.AllocateBuffer(buffer.SizeBasic)
	msg.MTI = lcc.MTIVerifyNodeIDAddressed
	msg.DestAlias = 0xBBB
	incoming.Push(msg)

	require.True(t, d.Run())
	require.Same(t, n2, hit)
}

func TestUnregisteredRequestMTIGetsRejected(t *testing.T) {
	d, registry, store, incoming := newFixture(t)
	n, _ := registry.Allocate(1, &node.Parameters{})
	n.Alias = 0xAAA
	n.State.Initialized = true

	msg := store.AllocateBuffer(buffer.SizeBasic)
	msg.MTI = lcc.MTIProtocolSupportInquiry
	msg.DestAlias = 0xAAA
	incoming.Push(msg)

	require.True(t, d.Run())
	reply, ok := d.Outgoing().Pop()
	require.True(t, ok)
	require.EqualValues(t, lcc.MTIOptionalInteractionRejected, reply.MTI)
	require.EqualValues(t, lcc.ErrNotImplemented, uint16(reply.Payload[0])<<8|uint16(reply.Payload[1]))
}

func TestUnregisteredReplyMTIIsSilentlyDropped(t *testing.T) {
	d, registry, store, incoming := newFixture(t)
	n, _ := registry.Allocate(1, &node.Parameters{})
	n.State.Initialized = true

	msg := store.AllocateBuffer(buffer.SizeBasic)
	msg.MTI = lcc.MTIVerifiedNodeID
	incoming.Push(msg)

	require.True(t, d.Run())
	_, ok := d.Outgoing().Pop()
	require.False(t, ok)
}
