package canlogin

import (
	"testing"

	"github.com/stretchr/testify/require"

	lcc "github.com/openlcb-go/lcc-core"
	"github.com/openlcb-go/lcc-core/pkg/alias"
	can "github.com/openlcb-go/lcc-core/pkg/candriver/can"
	"github.com/openlcb-go/lcc-core/pkg/node"
)

type fakeSender struct {
	sent []can.Frame
}

func (f *fakeSender) Send(fr can.Frame) error {
	f.sent = append(f.sent, fr)
	return nil
}

func newTestNode(t *testing.T, r *node.Registry, id lcc.NodeID) *node.Node {
	n, err := r.Allocate(id, &node.Parameters{ConsumerCountAutocreate: 1, ProducerCountAutocreate: 1})
	require.NoError(t, err)
	return n
}

func TestLoginRunsToCompletion(t *testing.T) {
	registry := node.New(1, nil, nil)
	aliases := alias.New(4)
	sender := &fakeSender{}
	sm := New(registry, aliases, sender, nil)

	n := newTestNode(t, registry, 0x010203040506)

	// Drive well past the wait window; step count is generous but bounded.
	for i := 0; i < 200 && n.State.RunState != lcc.RunStateRun; i++ {
		sm.Run()
		registry.Tick100ms()
	}
	require.Equal(t, lcc.RunStateRun, n.State.RunState)
	require.True(t, n.State.Permitted)
	require.NotZero(t, n.Alias)
	require.NotNil(t, aliases.FindByAlias(n.Alias))

	// Four CID frames, RID, AMD, init-complete, one producer-identified,
	// one consumer-identified.
	require.GreaterOrEqual(t, len(sender.sent), 8)
}

func TestDuplicateAliasDetectedDuringWaitForcesReseed(t *testing.T) {
	registry := node.New(1, nil, nil)
	aliases := alias.New(4)
	sm := New(registry, aliases, &fakeSender{}, nil)
	n := newTestNode(t, registry, 1)

	for n.State.RunState != lcc.RunStateWait200ms {
		sm.Run()
	}
	n.State.DuplicateAliasDetected = true
	sm.Run()
	require.Equal(t, lcc.RunStateGenerateSeed, n.State.RunState)
	require.False(t, n.State.DuplicateAliasDetected)
}

func TestHandleIncomingControlFrameCollisionFlagsDuplicate(t *testing.T) {
	registry := node.New(1, nil, nil)
	aliases := alias.New(4)
	sm := New(registry, aliases, &fakeSender{}, nil)
	n := newTestNode(t, registry, 1)
	n.Alias = 0x222

	// A peer's CID7 frame claiming the same alias: control frame (bit 27 clear).
	collide := can.NewFrame(lcc.ControlFrameCID7|uint32(n.Alias), 0, 0)
	sm.HandleIncoming(collide)
	require.True(t, n.State.DuplicateAliasDetected)
	require.True(t, aliases.GetAliasMappingInfo().HasDuplicateAlias)
}
