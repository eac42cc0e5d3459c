package canmain

import (
	"testing"

	"github.com/stretchr/testify/require"

	lcc "github.com/openlcb-go/lcc-core"
	"github.com/openlcb-go/lcc-core/pkg/alias"
	can "github.com/openlcb-go/lcc-core/pkg/candriver/can"
	"github.com/openlcb-go/lcc-core/pkg/buffer"
	"github.com/openlcb-go/lcc-core/pkg/canlogin"
	"github.com/openlcb-go/lcc-core/pkg/cantx"
	"github.com/openlcb-go/lcc-core/pkg/node"
)

type fakeSender struct{ sent []can.Frame }

func (f *fakeSender) Send(frame can.Frame) error {
	f.sent = append(f.sent, frame)
	return nil
}

// spec.md §8 "Duplicate alias recovery" / §8 scenario 4.
func TestDuplicateAliasRecoveryResetsNodeAndClearsFlag(t *testing.T) {
	registry := node.New(2, nil, nil)
	aliases := alias.New(4)
	store := buffer.NewOpenLcbBufferStore(buffer.PoolDepths{Basic: 4, Datagram: 4, SNIP: 4, Stream: 2, StreamPayloadCap: 64})
	sender := &fakeSender{}
	login := canlogin.New(registry, aliases, sender, nil)
	tx := cantx.New(sender, store, nil)
	sm := New(registry, aliases, store, login, tx, nil)

	n1, err := registry.Allocate(1, &node.Parameters{})
	require.NoError(t, err)
	n1.Alias = 0xAAA
	n1.State.Permitted = true
	n1.State.Initialized = true
	n1.State.RunState = lcc.RunStateRun

	aliases.Register(0xAAA, n1.ID)
	n1.State.DuplicateAliasDetected = true
	aliases.MarkDuplicate(0xAAA)
	aliases.SetHasDuplicateAliasFlag()

	require.True(t, sm.Run())

	require.False(t, n1.State.Permitted)
	require.False(t, n1.State.Initialized)
	require.Equal(t, lcc.RunStateGenerateSeed, n1.State.RunState)
	require.False(t, aliases.HasDuplicateAlias())
	require.Nil(t, aliases.FindByAlias(0xAAA))
}

func TestRunAdvancesLoginWhenIdle(t *testing.T) {
	registry := node.New(2, nil, nil)
	aliases := alias.New(4)
	store := buffer.NewOpenLcbBufferStore(buffer.PoolDepths{Basic: 4, Datagram: 4, SNIP: 4, Stream: 2, StreamPayloadCap: 64})
	sender := &fakeSender{}
	login := canlogin.New(registry, aliases, sender, nil)
	tx := cantx.New(sender, store, nil)
	sm := New(registry, aliases, store, login, tx, nil)

	n, err := registry.Allocate(1, &node.Parameters{})
	require.NoError(t, err)

	require.True(t, sm.Run())
	require.NotEqual(t, lcc.RunStateInit, n.State.RunState)
}
