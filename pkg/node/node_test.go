package node

import (
	"testing"

	"github.com/stretchr/testify/require"

	lcc "github.com/openlcb-go/lcc-core"
)

func testParams() *Parameters {
	return &Parameters{ConsumerCountAutocreate: 2, ProducerCountAutocreate: 1}
}

func TestAllocateAutoCreatesEventTables(t *testing.T) {
	r := New(2, nil, nil)
	n, err := r.Allocate(0x010203040506, testParams())
	require.NoError(t, err)
	require.Len(t, n.Consumers, 2)
	require.Len(t, n.Producers, 1)
	require.EqualValues(t, (uint64(0x010203040506)<<16)|0, n.Consumers[0].Event)
	require.EqualValues(t, (uint64(0x010203040506)<<16)|1, n.Consumers[1].Event)
	require.Equal(t, lcc.EventUnknown, n.Consumers[0].Status)
}

func TestAllocateTableFull(t *testing.T) {
	r := New(1, nil, nil)
	_, err := r.Allocate(1, testParams())
	require.NoError(t, err)
	_, err = r.Allocate(2, testParams())
	require.ErrorIs(t, err, lcc.ErrNodeTableFull)
}

func TestGetFirstGetNextIndependentCursors(t *testing.T) {
	r := New(3, nil, nil)
	r.Allocate(1, testParams())
	r.Allocate(2, testParams())

	first := r.GetFirst(lcc.EnumeratorCanMain)
	require.NotNil(t, first)
	require.EqualValues(t, 1, first.ID)

	// A different cursor key starts independently from the first one.
	otherFirst := r.GetFirst(lcc.EnumeratorLogin)
	require.EqualValues(t, 1, otherFirst.ID)

	next := r.GetNext(lcc.EnumeratorCanMain)
	require.NotNil(t, next)
	require.EqualValues(t, 2, next.ID)
	require.Nil(t, r.GetNext(lcc.EnumeratorCanMain))

	// EnumeratorLogin cursor is untouched by EnumeratorCanMain's walk.
	require.EqualValues(t, 2, r.GetNext(lcc.EnumeratorLogin).ID)
}

func TestFindByAliasAndByID(t *testing.T) {
	r := New(2, nil, nil)
	n, _ := r.Allocate(0xABCDEF, testParams())
	n.Alias = 0x222
	require.Same(t, n, r.FindByAlias(0x222))
	require.Same(t, n, r.FindByID(0xABCDEF))
	require.Nil(t, r.FindByAlias(0x999))
}

func TestTick100msOnlyTouchesAllocatedSlots(t *testing.T) {
	r := New(2, nil, nil)
	r.Allocate(1, testParams())
	r.Tick100ms()
	r.Tick100ms()
	require.EqualValues(t, 2, r.nodes[0].TimerTicks)
	require.EqualValues(t, 0, r.nodes[1].TimerTicks)
}

func TestConsumerCursorWalksAllEntriesThenDone(t *testing.T) {
	r := New(1, nil, nil)
	n, _ := r.Allocate(1, testParams())
	n.ConsumerCursorReset()
	count := 0
	for {
		_, ok := n.ConsumerCursorNext()
		if !ok {
			break
		}
		count++
	}
	require.Equal(t, 2, count)
	require.True(t, n.ConsumerCursorDone())
}

func TestLockUnlockCallInjectedHooks(t *testing.T) {
	locked, unlocked := false, false
	r := New(1, func() { locked = true }, func() { unlocked = true })
	r.LockNodeList()
	r.UnlockNodeList()
	require.True(t, locked)
	require.True(t, unlocked)
}
