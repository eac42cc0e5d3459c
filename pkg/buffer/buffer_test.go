package buffer

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCanBufferStoreConservation(t *testing.T) {
	store := NewCanBufferStore(4)
	var got []*CanFrame
	for i := 0; i < 4; i++ {
		f := store.AllocateBuffer()
		require.NotNil(t, f)
		got = append(got, f)
	}
	require.Nil(t, store.AllocateBuffer(), "pool must report exhaustion, not panic")
	require.Equal(t, 4, store.MessagesAllocated())
	require.Equal(t, 4, store.MessagesMaxAllocated())

	store.FreeBuffer(got[0])
	require.Equal(t, 3, store.MessagesAllocated())
	require.Equal(t, 4, store.MessagesMaxAllocated(), "high-water mark is monotonic until cleared")

	store.ClearMaxAllocated()
	require.Equal(t, 3, store.MessagesMaxAllocated())

	store.FreeBuffer(nil) // no-op
}

func TestOpenLcbBufferStoreRefcounting(t *testing.T) {
	store := NewOpenLcbBufferStore(PoolDepths{Basic: 2, Datagram: 1, SNIP: 1, Stream: 1, StreamPayloadCap: 16})

	msg := store.AllocateBuffer(SizeBasic)
	require.NotNil(t, msg)
	require.EqualValues(t, 1, msg.RefCount)

	store.IncReferenceCount(msg)
	require.EqualValues(t, 2, msg.RefCount)
	require.Equal(t, 1, store.MessagesAllocated(SizeBasic))

	store.FreeBuffer(msg)
	require.True(t, msg.Allocated, "slot stays held while a second reference remains")

	store.FreeBuffer(msg)
	require.False(t, msg.Allocated)
	require.Equal(t, 0, store.MessagesAllocated(SizeBasic))
}

func TestOpenLcbBufferStoreDoubleFreePanics(t *testing.T) {
	store := NewOpenLcbBufferStore(PoolDepths{Basic: 1, StreamPayloadCap: 16})
	msg := store.AllocateBuffer(SizeBasic)
	store.FreeBuffer(msg)
	require.Panics(t, func() { store.FreeBuffer(msg) })
}

func TestFifoOrderingAndCapacity(t *testing.T) {
	type tok struct{ v int }
	fifo := NewFifo[tok](3)
	require.True(t, fifo.IsEmpty())

	a, b, c := &tok{1}, &tok{2}, &tok{3}
	require.True(t, fifo.Push(a))
	require.True(t, fifo.Push(b))
	require.True(t, fifo.Push(c))
	require.False(t, fifo.Push(&tok{4}), "full fifo rejects further pushes")
	require.Equal(t, 3, fifo.Count())

	got, ok := fifo.Pop()
	require.True(t, ok)
	require.Same(t, a, got)
	require.Equal(t, 2, fifo.Count())

	fifo.Pop()
	fifo.Pop()
	require.True(t, fifo.IsEmpty())
	_, ok = fifo.Pop()
	require.False(t, ok)
}
