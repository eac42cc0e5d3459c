package buffer

import (
	"sync"

	lcc "github.com/openlcb-go/lcc-core"
)

// SizeClass is one of the four OpenLCB message payload tiers (spec.md §3).
type SizeClass int

const (
	SizeBasic SizeClass = iota
	SizeDatagram
	SizeSNIP
	SizeStream
	sizeClassCount
)

// Default payload capacities for the non-stream classes; STREAM is
// application-defined and supplied at construction.
const (
	BasicPayloadCap    = 8
	DatagramPayloadCap = 72
	SNIPPayloadCap     = 253
)

// OpenLcbMessage is one slot of an OpenLcbBufferStore sub-pool (spec.md §3).
// Payload is a plain byte slice: the source implementation's per-byte
// pointer indirection was an implementation detail, not part of the model.
type OpenLcbMessage struct {
	MTI          uint16
	SourceAlias  lcc.Alias
	SourceID     lcc.NodeID
	DestAlias    lcc.Alias
	DestID       lcc.NodeID
	PayloadCount uint16
	Payload      []byte
	Class        SizeClass
	Allocated    bool
	RefCount     uint16
}

type subPool struct {
	slots        []OpenLcbMessage
	allocated    int
	maxAllocated int
}

// OpenLcbBufferStore segregates OpenLCB message buffers into four size-class
// sub-pools, each independently depth-limited and reference-counted
// (spec.md §4.2).
type OpenLcbBufferStore struct {
	mu    sync.Mutex
	pools [sizeClassCount]subPool
}

// PoolDepths configures the depth of each size-class sub-pool.
type PoolDepths struct {
	Basic, Datagram, SNIP, Stream int
	StreamPayloadCap              int
}

// NewOpenLcbBufferStore builds the four sub-pools per PoolDepths.
func NewOpenLcbBufferStore(d PoolDepths) *OpenLcbBufferStore {
	s := &OpenLcbBufferStore{}
	s.pools[SizeBasic].slots = newSlots(d.Basic, BasicPayloadCap)
	s.pools[SizeDatagram].slots = newSlots(d.Datagram, DatagramPayloadCap)
	s.pools[SizeSNIP].slots = newSlots(d.SNIP, SNIPPayloadCap)
	s.pools[SizeStream].slots = newSlots(d.Stream, d.StreamPayloadCap)
	return s
}

func newSlots(depth, payloadCap int) []OpenLcbMessage {
	slots := make([]OpenLcbMessage, depth)
	for i := range slots {
		slots[i].Payload = make([]byte, payloadCap)
	}
	return slots
}

// AllocateBuffer claims a free slot in the named size class. The returned
// message has RefCount == 1. Returns nil when that sub-pool is exhausted.
func (s *OpenLcbBufferStore) AllocateBuffer(class SizeClass) *OpenLcbMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	pool := &s.pools[class]
	for i := range pool.slots {
		slot := &pool.slots[i]
		if !slot.Allocated {
			payload := slot.Payload
			*slot = OpenLcbMessage{Class: class, Allocated: true, RefCount: 1, Payload: payload}
			pool.allocated++
			if pool.allocated > pool.maxAllocated {
				pool.maxAllocated = pool.allocated
			}
			return slot
		}
	}
	return nil
}

// IncReferenceCount adds one holder to a message. Panics if the message is
// not currently allocated, matching spec.md's "never underflows (implementation
// must assert)" invariant applied symmetrically to over-increment of a freed slot.
func (s *OpenLcbBufferStore) IncReferenceCount(msg *OpenLcbMessage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !msg.Allocated {
		panic("lcc: IncReferenceCount on unallocated message")
	}
	msg.RefCount++
}

// FreeBuffer releases one holder's reference. The slot returns to the pool
// only when the count reaches zero. Double-free (more FreeBuffer calls than
// allocation+IncReferenceCount) is a fatal bug and panics.
func (s *OpenLcbBufferStore) FreeBuffer(msg *OpenLcbMessage) {
	if msg == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if !msg.Allocated || msg.RefCount == 0 {
		panic("lcc: FreeBuffer refcount underflow")
	}
	msg.RefCount--
	if msg.RefCount == 0 {
		msg.Allocated = false
		s.pools[msg.Class].allocated--
	}
}

func (s *OpenLcbBufferStore) MessagesAllocated(class SizeClass) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pools[class].allocated
}

func (s *OpenLcbBufferStore) MessagesMaxAllocated(class SizeClass) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pools[class].maxAllocated
}

func (s *OpenLcbBufferStore) ClearMaxAllocated(class SizeClass) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pools[class].maxAllocated = s.pools[class].allocated
}

func (s *OpenLcbBufferStore) Depth(class SizeClass) int {
	return len(s.pools[class].slots)
}
