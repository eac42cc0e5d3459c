// Package node implements the OpenLcbNode registry (spec.md §3, §4.5): a
// fixed array of node records plus named enumerator cursors so unrelated
// state machines can walk the list independently, following the same
// "BaseNode + fixed slice + named cursor" shape as the teacher's
// node.go/node_local.go, generalized from one CANopen NMT state per node to
// the fuller OpenLCB login run-state machine.
package node

import (
	"sync"

	lcc "github.com/openlcb-go/lcc-core"
	"github.com/openlcb-go/lcc-core/pkg/buffer"
)

// EventEntry is one row of a node's consumer or producer event table.
type EventEntry struct {
	Event  lcc.EventID
	Status lcc.EventStatus
}

// EventRange is a registered {base, count} range; count must be a power of
// two >= 2 (spec.md §3 Range registration). The wire "identified range" MTI
// carries Mask(), not Count, directly.
type EventRange struct {
	BaseEvent lcc.EventID
	Count     uint32
}

// Mask returns the bitmask form of the range for the wire.
func (r EventRange) Mask() uint64 {
	return uint64(r.Count - 1)
}

// Contains reports whether event id e falls within the range, per the
// mask-covered-subset rule used by Events Identify matching (spec.md §4.11
// "Event match considers both literal event IDs and range entries").
func (r EventRange) Contains(e lcc.EventID) bool {
	mask := uint64(r.Count - 1)
	return uint64(e)&^mask == uint64(r.BaseEvent)&^mask
}

// enumCursor tracks incremental broadcast progress over a node's own event
// table (spec.md §3 "enumerator cursor").
type enumCursor struct {
	running   bool
	enumIndex uint16
}

// Identity carries the SNIP/ACDI identification strings and mfg info for a
// node. This is richer than spec.md's five-field sketch: it supplements the
// single ACDI "user_version" field into the real two-block SNIP/ACDI layout
// (manufacturer block + user block), each with its own format-version byte,
// per spec.md §6's ACDI layout tables.
type Identity struct {
	MfgVersion      uint8
	Manufacturer    string
	Model           string
	HardwareVersion string
	SoftwareVersion string
	UserVersion     uint8
	UserName        string
	UserDescription string
}

// Parameters is the effectively-constant per-node configuration
// (spec.md §3 NodeParameters).
type Parameters struct {
	ConsumerCountAutocreate int
	ProducerCountAutocreate int
	Identity                Identity
	ProtocolSupport         uint64 // PSI_* bits, see lcc.go
	CDI                     []byte
}

// State is the compact run-state word (spec.md §3).
type State struct {
	Allocated              bool
	Permitted               bool
	Initialized             bool
	DuplicateIDDetected     bool
	DuplicateAliasDetected  bool
	DatagramAckSent         bool
	ResendDatagram          bool
	FirmwareUpgradeActive   bool
	RunState                lcc.RunState
}

// Node is one record of the registry (spec.md §3 OpenLcbNode).
type Node struct {
	ID         lcc.NodeID
	Alias      lcc.Alias
	Seed       uint64
	State      State
	Parameters *Parameters

	Consumers      []EventEntry
	Producers      []EventEntry
	ConsumerRanges []EventRange
	ProducerRanges []EventRange

	TimerTicks uint32

	// LastReceivedDatagram is the in-flight multi-frame datagram being
	// reassembled for this node. Whichever state machine set it is
	// responsible for eventually calling buffer store FreeBuffer on it
	// (spec.md §9 design notes).
	LastReceivedDatagram *buffer.OpenLcbMessage

	consumerEnum enumCursor
	producerEnum enumCursor
}

// FindConsumer returns the node's consumer table entry for event, checking
// both the literal table and the registered consumer ranges (spec.md §4.11
// Consumer Identify matching).
func (n *Node) FindConsumer(event lcc.EventID) (EventEntry, bool) {
	for _, e := range n.Consumers {
		if e.Event == event {
			return e, true
		}
	}
	for _, r := range n.ConsumerRanges {
		if r.Contains(event) {
			return EventEntry{Event: event, Status: lcc.EventUnknown}, true
		}
	}
	return EventEntry{}, false
}

// FindProducer is FindConsumer's producer-table counterpart.
func (n *Node) FindProducer(event lcc.EventID) (EventEntry, bool) {
	for _, e := range n.Producers {
		if e.Event == event {
			return e, true
		}
	}
	for _, r := range n.ProducerRanges {
		if r.Contains(event) {
			return EventEntry{Event: event, Status: lcc.EventUnknown}, true
		}
	}
	return EventEntry{}, false
}

// ResetLogin clears login/permission state and rewinds to GENERATE_SEED,
// the common reaction to duplicate-alias detection (spec.md §4.6, §4.9).
func (n *Node) ResetLogin(store *buffer.OpenLcbBufferStore) {
	n.State.Permitted = false
	n.State.Initialized = false
	n.State.DuplicateAliasDetected = false
	n.State.RunState = lcc.RunStateGenerateSeed
	if n.LastReceivedDatagram != nil {
		store.FreeBuffer(n.LastReceivedDatagram)
		n.LastReceivedDatagram = nil
	}
}

// ConsumerCursorReset / ConsumerCursorNext drive the incremental
// Consumer-Identified broadcast during login (spec.md run-state
// LOAD_CONSUMER_EVENTS); ProducerCursor* is the producer equivalent.
func (n *Node) ConsumerCursorReset() { n.consumerEnum = enumCursor{running: true} }
func (n *Node) ConsumerCursorNext() (EventEntry, bool) {
	if int(n.consumerEnum.enumIndex) >= len(n.Consumers) {
		n.consumerEnum.running = false
		return EventEntry{}, false
	}
	e := n.Consumers[n.consumerEnum.enumIndex]
	n.consumerEnum.enumIndex++
	return e, true
}
func (n *Node) ConsumerCursorDone() bool { return !n.consumerEnum.running }

func (n *Node) ProducerCursorReset() { n.producerEnum = enumCursor{running: true} }
func (n *Node) ProducerCursorNext() (EventEntry, bool) {
	if int(n.producerEnum.enumIndex) >= len(n.Producers) {
		n.producerEnum.running = false
		return EventEntry{}, false
	}
	e := n.Producers[n.producerEnum.enumIndex]
	n.producerEnum.enumIndex++
	return e, true
}
func (n *Node) ProducerCursorDone() bool { return !n.producerEnum.running }

// Registry is the fixed-depth node table (USER_DEFINED_NODE_BUFFER_DEPTH).
type Registry struct {
	mu      sync.Mutex
	nodes   []Node
	cursors [lcc.EnumeratorKeyCount]int // one per lcc.EnumeratorKey, -1 = not started

	lockFn, unlockFn func()
}

// New builds a registry with room for depth nodes. lockFn/unlockFn are the
// injected lock_shared_resources/unlock_shared_resources primitives
// (spec.md §5); nil is accepted for single-threaded callers/tests.
func New(depth int, lockFn, unlockFn func()) *Registry {
	r := &Registry{nodes: make([]Node, depth), lockFn: lockFn, unlockFn: unlockFn}
	for i := range r.cursors {
		r.cursors[i] = -1
	}
	return r
}

func (r *Registry) LockNodeList() {
	if r.lockFn != nil {
		r.lockFn()
	}
}

func (r *Registry) UnlockNodeList() {
	if r.unlockFn != nil {
		r.unlockFn()
	}
}

// Allocate finds a free slot, zeroes it, and auto-creates the configured
// number of consumer/producer events with event id (nodeID<<16)|index and
// status Unknown (spec.md §4.5). Returns lcc.ErrNodeTableFull if there is
// no free slot. The event tables are sized to exactly the configured
// auto-create counts, so there is no table capacity to overflow and no
// overflow status is ever returned.
func (r *Registry) Allocate(id lcc.NodeID, params *Parameters) (*Node, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for i := range r.nodes {
		if r.nodes[i].State.Allocated {
			continue
		}
		r.nodes[i] = Node{ID: id, Parameters: params, Seed: uint64(id)}
		r.nodes[i].State.Allocated = true
		r.nodes[i].State.RunState = lcc.RunStateInit

		n := &r.nodes[i]
		n.Consumers = make([]EventEntry, params.ConsumerCountAutocreate)
		for c := 0; c < params.ConsumerCountAutocreate; c++ {
			n.Consumers[c] = EventEntry{Event: lcc.EventID((uint64(id) << 16) | uint64(c)), Status: lcc.EventUnknown}
		}
		n.Producers = make([]EventEntry, params.ProducerCountAutocreate)
		for p := 0; p < params.ProducerCountAutocreate; p++ {
			n.Producers[p] = EventEntry{Event: lcc.EventID((uint64(id) << 16) | uint64(p)), Status: lcc.EventUnknown}
		}
		return n, nil
	}
	return nil, lcc.ErrNodeTableFull
}

// GetFirst / GetNext walk the registry using the named cursor, which is
// private to that key (spec.md §3 EnumeratorKey). Returns nil past the end.
func (r *Registry) GetFirst(key lcc.EnumeratorKey) *Node {
	r.cursors[key] = -1
	return r.GetNext(key)
}

func (r *Registry) GetNext(key lcc.EnumeratorKey) *Node {
	for idx := r.cursors[key] + 1; idx < len(r.nodes); idx++ {
		if r.nodes[idx].State.Allocated {
			r.cursors[key] = idx
			return &r.nodes[idx]
		}
	}
	r.cursors[key] = len(r.nodes)
	return nil
}

func (r *Registry) FindByAlias(alias lcc.Alias) *Node {
	for i := range r.nodes {
		if r.nodes[i].State.Allocated && r.nodes[i].Alias == alias {
			return &r.nodes[i]
		}
	}
	return nil
}

func (r *Registry) FindByID(id lcc.NodeID) *Node {
	for i := range r.nodes {
		if r.nodes[i].State.Allocated && r.nodes[i].ID == id {
			return &r.nodes[i]
		}
	}
	return nil
}

// Tick100ms increments every allocated node's TimerTicks by one. Drive this
// from a 100ms tick source (spec.md §4.5).
func (r *Registry) Tick100ms() {
	for i := range r.nodes {
		if r.nodes[i].State.Allocated {
			r.nodes[i].TimerTicks++
		}
	}
}

func (r *Registry) Depth() int { return len(r.nodes) }
