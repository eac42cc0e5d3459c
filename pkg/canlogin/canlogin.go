// Package canlogin drives one OpenLcbNode through the CAN alias allocation
// and login sequence (spec.md §4.6): seed/alias generation, the four CID
// probe frames, the 200ms collision window, RID, AMD, Initialization
// Complete, and the producer/consumer identify broadcast. It is the direct
// analogue of the teacher's NMT boot sequence (bus_manager.go driving
// node.go's run-state through BOOTUP -> PRE_OPERATIONAL -> OPERATIONAL),
// generalized from one fixed sequence to the spec's alias-collision retry
// loop.
package canlogin

import (
	"log/slog"

	lcc "github.com/openlcb-go/lcc-core"
	"github.com/openlcb-go/lcc-core/pkg/alias"
	can "github.com/openlcb-go/lcc-core/pkg/candriver/can"
	"github.com/openlcb-go/lcc-core/pkg/lcputil"
	"github.com/openlcb-go/lcc-core/pkg/node"
)

// wait200msTicks is the number of 100ms registry ticks to hold WAIT_200ms
// before claiming the alias (spec.md §4.6).
const wait200msTicks = 2

// Sender is the narrow CAN transmit surface this package needs; satisfied
// by can.Bus.
type Sender interface {
	Send(can.Frame) error
}

// StateMachine runs the login sequence for every node in a registry. One
// instance is shared by all nodes, mirroring the teacher's single
// BusManager driving many NMT-tracked nodes.
type StateMachine struct {
	registry *node.Registry
	aliases  *alias.Mappings
	sender   Sender
	log      *slog.Logger
}

func New(registry *node.Registry, aliases *alias.Mappings, sender Sender, log *slog.Logger) *StateMachine {
	if log == nil {
		log = slog.Default()
	}
	return &StateMachine{registry: registry, aliases: aliases, sender: sender, log: log.With("service", "[CanLogin]")}
}

// Run advances every not-yet-RUN node by one step each call and reports
// whether any node made progress, so the caller's cooperative loop can
// decide whether to keep spinning or move to the next handler
// (spec.md §5 run-to-completion scheduling).
func (sm *StateMachine) Run() bool {
	did := false
	for n := sm.registry.GetFirst(lcc.EnumeratorLogin); n != nil; n = sm.registry.GetNext(lcc.EnumeratorLogin) {
		if sm.StepNode(n) {
			did = true
		}
	}
	return did
}

// StepNode advances a single node's login run-state by one step. It is the
// same unit of work Run() applies to every node in the registry, exposed
// separately so CanMainStatemachine can pace one node at a time off its own
// enumerator key (spec.md §4.9 step 4).
func (sm *StateMachine) StepNode(n *node.Node) bool {
	switch n.State.RunState {
	case lcc.RunStateInit:
		n.State.RunState = lcc.RunStateGenerateSeed
		return true

	case lcc.RunStateGenerateSeed:
		n.Seed = lcputil.NextSeed(n.Seed)
		n.State.RunState = lcc.RunStateGenerateAlias
		return true

	case lcc.RunStateGenerateAlias:
		n.Alias = lcputil.AliasFromSeed(n.Seed)
		if sm.aliases.FindByAlias(n.Alias) != nil {
			// Candidate already claimed locally by another of our own
			// nodes; reseed and try again rather than racing the bus.
			n.Seed = lcputil.NextSeed(n.Seed)
			return true
		}
		n.State.RunState = lcc.RunStateLoadCheckID07
		return true

	case lcc.RunStateLoadCheckID07:
		sm.sendCID(n, lcc.ControlFrameCID7, 36)
		n.State.RunState = lcc.RunStateLoadCheckID06
		return true
	case lcc.RunStateLoadCheckID06:
		sm.sendCID(n, lcc.ControlFrameCID6, 24)
		n.State.RunState = lcc.RunStateLoadCheckID05
		return true
	case lcc.RunStateLoadCheckID05:
		sm.sendCID(n, lcc.ControlFrameCID5, 12)
		n.State.RunState = lcc.RunStateLoadCheckID04
		return true
	case lcc.RunStateLoadCheckID04:
		sm.sendCID(n, lcc.ControlFrameCID4, 0)
		n.TimerTicks = 0
		n.State.RunState = lcc.RunStateWait200ms
		return true

	case lcc.RunStateWait200ms:
		if n.State.DuplicateAliasDetected {
			n.ResetLogin(nil)
			return true
		}
		if n.TimerTicks < wait200msTicks {
			return false
		}
		n.State.RunState = lcc.RunStateLoadReserveID
		return true

	case lcc.RunStateLoadReserveID:
		sm.send(lcc.SubtypeRID, n.Alias, nil)
		n.State.RunState = lcc.RunStateLoadAliasMapDefinition
		return true

	case lcc.RunStateLoadAliasMapDefinition:
		idBytes := lcputil.NodeIDToBytes(n.ID)
		sm.send(lcc.SubtypeAMD, n.Alias, idBytes[:])
		sm.aliases.Register(n.Alias, n.ID)
		n.State.RunState = lcc.RunStateLoadInitializationComplete
		return true

	case lcc.RunStateLoadInitializationComplete:
		mti := lcc.MTIInitializationComplete
		if n.Parameters != nil && n.Parameters.ProtocolSupport&lcc.PSISimple != 0 {
			mti = lcc.MTIInitializationCompleteSimple
		}
		sm.sendMTI(n, mti, lcputil.NodeIDToBytesSlice(n.ID))
		n.State.RunState = lcc.RunStateLoadProducerEvents
		n.ProducerCursorReset()
		return true

	case lcc.RunStateLoadProducerEvents:
		e, ok := n.ProducerCursorNext()
		if !ok {
			n.State.RunState = lcc.RunStateLoadConsumerEvents
			n.ConsumerCursorReset()
			return true
		}
		sm.sendEventIdentified(n, producerMTI(e.Status), e.Event)
		return true

	case lcc.RunStateLoadConsumerEvents:
		e, ok := n.ConsumerCursorNext()
		if !ok {
			n.State.RunState = lcc.RunStateRun
			n.State.Permitted = true
			n.State.Initialized = true
			return true
		}
		sm.sendEventIdentified(n, consumerMTI(e.Status), e.Event)
		return true

	case lcc.RunStateRun:
		return false
	}
	return false
}

func producerMTI(s lcc.EventStatus) uint16 {
	switch s {
	case lcc.EventSet:
		return lcc.MTIProducerIdentifiedSet
	case lcc.EventClear:
		return lcc.MTIProducerIdentifiedClear
	case lcc.EventReserved:
		return lcc.MTIProducerIdentifiedReserved
	default:
		return lcc.MTIProducerIdentifiedUnknown
	}
}

func consumerMTI(s lcc.EventStatus) uint16 {
	switch s {
	case lcc.EventSet:
		return lcc.MTIConsumerIdentifiedSet
	case lcc.EventClear:
		return lcc.MTIConsumerIdentifiedClear
	case lcc.EventReserved:
		return lcc.MTIConsumerIdentifiedReserved
	default:
		return lcc.MTIConsumerIdentifiedUnknown
	}
}

func (sm *StateMachine) sendCID(n *node.Node, level uint32, shift uint) {
	chunk := (uint64(n.ID) >> shift) & 0xFFF
	ident := level | uint32(chunk<<12) | uint32(n.Alias)
	if err := sm.sender.Send(can.NewFrame(ident, 0, 0)); err != nil {
		sm.log.Warn("send CID frame failed", "err", err, "node", n.ID)
	}
}

func (sm *StateMachine) send(subtype uint32, a lcc.Alias, data []byte) {
	frame := can.NewFrame(subtype|uint32(a), 0, uint8(len(data)))
	copy(frame.Data[:], data)
	if err := sm.sender.Send(frame); err != nil {
		sm.log.Warn("send control frame failed", "err", err, "subtype", subtype)
	}
}

func (sm *StateMachine) sendMTI(n *node.Node, mti uint16, data []byte) {
	ident := lcc.OpenLcbMessageStandardFrameType | (uint32(mti) << 12) | uint32(n.Alias)
	frame := can.NewFrame(ident, 0, uint8(len(data)))
	copy(frame.Data[:], data)
	if err := sm.sender.Send(frame); err != nil {
		sm.log.Warn("send MTI frame failed", "err", err, "mti", mti)
	}
}

func (sm *StateMachine) sendEventIdentified(n *node.Node, mti uint16, event lcc.EventID) {
	b := lcputil.EventIDToBytes(event)
	ident := lcc.OpenLcbMessageStandardFrameType | (uint32(mti) << 12) | uint32(n.Alias)
	frame := can.NewFrame(ident, 0, 8)
	copy(frame.Data[:], b[:])
	if err := sm.sender.Send(frame); err != nil {
		sm.log.Warn("send event identified failed", "err", err, "mti", mti)
	}
}

// HandleIncoming inspects a frame from the bus for an alias collision
// against one of our nodes, and reacts per spec.md §4.9: a CID or
// alias-management frame (RID/AMD/AME/AMR) whose source alias is one we are
// using (or claiming) flags that node's DuplicateAliasDetected and marks the
// alias as a duplicate; a Verify Node ID from that alias, while the node is in
// RUN, is answered with Verified Node ID.
func (sm *StateMachine) HandleIncoming(frame can.Frame) {
	kind, _ := lcputil.Classify(frame.ID)
	peerAlias := lcputil.SourceAliasOf(frame.ID)
	for n := sm.registry.GetFirst(lcc.EnumeratorLogin); n != nil; n = sm.registry.GetNext(lcc.EnumeratorLogin) {
		if n.Alias != peerAlias {
			continue
		}
		if kind == lcputil.FrameKindCID || kind == lcputil.FrameKindAliasManagement {
			n.State.DuplicateAliasDetected = true
			sm.aliases.MarkDuplicate(peerAlias)
			sm.aliases.SetHasDuplicateAliasFlag()
			continue
		}
		if kind == lcputil.FrameKindMessage && n.State.RunState == lcc.RunStateRun {
			mti := lcputil.ExtractMTI(frame.ID)
			if mti == lcc.MTIVerifyNodeIDAddressed || mti == lcc.MTIVerifyNodeIDGlobal {
				reply := lcc.MTIVerifiedNodeID
				if n.Parameters != nil && n.Parameters.ProtocolSupport&lcc.PSISimple != 0 {
					reply = lcc.MTIVerifiedNodeIDSimple
				}
				sm.sendMTI(n, reply, lcputil.NodeIDToBytesSlice(n.ID))
			}
		}
	}
}
