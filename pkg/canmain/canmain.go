// Package canmain implements CanMainStatemachine (spec.md §4.9): the
// top-level cooperative dispatcher for the CAN adaptation layer. One call
// to Run performs at most one unit of work, in priority order: reconcile a
// detected alias collision, drain a pending outgoing CAN fragmentation job,
// or pace the login state machine across the node list one node at a time.
// It is the analogue of the teacher's bus_manager.go main loop, generalized
// from CANopen's single NMT/SDO/PDO priority ladder to OpenLCB's
// duplicate-alias-recovery-first scheduling.
package canmain

import (
	"log/slog"

	lcc "github.com/openlcb-go/lcc-core"
	"github.com/openlcb-go/lcc-core/pkg/alias"
	"github.com/openlcb-go/lcc-core/pkg/buffer"
	"github.com/openlcb-go/lcc-core/pkg/canlogin"
	"github.com/openlcb-go/lcc-core/pkg/cantx"
	"github.com/openlcb-go/lcc-core/pkg/node"
)

// StateMachine is the CAN-side run-loop driver (spec.md §4.9).
type StateMachine struct {
	registry *node.Registry
	aliases  *alias.Mappings
	store    *buffer.OpenLcbBufferStore
	login    *canlogin.StateMachine
	tx       *cantx.Handler
	log      *slog.Logger
}

func New(registry *node.Registry, aliases *alias.Mappings, store *buffer.OpenLcbBufferStore,
	login *canlogin.StateMachine, tx *cantx.Handler, log *slog.Logger) *StateMachine {
	if log == nil {
		log = slog.Default()
	}
	return &StateMachine{
		registry: registry,
		aliases:  aliases,
		store:    store,
		login:    login,
		tx:       tx,
		log:      log.With("service", "[CanMain]"),
	}
}

// Run performs at most one unit of work and reports whether it did
// anything, so the caller's run-loop can decide whether to keep spinning
// (spec.md §4.9, §5).
func (sm *StateMachine) Run() bool {
	// Step 1: duplicate alias recovery takes priority over everything else
	// (spec.md §4.9 step 1, §8 "Duplicate alias recovery").
	if sm.aliases.HasDuplicateAlias() {
		for _, id := range sm.aliases.DrainDuplicates() {
			if n := sm.registry.FindByID(id); n != nil {
				n.ResetLogin(sm.store)
			}
		}
		return true
	}

	// Step 2: drain a pending outgoing CAN fragmentation job before
	// starting anything new (spec.md §4.9 step 2).
	if sm.tx != nil && sm.tx.Busy() {
		return sm.tx.Run()
	}

	// Step 3/4/5: pace one node's login step per call using the CAN_MAIN
	// enumerator key, independent of the OpenLCB-side enumerator the
	// engine package drives (spec.md §4.9 steps 3-5).
	n := sm.registry.GetNext(lcc.EnumeratorCanMain)
	if n == nil {
		n = sm.registry.GetFirst(lcc.EnumeratorCanMain)
		if n == nil {
			return false
		}
	}
	if n.State.RunState != lcc.RunStateRun {
		return sm.login.StepNode(n)
	}
	return false
}
