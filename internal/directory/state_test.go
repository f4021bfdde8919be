package directory

import (
	"testing"
	"time"
)

// allStates and allActions enumerate the full matrix for exhaustive
// permission checks.
var allStates = []State{
	StatePoWSubmission,
	StateDSBlockConsensusPrep,
	StateDSBlockConsensus,
	StateMicroblockSubmission,
	StateFinalBlockConsensusPrep,
	StateFinalBlockConsensus,
	StateViewChangeConsensusPrep,
	StateViewChangeConsensus,
	StateError,
}

var allActions = []Action{
	ActionProcessPoWSubmission,
	ActionVerifyPoW,
	ActionProcessDSBlockConsensus,
	ActionProcessMicroblockSubmission,
	ActionProcessFinalBlockConsensus,
	ActionProcessViewChangeConsensus,
}

// TestPermissionMatrix tests every (state, action) pair against the
// permission table.
func TestPermissionMatrix(t *testing.T) {
	allowed := map[State]map[Action]bool{
		StatePoWSubmission: {
			ActionProcessPoWSubmission: true,
			ActionVerifyPoW:            true,
		},
		StateDSBlockConsensus:     {ActionProcessDSBlockConsensus: true},
		StateMicroblockSubmission: {ActionProcessMicroblockSubmission: true},
		StateFinalBlockConsensus:  {ActionProcessFinalBlockConsensus: true},
		StateViewChangeConsensus:  {ActionProcessViewChangeConsensus: true},
	}

	for _, state := range allStates {
		reg := newStateRegister(state)

		for _, action := range allActions {
			want := allowed[state][action]

			if got := reg.allows(action); got != want {
				t.Errorf("allows(%v) in %v = %v, want %v", action, state, got, want)
			}
		}
	}
}

// TestSetStateIdempotent tests that re-setting the current state does not
// wake waiters.
func TestSetStateIdempotent(t *testing.T) {
	reg := newStateRegister(StatePoWSubmission)

	ch := reg.changed

	reg.set(StatePoWSubmission, 1)

	select {
	case <-ch:
		t.Fatal("idempotent set woke waiters")
	default:
	}

	reg.set(StateDSBlockConsensusPrep, 1)

	select {
	case <-ch:
	default:
		t.Fatal("transition did not wake waiters")
	}

	if reg.get() != StateDSBlockConsensusPrep {
		t.Errorf("state = %v", reg.get())
	}
}

// TestWaitFor tests the bounded wait: a timeout without a transition, and
// a wake on the matching transition.
func TestWaitFor(t *testing.T) {
	reg := newStateRegister(StateFinalBlockConsensus)

	start := time.Now()

	ok := reg.waitFor(func(s State) bool { return s == StatePoWSubmission }, 30*time.Millisecond)
	if ok {
		t.Fatal("wait succeeded without a transition")
	}

	if time.Since(start) < 30*time.Millisecond {
		t.Fatal("wait returned before the timeout")
	}

	go func() {
		time.Sleep(20 * time.Millisecond)
		reg.set(StatePoWSubmission, 1)
	}()

	if !reg.waitFor(func(s State) bool { return s == StatePoWSubmission }, time.Second) {
		t.Fatal("wait missed the transition")
	}
}

// TestWaitFor_AlreadySatisfied tests the no-wait fast path.
func TestWaitFor_AlreadySatisfied(t *testing.T) {
	reg := newStateRegister(StatePoWSubmission)

	if !reg.waitFor(func(s State) bool { return s == StatePoWSubmission }, time.Millisecond) {
		t.Fatal("satisfied predicate reported timeout")
	}
}
