// Package directory implements the DS node core: the epoch state machine,
// the PoW admission pipeline, the message dispatcher, the epoch driver and
// the view-change and resync controllers.
package directory

import (
	"sync"
	"time"

	"dsnode/internal/logger"
)

// State is the DS phase register.
type State int

// The DS states, in happy-path order.
const (
	StatePoWSubmission State = iota
	StateDSBlockConsensusPrep
	StateDSBlockConsensus
	StateMicroblockSubmission
	StateFinalBlockConsensusPrep
	StateFinalBlockConsensus
	StateViewChangeConsensusPrep
	StateViewChangeConsensus
	StateError
)

var stateStrings = map[State]string{
	StatePoWSubmission:           "PoWSubmission",
	StateDSBlockConsensusPrep:    "DSBlockConsensusPrep",
	StateDSBlockConsensus:        "DSBlockConsensus",
	StateMicroblockSubmission:    "MicroblockSubmission",
	StateFinalBlockConsensusPrep: "FinalBlockConsensusPrep",
	StateFinalBlockConsensus:     "FinalBlockConsensus",
	StateViewChangeConsensusPrep: "ViewChangeConsensusPrep",
	StateViewChangeConsensus:     "ViewChangeConsensus",
	StateError:                   "Error",
}

// String returns the state name for logging.
func (s State) String() string {
	if name, ok := stateStrings[s]; ok {
		return name
	}

	return "Unknown"
}

// Action is an operation gated by the current state.
type Action int

// The gated actions.
const (
	ActionProcessPoWSubmission Action = iota
	ActionVerifyPoW
	ActionProcessDSBlockConsensus
	ActionProcessMicroblockSubmission
	ActionProcessFinalBlockConsensus
	ActionProcessViewChangeConsensus
)

var actionStrings = map[Action]string{
	ActionProcessPoWSubmission:        "ProcessPoWSubmission",
	ActionVerifyPoW:                   "VerifyPoW",
	ActionProcessDSBlockConsensus:     "ProcessDSBlockConsensus",
	ActionProcessMicroblockSubmission: "ProcessMicroblockSubmission",
	ActionProcessFinalBlockConsensus:  "ProcessFinalBlockConsensus",
	ActionProcessViewChangeConsensus:  "ProcessViewChangeConsensus",
}

// String returns the action name for logging.
func (a Action) String() string {
	if name, ok := actionStrings[a]; ok {
		return name
	}

	return "Unknown"
}

// actionsForState is the permission matrix: which actions each state
// admits. Every pair not listed is rejected.
var actionsForState = map[State][]Action{
	StatePoWSubmission:        {ActionProcessPoWSubmission, ActionVerifyPoW},
	StateDSBlockConsensus:     {ActionProcessDSBlockConsensus},
	StateMicroblockSubmission: {ActionProcessMicroblockSubmission},
	StateFinalBlockConsensus:  {ActionProcessFinalBlockConsensus},
	StateViewChangeConsensus:  {ActionProcessViewChangeConsensus},
}

// stateRegister holds the current state and wakes bounded waiters on every
// transition. One lock guards both the state and the wait channel.
type stateRegister struct {
	mu      sync.Mutex
	state   State
	changed chan struct{}
}

func newStateRegister(initial State) *stateRegister {
	return &stateRegister{
		state:   initial,
		changed: make(chan struct{}),
	}
}

// get returns the current state.
func (r *stateRegister) get() State {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.state
}

// set transitions to the new state and wakes waiters. Setting the current
// state again is a no-op and logs nothing.
func (r *stateRegister) set(s State, epoch uint64) {
	r.mu.Lock()

	if r.state == s {
		r.mu.Unlock()
		return
	}

	r.state = s

	close(r.changed)
	r.changed = make(chan struct{})

	r.mu.Unlock()

	logger.WithEpoch(epoch).Info("DS state is now " + s.String())
}

// allows reports whether the action is permitted in the current state.
func (r *stateRegister) allows(a Action) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, allowed := range actionsForState[r.state] {
		if allowed == a {
			return true
		}
	}

	return false
}

// waitFor blocks until pred holds for the current state or the timeout
// elapses. Each transition re-evaluates the predicate.
func (r *stateRegister) waitFor(pred func(State) bool, timeout time.Duration) bool {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	for {
		r.mu.Lock()

		if pred(r.state) {
			r.mu.Unlock()
			return true
		}

		ch := r.changed
		r.mu.Unlock()

		select {
		case <-ch:
		case <-deadline.C:
			return false
		}
	}
}
