// =============================================================================
// IDENTIFIER LIFECYCLE STATE
// =============================================================================
//
// The producer identifier moves through a small, strictly ordered lifecycle:
//
//   (init)
//     │ Init()
//     ▼
//   ┌────────────┐  request enqueued   ┌──────────────────┐
//   │ Requesting │────────────────────►│ AwaitingResponse │
//   └────────────┘                     └──────────────────┘
//     ▲                                   │            │
//     │ failure / invalid identifier      │            │ valid identifier
//     └───────────────────────────────────┘            ▼
//                                                 ┌──────────┐
//                                                 │ Assigned │
//                                                 └──────────┘
//
//   any state ──Term()──► Terminated (absorbing)
//
// No other edges are permitted. The state and the identifier are guarded by
// one RWMutex so that no reader can ever observe state == Assigned paired
// with an invalid identifier, or vice versa.
//
// THREADING MODEL:
//   - Only the acquirer's run loop (the "control goroutine") drives
//     transitions. The constraint is structural: transition() is unexported
//     and reachable only from code that executes on that loop.
//   - Any goroutine may read via Snapshot()/NeedsID().
//
// =============================================================================

package pid

import (
	"log/slog"
	"sync"
	"time"
)

// State is the lifecycle state of the producer identifier.
type State int8

const (
	// StateRequesting means the producer wants an identifier and no
	// request is currently in flight.
	StateRequesting State = iota

	// StateAwaitingResponse means exactly one identifier request has been
	// enqueued and its response has not arrived yet.
	StateAwaitingResponse

	// StateAssigned means a valid identifier is held and usable.
	StateAssigned

	// StateTerminated means the producer is shutting down. Absorbing:
	// no further transitions are permitted.
	StateTerminated
)

// String returns a human-readable state name.
func (s State) String() string {
	switch s {
	case StateRequesting:
		return "Requesting"
	case StateAwaitingResponse:
		return "AwaitingResponse"
	case StateAssigned:
		return "Assigned"
	case StateTerminated:
		return "Terminated"
	default:
		return "Unknown"
	}
}

// Tracker is the authoritative record of {state, identifier, transition
// timestamp} for one producer session.
//
// OWNERSHIP:
// A Tracker is exclusively owned by its Acquirer and lives for the session's
// lifetime. It is never shared outside that boundary except through the
// read-only Snapshot/NeedsID accessors.
type Tracker struct {
	mu             sync.RWMutex
	state          State
	id             ProducerID
	lastTransition time.Time

	logger *slog.Logger
}

// NewTracker creates a tracker in the Requesting state with an unassigned
// identifier.
func NewTracker(logger *slog.Logger) *Tracker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Tracker{
		state:          StateRequesting,
		id:             NewUnassigned(),
		lastTransition: time.Now(),
		logger:         logger,
	}
}

// Snapshot returns a mutually consistent (state, identifier) pair under the
// shared lock. Safe to call from any goroutine.
func (t *Tracker) Snapshot() (State, ProducerID) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.state, t.id
}

// NeedsID reports whether the producer still needs to acquire an identifier,
// i.e. state is Requesting or AwaitingResponse. After termination this
// reports false: a terminated session never requests again.
func (t *Tracker) NeedsID() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.state == StateRequesting || t.state == StateAwaitingResponse
}

// LastTransition returns when the state last changed.
func (t *Tracker) LastTransition() time.Time {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.lastTransition
}

// assign commits a valid identifier and moves to Assigned under one
// exclusive lock acquisition, so no reader can observe the new state paired
// with the old identifier. Callers must be on the acquirer run loop.
func (t *Tracker) assign(id ProducerID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.id = id
	t.transitionLocked(StateAssigned)
}

// transition moves to a new state while holding the exclusive lock.
// Same-state transitions are a silent no-op and are never logged as a
// change. Callers must be on the acquirer run loop.
func (t *Tracker) transition(newState State) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.transitionLocked(newState)
}

// transitionLocked is transition() for callers that already hold mu.
func (t *Tracker) transitionLocked(newState State) {
	if t.state == newState {
		return
	}

	t.logger.Debug("idempotent producer state change",
		"from", t.state.String(),
		"to", newState.String())

	t.state = newState
	t.lastTransition = time.Now()
}
