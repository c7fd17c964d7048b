// =============================================================================
// IDENTIFIER ACQUISITION - THE PRODUCER ID STATE MACHINE DRIVER
// =============================================================================
//
// WHAT IS THIS?
// The Acquirer drives the identifier lifecycle: pick a usable broker
// connection, issue an identifier request, interpret the outcome, retry on
// failure, and publish the assignment to every writer waiting on it.
//
// This looks like a local state machine but it is really a distributed
// coordination problem: the request can fail transiently (no broker, broker
// rejects, connection reset), must be retried without duplicate in-flight
// requests, must never overwrite a validly assigned identifier mid-epoch,
// and its assignment must become visible to any number of concurrent
// writers with no torn reads.
//
// CONTROL FLOW:
//
//   Init ──► run loop ──► requestID ──► broker ──(async)──► response
//              ▲                │                              │
//              │                │ no broker /                  │
//              │                │ enqueue failed               │
//              │                ▼                              ▼
//              │          retry timer ◄──── failure ◄──── handleIDReceived
//              │                │                              │ valid
//              └────────────────┘                              ▼
//                                                         Assigned
//                                                         + WakeupAll
//
// THE CONTROL GOROUTINE:
// All protocol-driving work runs on one run-loop goroutine. External
// callers (timer callbacks, transport completions, the public API) enqueue
// closures onto the loop instead of locking their way in. This makes the
// "only the control thread drives transitions" rule structural - there is
// no assertion to forget, because there is no other way to reach a
// transition.
//
// SINGLE IN-FLIGHT REQUEST:
// requestID only proceeds from StateRequesting and moves to
// StateAwaitingResponse before returning. Since both the check and the move
// happen on the run loop, at most one identifier request is ever
// outstanding, no matter how many callers trigger acquisition.
//
// =============================================================================

package pid

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/abd-ulbasit/goqueue-producer-go/internal/metrics"
	"github.com/abd-ulbasit/goqueue-producer-go/internal/timer"
)

// retryTimerID names the single retry timer in the wheel. Arming it again
// replaces the pending one, so at most one deferred re-attempt exists.
const retryTimerID = "producer-id-retry"

// DefaultRetryDelay is the fixed delay before re-attempting acquisition.
const DefaultRetryDelay = 500 * time.Millisecond

// ErrTerminated is returned to waiters when the producer shuts down before
// (or while) they wait for an identifier.
var ErrTerminated = errors.New("producer terminated")

// Connection is the slice of a broker connection the acquirer needs: a
// leased handle that can carry one asynchronous identifier request.
type Connection interface {
	// Addr identifies the broker for logging.
	Addr() string

	// Lease/Release borrow the connection for the duration of a call.
	Lease()
	Release()

	// SendInitProducerID issues the identifier request asynchronously.
	// On synchronous error the callback is never invoked; otherwise the
	// callback runs exactly once with an identifier or an error.
	SendInitProducerID(clientKey string, cb func(ProducerID, error)) error
}

// ConnectionPool is the non-blocking lookup and wakeup capability the
// acquirer consumes.
type ConnectionPool interface {
	// AnyUsable returns a LEASED usable connection, or nil.
	AnyUsable() Connection

	// WakeupAll broadcasts an advisory wakeup to per-connection writers.
	WakeupAll()
}

// AcquirerConfig configures an Acquirer.
type AcquirerConfig struct {
	// ClientKey identifies this producer to the broker's identifier
	// allocator. Re-initializing with the same key bumps the epoch.
	ClientKey string

	// RetryDelay is the fixed delay between acquisition attempts.
	// Defaults to DefaultRetryDelay.
	RetryDelay time.Duration

	// Pool supplies broker connections.
	Pool ConnectionPool

	// Wheel schedules the deferred re-attempts. The acquirer does not own
	// the wheel; the caller closes it after Term.
	Wheel *timer.Wheel

	// Metrics is optional; nil disables instrumentation.
	Metrics *metrics.ProducerMetrics

	// Logger is optional.
	Logger *slog.Logger
}

// Acquirer owns the identifier state machine for one producer session.
type Acquirer struct {
	cfg     AcquirerConfig
	tracker *Tracker
	logger  *slog.Logger

	// ops feeds the run loop; done is closed when the loop exits.
	ops  chan func()
	stop chan struct{}
	done chan struct{}

	termOnce sync.Once

	// assignedMu guards the broadcast channel that parked waiters select
	// on. The channel is closed-and-replaced on every publication.
	assignedMu sync.Mutex
	assignedCh chan struct{}

	// requestingSince is when the current acquisition episode began.
	// Touched only on the run loop (and in Init before the loop starts).
	requestingSince time.Time
}

// NewAcquirer creates an acquirer. Call Init to start it.
func NewAcquirer(cfg AcquirerConfig) *Acquirer {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.RetryDelay == 0 {
		cfg.RetryDelay = DefaultRetryDelay
	}

	return &Acquirer{
		cfg:        cfg,
		tracker:    NewTracker(logger),
		logger:     logger,
		ops:        make(chan func(), 64),
		stop:       make(chan struct{}),
		done:       make(chan struct{}),
		assignedCh: make(chan struct{}),
	}
}

// =============================================================================
// LIFECYCLE
// =============================================================================

// Init starts the acquirer. Called once, from the owning goroutine, before
// anything else touches the acquirer.
//
// There are usually no usable connections this early, so Init just records
// that an identifier is wanted and arms the first attempt; the retry loop
// takes it from there.
func (a *Acquirer) Init() {
	// Pre-loop: no concurrency yet, safe to touch state directly.
	a.tracker.mu.Lock()
	a.tracker.id.Reset()
	a.tracker.transitionLocked(StateRequesting)
	a.tracker.mu.Unlock()
	a.requestingSince = time.Now()
	a.setStateGauge(StateRequesting)

	go a.run()

	// First attempt immediately; it will typically find no broker and
	// fall back to the retry timer.
	a.dispatch(func() { a.requestID(nil, "init") })
}

// Term shuts the acquirer down: transitions to Terminated, synchronously
// cancels any pending retry, and stops the run loop. Idempotent; safe to
// call even if a response is in flight (the response will be discarded).
func (a *Acquirer) Term() {
	a.termOnce.Do(func() {
		finished := make(chan struct{})
		if a.dispatch(func() {
			a.tracker.transition(StateTerminated)
			a.setStateGauge(StateTerminated)
			close(finished)
		}) {
			<-finished
		}

		// No retry may fire after termination: remove the pending timer
		// now. A callback already past cancellation re-checks state on
		// the loop and finds Terminated.
		a.cfg.Wheel.Cancel(retryTimerID)

		close(a.stop)
		<-a.done

		// Wake anyone parked waiting for an identifier so they can
		// observe Terminated.
		a.broadcast()
	})
}

// run is the control goroutine. Everything that drives the state machine
// executes here.
func (a *Acquirer) run() {
	defer close(a.done)
	for {
		select {
		case fn := <-a.ops:
			fn()
		case <-a.stop:
			return
		}
	}
}

// dispatch enqueues work onto the run loop. Returns false if the loop has
// stopped.
func (a *Acquirer) dispatch(fn func()) bool {
	select {
	case a.ops <- fn:
		return true
	case <-a.done:
		return false
	}
}

// =============================================================================
// READ-SIDE API (any goroutine)
// =============================================================================

// Snapshot returns a mutually consistent (state, identifier) pair.
func (a *Acquirer) Snapshot() (State, ProducerID) {
	return a.tracker.Snapshot()
}

// NeedsID reports whether the producer still needs an identifier.
func (a *Acquirer) NeedsID() bool {
	return a.tracker.NeedsID()
}

// AssignedCh returns the current publication channel. It is closed when an
// identifier is assigned (or the acquirer terminates); callers must grab
// the channel BEFORE checking state, then re-check state after waking.
func (a *Acquirer) AssignedCh() <-chan struct{} {
	a.assignedMu.Lock()
	defer a.assignedMu.Unlock()
	return a.assignedCh
}

// WaitAssigned parks until a valid identifier is assigned, the context is
// done, or the producer terminates. Spurious-wakeup safe: state is
// re-validated after every wakeup.
func (a *Acquirer) WaitAssigned(ctx context.Context) (ProducerID, error) {
	for {
		ch := a.AssignedCh()
		st, id := a.tracker.Snapshot()
		switch st {
		case StateAssigned:
			return id, nil
		case StateTerminated:
			return NewUnassigned(), ErrTerminated
		}

		select {
		case <-ctx.Done():
			return NewUnassigned(), ctx.Err()
		case <-ch:
		}
	}
}

// broadcast publishes "something changed" to all parked waiters by closing
// the current channel and installing a fresh one.
func (a *Acquirer) broadcast() {
	a.assignedMu.Lock()
	close(a.assignedCh)
	a.assignedCh = make(chan struct{})
	a.assignedMu.Unlock()
}

// =============================================================================
// ACQUISITION PROTOCOL
// =============================================================================

// RequestID triggers an acquisition attempt. Safe to call from any
// goroutine and at any time: if a request is already in flight (or the
// producer is terminated) this is a no-op returning false. Returns true if
// a request was enqueued on a broker connection.
//
// preferred, when non-nil, is used instead of asking the pool; it is leased
// for the duration of the attempt.
func (a *Acquirer) RequestID(preferred Connection, reason string) bool {
	reply := make(chan bool, 1)
	if !a.dispatch(func() { reply <- a.requestID(preferred, reason) }) {
		return false
	}
	select {
	case ok := <-reply:
		return ok
	case <-a.done:
		return false
	}
}

// requestID is the acquisition attempt. Run loop only.
func (a *Acquirer) requestID(preferred Connection, reason string) bool {
	st, _ := a.tracker.Snapshot()
	if st != StateRequesting {
		// Re-entrancy guard: a request is already in flight, or the
		// producer terminated. At most one in-flight request, always.
		return false
	}

	c := preferred
	if c != nil {
		c.Lease()
	} else {
		c = a.cfg.Pool.AnyUsable()
		if c == nil {
			a.countRequest("no_broker")
			a.logger.Debug("no usable broker for identifier request",
				"reason", reason)
			a.scheduleRetry()
			return false
		}
	}
	// Lease covers exactly this attempt; released on every path below.
	defer c.Release()

	a.logger.Debug("acquiring producer identifier",
		"broker", c.Addr(),
		"reason", reason)

	err := c.SendInitProducerID(a.cfg.ClientKey, func(id ProducerID, err error) {
		if err != nil {
			a.NotifyRequestFailed(c, err)
			return
		}
		a.NotifyIDReceived(c, id)
	})
	if err != nil {
		a.countRequest("enqueue_failed")
		a.logger.Info("identifier request could not be sent",
			"broker", c.Addr(),
			"error", err)
		a.scheduleRetry()
		return false
	}

	a.tracker.transition(StateAwaitingResponse)
	a.setStateGauge(StateAwaitingResponse)
	a.countRequest("enqueued")
	return true
}

// scheduleRetry (re)arms the single retry timer. Run loop only. Arming
// replaces any pending timer, so retries never stack.
func (a *Acquirer) scheduleRetry() {
	if a.cfg.Metrics != nil {
		a.cfg.Metrics.PIDRetries.Inc()
	}
	err := a.cfg.Wheel.Schedule(retryTimerID, a.cfg.RetryDelay, func() {
		a.RequestID(nil, "retry timer")
	})
	if err != nil {
		// Wheel closed: shutdown is in progress, nothing to retry into.
		a.logger.Debug("retry not scheduled", "error", err)
	}
}

// =============================================================================
// RESPONSE HANDLING
// =============================================================================

// NotifyIDReceived delivers a broker response carrying an identifier. The
// transport invokes this exactly once per successful request.
func (a *Acquirer) NotifyIDReceived(c Connection, id ProducerID) {
	a.dispatch(func() { a.handleIDReceived(c, id) })
}

// NotifyRequestFailed delivers a request failure. Shutdown-classified
// errors are discarded silently: termination is already in progress and a
// retry would be wrong.
func (a *Acquirer) NotifyRequestFailed(c Connection, err error) {
	if isShutdownErr(err) {
		return
	}
	a.dispatch(func() { a.handleFailure(c, err) })
}

// handleIDReceived validates and commits an assignment. Run loop only.
func (a *Acquirer) handleIDReceived(c Connection, id ProducerID) {
	st, cur := a.tracker.Snapshot()
	if st != StateAwaitingResponse {
		// Stale or unexpected: a failure already reset the state, or we
		// terminated while the response was in flight. Discard.
		a.logger.Debug("ignoring identifier response",
			"pid", id.String(),
			"state", st.String())
		return
	}

	if !id.IsValid() {
		if a.cfg.Metrics != nil {
			a.cfg.Metrics.PIDInvalid.Inc()
		}
		a.logger.Warn("broker returned invalid producer identifier",
			"pid", id.String(),
			"broker", c.Addr())
		a.handleFailure(c, status.Error(codes.Unknown, "malformed identifier response"))
		return
	}

	if cur.IsValid() {
		// Leaving AwaitingResponse: the fresh identifier always wins
		// over whatever we held before. Informational, not an error.
		a.logger.Info("producer identifier replaced",
			"pid", id.String(),
			"previous", cur.String())
	} else {
		a.logger.Info("producer identifier acquired",
			"pid", id.String(),
			"broker", c.Addr())
	}

	a.tracker.assign(id)
	a.setStateGauge(StateAssigned)
	if a.cfg.Metrics != nil {
		a.cfg.Metrics.PIDAssigned.Inc()
		if !a.requestingSince.IsZero() {
			a.cfg.Metrics.AcquisitionDuration.Observe(time.Since(a.requestingSince).Seconds())
			a.requestingSince = time.Time{}
		}
	}

	// Publication: wake every parked writer. Advisory only - they
	// re-check state under the lock after waking.
	a.broadcast()
	a.cfg.Pool.WakeupAll()
}

// handleFailure routes a failed attempt back into the retry loop. Run loop
// only.
//
// The state is explicitly moved back to Requesting before the retry is
// armed. The retry callback only proceeds from Requesting, so leaving the
// machine in AwaitingResponse here would stall the loop forever; resetting
// first makes it provably live.
func (a *Acquirer) handleFailure(c Connection, err error) {
	st, _ := a.tracker.Snapshot()
	switch st {
	case StateTerminated, StateAssigned:
		// Terminated: nothing to do. Assigned: a stale failure from a
		// request that already lost the race; the held identifier wins.
		return
	case StateAwaitingResponse:
		a.tracker.transition(StateRequesting)
		a.setStateGauge(StateRequesting)
	}

	a.countRequest("rejected")
	a.logger.Info("failed to acquire producer identifier",
		"broker", c.Addr(),
		"error", err)

	a.scheduleRetry()
}

// =============================================================================
// HELPERS
// =============================================================================

func (a *Acquirer) countRequest(outcome string) {
	if a.cfg.Metrics != nil {
		a.cfg.Metrics.PIDRequests.WithLabelValues(outcome).Inc()
	}
}

func (a *Acquirer) setStateGauge(s State) {
	if a.cfg.Metrics != nil {
		a.cfg.Metrics.IdempState.Set(float64(s))
	}
}

// isShutdownErr reports whether a failure was caused by our own shutdown
// (transport requests abort with a Canceled status when the producer
// closes).
func isShutdownErr(err error) bool {
	if err == nil {
		return false
	}
	st, ok := status.FromError(err)
	return ok && st.Code() == codes.Canceled
}
