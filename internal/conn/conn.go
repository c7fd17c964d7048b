// =============================================================================
// BROKER CONNECTION - LEASED HANDLE WITH READY-STATE TRACKING
// =============================================================================
//
// WHAT IS THIS?
// One Conn represents the producer's connection to one broker. It tracks a
// coarse ready-state (Down/Up), carries the HTTP transport for that broker,
// and hands out leases so that callers borrowing the connection for the
// duration of a call cannot race its teardown.
//
// LEASING:
//
//   c := pool.AnyUsable()   // returns a LEASED conn (or nil)
//   defer c.Release()
//   ... use c ...
//
// Every acquisition path must release its lease on every exit path,
// including error paths. Lease/Release pairs are cheap (one atomic add) and
// the tests assert the count returns to its baseline.
//
// WAKEUP:
// Each Conn owns a wakeup channel. Writer goroutines that are parked waiting
// for a usable producer identifier select on Wake(); the acquirer broadcasts
// through Pool.WakeupAll once an identifier is assigned. The signal is
// advisory only - woken writers must re-check state themselves.
//
// =============================================================================

package conn

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/abd-ulbasit/goqueue-producer-go/internal/pid"
)

// State is the coarse connection ready-state.
type State int8

const (
	// StateDown means the broker is unreachable or not yet probed.
	StateDown State = iota

	// StateUp means the broker answered a recent health probe and the
	// connection is usable for requests.
	StateUp
)

// String returns a human-readable state name.
func (s State) String() string {
	switch s {
	case StateDown:
		return "Down"
	case StateUp:
		return "Up"
	default:
		return "Unknown"
	}
}

// Conn is a single broker connection.
type Conn struct {
	addr      string
	transport *Transport
	logger    *slog.Logger

	mu    sync.RWMutex
	state State

	// leases counts borrowed references. Purely diagnostic in Go (no
	// manual destruction), but the invariant "every exit path releases"
	// is still enforced by tests.
	leases atomic.Int64

	// wake is the per-connection wakeup channel, capacity 1 so that
	// broadcasts coalesce instead of blocking the signaller.
	wake chan struct{}

	// ctx is cancelled when the conn closes; in-flight requests abort
	// with a shutdown-classified error.
	ctx    context.Context
	cancel context.CancelFunc
}

// newConn creates a connection in the Down state. The Pool owns creation.
func newConn(addr string, requestTimeout time.Duration, logger *slog.Logger) *Conn {
	ctx, cancel := context.WithCancel(context.Background())
	return &Conn{
		addr:      addr,
		transport: NewTransport(addr, requestTimeout),
		logger:    logger,
		state:     StateDown,
		wake:      make(chan struct{}, 1),
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Addr returns the broker address this connection targets.
func (c *Conn) Addr() string {
	return c.addr
}

// State returns the current ready-state.
func (c *Conn) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// setState updates the ready-state, logging only actual changes.
func (c *Conn) setState(s State) {
	c.mu.Lock()
	if c.state == s {
		c.mu.Unlock()
		return
	}
	old := c.state
	c.state = s
	c.mu.Unlock()

	c.logger.Info("broker connection state change",
		"broker", c.addr,
		"from", old.String(),
		"to", s.String())
}

// Lease borrows the connection for the duration of a call. Must be paired
// with Release on every exit path.
func (c *Conn) Lease() {
	c.leases.Add(1)
}

// Release returns a borrowed lease.
func (c *Conn) Release() {
	c.leases.Add(-1)
}

// Leases returns the current lease count. Used by tests to verify that
// acquisition paths do not leak references.
func (c *Conn) Leases() int64 {
	return c.leases.Load()
}

// Wake returns the per-connection wakeup channel. Receivers must treat a
// wakeup as advisory and re-check producer state after waking.
func (c *Conn) Wake() <-chan struct{} {
	return c.wake
}

// notifyWake pokes the wakeup channel without blocking. Coalesces with any
// pending wakeup.
func (c *Conn) notifyWake() {
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

// SendInitProducerID asynchronously issues an identifier request on this
// connection.
//
// BEHAVIOR:
//   - Returns a synchronous error (and never invokes cb) if the connection
//     is not Up - the caller treats this like any other transient transport
//     failure and retries later.
//   - Otherwise the request runs on its own goroutine and cb is invoked
//     EXACTLY ONCE with either a broker-assigned identifier or an error.
//   - If the connection closes mid-flight, cb receives a shutdown-classified
//     error (IsShutdown(err) == true).
func (c *Conn) SendInitProducerID(clientKey string, cb func(pid.ProducerID, error)) error {
	c.mu.RLock()
	ready := c.state == StateUp
	c.mu.RUnlock()

	if !ready {
		return ErrConnNotReady
	}

	go func() {
		id, err := c.transport.InitProducerID(c.ctx, clientKey)
		if err != nil {
			// A send failure is strong evidence the broker is gone;
			// refuse further requests until the prober revives us.
			if !IsShutdown(err) {
				c.setState(StateDown)
			}
			cb(pid.NewUnassigned(), err)
			return
		}
		cb(id, nil)
	}()

	return nil
}

// Publish sends one idempotent message through this connection.
func (c *Conn) Publish(ctx context.Context, req PublishRequest) (PublishResult, error) {
	return c.transport.Publish(ctx, req)
}

// probe checks broker health and flips the ready-state accordingly.
func (c *Conn) probe() {
	if err := c.transport.Health(c.ctx); err != nil {
		c.setState(StateDown)
		return
	}
	c.setState(StateUp)
}

// close tears the connection down. In-flight requests abort with shutdown
// errors. The Pool owns closing.
func (c *Conn) close() {
	c.cancel()
	c.setState(StateDown)
}
