// =============================================================================
// CONNECTION POOL - NON-BLOCKING LOOKUP AND BROADCAST WAKEUP
// =============================================================================
//
// The pool owns one Conn per configured broker address and runs a background
// prober per connection that flips Down/Up based on health checks.
//
// The two operations the acquisition protocol needs from it:
//
//   AnyUsable()  - non-blocking: return a LEASED Up connection, or nil.
//                  Never waits for a broker to come up; the caller schedules
//                  a retry instead.
//
//   WakeupAll()  - broadcast an advisory wakeup to every Up connection's
//                  wakeup channel. Used after an identifier is assigned so
//                  parked writers re-check state and start flushing.
//
// =============================================================================

package conn

import (
	"log/slog"
	"sync"
	"time"
)

// PoolConfig configures the connection pool.
type PoolConfig struct {
	// Addrs is the list of broker base URLs, e.g. "http://localhost:8080".
	Addrs []string

	// RequestTimeout bounds each individual HTTP request.
	RequestTimeout time.Duration

	// ProbeInterval is how often Down connections are re-probed and Up
	// connections re-validated.
	ProbeInterval time.Duration

	// Logger for pool and connection events.
	Logger *slog.Logger
}

// Pool manages the producer's broker connections.
type Pool struct {
	conns  []*Conn
	logger *slog.Logger

	probeInterval time.Duration

	mu      sync.Mutex
	started bool
	closed  bool
	done    chan struct{}
	wg      sync.WaitGroup
}

// NewPool creates a pool with one Down connection per address. Call Start
// to begin health probing.
func NewPool(cfg PoolConfig) *Pool {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.RequestTimeout == 0 {
		cfg.RequestTimeout = 5 * time.Second
	}
	if cfg.ProbeInterval == 0 {
		cfg.ProbeInterval = 1 * time.Second
	}

	p := &Pool{
		logger:        logger,
		probeInterval: cfg.ProbeInterval,
		done:          make(chan struct{}),
	}
	for _, addr := range cfg.Addrs {
		p.conns = append(p.conns, newConn(addr, cfg.RequestTimeout, logger))
	}
	return p
}

// Start launches one prober goroutine per connection. Each connection is
// probed immediately so tests against a live broker see Up without waiting
// a full interval.
func (p *Pool) Start() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started || p.closed {
		return
	}
	p.started = true

	for _, c := range p.conns {
		p.wg.Add(1)
		go p.probeLoop(c)
	}
}

// probeLoop keeps one connection's ready-state current.
func (p *Pool) probeLoop(c *Conn) {
	defer p.wg.Done()

	c.probe()

	ticker := time.NewTicker(p.probeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.done:
			return
		case <-ticker.C:
			c.probe()
		}
	}
}

// AnyUsable returns a leased Up connection, or nil if no broker is usable
// right now. Non-blocking. The caller must Release the lease on every exit
// path.
func (p *Pool) AnyUsable() *Conn {
	for _, c := range p.conns {
		if c.State() == StateUp {
			c.Lease()
			return c
		}
	}
	return nil
}

// Conns returns all connections. Writers use this to park on per-connection
// wakeup channels.
func (p *Pool) Conns() []*Conn {
	return p.conns
}

// WakeupAll broadcasts an advisory wakeup to every Up connection. Wakeups
// coalesce; receivers must re-check state after waking.
func (p *Pool) WakeupAll() {
	for _, c := range p.conns {
		if c.State() == StateUp {
			c.notifyWake()
		}
	}
}

// Close stops probing and closes every connection. In-flight requests abort
// with shutdown-classified errors. Idempotent.
func (p *Pool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	started := p.started
	p.mu.Unlock()

	close(p.done)
	if started {
		p.wg.Wait()
	}
	for _, c := range p.conns {
		c.close()
	}
}
