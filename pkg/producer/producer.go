// =============================================================================
// IDEMPOTENT PRODUCER - PUBLIC API
// =============================================================================
//
// WHAT IS THIS?
// The user-facing producer. It glues together the pieces underneath:
//
//   ┌──────────────────────── Producer ────────────────────────┐
//   │                                                          │
//   │  conn.Pool ──── health probing, leased connections       │
//   │  timer.Wheel ── deferred acquisition retries             │
//   │  pid.Acquirer ─ identifier state machine (run loop)      │
//   │                                                          │
//   │  Send()      ── synchronous publish, parks until ready   │
//   │  SendAsync() ── queued publish via the async worker      │
//   │                                                          │
//   └──────────────────────────────────────────────────────────┘
//
// EVERY MESSAGE IS STAMPED:
// Each publish carries (producerID, epoch, sequence). The sequence is
// assigned exactly once per message and survives retries unchanged - that
// is what lets the broker deduplicate a redelivery instead of appending it
// twice. Sequences are per topic/partition and reset whenever a new
// identifier (or epoch) is assigned.
//
// PARKING, NOT POLLING:
// A Send that arrives before the identifier exists does not spin. It parks
// on the acquirer's publication channel and is woken by the broadcast that
// follows assignment. Waiting for a usable connection parks on the
// per-connection wakeup channels the same way. Both signals are advisory:
// the waiter re-checks state after every wakeup.
//
// =============================================================================

package producer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/abd-ulbasit/goqueue-producer-go/internal/conn"
	"github.com/abd-ulbasit/goqueue-producer-go/internal/metrics"
	"github.com/abd-ulbasit/goqueue-producer-go/internal/pid"
	"github.com/abd-ulbasit/goqueue-producer-go/internal/timer"
)

// ErrClosed is returned for operations on a closed producer.
var ErrClosed = errors.New("producer closed")

// ErrFenced is returned when the broker rejects our epoch: another producer
// instance with the same client key has initialized since we did, and this
// instance is a zombie.
var ErrFenced = errors.New("producer fenced by newer epoch")

// Options configures a Producer.
type Options struct {
	// Brokers lists broker addresses, as host:port or full http:// URLs.
	Brokers []string

	// ClientKey identifies this producer session to the broker. Required.
	ClientKey string

	// RetryDelay between identifier acquisition attempts. Default 500ms.
	RetryDelay time.Duration

	// RequestTimeout bounds each broker request. Default 5s.
	RequestTimeout time.Duration

	// ProbeInterval between connection health probes. Default 1s.
	ProbeInterval time.Duration

	// AsyncQueueSize bounds the SendAsync queue. Default 1024.
	AsyncQueueSize int

	// Registerer, when non-nil, receives the producer's Prometheus
	// collectors.
	Registerer prometheus.Registerer

	// Logger is optional.
	Logger *slog.Logger
}

// Result describes one accepted publish.
type Result struct {
	Topic     string
	Partition int32
	Offset    int64
	Sequence  int64

	// Duplicate means the broker had already accepted this sequence and
	// acked without appending again - a retry of a delivered message.
	Duplicate bool
}

// asyncSend is one queued SendAsync request.
type asyncSend struct {
	topic     string
	partition int32
	value     []byte
	callback  func(Result, error)
}

// Producer is an idempotent producer session. Safe for concurrent use.
type Producer struct {
	opts   Options
	logger *slog.Logger

	pool     *conn.Pool
	wheel    *timer.Wheel
	acquirer *pid.Acquirer
	metrics  *metrics.ProducerMetrics

	// Sequence state. seqOwner is the identifier the sequences belong
	// to; an assignment with a different identifier or epoch resets the
	// sequence space, mirroring the broker's fresh space per epoch.
	seqMu     sync.Mutex
	seqOwner  pid.ProducerID
	sequences map[string]int64

	sendq    chan asyncSend
	workerWG sync.WaitGroup

	mu        sync.Mutex
	started   bool
	closed    bool
	closeOnce sync.Once

	// ctx is cancelled on Close to unpark waiters promptly.
	ctx    context.Context
	cancel context.CancelFunc
}

// poolAdapter narrows *conn.Pool to what the acquirer consumes.
type poolAdapter struct {
	pool *conn.Pool
}

func (p poolAdapter) AnyUsable() pid.Connection {
	c := p.pool.AnyUsable()
	if c == nil {
		// Avoid handing out a typed nil inside a non-nil interface.
		return nil
	}
	return c
}

func (p poolAdapter) WakeupAll() {
	p.pool.WakeupAll()
}

// New creates a producer. Call Start before sending.
func New(opts Options) (*Producer, error) {
	if len(opts.Brokers) == 0 {
		return nil, errors.New("producer: at least one broker is required")
	}
	if opts.ClientKey == "" {
		return nil, errors.New("producer: client key is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if opts.AsyncQueueSize <= 0 {
		opts.AsyncQueueSize = 1024
	}

	var m *metrics.ProducerMetrics
	if opts.Registerer != nil {
		m = metrics.NewProducerMetrics(opts.Registerer)
	}

	pool := conn.NewPool(conn.PoolConfig{
		Addrs:          normalizeBrokerURLs(opts.Brokers),
		RequestTimeout: opts.RequestTimeout,
		ProbeInterval:  opts.ProbeInterval,
		Logger:         logger,
	})

	wheel := timer.NewWheel(logger)

	acquirer := pid.NewAcquirer(pid.AcquirerConfig{
		ClientKey:  opts.ClientKey,
		RetryDelay: opts.RetryDelay,
		Pool:       poolAdapter{pool: pool},
		Wheel:      wheel,
		Metrics:    m,
		Logger:     logger,
	})

	ctx, cancel := context.WithCancel(context.Background())

	return &Producer{
		opts:      opts,
		logger:    logger,
		pool:      pool,
		wheel:     wheel,
		acquirer:  acquirer,
		metrics:   m,
		seqOwner:  pid.NewUnassigned(),
		sequences: make(map[string]int64),
		sendq:     make(chan asyncSend, opts.AsyncQueueSize),
		ctx:       ctx,
		cancel:    cancel,
	}, nil
}

// Start begins connection probing and identifier acquisition. Idempotent.
func (p *Producer) Start() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started || p.closed {
		return
	}
	p.started = true

	p.pool.Start()
	p.acquirer.Init()

	p.workerWG.Add(1)
	go p.asyncWorker()
}

// Close shuts the producer down: terminates the identifier session, fails
// queued async sends, and releases all resources. Idempotent; blocks until
// background goroutines have exited.
func (p *Producer) Close() {
	p.closeOnce.Do(func() {
		p.mu.Lock()
		p.closed = true
		started := p.started
		p.mu.Unlock()

		// Terminate first: parked waiters observe Terminated and drain.
		// Term needs the acquirer's run loop, which only exists after
		// Start.
		if started {
			p.acquirer.Term()
		}
		p.cancel()

		p.mu.Lock()
		close(p.sendq)
		p.mu.Unlock()
		if started {
			p.workerWG.Wait()
		}

		p.wheel.Close()
		p.pool.Close()
	})
}

// State returns the current identifier lifecycle state and identifier.
func (p *Producer) State() (pid.State, pid.ProducerID) {
	return p.acquirer.Snapshot()
}

// WaitReady blocks until the producer holds a usable identifier.
func (p *Producer) WaitReady(ctx context.Context) (pid.ProducerID, error) {
	return p.acquirer.WaitAssigned(ctx)
}

// =============================================================================
// SYNCHRONOUS SEND
// =============================================================================

// Send publishes one message and blocks until the broker acks it, the
// context is done, or the producer closes. The message is stamped with the
// producer identifier, epoch, and a per-partition sequence; retries reuse
// the same stamp so the broker can deduplicate.
func (p *Producer) Send(ctx context.Context, topic string, partition int32, value []byte) (Result, error) {
	if topic == "" {
		return Result{}, errors.New("producer: topic is required")
	}

	id, err := p.acquirer.WaitAssigned(ctx)
	if err != nil {
		if errors.Is(err, pid.ErrTerminated) {
			err = ErrClosed
		}
		return Result{}, err
	}

	seq := p.nextSequence(topic, partition, id)
	return p.deliver(ctx, conn.PublishRequest{
		Topic:         topic,
		Partition:     partition,
		Value:         value,
		ProducerID:    id.ID,
		ProducerEpoch: id.Epoch,
		Sequence:      seq,
	})
}

// deliver pushes one stamped request to a broker, retrying transient
// failures with the SAME stamp until the context gives up.
func (p *Producer) deliver(ctx context.Context, req conn.PublishRequest) (Result, error) {
	for {
		c, err := p.waitUsableConn(ctx)
		if err != nil {
			return Result{}, err
		}

		res, err := c.Publish(ctx, req)
		c.Release()

		if err == nil {
			if p.metrics != nil {
				p.metrics.MessagesSent.WithLabelValues(req.Topic).Inc()
			}
			return Result{
				Topic:     req.Topic,
				Partition: req.Partition,
				Offset:    res.Offset,
				Sequence:  req.Sequence,
				Duplicate: res.Duplicate,
			}, nil
		}

		if p.metrics != nil {
			p.metrics.SendFailures.WithLabelValues(req.Topic).Inc()
		}
		if conn.IsShutdown(err) {
			return Result{}, ErrClosed
		}
		if isFenced(err) {
			p.logger.Warn("publish fenced: a newer producer instance holds this client key",
				"topic", req.Topic,
				"partition", req.Partition)
			return Result{}, fmt.Errorf("%w: %v", ErrFenced, err)
		}
		if !conn.IsRetryable(err) {
			return Result{}, err
		}

		p.logger.Debug("publish failed, retrying",
			"topic", req.Topic,
			"partition", req.Partition,
			"sequence", req.Sequence,
			"error", err)

		select {
		case <-ctx.Done():
			return Result{}, ctx.Err()
		case <-p.ctx.Done():
			return Result{}, ErrClosed
		case <-time.After(100 * time.Millisecond):
		}
	}
}

// waitUsableConn parks until a leased usable connection is available.
// Wakeups come from the per-connection advisory channels; a coarse ticker
// backstops missed signals.
func (p *Producer) waitUsableConn(ctx context.Context) (*conn.Conn, error) {
	ticker := time.NewTicker(250 * time.Millisecond)
	defer ticker.Stop()

	for {
		if c := p.pool.AnyUsable(); c != nil {
			return c, nil
		}

		// Park on the first connection's wakeup channel. One channel is
		// enough: WakeupAll signals every conn, and the ticker covers
		// the rest.
		var wake <-chan struct{}
		if conns := p.pool.Conns(); len(conns) > 0 {
			wake = conns[0].Wake()
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-p.ctx.Done():
			return nil, ErrClosed
		case <-wake:
		case <-ticker.C:
		}
	}
}

// =============================================================================
// ASYNCHRONOUS SEND
// =============================================================================

// SendAsync queues one message for delivery and returns immediately. The
// callback runs exactly once, from the worker goroutine, with the outcome.
// Returns false if the queue is full or the producer is closed.
func (p *Producer) SendAsync(topic string, partition int32, value []byte, callback func(Result, error)) bool {
	// The enqueue happens under the lock so Close cannot close the queue
	// out from under it; the send is non-blocking, so the lock is never
	// held across a wait.
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed || !p.started {
		return false
	}

	select {
	case p.sendq <- asyncSend{topic: topic, partition: partition, value: value, callback: callback}:
		return true
	default:
		return false
	}
}

// asyncWorker drains the queue one message at a time. Processing in order
// on a single goroutine keeps per-partition sequences monotonic.
func (p *Producer) asyncWorker() {
	defer p.workerWG.Done()

	for msg := range p.sendq {
		res, err := p.Send(p.ctx, msg.topic, msg.partition, msg.value)
		if err != nil && errors.Is(p.ctx.Err(), context.Canceled) {
			err = ErrClosed
		}
		if msg.callback != nil {
			msg.callback(res, err)
		}
	}
}

// =============================================================================
// SEQUENCES
// =============================================================================

// nextSequence assigns the next sequence for (topic, partition) under the
// given identifier. A new identifier or epoch starts a fresh sequence
// space, matching the broker's per-epoch dedup window.
func (p *Producer) nextSequence(topic string, partition int32, id pid.ProducerID) int64 {
	p.seqMu.Lock()
	defer p.seqMu.Unlock()

	if p.seqOwner != id {
		if p.seqOwner.IsValid() {
			p.logger.Info("sequence space reset for new identifier",
				"previous", p.seqOwner.String(),
				"current", id.String())
		}
		p.seqOwner = id
		p.sequences = make(map[string]int64)
	}

	key := fmt.Sprintf("%s/%d", topic, partition)
	seq := p.sequences[key]
	p.sequences[key] = seq + 1
	return seq
}

// =============================================================================
// HELPERS
// =============================================================================

// normalizeBrokerURLs accepts host:port or full URLs and returns base URLs.
func normalizeBrokerURLs(brokers []string) []string {
	out := make([]string, 0, len(brokers))
	for _, b := range brokers {
		if !strings.HasPrefix(b, "http://") && !strings.HasPrefix(b, "https://") {
			b = "http://" + b
		}
		out = append(out, strings.TrimSuffix(b, "/"))
	}
	return out
}

// isFenced reports whether a publish was rejected for carrying a stale
// epoch.
func isFenced(err error) bool {
	return conn.IsFencedError(err)
}
