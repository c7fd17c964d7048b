// =============================================================================
// ACQUIRER TESTS - THE IDENTIFIER STATE MACHINE UNDER FIRE
// =============================================================================
//
// TEST CATEGORIES:
//   - Happy path: request, response, assignment, publication
//   - Single in-flight request invariant
//   - Retry loop: rejections, invalid identifiers, no usable broker
//   - Shutdown: discarded failures, stale responses, idempotent Term
//
// The broker side is faked at the Connection/ConnectionPool seam so each
// test scripts the exact response ordering it needs.
//
// =============================================================================

package pid

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/abd-ulbasit/goqueue-producer-go/internal/timer"
)

// sentRequest is one captured identifier request: the test invokes cb to
// play the broker.
type sentRequest struct {
	clientKey string
	cb        func(ProducerID, error)
}

// fakeConn scripts a broker connection.
type fakeConn struct {
	addr     string
	leases   atomic.Int64
	requests chan sentRequest

	mu      sync.Mutex
	sendErr error
}

func newFakeConn(addr string) *fakeConn {
	return &fakeConn{addr: addr, requests: make(chan sentRequest, 8)}
}

func (f *fakeConn) Addr() string { return f.addr }
func (f *fakeConn) Lease()       { f.leases.Add(1) }
func (f *fakeConn) Release()     { f.leases.Add(-1) }

func (f *fakeConn) setSendErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sendErr = err
}

func (f *fakeConn) SendInitProducerID(clientKey string, cb func(ProducerID, error)) error {
	f.mu.Lock()
	err := f.sendErr
	f.mu.Unlock()
	if err != nil {
		return err
	}
	f.requests <- sentRequest{clientKey: clientKey, cb: cb}
	return nil
}

// fakePool hands out a single scripted connection.
type fakePool struct {
	mu      sync.Mutex
	conn    *fakeConn
	wakeups atomic.Int32
}

func (p *fakePool) AnyUsable() Connection {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.conn == nil {
		return nil
	}
	p.conn.Lease()
	return p.conn
}

func (p *fakePool) WakeupAll() { p.wakeups.Add(1) }

func (p *fakePool) setConn(c *fakeConn) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.conn = c
}

// newTestAcquirer wires an acquirer with a short retry delay and registers
// cleanup in the right order (Term before wheel Close).
func newTestAcquirer(t *testing.T, pool ConnectionPool) *Acquirer {
	t.Helper()

	wheel := timer.NewWheel(nil)
	a := NewAcquirer(AcquirerConfig{
		ClientKey:  "test-producer",
		RetryDelay: 30 * time.Millisecond,
		Pool:       pool,
		Wheel:      wheel,
	})

	t.Cleanup(func() {
		a.Term()
		wheel.Close()
	})
	return a
}

// takeRequest waits for the next identifier request to reach the fake
// broker.
func takeRequest(t *testing.T, c *fakeConn) sentRequest {
	t.Helper()
	select {
	case req := <-c.requests:
		return req
	case <-time.After(3 * time.Second):
		t.Fatal("no identifier request reached the broker")
		return sentRequest{}
	}
}

func waitForState(t *testing.T, a *Acquirer, want State) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if st, _ := a.Snapshot(); st == want {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	st, _ := a.Snapshot()
	t.Fatalf("state = %v, want %v", st, want)
}

// =============================================================================
// HAPPY PATH
// =============================================================================

func TestAcquirer_AcquiresAndPublishes(t *testing.T) {
	// WHAT: Full acquisition: request, valid response, Assigned, wakeup
	// WHY: This is the producer's startup path; everything hangs off it

	c := newFakeConn("broker-1")
	pool := &fakePool{conn: c}
	a := newTestAcquirer(t, pool)
	a.Init()

	req := takeRequest(t, c)
	if req.clientKey != "test-producer" {
		t.Errorf("request carried client key %q", req.clientKey)
	}
	waitForState(t, a, StateAwaitingResponse)

	req.cb(ProducerID{ID: 7, Epoch: 0}, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	id, err := a.WaitAssigned(ctx)
	if err != nil {
		t.Fatalf("WaitAssigned failed: %v", err)
	}
	if id.ID != 7 || id.Epoch != 0 {
		t.Errorf("assigned %v, want PID{7,0}", id)
	}
	if a.NeedsID() {
		t.Error("NeedsID still true after assignment")
	}
	if pool.wakeups.Load() == 0 {
		t.Error("assignment did not broadcast a pool wakeup")
	}
	if got := c.leases.Load(); got != 0 {
		t.Errorf("leaked %d connection leases", got)
	}
}

func TestAcquirer_SingleInFlightRequest(t *testing.T) {
	// WHAT: While one request is outstanding, further triggers are no-ops
	// WHY: Duplicate in-flight requests would race their own responses

	c := newFakeConn("broker-1")
	pool := &fakePool{conn: c}
	a := newTestAcquirer(t, pool)
	a.Init()

	takeRequest(t, c)
	waitForState(t, a, StateAwaitingResponse)

	for i := 0; i < 5; i++ {
		if a.RequestID(nil, "duplicate trigger") {
			t.Fatal("RequestID enqueued a second in-flight request")
		}
	}

	select {
	case <-c.requests:
		t.Fatal("a duplicate request reached the broker")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestAcquirer_PreferredConnection(t *testing.T) {
	// WHAT: A caller-supplied connection bypasses the pool lookup
	// WHY: "Broker came up" triggers already hold the connection in hand

	preferred := newFakeConn("broker-preferred")
	pool := &fakePool{} // empty: the preferred conn is the only route
	a := newTestAcquirer(t, pool)
	a.Init()

	if !a.RequestID(preferred, "broker up") {
		t.Fatal("RequestID with preferred connection was rejected")
	}

	req := takeRequest(t, preferred)
	req.cb(ProducerID{ID: 1, Epoch: 0}, nil)
	waitForState(t, a, StateAssigned)

	if got := preferred.leases.Load(); got != 0 {
		t.Errorf("leaked %d leases on preferred connection", got)
	}
}

// =============================================================================
// RETRY LOOP
// =============================================================================

func TestAcquirer_RetriesAfterRejection(t *testing.T) {
	// WHAT: A rejected request loops back through Requesting and retries
	// WHY: Transient broker errors must not strand the producer

	c := newFakeConn("broker-1")
	pool := &fakePool{conn: c}
	a := newTestAcquirer(t, pool)
	a.Init()

	first := takeRequest(t, c)
	first.cb(NewUnassigned(), status.Error(codes.Unavailable, "allocator not ready"))

	// The failure resets to Requesting, then the retry timer drives a
	// second attempt.
	second := takeRequest(t, c)
	second.cb(ProducerID{ID: 3, Epoch: 2}, nil)

	waitForState(t, a, StateAssigned)
	_, id := a.Snapshot()
	if id.ID != 3 || id.Epoch != 2 {
		t.Errorf("assigned %v, want PID{3,2}", id)
	}
}

func TestAcquirer_RetriesWhenNoBrokerUsable(t *testing.T) {
	// WHAT: With no usable broker, acquisition keeps retrying until one
	// appears
	// WHY: Producers routinely start before their brokers

	pool := &fakePool{}
	a := newTestAcquirer(t, pool)
	a.Init()

	// Let a few no-broker attempts cycle, then plug a broker in.
	time.Sleep(80 * time.Millisecond)
	st, _ := a.Snapshot()
	if st != StateRequesting {
		t.Fatalf("state = %v while no broker usable, want Requesting", st)
	}

	c := newFakeConn("broker-late")
	pool.setConn(c)

	req := takeRequest(t, c)
	req.cb(ProducerID{ID: 11, Epoch: 0}, nil)
	waitForState(t, a, StateAssigned)
}

func TestAcquirer_InvalidIdentifierRetries(t *testing.T) {
	// WHAT: A response carrying an invalid identifier is treated as a
	// failure, not an assignment
	// WHY: Assigned must imply a valid identifier, unconditionally

	c := newFakeConn("broker-1")
	pool := &fakePool{conn: c}
	a := newTestAcquirer(t, pool)
	a.Init()

	first := takeRequest(t, c)
	first.cb(ProducerID{ID: -1, Epoch: -1}, nil)

	st, id := a.Snapshot()
	if st == StateAssigned || id.IsValid() {
		t.Fatalf("invalid identifier was committed: state=%v id=%v", st, id)
	}

	second := takeRequest(t, c)
	second.cb(ProducerID{ID: 5, Epoch: 0}, nil)
	waitForState(t, a, StateAssigned)
}

func TestAcquirer_SendEnqueueFailureRetries(t *testing.T) {
	// WHAT: A synchronous send failure falls back to the retry timer
	// WHY: The connection can go down between lookup and send

	c := newFakeConn("broker-1")
	c.setSendErr(errors.New("connection reset"))
	pool := &fakePool{conn: c}
	a := newTestAcquirer(t, pool)
	a.Init()

	// Attempts fail synchronously; state stays Requesting throughout.
	time.Sleep(80 * time.Millisecond)
	st, _ := a.Snapshot()
	if st != StateRequesting {
		t.Fatalf("state = %v after enqueue failures, want Requesting", st)
	}

	// Heal the connection; the next retry succeeds.
	c.setSendErr(nil)
	req := takeRequest(t, c)
	req.cb(ProducerID{ID: 8, Epoch: 1}, nil)
	waitForState(t, a, StateAssigned)

	if got := c.leases.Load(); got != 0 {
		t.Errorf("leaked %d leases through the failure paths", got)
	}
}

// =============================================================================
// SHUTDOWN
// =============================================================================

func TestAcquirer_ShutdownFailureDiscarded(t *testing.T) {
	// WHAT: A failure classified as "caused by our own shutdown" is
	// dropped without scheduling a retry
	// WHY: Retrying into a terminating producer churns for nothing

	c := newFakeConn("broker-1")
	pool := &fakePool{conn: c}
	a := newTestAcquirer(t, pool)
	a.Init()

	req := takeRequest(t, c)
	req.cb(NewUnassigned(), status.Error(codes.Canceled, "request aborted by shutdown"))

	time.Sleep(50 * time.Millisecond)
	if a.cfg.Wheel.Pending(retryTimerID) {
		t.Error("shutdown-classified failure armed a retry")
	}

	select {
	case <-c.requests:
		t.Error("shutdown-classified failure triggered another request")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestAcquirer_TermIsIdempotentAndAbsorbing(t *testing.T) {
	// WHAT: Term can be called repeatedly; nothing escapes Terminated
	// WHY: Shutdown paths overlap in practice

	c := newFakeConn("broker-1")
	pool := &fakePool{conn: c}
	a := newTestAcquirer(t, pool)
	a.Init()

	takeRequest(t, c)

	a.Term()
	a.Term()

	st, _ := a.Snapshot()
	if st != StateTerminated {
		t.Fatalf("state = %v after Term, want Terminated", st)
	}
	if a.RequestID(nil, "after term") {
		t.Error("RequestID succeeded after termination")
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if _, err := a.WaitAssigned(ctx); !errors.Is(err, ErrTerminated) {
		t.Errorf("WaitAssigned after Term = %v, want ErrTerminated", err)
	}
}

func TestAcquirer_StaleResponseAfterTermDiscarded(t *testing.T) {
	// WHAT: A broker response landing after Term is ignored
	// WHY: The response raced shutdown; committing it would resurrect a
	// dead session

	c := newFakeConn("broker-1")
	pool := &fakePool{conn: c}
	a := newTestAcquirer(t, pool)
	a.Init()

	req := takeRequest(t, c)
	a.Term()

	req.cb(ProducerID{ID: 42, Epoch: 0}, nil)

	time.Sleep(50 * time.Millisecond)
	st, id := a.Snapshot()
	if st != StateTerminated {
		t.Errorf("state = %v, want Terminated", st)
	}
	if id.IsValid() {
		t.Errorf("stale response committed identifier %v", id)
	}
}

func TestAcquirer_WaitAssignedHonorsContext(t *testing.T) {
	// WHAT: WaitAssigned returns when its context is cancelled
	// WHY: Callers bound their own patience

	pool := &fakePool{}
	a := newTestAcquirer(t, pool)
	a.Init()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	if _, err := a.WaitAssigned(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("WaitAssigned = %v, want DeadlineExceeded", err)
	}
}
