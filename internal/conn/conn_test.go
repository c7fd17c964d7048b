// =============================================================================
// CONNECTION AND POOL TESTS
// =============================================================================
//
// These run against the in-process broker over real HTTP: probing flips
// ready-state, identifier requests round-trip, and error classification
// matches what the retry machinery expects.
//
// =============================================================================

package conn_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/abd-ulbasit/goqueue-producer-go/internal/conn"
	"github.com/abd-ulbasit/goqueue-producer-go/internal/pid"
	"github.com/abd-ulbasit/goqueue-producer-go/internal/testbroker"
)

// startBroker runs an in-process broker and returns its base URL.
func startBroker(t *testing.T) (*testbroker.Server, string) {
	t.Helper()
	broker := testbroker.NewServer(nil, nil)
	addr, err := broker.Listen("127.0.0.1:0")
	if err != nil {
		t.Fatalf("broker listen failed: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = broker.Shutdown(ctx)
	})
	return broker, "http://" + addr
}

// startPool creates a started pool against the given base URL.
func startPool(t *testing.T, baseURL string) *conn.Pool {
	t.Helper()
	pool := conn.NewPool(conn.PoolConfig{
		Addrs:          []string{baseURL},
		RequestTimeout: 2 * time.Second,
		ProbeInterval:  50 * time.Millisecond,
	})
	pool.Start()
	t.Cleanup(pool.Close)
	return pool
}

// waitUsable polls until the pool hands out a connection.
func waitUsable(t *testing.T, pool *conn.Pool) *conn.Conn {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if c := pool.AnyUsable(); c != nil {
			return c
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("pool never became usable")
	return nil
}

func TestPool_ProbesBrokerUp(t *testing.T) {
	// WHAT: A reachable broker flips its connection to Up
	// WHY: AnyUsable depends entirely on the prober's verdict

	_, url := startBroker(t)
	pool := startPool(t, url)

	c := waitUsable(t, pool)
	defer c.Release()

	if c.State() != conn.StateUp {
		t.Errorf("state = %v, want Up", c.State())
	}
	if c.Leases() != 1 {
		t.Errorf("leases = %d, want 1 (the one AnyUsable took)", c.Leases())
	}
}

func TestPool_DownBrokerNotUsable(t *testing.T) {
	// WHAT: A broker answering 503 is withdrawn from AnyUsable
	// WHY: Handing out dead connections turns every send into a timeout

	broker, url := startBroker(t)
	pool := startPool(t, url)

	c := waitUsable(t, pool)
	c.Release()

	broker.SetDown(true)

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		leased := pool.AnyUsable()
		if leased == nil {
			return
		}
		leased.Release()
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("pool still usable after broker went down")
}

func TestConn_SendInitProducerID(t *testing.T) {
	// WHAT: Identifier request round-trips over HTTP
	// WHY: This is the acquisition protocol's transport leg

	_, url := startBroker(t)
	pool := startPool(t, url)

	c := waitUsable(t, pool)
	defer c.Release()

	got := make(chan pid.ProducerID, 1)
	fail := make(chan error, 1)
	err := c.SendInitProducerID("conn-test", func(id pid.ProducerID, err error) {
		if err != nil {
			fail <- err
			return
		}
		got <- id
	})
	if err != nil {
		t.Fatalf("SendInitProducerID returned synchronous error: %v", err)
	}

	select {
	case id := <-got:
		if !id.IsValid() {
			t.Errorf("received invalid identifier %v", id)
		}
		if id.Epoch != 0 {
			t.Errorf("first epoch = %d, want 0", id.Epoch)
		}
	case err := <-fail:
		t.Fatalf("request failed: %v", err)
	case <-time.After(5 * time.Second):
		t.Fatal("callback never ran")
	}
}

func TestConn_SendInitProducerIDNotReady(t *testing.T) {
	// WHAT: Sends on a Down connection fail synchronously, no callback
	// WHY: The caller's retry path depends on exactly-once callbacks

	pool := conn.NewPool(conn.PoolConfig{
		Addrs:          []string{"http://127.0.0.1:1"}, // nothing listens here
		RequestTimeout: time.Second,
		ProbeInterval:  time.Hour, // never probed Up
	})
	t.Cleanup(pool.Close)

	conns := pool.Conns()
	if len(conns) != 1 {
		t.Fatalf("expected 1 conn, got %d", len(conns))
	}

	err := conns[0].SendInitProducerID("key", func(pid.ProducerID, error) {
		t.Error("callback ran despite synchronous failure")
	})
	if !errors.Is(err, conn.ErrConnNotReady) {
		t.Errorf("err = %v, want ErrConnNotReady", err)
	}
	time.Sleep(50 * time.Millisecond)
}

func TestBrokerRejectionMapsRetryable(t *testing.T) {
	// WHAT: An injected broker rejection surfaces as a retryable error
	// WHY: The acquirer's retry-vs-abort decision keys off classification

	broker, url := startBroker(t)
	broker.FailInitNext(1)
	pool := startPool(t, url)

	c := waitUsable(t, pool)
	defer c.Release()

	fail := make(chan error, 1)
	err := c.SendInitProducerID("key", func(_ pid.ProducerID, err error) {
		fail <- err
	})
	if err != nil {
		t.Fatalf("synchronous error: %v", err)
	}

	select {
	case cbErr := <-fail:
		if cbErr == nil {
			t.Fatal("injected rejection produced no error")
		}
		if !conn.IsRetryable(cbErr) {
			t.Errorf("rejection %v classified non-retryable", cbErr)
		}
		if conn.IsShutdown(cbErr) {
			t.Errorf("rejection %v classified as shutdown", cbErr)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("callback never ran")
	}
}

func TestErrorClassification(t *testing.T) {
	// WHAT: The classification table for status codes
	// WHY: A miscategorized code either spins forever or gives up on a
	// recoverable broker

	retryable := []codes.Code{
		codes.Unavailable, codes.DeadlineExceeded, codes.Internal,
		codes.ResourceExhausted, codes.OutOfRange, codes.Unknown,
	}
	for _, code := range retryable {
		if !conn.IsRetryable(status.Error(code, "x")) {
			t.Errorf("%v should be retryable", code)
		}
	}

	fatal := []codes.Code{
		codes.Canceled, codes.InvalidArgument, codes.FailedPrecondition,
		codes.PermissionDenied, codes.Unimplemented, codes.Unauthenticated,
	}
	for _, code := range fatal {
		if conn.IsRetryable(status.Error(code, "x")) {
			t.Errorf("%v should not be retryable", code)
		}
	}

	if !conn.IsShutdown(status.Error(codes.Canceled, "x")) {
		t.Error("Canceled should classify as shutdown")
	}
	if !conn.IsFencedError(status.Error(codes.FailedPrecondition, "x")) {
		t.Error("FailedPrecondition should classify as fenced")
	}
	if conn.IsRetryable(nil) {
		t.Error("nil error should not be retryable")
	}
}

func TestConn_WakeCoalesces(t *testing.T) {
	// WHAT: Repeated wakeups collapse into one pending signal
	// WHY: The broadcaster must never block on a slow writer

	_, url := startBroker(t)
	pool := startPool(t, url)
	waitUsable(t, pool).Release()

	for i := 0; i < 5; i++ {
		pool.WakeupAll()
	}

	c := pool.Conns()[0]
	select {
	case <-c.Wake():
	case <-time.After(time.Second):
		t.Fatal("no wakeup pending after WakeupAll")
	}

	select {
	case <-c.Wake():
		t.Error("wakeups did not coalesce: second signal pending")
	case <-time.After(50 * time.Millisecond):
	}
}
