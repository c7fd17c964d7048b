package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNewProducerMetrics_RegistersAndCounts(t *testing.T) {
	// WHAT: All instruments register cleanly and record values
	// WHY: A duplicate-registration panic would take the producer down
	// at startup

	reg := prometheus.NewRegistry()
	m := NewProducerMetrics(reg)

	m.PIDRequests.WithLabelValues("enqueued").Inc()
	m.PIDRetries.Inc()
	m.PIDAssigned.Inc()
	m.IdempState.Set(2)
	m.AcquisitionDuration.Observe(0.42)
	m.MessagesSent.WithLabelValues("orders").Add(3)

	if got := testutil.ToFloat64(m.PIDRequests.WithLabelValues("enqueued")); got != 1 {
		t.Errorf("pid_requests_total{outcome=enqueued} = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.IdempState); got != 2 {
		t.Errorf("pid_state = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.MessagesSent.WithLabelValues("orders")); got != 3 {
		t.Errorf("messages_sent_total{topic=orders} = %v, want 3", got)
	}

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather failed: %v", err)
	}
	if len(families) == 0 {
		t.Fatal("no metric families registered")
	}
	for _, mf := range families {
		name := mf.GetName()
		if len(name) < len("goqueue_producer_") || name[:len("goqueue_producer_")] != "goqueue_producer_" {
			t.Errorf("metric %q outside the goqueue_producer namespace", name)
		}
	}
}

func TestNewProducerMetrics_NilRegisterer(t *testing.T) {
	// WHAT: A nil registerer yields working, unregistered instruments
	// WHY: Library users without Prometheus still get a functional
	// producer

	m := NewProducerMetrics(nil)
	m.PIDRetries.Inc()
	if got := testutil.ToFloat64(m.PIDRetries); got != 1 {
		t.Errorf("pid_retries_total = %v, want 1", got)
	}
}
