// =============================================================================
// PRODUCER METRICS - IDENTIFIER ACQUISITION INSTRUMENTATION
// =============================================================================
//
// WHAT DO THESE METRICS ANSWER?
//
//   "Is the producer able to get an identifier?"
//     -> pid_requests_total{outcome} and pid_assigned_total rates
//
//   "How long does a producer sit unassigned after startup or a reset?"
//     -> pid_acquisition_duration_seconds histogram
//
//   "Is the retry loop spinning?"
//     -> pid_retries_total rate; a sustained rate with zero assignments
//        means no broker is reachable or the broker keeps rejecting us.
//
// METRIC NAMING:
// All metrics follow goqueue_producer_{name}_{unit}: goqueue namespace,
// producer subsystem, matching the broker's metric naming scheme so both
// sides land next to each other in dashboards.
//
// =============================================================================

package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// ProducerMetrics contains all producer-side metrics.
type ProducerMetrics struct {
	// PIDRequests counts identifier request attempts.
	// Labels: outcome (enqueued, no_broker, enqueue_failed, rejected)
	//
	// PROMQL:
	//   # Attempts per second by outcome
	//   rate(goqueue_producer_pid_requests_total[5m])
	PIDRequests *prometheus.CounterVec

	// PIDRetries counts retry timer arms. A sustained rate with no
	// assignments indicates the producer cannot reach any broker.
	PIDRetries prometheus.Counter

	// PIDAssigned counts successful identifier assignments. More than one
	// per process means the identifier was replaced after a reset.
	PIDAssigned prometheus.Counter

	// PIDInvalid counts responses that carried an unusable identifier.
	PIDInvalid prometheus.Counter

	// IdempState reports the current lifecycle state as a numeric gauge
	// (0=Requesting 1=AwaitingResponse 2=Assigned 3=Terminated).
	IdempState prometheus.Gauge

	// AcquisitionDuration measures the time from entering Requesting to
	// reaching Assigned.
	//
	// PROMQL:
	//   histogram_quantile(0.99,
	//     rate(goqueue_producer_pid_acquisition_duration_seconds_bucket[5m]))
	AcquisitionDuration prometheus.Histogram

	// MessagesSent counts idempotent messages successfully published.
	// Labels: topic
	MessagesSent *prometheus.CounterVec

	// SendFailures counts publishes that failed after the send path gave
	// up. Labels: topic
	SendFailures *prometheus.CounterVec
}

// NewProducerMetrics creates and registers all producer metrics on the
// given registerer. Pass a fresh registry in tests to avoid duplicate
// registration panics.
func NewProducerMetrics(reg prometheus.Registerer) *ProducerMetrics {
	m := &ProducerMetrics{
		PIDRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "goqueue",
			Subsystem: "producer",
			Name:      "pid_requests_total",
			Help:      "Identifier request attempts by outcome.",
		}, []string{"outcome"}),

		PIDRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "goqueue",
			Subsystem: "producer",
			Name:      "pid_retries_total",
			Help:      "Deferred identifier re-attempts scheduled.",
		}),

		PIDAssigned: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "goqueue",
			Subsystem: "producer",
			Name:      "pid_assigned_total",
			Help:      "Successful identifier assignments.",
		}),

		PIDInvalid: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "goqueue",
			Subsystem: "producer",
			Name:      "pid_invalid_total",
			Help:      "Responses carrying an unusable identifier.",
		}),

		IdempState: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "goqueue",
			Subsystem: "producer",
			Name:      "pid_state",
			Help:      "Current identifier lifecycle state (0=Requesting 1=AwaitingResponse 2=Assigned 3=Terminated).",
		}),

		AcquisitionDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "goqueue",
			Subsystem: "producer",
			Name:      "pid_acquisition_duration_seconds",
			Help:      "Time from wanting an identifier to holding one.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12), // 10ms .. ~40s
		}),

		MessagesSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "goqueue",
			Subsystem: "producer",
			Name:      "messages_sent_total",
			Help:      "Idempotent messages successfully published.",
		}, []string{"topic"}),

		SendFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "goqueue",
			Subsystem: "producer",
			Name:      "send_failures_total",
			Help:      "Publishes that ultimately failed.",
		}, []string{"topic"}),
	}

	if reg != nil {
		reg.MustRegister(
			m.PIDRequests,
			m.PIDRetries,
			m.PIDAssigned,
			m.PIDInvalid,
			m.IdempState,
			m.AcquisitionDuration,
			m.MessagesSent,
			m.SendFailures,
		)
	}

	return m
}
