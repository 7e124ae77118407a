package orders

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	// TransitionsTotal counts accepted transitions by edge.
	TransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "settlement",
			Name:      "order_transitions_total",
			Help:      "Accepted order transitions by from/to status.",
		},
		[]string{"from", "to"},
	)

	// RejectionsTotal counts settlement operations rejected by reason code.
	RejectionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "settlement",
			Name:      "order_rejections_total",
			Help:      "Rejected settlement operations by operation and error code.",
		},
		[]string{"op", "code"},
	)

	// OpDuration observes atomic unit latency by operation.
	OpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "settlement",
			Name:      "operation_duration_seconds",
			Help:      "Settlement operation duration in seconds.",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
		},
		[]string{"op"},
	)

	// EventPublishFailures counts post-commit event publish failures.
	EventPublishFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "settlement",
			Name:      "event_publish_failures_total",
			Help:      "Order events that could not be published after commit.",
		},
	)
)

func init() {
	prometheus.MustRegister(
		TransitionsTotal,
		RejectionsTotal,
		OpDuration,
		EventPublishFailures,
	)
}

// observeOp returns a function that records the operation's duration.
func observeOp(op string) func() {
	start := time.Now()
	return func() {
		OpDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
	}
}
