package dispute

import "github.com/prometheus/client_golang/prometheus"

var (
	OpenedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "settlement",
			Name:      "disputes_opened_total",
			Help:      "Disputes opened.",
		},
	)

	ResolutionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "settlement",
			Name:      "dispute_resolutions_total",
			Help:      "Resolved disputes by resolution.",
		},
		[]string{"resolution"},
	)
)

func init() {
	prometheus.MustRegister(OpenedTotal, ResolutionsTotal)
}
