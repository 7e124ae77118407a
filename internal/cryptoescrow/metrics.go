package cryptoescrow

import "github.com/prometheus/client_golang/prometheus"

var (
	// IntentsTotal counts intent status changes by type and new status.
	IntentsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "settlement",
			Name:      "crypto_intents_total",
			Help:      "Crypto intent status changes by intent type and status.",
		},
		[]string{"type", "status"},
	)

	// SignerFailures counts escrow submissions that failed.
	SignerFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "settlement",
			Name:      "crypto_signer_failures_total",
			Help:      "Escrow contract submissions that failed, by intent type.",
		},
		[]string{"type"},
	)
)

func init() {
	prometheus.MustRegister(IntentsTotal, SignerFailures)
}
