package ledger

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/dog-best/meta-sub000/internal/domain"
)

var (
	// MovementsTotal counts committed wallet movements by type.
	MovementsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "settlement",
			Name:      "ledger_movements_total",
			Help:      "Committed NGN wallet movements by type.",
		},
		[]string{"type"},
	)

	// MovedNaira sums the naira moved by type. Approximate (float64);
	// the ledger itself is exact.
	MovedNaira = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "settlement",
			Name:      "ledger_moved_naira_total",
			Help:      "Naira moved by committed wallet movements, by type.",
		},
		[]string{"type"},
	)
)

func init() {
	prometheus.MustRegister(MovementsTotal, MovedNaira)
}

// ObserveMovement records a committed movement. Call only after commit.
func ObserveMovement(t domain.WalletTxType, amount string) {
	MovementsTotal.WithLabelValues(string(t)).Inc()
	if v, err := strconv.ParseFloat(amount, 64); err == nil && v > 0 {
		MovedNaira.WithLabelValues(string(t)).Add(v)
	}
}
