package delivery

import "github.com/prometheus/client_golang/prometheus"

var (
	// VerificationsTotal counts OTP verification attempts by outcome.
	VerificationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "settlement",
			Name:      "otp_verifications_total",
			Help:      "OTP verification attempts by outcome.",
		},
		[]string{"outcome"},
	)

	// IssuedTotal counts OTPs issued by trigger.
	IssuedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "settlement",
			Name:      "otp_issued_total",
			Help:      "OTPs issued, by trigger.",
		},
		[]string{"trigger"},
	)

	// SendFailures counts codes the OTPSender could not deliver.
	SendFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "settlement",
			Name:      "otp_send_failures_total",
			Help:      "OTPs that could not be handed to the sender.",
		},
	)
)

func init() {
	prometheus.MustRegister(VerificationsTotal, IssuedTotal, SendFailures)
}
