package metrics_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dog-best/meta-sub000/internal/delivery"
	"github.com/dog-best/meta-sub000/internal/domain"
	"github.com/dog-best/meta-sub000/internal/metrics"
	"github.com/dog-best/meta-sub000/internal/orders"
	"github.com/dog-best/meta-sub000/internal/testutil/fixture"
)

// A physical handoff with one wrong code and one stale write shows up in
// the settlement counters served from /metrics.
func TestSettlementMetrics(t *testing.T) {
	ctx := context.Background()
	env := fixture.New(t)
	svc := delivery.NewService(env.Machine, delivery.Config{ExposeOTP: true}, delivery.NopSender{}, nil)

	delivered := orders.TransitionsTotal.WithLabelValues("OUT_FOR_DELIVERY", "DELIVERED")
	conflicts := orders.RejectionsTotal.WithLabelValues("stale_write", "VersionConflict")
	mismatches := delivery.VerificationsTotal.WithLabelValues("mismatch")
	verified := delivery.VerificationsTotal.WithLabelValues("verified")
	base := []float64{
		testutil.ToFloat64(delivered), testutil.ToFloat64(conflicts),
		testutil.ToFloat64(mismatches), testutil.ToFloat64(verified),
	}

	o := env.Order(t, domain.KindPhysical, domain.CurrencyNGN, "5000.00")
	env.Drive(t, o.ID, domain.PartyBuyer, domain.StatusInEscrow)
	_, err := svc.MarkOutForDelivery(ctx, fixture.Seller, o.ID, 1)
	require.NoError(t, err)
	issued, err := svc.GenerateOTP(ctx, fixture.Buyer, o.ID)
	require.NoError(t, err)

	wrong := "000000"
	if issued.OTP == wrong {
		wrong = "111111"
	}
	_, err = svc.VerifyOTP(ctx, fixture.Seller, o.ID, wrong)
	require.ErrorIs(t, err, domain.ErrInvalidOtp)
	_, err = svc.VerifyOTP(ctx, fixture.Seller, o.ID, issued.OTP)
	require.NoError(t, err)

	err = env.Machine.Run(ctx, "stale_write", func(u *orders.Unit) error {
		cur, err := env.Machine.Load(ctx, u, o.ID)
		if err != nil {
			return err
		}
		return env.Machine.Apply(ctx, u, cur, orders.Step{Expected: 1, To: domain.StatusReleased, Party: domain.PartyBuyer})
	})
	require.ErrorIs(t, err, domain.ErrVersionConflict)

	assert.Equal(t, base[0]+1, testutil.ToFloat64(delivered))
	assert.Equal(t, base[1]+1, testutil.ToFloat64(conflicts))
	assert.Equal(t, base[2]+1, testutil.ToFloat64(mismatches))
	assert.Equal(t, base[3]+1, testutil.ToFloat64(verified))

	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/metrics", metrics.Handler())
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, w.Code)

	body := w.Body.String()
	assert.True(t, hasSample(body, "settlement_order_transitions_total", `from="OUT_FOR_DELIVERY"`, `to="DELIVERED"`))
	assert.True(t, hasSample(body, "settlement_order_rejections_total", `code="VersionConflict"`, `op="stale_write"`))
	assert.True(t, hasSample(body, "settlement_otp_verifications_total", `outcome="mismatch"`))
	assert.True(t, hasSample(body, "settlement_otp_issued_total", `trigger="buyer_request"`))
	assert.True(t, hasSample(body, "settlement_operation_duration_seconds_count", `op="otp_verify"`))
}

func hasSample(body, name string, labels ...string) bool {
	for _, line := range strings.Split(body, "\n") {
		if !strings.HasPrefix(line, name+"{") {
			continue
		}
		ok := true
		for _, l := range labels {
			if !strings.Contains(line, l) {
				ok = false
				break
			}
		}
		if ok {
			return true
		}
	}
	return false
}
