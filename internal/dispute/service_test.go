package dispute

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dog-best/meta-sub000/internal/domain"
	"github.com/dog-best/meta-sub000/internal/ledger"
	"github.com/dog-best/meta-sub000/internal/store"
	"github.com/dog-best/meta-sub000/internal/testutil/fixture"
)

type noopMappings struct{}

func (noopMappings) CreateMapping(context.Context, store.Tx, *domain.Order, *domain.Listing, string) error {
	return nil
}

func newDisputes(t *testing.T) (*fixture.Env, *ledger.Service, *Service) {
	t.Helper()
	env := fixture.New(t)
	l := ledger.NewService(env.Machine, ledger.DefaultFeeBps)
	return env, l, NewService(env.Machine, l, nil)
}

// escrowed returns a funded ₦5,000 order locked in escrow (version 1).
func escrowed(t *testing.T, env *fixture.Env, l *ledger.Service, kind domain.DeliveryKind) *domain.Order {
	t.Helper()
	env.Fund(t, fixture.Buyer, "5000.00")
	o := env.Order(t, kind, domain.CurrencyNGN, "5000.00")
	res, err := l.Lock(context.Background(), fixture.Buyer, o.ID, 0)
	require.NoError(t, err)
	return res.Order
}

func TestOpen(t *testing.T) {
	ctx := context.Background()
	env, l, svc := newDisputes(t)
	o := escrowed(t, env, l, domain.KindPhysical)

	res, err := svc.Open(ctx, fixture.Buyer, o.ID, 1, "parcel never arrived")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusDisputed, res.Order.Status)
	assert.Equal(t, int64(2), res.Order.Version)
	assert.NotNil(t, res.Order.DisputedAt)
	assert.Equal(t, domain.DisputeOpen, res.Dispute.Status)
	assert.Equal(t, fixture.Buyer, res.Dispute.OpenedBy)
	assert.Contains(t, res.Dispute.ID, "dsp_")

	stored, err := env.Store.GetDispute(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, res.Dispute.ID, stored.ID)

	entries, err := env.Store.QueryAudit(ctx, domain.AuditFilter{Action: "dispute.open"})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, res.Dispute.ID, entries[0].EntityID)
}

func TestOpen_BySellerAfterDelivery(t *testing.T) {
	env, l, svc := newDisputes(t)
	o := escrowed(t, env, l, domain.KindInPerson)
	env.Drive(t, o.ID, domain.PartySeller, domain.StatusDelivered)

	res, err := svc.Open(context.Background(), fixture.Seller, o.ID, 2, "buyer refuses to release")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusDisputed, res.Order.Status)
	assert.Equal(t, int64(3), res.Order.Version)
}

func TestOpen_Rejections(t *testing.T) {
	ctx := context.Background()
	env, l, svc := newDisputes(t)
	o := escrowed(t, env, l, domain.KindPhysical)

	_, err := svc.Open(ctx, "stranger", o.ID, 1, "spam")
	assert.ErrorIs(t, err, domain.ErrNotParty)

	_, err = svc.Open(ctx, fixture.Buyer, o.ID, 1, "   ")
	assert.ErrorIs(t, err, domain.ErrInvalidInput)

	_, err = svc.Open(ctx, fixture.Buyer, o.ID, 0, "late")
	assert.ErrorIs(t, err, domain.ErrVersionConflict)

	created := env.Order(t, domain.KindPhysical, domain.CurrencyNGN, "100.00")
	_, err = svc.Open(ctx, fixture.Buyer, created.ID, 0, "changed my mind")
	assert.ErrorIs(t, err, domain.ErrWrongStatus)

	_, err = env.Store.GetDispute(ctx, o.ID)
	assert.ErrorIs(t, err, domain.ErrNoDispute)
	assert.Equal(t, int64(1), env.Reload(t, o.ID).Version)
}

func TestOpen_OnePerOrder(t *testing.T) {
	ctx := context.Background()
	env, l, svc := newDisputes(t)
	o := escrowed(t, env, l, domain.KindPhysical)

	_, err := svc.Open(ctx, fixture.Buyer, o.ID, 1, "damaged")
	require.NoError(t, err)

	_, err = svc.Open(ctx, fixture.Seller, o.ID, 2, "counter claim")
	assert.ErrorIs(t, err, domain.ErrWrongStatus)

	// An admin moves the order back to DELIVERED without resolving; the
	// existing dispute still blocks a second one.
	env.Drive(t, o.ID, domain.PartyAdmin, domain.StatusDelivered)
	_, err = svc.Open(ctx, fixture.Seller, o.ID, 3, "counter claim")
	assert.ErrorIs(t, err, domain.ErrAlreadyDisputed)
	assert.Equal(t, domain.StatusDelivered, env.Reload(t, o.ID).Status)
}

func TestResolve_ReleaseForcesDelivered(t *testing.T) {
	ctx := context.Background()
	env, l, svc := newDisputes(t)
	o := escrowed(t, env, l, domain.KindPhysical)
	_, err := svc.Open(ctx, fixture.Buyer, o.ID, 1, "says it was not delivered")
	require.NoError(t, err)

	res, err := svc.Resolve(ctx, o.ID, domain.DecisionRelease, "courier proof of delivery checked")
	require.NoError(t, err)

	assert.Equal(t, domain.StatusReleased, res.Order.Status)
	assert.Equal(t, int64(4), res.Order.Version, "forced DELIVERED and RELEASED each bump the version")
	assert.NotNil(t, res.Order.DeliveredAt)
	assert.Equal(t, domain.DisputeResolved, res.Dispute.Status)
	assert.Equal(t, domain.ResolutionReleaseToSeller, res.Dispute.Resolution)
	assert.Equal(t, "courier proof of delivery checked", res.Dispute.AdminNote)
	assert.NotNil(t, res.Dispute.ResolvedAt)

	assert.Equal(t, "4900.00", env.Balance(t, fixture.Seller))
	assert.Equal(t, "0.00", env.Balance(t, fixture.Buyer))

	forced, err := env.Store.QueryAudit(ctx, domain.AuditFilter{Action: "dispute.force_delivered", EntityID: o.ID})
	require.NoError(t, err)
	assert.Len(t, forced, 1)

	rec, err := l.Reconcile(ctx, o.ID)
	require.NoError(t, err)
	assert.True(t, rec.Balanced)
}

func TestResolve_ReleaseFromDelivered(t *testing.T) {
	ctx := context.Background()
	env, l, svc := newDisputes(t)
	o := escrowed(t, env, l, domain.KindInPerson)
	env.Drive(t, o.ID, domain.PartySeller, domain.StatusDelivered)
	_, err := svc.Open(ctx, fixture.Seller, o.ID, 2, "no release")
	require.NoError(t, err)
	env.Drive(t, o.ID, domain.PartyAdmin, domain.StatusDelivered)

	res, err := svc.Resolve(ctx, o.ID, domain.DecisionRelease, "")
	require.NoError(t, err)
	assert.Equal(t, int64(5), res.Order.Version)

	forced, err := env.Store.QueryAudit(ctx, domain.AuditFilter{Action: "dispute.force_delivered", EntityID: o.ID})
	require.NoError(t, err)
	assert.Empty(t, forced)
}

func TestResolve_Refund(t *testing.T) {
	ctx := context.Background()
	env, l, svc := newDisputes(t)
	o := escrowed(t, env, l, domain.KindDigital)
	_, err := svc.Open(ctx, fixture.Buyer, o.ID, 1, "files never uploaded")
	require.NoError(t, err)

	res, err := svc.Resolve(ctx, o.ID, domain.DecisionRefund, "seller unresponsive")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusRefunded, res.Order.Status)
	assert.Equal(t, int64(3), res.Order.Version)
	assert.Equal(t, domain.ResolutionRefundToBuyer, res.Dispute.Resolution)

	assert.Equal(t, "5000.00", env.Balance(t, fixture.Buyer))
	assert.Equal(t, "0.00", env.Balance(t, fixture.Seller))

	_, err = svc.Resolve(ctx, o.ID, domain.DecisionRelease, "second thoughts")
	assert.ErrorIs(t, err, domain.ErrDisputeResolved)
	assert.Equal(t, "5000.00", env.Balance(t, fixture.Buyer))
}

func TestResolve_Rejections(t *testing.T) {
	ctx := context.Background()
	env, l, svc := newDisputes(t)
	o := escrowed(t, env, l, domain.KindPhysical)

	_, err := svc.Resolve(ctx, o.ID, domain.DecisionRefund, "")
	assert.ErrorIs(t, err, domain.ErrNoDispute)

	_, err = svc.Resolve(ctx, o.ID, "SPLIT", "")
	assert.ErrorIs(t, err, domain.ErrInvalidInput)

	_, err = svc.Resolve(ctx, "ord_missing", domain.DecisionRefund, "")
	assert.ErrorIs(t, err, domain.ErrOrderNotFound)
}

func TestResolve_USDCIsWrongCurrency(t *testing.T) {
	ctx := context.Background()
	env, _, svc := newDisputes(t)
	env.Orders.WithMappingFactory(noopMappings{})

	o := env.Order(t, domain.KindInPerson, domain.CurrencyUSDC, "25.00")
	env.Drive(t, o.ID, domain.PartySystem, domain.StatusInEscrow)
	_, err := svc.Open(ctx, fixture.Buyer, o.ID, 1, "no show")
	require.NoError(t, err)

	_, err = svc.Resolve(ctx, o.ID, domain.DecisionRefund, "")
	assert.ErrorIs(t, err, domain.ErrWrongCurrency)
	assert.Equal(t, domain.StatusDisputed, env.Reload(t, o.ID).Status)
}

func TestResolve_FailureRollsBackForcedDelivery(t *testing.T) {
	ctx := context.Background()
	env, _, svc := newDisputes(t)

	// Escrow reached without a ledger lock, so the release has nothing to pay out.
	o := env.Order(t, domain.KindPhysical, domain.CurrencyNGN, "100.00")
	env.Drive(t, o.ID, domain.PartyBuyer, domain.StatusInEscrow)
	_, err := svc.Open(ctx, fixture.Buyer, o.ID, 1, "stuck")
	require.NoError(t, err)

	_, err = svc.Resolve(ctx, o.ID, domain.DecisionRelease, "")
	assert.ErrorIs(t, err, domain.ErrLedgerEntryNotFound)

	cur := env.Reload(t, o.ID)
	assert.Equal(t, domain.StatusDisputed, cur.Status)
	assert.Equal(t, int64(2), cur.Version)
	assert.Nil(t, cur.DeliveredAt)

	d, err := env.Store.GetDispute(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.DisputeOpen, d.Status)
}

func TestAdminRefund_ClosesOpenDispute(t *testing.T) {
	ctx := context.Background()
	env, l, svc := newDisputes(t)
	o := escrowed(t, env, l, domain.KindPhysical)
	opened, err := svc.Open(ctx, fixture.Buyer, o.ID, 1, "wrong item")
	require.NoError(t, err)

	refunded, err := l.Refund(ctx, o.ID, 2, domain.PartyAdmin, "refunded outside dispute review")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusRefunded, refunded.Status)

	d, err := env.Store.GetDispute(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.DisputeResolved, d.Status)
	assert.Equal(t, domain.ResolutionRefundToBuyer, d.Resolution)
	assert.Equal(t, "refunded outside dispute review", d.AdminNote)
	assert.NotNil(t, d.ResolvedAt)

	entries, err := env.Store.QueryAudit(ctx, domain.AuditFilter{Action: "dispute.resolve", EntityID: opened.Dispute.ID})
	require.NoError(t, err)
	assert.Len(t, entries, 1)

	_, err = svc.Resolve(ctx, o.ID, domain.DecisionRelease, "")
	assert.ErrorIs(t, err, domain.ErrDisputeResolved)
	assert.Equal(t, "5000.00", env.Balance(t, fixture.Buyer))
}

func TestBuyerRelease_ClosesDisputeAfterAdminDelivered(t *testing.T) {
	ctx := context.Background()
	env, l, svc := newDisputes(t)
	o := escrowed(t, env, l, domain.KindPhysical)
	_, err := svc.Open(ctx, fixture.Seller, o.ID, 1, "buyer unreachable")
	require.NoError(t, err)
	env.Drive(t, o.ID, domain.PartyAdmin, domain.StatusDelivered)

	released, err := l.Release(ctx, fixture.Buyer, o.ID, 3)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusReleased, released.Status)

	d, err := env.Store.GetDispute(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.DisputeResolved, d.Status)
	assert.Equal(t, domain.ResolutionReleaseToSeller, d.Resolution)
}

func TestResolve_RecordsSingleResolution(t *testing.T) {
	ctx := context.Background()
	env, l, svc := newDisputes(t)
	o := escrowed(t, env, l, domain.KindPhysical)
	opened, err := svc.Open(ctx, fixture.Buyer, o.ID, 1, "damaged")
	require.NoError(t, err)

	_, err = svc.Resolve(ctx, o.ID, domain.DecisionRefund, "photos confirm damage")
	require.NoError(t, err)

	entries, err := env.Store.QueryAudit(ctx, domain.AuditFilter{Action: "dispute.resolve", EntityID: opened.Dispute.ID})
	require.NoError(t, err)
	require.Len(t, entries, 1)

	d, err := env.Store.GetDispute(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, "photos confirm damage", d.AdminNote)
}

func TestResolve_ConcurrentSingleResolution(t *testing.T) {
	ctx := context.Background()
	env, l, svc := newDisputes(t)
	o := escrowed(t, env, l, domain.KindPhysical)
	_, err := svc.Open(ctx, fixture.Buyer, o.ID, 1, "disputed")
	require.NoError(t, err)

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)
	for _, d := range []domain.Decision{domain.DecisionRelease, domain.DecisionRefund, domain.DecisionRelease, domain.DecisionRefund} {
		wg.Add(1)
		go func(d domain.Decision) {
			defer wg.Done()
			_, err := svc.Resolve(ctx, o.ID, d, "")
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				wins++
				return
			}
			assert.ErrorIs(t, err, domain.ErrDisputeResolved)
		}(d)
	}
	wg.Wait()
	assert.Equal(t, 1, wins)

	rec, err := l.Reconcile(ctx, o.ID)
	require.NoError(t, err)
	assert.True(t, rec.Balanced)
}

func TestMarkUnderReview(t *testing.T) {
	ctx := context.Background()
	env, l, svc := newDisputes(t)
	o := escrowed(t, env, l, domain.KindPhysical)

	_, err := svc.MarkUnderReview(ctx, o.ID, "")
	assert.ErrorIs(t, err, domain.ErrNoDispute)

	_, err = svc.Open(ctx, fixture.Buyer, o.ID, 1, "damaged")
	require.NoError(t, err)

	d, err := svc.MarkUnderReview(ctx, o.ID, "asked both parties for photos")
	require.NoError(t, err)
	assert.Equal(t, domain.DisputeUnderReview, d.Status)
	assert.Equal(t, int64(2), env.Reload(t, o.ID).Version, "review does not touch the order")

	_, err = svc.MarkUnderReview(ctx, o.ID, "")
	assert.ErrorIs(t, err, domain.ErrWrongStatus)

	_, err = svc.Resolve(ctx, o.ID, domain.DecisionRefund, "photos show damage")
	require.NoError(t, err)
	_, err = svc.MarkUnderReview(ctx, o.ID, "")
	assert.ErrorIs(t, err, domain.ErrDisputeResolved)
}

func TestGet(t *testing.T) {
	ctx := context.Background()
	env, l, svc := newDisputes(t)
	o := escrowed(t, env, l, domain.KindPhysical)

	_, err := svc.Get(ctx, fixture.Buyer, o.ID, false)
	assert.ErrorIs(t, err, domain.ErrNoDispute)

	_, err = svc.Open(ctx, fixture.Buyer, o.ID, 1, "damaged")
	require.NoError(t, err)

	for _, who := range []string{fixture.Buyer, fixture.Seller} {
		d, err := svc.Get(ctx, who, o.ID, false)
		require.NoError(t, err)
		assert.Equal(t, "damaged", d.Reason)
	}
	_, err = svc.Get(ctx, "stranger", o.ID, false)
	assert.ErrorIs(t, err, domain.ErrNotParty)
	_, err = svc.Get(ctx, "", o.ID, true)
	assert.NoError(t, err)
}
