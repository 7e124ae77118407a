package ledger

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dog-best/meta-sub000/internal/domain"
	"github.com/dog-best/meta-sub000/internal/orders"
	"github.com/dog-best/meta-sub000/internal/store"
	"github.com/dog-best/meta-sub000/internal/testutil/fixture"
)

type noopMappings struct{}

func (noopMappings) CreateMapping(context.Context, store.Tx, *domain.Order, *domain.Listing, string) error {
	return nil
}

func newLedger(t *testing.T) (*fixture.Env, *Service) {
	t.Helper()
	env := fixture.New(t)
	return env, NewService(env.Machine, DefaultFeeBps)
}

func TestFee(t *testing.T) {
	_, svc := newLedger(t)

	tests := []struct {
		amount string
		want   string
	}{
		{"5000.00", "100.00"},
		{"99.99", "1.99"}, // floor, not round
		{"0.49", "0.00"},
		{"1", "0.02"},
	}
	for _, tt := range tests {
		got, err := svc.Fee(tt.amount)
		require.NoError(t, err)
		assert.Equal(t, tt.want, got, tt.amount)
	}

	_, err := svc.Fee("abc")
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
}

func TestHappyPath_FiveThousandNaira(t *testing.T) {
	env, svc := newLedger(t)
	ctx := context.Background()
	env.Fund(t, fixture.Buyer, "8000.00")
	o := env.Order(t, domain.KindPhysical, domain.CurrencyNGN, "5000.00")

	res, err := svc.Lock(ctx, fixture.Buyer, o.ID, 0)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusInEscrow, res.Order.Status)
	assert.Equal(t, int64(1), res.Order.Version)
	assert.Equal(t, "5000.00", res.Entry.AmountLocked)
	assert.Equal(t, "100.00", res.Entry.FeeAmount)
	assert.Equal(t, "5000.00", res.Entry.TotalDebit)
	assert.Equal(t, "3000.00", env.Balance(t, fixture.Buyer))

	cur := env.Drive(t, o.ID, domain.PartySeller, domain.StatusOutForDelivery, domain.StatusDelivered)
	assert.Equal(t, int64(3), cur.Version)

	released, err := svc.Release(ctx, fixture.Buyer, o.ID, 3)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusReleased, released.Status)
	assert.Equal(t, int64(4), released.Version)
	require.NotNil(t, released.ReleasedAt)

	assert.Equal(t, "4900.00", env.Balance(t, fixture.Seller))
	assert.Equal(t, "3000.00", env.Balance(t, fixture.Buyer))

	rec, err := svc.Reconcile(ctx, o.ID)
	require.NoError(t, err)
	assert.True(t, rec.Balanced)
	assert.Equal(t, "5000.00", rec.BuyerDebited)
	assert.Equal(t, "4900.00", rec.SellerCredited)
	assert.Equal(t, "0.00", rec.BuyerRefunded)

	for _, action := range []string{"wallet.lock", "wallet.release"} {
		entries, err := env.Store.QueryAudit(ctx, domain.AuditFilter{EntityID: o.ID, Action: action})
		require.NoError(t, err)
		assert.Len(t, entries, 1, action)
	}
}

func TestLock_InsufficientFundsLeavesNothing(t *testing.T) {
	env, svc := newLedger(t)
	ctx := context.Background()
	env.Fund(t, fixture.Buyer, "4999.99")
	o := env.Order(t, domain.KindPhysical, domain.CurrencyNGN, "5000.00")

	_, err := svc.Lock(ctx, fixture.Buyer, o.ID, 0)
	assert.ErrorIs(t, err, domain.ErrInsufficientFunds)

	assert.Equal(t, "4999.99", env.Balance(t, fixture.Buyer))
	cur := env.Reload(t, o.ID)
	assert.Equal(t, domain.StatusCreated, cur.Status)
	assert.Equal(t, int64(0), cur.Version)
	_, err = env.Store.GetLedgerEntry(ctx, o.ID)
	assert.ErrorIs(t, err, domain.ErrLedgerEntryNotFound)
}

func TestLock_Rejections(t *testing.T) {
	env, svc := newLedger(t)
	ctx := context.Background()
	env.Fund(t, fixture.Buyer, "10000.00")
	o := env.Order(t, domain.KindDigital, domain.CurrencyNGN, "1000.00")

	_, err := svc.Lock(ctx, fixture.Seller, o.ID, 0)
	assert.ErrorIs(t, err, domain.ErrNotBuyer)

	_, err = svc.Lock(ctx, fixture.Buyer, o.ID, 7)
	assert.ErrorIs(t, err, domain.ErrVersionConflict)

	_, err = svc.Lock(ctx, fixture.Buyer, "ord_missing", 0)
	assert.ErrorIs(t, err, domain.ErrOrderNotFound)

	_, err = svc.Lock(ctx, fixture.Buyer, o.ID, 0)
	require.NoError(t, err)

	// re-locking never double-charges
	_, err = svc.Lock(ctx, fixture.Buyer, o.ID, 1)
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)
	_, err = svc.Lock(ctx, fixture.Buyer, o.ID, 0)
	assert.ErrorIs(t, err, domain.ErrVersionConflict)
	assert.Equal(t, "9000.00", env.Balance(t, fixture.Buyer))
}

func TestLock_WrongCurrency(t *testing.T) {
	env, svc := newLedger(t)
	ctx := context.Background()
	env.Orders.WithMappingFactory(noopMappings{})
	o := env.Order(t, domain.KindDigital, domain.CurrencyUSDC, "25")

	_, err := svc.Lock(ctx, fixture.Buyer, o.ID, 0)
	assert.ErrorIs(t, err, domain.ErrWrongCurrency)
}

func TestRelease_Rejections(t *testing.T) {
	env, svc := newLedger(t)
	ctx := context.Background()
	env.Fund(t, fixture.Buyer, "1000.00")
	o := env.Order(t, domain.KindInPerson, domain.CurrencyNGN, "1000.00")
	_, err := svc.Lock(ctx, fixture.Buyer, o.ID, 0)
	require.NoError(t, err)

	_, err = svc.Release(ctx, fixture.Buyer, o.ID, 1)
	assert.ErrorIs(t, err, domain.ErrWrongStatus)

	env.Drive(t, o.ID, domain.PartySeller, domain.StatusDelivered)

	_, err = svc.Release(ctx, fixture.Seller, o.ID, 2)
	assert.ErrorIs(t, err, domain.ErrNotBuyer)

	_, err = svc.Release(ctx, fixture.Buyer, o.ID, 1)
	assert.ErrorIs(t, err, domain.ErrVersionConflict)

	assert.Equal(t, "0.00", env.Balance(t, fixture.Seller))
}

func TestRelease_ConcurrentSameVersion(t *testing.T) {
	env, svc := newLedger(t)
	ctx := context.Background()
	env.Fund(t, fixture.Buyer, "5000.00")
	o := env.Order(t, domain.KindInPerson, domain.CurrencyNGN, "5000.00")
	_, err := svc.Lock(ctx, fixture.Buyer, o.ID, 0)
	require.NoError(t, err)
	env.Drive(t, o.ID, domain.PartySeller, domain.StatusDelivered)

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = svc.Release(ctx, fixture.Buyer, o.ID, 2)
		}(i)
	}
	wg.Wait()

	wins, conflicts := 0, 0
	for _, err := range errs {
		switch {
		case err == nil:
			wins++
		case orders.IsConflict(err):
			conflicts++
		default:
			t.Errorf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, 1, wins)
	assert.Equal(t, 1, conflicts)
	assert.Equal(t, "4900.00", env.Balance(t, fixture.Seller), "seller credited exactly once")
	assert.Equal(t, int64(3), env.Reload(t, o.ID).Version)
}

func TestRefund(t *testing.T) {
	env, svc := newLedger(t)
	ctx := context.Background()
	env.Fund(t, fixture.Buyer, "2500.00")
	o := env.Order(t, domain.KindPhysical, domain.CurrencyNGN, "2500.00")
	_, err := svc.Lock(ctx, fixture.Buyer, o.ID, 0)
	require.NoError(t, err)
	env.Drive(t, o.ID, domain.PartySeller, domain.StatusOutForDelivery)

	_, err = svc.Refund(ctx, o.ID, 2, domain.PartyAdmin, "courier lost parcel")
	assert.ErrorIs(t, err, domain.ErrWrongStatus)

	env.Drive(t, o.ID, domain.PartyBuyer, domain.StatusDisputed)

	got, err := svc.Refund(ctx, o.ID, 3, domain.PartyAdmin, "courier lost parcel")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusRefunded, got.Status)
	assert.Equal(t, int64(4), got.Version)
	assert.Equal(t, "2500.00", env.Balance(t, fixture.Buyer))
	assert.Equal(t, "0.00", env.Balance(t, fixture.Seller))

	rec, err := svc.Reconcile(ctx, o.ID)
	require.NoError(t, err)
	assert.True(t, rec.Balanced)

	_, err = svc.Refund(ctx, o.ID, 4, domain.PartyAdmin, "again")
	assert.ErrorIs(t, err, domain.ErrWrongStatus)
}

func TestRefund_BuyerNotPermitted(t *testing.T) {
	env, svc := newLedger(t)
	ctx := context.Background()
	env.Fund(t, fixture.Buyer, "100.00")
	o := env.Order(t, domain.KindInPerson, domain.CurrencyNGN, "100.00")
	_, err := svc.Lock(ctx, fixture.Buyer, o.ID, 0)
	require.NoError(t, err)

	_, err = svc.Refund(ctx, o.ID, 1, domain.PartyBuyer, "")
	assert.ErrorIs(t, err, domain.ErrForbidden)
	assert.Equal(t, "0.00", env.Balance(t, fixture.Buyer), "forbidden refund rolls back the credit")
}

func TestConservation_AcrossManyOrders(t *testing.T) {
	env, svc := newLedger(t)
	ctx := context.Background()
	env.Fund(t, fixture.Buyer, "100000.00")

	prices := []string{"1.01", "99.99", "1234.56", "5000.00", "0.50"}
	for i, p := range prices {
		o := env.Order(t, domain.KindInPerson, domain.CurrencyNGN, p)
		_, err := svc.Lock(ctx, fixture.Buyer, o.ID, 0)
		require.NoError(t, err)
		env.Drive(t, o.ID, domain.PartySeller, domain.StatusDelivered)
		if i%2 == 0 {
			_, err = svc.Release(ctx, fixture.Buyer, o.ID, 2)
		} else {
			_, err = svc.Refund(ctx, o.ID, 2, domain.PartySystem, "")
		}
		require.NoError(t, err)

		rec, err := svc.Reconcile(ctx, o.ID)
		require.NoError(t, err)
		assert.True(t, rec.Balanced, "order %s (%s)", o.ID, p)
	}
}

func TestFundBalanceHistory(t *testing.T) {
	env, svc := newLedger(t)
	ctx := context.Background()

	w, err := svc.Fund(ctx, "user-9", "150", "psk_ref_1")
	require.NoError(t, err)
	assert.Equal(t, "150.00", w.Balance)

	_, err = svc.Fund(ctx, "user-9", "0", "")
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
	_, err = svc.Fund(ctx, "user-9", "1.234", "")
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
	_, err = svc.Fund(ctx, " ", "10", "")
	assert.ErrorIs(t, err, domain.ErrInvalidInput)

	_, err = svc.Fund(ctx, "user-9", "50.25", "psk_ref_2")
	require.NoError(t, err)

	bal, err := svc.Balance(ctx, "user-9")
	require.NoError(t, err)
	assert.Equal(t, "200.25", bal.Balance)

	hist, err := svc.History(ctx, "user-9", 10)
	require.NoError(t, err)
	require.Len(t, hist, 2)
	assert.Equal(t, domain.WalletFund, hist[0].Type)

	entries, _ := env.Store.QueryAudit(ctx, domain.AuditFilter{EntityType: "wallet", EntityID: "user-9"})
	assert.Len(t, entries, 2)
}
