package orders

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dog-best/meta-sub000/internal/domain"
	"github.com/dog-best/meta-sub000/internal/store"
)

func TestCreateListing_Validation(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	base := CreateListingRequest{
		Title: "Phone", Category: domain.CategoryProduct, DeliveryType: domain.DeliveryPhysical,
		UnitPrice: "2500", Currency: domain.CurrencyNGN, Stock: 1,
	}

	l, err := h.service.CreateListing(ctx, "seller-1", base)
	require.NoError(t, err)
	assert.Equal(t, "2500.00", l.UnitPrice)
	assert.True(t, l.Active)

	tests := []struct {
		name   string
		mutate func(r *CreateListingRequest)
	}{
		{"bad currency", func(r *CreateListingRequest) { r.Currency = "EUR" }},
		{"too many decimals", func(r *CreateListingRequest) { r.UnitPrice = "1.005" }},
		{"zero price", func(r *CreateListingRequest) { r.UnitPrice = "0" }},
		{"negative stock", func(r *CreateListingRequest) { r.Stock = -1 }},
		{"bad pair", func(r *CreateListingRequest) { r.DeliveryType = domain.DeliveryDigital }},
		{"usdc without wallet", func(r *CreateListingRequest) { r.Currency = domain.CurrencyUSDC }},
		{"bad wallet", func(r *CreateListingRequest) { r.SellerWallet = "0x123" }},
		{"empty title", func(r *CreateListingRequest) { r.Title = "" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := base
			tt.mutate(&req)
			_, err := h.service.CreateListing(ctx, "seller-1", req)
			assert.ErrorIs(t, err, domain.ErrInvalidInput)
		})
	}
}

func TestCreate_ReservesStockAndPricesOrder(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	l := h.listing(t, domain.KindPhysical, "2500.00", 3)

	o, err := h.service.Create(ctx, "buyer-1", CreateRequest{ListingID: l.ID, Quantity: 2, DeliveryAddress: "Yaba"})
	require.NoError(t, err)
	assert.Equal(t, "5000.00", o.Amount)
	assert.Equal(t, domain.StatusCreated, o.Status)
	assert.Equal(t, int64(0), o.Version)
	assert.Equal(t, domain.KindPhysical, o.DeliveryKind)
	assert.Equal(t, "seller-1", o.SellerID)

	after, _ := h.store.GetListing(ctx, l.ID)
	assert.Equal(t, 1, after.Stock)

	_, err = h.service.Create(ctx, "buyer-1", CreateRequest{ListingID: l.ID, Quantity: 2, DeliveryAddress: "Yaba"})
	assert.ErrorIs(t, err, domain.ErrInsufficientStock)

	entries, _ := h.store.QueryAudit(ctx, domain.AuditFilter{EntityID: o.ID, Action: "order.create"})
	assert.Len(t, entries, 1)
}

func TestCreate_Rejections(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	l := h.listing(t, domain.KindPhysical, "100.00", 5)

	_, err := h.service.Create(ctx, "buyer-1", CreateRequest{ListingID: "lst_missing", Quantity: 1, DeliveryAddress: "x"})
	assert.ErrorIs(t, err, domain.ErrListingNotFound)

	_, err = h.service.Create(ctx, "seller-1", CreateRequest{ListingID: l.ID, Quantity: 1, DeliveryAddress: "x"})
	assert.ErrorIs(t, err, domain.ErrOwnListing)

	_, err = h.service.Create(ctx, "buyer-1", CreateRequest{ListingID: l.ID, Quantity: 1})
	assert.ErrorIs(t, err, domain.ErrInvalidInput, "physical orders need an address")

	_, err = h.service.Create(ctx, "buyer-1", CreateRequest{ListingID: l.ID, Quantity: -1, DeliveryAddress: "x"})
	assert.ErrorIs(t, err, domain.ErrInvalidInput)

	_, err = h.service.Create(ctx, "buyer-1", CreateRequest{ListingID: l.ID, Quantity: 0, DeliveryAddress: "x"})
	assert.ErrorIs(t, err, domain.ErrInvalidInput, "zero quantity is rejected, not defaulted")

	stored, err := h.store.GetListing(ctx, l.ID)
	require.NoError(t, err)
	assert.Equal(t, 5, stored.Stock)
}

func TestCreate_InactiveListing(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	l := &domain.Listing{
		ID: "lst_off", SellerID: "seller-1", Title: "Old", Category: domain.CategoryService,
		DeliveryType: domain.DeliveryDigital, UnitPrice: "10.00", Currency: domain.CurrencyNGN,
		Stock: 5, Active: false, CreatedAt: fixedNow, UpdatedAt: fixedNow,
	}
	require.NoError(t, h.store.Atomic(ctx, func(tx store.Tx) error { return tx.InsertListing(ctx, l) }))

	_, err := h.service.Create(ctx, "buyer-1", CreateRequest{ListingID: l.ID, Quantity: 1})
	assert.ErrorIs(t, err, domain.ErrListingInactive)
}

func TestCreate_USDCRequiresBridge(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	l, err := h.service.CreateListing(ctx, "seller-1", CreateListingRequest{
		Title: "Logo", Category: domain.CategoryService, DeliveryType: domain.DeliveryDigital,
		UnitPrice: "12.5", Currency: domain.CurrencyUSDC, Stock: 1,
		SellerWallet: "0x1111111111111111111111111111111111111111",
	})
	require.NoError(t, err)
	assert.Equal(t, "12.500000", l.UnitPrice)

	_, err = h.service.Create(ctx, "buyer-1", CreateRequest{ListingID: l.ID, Quantity: 1})
	assert.ErrorIs(t, err, domain.ErrWrongCurrency)

	stored, _ := h.store.GetListing(ctx, l.ID)
	assert.Equal(t, 1, stored.Stock, "rejected order must not consume stock")
}

type recordingFactory struct {
	calls []string
	fail  error
}

func (f *recordingFactory) CreateMapping(_ context.Context, _ store.Tx, o *domain.Order, _ *domain.Listing, buyerWallet string) error {
	f.calls = append(f.calls, o.ID+"|"+buyerWallet)
	return f.fail
}

func TestCreate_USDCCreatesMappingInSameUnit(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	f := &recordingFactory{}
	h.service.WithMappingFactory(f)

	l, err := h.service.CreateListing(ctx, "seller-1", CreateListingRequest{
		Title: "Logo", Category: domain.CategoryService, DeliveryType: domain.DeliveryDigital,
		UnitPrice: "12.5", Currency: domain.CurrencyUSDC, Stock: 2,
		SellerWallet: "0x1111111111111111111111111111111111111111",
	})
	require.NoError(t, err)

	_, err = h.service.Create(ctx, "buyer-1", CreateRequest{ListingID: l.ID, Quantity: 1})
	assert.ErrorIs(t, err, domain.ErrInvalidInput, "buyer_wallet required")

	o, err := h.service.Create(ctx, "buyer-1", CreateRequest{
		ListingID: l.ID, Quantity: 1, BuyerWallet: "0x2222222222222222222222222222222222222222",
	})
	require.NoError(t, err)
	require.Len(t, f.calls, 1)
	assert.Equal(t, o.ID+"|0x2222222222222222222222222222222222222222", f.calls[0])

	f.fail = domain.ErrInvalidInput.With("mapping rejected")
	_, err = h.service.Create(ctx, "buyer-1", CreateRequest{
		ListingID: l.ID, Quantity: 1, BuyerWallet: "0x2222222222222222222222222222222222222222",
	})
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
	stored, _ := h.store.GetListing(ctx, l.ID)
	assert.Equal(t, 1, stored.Stock, "failed mapping rolls back the stock reservation")
}

func TestCancel_RestoresStock(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	l := h.listing(t, domain.KindInPerson, "300.00", 4)
	o, err := h.service.Create(ctx, "buyer-1", CreateRequest{ListingID: l.ID, Quantity: 3})
	require.NoError(t, err)

	_, err = h.service.Cancel(ctx, "seller-1", o.ID, 0)
	assert.ErrorIs(t, err, domain.ErrNotBuyer)

	got, err := h.service.Cancel(ctx, "buyer-1", o.ID, 0)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCancelled, got.Status)
	assert.Equal(t, int64(1), got.Version)
	require.NotNil(t, got.CancelledAt)

	stored, _ := h.store.GetListing(ctx, l.ID)
	assert.Equal(t, 4, stored.Stock)

	_, err = h.service.Cancel(ctx, "buyer-1", o.ID, 1)
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)
}

func TestCancel_AfterEscrowRejected(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	o := h.order(t, domain.KindPhysical)
	_, err := h.apply(ctx, o.ID, Step{Expected: 0, To: domain.StatusInEscrow, Party: domain.PartyBuyer})
	require.NoError(t, err)

	_, err = h.service.Cancel(ctx, "buyer-1", o.ID, 1)
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)
}

func TestTransition_AdminPath(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	o := h.order(t, domain.KindPhysical)

	for _, to := range []domain.Status{domain.StatusInEscrow, domain.StatusReleased, domain.StatusRefunded, domain.StatusDisputed} {
		_, err := h.service.Transition(ctx, o.ID, 0, to, "")
		assert.ErrorIs(t, err, domain.ErrInvalidTransition, "money edge %s", to)
	}

	_, err := h.service.Transition(ctx, o.ID, 0, "SHIPPED", "")
	assert.ErrorIs(t, err, domain.ErrInvalidInput)

	_, err = h.service.Transition(ctx, o.ID, 0, domain.StatusDelivered, "")
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)

	got, err := h.service.Transition(ctx, o.ID, 0, domain.StatusCancelled, "fraud check")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCancelled, got.Status)
}

func TestTransition_ForceDeliveredFromDispute(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	o := h.order(t, domain.KindPhysical)
	for _, s := range []Step{
		{Expected: 0, To: domain.StatusInEscrow, Party: domain.PartyBuyer},
		{Expected: 1, To: domain.StatusDisputed, Party: domain.PartyBuyer},
	} {
		_, err := h.apply(ctx, o.ID, s)
		require.NoError(t, err)
	}

	got, err := h.service.Transition(ctx, o.ID, 2, domain.StatusDelivered, "courier proof")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusDelivered, got.Status)
	assert.Equal(t, int64(3), got.Version)
}

func TestGetAndList(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	o := h.order(t, domain.KindPhysical)

	got, err := h.service.Get(ctx, "buyer-1", o.ID)
	require.NoError(t, err)
	assert.Equal(t, o.ID, got.ID)

	_, err = h.service.Get(ctx, "seller-1", o.ID)
	require.NoError(t, err)

	_, err = h.service.Get(ctx, "stranger", o.ID)
	assert.ErrorIs(t, err, domain.ErrForbidden)

	_, err = h.service.Get(ctx, "buyer-1", "ord_missing")
	assert.ErrorIs(t, err, domain.ErrOrderNotFound)

	mine, err := h.service.ListMine(ctx, "buyer-1", "", "", 0)
	require.NoError(t, err)
	assert.Len(t, mine, 1)

	sold, err := h.service.ListMine(ctx, "seller-1", "seller", domain.StatusCreated, 10)
	require.NoError(t, err)
	assert.Len(t, sold, 1)

	none, err := h.service.ListMine(ctx, "seller-1", "buyer", "", 0)
	require.NoError(t, err)
	assert.Empty(t, none)

	_, err = h.service.ListMine(ctx, "buyer-1", "courier", "", 0)
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
}
