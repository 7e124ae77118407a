// Package fixture builds an in-memory settlement stack for service tests.
package fixture

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/dog-best/meta-sub000/internal/domain"
	"github.com/dog-best/meta-sub000/internal/events"
	"github.com/dog-best/meta-sub000/internal/orders"
	"github.com/dog-best/meta-sub000/internal/store"
)

const (
	Buyer  = "buyer-1"
	Seller = "seller-1"

	BuyerWallet  = "0x2222222222222222222222222222222222222222"
	SellerWallet = "0x1111111111111111111111111111111111111111"
)

// Clock is a settable time source.
type Clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward.
func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// Env is a wired in-memory stack.
type Env struct {
	Store     *store.MemoryStore
	Publisher *events.MemoryPublisher
	Clock     *Clock
	Machine   *orders.Machine
	Orders    *orders.Service
}

// New builds an Env with the clock fixed at 2026-03-01 12:00 UTC.
func New(t *testing.T) *Env {
	t.Helper()
	clock := &Clock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	s := store.NewMemoryStore()
	pub := events.NewMemoryPublisher()
	m := orders.NewMachine(s, orders.WithPublisher(pub), orders.WithClock(clock.Now))
	return &Env{
		Store:     s,
		Publisher: pub,
		Clock:     clock,
		Machine:   m,
		Orders:    orders.NewService(m),
	}
}

// Listing creates an active listing owned by Seller.
func (e *Env) Listing(t *testing.T, kind domain.DeliveryKind, cur domain.Currency, price string, stock int) *domain.Listing {
	t.Helper()
	req := orders.CreateListingRequest{Title: "Item", UnitPrice: price, Currency: cur, Stock: stock}
	switch kind {
	case domain.KindPhysical:
		req.Category, req.DeliveryType = domain.CategoryProduct, domain.DeliveryPhysical
	case domain.KindDigital:
		req.Category, req.DeliveryType = domain.CategoryService, domain.DeliveryDigital
	case domain.KindInPerson:
		req.Category, req.DeliveryType = domain.CategoryService, domain.DeliveryInPerson
	}
	if cur == domain.CurrencyUSDC {
		req.SellerWallet = SellerWallet
	}
	l, err := e.Orders.CreateListing(context.Background(), Seller, req)
	require.NoError(t, err)
	return l
}

// Order places a quantity-1 order by Buyer against a fresh listing.
func (e *Env) Order(t *testing.T, kind domain.DeliveryKind, cur domain.Currency, price string) *domain.Order {
	t.Helper()
	l := e.Listing(t, kind, cur, price, 10)
	req := orders.CreateRequest{ListingID: l.ID, Quantity: 1, DeliveryAddress: "12 Allen Avenue, Ikeja"}
	if cur == domain.CurrencyUSDC {
		req.BuyerWallet = BuyerWallet
	}
	o, err := e.Orders.Create(context.Background(), Buyer, req)
	require.NoError(t, err)
	return o
}

// Fund credits a wallet directly.
func (e *Env) Fund(t *testing.T, userID, amount string) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, e.Store.Atomic(ctx, func(tx store.Tx) error {
		return tx.Credit(ctx, userID, amount)
	}))
}

// Balance returns a wallet balance.
func (e *Env) Balance(t *testing.T, userID string) string {
	t.Helper()
	w, err := e.Store.Wallet(context.Background(), userID)
	require.NoError(t, err)
	return w.Balance
}

// Reload reads the stored order.
func (e *Env) Reload(t *testing.T, orderID string) *domain.Order {
	t.Helper()
	o, err := e.Store.GetOrder(context.Background(), orderID)
	require.NoError(t, err)
	return o
}

// Drive applies plain transitions (no rail side effects) in order,
// starting from the stored version. party is used when permitted,
// otherwise the first party the edge allows.
func (e *Env) Drive(t *testing.T, orderID string, party domain.Party, to ...domain.Status) *domain.Order {
	t.Helper()
	ctx := context.Background()
	var out *domain.Order
	for _, s := range to {
		err := e.Machine.Run(ctx, "fixture", func(u *orders.Unit) error {
			o, err := e.Machine.Load(ctx, u, orderID)
			if err != nil {
				return err
			}
			p := party
			for _, alt := range []domain.Party{party, domain.PartySeller, domain.PartyBuyer, domain.PartyAdmin, domain.PartySystem} {
				if orders.Permitted(o.DeliveryKind, o.Status, s, alt) {
					p = alt
					break
				}
			}
			if err := e.Machine.Apply(ctx, u, o, orders.Step{Expected: o.Version, To: s, Party: p}); err != nil {
				return err
			}
			out = o
			return nil
		})
		require.NoError(t, err, "drive %s to %s", orderID, s)
	}
	return out
}
