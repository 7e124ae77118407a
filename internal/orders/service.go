package orders

import (
	"context"
	"fmt"
	"strings"

	"github.com/dog-best/meta-sub000/internal/audit"
	"github.com/dog-best/meta-sub000/internal/domain"
	"github.com/dog-best/meta-sub000/internal/idgen"
	"github.com/dog-best/meta-sub000/internal/money"
	"github.com/dog-best/meta-sub000/internal/store"
	"github.com/dog-best/meta-sub000/internal/validation"
)

// MappingFactory creates the on-chain escrow mapping for a USDC order
// inside the order's creation unit. Implemented by the crypto bridge.
type MappingFactory interface {
	CreateMapping(ctx context.Context, tx store.Tx, o *domain.Order, l *domain.Listing, buyerWallet string) error
}

// CreateListingRequest contains the parameters for publishing a listing.
type CreateListingRequest struct {
	Title        string              `json:"title" binding:"required"`
	Category     domain.Category     `json:"category" binding:"required"`
	DeliveryType domain.DeliveryType `json:"delivery_type" binding:"required"`
	UnitPrice    string              `json:"unit_price" binding:"required"`
	Currency     domain.Currency     `json:"currency" binding:"required"`
	Stock        int                 `json:"stock"`
	SellerWallet string              `json:"seller_wallet"`
}

// CreateRequest contains the parameters for placing an order.
type CreateRequest struct {
	ListingID string `json:"listing_id"`
	// Quantity must be at least 1. The HTTP handler defaults an absent
	// quantity to 1; the service never does.
	Quantity        int    `json:"quantity"`
	DeliveryAddress string `json:"delivery_address"`
	// BuyerWallet is the paying address for USDC orders.
	BuyerWallet string `json:"buyer_wallet"`
}

// Service implements listing and order business logic that is not
// specific to one settlement rail.
type Service struct {
	machine  *Machine
	mappings MappingFactory
}

// NewService creates a new order service.
func NewService(m *Machine) *Service {
	return &Service{machine: m}
}

// WithMappingFactory enables USDC orders.
func (s *Service) WithMappingFactory(f MappingFactory) *Service {
	s.mappings = f
	return s
}

// CreateListing publishes a listing owned by sellerID.
func (s *Service) CreateListing(ctx context.Context, sellerID string, req CreateListingRequest) (*domain.Listing, error) {
	if !req.Currency.Valid() {
		return nil, domain.ErrInvalidInput.With("currency must be NGN or USDC")
	}
	if err := validation.Validate(
		validation.Required("title", req.Title),
		validation.MaxLength("title", req.Title, validation.MaxTitleLength),
		validation.Required("unit_price", req.UnitPrice),
		validation.ValidAmount("unit_price", req.UnitPrice, req.Currency.Decimals()),
		validation.ValidAddress("seller_wallet", req.SellerWallet),
	).Err(); err != nil {
		return nil, err
	}
	if req.Stock < 0 {
		return nil, domain.ErrInvalidInput.With("stock must not be negative")
	}
	if _, err := domain.KindOf(req.Category, req.DeliveryType); err != nil {
		return nil, err
	}
	if req.Currency == domain.CurrencyUSDC && req.SellerWallet == "" {
		return nil, domain.ErrInvalidInput.With("seller_wallet is required for USDC listings")
	}

	price, _ := money.Normalize(req.UnitPrice, req.Currency.Decimals())
	now := s.machine.Now()
	l := &domain.Listing{
		ID:           idgen.WithPrefix(idgen.PrefixListing),
		SellerID:     sellerID,
		Title:        validation.SanitizeString(req.Title, validation.MaxTitleLength),
		Category:     req.Category,
		DeliveryType: req.DeliveryType,
		UnitPrice:    price,
		Currency:     req.Currency,
		Stock:        req.Stock,
		Active:       true,
		SellerWallet: strings.ToLower(req.SellerWallet),
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	err := s.machine.Run(ctx, "listing_create", func(u *Unit) error {
		if err := u.InsertListing(ctx, l); err != nil {
			return err
		}
		return audit.Record(ctx, u, "listing.create", "listing", l.ID, map[string]any{
			"category":      l.Category,
			"delivery_type": l.DeliveryType,
			"unit_price":    l.UnitPrice,
			"currency":      l.Currency,
			"stock":         l.Stock,
		})
	})
	if err != nil {
		return nil, err
	}
	return l, nil
}

// GetListing returns a listing by id.
func (s *Service) GetListing(ctx context.Context, id string) (*domain.Listing, error) {
	return s.machine.Store().GetListing(ctx, id)
}

// Create places an order for buyerID. Stock is reserved in the same unit
// and, for USDC listings, the crypto escrow mapping is created alongside.
func (s *Service) Create(ctx context.Context, buyerID string, req CreateRequest) (*domain.Order, error) {
	if err := validation.Validate(
		validation.Required("listing_id", req.ListingID),
		validation.Positive("quantity", req.Quantity),
		validation.MaxLength("delivery_address", req.DeliveryAddress, validation.MaxAddressLength),
		validation.ValidAddress("buyer_wallet", req.BuyerWallet),
	).Err(); err != nil {
		return nil, err
	}

	var order *domain.Order
	err := s.machine.Run(ctx, "order_create", func(u *Unit) error {
		l, err := u.LockListing(ctx, req.ListingID)
		if err != nil {
			return err
		}
		if !l.Active {
			return domain.ErrListingInactive
		}
		if l.SellerID == buyerID {
			return domain.ErrOwnListing
		}
		if l.Stock < req.Quantity {
			return domain.ErrInsufficientStock.With("requested %d, available %d", req.Quantity, l.Stock)
		}
		kind, err := domain.KindOf(l.Category, l.DeliveryType)
		if err != nil {
			return err
		}
		if kind == domain.KindPhysical && strings.TrimSpace(req.DeliveryAddress) == "" {
			return domain.ErrInvalidInput.With("delivery_address is required for physical orders")
		}
		if l.Currency == domain.CurrencyUSDC {
			if s.mappings == nil {
				return domain.ErrWrongCurrency.With("USDC rail is not configured")
			}
			if req.BuyerWallet == "" {
				return domain.ErrInvalidInput.With("buyer_wallet is required for USDC orders")
			}
		}

		amount, ok := money.Mul(l.UnitPrice, int64(req.Quantity), l.Currency.Decimals())
		if !ok {
			return fmt.Errorf("listing %s has malformed unit price %q", l.ID, l.UnitPrice)
		}

		now := s.machine.Now()
		o := &domain.Order{
			ID:              idgen.WithPrefix(idgen.PrefixOrder),
			BuyerID:         buyerID,
			SellerID:        l.SellerID,
			ListingID:       l.ID,
			Quantity:        req.Quantity,
			UnitPrice:       l.UnitPrice,
			Amount:          amount,
			Currency:        l.Currency,
			DeliveryKind:    kind,
			DeliveryAddress: validation.SanitizeString(req.DeliveryAddress, validation.MaxAddressLength),
			Status:          domain.StatusCreated,
			Version:         0,
			CreatedAt:       now,
			UpdatedAt:       now,
		}
		if err := u.UpdateListingStock(ctx, l.ID, l.Stock-req.Quantity); err != nil {
			return err
		}
		if err := u.InsertOrder(ctx, o); err != nil {
			return err
		}
		if o.Currency == domain.CurrencyUSDC {
			if err := s.mappings.CreateMapping(ctx, u, o, l, req.BuyerWallet); err != nil {
				return err
			}
		}
		order = o
		return audit.Record(ctx, u, "order.create", "order", o.ID, map[string]any{
			"listing_id":    o.ListingID,
			"quantity":      o.Quantity,
			"amount":        o.Amount,
			"currency":      o.Currency,
			"delivery_kind": o.DeliveryKind,
		})
	})
	if err != nil {
		return nil, err
	}
	return order, nil
}

// Cancel moves a CREATED order to CANCELLED and returns its stock.
// Only the buyer may cancel, and only before funds are locked.
func (s *Service) Cancel(ctx context.Context, callerID, orderID string, expected int64) (*domain.Order, error) {
	return s.cancel(ctx, orderID, expected, func(o *domain.Order) (domain.Party, error) {
		if o.BuyerID != callerID {
			return "", domain.ErrNotBuyer
		}
		return domain.PartyBuyer, nil
	}, "")
}

func (s *Service) cancel(ctx context.Context, orderID string, expected int64,
	authorize func(o *domain.Order) (domain.Party, error), note string) (*domain.Order, error) {

	var order *domain.Order
	err := s.machine.Run(ctx, "order_cancel", func(u *Unit) error {
		o, err := s.machine.Load(ctx, u, orderID)
		if err != nil {
			return err
		}
		party, err := authorize(o)
		if err != nil {
			return err
		}
		if err := s.machine.Apply(ctx, u, o, Step{
			Expected: expected, To: domain.StatusCancelled, Party: party, Note: note,
		}); err != nil {
			return err
		}
		l, err := u.LockListing(ctx, o.ListingID)
		if err != nil {
			return err
		}
		if err := u.UpdateListingStock(ctx, l.ID, l.Stock+o.Quantity); err != nil {
			return err
		}
		order = o
		return nil
	})
	if err != nil {
		return nil, err
	}
	return order, nil
}

// moneyEdges must go through their settlement rail, never the generic
// admin transition.
var moneyEdges = map[domain.Status]string{
	domain.StatusInEscrow: "funds must be locked through the wallet or crypto rail",
	domain.StatusReleased: "release must go through the wallet or crypto rail",
	domain.StatusRefunded: "refund must go through the wallet or crypto rail",
	domain.StatusDisputed: "disputes must be opened through the dispute endpoint",
}

// Transition is the admin path for non-money edges (for example forcing
// DISPUTED -> DELIVERED, or cancelling an unpaid order). It is still
// bound by the transition table.
func (s *Service) Transition(ctx context.Context, orderID string, expected int64, to domain.Status, note string) (*domain.Order, error) {
	if !to.Valid() {
		return nil, domain.ErrInvalidInput.With("unknown status %q", to)
	}
	if reason, ok := moneyEdges[to]; ok {
		return nil, domain.ErrInvalidTransition.With("%s", reason)
	}
	if to == domain.StatusCancelled {
		return s.cancel(ctx, orderID, expected, func(*domain.Order) (domain.Party, error) {
			return domain.PartyAdmin, nil
		}, note)
	}

	var order *domain.Order
	err := s.machine.Run(ctx, "admin_transition", func(u *Unit) error {
		o, err := s.machine.Load(ctx, u, orderID)
		if err != nil {
			return err
		}
		if err := s.machine.Apply(ctx, u, o, Step{
			Expected: expected, To: to, Party: domain.PartyAdmin, Note: note,
		}); err != nil {
			return err
		}
		order = o
		return nil
	})
	if err != nil {
		return nil, err
	}
	return order, nil
}

// Get returns an order visible to callerID (buyer or seller).
func (s *Service) Get(ctx context.Context, callerID, orderID string) (*domain.Order, error) {
	o, err := s.machine.Store().GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if _, ok := o.PartyOf(callerID); !ok {
		return nil, domain.ErrForbidden.With("not a party to order %s", orderID)
	}
	return o, nil
}

// Lookup returns any order. Admin use only.
func (s *Service) Lookup(ctx context.Context, orderID string) (*domain.Order, error) {
	return s.machine.Store().GetOrder(ctx, orderID)
}

// ListMine lists orders where userID is the buyer (role "buyer", the
// default) or the seller (role "seller").
func (s *Service) ListMine(ctx context.Context, userID, role string, status domain.Status, limit int) ([]*domain.Order, error) {
	f := domain.OrderFilter{Status: status, Limit: limit}
	switch role {
	case "", string(domain.PartyBuyer):
		f.BuyerID = userID
	case string(domain.PartySeller):
		f.SellerID = userID
	default:
		return nil, domain.ErrInvalidInput.With("role must be buyer or seller")
	}
	if status != "" && !status.Valid() {
		return nil, domain.ErrInvalidInput.With("unknown status %q", status)
	}
	return s.machine.Store().ListOrders(ctx, f)
}
