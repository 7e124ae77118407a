// Package domain holds the entities, enums and error taxonomy shared by
// every settlement component.
package domain

import "time"

// Status is the canonical lifecycle state of an order.
type Status string

const (
	StatusCreated             Status = "CREATED"
	StatusInEscrow            Status = "IN_ESCROW"
	StatusOutForDelivery      Status = "OUT_FOR_DELIVERY"
	StatusDeliverableUploaded Status = "DELIVERABLE_UPLOADED"
	StatusDelivered           Status = "DELIVERED"
	StatusReleased            Status = "RELEASED"
	StatusRefunded            Status = "REFUNDED"
	StatusCancelled           Status = "CANCELLED"
	StatusDisputed            Status = "DISPUTED"
)

// Statuses lists every Status in lifecycle order.
var Statuses = []Status{
	StatusCreated,
	StatusInEscrow,
	StatusOutForDelivery,
	StatusDeliverableUploaded,
	StatusDelivered,
	StatusReleased,
	StatusRefunded,
	StatusCancelled,
	StatusDisputed,
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	for _, v := range Statuses {
		if v == s {
			return true
		}
	}
	return false
}

// Terminal returns true for statuses with no outgoing edges.
func (s Status) Terminal() bool {
	switch s {
	case StatusReleased, StatusRefunded, StatusCancelled:
		return true
	}
	return false
}

// DeliveryKind selects which delivery-proof path an order follows.
type DeliveryKind string

const (
	KindPhysical DeliveryKind = "PHYSICAL"
	KindDigital  DeliveryKind = "DIGITAL"
	KindInPerson DeliveryKind = "IN_PERSON"
)

var DeliveryKinds = []DeliveryKind{KindPhysical, KindDigital, KindInPerson}

// Category is the listing category.
type Category string

const (
	CategoryProduct Category = "product"
	CategoryService Category = "service"
)

// DeliveryType is the listing's declared delivery method.
type DeliveryType string

const (
	DeliveryPhysical DeliveryType = "physical"
	DeliveryDigital  DeliveryType = "digital"
	DeliveryInPerson DeliveryType = "in_person"
)

// KindOf maps a (category, delivery type) pair onto a DeliveryKind.
func KindOf(c Category, d DeliveryType) (DeliveryKind, error) {
	switch {
	case c == CategoryProduct && d == DeliveryPhysical:
		return KindPhysical, nil
	case c == CategoryService && d == DeliveryDigital:
		return KindDigital, nil
	case c == CategoryService && d == DeliveryInPerson:
		return KindInPerson, nil
	}
	return "", ErrInvalidInput.With("unsupported category/delivery_type pair %q/%q", c, d)
}

// Currency is the settlement rail of an order.
type Currency string

const (
	CurrencyNGN  Currency = "NGN"
	CurrencyUSDC Currency = "USDC"
)

// Decimals returns the minor-unit scale of the currency.
func (c Currency) Decimals() int {
	if c == CurrencyUSDC {
		return 6
	}
	return 2
}

func (c Currency) Valid() bool { return c == CurrencyNGN || c == CurrencyUSDC }

// Party identifies who is driving a transition.
type Party string

const (
	PartyBuyer  Party = "buyer"
	PartySeller Party = "seller"
	PartyAdmin  Party = "admin"
	PartySystem Party = "system"
)

// Listing is the seller's offer an order is placed against.
type Listing struct {
	ID           string       `json:"id"`
	SellerID     string       `json:"seller_id"`
	Title        string       `json:"title"`
	Category     Category     `json:"category"`
	DeliveryType DeliveryType `json:"delivery_type"`
	UnitPrice    string       `json:"unit_price"`
	Currency     Currency     `json:"currency"`
	Stock        int          `json:"stock"`
	Active       bool         `json:"active"`
	SellerWallet string       `json:"seller_wallet,omitempty"`
	CreatedAt    time.Time    `json:"created_at"`
	UpdatedAt    time.Time    `json:"updated_at"`
}

// Order is the central settlement entity. Status and Version are only
// ever written by orders.Machine.
type Order struct {
	ID              string       `json:"id"`
	BuyerID         string       `json:"buyer_id"`
	SellerID        string       `json:"seller_id"`
	ListingID       string       `json:"listing_id"`
	Quantity        int          `json:"quantity"`
	UnitPrice       string       `json:"unit_price"`
	Amount          string       `json:"amount"`
	Currency        Currency     `json:"currency"`
	DeliveryKind    DeliveryKind `json:"delivery_kind"`
	DeliveryAddress string       `json:"delivery_address,omitempty"`
	Status          Status       `json:"status"`
	Version         int64        `json:"version"`

	InEscrowAt            *time.Time `json:"in_escrow_at,omitempty"`
	OutForDeliveryAt      *time.Time `json:"out_for_delivery_at,omitempty"`
	DeliverableUploadedAt *time.Time `json:"deliverable_uploaded_at,omitempty"`
	DeliveredAt           *time.Time `json:"delivered_at,omitempty"`
	ReleasedAt            *time.Time `json:"released_at,omitempty"`
	RefundedAt            *time.Time `json:"refunded_at,omitempty"`
	CancelledAt           *time.Time `json:"cancelled_at,omitempty"`
	DisputedAt            *time.Time `json:"disputed_at,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Milestone returns a pointer to the timestamp field stamped on entry
// into s, or nil for CREATED.
func (o *Order) Milestone(s Status) **time.Time {
	switch s {
	case StatusInEscrow:
		return &o.InEscrowAt
	case StatusOutForDelivery:
		return &o.OutForDeliveryAt
	case StatusDeliverableUploaded:
		return &o.DeliverableUploadedAt
	case StatusDelivered:
		return &o.DeliveredAt
	case StatusReleased:
		return &o.ReleasedAt
	case StatusRefunded:
		return &o.RefundedAt
	case StatusCancelled:
		return &o.CancelledAt
	case StatusDisputed:
		return &o.DisputedAt
	}
	return nil
}

// PartyOf returns the role userID plays on this order.
func (o *Order) PartyOf(userID string) (Party, bool) {
	switch userID {
	case "":
		return "", false
	case o.BuyerID:
		return PartyBuyer, true
	case o.SellerID:
		return PartySeller, true
	}
	return "", false
}

// Clone returns a deep copy.
func (o *Order) Clone() *Order {
	cp := *o
	for _, f := range []**time.Time{
		&cp.InEscrowAt, &cp.OutForDeliveryAt, &cp.DeliverableUploadedAt, &cp.DeliveredAt,
		&cp.ReleasedAt, &cp.RefundedAt, &cp.CancelledAt, &cp.DisputedAt,
	} {
		if *f != nil {
			t := **f
			*f = &t
		}
	}
	return &cp
}

// OrderFilter narrows order listings.
type OrderFilter struct {
	BuyerID  string
	SellerID string
	Status   Status
	Limit    int
}
