// Package store is the persistence boundary for settlement data.
//
// Every state-changing operation runs inside Store.Atomic: one database
// transaction that either commits all of its writes or none of them.
// Order rows are guarded by compare-and-swap on their version, so two
// units that start from the same version cannot both commit.
package store

import (
	"context"

	"github.com/dog-best/meta-sub000/internal/domain"
)

// List read limits applied when callers pass zero or an oversized limit.
const (
	DefaultListLimit = 50
	MaxListLimit     = 500
)

// Store is the top-level persistence handle.
type Store interface {
	// Atomic runs fn inside a single transaction. If fn returns an error
	// or ctx is cancelled before commit, nothing fn wrote is kept.
	Atomic(ctx context.Context, fn func(Tx) error) error

	GetOrder(ctx context.Context, id string) (*domain.Order, error)
	ListOrders(ctx context.Context, f domain.OrderFilter) ([]*domain.Order, error)
	GetListing(ctx context.Context, id string) (*domain.Listing, error)

	// Wallet returns the user's balance row, or a zero balance if the
	// user has never been credited.
	Wallet(ctx context.Context, userID string) (*domain.Wallet, error)
	WalletTransactions(ctx context.Context, userID string, limit int) ([]*domain.WalletTransaction, error)
	GetLedgerEntry(ctx context.Context, orderID string) (*domain.LedgerEntry, error)

	GetOTP(ctx context.Context, orderID string) (*domain.OTPRecord, error)
	GetDeliverable(ctx context.Context, orderID string) (*domain.Deliverable, error)
	GetDispute(ctx context.Context, orderID string) (*domain.Dispute, error)
	GetMapping(ctx context.Context, orderID string) (*domain.CryptoMapping, error)
	ListIntents(ctx context.Context, orderID string) ([]*domain.CryptoIntent, error)

	QueryAudit(ctx context.Context, f domain.AuditFilter) ([]*domain.AuditEntry, error)

	Ping(ctx context.Context) error
}

// Tx is the set of writes (and locking reads) available inside an
// atomic unit. Lookups return the domain NotFound error for missing rows.
type Tx interface {
	InsertListing(ctx context.Context, l *domain.Listing) error
	// LockListing reads a listing and holds it until commit.
	LockListing(ctx context.Context, id string) (*domain.Listing, error)
	UpdateListingStock(ctx context.Context, id string, stock int) error

	InsertOrder(ctx context.Context, o *domain.Order) error
	// LockOrder reads an order and holds it until commit.
	LockOrder(ctx context.Context, id string) (*domain.Order, error)
	// UpdateOrder writes o only if the stored version still equals
	// expected, returning ErrVersionConflict otherwise.
	UpdateOrder(ctx context.Context, o *domain.Order, expected int64) error

	// Debit subtracts amount from the user's balance, failing with
	// ErrInsufficientFunds rather than going negative.
	Debit(ctx context.Context, userID, amount string) error
	Credit(ctx context.Context, userID, amount string) error
	AppendWalletTx(ctx context.Context, t *domain.WalletTransaction) error
	InsertLedgerEntry(ctx context.Context, e *domain.LedgerEntry) error
	LedgerEntry(ctx context.Context, orderID string) (*domain.LedgerEntry, error)

	UpsertOTP(ctx context.Context, r *domain.OTPRecord) error
	OTP(ctx context.Context, orderID string) (*domain.OTPRecord, error)
	UpsertDeliverable(ctx context.Context, d *domain.Deliverable) error
	Deliverable(ctx context.Context, orderID string) (*domain.Deliverable, error)

	// InsertDispute fails with ErrAlreadyDisputed if the order has one.
	InsertDispute(ctx context.Context, d *domain.Dispute) error
	Dispute(ctx context.Context, orderID string) (*domain.Dispute, error)
	UpdateDispute(ctx context.Context, d *domain.Dispute) error

	UpsertMapping(ctx context.Context, m *domain.CryptoMapping) error
	Mapping(ctx context.Context, orderID string) (*domain.CryptoMapping, error)
	UpsertIntent(ctx context.Context, i *domain.CryptoIntent) error
	Intent(ctx context.Context, orderID string, t domain.IntentType) (*domain.CryptoIntent, error)

	AppendAudit(ctx context.Context, e *domain.AuditEntry) error
}

func limitOr(n int) int {
	switch {
	case n <= 0:
		return DefaultListLimit
	case n > MaxListLimit:
		return MaxListLimit
	}
	return n
}
