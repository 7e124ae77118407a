package domain

import "time"

// Wallet is a user's NGN balance row.
type Wallet struct {
	UserID    string    `json:"user_id"`
	Balance   string    `json:"balance"`
	UpdatedAt time.Time `json:"updated_at"`
}

// WalletTxType classifies a wallet history row.
type WalletTxType string

const (
	WalletFund          WalletTxType = "fund"
	WalletEscrowLock    WalletTxType = "escrow_lock"
	WalletEscrowRelease WalletTxType = "escrow_release"
	WalletEscrowRefund  WalletTxType = "escrow_refund"
)

// WalletTransaction is one balance movement in a user's history.
// Amount is signed: debits are negative.
type WalletTransaction struct {
	ID        string       `json:"id"`
	UserID    string       `json:"user_id"`
	OrderID   string       `json:"order_id,omitempty"`
	Type      WalletTxType `json:"type"`
	Amount    string       `json:"amount"`
	Reference string       `json:"reference,omitempty"`
	CreatedAt time.Time    `json:"created_at"`
}

// LedgerEntry records the funds locked for one NGN order. Immutable
// once inserted.
type LedgerEntry struct {
	OrderID      string    `json:"order_id"`
	BuyerID      string    `json:"buyer_id"`
	AmountLocked string    `json:"amount_locked"`
	FeeAmount    string    `json:"fee_amount"`
	TotalDebit   string    `json:"total_debit"`
	LockedAt     time.Time `json:"locked_at"`
}
