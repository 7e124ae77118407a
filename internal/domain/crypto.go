package domain

import "time"

// CryptoMapping binds an order to its on-chain escrow record.
type CryptoMapping struct {
	OrderID       string    `json:"order_id"`
	OrderKey      string    `json:"order_key"`
	Chain         string    `json:"chain"`
	BuyerWallet   string    `json:"buyer_wallet"`
	SellerWallet  string    `json:"seller_wallet"`
	TokenAddress  string    `json:"token_address"`
	EscrowAddress string    `json:"escrow_address"`
	AmountUnits   string    `json:"amount_units"`
	AmountRaw     string    `json:"amount_raw,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// IntentType is the on-chain action an intent describes.
type IntentType string

const (
	IntentDeposit IntentType = "DEPOSIT"
	IntentRefund  IntentType = "REFUND"
	IntentRelease IntentType = "RELEASE"
)

func (t IntentType) Valid() bool {
	return t == IntentDeposit || t == IntentRefund || t == IntentRelease
}

// IntentStatus tracks an intent independently of chain confirmation.
type IntentStatus string

const (
	IntentCreated    IntentStatus = "CREATED"
	IntentProcessing IntentStatus = "PROCESSING"
	IntentSubmitted  IntentStatus = "SUBMITTED"
	IntentFailed     IntentStatus = "FAILED"
	IntentConfirmed  IntentStatus = "CONFIRMED"
)

// rank orders the forward path CREATED < PROCESSING < SUBMITTED < CONFIRMED.
func (s IntentStatus) rank() int {
	switch s {
	case IntentCreated:
		return 0
	case IntentProcessing:
		return 1
	case IntentSubmitted:
		return 2
	case IntentConfirmed:
		return 3
	}
	return -1
}

func (s IntentStatus) Valid() bool { return s == IntentFailed || s.rank() >= 0 }

// Final reports whether no further status reports are accepted.
func (s IntentStatus) Final() bool { return s == IntentConfirmed || s == IntentFailed }

// CanMoveTo reports whether an intent may advance from s to next.
// FAILED is reachable from any non-final status; everything else only
// moves forward.
func (s IntentStatus) CanMoveTo(next IntentStatus) bool {
	if s.Final() || !next.Valid() {
		return false
	}
	if next == IntentFailed {
		return true
	}
	return next.rank() > s.rank()
}

// CryptoIntent is the latest attempt at one on-chain action for an order.
type CryptoIntent struct {
	OrderID       string       `json:"order_id"`
	Type          IntentType   `json:"intent_type"`
	Status        IntentStatus `json:"status"`
	AmountRaw     string       `json:"amount_raw,omitempty"`
	FeeRaw        string       `json:"fee_raw,omitempty"`
	BuyerTotalRaw string       `json:"buyer_total_raw,omitempty"`
	TxHash        string       `json:"tx_hash,omitempty"`
	FailureReason string       `json:"failure_reason,omitempty"`
	CreatedAt     time.Time    `json:"created_at"`
	UpdatedAt     time.Time    `json:"updated_at"`
}
