// Package ledger is the NGN settlement rail.
//
// Flow:
//  1. Buyer wallet is funded (external payment provider, admin Fund here)
//  2. Lock debits the buyer and moves the order CREATED -> IN_ESCROW
//  3. Release credits the seller amount minus the platform fee
//     (DELIVERED -> RELEASED), or Refund credits the buyer in full
//
// Every balance movement happens inside the same orders.Machine unit as
// the transition it belongs to.
package ledger

import (
	"context"
	"math/big"
	"strings"
	"time"

	"github.com/dog-best/meta-sub000/internal/audit"
	"github.com/dog-best/meta-sub000/internal/domain"
	"github.com/dog-best/meta-sub000/internal/idgen"
	"github.com/dog-best/meta-sub000/internal/money"
	"github.com/dog-best/meta-sub000/internal/orders"
	"github.com/dog-best/meta-sub000/internal/store"
	"github.com/dog-best/meta-sub000/internal/validation"
)

// DefaultFeeBps is the platform fee on NGN releases (2%).
const DefaultFeeBps = 200

// refundable lists the statuses an NGN refund may start from.
var refundable = map[domain.Status]bool{
	domain.StatusInEscrow:  true,
	domain.StatusDelivered: true,
	domain.StatusDisputed:  true,
}

// LockResult is returned by Lock.
type LockResult struct {
	Order *domain.Order       `json:"order"`
	Entry *domain.LedgerEntry `json:"ledger_entry"`
}

// Service moves NGN balances for orders.
type Service struct {
	machine *orders.Machine
	feeBps  int64
}

// NewService creates a ledger service charging feeBps on release.
func NewService(m *orders.Machine, feeBps int64) *Service {
	return &Service{machine: m, feeBps: money.ClampBps(feeBps, 0, money.BpsDenominator)}
}

// FeeBps returns the configured platform fee.
func (s *Service) FeeBps() int64 { return s.feeBps }

// Fee returns floor(amount * feeBps / 10000) at NGN scale.
func (s *Service) Fee(amount string) (string, error) {
	v, ok := money.Parse(amount, money.NGNDecimals)
	if !ok {
		return "", domain.ErrInvalidInput.With("invalid NGN amount %q", amount)
	}
	return money.Format(money.Fee(v, s.feeBps), money.NGNDecimals), nil
}

// Lock debits the buyer for an NGN order and moves it into escrow.
func (s *Service) Lock(ctx context.Context, callerID, orderID string, expected int64) (*LockResult, error) {
	var res *LockResult
	err := s.machine.Run(ctx, "wallet_lock", func(u *orders.Unit) error {
		o, err := s.machine.Load(ctx, u, orderID)
		if err != nil {
			return err
		}
		if o.BuyerID != callerID {
			return domain.ErrNotBuyer
		}
		entry, err := s.LockTx(ctx, u, o, expected, domain.PartyBuyer)
		if err != nil {
			return err
		}
		res = &LockResult{Order: o, Entry: entry}
		return nil
	})
	if err != nil {
		return nil, err
	}
	ObserveMovement(domain.WalletEscrowLock, res.Entry.TotalDebit)
	return res, nil
}

// LockTx performs the lock inside an open unit.
func (s *Service) LockTx(ctx context.Context, u *orders.Unit, o *domain.Order, expected int64, party domain.Party) (*domain.LedgerEntry, error) {
	if o.Version != expected {
		return nil, domain.ErrVersionConflict.With("order %s is at version %d, expected %d", o.ID, o.Version, expected)
	}
	if o.Currency != domain.CurrencyNGN {
		return nil, domain.ErrWrongCurrency.With("order %s settles in %s", o.ID, o.Currency)
	}
	if o.Status != domain.StatusCreated {
		return nil, domain.ErrInvalidTransition.With("order %s is %s; funds can only be locked on CREATED orders", o.ID, o.Status)
	}

	fee, err := s.Fee(o.Amount)
	if err != nil {
		return nil, err
	}
	if err := u.Debit(ctx, o.BuyerID, o.Amount); err != nil {
		return nil, err
	}

	now := s.machine.Now()
	entry := &domain.LedgerEntry{
		OrderID:      o.ID,
		BuyerID:      o.BuyerID,
		AmountLocked: o.Amount,
		FeeAmount:    fee,
		TotalDebit:   o.Amount,
		LockedAt:     now,
	}
	if err := u.InsertLedgerEntry(ctx, entry); err != nil {
		return nil, err
	}
	if err := appendTx(ctx, u, o.BuyerID, o.ID, domain.WalletEscrowLock, "-"+o.Amount, "", now); err != nil {
		return nil, err
	}
	if err := s.machine.Apply(ctx, u, o, orders.Step{
		Expected: expected, To: domain.StatusInEscrow, Party: party,
	}); err != nil {
		return nil, err
	}
	if err := audit.Record(ctx, u, "wallet.lock", "order", o.ID, map[string]any{
		"buyer_id":      o.BuyerID,
		"amount_locked": entry.AmountLocked,
		"fee_amount":    entry.FeeAmount,
	}); err != nil {
		return nil, err
	}
	return entry, nil
}

// Release credits the seller for a delivered NGN order. Only the buyer
// may release through this path; admins release via dispute resolution.
func (s *Service) Release(ctx context.Context, callerID, orderID string, expected int64) (*domain.Order, error) {
	var out *domain.Order
	var credited string
	err := s.machine.Run(ctx, "wallet_release", func(u *orders.Unit) error {
		o, err := s.machine.Load(ctx, u, orderID)
		if err != nil {
			return err
		}
		if o.BuyerID != callerID {
			return domain.ErrNotBuyer
		}
		credited, err = s.ReleaseTx(ctx, u, o, expected, domain.PartyBuyer, "")
		if err != nil {
			return err
		}
		out = o
		return nil
	})
	if err != nil {
		return nil, err
	}
	ObserveMovement(domain.WalletEscrowRelease, credited)
	return out, nil
}

// ReleaseTx performs the release inside an open unit and returns the
// amount credited to the seller.
func (s *Service) ReleaseTx(ctx context.Context, u *orders.Unit, o *domain.Order, expected int64, party domain.Party, note string) (string, error) {
	if o.Version != expected {
		return "", domain.ErrVersionConflict.With("order %s is at version %d, expected %d", o.ID, o.Version, expected)
	}
	if o.Currency != domain.CurrencyNGN {
		return "", domain.ErrWrongCurrency.With("order %s settles in %s", o.ID, o.Currency)
	}
	if o.Status != domain.StatusDelivered {
		return "", domain.ErrWrongStatus.With("order %s is %s; release requires DELIVERED", o.ID, o.Status)
	}

	entry, err := u.LedgerEntry(ctx, o.ID)
	if err != nil {
		return "", err
	}
	credit, err := sellerCredit(entry)
	if err != nil {
		return "", err
	}

	if err := u.Credit(ctx, o.SellerID, credit); err != nil {
		return "", err
	}
	if err := appendTx(ctx, u, o.SellerID, o.ID, domain.WalletEscrowRelease, credit, "", s.machine.Now()); err != nil {
		return "", err
	}
	if err := s.machine.Apply(ctx, u, o, orders.Step{
		Expected: expected, To: domain.StatusReleased, Party: party, Note: note,
	}); err != nil {
		return "", err
	}
	if err := audit.Record(ctx, u, "wallet.release", "order", o.ID, map[string]any{
		"seller_id":     o.SellerID,
		"amount_locked": entry.AmountLocked,
		"fee_amount":    entry.FeeAmount,
		"credited":      credit,
	}); err != nil {
		return "", err
	}
	return credit, nil
}

// Refund returns the locked amount to the buyer. Admin or system only.
func (s *Service) Refund(ctx context.Context, orderID string, expected int64, party domain.Party, reason string) (*domain.Order, error) {
	if err := validation.Validate(
		validation.MaxLength("reason", reason, validation.MaxNoteLength),
	).Err(); err != nil {
		return nil, err
	}

	var out *domain.Order
	var credited string
	err := s.machine.Run(ctx, "wallet_refund", func(u *orders.Unit) error {
		o, err := s.machine.Load(ctx, u, orderID)
		if err != nil {
			return err
		}
		credited, err = s.RefundTx(ctx, u, o, expected, party, reason)
		if err != nil {
			return err
		}
		out = o
		return nil
	})
	if err != nil {
		return nil, err
	}
	ObserveMovement(domain.WalletEscrowRefund, credited)
	return out, nil
}

// RefundTx performs the refund inside an open unit and returns the
// amount credited to the buyer.
func (s *Service) RefundTx(ctx context.Context, u *orders.Unit, o *domain.Order, expected int64, party domain.Party, reason string) (string, error) {
	if o.Version != expected {
		return "", domain.ErrVersionConflict.With("order %s is at version %d, expected %d", o.ID, o.Version, expected)
	}
	if o.Currency != domain.CurrencyNGN {
		return "", domain.ErrWrongCurrency.With("order %s settles in %s", o.ID, o.Currency)
	}
	if !refundable[o.Status] {
		return "", domain.ErrWrongStatus.With("order %s is %s; refund requires IN_ESCROW, DELIVERED or DISPUTED", o.ID, o.Status)
	}

	entry, err := u.LedgerEntry(ctx, o.ID)
	if err != nil {
		return "", err
	}
	if err := u.Credit(ctx, o.BuyerID, entry.AmountLocked); err != nil {
		return "", err
	}
	if err := appendTx(ctx, u, o.BuyerID, o.ID, domain.WalletEscrowRefund, entry.AmountLocked, "", s.machine.Now()); err != nil {
		return "", err
	}
	if err := s.machine.Apply(ctx, u, o, orders.Step{
		Expected: expected, To: domain.StatusRefunded, Party: party, Note: reason,
	}); err != nil {
		return "", err
	}
	if err := audit.Record(ctx, u, "wallet.refund", "order", o.ID, map[string]any{
		"buyer_id": o.BuyerID,
		"credited": entry.AmountLocked,
		"reason":   reason,
	}); err != nil {
		return "", err
	}
	return entry.AmountLocked, nil
}

// Fund credits a user's wallet. It stands in for the payment provider's
// funding callback and is exposed to admins only.
func (s *Service) Fund(ctx context.Context, userID, amount, reference string) (*domain.Wallet, error) {
	userID = strings.TrimSpace(userID)
	if err := validation.Validate(
		validation.Required("user_id", userID),
		validation.Required("amount", amount),
		validation.ValidAmount("amount", amount, money.NGNDecimals),
		validation.MaxLength("reference", reference, validation.MaxNoteLength),
	).Err(); err != nil {
		return nil, err
	}
	amount, _ = money.Normalize(amount, money.NGNDecimals)

	err := s.machine.Run(ctx, "wallet_fund", func(u *orders.Unit) error {
		if err := u.Credit(ctx, userID, amount); err != nil {
			return err
		}
		if err := appendTx(ctx, u, userID, "", domain.WalletFund, amount, reference, s.machine.Now()); err != nil {
			return err
		}
		return audit.Record(ctx, u, "wallet.fund", "wallet", userID, map[string]any{
			"amount":    amount,
			"reference": reference,
		})
	})
	if err != nil {
		return nil, err
	}
	ObserveMovement(domain.WalletFund, amount)
	return s.machine.Store().Wallet(ctx, userID)
}

// Balance returns the user's wallet.
func (s *Service) Balance(ctx context.Context, userID string) (*domain.Wallet, error) {
	return s.machine.Store().Wallet(ctx, userID)
}

// History returns the user's wallet movements, newest first.
func (s *Service) History(ctx context.Context, userID string, limit int) ([]*domain.WalletTransaction, error) {
	return s.machine.Store().WalletTransactions(ctx, userID, limit)
}

// Reconciliation compares an order's ledger entry with the wallet
// movements recorded against it.
type Reconciliation struct {
	OrderID        string `json:"order_id"`
	Status         string `json:"status"`
	AmountLocked   string `json:"amount_locked"`
	FeeAmount      string `json:"fee_amount"`
	BuyerDebited   string `json:"buyer_debited"`
	SellerCredited string `json:"seller_credited"`
	BuyerRefunded  string `json:"buyer_refunded"`
	Balanced       bool   `json:"balanced"`
}

// Reconcile checks that nothing was created or destroyed for an order:
// the buyer was debited exactly amount_locked, and a release paid the
// seller amount_locked minus the fee, or a refund returned it in full.
func (s *Service) Reconcile(ctx context.Context, orderID string) (*Reconciliation, error) {
	st := s.machine.Store()
	o, err := st.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if o.Currency != domain.CurrencyNGN {
		return nil, domain.ErrWrongCurrency.With("order %s settles in %s", o.ID, o.Currency)
	}
	entry, err := st.GetLedgerEntry(ctx, orderID)
	if err != nil {
		return nil, err
	}

	sums := map[domain.WalletTxType]*big.Int{
		domain.WalletEscrowLock:    new(big.Int),
		domain.WalletEscrowRelease: new(big.Int),
		domain.WalletEscrowRefund:  new(big.Int),
	}
	for _, userID := range []string{o.BuyerID, o.SellerID} {
		txs, err := st.WalletTransactions(ctx, userID, store.MaxListLimit)
		if err != nil {
			return nil, err
		}
		for _, t := range txs {
			sum, ok := sums[t.Type]
			if t.OrderID != orderID || !ok {
				continue
			}
			v, ok := money.Parse(strings.TrimPrefix(t.Amount, "-"), money.NGNDecimals)
			if !ok {
				return nil, domain.ErrInternal.With("malformed wallet transaction %s", t.ID)
			}
			sum.Add(sum, v)
		}
	}

	locked, _ := money.Parse(entry.AmountLocked, money.NGNDecimals)
	fee, _ := money.Parse(entry.FeeAmount, money.NGNDecimals)
	debited := sums[domain.WalletEscrowLock]
	released := sums[domain.WalletEscrowRelease]
	refunded := sums[domain.WalletEscrowRefund]

	balanced := debited.Cmp(locked) == 0
	switch o.Status {
	case domain.StatusReleased:
		paid := new(big.Int).Add(released, fee)
		balanced = balanced && paid.Cmp(locked) == 0 && refunded.Sign() == 0
	case domain.StatusRefunded:
		balanced = balanced && refunded.Cmp(locked) == 0 && released.Sign() == 0
	default:
		balanced = balanced && released.Sign() == 0 && refunded.Sign() == 0
	}

	return &Reconciliation{
		OrderID:        o.ID,
		Status:         string(o.Status),
		AmountLocked:   entry.AmountLocked,
		FeeAmount:      entry.FeeAmount,
		BuyerDebited:   money.Format(debited, money.NGNDecimals),
		SellerCredited: money.Format(released, money.NGNDecimals),
		BuyerRefunded:  money.Format(refunded, money.NGNDecimals),
		Balanced:       balanced,
	}, nil
}

func sellerCredit(e *domain.LedgerEntry) (string, error) {
	locked, ok := money.Parse(e.AmountLocked, money.NGNDecimals)
	if !ok {
		return "", domain.ErrInternal.With("malformed amount_locked on order %s", e.OrderID)
	}
	fee, ok := money.Parse(e.FeeAmount, money.NGNDecimals)
	if !ok {
		return "", domain.ErrInternal.With("malformed fee_amount on order %s", e.OrderID)
	}
	return money.Format(locked.Sub(locked, fee), money.NGNDecimals), nil
}

func appendTx(ctx context.Context, tx store.Tx, userID, orderID string, typ domain.WalletTxType, amount, reference string, now time.Time) error {
	return tx.AppendWalletTx(ctx, &domain.WalletTransaction{
		ID:        idgen.WithPrefix(idgen.PrefixWalletTx),
		UserID:    userID,
		OrderID:   orderID,
		Type:      typ,
		Amount:    amount,
		Reference: reference,
		CreatedAt: now,
	})
}
