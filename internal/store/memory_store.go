package store

import (
	"context"
	"encoding/json"
	"math/big"
	"sort"
	"sync"
	"time"

	"github.com/dog-best/meta-sub000/internal/domain"
	"github.com/dog-best/meta-sub000/internal/money"
)

// MemoryStore is an in-memory Store for demo/development mode and unit
// tests. A single mutex serializes atomic units, and each unit writes to
// a staged overlay that is folded into the base maps only on commit.
type MemoryStore struct {
	mu sync.RWMutex

	listings     *table[string, domain.Listing]
	orders       *table[string, domain.Order]
	wallets      *table[string, domain.Wallet]
	ledger       *table[string, domain.LedgerEntry]
	otps         *table[string, domain.OTPRecord]
	deliverables *table[string, domain.Deliverable]
	disputes     *table[string, domain.Dispute]
	mappings     *table[string, domain.CryptoMapping]
	intents      *table[intentKey, domain.CryptoIntent]

	walletTxs []*domain.WalletTransaction
	audit     []*domain.AuditEntry
}

type intentKey struct {
	orderID string
	typ     domain.IntentType
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		listings:     newTable[string](shallow[domain.Listing]),
		orders:       newTable[string]((*domain.Order).Clone),
		wallets:      newTable[string](shallow[domain.Wallet]),
		ledger:       newTable[string](shallow[domain.LedgerEntry]),
		otps:         newTable[string](cloneOTP),
		deliverables: newTable[string](shallow[domain.Deliverable]),
		disputes:     newTable[string](cloneDispute),
		mappings:     newTable[string](shallow[domain.CryptoMapping]),
		intents:      newTable[intentKey](shallow[domain.CryptoIntent]),
	}
}

func (m *MemoryStore) Atomic(ctx context.Context, fn func(Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	tx := &memTx{
		listings:     m.listings.begin(),
		orders:       m.orders.begin(),
		wallets:      m.wallets.begin(),
		ledger:       m.ledger.begin(),
		otps:         m.otps.begin(),
		deliverables: m.deliverables.begin(),
		disputes:     m.disputes.begin(),
		mappings:     m.mappings.begin(),
		intents:      m.intents.begin(),
	}
	if err := fn(tx); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	tx.listings.commit()
	tx.orders.commit()
	tx.wallets.commit()
	tx.ledger.commit()
	tx.otps.commit()
	tx.deliverables.commit()
	tx.disputes.commit()
	tx.mappings.commit()
	tx.intents.commit()
	m.walletTxs = append(m.walletTxs, tx.walletTxs...)
	m.audit = append(m.audit, tx.audit...)
	return nil
}

func (m *MemoryStore) GetOrder(_ context.Context, id string) (*domain.Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.orders.get(id, domain.ErrOrderNotFound)
}

func (m *MemoryStore) ListOrders(_ context.Context, f domain.OrderFilter) ([]*domain.Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*domain.Order
	for _, o := range m.orders.rows {
		if f.BuyerID != "" && o.BuyerID != f.BuyerID {
			continue
		}
		if f.SellerID != "" && o.SellerID != f.SellerID {
			continue
		}
		if f.Status != "" && o.Status != f.Status {
			continue
		}
		result = append(result, o.Clone())
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})
	if limit := limitOr(f.Limit); len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (m *MemoryStore) GetListing(_ context.Context, id string) (*domain.Listing, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.listings.get(id, domain.ErrListingNotFound)
}

func (m *MemoryStore) Wallet(_ context.Context, userID string) (*domain.Wallet, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if w, ok := m.wallets.rows[userID]; ok {
		cp := *w
		return &cp, nil
	}
	return &domain.Wallet{UserID: userID, Balance: money.Format(nil, money.NGNDecimals)}, nil
}

func (m *MemoryStore) WalletTransactions(_ context.Context, userID string, limit int) ([]*domain.WalletTransaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	limit = limitOr(limit)
	var result []*domain.WalletTransaction
	for i := len(m.walletTxs) - 1; i >= 0 && len(result) < limit; i-- {
		if t := m.walletTxs[i]; t.UserID == userID {
			cp := *t
			result = append(result, &cp)
		}
	}
	return result, nil
}

func (m *MemoryStore) GetLedgerEntry(_ context.Context, orderID string) (*domain.LedgerEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.ledger.get(orderID, domain.ErrLedgerEntryNotFound)
}

func (m *MemoryStore) GetOTP(_ context.Context, orderID string) (*domain.OTPRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.otps.get(orderID, domain.ErrOtpMissing)
}

func (m *MemoryStore) GetDeliverable(_ context.Context, orderID string) (*domain.Deliverable, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.deliverables.get(orderID, domain.ErrDeliverableMissing)
}

func (m *MemoryStore) GetDispute(_ context.Context, orderID string) (*domain.Dispute, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.disputes.get(orderID, domain.ErrNoDispute)
}

func (m *MemoryStore) GetMapping(_ context.Context, orderID string) (*domain.CryptoMapping, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.mappings.get(orderID, domain.ErrMappingMissing)
}

func (m *MemoryStore) ListIntents(_ context.Context, orderID string) ([]*domain.CryptoIntent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*domain.CryptoIntent
	for _, t := range []domain.IntentType{domain.IntentDeposit, domain.IntentRefund, domain.IntentRelease} {
		if i, ok := m.intents.rows[intentKey{orderID, t}]; ok {
			cp := *i
			result = append(result, &cp)
		}
	}
	return result, nil
}

func (m *MemoryStore) QueryAudit(_ context.Context, f domain.AuditFilter) ([]*domain.AuditEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	limit := limitOr(f.Limit)
	var result []*domain.AuditEntry
	for i := len(m.audit) - 1; i >= 0 && len(result) < limit; i-- {
		e := m.audit[i]
		if f.EntityType != "" && e.EntityType != f.EntityType {
			continue
		}
		if f.EntityID != "" && e.EntityID != f.EntityID {
			continue
		}
		if f.Action != "" && e.Action != f.Action {
			continue
		}
		cp := *e
		cp.Payload = append(json.RawMessage(nil), e.Payload...)
		result = append(result, &cp)
	}
	return result, nil
}

func (m *MemoryStore) Ping(context.Context) error { return nil }

// memTx stages writes for one atomic unit. It is only used while the
// store mutex is held.
type memTx struct {
	listings     *overlay[string, domain.Listing]
	orders       *overlay[string, domain.Order]
	wallets      *overlay[string, domain.Wallet]
	ledger       *overlay[string, domain.LedgerEntry]
	otps         *overlay[string, domain.OTPRecord]
	deliverables *overlay[string, domain.Deliverable]
	disputes     *overlay[string, domain.Dispute]
	mappings     *overlay[string, domain.CryptoMapping]
	intents      *overlay[intentKey, domain.CryptoIntent]

	walletTxs []*domain.WalletTransaction
	audit     []*domain.AuditEntry
}

func (t *memTx) InsertListing(_ context.Context, l *domain.Listing) error {
	if _, ok := t.listings.lookup(l.ID); ok {
		return domain.ErrInvalidInput.With("listing %s already exists", l.ID)
	}
	t.listings.put(l.ID, l)
	return nil
}

func (t *memTx) LockListing(_ context.Context, id string) (*domain.Listing, error) {
	return t.listings.get(id, domain.ErrListingNotFound)
}

func (t *memTx) UpdateListingStock(_ context.Context, id string, stock int) error {
	l, err := t.listings.get(id, domain.ErrListingNotFound)
	if err != nil {
		return err
	}
	if stock < 0 {
		return domain.ErrInsufficientStock
	}
	l.Stock = stock
	l.UpdatedAt = time.Now().UTC()
	t.listings.put(id, l)
	return nil
}

func (t *memTx) InsertOrder(_ context.Context, o *domain.Order) error {
	if _, ok := t.orders.lookup(o.ID); ok {
		return domain.ErrInvalidInput.With("order %s already exists", o.ID)
	}
	t.orders.put(o.ID, o)
	return nil
}

func (t *memTx) LockOrder(_ context.Context, id string) (*domain.Order, error) {
	return t.orders.get(id, domain.ErrOrderNotFound)
}

func (t *memTx) UpdateOrder(_ context.Context, o *domain.Order, expected int64) error {
	cur, ok := t.orders.lookup(o.ID)
	if !ok {
		return domain.ErrOrderNotFound
	}
	if cur.Version != expected {
		return domain.ErrVersionConflict
	}
	t.orders.put(o.ID, o)
	return nil
}

func (t *memTx) balance(userID string) *big.Int {
	if w, ok := t.wallets.lookup(userID); ok {
		if v, ok := money.Parse(w.Balance, money.NGNDecimals); ok {
			return v
		}
	}
	return new(big.Int)
}

func (t *memTx) setBalance(userID string, v *big.Int) {
	t.wallets.put(userID, &domain.Wallet{
		UserID:    userID,
		Balance:   money.Format(v, money.NGNDecimals),
		UpdatedAt: time.Now().UTC(),
	})
}

func (t *memTx) Debit(_ context.Context, userID, amount string) error {
	amt, ok := money.Parse(amount, money.NGNDecimals)
	if !ok || amt.Sign() <= 0 {
		return domain.ErrInvalidInput.With("invalid debit amount %q", amount)
	}
	bal := t.balance(userID)
	if bal.Cmp(amt) < 0 {
		return domain.ErrInsufficientFunds
	}
	t.setBalance(userID, bal.Sub(bal, amt))
	return nil
}

func (t *memTx) Credit(_ context.Context, userID, amount string) error {
	amt, ok := money.Parse(amount, money.NGNDecimals)
	if !ok || amt.Sign() < 0 {
		return domain.ErrInvalidInput.With("invalid credit amount %q", amount)
	}
	bal := t.balance(userID)
	t.setBalance(userID, bal.Add(bal, amt))
	return nil
}

func (t *memTx) AppendWalletTx(_ context.Context, w *domain.WalletTransaction) error {
	cp := *w
	t.walletTxs = append(t.walletTxs, &cp)
	return nil
}

func (t *memTx) InsertLedgerEntry(_ context.Context, e *domain.LedgerEntry) error {
	if _, ok := t.ledger.lookup(e.OrderID); ok {
		return domain.ErrInvalidTransition.With("funds already locked for order %s", e.OrderID)
	}
	t.ledger.put(e.OrderID, e)
	return nil
}

func (t *memTx) LedgerEntry(_ context.Context, orderID string) (*domain.LedgerEntry, error) {
	return t.ledger.get(orderID, domain.ErrLedgerEntryNotFound)
}

func (t *memTx) UpsertOTP(_ context.Context, r *domain.OTPRecord) error {
	t.otps.put(r.OrderID, r)
	return nil
}

func (t *memTx) OTP(_ context.Context, orderID string) (*domain.OTPRecord, error) {
	return t.otps.get(orderID, domain.ErrOtpMissing)
}

func (t *memTx) UpsertDeliverable(_ context.Context, d *domain.Deliverable) error {
	t.deliverables.put(d.OrderID, d)
	return nil
}

func (t *memTx) Deliverable(_ context.Context, orderID string) (*domain.Deliverable, error) {
	return t.deliverables.get(orderID, domain.ErrDeliverableMissing)
}

func (t *memTx) InsertDispute(_ context.Context, d *domain.Dispute) error {
	if _, ok := t.disputes.lookup(d.OrderID); ok {
		return domain.ErrAlreadyDisputed
	}
	t.disputes.put(d.OrderID, d)
	return nil
}

func (t *memTx) Dispute(_ context.Context, orderID string) (*domain.Dispute, error) {
	return t.disputes.get(orderID, domain.ErrNoDispute)
}

func (t *memTx) UpdateDispute(_ context.Context, d *domain.Dispute) error {
	if _, ok := t.disputes.lookup(d.OrderID); !ok {
		return domain.ErrNoDispute
	}
	t.disputes.put(d.OrderID, d)
	return nil
}

func (t *memTx) UpsertMapping(_ context.Context, m *domain.CryptoMapping) error {
	t.mappings.put(m.OrderID, m)
	return nil
}

func (t *memTx) Mapping(_ context.Context, orderID string) (*domain.CryptoMapping, error) {
	return t.mappings.get(orderID, domain.ErrMappingMissing)
}

func (t *memTx) UpsertIntent(_ context.Context, i *domain.CryptoIntent) error {
	t.intents.put(intentKey{i.OrderID, i.Type}, i)
	return nil
}

func (t *memTx) Intent(_ context.Context, orderID string, typ domain.IntentType) (*domain.CryptoIntent, error) {
	return t.intents.get(intentKey{orderID, typ}, domain.ErrIntentNotFound)
}

func (t *memTx) AppendAudit(_ context.Context, e *domain.AuditEntry) error {
	cp := *e
	cp.Payload = append(json.RawMessage(nil), e.Payload...)
	t.audit = append(t.audit, &cp)
	return nil
}

// table is a keyed set of rows that hands out copies only.
type table[K comparable, V any] struct {
	rows  map[K]*V
	clone func(*V) *V
}

func newTable[K comparable, V any](clone func(*V) *V) *table[K, V] {
	return &table[K, V]{rows: make(map[K]*V), clone: clone}
}

func (t *table[K, V]) get(k K, notFound error) (*V, error) {
	v, ok := t.rows[k]
	if !ok {
		return nil, notFound
	}
	return t.clone(v), nil
}

func (t *table[K, V]) begin() *overlay[K, V] {
	return &overlay[K, V]{base: t, staged: make(map[K]*V)}
}

// overlay is the copy-on-write view of a table inside one unit.
type overlay[K comparable, V any] struct {
	base   *table[K, V]
	staged map[K]*V
}

func (o *overlay[K, V]) lookup(k K) (*V, bool) {
	if v, ok := o.staged[k]; ok {
		return v, true
	}
	v, ok := o.base.rows[k]
	return v, ok
}

func (o *overlay[K, V]) get(k K, notFound error) (*V, error) {
	v, ok := o.lookup(k)
	if !ok {
		return nil, notFound
	}
	return o.base.clone(v), nil
}

func (o *overlay[K, V]) put(k K, v *V) {
	o.staged[k] = o.base.clone(v)
}

func (o *overlay[K, V]) commit() {
	for k, v := range o.staged {
		o.base.rows[k] = v
	}
}

func shallow[V any](v *V) *V {
	cp := *v
	return &cp
}

func cloneOTP(r *domain.OTPRecord) *domain.OTPRecord {
	cp := *r
	if r.VerifiedAt != nil {
		t := *r.VerifiedAt
		cp.VerifiedAt = &t
	}
	return &cp
}

func cloneDispute(d *domain.Dispute) *domain.Dispute {
	cp := *d
	if d.ResolvedAt != nil {
		t := *d.ResolvedAt
		cp.ResolvedAt = &t
	}
	return &cp
}
