package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/dog-best/meta-sub000/internal/domain"
	"github.com/dog-best/meta-sub000/internal/money"
)

// PostgreSQL error codes translated into domain errors.
const (
	pgUniqueViolation = "23505"
	pgCheckViolation  = "23514"
)

// PostgresStore persists settlement data in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Atomic runs fn in a READ COMMITTED transaction. Order rows are locked
// with SELECT ... FOR UPDATE and written with a version CAS, which is
// enough to serialize competing transitions on the same order.
func (p *PostgresStore) Atomic(ctx context.Context, fn func(Tx) error) error {
	tx, err := p.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := fn(&pgTx{q: tx}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func (p *PostgresStore) Ping(ctx context.Context) error {
	return p.db.PingContext(ctx)
}

// --- orders ---

const orderColumns = `id, buyer_id, seller_id, listing_id, quantity, unit_price, amount,
		currency, delivery_kind, delivery_address, status, version,
		in_escrow_at, out_for_delivery_at, deliverable_uploaded_at, delivered_at,
		released_at, refunded_at, cancelled_at, disputed_at, created_at, updated_at`

func (p *PostgresStore) GetOrder(ctx context.Context, id string) (*domain.Order, error) {
	return getOrder(ctx, p.db, id, false)
}

func (p *PostgresStore) ListOrders(ctx context.Context, f domain.OrderFilter) ([]*domain.Order, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+orderColumns+` FROM orders
		WHERE ($1 = '' OR buyer_id = $1)
		  AND ($2 = '' OR seller_id = $2)
		  AND ($3 = '' OR status = $3)
		ORDER BY created_at DESC
		LIMIT $4`,
		f.BuyerID, f.SellerID, string(f.Status), limitOr(f.Limit),
	)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*domain.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, o)
	}
	return result, rows.Err()
}

func getOrder(ctx context.Context, q querier, id string, forUpdate bool) (*domain.Order, error) {
	query := `SELECT ` + orderColumns + ` FROM orders WHERE id = $1`
	if forUpdate {
		query += ` FOR UPDATE`
	}
	o, err := scanOrder(q.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrOrderNotFound
	}
	return o, err
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanOrder(s scanner) (*domain.Order, error) {
	o := &domain.Order{}
	var (
		currency, kind, status string
		address                sql.NullString
		milestones             [8]sql.NullTime
	)
	err := s.Scan(
		&o.ID, &o.BuyerID, &o.SellerID, &o.ListingID, &o.Quantity, &o.UnitPrice, &o.Amount,
		&currency, &kind, &address, &status, &o.Version,
		&milestones[0], &milestones[1], &milestones[2], &milestones[3],
		&milestones[4], &milestones[5], &milestones[6], &milestones[7],
		&o.CreatedAt, &o.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	o.Currency = domain.Currency(currency)
	o.DeliveryKind = domain.DeliveryKind(kind)
	o.Status = domain.Status(status)
	o.DeliveryAddress = address.String
	o.UnitPrice = normalize(o.UnitPrice, o.Currency)
	o.Amount = normalize(o.Amount, o.Currency)
	o.InEscrowAt = timePtr(milestones[0])
	o.OutForDeliveryAt = timePtr(milestones[1])
	o.DeliverableUploadedAt = timePtr(milestones[2])
	o.DeliveredAt = timePtr(milestones[3])
	o.ReleasedAt = timePtr(milestones[4])
	o.RefundedAt = timePtr(milestones[5])
	o.CancelledAt = timePtr(milestones[6])
	o.DisputedAt = timePtr(milestones[7])
	return o, nil
}

// --- listings ---

const listingColumns = `id, seller_id, title, category, delivery_type, unit_price, currency,
		stock, active, seller_wallet, created_at, updated_at`

func (p *PostgresStore) GetListing(ctx context.Context, id string) (*domain.Listing, error) {
	return getListing(ctx, p.db, id, false)
}

func getListing(ctx context.Context, q querier, id string, forUpdate bool) (*domain.Listing, error) {
	query := `SELECT ` + listingColumns + ` FROM listings WHERE id = $1`
	if forUpdate {
		query += ` FOR UPDATE`
	}
	l := &domain.Listing{}
	var (
		category, deliveryType, currency string
		wallet                           sql.NullString
	)
	err := q.QueryRowContext(ctx, query, id).Scan(
		&l.ID, &l.SellerID, &l.Title, &category, &deliveryType, &l.UnitPrice, &currency,
		&l.Stock, &l.Active, &wallet, &l.CreatedAt, &l.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrListingNotFound
	}
	if err != nil {
		return nil, err
	}
	l.Category = domain.Category(category)
	l.DeliveryType = domain.DeliveryType(deliveryType)
	l.Currency = domain.Currency(currency)
	l.SellerWallet = wallet.String
	l.UnitPrice = normalize(l.UnitPrice, l.Currency)
	return l, nil
}

// --- wallets ---

func (p *PostgresStore) Wallet(ctx context.Context, userID string) (*domain.Wallet, error) {
	w := &domain.Wallet{UserID: userID}
	err := p.db.QueryRowContext(ctx,
		`SELECT balance, updated_at FROM wallets WHERE user_id = $1`, userID,
	).Scan(&w.Balance, &w.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		w.Balance = money.Format(nil, money.NGNDecimals)
		return w, nil
	}
	if err != nil {
		return nil, err
	}
	return w, nil
}

func (p *PostgresStore) WalletTransactions(ctx context.Context, userID string, limit int) ([]*domain.WalletTransaction, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, user_id, order_id, type, amount, reference, created_at
		FROM wallet_transactions
		WHERE user_id = $1
		ORDER BY created_at DESC
		LIMIT $2`, userID, limitOr(limit))
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*domain.WalletTransaction
	for rows.Next() {
		t := &domain.WalletTransaction{}
		var orderID, reference sql.NullString
		var typ string
		if err := rows.Scan(&t.ID, &t.UserID, &orderID, &typ, &t.Amount, &reference, &t.CreatedAt); err != nil {
			return nil, err
		}
		t.OrderID = orderID.String
		t.Reference = reference.String
		t.Type = domain.WalletTxType(typ)
		result = append(result, t)
	}
	return result, rows.Err()
}

func (p *PostgresStore) GetLedgerEntry(ctx context.Context, orderID string) (*domain.LedgerEntry, error) {
	return getLedgerEntry(ctx, p.db, orderID)
}

func getLedgerEntry(ctx context.Context, q querier, orderID string) (*domain.LedgerEntry, error) {
	e := &domain.LedgerEntry{}
	err := q.QueryRowContext(ctx, `
		SELECT order_id, buyer_id, amount_locked, fee_amount, total_debit, locked_at
		FROM wallet_ledger WHERE order_id = $1`, orderID,
	).Scan(&e.OrderID, &e.BuyerID, &e.AmountLocked, &e.FeeAmount, &e.TotalDebit, &e.LockedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrLedgerEntryNotFound
	}
	if err != nil {
		return nil, err
	}
	return e, nil
}

// --- delivery proofs ---

func (p *PostgresStore) GetOTP(ctx context.Context, orderID string) (*domain.OTPRecord, error) {
	return getOTP(ctx, p.db, orderID, false)
}

func getOTP(ctx context.Context, q querier, orderID string, forUpdate bool) (*domain.OTPRecord, error) {
	query := `SELECT order_id, otp_hash, expires_at, attempts, verified_at, created_at
		FROM order_otps WHERE order_id = $1`
	if forUpdate {
		query += ` FOR UPDATE`
	}
	r := &domain.OTPRecord{}
	var verifiedAt sql.NullTime
	err := q.QueryRowContext(ctx, query, orderID).Scan(
		&r.OrderID, &r.Hash, &r.ExpiresAt, &r.Attempts, &verifiedAt, &r.CreatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrOtpMissing
	}
	if err != nil {
		return nil, err
	}
	r.VerifiedAt = timePtr(verifiedAt)
	return r, nil
}

func (p *PostgresStore) GetDeliverable(ctx context.Context, orderID string) (*domain.Deliverable, error) {
	return getDeliverable(ctx, p.db, orderID)
}

func getDeliverable(ctx context.Context, q querier, orderID string) (*domain.Deliverable, error) {
	d := &domain.Deliverable{}
	var note sql.NullString
	err := q.QueryRowContext(ctx, `
		SELECT order_id, uploaded_by, storage_ref, note, created_at
		FROM deliverables WHERE order_id = $1`, orderID,
	).Scan(&d.OrderID, &d.UploadedBy, &d.StorageRef, &note, &d.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrDeliverableMissing
	}
	if err != nil {
		return nil, err
	}
	d.Note = note.String
	return d, nil
}

// --- disputes ---

func (p *PostgresStore) GetDispute(ctx context.Context, orderID string) (*domain.Dispute, error) {
	return getDispute(ctx, p.db, orderID, false)
}

func getDispute(ctx context.Context, q querier, orderID string, forUpdate bool) (*domain.Dispute, error) {
	query := `SELECT id, order_id, opened_by, reason, status, resolution, admin_note, created_at, resolved_at
		FROM disputes WHERE order_id = $1`
	if forUpdate {
		query += ` FOR UPDATE`
	}
	d := &domain.Dispute{}
	var (
		status           string
		resolution, note sql.NullString
		resolvedAt       sql.NullTime
	)
	err := q.QueryRowContext(ctx, query, orderID).Scan(
		&d.ID, &d.OrderID, &d.OpenedBy, &d.Reason, &status, &resolution, &note, &d.CreatedAt, &resolvedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNoDispute
	}
	if err != nil {
		return nil, err
	}
	d.Status = domain.DisputeStatus(status)
	d.Resolution = domain.Resolution(resolution.String)
	d.AdminNote = note.String
	d.ResolvedAt = timePtr(resolvedAt)
	return d, nil
}

// --- crypto escrow ---

func (p *PostgresStore) GetMapping(ctx context.Context, orderID string) (*domain.CryptoMapping, error) {
	return getMapping(ctx, p.db, orderID)
}

func getMapping(ctx context.Context, q querier, orderID string) (*domain.CryptoMapping, error) {
	m := &domain.CryptoMapping{}
	var raw sql.NullString
	err := q.QueryRowContext(ctx, `
		SELECT order_id, order_key, chain, buyer_wallet, seller_wallet, token_address,
		       escrow_address, amount_units, amount_raw, created_at, updated_at
		FROM crypto_escrow_mappings WHERE order_id = $1`, orderID,
	).Scan(
		&m.OrderID, &m.OrderKey, &m.Chain, &m.BuyerWallet, &m.SellerWallet, &m.TokenAddress,
		&m.EscrowAddress, &m.AmountUnits, &raw, &m.CreatedAt, &m.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrMappingMissing
	}
	if err != nil {
		return nil, err
	}
	m.AmountRaw = raw.String
	return m, nil
}

const intentColumns = `order_id, intent_type, status, amount_raw, fee_raw, buyer_total_raw,
		tx_hash, failure_reason, created_at, updated_at`

func (p *PostgresStore) ListIntents(ctx context.Context, orderID string) ([]*domain.CryptoIntent, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT `+intentColumns+` FROM crypto_intents WHERE order_id = $1 ORDER BY created_at`, orderID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*domain.CryptoIntent
	for rows.Next() {
		i, err := scanIntent(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, i)
	}
	return result, rows.Err()
}

func scanIntent(s scanner) (*domain.CryptoIntent, error) {
	i := &domain.CryptoIntent{}
	var (
		typ, status                      string
		amount, fee, total, hash, reason sql.NullString
	)
	if err := s.Scan(&i.OrderID, &typ, &status, &amount, &fee, &total, &hash, &reason, &i.CreatedAt, &i.UpdatedAt); err != nil {
		return nil, err
	}
	i.Type = domain.IntentType(typ)
	i.Status = domain.IntentStatus(status)
	i.AmountRaw = amount.String
	i.FeeRaw = fee.String
	i.BuyerTotalRaw = total.String
	i.TxHash = hash.String
	i.FailureReason = reason.String
	return i, nil
}

// --- audit ---

func (p *PostgresStore) QueryAudit(ctx context.Context, f domain.AuditFilter) ([]*domain.AuditEntry, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, actor_id, actor_type, action, entity_type, entity_id, payload, created_at
		FROM audit_log
		WHERE ($1 = '' OR entity_type = $1)
		  AND ($2 = '' OR entity_id = $2)
		  AND ($3 = '' OR action = $3)
		ORDER BY created_at DESC
		LIMIT $4`,
		f.EntityType, f.EntityID, f.Action, limitOr(f.Limit),
	)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*domain.AuditEntry
	for rows.Next() {
		e := &domain.AuditEntry{}
		var (
			actorID   sql.NullString
			actorType string
			payload   []byte
		)
		if err := rows.Scan(&e.ID, &actorID, &actorType, &e.Action, &e.EntityType, &e.EntityID, &payload, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.ActorID = actorID.String
		e.ActorType = domain.ActorType(actorType)
		e.Payload = payload
		result = append(result, e)
	}
	return result, rows.Err()
}

// pgTx implements Tx on an open *sql.Tx.
type pgTx struct {
	q querier
}

func (t *pgTx) InsertListing(ctx context.Context, l *domain.Listing) error {
	_, err := t.q.ExecContext(ctx, `
		INSERT INTO listings (`+listingColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6::NUMERIC(20,6), $7, $8, $9, $10, $11, $12)`,
		l.ID, l.SellerID, l.Title, string(l.Category), string(l.DeliveryType), l.UnitPrice,
		string(l.Currency), l.Stock, l.Active, nullString(l.SellerWallet), l.CreatedAt, l.UpdatedAt,
	)
	return err
}

func (t *pgTx) LockListing(ctx context.Context, id string) (*domain.Listing, error) {
	return getListing(ctx, t.q, id, true)
}

func (t *pgTx) UpdateListingStock(ctx context.Context, id string, stock int) error {
	res, err := t.q.ExecContext(ctx,
		`UPDATE listings SET stock = $2, updated_at = NOW() WHERE id = $1`, id, stock)
	if err != nil {
		return translate(err)
	}
	return expectRow(res, domain.ErrListingNotFound)
}

func (t *pgTx) InsertOrder(ctx context.Context, o *domain.Order) error {
	_, err := t.q.ExecContext(ctx, `
		INSERT INTO orders (`+orderColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6::NUMERIC(20,6), $7::NUMERIC(20,6), $8, $9, $10, $11, $12,
		        $13, $14, $15, $16, $17, $18, $19, $20, $21, $22)`,
		o.ID, o.BuyerID, o.SellerID, o.ListingID, o.Quantity, o.UnitPrice, o.Amount,
		string(o.Currency), string(o.DeliveryKind), nullString(o.DeliveryAddress), string(o.Status), o.Version,
		nullTime(o.InEscrowAt), nullTime(o.OutForDeliveryAt), nullTime(o.DeliverableUploadedAt), nullTime(o.DeliveredAt),
		nullTime(o.ReleasedAt), nullTime(o.RefundedAt), nullTime(o.CancelledAt), nullTime(o.DisputedAt),
		o.CreatedAt, o.UpdatedAt,
	)
	return err
}

func (t *pgTx) LockOrder(ctx context.Context, id string) (*domain.Order, error) {
	return getOrder(ctx, t.q, id, true)
}

func (t *pgTx) UpdateOrder(ctx context.Context, o *domain.Order, expected int64) error {
	res, err := t.q.ExecContext(ctx, `
		UPDATE orders SET
			status = $3, version = $4,
			in_escrow_at = $5, out_for_delivery_at = $6, deliverable_uploaded_at = $7, delivered_at = $8,
			released_at = $9, refunded_at = $10, cancelled_at = $11, disputed_at = $12,
			updated_at = $13
		WHERE id = $1 AND version = $2`,
		o.ID, expected, string(o.Status), o.Version,
		nullTime(o.InEscrowAt), nullTime(o.OutForDeliveryAt), nullTime(o.DeliverableUploadedAt), nullTime(o.DeliveredAt),
		nullTime(o.ReleasedAt), nullTime(o.RefundedAt), nullTime(o.CancelledAt), nullTime(o.DisputedAt),
		o.UpdatedAt,
	)
	if err != nil {
		return err
	}
	return expectRow(res, domain.ErrVersionConflict)
}

func (t *pgTx) Debit(ctx context.Context, userID, amount string) error {
	if !money.Positive(amount, money.NGNDecimals) {
		return domain.ErrInvalidInput.With("invalid debit amount %q", amount)
	}
	res, err := t.q.ExecContext(ctx, `
		UPDATE wallets SET balance = balance - $2::NUMERIC(20,2), updated_at = NOW()
		WHERE user_id = $1 AND balance >= $2::NUMERIC(20,2)`, userID, amount)
	if err != nil {
		return translate(err)
	}
	return expectRow(res, domain.ErrInsufficientFunds)
}

func (t *pgTx) Credit(ctx context.Context, userID, amount string) error {
	if _, ok := money.Parse(amount, money.NGNDecimals); !ok {
		return domain.ErrInvalidInput.With("invalid credit amount %q", amount)
	}
	_, err := t.q.ExecContext(ctx, `
		INSERT INTO wallets (user_id, balance, updated_at)
		VALUES ($1, $2::NUMERIC(20,2), NOW())
		ON CONFLICT (user_id) DO UPDATE SET
			balance = wallets.balance + EXCLUDED.balance,
			updated_at = NOW()`, userID, amount)
	return translate(err)
}

func (t *pgTx) AppendWalletTx(ctx context.Context, w *domain.WalletTransaction) error {
	_, err := t.q.ExecContext(ctx, `
		INSERT INTO wallet_transactions (id, user_id, order_id, type, amount, reference, created_at)
		VALUES ($1, $2, $3, $4, $5::NUMERIC(20,2), $6, $7)`,
		w.ID, w.UserID, nullString(w.OrderID), string(w.Type), w.Amount, nullString(w.Reference), w.CreatedAt,
	)
	return err
}

func (t *pgTx) InsertLedgerEntry(ctx context.Context, e *domain.LedgerEntry) error {
	_, err := t.q.ExecContext(ctx, `
		INSERT INTO wallet_ledger (order_id, buyer_id, amount_locked, fee_amount, total_debit, locked_at)
		VALUES ($1, $2, $3::NUMERIC(20,2), $4::NUMERIC(20,2), $5::NUMERIC(20,2), $6)`,
		e.OrderID, e.BuyerID, e.AmountLocked, e.FeeAmount, e.TotalDebit, e.LockedAt,
	)
	if isCode(err, pgUniqueViolation) {
		return domain.ErrInvalidTransition.With("funds already locked for order %s", e.OrderID)
	}
	return err
}

func (t *pgTx) LedgerEntry(ctx context.Context, orderID string) (*domain.LedgerEntry, error) {
	return getLedgerEntry(ctx, t.q, orderID)
}

func (t *pgTx) UpsertOTP(ctx context.Context, r *domain.OTPRecord) error {
	_, err := t.q.ExecContext(ctx, `
		INSERT INTO order_otps (order_id, otp_hash, expires_at, attempts, verified_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (order_id) DO UPDATE SET
			otp_hash = EXCLUDED.otp_hash,
			expires_at = EXCLUDED.expires_at,
			attempts = EXCLUDED.attempts,
			verified_at = EXCLUDED.verified_at,
			created_at = EXCLUDED.created_at`,
		r.OrderID, r.Hash, r.ExpiresAt, r.Attempts, nullTime(r.VerifiedAt), r.CreatedAt,
	)
	return err
}

func (t *pgTx) OTP(ctx context.Context, orderID string) (*domain.OTPRecord, error) {
	return getOTP(ctx, t.q, orderID, true)
}

func (t *pgTx) UpsertDeliverable(ctx context.Context, d *domain.Deliverable) error {
	_, err := t.q.ExecContext(ctx, `
		INSERT INTO deliverables (order_id, uploaded_by, storage_ref, note, created_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (order_id) DO UPDATE SET
			uploaded_by = EXCLUDED.uploaded_by,
			storage_ref = EXCLUDED.storage_ref,
			note = EXCLUDED.note,
			created_at = EXCLUDED.created_at`,
		d.OrderID, d.UploadedBy, d.StorageRef, nullString(d.Note), d.CreatedAt,
	)
	return err
}

func (t *pgTx) Deliverable(ctx context.Context, orderID string) (*domain.Deliverable, error) {
	return getDeliverable(ctx, t.q, orderID)
}

func (t *pgTx) InsertDispute(ctx context.Context, d *domain.Dispute) error {
	_, err := t.q.ExecContext(ctx, `
		INSERT INTO disputes (id, order_id, opened_by, reason, status, resolution, admin_note, created_at, resolved_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		d.ID, d.OrderID, d.OpenedBy, d.Reason, string(d.Status),
		nullString(string(d.Resolution)), nullString(d.AdminNote), d.CreatedAt, nullTime(d.ResolvedAt),
	)
	if isCode(err, pgUniqueViolation) {
		return domain.ErrAlreadyDisputed
	}
	return err
}

func (t *pgTx) Dispute(ctx context.Context, orderID string) (*domain.Dispute, error) {
	return getDispute(ctx, t.q, orderID, true)
}

func (t *pgTx) UpdateDispute(ctx context.Context, d *domain.Dispute) error {
	res, err := t.q.ExecContext(ctx, `
		UPDATE disputes SET status = $2, resolution = $3, admin_note = $4, resolved_at = $5
		WHERE order_id = $1`,
		d.OrderID, string(d.Status), nullString(string(d.Resolution)), nullString(d.AdminNote), nullTime(d.ResolvedAt),
	)
	if err != nil {
		return err
	}
	return expectRow(res, domain.ErrNoDispute)
}

func (t *pgTx) UpsertMapping(ctx context.Context, m *domain.CryptoMapping) error {
	_, err := t.q.ExecContext(ctx, `
		INSERT INTO crypto_escrow_mappings (
			order_id, order_key, chain, buyer_wallet, seller_wallet, token_address,
			escrow_address, amount_units, amount_raw, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (order_id) DO UPDATE SET
			amount_raw = EXCLUDED.amount_raw,
			updated_at = EXCLUDED.updated_at`,
		m.OrderID, m.OrderKey, m.Chain, m.BuyerWallet, m.SellerWallet, m.TokenAddress,
		m.EscrowAddress, m.AmountUnits, nullString(m.AmountRaw), m.CreatedAt, m.UpdatedAt,
	)
	return err
}

func (t *pgTx) Mapping(ctx context.Context, orderID string) (*domain.CryptoMapping, error) {
	return getMapping(ctx, t.q, orderID)
}

func (t *pgTx) UpsertIntent(ctx context.Context, i *domain.CryptoIntent) error {
	_, err := t.q.ExecContext(ctx, `
		INSERT INTO crypto_intents (`+intentColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (order_id, intent_type) DO UPDATE SET
			status = EXCLUDED.status,
			amount_raw = EXCLUDED.amount_raw,
			fee_raw = EXCLUDED.fee_raw,
			buyer_total_raw = EXCLUDED.buyer_total_raw,
			tx_hash = EXCLUDED.tx_hash,
			failure_reason = EXCLUDED.failure_reason,
			updated_at = EXCLUDED.updated_at`,
		i.OrderID, string(i.Type), string(i.Status), nullString(i.AmountRaw), nullString(i.FeeRaw),
		nullString(i.BuyerTotalRaw), nullString(i.TxHash), nullString(i.FailureReason), i.CreatedAt, i.UpdatedAt,
	)
	return err
}

func (t *pgTx) Intent(ctx context.Context, orderID string, typ domain.IntentType) (*domain.CryptoIntent, error) {
	i, err := scanIntent(t.q.QueryRowContext(ctx,
		`SELECT `+intentColumns+` FROM crypto_intents WHERE order_id = $1 AND intent_type = $2 FOR UPDATE`,
		orderID, string(typ)))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrIntentNotFound
	}
	return i, err
}

func (t *pgTx) AppendAudit(ctx context.Context, e *domain.AuditEntry) error {
	var payload sql.NullString
	if len(e.Payload) > 0 {
		payload = sql.NullString{String: string(e.Payload), Valid: true}
	}
	_, err := t.q.ExecContext(ctx, `
		INSERT INTO audit_log (id, actor_id, actor_type, action, entity_type, entity_id, payload, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		e.ID, nullString(e.ActorID), string(e.ActorType), e.Action, e.EntityType, e.EntityID, payload, e.CreatedAt,
	)
	return err
}

// translate maps constraint violations onto domain errors.
func translate(err error) error {
	if isCode(err, pgCheckViolation) {
		return domain.ErrInsufficientFunds
	}
	return err
}

func isCode(err error, code pq.ErrorCode) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == code
}

func expectRow(res sql.Result, none error) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return none
	}
	return nil
}

// normalize re-formats a NUMERIC column at the currency's scale.
func normalize(raw string, c domain.Currency) string {
	v, ok := money.ParseRound(raw, c.Decimals())
	if !ok {
		return raw
	}
	return money.Format(v, c.Decimals())
}

// nullString converts an empty Go string to sql.NullString.
func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

// nullTime converts a *time.Time to sql.NullTime.
func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func timePtr(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	t := nt.Time
	return &t
}

// Compile-time assertions.
var (
	_ Store = (*PostgresStore)(nil)
	_ Store = (*MemoryStore)(nil)
	_ Tx    = (*pgTx)(nil)
	_ Tx    = (*memTx)(nil)
)
