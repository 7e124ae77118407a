package auth

import (
	"context"
	"database/sql"
	"errors"
)

// PostgresStore persists API keys in PostgreSQL
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed auth store
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const keyColumns = `id, hash, user_id, name, created_at, last_used, expires_at, revoked`

// Create stores a new API key
func (p *PostgresStore) Create(ctx context.Context, key *APIKey) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO api_keys (id, hash, user_id, name, created_at, expires_at, revoked)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, key.ID, key.Hash, key.UserID, key.Name, key.CreatedAt, key.ExpiresAt, key.Revoked)
	return err
}

// GetByHash retrieves a live API key by its hash
func (p *PostgresStore) GetByHash(ctx context.Context, hash string) (*APIKey, error) {
	key, err := scanKey(p.db.QueryRowContext(ctx, `
		SELECT `+keyColumns+`
		FROM api_keys WHERE hash = $1
		  AND revoked = FALSE
		  AND (expires_at IS NULL OR expires_at > NOW())
	`, hash))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrKeyNotFound
	}
	return key, err
}

// GetByUser retrieves all API keys for a user, newest first
func (p *PostgresStore) GetByUser(ctx context.Context, userID string) ([]*APIKey, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+keyColumns+`
		FROM api_keys WHERE user_id = $1 ORDER BY created_at DESC
	`, userID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var keys []*APIKey
	for rows.Next() {
		key, err := scanKey(rows)
		if err != nil {
			return nil, err
		}
		keys = append(keys, key)
	}
	return keys, rows.Err()
}

// Update writes last_used and revoked
func (p *PostgresStore) Update(ctx context.Context, key *APIKey) error {
	res, err := p.db.ExecContext(ctx, `
		UPDATE api_keys SET last_used = $1, revoked = $2 WHERE id = $3
	`, key.LastUsed, key.Revoked, key.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrKeyNotFound
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanKey(row rowScanner) (*APIKey, error) {
	key := &APIKey{}
	var name sql.NullString
	var lastUsed, expiresAt sql.NullTime
	if err := row.Scan(
		&key.ID, &key.Hash, &key.UserID, &name,
		&key.CreatedAt, &lastUsed, &expiresAt, &key.Revoked,
	); err != nil {
		return nil, err
	}
	key.Name = name.String
	if lastUsed.Valid {
		t := lastUsed.Time
		key.LastUsed = &t
	}
	if expiresAt.Valid {
		t := expiresAt.Time
		key.ExpiresAt = &t
	}
	return key, nil
}
