// Package auth resolves callers to user ids.
//
// Authentication model:
// - Session management lives outside this service; a caller is whoever
//   owns the bearer API key (sk_...) presented with the request
// - Keys are issued by an operator through the admin API and stored hashed
// - Admin endpoints require the static admin token instead of a key
package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/dog-best/meta-sub000/internal/domain"
)

// Errors
var (
	ErrNoAPIKey      = domain.ErrUnauthorized.With("API key required")
	ErrInvalidAPIKey = domain.ErrUnauthorized.With("invalid or expired API key")
	ErrKeyNotFound   = errors.New("API key not found")
)

const keyPrefix = "sk_"

// APIKey represents an API key
type APIKey struct {
	ID        string     `json:"id"`
	Hash      string     `json:"-"` // SHA256 hash of key (stored)
	UserID    string     `json:"user_id"`
	Name      string     `json:"name"`
	CreatedAt time.Time  `json:"created_at"`
	LastUsed  *time.Time `json:"last_used,omitempty"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
	Revoked   bool       `json:"revoked"`
}

// Store persists API keys
type Store interface {
	Create(ctx context.Context, key *APIKey) error
	GetByHash(ctx context.Context, hash string) (*APIKey, error)
	GetByUser(ctx context.Context, userID string) ([]*APIKey, error)
	Update(ctx context.Context, key *APIKey) error
}

// Manager handles authentication
type Manager struct {
	store Store
	now   func() time.Time
}

// NewManager creates a new auth manager
func NewManager(store Store) *Manager {
	return &Manager{store: store, now: time.Now}
}

// GenerateKey creates a new API key for a user.
// Returns the raw key (shown once) and the stored metadata.
func (m *Manager) GenerateKey(ctx context.Context, userID, name string, ttl time.Duration) (rawKey string, key *APIKey, err error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return "", nil, domain.ErrInvalidInput.With("user_id is required")
	}

	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", nil, err
	}
	rawKey = keyPrefix + hex.EncodeToString(b)

	key = &APIKey{
		ID:        "ak_" + hex.EncodeToString(b[:8]),
		Hash:      hashKey(rawKey),
		UserID:    userID,
		Name:      name,
		CreatedAt: m.now().UTC(),
	}
	if ttl > 0 {
		exp := key.CreatedAt.Add(ttl)
		key.ExpiresAt = &exp
	}

	if err := m.store.Create(ctx, key); err != nil {
		return "", nil, err
	}
	return rawKey, key, nil
}

// ValidateKey validates an API key and returns the key metadata
func (m *Manager) ValidateKey(ctx context.Context, rawKey string) (*APIKey, error) {
	rawKey = strings.TrimSpace(strings.TrimPrefix(rawKey, "Bearer "))
	if rawKey == "" {
		return nil, ErrNoAPIKey
	}
	if !strings.HasPrefix(rawKey, keyPrefix) {
		return nil, ErrInvalidAPIKey
	}

	key, err := m.store.GetByHash(ctx, hashKey(rawKey))
	if err != nil {
		return nil, ErrInvalidAPIKey
	}
	now := m.now()
	if key.Revoked || (key.ExpiresAt != nil && now.After(*key.ExpiresAt)) {
		return nil, ErrInvalidAPIKey
	}

	// last_used is informational; a failed write does not reject the call
	used := now.UTC()
	key.LastUsed = &used
	_ = m.store.Update(ctx, key)

	return key, nil
}

// ListKeys returns all keys for a user
func (m *Manager) ListKeys(ctx context.Context, userID string) ([]*APIKey, error) {
	return m.store.GetByUser(ctx, userID)
}

// RevokeKey revokes one of the user's keys
func (m *Manager) RevokeKey(ctx context.Context, keyID, userID string) error {
	keys, err := m.store.GetByUser(ctx, userID)
	if err != nil {
		return err
	}
	for _, k := range keys {
		if k.ID == keyID {
			k.Revoked = true
			return m.store.Update(ctx, k)
		}
	}
	return ErrKeyNotFound
}

func hashKey(raw string) string {
	h := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(h[:])
}

// MemoryStore is an in-memory implementation of Store
type MemoryStore struct {
	mu   sync.RWMutex
	keys map[string]APIKey // by ID
}

// NewMemoryStore creates a new in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{keys: make(map[string]APIKey)}
}

func (s *MemoryStore) Create(_ context.Context, key *APIKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.keys[key.ID] = *key
	return nil
}

func (s *MemoryStore) GetByHash(_ context.Context, hash string) (*APIKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, k := range s.keys {
		if k.Hash == hash {
			k := k
			return &k, nil
		}
	}
	return nil, ErrKeyNotFound
}

func (s *MemoryStore) GetByUser(_ context.Context, userID string) ([]*APIKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var result []*APIKey
	for _, k := range s.keys {
		if k.UserID == userID {
			k := k
			result = append(result, &k)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.After(result[j].CreatedAt) })
	return result, nil
}

func (s *MemoryStore) Update(_ context.Context, key *APIKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.keys[key.ID]; !ok {
		return ErrKeyNotFound
	}
	s.keys[key.ID] = *key
	return nil
}
