// Package audit builds and queries the append-only audit log.
//
// Entries are written through store.Tx inside the same atomic unit as
// the change they describe, so an audit row exists if and only if the
// change committed. There is no update or delete path.
package audit

import (
	"context"
	"encoding/json"
	"time"

	"github.com/dog-best/meta-sub000/internal/domain"
	"github.com/dog-best/meta-sub000/internal/idgen"
	"github.com/dog-best/meta-sub000/internal/store"
)

type contextKey string

const ctxActor contextKey = "audit_actor"

// Actor identifies who performed an action.
type Actor struct {
	Type domain.ActorType
	ID   string
}

// WithActor attaches actor info to the context for audit logging.
func WithActor(ctx context.Context, actorType domain.ActorType, actorID string) context.Context {
	return context.WithValue(ctx, ctxActor, Actor{Type: actorType, ID: actorID})
}

// ActorFrom returns the context's actor, or the system actor.
func ActorFrom(ctx context.Context) Actor {
	if a, ok := ctx.Value(ctxActor).(Actor); ok && a.Type != "" {
		return a
	}
	return Actor{Type: domain.ActorSystem}
}

// Entry builds an audit entry attributed to the context's actor.
// payload is marshalled to JSON; it must never carry secrets.
func Entry(ctx context.Context, action, entityType, entityID string, payload any) *domain.AuditEntry {
	actor := ActorFrom(ctx)
	e := &domain.AuditEntry{
		ID:         idgen.WithPrefix(idgen.PrefixAudit),
		ActorID:    actor.ID,
		ActorType:  actor.Type,
		Action:     action,
		EntityType: entityType,
		EntityID:   entityID,
		CreatedAt:  time.Now().UTC(),
	}
	if payload != nil {
		if b, err := json.Marshal(payload); err == nil {
			e.Payload = b
		}
	}
	return e
}

// Record appends an entry inside an open atomic unit.
func Record(ctx context.Context, tx store.Tx, action, entityType, entityID string, payload any) error {
	return tx.AppendAudit(ctx, Entry(ctx, action, entityType, entityID, payload))
}

// Service serves audit queries.
type Service struct {
	store store.Store
}

// NewService creates a new audit query service.
func NewService(s store.Store) *Service {
	return &Service{store: s}
}

// Query returns entries newest first.
func (s *Service) Query(ctx context.Context, f domain.AuditFilter) ([]*domain.AuditEntry, error) {
	return s.store.QueryAudit(ctx, f)
}
