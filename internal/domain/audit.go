package domain

import (
	"encoding/json"
	"time"
)

type ActorType string

const (
	ActorUser   ActorType = "user"
	ActorAdmin  ActorType = "admin"
	ActorSystem ActorType = "system"
)

// AuditEntry is an immutable record of one state-changing action.
type AuditEntry struct {
	ID         string          `json:"id"`
	ActorID    string          `json:"actor_id,omitempty"`
	ActorType  ActorType       `json:"actor_type"`
	Action     string          `json:"action"`
	EntityType string          `json:"entity_type"`
	EntityID   string          `json:"entity_id"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
}

// AuditFilter narrows an audit query. Zero fields match everything.
type AuditFilter struct {
	EntityType string
	EntityID   string
	Action     string
	Limit      int
}
