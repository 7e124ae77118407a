// Package events publishes order lifecycle events after commit.
//
// Publishing is best effort: it runs only once the atomic unit has
// committed and a failure never changes the committed result.
package events

import (
	"context"
	"sync"
	"time"

	"github.com/dog-best/meta-sub000/internal/domain"
)

// TypeStatusChanged is emitted once per accepted transition.
const TypeStatusChanged = "order.status_changed"

// OrderEvent describes one accepted transition.
type OrderEvent struct {
	Type     string        `json:"type"`
	OrderID  string        `json:"order_id"`
	From     domain.Status `json:"from"`
	To       domain.Status `json:"to"`
	Version  int64         `json:"version"`
	Party    domain.Party  `json:"party"`
	Currency string        `json:"currency"`
	At       time.Time     `json:"at"`
}

// Publisher delivers events to downstream consumers.
type Publisher interface {
	Publish(ctx context.Context, events ...OrderEvent) error
	Close() error
}

// NopPublisher discards events.
type NopPublisher struct{}

func (NopPublisher) Publish(context.Context, ...OrderEvent) error { return nil }
func (NopPublisher) Close() error                                 { return nil }

// MemoryPublisher records events in order. Used in tests and demo mode.
type MemoryPublisher struct {
	mu     sync.Mutex
	events []OrderEvent
	err    error
}

func NewMemoryPublisher() *MemoryPublisher {
	return &MemoryPublisher{}
}

func (m *MemoryPublisher) Publish(_ context.Context, events ...OrderEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.events = append(m.events, events...)
	return nil
}

func (m *MemoryPublisher) Close() error { return nil }

// FailWith makes subsequent Publish calls return err.
func (m *MemoryPublisher) FailWith(err error) {
	m.mu.Lock()
	m.err = err
	m.mu.Unlock()
}

// Events returns a copy of everything published so far.
func (m *MemoryPublisher) Events() []OrderEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]OrderEvent(nil), m.events...)
}
