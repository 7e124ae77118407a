// Package orders owns the order lifecycle: the transition table, the
// Machine that applies transitions inside atomic units, and the order
// service (creation, cancellation, reads).
//
// Every status or version change in the system goes through
// Machine.Apply. Rails and delivery proofs (ledger, otp, crypto, dispute)
// compose their own side effects with Apply inside one Machine.Run so the
// money movement and the status change commit together or not at all.
package orders

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/dog-best/meta-sub000/internal/audit"
	"github.com/dog-best/meta-sub000/internal/domain"
	"github.com/dog-best/meta-sub000/internal/events"
	"github.com/dog-best/meta-sub000/internal/logging"
	"github.com/dog-best/meta-sub000/internal/store"
	"github.com/dog-best/meta-sub000/internal/traces"
)

// Step is a requested transition.
type Step struct {
	// Expected is the version the caller last observed.
	Expected int64
	To       domain.Status
	Party    domain.Party
	Note     string
}

// Unit is an open atomic unit. It exposes the store transaction and
// collects the transitions applied so events can be published once the
// unit commits.
type Unit struct {
	store.Tx
	applied []events.OrderEvent
}

// Machine applies transitions and runs atomic units.
type Machine struct {
	store     store.Store
	publisher events.Publisher
	logger    *slog.Logger
	now       func() time.Time
}

// Option configures a Machine.
type Option func(*Machine)

// WithPublisher sets the post-commit event publisher.
func WithPublisher(p events.Publisher) Option {
	return func(m *Machine) { m.publisher = p }
}

// WithLogger sets the logger used for post-commit failures.
func WithLogger(l *slog.Logger) Option {
	return func(m *Machine) { m.logger = l }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(m *Machine) { m.now = now }
}

// NewMachine creates a Machine over s.
func NewMachine(s store.Store, opts ...Option) *Machine {
	m := &Machine{
		store:     s,
		publisher: events.NopPublisher{},
		logger:    slog.Default(),
		now:       func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Store returns the underlying store for reads outside a unit.
func (m *Machine) Store() store.Store { return m.store }

// Now returns the machine clock's current time.
func (m *Machine) Now() time.Time { return m.now() }

// expectedRejections are outcomes, not faults; they are not recorded as
// span errors.
var expectedRejections = []error{
	domain.ErrVersionConflict, domain.ErrInvalidTransition, domain.ErrWrongStatus,
	domain.ErrInsufficientFunds, domain.ErrInvalidOtp, domain.ErrTooManyAttempts,
}

// Run executes fn inside one atomic unit. After a successful commit the
// transitions fn applied are published as events. There is no retry: a
// VersionConflict is returned to the caller as-is.
func (m *Machine) Run(ctx context.Context, op string, fn func(u *Unit) error) (err error) {
	ctx, span := traces.StartSpan(ctx, "orders."+op)
	defer func() { traces.End(span, err, expectedRejections...) }()
	defer observeOp(op)()

	var unit *Unit
	err = m.store.Atomic(ctx, func(tx store.Tx) error {
		unit = &Unit{Tx: tx}
		return fn(unit)
	})
	if err != nil {
		RejectionsTotal.WithLabelValues(op, domain.AsError(err).Code).Inc()
		return err
	}

	for _, e := range unit.applied {
		TransitionsTotal.WithLabelValues(string(e.From), string(e.To)).Inc()
	}
	m.publish(ctx, unit.applied)
	return nil
}

func (m *Machine) publish(ctx context.Context, evts []events.OrderEvent) {
	if len(evts) == 0 {
		return
	}
	if err := m.publisher.Publish(ctx, evts...); err != nil {
		EventPublishFailures.Add(float64(len(evts)))
		m.logger.Warn("order event publish failed",
			"request_id", logging.RequestID(ctx),
			"order_id", evts[0].OrderID,
			"events", len(evts),
			"error", err,
		)
	}
}

// Apply performs one transition on o, which must have been read with
// u.LockOrder in the same unit. On success o reflects the new status,
// the milestone for the new status is stamped (once) and the version is
// exactly one higher.
//
// Checks run in order: version, edge, party.
func (m *Machine) Apply(ctx context.Context, u *Unit, o *domain.Order, s Step) error {
	if o.Version != s.Expected {
		return domain.ErrVersionConflict.With("order %s is at version %d, expected %d", o.ID, o.Version, s.Expected)
	}
	if !Allowed(o.DeliveryKind, o.Status, s.To) {
		return domain.ErrInvalidTransition.With("%s -> %s not allowed for %s orders", o.Status, s.To, o.DeliveryKind)
	}
	if !Permitted(o.DeliveryKind, o.Status, s.To, s.Party) {
		return domain.ErrForbidden.With("%s may not move order from %s to %s", s.Party, o.Status, s.To)
	}

	now := m.now()
	from := o.Status
	if ts := o.Milestone(s.To); ts != nil && *ts == nil {
		t := now
		*ts = &t
	}
	o.Status = s.To
	o.Version = s.Expected + 1
	o.UpdatedAt = now

	if err := u.UpdateOrder(ctx, o, s.Expected); err != nil {
		return err
	}

	payload := map[string]any{
		"from":    from,
		"to":      s.To,
		"version": o.Version,
		"party":   s.Party,
	}
	if s.Note != "" {
		payload["note"] = s.Note
	}
	if err := audit.Record(ctx, u, "order.transition", "order", o.ID, payload); err != nil {
		return err
	}
	if err := m.settleDispute(ctx, u, o, s); err != nil {
		return err
	}

	u.applied = append(u.applied, events.OrderEvent{
		Type:     events.TypeStatusChanged,
		OrderID:  o.ID,
		From:     from,
		To:       s.To,
		Version:  o.Version,
		Party:    s.Party,
		Currency: string(o.Currency),
		At:       now,
	})
	return nil
}

// settleDispute closes a still-open dispute when the order reaches a
// settled status through a path other than dispute resolution, such as a
// confirmed on-chain refund or an admin NGN refund.
func (m *Machine) settleDispute(ctx context.Context, u *Unit, o *domain.Order, s Step) error {
	var resolution domain.Resolution
	switch s.To {
	case domain.StatusReleased:
		resolution = domain.ResolutionReleaseToSeller
	case domain.StatusRefunded:
		resolution = domain.ResolutionRefundToBuyer
	default:
		return nil
	}
	if o.DisputedAt == nil {
		return nil
	}

	d, err := u.Dispute(ctx, o.ID)
	if errors.Is(err, domain.ErrNoDispute) {
		return nil
	}
	if err != nil {
		return err
	}
	if d.Status == domain.DisputeResolved {
		return nil
	}

	now := m.now()
	d.Status = domain.DisputeResolved
	d.Resolution = resolution
	d.ResolvedAt = &now
	if s.Note != "" {
		d.AdminNote = s.Note
	}
	if err := u.UpdateDispute(ctx, d); err != nil {
		return err
	}
	return audit.Record(ctx, u, "dispute.resolve", "dispute", d.ID, map[string]any{
		"order_id":   o.ID,
		"resolution": resolution,
		"settled_by": s.Party,
		"via":        "order." + string(s.To),
	})
}

// Load locks and returns an order inside u.
func (m *Machine) Load(ctx context.Context, u *Unit, orderID string) (*domain.Order, error) {
	return u.LockOrder(ctx, orderID)
}

// CurrentVersion returns the stored version of an order, for callers
// that omit expected_version and accept read-then-CAS semantics.
func (m *Machine) CurrentVersion(ctx context.Context, orderID string) (int64, error) {
	o, err := m.store.GetOrder(ctx, orderID)
	if err != nil {
		return 0, err
	}
	return o.Version, nil
}

// IsConflict reports whether err is a lost optimistic race.
func IsConflict(err error) bool {
	return errors.Is(err, domain.ErrVersionConflict)
}
