// Package dispute lets a buyer or seller freeze an escrowed order and
// lets an admin settle it.
//
// An order has at most one dispute. Opening it moves the order to
// DISPUTED; resolving it either releases the escrow to the seller or
// refunds the buyer through the NGN ledger, in the same unit that marks
// the dispute RESOLVED. USDC orders are settled on chain through the
// crypto escrow bridge instead.
package dispute

import (
	"context"
	"log/slog"

	"github.com/dog-best/meta-sub000/internal/audit"
	"github.com/dog-best/meta-sub000/internal/domain"
	"github.com/dog-best/meta-sub000/internal/idgen"
	"github.com/dog-best/meta-sub000/internal/ledger"
	"github.com/dog-best/meta-sub000/internal/orders"
	"github.com/dog-best/meta-sub000/internal/validation"
)

// Service opens and resolves disputes.
type Service struct {
	machine *orders.Machine
	ledger  *ledger.Service
	logger  *slog.Logger
}

// NewService creates a dispute service settling through l.
func NewService(m *orders.Machine, l *ledger.Service, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{machine: m, ledger: l, logger: logger}
}

// Result pairs the order and its dispute after a change.
type Result struct {
	Order   *domain.Order   `json:"order"`
	Dispute *domain.Dispute `json:"dispute"`
}

// Open records a dispute and moves the order to DISPUTED.
func (s *Service) Open(ctx context.Context, callerID, orderID string, expected int64, reason string) (*Result, error) {
	reason = validation.SanitizeString(reason, validation.MaxNoteLength)
	if reason == "" {
		return nil, domain.ErrInvalidInput.With("reason is required")
	}

	var res *Result
	err := s.machine.Run(ctx, "dispute_open", func(u *orders.Unit) error {
		o, err := s.machine.Load(ctx, u, orderID)
		if err != nil {
			return err
		}
		party, ok := o.PartyOf(callerID)
		if !ok {
			return domain.ErrNotParty
		}
		if o.Version != expected {
			return domain.ErrVersionConflict.With("order %s is at version %d, expected %d", o.ID, o.Version, expected)
		}
		if !orders.Disputable(o.DeliveryKind, o.Status) {
			return domain.ErrWrongStatus.With("order %s is %s and cannot be disputed", o.ID, o.Status)
		}

		d := &domain.Dispute{
			ID:        idgen.WithPrefix(idgen.PrefixDispute),
			OrderID:   o.ID,
			OpenedBy:  callerID,
			Reason:    reason,
			Status:    domain.DisputeOpen,
			CreatedAt: s.machine.Now(),
		}
		if err := u.InsertDispute(ctx, d); err != nil {
			return err
		}
		if err := s.machine.Apply(ctx, u, o, orders.Step{
			Expected: expected, To: domain.StatusDisputed, Party: party, Note: reason,
		}); err != nil {
			return err
		}
		res = &Result{Order: o, Dispute: d}
		return audit.Record(ctx, u, "dispute.open", "dispute", d.ID, map[string]any{
			"order_id":  o.ID,
			"opened_by": party,
			"reason":    reason,
		})
	})
	if err != nil {
		return nil, err
	}
	OpenedTotal.Inc()
	return res, nil
}

// MarkUnderReview records that an admin has picked the dispute up.
func (s *Service) MarkUnderReview(ctx context.Context, orderID, note string) (*domain.Dispute, error) {
	note = validation.SanitizeString(note, validation.MaxNoteLength)

	var out *domain.Dispute
	err := s.machine.Run(ctx, "dispute_review", func(u *orders.Unit) error {
		d, err := u.Dispute(ctx, orderID)
		if err != nil {
			return err
		}
		switch d.Status {
		case domain.DisputeResolved:
			return domain.ErrDisputeResolved
		case domain.DisputeUnderReview:
			return domain.ErrWrongStatus.With("dispute on order %s is already under review", orderID)
		}
		d.Status = domain.DisputeUnderReview
		if note != "" {
			d.AdminNote = note
		}
		if err := u.UpdateDispute(ctx, d); err != nil {
			return err
		}
		out = d
		return audit.Record(ctx, u, "dispute.review", "dispute", d.ID, map[string]any{
			"order_id": orderID,
			"note":     note,
		})
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Resolve settles a dispute. RELEASE pays the seller (forcing the order
// to DELIVERED first when needed); REFUND returns the escrow to the
// buyer. The money movement, the order transitions and the dispute
// update commit together.
func (s *Service) Resolve(ctx context.Context, orderID string, decision domain.Decision, note string) (*Result, error) {
	note = validation.SanitizeString(note, validation.MaxNoteLength)
	if decision != domain.DecisionRelease && decision != domain.DecisionRefund {
		return nil, domain.ErrInvalidInput.With("decision must be RELEASE or REFUND")
	}

	var (
		res      *Result
		credited string
		movement domain.WalletTxType
	)
	err := s.machine.Run(ctx, "dispute_resolve", func(u *orders.Unit) error {
		o, err := s.machine.Load(ctx, u, orderID)
		if err != nil {
			return err
		}
		d, err := u.Dispute(ctx, o.ID)
		if err != nil {
			return err
		}
		if d.Status == domain.DisputeResolved {
			return domain.ErrDisputeResolved
		}
		if o.Currency != domain.CurrencyNGN {
			return domain.ErrWrongCurrency.With("order %s settles in %s; use the crypto escrow endpoints", o.ID, o.Currency)
		}

		// The dispute is closed before the money moves so the settling
		// transition does not close it a second time.
		now := s.machine.Now()
		d.Status = domain.DisputeResolved
		d.AdminNote = note
		d.ResolvedAt = &now
		if decision == domain.DecisionRelease {
			d.Resolution = domain.ResolutionReleaseToSeller
		} else {
			d.Resolution = domain.ResolutionRefundToBuyer
		}
		if err := u.UpdateDispute(ctx, d); err != nil {
			return err
		}

		switch decision {
		case domain.DecisionRelease:
			if o.Status != domain.StatusDelivered {
				from := o.Status
				if err := s.machine.Apply(ctx, u, o, orders.Step{
					Expected: o.Version, To: domain.StatusDelivered, Party: domain.PartyAdmin,
					Note: "forced by dispute resolution",
				}); err != nil {
					return err
				}
				if err := audit.Record(ctx, u, "dispute.force_delivered", "order", o.ID, map[string]any{
					"from": from,
					"note": "delivery not proven through the normal path; admin ruled for the seller",
				}); err != nil {
					return err
				}
			}
			movement = domain.WalletEscrowRelease
			credited, err = s.ledger.ReleaseTx(ctx, u, o, o.Version, domain.PartyAdmin, note)
		case domain.DecisionRefund:
			movement = domain.WalletEscrowRefund
			credited, err = s.ledger.RefundTx(ctx, u, o, o.Version, domain.PartyAdmin, note)
		}
		if err != nil {
			return err
		}

		res = &Result{Order: o, Dispute: d}
		return audit.Record(ctx, u, "dispute.resolve", "dispute", d.ID, map[string]any{
			"order_id":   o.ID,
			"decision":   decision,
			"resolution": d.Resolution,
			"credited":   credited,
			"note":       note,
		})
	})
	if err != nil {
		return nil, err
	}

	ledger.ObserveMovement(movement, credited)
	ResolutionsTotal.WithLabelValues(string(res.Dispute.Resolution)).Inc()
	s.logger.Info("dispute resolved",
		"order_id", orderID,
		"dispute_id", res.Dispute.ID,
		"resolution", res.Dispute.Resolution,
		"actor", audit.ActorFrom(ctx).ID,
	)
	return res, nil
}

// Get returns the order's dispute to either party or an admin.
func (s *Service) Get(ctx context.Context, callerID, orderID string, admin bool) (*domain.Dispute, error) {
	st := s.machine.Store()
	o, err := st.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if _, ok := o.PartyOf(callerID); !ok && !admin {
		return nil, domain.ErrNotParty
	}
	return st.GetDispute(ctx, orderID)
}
