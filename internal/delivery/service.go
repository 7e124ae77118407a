// Package delivery records proof of delivery for each delivery kind and
// drives the order to DELIVERED.
//
//   - physical: the seller marks the order out for delivery, which issues a
//     6-digit OTP to the buyer; the seller submits the code at handoff
//   - digital: the seller uploads a deliverable, the buyer approves it
//   - in person: the seller confirms the service was performed
//
// Only the sha256 of an OTP is stored. The plaintext leaves the service
// once: in the GenerateOTP response (when ExposeOTP is on) or through
// the OTPSender.
package delivery

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/dog-best/meta-sub000/internal/audit"
	"github.com/dog-best/meta-sub000/internal/domain"
	"github.com/dog-best/meta-sub000/internal/orders"
	"github.com/dog-best/meta-sub000/internal/validation"
)

// Defaults for Config zero values.
const (
	DefaultOTPTTL      = 30 * time.Minute
	DefaultMaxAttempts = 5
)

// Config tunes OTP issuing.
type Config struct {
	TTL         time.Duration
	MaxAttempts int
	// ExposeOTP returns the plaintext code from GenerateOTP. Development only.
	ExposeOTP bool
}

// Service implements the delivery proofs.
type Service struct {
	machine *orders.Machine
	cfg     Config
	sender  OTPSender
	logger  *slog.Logger
	newCode func() (string, error)
}

// NewService creates a delivery service.
func NewService(m *orders.Machine, cfg Config, sender OTPSender, logger *slog.Logger) *Service {
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultOTPTTL
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	if sender == nil {
		sender = NopSender{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{machine: m, cfg: cfg, sender: sender, logger: logger, newCode: NewCode}
}

// OutForDeliveryResult is returned by MarkOutForDelivery. It never carries
// the code.
type OutForDeliveryResult struct {
	Order        *domain.Order `json:"order"`
	OTPGenerated bool          `json:"otp_generated"`
	ExpiresAt    time.Time     `json:"expires_at"`
}

// Issued is returned by GenerateOTP. OTP is empty unless ExposeOTP is on.
type Issued struct {
	OrderID   string    `json:"order_id"`
	OTP       string    `json:"otp,omitempty"`
	ExpiresAt time.Time `json:"expires_at"`
}

// MarkOutForDelivery moves a physical order out for delivery and issues
// its first OTP in the same unit.
func (s *Service) MarkOutForDelivery(ctx context.Context, callerID, orderID string, expected int64) (*OutForDeliveryResult, error) {
	var (
		res  *OutForDeliveryResult
		code string
	)
	err := s.machine.Run(ctx, "out_for_delivery", func(u *orders.Unit) error {
		o, err := s.machine.Load(ctx, u, orderID)
		if err != nil {
			return err
		}
		if o.SellerID != callerID {
			return domain.ErrNotSeller
		}
		if err := s.machine.Apply(ctx, u, o, orders.Step{
			Expected: expected, To: domain.StatusOutForDelivery, Party: domain.PartySeller,
		}); err != nil {
			return err
		}
		var rec *domain.OTPRecord
		code, rec, err = s.issue(ctx, u, o, "out_for_delivery")
		if err != nil {
			return err
		}
		res = &OutForDeliveryResult{Order: o, OTPGenerated: true, ExpiresAt: rec.ExpiresAt}
		return nil
	})
	if err != nil {
		return nil, err
	}
	IssuedTotal.WithLabelValues("out_for_delivery").Inc()
	s.send(ctx, res.Order, code, res.ExpiresAt)
	return res, nil
}

// GenerateOTP replaces the order's OTP with a fresh one and resets the
// attempt counter.
func (s *Service) GenerateOTP(ctx context.Context, callerID, orderID string) (*Issued, error) {
	var (
		order *domain.Order
		rec   *domain.OTPRecord
		code  string
	)
	err := s.machine.Run(ctx, "otp_generate", func(u *orders.Unit) error {
		o, err := s.machine.Load(ctx, u, orderID)
		if err != nil {
			return err
		}
		if o.BuyerID != callerID {
			return domain.ErrNotBuyer
		}
		prev, err := u.OTP(ctx, o.ID)
		switch {
		case errors.Is(err, domain.ErrOtpMissing):
		case err != nil:
			return err
		case prev.VerifiedAt != nil:
			return domain.ErrAlreadyVerified
		}
		if o.Status != domain.StatusOutForDelivery {
			return domain.ErrWrongStatus.With("order %s is %s; otp requires OUT_FOR_DELIVERY", o.ID, o.Status)
		}
		code, rec, err = s.issue(ctx, u, o, "buyer_request")
		order = o
		return err
	})
	if err != nil {
		return nil, err
	}
	IssuedTotal.WithLabelValues("buyer_request").Inc()

	out := &Issued{OrderID: orderID, ExpiresAt: rec.ExpiresAt}
	if s.cfg.ExposeOTP {
		out.OTP = code
	} else {
		s.send(ctx, order, code, rec.ExpiresAt)
	}
	return out, nil
}

func (s *Service) issue(ctx context.Context, u *orders.Unit, o *domain.Order, trigger string) (string, *domain.OTPRecord, error) {
	code, err := s.newCode()
	if err != nil {
		return "", nil, err
	}
	now := s.machine.Now()
	rec := &domain.OTPRecord{
		OrderID:   o.ID,
		Hash:      HashCode(code),
		ExpiresAt: now.Add(s.cfg.TTL),
		CreatedAt: now,
	}
	if err := u.UpsertOTP(ctx, rec); err != nil {
		return "", nil, err
	}
	if err := audit.Record(ctx, u, "otp.generate", "order", o.ID, map[string]any{
		"trigger":    trigger,
		"expires_at": rec.ExpiresAt,
	}); err != nil {
		return "", nil, err
	}
	return code, rec, nil
}

func (s *Service) send(ctx context.Context, o *domain.Order, code string, expiresAt time.Time) {
	if err := s.sender.SendOTP(ctx, o, code, expiresAt); err != nil {
		SendFailures.Inc()
		s.logger.Warn("otp send failed", "order_id", o.ID, "error", err)
	}
}

// VerifyOTP checks the code the seller collected at handoff. A wrong code
// consumes an attempt even though the call fails. A correct one marks the
// OTP verified and moves the order to DELIVERED.
func (s *Service) VerifyOTP(ctx context.Context, callerID, orderID, code string) (*domain.Order, error) {
	if !validation.IsValidOTP(code) {
		VerificationsTotal.WithLabelValues("invalid_format").Inc()
		return nil, domain.ErrInvalidOtpFormat
	}

	var (
		out      *domain.Order
		mismatch bool
		outcome  = "error"
	)
	err := s.machine.Run(ctx, "otp_verify", func(u *orders.Unit) error {
		o, err := s.machine.Load(ctx, u, orderID)
		if err != nil {
			return err
		}
		if o.SellerID != callerID {
			return domain.ErrNotSeller
		}
		rec, err := u.OTP(ctx, o.ID)
		if err != nil && !errors.Is(err, domain.ErrOtpMissing) {
			return err
		}
		if rec != nil && rec.VerifiedAt != nil {
			outcome = "already_verified"
			return domain.ErrAlreadyVerified
		}
		// A dispute freezes the handoff; no attempt is consumed.
		if o.Status != domain.StatusOutForDelivery {
			outcome = "wrong_status"
			return domain.ErrWrongStatus.With("order %s is %s; otp requires OUT_FOR_DELIVERY", o.ID, o.Status)
		}
		if rec == nil {
			return err
		}

		now := s.machine.Now()
		switch {
		case now.After(rec.ExpiresAt):
			outcome = "expired"
			return domain.ErrExpired
		case rec.Attempts >= s.cfg.MaxAttempts:
			outcome = "too_many_attempts"
			return domain.ErrTooManyAttempts
		}

		if !matches(code, rec.Hash) {
			rec.Attempts++
			if err := u.UpsertOTP(ctx, rec); err != nil {
				return err
			}
			mismatch = true
			outcome = "mismatch"
			return audit.Record(ctx, u, "otp.verify_failed", "order", o.ID, map[string]any{
				"attempts": rec.Attempts,
			})
		}

		rec.VerifiedAt = &now
		if err := u.UpsertOTP(ctx, rec); err != nil {
			return err
		}
		if err := s.machine.Apply(ctx, u, o, orders.Step{
			Expected: o.Version, To: domain.StatusDelivered, Party: domain.PartySeller, Note: "otp verified",
		}); err != nil {
			return err
		}
		outcome = "verified"
		out = o
		return audit.Record(ctx, u, "otp.verified", "order", o.ID, nil)
	})
	VerificationsTotal.WithLabelValues(outcome).Inc()
	if err != nil {
		return nil, err
	}
	if mismatch {
		return nil, domain.ErrInvalidOtp
	}
	return out, nil
}

// UploadDeliverable records the seller's deliverable on a digital order.
func (s *Service) UploadDeliverable(ctx context.Context, callerID, orderID string, expected int64, storageRef, note string) (*domain.Order, error) {
	storageRef = validation.SanitizeString(storageRef, validation.MaxAddressLength)
	note = validation.SanitizeString(note, validation.MaxNoteLength)
	if storageRef == "" {
		return nil, domain.ErrInvalidInput.With("storage_ref is required")
	}

	var out *domain.Order
	err := s.machine.Run(ctx, "deliverable_upload", func(u *orders.Unit) error {
		o, err := s.machine.Load(ctx, u, orderID)
		if err != nil {
			return err
		}
		if o.SellerID != callerID {
			return domain.ErrNotSeller
		}
		if err := s.machine.Apply(ctx, u, o, orders.Step{
			Expected: expected, To: domain.StatusDeliverableUploaded, Party: domain.PartySeller,
		}); err != nil {
			return err
		}
		if err := u.UpsertDeliverable(ctx, &domain.Deliverable{
			OrderID:    o.ID,
			UploadedBy: callerID,
			StorageRef: storageRef,
			Note:       note,
			CreatedAt:  s.machine.Now(),
		}); err != nil {
			return err
		}
		out = o
		return audit.Record(ctx, u, "deliverable.upload", "order", o.ID, map[string]any{
			"storage_ref": storageRef,
		})
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// ApproveDeliverable is the buyer's acceptance of a digital deliverable.
func (s *Service) ApproveDeliverable(ctx context.Context, callerID, orderID string, expected int64) (*domain.Order, error) {
	var out *domain.Order
	err := s.machine.Run(ctx, "deliverable_approve", func(u *orders.Unit) error {
		o, err := s.machine.Load(ctx, u, orderID)
		if err != nil {
			return err
		}
		if o.BuyerID != callerID {
			return domain.ErrNotBuyer
		}
		if o.Version != expected {
			return domain.ErrVersionConflict.With("order %s is at version %d, expected %d", o.ID, o.Version, expected)
		}
		if _, err := u.Deliverable(ctx, o.ID); err != nil {
			return err
		}
		if err := s.machine.Apply(ctx, u, o, orders.Step{
			Expected: expected, To: domain.StatusDelivered, Party: domain.PartyBuyer, Note: "deliverable approved",
		}); err != nil {
			return err
		}
		out = o
		return audit.Record(ctx, u, "deliverable.approve", "order", o.ID, nil)
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// ConfirmInPerson is the seller's confirmation that an in-person service
// was performed.
func (s *Service) ConfirmInPerson(ctx context.Context, callerID, orderID string, expected int64) (*domain.Order, error) {
	var out *domain.Order
	err := s.machine.Run(ctx, "deliver_in_person", func(u *orders.Unit) error {
		o, err := s.machine.Load(ctx, u, orderID)
		if err != nil {
			return err
		}
		if o.SellerID != callerID {
			return domain.ErrNotSeller
		}
		if err := s.machine.Apply(ctx, u, o, orders.Step{
			Expected: expected, To: domain.StatusDelivered, Party: domain.PartySeller, Note: "in-person delivery confirmed",
		}); err != nil {
			return err
		}
		out = o
		return audit.Record(ctx, u, "delivery.in_person", "order", o.ID, nil)
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Deliverable returns the uploaded deliverable to either party or an admin.
func (s *Service) Deliverable(ctx context.Context, callerID, orderID string, admin bool) (*domain.Deliverable, error) {
	st := s.machine.Store()
	o, err := st.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if _, ok := o.PartyOf(callerID); !ok && !admin {
		return nil, domain.ErrNotParty
	}
	return st.GetDeliverable(ctx, orderID)
}
