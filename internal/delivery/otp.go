package delivery

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/dog-best/meta-sub000/internal/domain"
)

var otpSpace = big.NewInt(1_000_000)

// NewCode returns a uniformly random 6-digit code.
func NewCode() (string, error) {
	n, err := rand.Int(rand.Reader, otpSpace)
	if err != nil {
		return "", fmt.Errorf("generate otp: %w", err)
	}
	return fmt.Sprintf("%06d", n.Int64()), nil
}

// HashCode returns the hex sha256 of the code's ASCII digits.
func HashCode(code string) string {
	sum := sha256.Sum256([]byte(code))
	return hex.EncodeToString(sum[:])
}

// matches compares a submitted code against a stored hash in constant time.
func matches(code, hash string) bool {
	return subtle.ConstantTimeCompare([]byte(HashCode(code)), []byte(hash)) == 1
}

// OTPSender delivers a code to the buyer out of band (SMS, push).
// Send is called after the issuing unit commits; a failure is logged
// and the buyer can request a fresh code.
type OTPSender interface {
	SendOTP(ctx context.Context, o *domain.Order, code string, expiresAt time.Time) error
}

// NopSender drops codes. Used when no delivery channel is configured.
type NopSender struct{}

// SendOTP discards the code and always succeeds.
func (NopSender) SendOTP(context.Context, *domain.Order, string, time.Time) error { return nil }

// LogSender records that a code was issued without the code itself.
type LogSender struct {
	Logger *slog.Logger
}

// SendOTP logs the order, buyer and expiry. The code is never logged.
func (s LogSender) SendOTP(_ context.Context, o *domain.Order, _ string, expiresAt time.Time) error {
	s.Logger.Info("otp issued",
		"order_id", o.ID,
		"buyer_id", o.BuyerID,
		"expires_at", expiresAt,
	)
	return nil
}
