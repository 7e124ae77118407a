// Package validation provides request validation helpers and the body
// size middleware.
package validation

import (
	"net/http"
	"regexp"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gin-gonic/gin"

	"github.com/dog-best/meta-sub000/internal/domain"
	"github.com/dog-best/meta-sub000/internal/money"
)

// MaxRequestSize is the maximum request body size (1MB)
const MaxRequestSize = 1 << 20

// Field limits.
const (
	MaxTitleLength   = 200
	MaxNoteLength    = 2000
	MaxAddressLength = 500
)

var otpRegex = regexp.MustCompile(`^\d{6}$`)

// RequestSizeMiddleware limits request body size
func RequestSizeMiddleware(maxSize int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxSize)
		c.Next()
	}
}

// IsValidEthAddress checks for a 0x-prefixed 20-byte hex address.
func IsValidEthAddress(addr string) bool {
	return strings.HasPrefix(addr, "0x") && common.IsHexAddress(addr)
}

// IsValidOTP checks the 6-digit delivery code format.
func IsValidOTP(code string) bool {
	return otpRegex.MatchString(code)
}

// SanitizeString trims whitespace, strips null bytes and limits length.
func SanitizeString(s string, maxLen int) string {
	s = strings.TrimSpace(s)
	if len(s) > maxLen {
		s = s[:maxLen]
	}
	return strings.ReplaceAll(s, "\x00", "")
}

// ValidationError represents a validation error
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationErrors is a collection of validation errors
type ValidationErrors []ValidationError

// Error implements the error interface
func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return "validation failed"
	}
	return e[0].Field + ": " + e[0].Message
}

// Err converts the collection to a domain validation error, or nil.
func (e ValidationErrors) Err() error {
	if len(e) == 0 {
		return nil
	}
	return domain.ErrInvalidInput.With("%s", e.Error())
}

// Validate runs validators and collects failures.
func Validate(validators ...func() *ValidationError) ValidationErrors {
	var errs ValidationErrors
	for _, v := range validators {
		if err := v(); err != nil {
			errs = append(errs, *err)
		}
	}
	return errs
}

// Required checks if a field is non-empty
func Required(field, value string) func() *ValidationError {
	return func() *ValidationError {
		if strings.TrimSpace(value) == "" {
			return &ValidationError{Field: field, Message: "is required"}
		}
		return nil
	}
}

// ValidAddress checks if a field is a valid EVM address.
func ValidAddress(field, value string) func() *ValidationError {
	return func() *ValidationError {
		if value == "" {
			return nil // Use Required for required fields
		}
		if !IsValidEthAddress(value) {
			return &ValidationError{Field: field, Message: "must be a valid EVM address (0x...)"}
		}
		return nil
	}
}

// MaxLength checks if a field exceeds max length
func MaxLength(field, value string, max int) func() *ValidationError {
	return func() *ValidationError {
		if len(value) > max {
			return &ValidationError{Field: field, Message: "exceeds maximum length"}
		}
		return nil
	}
}

// ValidAmount checks for a positive decimal with at most `decimals`
// fractional digits.
func ValidAmount(field, value string, decimals int) func() *ValidationError {
	return func() *ValidationError {
		if value == "" {
			return nil
		}
		v, ok := money.Parse(value, decimals)
		if !ok {
			return &ValidationError{Field: field, Message: "invalid amount format"}
		}
		if v.Sign() <= 0 {
			return &ValidationError{Field: field, Message: "amount must be greater than zero"}
		}
		return nil
	}
}

// Positive checks an integer field is >= 1.
func Positive(field string, value int) func() *ValidationError {
	return func() *ValidationError {
		if value < 1 {
			return &ValidationError{Field: field, Message: "must be at least 1"}
		}
		return nil
	}
}

// OneOf checks value is in the allowed set.
func OneOf(field, value string, allowed ...string) func() *ValidationError {
	return func() *ValidationError {
		for _, a := range allowed {
			if value == a {
				return nil
			}
		}
		return &ValidationError{Field: field, Message: "must be one of " + strings.Join(allowed, ", ")}
	}
}
