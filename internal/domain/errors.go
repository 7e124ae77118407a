package domain

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies an Error for transport mapping.
type Kind int

const (
	KindInternal Kind = iota
	KindValidation
	KindUnauthenticated
	KindAuthorization
	KindNotFound
	KindState
	KindExternal
)

// HTTPStatus maps a Kind to its response status code.
func (k Kind) HTTPStatus() int {
	switch k {
	case KindValidation:
		return http.StatusBadRequest
	case KindUnauthenticated:
		return http.StatusUnauthorized
	case KindAuthorization:
		return http.StatusForbidden
	case KindNotFound:
		return http.StatusNotFound
	case KindState:
		return http.StatusConflict
	case KindExternal:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// Error is a classified failure with a machine-checkable Code.
// Two Errors match under errors.Is when their codes are equal, so a
// sentinel re-issued with a more specific message still matches.
type Error struct {
	Code    string
	Kind    Kind
	Message string
}

func (e *Error) Error() string {
	if e.Message == "" {
		return e.Code
	}
	return e.Code + ": " + e.Message
}

// Is reports code equality.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Code == e.Code
}

// With returns a copy of e carrying a more specific message.
func (e *Error) With(format string, args ...any) *Error {
	return &Error{Code: e.Code, Kind: e.Kind, Message: fmt.Sprintf(format, args...)}
}

func newErr(code string, kind Kind, msg string) *Error {
	return &Error{Code: code, Kind: kind, Message: msg}
}

var (
	ErrInvalidInput     = newErr("InvalidInput", KindValidation, "invalid input")
	ErrInvalidOtpFormat = newErr("InvalidOtpFormat", KindValidation, "otp must be 6 digits")
	ErrOwnListing       = newErr("OwnListing", KindValidation, "cannot order your own listing")

	ErrUnauthorized = newErr("Unauthorized", KindUnauthenticated, "authentication required")
	ErrForbidden    = newErr("Forbidden", KindAuthorization, "not permitted")
	ErrNotBuyer     = newErr("NotBuyer", KindAuthorization, "caller is not the buyer")
	ErrNotSeller    = newErr("NotSeller", KindAuthorization, "caller is not the seller")
	ErrNotParty     = newErr("NotParty", KindAuthorization, "caller is not a party to this order")

	ErrOrderNotFound       = newErr("OrderNotFound", KindNotFound, "order not found")
	ErrListingNotFound     = newErr("ListingNotFound", KindNotFound, "listing not found")
	ErrOtpMissing          = newErr("OtpMissing", KindNotFound, "no otp issued for this order")
	ErrNoDispute           = newErr("NoDispute", KindNotFound, "no dispute for this order")
	ErrMappingMissing      = newErr("MappingMissing", KindNotFound, "no crypto escrow mapping for this order")
	ErrDeliverableMissing  = newErr("DeliverableMissing", KindNotFound, "no deliverable uploaded")
	ErrIntentNotFound      = newErr("IntentNotFound", KindNotFound, "crypto intent not found")
	ErrLedgerEntryNotFound = newErr("LedgerEntryNotFound", KindNotFound, "no escrow lock recorded for this order")

	ErrListingInactive   = newErr("ListingInactive", KindState, "listing is not active")
	ErrInsufficientStock = newErr("InsufficientStock", KindState, "not enough stock")
	ErrInsufficientFunds = newErr("InsufficientFunds", KindState, "insufficient wallet balance")
	ErrVersionConflict   = newErr("VersionConflict", KindState, "order was modified concurrently")
	ErrWrongCurrency     = newErr("WrongCurrency", KindState, "operation not available for this currency")
	ErrWrongStatus       = newErr("WrongStatus", KindState, "order is not in the required status")
	ErrInvalidTransition = newErr("InvalidTransition", KindState, "transition not allowed")
	ErrInvalidOtp        = newErr("InvalidOtp", KindState, "otp does not match")
	ErrExpired           = newErr("Expired", KindState, "otp has expired")
	ErrTooManyAttempts   = newErr("TooManyAttempts", KindState, "too many otp attempts")
	ErrAlreadyVerified   = newErr("AlreadyVerified", KindState, "otp already verified")
	ErrAlreadyDisputed   = newErr("AlreadyDisputed", KindState, "order already has a dispute")
	ErrDisputeResolved   = newErr("DisputeResolved", KindState, "dispute already resolved")
	ErrChainMismatch     = newErr("ChainMismatch", KindState, "chain does not match escrow mapping")

	ErrSignerFailed = newErr("SignerFailed", KindExternal, "chain submission failed")

	ErrInternal = newErr("Internal", KindInternal, "internal error")
)

// AsError extracts a *Error from err, falling back to ErrInternal.
func AsError(err error) *Error {
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return ErrInternal
}
