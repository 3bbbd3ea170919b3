// Package apperr defines the structured business errors raised by the
// fulfillment services. Every business-rule violation carries a
// machine-readable code that the API layer maps onto an HTTP status;
// infrastructure errors are not wrapped and propagate as 500s.
package apperr

import (
	"errors"
	"fmt"
)

// Error codes
const (
	CodeInvalidInput       = "invalid_input"
	CodeNotFound           = "not_found"
	CodeConflict           = "conflict"
	CodeInsufficientStock  = "insufficient_stock"
	CodeReservationExpired = "reservation_expired"
	CodeInvalidTransition  = "invalid_transition"
	CodePriceDrift         = "price_drift"
	CodeAmountMismatch     = "amount_mismatch"
	CodeSignatureInvalid   = "signature_invalid"
	CodeEmptyCart          = "empty_cart"
	CodeInactiveProduct    = "inactive_product"
	CodeReturnWindow       = "return_window_closed"
)

// Error is a business-rule violation with a stable code and human detail.
type Error struct {
	Code    string
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// New builds an error with an arbitrary code.
func New(code, format string, args ...interface{}) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// InvalidInput marks a synchronously rejected validation failure.
func InvalidInput(format string, args ...interface{}) *Error {
	return New(CodeInvalidInput, format, args...)
}

// NotFound marks a missing entity.
func NotFound(format string, args ...interface{}) *Error {
	return New(CodeNotFound, format, args...)
}

// InsufficientStock marks a failed reservation or capture.
func InsufficientStock(format string, args ...interface{}) *Error {
	return New(CodeInsufficientStock, format, args...)
}

// ReservationExpired marks a capture against a lapsed reservation.
func ReservationExpired(format string, args ...interface{}) *Error {
	return New(CodeReservationExpired, format, args...)
}

// InvalidTransition marks an illegal status change, surfacing both statuses.
func InvalidTransition(current, attempted string) *Error {
	return New(CodeInvalidTransition, "cannot transition order from %s to %s", current, attempted)
}

// PriceDrift marks a catalog price change between reservation and payment.
func PriceDrift(stored, recomputed int64) *Error {
	return New(CodePriceDrift, "stored total %d does not match current pricing %d", stored, recomputed)
}

// AmountMismatch marks a gateway amount that disagrees with the expected one.
func AmountMismatch(expected, got int64) *Error {
	return New(CodeAmountMismatch, "expected %d cents, gateway reported %d", expected, got)
}

// SignatureInvalid marks a webhook that failed checksum validation.
func SignatureInvalid(format string, args ...interface{}) *Error {
	return New(CodeSignatureInvalid, format, args...)
}

// CodeOf extracts the business code from an error chain, or "" for
// infrastructure errors.
func CodeOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// Is reports whether err carries the given business code.
func Is(err error, code string) bool {
	return CodeOf(err) == code
}
