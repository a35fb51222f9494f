package peac

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorKind classifies checkout failures
type ErrorKind int

const (
	KindValidation ErrorKind = iota
	KindPaymentRequired
	KindPaymentInvalid
	KindIntegrity
	KindConflict
	KindRateLimited
	KindInternal
)

// HTTPStatus returns the status code a kind is reported with
func (k ErrorKind) HTTPStatus() int {
	switch k {
	case KindValidation, KindIntegrity:
		return http.StatusBadRequest
	case KindPaymentRequired, KindPaymentInvalid:
		return http.StatusPaymentRequired
	case KindConflict:
		return http.StatusConflict
	case KindRateLimited:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

func (k ErrorKind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindPaymentRequired:
		return "payment_required"
	case KindPaymentInvalid:
		return "payment_invalid"
	case KindIntegrity:
		return "integrity"
	case KindConflict:
		return "conflict"
	case KindRateLimited:
		return "rate_limited"
	default:
		return "internal"
	}
}

// Error codes
const (
	ErrCodeMissingItems           = "missing_items"
	ErrCodeInvalidSKU             = "invalid_sku"
	ErrCodeInvalidQuantity        = "invalid_quantity"
	ErrCodeMissingSKU             = "missing_sku"
	ErrCodeMissingSession         = "missing_session"
	ErrCodeInvalidSession         = "invalid_session"
	ErrCodeItemsMismatch          = "items_mismatch"
	ErrCodeAmountMismatch         = "amount_mismatch"
	ErrCodeSessionSubjectMismatch = "session_subject_mismatch"
	ErrCodePaymentRequired        = "payment_required"
	ErrCodePaymentInvalid         = "payment_invalid"
	ErrCodeMissingCartID          = "missing_cart_id"
	ErrCodeMissingCartToken       = "missing_cart_token"
	ErrCodeInvalidCartToken       = "invalid_cart_token"
	ErrCodeCartIDMismatch         = "cart_id_mismatch"
	ErrCodeEmptyCart              = "empty_cart"
	ErrCodeIdempotencyConflict    = "idempotency_conflict"
	ErrCodeRateLimited            = "rate_limited"
	ErrCodeInvalidRequest         = "invalid_request"
	ErrCodeMalformedReceipt       = "malformed_receipt"
	ErrCodeInternal               = "internal_error"
)

// CheckoutError is the typed outcome of a failed checkout or cart step.
// The cause is kept for logging and is never rendered to callers.
type CheckoutError struct {
	Kind    ErrorKind
	Code    string
	Message string
	Details map[string]interface{}
	cause   error
}

func (e *CheckoutError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *CheckoutError) Unwrap() error {
	return e.cause
}

// NewCheckoutError creates a new checkout error
func NewCheckoutError(kind ErrorKind, code, message string) *CheckoutError {
	return &CheckoutError{
		Kind:    kind,
		Code:    code,
		Message: message,
	}
}

// WithCause returns a copy of e carrying cause
func (e *CheckoutError) WithCause(cause error) *CheckoutError {
	cp := *e
	cp.cause = cause
	return &cp
}

// WithDetail returns a copy of e with an extra response field
func (e *CheckoutError) WithDetail(key string, value interface{}) *CheckoutError {
	cp := *e
	cp.Details = make(map[string]interface{}, len(e.Details)+1)
	for k, v := range e.Details {
		cp.Details[k] = v
	}
	cp.Details[key] = value
	return &cp
}

// Status returns the HTTP status for e
func (e *CheckoutError) Status() int {
	return e.Kind.HTTPStatus()
}

func validationError(code, message string) *CheckoutError {
	return NewCheckoutError(KindValidation, code, message)
}

func integrityError(code, message string) *CheckoutError {
	return NewCheckoutError(KindIntegrity, code, message)
}

// internalError hides cause behind the generic checkout failure
func internalError(cause error) *CheckoutError {
	return NewCheckoutError(KindInternal, ErrCodeInternal, "Checkout failed").WithCause(cause)
}

// AsCheckoutError maps any error onto a CheckoutError. Untyped errors are internal.
func AsCheckoutError(err error) *CheckoutError {
	if err == nil {
		return nil
	}
	var cerr *CheckoutError
	if errors.As(err, &cerr) {
		return cerr
	}
	return internalError(err)
}
