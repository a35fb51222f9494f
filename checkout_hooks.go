package peac

import (
	"context"
	"time"

	"github.com/peacprotocol/peac-x402-receipts-demo/types"
)

// ============================================================================
// Checkout Hook Context Types
// ============================================================================

// CheckoutContext contains information passed to every checkout hook
type CheckoutContext struct {
	Ctx       context.Context
	Request   CheckoutRequest
	Timestamp time.Time
}

// PaymentRequiredContext is passed when a 402 challenge is issued
type PaymentRequiredContext struct {
	CheckoutContext
	SessionID string
	Amount    types.Amount
}

// OrderCompletedContext is passed after an order is returned, including replays
type OrderCompletedContext struct {
	CheckoutContext
	Result   *CheckoutResult
	Duration time.Duration
}

// CheckoutFailureContext is passed when a checkout ends in an error
type CheckoutFailureContext struct {
	CheckoutContext
	Error    *CheckoutError
	Duration time.Duration
}

// ============================================================================
// Checkout Hook Function Types
// ============================================================================

// OnPaymentRequiredHook is called after a session token is issued.
// Any error returned will be logged but will not affect the response.
type OnPaymentRequiredHook func(PaymentRequiredContext) error

// OnOrderCompletedHook is called after an order is completed or replayed.
// Any error returned will be logged but will not affect the response.
type OnOrderCompletedHook func(OrderCompletedContext) error

// OnCheckoutFailureHook is called when a checkout fails.
// Any error returned will be logged but will not affect the response.
type OnCheckoutFailureHook func(CheckoutFailureContext) error

// ============================================================================
// Checkout Hook Registration Options
// ============================================================================

// WithOnPaymentRequiredHook registers a hook to execute when a 402 challenge is issued
func WithOnPaymentRequiredHook(hook OnPaymentRequiredHook) CheckoutOption {
	return func(c *Checkout) {
		c.onPaymentRequiredHooks = append(c.onPaymentRequiredHooks, hook)
	}
}

// WithOnOrderCompletedHook registers a hook to execute after an order is returned
func WithOnOrderCompletedHook(hook OnOrderCompletedHook) CheckoutOption {
	return func(c *Checkout) {
		c.onOrderCompletedHooks = append(c.onOrderCompletedHooks, hook)
	}
}

// WithOnCheckoutFailureHook registers a hook to execute when a checkout fails
func WithOnCheckoutFailureHook(hook OnCheckoutFailureHook) CheckoutOption {
	return func(c *Checkout) {
		c.onCheckoutFailureHooks = append(c.onCheckoutFailureHooks, hook)
	}
}
