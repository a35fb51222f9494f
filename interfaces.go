// Package peac implements the PEAC x402 checkout protocol: stateless session
// and cart tokens, a checkout state machine that gates orders behind HTTP 402,
// idempotent completion, and receipts that bind a payment to the exact bytes
// of the response body.
package peac

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/peacprotocol/peac-x402-receipts-demo/types"
)

// Catalog resolves SKUs. Implementations must be safe for concurrent use.
type Catalog interface {
	Product(sku string) (types.Product, bool)
	List() []types.Product
}

// PolicySnapshot is the policy document a receipt is issued under
type PolicySnapshot struct {
	URL      string
	Document json.RawMessage
}

// PolicySource fetches the current policy snapshot
type PolicySource interface {
	Snapshot(ctx context.Context) (PolicySnapshot, error)
}

// Verification is the settlement check outcome
type Verification struct {
	Valid bool   `json:"valid"`
	Payer string `json:"payer,omitempty"`
}

// PaymentVerifier checks a payment proof against a session.
// A returned error is treated the same as Valid=false.
type PaymentVerifier interface {
	Verify(ctx context.Context, proofID, sessionID string) (Verification, error)
}

// OrderStatus represents the result of checking an OrderStore
type OrderStatus int

const (
	// StatusNotFound means no cached result and no in-flight request; the caller now owns the key.
	StatusNotFound OrderStatus = iota
	// StatusCached means a completed order was found.
	StatusCached
	// StatusInFlight means another request is completing this key.
	StatusInFlight
)

// CompletedOrder is what an idempotency key replays
type CompletedOrder struct {
	OrderID string `json:"order_id"`
	Body    []byte `json:"body"`
	Receipt string `json:"receipt"`
	// Binding is sid:fingerprint of the checkout that produced the entry
	Binding string `json:"binding"`
}

// Lease identifies one ownership of a key. CheckAndMark returns it with
// StatusNotFound and the owner must pass it to Complete or Fail.
type Lease string

// ErrLeaseLost is returned by Complete when the in-flight marker expired and
// was taken over by another request before the owner finished.
var ErrLeaseLost = errors.New("idempotency lease lost")

// OrderStore provides check-and-set idempotency for checkout completion.
// Implementations must be safe for concurrent use.
type OrderStore interface {
	// CheckAndMark atomically returns the cached order, reports an in-flight
	// owner, or marks the key in-flight for the caller and returns its lease.
	CheckAndMark(ctx context.Context, key string) (OrderStatus, *CompletedOrder, Lease, error)

	// WaitForResult blocks until the in-flight owner finishes. It returns nil
	// when the owner failed, in which case the caller should retry CheckAndMark.
	WaitForResult(ctx context.Context, key string) (*CompletedOrder, error)

	// Complete caches the order and releases waiters. The marker is only
	// released while lease still holds it; otherwise ErrLeaseLost is returned.
	Complete(ctx context.Context, key string, lease Lease, order *CompletedOrder) error

	// Fail releases the key without caching a result. A stale lease is a no-op.
	Fail(ctx context.Context, key string, lease Lease) error
}
