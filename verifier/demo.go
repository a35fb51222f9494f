// Package verifier provides PaymentVerifier adapters: a deterministic demo
// verifier for local use and an HTTP client for a remote x402 facilitator.
package verifier

import (
	"context"
	"crypto/subtle"

	peac "github.com/peacprotocol/peac-x402-receipts-demo"
)

// DefaultDemoToken is the proof accepted in demo mode when none is configured
const DefaultDemoToken = "demo-pay-ok-123"

// DemoPayer is reported for every accepted demo proof
const DemoPayer = "demo-payer"

// Demo accepts exactly one proof value. It never accepts an empty proof.
type Demo struct {
	token []byte
}

// NewDemo creates a demo verifier. An empty token selects DefaultDemoToken.
func NewDemo(token string) *Demo {
	if token == "" {
		token = DefaultDemoToken
	}
	return &Demo{token: []byte(token)}
}

// Verify reports whether proofID equals the configured token
func (d *Demo) Verify(_ context.Context, proofID, _ string) (peac.Verification, error) {
	if proofID == "" || subtle.ConstantTimeCompare([]byte(proofID), d.token) != 1 {
		return peac.Verification{Valid: false}, nil
	}
	return peac.Verification{Valid: true, Payer: DemoPayer}, nil
}

var _ peac.PaymentVerifier = (*Demo)(nil)
