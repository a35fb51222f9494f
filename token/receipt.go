package token

import (
	"crypto/ed25519"
	"encoding/json"
	"time"

	"github.com/peacprotocol/peac-x402-receipts-demo/types"
)

// ReceiptVersion is the receipt schema version
const ReceiptVersion = "0.9.27"

// ReceiptClaims binds a payment to the exact response body and policy snapshot
type ReceiptClaims struct {
	ReceiptVersion string          `json:"receipt_version"`
	IssuedAt       string          `json:"issued_at"`
	Subject        string          `json:"subject"`
	Request        ReceiptRequest  `json:"request"`
	Response       ReceiptResponse `json:"response"`
	Payment        ReceiptPayment  `json:"payment"`
	Order          ReceiptOrder    `json:"order"`
	Policy         ReceiptPolicy   `json:"policy"`
	Provenance     Provenance      `json:"provenance"`
	VerifyURL      string          `json:"verify_url"`
	Lifetime
}

type ReceiptRequest struct {
	Method string `json:"method"`
	Path   string `json:"path"`
	Query  string `json:"query"`
}

type ReceiptResponse struct {
	Status     int    `json:"status"`
	BodySHA256 string `json:"body_sha256"`
}

type ReceiptPayment struct {
	Rail      string       `json:"rail"`
	Amount    types.Amount `json:"amount"`
	Currency  string       `json:"currency"`
	Chain     string       `json:"chain"`
	ProofID   string       `json:"proof_id"`
	SessionID string       `json:"session_id"`
	Payer     string       `json:"payer"`
}

type ReceiptOrder struct {
	OrderID string           `json:"order_id"`
	Items   []types.LineItem `json:"items"`
	Totals  types.Totals     `json:"totals"`
}

type ReceiptPolicy struct {
	AIPrefURL      string          `json:"aipref_url"`
	AIPrefSnapshot json.RawMessage `json:"aipref_snapshot"`
}

// Provenance is reserved for content credentials; C2PA is always null for now
type Provenance struct {
	C2PA *string `json:"c2pa"`
}

// IssueReceipt signs a receipt. Receipts never expire.
func (c *Codec) IssueReceipt(claims ReceiptClaims) (string, error) {
	if claims.ReceiptVersion == "" {
		claims.ReceiptVersion = ReceiptVersion
	}
	if claims.IssuedAt == "" {
		claims.IssuedAt = c.Now().Format(time.RFC3339Nano)
	}
	claims.ExpiresAt = nil
	return c.Sign(TypeReceipt, claims)
}

// VerifyReceipt verifies a receipt issued by this codec
func (c *Codec) VerifyReceipt(raw string) (*ReceiptClaims, *Header, error) {
	var claims ReceiptClaims
	header, err := c.Verify(TypeReceipt, raw, &claims)
	if err != nil {
		return nil, nil, err
	}
	return &claims, header, nil
}

// VerifyReceiptWithKey verifies a receipt against a published public key
func VerifyReceiptWithKey(raw string, pub ed25519.PublicKey, kid string) (*ReceiptClaims, *Header, error) {
	var claims ReceiptClaims
	header, err := VerifyWithKey(TypeReceipt, raw, &claims, pub, kid)
	if err != nil {
		return nil, nil, err
	}
	return &claims, header, nil
}
