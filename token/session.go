package token

import (
	"time"

	"github.com/peacprotocol/peac-x402-receipts-demo/types"
)

// RailX402 is the only payment rail issued by this service
const RailX402 = "x402"

// SessionClaims is the payment challenge bound to one basket
type SessionClaims struct {
	SessionID   string       `json:"sid"`
	Subject     string       `json:"subject"`
	Amount      types.Amount `json:"amount"`
	Currency    string       `json:"currency"`
	Chain       string       `json:"chain"`
	Rail        string       `json:"rail"`
	IssuedAt    string       `json:"issued_at"`
	ItemsSHA256 string       `json:"items_sha256,omitempty"`
	Lifetime
}

// IssueSession fills issued_at, rail and exp when unset and signs the session
func (c *Codec) IssueSession(claims SessionClaims) (string, SessionClaims, error) {
	if claims.IssuedAt == "" {
		claims.IssuedAt = c.Now().Format(time.RFC3339Nano)
	}
	if claims.Rail == "" {
		claims.Rail = RailX402
	}
	if claims.ExpiresAt == nil {
		claims.ExpiresAt = c.expiry(c.sessionTTL)
	}
	raw, err := c.Sign(TypeSession, claims)
	if err != nil {
		return "", SessionClaims{}, err
	}
	return raw, claims, nil
}

// VerifySession verifies a session token issued by this codec
func (c *Codec) VerifySession(raw string) (*SessionClaims, error) {
	var claims SessionClaims
	if _, err := c.Verify(TypeSession, raw, &claims); err != nil {
		return nil, err
	}
	return &claims, nil
}
