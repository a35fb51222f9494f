package token

import "github.com/golang-jwt/jwt/v5"

// Lifetime carries the optional exp claim and satisfies jwt.Claims for the
// claim sets that embed it. Only exp is validated; the remaining registered
// claims are not used by the protocol.
type Lifetime struct {
	ExpiresAt *jwt.NumericDate `json:"exp,omitempty"`
}

func (l Lifetime) GetExpirationTime() (*jwt.NumericDate, error) { return l.ExpiresAt, nil }
func (l Lifetime) GetIssuedAt() (*jwt.NumericDate, error)       { return nil, nil }
func (l Lifetime) GetNotBefore() (*jwt.NumericDate, error)      { return nil, nil }
func (l Lifetime) GetIssuer() (string, error)                   { return "", nil }
func (l Lifetime) GetSubject() (string, error)                  { return "", nil }
func (l Lifetime) GetAudience() (jwt.ClaimStrings, error)       { return nil, nil }
