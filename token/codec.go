// Package token signs and verifies the three compact JWS envelopes used by the
// checkout protocol. Every envelope carries an EdDSA signature, the issuer's
// kid and a type tag in the "typ" header; a token of one type never verifies
// as another.
package token

import (
	"crypto/ed25519"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/peacprotocol/peac-x402-receipts-demo/keys"
)

// Type tags
const (
	TypeSession = "peac-session+jws"
	TypeCart    = "peac-cart+jws"
	TypeReceipt = "peac-receipt+jws"
)

var (
	ErrMalformed            = errors.New("token: malformed envelope")
	ErrInvalidSignature     = errors.New("token: invalid signature")
	ErrWrongType            = errors.New("token: wrong token type")
	ErrExpired              = errors.New("token: expired")
	ErrUnknownKey           = errors.New("token: unknown key id")
	ErrUnsupportedAlgorithm = errors.New("token: unsupported algorithm")
)

// Header is the protected header of a verified envelope
type Header struct {
	Alg string `json:"alg"`
	Kid string `json:"kid,omitempty"`
	Typ string `json:"typ"`
}

// Codec signs and verifies envelopes with one key manager
type Codec struct {
	keys       *keys.Manager
	now        func() time.Time
	sessionTTL time.Duration
	cartTTL    time.Duration
}

// Option configures a Codec
type Option func(*Codec)

// WithClock sets the time source used for issued_at, exp and expiry checks
func WithClock(now func() time.Time) Option {
	return func(c *Codec) {
		c.now = now
	}
}

// WithSessionTTL sets the lifetime of session tokens. Zero disables expiry.
func WithSessionTTL(ttl time.Duration) Option {
	return func(c *Codec) {
		c.sessionTTL = ttl
	}
}

// WithCartTTL sets the lifetime of cart tokens. Zero disables expiry.
func WithCartTTL(ttl time.Duration) Option {
	return func(c *Codec) {
		c.cartTTL = ttl
	}
}

// Default token lifetimes
const (
	DefaultSessionTTL = 15 * time.Minute
	DefaultCartTTL    = 24 * time.Hour
)

// NewCodec creates a codec bound to km
func NewCodec(km *keys.Manager, opts ...Option) *Codec {
	c := &Codec{
		keys:       km,
		now:        time.Now,
		sessionTTL: DefaultSessionTTL,
		cartTTL:    DefaultCartTTL,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Now returns the codec's current time in UTC
func (c *Codec) Now() time.Time {
	return c.now().UTC()
}

// KeyID returns the kid placed in issued headers
func (c *Codec) KeyID() string {
	return c.keys.KeyID()
}

// PublicKey returns the key used by Verify
func (c *Codec) PublicKey() ed25519.PublicKey {
	return c.keys.PublicKey()
}

// Sign produces a compact JWS with header {alg: EdDSA, kid, typ}
func (c *Codec) Sign(typ string, claims jwt.Claims) (string, error) {
	tok := jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims)
	tok.Header["kid"] = c.keys.KeyID()
	tok.Header["typ"] = typ

	signed, err := tok.SignedString(c.keys.Signer())
	if err != nil {
		return "", fmt.Errorf("failed to sign %s: %w", typ, err)
	}
	return signed, nil
}

// Verify checks raw against the codec's own key and decodes it into claims
func (c *Codec) Verify(typ, raw string, claims jwt.Claims) (*Header, error) {
	return verify(typ, raw, claims, c.keys.PublicKey(), c.keys.KeyID(), c.now)
}

// VerifyWithKey checks raw against an externally supplied public key.
// An empty kid skips the kid check.
func VerifyWithKey(typ, raw string, claims jwt.Claims, pub ed25519.PublicKey, kid string) (*Header, error) {
	return verify(typ, raw, claims, pub, kid, time.Now)
}

func verify(typ, raw string, claims jwt.Claims, pub ed25519.PublicKey, kid string, now func() time.Time) (*Header, error) {
	header := &Header{}
	keyFunc := func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodEd25519); !ok {
			return nil, fmt.Errorf("%w: %v", ErrUnsupportedAlgorithm, t.Header["alg"])
		}
		header.Alg, _ = t.Header["alg"].(string)
		header.Kid, _ = t.Header["kid"].(string)
		header.Typ, _ = t.Header["typ"].(string)

		if header.Typ != typ {
			return nil, fmt.Errorf("%w: got %q, want %q", ErrWrongType, header.Typ, typ)
		}
		if kid != "" && header.Kid != kid {
			return nil, fmt.Errorf("%w: %q", ErrUnknownKey, header.Kid)
		}
		return pub, nil
	}

	parser := jwt.NewParser(jwt.WithTimeFunc(now))
	if _, err := parser.ParseWithClaims(raw, claims, keyFunc); err != nil {
		return nil, classify(err)
	}
	return header, nil
}

// classify maps jwt errors onto the package sentinels
func classify(err error) error {
	for _, sentinel := range []error{ErrWrongType, ErrUnknownKey, ErrUnsupportedAlgorithm} {
		if errors.Is(err, sentinel) {
			return fmt.Errorf("%w: %v", sentinel, err)
		}
	}
	switch {
	case errors.Is(err, jwt.ErrTokenMalformed):
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	case errors.Is(err, jwt.ErrTokenExpired):
		return fmt.Errorf("%w: %v", ErrExpired, err)
	case errors.Is(err, jwt.ErrTokenUnverifiable):
		return fmt.Errorf("%w: %v", ErrUnsupportedAlgorithm, err)
	default:
		return fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
}

func (c *Codec) expiry(ttl time.Duration) *jwt.NumericDate {
	if ttl <= 0 {
		return nil
	}
	return jwt.NewNumericDate(c.Now().Add(ttl))
}
