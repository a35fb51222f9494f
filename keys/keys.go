// Package keys holds the issuer's Ed25519 signing key and its JWK form.
package keys

import (
	"crypto"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// DefaultKeyID is used when neither the configuration nor the JWK names a kid
const DefaultKeyID = "peac-demo-key-1"

// JWK constants for OKP Ed25519 keys (RFC 8037)
const (
	KeyTypeOKP     = "OKP"
	CurveEd25519   = "Ed25519"
	AlgorithmEdDSA = "EdDSA"
	UseSignature   = "sig"
)

var (
	ErrInvalidKey     = errors.New("keys: invalid key")
	ErrUnsupportedKey = errors.New("keys: unsupported key type")
	ErrKeyNotFound    = errors.New("keys: key not found in set")
)

// JWK is the subset of RFC 7517 needed for OKP Ed25519 keys
type JWK struct {
	Kty string `json:"kty"`
	Crv string `json:"crv,omitempty"`
	X   string `json:"x,omitempty"`
	D   string `json:"d,omitempty"`
	Kid string `json:"kid,omitempty"`
	Alg string `json:"alg,omitempty"`
	Use string `json:"use,omitempty"`
}

// KeySet is a JWKS document
type KeySet struct {
	Keys []JWK `json:"keys"`
}

// Manager owns one signing keypair and its key id
type Manager struct {
	kid  string
	priv ed25519.PrivateKey
	pub  ed25519.PublicKey
}

// Generate creates a manager with a fresh random keypair
func Generate(kid string) (*Manager, error) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate key: %w", err)
	}
	return NewManager(kid, priv)
}

// NewManager wraps an existing private key
func NewManager(kid string, priv ed25519.PrivateKey) (*Manager, error) {
	if len(priv) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("%w: private key length %d", ErrInvalidKey, len(priv))
	}
	if kid == "" {
		kid = DefaultKeyID
	}
	return &Manager{
		kid:  kid,
		priv: priv,
		pub:  priv.Public().(ed25519.PublicKey),
	}, nil
}

// FromJWK loads a private OKP/Ed25519 JWK. A non-empty kid overrides the kid in the JWK.
func FromJWK(data []byte, kid string) (*Manager, error) {
	var jwk JWK
	if err := json.Unmarshal(data, &jwk); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	if err := jwk.checkType(); err != nil {
		return nil, err
	}
	if jwk.D == "" {
		return nil, fmt.Errorf("%w: missing private component d", ErrInvalidKey)
	}
	seed, err := decodeSegment(jwk.D)
	if err != nil || len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("%w: d must be a %d byte base64url seed", ErrInvalidKey, ed25519.SeedSize)
	}
	priv := ed25519.NewKeyFromSeed(seed)

	if jwk.X != "" {
		pub, err := jwk.PublicKey()
		if err != nil {
			return nil, err
		}
		if subtle.ConstantTimeCompare(pub, priv.Public().(ed25519.PublicKey)) != 1 {
			return nil, fmt.Errorf("%w: x does not match d", ErrInvalidKey)
		}
	}

	if kid == "" {
		kid = jwk.Kid
	}
	return NewManager(kid, priv)
}

// KeyID returns the kid placed in every token header
func (m *Manager) KeyID() string {
	return m.kid
}

// PublicKey returns the verification key
func (m *Manager) PublicKey() ed25519.PublicKey {
	return m.pub
}

// Signer returns the private key as a crypto.Signer
func (m *Manager) Signer() crypto.Signer {
	return m.priv
}

// Sign signs msg with the private key
func (m *Manager) Sign(msg []byte) []byte {
	return ed25519.Sign(m.priv, msg)
}

// PublicJWK exports the public half for publication
func (m *Manager) PublicJWK() JWK {
	return JWK{
		Kty: KeyTypeOKP,
		Crv: CurveEd25519,
		X:   base64.RawURLEncoding.EncodeToString(m.pub),
		Kid: m.kid,
		Alg: AlgorithmEdDSA,
		Use: UseSignature,
	}
}

// PrivateJWK exports the full keypair. Only used by key generation tooling.
func (m *Manager) PrivateJWK() JWK {
	jwk := m.PublicJWK()
	jwk.D = base64.RawURLEncoding.EncodeToString(m.priv.Seed())
	return jwk
}

// PublicKey decodes the x component
func (j JWK) PublicKey() (ed25519.PublicKey, error) {
	if err := j.checkType(); err != nil {
		return nil, err
	}
	raw, err := decodeSegment(j.X)
	if err != nil || len(raw) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("%w: x must be a %d byte base64url key", ErrInvalidKey, ed25519.PublicKeySize)
	}
	return ed25519.PublicKey(raw), nil
}

func (j JWK) checkType() error {
	if j.Kty != KeyTypeOKP || j.Crv != CurveEd25519 {
		return fmt.Errorf("%w: kty=%q crv=%q", ErrUnsupportedKey, j.Kty, j.Crv)
	}
	if j.Alg != "" && j.Alg != AlgorithmEdDSA {
		return fmt.Errorf("%w: alg=%q", ErrUnsupportedKey, j.Alg)
	}
	return nil
}

// ParsePublicKey accepts a single JWK or a JWKS document and returns the key
// matching kid. With a single JWK, kid is only checked if the JWK carries one.
func ParsePublicKey(data []byte, kid string) (JWK, ed25519.PublicKey, error) {
	var probe struct {
		Keys json.RawMessage `json:"keys"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return JWK{}, nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}

	if probe.Keys == nil {
		var jwk JWK
		if err := json.Unmarshal(data, &jwk); err != nil {
			return JWK{}, nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
		}
		pub, err := jwk.PublicKey()
		if err != nil {
			return JWK{}, nil, err
		}
		return jwk, pub, nil
	}

	var set KeySet
	if err := json.Unmarshal(data, &set); err != nil {
		return JWK{}, nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	for _, jwk := range set.Keys {
		if kid != "" && jwk.Kid != kid {
			continue
		}
		pub, err := jwk.PublicKey()
		if err != nil {
			return JWK{}, nil, err
		}
		return jwk, pub, nil
	}
	return JWK{}, nil, fmt.Errorf("%w: kid %q", ErrKeyNotFound, kid)
}

func decodeSegment(s string) ([]byte, error) {
	return base64.RawURLEncoding.DecodeString(strings.TrimRight(strings.TrimSpace(s), "="))
}
