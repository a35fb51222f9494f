// Package receipt verifies PEAC receipts offline. Verification needs only the
// receipt and the issuer's public JWK; it never contacts the issuer.
package receipt

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/peacprotocol/peac-x402-receipts-demo/keys"
	"github.com/peacprotocol/peac-x402-receipts-demo/token"
)

// ErrMalformed is returned for input that is not a decodable compact JWS
var ErrMalformed = errors.New("receipt: malformed")

// Failure reasons reported with Valid=false
const (
	ReasonInvalidSignature     = "invalid_signature"
	ReasonWrongType            = "wrong_type"
	ReasonUnsupportedAlgorithm = "unsupported_algorithm"
	ReasonUnknownKey           = "unknown_key"
	ReasonExpired              = "expired"
)

// Result is the outcome of a routine verification
type Result struct {
	Valid   bool                   `json:"valid"`
	Payload *token.ReceiptClaims   `json:"payload,omitempty"`
	Header  map[string]interface{} `json:"header,omitempty"`
	Reason  string                 `json:"reason,omitempty"`
}

// Verify checks jws against publicJWK, a single JWK or a JWKS document.
// Signature, type, algorithm and key mismatches are reported as Valid=false;
// only undecodable input returns an error.
func Verify(jws string, publicJWK []byte) (*Result, error) {
	header, err := decodeEnvelope(strings.TrimSpace(jws))
	if err != nil {
		return nil, err
	}
	kid, _ := header["kid"].(string)

	jwk, pub, err := keys.ParsePublicKey(publicJWK, kid)
	if errors.Is(err, keys.ErrKeyNotFound) {
		return &Result{Valid: false, Header: header, Reason: ReasonUnknownKey}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("invalid public key: %w", err)
	}

	claims, _, err := token.VerifyReceiptWithKey(strings.TrimSpace(jws), pub, jwk.Kid)
	if err != nil {
		if errors.Is(err, token.ErrMalformed) {
			return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		return &Result{Valid: false, Header: header, Reason: reason(err)}, nil
	}
	return &Result{Valid: true, Payload: claims, Header: header}, nil
}

// VerifyBody reports whether body hashes to the receipt's response.body_sha256
func VerifyBody(claims *token.ReceiptClaims, body []byte) bool {
	if claims == nil {
		return false
	}
	sum := sha256.Sum256(body)
	want := strings.ToLower(claims.Response.BodySHA256)
	return subtle.ConstantTimeCompare([]byte(hex.EncodeToString(sum[:])), []byte(want)) == 1
}

// decodeEnvelope checks the compact form and returns the decoded header
func decodeEnvelope(jws string) (map[string]interface{}, error) {
	parts := strings.Split(jws, ".")
	if len(parts) != 3 || parts[0] == "" || parts[1] == "" || parts[2] == "" {
		return nil, fmt.Errorf("%w: expected three dot-separated segments", ErrMalformed)
	}
	for i, part := range parts {
		if _, err := base64.RawURLEncoding.DecodeString(part); err != nil {
			return nil, fmt.Errorf("%w: segment %d is not base64url", ErrMalformed, i)
		}
	}

	rawHeader, _ := base64.RawURLEncoding.DecodeString(parts[0])
	var header map[string]interface{}
	if err := json.Unmarshal(rawHeader, &header); err != nil {
		return nil, fmt.Errorf("%w: header is not JSON", ErrMalformed)
	}

	rawPayload, _ := base64.RawURLEncoding.DecodeString(parts[1])
	var payload map[string]interface{}
	if err := json.Unmarshal(rawPayload, &payload); err != nil {
		return nil, fmt.Errorf("%w: payload is not a JSON object", ErrMalformed)
	}
	return header, nil
}

func reason(err error) string {
	switch {
	case errors.Is(err, token.ErrWrongType):
		return ReasonWrongType
	case errors.Is(err, token.ErrUnsupportedAlgorithm):
		return ReasonUnsupportedAlgorithm
	case errors.Is(err, token.ErrUnknownKey):
		return ReasonUnknownKey
	case errors.Is(err, token.ErrExpired):
		return ReasonExpired
	default:
		return ReasonInvalidSignature
	}
}
