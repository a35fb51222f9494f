package peac

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/gowebpki/jcs"

	"github.com/peacprotocol/peac-x402-receipts-demo/types"
)

// MaxQuantity bounds the quantity of one basket line after duplicates are merged
const MaxQuantity = 1_000_000

// NormalizeItems trims SKUs, defaults a zero quantity to 1, merges duplicate
// SKUs and sorts the result by SKU. The input slice is not modified.
func NormalizeItems(items []types.Item) ([]types.Item, error) {
	qty := make(map[string]int, len(items))
	for _, it := range items {
		sku := strings.TrimSpace(it.SKU)
		if sku == "" {
			return nil, validationError(ErrCodeMissingSKU, "Every item needs a sku")
		}
		n := it.Qty
		switch {
		case n < 0:
			return nil, validationError(ErrCodeInvalidQuantity, fmt.Sprintf("Quantity for %s must be a positive integer", sku))
		case n == 0:
			n = 1
		}
		if n > MaxQuantity || qty[sku] > MaxQuantity-n {
			return nil, validationError(ErrCodeInvalidQuantity, fmt.Sprintf("Quantity for %s exceeds %d", sku, MaxQuantity))
		}
		qty[sku] += n
	}

	out := make([]types.Item, 0, len(qty))
	for sku, n := range qty {
		out = append(out, types.Item{SKU: sku, Qty: n})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SKU < out[j].SKU })
	return out, nil
}

// ItemsFingerprint returns the lowercase hex SHA-256 of the RFC 8785 canonical
// JSON of the normalized basket. Any permutation of the same basket yields
// the same fingerprint.
func ItemsFingerprint(items []types.Item) (string, error) {
	normalized, err := NormalizeItems(items)
	if err != nil {
		return "", err
	}
	raw, err := json.Marshal(normalized)
	if err != nil {
		return "", fmt.Errorf("failed to marshal items: %w", err)
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return "", fmt.Errorf("failed to canonicalize items: %w", err)
	}
	return sha256Hex(canonical), nil
}

// DeriveOrderID is a pure function of the session and basket
func DeriveOrderID(sessionID, fingerprint string) string {
	return "ord_" + sha256Hex([]byte(sessionID + fingerprint))[:10]
}

func sha256Hex(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
