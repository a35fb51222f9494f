package token

import (
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/peacprotocol/peac-x402-receipts-demo/types"
)

// CartClaims is a stateless cart. Values are never mutated in place.
type CartClaims struct {
	CartID    string       `json:"cart_id"`
	Items     []types.Item `json:"items"`
	CreatedAt string       `json:"created_at"`
	Lifetime
}

// WithItem returns a copy of the cart with qty of sku added, summing the
// quantity when the sku is already present. Line order is preserved.
func (c CartClaims) WithItem(sku string, qty int) CartClaims {
	items := make([]types.Item, 0, len(c.Items)+1)
	merged := false
	for _, it := range c.Items {
		if it.SKU == sku {
			it.Qty += qty
			merged = true
		}
		items = append(items, it)
	}
	if !merged {
		items = append(items, types.Item{SKU: sku, Qty: qty})
	}
	c.Items = items
	return c
}

// NewCart returns an empty cart created now
func (c *Codec) NewCart(cartID string) CartClaims {
	return CartClaims{
		CartID:    cartID,
		Items:     []types.Item{},
		CreatedAt: c.Now().Format(time.RFC3339Nano),
	}
}

// IssueCart signs the cart. The expiry is always derived from created_at so
// re-issued carts keep their original deadline.
func (c *Codec) IssueCart(claims CartClaims) (string, error) {
	if claims.Items == nil {
		claims.Items = []types.Item{}
	}
	claims.ExpiresAt = nil
	if c.cartTTL > 0 {
		created, err := time.Parse(time.RFC3339Nano, claims.CreatedAt)
		if err != nil {
			created = c.Now()
		}
		claims.ExpiresAt = jwt.NewNumericDate(created.Add(c.cartTTL))
	}
	return c.Sign(TypeCart, claims)
}

// VerifyCart verifies a cart token issued by this codec
func (c *Codec) VerifyCart(raw string) (*CartClaims, error) {
	var claims CartClaims
	if _, err := c.Verify(TypeCart, raw, &claims); err != nil {
		return nil, err
	}
	return &claims, nil
}
