package token

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/peacprotocol/peac-x402-receipts-demo/keys"
	"github.com/peacprotocol/peac-x402-receipts-demo/types"
)

func TestCartWithItemIsPure(t *testing.T) {
	base := CartClaims{CartID: "cart_1", Items: []types.Item{{SKU: "sku_tea", Qty: 1}}}

	next := base.WithItem("sku_tea", 2)
	assert.Equal(t, []types.Item{{SKU: "sku_tea", Qty: 1}}, base.Items)
	assert.Equal(t, []types.Item{{SKU: "sku_tea", Qty: 3}}, next.Items)

	next = next.WithItem("sku_coffee", 1)
	assert.Equal(t, []types.Item{{SKU: "sku_tea", Qty: 3}, {SKU: "sku_coffee", Qty: 1}}, next.Items)
	assert.Equal(t, "cart_1", next.CartID)
}

func TestCartRoundTrip(t *testing.T) {
	codec := newTestCodec(t, "k1")

	cart := codec.NewCart("cart_abcdefghij").WithItem("sku_tea", 1)
	raw, err := codec.IssueCart(cart)
	require.NoError(t, err)

	got, err := codec.VerifyCart(raw)
	require.NoError(t, err)
	assert.Equal(t, cart.CartID, got.CartID)
	assert.Equal(t, cart.Items, got.Items)
	assert.Equal(t, cart.CreatedAt, got.CreatedAt)
	require.NotNil(t, got.ExpiresAt)
	assert.Equal(t, testNow.Add(DefaultCartTTL).Unix(), got.ExpiresAt.Unix())
}

func TestEmptyCartEncodesItemsArray(t *testing.T) {
	codec := newTestCodec(t, "k1")
	raw, err := codec.IssueCart(CartClaims{CartID: "cart_1", CreatedAt: testNow.Format(time.RFC3339Nano)})
	require.NoError(t, err)

	payload := decodePayload(t, raw)
	assert.Equal(t, []interface{}{}, payload["items"])
}

func TestCartReissueKeepsDeadline(t *testing.T) {
	km, err := keys.Generate("k1")
	require.NoError(t, err)
	c := &clock{t: testNow}
	codec := NewCodec(km, WithClock(c.now), WithCartTTL(time.Hour))

	cart := codec.NewCart("cart_1")
	c.t = testNow.Add(30 * time.Minute)
	raw, err := codec.IssueCart(cart.WithItem("sku_tea", 1))
	require.NoError(t, err)

	got, err := codec.VerifyCart(raw)
	require.NoError(t, err)
	assert.Equal(t, testNow.Add(time.Hour).Unix(), got.ExpiresAt.Unix())

	c.t = testNow.Add(61 * time.Minute)
	_, err = codec.VerifyCart(raw)
	assert.ErrorIs(t, err, ErrExpired)
}

func TestCartTokenRejectedAsSession(t *testing.T) {
	codec := newTestCodec(t, "k1")
	raw, err := codec.IssueCart(codec.NewCart("cart_1"))
	require.NoError(t, err)

	_, err = codec.VerifySession(raw)
	assert.ErrorIs(t, err, ErrWrongType)
}

func TestCartClaimsJSONShape(t *testing.T) {
	data, err := json.Marshal(CartClaims{CartID: "cart_1", Items: []types.Item{{SKU: "a", Qty: 2}}, CreatedAt: "t"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"cart_id":"cart_1","items":[{"sku":"a","qty":2}],"created_at":"t"}`, string(data))
}
