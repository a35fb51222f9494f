package token

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/peacprotocol/peac-x402-receipts-demo/types"
)

func testReceipt() ReceiptClaims {
	line := types.LineItem{SKU: "sku_tea", Title: "Green Tea", Qty: 1, UnitPriceUSD: types.MustParseAmount("0.01")}
	total := types.MustParseAmount("0.01")
	return ReceiptClaims{
		Subject:  "order",
		Request:  ReceiptRequest{Method: "POST", Path: "/api/shop/checkout-direct"},
		Response: ReceiptResponse{Status: 200, BodySHA256: "00ff"},
		Payment: ReceiptPayment{
			Rail: RailX402, Amount: total, Currency: "USDC", Chain: "base",
			ProofID: "demo-pay-ok-123", SessionID: "sess_1", Payer: "demo-payer",
		},
		Order: ReceiptOrder{
			OrderID: "ord_0123456789",
			Items:   []types.LineItem{line},
			Totals:  types.Totals{Subtotal: total, Tax: types.Zero, Fees: types.Zero, GrandTotal: total},
		},
		Policy:    ReceiptPolicy{AIPrefURL: "http://localhost:4021/aipref.json", AIPrefSnapshot: json.RawMessage(`{"train-ai":"disallowed"}`)},
		VerifyURL: "http://localhost:4021/api/verify",
	}
}

func TestReceiptRoundTrip(t *testing.T) {
	codec := newTestCodec(t, "k1")
	claims := testReceipt()

	raw, err := codec.IssueReceipt(claims)
	require.NoError(t, err)

	got, header, err := codec.VerifyReceipt(raw)
	require.NoError(t, err)
	assert.Equal(t, TypeReceipt, header.Typ)
	assert.Equal(t, ReceiptVersion, got.ReceiptVersion)
	assert.Equal(t, testNow.Format(time.RFC3339Nano), got.IssuedAt)
	assert.Nil(t, got.ExpiresAt)
	assert.Nil(t, got.Provenance.C2PA)

	claims.ReceiptVersion = ReceiptVersion
	claims.IssuedAt = got.IssuedAt
	assertSameJSON(t, claims, got)
}

func TestReceiptPayloadShape(t *testing.T) {
	codec := newTestCodec(t, "k1")
	raw, err := codec.IssueReceipt(testReceipt())
	require.NoError(t, err)

	payload := decodePayload(t, raw)
	assert.NotContains(t, payload, "exp")
	assert.Equal(t, map[string]interface{}{"c2pa": nil}, payload["provenance"])
	assert.Equal(t, 0.01, payload["payment"].(map[string]interface{})["amount"])
}

func TestVerifyReceiptWithKey(t *testing.T) {
	codec := newTestCodec(t, "k1")
	other := newTestCodec(t, "k1")

	raw, err := codec.IssueReceipt(testReceipt())
	require.NoError(t, err)

	got, _, err := VerifyReceiptWithKey(raw, codec.PublicKey(), "k1")
	require.NoError(t, err)
	assert.Equal(t, "ord_0123456789", got.Order.OrderID)

	_, _, err = VerifyReceiptWithKey(raw, codec.PublicKey(), "")
	assert.NoError(t, err)

	_, _, err = VerifyReceiptWithKey(raw, other.PublicKey(), "k1")
	assert.ErrorIs(t, err, ErrInvalidSignature)
}
