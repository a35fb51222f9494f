package types

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseAmount(t *testing.T) {
	a, err := ParseAmount("$0.01")
	require.NoError(t, err)
	assert.Equal(t, "0.01", a.String())

	a, err = ParseAmount("1.005")
	require.NoError(t, err)
	assert.Equal(t, "1.01", a.String(), "rounds half away from zero")

	_, err = ParseAmount("abc")
	assert.Error(t, err)
}

func TestAmountJSON(t *testing.T) {
	a := MustParseAmount("0.01")
	data, err := json.Marshal(a)
	require.NoError(t, err)
	assert.Equal(t, "0.01", string(data))

	var fromNumber, fromString Amount
	require.NoError(t, json.Unmarshal([]byte(`0.01`), &fromNumber))
	require.NoError(t, json.Unmarshal([]byte(`"0.01"`), &fromString))
	assert.True(t, a.Equal(fromNumber))
	assert.True(t, a.Equal(fromString))
}

func TestAmountJSON_RoundsToCents(t *testing.T) {
	var fromNumber, fromString Amount
	require.NoError(t, json.Unmarshal([]byte(`1.005`), &fromNumber))
	require.NoError(t, json.Unmarshal([]byte(`"0.123"`), &fromString))
	assert.Equal(t, "1.01", fromNumber.String())
	assert.Equal(t, "0.12", fromString.String())

	data, err := json.Marshal(fromString)
	require.NoError(t, err)
	assert.Equal(t, "0.12", string(data))
}

func TestAmountArithmetic(t *testing.T) {
	price := MustParseAmount("0.1")
	total := price.Mul(3)
	assert.Equal(t, "0.3", total.String(), "decimal arithmetic has no float drift")
	assert.True(t, total.Add(MustParseAmount("0.2")).Equal(MustParseAmount("0.5")))
}

func TestSubtotal(t *testing.T) {
	lines := []LineItem{
		{SKU: "sku_tea", Qty: 3, UnitPriceUSD: MustParseAmount("0.01")},
		{SKU: "sku_coffee", Qty: 2, UnitPriceUSD: MustParseAmount("0.02")},
	}
	assert.Equal(t, "0.07", Subtotal(lines).String())
	assert.True(t, Subtotal(nil).Equal(Zero))
}
