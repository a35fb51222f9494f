// Package types holds the wire types shared by the checkout core, the token
// layer and the HTTP surface.
package types

// Item is a basket line as submitted by a buyer or stored in a cart token
type Item struct {
	SKU string `json:"sku"`
	Qty int    `json:"qty"`
}

// Product is a catalog entry
type Product struct {
	SKU      string `json:"sku"`
	Title    string `json:"title"`
	PriceUSD Amount `json:"price_usd"`
}

// LineItem is an order line enriched from the catalog
type LineItem struct {
	SKU          string `json:"sku"`
	Title        string `json:"title"`
	Qty          int    `json:"qty"`
	UnitPriceUSD Amount `json:"unit_price_usd"`
}

// Totals summarizes an order
type Totals struct {
	Subtotal   Amount `json:"subtotal"`
	Tax        Amount `json:"tax"`
	Fees       Amount `json:"fees"`
	GrandTotal Amount `json:"grand_total"`
}

// Order is the body returned to the buyer once payment is verified.
// Field order is the serialization order and is covered by the receipt's body hash.
type Order struct {
	OrderID   string     `json:"order_id"`
	Items     []LineItem `json:"items"`
	Totals    Totals     `json:"totals"`
	CreatedAt string     `json:"created_at"`
}

// Subtotal sums qty*unit_price over the lines, rounded to two decimal places
func Subtotal(lines []LineItem) Amount {
	total := Zero
	for _, line := range lines {
		total = total.Add(line.UnitPriceUSD.Mul(line.Qty))
	}
	return total
}
