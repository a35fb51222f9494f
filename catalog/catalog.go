// Package catalog holds the product catalog checkout prices baskets against.
package catalog

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	peac "github.com/peacprotocol/peac-x402-receipts-demo"
	"github.com/peacprotocol/peac-x402-receipts-demo/types"
)

var (
	ErrEmptyCatalog = errors.New("catalog: no products")
	ErrDuplicateSKU = errors.New("catalog: duplicate sku")
	ErrInvalidEntry = errors.New("catalog: invalid product")
)

// Memory is an immutable in-process catalog that keeps insertion order
type Memory struct {
	order    []string
	products map[string]types.Product
}

// New builds a catalog from products
func New(products ...types.Product) (*Memory, error) {
	if len(products) == 0 {
		return nil, ErrEmptyCatalog
	}
	m := &Memory{products: make(map[string]types.Product, len(products))}
	for _, p := range products {
		p.SKU = strings.TrimSpace(p.SKU)
		if p.SKU == "" {
			return nil, fmt.Errorf("%w: empty sku", ErrInvalidEntry)
		}
		if p.PriceUSD.IsNegative() {
			return nil, fmt.Errorf("%w: %s has a negative price", ErrInvalidEntry, p.SKU)
		}
		if _, dup := m.products[p.SKU]; dup {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateSKU, p.SKU)
		}
		m.products[p.SKU] = p
		m.order = append(m.order, p.SKU)
	}
	return m, nil
}

// Default returns the demo catalog
func Default() *Memory {
	m, err := New(
		types.Product{SKU: "sku_tea", Title: "Green Tea", PriceUSD: types.MustParseAmount("0.01")},
		types.Product{SKU: "sku_coffee", Title: "Coffee Beans", PriceUSD: types.MustParseAmount("0.02")},
		types.Product{SKU: "sku_cookie", Title: "Oat Cookie", PriceUSD: types.MustParseAmount("0.05")},
		types.Product{SKU: "sku_article", Title: "Premium Article", PriceUSD: types.MustParseAmount("0.10")},
	)
	if err != nil {
		panic(err)
	}
	return m
}

// Product implements peac.Catalog
func (m *Memory) Product(sku string) (types.Product, bool) {
	p, ok := m.products[sku]
	return p, ok
}

// List implements peac.Catalog
func (m *Memory) List() []types.Product {
	out := make([]types.Product, 0, len(m.order))
	for _, sku := range m.order {
		out = append(out, m.products[sku])
	}
	return out
}

type fileProduct struct {
	SKU      string `yaml:"sku"`
	Title    string `yaml:"title"`
	PriceUSD string `yaml:"price_usd"`
}

type file struct {
	Products []fileProduct `yaml:"products"`
}

// LoadFile reads a YAML catalog:
//
//	products:
//	  - sku: sku_tea
//	    title: Green Tea
//	    price_usd: "0.01"
func LoadFile(path string) (*Memory, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read catalog: %w", err)
	}
	return Parse(data)
}

// Parse decodes a YAML catalog document
func Parse(data []byte) (*Memory, error) {
	var f file
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse catalog: %w", err)
	}

	products := make([]types.Product, 0, len(f.Products))
	for i, fp := range f.Products {
		price, err := types.ParseAmount(fp.PriceUSD)
		if err != nil {
			return nil, fmt.Errorf("%w: product %d (%s): %v", ErrInvalidEntry, i, fp.SKU, err)
		}
		products = append(products, types.Product{SKU: fp.SKU, Title: fp.Title, PriceUSD: price})
	}
	return New(products...)
}

var _ peac.Catalog = (*Memory)(nil)
