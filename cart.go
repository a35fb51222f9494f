package peac

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/peacprotocol/peac-x402-receipts-demo/token"
	"github.com/peacprotocol/peac-x402-receipts-demo/types"
)

// CartItemView is a cart line enriched for display
type CartItemView struct {
	SKU   string       `json:"sku"`
	Title string       `json:"title"`
	Price types.Amount `json:"price"`
	Qty   int          `json:"qty"`
}

// CartView is what open and add return to the buyer
type CartView struct {
	CartID    string         `json:"cart_id"`
	Items     []CartItemView `json:"items"`
	CartToken string         `json:"cart_token"`
}

// CartService opens and updates stateless carts. The signed token is the
// only copy of a cart.
type CartService struct {
	codec   *token.Codec
	catalog Catalog
	logger  *zap.Logger
	newID   IDGenerator
}

// CartOption configures a CartService
type CartOption func(*CartService)

// WithCartLogger sets the logger
func WithCartLogger(logger *zap.Logger) CartOption {
	return func(s *CartService) {
		s.logger = logger
	}
}

// WithCartIDGenerator overrides cart id generation
func WithCartIDGenerator(gen IDGenerator) CartOption {
	return func(s *CartService) {
		s.newID = gen
	}
}

// NewCartService creates a cart service
func NewCartService(codec *token.Codec, catalog Catalog, opts ...CartOption) *CartService {
	s := &CartService{
		codec:   codec,
		catalog: catalog,
		logger:  zap.NewNop(),
		newID:   NewID,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Open creates an empty cart
func (s *CartService) Open(_ context.Context) (*CartView, error) {
	cartID, err := s.newID("cart_")
	if err != nil {
		return nil, internalError(err)
	}
	cart := s.codec.NewCart(cartID)
	raw, err := s.codec.IssueCart(cart)
	if err != nil {
		return nil, internalError(err)
	}
	s.logger.Debug("cart opened", zap.String("cart_id", cartID))
	return s.view(cart, raw), nil
}

// Add merges qty of sku into the cart and re-signs it. The supplied token
// stays valid as a stale snapshot.
func (s *CartService) Add(_ context.Context, cartID, cartToken, sku string, qty int) (*CartView, error) {
	sku = strings.TrimSpace(sku)
	if sku == "" {
		return nil, validationError(ErrCodeMissingSKU, "sku required")
	}
	if cartToken == "" {
		return nil, validationError(ErrCodeMissingCartToken, "Cart token required")
	}
	if qty < 1 || qty > MaxQuantity {
		return nil, validationError(ErrCodeInvalidQuantity, fmt.Sprintf("qty must be between 1 and %d", MaxQuantity))
	}
	if _, ok := s.catalog.Product(sku); !ok {
		return nil, validationError(ErrCodeInvalidSKU, fmt.Sprintf("Product %s not found", sku))
	}

	cart, err := s.codec.VerifyCart(cartToken)
	if err != nil {
		return nil, validationError(ErrCodeInvalidCartToken, "Cart token verification failed").WithCause(err)
	}
	if cart.CartID != cartID {
		return nil, validationError(ErrCodeCartIDMismatch, "Cart ID does not match token")
	}

	for _, it := range cart.Items {
		if it.SKU == sku && it.Qty > MaxQuantity-qty {
			return nil, validationError(ErrCodeInvalidQuantity, fmt.Sprintf("Quantity for %s exceeds %d", sku, MaxQuantity))
		}
	}

	next := cart.WithItem(sku, qty)
	raw, err := s.codec.IssueCart(next)
	if err != nil {
		return nil, internalError(err)
	}
	s.logger.Debug("cart updated",
		zap.String("cart_id", cartID),
		zap.String("sku", sku),
		zap.Int("qty", qty))
	return s.view(next, raw), nil
}

func (s *CartService) view(cart token.CartClaims, raw string) *CartView {
	items := make([]CartItemView, 0, len(cart.Items))
	for _, it := range cart.Items {
		line := CartItemView{SKU: it.SKU, Title: "Unknown", Price: types.Zero, Qty: it.Qty}
		if product, ok := s.catalog.Product(it.SKU); ok {
			line.Title = product.Title
			line.Price = product.PriceUSD
		}
		items = append(items, line)
	}
	return &CartView{CartID: cart.CartID, Items: items, CartToken: raw}
}
