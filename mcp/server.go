// Package mcp exposes the shop to agents as MCP tools over the official Go SDK.
//
// Tools mirror the HTTP surface: list_products, open_cart, add_to_cart,
// checkout_direct and verify_receipt. Payment works the same way as over
// HTTP: checkout_direct without a proof returns a payment_required result
// carrying the x402 challenge and a session token, and the agent calls the
// tool again with session_token and proof_id.
package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"
	"go.uber.org/zap"

	peac "github.com/peacprotocol/peac-x402-receipts-demo"
	"github.com/peacprotocol/peac-x402-receipts-demo/keys"
	"github.com/peacprotocol/peac-x402-receipts-demo/receipt"
	"github.com/peacprotocol/peac-x402-receipts-demo/types"
)

// Tool names
const (
	ToolListProducts   = "list_products"
	ToolOpenCart       = "open_cart"
	ToolAddToCart      = "add_to_cart"
	ToolCheckoutDirect = "checkout_direct"
	ToolVerifyReceipt  = "verify_receipt"
)

// mcpPath is recorded as the request path of receipts issued over MCP
const mcpPath = "mcp://tool/" + ToolCheckoutDirect

// Deps are the components the tools call into
type Deps struct {
	Checkout *peac.Checkout
	Carts    *peac.CartService
	Catalog  peac.Catalog
	Keys     *keys.Manager
}

// Server wraps an MCP server with the shop tools registered
type Server struct {
	deps      Deps
	sdk       *mcpsdk.Server
	logger    *zap.Logger
	publicJWK []byte
	version   string
}

// Option configures a Server
type Option func(*Server)

// WithLogger sets the logger
func WithLogger(logger *zap.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithVersion sets the implementation version advertised to clients
func WithVersion(version string) Option {
	return func(s *Server) {
		s.version = version
	}
}

// NewServer builds the MCP server and registers the tools
func NewServer(deps Deps, opts ...Option) (*Server, error) {
	if deps.Checkout == nil || deps.Carts == nil || deps.Catalog == nil || deps.Keys == nil {
		return nil, errors.New("mcp: checkout, carts, catalog and keys are required")
	}
	s := &Server{deps: deps, logger: zap.NewNop(), version: "0.1.0"}
	for _, opt := range opts {
		opt(s)
	}

	var err error
	if s.publicJWK, err = json.Marshal(deps.Keys.PublicJWK()); err != nil {
		return nil, err
	}

	s.sdk = mcpsdk.NewServer(&mcpsdk.Implementation{
		Name:    "peac-x402-shop",
		Version: s.version,
	}, nil)
	s.registerTools()
	return s, nil
}

// SDK returns the underlying MCP server
func (s *Server) SDK() *mcpsdk.Server {
	return s.sdk
}

// Handler serves the MCP server over SSE. Mount it on a single path; the
// stream's endpoint event points clients back at the same path.
func (s *Server) Handler() http.Handler {
	return mcpsdk.NewSSEHandler(func(*http.Request) *mcpsdk.Server {
		return s.sdk
	}, nil)
}

func (s *Server) registerTools() {
	s.sdk.AddTool(&mcpsdk.Tool{
		Name:        ToolListProducts,
		Description: "List the products in the catalog with their USD prices.",
		InputSchema: map[string]interface{}{"type": "object"},
	}, s.listProducts)

	s.sdk.AddTool(&mcpsdk.Tool{
		Name:        ToolOpenCart,
		Description: "Open an empty cart. Returns cart_id and a signed cart_token.",
		InputSchema: map[string]interface{}{"type": "object"},
	}, s.openCart)

	s.sdk.AddTool(&mcpsdk.Tool{
		Name:        ToolAddToCart,
		Description: "Add a product to a cart. Returns the updated cart and a new cart_token.",
		InputSchema: map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"cart_id":    map[string]interface{}{"type": "string"},
				"cart_token": map[string]interface{}{"type": "string"},
				"sku":        map[string]interface{}{"type": "string"},
				"qty":        map[string]interface{}{"type": "integer", "minimum": 1},
			},
			"required": []string{"cart_id", "cart_token", "sku"},
		},
	}, s.addToCart)

	s.sdk.AddTool(&mcpsdk.Tool{
		Name: ToolCheckoutDirect,
		Description: "Buy a basket of items. Without proof_id returns payment_required with an x402 challenge " +
			"and session_token; call again with session_token and proof_id to receive the order and its PEAC receipt.",
		InputSchema: map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"items": map[string]interface{}{
					"type": "array",
					"items": map[string]interface{}{
						"type": "object",
						"properties": map[string]interface{}{
							"sku": map[string]interface{}{"type": "string"},
							"qty": map[string]interface{}{"type": "integer"},
						},
					},
				},
				"session_token":   map[string]interface{}{"type": "string"},
				"proof_id":        map[string]interface{}{"type": "string"},
				"idempotency_key": map[string]interface{}{"type": "string"},
			},
			"required": []string{"items"},
		},
	}, s.checkoutDirect)

	s.sdk.AddTool(&mcpsdk.Tool{
		Name:        ToolVerifyReceipt,
		Description: "Verify a PEAC receipt against this shop's public key.",
		InputSchema: map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"receipt": map[string]interface{}{"type": "string"},
			},
			"required": []string{"receipt"},
		},
	}, s.verifyReceipt)
}

func (s *Server) listProducts(ctx context.Context, req *mcpsdk.CallToolRequest) (*mcpsdk.CallToolResult, error) {
	return jsonResult(map[string]interface{}{"items": s.deps.Catalog.List()}, false), nil
}

func (s *Server) openCart(ctx context.Context, req *mcpsdk.CallToolRequest) (*mcpsdk.CallToolResult, error) {
	view, err := s.deps.Carts.Open(ctx)
	if err != nil {
		return s.errorResult(err), nil
	}
	return jsonResult(view, false), nil
}

type addToCartArgs struct {
	CartID    string `json:"cart_id"`
	CartToken string `json:"cart_token"`
	SKU       string `json:"sku"`
	Qty       *int   `json:"qty"`
}

func (s *Server) addToCart(ctx context.Context, req *mcpsdk.CallToolRequest) (*mcpsdk.CallToolResult, error) {
	var args addToCartArgs
	if res := decodeArgs(req, &args); res != nil {
		return res, nil
	}
	qty := 1
	if args.Qty != nil {
		qty = *args.Qty
	}
	view, err := s.deps.Carts.Add(ctx, args.CartID, args.CartToken, args.SKU, qty)
	if err != nil {
		return s.errorResult(err), nil
	}
	return jsonResult(view, false), nil
}

type checkoutDirectArgs struct {
	Items          []types.Item `json:"items"`
	SessionToken   string       `json:"session_token"`
	ProofID        string       `json:"proof_id"`
	IdempotencyKey string       `json:"idempotency_key"`
}

// orderResult is returned once payment is verified. Order holds the exact
// bytes the receipt's body hash covers.
type orderResult struct {
	Order   json.RawMessage `json:"order"`
	Receipt string          `json:"receipt"`
}

func (s *Server) checkoutDirect(ctx context.Context, req *mcpsdk.CallToolRequest) (*mcpsdk.CallToolResult, error) {
	var args checkoutDirectArgs
	if res := decodeArgs(req, &args); res != nil {
		return res, nil
	}

	result, err := s.deps.Checkout.Process(ctx, peac.CheckoutRequest{
		Variant:        peac.VariantDirect,
		Method:         "tools/call",
		Path:           mcpPath,
		Items:          args.Items,
		SessionToken:   args.SessionToken,
		ProofID:        args.ProofID,
		IdempotencyKey: args.IdempotencyKey,
	})
	if err != nil {
		return s.errorResult(err), nil
	}

	if result.State == peac.StatePaymentRequired {
		return jsonResult(result.PaymentRequired, true), nil
	}
	return jsonResult(orderResult{Order: result.Body, Receipt: result.Receipt}, false), nil
}

type verifyReceiptArgs struct {
	Receipt string `json:"receipt"`
}

func (s *Server) verifyReceipt(ctx context.Context, req *mcpsdk.CallToolRequest) (*mcpsdk.CallToolResult, error) {
	var args verifyReceiptArgs
	if res := decodeArgs(req, &args); res != nil {
		return res, nil
	}
	result, err := receipt.Verify(args.Receipt, s.publicJWK)
	if err != nil {
		return s.errorResult(peac.NewCheckoutError(peac.KindValidation, peac.ErrCodeMalformedReceipt, "Receipt is not a compact JWS")), nil
	}
	return jsonResult(result, false), nil
}

func decodeArgs(req *mcpsdk.CallToolRequest, dst interface{}) *mcpsdk.CallToolResult {
	if req.Params == nil || len(req.Params.Arguments) == 0 {
		return nil
	}
	if err := json.Unmarshal(req.Params.Arguments, dst); err != nil {
		return jsonResult(map[string]string{
			"error":   peac.ErrCodeInvalidRequest,
			"message": "Arguments could not be decoded",
		}, true)
	}
	return nil
}

func (s *Server) errorResult(err error) *mcpsdk.CallToolResult {
	cerr := peac.AsCheckoutError(err)
	if cerr.Kind == peac.KindInternal {
		s.logger.Error("mcp tool failed", zap.Error(err))
	}
	body := map[string]interface{}{"error": cerr.Code, "message": cerr.Message}
	for k, v := range cerr.Details {
		if _, taken := body[k]; !taken {
			body[k] = v
		}
	}
	return jsonResult(body, true)
}

// jsonResult renders v as JSON text content
func jsonResult(v interface{}, isError bool) *mcpsdk.CallToolResult {
	data, err := json.Marshal(v)
	if err != nil {
		return &mcpsdk.CallToolResult{
			IsError: true,
			Content: []mcpsdk.Content{&mcpsdk.TextContent{Text: `{"error":"internal_error","message":"Result could not be encoded"}`}},
		}
	}
	return &mcpsdk.CallToolResult{
		IsError: isError,
		Content: []mcpsdk.Content{&mcpsdk.TextContent{Text: string(data)}},
	}
}
