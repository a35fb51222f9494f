package http

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	peac "github.com/peacprotocol/peac-x402-receipts-demo"
	"github.com/peacprotocol/peac-x402-receipts-demo/receipt"
	"github.com/peacprotocol/peac-x402-receipts-demo/types"
)

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"ok": true, "kid": s.deps.Keys.KeyID()})
}

func (s *Server) handleCatalog(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"items": s.deps.Catalog.List()})
}

func (s *Server) handleOpenCart(c *gin.Context) {
	view, err := s.deps.Carts.Open(c.Request.Context())
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, view)
}

type addToCartBody struct {
	SKU       string `json:"sku"`
	Qty       *int   `json:"qty"`
	CartToken string `json:"cart_token"`
}

func (s *Server) handleAddToCart(c *gin.Context) {
	var body addToCartBody
	if cerr := decodeBody(c, addToCartLoader, &body); cerr != nil {
		writeError(c, cerr)
		return
	}
	qty := 1
	if body.Qty != nil {
		qty = *body.Qty
	}

	view, err := s.deps.Carts.Add(c.Request.Context(), c.Param("id"), body.CartToken, body.SKU, qty)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, view)
}

type checkoutBody struct {
	CartID    string `json:"cart_id"`
	CartToken string `json:"cart_token"`
}

func (s *Server) handleCheckout(c *gin.Context) {
	var body checkoutBody
	if cerr := decodeBody(c, checkoutLoader, &body); cerr != nil {
		writeError(c, cerr)
		return
	}
	req := s.checkoutRequest(c, peac.VariantCart)
	req.CartID = body.CartID
	req.CartToken = body.CartToken
	s.runCheckout(c, req)
}

type checkoutDirectBody struct {
	Items []types.Item `json:"items"`
}

func (s *Server) handleCheckoutDirect(c *gin.Context) {
	var body checkoutDirectBody
	if cerr := decodeBody(c, checkoutDirectLoader, &body); cerr != nil {
		writeError(c, cerr)
		return
	}
	req := s.checkoutRequest(c, peac.VariantDirect)
	req.Items = body.Items
	s.runCheckout(c, req)
}

func (s *Server) checkoutRequest(c *gin.Context, variant peac.Variant) peac.CheckoutRequest {
	return peac.CheckoutRequest{
		Variant:        variant,
		Method:         c.Request.Method,
		Path:           c.Request.URL.Path,
		Query:          c.Request.URL.RawQuery,
		SessionToken:   strings.TrimSpace(c.GetHeader(HeaderSession)),
		ProofID:        strings.TrimSpace(c.GetHeader(HeaderProof)),
		IdempotencyKey: strings.TrimSpace(c.GetHeader(HeaderIdempotencyKey)),
	}
}

func (s *Server) runCheckout(c *gin.Context, req peac.CheckoutRequest) {
	result, err := s.deps.Checkout.Process(c.Request.Context(), req)
	if err != nil {
		s.fail(c, err)
		return
	}

	c.Header("Cache-Control", "no-store")
	switch result.State {
	case peac.StatePaymentRequired:
		c.JSON(http.StatusPaymentRequired, result.PaymentRequired)
	case peac.StateCompleted:
		c.Header(HeaderReceipt, result.Receipt)
		// body is the exact byte sequence covered by the receipt's body hash
		c.Data(http.StatusOK, "application/json", result.Body)
	default:
		s.fail(c, fmt.Errorf("unexpected checkout state %q", result.State))
	}
}

type verifyBody struct {
	Receipt string `json:"receipt"`
}

func (s *Server) handleVerify(c *gin.Context) {
	var body verifyBody
	if cerr := decodeBody(c, verifyLoader, &body); cerr != nil {
		writeError(c, cerr)
		return
	}
	malformed := peac.NewCheckoutError(peac.KindValidation, peac.ErrCodeMalformedReceipt, "Receipt is not a compact JWS")
	if strings.TrimSpace(body.Receipt) == "" {
		writeError(c, malformed)
		return
	}

	result, err := receipt.Verify(body.Receipt, s.publicJWK)
	if err != nil {
		s.logger.Debug("malformed receipt submitted", zap.Error(err))
		writeError(c, malformed)
		return
	}
	c.JSON(http.StatusOK, result)
}

// fail renders err; internal causes are logged, never returned
func (s *Server) fail(c *gin.Context, err error) {
	cerr := peac.AsCheckoutError(err)
	if cerr.Kind == peac.KindInternal {
		s.logger.Error("request failed",
			zap.String("path", c.Request.URL.Path),
			zap.String("request_id", c.GetString(requestIDKey)),
			zap.Error(err))
	}
	writeError(c, cerr)
}
