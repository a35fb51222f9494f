// Package http exposes the checkout as a gin HTTP service: catalog, cart,
// both checkout variants, receipt verification and key discovery.
package http

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	peac "github.com/peacprotocol/peac-x402-receipts-demo"
	"github.com/peacprotocol/peac-x402-receipts-demo/keys"
)

// Request and response headers
const (
	HeaderSession        = "X-402-Session"
	HeaderProof          = "X-402-Proof"
	HeaderIdempotencyKey = "Idempotency-Key"
	HeaderReceipt        = "PEAC-Receipt"
	HeaderRequestID      = "X-Request-ID"
)

// Deps are the components the server routes to
type Deps struct {
	Checkout *peac.Checkout
	Carts    *peac.CartService
	Catalog  peac.Catalog
	Keys     *keys.Manager

	// AIPref is served at /aipref.json when set
	AIPref json.RawMessage

	// MCP is mounted at /mcp when set
	MCP http.Handler
}

// Server is the HTTP surface
type Server struct {
	deps      Deps
	engine    *gin.Engine
	logger    *zap.Logger
	limiter   *ipLimiter
	publicJWK []byte
	jwks      []byte
}

// Option configures a Server
type Option func(*Server)

// WithLogger sets the request and error logger
func WithLogger(logger *zap.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithRateLimit enables a per-client-IP token bucket on /api routes.
// rps <= 0 disables limiting.
func WithRateLimit(rps float64, burst int) Option {
	return func(s *Server) {
		if rps > 0 {
			s.limiter = newIPLimiter(rps, burst)
		}
	}
}

// NewServer builds the gin engine and registers all routes
func NewServer(deps Deps, opts ...Option) (*Server, error) {
	if deps.Checkout == nil || deps.Carts == nil || deps.Catalog == nil || deps.Keys == nil {
		return nil, errors.New("http: checkout, carts, catalog and keys are required")
	}

	s := &Server{deps: deps, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(s)
	}

	jwk := deps.Keys.PublicJWK()
	var err error
	if s.publicJWK, err = json.Marshal(jwk); err != nil {
		return nil, err
	}
	if s.jwks, err = json.Marshal(keys.KeySet{Keys: []keys.JWK{jwk}}); err != nil {
		return nil, err
	}

	s.engine = gin.New()
	s.engine.Use(requestID(), s.requestLogger(), gin.CustomRecovery(s.recover), cors())
	s.routes()
	return s, nil
}

// Handler returns the root http.Handler
func (s *Server) Handler() http.Handler {
	return s.engine
}

func (s *Server) routes() {
	r := s.engine

	r.GET("/health", s.handleHealth)
	r.GET("/.well-known/jwks.json", s.handleJWKS)
	r.GET("/.well-known/peac.txt", s.handleDiscovery)
	r.GET("/public-keys/:kid", s.handlePublicKey)
	if s.deps.AIPref != nil {
		r.GET("/aipref.json", s.handleAIPref)
	}
	if s.deps.MCP != nil {
		r.Any("/mcp", gin.WrapH(s.deps.MCP))
	}

	api := r.Group("/api")
	if s.limiter != nil {
		api.Use(s.rateLimit())
	}
	api.POST("/verify", s.handleVerify)

	shop := api.Group("/shop")
	shop.GET("/catalog", s.handleCatalog)
	shop.POST("/cart", s.handleOpenCart)
	shop.POST("/cart/:id/add", s.handleAddToCart)
	shop.POST("/checkout", s.handleCheckout)
	shop.POST("/checkout-direct", s.handleCheckoutDirect)
}
