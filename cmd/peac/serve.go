package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	peac "github.com/peacprotocol/peac-x402-receipts-demo"
	"github.com/peacprotocol/peac-x402-receipts-demo/catalog"
	"github.com/peacprotocol/peac-x402-receipts-demo/config"
	"github.com/peacprotocol/peac-x402-receipts-demo/extensions/idempotency"
	peachttp "github.com/peacprotocol/peac-x402-receipts-demo/http"
	"github.com/peacprotocol/peac-x402-receipts-demo/keys"
	"github.com/peacprotocol/peac-x402-receipts-demo/mcp"
	"github.com/peacprotocol/peac-x402-receipts-demo/policy"
	"github.com/peacprotocol/peac-x402-receipts-demo/token"
	"github.com/peacprotocol/peac-x402-receipts-demo/verifier"
)

const (
	shutdownTimeout = 10 * time.Second

	// lockMargin covers signing and store round trips after the external calls
	lockMargin = 10 * time.Second
)

func serveCmd() *cobra.Command {
	var (
		port int
		dev  bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the shop HTTP server",
		Long: `Run the shop HTTP server.

Configuration is read from the environment and an optional .env file in the
working directory. Flags override the matching variables.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("port") {
				cfg.Port = port
			}
			if dev {
				cfg.LogDev = true
			}
			if err := cfg.Validate(); err != nil {
				return err
			}

			logger, err := newLogger(cfg.LogDev)
			if err != nil {
				return err
			}
			defer logger.Sync() //nolint:errcheck

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			a, err := newApp(cfg, logger)
			if err != nil {
				return err
			}
			defer a.Close()
			return a.Run(ctx)
		},
	}

	cmd.Flags().IntVarP(&port, "port", "p", 4021, "listen port (overrides PORT)")
	cmd.Flags().BoolVar(&dev, "dev", false, "human readable development logging")
	return cmd
}

func newLogger(dev bool) (*zap.Logger, error) {
	if dev {
		return zap.NewDevelopment()
	}
	gin.SetMode(gin.ReleaseMode)
	return zap.NewProduction()
}

// app is the wired service
type app struct {
	cfg     *config.Config
	logger  *zap.Logger
	keys    *keys.Manager
	handler http.Handler
	redis   redis.UniversalClient
}

func newApp(cfg *config.Config, logger *zap.Logger) (*app, error) {
	a := &app{cfg: cfg, logger: logger}

	km, err := loadSigningKey(cfg, logger)
	if err != nil {
		return nil, err
	}
	a.keys = km
	codec := token.NewCodec(km, token.WithSessionTTL(cfg.SessionTTL), token.WithCartTTL(cfg.CartTTL))

	cat := catalog.Default()
	if cfg.CatalogFile != "" {
		if cat, err = catalog.LoadFile(cfg.CatalogFile); err != nil {
			return nil, err
		}
	}

	var pv peac.PaymentVerifier
	if cfg.DemoMode {
		logger.Warn("demo mode: payments are not verified on chain", zap.String("token", cfg.DemoToken))
		pv = verifier.NewDemo(cfg.DemoToken)
	} else {
		pv = verifier.NewFacilitatorClient(&verifier.FacilitatorConfig{
			URL:     cfg.FacilitatorURL,
			APIKey:  cfg.FacilitatorKey,
			Timeout: cfg.ExternalTimeout,
			Chain:   cfg.Chain,
			Logger:  logger.Named("facilitator"),
		})
	}
	pv = verifier.WithPayerNormalization(pv, cfg.Chain)

	var (
		pol    peac.PolicySource
		aipref []byte
	)
	if cfg.AIPrefURL != "" {
		pol = policy.NewHTTP(cfg.AIPrefURL,
			policy.WithTimeout(cfg.ExternalTimeout),
			policy.WithLogger(logger.Named("policy")),
		)
	} else {
		static, err := policy.NewStatic(cfg.PublicOrigin+"/aipref.json", nil)
		if err != nil {
			return nil, err
		}
		pol = static
		aipref = static.Document()
	}

	var store peac.OrderStore = peac.NewOrderCache(cfg.IdempotencyTTL)
	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("REDIS_URL: %w", err)
		}
		a.redis = redis.NewClient(opts)
		store = idempotency.NewRedisStore(a.redis, cfg.IdempotencyTTL,
			idempotency.WithLockTTL(lockTTL(cfg.ExternalTimeout)),
			idempotency.WithLogger(logger.Named("idempotency")),
		)
	}

	checkout := peac.NewCheckout(codec, cat, pv, pol,
		peac.WithOrderStore(store),
		peac.WithChain(cfg.Chain),
		peac.WithCurrency(cfg.Currency),
		peac.WithPublicOrigin(cfg.PublicOrigin),
		peac.WithFacilitatorVerify(!cfg.DemoMode),
		peac.WithExternalTimeout(cfg.ExternalTimeout),
		peac.WithLogger(logger.Named("checkout")),
	)
	carts := peac.NewCartService(codec, cat, peac.WithCartLogger(logger.Named("cart")))

	deps := peachttp.Deps{
		Checkout: checkout,
		Carts:    carts,
		Catalog:  cat,
		Keys:     km,
		AIPref:   aipref,
	}
	if cfg.MCPEnabled {
		mcpServer, err := mcp.NewServer(mcp.Deps{
			Checkout: checkout,
			Carts:    carts,
			Catalog:  cat,
			Keys:     km,
		}, mcp.WithLogger(logger.Named("mcp")), mcp.WithVersion(version))
		if err != nil {
			return nil, err
		}
		deps.MCP = mcpServer.Handler()
	}

	srv, err := peachttp.NewServer(deps,
		peachttp.WithLogger(logger.Named("http")),
		peachttp.WithRateLimit(cfg.RateLimitRPS, cfg.RateLimitBurst),
	)
	if err != nil {
		return nil, err
	}
	a.handler = srv.Handler()
	return a, nil
}

// lockTTL outlives a completion that spends the full timeout on both the
// payment verifier and the policy fetch
func lockTTL(externalTimeout time.Duration) time.Duration {
	ttl := 2*externalTimeout + lockMargin
	if ttl < idempotency.DefaultLockTTL {
		return idempotency.DefaultLockTTL
	}
	return ttl
}

// loadSigningKey parses PEAC_SIGNING_JWK, generating an ephemeral key in demo mode
func loadSigningKey(cfg *config.Config, logger *zap.Logger) (*keys.Manager, error) {
	if cfg.SigningJWK != "" {
		km, err := keys.FromJWK([]byte(cfg.SigningJWK), cfg.KeyID)
		if err != nil {
			return nil, fmt.Errorf("PEAC_SIGNING_JWK: %w", err)
		}
		return km, nil
	}
	if !cfg.DemoMode {
		return nil, config.ErrMissingSigningKey
	}
	logger.Warn("no signing key configured, generating an ephemeral key", zap.String("kid", cfg.KeyID))
	return keys.Generate(cfg.KeyID)
}

// Run serves until ctx is cancelled, then drains in-flight requests
func (a *app) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Port),
		Handler:           a.handler,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		a.logger.Info("listening",
			zap.String("addr", srv.Addr),
			zap.String("origin", a.cfg.PublicOrigin),
			zap.String("kid", a.keys.KeyID()),
			zap.Bool("demo", a.cfg.DemoMode),
			zap.Bool("mcp", a.cfg.MCPEnabled),
		)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	a.logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func (a *app) Close() error {
	if a.redis != nil {
		return a.redis.Close()
	}
	return nil
}
