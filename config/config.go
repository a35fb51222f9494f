// Package config loads the service configuration from the environment.
// It is the only package that reads environment variables.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	peac "github.com/peacprotocol/peac-x402-receipts-demo"
	"github.com/peacprotocol/peac-x402-receipts-demo/keys"
	"github.com/peacprotocol/peac-x402-receipts-demo/token"
	"github.com/peacprotocol/peac-x402-receipts-demo/verifier"
)

var (
	ErrMissingSigningKey        = errors.New("config: PEAC_SIGNING_JWK is required outside demo mode")
	ErrFacilitatorNotConfigured = errors.New("config: FACILITATOR_VERIFY_URL and FACILITATOR_API_KEY are required outside demo mode")
	ErrInvalidChain             = errors.New("config: unsupported X402_CHAIN")
	ErrInvalidValue             = errors.New("config: invalid value")
)

const defaultPort = 4021

// Config is the full service configuration
type Config struct {
	Port         int
	PublicOrigin string

	SigningJWK string
	KeyID      string

	Chain    string
	Currency string

	DemoMode       bool
	DemoToken      string
	FacilitatorURL string
	FacilitatorKey string

	SessionTTL      time.Duration
	CartTTL         time.Duration
	IdempotencyTTL  time.Duration
	ExternalTimeout time.Duration

	RedisURL    string
	AIPrefURL   string
	CatalogFile string

	RateLimitRPS   float64
	RateLimitBurst int

	MCPEnabled bool
	LogDev     bool
}

// LookupFunc matches os.LookupEnv
type LookupFunc func(key string) (string, bool)

// Load reads .env (when present) and then the process environment
func Load() (*Config, error) {
	return LoadFile(".env")
}

// LoadFile loads the dotenv file at path, then the process environment.
// Variables already set in the environment win. A missing file is ignored;
// an unreadable or malformed one is an error.
func LoadFile(path string) (*Config, error) {
	if err := godotenv.Load(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("config: load %s: %w", path, err)
	}
	return FromLookup(os.LookupEnv)
}

// FromLookup builds a Config from lookup, applying defaults
func FromLookup(lookup LookupFunc) (*Config, error) {
	r := reader{lookup: lookup}

	cfg := &Config{
		Port:            r.int("PORT", defaultPort),
		SigningJWK:      r.string("PEAC_SIGNING_JWK", ""),
		KeyID:           r.string("PEAC_KID", keys.DefaultKeyID),
		Chain:           r.string("X402_CHAIN", peac.DefaultChain),
		Currency:        r.string("X402_CURRENCY", peac.DefaultCurrency),
		DemoToken:       r.string("DEMO_TOKEN", verifier.DefaultDemoToken),
		FacilitatorURL:  r.string("FACILITATOR_VERIFY_URL", ""),
		FacilitatorKey:  r.string("FACILITATOR_API_KEY", ""),
		SessionTTL:      r.duration("PEAC_SESSION_TTL", token.DefaultSessionTTL),
		CartTTL:         r.duration("PEAC_CART_TTL", token.DefaultCartTTL),
		IdempotencyTTL:  r.duration("PEAC_IDEMPOTENCY_TTL", 0),
		ExternalTimeout: r.duration("PEAC_EXTERNAL_TIMEOUT", peac.DefaultExternalTimeout),
		RedisURL:        r.string("REDIS_URL", ""),
		AIPrefURL:       r.string("PEAC_AIPREF_URL", ""),
		CatalogFile:     r.string("PEAC_CATALOG_FILE", ""),
		RateLimitRPS:    r.float("PEAC_RATE_LIMIT_RPS", 0),
		RateLimitBurst:  r.int("PEAC_RATE_LIMIT_BURST", 20),
		MCPEnabled:      r.bool("PEAC_MCP_ENABLED", false),
		LogDev:          r.bool("PEAC_LOG_DEV", false),
	}
	cfg.PublicOrigin = strings.TrimRight(r.string("PEAC_PUBLIC_ORIGIN", fmt.Sprintf("http://localhost:%d", cfg.Port)), "/")
	cfg.DemoMode = r.bool("DEMO_MODE", cfg.FacilitatorURL == "")

	if len(r.errs) > 0 {
		return nil, errors.Join(r.errs...)
	}
	return cfg, nil
}

// Validate checks the combination of settings
func (c *Config) Validate() error {
	var errs []error
	if c.Port < 1 || c.Port > 65535 {
		errs = append(errs, fmt.Errorf("%w: PORT %d", ErrInvalidValue, c.Port))
	}
	if !verifier.IsEVMChain(c.Chain) && !verifier.IsSolanaChain(c.Chain) {
		errs = append(errs, fmt.Errorf("%w: %q", ErrInvalidChain, c.Chain))
	}
	if !c.DemoMode {
		if c.SigningJWK == "" {
			errs = append(errs, ErrMissingSigningKey)
		}
		if c.FacilitatorURL == "" || c.FacilitatorKey == "" {
			errs = append(errs, ErrFacilitatorNotConfigured)
		}
	}
	for name, d := range map[string]time.Duration{
		"PEAC_SESSION_TTL":      c.SessionTTL,
		"PEAC_CART_TTL":         c.CartTTL,
		"PEAC_IDEMPOTENCY_TTL":  c.IdempotencyTTL,
		"PEAC_EXTERNAL_TIMEOUT": c.ExternalTimeout,
	} {
		if d < 0 {
			errs = append(errs, fmt.Errorf("%w: %s is negative", ErrInvalidValue, name))
		}
	}
	if c.RateLimitRPS < 0 {
		errs = append(errs, fmt.Errorf("%w: PEAC_RATE_LIMIT_RPS is negative", ErrInvalidValue))
	}
	return errors.Join(errs...)
}

// reader collects parse errors so every bad variable is reported at once
type reader struct {
	lookup LookupFunc
	errs   []error
}

func (r *reader) string(key, def string) string {
	if v, ok := r.lookup(key); ok {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return def
}

func (r *reader) int(key string, def int) int {
	v := r.string(key, "")
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		r.errs = append(r.errs, fmt.Errorf("%w: %s=%q is not an integer", ErrInvalidValue, key, v))
		return def
	}
	return n
}

func (r *reader) float(key string, def float64) float64 {
	v := r.string(key, "")
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		r.errs = append(r.errs, fmt.Errorf("%w: %s=%q is not a number", ErrInvalidValue, key, v))
		return def
	}
	return f
}

func (r *reader) bool(key string, def bool) bool {
	v := r.string(key, "")
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		r.errs = append(r.errs, fmt.Errorf("%w: %s=%q is not a boolean", ErrInvalidValue, key, v))
		return def
	}
	return b
}

// duration accepts Go durations ("15m") or bare seconds ("900")
func (r *reader) duration(key string, def time.Duration) time.Duration {
	v := r.string(key, "")
	if v == "" {
		return def
	}
	if secs, err := strconv.Atoi(v); err == nil {
		return time.Duration(secs) * time.Second
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		r.errs = append(r.errs, fmt.Errorf("%w: %s=%q is not a duration", ErrInvalidValue, key, v))
		return def
	}
	return d
}
