package verifier

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	peac "github.com/peacprotocol/peac-x402-receipts-demo"
)

// ============================================================================
// HTTP Facilitator Client
// ============================================================================

// FacilitatorClient verifies proofs against a remote settlement facilitator.
// It fails closed: transport errors, non-200 responses and undecodable bodies
// all yield Valid=false.
type FacilitatorClient struct {
	url          string
	httpClient   *http.Client
	authProvider AuthProvider
	chain        string
	logger       *zap.Logger
}

// AuthProvider generates authentication headers for facilitator requests
type AuthProvider interface {
	GetAuthHeaders(ctx context.Context) (map[string]string, error)
}

// BearerAuth sends a static API key as a bearer token
type BearerAuth string

// GetAuthHeaders implements AuthProvider
func (b BearerAuth) GetAuthHeaders(context.Context) (map[string]string, error) {
	return map[string]string{"Authorization": "Bearer " + string(b)}, nil
}

// FacilitatorConfig configures the facilitator client
type FacilitatorConfig struct {
	// URL is the full verify endpoint
	URL string

	// APIKey is sent as a bearer token when AuthProvider is nil
	APIKey string

	// HTTPClient is the HTTP client to use (optional)
	HTTPClient *http.Client

	// AuthProvider provides authentication headers (optional)
	AuthProvider AuthProvider

	// Timeout for requests (optional, defaults to 10s)
	Timeout time.Duration

	// Chain is used to normalize the returned payer address (optional)
	Chain string

	// Logger (optional)
	Logger *zap.Logger
}

// maxResponseBytes bounds the facilitator response read
const maxResponseBytes = 1 << 20

type verifyRequest struct {
	SessionID string `json:"session_id"`
	ProofID   string `json:"proof_id"`
}

type verifyResponse struct {
	Valid    bool   `json:"valid"`
	Payer    string `json:"payer,omitempty"`
	Currency string `json:"currency,omitempty"`
	Chain    string `json:"chain,omitempty"`
}

// NewFacilitatorClient creates a new facilitator client
func NewFacilitatorClient(config *FacilitatorConfig) *FacilitatorClient {
	if config == nil {
		config = &FacilitatorConfig{}
	}

	httpClient := config.HTTPClient
	if httpClient == nil {
		timeout := config.Timeout
		if timeout == 0 {
			timeout = 10 * time.Second
		}
		httpClient = &http.Client{
			Timeout: timeout,
		}
	}

	authProvider := config.AuthProvider
	if authProvider == nil && config.APIKey != "" {
		authProvider = BearerAuth(config.APIKey)
	}

	logger := config.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	return &FacilitatorClient{
		url:          config.URL,
		httpClient:   httpClient,
		authProvider: authProvider,
		chain:        config.Chain,
		logger:       logger,
	}
}

// Configured reports whether both an endpoint and credentials are set
func (c *FacilitatorClient) Configured() bool {
	return c.url != "" && c.authProvider != nil
}

// Verify implements peac.PaymentVerifier
func (c *FacilitatorClient) Verify(ctx context.Context, proofID, sessionID string) (peac.Verification, error) {
	if !c.Configured() {
		c.logger.Warn("facilitator not configured")
		return peac.Verification{Valid: false}, nil
	}

	result, err := c.verifyHTTP(ctx, proofID, sessionID)
	if err != nil {
		c.logger.Warn("facilitator verification failed",
			zap.String("session_id", sessionID), zap.Error(err))
		return peac.Verification{Valid: false}, nil
	}
	if !result.Valid {
		return peac.Verification{Valid: false}, nil
	}
	return peac.Verification{Valid: true, Payer: NormalizePayer(c.chain, result.Payer)}, nil
}

func (c *FacilitatorClient) verifyHTTP(ctx context.Context, proofID, sessionID string) (*verifyResponse, error) {
	body, err := json.Marshal(verifyRequest{SessionID: sessionID, ProofID: proofID})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal verify request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", c.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create verify request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	authHeaders, err := c.authProvider.GetAuthHeaders(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get auth headers: %w", err)
	}
	for k, v := range authHeaders {
		req.Header.Set(k, v)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("verify request failed: %w", err)
	}
	defer resp.Body.Close()

	responseBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("facilitator verify failed (%d): %s", resp.StatusCode, string(responseBody))
	}

	var result verifyResponse
	if err := json.Unmarshal(responseBody, &result); err != nil {
		return nil, fmt.Errorf("failed to decode verify response: %w", err)
	}
	return &result, nil
}

var _ peac.PaymentVerifier = (*FacilitatorClient)(nil)
