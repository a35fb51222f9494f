package policy

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	peac "github.com/peacprotocol/peac-x402-receipts-demo"
)

const (
	// DefaultMaxBodySize bounds the fetched policy document
	DefaultMaxBodySize = 64 << 10
	defaultTimeout     = 10 * time.Second
)

// HTTP fetches the policy document from a URL, optionally caching it
type HTTP struct {
	url        string
	httpClient *http.Client
	timeout    time.Duration
	cacheTTL   time.Duration
	maxBody    int64
	logger     *zap.Logger
	now        func() time.Time

	mu       sync.Mutex
	cached   peac.PolicySnapshot
	cachedAt time.Time
}

// HTTPOption configures an HTTP source
type HTTPOption func(*HTTP)

// WithHTTPClient sets the client used for fetches
func WithHTTPClient(c *http.Client) HTTPOption {
	return func(h *HTTP) {
		h.httpClient = c
	}
}

// WithTimeout bounds each fetch
func WithTimeout(d time.Duration) HTTPOption {
	return func(h *HTTP) {
		h.timeout = d
	}
}

// WithCacheTTL reuses a fetched document for ttl. Zero fetches every time.
func WithCacheTTL(ttl time.Duration) HTTPOption {
	return func(h *HTTP) {
		h.cacheTTL = ttl
	}
}

// WithMaxBodySize bounds the document size in bytes
func WithMaxBodySize(n int64) HTTPOption {
	return func(h *HTTP) {
		h.maxBody = n
	}
}

// WithLogger sets the logger
func WithLogger(l *zap.Logger) HTTPOption {
	return func(h *HTTP) {
		h.logger = l
	}
}

// WithClock overrides the cache clock
func WithClock(now func() time.Time) HTTPOption {
	return func(h *HTTP) {
		h.now = now
	}
}

// NewHTTP creates a source fetching url
func NewHTTP(url string, opts ...HTTPOption) *HTTP {
	h := &HTTP{
		url:     url,
		timeout: defaultTimeout,
		maxBody: DefaultMaxBodySize,
		logger:  zap.NewNop(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(h)
	}
	if h.httpClient == nil {
		h.httpClient = &http.Client{Timeout: h.timeout}
	}
	return h
}

// Snapshot implements peac.PolicySource
func (h *HTTP) Snapshot(ctx context.Context) (peac.PolicySnapshot, error) {
	if h.cacheTTL > 0 {
		h.mu.Lock()
		if h.cached.Document != nil && h.now().Sub(h.cachedAt) < h.cacheTTL {
			snap := peac.PolicySnapshot{URL: h.cached.URL, Document: copyDoc(h.cached.Document)}
			h.mu.Unlock()
			return snap, nil
		}
		h.mu.Unlock()
	}

	doc, err := h.fetch(ctx)
	if err != nil {
		h.logger.Warn("policy fetch failed", zap.String("url", h.url), zap.Error(err))
		return peac.PolicySnapshot{}, err
	}
	snap := peac.PolicySnapshot{URL: h.url, Document: doc}

	if h.cacheTTL > 0 {
		h.mu.Lock()
		h.cached = snap
		h.cachedAt = h.now()
		h.mu.Unlock()
	}
	return peac.PolicySnapshot{URL: snap.URL, Document: copyDoc(doc)}, nil
}

func (h *HTTP) fetch(ctx context.Context) ([]byte, error) {
	if h.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.timeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(ctx, "GET", h.url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create policy request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := h.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("policy request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("policy request failed (%d)", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, h.maxBody+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read policy document: %w", err)
	}
	if int64(len(body)) > h.maxBody {
		return nil, fmt.Errorf("policy document exceeds %d bytes", h.maxBody)
	}
	if err := checkDocument(body); err != nil {
		return nil, err
	}
	return body, nil
}

var _ peac.PolicySource = (*HTTP)(nil)
