package peac

import (
	"context"
	"strconv"
	"sync"
	"time"
)

// OrderCache is the in-process OrderStore. It caches completed orders and
// tracks in-flight completions so concurrent requests with the same key
// never both reach the payment verifier.
//
// A zero TTL keeps entries for the lifetime of the process. For deployments
// with more than one instance use the Redis store in extensions/idempotency.
type OrderCache struct {
	mu       sync.Mutex
	results  map[string]*CompletedOrder
	expiry   map[string]time.Time
	inFlight map[string]*flight
	leases   uint64
	ttl      time.Duration
	now      func() time.Time
}

// flight is one in-progress completion
type flight struct {
	lease Lease
	done  chan struct{}
}

// NewOrderCache creates a new order cache with the specified TTL
func NewOrderCache(ttl time.Duration) *OrderCache {
	return &OrderCache{
		results:  make(map[string]*CompletedOrder),
		expiry:   make(map[string]time.Time),
		inFlight: make(map[string]*flight),
		ttl:      ttl,
		now:      time.Now,
	}
}

// CheckAndMark atomically checks the cache and marks the key as in-flight if needed
func (c *OrderCache) CheckAndMark(_ context.Context, key string) (OrderStatus, *CompletedOrder, Lease, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if result := c.getLocked(key); result != nil {
		return StatusCached, result, "", nil
	}

	if _, exists := c.inFlight[key]; exists {
		return StatusInFlight, nil, "", nil
	}

	c.leases++
	lease := Lease(strconv.FormatUint(c.leases, 10))
	c.inFlight[key] = &flight{lease: lease, done: make(chan struct{})}
	return StatusNotFound, nil, lease, nil
}

// WaitForResult waits for an in-flight completion, respecting context cancellation.
// Returns nil if the owner failed.
func (c *OrderCache) WaitForResult(ctx context.Context, key string) (*CompletedOrder, error) {
	c.mu.Lock()
	f, exists := c.inFlight[key]
	if !exists {
		result := c.getLocked(key)
		c.mu.Unlock()
		return result, nil
	}
	c.mu.Unlock()

	select {
	case <-f.done:
		c.mu.Lock()
		defer c.mu.Unlock()
		return c.getLocked(key), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Complete caches the order and signals any waiting goroutines
func (c *OrderCache) Complete(_ context.Context, key string, lease Lease, order *CompletedOrder) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if f, exists := c.inFlight[key]; !exists || f.lease != lease {
		return ErrLeaseLost
	}
	c.results[key] = order
	if c.ttl > 0 {
		c.expiry[key] = c.now().Add(c.ttl)
	}
	c.releaseLocked(key)

	c.cleanupExpiredLocked()
	return nil
}

// Fail removes the in-flight marker without caching a result
func (c *OrderCache) Fail(_ context.Context, key string, lease Lease) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if f, exists := c.inFlight[key]; exists && f.lease == lease {
		c.releaseLocked(key)
	}
	return nil
}

// Len returns the number of cached orders
func (c *OrderCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.results)
}

func (c *OrderCache) releaseLocked(key string) {
	if f, exists := c.inFlight[key]; exists {
		delete(c.inFlight, key)
		close(f.done)
	}
}

// getLocked returns an unexpired entry. Must be called with lock held.
func (c *OrderCache) getLocked(key string) *CompletedOrder {
	result, ok := c.results[key]
	if !ok {
		return nil
	}
	if expiry, ok := c.expiry[key]; ok && !c.now().Before(expiry) {
		delete(c.results, key)
		delete(c.expiry, key)
		return nil
	}
	return result
}

// cleanupExpiredLocked removes expired entries. Must be called with lock held.
func (c *OrderCache) cleanupExpiredLocked() {
	if c.ttl <= 0 {
		return
	}
	now := c.now()
	for key, expiry := range c.expiry {
		if !now.Before(expiry) {
			delete(c.results, key)
			delete(c.expiry, key)
		}
	}
}

var _ OrderStore = (*OrderCache)(nil)
