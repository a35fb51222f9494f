package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	peac "github.com/peacprotocol/peac-x402-receipts-demo"
)

// releaseScript deletes the lock only while it still holds the caller's lease
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// completeScript stores the result and releases the lock when the lease still
// holds it. A lost lease only writes the result if none exists yet, so an
// expired owner never overwrites the order the new owner recorded.
var completeScript = redis.NewScript(`
local owned = redis.call("GET", KEYS[2]) == ARGV[2]
local ttl = tonumber(ARGV[3])
if owned then
	if ttl > 0 then
		redis.call("SET", KEYS[1], ARGV[1], "PX", ttl)
	else
		redis.call("SET", KEYS[1], ARGV[1])
	end
	redis.call("DEL", KEYS[2])
	return 1
end
if ttl > 0 then
	redis.call("SET", KEYS[1], ARGV[1], "PX", ttl, "NX")
else
	redis.call("SET", KEYS[1], ARGV[1], "NX")
end
return 0
`)

// RedisStore is a peac.OrderStore shared between processes through Redis.
// Safe for concurrent use.
type RedisStore struct {
	client       redis.UniversalClient
	ttl          time.Duration
	prefix       string
	lockTTL      time.Duration
	pollInterval time.Duration
	logger       *zap.Logger
}

// NewRedisStore creates a store. ttl bounds how long completed orders are
// replayable; zero keeps them until evicted by Redis.
func NewRedisStore(client redis.UniversalClient, ttl time.Duration, opts ...Option) *RedisStore {
	s := &RedisStore{
		client:       client,
		ttl:          ttl,
		prefix:       DefaultKeyPrefix,
		lockTTL:      DefaultLockTTL,
		pollInterval: DefaultPollInterval,
		logger:       zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *RedisStore) resultKey(key string) string { return s.prefix + key + ":result" }
func (s *RedisStore) lockKey(key string) string   { return s.prefix + key + ":lock" }

// CheckAndMark implements peac.OrderStore
func (s *RedisStore) CheckAndMark(ctx context.Context, key string) (peac.OrderStatus, *peac.CompletedOrder, peac.Lease, error) {
	order, err := s.get(ctx, key)
	if err != nil {
		return peac.StatusNotFound, nil, "", err
	}
	if order != nil {
		return peac.StatusCached, order, "", nil
	}

	lease := peac.Lease(uuid.NewString())
	acquired, err := s.client.SetNX(ctx, s.lockKey(key), string(lease), s.lockTTL).Result()
	if err != nil {
		return peac.StatusNotFound, nil, "", fmt.Errorf("failed to mark key in-flight: %w", err)
	}
	if acquired {
		return peac.StatusNotFound, nil, lease, nil
	}

	// the owner may have completed between the read and the SETNX
	order, err = s.get(ctx, key)
	if err != nil {
		return peac.StatusNotFound, nil, "", err
	}
	if order != nil {
		return peac.StatusCached, order, "", nil
	}
	return peac.StatusInFlight, nil, "", nil
}

// WaitForResult implements peac.OrderStore. It polls until the owner stores a
// result (returned), the lock disappears without one (nil) or ctx ends.
func (s *RedisStore) WaitForResult(ctx context.Context, key string) (*peac.CompletedOrder, error) {
	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	for {
		order, err := s.get(ctx, key)
		if err != nil {
			return nil, err
		}
		if order != nil {
			return order, nil
		}

		locked, err := s.client.Exists(ctx, s.lockKey(key)).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to check in-flight marker: %w", err)
		}
		if locked == 0 {
			// Complete writes the result before dropping the lock
			return s.get(ctx, key)
		}

		select {
		case <-ticker.C:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Complete implements peac.OrderStore
func (s *RedisStore) Complete(ctx context.Context, key string, lease peac.Lease, order *peac.CompletedOrder) error {
	data, err := json.Marshal(order)
	if err != nil {
		return fmt.Errorf("failed to encode completed order: %w", err)
	}

	owned, err := completeScript.Run(ctx, s.client,
		[]string{s.resultKey(key), s.lockKey(key)},
		data, string(lease), s.ttl.Milliseconds(),
	).Int()
	if err != nil {
		return fmt.Errorf("failed to store completed order: %w", err)
	}
	if owned == 0 {
		s.logger.Warn("idempotency lock expired before completion",
			zap.String("idempotency_key", key), zap.Duration("lock_ttl", s.lockTTL))
		return peac.ErrLeaseLost
	}
	return nil
}

// Fail implements peac.OrderStore
func (s *RedisStore) Fail(ctx context.Context, key string, lease peac.Lease) error {
	if err := releaseScript.Run(ctx, s.client, []string{s.lockKey(key)}, string(lease)).Err(); err != nil {
		s.logger.Warn("failed to release idempotency key", zap.String("idempotency_key", key), zap.Error(err))
		return fmt.Errorf("failed to release key: %w", err)
	}
	return nil
}

func (s *RedisStore) get(ctx context.Context, key string) (*peac.CompletedOrder, error) {
	data, err := s.client.Get(ctx, s.resultKey(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read completed order: %w", err)
	}

	var order peac.CompletedOrder
	if err := json.Unmarshal(data, &order); err != nil {
		return nil, fmt.Errorf("failed to decode completed order: %w", err)
	}
	return &order, nil
}

var _ peac.OrderStore = (*RedisStore)(nil)
