package idempotency

import (
	"time"

	"go.uber.org/zap"
)

const (
	// DefaultKeyPrefix namespaces all keys written by the store
	DefaultKeyPrefix = "peac:idem:"

	// DefaultLockTTL bounds how long an in-flight marker survives its owner
	DefaultLockTTL = 30 * time.Second

	// DefaultPollInterval is how often waiters check for the owner's result
	DefaultPollInterval = 50 * time.Millisecond
)

// Option configures a RedisStore.
type Option func(*RedisStore)

// WithKeyPrefix sets the key namespace.
//
// Default: "peac:idem:"
func WithKeyPrefix(prefix string) Option {
	return func(s *RedisStore) {
		s.prefix = prefix
	}
}

// WithLockTTL sets the expiry of the in-flight marker.
//
// It should exceed the longest checkout completion, including the payment
// verifier timeout, or a slow owner can lose its key to a retry. An owner
// that lost its key never releases the new owner's marker.
//
// Default: 30 seconds
func WithLockTTL(ttl time.Duration) Option {
	return func(s *RedisStore) {
		s.lockTTL = ttl
	}
}

// WithPollInterval sets how often WaitForResult polls Redis.
//
// Default: 50 milliseconds
func WithPollInterval(d time.Duration) Option {
	return func(s *RedisStore) {
		s.pollInterval = d
	}
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *RedisStore) {
		s.logger = l
	}
}
