package http

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	peac "github.com/peacprotocol/peac-x402-receipts-demo"
)

const requestIDKey = "request_id"

// requestID propagates or assigns X-Request-ID
func requestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(HeaderRequestID)
		if id == "" || len(id) > 128 {
			id = uuid.NewString()
		}
		c.Set(requestIDKey, id)
		c.Header(HeaderRequestID, id)
		c.Next()
	}
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		fields := []zap.Field{
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
			zap.String("request_id", c.GetString(requestIDKey)),
			zap.String("client_ip", c.ClientIP()),
		}
		if c.Writer.Status() >= http.StatusInternalServerError {
			s.logger.Warn("request", fields...)
			return
		}
		s.logger.Info("request", fields...)
	}
}

func (s *Server) recover(c *gin.Context, recovered interface{}) {
	s.logger.Error("handler panic",
		zap.Any("panic", recovered),
		zap.String("path", c.Request.URL.Path),
		zap.String("request_id", c.GetString(requestIDKey)))
	writeError(c, peac.NewCheckoutError(peac.KindInternal, peac.ErrCodeInternal, "Internal error"))
	c.Abort()
}

// cors allows browser agents to call the API and read the receipt header
func cors() gin.HandlerFunc {
	return func(c *gin.Context) {
		h := c.Writer.Header()
		h.Set("Access-Control-Allow-Origin", "*")
		h.Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		h.Set("Access-Control-Allow-Headers", "Content-Type, "+HeaderSession+", "+HeaderProof+", "+HeaderIdempotencyKey)
		h.Set("Access-Control-Expose-Headers", HeaderReceipt+", "+HeaderRequestID)
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

// ipLimiter keeps one token bucket per client IP
type ipLimiter struct {
	rps     rate.Limit
	burst   int
	buckets sync.Map // map[string]*bucket
	now     func() time.Time

	sweepMu   sync.Mutex
	lastSweep time.Time
}

type bucket struct {
	limiter *rate.Limiter

	mu   sync.Mutex
	last time.Time
}

const (
	limiterIdleTTL    = 30 * time.Minute
	limiterSweepEvery = 5 * time.Minute
)

func newIPLimiter(rps float64, burst int) *ipLimiter {
	if burst < 1 {
		burst = 1
	}
	return &ipLimiter{rps: rate.Limit(rps), burst: burst, now: time.Now, lastSweep: time.Now()}
}

func (l *ipLimiter) allow(ip string) bool {
	now := l.now()
	v, ok := l.buckets.Load(ip)
	if !ok {
		v, _ = l.buckets.LoadOrStore(ip, &bucket{limiter: rate.NewLimiter(l.rps, l.burst)})
	}
	b := v.(*bucket)
	b.mu.Lock()
	b.last = now
	b.mu.Unlock()

	l.sweep(now)
	return b.limiter.AllowN(now, 1)
}

// sweep drops idle buckets, at most once per limiterSweepEvery
func (l *ipLimiter) sweep(now time.Time) {
	l.sweepMu.Lock()
	if now.Sub(l.lastSweep) < limiterSweepEvery {
		l.sweepMu.Unlock()
		return
	}
	l.lastSweep = now
	l.sweepMu.Unlock()

	l.buckets.Range(func(key, val interface{}) bool {
		b := val.(*bucket)
		b.mu.Lock()
		idle := now.Sub(b.last) > limiterIdleTTL
		b.mu.Unlock()
		if idle {
			l.buckets.Delete(key)
		}
		return true
	})
}

func (s *Server) rateLimit() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !s.limiter.allow(c.ClientIP()) {
			c.Header("Retry-After", "1")
			writeError(c, peac.NewCheckoutError(peac.KindRateLimited, peac.ErrCodeRateLimited, "Too many requests"))
			c.Abort()
			return
		}
		c.Next()
	}
}
