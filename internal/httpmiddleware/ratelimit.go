package httpmiddleware

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gin-gonic/gin/binding"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Limiter decides whether the caller identified by key may proceed.
type Limiter interface {
	Allow(ctx context.Context, key string) (bool, error)
}

// TokenBucket is an in-memory per-key rate limiter. Use RedisLimiter when
// several API replicas must share a budget.
type TokenBucket struct {
	capacity int
	rate     int
	now      func() time.Time

	mu    sync.Mutex
	state map[string]*bucket
}

type bucket struct {
	tokens int
	last   time.Time
}

// NewTokenBucket creates a limiter with capacity tokens refilled at perMinute.
func NewTokenBucket(capacity, perMinute int) *TokenBucket {
	if perMinute <= 0 {
		perMinute = 1
	}
	if capacity <= 0 {
		capacity = perMinute
	}
	return &TokenBucket{
		capacity: capacity,
		rate:     perMinute,
		now:      time.Now,
		state:    make(map[string]*bucket),
	}
}

// Allow takes one token from key's bucket. Only the time converted into whole
// tokens is consumed, so steady traffic keeps the full rate.
func (l *TokenBucket) Allow(_ context.Context, key string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	b, ok := l.state[key]
	if !ok {
		l.state[key] = &bucket{tokens: l.capacity - 1, last: now}
		return true, nil
	}
	perToken := time.Minute / time.Duration(l.rate)
	if refill := int(now.Sub(b.last) / perToken); refill > 0 {
		b.tokens += refill
		b.last = b.last.Add(time.Duration(refill) * perToken)
		if b.tokens >= l.capacity {
			b.tokens = l.capacity
			b.last = now
		}
	}
	if b.tokens <= 0 {
		return false, nil
	}
	b.tokens--
	return true, nil
}

// RedisLimiter is a fixed-window counter shared through redis.
type RedisLimiter struct {
	client *redis.Client
	limit  int
	window time.Duration
	prefix string
}

// NewRedisLimiter allows limit requests per key within each window.
func NewRedisLimiter(client *redis.Client, limit int, window time.Duration) *RedisLimiter {
	return &RedisLimiter{client: client, limit: limit, window: window, prefix: "asistencia:ratelimit:"}
}

// Allow increments key's counter for the current window.
func (l *RedisLimiter) Allow(ctx context.Context, key string) (bool, error) {
	k := fmt.Sprintf("%s%s:%d", l.prefix, key, time.Now().Unix()/int64(l.window.Seconds()))
	pipe := l.client.TxPipeline()
	incr := pipe.Incr(ctx, k)
	pipe.Expire(ctx, k, l.window)
	if _, err := pipe.Exec(ctx); err != nil {
		return false, err
	}
	return incr.Val() <= int64(l.limit), nil
}

// KeyFunc derives one part of a rate limit key from the request.
type KeyFunc func(c *gin.Context) string

// ByClientIP keys on the caller's address.
func ByClientIP(c *gin.Context) string {
	if ip := c.ClientIP(); ip != "" {
		return ip
	}
	return "unknown"
}

// ByJSONField keys on a top-level string field of a JSON body. The body is
// cached on the context, so handlers must bind it with ShouldBindBodyWith.
func ByJSONField(field string) KeyFunc {
	return func(c *gin.Context) string {
		var body map[string]any
		if err := c.ShouldBindBodyWith(&body, binding.JSON); err != nil {
			return ""
		}
		v, _ := body[field].(string)
		return strings.TrimSpace(v)
	}
}

// RateLimit enforces l per route and key, built from keys joined in order.
// With no keys it limits per client IP. Limiter errors let the request through.
func RateLimit(l Limiter, log *zap.Logger, keys ...KeyFunc) gin.HandlerFunc {
	if len(keys) == 0 {
		keys = []KeyFunc{ByClientIP}
	}
	return func(c *gin.Context) {
		parts := make([]string, 0, len(keys)+1)
		for _, k := range keys {
			parts = append(parts, k(c))
		}
		parts = append(parts, c.FullPath())
		allowed, err := l.Allow(c.Request.Context(), strings.Join(parts, ":"))
		if err != nil {
			log.Warn("rate limiter unavailable", zap.Error(err))
			c.Next()
			return
		}
		if !allowed {
			c.Header("Retry-After", strconv.Itoa(60))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"success": false, "message": "Demasiadas solicitudes, intenta de nuevo en un momento"})
			return
		}
		c.Next()
	}
}
