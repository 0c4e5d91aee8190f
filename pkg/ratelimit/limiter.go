package ratelimit

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/lifthub/carpool/pkg/common"
	"github.com/lifthub/carpool/pkg/config"
	"github.com/lifthub/carpool/pkg/logger"
	"github.com/lifthub/carpool/pkg/redis"
)

// Result captures the outcome of a rate limiting decision.
type Result struct {
	Allowed    bool
	Remaining  int
	RetryAfter time.Duration
	Limit      int
}

// Limiter implements a Redis-backed fixed-window rate limiter.
type Limiter struct {
	client redis.ClientInterface
	cfg    config.RateLimitConfig
	now    func() time.Time
}

// NewLimiter creates a new Limiter instance.
func NewLimiter(client redis.ClientInterface, cfg config.RateLimitConfig) *Limiter {
	return &Limiter{client: client, cfg: cfg, now: time.Now}
}

// Allow counts a hit for identityKey within the current window. Redis errors
// fail open: a broken limiter must not take the API down with it.
func (l *Limiter) Allow(ctx context.Context, endpointKey, identityKey string, limit int) (Result, error) {
	if !l.cfg.Enabled || limit <= 0 {
		return Result{Allowed: true, Remaining: limit, Limit: limit}, nil
	}

	window := l.cfg.Window()
	bucket := l.now().Unix() / int64(window.Seconds())
	key := fmt.Sprintf("%s:%s:%s:%d", l.cfg.RedisPrefix, endpointKey, identityKey, bucket)

	count, err := l.client.Increment(ctx, key)
	if err != nil {
		return Result{Allowed: true, Remaining: limit, Limit: limit}, err
	}
	if count == 1 {
		if err := l.client.Expire(ctx, key, window); err != nil {
			logger.WarnContext(ctx, "rate limit expire failed", zap.String("key", key), zap.Error(err))
		}
	}

	remaining := limit - int(count)
	if remaining < 0 {
		remaining = 0
	}

	result := Result{
		Allowed:   count <= int64(limit),
		Remaining: remaining,
		Limit:     limit,
	}
	if !result.Allowed {
		elapsed := l.now().Unix() % int64(window.Seconds())
		result.RetryAfter = time.Duration(int64(window.Seconds())-elapsed) * time.Second
	}
	return result, nil
}

// WithNow overrides the time source (useful for tests).
func (l *Limiter) WithNow(now func() time.Time) {
	l.now = now
}

// Middleware limits requests per client on the wrapped routes. Authenticated
// callers are keyed by user id, anonymous callers by IP.
func Middleware(limiter *Limiter, endpointKey string, limit int) gin.HandlerFunc {
	return func(c *gin.Context) {
		identity := c.ClientIP()
		if userID, exists := c.Get("user_id"); exists {
			identity = fmt.Sprintf("%v", userID)
		}

		result, err := limiter.Allow(c.Request.Context(), endpointKey, identity, limit)
		if err != nil {
			logger.WarnContext(c.Request.Context(), "rate limiter unavailable",
				zap.String("endpoint", endpointKey), zap.Error(err))
		}

		c.Header("X-RateLimit-Limit", strconv.Itoa(result.Limit))
		c.Header("X-RateLimit-Remaining", strconv.Itoa(result.Remaining))

		if !result.Allowed {
			c.Header("Retry-After", strconv.Itoa(int(result.RetryAfter.Seconds())))
			common.FailWithStatus(c, http.StatusTooManyRequests, common.CodeRateLimited, "too many requests")
			c.Abort()
			return
		}

		c.Next()
	}
}
