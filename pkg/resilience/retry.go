package resilience

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"time"

	"go.uber.org/zap"

	"github.com/lifthub/carpool/pkg/logger"
)

// RetryConfig controls exponential-backoff retries. MaxAttempts includes the
// initial call.
type RetryConfig struct {
	MaxAttempts       int
	InitialBackoff    time.Duration
	MaxBackoff        time.Duration
	BackoffMultiplier float64
	EnableJitter      bool
	RetryableChecker  func(error) bool
}

// DefaultRetryConfig returns the baseline retry policy.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:       3,
		InitialBackoff:    time.Second,
		MaxBackoff:        30 * time.Second,
		BackoffMultiplier: 2.0,
		EnableJitter:      true,
	}
}

// Retry runs op until it succeeds, the attempts run out, or ctx is done.
func Retry(ctx context.Context, cfg RetryConfig, name string, op Operation) (interface{}, error) {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		result, err := op(ctx)
		if err == nil {
			if attempt > 1 {
				logger.Get().Info("operation succeeded after retry",
					zap.String("operation", name), zap.Int("attempt", attempt))
			}
			return result, nil
		}
		lastErr = err
		recordRetryAttempt(name)

		if !retryable(err, cfg) || attempt == cfg.MaxAttempts {
			break
		}

		backoff := backoffFor(attempt, cfg)
		logger.Get().Debug("retrying operation",
			zap.String("operation", name),
			zap.Int("attempt", attempt),
			zap.Duration("backoff", backoff),
			zap.Error(err))

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(backoff):
		}
	}
	return nil, lastErr
}

// RetryWithBreaker runs op through the breaker inside the retry loop. Open
// circuits are not retried: the breaker already decided the downstream is
// unhealthy.
func RetryWithBreaker(ctx context.Context, cfg RetryConfig, breaker *Breaker, name string, op Operation) (interface{}, error) {
	return Retry(ctx, cfg, name, func(ctx context.Context) (interface{}, error) {
		return breaker.Execute(ctx, op)
	})
}

func backoffFor(attempt int, cfg RetryConfig) time.Duration {
	backoff := float64(cfg.InitialBackoff) * math.Pow(cfg.BackoffMultiplier, float64(attempt-1))
	if max := float64(cfg.MaxBackoff); backoff > max {
		backoff = max
	}
	d := time.Duration(backoff)
	if cfg.EnableJitter && d > 0 {
		// Full jitter: uniform in (0, backoff].
		d = time.Duration(rand.Int63n(int64(d)) + 1)
	}
	return d
}

func retryable(err error, cfg RetryConfig) bool {
	if err == nil {
		return false
	}
	if cfg.RetryableChecker != nil {
		return cfg.RetryableChecker(err)
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) || errors.Is(err, ErrCircuitOpen) {
		return false
	}
	return true
}
