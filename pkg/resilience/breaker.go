package resilience

import (
	"context"
	"errors"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/lifthub/carpool/pkg/logger"
)

// ErrCircuitOpen is returned when the breaker refuses a call because the
// downstream is considered unhealthy.
var ErrCircuitOpen = errors.New("circuit breaker open")

// Operation is a call guarded by the breaker.
type Operation func(ctx context.Context) (interface{}, error)

// FallbackFunc runs instead of the operation while the breaker is open.
type FallbackFunc func(ctx context.Context, err error) (interface{}, error)

// BreakerSettings configures a circuit breaker.
type BreakerSettings struct {
	Name             string
	Interval         time.Duration
	Timeout          time.Duration
	FailureThreshold uint32
	SuccessThreshold uint32
}

// Breaker wraps gobreaker with state-change logging and an optional fallback.
// A nil *Breaker executes operations directly.
type Breaker struct {
	cb       *gobreaker.CircuitBreaker
	fallback FallbackFunc
}

// NewBreaker builds a breaker. fallback may be nil; open-circuit calls then
// fail with ErrCircuitOpen.
func NewBreaker(settings BreakerSettings, fallback FallbackFunc) *Breaker {
	threshold := settings.FailureThreshold
	if threshold == 0 {
		threshold = 5
	}

	cfg := gobreaker.Settings{
		Name:     settings.Name,
		Interval: settings.Interval,
		Timeout:  settings.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Get().Warn("circuit breaker state change",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
			recordBreakerState(name, to)
		},
	}
	if settings.SuccessThreshold > 0 {
		cfg.MaxRequests = settings.SuccessThreshold
	}

	return &Breaker{cb: gobreaker.NewCircuitBreaker(cfg), fallback: fallback}
}

// Execute runs op through the breaker.
func (b *Breaker) Execute(ctx context.Context, op Operation) (interface{}, error) {
	if op == nil {
		return nil, errors.New("operation cannot be nil")
	}
	if b == nil || b.cb == nil {
		return op(ctx)
	}

	result, err := b.cb.Execute(func() (interface{}, error) {
		return op(ctx)
	})
	if err == nil {
		return result, nil
	}

	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		if b.fallback != nil {
			return b.fallback(ctx, err)
		}
		return nil, ErrCircuitOpen
	}
	return nil, err
}

// Allow reports whether the breaker would currently admit a call.
func (b *Breaker) Allow() bool {
	return b == nil || b.cb == nil || b.cb.State() != gobreaker.StateOpen
}
