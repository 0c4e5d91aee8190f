package scheduler

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/lifthub/carpool/pkg/logger"
)

// MatchSweeper expires driver trips and rider requests whose windows passed.
type MatchSweeper interface {
	ExpireStale(ctx context.Context, now time.Time) (int64, error)
}

// TripSweeper expires scheduled trips whose departure has long passed.
type TripSweeper interface {
	ExpireStaleTrips(ctx context.Context, now time.Time) (int64, error)
}

// WebhookPruner removes processed webhook rows past their retention.
type WebhookPruner interface {
	PruneWebhooks(ctx context.Context, olderThan time.Time) (int64, error)
}

// SessionPruner deletes sessions whose expiry passed.
type SessionPruner interface {
	DeleteExpiredSessions(ctx context.Context, before time.Time) (int64, error)
}

// Worker runs the periodic maintenance sweeps. Every dependency is optional;
// a nil one skips its sweep. Sweep errors are logged and never stop the loop.
type Worker struct {
	interval         time.Duration
	webhookRetention time.Duration

	matches  MatchSweeper
	trips    TripSweeper
	webhooks WebhookPruner
	sessions SessionPruner
}

// NewWorker creates a maintenance worker. A non-positive interval defaults to
// one minute; webhook retention defaults to seven days.
func NewWorker(interval, webhookRetention time.Duration, matches MatchSweeper, trips TripSweeper, webhooks WebhookPruner, sessions SessionPruner) *Worker {
	if interval <= 0 {
		interval = time.Minute
	}
	if webhookRetention <= 0 {
		webhookRetention = 7 * 24 * time.Hour
	}
	return &Worker{
		interval:         interval,
		webhookRetention: webhookRetention,
		matches:          matches,
		trips:            trips,
		webhooks:         webhooks,
		sessions:         sessions,
	}
}

// Run sweeps once immediately and then on every tick until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) {
	logger.InfoContext(ctx, "maintenance worker started",
		zap.Duration("interval", w.interval))

	w.Sweep(ctx)

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.InfoContext(ctx, "maintenance worker stopped")
			return
		case <-ticker.C:
			w.Sweep(ctx)
		}
	}
}

// Sweep runs every configured maintenance task once.
func (w *Worker) Sweep(ctx context.Context) {
	now := time.Now().UTC()

	if w.matches != nil {
		if n, err := w.matches.ExpireStale(ctx, now); err != nil {
			logger.ErrorContext(ctx, "match expiry sweep failed", zap.Error(err))
		} else if n > 0 {
			logger.InfoContext(ctx, "expired stale match offers", zap.Int64("count", n))
		}
	}

	if w.trips != nil {
		if n, err := w.trips.ExpireStaleTrips(ctx, now); err != nil {
			logger.ErrorContext(ctx, "trip expiry sweep failed", zap.Error(err))
		} else if n > 0 {
			logger.InfoContext(ctx, "expired stale trips", zap.Int64("count", n))
		}
	}

	if w.webhooks != nil {
		if n, err := w.webhooks.PruneWebhooks(ctx, now.Add(-w.webhookRetention)); err != nil {
			logger.ErrorContext(ctx, "webhook prune failed", zap.Error(err))
		} else if n > 0 {
			logger.InfoContext(ctx, "pruned processed webhook events", zap.Int64("count", n))
		}
	}

	if w.sessions != nil {
		if n, err := w.sessions.DeleteExpiredSessions(ctx, now); err != nil {
			logger.ErrorContext(ctx, "session prune failed", zap.Error(err))
		} else if n > 0 {
			logger.InfoContext(ctx, "deleted expired sessions", zap.Int64("count", n))
		}
	}
}
