package idempotency

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Repository persists ledger rows in Postgres.
type Repository struct {
	db *pgxpool.Pool
}

// NewRepository creates a new idempotency repository.
func NewRepository(db *pgxpool.Pool) *Repository {
	return &Repository{db: db}
}

// GetRequestRecord returns the stored response snapshot for key.
func (r *Repository) GetRequestRecord(ctx context.Context, key string) ([]byte, bool, error) {
	var response []byte
	err := r.db.QueryRow(ctx,
		`SELECT response_snapshot FROM idempotency_records WHERE key = $1`,
		key,
	).Scan(&response)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("get idempotency record: %w", err)
	}
	return response, true, nil
}

// PutRequestRecord stores the response snapshot; the first writer wins.
func (r *Repository) PutRequestRecord(ctx context.Context, key string, response []byte) error {
	_, err := r.db.Exec(ctx,
		`INSERT INTO idempotency_records (key, response_snapshot, created_at)
		 VALUES ($1, $2, NOW())
		 ON CONFLICT (key) DO NOTHING`,
		key, response,
	)
	if err != nil {
		return fmt.Errorf("put idempotency record: %w", err)
	}
	return nil
}

// WebhookSeen reports whether the provider event was already processed.
func (r *Repository) WebhookSeen(ctx context.Context, key string) (bool, error) {
	var exists bool
	err := r.db.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM processed_webhook_events WHERE event_key = $1)`,
		key,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check webhook event: %w", err)
	}
	return exists, nil
}

// MarkWebhook records the provider event as processed.
func (r *Repository) MarkWebhook(ctx context.Context, key, eventType string) error {
	_, err := r.db.Exec(ctx,
		`INSERT INTO processed_webhook_events (event_key, event_type, processed_at)
		 VALUES ($1, $2, NOW())
		 ON CONFLICT (event_key) DO NOTHING`,
		key, eventType,
	)
	if err != nil {
		return fmt.Errorf("mark webhook event: %w", err)
	}
	return nil
}

// PruneWebhooks deletes processed events older than the given time.
func (r *Repository) PruneWebhooks(ctx context.Context, olderThan time.Time) (int64, error) {
	tag, err := r.db.Exec(ctx,
		`DELETE FROM processed_webhook_events WHERE processed_at < $1`,
		olderThan,
	)
	if err != nil {
		return 0, fmt.Errorf("prune webhook events: %w", err)
	}
	return tag.RowsAffected(), nil
}

var _ DurableStore = (*Repository)(nil)
