package idempotency

import (
	"context"
	"time"
)

// DurableStore is the database side of the ledger. Rows outlive KV eviction.
type DurableStore interface {
	GetRequestRecord(ctx context.Context, key string) ([]byte, bool, error)
	PutRequestRecord(ctx context.Context, key string, response []byte) error
	WebhookSeen(ctx context.Context, key string) (bool, error)
	MarkWebhook(ctx context.Context, key, eventType string) error
	PruneWebhooks(ctx context.Context, olderThan time.Time) (int64, error)
}
