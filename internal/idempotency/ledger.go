package idempotency

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/lifthub/carpool/pkg/logger"
	"github.com/lifthub/carpool/pkg/redis"
)

const (
	// RequestTTL bounds how long a request key replays the cached response.
	RequestTTL = 10 * time.Minute
	// WebhookTTL is the KV retention for processed provider events; the
	// durable row has no TTL and is pruned by the maintenance worker.
	WebhookTTL = 7 * 24 * time.Hour
)

// Ledger is the unified replay store: request-scoped keys and provider
// webhook ids, each looked up KV-first with a durable fallback. Every
// operation is total: a failing tier degrades to the other one.
type Ledger struct {
	kv    redis.ClientInterface
	store DurableStore
}

// NewLedger builds a ledger over the given KV client and durable store.
func NewLedger(kv redis.ClientInterface, store DurableStore) *Ledger {
	return &Ledger{kv: kv, store: store}
}

// RequestKey builds the namespaced key for a client idempotency header.
func RequestKey(scope, userID, idemKey string) string {
	return fmt.Sprintf("idempotency:%s:%s:%s", scope, userID, idemKey)
}

// WebhookKey builds the namespaced key for a provider event id.
func WebhookKey(provider, eventID string) string {
	return fmt.Sprintf("webhook:%s:%s", provider, eventID)
}

// GetResponse returns the stored response for a request key, if any.
func (l *Ledger) GetResponse(ctx context.Context, scope, userID, idemKey string) ([]byte, bool) {
	key := RequestKey(scope, userID, idemKey)

	raw, err := l.kv.GetString(ctx, key)
	if err == nil {
		return []byte(raw), true
	}
	if !redis.IsNil(err) {
		logger.WarnContext(ctx, "idempotency kv read failed, falling back to store",
			zap.String("key", key), zap.Error(err))
	}

	response, found, err := l.store.GetRequestRecord(ctx, key)
	if err != nil {
		logger.WarnContext(ctx, "idempotency store read failed",
			zap.String("key", key), zap.Error(err))
		return nil, false
	}
	return response, found
}

// SaveResponse persists the response under the request key in both tiers.
func (l *Ledger) SaveResponse(ctx context.Context, scope, userID, idemKey string, response []byte) {
	key := RequestKey(scope, userID, idemKey)

	if err := l.kv.SetWithExpiration(ctx, key, response, RequestTTL); err != nil {
		logger.WarnContext(ctx, "idempotency kv write failed",
			zap.String("key", key), zap.Error(err))
	}
	if err := l.store.PutRequestRecord(ctx, key, response); err != nil {
		logger.WarnContext(ctx, "idempotency store write failed",
			zap.String("key", key), zap.Error(err))
	}
}

// SeenWebhook reports whether the provider event was already applied.
func (l *Ledger) SeenWebhook(ctx context.Context, provider, eventID string) bool {
	key := WebhookKey(provider, eventID)

	exists, err := l.kv.Exists(ctx, key)
	if err == nil && exists {
		return true
	}
	if err != nil {
		logger.WarnContext(ctx, "webhook kv check failed, falling back to store",
			zap.String("key", key), zap.Error(err))
	}

	seen, err := l.store.WebhookSeen(ctx, key)
	if err != nil {
		logger.WarnContext(ctx, "webhook store check failed",
			zap.String("key", key), zap.Error(err))
		return false
	}
	return seen
}

// MarkWebhook records the event as processed. Callers invoke this strictly
// after all side effects so a crash leaves the event eligible for redelivery.
func (l *Ledger) MarkWebhook(ctx context.Context, provider, eventID, eventType string) {
	key := WebhookKey(provider, eventID)

	if err := l.kv.SetWithExpiration(ctx, key, "1", WebhookTTL); err != nil {
		logger.WarnContext(ctx, "webhook kv mark failed",
			zap.String("key", key), zap.Error(err))
	}
	if err := l.store.MarkWebhook(ctx, key, eventType); err != nil {
		logger.WarnContext(ctx, "webhook store mark failed",
			zap.String("key", key), zap.Error(err))
	}
}
