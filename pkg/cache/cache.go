package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/lifthub/carpool/pkg/logger"
	"github.com/lifthub/carpool/pkg/redis"
)

// Manager provides JSON caching on top of Redis.
type Manager struct {
	client redis.ClientInterface
}

// NewManager creates a cache manager backed by the given Redis client.
func NewManager(client redis.ClientInterface) *Manager {
	return &Manager{client: client}
}

// Get fetches a cached JSON value into dest. Returns false on miss.
func (m *Manager) Get(ctx context.Context, key string, dest interface{}) (bool, error) {
	raw, err := m.client.GetString(ctx, key)
	if err != nil {
		if redis.IsNil(err) {
			return false, nil
		}
		return false, fmt.Errorf("cache get %s: %w", key, err)
	}

	if err := json.Unmarshal([]byte(raw), dest); err != nil {
		// Corrupt entry, treat as a miss and evict
		_ = m.client.Delete(ctx, key)
		return false, nil
	}

	return true, nil
}

// Set stores value as JSON under key with the given TTL.
func (m *Manager) Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("cache marshal %s: %w", key, err)
	}
	return m.client.SetWithExpiration(ctx, key, raw, ttl)
}

// Delete evicts the given keys.
func (m *Manager) Delete(ctx context.Context, keys ...string) error {
	return m.client.Delete(ctx, keys...)
}

// GetOrSet returns the cached value for key or computes, stores and returns
// it. Cache write failures are logged, never returned: the computed value is
// still valid.
func (m *Manager) GetOrSet(ctx context.Context, key string, dest interface{}, ttl time.Duration, compute func() (interface{}, error)) error {
	hit, err := m.Get(ctx, key, dest)
	if err != nil {
		logger.WarnContext(ctx, "cache read failed, computing directly", zap.String("key", key), zap.Error(err))
	} else if hit {
		return nil
	}

	value, err := compute()
	if err != nil {
		return err
	}

	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("cache marshal %s: %w", key, err)
	}

	if err := m.client.SetWithExpiration(ctx, key, raw, ttl); err != nil {
		logger.WarnContext(ctx, "cache write failed", zap.String("key", key), zap.Error(err))
	}

	return json.Unmarshal(raw, dest)
}
