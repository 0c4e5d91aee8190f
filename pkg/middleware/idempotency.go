package middleware

import (
	"strings"

	"github.com/gin-gonic/gin"
)

const (
	// IdempotencyKeyHeader is the HTTP header for idempotency keys
	IdempotencyKeyHeader = "Idempotency-Key"
	// IdempotencyKeyContextKey is the gin context key holding the parsed header
	IdempotencyKeyContextKey = "idempotency_key"

	maxIdempotencyKeyLength = 255
)

// IdempotencyKey extracts the Idempotency-Key header into the context so
// services can consult the replay ledger. Keys longer than 255 bytes are
// ignored rather than rejected.
func IdempotencyKey() gin.HandlerFunc {
	return func(c *gin.Context) {
		key := strings.TrimSpace(c.GetHeader(IdempotencyKeyHeader))
		if key != "" && len(key) <= maxIdempotencyKeyLength {
			c.Set(IdempotencyKeyContextKey, key)
		}
		c.Next()
	}
}

// GetIdempotencyKey returns the request's idempotency key, if any.
func GetIdempotencyKey(c *gin.Context) string {
	if v, exists := c.Get(IdempotencyKeyContextKey); exists {
		if key, ok := v.(string); ok {
			return key
		}
	}
	return ""
}
