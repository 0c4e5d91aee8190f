package middleware

import (
	"net/http"
	"time"

	"github.com/gin-contrib/timeout"
	"github.com/gin-gonic/gin"

	"github.com/lifthub/carpool/pkg/common"
)

// RequestTimeout bounds each request. The SSE stream route is exempted
// because it is deliberately long-lived.
func RequestTimeout(d time.Duration) gin.HandlerFunc {
	if d <= 0 {
		d = 30 * time.Second
	}

	limited := timeout.New(
		timeout.WithTimeout(d),
		timeout.WithResponse(func(c *gin.Context) {
			c.JSON(http.StatusGatewayTimeout, gin.H{
				"error": gin.H{
					"code":    common.CodeInternal,
					"message": "request timed out",
				},
			})
		}),
	)

	return func(c *gin.Context) {
		if c.FullPath() == "/api/v1/events" {
			c.Next()
			return
		}
		limited(c)
	}
}
