package realtime

import (
	"io"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/lifthub/carpool/pkg/common"
	"github.com/lifthub/carpool/pkg/eventbus"
	"github.com/lifthub/carpool/pkg/logger"
	"github.com/lifthub/carpool/pkg/middleware"
)

// heartbeatInterval keeps intermediaries from closing idle SSE connections.
const heartbeatInterval = 25 * time.Second

// Handler streams bus events to clients over server-sent events.
type Handler struct {
	bus eventbus.Bus
}

// NewHandler creates a realtime handler.
func NewHandler(bus eventbus.Bus) *Handler {
	return &Handler{bus: bus}
}

// RegisterRoutes mounts the SSE endpoint. The route sits behind the auth
// middleware, which also accepts a ?token= query parameter because
// EventSource cannot set headers.
func (h *Handler) RegisterRoutes(rg *gin.RouterGroup) {
	rg.GET("/events", h.Stream)
}

// Stream subscribes the caller to their event feed and relays it until the
// client disconnects or the bus closes the channel.
func (h *Handler) Stream(c *gin.Context) {
	userID, err := middleware.GetUserID(c)
	if err != nil {
		common.Fail(c, common.NewAuthenticationError("unauthorized"))
		return
	}

	events, unsubscribe := h.bus.Subscribe(userID.String())
	defer unsubscribe()

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")

	logger.DebugContext(c.Request.Context(), "sse stream opened",
		zap.String("user_id", userID.String()))

	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()

	clientGone := c.Request.Context().Done()
	c.Stream(func(w io.Writer) bool {
		select {
		case event, ok := <-events:
			if !ok {
				return false
			}
			c.SSEvent(event.Topic, event)
			return true
		case <-heartbeat.C:
			c.SSEvent("heartbeat", gin.H{"ts": time.Now().UTC()})
			return true
		case <-clientGone:
			return false
		}
	})
}
