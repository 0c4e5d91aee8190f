package payments

import (
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/lifthub/carpool/pkg/common"
	"github.com/lifthub/carpool/pkg/middleware"
)

// Maximum accepted webhook body. Stripe events are small; anything bigger is
// rejected before parsing.
const maxWebhookBodyBytes = 1 << 16

// Handler exposes the payments HTTP surface.
type Handler struct {
	service *Service
}

// NewHandler creates a payments handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes mounts the authenticated payment routes.
func (h *Handler) RegisterRoutes(rg *gin.RouterGroup) {
	p := rg.Group("/payments")
	{
		p.POST("/intent", h.CreateIntent)
	}
}

// RegisterWebhookRoutes mounts the provider callback outside the auth
// middleware; the request authenticates via its signature instead.
func (h *Handler) RegisterWebhookRoutes(rg *gin.RouterGroup) {
	rg.POST("/payments/webhook", h.Webhook)
}

type createIntentRequest struct {
	BookingID   uuid.UUID `json:"booking_id" binding:"required"`
	AmountMinor int64     `json:"amount_minor" binding:"required,gt=0"`
}

// CreateIntent creates or replays the payment intent for a booking.
func (h *Handler) CreateIntent(c *gin.Context) {
	userID, err := middleware.GetUserID(c)
	if err != nil {
		common.Fail(c, common.NewAuthenticationError("unauthorized"))
		return
	}

	var req createIntentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		common.Fail(c, common.NewValidationError(err.Error()))
		return
	}

	resp, err := h.service.CreateIntent(c.Request.Context(), req.BookingID, req.AmountMinor, userID, middleware.GetIdempotencyKey(c))
	if err != nil {
		common.Fail(c, err)
		return
	}

	if resp.Replay {
		c.Header("X-Idempotent-Replay", "true")
	}
	common.OK(c, resp)
}

// Webhook ingests one provider event. The raw body is read before any
// parsing because signature verification covers the exact bytes.
func (h *Handler) Webhook(c *gin.Context) {
	// Read one byte past the cap so truncation is detectable: a silently
	// truncated body would fail signature verification as a 401 instead.
	payload, err := io.ReadAll(io.LimitReader(c.Request.Body, maxWebhookBodyBytes+1))
	if err != nil {
		common.Fail(c, common.NewValidationError("unreadable webhook body"))
		return
	}
	if len(payload) > maxWebhookBodyBytes {
		common.FailWithStatus(c, http.StatusRequestEntityTooLarge,
			common.CodePayloadTooLarge, "webhook body too large")
		return
	}

	result, err := h.service.HandleWebhook(c.Request.Context(), payload, c.GetHeader("Stripe-Signature"))
	if err != nil {
		common.Fail(c, err)
		return
	}

	c.JSON(http.StatusOK, result)
}
