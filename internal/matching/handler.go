package matching

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/lifthub/carpool/pkg/common"
	"github.com/lifthub/carpool/pkg/geo"
	"github.com/lifthub/carpool/pkg/middleware"
	"github.com/lifthub/carpool/pkg/models"
)

// Handler exposes the matching HTTP surface.
type Handler struct {
	service *Service
}

// NewHandler creates a matching handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes mounts the matching routes on the given group. All routes
// require authentication; batch, stats and config are admin-only.
func (h *Handler) RegisterRoutes(rg *gin.RouterGroup) {
	m := rg.Group("/matching")
	{
		m.POST("/driver-trips", h.CreateDriverTrip)
		m.POST("/rider-requests", h.CreateRiderRequest)
		m.POST("/find", h.Find)
		m.POST("/find-pool", h.FindPool)
		m.POST("/confirm", h.Confirm)
		m.POST("/reject", h.Reject)

		admin := m.Group("", middleware.RequireRole(models.RoleAdmin, models.RoleSuperAdmin))
		{
			admin.POST("/batch", h.Batch)
			admin.GET("/stats", h.Stats)
			admin.GET("/config", h.GetConfig)
			admin.PUT("/config", h.SetConfig)
		}
	}
}

// PointPayload is a lat/lng pair in request bodies.
type PointPayload struct {
	Lat float64 `json:"lat" binding:"required,lat"`
	Lng float64 `json:"lng" binding:"required,lng"`
}

func (p PointPayload) Point() geo.Point {
	return geo.Point{Lat: p.Lat, Lng: p.Lng}
}

type createDriverTripRequest struct {
	Origin        PointPayload `json:"origin" binding:"required"`
	Destination   PointPayload `json:"destination" binding:"required"`
	DepartureTime time.Time    `json:"departure_time" binding:"required"`
	ArrivalTime   *time.Time   `json:"arrival_time"`
	TotalSeats    int          `json:"total_seats" binding:"required,min=1,max=8"`
	PricePerSeat  float64      `json:"price_per_seat" binding:"required,gt=0"`
	Currency      string       `json:"currency"`
	Vehicle       Vehicle      `json:"vehicle"`
	DriverRating  float64      `json:"driver_rating" binding:"omitempty,gte=0,lte=5"`
	Polyline      string       `json:"polyline"`
	OrgID         *uuid.UUID   `json:"organization_id"`
}

// CreateDriverTrip posts a driver offer.
func (h *Handler) CreateDriverTrip(c *gin.Context) {
	userID, err := middleware.GetUserID(c)
	if err != nil {
		common.Fail(c, common.NewAuthenticationError("unauthorized"))
		return
	}

	var req createDriverTripRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		common.Fail(c, common.NewValidationError(err.Error()))
		return
	}

	trip, err := h.service.CreateDriverTrip(c.Request.Context(), DriverTripInput{
		DriverID:       userID,
		Origin:         req.Origin.Point(),
		Destination:    req.Destination.Point(),
		DepartureTime:  req.DepartureTime,
		ArrivalTime:    req.ArrivalTime,
		TotalSeats:     req.TotalSeats,
		PricePerSeat:   req.PricePerSeat,
		Currency:       req.Currency,
		Vehicle:        req.Vehicle,
		DriverRating:   req.DriverRating,
		OrganizationID: req.OrgID,
		Polyline:       req.Polyline,
	})
	if err != nil {
		common.Fail(c, err)
		return
	}

	common.Created(c, gin.H{"trip": trip})
}

type createRiderRequestRequest struct {
	Pickup            PointPayload `json:"pickup" binding:"required"`
	Dropoff           PointPayload `json:"dropoff" binding:"required"`
	EarliestDeparture time.Time    `json:"earliest_departure" binding:"required"`
	LatestDeparture   time.Time    `json:"latest_departure" binding:"required"`
	SeatsNeeded       int          `json:"seats_needed" binding:"required,seats"`
	Preferences       Preferences  `json:"preferences"`
	OrgID             *uuid.UUID   `json:"organization_id"`
}

// CreateRiderRequest posts a rider request.
func (h *Handler) CreateRiderRequest(c *gin.Context) {
	userID, err := middleware.GetUserID(c)
	if err != nil {
		common.Fail(c, common.NewAuthenticationError("unauthorized"))
		return
	}

	var req createRiderRequestRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		common.Fail(c, common.NewValidationError(err.Error()))
		return
	}

	request, err := h.service.CreateRiderRequest(c.Request.Context(), RiderRequestInput{
		RiderID:           userID,
		Pickup:            req.Pickup.Point(),
		Dropoff:           req.Dropoff.Point(),
		EarliestDeparture: req.EarliestDeparture,
		LatestDeparture:   req.LatestDeparture,
		SeatsNeeded:       req.SeatsNeeded,
		Preferences:       req.Preferences,
		OrganizationID:    req.OrgID,
	})
	if err != nil {
		common.Fail(c, err)
		return
	}

	common.Created(c, gin.H{"request": request})
}

type findRequest struct {
	RiderRequestID uuid.UUID `json:"rider_request_id" binding:"required"`
}

// Find runs the matcher for one rider request.
func (h *Handler) Find(c *gin.Context) {
	var req findRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		common.Fail(c, common.NewValidationError(err.Error()))
		return
	}

	matches, err := h.service.FindMatches(c.Request.Context(), req.RiderRequestID)
	if err != nil {
		common.Fail(c, err)
		return
	}

	common.OK(c, gin.H{
		"matches": matches,
		"meta":    gin.H{"count": len(matches)},
	})
}

// FindPool runs the matcher and the pool optimiser.
func (h *Handler) FindPool(c *gin.Context) {
	var req findRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		common.Fail(c, common.NewValidationError(err.Error()))
		return
	}

	matches, pool, err := h.service.FindPool(c.Request.Context(), req.RiderRequestID)
	if err != nil {
		common.Fail(c, err)
		return
	}

	common.OK(c, gin.H{
		"matches": matches,
		"pool":    pool,
		"meta":    gin.H{"count": len(matches)},
	})
}

type confirmRequest struct {
	MatchID uuid.UUID `json:"match_id" binding:"required"`
}

// Confirm confirms a pending match.
func (h *Handler) Confirm(c *gin.Context) {
	userID, err := middleware.GetUserID(c)
	if err != nil {
		common.Fail(c, common.NewAuthenticationError("unauthorized"))
		return
	}

	var req confirmRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		common.Fail(c, common.NewValidationError(err.Error()))
		return
	}

	match, err := h.service.ConfirmMatch(c.Request.Context(), req.MatchID, userID)
	if err != nil {
		common.Fail(c, err)
		return
	}

	common.OK(c, gin.H{"match": match})
}

type rejectRequest struct {
	MatchID uuid.UUID `json:"match_id" binding:"required"`
	Reason  string    `json:"reason"`
}

// Reject rejects a pending match.
func (h *Handler) Reject(c *gin.Context) {
	userID, err := middleware.GetUserID(c)
	if err != nil {
		common.Fail(c, common.NewAuthenticationError("unauthorized"))
		return
	}

	var req rejectRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		common.Fail(c, common.NewValidationError(err.Error()))
		return
	}

	if err := h.service.RejectMatch(c.Request.Context(), req.MatchID, userID, req.Reason); err != nil {
		common.Fail(c, err)
		return
	}

	common.OK(c, gin.H{"rejected": true})
}

type batchRequest struct {
	PageSize int `json:"page_size"`
}

// Batch runs the matcher over every pending rider request.
func (h *Handler) Batch(c *gin.Context) {
	userID, err := middleware.GetUserID(c)
	if err != nil {
		common.Fail(c, common.NewAuthenticationError("unauthorized"))
		return
	}

	var req batchRequest
	_ = c.ShouldBindJSON(&req)

	result, err := h.service.BatchMatch(c.Request.Context(), userID, req.PageSize)
	if err != nil {
		common.Fail(c, err)
		return
	}

	common.OK(c, result)
}

// Stats returns the matcher telemetry snapshot.
func (h *Handler) Stats(c *gin.Context) {
	common.OK(c, h.service.Engine().Stats().Snapshot())
}

// GetConfig returns the effective tenant configuration.
func (h *Handler) GetConfig(c *gin.Context) {
	orgID, err := optionalOrgID(c.Query("organization_id"))
	if err != nil {
		common.Fail(c, common.NewValidationError("invalid organization_id"))
		return
	}

	common.OK(c, gin.H{"config": h.service.Config(c.Request.Context(), orgID)})
}

type setConfigRequest struct {
	OrgID  *uuid.UUID  `json:"organization_id"`
	Config MatchConfig `json:"config" binding:"required"`
}

// SetConfig stores a tenant configuration.
func (h *Handler) SetConfig(c *gin.Context) {
	userID, err := middleware.GetUserID(c)
	if err != nil {
		common.Fail(c, common.NewAuthenticationError("unauthorized"))
		return
	}

	var req setConfigRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		common.Fail(c, common.NewValidationError(err.Error()))
		return
	}

	if err := h.service.SetConfig(c.Request.Context(), userID, req.OrgID, req.Config); err != nil {
		common.Fail(c, err)
		return
	}

	common.OK(c, gin.H{"config": req.Config})
}

func optionalOrgID(raw string) (*uuid.UUID, error) {
	if raw == "" {
		return nil, nil
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return nil, err
	}
	return &id, nil
}
