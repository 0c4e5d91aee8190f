package trips

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/lifthub/carpool/internal/idempotency"
	"github.com/lifthub/carpool/pkg/common"
	"github.com/lifthub/carpool/pkg/geo"
	"github.com/lifthub/carpool/pkg/middleware"
	"github.com/lifthub/carpool/pkg/pagination"
)

const bookingIdemScope = "booking"

// bookingSnapshot is the ledger payload for a booking response: the body
// plus the status it was first served with, so a replay echoes both.
type bookingSnapshot struct {
	Status int             `json:"status"`
	Body   json.RawMessage `json:"body"`
}

// Handler exposes the trips and bookings HTTP surface.
type Handler struct {
	service *Service
	ledger  *idempotency.Ledger
}

// NewHandler creates a trips handler. ledger may be nil, which disables
// booking replay.
func NewHandler(service *Service, ledger *idempotency.Ledger) *Handler {
	return &Handler{service: service, ledger: ledger}
}

// RegisterRoutes mounts the trip routes on the given group.
func (h *Handler) RegisterRoutes(rg *gin.RouterGroup) {
	t := rg.Group("/trips")
	{
		t.GET("/available", h.SearchAvailable)
		t.POST("", h.CreateTrip)
		t.GET("/:id", h.GetTrip)
		t.GET("/:id/participants", h.ListParticipants)
		t.POST("/:id/book", h.Book)
		t.POST("/:id/bookings/:bookingId/accept", h.Accept)
		t.POST("/:id/bookings/:bookingId/reject", h.Reject)
		t.POST("/:id/bookings/:bookingId/cancel", h.CancelBooking)
		t.POST("/:id/start", h.Start)
		t.POST("/:id/complete", h.Complete)
		t.POST("/:id/cancel", h.CancelTrip)
		t.POST("/:id/rate", h.Rate)
		t.POST("/:id/waitlist", h.JoinWaitlist)
	}
}

type pointPayload struct {
	Lat float64 `json:"lat" binding:"required,lat"`
	Lng float64 `json:"lng" binding:"required,lng"`
}

func (p pointPayload) point() geo.Point {
	return geo.Point{Lat: p.Lat, Lng: p.Lng}
}

type createTripRequest struct {
	Origin        pointPayload    `json:"origin" binding:"required"`
	Destination   pointPayload    `json:"destination" binding:"required"`
	DepartureTime time.Time       `json:"departure_time" binding:"required"`
	ArrivalTime   *time.Time      `json:"arrival_time"`
	TotalSeats    int             `json:"total_seats" binding:"required,min=1,max=8"`
	PricePerSeat  float64         `json:"price_per_seat" binding:"required,gt=0"`
	Currency      string          `json:"currency"`
	Vehicle       json.RawMessage `json:"vehicle"`
}

// CreateTrip publishes a bookable trip.
func (h *Handler) CreateTrip(c *gin.Context) {
	userID, err := middleware.GetUserID(c)
	if err != nil {
		common.Fail(c, common.NewAuthenticationError("unauthorized"))
		return
	}

	var req createTripRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		common.Fail(c, common.NewValidationError(err.Error()))
		return
	}

	trip, err := h.service.CreateTrip(c.Request.Context(), TripInput{
		DriverID:      userID,
		Origin:        req.Origin.point(),
		Destination:   req.Destination.point(),
		DepartureTime: req.DepartureTime,
		ArrivalTime:   req.ArrivalTime,
		TotalSeats:    req.TotalSeats,
		PricePerSeat:  req.PricePerSeat,
		Currency:      req.Currency,
		Vehicle:       req.Vehicle,
	})
	if err != nil {
		common.Fail(c, err)
		return
	}

	common.Created(c, gin.H{"trip": trip})
}

// SearchAvailable lists bookable trips matching the query filters.
func (h *Handler) SearchAvailable(c *gin.Context) {
	page := pagination.ParseParams(c)
	criteria := SearchCriteria{Limit: page.Limit, Offset: page.Offset}

	if v := c.Query("min_seats"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			criteria.MinSeats = n
		}
	}
	if v := c.Query("radius_km"); v != "" {
		if r, err := strconv.ParseFloat(v, 64); err == nil && r > 0 {
			criteria.RadiusKm = r
		}
	}
	if pt, err := parsePointQuery(c, "pickup_lat", "pickup_lng"); err != nil {
		common.Fail(c, err)
		return
	} else if pt != nil {
		criteria.Pickup = pt
	}
	if pt, err := parsePointQuery(c, "dropoff_lat", "dropoff_lng"); err != nil {
		common.Fail(c, err)
		return
	} else if pt != nil {
		criteria.Dropoff = pt
	}
	if v := c.Query("depart_after"); v != "" {
		ts, err := time.Parse(time.RFC3339, v)
		if err != nil {
			common.Fail(c, common.NewValidationError("invalid depart_after"))
			return
		}
		criteria.DepartAfter = &ts
	}
	if v := c.Query("depart_before"); v != "" {
		ts, err := time.Parse(time.RFC3339, v)
		if err != nil {
			common.Fail(c, common.NewValidationError("invalid depart_before"))
			return
		}
		criteria.DepartBefore = &ts
	}

	trips, err := h.service.SearchAvailable(c.Request.Context(), criteria)
	if err != nil {
		common.Fail(c, err)
		return
	}

	common.OK(c, gin.H{
		"trips": trips,
		"meta":  gin.H{"count": len(trips), "limit": criteria.Limit, "offset": criteria.Offset},
	})
}

// GetTrip returns one trip.
func (h *Handler) GetTrip(c *gin.Context) {
	tripID, err := parseIDParam(c, "id")
	if err != nil {
		common.Fail(c, err)
		return
	}

	trip, err := h.service.GetTrip(c.Request.Context(), tripID)
	if err != nil {
		common.Fail(c, err)
		return
	}

	common.OK(c, gin.H{"trip": trip})
}

// ListParticipants returns the trip's participant rows.
func (h *Handler) ListParticipants(c *gin.Context) {
	tripID, err := parseIDParam(c, "id")
	if err != nil {
		common.Fail(c, err)
		return
	}

	participants, err := h.service.store.ListParticipants(c.Request.Context(), tripID)
	if err != nil {
		common.Fail(c, err)
		return
	}

	common.OK(c, gin.H{"participants": participants})
}

type bookRequest struct {
	Pickup  pointPayload `json:"pickup" binding:"required"`
	Dropoff pointPayload `json:"dropoff" binding:"required"`
	Seats   int          `json:"seats" binding:"required,seats"`
}

// Book requests a seat on a trip. When an Idempotency-Key header is present
// a repeated call replays the original response instead of double-booking.
func (h *Handler) Book(c *gin.Context) {
	userID, err := middleware.GetUserID(c)
	if err != nil {
		common.Fail(c, common.NewAuthenticationError("unauthorized"))
		return
	}

	tripID, err := parseIDParam(c, "id")
	if err != nil {
		common.Fail(c, err)
		return
	}

	idemKey := middleware.GetIdempotencyKey(c)
	if idemKey != "" && h.ledger != nil {
		if cached, found := h.ledger.GetResponse(c.Request.Context(), bookingIdemScope, userID.String(), idemKey); found {
			var snap bookingSnapshot
			if err := json.Unmarshal(cached, &snap); err == nil && snap.Status != 0 {
				c.Header("X-Idempotent-Replay", "true")
				c.Data(snap.Status, "application/json", snap.Body)
				return
			}
		}
	}

	var req bookRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		common.Fail(c, common.NewValidationError(err.Error()))
		return
	}

	p, err := h.service.BookTrip(c.Request.Context(), BookInput{
		TripID:  tripID,
		UserID:  userID,
		Pickup:  req.Pickup.point(),
		Dropoff: req.Dropoff.point(),
		Seats:   req.Seats,
	})
	if err != nil {
		common.Fail(c, err)
		return
	}

	body := gin.H{"booking": p}
	if idemKey != "" && h.ledger != nil {
		if raw, err := json.Marshal(body); err == nil {
			if snap, err := json.Marshal(bookingSnapshot{Status: http.StatusCreated, Body: raw}); err == nil {
				h.ledger.SaveResponse(c.Request.Context(), bookingIdemScope, userID.String(), idemKey, snap)
			}
		}
	}

	common.Created(c, body)
}

// Accept confirms a pending booking and reserves its seats.
func (h *Handler) Accept(c *gin.Context) {
	h.bookingTransition(c, h.service.AcceptBooking)
}

// CancelBooking withdraws the rider's own booking.
func (h *Handler) CancelBooking(c *gin.Context) {
	h.bookingTransition(c, h.service.CancelBooking)
}

type rejectBookingRequest struct {
	Reason string `json:"reason"`
}

// Reject declines a pending booking.
func (h *Handler) Reject(c *gin.Context) {
	userID, err := middleware.GetUserID(c)
	if err != nil {
		common.Fail(c, common.NewAuthenticationError("unauthorized"))
		return
	}

	tripID, err := parseIDParam(c, "id")
	if err != nil {
		common.Fail(c, err)
		return
	}
	bookingID, err := parseIDParam(c, "bookingId")
	if err != nil {
		common.Fail(c, err)
		return
	}

	var req rejectBookingRequest
	_ = c.ShouldBindJSON(&req)

	p, err := h.service.RejectBooking(c.Request.Context(), tripID, bookingID, userID, req.Reason)
	if err != nil {
		common.Fail(c, err)
		return
	}

	common.OK(c, gin.H{"booking": p})
}

// Start moves a scheduled trip to active.
func (h *Handler) Start(c *gin.Context) {
	h.tripTransition(c, h.service.StartTrip)
}

// Complete finishes the trip and its accepted bookings.
func (h *Handler) Complete(c *gin.Context) {
	h.tripTransition(c, h.service.CompleteTrip)
}

type cancelTripRequest struct {
	Reason string `json:"reason"`
}

// CancelTrip cancels the trip and every open booking on it.
func (h *Handler) CancelTrip(c *gin.Context) {
	userID, err := middleware.GetUserID(c)
	if err != nil {
		common.Fail(c, common.NewAuthenticationError("unauthorized"))
		return
	}

	tripID, err := parseIDParam(c, "id")
	if err != nil {
		common.Fail(c, err)
		return
	}

	var req cancelTripRequest
	_ = c.ShouldBindJSON(&req)

	if err := h.service.CancelTrip(c.Request.Context(), tripID, userID, req.Reason); err != nil {
		common.Fail(c, err)
		return
	}

	common.OK(c, gin.H{"cancelled": true})
}

type rateRequest struct {
	Rating  int    `json:"rating" binding:"required,rating"`
	Comment string `json:"comment" binding:"omitempty,max=2000"`
}

// Rate records the caller's rating for a completed trip.
func (h *Handler) Rate(c *gin.Context) {
	userID, err := middleware.GetUserID(c)
	if err != nil {
		common.Fail(c, common.NewAuthenticationError("unauthorized"))
		return
	}

	tripID, err := parseIDParam(c, "id")
	if err != nil {
		common.Fail(c, err)
		return
	}

	var req rateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		common.Fail(c, common.NewValidationError(err.Error()))
		return
	}

	if err := h.service.RateTrip(c.Request.Context(), tripID, userID, req.Rating, req.Comment); err != nil {
		common.Fail(c, err)
		return
	}

	common.OK(c, gin.H{"rated": true})
}

type joinWaitlistRequest struct {
	Seats int `json:"seats" binding:"required,seats"`
}

// JoinWaitlist queues the caller for a full trip.
func (h *Handler) JoinWaitlist(c *gin.Context) {
	userID, err := middleware.GetUserID(c)
	if err != nil {
		common.Fail(c, common.NewAuthenticationError("unauthorized"))
		return
	}

	tripID, err := parseIDParam(c, "id")
	if err != nil {
		common.Fail(c, err)
		return
	}

	var req joinWaitlistRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		common.Fail(c, common.NewValidationError(err.Error()))
		return
	}

	entry, err := h.service.JoinWaitlist(c.Request.Context(), tripID, userID, req.Seats)
	if err != nil {
		common.Fail(c, err)
		return
	}

	common.Created(c, gin.H{"waitlist_entry": entry})
}

func (h *Handler) bookingTransition(c *gin.Context, fn func(ctx context.Context, tripID, bookingID, actorID uuid.UUID) (*Participant, error)) {
	userID, err := middleware.GetUserID(c)
	if err != nil {
		common.Fail(c, common.NewAuthenticationError("unauthorized"))
		return
	}

	tripID, err := parseIDParam(c, "id")
	if err != nil {
		common.Fail(c, err)
		return
	}
	bookingID, err := parseIDParam(c, "bookingId")
	if err != nil {
		common.Fail(c, err)
		return
	}

	p, err := fn(c.Request.Context(), tripID, bookingID, userID)
	if err != nil {
		common.Fail(c, err)
		return
	}

	common.OK(c, gin.H{"booking": p})
}

func (h *Handler) tripTransition(c *gin.Context, fn func(ctx context.Context, tripID, actorID uuid.UUID) error) {
	userID, err := middleware.GetUserID(c)
	if err != nil {
		common.Fail(c, common.NewAuthenticationError("unauthorized"))
		return
	}

	tripID, err := parseIDParam(c, "id")
	if err != nil {
		common.Fail(c, err)
		return
	}

	if err := fn(c.Request.Context(), tripID, userID); err != nil {
		common.Fail(c, err)
		return
	}

	common.OK(c, gin.H{"status": "ok"})
}

func parseIDParam(c *gin.Context, name string) (uuid.UUID, error) {
	id, err := uuid.Parse(c.Param(name))
	if err != nil {
		return uuid.Nil, common.NewValidationError("invalid " + name)
	}
	return id, nil
}

func parsePointQuery(c *gin.Context, latKey, lngKey string) (*geo.Point, error) {
	latRaw, lngRaw := c.Query(latKey), c.Query(lngKey)
	if latRaw == "" && lngRaw == "" {
		return nil, nil
	}
	lat, errLat := strconv.ParseFloat(latRaw, 64)
	lng, errLng := strconv.ParseFloat(lngRaw, 64)
	if errLat != nil || errLng != nil || lat < -90 || lat > 90 || lng < -180 || lng > 180 {
		return nil, common.NewValidationError("invalid " + latKey + "/" + lngKey)
	}
	return &geo.Point{Lat: lat, Lng: lng}, nil
}
