package matching

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lifthub/carpool/internal/audit"
	"github.com/lifthub/carpool/pkg/cache"
	"github.com/lifthub/carpool/pkg/common"
	"github.com/lifthub/carpool/pkg/eventbus"
	"github.com/lifthub/carpool/pkg/geo"
	"github.com/lifthub/carpool/pkg/logger"
)

const configCacheTTL = 60 * time.Second

// Service orchestrates the matcher: it owns offer/request intake, runs the
// engine over pre-filtered candidates and persists the results.
type Service struct {
	store  Store
	engine *Engine
	cache  *cache.Manager
	bus    eventbus.Bus
	audit  audit.Logger
}

// NewService creates a matching service. cache and auditLog may be nil in
// tests; the service degrades to uncached config reads and no audit trail.
func NewService(store Store, engine *Engine, cacheManager *cache.Manager, bus eventbus.Bus, auditLog audit.Logger) *Service {
	return &Service{
		store:  store,
		engine: engine,
		cache:  cacheManager,
		bus:    bus,
		audit:  auditLog,
	}
}

// Engine exposes the underlying engine, mainly for the stats endpoint.
func (s *Service) Engine() *Engine {
	return s.engine
}

// DriverTripInput is the validated offer payload.
type DriverTripInput struct {
	DriverID       uuid.UUID
	Origin         geo.Point
	Destination    geo.Point
	DepartureTime  time.Time
	ArrivalTime    *time.Time
	TotalSeats     int
	PricePerSeat   float64
	Currency       string
	Vehicle        Vehicle
	DriverRating   float64
	OrganizationID *uuid.UUID
	Polyline       string
}

// CreateDriverTrip posts an offer. The bounding box is derived from the
// endpoints padded by the tenant search radius so the SQL pre-filter can use
// a pure range predicate.
func (s *Service) CreateDriverTrip(ctx context.Context, input DriverTripInput) (*DriverTrip, error) {
	if input.DepartureTime.Before(time.Now()) {
		return nil, common.NewValidationError("departure time must be in the future")
	}

	cfg := s.Config(ctx, input.OrganizationID)

	trip := &DriverTrip{
		ID:             uuid.New(),
		DriverID:       input.DriverID,
		Origin:         input.Origin,
		Destination:    input.Destination,
		BBox:           geo.BoundingBox([]geo.Point{input.Origin, input.Destination}, cfg.SearchRadiusKm),
		DepartureTime:  input.DepartureTime.UTC(),
		ArrivalTime:    input.ArrivalTime,
		TotalSeats:     input.TotalSeats,
		AvailableSeats: input.TotalSeats,
		PricePerSeat:   input.PricePerSeat,
		Currency:       input.Currency,
		Vehicle:        input.Vehicle,
		DriverRating:   input.DriverRating,
		OrganizationID: input.OrganizationID,
		Status:         TripOffered,
		CreatedAt:      time.Now().UTC(),
	}
	if trip.Currency == "" {
		trip.Currency = "zar"
	}

	if err := s.store.CreateDriverTrip(ctx, trip); err != nil {
		return nil, err
	}

	if input.Polyline != "" {
		if _, err := geo.DecodePolyline(input.Polyline); err != nil {
			logger.WarnContext(ctx, "discarding malformed polyline",
				zap.String("trip_id", trip.ID.String()), zap.Error(err))
		} else if err := s.store.SavePolyline(ctx, trip.ID, input.Polyline); err != nil {
			logger.WarnContext(ctx, "polyline cache write failed",
				zap.String("trip_id", trip.ID.String()), zap.Error(err))
		} else {
			trip.Polyline = input.Polyline
		}
	}

	if s.bus != nil {
		s.bus.Emit(eventbus.TopicTripCreated, trip, trip.DriverID.String())
	}
	return trip, nil
}

// RiderRequestInput is the validated request payload.
type RiderRequestInput struct {
	RiderID           uuid.UUID
	Pickup            geo.Point
	Dropoff           geo.Point
	EarliestDeparture time.Time
	LatestDeparture   time.Time
	SeatsNeeded       int
	Preferences       Preferences
	OrganizationID    *uuid.UUID
}

// CreateRiderRequest posts a ride request.
func (s *Service) CreateRiderRequest(ctx context.Context, input RiderRequestInput) (*RiderRequest, error) {
	if !input.EarliestDeparture.Before(input.LatestDeparture) {
		return nil, common.NewValidationError("earliest departure must precede latest departure")
	}
	if input.LatestDeparture.Before(time.Now()) {
		return nil, common.NewValidationError("departure window is in the past")
	}

	req := &RiderRequest{
		ID:                uuid.New(),
		RiderID:           input.RiderID,
		Pickup:            input.Pickup,
		Dropoff:           input.Dropoff,
		EarliestDeparture: input.EarliestDeparture.UTC(),
		LatestDeparture:   input.LatestDeparture.UTC(),
		SeatsNeeded:       input.SeatsNeeded,
		Preferences:       input.Preferences,
		OrganizationID:    input.OrganizationID,
		Status:            RequestPending,
		CreatedAt:         time.Now().UTC(),
	}

	if err := s.store.CreateRiderRequest(ctx, req); err != nil {
		return nil, err
	}
	return req, nil
}

// FindMatches runs the three-phase matcher for one request and persists the
// resulting pending matches.
func (s *Service) FindMatches(ctx context.Context, requestID uuid.UUID) ([]*MatchResult, error) {
	req, err := s.store.GetRiderRequest(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if req == nil {
		return nil, common.NewNotFoundError("rider request not found", nil)
	}
	if req.Status != RequestPending && req.Status != RequestMatched {
		return nil, common.NewConflictError("rider request is no longer open for matching")
	}

	cfg := s.Config(ctx, req.OrganizationID)

	candidates, err := s.store.FindCandidateDrivers(ctx, req, cfg)
	if err != nil {
		return nil, err
	}

	matches := s.engine.FindMatches(req, candidates, cfg)
	for _, match := range matches {
		// Each write is its own statement so partial progress survives
		// request cancellation.
		if err := s.store.UpsertMatchResult(ctx, match); err != nil {
			return nil, err
		}
	}

	logger.DebugContext(ctx, "match run finished",
		zap.String("request_id", requestID.String()),
		zap.Int("candidates", len(candidates)),
		zap.Int("matches", len(matches)))
	return matches, nil
}

// FindPool runs FindMatches and then assembles a multi-rider pool around the
// best-scoring driver. The pool is nil when pooling is disabled or no other
// rider fits.
func (s *Service) FindPool(ctx context.Context, requestID uuid.UUID) ([]*MatchResult, *PoolAssignment, error) {
	matches, err := s.FindMatches(ctx, requestID)
	if err != nil {
		return nil, nil, err
	}
	if len(matches) == 0 {
		return nil, nil, nil
	}

	req, err := s.store.GetRiderRequest(ctx, requestID)
	if err != nil {
		return nil, nil, err
	}
	cfg := s.Config(ctx, req.OrganizationID)
	if !cfg.EnableMultiRider {
		return matches, nil, nil
	}

	best := matches[0]
	trip, err := s.store.GetDriverTrip(ctx, best.DriverTripID)
	if err != nil {
		return nil, nil, err
	}
	if trip == nil {
		return matches, nil, nil
	}

	pending, err := s.store.ListPendingMatchesByTrip(ctx, trip.ID)
	if err != nil {
		return nil, nil, err
	}

	candidates := make([]PoolCandidate, 0, len(pending))
	for _, match := range pending {
		rider := req
		if match.RiderRequestID != req.ID {
			rider, err = s.store.GetRiderRequest(ctx, match.RiderRequestID)
			if err != nil {
				return nil, nil, err
			}
			if rider == nil || rider.Status != RequestPending {
				continue
			}
		}
		candidates = append(candidates, PoolCandidate{Match: match, Request: rider})
	}

	pool := s.engine.BuildPool(trip, candidates, cfg)
	if pool == nil {
		return matches, nil, nil
	}
	if err := s.store.UpsertPoolAssignment(ctx, pool); err != nil {
		return nil, nil, err
	}
	return matches, pool, nil
}

// ConfirmMatch flips a pending match to confirmed and links the request to
// the trip. Only the rider behind the match may confirm it.
func (s *Service) ConfirmMatch(ctx context.Context, matchID, actorID uuid.UUID) (*MatchResult, error) {
	match, err := s.store.GetMatchResult(ctx, matchID)
	if err != nil {
		return nil, err
	}
	if match == nil {
		return nil, common.NewNotFoundError("match not found", nil)
	}
	if match.RiderID != actorID {
		return nil, common.NewAuthorizationError("only the matched rider may confirm")
	}

	ok, err := s.store.UpdateMatchStatus(ctx, matchID, []string{MatchPending}, MatchConfirmed)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, common.NewConflictError("match is no longer pending")
	}

	if _, err := s.store.MarkRequestMatched(ctx, match.RiderRequestID, match.DriverTripID); err != nil {
		return nil, err
	}

	match.Status = MatchConfirmed
	return match, nil
}

// RejectMatch flips a pending match to rejected.
func (s *Service) RejectMatch(ctx context.Context, matchID, actorID uuid.UUID, reason string) error {
	match, err := s.store.GetMatchResult(ctx, matchID)
	if err != nil {
		return err
	}
	if match == nil {
		return common.NewNotFoundError("match not found", nil)
	}
	if match.RiderID != actorID && match.DriverID != actorID {
		return common.NewAuthorizationError("only a party to the match may reject it")
	}

	ok, err := s.store.UpdateMatchStatus(ctx, matchID, []string{MatchPending}, MatchRejected)
	if err != nil {
		return err
	}
	if !ok {
		return common.NewConflictError("match is no longer pending")
	}

	logger.InfoContext(ctx, "match rejected",
		zap.String("match_id", matchID.String()),
		zap.String("actor_id", actorID.String()),
		zap.String("reason", reason))
	return nil
}

// BatchResult summarises an admin batch-match run.
type BatchResult struct {
	RequestsScanned int `json:"requests_scanned"`
	TotalMatched    int `json:"total_matched"`
	Failed          int `json:"failed"`
}

// BatchMatch walks all pending rider requests and runs the matcher for each.
// The loop checks ctx between requests so an admin can abort a long run;
// matches already written stay durable.
func (s *Service) BatchMatch(ctx context.Context, actorID uuid.UUID, pageSize int) (*BatchResult, error) {
	if pageSize <= 0 {
		pageSize = 100
	}

	result := &BatchResult{}
	for offset := 0; ; offset += pageSize {
		if err := ctx.Err(); err != nil {
			return result, err
		}

		requests, err := s.store.ListPendingRiderRequests(ctx, pageSize, offset)
		if err != nil {
			return result, err
		}
		if len(requests) == 0 {
			break
		}

		for _, req := range requests {
			if err := ctx.Err(); err != nil {
				return result, err
			}
			result.RequestsScanned++

			matches, err := s.FindMatches(ctx, req.ID)
			if err != nil {
				result.Failed++
				logger.WarnContext(ctx, "batch match failed for request",
					zap.String("request_id", req.ID.String()), zap.Error(err))
				continue
			}
			if len(matches) > 0 {
				result.TotalMatched++
			}
		}

		if len(requests) < pageSize {
			break
		}
	}

	if s.audit != nil {
		if err := s.audit.Record(ctx, actorID, audit.ActionBatchMatchRun, "matching", "", result); err != nil {
			logger.WarnContext(ctx, "batch match audit write failed", zap.Error(err))
		}
	}
	return result, nil
}

func configCacheKey(orgID *uuid.UUID) string {
	if orgID == nil {
		return "matching:config:platform"
	}
	return fmt.Sprintf("matching:config:%s", orgID)
}

// Config returns the tenant matcher configuration: KV cache first (60 s),
// then the DB row, then the platform defaults. Lookup failures fall back to
// defaults; the matcher must keep working without either store.
func (s *Service) Config(ctx context.Context, orgID *uuid.UUID) MatchConfig {
	load := func() (interface{}, error) {
		cfg, err := s.store.GetConfig(ctx, orgID)
		if err != nil {
			return nil, err
		}
		if cfg == nil && orgID != nil {
			// No tenant row; inherit the platform row.
			cfg, err = s.store.GetConfig(ctx, nil)
			if err != nil {
				return nil, err
			}
		}
		if cfg == nil {
			defaults := DefaultConfig()
			cfg = &defaults
		}
		return cfg, nil
	}

	if s.cache == nil {
		value, err := load()
		if err != nil {
			logger.WarnContext(ctx, "matching config load failed, using defaults", zap.Error(err))
			return DefaultConfig()
		}
		return *(value.(*MatchConfig))
	}

	var cfg MatchConfig
	if err := s.cache.GetOrSet(ctx, configCacheKey(orgID), &cfg, configCacheTTL, load); err != nil {
		logger.WarnContext(ctx, "matching config load failed, using defaults", zap.Error(err))
		return DefaultConfig()
	}
	return cfg
}

// SetConfig stores the tenant configuration and evicts the cache entry.
func (s *Service) SetConfig(ctx context.Context, actorID uuid.UUID, orgID *uuid.UUID, cfg MatchConfig) error {
	if cfg.MaxResults <= 0 || cfg.MaxCandidates <= 0 {
		return common.NewValidationError("max_results and max_candidates must be positive")
	}
	if cfg.SearchRadiusKm <= 0 {
		return common.NewValidationError("search_radius_km must be positive")
	}

	if err := s.store.SetConfig(ctx, orgID, &cfg); err != nil {
		return err
	}
	if s.cache != nil {
		if err := s.cache.Delete(ctx, configCacheKey(orgID)); err != nil {
			logger.WarnContext(ctx, "matching config cache evict failed", zap.Error(err))
		}
	}

	if s.audit != nil {
		entityID := ""
		if orgID != nil {
			entityID = orgID.String()
		}
		if err := s.audit.Record(ctx, actorID, audit.ActionConfigUpdated, "matching_config", entityID, cfg); err != nil {
			logger.WarnContext(ctx, "config audit write failed", zap.Error(err))
		}
	}
	return nil
}
