package matching

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Store is the persistence surface the matching service depends on.
type Store interface {
	CreateDriverTrip(ctx context.Context, trip *DriverTrip) error
	GetDriverTrip(ctx context.Context, id uuid.UUID) (*DriverTrip, error)
	CreateRiderRequest(ctx context.Context, req *RiderRequest) error
	GetRiderRequest(ctx context.Context, id uuid.UUID) (*RiderRequest, error)
	ListPendingRiderRequests(ctx context.Context, limit, offset int) ([]*RiderRequest, error)

	FindCandidateDrivers(ctx context.Context, req *RiderRequest, cfg MatchConfig) ([]*DriverTrip, error)

	UpsertMatchResult(ctx context.Context, match *MatchResult) error
	GetMatchResult(ctx context.Context, id uuid.UUID) (*MatchResult, error)
	ListPendingMatchesByTrip(ctx context.Context, tripID uuid.UUID) ([]*MatchResult, error)
	UpdateMatchStatus(ctx context.Context, id uuid.UUID, from []string, to string) (bool, error)
	MarkRequestMatched(ctx context.Context, requestID, tripID uuid.UUID) (bool, error)

	UpsertPoolAssignment(ctx context.Context, pool *PoolAssignment) error

	SavePolyline(ctx context.Context, tripID uuid.UUID, polyline string) error
	GetPolyline(ctx context.Context, tripID uuid.UUID) (string, error)

	GetConfig(ctx context.Context, orgID *uuid.UUID) (*MatchConfig, error)
	SetConfig(ctx context.Context, orgID *uuid.UUID, cfg *MatchConfig) error

	ExpireStale(ctx context.Context, now time.Time) (int64, error)
}
