package matching

import (
	"time"

	"github.com/google/uuid"

	"github.com/lifthub/carpool/pkg/geo"
)

// Driver trip (offer) statuses.
const (
	TripOffered   = "offered"
	TripMatched   = "matched"
	TripCompleted = "completed"
	TripCancelled = "cancelled"
	TripExpired   = "expired"
)

// Rider request statuses.
const (
	RequestPending    = "pending"
	RequestMatched    = "matched"
	RequestConfirmed  = "confirmed"
	RequestInProgress = "in_progress"
	RequestCompleted  = "completed"
	RequestCancelled  = "cancelled"
	RequestExpired    = "expired"
)

// Match result statuses.
const (
	MatchPending   = "pending"
	MatchConfirmed = "confirmed"
	MatchRejected  = "rejected"
	MatchCancelled = "cancelled"
	MatchExpired   = "expired"
)

// Organization preference modes.
const (
	OrgPreferenceOff       = "off"
	OrgPreferencePreferred = "preferred"
	OrgPreferenceStrict    = "strict"
)

// Vehicle describes the driver's car, stored as JSON.
type Vehicle struct {
	Make               string `json:"make,omitempty"`
	Model              string `json:"model,omitempty"`
	Color              string `json:"color,omitempty"`
	PlateNumber        string `json:"plate_number,omitempty"`
	WheelchairAccessible bool `json:"wheelchair_accessible,omitempty"`
}

// DriverTrip is a posted offer with seats available for matching.
type DriverTrip struct {
	ID             uuid.UUID  `json:"id"`
	DriverID       uuid.UUID  `json:"driver_id"`
	Origin         geo.Point  `json:"origin"`
	Destination    geo.Point  `json:"destination"`
	BBox           geo.BBox   `json:"bounding_box"`
	DepartureTime  time.Time  `json:"departure_time"`
	ArrivalTime    *time.Time `json:"arrival_time,omitempty"`
	TotalSeats     int        `json:"total_seats"`
	AvailableSeats int        `json:"available_seats"`
	PricePerSeat   float64    `json:"price_per_seat"`
	Currency       string     `json:"currency"`
	Vehicle        Vehicle    `json:"vehicle"`
	Polyline       string     `json:"polyline,omitempty"`
	DriverRating   float64    `json:"driver_rating"`
	OrganizationID *uuid.UUID `json:"organization_id,omitempty"`
	Status         string     `json:"status"`
	CreatedAt      time.Time  `json:"created_at"`
}

// Route returns the driver's route points: the decoded polyline when one is
// cached, else the straight origin to destination segment.
func (t *DriverTrip) Route() []geo.Point {
	if t.Polyline != "" {
		if pts, err := geo.DecodePolyline(t.Polyline); err == nil && len(pts) >= 2 {
			return pts
		}
	}
	return []geo.Point{t.Origin, t.Destination}
}

// Preferences are the rider's matching constraints, stored as JSON.
type Preferences struct {
	MinDriverRating    float64 `json:"min_driver_rating,omitempty"`
	WheelchairNeeded   bool    `json:"wheelchair_needed,omitempty"`
	SameOrgPreference  string  `json:"same_org_preference,omitempty"`
}

// RiderRequest is a posted need for a ride.
type RiderRequest struct {
	ID                uuid.UUID   `json:"id"`
	RiderID           uuid.UUID   `json:"rider_id"`
	Pickup            geo.Point   `json:"pickup"`
	Dropoff           geo.Point   `json:"dropoff"`
	EarliestDeparture time.Time   `json:"earliest_departure"`
	LatestDeparture   time.Time   `json:"latest_departure"`
	SeatsNeeded       int         `json:"seats_needed"`
	Preferences       Preferences `json:"preferences"`
	OrganizationID    *uuid.UUID  `json:"organization_id,omitempty"`
	Status            string      `json:"status"`
	MatchedTripID     *uuid.UUID  `json:"matched_trip_id,omitempty"`
	CreatedAt         time.Time   `json:"created_at"`
}

// MidWindow returns the midpoint of the rider's departure window.
func (r *RiderRequest) MidWindow() time.Time {
	return r.EarliestDeparture.Add(r.LatestDeparture.Sub(r.EarliestDeparture) / 2)
}

// ScoreWeights are the per-tenant scoring weights. Configured values are
// authoritative; the engine never normalises them.
type ScoreWeights struct {
	Detour float64 `json:"detour"`
	Pickup float64 `json:"pickup"`
	Time   float64 `json:"time"`
	Rating float64 `json:"rating"`
	Org    float64 `json:"org"`
	Carbon float64 `json:"carbon"`
}

// DefaultWeights returns the platform default weights.
func DefaultWeights() ScoreWeights {
	return ScoreWeights{Detour: 0.30, Pickup: 0.25, Time: 0.20, Rating: 0.15, Org: 0.05, Carbon: 0.05}
}

// MatchConfig is the per-tenant matcher configuration.
type MatchConfig struct {
	SearchRadiusKm       float64      `json:"search_radius_km"`
	TimeSlackMin         int          `json:"time_slack_min"`
	MaxDetourMin         float64      `json:"max_detour_min"`
	MaxPickupDistanceKm  float64      `json:"max_pickup_distance_km"`
	MaxDropoffDistanceKm float64      `json:"max_dropoff_distance_km"`
	MinDriverRating      float64      `json:"min_driver_rating"`
	MaxResults           int          `json:"max_results"`
	MaxCandidates        int          `json:"max_candidates"`
	AvgSpeedKmH          float64      `json:"avg_speed_kmh"`
	EnableMultiRider     bool         `json:"enable_multi_rider"`
	MaxPoolDetourMin     float64      `json:"max_pool_detour_min"`
	MaxRidersPerDriver   int          `json:"max_riders_per_driver"`
	Weights              ScoreWeights `json:"weights"`
}

// DefaultConfig returns the matcher defaults used when a tenant has no
// stored configuration row.
func DefaultConfig() MatchConfig {
	return MatchConfig{
		SearchRadiusKm:       5,
		TimeSlackMin:         15,
		MaxDetourMin:         15,
		MaxPickupDistanceKm:  2,
		MaxDropoffDistanceKm: 2,
		MinDriverRating:      0,
		MaxResults:           10,
		MaxCandidates:        200,
		AvgSpeedKmH:          30,
		EnableMultiRider:     true,
		MaxPoolDetourMin:     30,
		MaxRidersPerDriver:   4,
		Weights:              DefaultWeights(),
	}
}

// ScoreBreakdown itemises the weighted terms behind a match score.
type ScoreBreakdown struct {
	DetourTerm   float64 `json:"detour_term"`
	PickupTerm   float64 `json:"pickup_term"`
	TimeTerm     float64 `json:"time_term"`
	RatingTerm   float64 `json:"rating_term"`
	OrgTerm      float64 `json:"org_term"`
	CarbonBonus  float64 `json:"carbon_bonus"`
	DetourMin    float64 `json:"detour_min"`
	PickupDistKm float64 `json:"pickup_dist_km"`
	SameOrg      bool    `json:"same_org"`
}

// MatchResult is a scored pairing of one driver offer and one rider request.
// Lower score is better.
type MatchResult struct {
	ID                  uuid.UUID      `json:"id"`
	DriverTripID        uuid.UUID      `json:"driver_trip_id"`
	RiderRequestID      uuid.UUID      `json:"rider_request_id"`
	DriverID            uuid.UUID      `json:"driver_id"`
	RiderID             uuid.UUID      `json:"rider_id"`
	Score               float64        `json:"score"`
	Breakdown           ScoreBreakdown `json:"breakdown"`
	EstimatedPickupTime time.Time      `json:"estimated_pickup_time"`
	DetourMinutes       float64        `json:"detour_minutes"`
	PickupDistKm        float64        `json:"pickup_dist_km"`
	CarbonSavedKg       float64        `json:"carbon_saved_kg"`
	Explanation         string         `json:"explanation"`
	Status              string         `json:"status"`
	CreatedAt           time.Time      `json:"created_at"`
}

// OrderedStop is one stop in a pool's computed route.
type OrderedStop struct {
	RiderID  uuid.UUID `json:"rider_id"`
	MatchID  uuid.UUID `json:"match_id"`
	Type     string    `json:"type"` // pickup or dropoff
	Point    geo.Point `json:"point"`
	Sequence int       `json:"sequence"`
}

// PoolMember links a pool to one of its member matches.
type PoolMember struct {
	MatchID      uuid.UUID `json:"match_id"`
	RiderID      uuid.UUID `json:"rider_id"`
	PickupOrder  int       `json:"pickup_order"`
	DropoffOrder int       `json:"dropoff_order"`
}

// PoolAssignment is a set of matches against one driver with a stop order.
type PoolAssignment struct {
	ID                 uuid.UUID     `json:"id"`
	DriverTripID       uuid.UUID     `json:"driver_trip_id"`
	Members            []PoolMember  `json:"members"`
	TotalScore         float64       `json:"total_score"`
	AvgScore           float64       `json:"avg_score"`
	SeatsUsed          int           `json:"seats_used"`
	SeatsRemaining     int           `json:"seats_remaining"`
	TotalDetourMinutes float64       `json:"total_detour_minutes"`
	OrderedStops       []OrderedStop `json:"ordered_stops"`
	Status             string        `json:"status"`
	CreatedAt          time.Time     `json:"created_at"`
}

// Drop reasons attached to candidates filtered out in Phase B.
const (
	DropTimeWindow      = "time_window"
	DropPickupDistance  = "pickup_distance"
	DropDropoffDistance = "dropoff_distance"
	DropSeats           = "seats"
	DropRating          = "rating"
	DropAccessibility   = "accessibility"
	DropOrganization    = "organization"
)
