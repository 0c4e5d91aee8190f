package matching

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Repository is the pgx-backed MatchStore.
type Repository struct {
	db *pgxpool.Pool
}

// NewRepository creates a new matching repository.
func NewRepository(db *pgxpool.Pool) *Repository {
	return &Repository{db: db}
}

// CreateDriverTrip inserts an offer, populating its bounding box from the
// endpoints padded by the tenant search radius.
func (r *Repository) CreateDriverTrip(ctx context.Context, trip *DriverTrip) error {
	vehicle, err := json.Marshal(trip.Vehicle)
	if err != nil {
		return fmt.Errorf("marshal vehicle: %w", err)
	}

	_, err = r.db.Exec(ctx,
		`INSERT INTO driver_trips (
			id, driver_id, origin_lat, origin_lng, dest_lat, dest_lng,
			bbox_min_lat, bbox_max_lat, bbox_min_lng, bbox_max_lng,
			departure_time, arrival_time, total_seats, available_seats,
			price_per_seat, currency, vehicle_json, driver_rating,
			organization_id, status, created_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21)`,
		trip.ID, trip.DriverID,
		trip.Origin.Lat, trip.Origin.Lng, trip.Destination.Lat, trip.Destination.Lng,
		trip.BBox.MinLat, trip.BBox.MaxLat, trip.BBox.MinLng, trip.BBox.MaxLng,
		trip.DepartureTime, trip.ArrivalTime, trip.TotalSeats, trip.AvailableSeats,
		trip.PricePerSeat, trip.Currency, vehicle, trip.DriverRating,
		trip.OrganizationID, trip.Status, trip.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("create driver trip: %w", err)
	}
	return nil
}

const driverTripColumns = `
	t.id, t.driver_id, t.origin_lat, t.origin_lng, t.dest_lat, t.dest_lng,
	t.bbox_min_lat, t.bbox_max_lat, t.bbox_min_lng, t.bbox_max_lng,
	t.departure_time, t.arrival_time, t.total_seats, t.available_seats,
	t.price_per_seat, t.currency, t.vehicle_json, t.driver_rating,
	t.organization_id, t.status, t.created_at, COALESCE(p.polyline, '')`

func scanDriverTrip(row pgx.Row) (*DriverTrip, error) {
	var trip DriverTrip
	var vehicle []byte
	err := row.Scan(
		&trip.ID, &trip.DriverID,
		&trip.Origin.Lat, &trip.Origin.Lng, &trip.Destination.Lat, &trip.Destination.Lng,
		&trip.BBox.MinLat, &trip.BBox.MaxLat, &trip.BBox.MinLng, &trip.BBox.MaxLng,
		&trip.DepartureTime, &trip.ArrivalTime, &trip.TotalSeats, &trip.AvailableSeats,
		&trip.PricePerSeat, &trip.Currency, &vehicle, &trip.DriverRating,
		&trip.OrganizationID, &trip.Status, &trip.CreatedAt, &trip.Polyline,
	)
	if err != nil {
		return nil, err
	}
	if len(vehicle) > 0 {
		// Tolerate unknown fields on read
		_ = json.Unmarshal(vehicle, &trip.Vehicle)
	}
	return &trip, nil
}

// GetDriverTrip loads an offer with its cached polyline, if any.
func (r *Repository) GetDriverTrip(ctx context.Context, id uuid.UUID) (*DriverTrip, error) {
	row := r.db.QueryRow(ctx,
		`SELECT `+driverTripColumns+`
		 FROM driver_trips t
		 LEFT JOIN route_polylines p ON p.trip_id = t.id
		 WHERE t.id = $1`, id)
	trip, err := scanDriverTrip(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get driver trip: %w", err)
	}
	return trip, nil
}

// CreateRiderRequest inserts a request.
func (r *Repository) CreateRiderRequest(ctx context.Context, req *RiderRequest) error {
	prefs, err := json.Marshal(req.Preferences)
	if err != nil {
		return fmt.Errorf("marshal preferences: %w", err)
	}

	_, err = r.db.Exec(ctx,
		`INSERT INTO rider_requests (
			id, rider_id, pickup_lat, pickup_lng, dropoff_lat, dropoff_lng,
			earliest_departure, latest_departure, seats_needed,
			preferences_json, organization_id, status, matched_trip_id, created_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)`,
		req.ID, req.RiderID,
		req.Pickup.Lat, req.Pickup.Lng, req.Dropoff.Lat, req.Dropoff.Lng,
		req.EarliestDeparture, req.LatestDeparture, req.SeatsNeeded,
		prefs, req.OrganizationID, req.Status, req.MatchedTripID, req.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("create rider request: %w", err)
	}
	return nil
}

const riderRequestColumns = `
	id, rider_id, pickup_lat, pickup_lng, dropoff_lat, dropoff_lng,
	earliest_departure, latest_departure, seats_needed,
	preferences_json, organization_id, status, matched_trip_id, created_at`

func scanRiderRequest(row pgx.Row) (*RiderRequest, error) {
	var req RiderRequest
	var prefs []byte
	err := row.Scan(
		&req.ID, &req.RiderID,
		&req.Pickup.Lat, &req.Pickup.Lng, &req.Dropoff.Lat, &req.Dropoff.Lng,
		&req.EarliestDeparture, &req.LatestDeparture, &req.SeatsNeeded,
		&prefs, &req.OrganizationID, &req.Status, &req.MatchedTripID, &req.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	if len(prefs) > 0 {
		_ = json.Unmarshal(prefs, &req.Preferences)
	}
	return &req, nil
}

// GetRiderRequest loads a request by id.
func (r *Repository) GetRiderRequest(ctx context.Context, id uuid.UUID) (*RiderRequest, error) {
	row := r.db.QueryRow(ctx,
		`SELECT `+riderRequestColumns+` FROM rider_requests WHERE id = $1`, id)
	req, err := scanRiderRequest(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get rider request: %w", err)
	}
	return req, nil
}

// ListPendingRiderRequests pages through requests awaiting a match, oldest
// first, for the batch matcher.
func (r *Repository) ListPendingRiderRequests(ctx context.Context, limit, offset int) ([]*RiderRequest, error) {
	rows, err := r.db.Query(ctx,
		`SELECT `+riderRequestColumns+`
		 FROM rider_requests
		 WHERE status = $1 AND latest_departure > NOW()
		 ORDER BY created_at ASC
		 LIMIT $2 OFFSET $3`,
		RequestPending, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list pending requests: %w", err)
	}
	defer rows.Close()

	var out []*RiderRequest
	for rows.Next() {
		req, err := scanRiderRequest(rows)
		if err != nil {
			return nil, fmt.Errorf("scan rider request: %w", err)
		}
		out = append(out, req)
	}
	return out, rows.Err()
}

// FindCandidateDrivers is the Phase A pre-filter: one SQL predicate over
// status, seats, time window and the offer's bounding box.
func (r *Repository) FindCandidateDrivers(ctx context.Context, req *RiderRequest, cfg MatchConfig) ([]*DriverTrip, error) {
	slack := time.Duration(cfg.TimeSlackMin) * time.Minute
	maxCandidates := cfg.MaxCandidates
	if maxCandidates <= 0 {
		maxCandidates = 200
	}

	rows, err := r.db.Query(ctx,
		`SELECT `+driverTripColumns+`
		 FROM driver_trips t
		 LEFT JOIN route_polylines p ON p.trip_id = t.id
		 WHERE t.status = $1
		   AND t.available_seats >= $2
		   AND t.departure_time BETWEEN $3 AND $4
		   AND t.bbox_min_lat <= $5 AND t.bbox_max_lat >= $5
		   AND t.bbox_min_lng <= $6 AND t.bbox_max_lng >= $6
		 ORDER BY t.departure_time ASC
		 LIMIT $7`,
		TripOffered, req.SeatsNeeded,
		req.EarliestDeparture.Add(-slack), req.LatestDeparture.Add(slack),
		req.Pickup.Lat, req.Pickup.Lng,
		maxCandidates,
	)
	if err != nil {
		return nil, fmt.Errorf("find candidate drivers: %w", err)
	}
	defer rows.Close()

	var out []*DriverTrip
	for rows.Next() {
		trip, err := scanDriverTrip(rows)
		if err != nil {
			return nil, fmt.Errorf("scan driver trip: %w", err)
		}
		out = append(out, trip)
	}
	return out, rows.Err()
}

// UpsertMatchResult writes a match idempotently on its natural key. A
// re-match refreshes the scoring columns but never touches status.
func (r *Repository) UpsertMatchResult(ctx context.Context, match *MatchResult) error {
	breakdown, err := json.Marshal(match.Breakdown)
	if err != nil {
		return fmt.Errorf("marshal breakdown: %w", err)
	}

	err = r.db.QueryRow(ctx,
		`INSERT INTO match_results (
			id, driver_trip_id, rider_request_id, driver_id, rider_id,
			score, breakdown_json, estimated_pickup_time, detour_minutes,
			pickup_dist_km, carbon_saved_kg, explanation, status, created_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)
		ON CONFLICT (driver_trip_id, rider_request_id) DO UPDATE SET
			score = EXCLUDED.score,
			breakdown_json = EXCLUDED.breakdown_json,
			estimated_pickup_time = EXCLUDED.estimated_pickup_time,
			detour_minutes = EXCLUDED.detour_minutes,
			pickup_dist_km = EXCLUDED.pickup_dist_km,
			carbon_saved_kg = EXCLUDED.carbon_saved_kg,
			explanation = EXCLUDED.explanation
		RETURNING id, status`,
		match.ID, match.DriverTripID, match.RiderRequestID, match.DriverID, match.RiderID,
		match.Score, breakdown, match.EstimatedPickupTime, match.DetourMinutes,
		match.PickupDistKm, match.CarbonSavedKg, match.Explanation, match.Status, match.CreatedAt,
	).Scan(&match.ID, &match.Status)
	if err != nil {
		return fmt.Errorf("upsert match result: %w", err)
	}
	return nil
}

// GetMatchResult loads a match by id.
func (r *Repository) GetMatchResult(ctx context.Context, id uuid.UUID) (*MatchResult, error) {
	var match MatchResult
	var breakdown []byte
	err := r.db.QueryRow(ctx,
		`SELECT id, driver_trip_id, rider_request_id, driver_id, rider_id,
			score, breakdown_json, estimated_pickup_time, detour_minutes,
			pickup_dist_km, carbon_saved_kg, explanation, status, created_at
		 FROM match_results WHERE id = $1`, id,
	).Scan(
		&match.ID, &match.DriverTripID, &match.RiderRequestID, &match.DriverID, &match.RiderID,
		&match.Score, &breakdown, &match.EstimatedPickupTime, &match.DetourMinutes,
		&match.PickupDistKm, &match.CarbonSavedKg, &match.Explanation, &match.Status, &match.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get match result: %w", err)
	}
	if len(breakdown) > 0 {
		_ = json.Unmarshal(breakdown, &match.Breakdown)
	}
	return &match, nil
}

// ListPendingMatchesByTrip returns the pending matches against one offer,
// best score first.
func (r *Repository) ListPendingMatchesByTrip(ctx context.Context, tripID uuid.UUID) ([]*MatchResult, error) {
	rows, err := r.db.Query(ctx,
		`SELECT id, driver_trip_id, rider_request_id, driver_id, rider_id,
			score, breakdown_json, estimated_pickup_time, detour_minutes,
			pickup_dist_km, carbon_saved_kg, explanation, status, created_at
		 FROM match_results
		 WHERE driver_trip_id = $1 AND status = $2
		 ORDER BY score ASC, id ASC`,
		tripID, MatchPending)
	if err != nil {
		return nil, fmt.Errorf("list pending matches: %w", err)
	}
	defer rows.Close()

	var out []*MatchResult
	for rows.Next() {
		var match MatchResult
		var breakdown []byte
		err := rows.Scan(
			&match.ID, &match.DriverTripID, &match.RiderRequestID, &match.DriverID, &match.RiderID,
			&match.Score, &breakdown, &match.EstimatedPickupTime, &match.DetourMinutes,
			&match.PickupDistKm, &match.CarbonSavedKg, &match.Explanation, &match.Status, &match.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan match result: %w", err)
		}
		if len(breakdown) > 0 {
			_ = json.Unmarshal(breakdown, &match.Breakdown)
		}
		out = append(out, &match)
	}
	return out, rows.Err()
}

// UpdateMatchStatus transitions a match guarded by its current status. The
// row count decides the winner under races.
func (r *Repository) UpdateMatchStatus(ctx context.Context, id uuid.UUID, from []string, to string) (bool, error) {
	tag, err := r.db.Exec(ctx,
		`UPDATE match_results SET status = $1 WHERE id = $2 AND status = ANY($3)`,
		to, id, from,
	)
	if err != nil {
		return false, fmt.Errorf("update match status: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// MarkRequestMatched flips a pending request to matched and records the trip.
func (r *Repository) MarkRequestMatched(ctx context.Context, requestID, tripID uuid.UUID) (bool, error) {
	tag, err := r.db.Exec(ctx,
		`UPDATE rider_requests SET status = $1, matched_trip_id = $2
		 WHERE id = $3 AND status IN ($4, $5)`,
		RequestMatched, tripID, requestID, RequestPending, RequestMatched,
	)
	if err != nil {
		return false, fmt.Errorf("mark request matched: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// UpsertPoolAssignment writes the pool and its members atomically. One pool
// per driver trip; a re-run replaces the member set.
func (r *Repository) UpsertPoolAssignment(ctx context.Context, pool *PoolAssignment) error {
	stops, err := json.Marshal(pool.OrderedStops)
	if err != nil {
		return fmt.Errorf("marshal ordered stops: %w", err)
	}

	tx, err := r.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin pool tx: %w", err)
	}
	defer tx.Rollback(ctx)

	err = tx.QueryRow(ctx,
		`INSERT INTO pool_assignments (
			id, driver_trip_id, total_score, avg_score, seats_used,
			seats_remaining, total_detour_minutes, ordered_stops_json, status, created_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
		ON CONFLICT (driver_trip_id) DO UPDATE SET
			total_score = EXCLUDED.total_score,
			avg_score = EXCLUDED.avg_score,
			seats_used = EXCLUDED.seats_used,
			seats_remaining = EXCLUDED.seats_remaining,
			total_detour_minutes = EXCLUDED.total_detour_minutes,
			ordered_stops_json = EXCLUDED.ordered_stops_json
		RETURNING id`,
		pool.ID, pool.DriverTripID, pool.TotalScore, pool.AvgScore, pool.SeatsUsed,
		pool.SeatsRemaining, pool.TotalDetourMinutes, stops, pool.Status, pool.CreatedAt,
	).Scan(&pool.ID)
	if err != nil {
		return fmt.Errorf("upsert pool assignment: %w", err)
	}

	if _, err := tx.Exec(ctx, `DELETE FROM pool_members WHERE pool_id = $1`, pool.ID); err != nil {
		return fmt.Errorf("clear pool members: %w", err)
	}
	for _, m := range pool.Members {
		_, err := tx.Exec(ctx,
			`INSERT INTO pool_members (pool_id, match_id, rider_id, pickup_order, dropoff_order)
			 VALUES ($1,$2,$3,$4,$5)`,
			pool.ID, m.MatchID, m.RiderID, m.PickupOrder, m.DropoffOrder,
		)
		if err != nil {
			return fmt.Errorf("insert pool member: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit pool tx: %w", err)
	}
	return nil
}

// SavePolyline caches the route polyline for a trip.
func (r *Repository) SavePolyline(ctx context.Context, tripID uuid.UUID, polyline string) error {
	_, err := r.db.Exec(ctx,
		`INSERT INTO route_polylines (trip_id, polyline, created_at)
		 VALUES ($1, $2, NOW())
		 ON CONFLICT (trip_id) DO UPDATE SET polyline = EXCLUDED.polyline`,
		tripID, polyline,
	)
	if err != nil {
		return fmt.Errorf("save polyline: %w", err)
	}
	return nil
}

// GetPolyline returns the cached polyline, empty when absent.
func (r *Repository) GetPolyline(ctx context.Context, tripID uuid.UUID) (string, error) {
	var polyline string
	err := r.db.QueryRow(ctx,
		`SELECT polyline FROM route_polylines WHERE trip_id = $1`, tripID,
	).Scan(&polyline)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", nil
		}
		return "", fmt.Errorf("get polyline: %w", err)
	}
	return polyline, nil
}

// GetConfig loads the tenant config row; nil orgID loads the platform row.
func (r *Repository) GetConfig(ctx context.Context, orgID *uuid.UUID) (*MatchConfig, error) {
	var raw []byte
	err := r.db.QueryRow(ctx,
		`SELECT config_json FROM matching_config
		 WHERE organization_id IS NOT DISTINCT FROM $1`,
		orgID,
	).Scan(&raw)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get matching config: %w", err)
	}

	cfg := DefaultConfig()
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("decode matching config: %w", err)
	}
	return &cfg, nil
}

// SetConfig stores the tenant config row.
func (r *Repository) SetConfig(ctx context.Context, orgID *uuid.UUID, cfg *MatchConfig) error {
	raw, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal matching config: %w", err)
	}

	_, err = r.db.Exec(ctx,
		`INSERT INTO matching_config (organization_id, config_json, updated_at)
		 VALUES ($1, $2, NOW())
		 ON CONFLICT (organization_id) DO UPDATE SET
			config_json = EXCLUDED.config_json,
			updated_at = NOW()`,
		orgID, raw,
	)
	if err != nil {
		return fmt.Errorf("set matching config: %w", err)
	}
	return nil
}

// ExpireStale marks offers and requests whose windows have passed.
func (r *Repository) ExpireStale(ctx context.Context, now time.Time) (int64, error) {
	var total int64

	tag, err := r.db.Exec(ctx,
		`UPDATE driver_trips SET status = $1
		 WHERE status = $2 AND departure_time < $3`,
		TripExpired, TripOffered, now,
	)
	if err != nil {
		return 0, fmt.Errorf("expire driver trips: %w", err)
	}
	total += tag.RowsAffected()

	tag, err = r.db.Exec(ctx,
		`UPDATE rider_requests SET status = $1
		 WHERE status = $2 AND latest_departure < $3`,
		RequestExpired, RequestPending, now,
	)
	if err != nil {
		return 0, fmt.Errorf("expire rider requests: %w", err)
	}
	total += tag.RowsAffected()

	return total, nil
}

var _ Store = (*Repository)(nil)
