package audit

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Actions recorded by the payment pipeline and admin surface.
const (
	ActionPaymentSucceeded = "PAYMENT_SUCCEEDED"
	ActionPaymentFailed    = "PAYMENT_FAILED"
	ActionPaymentCanceled  = "PAYMENT_CANCELED"
	ActionBatchMatchRun    = "BATCH_MATCH_RUN"
	ActionConfigUpdated    = "MATCHING_CONFIG_UPDATED"
)

// Logger records audit trail rows. Failures are best-effort for callers.
type Logger interface {
	Record(ctx context.Context, actorID uuid.UUID, action, entityType, entityID string, details interface{}) error
}

// Repository persists audit rows in Postgres.
type Repository struct {
	db *pgxpool.Pool
}

// NewRepository creates a new audit repository.
func NewRepository(db *pgxpool.Pool) *Repository {
	return &Repository{db: db}
}

// Record writes an audit row.
func (r *Repository) Record(ctx context.Context, actorID uuid.UUID, action, entityType, entityID string, details interface{}) error {
	var raw []byte
	if details != nil {
		var err error
		raw, err = json.Marshal(details)
		if err != nil {
			return fmt.Errorf("marshal audit details: %w", err)
		}
	}

	_, err := r.db.Exec(ctx,
		`INSERT INTO audit_logs (id, actor_id, action, entity_type, entity_id, details, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, NOW())`,
		uuid.New(), actorID, action, entityType, entityID, raw,
	)
	if err != nil {
		return fmt.Errorf("insert audit log: %w", err)
	}
	return nil
}

var _ Logger = (*Repository)(nil)
