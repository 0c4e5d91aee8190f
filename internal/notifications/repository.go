package notifications

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Writer records notifications. Callers treat failures as best-effort.
type Writer interface {
	Insert(ctx context.Context, userID uuid.UUID, notifType, title, body string, data interface{}) error
}

// Repository persists notifications in Postgres.
type Repository struct {
	db *pgxpool.Pool
}

// NewRepository creates a new notifications repository.
func NewRepository(db *pgxpool.Pool) *Repository {
	return &Repository{db: db}
}

// Insert writes a notification row.
func (r *Repository) Insert(ctx context.Context, userID uuid.UUID, notifType, title, body string, data interface{}) error {
	var raw []byte
	if data != nil {
		var err error
		raw, err = json.Marshal(data)
		if err != nil {
			return fmt.Errorf("marshal notification data: %w", err)
		}
	}

	_, err := r.db.Exec(ctx,
		`INSERT INTO notifications (id, user_id, type, title, body, data, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, NOW())`,
		uuid.New(), userID, notifType, title, body, raw,
	)
	if err != nil {
		return fmt.Errorf("insert notification: %w", err)
	}
	return nil
}

var _ Writer = (*Repository)(nil)
