package auth

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Store is the persistence surface for users and sessions. Methods returning
// (nil, nil) signal a clean miss; guarded updates report whether the row
// changed.
type Store interface {
	CreateUser(ctx context.Context, rec *UserRecord) error
	GetUserByID(ctx context.Context, id uuid.UUID) (*UserRecord, error)
	GetUserByLookupHash(ctx context.Context, hash string) (*UserRecord, error)
	MarkEmailVerified(ctx context.Context, id uuid.UUID) error
	UpdatePassword(ctx context.Context, id uuid.UUID, passwordHash string) error

	CreateSession(ctx context.Context, session *Session) error
	GetSession(ctx context.Context, id uuid.UUID) (*Session, error)
	// RotateSession swaps the refresh hash only when the stored hash still
	// matches oldHash and the session is active.
	RotateSession(ctx context.Context, id uuid.UUID, oldHash, newHash string, expiresAt time.Time) (bool, error)
	RevokeSession(ctx context.Context, id uuid.UUID) error
	RevokeUserSessions(ctx context.Context, userID uuid.UUID) error
	DeleteExpiredSessions(ctx context.Context, before time.Time) (int64, error)
}
