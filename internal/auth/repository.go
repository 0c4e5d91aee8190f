package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/lifthub/carpool/pkg/common"
)

// Repository is the pgx-backed user and session store.
type Repository struct {
	db *pgxpool.Pool
}

// NewRepository creates a new auth repository.
func NewRepository(db *pgxpool.Pool) *Repository {
	return &Repository{db: db}
}

var _ Store = (*Repository)(nil)

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

const userColumns = `
	id, email_enc, email_lookup_hash, first_name_enc, last_name_enc, phone_enc,
	password_hash, role, org_id, rating_avg, rating_count,
	is_verified, is_active, created_at`

func scanUser(row pgx.Row) (*UserRecord, error) {
	var rec UserRecord
	err := row.Scan(
		&rec.ID, &rec.EmailEnc, &rec.EmailLookupHash,
		&rec.FirstNameEnc, &rec.LastNameEnc, &rec.PhoneEnc,
		&rec.PasswordHash, &rec.Role, &rec.OrgID, &rec.RatingAvg, &rec.RatingCount,
		&rec.IsVerified, &rec.IsActive, &rec.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// CreateUser inserts a user row. The unique index on email_lookup_hash maps
// to the conflict sentinel.
func (r *Repository) CreateUser(ctx context.Context, rec *UserRecord) error {
	_, err := r.db.Exec(ctx,
		`INSERT INTO users (
			id, email_enc, email_lookup_hash, first_name_enc, last_name_enc, phone_enc,
			password_hash, role, org_id, rating_avg, rating_count,
			is_verified, is_active, created_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)`,
		rec.ID, rec.EmailEnc, rec.EmailLookupHash,
		rec.FirstNameEnc, rec.LastNameEnc, rec.PhoneEnc,
		rec.PasswordHash, rec.Role, rec.OrgID, rec.RatingAvg, rec.RatingCount,
		rec.IsVerified, rec.IsActive, rec.CreatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("create user: %w", common.ErrConflict)
		}
		return fmt.Errorf("create user: %w", err)
	}
	return nil
}

// GetUserByID loads a user row by id.
func (r *Repository) GetUserByID(ctx context.Context, id uuid.UUID) (*UserRecord, error) {
	row := r.db.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE id = $1`, id)
	rec, err := scanUser(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get user: %w", err)
	}
	return rec, nil
}

// GetUserByLookupHash resolves a user by the keyed email hash.
func (r *Repository) GetUserByLookupHash(ctx context.Context, hash string) (*UserRecord, error) {
	row := r.db.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE email_lookup_hash = $1`, hash)
	rec, err := scanUser(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get user by lookup hash: %w", err)
	}
	return rec, nil
}

// MarkEmailVerified flips the verification flag.
func (r *Repository) MarkEmailVerified(ctx context.Context, id uuid.UUID) error {
	_, err := r.db.Exec(ctx, `UPDATE users SET is_verified = TRUE WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("mark email verified: %w", err)
	}
	return nil
}

// UpdatePassword replaces the password hash.
func (r *Repository) UpdatePassword(ctx context.Context, id uuid.UUID, passwordHash string) error {
	_, err := r.db.Exec(ctx, `UPDATE users SET password_hash = $1 WHERE id = $2`, passwordHash, id)
	if err != nil {
		return fmt.Errorf("update password: %w", err)
	}
	return nil
}

const sessionColumns = `
	id, user_id, refresh_token_hash, user_agent, ip_address,
	expires_at, last_accessed_at, is_active, created_at`

// CreateSession inserts a session row.
func (r *Repository) CreateSession(ctx context.Context, s *Session) error {
	_, err := r.db.Exec(ctx,
		`INSERT INTO sessions (
			id, user_id, refresh_token_hash, user_agent, ip_address,
			expires_at, last_accessed_at, is_active, created_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
		s.ID, s.UserID, s.RefreshTokenHash, s.UserAgent, s.IPAddress,
		s.ExpiresAt, s.LastAccessedAt, s.IsActive, s.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	return nil
}

// GetSession loads a session by id.
func (r *Repository) GetSession(ctx context.Context, id uuid.UUID) (*Session, error) {
	var s Session
	err := r.db.QueryRow(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE id = $1`, id).Scan(
		&s.ID, &s.UserID, &s.RefreshTokenHash, &s.UserAgent, &s.IPAddress,
		&s.ExpiresAt, &s.LastAccessedAt, &s.IsActive, &s.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get session: %w", err)
	}
	return &s, nil
}

// RotateSession swaps the refresh hash under a guard on the previous hash, so
// concurrent refreshes with the same token produce exactly one winner.
func (r *Repository) RotateSession(ctx context.Context, id uuid.UUID, oldHash, newHash string, expiresAt time.Time) (bool, error) {
	tag, err := r.db.Exec(ctx,
		`UPDATE sessions
		SET refresh_token_hash = $1, expires_at = $2, last_accessed_at = NOW()
		WHERE id = $3 AND refresh_token_hash = $4 AND is_active = TRUE`,
		newHash, expiresAt, id, oldHash,
	)
	if err != nil {
		return false, fmt.Errorf("rotate session: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// RevokeSession deactivates one session.
func (r *Repository) RevokeSession(ctx context.Context, id uuid.UUID) error {
	_, err := r.db.Exec(ctx, `UPDATE sessions SET is_active = FALSE WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("revoke session: %w", err)
	}
	return nil
}

// RevokeUserSessions deactivates every session of a user.
func (r *Repository) RevokeUserSessions(ctx context.Context, userID uuid.UUID) error {
	_, err := r.db.Exec(ctx, `UPDATE sessions SET is_active = FALSE WHERE user_id = $1`, userID)
	if err != nil {
		return fmt.Errorf("revoke user sessions: %w", err)
	}
	return nil
}

// DeleteExpiredSessions removes sessions whose expiry passed before the
// cutoff. Used by the maintenance worker.
func (r *Repository) DeleteExpiredSessions(ctx context.Context, before time.Time) (int64, error) {
	tag, err := r.db.Exec(ctx, `DELETE FROM sessions WHERE expires_at < $1`, before)
	if err != nil {
		return 0, fmt.Errorf("delete expired sessions: %w", err)
	}
	return tag.RowsAffected(), nil
}
