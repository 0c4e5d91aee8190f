package auth

import (
	"time"

	"github.com/google/uuid"

	"github.com/lifthub/carpool/pkg/models"
)

// User is the decrypted profile returned by the API. The persisted row keeps
// email, names and phone as AES-GCM ciphertext bound to the user id; see
// UserRecord.
type User struct {
	ID          uuid.UUID       `json:"id"`
	Email       string          `json:"email"`
	FirstName   string          `json:"first_name"`
	LastName    string          `json:"last_name"`
	Phone       string          `json:"phone,omitempty"`
	Role        models.UserRole `json:"role"`
	OrgID       *uuid.UUID      `json:"org_id,omitempty"`
	RatingAvg   float64         `json:"rating_avg"`
	RatingCount int             `json:"rating_count"`
	IsVerified  bool            `json:"is_verified"`
	IsActive    bool            `json:"is_active"`
	CreatedAt   time.Time       `json:"created_at"`
}

// UserRecord is the storage shape: PII columns hold ciphertext and the email
// is additionally indexed by a deterministic keyed hash for login lookups.
type UserRecord struct {
	ID              uuid.UUID
	EmailEnc        string
	EmailLookupHash string
	FirstNameEnc    string
	LastNameEnc     string
	PhoneEnc        string
	PasswordHash    string
	Role            models.UserRole
	OrgID           *uuid.UUID
	RatingAvg       float64
	RatingCount     int
	IsVerified      bool
	IsActive        bool
	CreatedAt       time.Time
}

// Session is one refresh-token lineage. The stored hash is SHA-256 of the
// current refresh secret; rotation replaces it on every successful refresh.
type Session struct {
	ID               uuid.UUID `json:"id"`
	UserID           uuid.UUID `json:"user_id"`
	RefreshTokenHash string    `json:"-"`
	UserAgent        string    `json:"user_agent,omitempty"`
	IPAddress        string    `json:"ip_address,omitempty"`
	ExpiresAt        time.Time `json:"expires_at"`
	LastAccessedAt   time.Time `json:"last_accessed_at"`
	IsActive         bool      `json:"is_active"`
	CreatedAt        time.Time `json:"created_at"`
}

// RegisterRequest is the signup payload.
type RegisterRequest struct {
	Email     string     `json:"email" binding:"required,email"`
	Password  string     `json:"password" binding:"required,min=8"`
	FirstName string     `json:"first_name" binding:"required"`
	LastName  string     `json:"last_name" binding:"required"`
	Phone     string     `json:"phone"`
	OrgID     *uuid.UUID `json:"org_id"`
}

// LoginRequest is the credential payload.
type LoginRequest struct {
	Email    string `json:"email" binding:"required,email"`
	Password string `json:"password" binding:"required"`
}

// TokenPair carries one short-lived access token and the refresh token that
// renews it. The refresh token is "<session id>.<secret>" and is shown to the
// client exactly once per rotation.
type TokenPair struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int64  `json:"expires_in"`
}

// AuthResponse is returned by register and login.
type AuthResponse struct {
	User   *User      `json:"user"`
	Tokens *TokenPair `json:"tokens"`
}
