package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/lifthub/carpool/pkg/common"
	"github.com/lifthub/carpool/pkg/config"
	"github.com/lifthub/carpool/pkg/logger"
	"github.com/lifthub/carpool/pkg/middleware"
	"github.com/lifthub/carpool/pkg/models"
	"github.com/lifthub/carpool/pkg/redis"
	"github.com/lifthub/carpool/pkg/security"
)

const (
	verifyEmailKeyFmt   = "auth:verify:%s"
	passwordResetKeyFmt = "auth:reset:%s"

	verifyEmailTTL   = 48 * time.Hour
	passwordResetTTL = 30 * time.Minute
)

// Service handles identity: registration with encrypted PII, credential
// login, refresh-token rotation, and the email-verification and
// password-reset token flows.
type Service struct {
	store  Store
	cipher *security.Cipher
	kv     redis.ClientInterface
	cfg    config.JWTConfig
	appURL string
}

// NewService creates an auth service. kv backs the short-lived verification
// and reset tokens; it may be nil in tests that skip those flows.
func NewService(store Store, cipher *security.Cipher, kv redis.ClientInterface, cfg config.JWTConfig, appURL string) *Service {
	return &Service{store: store, cipher: cipher, kv: kv, cfg: cfg, appURL: appURL}
}

// Register creates a user with encrypted profile fields, issues the email
// verification token and opens the first session.
func (s *Service) Register(ctx context.Context, req *RegisterRequest, userAgent, ipAddress string) (*AuthResponse, error) {
	email := normaliseEmail(req.Email)
	lookupHash := s.cipher.HashForLookup(email)

	existing, err := s.store.GetUserByLookupHash(ctx, lookupHash)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return nil, common.NewConflictError("user with this email already exists")
	}

	passwordHash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		return nil, common.NewInternalError("failed to hash password", err)
	}

	userID := uuid.New()
	rec := &UserRecord{
		ID:              userID,
		EmailLookupHash: lookupHash,
		PasswordHash:    string(passwordHash),
		Role:            models.RoleUser,
		OrgID:           req.OrgID,
		RatingAvg:       5.0,
		IsActive:        true,
		CreatedAt:       time.Now().UTC(),
	}
	if rec.EmailEnc, err = s.cipher.Encrypt(email, userID.String()); err != nil {
		return nil, common.NewInternalError("failed to encrypt profile", err)
	}
	if rec.FirstNameEnc, err = s.cipher.Encrypt(req.FirstName, userID.String()); err != nil {
		return nil, common.NewInternalError("failed to encrypt profile", err)
	}
	if rec.LastNameEnc, err = s.cipher.Encrypt(req.LastName, userID.String()); err != nil {
		return nil, common.NewInternalError("failed to encrypt profile", err)
	}
	if req.Phone != "" {
		if rec.PhoneEnc, err = s.cipher.Encrypt(req.Phone, userID.String()); err != nil {
			return nil, common.NewInternalError("failed to encrypt profile", err)
		}
	}

	if err := s.store.CreateUser(ctx, rec); err != nil {
		if errors.Is(err, common.ErrConflict) {
			return nil, common.NewConflictError("user with this email already exists")
		}
		return nil, err
	}

	s.issueVerificationToken(ctx, userID)

	user, err := s.decryptUser(rec)
	if err != nil {
		return nil, err
	}
	tokens, err := s.openSession(ctx, rec, userAgent, ipAddress)
	if err != nil {
		return nil, err
	}
	return &AuthResponse{User: user, Tokens: tokens}, nil
}

// Login verifies credentials and opens a session. Unknown email and wrong
// password are indistinguishable to the caller.
func (s *Service) Login(ctx context.Context, req *LoginRequest, userAgent, ipAddress string) (*AuthResponse, error) {
	rec, err := s.store.GetUserByLookupHash(ctx, s.cipher.HashForLookup(normaliseEmail(req.Email)))
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, common.NewAuthenticationError("invalid credentials")
	}
	if !rec.IsActive {
		return nil, common.NewAuthenticationError("account is inactive")
	}
	if err := bcrypt.CompareHashAndPassword([]byte(rec.PasswordHash), []byte(req.Password)); err != nil {
		return nil, common.NewAuthenticationError("invalid credentials")
	}

	user, err := s.decryptUser(rec)
	if err != nil {
		return nil, err
	}
	tokens, err := s.openSession(ctx, rec, userAgent, ipAddress)
	if err != nil {
		return nil, err
	}
	return &AuthResponse{User: user, Tokens: tokens}, nil
}

// Refresh rotates the refresh token and mints a new access token. Presenting
// a previously rotated token is treated as theft: the whole session is
// revoked and the caller gets 401.
func (s *Service) Refresh(ctx context.Context, refreshToken string) (*TokenPair, error) {
	sessionID, secret, err := splitRefreshToken(refreshToken)
	if err != nil {
		return nil, common.NewAuthenticationError("invalid refresh token")
	}

	session, err := s.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if session == nil || !session.IsActive || time.Now().After(session.ExpiresAt) {
		return nil, common.NewAuthenticationError("session expired")
	}

	presentedHash := hashSecret(secret)
	if presentedHash != session.RefreshTokenHash {
		// The token was already rotated: someone replayed an old value.
		logger.WarnContext(ctx, "rotated refresh token replayed, revoking session",
			zap.String("session_id", sessionID.String()), zap.String("user_id", session.UserID.String()))
		if revokeErr := s.store.RevokeSession(ctx, sessionID); revokeErr != nil {
			logger.ErrorContext(ctx, "session revocation failed", zap.Error(revokeErr))
		}
		return nil, common.NewAuthenticationError("refresh token reuse detected")
	}

	newSecret, err := randomSecret()
	if err != nil {
		return nil, common.NewInternalError("failed to mint refresh token", err)
	}
	expiresAt := time.Now().Add(s.refreshTTL())
	rotated, err := s.store.RotateSession(ctx, sessionID, presentedHash, hashSecret(newSecret), expiresAt)
	if err != nil {
		return nil, err
	}
	if !rotated {
		// Lost a race against a concurrent refresh of the same token.
		return nil, common.NewAuthenticationError("refresh token reuse detected")
	}

	rec, err := s.store.GetUserByID(ctx, session.UserID)
	if err != nil {
		return nil, err
	}
	if rec == nil || !rec.IsActive {
		return nil, common.NewAuthenticationError("account is inactive")
	}

	accessToken, err := s.mintAccessToken(rec)
	if err != nil {
		return nil, err
	}
	return &TokenPair{
		AccessToken:  accessToken,
		RefreshToken: joinRefreshToken(sessionID, newSecret),
		ExpiresIn:    int64(s.accessTTL().Seconds()),
	}, nil
}

// Logout revokes the session named by the refresh token. Unknown tokens are
// a no-op: logout is idempotent.
func (s *Service) Logout(ctx context.Context, refreshToken string) error {
	sessionID, secret, err := splitRefreshToken(refreshToken)
	if err != nil {
		return nil
	}
	session, err := s.store.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}
	if session == nil || session.RefreshTokenHash != hashSecret(secret) {
		return nil
	}
	return s.store.RevokeSession(ctx, sessionID)
}

// VerifyEmail consumes a verification token.
func (s *Service) VerifyEmail(ctx context.Context, token string) error {
	if s.kv == nil {
		return common.NewConfigurationError("verification tokens are not configured")
	}
	key := fmt.Sprintf(verifyEmailKeyFmt, token)
	raw, err := s.kv.GetString(ctx, key)
	if err != nil || raw == "" {
		return common.NewAuthenticationError("invalid or expired verification token")
	}
	userID, err := uuid.Parse(raw)
	if err != nil {
		return common.NewAuthenticationError("invalid or expired verification token")
	}
	if err := s.store.MarkEmailVerified(ctx, userID); err != nil {
		return err
	}
	if err := s.kv.Delete(ctx, key); err != nil {
		logger.WarnContext(ctx, "verification token delete failed", zap.Error(err))
	}
	return nil
}

// ForgotPassword issues a reset token when the email is known. The response
// is identical either way so the endpoint cannot be used to probe accounts.
func (s *Service) ForgotPassword(ctx context.Context, email string) error {
	rec, err := s.store.GetUserByLookupHash(ctx, s.cipher.HashForLookup(normaliseEmail(email)))
	if err != nil {
		return err
	}
	if rec == nil || !rec.IsActive {
		return nil
	}
	if s.kv == nil {
		return nil
	}

	token, err := randomSecret()
	if err != nil {
		return common.NewInternalError("failed to mint reset token", err)
	}
	key := fmt.Sprintf(passwordResetKeyFmt, token)
	if err := s.kv.SetWithExpiration(ctx, key, rec.ID.String(), passwordResetTTL); err != nil {
		return err
	}

	// Mail delivery is out of scope; the link is surfaced for the operator.
	logger.InfoContext(ctx, "password reset token issued",
		zap.String("user_id", rec.ID.String()),
		zap.String("reset_url", fmt.Sprintf("%s/reset-password?token=%s", s.appURL, token)))
	return nil
}

// ResetPassword consumes a reset token, replaces the password and revokes
// every open session of the user.
func (s *Service) ResetPassword(ctx context.Context, token, newPassword string) error {
	if len(newPassword) < 8 {
		return common.NewValidationError("password must be at least 8 characters")
	}
	if s.kv == nil {
		return common.NewConfigurationError("reset tokens are not configured")
	}

	key := fmt.Sprintf(passwordResetKeyFmt, token)
	raw, err := s.kv.GetString(ctx, key)
	if err != nil || raw == "" {
		return common.NewAuthenticationError("invalid or expired reset token")
	}
	userID, err := uuid.Parse(raw)
	if err != nil {
		return common.NewAuthenticationError("invalid or expired reset token")
	}

	passwordHash, err := bcrypt.GenerateFromPassword([]byte(newPassword), bcrypt.DefaultCost)
	if err != nil {
		return common.NewInternalError("failed to hash password", err)
	}
	if err := s.store.UpdatePassword(ctx, userID, string(passwordHash)); err != nil {
		return err
	}
	if err := s.store.RevokeUserSessions(ctx, userID); err != nil {
		return err
	}
	if err := s.kv.Delete(ctx, key); err != nil {
		logger.WarnContext(ctx, "reset token delete failed", zap.Error(err))
	}
	return nil
}

// Profile returns the decrypted profile of a user.
func (s *Service) Profile(ctx context.Context, userID uuid.UUID) (*User, error) {
	rec, err := s.store.GetUserByID(ctx, userID)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, common.NewNotFoundError("user not found", nil)
	}
	return s.decryptUser(rec)
}

func (s *Service) openSession(ctx context.Context, rec *UserRecord, userAgent, ipAddress string) (*TokenPair, error) {
	secret, err := randomSecret()
	if err != nil {
		return nil, common.NewInternalError("failed to mint refresh token", err)
	}

	now := time.Now().UTC()
	session := &Session{
		ID:               uuid.New(),
		UserID:           rec.ID,
		RefreshTokenHash: hashSecret(secret),
		UserAgent:        userAgent,
		IPAddress:        ipAddress,
		ExpiresAt:        now.Add(s.refreshTTL()),
		LastAccessedAt:   now,
		IsActive:         true,
		CreatedAt:        now,
	}
	if err := s.store.CreateSession(ctx, session); err != nil {
		return nil, err
	}

	accessToken, err := s.mintAccessToken(rec)
	if err != nil {
		return nil, err
	}
	return &TokenPair{
		AccessToken:  accessToken,
		RefreshToken: joinRefreshToken(session.ID, secret),
		ExpiresIn:    int64(s.accessTTL().Seconds()),
	}, nil
}

func (s *Service) mintAccessToken(rec *UserRecord) (string, error) {
	email, err := s.cipher.Decrypt(rec.EmailEnc, rec.ID.String())
	if err != nil {
		return "", common.NewInternalError("failed to decrypt profile", err)
	}

	now := time.Now()
	claims := &middleware.Claims{
		UserID: rec.ID,
		Email:  email,
		Role:   rec.Role,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(s.accessTTL())),
			IssuedAt:  jwt.NewNumericDate(now),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(s.cfg.Secret))
	if err != nil {
		return "", common.NewInternalError("failed to sign token", err)
	}
	return signed, nil
}

func (s *Service) issueVerificationToken(ctx context.Context, userID uuid.UUID) {
	if s.kv == nil {
		return
	}
	token, err := randomSecret()
	if err != nil {
		logger.WarnContext(ctx, "verification token mint failed", zap.Error(err))
		return
	}
	key := fmt.Sprintf(verifyEmailKeyFmt, token)
	if err := s.kv.SetWithExpiration(ctx, key, userID.String(), verifyEmailTTL); err != nil {
		logger.WarnContext(ctx, "verification token store failed", zap.Error(err))
		return
	}
	logger.InfoContext(ctx, "email verification token issued",
		zap.String("user_id", userID.String()),
		zap.String("verify_url", fmt.Sprintf("%s/verify-email?token=%s", s.appURL, token)))
}

func (s *Service) decryptUser(rec *UserRecord) (*User, error) {
	user := &User{
		ID:          rec.ID,
		Role:        rec.Role,
		OrgID:       rec.OrgID,
		RatingAvg:   rec.RatingAvg,
		RatingCount: rec.RatingCount,
		IsVerified:  rec.IsVerified,
		IsActive:    rec.IsActive,
		CreatedAt:   rec.CreatedAt,
	}

	var err error
	if user.Email, err = s.cipher.Decrypt(rec.EmailEnc, rec.ID.String()); err != nil {
		return nil, common.NewInternalError("failed to decrypt profile", err)
	}
	if user.FirstName, err = s.cipher.Decrypt(rec.FirstNameEnc, rec.ID.String()); err != nil {
		return nil, common.NewInternalError("failed to decrypt profile", err)
	}
	if user.LastName, err = s.cipher.Decrypt(rec.LastNameEnc, rec.ID.String()); err != nil {
		return nil, common.NewInternalError("failed to decrypt profile", err)
	}
	if rec.PhoneEnc != "" {
		if user.Phone, err = s.cipher.Decrypt(rec.PhoneEnc, rec.ID.String()); err != nil {
			return nil, common.NewInternalError("failed to decrypt profile", err)
		}
	}
	return user, nil
}

func (s *Service) accessTTL() time.Duration {
	mins := s.cfg.AccessExpiryMins
	if mins <= 0 {
		mins = 15
	}
	return time.Duration(mins) * time.Minute
}

func (s *Service) refreshTTL() time.Duration {
	days := s.cfg.RefreshExpiryDays
	if days <= 0 {
		days = 30
	}
	return time.Duration(days) * 24 * time.Hour
}

func normaliseEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// randomSecret returns 32 random bytes hex-encoded.
func randomSecret() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}

func hashSecret(secret string) string {
	sum := sha256.Sum256([]byte(secret))
	return hex.EncodeToString(sum[:])
}

func joinRefreshToken(sessionID uuid.UUID, secret string) string {
	return sessionID.String() + "." + secret
}

func splitRefreshToken(token string) (uuid.UUID, string, error) {
	parts := strings.SplitN(token, ".", 2)
	if len(parts) != 2 || parts[1] == "" {
		return uuid.Nil, "", errors.New("malformed refresh token")
	}
	sessionID, err := uuid.Parse(parts[0])
	if err != nil {
		return uuid.Nil, "", err
	}
	return sessionID, parts[1], nil
}
