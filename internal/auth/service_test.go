package auth

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lifthub/carpool/pkg/common"
	"github.com/lifthub/carpool/pkg/config"
	"github.com/lifthub/carpool/pkg/security"
)

// fakeAuthStore keeps users and sessions in memory with the repository's
// guarded rotation semantics.
type fakeAuthStore struct {
	mu       sync.Mutex
	users    map[uuid.UUID]*UserRecord
	byHash   map[string]uuid.UUID
	sessions map[uuid.UUID]*Session
}

func newFakeAuthStore() *fakeAuthStore {
	return &fakeAuthStore{
		users:    make(map[uuid.UUID]*UserRecord),
		byHash:   make(map[string]uuid.UUID),
		sessions: make(map[uuid.UUID]*Session),
	}
}

var _ Store = (*fakeAuthStore)(nil)

func (f *fakeAuthStore) CreateUser(_ context.Context, rec *UserRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, exists := f.byHash[rec.EmailLookupHash]; exists {
		return common.ErrConflict
	}
	cp := *rec
	f.users[rec.ID] = &cp
	f.byHash[rec.EmailLookupHash] = rec.ID
	return nil
}

func (f *fakeAuthStore) GetUserByID(_ context.Context, id uuid.UUID) (*UserRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.users[id]
	if !ok {
		return nil, nil
	}
	cp := *rec
	return &cp, nil
}

func (f *fakeAuthStore) GetUserByLookupHash(_ context.Context, hash string) (*UserRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id, ok := f.byHash[hash]
	if !ok {
		return nil, nil
	}
	cp := *f.users[id]
	return &cp, nil
}

func (f *fakeAuthStore) MarkEmailVerified(_ context.Context, id uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if rec, ok := f.users[id]; ok {
		rec.IsVerified = true
	}
	return nil
}

func (f *fakeAuthStore) UpdatePassword(_ context.Context, id uuid.UUID, passwordHash string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if rec, ok := f.users[id]; ok {
		rec.PasswordHash = passwordHash
	}
	return nil
}

func (f *fakeAuthStore) CreateSession(_ context.Context, s *Session) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *s
	f.sessions[s.ID] = &cp
	return nil
}

func (f *fakeAuthStore) GetSession(_ context.Context, id uuid.UUID) (*Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.sessions[id]
	if !ok {
		return nil, nil
	}
	cp := *s
	return &cp, nil
}

func (f *fakeAuthStore) RotateSession(_ context.Context, id uuid.UUID, oldHash, newHash string, expiresAt time.Time) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.sessions[id]
	if !ok || !s.IsActive || s.RefreshTokenHash != oldHash {
		return false, nil
	}
	s.RefreshTokenHash = newHash
	s.ExpiresAt = expiresAt
	s.LastAccessedAt = time.Now()
	return true, nil
}

func (f *fakeAuthStore) RevokeSession(_ context.Context, id uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if s, ok := f.sessions[id]; ok {
		s.IsActive = false
	}
	return nil
}

func (f *fakeAuthStore) RevokeUserSessions(_ context.Context, userID uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, s := range f.sessions {
		if s.UserID == userID {
			s.IsActive = false
		}
	}
	return nil
}

func (f *fakeAuthStore) DeleteExpiredSessions(_ context.Context, before time.Time) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var removed int64
	for id, s := range f.sessions {
		if s.ExpiresAt.Before(before) {
			delete(f.sessions, id)
			removed++
		}
	}
	return removed, nil
}

func (f *fakeAuthStore) activeSessions(userID uuid.UUID) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, s := range f.sessions {
		if s.UserID == userID && s.IsActive {
			n++
		}
	}
	return n
}

// fakeKV is a trivial in-memory stand-in for the redis client; TTLs are not
// enforced.
type fakeKV struct {
	mu     sync.Mutex
	values map[string]string
}

func newFakeKV() *fakeKV {
	return &fakeKV{values: make(map[string]string)}
}

func (f *fakeKV) SetWithExpiration(_ context.Context, key string, value interface{}, _ time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.values[key] = value.(string)
	return nil
}

func (f *fakeKV) SetIfNotExists(_ context.Context, key string, value interface{}, _ time.Duration) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, exists := f.values[key]; exists {
		return false, nil
	}
	f.values[key] = value.(string)
	return true, nil
}

func (f *fakeKV) GetString(_ context.Context, key string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.values[key]
	if !ok {
		return "", redis.Nil
	}
	return v, nil
}

func (f *fakeKV) Delete(_ context.Context, keys ...string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, key := range keys {
		delete(f.values, key)
	}
	return nil
}

func (f *fakeKV) Exists(_ context.Context, key string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.values[key]
	return ok, nil
}

func (f *fakeKV) Increment(_ context.Context, _ string) (int64, error) { return 0, nil }
func (f *fakeKV) Expire(_ context.Context, _ string, _ time.Duration) error {
	return nil
}
func (f *fakeKV) Ping(_ context.Context) error { return nil }
func (f *fakeKV) Close() error                 { return nil }

// firstKeyWithPrefix returns the trailing token of a KV key, used to pull
// verification/reset tokens out of the fake store.
func (f *fakeKV) tokenFor(prefix string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	for key := range f.values {
		if len(key) > len(prefix) && key[:len(prefix)] == prefix {
			return key[len(prefix):]
		}
	}
	return ""
}

type authFixture struct {
	store *fakeAuthStore
	kv    *fakeKV
	svc   *Service
}

func newAuthFixture(t *testing.T) *authFixture {
	t.Helper()
	cipher, err := security.NewCipher(
		"0123456789abcdef0123456789abcdef",
		"fedcba9876543210fedcba9876543210",
	)
	require.NoError(t, err)

	store := newFakeAuthStore()
	kv := newFakeKV()
	svc := NewService(store, cipher, kv, config.JWTConfig{
		Secret:            "test-secret",
		AccessExpiryMins:  15,
		RefreshExpiryDays: 30,
	}, "https://app.example.test")
	return &authFixture{store: store, kv: kv, svc: svc}
}

func registerTestUser(t *testing.T, fx *authFixture) *AuthResponse {
	t.Helper()
	resp, err := fx.svc.Register(context.Background(), &RegisterRequest{
		Email:     "Thandi@Example.com",
		Password:  "correct horse",
		FirstName: "Thandi",
		LastName:  "Nkosi",
		Phone:     "+27821234567",
	}, "test-agent", "127.0.0.1")
	require.NoError(t, err)
	return resp
}

func assertAuthError(t *testing.T, err error) {
	t.Helper()
	require.Error(t, err)
	assert.Equal(t, common.CodeAuthentication, common.AsAppError(err).ErrorCode)
}

func TestRegisterEncryptsProfile(t *testing.T) {
	fx := newAuthFixture(t)
	resp := registerTestUser(t, fx)

	// The API response carries plaintext, the stored row does not.
	assert.Equal(t, "thandi@example.com", resp.User.Email)
	assert.Equal(t, "Thandi", resp.User.FirstName)
	assert.NotEmpty(t, resp.Tokens.AccessToken)
	assert.NotEmpty(t, resp.Tokens.RefreshToken)

	rec, err := fx.store.GetUserByID(context.Background(), resp.User.ID)
	require.NoError(t, err)
	assert.NotContains(t, rec.EmailEnc, "thandi")
	assert.NotContains(t, rec.FirstNameEnc, "Thandi")
	assert.NotEqual(t, "correct horse", rec.PasswordHash)
}

func TestRegisterDuplicateEmail(t *testing.T) {
	fx := newAuthFixture(t)
	registerTestUser(t, fx)

	_, err := fx.svc.Register(context.Background(), &RegisterRequest{
		Email:     "thandi@example.com",
		Password:  "another pass",
		FirstName: "T",
		LastName:  "N",
	}, "", "")
	require.Error(t, err)
	assert.Equal(t, common.CodeConflict, common.AsAppError(err).ErrorCode)
}

func TestLoginHappyPath(t *testing.T) {
	fx := newAuthFixture(t)
	registerTestUser(t, fx)

	resp, err := fx.svc.Login(context.Background(), &LoginRequest{
		Email:    "thandi@example.com",
		Password: "correct horse",
	}, "test-agent", "127.0.0.1")
	require.NoError(t, err)
	assert.Equal(t, "thandi@example.com", resp.User.Email)
	assert.NotEmpty(t, resp.Tokens.RefreshToken)
}

func TestLoginRejectsBadCredentials(t *testing.T) {
	fx := newAuthFixture(t)
	registerTestUser(t, fx)

	_, err := fx.svc.Login(context.Background(), &LoginRequest{
		Email:    "thandi@example.com",
		Password: "wrong horse",
	}, "", "")
	assertAuthError(t, err)

	_, err = fx.svc.Login(context.Background(), &LoginRequest{
		Email:    "nobody@example.com",
		Password: "correct horse",
	}, "", "")
	assertAuthError(t, err)
}

func TestRefreshRotatesToken(t *testing.T) {
	fx := newAuthFixture(t)
	resp := registerTestUser(t, fx)

	pair, err := fx.svc.Refresh(context.Background(), resp.Tokens.RefreshToken)
	require.NoError(t, err)
	assert.NotEqual(t, resp.Tokens.RefreshToken, pair.RefreshToken)
	assert.NotEmpty(t, pair.AccessToken)

	// The rotated token keeps working.
	_, err = fx.svc.Refresh(context.Background(), pair.RefreshToken)
	require.NoError(t, err)
}

func TestRefreshReuseRevokesSession(t *testing.T) {
	fx := newAuthFixture(t)
	resp := registerTestUser(t, fx)

	pair, err := fx.svc.Refresh(context.Background(), resp.Tokens.RefreshToken)
	require.NoError(t, err)

	// Replaying the pre-rotation token burns the whole session.
	_, err = fx.svc.Refresh(context.Background(), resp.Tokens.RefreshToken)
	assertAuthError(t, err)
	assert.Zero(t, fx.store.activeSessions(resp.User.ID))

	// Even the legitimately rotated token is now dead.
	_, err = fx.svc.Refresh(context.Background(), pair.RefreshToken)
	assertAuthError(t, err)
}

func TestRefreshRejectsGarbage(t *testing.T) {
	fx := newAuthFixture(t)

	_, err := fx.svc.Refresh(context.Background(), "not-a-token")
	assertAuthError(t, err)

	_, err = fx.svc.Refresh(context.Background(), uuid.NewString()+".deadbeef")
	assertAuthError(t, err)
}

func TestLogoutRevokesSession(t *testing.T) {
	fx := newAuthFixture(t)
	resp := registerTestUser(t, fx)

	require.NoError(t, fx.svc.Logout(context.Background(), resp.Tokens.RefreshToken))
	assert.Zero(t, fx.store.activeSessions(resp.User.ID))

	_, err := fx.svc.Refresh(context.Background(), resp.Tokens.RefreshToken)
	assertAuthError(t, err)

	// Logout is idempotent.
	require.NoError(t, fx.svc.Logout(context.Background(), resp.Tokens.RefreshToken))
}

func TestVerifyEmailFlow(t *testing.T) {
	fx := newAuthFixture(t)
	resp := registerTestUser(t, fx)

	token := fx.kv.tokenFor("auth:verify:")
	require.NotEmpty(t, token)

	require.NoError(t, fx.svc.VerifyEmail(context.Background(), token))

	user, err := fx.svc.Profile(context.Background(), resp.User.ID)
	require.NoError(t, err)
	assert.True(t, user.IsVerified)

	// The token is single use.
	err = fx.svc.VerifyEmail(context.Background(), token)
	assertAuthError(t, err)
}

func TestForgotPasswordIsGenericForUnknownEmail(t *testing.T) {
	fx := newAuthFixture(t)

	require.NoError(t, fx.svc.ForgotPassword(context.Background(), "nobody@example.com"))
	assert.Empty(t, fx.kv.tokenFor("auth:reset:"))
}

func TestResetPasswordRevokesSessions(t *testing.T) {
	fx := newAuthFixture(t)
	resp := registerTestUser(t, fx)

	require.NoError(t, fx.svc.ForgotPassword(context.Background(), "thandi@example.com"))
	token := fx.kv.tokenFor("auth:reset:")
	require.NotEmpty(t, token)

	require.NoError(t, fx.svc.ResetPassword(context.Background(), token, "brand new pass"))
	assert.Zero(t, fx.store.activeSessions(resp.User.ID))

	// Old password no longer works, the new one does.
	_, err := fx.svc.Login(context.Background(), &LoginRequest{
		Email:    "thandi@example.com",
		Password: "correct horse",
	}, "", "")
	assertAuthError(t, err)

	_, err = fx.svc.Login(context.Background(), &LoginRequest{
		Email:    "thandi@example.com",
		Password: "brand new pass",
	}, "", "")
	require.NoError(t, err)

	// The token is single use.
	err = fx.svc.ResetPassword(context.Background(), token, "yet another pass")
	assertAuthError(t, err)
}

func TestResetPasswordValidatesLength(t *testing.T) {
	fx := newAuthFixture(t)

	err := fx.svc.ResetPassword(context.Background(), "whatever", "short")
	require.Error(t, err)
	assert.Equal(t, common.CodeValidation, common.AsAppError(err).ErrorCode)
}
