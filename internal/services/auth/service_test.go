package auth

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/loomhub/identity-service/internal/audit"
	"github.com/loomhub/identity-service/internal/config"
	"github.com/loomhub/identity-service/internal/password"
	"github.com/loomhub/identity-service/internal/store"
	"github.com/loomhub/identity-service/internal/token"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type memUsers struct {
	mu   sync.Mutex
	rows map[uuid.UUID]*store.User
}

func newMemUsers() *memUsers { return &memUsers{rows: map[uuid.UUID]*store.User{}} }

func (m *memUsers) Create(_ context.Context, u *store.User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.rows {
		if existing.Email == u.Email {
			return store.ErrDuplicate
		}
	}
	if u.ID == uuid.Nil {
		u.ID = uuid.New()
	}
	m.rows[u.ID] = u
	return nil
}

func (m *memUsers) GetByID(_ context.Context, id uuid.UUID) (*store.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.rows[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *u
	return &cp, nil
}

func (m *memUsers) GetByEmail(_ context.Context, email string) (*store.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, u := range m.rows {
		if u.Email == email {
			cp := *u
			return &cp, nil
		}
	}
	return nil, store.ErrNotFound
}

func (m *memUsers) SetPasswordHash(_ context.Context, id uuid.UUID, hash string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.rows[id]
	if !ok {
		return store.ErrNotFound
	}
	u.PasswordHash = hash
	return nil
}

func (m *memUsers) SetLastLogin(_ context.Context, id uuid.UUID, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.rows[id]
	if !ok {
		return store.ErrNotFound
	}
	u.LastLoginAt = &at
	return nil
}

type memSessions struct {
	mu   sync.Mutex
	rows map[uuid.UUID]*store.Session
}

func newMemSessions() *memSessions { return &memSessions{rows: map[uuid.UUID]*store.Session{}} }

func (m *memSessions) Create(_ context.Context, s *store.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s.ID == uuid.Nil {
		s.ID = uuid.New()
	}
	m.rows[s.ID] = s
	return nil
}

func (m *memSessions) GetActiveByRefreshHash(_ context.Context, refreshHash string) (*store.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.rows {
		if s.RefreshTokenHash == refreshHash && s.Status == "active" {
			cp := *s
			return &cp, nil
		}
	}
	return nil, store.ErrNotFound
}

func (m *memSessions) RotateRefreshHash(_ context.Context, id uuid.UUID, newHash string, expiresAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.rows[id]
	if !ok {
		return store.ErrNotFound
	}
	s.RefreshTokenHash = newHash
	s.ExpiresAt = expiresAt
	return nil
}

func (m *memSessions) Revoke(_ context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.rows[id]
	if !ok {
		return store.ErrNotFound
	}
	s.Status = "revoked"
	return nil
}

type memAudit struct {
	mu   sync.Mutex
	rows []*store.AuditRecord
}

func (m *memAudit) Insert(_ context.Context, r *store.AuditRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rows = append(m.rows, r)
	return nil
}

func (m *memAudit) ListRecent(_ context.Context, limit int) ([]*store.AuditRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*store.AuditRecord, 0, limit)
	for i := len(m.rows) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, m.rows[i])
	}
	return out, nil
}

var testKey = func() *rsa.PrivateKey {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		panic(err)
	}
	return key
}()

func newTestService(t *testing.T) (*Service, *memUsers, *memSessions) {
	t.Helper()

	cfg := &config.Config{
		Token: config.TokenConfig{
			Issuer:          "https://id.test.local",
			Audience:        "test",
			AccessTokenTTL:  15 * time.Minute,
			RefreshTokenTTL: 720 * time.Hour,
			DefaultScopes:   []string{"profile", "email"},
		},
		Security: config.SecurityConfig{
			PasswordMinLength: 12,
			Argon2Time:        1,
			Argon2Memory:      8 * 1024,
			Argon2Threads:     1,
			Argon2KeyLength:   32,
		},
	}

	users := newMemUsers()
	sessions := newMemSessions()
	logger := zap.NewNop()
	auditor := audit.New(&memAudit{}, logger, 16)
	t.Cleanup(auditor.Close)

	svc := New(Dependencies{
		Users:    users,
		Sessions: sessions,
		TokenSvc: token.NewServiceWithKeys(cfg.Token, testKey, &testKey.PublicKey),
		Hasher:   password.NewHasher(cfg.Security),
		Config:   cfg,
		Auditor:  auditor,
		Logger:   logger,
	})
	return svc, users, sessions
}

func TestRegisterIssuesSession(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	result, err := svc.Register(ctx, RegisterInput{
		Email:    "Ada@Example.com",
		Password: "correct horse battery",
	})
	require.NoError(t, err)
	assert.Equal(t, "ada@example.com", result.User.Email, "email is normalized")
	assert.NotEmpty(t, result.AccessToken)
	assert.NotEmpty(t, result.RefreshToken)

	claims, err := svc.ValidateAccessToken(result.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, result.User.ID.String(), claims.Subject)
	assert.Equal(t, result.SessionID.String(), claims.SessionID)
}

func TestRegisterRejectsWeakPasswordAndDuplicates(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	_, err := svc.Register(ctx, RegisterInput{Email: "a@example.com", Password: "short"})
	assert.ErrorIs(t, err, ErrPasswordTooWeak)

	_, err = svc.Register(ctx, RegisterInput{Email: "a@example.com", Password: "long enough password"})
	require.NoError(t, err)

	_, err = svc.Register(ctx, RegisterInput{Email: "A@example.com", Password: "long enough password"})
	assert.ErrorIs(t, err, ErrEmailAlreadyExists)
}

func TestLoginVerifiesPassword(t *testing.T) {
	svc, users, _ := newTestService(t)
	ctx := context.Background()

	registered, err := svc.Register(ctx, RegisterInput{Email: "ada@example.com", Password: "correct horse battery"})
	require.NoError(t, err)

	result, err := svc.Login(ctx, LoginInput{Email: "ada@example.com", Password: "correct horse battery"})
	require.NoError(t, err)
	assert.Equal(t, registered.User.ID, result.User.ID)

	_, err = svc.Login(ctx, LoginInput{Email: "ada@example.com", Password: "wrong"})
	assert.ErrorIs(t, err, ErrInvalidCredentials)

	_, err = svc.Login(ctx, LoginInput{Email: "nobody@example.com", Password: "whatever"})
	assert.ErrorIs(t, err, ErrInvalidCredentials)

	user, err := users.GetByID(ctx, registered.User.ID)
	require.NoError(t, err)
	assert.NotNil(t, user.LastLoginAt)
}

func TestLoginRejectsInactiveUser(t *testing.T) {
	svc, users, _ := newTestService(t)
	ctx := context.Background()

	result, err := svc.Register(ctx, RegisterInput{Email: "ada@example.com", Password: "correct horse battery"})
	require.NoError(t, err)

	users.mu.Lock()
	users.rows[result.User.ID].Status = "suspended"
	users.mu.Unlock()

	_, err = svc.Login(ctx, LoginInput{Email: "ada@example.com", Password: "correct horse battery"})
	assert.ErrorIs(t, err, ErrUserInactive)
}

func TestRefreshRotatesSessionToken(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	first, err := svc.Register(ctx, RegisterInput{Email: "ada@example.com", Password: "correct horse battery"})
	require.NoError(t, err)

	second, err := svc.Refresh(ctx, RefreshInput{RefreshToken: first.RefreshToken})
	require.NoError(t, err)
	assert.Equal(t, first.SessionID, second.SessionID)
	assert.NotEqual(t, first.RefreshToken, second.RefreshToken)

	// The rotated-out refresh token is no longer accepted.
	_, err = svc.Refresh(ctx, RefreshInput{RefreshToken: first.RefreshToken})
	assert.ErrorIs(t, err, ErrInvalidCredentials)

	_, err = svc.Refresh(ctx, RefreshInput{RefreshToken: second.RefreshToken})
	require.NoError(t, err)
}

func TestChangePasswordRequiresCurrentPassword(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	result, err := svc.Register(ctx, RegisterInput{Email: "ada@example.com", Password: "correct horse battery"})
	require.NoError(t, err)

	err = svc.ChangePassword(ctx, result.User.ID, "wrong password!", "a brand new password")
	assert.ErrorIs(t, err, ErrInvalidCredentials)

	err = svc.ChangePassword(ctx, result.User.ID, "correct horse battery", "short")
	assert.ErrorIs(t, err, ErrPasswordTooWeak)

	require.NoError(t, svc.ChangePassword(ctx, result.User.ID, "correct horse battery", "a brand new password"))

	_, err = svc.Login(ctx, LoginInput{Email: "ada@example.com", Password: "correct horse battery"})
	assert.ErrorIs(t, err, ErrInvalidCredentials)
	_, err = svc.Login(ctx, LoginInput{Email: "ada@example.com", Password: "a brand new password"})
	require.NoError(t, err)
}

func TestLogoutRevokesSession(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	result, err := svc.Register(ctx, RegisterInput{Email: "ada@example.com", Password: "correct horse battery"})
	require.NoError(t, err)

	require.NoError(t, svc.Logout(ctx, result.SessionID, result.User.ID))

	_, err = svc.Refresh(ctx, RefreshInput{RefreshToken: result.RefreshToken})
	assert.ErrorIs(t, err, ErrInvalidCredentials)
}
