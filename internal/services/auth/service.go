// Package auth implements the first-party authentication flows: password
// registration and login, session refresh, logout, and Google federated
// login. These sessions power the authorization endpoint's notion of the
// currently logged-in user; the OAuth2 grants themselves live elsewhere.
package auth

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/loomhub/identity-service/internal/audit"
	"github.com/loomhub/identity-service/internal/config"
	"github.com/loomhub/identity-service/internal/oauth/state"
	"github.com/loomhub/identity-service/internal/password"
	googleprovider "github.com/loomhub/identity-service/internal/providers/google"
	"github.com/loomhub/identity-service/internal/store"
	"github.com/loomhub/identity-service/internal/token"
	"go.uber.org/zap"
)

var (
	// ErrInvalidCredentials returned when login or refresh fails.
	ErrInvalidCredentials = errors.New("invalid credentials")
	// ErrPasswordTooWeak returned when the password fails policy validation.
	ErrPasswordTooWeak = errors.New("password too weak")
	// ErrEmailAlreadyExists indicates duplicate registration.
	ErrEmailAlreadyExists = errors.New("user with email already exists")
	// ErrUserInactive indicates the account is suspended or deleted.
	ErrUserInactive = errors.New("user is not active")
	// ErrProviderNotEnabled indicates the requested login provider is disabled.
	ErrProviderNotEnabled = errors.New("login provider not enabled")
	// ErrOAuthStateInvalid indicates a malformed or expired state payload.
	ErrOAuthStateInvalid = errors.New("oauth state invalid")
)

const (
	oauthStateTTL      = 10 * time.Minute
	googleProviderName = "google"
)

// Service encapsulates the first-party authentication flows.
type Service struct {
	users    store.UserStore
	sessions store.SessionStore
	tokenSvc *token.Service
	hasher   *password.Hasher
	cfg      *config.Config
	auditor  *audit.Logger
	logger   *zap.Logger
	google   *googleprovider.Provider
}

// Dependencies aggregates constructor inputs.
type Dependencies struct {
	Users    store.UserStore
	Sessions store.SessionStore
	TokenSvc *token.Service
	Hasher   *password.Hasher
	Config   *config.Config
	Auditor  *audit.Logger
	Logger   *zap.Logger
	Google   *googleprovider.Provider
}

// New initialises the auth service.
func New(deps Dependencies) *Service {
	return &Service{
		users:    deps.Users,
		sessions: deps.Sessions,
		tokenSvc: deps.TokenSvc,
		hasher:   deps.Hasher,
		cfg:      deps.Config,
		auditor:  deps.Auditor,
		logger:   deps.Logger,
		google:   deps.Google,
	}
}

// RegisterInput captures the registration payload.
type RegisterInput struct {
	Email     string
	Password  string
	Profile   map[string]any
	IPAddress string
	UserAgent string
}

// LoginInput captures the login payload.
type LoginInput struct {
	Email     string
	Password  string
	IPAddress string
	UserAgent string
}

// RefreshInput carries the session refresh token.
type RefreshInput struct {
	RefreshToken string
	IPAddress    string
	UserAgent    string
}

// OAuthStartInput initiates a federated login.
type OAuthStartInput struct {
	ReturnTo  string
	IPAddress string
	UserAgent string
}

// OAuthCallbackInput is the provider callback payload.
type OAuthCallbackInput struct {
	Code      string
	State     string
	IPAddress string
	UserAgent string
}

// AuthResult is returned by every flow that establishes a session.
type AuthResult struct {
	User                  *store.User
	AccessToken           string
	AccessTokenExpiresAt  time.Time
	RefreshToken          string
	RefreshTokenExpiresAt time.Time
	SessionID             uuid.UUID
	ReturnTo              string
}

// Register creates a new user and returns session tokens.
func (s *Service) Register(ctx context.Context, in RegisterInput) (*AuthResult, error) {
	if err := s.validatePassword(in.Password); err != nil {
		return nil, err
	}
	hashed, err := s.hasher.Hash(in.Password)
	if err != nil {
		return nil, fmt.Errorf("hash password: %w", err)
	}

	user := &store.User{
		Email:        normalizeEmail(in.Email),
		PasswordHash: hashed,
		Status:       "active",
		Profile:      coalesceMap(in.Profile),
	}
	if err := s.users.Create(ctx, user); err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			return nil, ErrEmailAlreadyExists
		}
		return nil, fmt.Errorf("create user: %w", err)
	}

	s.auditor.Record(ctx, audit.Entry{
		UserID:     &user.ID,
		Action:     "auth.user.registered",
		Resource:   "user",
		ResourceID: user.ID.String(),
		IPAddress:  in.IPAddress,
		UserAgent:  in.UserAgent,
	})

	return s.issueSession(ctx, user, in.IPAddress, in.UserAgent)
}

// Login authenticates a user with email and password.
func (s *Service) Login(ctx context.Context, in LoginInput) (*AuthResult, error) {
	user, err := s.users.GetByEmail(ctx, normalizeEmail(in.Email))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			// Burn comparable time so absent accounts are not
			// distinguishable by response latency.
			_ = s.hasher.Compare(password.DummyHash, in.Password)
			return nil, ErrInvalidCredentials
		}
		return nil, fmt.Errorf("query user: %w", err)
	}

	if err := s.hasher.Compare(user.PasswordHash, in.Password); err != nil {
		s.auditor.Record(ctx, audit.Entry{
			UserID:     &user.ID,
			Action:     "auth.user.login_failed",
			Resource:   "session",
			ResourceID: user.ID.String(),
			IPAddress:  in.IPAddress,
			UserAgent:  in.UserAgent,
			Context:    map[string]any{"reason": "password_mismatch"},
		})
		return nil, ErrInvalidCredentials
	}
	if !user.IsActive() {
		return nil, ErrUserInactive
	}

	if err := s.users.SetLastLogin(ctx, user.ID, time.Now().UTC()); err != nil {
		s.logger.Warn("failed to update last login", zap.Error(err))
	}
	s.auditor.Record(ctx, audit.Entry{
		UserID:     &user.ID,
		Action:     "auth.user.login",
		Resource:   "session",
		ResourceID: user.ID.String(),
		IPAddress:  in.IPAddress,
		UserAgent:  in.UserAgent,
	})

	return s.issueSession(ctx, user, in.IPAddress, in.UserAgent)
}

// Refresh rotates a session refresh token and mints a new access token.
func (s *Service) Refresh(ctx context.Context, in RefreshInput) (*AuthResult, error) {
	if in.RefreshToken == "" {
		return nil, ErrInvalidCredentials
	}

	session, err := s.sessions.GetActiveByRefreshHash(ctx, token.HashToken(in.RefreshToken))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrInvalidCredentials
		}
		return nil, fmt.Errorf("query session: %w", err)
	}
	if session.ExpiresAt.Before(time.Now()) {
		return nil, ErrInvalidCredentials
	}

	user, err := s.users.GetByID(ctx, session.UserID)
	if err != nil {
		return nil, fmt.Errorf("load user for session: %w", err)
	}
	if !user.IsActive() {
		return nil, ErrUserInactive
	}

	refreshPlain, refreshHash, err := token.GenerateOpaqueToken()
	if err != nil {
		return nil, fmt.Errorf("generate refresh token: %w", err)
	}
	expiresAt := time.Now().Add(s.cfg.Token.RefreshTokenTTL)
	if err := s.sessions.RotateRefreshHash(ctx, session.ID, refreshHash, expiresAt); err != nil {
		return nil, fmt.Errorf("rotate session token: %w", err)
	}

	accessToken, exp, err := s.mintSessionToken(user, session.ID)
	if err != nil {
		return nil, err
	}

	return &AuthResult{
		User:                  user,
		AccessToken:           accessToken,
		AccessTokenExpiresAt:  exp,
		RefreshToken:          refreshPlain,
		RefreshTokenExpiresAt: expiresAt,
		SessionID:             session.ID,
	}, nil
}

// Logout revokes the session named by the access token's sid claim.
func (s *Service) Logout(ctx context.Context, sessionID uuid.UUID, userID uuid.UUID) error {
	if err := s.sessions.Revoke(ctx, sessionID); err != nil && !errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("revoke session: %w", err)
	}
	s.auditor.Record(ctx, audit.Entry{
		UserID:     &userID,
		Action:     "auth.user.logout",
		Resource:   "session",
		ResourceID: sessionID.String(),
	})
	return nil
}

// ChangePassword verifies the current password and replaces it. Federated
// accounts without a stored password cannot set one through this path.
func (s *Service) ChangePassword(ctx context.Context, userID uuid.UUID, current, next string) error {
	user, err := s.users.GetByID(ctx, userID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return ErrInvalidCredentials
		}
		return fmt.Errorf("load user: %w", err)
	}
	if user.PasswordHash == "" || s.hasher.Compare(user.PasswordHash, current) != nil {
		return ErrInvalidCredentials
	}
	if err := s.validatePassword(next); err != nil {
		return err
	}
	hashed, err := s.hasher.Hash(next)
	if err != nil {
		return fmt.Errorf("hash password: %w", err)
	}
	if err := s.users.SetPasswordHash(ctx, user.ID, hashed); err != nil {
		return fmt.Errorf("update password: %w", err)
	}
	s.auditor.Record(ctx, audit.Entry{
		UserID:     &user.ID,
		Action:     "auth.user.password_changed",
		Resource:   "user",
		ResourceID: user.ID.String(),
	})
	return nil
}

// GetUser returns the user by id.
func (s *Service) GetUser(ctx context.Context, id uuid.UUID) (*store.User, error) {
	return s.users.GetByID(ctx, id)
}

// ValidateAccessToken verifies a first-party session access token.
func (s *Service) ValidateAccessToken(tokenStr string) (*token.Claims, error) {
	return s.tokenSvc.Verify(tokenStr, token.KindUserAccess)
}

// StartGoogleLogin builds the Google authorization URL.
func (s *Service) StartGoogleLogin(ctx context.Context, in OAuthStartInput) (string, error) {
	if s.google == nil {
		return "", ErrProviderNotEnabled
	}

	payload := state.Payload{
		Provider: googleProviderName,
		ReturnTo: in.ReturnTo,
		Nonce:    randomNonce(),
	}
	stateToken, err := state.Encode(s.cfg.Security.OAuthStateSecret, payload, oauthStateTTL)
	if err != nil {
		return "", fmt.Errorf("encode oauth state: %w", err)
	}

	s.auditor.Record(ctx, audit.Entry{
		Action:     "auth.oauth.google.start",
		Resource:   "oauth_state",
		ResourceID: payload.Nonce,
		IPAddress:  in.IPAddress,
		UserAgent:  in.UserAgent,
	})

	return s.google.AuthCodeURL(stateToken), nil
}

// CompleteGoogleLogin finalises the Google callback and issues a session.
// Accounts are matched by email; a first-time Google login provisions a
// passwordless user record.
func (s *Service) CompleteGoogleLogin(ctx context.Context, in OAuthCallbackInput) (*AuthResult, error) {
	if s.google == nil {
		return nil, ErrProviderNotEnabled
	}
	if in.Code == "" || in.State == "" {
		return nil, ErrOAuthStateInvalid
	}

	payload, err := state.Decode(s.cfg.Security.OAuthStateSecret, in.State)
	if err != nil || payload.Provider != googleProviderName {
		return nil, ErrOAuthStateInvalid
	}

	tokenResp, err := s.google.Exchange(ctx, in.Code)
	if err != nil {
		return nil, err
	}
	profile, err := s.google.FetchProfile(ctx, tokenResp)
	if err != nil {
		return nil, err
	}

	user, err := s.resolveGoogleUser(ctx, profile)
	if err != nil {
		return nil, err
	}
	if !user.IsActive() {
		return nil, ErrUserInactive
	}

	result, err := s.issueSession(ctx, user, in.IPAddress, in.UserAgent)
	if err != nil {
		return nil, err
	}
	result.ReturnTo = payload.ReturnTo

	s.auditor.Record(ctx, audit.Entry{
		UserID:     &user.ID,
		Action:     "auth.oauth.google.success",
		Resource:   "user",
		ResourceID: user.ID.String(),
		IPAddress:  in.IPAddress,
		UserAgent:  in.UserAgent,
		Context:    map[string]any{"email": profile.Email},
	})

	return result, nil
}

func (s *Service) resolveGoogleUser(ctx context.Context, profile *googleprovider.Profile) (*store.User, error) {
	email := normalizeEmail(profile.Email)
	user, err := s.users.GetByEmail(ctx, email)
	if err == nil {
		return user, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("lookup user by email: %w", err)
	}

	user = &store.User{
		Email:  email,
		Status: "active",
		Profile: map[string]any{
			"name":           profile.Name,
			"picture":        profile.Picture,
			"google_subject": profile.Subject,
		},
	}
	if err := s.users.Create(ctx, user); err != nil {
		// Lost a race with a concurrent first login for the same account.
		if errors.Is(err, store.ErrDuplicate) {
			return s.users.GetByEmail(ctx, email)
		}
		return nil, fmt.Errorf("create user from google profile: %w", err)
	}
	return user, nil
}

func (s *Service) issueSession(ctx context.Context, user *store.User, ip, ua string) (*AuthResult, error) {
	refreshPlain, refreshHash, err := token.GenerateOpaqueToken()
	if err != nil {
		return nil, fmt.Errorf("generate refresh token: %w", err)
	}

	session := &store.Session{
		UserID:           user.ID,
		RefreshTokenHash: refreshHash,
		Status:           "active",
		IPAddress:        ip,
		UserAgent:        ua,
		ExpiresAt:        time.Now().Add(s.cfg.Token.RefreshTokenTTL),
	}
	if err := s.sessions.Create(ctx, session); err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}

	accessToken, exp, err := s.mintSessionToken(user, session.ID)
	if err != nil {
		return nil, err
	}

	return &AuthResult{
		User:                  user,
		AccessToken:           accessToken,
		AccessTokenExpiresAt:  exp,
		RefreshToken:          refreshPlain,
		RefreshTokenExpiresAt: session.ExpiresAt,
		SessionID:             session.ID,
	}, nil
}

func (s *Service) mintSessionToken(user *store.User, sessionID uuid.UUID) (string, time.Time, error) {
	accessToken, exp, err := s.tokenSvc.MintUserAccessToken(token.UserTokenInput{
		UserID:    user.ID,
		SessionID: sessionID,
		Email:     user.Email,
		Scopes:    s.cfg.Token.DefaultScopes,
	})
	if err != nil {
		return "", time.Time{}, fmt.Errorf("mint access token: %w", err)
	}
	return accessToken, exp, nil
}

func (s *Service) validatePassword(pw string) error {
	if len(pw) < s.cfg.Security.PasswordMinLength {
		return ErrPasswordTooWeak
	}
	return nil
}

func normalizeEmail(email string) string {
	return strings.TrimSpace(strings.ToLower(email))
}

func coalesceMap(input map[string]any) map[string]any {
	if input == nil {
		return map[string]any{}
	}
	return input
}

func randomNonce() string {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return uuid.New().String()
	}
	return base64.RawURLEncoding.EncodeToString(buf)
}
