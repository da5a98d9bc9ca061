// Package oauth2 implements the authorization server engine: the
// authorization code + PKCE grant, the client credentials grant, refresh
// token rotation with replay detection, and token revocation.
package oauth2

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/loomhub/identity-service/internal/audit"
	"github.com/loomhub/identity-service/internal/config"
	"github.com/loomhub/identity-service/internal/consent"
	"github.com/loomhub/identity-service/internal/password"
	"github.com/loomhub/identity-service/internal/pkce"
	"github.com/loomhub/identity-service/internal/store"
	"github.com/loomhub/identity-service/internal/token"
	"go.uber.org/zap"
)

// Audit actions emitted by the engine.
const (
	ActionCodeIssued         = "oauth2.code.issued"
	ActionTokenIssued        = "oauth2.token.issued"
	ActionTokenRevoked       = "oauth2.token.revoked"
	ActionInvalidCredentials = "oauth2.client.invalid_credentials"
)

// Denylist rejects revoked access tokens before their natural expiry. The
// bearer middleware consults it; the engine feeds it. Failures are logged
// and ignored: the persisted revoked flag is the source of truth.
type Denylist interface {
	Deny(ctx context.Context, tokenHash string, until time.Time) error
}

// Dependencies aggregates constructor inputs.
type Dependencies struct {
	Clients  store.ClientStore
	Scopes   store.ScopeStore
	Codes    store.CodeStore
	Tokens   store.TokenStore
	Users    store.UserStore
	Consents *consent.Ledger
	Signer   *token.Service
	Hasher   *password.Hasher
	Denylist Denylist
	Auditor  *audit.Logger
	Logger   *zap.Logger
	Config   config.OAuth2Config
}

// Engine orchestrates the OAuth2 grants. It is stateless between requests;
// every single-consumption transition is delegated to the stores' atomic
// conditional updates.
type Engine struct {
	clients  store.ClientStore
	scopes   store.ScopeStore
	codes    store.CodeStore
	tokens   store.TokenStore
	users    store.UserStore
	consents *consent.Ledger
	signer   *token.Service
	hasher   *password.Hasher
	denylist Denylist
	auditor  *audit.Logger
	logger   *zap.Logger
	cfg      config.OAuth2Config
}

// New initialises the engine.
func New(deps Dependencies) *Engine {
	return &Engine{
		clients:  deps.Clients,
		scopes:   deps.Scopes,
		codes:    deps.Codes,
		tokens:   deps.Tokens,
		users:    deps.Users,
		consents: deps.Consents,
		signer:   deps.Signer,
		hasher:   deps.Hasher,
		denylist: deps.Denylist,
		auditor:  deps.Auditor,
		logger:   deps.Logger,
		cfg:      deps.Config,
	}
}

// AuthorizeRequest is a validated /oauth/authorize request on behalf of an
// authenticated user.
type AuthorizeRequest struct {
	ResponseType        string
	ClientID            string
	RedirectURI         string
	Scopes              []string
	CodeChallenge       string
	CodeChallengeMethod string
	UserID              uuid.UUID
}

// AuthorizeResult carries either the issued code or the consent requirement.
type AuthorizeResult struct {
	// Code is the plaintext authorization code; returned exactly once.
	Code string
	// ConsentRequired is set when the caller must collect explicit user
	// consent and call GrantConsent before retrying. No code is issued.
	ConsentRequired bool
	Scopes          []string
}

// Authorize validates an authorization request and issues a single-use code.
// The engine never auto-grants consent: external clients without a prior
// grant covering the requested scopes get ConsentRequired back.
func (e *Engine) Authorize(ctx context.Context, req AuthorizeRequest) (*AuthorizeResult, error) {
	if req.ResponseType != "code" {
		return nil, ErrInvalidRequest("response_type must be code")
	}

	client, err := e.lookupActiveClient(ctx, req.ClientID)
	if err != nil {
		return nil, err
	}
	if !client.HasRedirectURI(req.RedirectURI) {
		return nil, ErrInvalidRequest("redirect_uri is not registered for this client")
	}

	// External clients must prove possession of a PKCE verifier at
	// exchange; S256 is the only accepted method.
	if !client.IsInternal {
		if req.CodeChallenge == "" {
			return nil, ErrInvalidRequest("code_challenge is required")
		}
		if req.CodeChallengeMethod != pkce.MethodS256 {
			return nil, ErrInvalidRequest("code_challenge_method must be S256")
		}
		if !pkce.ValidChallengeFormat(req.CodeChallenge) {
			return nil, ErrInvalidRequest("code_challenge is malformed")
		}
	}

	if len(req.Scopes) == 0 {
		return nil, ErrInvalidScope("at least one scope is required")
	}
	if err := e.validateScopes(ctx, req.Scopes); err != nil {
		return nil, err
	}

	user, err := e.users.GetByID(ctx, req.UserID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrAccessDenied("")
		}
		return nil, e.serverError("load user", err)
	}
	if !user.IsActive() {
		return nil, ErrAccessDenied("")
	}

	required, err := e.consents.RequiresConsent(ctx, client, user.ID, req.Scopes)
	if err != nil {
		return nil, e.serverError("check consent", err)
	}
	if required {
		return &AuthorizeResult{ConsentRequired: true, Scopes: req.Scopes}, nil
	}

	plain, hashed, err := token.GenerateOpaqueToken()
	if err != nil {
		return nil, e.serverError("generate authorization code", err)
	}

	code := &store.AuthorizationCode{
		CodeHash:            hashed,
		ClientID:            client.ID,
		UserID:              user.ID,
		RedirectURI:         req.RedirectURI,
		Scopes:              req.Scopes,
		CodeChallenge:       req.CodeChallenge,
		CodeChallengeMethod: req.CodeChallengeMethod,
		ExpiresAt:           time.Now().UTC().Add(e.cfg.EffectiveAuthCodeTTL()),
	}
	if err := e.codes.Create(ctx, code); err != nil {
		return nil, e.serverError("persist authorization code", err)
	}

	e.auditor.Record(ctx, audit.Entry{
		UserID:     &user.ID,
		Action:     ActionCodeIssued,
		Resource:   "authorization_code",
		ResourceID: code.ID.String(),
		Context:    map[string]any{"client_id": client.ClientID, "scopes": req.Scopes},
	})

	return &AuthorizeResult{Code: plain, Scopes: req.Scopes}, nil
}

// GrantConsent records user consent for the client's requested scopes.
func (e *Engine) GrantConsent(ctx context.Context, userID uuid.UUID, clientID string, scopes []string) error {
	client, err := e.lookupActiveClient(ctx, clientID)
	if err != nil {
		return err
	}
	if err := e.validateScopes(ctx, scopes); err != nil {
		return err
	}
	if _, err := e.consents.Grant(ctx, userID, client.ID, scopes); err != nil {
		return e.serverError("grant consent", err)
	}
	return nil
}

// RevokeConsent removes the user's consent for a client and revokes every
// active token issued under it.
func (e *Engine) RevokeConsent(ctx context.Context, userID uuid.UUID, clientID string) error {
	client, err := e.lookupActiveClient(ctx, clientID)
	if err != nil {
		return err
	}
	if err := e.consents.Revoke(ctx, userID, client.ID); err != nil {
		return e.serverError("revoke consent", err)
	}
	if _, err := e.revokeAll(ctx, userID, client, false); err != nil {
		return err
	}
	return nil
}

// ExchangeRequest is a grant_type=authorization_code token request.
type ExchangeRequest struct {
	ClientID     string
	ClientSecret string
	Code         string
	RedirectURI  string
	CodeVerifier string
}

// TokenResult is the successful response of the token endpoint operations.
type TokenResult struct {
	AccessToken  string
	RefreshToken string
	TokenType    string
	ExpiresIn    int
	Scopes       []string
}

// ExchangeCode consumes an authorization code exactly once and issues an
// access/refresh token pair bound to (user, client, scopes).
func (e *Engine) ExchangeCode(ctx context.Context, req ExchangeRequest) (*TokenResult, error) {
	client, err := e.authenticateClient(ctx, req.ClientID, req.ClientSecret)
	if err != nil {
		return nil, err
	}

	code, err := e.codes.GetActiveByHash(ctx, token.HashToken(req.Code))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrInvalidGrant("")
		}
		return nil, e.serverError("load authorization code", err)
	}
	if code.ClientID != client.ID {
		return nil, ErrInvalidGrant("")
	}
	if code.RedirectURI != req.RedirectURI {
		return nil, ErrInvalidGrant("")
	}

	if code.CodeChallenge != "" {
		if !pkce.ValidVerifierFormat(req.CodeVerifier) {
			return nil, ErrInvalidGrant("")
		}
		if !pkce.Verify(req.CodeVerifier, code.CodeChallenge, code.CodeChallengeMethod) {
			return nil, ErrInvalidGrant("")
		}
	}

	// Single consumption: the store flips used=false to true in one
	// conditional update. Losing the race is a failed grant, full stop.
	consumed, err := e.codes.Consume(ctx, code.ID)
	if err != nil {
		return nil, e.serverError("consume authorization code", err)
	}
	if !consumed {
		return nil, ErrInvalidGrant("")
	}

	return e.issueUserTokens(ctx, client, code.UserID, code.Scopes)
}

// ClientCredentialsRequest is a grant_type=client_credentials token request.
type ClientCredentialsRequest struct {
	ClientID     string
	ClientSecret string
	Scopes       []string
}

// ClientCredentials authenticates a client by secret and issues an
// access-only token: no refresh token, no user subject, no consent check.
func (e *Engine) ClientCredentials(ctx context.Context, req ClientCredentialsRequest) (*TokenResult, error) {
	client, err := e.authenticateClient(ctx, req.ClientID, req.ClientSecret)
	if err != nil {
		return nil, err
	}
	if client.SecretHash == "" {
		// Public clients carry no secret to verify and cannot use this
		// grant.
		e.auditor.Record(ctx, audit.Entry{
			Action:     ActionInvalidCredentials,
			Resource:   "oauth_client",
			ResourceID: client.ClientID,
		})
		return nil, ErrInvalidClient("")
	}
	if len(req.Scopes) > 0 {
		if err := e.validateScopes(ctx, req.Scopes); err != nil {
			return nil, err
		}
	}

	accessToken, exp, err := e.signer.MintOAuth2ClientToken(client.ClientID, req.Scopes, e.cfg.AccessTokenTTL)
	if err != nil {
		return nil, e.serverError("mint access token", err)
	}

	row := &store.OAuthToken{
		ClientID:        client.ID,
		AccessTokenHash: token.HashToken(accessToken),
		Scopes:          req.Scopes,
		ExpiresAt:       exp,
	}
	if err := e.tokens.Create(ctx, row); err != nil {
		return nil, e.serverError("persist token", err)
	}

	e.auditor.Record(ctx, audit.Entry{
		Action:     ActionTokenIssued,
		Resource:   "oauth_token",
		ResourceID: row.ID.String(),
		Context:    map[string]any{"client_id": client.ClientID, "grant": "client_credentials"},
	})

	return &TokenResult{
		AccessToken: accessToken,
		TokenType:   "Bearer",
		ExpiresIn:   int(time.Until(exp).Seconds()),
		Scopes:      req.Scopes,
	}, nil
}

// RefreshRequest is a grant_type=refresh_token token request.
type RefreshRequest struct {
	ClientID     string
	ClientSecret string
	RefreshToken string
}

// Refresh rotates a refresh token: the presented token is revoked and a new
// access/refresh pair is issued under the same user and scopes. Presenting a
// token that is already revoked is treated as evidence of theft: every token
// for the (user, client) pair is revoked before the request is rejected.
func (e *Engine) Refresh(ctx context.Context, req RefreshRequest) (*TokenResult, error) {
	client, err := e.authenticateClient(ctx, req.ClientID, req.ClientSecret)
	if err != nil {
		return nil, err
	}

	if req.RefreshToken == "" {
		return nil, ErrInvalidGrant("")
	}
	row, err := e.tokens.GetByRefreshHash(ctx, token.HashToken(req.RefreshToken))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrInvalidGrant("")
		}
		return nil, e.serverError("load refresh token", err)
	}
	if row.ClientID != client.ID {
		return nil, ErrInvalidGrant("")
	}
	if row.UserID == nil {
		// Client-credentials rows never carry refresh hashes; a hit here
		// means corrupted state. Fail closed.
		return nil, ErrInvalidGrant("")
	}

	if row.Revoked {
		return nil, e.handleRefreshReuse(ctx, *row.UserID, client)
	}

	revoked, err := e.tokens.Revoke(ctx, row.ID)
	if err != nil {
		return nil, e.serverError("revoke rotated token", err)
	}
	if !revoked {
		// A concurrent refresh of the same token won the conditional
		// update. Indistinguishable from replay; same breach response.
		return nil, e.handleRefreshReuse(ctx, *row.UserID, client)
	}
	e.denyAccessToken(ctx, row)

	return e.issueUserTokens(ctx, client, *row.UserID, row.Scopes)
}

// RevokeToken implements RFC 7009: the token is looked up first as an access
// token, then as a refresh token, scoped to the authenticated client. An
// unknown or already-revoked token is not an error.
func (e *Engine) RevokeToken(ctx context.Context, clientID, clientSecret, tokenPlaintext string) error {
	client, err := e.authenticateClient(ctx, clientID, clientSecret)
	if err != nil {
		return err
	}
	if tokenPlaintext == "" {
		return nil
	}

	hash := token.HashToken(tokenPlaintext)
	row, err := e.tokens.GetByAccessHash(ctx, client.ID, hash)
	if err != nil && errors.Is(err, store.ErrNotFound) {
		row, err = e.tokens.GetByRefreshHash(ctx, hash)
		if err == nil && row.ClientID != client.ID {
			return nil
		}
	}
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		return e.serverError("lookup token", err)
	}

	revoked, err := e.tokens.Revoke(ctx, row.ID)
	if err != nil {
		return e.serverError("revoke token", err)
	}
	if revoked {
		e.denyAccessToken(ctx, row)
		e.auditor.Record(ctx, audit.Entry{
			UserID:     row.UserID,
			Action:     ActionTokenRevoked,
			Resource:   "oauth_token",
			ResourceID: row.ID.String(),
			Context:    map[string]any{"client_id": client.ClientID, "cascade": false},
		})
	}
	return nil
}

// RevokeAll revokes every active token for a (user, client) pair and returns
// the count revoked. Used by consent revocation and admin actions.
func (e *Engine) RevokeAll(ctx context.Context, userID uuid.UUID, clientID string) (int, error) {
	client, err := e.lookupActiveClient(ctx, clientID)
	if err != nil {
		return 0, err
	}
	return e.revokeAll(ctx, userID, client, false)
}

// IntrospectionResult carries the lookup outcome for a presented token. A
// zero value means the token is unknown, expired, revoked, or belongs to
// another client; callers must not distinguish those cases. ExpiresAt is
// zero for refresh tokens, which do not expire on their own.
type IntrospectionResult struct {
	Active    bool
	Scopes    []string
	ClientID  string
	UserID    *uuid.UUID
	TokenUse  string
	ExpiresAt time.Time
}

// Introspect implements RFC 7662 for the authenticated client's own tokens.
// The token is tried first as an access token, then as a refresh token.
func (e *Engine) Introspect(ctx context.Context, clientID, clientSecret, tokenPlaintext string) (*IntrospectionResult, error) {
	client, err := e.authenticateClient(ctx, clientID, clientSecret)
	if err != nil {
		return nil, err
	}
	if tokenPlaintext == "" {
		return &IntrospectionResult{}, nil
	}

	hash := token.HashToken(tokenPlaintext)
	tokenUse := "access_token"
	row, err := e.tokens.GetByAccessHash(ctx, client.ID, hash)
	if err != nil && errors.Is(err, store.ErrNotFound) {
		tokenUse = "refresh_token"
		row, err = e.tokens.GetByRefreshHash(ctx, hash)
		if err == nil && row.ClientID != client.ID {
			return &IntrospectionResult{}, nil
		}
	}
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return &IntrospectionResult{}, nil
		}
		return nil, e.serverError("lookup token", err)
	}
	if row.Revoked {
		return &IntrospectionResult{}, nil
	}
	expiresAt := row.ExpiresAt
	if tokenUse == "access_token" {
		if time.Now().After(row.ExpiresAt) {
			return &IntrospectionResult{}, nil
		}
	} else {
		// The stored expiry belongs to the paired access token. Refresh
		// validity is the revoked flag alone, matching the token
		// endpoint, so no expiry is reported for refresh tokens.
		expiresAt = time.Time{}
	}

	return &IntrospectionResult{
		Active:    true,
		Scopes:    row.Scopes,
		ClientID:  client.ClientID,
		UserID:    row.UserID,
		TokenUse:  tokenUse,
		ExpiresAt: expiresAt,
	}, nil
}

func (e *Engine) issueUserTokens(ctx context.Context, client *store.Client, userID uuid.UUID, scopes []string) (*TokenResult, error) {
	accessToken, exp, err := e.signer.MintOAuth2UserToken(userID, client.ClientID, scopes, e.cfg.AccessTokenTTL)
	if err != nil {
		return nil, e.serverError("mint access token", err)
	}
	refreshPlain, refreshHash, err := token.GenerateOpaqueToken()
	if err != nil {
		return nil, e.serverError("generate refresh token", err)
	}

	row := &store.OAuthToken{
		ClientID:         client.ID,
		UserID:           &userID,
		AccessTokenHash:  token.HashToken(accessToken),
		RefreshTokenHash: refreshHash,
		Scopes:           scopes,
		ExpiresAt:        exp,
	}
	if err := e.tokens.Create(ctx, row); err != nil {
		return nil, e.serverError("persist token", err)
	}

	e.auditor.Record(ctx, audit.Entry{
		UserID:     &userID,
		Action:     ActionTokenIssued,
		Resource:   "oauth_token",
		ResourceID: row.ID.String(),
		Context:    map[string]any{"client_id": client.ClientID, "grant": "authorization_code", "scopes": scopes},
	})

	return &TokenResult{
		AccessToken:  accessToken,
		RefreshToken: refreshPlain,
		TokenType:    "Bearer",
		ExpiresIn:    int(time.Until(exp).Seconds()),
		Scopes:       scopes,
	}, nil
}

// handleRefreshReuse is the breach response: revoke everything for the pair,
// audit with the cascade flag, and reject. A replayed rotated token and a
// legitimate second refresh losing a race are deliberately not distinguished.
func (e *Engine) handleRefreshReuse(ctx context.Context, userID uuid.UUID, client *store.Client) error {
	if _, err := e.revokeAll(ctx, userID, client, true); err != nil {
		// The breach response must be observable; a failed cascade is a
		// server error, not a quiet invalid_grant.
		return err
	}
	return ErrInvalidGrant("")
}

func (e *Engine) revokeAll(ctx context.Context, userID uuid.UUID, client *store.Client, cascade bool) (int, error) {
	rows, err := e.tokens.RevokeAllForUserClient(ctx, userID, client.ID)
	if err != nil {
		return 0, e.serverError("cascade revoke tokens", err)
	}
	for _, row := range rows {
		e.denyAccessToken(ctx, row)
	}
	if len(rows) > 0 || cascade {
		e.auditor.Record(ctx, audit.Entry{
			UserID:     &userID,
			Action:     ActionTokenRevoked,
			Resource:   "oauth_token",
			ResourceID: client.ClientID,
			Context:    map[string]any{"client_id": client.ClientID, "cascade": cascade, "count": len(rows)},
		})
	}
	return len(rows), nil
}

func (e *Engine) denyAccessToken(ctx context.Context, row *store.OAuthToken) {
	if e.denylist == nil || time.Now().After(row.ExpiresAt) {
		return
	}
	if err := e.denylist.Deny(ctx, row.AccessTokenHash, row.ExpiresAt); err != nil {
		e.logger.Warn("failed to denylist access token", zap.String("token_id", row.ID.String()), zap.Error(err))
	}
}

func (e *Engine) lookupActiveClient(ctx context.Context, clientID string) (*store.Client, error) {
	if clientID == "" {
		return nil, ErrInvalidRequest("client_id is required")
	}
	client, err := e.clients.GetByClientID(ctx, clientID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrInvalidRequest("unknown client")
		}
		return nil, e.serverError("load client", err)
	}
	if !client.IsActive {
		return nil, ErrInvalidRequest("client is not active")
	}
	return client, nil
}

// authenticateClient verifies the caller's client credentials. Confidential
// clients (those provisioned with a secret) must present it; public clients
// are identified by client_id alone and bound by PKCE instead.
func (e *Engine) authenticateClient(ctx context.Context, clientID, clientSecret string) (*store.Client, error) {
	client, err := e.lookupActiveClient(ctx, clientID)
	if err != nil {
		// Callers here are authenticating at the token endpoint, where
		// RFC 6749 §5.2 classifies an unknown or inactive client as a
		// failed authentication, not a malformed request.
		if errors.Is(err, ErrInvalidRequest("")) {
			return nil, ErrInvalidClient("")
		}
		return nil, err
	}
	if client.SecretHash != "" {
		if e.hasher.Compare(client.SecretHash, clientSecret) != nil {
			e.auditor.Record(ctx, audit.Entry{
				Action:     ActionInvalidCredentials,
				Resource:   "oauth_client",
				ResourceID: client.ClientID,
			})
			return nil, ErrInvalidClient("")
		}
	}
	return client, nil
}

func (e *Engine) validateScopes(ctx context.Context, codes []string) error {
	seen := make(map[string]struct{}, len(codes))
	for _, code := range codes {
		if code == "" {
			return ErrInvalidScope("empty scope")
		}
		if _, dup := seen[code]; dup {
			return ErrInvalidScope(fmt.Sprintf("duplicate scope %q", code))
		}
		seen[code] = struct{}{}
	}

	registered, err := e.scopes.GetByCodes(ctx, codes)
	if err != nil {
		return e.serverError("load scopes", err)
	}
	active := make(map[string]bool, len(registered))
	for _, s := range registered {
		active[s.Code] = s.IsActive
	}
	for _, code := range codes {
		if isActive, ok := active[code]; !ok || !isActive {
			return ErrInvalidScope(fmt.Sprintf("unknown or inactive scope %q", code))
		}
	}
	return nil
}

func (e *Engine) serverError(op string, err error) *Error {
	e.logger.Error("oauth2 engine failure", zap.String("op", op), zap.Error(err))
	return ErrServerError("")
}
