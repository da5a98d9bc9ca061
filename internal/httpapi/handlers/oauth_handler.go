package handlers

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"math/big"
	"net/http"
	"net/url"
	"strings"

	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	authmiddleware "github.com/loomhub/identity-service/internal/httpapi/middleware"
	"github.com/loomhub/identity-service/internal/oauth2"
	"github.com/loomhub/identity-service/internal/store"
	"github.com/loomhub/identity-service/internal/token"
	"go.uber.org/zap"
)

// OAuth2Engine describes the authorization server operations used by the
// HTTP layer.
type OAuth2Engine interface {
	Authorize(ctx context.Context, req oauth2.AuthorizeRequest) (*oauth2.AuthorizeResult, error)
	GrantConsent(ctx context.Context, userID uuid.UUID, clientID string, scopes []string) error
	RevokeConsent(ctx context.Context, userID uuid.UUID, clientID string) error
	ExchangeCode(ctx context.Context, req oauth2.ExchangeRequest) (*oauth2.TokenResult, error)
	ClientCredentials(ctx context.Context, req oauth2.ClientCredentialsRequest) (*oauth2.TokenResult, error)
	Refresh(ctx context.Context, req oauth2.RefreshRequest) (*oauth2.TokenResult, error)
	RevokeToken(ctx context.Context, clientID, clientSecret, tokenPlaintext string) error
	Introspect(ctx context.Context, clientID, clientSecret, tokenPlaintext string) (*oauth2.IntrospectionResult, error)
}

// OAuthHandler exposes the OAuth2/OIDC endpoints.
type OAuthHandler struct {
	engine   OAuth2Engine
	tokenSvc *token.Service
	users    store.UserStore
	issuer   string
	logger   *zap.Logger
}

// NewOAuthHandler constructs a handler.
func NewOAuthHandler(engine OAuth2Engine, tokenSvc *token.Service, users store.UserStore, issuer string, logger *zap.Logger) *OAuthHandler {
	return &OAuthHandler{
		engine:   engine,
		tokenSvc: tokenSvc,
		users:    users,
		issuer:   strings.TrimSuffix(issuer, "/"),
		logger:   logger,
	}
}

// Authorize handles GET /oauth/authorize for an authenticated user. On
// success the browser is redirected back with the code; a pending consent
// requirement is reported as a JSON body instead of a redirect.
func (h *OAuthHandler) Authorize(w http.ResponseWriter, r *http.Request) {
	userID, ok := sessionUserID(w, r)
	if !ok {
		return
	}

	q := r.URL.Query()
	req := oauth2.AuthorizeRequest{
		ResponseType:        q.Get("response_type"),
		ClientID:            q.Get("client_id"),
		RedirectURI:         q.Get("redirect_uri"),
		Scopes:              splitScopes(q.Get("scope")),
		CodeChallenge:       q.Get("code_challenge"),
		CodeChallengeMethod: q.Get("code_challenge_method"),
		UserID:              userID,
	}

	result, err := h.engine.Authorize(r.Context(), req)
	if err != nil {
		h.writeOAuthError(w, r, err)
		return
	}
	if result.ConsentRequired {
		writeJSON(w, http.StatusOK, map[string]any{
			"consent_required": true,
			"client_id":        req.ClientID,
			"scopes":           result.Scopes,
		})
		return
	}

	redirect, err := url.Parse(req.RedirectURI)
	if err != nil {
		h.writeOAuthError(w, r, oauth2.ErrInvalidRequest("redirect_uri is malformed"))
		return
	}
	params := redirect.Query()
	params.Set("code", result.Code)
	if state := q.Get("state"); state != "" {
		params.Set("state", state)
	}
	redirect.RawQuery = params.Encode()
	http.Redirect(w, r, redirect.String(), http.StatusFound)
}

type consentRequest struct {
	ClientID string   `json:"client_id"`
	Scopes   []string `json:"scopes"`
}

// GrantConsent handles POST /oauth/consent.
func (h *OAuthHandler) GrantConsent(w http.ResponseWriter, r *http.Request) {
	userID, ok := sessionUserID(w, r)
	if !ok {
		return
	}
	var req consentRequest
	if err := decodeJSON(r, &req); err != nil {
		h.writeOAuthError(w, r, oauth2.ErrInvalidRequest("invalid JSON payload"))
		return
	}
	if err := h.engine.GrantConsent(r.Context(), userID, req.ClientID, req.Scopes); err != nil {
		h.writeOAuthError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "granted"})
}

// RevokeConsent handles DELETE /oauth/consent. Every token issued under the
// consent dies with it.
func (h *OAuthHandler) RevokeConsent(w http.ResponseWriter, r *http.Request) {
	userID, ok := sessionUserID(w, r)
	if !ok {
		return
	}
	clientID := r.URL.Query().Get("client_id")
	if err := h.engine.RevokeConsent(r.Context(), userID, clientID); err != nil {
		h.writeOAuthError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "revoked"})
}

// Token handles POST /oauth/token for all three grant types. Client
// credentials are accepted via HTTP basic auth or form fields.
func (h *OAuthHandler) Token(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		h.writeOAuthError(w, r, oauth2.ErrInvalidRequest("malformed form body"))
		return
	}
	clientID, clientSecret := clientCredentials(r)

	var (
		result *oauth2.TokenResult
		err    error
	)
	switch r.PostForm.Get("grant_type") {
	case "authorization_code":
		result, err = h.engine.ExchangeCode(r.Context(), oauth2.ExchangeRequest{
			ClientID:     clientID,
			ClientSecret: clientSecret,
			Code:         r.PostForm.Get("code"),
			RedirectURI:  r.PostForm.Get("redirect_uri"),
			CodeVerifier: r.PostForm.Get("code_verifier"),
		})
	case "refresh_token":
		result, err = h.engine.Refresh(r.Context(), oauth2.RefreshRequest{
			ClientID:     clientID,
			ClientSecret: clientSecret,
			RefreshToken: r.PostForm.Get("refresh_token"),
		})
	case "client_credentials":
		result, err = h.engine.ClientCredentials(r.Context(), oauth2.ClientCredentialsRequest{
			ClientID:     clientID,
			ClientSecret: clientSecret,
			Scopes:       splitScopes(r.PostForm.Get("scope")),
		})
	default:
		err = oauth2.ErrUnsupportedGrantType("")
	}
	if err != nil {
		h.writeOAuthError(w, r, err)
		return
	}

	response := map[string]any{
		"access_token": result.AccessToken,
		"token_type":   result.TokenType,
		"expires_in":   result.ExpiresIn,
	}
	if result.RefreshToken != "" {
		response["refresh_token"] = result.RefreshToken
	}
	if len(result.Scopes) > 0 {
		response["scope"] = strings.Join(result.Scopes, " ")
	}
	w.Header().Set("Cache-Control", "no-store")
	writeJSON(w, http.StatusOK, response)
}

// Revoke handles POST /oauth/revoke. Per RFC 7009 an unknown or already
// revoked token still yields 200; only failed client authentication does not.
func (h *OAuthHandler) Revoke(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		h.writeOAuthError(w, r, oauth2.ErrInvalidRequest("malformed form body"))
		return
	}
	clientID, clientSecret := clientCredentials(r)

	if err := h.engine.RevokeToken(r.Context(), clientID, clientSecret, r.PostForm.Get("token")); err != nil {
		h.writeOAuthError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// Introspect handles POST /oauth/introspect per RFC 7662. Clients can only
// introspect their own tokens; everything else reads as inactive.
func (h *OAuthHandler) Introspect(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		h.writeOAuthError(w, r, oauth2.ErrInvalidRequest("malformed form body"))
		return
	}
	clientID, clientSecret := clientCredentials(r)

	result, err := h.engine.Introspect(r.Context(), clientID, clientSecret, r.PostForm.Get("token"))
	if err != nil {
		h.writeOAuthError(w, r, err)
		return
	}
	if !result.Active {
		writeJSON(w, http.StatusOK, map[string]any{"active": false})
		return
	}

	response := map[string]any{
		"active":     true,
		"client_id":  result.ClientID,
		"token_type": "Bearer",
		"token_use":  result.TokenUse,
	}
	if !result.ExpiresAt.IsZero() {
		response["exp"] = result.ExpiresAt.Unix()
	}
	if len(result.Scopes) > 0 {
		response["scope"] = strings.Join(result.Scopes, " ")
	}
	if result.UserID != nil {
		response["sub"] = result.UserID.String()
	}
	writeJSON(w, http.StatusOK, response)
}

// UserInfo handles GET /oauth/userinfo with an OAuth2 user access token.
func (h *OAuthHandler) UserInfo(w http.ResponseWriter, r *http.Request) {
	claims, ok := authmiddleware.ClaimsFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized", "missing auth context", nil)
		return
	}
	userID, err := uuid.Parse(claims.Subject)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "unauthorized", "invalid subject in token", nil)
		return
	}

	user, err := h.users.GetByID(r.Context(), userID)
	if err != nil {
		h.logger.Error("failed to load user for userinfo", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "server_error", "failed to load user", nil)
		return
	}

	response := map[string]any{"sub": user.ID.String()}
	for _, scope := range claims.Scope {
		switch scope {
		case "email":
			response["email"] = user.Email
		case "profile":
			response["profile"] = user.Profile
		}
	}
	writeJSON(w, http.StatusOK, response)
}

// Discovery serves the OIDC provider metadata.
func (h *OAuthHandler) Discovery(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"issuer":                                h.issuer,
		"authorization_endpoint":                h.issuer + "/oauth/authorize",
		"token_endpoint":                        h.issuer + "/oauth/token",
		"revocation_endpoint":                   h.issuer + "/oauth/revoke",
		"introspection_endpoint":                h.issuer + "/oauth/introspect",
		"userinfo_endpoint":                     h.issuer + "/oauth/userinfo",
		"jwks_uri":                              h.issuer + "/.well-known/jwks.json",
		"response_types_supported":              []string{"code"},
		"grant_types_supported":                 []string{"authorization_code", "refresh_token", "client_credentials"},
		"code_challenge_methods_supported":      []string{"S256"},
		"token_endpoint_auth_methods_supported": []string{"client_secret_basic", "client_secret_post"},
		"id_token_signing_alg_values_supported": []string{"RS256"},
	})
}

// JWKS serves the RS256 verification key set.
func (h *OAuthHandler) JWKS(w http.ResponseWriter, r *http.Request) {
	pub := h.tokenSvc.PublicKey()
	n := base64.RawURLEncoding.EncodeToString(pub.N.Bytes())
	e := base64.RawURLEncoding.EncodeToString(big.NewInt(int64(pub.E)).Bytes())
	kid := keyID(pub.N.Bytes())

	writeJSON(w, http.StatusOK, map[string]any{
		"keys": []map[string]any{{
			"kty": "RSA",
			"use": "sig",
			"alg": "RS256",
			"kid": kid,
			"n":   n,
			"e":   e,
		}},
	})
}

func (h *OAuthHandler) writeOAuthError(w http.ResponseWriter, r *http.Request, err error) {
	oe := oauth2.AsError(err)
	if oe.Code == oauth2.CodeServerError {
		h.logger.Error("oauth endpoint failure",
			zap.String("request_id", chimiddleware.GetReqID(r.Context())),
			zap.Error(err))
	}
	if oe.Code == oauth2.CodeInvalidClient {
		w.Header().Set("WWW-Authenticate", `Basic realm="oauth2"`)
	}
	w.Header().Set("Cache-Control", "no-store")
	body := map[string]any{"error": oe.Code}
	if oe.Description != "" {
		body["error_description"] = oe.Description
	}
	writeJSON(w, oe.Status, body)
}

// clientCredentials extracts client authentication from basic auth, falling
// back to form fields.
func clientCredentials(r *http.Request) (string, string) {
	if id, secret, ok := r.BasicAuth(); ok {
		return id, secret
	}
	return r.PostForm.Get("client_id"), r.PostForm.Get("client_secret")
}

func sessionUserID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	claims, ok := authmiddleware.ClaimsFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized", "missing auth context", nil)
		return uuid.Nil, false
	}
	userID, err := uuid.Parse(claims.Subject)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "unauthorized", "invalid user id in token", nil)
		return uuid.Nil, false
	}
	return userID, true
}

func splitScopes(scope string) []string {
	fields := strings.Fields(scope)
	if len(fields) == 0 {
		return nil
	}
	return fields
}

func keyID(modulus []byte) string {
	sum := sha256.Sum256(modulus)
	return base64.RawURLEncoding.EncodeToString(sum[:8])
}
