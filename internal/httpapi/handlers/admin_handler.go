package handlers

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/loomhub/identity-service/internal/audit"
	"github.com/loomhub/identity-service/internal/password"
	"github.com/loomhub/identity-service/internal/store"
	"github.com/loomhub/identity-service/internal/token"
	"go.uber.org/zap"
)

// AdminHandler exposes provisioning endpoints for clients, scopes, service
// app tokens, and the audit trail.
type AdminHandler struct {
	clients  store.ClientStore
	scopes   store.ScopeStore
	hasher   *password.Hasher
	tokenSvc *token.Service
	auditor  *audit.Logger
	logger   *zap.Logger
}

// NewAdminHandler constructs a handler.
func NewAdminHandler(clients store.ClientStore, scopes store.ScopeStore, hasher *password.Hasher, tokenSvc *token.Service, auditor *audit.Logger, logger *zap.Logger) *AdminHandler {
	return &AdminHandler{
		clients:  clients,
		scopes:   scopes,
		hasher:   hasher,
		tokenSvc: tokenSvc,
		auditor:  auditor,
		logger:   logger,
	}
}

type createClientRequest struct {
	Name         string   `json:"name"`
	RedirectURIs []string `json:"redirect_uris"`
	IsInternal   bool     `json:"is_internal"`
	Public       bool     `json:"public"`
}

// CreateClient provisions an OAuth2 client. The plaintext secret is returned
// exactly once; only its hash is stored.
func (h *AdminHandler) CreateClient(w http.ResponseWriter, r *http.Request) {
	var req createClientRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid JSON payload", nil)
		return
	}
	if req.Name == "" || len(req.RedirectURIs) == 0 {
		writeError(w, http.StatusBadRequest, "invalid_request", "name and redirect_uris are required", nil)
		return
	}

	clientID, _, err := token.GenerateOpaqueToken()
	if err != nil {
		h.serverError(w, r, "generate client id", err)
		return
	}
	client := &store.Client{
		ClientID:     "cl_" + clientID[:24],
		Name:         req.Name,
		RedirectURIs: req.RedirectURIs,
		IsInternal:   req.IsInternal,
		IsActive:     true,
	}

	var secret string
	if !req.Public {
		secret, _, err = token.GenerateOpaqueToken()
		if err != nil {
			h.serverError(w, r, "generate client secret", err)
			return
		}
		client.SecretHash, err = h.hasher.Hash(secret)
		if err != nil {
			h.serverError(w, r, "hash client secret", err)
			return
		}
	}

	if err := h.clients.Create(r.Context(), client); err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			writeError(w, http.StatusConflict, "duplicate", "client already exists", nil)
			return
		}
		h.serverError(w, r, "create client", err)
		return
	}

	h.auditor.Record(r.Context(), audit.Entry{
		Action:     "admin.client.created",
		Resource:   "oauth_client",
		ResourceID: client.ClientID,
		IPAddress:  clientIP(r),
		UserAgent:  userAgent(r),
		Context:    map[string]any{"name": client.Name, "internal": client.IsInternal},
	})

	response := clientView(client)
	if secret != "" {
		response["client_secret"] = secret
	}
	writeJSON(w, http.StatusCreated, response)
}

// ListClients returns all registered clients.
func (h *AdminHandler) ListClients(w http.ResponseWriter, r *http.Request) {
	clients, err := h.clients.List(r.Context())
	if err != nil {
		h.serverError(w, r, "list clients", err)
		return
	}
	views := make([]map[string]any, 0, len(clients))
	for _, c := range clients {
		views = append(views, clientView(c))
	}
	writeJSON(w, http.StatusOK, map[string]any{"clients": views})
}

// DeactivateClient soft-disables a client.
func (h *AdminHandler) DeactivateClient(w http.ResponseWriter, r *http.Request) {
	clientID := chi.URLParam(r, "client_id")
	if err := h.clients.Deactivate(r.Context(), clientID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "not_found", "client not found", nil)
			return
		}
		h.serverError(w, r, "deactivate client", err)
		return
	}
	h.auditor.Record(r.Context(), audit.Entry{
		Action:     "admin.client.deactivated",
		Resource:   "oauth_client",
		ResourceID: clientID,
		IPAddress:  clientIP(r),
	})
	writeJSON(w, http.StatusOK, map[string]string{"status": "deactivated"})
}

type createScopeRequest struct {
	Code        string `json:"code"`
	Description string `json:"description"`
}

// CreateScope registers a scope.
func (h *AdminHandler) CreateScope(w http.ResponseWriter, r *http.Request) {
	var req createScopeRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid JSON payload", nil)
		return
	}
	if req.Code == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "code is required", nil)
		return
	}

	scope := &store.Scope{Code: req.Code, Description: req.Description, IsActive: true}
	if err := h.scopes.Create(r.Context(), scope); err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			writeError(w, http.StatusConflict, "duplicate", "scope already exists", nil)
			return
		}
		h.serverError(w, r, "create scope", err)
		return
	}
	writeJSON(w, http.StatusCreated, scopeView(scope))
}

// ListScopes returns all registered scopes.
func (h *AdminHandler) ListScopes(w http.ResponseWriter, r *http.Request) {
	scopes, err := h.scopes.List(r.Context())
	if err != nil {
		h.serverError(w, r, "list scopes", err)
		return
	}
	views := make([]map[string]any, 0, len(scopes))
	for _, s := range scopes {
		views = append(views, scopeView(s))
	}
	writeJSON(w, http.StatusOK, map[string]any{"scopes": views})
}

// DeactivateScope soft-disables a scope; future authorization requests that
// name it fail with invalid_scope.
func (h *AdminHandler) DeactivateScope(w http.ResponseWriter, r *http.Request) {
	code := chi.URLParam(r, "code")
	if err := h.scopes.Deactivate(r.Context(), code); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "not_found", "scope not found", nil)
			return
		}
		h.serverError(w, r, "deactivate scope", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deactivated"})
}

type appTokenRequest struct {
	AppID string `json:"app_id"`
}

// MintAppToken issues a service-to-service JWT for an internal application.
func (h *AdminHandler) MintAppToken(w http.ResponseWriter, r *http.Request) {
	var req appTokenRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid JSON payload", nil)
		return
	}
	if req.AppID == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "app_id is required", nil)
		return
	}

	appToken, exp, err := h.tokenSvc.MintAppToken(req.AppID)
	if err != nil {
		h.serverError(w, r, "mint app token", err)
		return
	}

	h.auditor.Record(r.Context(), audit.Entry{
		Action:     "admin.app_token.minted",
		Resource:   "app_token",
		ResourceID: req.AppID,
		IPAddress:  clientIP(r),
	})

	writeJSON(w, http.StatusOK, map[string]any{
		"access_token": appToken,
		"token_type":   "Bearer",
		"expires_in":   int(time.Until(exp).Seconds()),
	})
}

// Audit returns the most recent audit records.
func (h *AdminHandler) Audit(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 || parsed > 500 {
			writeError(w, http.StatusBadRequest, "invalid_request", "limit must be between 1 and 500", nil)
			return
		}
		limit = parsed
	}

	records, err := h.auditor.ListRecent(r.Context(), limit)
	if err != nil {
		h.serverError(w, r, "list audit records", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"records": records})
}

func (h *AdminHandler) serverError(w http.ResponseWriter, r *http.Request, op string, err error) {
	reqID := chimiddleware.GetReqID(r.Context())
	h.logger.Error("admin handler error", zap.String("op", op), zap.String("request_id", reqID), zap.Error(err))
	writeError(w, http.StatusInternalServerError, "server_error", "internal server error", map[string]any{"request_id": reqID})
}

func clientView(c *store.Client) map[string]any {
	return map[string]any{
		"id":            c.ID,
		"client_id":     c.ClientID,
		"name":          c.Name,
		"redirect_uris": c.RedirectURIs,
		"is_internal":   c.IsInternal,
		"is_active":     c.IsActive,
		"confidential":  c.SecretHash != "",
		"created_at":    c.CreatedAt,
	}
}

func scopeView(s *store.Scope) map[string]any {
	return map[string]any{
		"id":          s.ID,
		"code":        s.Code,
		"description": s.Description,
		"is_active":   s.IsActive,
		"created_at":  s.CreatedAt,
	}
}
