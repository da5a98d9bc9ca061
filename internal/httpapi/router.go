// Package httpapi wires the HTTP surface of the identity service.
package httpapi

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// RouterDeps defines router construction dependencies.
type RouterDeps struct {
	HealthHandler     http.HandlerFunc
	OAuthHandlers     OAuthHandlers
	AuthHandlers      AuthHandlers
	AdminHandlers     AdminHandlers
	RequireSession    func(http.Handler) http.Handler
	RequireOAuth2User func(http.Handler) http.Handler
	RateLimitLogin    func(http.Handler) http.Handler
	RateLimitToken    func(http.Handler) http.Handler
}

// OAuthHandlers groups the OAuth2/OIDC endpoints.
type OAuthHandlers struct {
	Discovery     http.HandlerFunc
	JWKS          http.HandlerFunc
	Authorize     http.HandlerFunc
	GrantConsent  http.HandlerFunc
	RevokeConsent http.HandlerFunc
	Token         http.HandlerFunc
	Revoke        http.HandlerFunc
	Introspect    http.HandlerFunc
	UserInfo      http.HandlerFunc
}

// AuthHandlers groups the first-party auth endpoints.
type AuthHandlers struct {
	Register       http.HandlerFunc
	Login          http.HandlerFunc
	Refresh        http.HandlerFunc
	Logout         http.HandlerFunc
	ChangePassword http.HandlerFunc
	Me             http.HandlerFunc
	GoogleStart    http.HandlerFunc
	GoogleCallback http.HandlerFunc
}

// AdminHandlers groups provisioning endpoints.
type AdminHandlers struct {
	CreateClient     http.HandlerFunc
	ListClients      http.HandlerFunc
	DeactivateClient http.HandlerFunc
	CreateScope      http.HandlerFunc
	ListScopes       http.HandlerFunc
	DeactivateScope  http.HandlerFunc
	MintAppToken     http.HandlerFunc
	Audit            http.HandlerFunc
}

// NewRouter wires HTTP routes.
func NewRouter(deps RouterDeps) http.Handler {
	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)
	r.Use(chimiddleware.Timeout(60 * time.Second))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-ID"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	if deps.HealthHandler != nil {
		r.Get("/healthz", deps.HealthHandler)
	}

	r.Get("/.well-known/openid-configuration", deps.OAuthHandlers.Discovery)
	r.Get("/.well-known/jwks.json", deps.OAuthHandlers.JWKS)

	r.Route("/oauth", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			if deps.RequireSession != nil {
				r.Use(deps.RequireSession)
			}
			r.Get("/authorize", deps.OAuthHandlers.Authorize)
			r.Post("/consent", deps.OAuthHandlers.GrantConsent)
			r.Delete("/consent", deps.OAuthHandlers.RevokeConsent)
		})
		if deps.RateLimitToken != nil {
			r.With(deps.RateLimitToken).Post("/token", deps.OAuthHandlers.Token)
		} else {
			r.Post("/token", deps.OAuthHandlers.Token)
		}
		r.Post("/revoke", deps.OAuthHandlers.Revoke)
		r.Post("/introspect", deps.OAuthHandlers.Introspect)
		if deps.RequireOAuth2User != nil {
			r.With(deps.RequireOAuth2User).Get("/userinfo", deps.OAuthHandlers.UserInfo)
		}
	})

	r.Route("/auth", func(r chi.Router) {
		r.Post("/register", deps.AuthHandlers.Register)
		if deps.RateLimitLogin != nil {
			r.With(deps.RateLimitLogin).Post("/login", deps.AuthHandlers.Login)
		} else {
			r.Post("/login", deps.AuthHandlers.Login)
		}
		r.Post("/refresh", deps.AuthHandlers.Refresh)
		r.Post("/oauth/google/start", deps.AuthHandlers.GoogleStart)
		r.Get("/oauth/google/callback", deps.AuthHandlers.GoogleCallback)

		r.Group(func(r chi.Router) {
			if deps.RequireSession != nil {
				r.Use(deps.RequireSession)
			}
			r.Get("/me", deps.AuthHandlers.Me)
			r.Post("/logout", deps.AuthHandlers.Logout)
			r.Post("/password", deps.AuthHandlers.ChangePassword)
		})
	})

	r.Route("/admin", func(r chi.Router) {
		if deps.RequireSession != nil {
			r.Use(deps.RequireSession)
		}
		r.Post("/clients", deps.AdminHandlers.CreateClient)
		r.Get("/clients", deps.AdminHandlers.ListClients)
		r.Delete("/clients/{client_id}", deps.AdminHandlers.DeactivateClient)
		r.Post("/scopes", deps.AdminHandlers.CreateScope)
		r.Get("/scopes", deps.AdminHandlers.ListScopes)
		r.Delete("/scopes/{code}", deps.AdminHandlers.DeactivateScope)
		r.Post("/app-tokens", deps.AdminHandlers.MintAppToken)
		r.Get("/audit", deps.AdminHandlers.Audit)
	})

	return r
}
