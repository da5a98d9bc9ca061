// Package app wires core dependencies and exposes server lifecycle controls.
package app

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"time"

	"github.com/loomhub/identity-service/internal/audit"
	"github.com/loomhub/identity-service/internal/cache"
	"github.com/loomhub/identity-service/internal/config"
	"github.com/loomhub/identity-service/internal/consent"
	"github.com/loomhub/identity-service/internal/database"
	"github.com/loomhub/identity-service/internal/httpapi"
	"github.com/loomhub/identity-service/internal/httpapi/handlers"
	httpmiddleware "github.com/loomhub/identity-service/internal/httpapi/middleware"
	"github.com/loomhub/identity-service/internal/oauth2"
	"github.com/loomhub/identity-service/internal/password"
	googleprovider "github.com/loomhub/identity-service/internal/providers/google"
	"github.com/loomhub/identity-service/internal/revocation"
	"github.com/loomhub/identity-service/internal/services/auth"
	"github.com/loomhub/identity-service/internal/store"
	"github.com/loomhub/identity-service/internal/store/postgres"
	"github.com/loomhub/identity-service/internal/token"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const codeSweepInterval = 10 * time.Minute

// App owns the process-level resources.
type App struct {
	cfg        *config.Config
	logger     *zap.Logger
	db         *sql.DB
	redis      *redis.Client
	auditor    *audit.Logger
	codes      store.CodeStore
	httpServer *http.Server

	stopSweep   context.CancelFunc
	sweeperDone chan struct{}
}

// New constructs the application.
func New(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*App, error) {
	db, err := database.Open(ctx, cfg.Database)
	if err != nil {
		return nil, err
	}
	if cfg.Database.RunMigrations {
		if err := database.Migrate(ctx, db); err != nil {
			return nil, err
		}
	}

	redisClient, err := cache.New(cfg.Redis)
	if err != nil {
		return nil, err
	}

	tokenSvc, err := token.NewService(cfg.Token)
	if err != nil {
		return nil, err
	}

	googleProvider, err := googleprovider.New(cfg.Providers.Google)
	if err != nil {
		return nil, err
	}

	stores := postgres.New(db)
	hasher := password.NewHasher(cfg.Security)
	auditor := audit.New(stores.Audit, logger, cfg.Audit.BufferSize)
	denylist := revocation.New(redisClient, cfg.Redis.Namespace)

	engine := oauth2.New(oauth2.Dependencies{
		Clients:  stores.Clients,
		Scopes:   stores.Scopes,
		Codes:    stores.Codes,
		Tokens:   stores.Tokens,
		Users:    stores.Users,
		Consents: consent.NewLedger(stores.Consents, auditor),
		Signer:   tokenSvc,
		Hasher:   hasher,
		Denylist: denylist,
		Auditor:  auditor,
		Logger:   logger,
		Config:   cfg.OAuth2,
	})

	authService := auth.New(auth.Dependencies{
		Users:    stores.Users,
		Sessions: stores.Sessions,
		TokenSvc: tokenSvc,
		Hasher:   hasher,
		Config:   cfg,
		Auditor:  auditor,
		Logger:   logger,
		Google:   googleProvider,
	})

	authHandler := handlers.NewAuthHandler(authService, logger)
	oauthHandler := handlers.NewOAuthHandler(engine, tokenSvc, stores.Users, cfg.Token.Issuer, logger)
	adminHandler := handlers.NewAdminHandler(stores.Clients, stores.Scopes, hasher, tokenSvc, auditor, logger)
	authMiddleware := httpmiddleware.NewAuth(authService, tokenSvc, denylist, logger)
	rateLimiter := httpmiddleware.NewRateLimiter(redisClient, cfg.Redis.Namespace, logger)

	router := httpapi.NewRouter(httpapi.RouterDeps{
		HealthHandler: handlers.Health,
		OAuthHandlers: httpapi.OAuthHandlers{
			Discovery:     oauthHandler.Discovery,
			JWKS:          oauthHandler.JWKS,
			Authorize:     oauthHandler.Authorize,
			GrantConsent:  oauthHandler.GrantConsent,
			RevokeConsent: oauthHandler.RevokeConsent,
			Token:         oauthHandler.Token,
			Revoke:        oauthHandler.Revoke,
			Introspect:    oauthHandler.Introspect,
			UserInfo:      oauthHandler.UserInfo,
		},
		AuthHandlers: httpapi.AuthHandlers{
			Register:       authHandler.Register,
			Login:          authHandler.Login,
			Refresh:        authHandler.Refresh,
			Logout:         authHandler.Logout,
			ChangePassword: authHandler.ChangePassword,
			Me:             authHandler.Me,
			GoogleStart:    authHandler.GoogleStart,
			GoogleCallback: authHandler.GoogleCallback,
		},
		AdminHandlers: httpapi.AdminHandlers{
			CreateClient:     adminHandler.CreateClient,
			ListClients:      adminHandler.ListClients,
			DeactivateClient: adminHandler.DeactivateClient,
			CreateScope:      adminHandler.CreateScope,
			ListScopes:       adminHandler.ListScopes,
			DeactivateScope:  adminHandler.DeactivateScope,
			MintAppToken:     adminHandler.MintAppToken,
			Audit:            adminHandler.Audit,
		},
		RequireSession:    authMiddleware.RequireSession,
		RequireOAuth2User: authMiddleware.RequireOAuth2User,
		RateLimitLogin:    rateLimiter.Limit("login", 60, time.Minute, httpmiddleware.RemoteAddrKey),
		RateLimitToken:    rateLimiter.Limit("token", 120, time.Minute, httpmiddleware.RemoteAddrKey),
	})

	server := &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.HTTP.Host, cfg.HTTP.Port),
		Handler:           router,
		ReadTimeout:       cfg.HTTP.ReadTimeout,
		ReadHeaderTimeout: cfg.HTTP.ReadHeaderTimeout,
		WriteTimeout:      cfg.HTTP.WriteTimeout,
		IdleTimeout:       cfg.HTTP.IdleTimeout,
	}

	return &App{
		cfg:        cfg,
		logger:     logger,
		db:         db,
		redis:      redisClient,
		auditor:    auditor,
		codes:      stores.Codes,
		httpServer: server,
	}, nil
}

// Run starts the HTTP server and the expired-code sweeper.
func (a *App) Run() error {
	sweepCtx, cancel := context.WithCancel(context.Background())
	a.stopSweep = cancel
	a.sweeperDone = make(chan struct{})
	go a.sweepExpiredCodes(sweepCtx)

	a.logger.Info("starting HTTP server", zap.String("addr", a.httpServer.Addr))
	return a.httpServer.ListenAndServe()
}

// sweepExpiredCodes periodically garbage-collects authorization codes past
// their expiry. Codes are single-use and short-lived, so the table only grows
// with abandoned flows.
func (a *App) sweepExpiredCodes(ctx context.Context) {
	defer close(a.sweeperDone)
	ticker := time.NewTicker(codeSweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			deleted, err := a.codes.DeleteExpired(ctx, time.Now().UTC())
			if err != nil {
				a.logger.Warn("expired code sweep failed", zap.Error(err))
				continue
			}
			if deleted > 0 {
				a.logger.Debug("swept expired authorization codes", zap.Int64("deleted", deleted))
			}
		}
	}
}

// Shutdown gracefully stops the HTTP server and closes resources. The audit
// queue is drained before the database handle goes away.
func (a *App) Shutdown(ctx context.Context) error {
	shutdownErr := a.httpServer.Shutdown(ctx)

	if a.stopSweep != nil {
		a.stopSweep()
		select {
		case <-a.sweeperDone:
		case <-ctx.Done():
		}
	}

	a.auditor.Close()
	if dropped := a.auditor.Dropped(); dropped > 0 {
		a.logger.Warn("audit entries were dropped under back-pressure", zap.Uint64("dropped", dropped))
	}
	if err := a.db.Close(); err != nil {
		a.logger.Warn("failed to close database", zap.Error(err))
		if shutdownErr == nil {
			shutdownErr = err
		}
	}
	if err := a.redis.Close(); err != nil {
		a.logger.Warn("failed to close redis client", zap.Error(err))
		if shutdownErr == nil {
			shutdownErr = err
		}
	}
	return shutdownErr
}
