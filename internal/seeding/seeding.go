// Package seeding provisions baseline data for local development and first
// deploys: default scopes, an internal console client, and an admin user.
// Seeding is idempotent; existing rows are left untouched.
package seeding

import (
	"context"
	"errors"
	"fmt"

	"github.com/loomhub/identity-service/internal/password"
	"github.com/loomhub/identity-service/internal/store"
	"github.com/loomhub/identity-service/internal/store/postgres"
	"go.uber.org/zap"
)

const (
	// DefaultAdminEmail is the seeded admin account.
	DefaultAdminEmail = "admin@loomhub.local"
	// ConsoleClientID is the seeded internal client used by the first-party
	// console. Internal clients skip the consent screen.
	ConsoleClientID = "loomhub-console"
)

var defaultScopes = []store.Scope{
	{Code: "profile", Description: "Read basic profile information", IsActive: true},
	{Code: "email", Description: "Read the account email address", IsActive: true},
	{Code: "offline_access", Description: "Maintain access while the user is away", IsActive: true},
}

// Seeder provisions baseline records.
type Seeder struct {
	stores *postgres.Stores
	hasher *password.Hasher
	logger *zap.Logger
}

// New constructs a Seeder.
func New(stores *postgres.Stores, hasher *password.Hasher, logger *zap.Logger) *Seeder {
	return &Seeder{stores: stores, hasher: hasher, logger: logger}
}

// SeedDefaults creates the default scopes, the internal console client, and
// the admin user. Returns the console client secret when it was newly
// created; an empty string means the client already existed.
func (s *Seeder) SeedDefaults(ctx context.Context, adminPassword, consoleSecret string) (string, error) {
	for _, scope := range defaultScopes {
		sc := scope
		if err := s.stores.Scopes.Create(ctx, &sc); err != nil {
			if errors.Is(err, store.ErrDuplicate) {
				continue
			}
			return "", fmt.Errorf("seed scope %s: %w", scope.Code, err)
		}
		s.logger.Info("seeded scope", zap.String("code", scope.Code))
	}

	createdSecret, err := s.seedConsoleClient(ctx, consoleSecret)
	if err != nil {
		return "", err
	}
	if err := s.seedAdminUser(ctx, adminPassword); err != nil {
		return "", err
	}
	return createdSecret, nil
}

func (s *Seeder) seedConsoleClient(ctx context.Context, secret string) (string, error) {
	secretHash, err := s.hasher.Hash(secret)
	if err != nil {
		return "", fmt.Errorf("hash console secret: %w", err)
	}
	client := &store.Client{
		ClientID:     ConsoleClientID,
		SecretHash:   secretHash,
		Name:         "LoomHub Console",
		RedirectURIs: []string{"http://localhost:3000/callback"},
		IsInternal:   true,
		IsActive:     true,
	}
	if err := s.stores.Clients.Create(ctx, client); err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			return "", nil
		}
		return "", fmt.Errorf("seed console client: %w", err)
	}
	s.logger.Info("seeded internal client", zap.String("client_id", ConsoleClientID))
	return secret, nil
}

func (s *Seeder) seedAdminUser(ctx context.Context, adminPassword string) error {
	hash, err := s.hasher.Hash(adminPassword)
	if err != nil {
		return fmt.Errorf("hash admin password: %w", err)
	}
	admin := &store.User{
		Email:        DefaultAdminEmail,
		PasswordHash: hash,
		Status:       "active",
		Profile:      map[string]any{"name": "Administrator"},
	}
	if err := s.stores.Users.Create(ctx, admin); err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			return nil
		}
		return fmt.Errorf("seed admin user: %w", err)
	}
	s.logger.Info("seeded admin user", zap.String("email", DefaultAdminEmail))
	return nil
}
