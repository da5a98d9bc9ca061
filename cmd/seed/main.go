package main

import (
	"context"
	"log"
	"os"

	"github.com/joho/godotenv"
	"github.com/loomhub/identity-service/internal/config"
	"github.com/loomhub/identity-service/internal/database"
	"github.com/loomhub/identity-service/internal/password"
	"github.com/loomhub/identity-service/internal/seeding"
	"github.com/loomhub/identity-service/internal/store/postgres"
	"go.uber.org/zap"
)

// Seeds baseline data: default scopes, the internal console client, and an
// admin user. Unlike migrations this is optional and typically runs once.
func main() {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	logger, err := zap.NewProduction()
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer logger.Sync() //nolint:errcheck // best effort

	ctx := context.Background()

	db, err := database.Open(ctx, cfg.Database)
	if err != nil {
		logger.Fatal("database connection", zap.Error(err))
	}
	defer db.Close()

	if err := database.Migrate(ctx, db); err != nil {
		logger.Fatal("migrations", zap.Error(err))
	}
	logger.Info("migrations completed")

	adminPassword := os.Getenv("SEED_ADMIN_PASSWORD")
	if adminPassword == "" {
		adminPassword = "ChangeMe123!"
		logger.Warn("using default admin password - set SEED_ADMIN_PASSWORD in production")
	}
	consoleSecret := os.Getenv("SEED_CONSOLE_SECRET")
	if consoleSecret == "" {
		consoleSecret = "console-dev-secret"
		logger.Warn("using default console secret - set SEED_CONSOLE_SECRET in production")
	}

	seeder := seeding.New(postgres.New(db), password.NewHasher(cfg.Security), logger)
	createdSecret, err := seeder.SeedDefaults(ctx, adminPassword, consoleSecret)
	if err != nil {
		logger.Fatal("seeding", zap.Error(err))
	}
	if createdSecret != "" {
		logger.Info("console client provisioned", zap.String("client_id", seeding.ConsoleClientID))
	}

	logger.Info("seeding completed successfully")
}
