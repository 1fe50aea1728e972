package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"ledgerimport/internal/api"
	"ledgerimport/internal/api/handlers"
	"ledgerimport/internal/repository"
	"ledgerimport/internal/service"
	"ledgerimport/internal/storage"
	"ledgerimport/pkg/auth"
	"ledgerimport/pkg/config"
	"ledgerimport/pkg/logger"
	"ledgerimport/pkg/postgres"

	"go.uber.org/zap"
)

// @title Ledger Import API
// @version 1.0
// @description Bank statement import service: upload, extraction, structuring, duplicate review and ledger commit

// @license.name MIT
// @license.url https://opensource.org/licenses/MIT

// @host localhost:8080
// @BasePath /api/v1

// @securityDefinitions.apikey Bearer
// @in header
// @name Authorization
// @description Type "Bearer" followed by a space and JWT token.

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Printf("Failed to load config: %v\n", err)
		os.Exit(1)
	}

	appLogger, err := logger.New(cfg.Logger.Level)
	if err != nil {
		fmt.Printf("Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync(appLogger)

	appLogger.Info("Starting ledger import service")

	// Initialize database
	ctx := context.Background()
	db, err := postgres.NewPool(ctx, &cfg.Database, appLogger)
	if err != nil {
		appLogger.Fatal("Failed to connect to database", zap.Error(err))
	}
	defer db.Close()

	// Initialize repositories
	userRepo := repository.NewUserRepository(db, appLogger)
	sessionRepo := repository.NewSessionRepository(db, appLogger)
	candidateRepo := repository.NewCandidateRepository(db, appLogger)
	ledgerRepo := repository.NewLedgerRepository(db, appLogger)
	accountRepo := repository.NewAccountRepository(db, appLogger)

	// Initialize JWT manager
	jwtManager := auth.NewJWTManager(cfg.JWT.SecretKey, cfg.JWT.Expiration, cfg.JWT.RefreshExp)

	// Initialize services
	authService := service.NewAuthService(userRepo, jwtManager, appLogger)

	adapter, err := service.NewGigaChatAdapter(ctx, &cfg.GigaChat, appLogger)
	if err != nil {
		appLogger.Fatal("Failed to initialize structuring adapter", zap.Error(err))
	}
	defer adapter.Close()

	extractor := service.NewExtractService(appLogger)
	institutions := service.NewInstitutionDetector(appLogger)
	duplicates := service.NewDuplicateDetector(cfg.Import.DuplicateDateWindowDays, cfg.Import.DuplicateSimilarity, appLogger)
	runner := service.NewRunner(appLogger)
	blobs := storage.NewLocalStore(cfg.Storage.UploadDir, appLogger)

	importService := service.NewImportService(
		sessionRepo,
		candidateRepo,
		ledgerRepo,
		accountRepo,
		blobs,
		extractor,
		institutions,
		adapter,
		duplicates,
		runner,
		cfg.Import,
		appLogger,
	)

	// Initialize handlers
	authHandler := handlers.NewAuthHandler(authService, appLogger)
	importHandler := handlers.NewImportHandler(importService, appLogger)
	accountHandler := handlers.NewAccountHandler(accountRepo, appLogger)

	// Setup router
	app := api.SetupRouter(authHandler, importHandler, accountHandler, jwtManager, cfg.Storage.UploadDir, appLogger)

	// Start server
	go func() {
		addr := ":" + cfg.Server.Port
		appLogger.Info("Server starting", zap.String("address", addr))
		if err := app.Listen(addr); err != nil {
			appLogger.Fatal("Server failed", zap.Error(err))
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	appLogger.Info("Shutting down server")
	if err := app.Shutdown(); err != nil {
		appLogger.Error("Server shutdown error", zap.Error(err))
	}

	// Let in-flight pipeline runs finish before closing the pool
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := runner.Shutdown(shutdownCtx); err != nil {
		appLogger.Warn("Background runs did not finish in time", zap.Error(err))
	}
}
