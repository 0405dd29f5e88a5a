package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	httptransport "github.com/spec-kit/approval-engine/internal/api/http"
	"github.com/spec-kit/approval-engine/internal/api/http/handlers"
	"github.com/spec-kit/approval-engine/internal/auth"
	"github.com/spec-kit/approval-engine/internal/config"
	"github.com/spec-kit/approval-engine/internal/events"
	"github.com/spec-kit/approval-engine/internal/observability"
	"github.com/spec-kit/approval-engine/internal/persistence"
	"github.com/spec-kit/approval-engine/internal/repository"
	"github.com/spec-kit/approval-engine/internal/service"
	"github.com/spec-kit/approval-engine/internal/token"
	"github.com/spec-kit/approval-engine/internal/worker"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logger, err := observability.NewLogger(cfg.Logger)
	if err != nil {
		log.Fatalf("failed to init logger: %v", err)
	}
	defer logger.Sync() //nolint:errcheck

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pg, err := persistence.NewPostgres(ctx, cfg.Postgres, logger)
	if err != nil {
		logger.Fatal("failed to connect postgres", zap.Error(err))
	}
	defer pg.Close()

	if cfg.Postgres.RunMigrations {
		if err := persistence.RunMigrations(ctx, pg.PoolHandle(), logger); err != nil {
			logger.Fatal("failed to run migrations", zap.Error(err))
		}
	}

	redis := persistence.NewRedis(cfg.Redis, logger)
	defer redis.Close()

	metrics := observability.NewMetrics()
	dispatcher := events.NewInMemoryDispatcher(logger)

	pool := pg.PoolHandle()
	requestRepo := repository.NewApprovalRepository(pool)
	historyRepo := repository.NewApprovalHistoryRepository(pool)

	approvalService := service.NewApprovalService(service.ApprovalDependencies{
		RequestRepo:   requestRepo,
		HistoryRepo:   historyRepo,
		TokenManager:  token.NewManager(cfg.EditToken),
		Dispatcher:    dispatcher,
		CallbackGuard: service.NewCallbackGuard(redis, logger),
		Logger:        logger,
	})

	notificationService := service.NewNotificationService(dispatcher, logger, cfg.Notification)
	notificationService.RegisterHandlers()

	scanner := worker.NewExpiryScanner(approvalService, logger, metrics, cfg.Expiry)
	go scanner.Start(ctx)

	tokenManager := auth.NewTokenManager(cfg.Auth.JWTSecret, cfg.Auth.AccessTokenTTLMinutes)
	authMiddleware := auth.NewAuthMiddleware(tokenManager)

	app := fiber.New()
	httptransport.RegisterMiddlewares(app, logger, metrics, cfg.App.RequestTimeout())

	healthHandler := handlers.NewHealthHandler(cfg.App.Name, cfg.App.Version, pg, redis)
	approvalsHandler := handlers.NewApprovalsHandler(approvalService, cfg.EditToken.EditBaseURL)

	httptransport.RegisterRoutes(app, httptransport.RouteConfig{
		Health:         healthHandler,
		Approvals:      approvalsHandler,
		AuthMiddleware: authMiddleware,
	})

	go func() {
		if err := app.Listen(cfg.App.Addr()); err != nil {
			logger.Fatal("fiber listen", zap.Error(err))
		}
	}()

	waitForShutdown(logger)

	cancel()
	_ = app.Shutdown()
}

func waitForShutdown(logger *zap.Logger) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigCh
	logger.Info("shutting down", zap.String("signal", sig.String()))
}
