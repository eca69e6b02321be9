package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"time"

	"github.com/joho/godotenv"

	"github.com/freeflowlabs/escrow-backend/api/routes"
	"github.com/freeflowlabs/escrow-backend/internal/deliveries"
	"github.com/freeflowlabs/escrow-backend/internal/disputes"
	"github.com/freeflowlabs/escrow-backend/internal/escrow"
	"github.com/freeflowlabs/escrow-backend/internal/ledger"
	"github.com/freeflowlabs/escrow-backend/internal/milestones"
	"github.com/freeflowlabs/escrow-backend/internal/release"
	squarewebhook "github.com/freeflowlabs/escrow-backend/internal/webhooks/square"
	"github.com/freeflowlabs/escrow-backend/pkg/config"
	"github.com/freeflowlabs/escrow-backend/pkg/db"
	"github.com/freeflowlabs/escrow-backend/pkg/logger"
	"github.com/freeflowlabs/escrow-backend/pkg/migrate"
	"github.com/freeflowlabs/escrow-backend/pkg/outbox"
	"github.com/freeflowlabs/escrow-backend/pkg/redis"
	"github.com/freeflowlabs/escrow-backend/pkg/square"
)

const (
	webhookGuardScope   = "square-deposit"
	webhookGuardTTL     = 24 * time.Hour
	shutdownGracePeriod = 15 * time.Second
)

func main() {
	logg := logger.New(logger.Options{ServiceName: "api"})

	if err := godotenv.Load(); err != nil {
		logg.Warn(context.Background(), ".env file not found, relying on environment")
	}

	cfg, err := config.Load()
	if err != nil {
		logg.Error(context.Background(), "failed to load config", err)
		os.Exit(1)
	}

	logg = logger.New(logger.Options{
		ServiceName: "api",
		Level:       logger.ParseLevel(cfg.App.LogLevel),
		WarnStack:   cfg.App.LogWarnStack,
	})

	dbClient, err := db.New(context.Background(), cfg.DB, logg)
	if err != nil {
		logg.Error(context.Background(), "failed to bootstrap database", err)
		os.Exit(1)
	}
	defer func() {
		if err := dbClient.Close(); err != nil {
			logg.Error(context.Background(), "error closing database", err)
		}
	}()

	if err := migrate.MaybeRunDev(context.Background(), cfg, logg, dbClient); err != nil {
		logg.Error(context.Background(), "failed to run dev migrations", err)
		os.Exit(1)
	}

	redisClient, err := redis.New(context.Background(), cfg.Redis, logg)
	if err != nil {
		logg.Error(context.Background(), "failed to bootstrap redis", err)
		os.Exit(1)
	}
	defer func() {
		if err := redisClient.Close(); err != nil {
			logg.Error(context.Background(), "error closing redis", err)
		}
	}()

	squareClient, err := square.NewClient(context.Background(), cfg.Square, logg)
	if err != nil {
		logg.Error(context.Background(), "failed to bootstrap square client", err)
		os.Exit(1)
	}

	escrowRepo := escrow.NewRepository(dbClient.DB())
	outboxService := outbox.NewService(outbox.NewRepository(dbClient.DB()), logg)

	ledgerService, err := ledger.NewService(ledger.NewRepository(dbClient.DB()))
	if err != nil {
		logg.Error(context.Background(), "failed to create ledger service", err)
		os.Exit(1)
	}

	escrowService, err := escrow.NewService(escrowRepo, dbClient, outboxService, ledgerService, cfg.Escrow)
	if err != nil {
		logg.Error(context.Background(), "failed to create escrow service", err)
		os.Exit(1)
	}

	disputeRepo := disputes.NewRepository(dbClient.DB())
	disputeService, err := disputes.NewService(disputeRepo, escrowRepo, ledgerService, squareClient, dbClient, outboxService, cfg.Escrow)
	if err != nil {
		logg.Error(context.Background(), "failed to create dispute service", err)
		os.Exit(1)
	}

	releaseService, err := release.NewService(
		escrowRepo,
		release.NewRepository(dbClient.DB()),
		disputeRepo,
		ledgerService,
		dbClient,
		outboxService,
		cfg.Escrow,
	)
	if err != nil {
		logg.Error(context.Background(), "failed to create release service", err)
		os.Exit(1)
	}

	milestoneService, err := milestones.NewService(escrowRepo, dbClient, outboxService, releaseService, cfg.Escrow)
	if err != nil {
		logg.Error(context.Background(), "failed to create milestone service", err)
		os.Exit(1)
	}

	deliveryService, err := deliveries.NewService(deliveries.NewRepository(dbClient.DB()), escrowRepo)
	if err != nil {
		logg.Error(context.Background(), "failed to create delivery service", err)
		os.Exit(1)
	}

	webhookGuard, err := squarewebhook.NewIdempotencyGuard(redisClient, webhookGuardTTL, webhookGuardScope)
	if err != nil {
		logg.Error(context.Background(), "failed to create webhook guard", err)
		os.Exit(1)
	}
	depositWebhookService, err := squarewebhook.NewService(squarewebhook.ServiceParams{
		Logger:  logg,
		Gateway: squareClient,
		Escrow:  escrowService,
		Ledger:  ledgerService,
		Guard:   webhookGuard,
	})
	if err != nil {
		logg.Error(context.Background(), "failed to create webhook service", err)
		os.Exit(1)
	}

	port := os.Getenv("PORT")
	if port == "" {
		port = cfg.App.Port
	}
	addr := ":" + port

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	ctx = logg.WithFields(ctx, map[string]any{
		"env":  cfg.App.Env,
		"addr": addr,
	})
	logg.Info(ctx, "starting api server")

	server := &http.Server{
		Addr: addr,
		Handler: routes.NewRouter(
			cfg,
			logg,
			dbClient,
			redisClient,
			escrowService,
			milestoneService,
			releaseService,
			disputeService,
			deliveryService,
			depositWebhookService,
			squareClient,
		),
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			logg.Error(ctx, "api server stopped unexpectedly", err)
			os.Exit(1)
		}
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGracePeriod)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logg.Error(ctx, "api server shutdown failed", err)
			os.Exit(1)
		}
	}

	logg.Info(ctx, "api server shutting down gracefully")
}
