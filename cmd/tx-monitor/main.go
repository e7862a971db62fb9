package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/badgekeep/badgekeep-backend/internal/issuance"
	"github.com/badgekeep/badgekeep-backend/internal/txmonitor"
	"github.com/badgekeep/badgekeep-backend/pkg/alerts"
	"github.com/badgekeep/badgekeep-backend/pkg/chain"
	"github.com/badgekeep/badgekeep-backend/pkg/config"
	"github.com/badgekeep/badgekeep-backend/pkg/db"
	"github.com/badgekeep/badgekeep-backend/pkg/logger"
	"github.com/badgekeep/badgekeep-backend/pkg/metrics"
	"github.com/badgekeep/badgekeep-backend/pkg/migrate"
)

func main() {
	logg := logger.New(logger.Options{ServiceName: "tx-monitor"})

	if err := godotenv.Load(); err != nil {
		logg.Warn(context.Background(), ".env file not found, relying on environment")
	}

	cfg, err := config.Load()
	if err != nil {
		logg.Error(context.Background(), "failed to load config", err)
		os.Exit(1)
	}
	cfg.Service.Kind = "tx-monitor"

	logg = logger.New(logger.Options{
		ServiceName: "tx-monitor",
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

	chainClient, err := chain.NewClient(context.Background(), cfg.Chain, logg)
	if err != nil {
		logg.Error(context.Background(), "failed to bootstrap chain adapter", err)
		os.Exit(1)
	}

	emitter, closeEmitter, err := alerts.NewEmitter(context.Background(), cfg.GCP, cfg.Alerts, logg)
	if err != nil {
		logg.Error(context.Background(), "failed to bootstrap alert emitter", err)
		os.Exit(1)
	}
	defer func() {
		if err := closeEmitter(); err != nil {
			logg.Error(context.Background(), "error closing alert emitter", err)
		}
	}()

	monitor, err := txmonitor.NewService(txmonitor.ServiceParams{
		Repo:    issuance.NewRepository(dbClient.DB()),
		Adapter: chainClient,
		Emitter: emitter,
		Logger:  logg,
		Metrics: metrics.NewPipelineMetrics(prometheus.DefaultRegisterer),
		Config:  cfg.Monitor,
	})
	if err != nil {
		logg.Error(context.Background(), "failed to create transaction monitor", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx = logg.WithField(ctx, "env", cfg.App.Env)
	logg.Info(ctx, "starting transaction monitor")

	if err := monitor.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logg.Error(ctx, "transaction monitor stopped unexpectedly", err)
		os.Exit(1)
	}

	logg.Info(ctx, "transaction monitor shutting down gracefully")
}
