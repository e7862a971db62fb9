package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/badgekeep/badgekeep-backend/internal/events"
	"github.com/badgekeep/badgekeep-backend/internal/fraud"
	"github.com/badgekeep/badgekeep-backend/internal/issuance"
	"github.com/badgekeep/badgekeep-backend/internal/rules"
	"github.com/badgekeep/badgekeep-backend/internal/worker"
	"github.com/badgekeep/badgekeep-backend/pkg/alerts"
	"github.com/badgekeep/badgekeep-backend/pkg/chain"
	"github.com/badgekeep/badgekeep-backend/pkg/config"
	"github.com/badgekeep/badgekeep-backend/pkg/db"
	"github.com/badgekeep/badgekeep-backend/pkg/logger"
	"github.com/badgekeep/badgekeep-backend/pkg/metrics"
	"github.com/badgekeep/badgekeep-backend/pkg/migrate"
	"github.com/badgekeep/badgekeep-backend/pkg/redis"
)

func main() {
	logg := logger.New(logger.Options{ServiceName: "worker"})

	if err := godotenv.Load(); err != nil {
		logg.Warn(context.Background(), ".env file not found, relying on environment")
	}

	cfg, err := config.Load()
	if err != nil {
		logg.Error(context.Background(), "failed to load config", err)
		os.Exit(1)
	}
	cfg.Service.Kind = "worker"

	logg = logger.New(logger.Options{
		ServiceName: "worker",
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

	pipelineMetrics := metrics.NewPipelineMetrics(prometheus.DefaultRegisterer)

	eventsRepo := events.NewRepository(dbClient.DB())
	txRepo := issuance.NewRepository(dbClient.DB())
	rulesRepo := rules.NewRepository(dbClient.DB())
	rulesCache := rules.NewCache(rulesRepo, cfg.Rules.CacheTTL)

	fraudGate, err := fraud.NewService(fraud.ServiceParams{
		Limiter:   redisClient,
		Events:    eventsRepo,
		Failures:  txRepo,
		RateLimit: cfg.RateLimit,
		Fraud:     cfg.Fraud,
		Logger:    logg,
	})
	if err != nil {
		logg.Error(context.Background(), "failed to create fraud gate", err)
		os.Exit(1)
	}

	issuer, err := issuance.NewService(issuance.ServiceParams{
		Repo:    txRepo,
		Adapter: chainClient,
		Logger:  logg,
		Metrics: pipelineMetrics,
	})
	if err != nil {
		logg.Error(context.Background(), "failed to create issuance service", err)
		os.Exit(1)
	}

	engine, err := rules.NewEngine(rules.EngineParams{
		Cache:   rulesCache,
		Repo:    rulesRepo,
		Fraud:   fraudGate,
		Issuer:  issuer,
		Logger:  logg,
		Metrics: pipelineMetrics,
	})
	if err != nil {
		logg.Error(context.Background(), "failed to create rule engine", err)
		os.Exit(1)
	}

	consumer, err := worker.NewConsumer(worker.ConsumerParams{
		Stream:  cfg.Stream,
		Worker:  cfg.Worker,
		Redis:   redisClient,
		Repo:    eventsRepo,
		Engine:  engine,
		Emitter: emitter,
		Logger:  logg,
		Metrics: pipelineMetrics,
	})
	if err != nil {
		logg.Error(context.Background(), "failed to create consumer", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx = logg.WithFields(ctx, map[string]any{
		"env":      cfg.App.Env,
		"consumer": consumer.ConsumerName(),
	})
	logg.Info(ctx, "starting worker")

	if err := consumer.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logg.Error(ctx, "worker stopped unexpectedly", err)
		os.Exit(1)
	}

	logg.Info(ctx, "worker shutting down gracefully")
}
