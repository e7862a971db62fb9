package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/badgekeep/badgekeep-backend/internal/cron"
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

const lockKeyFormat = "cron-worker:%s"

func main() {
	logg := logger.New(logger.Options{ServiceName: "cron-worker"})

	if err := godotenv.Load(); err != nil {
		logg.Warn(context.Background(), ".env file not found, relying on environment")
	}

	cfg, err := config.Load()
	if err != nil {
		logg.Error(context.Background(), "failed to load config", err)
		os.Exit(1)
	}
	cfg.Service.Kind = "cron-worker"

	logg = logger.New(logger.Options{
		ServiceName: "cron-worker",
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

	processor, err := worker.NewConsumer(worker.ConsumerParams{
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
		logg.Error(context.Background(), "failed to create reclaim processor", err)
		os.Exit(1)
	}

	reclaimJob, err := cron.NewReclaimJob(cron.ReclaimJobParams{
		Logger:    logg,
		Stream:    cfg.Stream,
		Worker:    cfg.Worker,
		Redis:     redisClient,
		Repo:      eventsRepo,
		Processor: processor,
		Emitter:   emitter,
	})
	if err != nil {
		logg.Error(context.Background(), "failed to create reclaim job", err)
		os.Exit(1)
	}

	resubmitJob, err := cron.NewResubmitJob(cron.ResubmitJobParams{
		Logger: logg,
		Stream: cfg.Stream,
		Worker: cfg.Worker,
		Redis:  redisClient,
		Repo:   eventsRepo,
	})
	if err != nil {
		logg.Error(context.Background(), "failed to create resubmit job", err)
		os.Exit(1)
	}

	auditRetentionJob, err := cron.NewEventLogRetentionJob(cron.EventLogRetentionJobParams{
		Logger:    logg,
		Repo:      eventsRepo,
		Retention: cfg.Retention.AuditDays,
	})
	if err != nil {
		logg.Error(context.Background(), "failed to create event log retention job", err)
		os.Exit(1)
	}

	txRetentionJob, err := cron.NewTransactionRetentionJob(cron.TransactionRetentionJobParams{
		Logger:    logg,
		Repo:      txRepo,
		Retention: cfg.Retention.TransactionDays,
	})
	if err != nil {
		logg.Error(context.Background(), "failed to create transaction retention job", err)
		os.Exit(1)
	}

	trimJob, err := cron.NewStreamTrimJob(cron.StreamTrimJobParams{
		Logger: logg,
		Redis:  redisClient,
		Key:    cfg.Stream.Key,
		MaxLen: cfg.Stream.MaxLen,
	})
	if err != nil {
		logg.Error(context.Background(), "failed to create stream trim job", err)
		os.Exit(1)
	}

	lock, err := cron.NewRedisLock(redisClient, redisClient.LockKey(lockKey(cfg.App.Env)), 0)
	if err != nil {
		logg.Error(context.Background(), "failed to create cron lock", err)
		os.Exit(1)
	}

	service, err := cron.NewService(cron.ServiceParams{
		Logger:   logg,
		Registry: cron.NewRegistry(reclaimJob, resubmitJob, auditRetentionJob, txRetentionJob, trimJob),
		Lock:     lock,
		Metrics:  metrics.NewCronJobMetrics(prometheus.DefaultRegisterer),
		Interval: cfg.Cron.Interval,
	})
	if err != nil {
		logg.Error(context.Background(), "failed to create cron service", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx = logg.WithFields(ctx, map[string]any{
		"env":         cfg.App.Env,
		"serviceKind": cfg.Service.Kind,
	})
	logg.Info(ctx, "starting cron worker")

	if err := service.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logg.Error(ctx, "cron worker stopped unexpectedly", err)
		os.Exit(1)
	}

	logg.Info(ctx, "cron worker shutting down gracefully")
}

func lockKey(env string) string {
	if env == "" {
		env = "local"
	}
	return fmt.Sprintf(lockKeyFormat, env)
}
