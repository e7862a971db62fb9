package main

import (
	"context"
	"net/http"
	"os"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/badgekeep/badgekeep-backend/api/routes"
	"github.com/badgekeep/badgekeep-backend/internal/events"
	"github.com/badgekeep/badgekeep-backend/internal/ingest"
	"github.com/badgekeep/badgekeep-backend/internal/rules"
	"github.com/badgekeep/badgekeep-backend/pkg/config"
	"github.com/badgekeep/badgekeep-backend/pkg/db"
	"github.com/badgekeep/badgekeep-backend/pkg/logger"
	"github.com/badgekeep/badgekeep-backend/pkg/metrics"
	"github.com/badgekeep/badgekeep-backend/pkg/migrate"
	"github.com/badgekeep/badgekeep-backend/pkg/redis"
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
	cfg.Service.Kind = "api"

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

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	pipelineMetrics := metrics.NewPipelineMetrics(registry)

	eventsRepo := events.NewRepository(dbClient.DB())
	ingestService, err := ingest.NewService(ingest.ServiceParams{
		Stream:  cfg.Stream,
		Redis:   redisClient,
		Repo:    eventsRepo,
		Logger:  logg,
		Metrics: pipelineMetrics,
	})
	if err != nil {
		logg.Error(context.Background(), "failed to create ingest service", err)
		os.Exit(1)
	}

	rulesRepo := rules.NewRepository(dbClient.DB())
	rulesCache := rules.NewCache(rulesRepo, cfg.Rules.CacheTTL)
	rulesService, err := rules.NewService(rulesRepo, rulesCache, logg)
	if err != nil {
		logg.Error(context.Background(), "failed to create rules service", err)
		os.Exit(1)
	}

	port := os.Getenv("PORT")
	if port == "" {
		port = cfg.App.Port
	}
	addr := ":" + port
	ctx := logg.WithFields(context.Background(), map[string]any{
		"env":  cfg.App.Env,
		"addr": addr,
	})
	logg.Info(ctx, "starting api server")

	server := &http.Server{
		Addr: addr,
		Handler: routes.NewRouter(routes.RouterParams{
			Config:    cfg,
			Logger:    logg,
			Ingest:    ingestService,
			Rules:     rulesService,
			DBPing:    dbClient.Ping,
			RedisPing: redisClient.Ping,
			Registry:  registry,
		}),
	}

	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logg.Error(ctx, "api server stopped unexpectedly", err)
		os.Exit(1)
	}
}
