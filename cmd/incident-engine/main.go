package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/miradorstack/mirador-incident/internal/api"
	"github.com/miradorstack/mirador-incident/internal/cache"
	"github.com/miradorstack/mirador-incident/internal/config"
	"github.com/miradorstack/mirador-incident/internal/dedup"
	"github.com/miradorstack/mirador-incident/internal/engine"
	"github.com/miradorstack/mirador-incident/internal/executor"
	"github.com/miradorstack/mirador-incident/internal/ingest"
	"github.com/miradorstack/mirador-incident/internal/metrics"
	"github.com/miradorstack/mirador-incident/internal/models"
	"github.com/miradorstack/mirador-incident/internal/policy"
	"github.com/miradorstack/mirador-incident/internal/services"
	"github.com/miradorstack/mirador-incident/internal/sources"
	"github.com/miradorstack/mirador-incident/internal/utils"
)

func main() {
	var configPath string
	flag.StringVar(&configPath, "config", "", "Path to configuration file")
	flag.Parse()

	cfg, err := config.Load(configPath)
	if err != nil {
		slog.Error("failed to load config", slog.String("path", configPath), slog.Any("error", err))
		os.Exit(1)
	}

	logger := utils.NewLogger(cfg.Logging.Level, cfg.Logging.JSON)
	logger.Info("starting mirador-incident", slog.String("address", cfg.Server.Address))

	if err := metrics.Register(prometheus.DefaultRegisterer); err != nil {
		logger.Error("failed to register metrics", slog.Any("error", err))
		os.Exit(1)
	}

	policies, err := policy.NewStore(cfg.Policy.Path, utils.ComponentLogger(logger, "policy"))
	if err != nil {
		logger.Error("failed to load policy", slog.Any("error", err))
		os.Exit(1)
	}

	var provider cache.Provider = cache.NewMemoryProvider()
	if cfg.Cache.Enabled && cfg.Cache.Addr != "" {
		valkey, err := cache.NewValkeyProvider(cache.ValkeyConfig{
			Addr:         cfg.Cache.Addr,
			Username:     cfg.Cache.Username,
			Password:     cfg.Cache.Password,
			DB:           cfg.Cache.DB,
			DialTimeout:  cfg.Cache.DialTimeout,
			ReadTimeout:  cfg.Cache.ReadTimeout,
			WriteTimeout: cfg.Cache.WriteTimeout,
			MaxRetries:   cfg.Cache.MaxRetries,
			TLS:          cfg.Cache.TLS,
		})
		if err != nil {
			logger.Warn("valkey unavailable, rate limits stay process-local", slog.Any("error", err))
		} else {
			provider = valkey
			defer valkey.Close()
		}
	}

	execLogger := utils.ComponentLogger(logger, "executor")
	registry := executor.NewRegistry(executor.LogExecutor{Logger: execLogger})
	if cfg.Executors.WebhookURL != "" {
		webhook := executor.NewWebhookExecutor(cfg.Executors.WebhookURL, cfg.Executors.Timeout)
		registry.Register(models.ActionScale, webhook)
		registry.Register(models.ActionRestart, webhook)
		registry.Register(models.ActionCustom, webhook)
	}

	correlator := engine.NewCorrelator(utils.ComponentLogger(logger, "correlator"))
	manager := engine.NewManager(utils.ComponentLogger(logger, "lifecycle"), policies, correlator)
	limiter := engine.NewRateLimiter(provider, utils.ComponentLogger(logger, "ratelimit"))
	dispatcher := engine.NewDispatcher(utils.ComponentLogger(logger, "dispatcher"), policies, registry, limiter, manager)

	store := dedup.NewStore()
	eng := services.New(
		utils.ComponentLogger(logger, "engine"),
		cfg.Pipeline,
		policies,
		ingest.NewRegistry(),
		store,
		manager,
		dispatcher,
	)

	hub := api.NewStreamHub(utils.ComponentLogger(logger, "stream"))
	eng.OnTransition(hub.Broadcast)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	eng.Start(ctx)

	go func() {
		if err := policies.Watch(ctx); err != nil {
			logger.Warn("policy watcher stopped", slog.Any("error", err))
		}
	}()

	if cfg.Kafka.Enabled && len(cfg.Kafka.Brokers) > 0 {
		consumer := sources.NewKafkaConsumer(cfg.Kafka, eng, utils.ComponentLogger(logger, "kafka"))
		go func() {
			if err := consumer.Run(ctx); err != nil {
				logger.Error("kafka consumer exited", slog.Any("error", err))
				stop()
			}
		}()
	}

	server := api.NewServer(cfg.Server, eng, hub, utils.ComponentLogger(logger, "api"))
	go func() {
		if serveErr := server.Start(); serveErr != nil {
			logger.Error("http server exited", slog.Any("error", serveErr))
			stop()
		}
	}()

	var metricsServer *http.Server
	if cfg.Server.MetricsAddress != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		metricsServer = &http.Server{
			Addr:         cfg.Server.MetricsAddress,
			Handler:      mux,
			ReadTimeout:  5 * time.Second,
			WriteTimeout: 15 * time.Second,
		}
		go func() {
			logger.Info("metrics server listening", slog.String("address", cfg.Server.MetricsAddress))
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics server exited", slog.Any("error", err))
				stop()
			}
		}()
	}

	<-ctx.Done()
	logger.Info("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.GracefulTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http server shutdown", slog.Any("error", err))
	}
	hub.Close()

	if metricsServer != nil {
		metricsCtx, cancelMetrics := context.WithTimeout(context.Background(), 5*time.Second)
		if err := metricsServer.Shutdown(metricsCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Warn("metrics server shutdown", slog.Any("error", err))
		}
		cancelMetrics()
	}

	eng.Wait()
	logger.Info("mirador-incident stopped")
}
