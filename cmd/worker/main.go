// Package main provides the worker process entry point.
//
// The worker runs the QueueEngine's dispatcher and the ExportEngine's job
// pool out-of-process from the HTTP API, so segmentation inference and
// export assembly scale independently of request handling (spec.md §4.2,
// §4.3).
package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/segforge/segcore/internal/adapter/inference"
	"github.com/segforge/segcore/internal/adapter/observability"
	"github.com/segforge/segcore/internal/adapter/render"
	"github.com/segforge/segcore/internal/adapter/repo/postgres"
	"github.com/segforge/segcore/internal/app"
	"github.com/segforge/segcore/internal/config"
	"github.com/segforge/segcore/internal/domain"
	"github.com/segforge/segcore/internal/eventbus"
	"github.com/segforge/segcore/internal/export"
	"github.com/segforge/segcore/internal/queue"
	"github.com/segforge/segcore/internal/stats"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", slog.Any("error", err))
		os.Exit(1)
	}

	logger := observability.SetupLogger(cfg)
	slog.SetDefault(logger)
	observability.SetAppEnv(cfg.AppEnv)
	observability.InitMetrics()

	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		if err := http.ListenAndServe(":9090", mux); err != nil {
			slog.Error("worker metrics server error", slog.Any("error", err))
		}
	}()

	shutdownTracer, err := observability.SetupTracing(cfg)
	if err != nil {
		slog.Error("failed to setup tracing", slog.Any("error", err))
	}
	defer func() {
		if shutdownTracer != nil {
			_ = shutdownTracer(context.Background())
		}
	}()

	slog.Info("starting worker", slog.String("env", cfg.AppEnv))

	ctx := context.Background()
	pool, err := postgres.NewPool(ctx, cfg.DatabaseURL, int32(cfg.DatabaseConnectionLimit))
	if err != nil {
		slog.Error("database connection failed", slog.Any("error", err))
		os.Exit(1)
	}
	store := postgres.NewStoreFromPool(pool)

	var bus domain.EventBus
	if cfg.RedisURL != "" {
		opt, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			slog.Error("invalid redis url", slog.Any("error", err))
			os.Exit(1)
		}
		bus = eventbus.NewRedis(redis.NewClient(opt), cfg.EventBusSendTimeout)
	} else {
		bus = eventbus.NewLocal(cfg.EventBusSendTimeout)
	}

	var progressSource inference.ProgressSource
	if cfg.KafkaEnabled() {
		kps, err := inference.NewKafkaProgressSource(cfg.KafkaBrokers, "segcore-worker")
		if err != nil {
			slog.Error("kafka progress source failed", slog.Any("error", err))
			os.Exit(1)
		}
		progressSource = kps
	}
	inferClient := inference.New(cfg, progressSource)
	rend := render.New()
	agg := stats.New(store, bus, cfg.StatsDebounce)

	qe := queue.New(queue.Config{
		GlobalConcurrency:  cfg.ConcurrencyLimit,
		PerUserConcurrency: cfg.PerUserConcurrencyLimit,
		RetryMax:           cfg.QueueRetryMax,
		RetryBaseDelay:     cfg.QueueRetryBaseDelay,
		RetryMaxDelay:      cfg.QueueRetryMaxDelay,
		PollInterval:       cfg.DispatchPollInterval,
		ItemTimeout:        cfg.InferenceTimeout,
	}, store, bus, inferClient, rend, agg, cfg.UploadDir+"/thumbnails")
	qe.Start(ctx)
	defer qe.Stop()

	ee := export.New(export.Config{
		WorkerPoolSize:   cfg.ExportWorkerPoolSize,
		Fanout:           cfg.ExportFanout,
		ProgressThrottle: cfg.ExportProgressThrottle,
		JobTimeout:       cfg.ExportJobTimeout,
	}, store, bus, rend, cfg.UploadDir+"/exports")
	ee.Start(ctx)
	defer ee.Stop()

	sweeper := app.NewStuckJobSweeper(store, ee, time.Minute)
	go sweeper.Run(ctx)

	slog.Info("worker started successfully, waiting for shutdown signal")
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	sig := <-sigCh
	slog.Info("signal received, shutting down", slog.String("signal", sig.String()))
	slog.Info("worker stopped")
}
