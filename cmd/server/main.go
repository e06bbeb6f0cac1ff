// Command server starts the segmentation core's HTTP API.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	httpserver "github.com/segforge/segcore/internal/adapter/httpserver"
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
	"github.com/segforge/segcore/internal/reconciler"
	"github.com/segforge/segcore/internal/sharing"
	"github.com/segforge/segcore/internal/stats"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logger := observability.SetupLogger(cfg)
	slog.SetDefault(logger)
	observability.SetAppEnv(cfg.AppEnv)
	observability.InitMetrics()

	shutdownTracer, err := observability.SetupTracing(cfg)
	if err != nil {
		slog.Error("failed to setup tracing", slog.Any("error", err))
	}
	defer func() {
		if shutdownTracer != nil {
			_ = shutdownTracer(context.Background())
		}
	}()

	ctx := context.Background()
	pool, err := postgres.NewPool(ctx, cfg.DatabaseURL, int32(cfg.DatabaseConnectionLimit))
	if err != nil {
		slog.Error("db connect failed", slog.Any("error", err))
		os.Exit(1)
	}
	store := postgres.NewStoreFromPool(pool)

	if cfg.DataRetentionDays > 0 {
		cleanupSvc := postgres.NewCleanupService(postgres.NewBeginner(pool), cfg.DataRetentionDays)
		go cleanupSvc.RunPeriodic(ctx, cfg.CleanupInterval)
		slog.Info("cleanup service started", slog.Int("retention_days", cfg.DataRetentionDays), slog.Duration("interval", cfg.CleanupInterval))
	}

	var bus domain.EventBus
	if cfg.RedisURL != "" {
		opt, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			slog.Error("invalid redis url", slog.Any("error", err))
			os.Exit(1)
		}
		bus = eventbus.NewRedis(redis.NewClient(opt), cfg.EventBusSendTimeout)
		slog.Info("event bus backed by redis", slog.String("addr", redactURL(cfg.RedisURL)))
	} else {
		bus = eventbus.NewLocal(cfg.EventBusSendTimeout)
		slog.Info("event bus running in-process only")
	}

	var progressSource inference.ProgressSource
	if cfg.KafkaEnabled() {
		kps, err := inference.NewKafkaProgressSource(cfg.KafkaBrokers, "segcore-server")
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

	shareSvc := sharing.New(store, sharing.NoopNotifier{}, cfg.ShareTokenTTL)
	recon := reconciler.New(store)

	sweeper := app.NewStuckJobSweeper(store, ee, time.Minute)
	go sweeper.Run(ctx)

	srv := httpserver.NewServer(cfg, store, bus, qe, ee, shareSvc, recon, agg)
	handler := app.BuildRouter(cfg, srv)

	srvHTTP := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           handler,
		ReadTimeout:       cfg.HTTPReadTimeout,
		WriteTimeout:      cfg.HTTPWriteTimeout,
		IdleTimeout:       cfg.HTTPIdleTimeout,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("http server starting", slog.Int("port", cfg.Port))
		errCh <- srvHTTP.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		slog.Info("shutdown signal received", slog.String("signal", sig.String()))
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server error", slog.Any("error", err))
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ServerShutdownTimeout)
	defer cancel()
	_ = srvHTTP.Shutdown(shutdownCtx)
}

// redactURL strips userinfo (if any) before logging a connection string.
func redactURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return "redis"
	}
	u.User = nil
	return u.String()
}
