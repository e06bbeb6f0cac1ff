package app

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/segforge/segcore/internal/domain"
	"github.com/segforge/segcore/internal/export"
)

// StuckJobSweeper recovers state left behind by a crashed or killed worker
// (spec.md §7): QueueItems stuck in "processing" are failed so their items
// become visible again, and interrupted ExportJobs are converted to failed
// via the ExportEngine's own resume path.
type StuckJobSweeper struct {
	store    domain.Store
	exporter *export.Engine
	interval time.Duration
}

func NewStuckJobSweeper(store domain.Store, exporter *export.Engine, interval time.Duration) *StuckJobSweeper {
	if store == nil {
		return nil
	}
	if interval <= 0 {
		interval = time.Minute
	}
	return &StuckJobSweeper{store: store, exporter: exporter, interval: interval}
}

// Run sweeps once immediately, then on every interval until ctx is done.
func (s *StuckJobSweeper) Run(ctx context.Context) {
	if s == nil || s.store == nil {
		return
	}
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.sweepOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			slog.Info("stuck job sweeper stopping")
			return
		case <-ticker.C:
			s.sweepOnce(ctx)
		}
	}
}

func (s *StuckJobSweeper) sweepOnce(ctx context.Context) {
	tracer := otel.Tracer("jobs.sweeper")
	ctx, span := tracer.Start(ctx, "StuckJobSweeper.sweepOnce")
	defer span.End()

	items, err := s.store.ListQueueItems(ctx, domain.QueueItemFilter{Statuses: []domain.QueueItemStatus{domain.QueueProcessing}})
	if err != nil {
		span.RecordError(err)
		slog.Error("stuck job sweep failed to list queue items", slog.Any("error", err))
		return
	}

	failed := 0
	for _, item := range items {
		err := s.store.TransitionQueueItem(ctx, item.ID, domain.QueueProcessing, domain.QueueFailed,
			string(domain.CodeInterrupted), "worker restarted while item was processing")
		if err != nil {
			slog.Error("stuck job sweep failed to fail queue item", slog.String("item_id", item.ID), slog.Any("error", err))
			continue
		}
		failed++
	}
	span.SetAttributes(
		attribute.Int("jobs.queue_items_checked", len(items)),
		attribute.Int("jobs.queue_items_failed", failed),
	)

	if s.exporter == nil {
		return
	}
	resumed, err := s.exporter.ResumeInterrupted(ctx)
	if err != nil {
		span.RecordError(err)
		slog.Error("stuck job sweep failed to resume export jobs", slog.Any("error", err))
		return
	}
	span.SetAttributes(attribute.Int("jobs.export_jobs_resumed", resumed))
}
