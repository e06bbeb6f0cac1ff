package postgres

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// CleanupService handles queue item and export job row retention (spec.md
// §3: a completed QueueItem is removed after N days).
type CleanupService struct {
	Beginner      Beginner
	RetentionDays int
}

// NewCleanupService creates a new cleanup service
func NewCleanupService(beginner Beginner, retentionDays int) *CleanupService {
	if retentionDays <= 0 {
		retentionDays = 30 // default 30 days
	}
	return &CleanupService{Beginner: beginner, RetentionDays: retentionDays}
}

// CleanupOldData removes queue items and export jobs past the retention
// cutoff. It removes only the database bookkeeping rows; export artifact
// files on disk are not deleted here, and the export engine removes only
// its per-job staging directory.
func (s *CleanupService) CleanupOldData(ctx context.Context) error {
	cutoff := time.Now().AddDate(0, 0, -s.RetentionDays)

	tx, err := s.Beginner.Begin(ctx)
	if err != nil {
		return fmt.Errorf("cleanup begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var deletedQueueItems int64
	row := tx.QueryRow(ctx, `
		WITH deleted AS (
			DELETE FROM queue_items
			WHERE status IN ('completed', 'failed', 'cancelled')
			AND completed_at < $1
			RETURNING 1
		)
		SELECT count(*) FROM deleted
	`, cutoff)
	if err := row.Scan(&deletedQueueItems); err != nil {
		slog.Debug("no queue items to delete", slog.Any("error", err))
	}

	var deletedExportJobs int64
	row = tx.QueryRow(ctx, `
		WITH deleted AS (
			DELETE FROM export_jobs
			WHERE status IN ('completed', 'failed', 'cancelled')
			AND completed_at < $1
			RETURNING 1
		)
		SELECT count(*) FROM deleted
	`, cutoff)
	if err := row.Scan(&deletedExportJobs); err != nil {
		slog.Debug("no export jobs to delete", slog.Any("error", err))
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("cleanup commit: %w", err)
	}

	slog.Info("data cleanup completed",
		slog.Int64("deleted_queue_items", deletedQueueItems),
		slog.Int64("deleted_export_jobs", deletedExportJobs),
		slog.Time("cutoff", cutoff),
	)

	return nil
}

// RunPeriodic starts a periodic cleanup job
func (s *CleanupService) RunPeriodic(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 24 * time.Hour // daily by default
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	if err := s.CleanupOldData(ctx); err != nil {
		slog.Error("initial cleanup failed", slog.Any("error", err))
	}

	for {
		select {
		case <-ctx.Done():
			slog.Info("cleanup service stopping")
			return
		case <-ticker.C:
			if err := s.CleanupOldData(ctx); err != nil {
				slog.Error("periodic cleanup failed", slog.Any("error", err))
			}
		}
	}
}
