package postgres

import (
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/oklog/ulid/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/segforge/segcore/internal/domain"
)

const queueItemColumns = `id, user_id, project_id, image_id, model, threshold, detect_holes, status, enqueued_at, started_at, completed_at, retry_count, error_code, error_msg, batch_id`

func scanQueueItem(row pgx.Row) (domain.QueueItem, error) {
	var it domain.QueueItem
	err := row.Scan(&it.ID, &it.UserID, &it.ProjectID, &it.ImageID, &it.Model, &it.Threshold, &it.DetectHoles,
		&it.Status, &it.EnqueuedAt, &it.StartedAt, &it.CompletedAt, &it.RetryCount, &it.ErrorCode, &it.ErrorMsg, &it.BatchID)
	return it, err
}

// EnqueueItems inserts a batch of QueueItems in one statement set, failing
// the whole batch with ErrConflict if any referenced image already has an
// item in {queued, processing} (spec.md §4.2).
func (s *Store) EnqueueItems(ctx domain.Context, items []domain.QueueItem) error {
	tracer := otel.Tracer("repo.queue")
	ctx, span := tracer.Start(ctx, "queue.Enqueue")
	defer span.End()
	span.SetAttributes(attribute.Int("queue.batch_size", len(items)))

	exec := s.withExecutor(ctx)
	for _, it := range items {
		var exists bool
		checkQ := `SELECT EXISTS(SELECT 1 FROM queue_items WHERE image_id=$1 AND status IN ('queued','processing'))`
		if err := exec.QueryRow(ctx, checkQ, it.ImageID).Scan(&exists); err != nil {
			return fmt.Errorf("op=queue.enqueue.check: %w", err)
		}
		if exists {
			return fmt.Errorf("op=queue.enqueue: image %s already queued or processing: %w", it.ImageID, domain.ErrConflict)
		}
		id := it.ID
		if id == "" {
			id = ulid.Make().String()
		}
		insertQ := `INSERT INTO queue_items (` + queueItemColumns + `)
		            VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)`
		_, err := exec.Exec(ctx, insertQ, id, it.UserID, it.ProjectID, it.ImageID, it.Model, it.Threshold, it.DetectHoles,
			domain.QueueQueued, it.EnqueuedAt, it.StartedAt, it.CompletedAt, it.RetryCount, it.ErrorCode, it.ErrorMsg, it.BatchID)
		if err != nil {
			return fmt.Errorf("op=queue.enqueue.insert: %w", err)
		}
	}
	return nil
}

// GetQueueItem loads a queue item by id.
func (s *Store) GetQueueItem(ctx domain.Context, id string) (domain.QueueItem, error) {
	tracer := otel.Tracer("repo.queue")
	ctx, span := tracer.Start(ctx, "queue.Get")
	defer span.End()

	q := `SELECT ` + queueItemColumns + ` FROM queue_items WHERE id=$1`
	it, err := scanQueueItem(s.withExecutor(ctx).QueryRow(ctx, q, id))
	if err != nil {
		return domain.QueueItem{}, wrapNotFound("queue.get", err)
	}
	return it, nil
}

// ClaimNextQueueItems atomically moves up to limit queued items for userID
// into processing, ordered FIFO by enqueuedAt then id (spec.md §4.1/§4.2).
func (s *Store) ClaimNextQueueItems(ctx domain.Context, userID string, limit int) ([]domain.QueueItem, error) {
	tracer := otel.Tracer("repo.queue")
	ctx, span := tracer.Start(ctx, "queue.ClaimNext")
	defer span.End()
	span.SetAttributes(attribute.String("user.id", userID), attribute.Int("claim.limit", limit))

	q := `WITH claimed AS (
	        SELECT id FROM queue_items
	        WHERE user_id=$1 AND status='queued'
	        ORDER BY enqueued_at, id
	        LIMIT $2
	        FOR UPDATE SKIP LOCKED
	      )
	      UPDATE queue_items q SET status='processing', started_at=$3
	      FROM claimed c WHERE q.id = c.id
	      RETURNING ` + qualify("q", queueItemColumns)

	rows, err := s.withExecutor(ctx).Query(ctx, q, userID, limit, nowUTC())
	if err != nil {
		return nil, fmt.Errorf("op=queue.claimnext: %w", err)
	}
	defer rows.Close()

	var out []domain.QueueItem
	for rows.Next() {
		it, err := scanQueueItem(rows)
		if err != nil {
			return nil, fmt.Errorf("op=queue.claimnext.scan: %w", err)
		}
		out = append(out, it)
	}
	return out, rows.Err()
}

func qualify(alias, columns string) string {
	// columns is a flat comma-separated list; prefix each with alias.
	out := ""
	start := 0
	for i := 0; i <= len(columns); i++ {
		if i == len(columns) || columns[i] == ',' {
			col := columns[start:i]
			for len(col) > 0 && col[0] == ' ' {
				col = col[1:]
			}
			if out != "" {
				out += ", "
			}
			out += alias + "." + col
			start = i + 1
		}
	}
	return out
}

// UsersWithQueuedItems lists distinct user ids with at least one queued item.
func (s *Store) UsersWithQueuedItems(ctx domain.Context) ([]string, error) {
	tracer := otel.Tracer("repo.queue")
	ctx, span := tracer.Start(ctx, "queue.UsersWithQueued")
	defer span.End()

	q := `SELECT DISTINCT user_id FROM queue_items WHERE status='queued' ORDER BY user_id`
	rows, err := s.withExecutor(ctx).Query(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("op=queue.userswithqueued: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var u string
		if err := rows.Scan(&u); err != nil {
			return nil, fmt.Errorf("op=queue.userswithqueued.scan: %w", err)
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

// TransitionQueueItem performs a CAS status transition.
func (s *Store) TransitionQueueItem(ctx domain.Context, id string, expected, next domain.QueueItemStatus, errCode, errMsg string) error {
	tracer := otel.Tracer("repo.queue")
	ctx, span := tracer.Start(ctx, "queue.Transition")
	defer span.End()

	var completedAt any
	if next == domain.QueueCompleted || next == domain.QueueFailed || next == domain.QueueCancelled {
		completedAt = nowUTC()
	}
	q := `UPDATE queue_items SET status=$1, error_code=$2, error_msg=$3, completed_at=COALESCE($4, completed_at)
	      WHERE id=$5 AND status=$6`
	tag, err := s.withExecutor(ctx).Exec(ctx, q, next, errCode, errMsg, completedAt, id, expected)
	if err != nil {
		return fmt.Errorf("op=queue.transition: %w", err)
	}
	if noRowsAffected(tag) {
		return fmt.Errorf("op=queue.transition: %w", domain.ErrConflict)
	}
	return nil
}

// CancelQueuedItems marks queued items among ids as cancelled; processing
// items are skipped (cooperative cancellation only applies pre-dispatch).
func (s *Store) CancelQueuedItems(ctx domain.Context, ids []string) ([]string, []string, error) {
	tracer := otel.Tracer("repo.queue")
	ctx, span := tracer.Start(ctx, "queue.CancelQueued")
	defer span.End()

	q := `UPDATE queue_items SET status='cancelled', completed_at=$1
	      WHERE id = ANY($2) AND status='queued'
	      RETURNING id`
	rows, err := s.withExecutor(ctx).Query(ctx, q, nowUTC(), ids)
	if err != nil {
		return nil, nil, fmt.Errorf("op=queue.cancelqueued: %w", err)
	}
	cancelled := make(map[string]bool, len(ids))
	var cancelledList []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, nil, fmt.Errorf("op=queue.cancelqueued.scan: %w", err)
		}
		cancelled[id] = true
		cancelledList = append(cancelledList, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, nil, err
	}
	var skipped []string
	for _, id := range ids {
		if !cancelled[id] {
			skipped = append(skipped, id)
		}
	}
	return cancelledList, skipped, nil
}

// ListQueueItems lists queue items matching filter.
func (s *Store) ListQueueItems(ctx domain.Context, filter domain.QueueItemFilter) ([]domain.QueueItem, error) {
	tracer := otel.Tracer("repo.queue")
	ctx, span := tracer.Start(ctx, "queue.List")
	defer span.End()

	q := `SELECT ` + queueItemColumns + ` FROM queue_items WHERE 1=1`
	var args []any
	argn := func() int { return len(args) + 1 }
	if filter.UserID != "" {
		args = append(args, filter.UserID)
		q += fmt.Sprintf(" AND user_id=$%d", argn())
	}
	if filter.ProjectID != "" {
		args = append(args, filter.ProjectID)
		q += fmt.Sprintf(" AND project_id=$%d", argn())
	}
	if len(filter.Statuses) > 0 {
		args = append(args, filter.Statuses)
		q += fmt.Sprintf(" AND status = ANY($%d)", argn())
	}
	q += " ORDER BY enqueued_at, id"

	rows, err := s.withExecutor(ctx).Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("op=queue.list: %w", err)
	}
	defer rows.Close()

	var out []domain.QueueItem
	for rows.Next() {
		it, err := scanQueueItem(rows)
		if err != nil {
			return nil, fmt.Errorf("op=queue.list.scan: %w", err)
		}
		out = append(out, it)
	}
	return out, rows.Err()
}

// CountQueueItemsByStatus aggregates counts for stats() (spec.md §4.2).
func (s *Store) CountQueueItemsByStatus(ctx domain.Context, projectID, userID string) (map[domain.QueueItemStatus]int, error) {
	tracer := otel.Tracer("repo.queue")
	ctx, span := tracer.Start(ctx, "queue.CountByStatus")
	defer span.End()

	q := `SELECT status, count(*) FROM queue_items WHERE ($1 = '' OR project_id=$1) AND ($2 = '' OR user_id=$2) GROUP BY status`
	rows, err := s.withExecutor(ctx).Query(ctx, q, projectID, userID)
	if err != nil {
		return nil, fmt.Errorf("op=queue.countbystatus: %w", err)
	}
	defer rows.Close()

	out := map[domain.QueueItemStatus]int{}
	for rows.Next() {
		var status domain.QueueItemStatus
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("op=queue.countbystatus.scan: %w", err)
		}
		out[status] = count
	}
	return out, rows.Err()
}

// PurgeCompletedQueueItems deletes terminal queue items older than olderThan.
func (s *Store) PurgeCompletedQueueItems(ctx domain.Context, olderThan time.Time) (int64, error) {
	tracer := otel.Tracer("repo.queue")
	ctx, span := tracer.Start(ctx, "queue.PurgeCompleted")
	defer span.End()

	q := `DELETE FROM queue_items WHERE status IN ('completed','failed','cancelled') AND completed_at < $1`
	tag, err := s.withExecutor(ctx).Exec(ctx, q, olderThan)
	if err != nil {
		return 0, fmt.Errorf("op=queue.purgecompleted: %w", err)
	}
	return tag.RowsAffected(), nil
}
