package postgres

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/segforge/segcore/internal/domain"
)

const exportJobColumns = `id, project_id, user_id, options, status, phase, progress, artifact_path, checksum, started_at, completed_at, cancelled_at, error_code, error_msg`

func marshalExportOptions(o domain.ExportOptions) ([]byte, error) { return json.Marshal(o) }

func unmarshalExportOptions(raw []byte) (domain.ExportOptions, error) {
	var o domain.ExportOptions
	if len(raw) == 0 {
		return o, nil
	}
	err := json.Unmarshal(raw, &o)
	return o, err
}

func scanExportJob(row interface{ Scan(...any) error }) (domain.ExportJob, error) {
	var job domain.ExportJob
	var optionsJSON []byte
	err := row.Scan(&job.ID, &job.ProjectID, &job.UserID, &optionsJSON, &job.Status, &job.Phase, &job.Progress,
		&job.ArtifactPath, &job.Checksum, &job.StartedAt, &job.CompletedAt, &job.CancelledAt, &job.ErrorCode, &job.ErrorMsg)
	if err != nil {
		return domain.ExportJob{}, err
	}
	job.Options, err = unmarshalExportOptions(optionsJSON)
	return job, err
}

// CreateExportJob inserts a new export job in status 'pending'.
func (s *Store) CreateExportJob(ctx domain.Context, job domain.ExportJob) (string, error) {
	tracer := otel.Tracer("repo.exports")
	ctx, span := tracer.Start(ctx, "exports.Create")
	defer span.End()
	span.SetAttributes(attribute.String("db.sql.table", "export_jobs"))

	id := job.ID
	if id == "" {
		id = uuid.New().String()
	}
	if job.Status == "" {
		job.Status = domain.ExportPending
	}
	if job.Phase == "" {
		job.Phase = domain.PhaseQueued
	}
	optionsJSON, err := marshalExportOptions(job.Options)
	if err != nil {
		return "", fmt.Errorf("op=export.create.marshal: %w", err)
	}
	started := job.StartedAt
	if started.IsZero() {
		started = nowUTC()
	}
	q := `INSERT INTO export_jobs (` + exportJobColumns + `)
	      VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)`
	_, err = s.withExecutor(ctx).Exec(ctx, q, id, job.ProjectID, job.UserID, optionsJSON, job.Status, job.Phase, job.Progress,
		job.ArtifactPath, job.Checksum, started, job.CompletedAt, job.CancelledAt, job.ErrorCode, job.ErrorMsg)
	if err != nil {
		return "", fmt.Errorf("op=export.create: %w", err)
	}
	return id, nil
}

// GetExportJob loads an export job by id.
func (s *Store) GetExportJob(ctx domain.Context, id string) (domain.ExportJob, error) {
	tracer := otel.Tracer("repo.exports")
	ctx, span := tracer.Start(ctx, "exports.Get")
	defer span.End()

	q := `SELECT ` + exportJobColumns + ` FROM export_jobs WHERE id=$1`
	job, err := scanExportJob(s.withExecutor(ctx).QueryRow(ctx, q, id))
	if err != nil {
		return domain.ExportJob{}, wrapNotFound("export.get", err)
	}
	return job, nil
}

// UpdateExportProgress advances phase/progress for a job still in 'processing'.
func (s *Store) UpdateExportProgress(ctx domain.Context, id string, phase domain.ExportPhase, progress int) error {
	tracer := otel.Tracer("repo.exports")
	ctx, span := tracer.Start(ctx, "exports.UpdateProgress")
	defer span.End()
	span.SetAttributes(attribute.String("export.phase", string(phase)), attribute.Int("export.progress", progress))

	q := `UPDATE export_jobs SET phase=$1, progress=$2 WHERE id=$3 AND status=$4`
	tag, err := s.withExecutor(ctx).Exec(ctx, q, phase, progress, id, domain.ExportProcessing)
	if err != nil {
		return fmt.Errorf("op=export.updateprogress: %w", err)
	}
	if noRowsAffected(tag) {
		return fmt.Errorf("op=export.updateprogress: %w", domain.ErrConflict)
	}
	return nil
}

// TransitionExportJob performs a CAS status transition, succeeding only if
// the job's current status is one of expected. This lets a cancellation win
// a race against a concurrently completing worker (spec.md §4.4).
func (s *Store) TransitionExportJob(ctx domain.Context, id string, expected []domain.ExportStatus, next domain.ExportStatus) error {
	tracer := otel.Tracer("repo.exports")
	ctx, span := tracer.Start(ctx, "exports.Transition")
	defer span.End()
	span.SetAttributes(attribute.String("export.next_status", string(next)))

	var cancelledAt any
	if next == domain.ExportCancelled {
		cancelledAt = nowUTC()
	}
	q := `UPDATE export_jobs SET status=$1, cancelled_at=COALESCE($2, cancelled_at)
	      WHERE id=$3 AND status = ANY($4)`
	tag, err := s.withExecutor(ctx).Exec(ctx, q, next, cancelledAt, id, expected)
	if err != nil {
		return fmt.Errorf("op=export.transition: %w", err)
	}
	if noRowsAffected(tag) {
		return fmt.Errorf("op=export.transition: %w", domain.ErrConflict)
	}
	return nil
}

// CompleteExportJob marks a job completed with its resulting artifact.
func (s *Store) CompleteExportJob(ctx domain.Context, id, artifactPath, checksum string) error {
	tracer := otel.Tracer("repo.exports")
	ctx, span := tracer.Start(ctx, "exports.Complete")
	defer span.End()

	q := `UPDATE export_jobs SET status=$1, phase=$2, progress=100, artifact_path=$3, checksum=$4, completed_at=$5
	      WHERE id=$6 AND status=$7`
	tag, err := s.withExecutor(ctx).Exec(ctx, q, domain.ExportCompleted, domain.PhaseReady, artifactPath, checksum, nowUTC(), id, domain.ExportProcessing)
	if err != nil {
		return fmt.Errorf("op=export.complete: %w", err)
	}
	if noRowsAffected(tag) {
		return fmt.Errorf("op=export.complete: %w", domain.ErrConflict)
	}
	return nil
}

// FailExportJob marks a job failed with an error code/message.
func (s *Store) FailExportJob(ctx domain.Context, id, errCode, errMsg string) error {
	tracer := otel.Tracer("repo.exports")
	ctx, span := tracer.Start(ctx, "exports.Fail")
	defer span.End()
	span.SetAttributes(attribute.String("export.error_code", errCode))

	q := `UPDATE export_jobs SET status=$1, error_code=$2, error_msg=$3, completed_at=$4
	      WHERE id=$5 AND status=$6`
	tag, err := s.withExecutor(ctx).Exec(ctx, q, domain.ExportFailed, errCode, errMsg, nowUTC(), id, domain.ExportProcessing)
	if err != nil {
		return fmt.Errorf("op=export.fail: %w", err)
	}
	if noRowsAffected(tag) {
		return fmt.Errorf("op=export.fail: %w", domain.ErrConflict)
	}
	return nil
}

// ListExportJobs lists export jobs matching filter, most recent first.
func (s *Store) ListExportJobs(ctx domain.Context, filter domain.ExportJobFilter) ([]domain.ExportJob, error) {
	tracer := otel.Tracer("repo.exports")
	ctx, span := tracer.Start(ctx, "exports.List")
	defer span.End()

	q := `SELECT ` + exportJobColumns + ` FROM export_jobs WHERE 1=1`
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
	q += " ORDER BY started_at DESC"

	rows, err := s.withExecutor(ctx).Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("op=export.list: %w", err)
	}
	defer rows.Close()

	var out []domain.ExportJob
	for rows.Next() {
		job, err := scanExportJob(rows)
		if err != nil {
			return nil, fmt.Errorf("op=export.list.scan: %w", err)
		}
		out = append(out, job)
	}
	return out, rows.Err()
}

// ListInterruptedExportJobs returns jobs left in 'pending' or 'processing',
// used by the restart-time sweep to resolve work orphaned by a crash
// (spec.md §4.3 Resumption).
func (s *Store) ListInterruptedExportJobs(ctx domain.Context) ([]domain.ExportJob, error) {
	tracer := otel.Tracer("repo.exports")
	ctx, span := tracer.Start(ctx, "exports.ListInterrupted")
	defer span.End()

	q := `SELECT ` + exportJobColumns + ` FROM export_jobs WHERE status = ANY($1)`
	rows, err := s.withExecutor(ctx).Query(ctx, q, []domain.ExportStatus{domain.ExportPending, domain.ExportProcessing})
	if err != nil {
		return nil, fmt.Errorf("op=export.listinterrupted: %w", err)
	}
	defer rows.Close()

	var out []domain.ExportJob
	for rows.Next() {
		job, err := scanExportJob(rows)
		if err != nil {
			return nil, fmt.Errorf("op=export.listinterrupted.scan: %w", err)
		}
		out = append(out, job)
	}
	return out, rows.Err()
}
