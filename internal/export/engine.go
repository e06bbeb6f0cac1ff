// Package export implements the ExportEngine: a per-job archive-assembly
// pipeline (images, visualizations, annotations, metrics, compression) run
// over a bounded worker pool of size E with bounded per-job fan-out (spec.md
// §4.3, §5).
package export

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/segforge/segcore/internal/domain"
)

// Config controls the ExportEngine's worker pool and per-job pipeline.
type Config struct {
	// WorkerPoolSize is E, the number of export jobs processed concurrently.
	WorkerPoolSize int
	// Fanout is the per-job parallelism for image-level phases.
	Fanout int
	// ProgressThrottle bounds how often export:progress is emitted per job.
	ProgressThrottle time.Duration
	// JobTimeout bounds one job's total pipeline run.
	JobTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.WorkerPoolSize <= 0 {
		c.WorkerPoolSize = 2
	}
	if c.Fanout <= 0 {
		c.Fanout = 4
	}
	if c.ProgressThrottle <= 0 {
		c.ProgressThrottle = 200 * time.Millisecond
	}
	if c.JobTimeout <= 0 {
		c.JobTimeout = 30 * time.Minute
	}
	return c
}

// Engine is the ExportEngine: it owns the job worker pool and the public
// start/cancel/status surface.
type Engine struct {
	cfg   Config
	store domain.Store
	bus   domain.EventBus
	rend  domain.RenderEngine

	// exportRoot is the base directory under which per-user/project export
	// artifacts are written, per spec.md §6's persisted-state layout
	// ("{user}/{project}/exports/{jobId}.zip").
	exportRoot string

	queue chan domain.ExportJob
	wg    sync.WaitGroup

	cancelMu sync.Mutex
	cancels  map[string]context.CancelFunc
}

// New constructs an Engine. exportRoot is the directory under which
// "{user}/{project}/exports/{jobId}.zip" artifacts are written.
func New(cfg Config, store domain.Store, bus domain.EventBus, rend domain.RenderEngine, exportRoot string) *Engine {
	cfg = cfg.withDefaults()
	return &Engine{
		cfg:        cfg,
		store:      store,
		bus:        bus,
		rend:       rend,
		exportRoot: exportRoot,
		queue:      make(chan domain.ExportJob, 64),
		cancels:    map[string]context.CancelFunc{},
	}
}

// Start launches the worker pool. Call Stop to drain it.
func (e *Engine) Start(ctx context.Context) {
	for i := 0; i < e.cfg.WorkerPoolSize; i++ {
		e.wg.Add(1)
		go e.worker(ctx)
	}
}

// Stop closes the job queue and waits for in-flight jobs to finish their
// current phase boundary.
func (e *Engine) Stop() {
	close(e.queue)
	e.wg.Wait()
}

func (e *Engine) worker(ctx context.Context) {
	defer e.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case job, ok := <-e.queue:
			if !ok {
				return
			}
			e.runJob(ctx, job)
		}
	}
}

// StartExport creates a new ExportJob in 'pending' state and enqueues it.
func (e *Engine) StartExport(ctx domain.Context, userID, projectID string, opts domain.ExportOptions) (string, error) {
	opts = withOptionDefaults(opts)
	job := domain.ExportJob{
		UserID:    userID,
		ProjectID: projectID,
		Options:   opts,
		Status:    domain.ExportPending,
		Phase:     domain.PhaseQueued,
		StartedAt: time.Now().UTC(),
	}
	id, err := e.store.CreateExportJob(ctx, job)
	if err != nil {
		return "", fmt.Errorf("op=export.start: %w", err)
	}
	job.ID = id
	e.bus.Publish(roomExport(id), domain.Event{Name: domain.EventExportStarted, Payload: exportStatusPayloadOf(job)})
	e.bus.Publish(roomProject(projectID), domain.Event{Name: domain.EventExportStarted, Payload: exportStatusPayloadOf(job)})

	select {
	case e.queue <- job:
	default:
		// Pool backlog is full; the job stays 'pending' in the Store.
		// Nothing in this process re-enqueues it; ResumeInterrupted fails
		// it with INTERRUPTED at the next start. We still report success to
		// the caller: creation, not completion, is what §6 "202 Accepted"
		// promises.
		logExportErr("start.enqueue_full", nil, job.ID)
	}
	return id, nil
}

// Status returns the current ExportJob record.
func (e *Engine) Status(ctx domain.Context, jobID string) (domain.ExportJob, error) {
	job, err := e.store.GetExportJob(ctx, jobID)
	if err != nil {
		return domain.ExportJob{}, fmt.Errorf("op=export.status: %w", err)
	}
	return job, nil
}

// Cancel requests cancellation of jobID. Idempotent: cancelling an already
// terminal job is a no-op success (spec.md §6, "cancel ... 200 idempotent").
func (e *Engine) Cancel(ctx domain.Context, jobID string) error {
	job, err := e.store.GetExportJob(ctx, jobID)
	if err != nil {
		return fmt.Errorf("op=export.cancel: %w", err)
	}
	switch job.Status {
	case domain.ExportCompleted, domain.ExportFailed, domain.ExportCancelled:
		return nil
	}

	e.cancelMu.Lock()
	cancel, running := e.cancels[jobID]
	e.cancelMu.Unlock()
	if running {
		cancel()
	}

	if err := e.store.TransitionExportJob(ctx, jobID, []domain.ExportStatus{domain.ExportPending, domain.ExportProcessing}, domain.ExportCancelled); err != nil {
		if isConflict(err) {
			// Job reached a terminal state concurrently; cancellation is
			// idempotent, so this is not an error from the caller's view.
			return nil
		}
		return fmt.Errorf("op=export.cancel: %w", err)
	}
	e.bus.Publish(roomExport(jobID), domain.Event{Name: domain.EventExportCancelled, Payload: exportStatusPayloadOf(job)})
	return nil
}

// DownloadPath returns the artifact path for a completed job, or
// ErrConflict if the job has not reached 'completed'.
func (e *Engine) DownloadPath(ctx domain.Context, jobID string) (string, error) {
	job, err := e.store.GetExportJob(ctx, jobID)
	if err != nil {
		return "", fmt.Errorf("op=export.download: %w", err)
	}
	if job.Status != domain.ExportCompleted {
		return "", fmt.Errorf("op=export.download: %w: job is %s", domain.ErrConflict, job.Status)
	}
	return job.ArtifactPath, nil
}

// ResumeInterrupted marks every non-terminal job as failed with
// errorCode=INTERRUPTED at process start (spec.md §4.3 "Resumption").
func (e *Engine) ResumeInterrupted(ctx domain.Context) (int, error) {
	jobs, err := e.store.ListInterruptedExportJobs(ctx)
	if err != nil {
		return 0, fmt.Errorf("op=export.resume_interrupted: %w", err)
	}
	n := 0
	for _, job := range jobs {
		// FailExportJob requires the 'processing' status; a job still
		// 'pending' (never claimed by a worker before the crash) must be
		// advanced there first so the same terminal-transition path applies
		// uniformly.
		if job.Status == domain.ExportPending {
			if err := e.store.TransitionExportJob(ctx, job.ID, []domain.ExportStatus{domain.ExportPending}, domain.ExportProcessing); err != nil {
				logExportErr("resume_interrupted.advance", err, job.ID)
				continue
			}
		}
		if err := e.store.FailExportJob(ctx, job.ID, string(domain.CodeInterrupted), "export job interrupted by process restart"); err != nil {
			logExportErr("resume_interrupted.fail", err, job.ID)
			continue
		}
		e.bus.Publish(roomExport(job.ID), domain.Event{Name: domain.EventExportFailed, Payload: exportFailedPayload{JobID: job.ID, ErrorCode: string(domain.CodeInterrupted), Retryable: false}})
		n++
	}
	return n, nil
}

func (e *Engine) artifactDir(job domain.ExportJob) string {
	return filepath.Join(e.exportRoot, job.UserID, job.ProjectID, "exports")
}

func (e *Engine) artifactPath(job domain.ExportJob) string {
	return filepath.Join(e.artifactDir(job), job.ID+".zip")
}

func roomExport(jobID string) string  { return "export:" + jobID }
func roomProject(id string) string    { return "project:" + id }

func isConflict(err error) bool {
	code, _ := domain.Classify(err)
	return code == domain.CodeConflict
}

func logExportErr(op string, err error, jobID string) {
	if err == nil {
		slog.Warn("export: "+op, slog.String("job_id", jobID))
		return
	}
	slog.Error("export: "+op+" failed", slog.String("job_id", jobID), slog.Any("error", err))
}

func withOptionDefaults(o domain.ExportOptions) domain.ExportOptions {
	if len(o.AnnotationFormats) == 0 {
		o.AnnotationFormats = nil
	}
	if o.Visualization.StrokeWidth == 0 {
		o.Visualization.StrokeWidth = 2
	}
	if o.Visualization.FontSize == 0 {
		o.Visualization.FontSize = 16
	}
	if o.Visualization.ExternalColor == "" {
		o.Visualization.ExternalColor = "#FF0000"
	}
	if o.Visualization.InternalColor == "" {
		o.Visualization.InternalColor = "#0000FF"
	}
	return o
}

type exportStatusPayload struct {
	ID     string              `json:"id"`
	Status domain.ExportStatus `json:"status"`
	Phase  domain.ExportPhase  `json:"phase"`
}

func exportStatusPayloadOf(job domain.ExportJob) exportStatusPayload {
	return exportStatusPayload{ID: job.ID, Status: job.Status, Phase: job.Phase}
}

type exportFailedPayload struct {
	JobID     string `json:"jobId"`
	ErrorCode string `json:"errorCode"`
	Retryable bool   `json:"retryable"`
}
