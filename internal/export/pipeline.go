package export

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/segforge/segcore/internal/domain"
)

// runJob drives one ExportJob through its phase pipeline (spec.md §4.3:
// images -> visualizations -> annotations -> metrics -> compression ->
// ready), checking for cancellation at every phase boundary and throttling
// progress events to at most one per ProgressThrottle interval.
func (e *Engine) runJob(parent context.Context, job domain.ExportJob) {
	ctx, cancel := context.WithTimeout(parent, e.cfg.JobTimeout)
	e.cancelMu.Lock()
	e.cancels[job.ID] = cancel
	e.cancelMu.Unlock()
	defer func() {
		cancel()
		e.cancelMu.Lock()
		delete(e.cancels, job.ID)
		e.cancelMu.Unlock()
	}()

	if err := e.store.TransitionExportJob(ctx, job.ID, []domain.ExportStatus{domain.ExportPending}, domain.ExportProcessing); err != nil {
		if isConflict(err) {
			return // cancelled before it started running
		}
		logExportErr("run.transition_processing", err, job.ID)
		return
	}
	job.Status = domain.ExportProcessing

	images, err := e.store.ListImages(ctx, job.ProjectID, job.Options.SelectedImageIDs)
	if err != nil {
		e.failJob(ctx, job, err)
		return
	}

	p := &jobRun{engine: e, ctx: ctx, job: job, images: images, stageDir: filepath.Join(e.artifactDir(job), job.ID+".work")}
	if err := os.MkdirAll(p.stageDir, 0o755); err != nil {
		e.failJob(ctx, job, fmt.Errorf("op=export.stage_dir: %w", err))
		return
	}
	defer os.RemoveAll(p.stageDir)

	phases := []struct {
		phase ExportPhase
		run   func() error
	}{
		{domain.PhaseImages, p.phaseImages},
		{domain.PhaseVisualizations, p.phaseVisualizations},
		{domain.PhaseAnnotations, p.phaseAnnotations},
		{domain.PhaseMetrics, p.phaseMetrics},
		{domain.PhaseCompression, p.phaseCompression},
	}

	for _, ph := range phases {
		if err := ctx.Err(); err != nil {
			e.handleCancelledOrTimeout(ctx, job)
			return
		}
		e.advancePhase(ctx, job, ph.phase)
		if err := ph.run(); err != nil {
			if err := ctx.Err(); err != nil {
				e.handleCancelledOrTimeout(ctx, job)
				return
			}
			e.failJob(ctx, job, err)
			return
		}
	}

	if err := e.store.CompleteExportJob(ctx, job.ID, p.artifactPath, p.checksum); err != nil {
		logExportErr("run.complete", err, job.ID)
		return
	}
	job.Status = domain.ExportCompleted
	job.Phase = domain.PhaseReady
	job.ArtifactPath = p.artifactPath
	job.Checksum = p.checksum
	e.bus.Publish(roomExport(job.ID), domain.Event{Name: domain.EventExportCompleted, Payload: exportStatusPayloadOf(job)})
	e.bus.Publish(roomProject(job.ProjectID), domain.Event{Name: domain.EventExportCompleted, Payload: exportStatusPayloadOf(job)})
}

// ExportPhase is a local alias kept for readability in this file's phase
// table; it is exactly domain.ExportPhase.
type ExportPhase = domain.ExportPhase

func (e *Engine) advancePhase(ctx context.Context, job domain.ExportJob, phase domain.ExportPhase) {
	job.Phase = phase
	if err := e.store.UpdateExportProgress(ctx, job.ID, phase, 0); err != nil {
		logExportErr("run.advance_phase", err, job.ID)
	}
	e.bus.Publish(roomExport(job.ID), domain.Event{Name: domain.EventExportPhaseChanged, Payload: exportStatusPayloadOf(job)})
}

func (e *Engine) failJob(ctx context.Context, job domain.ExportJob, err error) {
	code, _ := domain.Classify(err)
	if err := e.store.FailExportJob(ctx, job.ID, string(code), err.Error()); err != nil {
		logExportErr("run.fail", err, job.ID)
	}
	e.bus.Publish(roomExport(job.ID), domain.Event{Name: domain.EventExportFailed, Payload: exportFailedPayload{JobID: job.ID, ErrorCode: string(code), Retryable: code == domain.CodeTransient}})
}

func (e *Engine) handleCancelledOrTimeout(ctx context.Context, job domain.ExportJob) {
	bg := context.Background()
	if err := e.store.TransitionExportJob(bg, job.ID, []domain.ExportStatus{domain.ExportProcessing}, domain.ExportCancelled); err == nil {
		e.bus.Publish(roomExport(job.ID), domain.Event{Name: domain.EventExportCancelled, Payload: exportStatusPayloadOf(job)})
		return
	}
	// Already cancelled by a racing Cancel() call; nothing further to do.
}

// jobRun holds the per-job working state threaded through the phase
// functions: staging directory, loaded images/segmentations, and the final
// artifact path/checksum once compression completes.
type jobRun struct {
	engine *Engine
	ctx    context.Context
	job    domain.ExportJob
	images []domain.Image

	segMu sync.Mutex
	segs  map[string]domain.Segmentation

	stageDir string

	artifactPath string
	checksum     string

	lastProgress   time.Time
	progressMu     sync.Mutex
}

func (p *jobRun) segmentationFor(imageID string) (domain.Segmentation, error) {
	p.segMu.Lock()
	if seg, ok := p.segs[imageID]; ok {
		p.segMu.Unlock()
		return seg, nil
	}
	p.segMu.Unlock()

	seg, err := p.engine.store.GetSegmentation(p.ctx, imageID)
	if err != nil {
		return domain.Segmentation{}, err
	}
	p.segMu.Lock()
	if p.segs == nil {
		p.segs = map[string]domain.Segmentation{}
	}
	p.segs[imageID] = seg
	p.segMu.Unlock()
	return seg, nil
}

// forEachImage runs fn over every image with bounded parallelism
// cfg.Fanout (spec.md §5 "per-job fan-out"), stopping early on the first error or on
// context cancellation.
func (p *jobRun) forEachImage(fn func(domain.Image) error) error {
	sem := make(chan struct{}, p.engine.cfg.Fanout)
	var wg sync.WaitGroup
	errCh := make(chan error, len(p.images))

	for _, img := range p.images {
		select {
		case <-p.ctx.Done():
			wg.Wait()
			return p.ctx.Err()
		case sem <- struct{}{}:
		}
		wg.Add(1)
		go func(img domain.Image) {
			defer wg.Done()
			defer func() { <-sem }()
			if err := fn(img); err != nil {
				select {
				case errCh <- err:
				default:
				}
			}
		}(img)
	}
	wg.Wait()
	close(errCh)
	p.reportProgress()
	for err := range errCh {
		return err
	}
	return nil
}

// reportProgress emits export:progress at most once per ProgressThrottle
// (spec.md §4.3's throttled progress requirement). The payload carries the
// job's id, status and phase only; no progress percentage is computed, and
// the Store's progress counter stays at 0 (advancePhase writes 0).
func (p *jobRun) reportProgress() {
	p.progressMu.Lock()
	defer p.progressMu.Unlock()
	now := time.Now()
	if now.Sub(p.lastProgress) < p.engine.cfg.ProgressThrottle {
		return
	}
	p.lastProgress = now
	p.engine.bus.Publish(roomExport(p.job.ID), domain.Event{Name: domain.EventExportProgress, Payload: exportStatusPayloadOf(p.job)})
}

func (p *jobRun) ensureStageDir(sub string) (string, error) {
	dir := filepath.Join(p.stageDir, sub)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("op=export.stage_dir: %w", err)
	}
	return dir, nil
}
