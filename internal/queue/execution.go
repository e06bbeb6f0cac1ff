package queue

import (
	"context"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/segforge/segcore/internal/domain"
)

const segThumbnailMaxDim = 256

func isConflict(err error) bool {
	code, _ := domain.Classify(err)
	return code == domain.CodeConflict
}

// executeItem runs one claimed QueueItem end to end: mark the image
// processing, call the inference backend with bounded retries, then either
// commit the segmentation or record a terminal failure (spec.md §4.2
// "Execution").
func (e *Engine) executeItem(parent context.Context, item domain.QueueItem) {
	ctx, cancel := context.WithTimeout(parent, e.cfg.ItemTimeout)
	defer cancel()

	img, err := e.store.GetImage(ctx, item.ImageID)
	if err != nil {
		logEngineErr("execute.get_image", err, slog.String("item_id", item.ID))
		return
	}

	if err := e.store.UpdateImageStatus(ctx, img.ID, domain.SegQueued, domain.SegProcessing); err != nil && !isConflict(err) {
		logEngineErr("execute.mark_processing", err, slog.String("item_id", item.ID))
	}
	e.publishSegmentationUpdate(item, domain.SegProcessing)

	onProgress := func(p domain.InferenceProgress) {
		e.publishProgress(item, p)
	}

	result, err := e.runWithRetry(ctx, item, img, onProgress)
	if err != nil {
		e.finishFailure(ctx, item, err)
		return
	}
	e.finishSuccess(ctx, item, img, result)
}

// runWithRetry calls the inference backend, retrying ErrTransient outcomes
// up to cfg.RetryMax times with the fixed backoff schedule (spec.md §4.2).
func (e *Engine) runWithRetry(ctx context.Context, item domain.QueueItem, img domain.Image, onProgress func(domain.InferenceProgress)) (domain.InferenceResult, error) {
	delays := []time.Duration{e.cfg.RetryBaseDelay, e.cfg.RetryMaxDelay}

	var lastErr error
	for attempt := 0; attempt <= e.cfg.RetryMax; attempt++ {
		result, err := e.infer.Run(ctx, img.OriginalPath, item.Model, item.Threshold, item.DetectHoles, onProgress)
		if err == nil {
			return result, nil
		}
		lastErr = err
		if _, retryable := domain.Classify(err); !retryable {
			return domain.InferenceResult{}, err
		}
		if attempt == e.cfg.RetryMax {
			break
		}
		delay := e.cfg.RetryBaseDelay
		if attempt < len(delays) {
			delay = delays[attempt]
		}
		select {
		case <-ctx.Done():
			return domain.InferenceResult{}, ctx.Err()
		case <-time.After(delay):
		}
	}
	return domain.InferenceResult{}, lastErr
}

// finishSuccess commits the segmentation result in one transaction and
// kicks off thumbnail generation. A TransitionQueueItem conflict means the
// item was no longer `processing` (e.g. raced with a cancellation) and the
// result is dropped rather than resurrecting it (spec.md §4.2 "Cancellation
// races").
func (e *Engine) finishSuccess(ctx context.Context, item domain.QueueItem, img domain.Image, result domain.InferenceResult) {
	seg := domain.Segmentation{
		ImageID:     img.ID,
		Polygons:    result.Polygons,
		Model:       item.Model,
		Threshold:   item.Threshold,
		DetectHoles: item.DetectHoles,
		Duration:    result.Duration,
		CreatedAt:   time.Now().UTC(),
	}

	err := e.store.WithTxn(ctx, func(ctx domain.Context) error {
		if err := e.store.PutSegmentation(ctx, seg); err != nil {
			return err
		}
		if err := e.store.UpdateImageStatus(ctx, img.ID, domain.SegProcessing, domain.SegSegmented); err != nil {
			return err
		}
		return e.store.TransitionQueueItem(ctx, item.ID, domain.QueueProcessing, domain.QueueCompleted, "", "")
	})
	if err != nil {
		if isConflict(err) {
			slog.Info("queue: dropping completion for item no longer processing",
				slog.String("item_id", item.ID), slog.String("image_id", img.ID))
			return
		}
		logEngineErr("execute.commit_success", err, slog.String("item_id", item.ID))
		return
	}

	e.bus.Publish(roomProject(item.ProjectID), domain.Event{
		Name:    domain.EventSegmentationCompleted,
		Payload: segmentationCompletedPayload{ImageID: img.ID, PolygonCount: len(result.Polygons)},
	})
	e.publishSegmentationUpdate(item, domain.SegSegmented)

	if e.agg != nil {
		e.agg.NotifyProject(item.ProjectID)
		e.agg.NotifyUser(item.UserID)
	}

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.generateThumbnail(context.Background(), img, result.Polygons)
	}()
}

// finishFailure records a terminal failure with its classified error code.
func (e *Engine) finishFailure(ctx context.Context, item domain.QueueItem, runErr error) {
	code, _ := domain.Classify(runErr)

	err := e.store.TransitionQueueItem(ctx, item.ID, domain.QueueProcessing, domain.QueueFailed, string(code), runErr.Error())
	if err != nil && isConflict(err) {
		slog.Info("queue: dropping failure for item no longer processing", slog.String("item_id", item.ID))
		return
	}
	if err := e.store.UpdateImageStatus(ctx, item.ImageID, domain.SegProcessing, domain.SegFailed); err != nil && !isConflict(err) {
		logEngineErr("execute.mark_failed", err, slog.String("item_id", item.ID))
	}

	e.bus.Publish(roomProject(item.ProjectID), domain.Event{
		Name:    domain.EventSegmentationFailed,
		Payload: segmentationFailedPayload{ImageID: item.ImageID, ErrorCode: string(code), ErrorMsg: runErr.Error()},
	})
	e.publishSegmentationUpdate(item, domain.SegFailed)

	if e.agg != nil {
		e.agg.NotifyProject(item.ProjectID)
		e.agg.NotifyUser(item.UserID)
	}
}

func (e *Engine) generateThumbnail(ctx context.Context, img domain.Image, polygons []domain.Polygon) {
	if e.rend == nil {
		return
	}
	dest := filepath.Join(e.thumbDir, img.ID+"_seg.jpg")
	opts := domain.VisualizationOptions{
		ExternalColor: "#FF0000",
		InternalColor: "#00AAFF",
		StrokeWidth:   2,
		Transparency:  0.4,
	}
	if err := e.rend.RenderThumbnail(ctx, img.OriginalPath, dest, polygons, opts, segThumbnailMaxDim); err != nil {
		logEngineErr("execute.render_thumbnail", err, slog.String("image_id", img.ID))
		return
	}
	if err := e.store.SetImageThumbnails(ctx, img.ID, img.ThumbnailPath, dest); err != nil {
		logEngineErr("execute.save_thumbnail", err, slog.String("image_id", img.ID))
	}
}

func (e *Engine) publishSegmentationUpdate(item domain.QueueItem, status domain.SegmentationStatus) {
	payload := segmentationUpdatePayload{ImageID: item.ImageID, Status: status}
	e.bus.Publish(roomProject(item.ProjectID), domain.Event{Name: domain.EventSegmentationUpdate, Payload: payload})
	e.bus.Publish(roomUser(item.UserID), domain.Event{Name: domain.EventSegmentationUpdate, Payload: payload})
	if item.BatchID != "" {
		e.bus.Publish(roomBatch(item.BatchID), domain.Event{Name: domain.EventSegmentationUpdate, Payload: payload})
	}
}

func (e *Engine) publishProgress(item domain.QueueItem, p domain.InferenceProgress) {
	payload := segmentationProgressPayload{ImageID: item.ImageID, Stage: p.Stage, Progress: p.Progress}
	e.bus.Publish(roomProject(item.ProjectID), domain.Event{Name: domain.EventSegmentationProgress, Payload: payload})
	if item.BatchID != "" {
		e.bus.Publish(roomBatch(item.BatchID), domain.Event{Name: domain.EventSegmentationProgress, Payload: payload})
	}
}

type segmentationProgressPayload struct {
	ImageID  string              `json:"imageId"`
	Stage    domain.ProgressStage `json:"stage"`
	Progress int                 `json:"progress"`
}

type segmentationCompletedPayload struct {
	ImageID      string `json:"imageId"`
	PolygonCount int    `json:"polygonCount"`
}

type segmentationFailedPayload struct {
	ImageID   string `json:"imageId"`
	ErrorCode string `json:"errorCode"`
	ErrorMsg  string `json:"errorMsg"`
}
