// Package queue implements the QueueEngine: enqueue/cancel API plus a
// single dispatcher loop that runs weighted round-robin scheduling across
// users within a global concurrency budget (spec.md §4.2).
package queue

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/segforge/segcore/internal/domain"
	"github.com/segforge/segcore/internal/stats"
)

// Config controls the dispatcher's scheduling and retry behavior.
type Config struct {
	// GlobalConcurrency is the budget C shared across every user.
	GlobalConcurrency int
	// PerUserConcurrency is the fairness cap U.
	PerUserConcurrency int
	// RetryMax is R, the number of transient-error retries per item.
	RetryMax int
	RetryBaseDelay time.Duration
	RetryMaxDelay  time.Duration
	// PollInterval is the dispatcher tick period; claiming is also
	// triggered immediately on enqueue via the wake channel.
	PollInterval time.Duration
	// ItemTimeout bounds one item's end-to-end processing time (spec.md §5).
	ItemTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.GlobalConcurrency <= 0 {
		c.GlobalConcurrency = 5
	}
	if c.PerUserConcurrency <= 0 {
		c.PerUserConcurrency = 2
	}
	if c.RetryMax <= 0 {
		c.RetryMax = 2
	}
	if c.RetryBaseDelay <= 0 {
		c.RetryBaseDelay = time.Second
	}
	if c.RetryMaxDelay <= 0 {
		c.RetryMaxDelay = 4 * time.Second
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 250 * time.Millisecond
	}
	if c.ItemTimeout <= 0 {
		c.ItemTimeout = 10 * time.Minute
	}
	return c
}

// Engine is the QueueEngine: it owns the dispatcher loop and the public
// enqueue/cancel/stats surface.
type Engine struct {
	cfg   Config
	store domain.Store
	bus   domain.EventBus
	infer domain.InferenceClient
	rend  domain.RenderEngine
	agg   *stats.Aggregator

	thumbDir string

	sem chan struct{}
	wake chan struct{}

	mu       sync.Mutex
	inFlight map[string]int // userID -> count of items this process is running

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New constructs an Engine. thumbDir is the directory segmentation
// thumbnails are written under.
func New(cfg Config, store domain.Store, bus domain.EventBus, infer domain.InferenceClient, rend domain.RenderEngine, agg *stats.Aggregator, thumbDir string) *Engine {
	cfg = cfg.withDefaults()
	return &Engine{
		cfg:      cfg,
		store:    store,
		bus:      bus,
		infer:    infer,
		rend:     rend,
		agg:      agg,
		thumbDir: thumbDir,
		sem:      make(chan struct{}, cfg.GlobalConcurrency),
		wake:     make(chan struct{}, 1),
		inFlight: map[string]int{},
	}
}

// Start launches the dispatcher loop in the background. Call Stop to end it.
func (e *Engine) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	e.cancel = cancel
	e.wg.Add(1)
	go e.dispatchLoop(ctx)
}

// Stop ends the dispatcher loop and waits for in-flight items to release
// their dispatcher-side bookkeeping (it does not interrupt items already
// mid-inference).
func (e *Engine) Stop() {
	if e.cancel != nil {
		e.cancel()
	}
	e.wg.Wait()
}

// EnqueueBatch creates QueueItems for imageIDs in one transaction and wakes
// the dispatcher. Returns ErrConflict if any image is already queued or
// processing (spec.md §4.2 "enqueue").
func (e *Engine) EnqueueBatch(ctx domain.Context, userID, projectID string, imageIDs []string, model string, threshold float64, detectHoles bool) (batchID string, itemIDs []string, err error) {
	if len(imageIDs) == 0 {
		return "", nil, fmt.Errorf("op=queue.enqueue: %w: imageIds is empty", domain.ErrInvalidArgument)
	}
	batchID = ulid.Make().String()
	now := time.Now().UTC()
	items := make([]domain.QueueItem, 0, len(imageIDs))
	itemIDs = make([]string, 0, len(imageIDs))
	for _, imgID := range imageIDs {
		id := ulid.Make().String()
		items = append(items, domain.QueueItem{
			ID:          id,
			UserID:      userID,
			ProjectID:   projectID,
			ImageID:     imgID,
			Model:       model,
			Threshold:   threshold,
			DetectHoles: detectHoles,
			Status:      domain.QueueQueued,
			EnqueuedAt:  now,
			BatchID:     batchID,
		})
		itemIDs = append(itemIDs, id)
	}

	err = e.store.WithTxn(ctx, func(ctx domain.Context) error {
		if err := e.store.EnqueueItems(ctx, items); err != nil {
			return err
		}
		for _, imgID := range imageIDs {
			img, err := e.store.GetImage(ctx, imgID)
			if err != nil {
				return err
			}
			// A re-enqueue from segmented/failed replaces the prior result
			// atomically on success (spec.md §4.2 state machine); any of
			// none/segmented/failed is a valid prior state here.
			if err := e.store.UpdateImageStatus(ctx, imgID, img.Status, domain.SegQueued); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return "", nil, fmt.Errorf("op=queue.enqueue: %w", err)
	}

	for _, imgID := range imageIDs {
		e.bus.Publish(roomProject(projectID), domain.Event{
			Name:    domain.EventQueueUpdate,
			Payload: queueUpdatePayload{Added: []string{imgID}, BatchID: batchID},
		})
	}
	e.bus.Publish(roomUser(userID), domain.Event{
		Name:    domain.EventQueueUpdate,
		Payload: queueUpdatePayload{Added: itemIDs, BatchID: batchID},
	})
	if e.agg != nil {
		e.agg.NotifyProject(projectID)
		e.agg.NotifyUser(userID)
	}
	e.signalWake()
	return batchID, itemIDs, nil
}

// CancelItems cancels every id currently queued; ids that are processing are
// returned as skipped (spec.md §4.2 "cancelItems").
func (e *Engine) CancelItems(ctx domain.Context, userID string, ids []string) (cancelled, skipped []string, err error) {
	cancelled, skipped, err = e.store.CancelQueuedItems(ctx, ids)
	if err != nil {
		return nil, nil, fmt.Errorf("op=queue.cancel: %w", err)
	}

	affectedProjects := map[string]struct{}{}
	for _, id := range cancelled {
		item, err := e.store.GetQueueItem(ctx, id)
		if err != nil {
			continue
		}
		_ = e.store.UpdateImageStatus(ctx, item.ImageID, domain.SegQueued, domain.SegNone)
		e.bus.Publish(roomProject(item.ProjectID), domain.Event{
			Name:    domain.EventSegmentationUpdate,
			Payload: segmentationUpdatePayload{ImageID: item.ImageID, Status: domain.SegNone},
		})
		affectedProjects[item.ProjectID] = struct{}{}
	}
	for projectID := range affectedProjects {
		if e.agg != nil {
			e.agg.NotifyProject(projectID)
		}
	}
	if e.agg != nil {
		e.agg.NotifyUser(userID)
	}
	return cancelled, skipped, nil
}

// CancelProject cancels every queued item in projectID owned by userID.
func (e *Engine) CancelProject(ctx domain.Context, userID, projectID string) (cancelled, skipped []string, err error) {
	items, err := e.store.ListQueueItems(ctx, domain.QueueItemFilter{
		ProjectID: projectID,
		UserID:    userID,
		Statuses:  []domain.QueueItemStatus{domain.QueueQueued, domain.QueueProcessing},
	})
	if err != nil {
		return nil, nil, fmt.Errorf("op=queue.cancel_project: %w", err)
	}
	ids := make([]string, len(items))
	for i, it := range items {
		ids[i] = it.ID
	}
	return e.CancelItems(ctx, userID, ids)
}

// CancelAll cancels every queued item owned by userID across all projects.
func (e *Engine) CancelAll(ctx domain.Context, userID string) (cancelled, skipped []string, err error) {
	items, err := e.store.ListQueueItems(ctx, domain.QueueItemFilter{
		UserID:   userID,
		Statuses: []domain.QueueItemStatus{domain.QueueQueued, domain.QueueProcessing},
	})
	if err != nil {
		return nil, nil, fmt.Errorf("op=queue.cancel_all: %w", err)
	}
	ids := make([]string, len(items))
	for i, it := range items {
		ids[i] = it.ID
	}
	return e.CancelItems(ctx, userID, ids)
}

// ProjectStats and UserStats expose the QueueEngine's `stats` contract
// operation, delegating the actual aggregation to the StatsAggregator.
func (e *Engine) ProjectStats(ctx domain.Context, projectID string) (domain.QueueStats, error) {
	return e.agg.ProjectStats(ctx, projectID)
}

func (e *Engine) UserStats(ctx domain.Context, userID string) (domain.QueueStats, error) {
	return e.agg.UserQueueStats(ctx, userID)
}

func (e *Engine) signalWake() {
	select {
	case e.wake <- struct{}{}:
	default:
	}
}

func (e *Engine) incInFlight(userID string) {
	e.mu.Lock()
	e.inFlight[userID]++
	e.mu.Unlock()
}

func (e *Engine) decInFlight(userID string) {
	e.mu.Lock()
	e.inFlight[userID]--
	if e.inFlight[userID] <= 0 {
		delete(e.inFlight, userID)
	}
	e.mu.Unlock()
}

func (e *Engine) currentInFlight(userID string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.inFlight[userID]
}

func ceilDiv(a, b int) int {
	if b <= 0 {
		return a
	}
	return int(math.Ceil(float64(a) / float64(b)))
}

func logEngineErr(op string, err error, kv ...any) {
	if err == nil {
		return
	}
	slog.Error("queue: "+op+" failed", append([]any{slog.Any("error", err)}, kv...)...)
}

func roomProject(id string) string { return "project:" + id }
func roomUser(id string) string    { return "user:" + id }
func roomBatch(id string) string   { return "batch:" + id }

type queueUpdatePayload struct {
	Added   []string `json:"added"`
	BatchID string   `json:"batchId"`
}

type segmentationUpdatePayload struct {
	ImageID string                    `json:"imageId"`
	Status  domain.SegmentationStatus `json:"status"`
}
