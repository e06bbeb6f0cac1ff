package queue_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/segforge/segcore/internal/adapter/inference/stub"
	memstore "github.com/segforge/segcore/internal/adapter/repo/memory"
	"github.com/segforge/segcore/internal/domain"
	"github.com/segforge/segcore/internal/eventbus"
	"github.com/segforge/segcore/internal/queue"
	"github.com/segforge/segcore/internal/stats"
)

func newTestEngine(t *testing.T, infer domain.InferenceClient) (*queue.Engine, *memstore.Store, *eventbus.Local) {
	t.Helper()
	store := memstore.New()
	bus := eventbus.NewLocal(50 * time.Millisecond)
	agg := stats.New(store, bus, 10*time.Millisecond)
	cfg := queue.Config{
		GlobalConcurrency:  5,
		PerUserConcurrency: 2,
		RetryMax:           2,
		RetryBaseDelay:     5 * time.Millisecond,
		RetryMaxDelay:      10 * time.Millisecond,
		PollInterval:       10 * time.Millisecond,
		ItemTimeout:        time.Second,
	}
	eng := queue.New(cfg, store, bus, infer, nil, agg, t.TempDir())
	return eng, store, bus
}

func seedImage(t *testing.T, store *memstore.Store, projectID string) domain.Image {
	t.Helper()
	id, err := store.CreateImage(context.Background(), domain.Image{ProjectID: projectID, OriginalPath: "/tmp/a.png"})
	require.NoError(t, err)
	img, err := store.GetImage(context.Background(), id)
	require.NoError(t, err)
	return img
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	require.Fail(t, "condition not met before timeout")
}

func TestEngine_EnqueueAndCompleteSuccessfully(t *testing.T) {
	infer := stub.New()
	infer.Polygons = []domain.Polygon{{Points: []domain.Point{{X: 0, Y: 0}, {X: 10, Y: 0}, {X: 10, Y: 10}}}}

	eng, store, _ := newTestEngine(t, infer)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	eng.Start(ctx)
	defer eng.Stop()

	img := seedImage(t, store, "proj-1")
	_, itemIDs, err := eng.EnqueueBatch(context.Background(), "user-1", "proj-1", []string{img.ID}, "cellpose", 0.5, true)
	require.NoError(t, err)
	require.Len(t, itemIDs, 1)

	waitFor(t, time.Second, func() bool {
		got, err := store.GetImage(context.Background(), img.ID)
		return err == nil && got.Status == domain.SegSegmented
	})

	item, err := store.GetQueueItem(context.Background(), itemIDs[0])
	require.NoError(t, err)
	assert.Equal(t, domain.QueueCompleted, item.Status)

	seg, err := store.GetSegmentation(context.Background(), img.ID)
	require.NoError(t, err)
	assert.Len(t, seg.Polygons, 1)
}

func TestEngine_EnqueueConflictWhenAlreadyQueued(t *testing.T) {
	infer := stub.New()
	infer.Delay = 200 * time.Millisecond
	eng, store, _ := newTestEngine(t, infer)

	img := seedImage(t, store, "proj-1")
	_, _, err := eng.EnqueueBatch(context.Background(), "user-1", "proj-1", []string{img.ID}, "cellpose", 0.5, false)
	require.NoError(t, err)

	_, _, err = eng.EnqueueBatch(context.Background(), "user-1", "proj-1", []string{img.ID}, "cellpose", 0.5, false)
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrConflict)
}

func TestEngine_FailureAfterRetriesExhausted(t *testing.T) {
	infer := stub.New()
	infer.Err = domain.ErrTransient

	eng, store, _ := newTestEngine(t, infer)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	eng.Start(ctx)
	defer eng.Stop()

	img := seedImage(t, store, "proj-1")
	_, itemIDs, err := eng.EnqueueBatch(context.Background(), "user-1", "proj-1", []string{img.ID}, "cellpose", 0.5, false)
	require.NoError(t, err)

	waitFor(t, 2*time.Second, func() bool {
		got, err := store.GetImage(context.Background(), img.ID)
		return err == nil && got.Status == domain.SegFailed
	})

	item, err := store.GetQueueItem(context.Background(), itemIDs[0])
	require.NoError(t, err)
	assert.Equal(t, domain.QueueFailed, item.Status)
	assert.NotEmpty(t, item.ErrorCode)
}

func TestEngine_CancelItemsSkipsProcessing(t *testing.T) {
	infer := stub.New()
	infer.Delay = 300 * time.Millisecond
	eng, store, _ := newTestEngine(t, infer)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	eng.Start(ctx)
	defer eng.Stop()

	imgA := seedImage(t, store, "proj-1")
	imgB := seedImage(t, store, "proj-1")
	_, itemIDs, err := eng.EnqueueBatch(context.Background(), "user-1", "proj-1", []string{imgA.ID, imgB.ID}, "cellpose", 0.5, false)
	require.NoError(t, err)

	waitFor(t, time.Second, func() bool {
		a, _ := store.GetQueueItem(context.Background(), itemIDs[0])
		b, _ := store.GetQueueItem(context.Background(), itemIDs[1])
		return a.Status == domain.QueueProcessing && b.Status == domain.QueueProcessing
	})

	cancelled, skipped, err := eng.CancelItems(context.Background(), "user-1", itemIDs)
	require.NoError(t, err)
	assert.Empty(t, cancelled)
	assert.Len(t, skipped, 2)
}

func TestEngine_UserStats(t *testing.T) {
	infer := stub.New()
	eng, store, _ := newTestEngine(t, infer)

	img := seedImage(t, store, "proj-1")
	_, _, err := eng.EnqueueBatch(context.Background(), "user-1", "proj-1", []string{img.ID}, "cellpose", 0.5, false)
	require.NoError(t, err)

	st, err := eng.UserStats(context.Background(), "user-1")
	require.NoError(t, err)
	assert.Equal(t, 1, st.Queued)
}
