package reconciler_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	memstore "github.com/segforge/segcore/internal/adapter/repo/memory"
	"github.com/segforge/segcore/internal/domain"
	"github.com/segforge/segcore/internal/reconciler"
)

func TestQueueItemStatus_Found(t *testing.T) {
	store := memstore.New()
	ctx := context.Background()
	require.NoError(t, store.EnqueueItems(ctx, []domain.QueueItem{{ID: "item-1", UserID: "u1", ProjectID: "p1", ImageID: "img-1", Status: domain.QueueQueued}}))

	r := reconciler.New(store)
	status, ok, err := r.QueueItemStatus(ctx, "item-1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, domain.QueueQueued, status)
}

func TestQueueItemStatus_NotFound(t *testing.T) {
	r := reconciler.New(memstore.New())
	status, ok, err := r.QueueItemStatus(context.Background(), "missing")
	require.NoError(t, err)
	require.False(t, ok)
	require.Empty(t, status)
}

func TestExportJobStatus_Found(t *testing.T) {
	store := memstore.New()
	ctx := context.Background()
	id, err := store.CreateExportJob(ctx, domain.ExportJob{ProjectID: "p1", UserID: "u1", Status: domain.ExportPending})
	require.NoError(t, err)

	r := reconciler.New(store)
	status, ok, err := r.ExportJobStatus(ctx, id)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, domain.ExportPending, status)
}

func TestReconcileQueueItems_MixedKnownAndUnknown(t *testing.T) {
	store := memstore.New()
	ctx := context.Background()
	require.NoError(t, store.EnqueueItems(ctx, []domain.QueueItem{{ID: "item-1", UserID: "u1", ProjectID: "p1", ImageID: "img-1", Status: domain.QueueCompleted}}))

	r := reconciler.New(store)
	out, err := r.ReconcileQueueItems(ctx, []string{"item-1", "item-missing"})
	require.NoError(t, err)
	require.Equal(t, map[string]domain.QueueItemStatus{"item-1": domain.QueueCompleted}, out)
}
