// Package reconciler implements cross-client state reconciliation (spec.md
// §4.4): a client that reconnects after a dropped realtime connection asks
// for the last terminal status of the items it cares about instead of
// trusting a possibly-stale in-memory view.
package reconciler

import (
	"fmt"
	"sync"

	"github.com/segforge/segcore/internal/domain"
)

// Reconciler answers status queries against the Store and serializes
// concurrent reconcile calls for the same job/item via a lazily-created
// per-id mutex. Only Reconciler methods take these locks; the dispatcher and
// the export engine write statuses without them.
type Reconciler struct {
	store domain.Store

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// New constructs a Reconciler backed by store.
func New(store domain.Store) *Reconciler {
	return &Reconciler{store: store, locks: map[string]*sync.Mutex{}}
}

func (r *Reconciler) lockFor(key string) *sync.Mutex {
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.locks[key]
	if !ok {
		l = &sync.Mutex{}
		r.locks[key] = l
	}
	return l
}

// forget drops the per-key lock when it is not held at that moment, so
// long-lived processes don't accumulate one mutex per item/job ever
// reconciled. TryLock does not see goroutines blocked in Lock, so such a
// waiter can end up holding a mutex that is no longer in the map.
func (r *Reconciler) forget(key string, l *sync.Mutex) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if l.TryLock() {
		delete(r.locks, key)
		l.Unlock()
	}
}

// QueueItemStatus returns the current status of a QueueItem, the single
// source of truth for "what actually happened while I was disconnected."
func (r *Reconciler) QueueItemStatus(ctx domain.Context, itemID string) (domain.QueueItemStatus, bool, error) {
	key := "item:" + itemID
	l := r.lockFor(key)
	l.Lock()
	defer func() {
		l.Unlock()
		r.forget(key, l)
	}()

	item, err := r.store.GetQueueItem(ctx, itemID)
	if err != nil {
		if isNotFound(err) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("op=reconciler.queue_item_status: %w", err)
	}
	return item.Status, true, nil
}

// ExportJobStatus returns the current status of an ExportJob.
func (r *Reconciler) ExportJobStatus(ctx domain.Context, jobID string) (domain.ExportStatus, bool, error) {
	key := "job:" + jobID
	l := r.lockFor(key)
	l.Lock()
	defer func() {
		l.Unlock()
		r.forget(key, l)
	}()

	job, err := r.store.GetExportJob(ctx, jobID)
	if err != nil {
		if isNotFound(err) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("op=reconciler.export_job_status: %w", err)
	}
	return job.Status, true, nil
}

// ReconcileQueueItems resolves a reconnecting client's last-known item ids to
// their current terminal (or non-terminal) status in one pass.
func (r *Reconciler) ReconcileQueueItems(ctx domain.Context, itemIDs []string) (map[string]domain.QueueItemStatus, error) {
	out := make(map[string]domain.QueueItemStatus, len(itemIDs))
	for _, id := range itemIDs {
		status, ok, err := r.QueueItemStatus(ctx, id)
		if err != nil {
			return nil, err
		}
		if ok {
			out[id] = status
		}
	}
	return out, nil
}

func isNotFound(err error) bool {
	code, _ := domain.Classify(err)
	return code == domain.CodeNotFound
}
