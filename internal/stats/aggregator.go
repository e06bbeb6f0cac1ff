// Package stats implements domain-facing aggregation of queue and project
// counters, fanned out over the EventBus with a debounce window so bulk
// operations collapse into a single emission (spec.md §4.7).
package stats

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/segforge/segcore/internal/domain"
)

// Aggregator recomputes project/dashboard counters on demand and notifies
// subscribers, coalescing bursts of notify calls for the same scope.
type Aggregator struct {
	store domain.Store
	bus   domain.EventBus
	debounce time.Duration

	mu      sync.Mutex
	pending map[string]*time.Timer
}

// New constructs an Aggregator. debounce defaults to 250ms if non-positive.
func New(store domain.Store, bus domain.EventBus, debounce time.Duration) *Aggregator {
	if debounce <= 0 {
		debounce = 250 * time.Millisecond
	}
	return &Aggregator{
		store:    store,
		bus:      bus,
		debounce: debounce,
		pending:  map[string]*time.Timer{},
	}
}

// NotifyProject schedules a debounced ProjectStatsUpdate (and fan-out to
// accepted share recipients) for projectID.
func (a *Aggregator) NotifyProject(projectID string) {
	a.schedule("project:"+projectID, func() {
		a.emitProjectStats(context.Background(), projectID)
	})
}

// NotifyUser schedules a debounced DashboardMetricsUpdate for userID.
func (a *Aggregator) NotifyUser(userID string) {
	a.schedule("user:"+userID, func() {
		a.emitDashboardMetrics(context.Background(), userID)
	})
}

func (a *Aggregator) schedule(key string, fn func()) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if t, ok := a.pending[key]; ok {
		t.Stop()
	}
	a.pending[key] = time.AfterFunc(a.debounce, func() {
		a.mu.Lock()
		delete(a.pending, key)
		a.mu.Unlock()
		fn()
	})
}

// ProjectStats computes the current QueueStats for a project.
func (a *Aggregator) ProjectStats(ctx domain.Context, projectID string) (domain.QueueStats, error) {
	counts, err := a.store.CountQueueItemsByStatus(ctx, projectID, "")
	if err != nil {
		return domain.QueueStats{}, err
	}
	return statsFromCounts(projectID, counts), nil
}

// UserQueueStats computes the current QueueStats scoped to a user across
// all of their projects.
func (a *Aggregator) UserQueueStats(ctx domain.Context, userID string) (domain.QueueStats, error) {
	counts, err := a.store.CountQueueItemsByStatus(ctx, "", userID)
	if err != nil {
		return domain.QueueStats{}, err
	}
	return statsFromCounts(userID, counts), nil
}

// DashboardMetrics computes the current DashboardMetrics for a user,
// aggregating across every project the user owns.
func (a *Aggregator) DashboardMetrics(ctx domain.Context, userID string) (domain.DashboardMetrics, error) {
	projects, err := a.store.ListProjectsByOwner(ctx, userID)
	if err != nil {
		return domain.DashboardMetrics{}, err
	}
	metrics := domain.DashboardMetrics{UserID: userID, TotalProjects: len(projects)}
	for _, p := range projects {
		images, err := a.store.ListImages(ctx, p.ID, nil)
		if err != nil {
			return domain.DashboardMetrics{}, err
		}
		metrics.TotalImages += len(images)
		for _, img := range images {
			if img.Status == domain.SegSegmented {
				metrics.SegmentedImages++
			}
		}
	}
	counts, err := a.store.CountQueueItemsByStatus(ctx, "", userID)
	if err != nil {
		return domain.DashboardMetrics{}, err
	}
	metrics.QueueStats = statsFromCounts(userID, counts)
	return metrics, nil
}

func statsFromCounts(scopeID string, counts map[domain.QueueItemStatus]int) domain.QueueStats {
	st := domain.QueueStats{
		ScopeID:    scopeID,
		Queued:     counts[domain.QueueQueued],
		Processing: counts[domain.QueueProcessing],
		Completed:  counts[domain.QueueCompleted],
		Failed:     counts[domain.QueueFailed],
		Cancelled:  counts[domain.QueueCancelled],
	}
	// Rough wait estimate: queued items behind the in-flight ones, assuming
	// each item takes about 5s of backend time on average.
	const avgItemSecs = 5.0
	if st.Processing > 0 || st.Queued > 0 {
		st.EstimatedWaitSecs = float64(st.Queued) * avgItemSecs
	}
	return st
}

func (a *Aggregator) emitProjectStats(ctx context.Context, projectID string) {
	st, err := a.ProjectStats(ctx, projectID)
	if err != nil {
		slog.Error("stats: compute project stats failed", slog.String("project_id", projectID), slog.Any("error", err))
		return
	}
	a.bus.Publish(roomProject(projectID), domain.Event{Name: domain.EventProjectStatsUpdate, Payload: st})
	a.bus.Publish(roomProject(projectID), domain.Event{Name: domain.EventQueueStats, Payload: st})

	if recipients, err := a.store.ListAcceptedShareRecipients(ctx, projectID); err == nil {
		for _, userID := range recipients {
			a.bus.Publish(roomUser(userID), domain.Event{Name: domain.EventSharedProjectUpdate, Payload: st})
		}
	}
}

func (a *Aggregator) emitDashboardMetrics(ctx context.Context, userID string) {
	m, err := a.DashboardMetrics(ctx, userID)
	if err != nil {
		slog.Error("stats: compute dashboard metrics failed", slog.String("user_id", userID), slog.Any("error", err))
		return
	}
	a.bus.Publish(roomUser(userID), domain.Event{Name: domain.EventDashboardMetrics, Payload: m})
}

func roomProject(id string) string { return "project:" + id }
func roomUser(id string) string    { return "user:" + id }
