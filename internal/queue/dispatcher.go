package queue

import (
	"context"
	"log/slog"
	"time"

	"github.com/segforge/segcore/internal/domain"
)

// dispatchLoop is the single per-process scheduler loop: it wakes on a
// ticker or on an explicit signal from enqueue, then runs one weighted
// round-robin claim pass across users with queued work (spec.md §4.2
// "Scheduling").
func (e *Engine) dispatchLoop(ctx context.Context) {
	defer e.wg.Done()
	ticker := time.NewTicker(e.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.tick(ctx)
		case <-e.wake:
			e.tick(ctx)
		}
	}
}

// tick enumerates users with queued items and claims up to ceil(C/N) items
// per user, capped by the smaller of the remaining global budget and the
// user's remaining fairness headroom.
func (e *Engine) tick(ctx context.Context) {
	users, err := e.store.UsersWithQueuedItems(ctx)
	if err != nil {
		logEngineErr("dispatch.list_users", err)
		return
	}
	if len(users) == 0 {
		return
	}

	perUserShare := ceilDiv(e.cfg.GlobalConcurrency, len(users))
	for _, userID := range users {
		remaining := e.cfg.GlobalConcurrency - len(e.sem)
		if remaining <= 0 {
			return
		}
		headroom := e.cfg.PerUserConcurrency - e.currentInFlight(userID)
		claim := min3(perUserShare, remaining, headroom)
		if claim <= 0 {
			continue
		}

		items, err := e.store.ClaimNextQueueItems(ctx, userID, claim)
		if err != nil {
			logEngineErr("dispatch.claim", err, slog.String("user_id", userID))
			continue
		}
		for _, item := range items {
			item := item
			select {
			case e.sem <- struct{}{}:
			default:
				// Global budget raced out from under us between the check
				// above and now; put the item back on the queue.
				e.releaseClaim(ctx, item)
				continue
			}
			e.incInFlight(item.UserID)
			e.wg.Add(1)
			go func() {
				defer e.wg.Done()
				defer func() { <-e.sem }()
				defer e.decInFlight(item.UserID)
				// Run against a background context: once inference starts it
				// is not interruptible (spec.md §4.2 "Cancellation races"),
				// so a dispatcher shutdown must not abort it mid-flight.
				e.executeItem(context.Background(), item)
			}()
		}
	}
}

// releaseClaim reverts an item the dispatcher claimed but could not start,
// so it is retried on the next tick rather than stuck in processing.
func (e *Engine) releaseClaim(ctx context.Context, item domain.QueueItem) {
	if err := e.store.TransitionQueueItem(ctx, item.ID, domain.QueueProcessing, domain.QueueQueued, "", ""); err != nil {
		logEngineErr("dispatch.release_claim", err, slog.String("item_id", item.ID))
	}
}

func min3(a, b, c int) int {
	m := a
	if b < m {
		m = b
	}
	if c < m {
		m = c
	}
	return m
}
