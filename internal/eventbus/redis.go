package eventbus

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/segforge/segcore/internal/domain"
)

const channelPrefix = "segcore:events:"

// Redis wraps a Local bus and additionally publishes every event onto a
// Redis Pub/Sub channel named after the room, re-publishing inbound
// cross-process messages into the local room (spec.md §4.5). Redis Pub/Sub
// only delivers to currently-connected subscribers, matching the "does not
// persist events" contract.
type Redis struct {
	local  *Local
	client *redis.Client

	mu   sync.Mutex
	subs map[string]func() // room -> cancel for its background subscriber
}

// NewRedis constructs a Redis-backed EventBus.
func NewRedis(client *redis.Client, sendTimeout time.Duration) *Redis {
	return &Redis{
		local:  NewLocal(sendTimeout),
		client: client,
		subs:   map[string]func(){},
	}
}

type wireEvent struct {
	Name      domain.EventName `json:"name"`
	Payload   json.RawMessage  `json:"payload"`
	Timestamp time.Time        `json:"timestamp"`
}

// Join registers sessionID locally and ensures a background subscriber is
// relaying this room's Redis channel into the local bus.
func (r *Redis) Join(room, sessionID string) <-chan domain.Event {
	r.ensureSubscriber(room)
	return r.local.Join(room, sessionID)
}

// Leave removes sessionID from the local room.
func (r *Redis) Leave(room, sessionID string) {
	r.local.Leave(room, sessionID)
}

// Publish delivers ev to local members and publishes it to Redis so other
// processes' subscribers receive it too.
func (r *Redis) Publish(room string, ev domain.Event) {
	r.local.Publish(room, ev)

	payload, err := json.Marshal(ev.Payload)
	if err != nil {
		slog.Error("eventbus: marshal payload for redis publish failed", slog.Any("error", err))
		return
	}
	wire := wireEvent{Name: ev.Name, Payload: payload, Timestamp: ev.Timestamp}
	b, err := json.Marshal(wire)
	if err != nil {
		slog.Error("eventbus: marshal wire event failed", slog.Any("error", err))
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := r.client.Publish(ctx, channelPrefix+room, b).Err(); err != nil {
		slog.Error("eventbus: redis publish failed", slog.String("room", room), slog.Any("error", err))
	}
}

func (r *Redis) ensureSubscriber(room string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.subs[room]; ok {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	r.subs[room] = cancel
	go r.relay(ctx, room)
}

func (r *Redis) relay(ctx context.Context, room string) {
	sub := r.client.Subscribe(ctx, channelPrefix+room)
	defer sub.Close()
	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			var wire wireEvent
			if err := json.Unmarshal([]byte(msg.Payload), &wire); err != nil {
				slog.Warn("eventbus: decode inbound redis event failed", slog.Any("error", err))
				continue
			}
			var payload any
			_ = json.Unmarshal(wire.Payload, &payload)
			r.local.Publish(room, domain.Event{Name: wire.Name, Payload: payload, Timestamp: wire.Timestamp})
		}
	}
}

// Close stops every background subscriber and closes the local bus.
func (r *Redis) Close() error {
	r.mu.Lock()
	for _, cancel := range r.subs {
		cancel()
	}
	r.subs = map[string]func(){}
	r.mu.Unlock()
	return r.local.Close()
}
