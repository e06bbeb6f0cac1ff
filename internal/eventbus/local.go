// Package eventbus implements domain.EventBus: an in-process room registry,
// optionally backed by Redis Pub/Sub for multi-instance fan-out.
package eventbus

import (
	"sync"
	"time"

	"github.com/segforge/segcore/internal/domain"
)

const roomChannelBuffer = 32

// Local is an in-process, room-keyed pub/sub implementation of
// domain.EventBus (spec.md §4.5). Used standalone when REDIS_URL is unset,
// and embedded inside Redis to handle local delivery.
type Local struct {
	mu          sync.RWMutex
	rooms       map[string]map[string]chan domain.Event
	sendTimeout time.Duration
}

// NewLocal constructs a Local bus with the given per-session send timeout.
func NewLocal(sendTimeout time.Duration) *Local {
	if sendTimeout <= 0 {
		sendTimeout = 50 * time.Millisecond
	}
	return &Local{
		rooms:       map[string]map[string]chan domain.Event{},
		sendTimeout: sendTimeout,
	}
}

// Join registers sessionID as a member of room and returns its delivery
// channel.
func (l *Local) Join(room, sessionID string) <-chan domain.Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	members, ok := l.rooms[room]
	if !ok {
		members = map[string]chan domain.Event{}
		l.rooms[room] = members
	}
	ch := make(chan domain.Event, roomChannelBuffer)
	members[sessionID] = ch
	return ch
}

// Leave removes sessionID from room and closes its channel.
func (l *Local) Leave(room, sessionID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.leaveLocked(room, sessionID)
}

func (l *Local) leaveLocked(room, sessionID string) {
	members, ok := l.rooms[room]
	if !ok {
		return
	}
	if ch, ok := members[sessionID]; ok {
		delete(members, sessionID)
		close(ch)
	}
	if len(members) == 0 {
		delete(l.rooms, room)
	}
}

// Publish fans ev out to every session in room. A session whose channel is
// still full after sendTimeout is dropped and must rejoin (spec.md §4.5,
// "never block a worker on event emission").
func (l *Local) Publish(room string, ev domain.Event) {
	l.mu.RLock()
	members := l.rooms[room]
	targets := make(map[string]chan domain.Event, len(members))
	for id, ch := range members {
		targets[id] = ch
	}
	l.mu.RUnlock()

	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}

	var stale []string
	for id, ch := range targets {
		select {
		case ch <- ev:
		default:
			timer := time.NewTimer(l.sendTimeout)
			select {
			case ch <- ev:
				timer.Stop()
			case <-timer.C:
				stale = append(stale, id)
			}
		}
	}
	if len(stale) == 0 {
		return
	}
	l.mu.Lock()
	for _, id := range stale {
		l.leaveLocked(room, id)
	}
	l.mu.Unlock()
}

// Close tears down every room, closing all member channels.
func (l *Local) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	for room, members := range l.rooms {
		for id := range members {
			l.leaveLocked(room, id)
		}
	}
	return nil
}
