// Package events implements the real-time event fabric: a per-org
// broadcaster shared by the feature-flag and cron-monitoring streams, the
// SSE encoding they share, and a reconnecting client for consumers that
// sit outside the server process.
package events

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ohitslaurence/loom/internal/telemetry"
)

// DefaultChannelCapacity bounds how many undelivered events a subscriber
// can fall behind by before the oldest is dropped.
const DefaultChannelCapacity = 256

// channel pairs a broadcast sender with the count of live subscribers, so
// cleanup can find channels nobody is listening to anymore.
type channel struct {
	mu          sync.Mutex
	subscribers map[uint64]chan Event
	nextID      uint64
}

func newChannel() *channel {
	return &channel{subscribers: make(map[uint64]chan Event)}
}

// Broadcaster holds one channel per org, created lazily on first
// subscribe. subscribe is double-checked-locking: a read lock first looks
// for an existing channel, and only a cache miss takes the write lock to
// create one, so steady-state subscribe traffic never contends on a
// single writer lock.
type Broadcaster struct {
	mu       sync.RWMutex
	channels map[uuid.UUID]*channel
	capacity int
	stream   string
}

// NewBroadcaster creates a broadcaster for one named stream (e.g. "flags"
// or "crons"); the name labels this stream's delivered/dropped metrics.
func NewBroadcaster(stream string) *Broadcaster {
	return &Broadcaster{channels: make(map[uuid.UUID]*channel), capacity: DefaultChannelCapacity, stream: stream}
}

func (b *Broadcaster) getOrCreate(orgID uuid.UUID) *channel {
	b.mu.RLock()
	ch, ok := b.channels[orgID]
	b.mu.RUnlock()
	if ok {
		return ch
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if ch, ok := b.channels[orgID]; ok {
		return ch
	}
	ch = newChannel()
	b.channels[orgID] = ch
	return ch
}

// Subscription is a live subscriber handle. Unsubscribe must be called
// (typically deferred) when the consumer disconnects.
type Subscription struct {
	orgID uuid.UUID
	id    uint64
	ch    chan Event
	b     *Broadcaster
}

// Events returns the channel to receive on.
func (s *Subscription) Events() <-chan Event { return s.ch }

// Unsubscribe removes this subscriber from its org channel. Safe to call
// more than once.
func (s *Subscription) Unsubscribe() {
	ch := s.b.getOrCreate(s.orgID)
	ch.mu.Lock()
	if _, ok := ch.subscribers[s.id]; ok {
		delete(ch.subscribers, s.id)
		close(s.ch)
	}
	ch.mu.Unlock()
}

// Subscribe registers a new receiver for an org's event stream.
func (b *Broadcaster) Subscribe(orgID uuid.UUID) *Subscription {
	ch := b.getOrCreate(orgID)

	ch.mu.Lock()
	id := ch.nextID
	ch.nextID++
	recv := make(chan Event, b.capacity)
	ch.subscribers[id] = recv
	ch.mu.Unlock()

	return &Subscription{orgID: orgID, id: id, ch: recv, b: b}
}

// Broadcast delivers an event to every current subscriber of an org. A
// broadcast with zero receivers is a no-op, counted in telemetry rather
// than treated as an error: nobody listening is the common case between
// bursts of client activity.
func (b *Broadcaster) Broadcast(orgID uuid.UUID, event Event) {
	b.mu.RLock()
	ch, ok := b.channels[orgID]
	b.mu.RUnlock()
	if !ok {
		telemetry.BroadcastDroppedTotal.WithLabelValues(b.stream).Inc()
		return
	}

	ch.mu.Lock()
	defer ch.mu.Unlock()
	if len(ch.subscribers) == 0 {
		telemetry.BroadcastDroppedTotal.WithLabelValues(b.stream).Inc()
		return
	}
	for _, recv := range ch.subscribers {
		select {
		case recv <- event:
			telemetry.BroadcastDeliveredTotal.WithLabelValues(b.stream).Inc()
		default:
			// Overflow: drop the oldest undelivered event to make room
			// rather than block the broadcaster on a slow consumer.
			select {
			case <-recv:
			default:
			}
			select {
			case recv <- event:
				telemetry.BroadcastDeliveredTotal.WithLabelValues(b.stream).Inc()
			default:
			}
			telemetry.BroadcastDroppedTotal.WithLabelValues(b.stream).Inc()
		}
	}
}

// BroadcastHeartbeat fans a Heartbeat event out to every org channel,
// regardless of subscriber count, so long-lived idle connections stay
// alive through intermediary proxies.
func (b *Broadcaster) BroadcastHeartbeat() {
	now := time.Now().UTC()
	b.mu.RLock()
	orgIDs := make([]uuid.UUID, 0, len(b.channels))
	for id := range b.channels {
		orgIDs = append(orgIDs, id)
	}
	b.mu.RUnlock()

	hb := Event{Type: EventHeartbeat, Timestamp: now}
	for _, id := range orgIDs {
		b.Broadcast(id, hb)
	}
}

// CleanupEmptyChannels removes channels with zero live subscribers,
// intended to be called periodically from a ticker loop so the map does
// not grow unbounded across the lifetime of the process.
func (b *Broadcaster) CleanupEmptyChannels() int {
	b.mu.Lock()
	defer b.mu.Unlock()

	removed := 0
	for orgID, ch := range b.channels {
		ch.mu.Lock()
		empty := len(ch.subscribers) == 0
		ch.mu.Unlock()
		if empty {
			delete(b.channels, orgID)
			removed++
		}
	}
	return removed
}

// Run drives the heartbeat and cleanup loops until stop is closed. Call from
// a single background goroutine at process startup.
func (b *Broadcaster) Run(stop <-chan struct{}, heartbeatInterval, cleanupInterval time.Duration) {
	heartbeat := time.NewTicker(heartbeatInterval)
	cleanup := time.NewTicker(cleanupInterval)
	defer heartbeat.Stop()
	defer cleanup.Stop()

	for {
		select {
		case <-heartbeat.C:
			b.BroadcastHeartbeat()
		case <-cleanup.C:
			b.CleanupEmptyChannels()
		case <-stop:
			return
		}
	}
}
