package events

import (
	"testing"
	"time"

	"github.com/google/uuid"
)

func TestBroadcaster_SubscribeAndDeliver(t *testing.T) {
	b := NewBroadcaster("flags")
	org := uuid.New()

	sub := b.Subscribe(org)
	defer sub.Unsubscribe()

	want := Event{Type: EventFlagUpdated, Timestamp: time.Now().UTC()}
	b.Broadcast(org, want)

	select {
	case got := <-sub.Events():
		if got.Type != want.Type {
			t.Errorf("event type = %q, want %q", got.Type, want.Type)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for broadcast event")
	}
}

func TestBroadcaster_NoReceiversIsNoop(t *testing.T) {
	b := NewBroadcaster("crons")
	// Broadcasting to an org with no subscribers must not panic or block.
	b.Broadcast(uuid.New(), Event{Type: EventHeartbeat, Timestamp: time.Now().UTC()})
}

func TestBroadcaster_CleanupEmptyChannels(t *testing.T) {
	b := NewBroadcaster("flags")
	org := uuid.New()

	sub := b.Subscribe(org)
	sub.Unsubscribe()

	if removed := b.CleanupEmptyChannels(); removed != 1 {
		t.Errorf("removed = %d, want 1", removed)
	}
	if removed := b.CleanupEmptyChannels(); removed != 0 {
		t.Errorf("second cleanup removed = %d, want 0", removed)
	}
}

func TestBroadcaster_BroadcastHeartbeatFansOutToAllOrgs(t *testing.T) {
	b := NewBroadcaster("flags")
	orgA, orgB := uuid.New(), uuid.New()

	subA := b.Subscribe(orgA)
	defer subA.Unsubscribe()
	subB := b.Subscribe(orgB)
	defer subB.Unsubscribe()

	b.BroadcastHeartbeat()

	for _, sub := range []*Subscription{subA, subB} {
		select {
		case got := <-sub.Events():
			if got.Type != EventHeartbeat {
				t.Errorf("event type = %q, want Heartbeat", got.Type)
			}
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for heartbeat")
		}
	}
}
