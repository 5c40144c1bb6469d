package events

import (
	"bytes"
	"io"
	"testing"
	"time"
)

func TestSSEDecoder_RoundTrip(t *testing.T) {
	var buf bytes.Buffer
	events := []Event{
		{Type: EventInit, Timestamp: time.Now().UTC()},
		{Type: EventFlagUpdated, Timestamp: time.Now().UTC()},
		{Type: EventHeartbeat, Timestamp: time.Now().UTC()},
	}
	for _, e := range events {
		if err := WriteSSE(&buf, e); err != nil {
			t.Fatalf("WriteSSE: %v", err)
		}
	}

	decoder := NewSSEDecoder(&buf)
	for i, want := range events {
		frame, err := decoder.Next()
		if err != nil {
			t.Fatalf("frame %d: Next: %v", i, err)
		}
		if frame.Event != string(want.Type) {
			t.Errorf("frame %d: event = %q, want %q", i, frame.Event, want.Type)
		}
		var got Event
		if err := got.UnmarshalJSON([]byte(frame.Data)); err != nil {
			t.Fatalf("frame %d: unmarshal: %v", i, err)
		}
		if got.Type != want.Type {
			t.Errorf("frame %d: decoded type = %q, want %q", i, got.Type, want.Type)
		}
	}

	if _, err := decoder.Next(); err != io.EOF {
		t.Errorf("final Next() err = %v, want io.EOF", err)
	}
}

// TestSSEDecoder_ArbitraryChunkBoundaries verifies that splitting the byte
// stream at an arbitrary point mid-frame does not lose or corrupt the
// event sequence, since transport chunk boundaries never align with
// frame boundaries.
func TestSSEDecoder_ArbitraryChunkBoundaries(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteSSE(&buf, Event{Type: EventCheckInOk, Timestamp: time.Now().UTC()}); err != nil {
		t.Fatalf("WriteSSE: %v", err)
	}
	if err := WriteSSE(&buf, Event{Type: EventMonitorMissed, Timestamp: time.Now().UTC()}); err != nil {
		t.Fatalf("WriteSSE: %v", err)
	}

	full := buf.Bytes()
	mid := len(full) / 3
	reader := io.MultiReader(bytes.NewReader(full[:mid]), bytes.NewReader(full[mid:]))

	decoder := NewSSEDecoder(reader)
	first, err := decoder.Next()
	if err != nil {
		t.Fatalf("first frame: %v", err)
	}
	if first.Event != string(EventCheckInOk) {
		t.Errorf("first event = %q, want %q", first.Event, EventCheckInOk)
	}

	second, err := decoder.Next()
	if err != nil {
		t.Fatalf("second frame: %v", err)
	}
	if second.Event != string(EventMonitorMissed) {
		t.Errorf("second event = %q, want %q", second.Event, EventMonitorMissed)
	}
}
