package events

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"
)

// EventType tags the wire payload of an Event. Each stream (feature flags,
// cron monitoring) has its own closed set; Heartbeat is shared by both.
type EventType string

const (
	// Feature flag stream.
	EventInit                  EventType = "Init"
	EventFlagUpdated           EventType = "FlagUpdated"
	EventFlagArchived          EventType = "FlagArchived"
	EventFlagRestored          EventType = "FlagRestored"
	EventKillSwitchActivated   EventType = "KillSwitchActivated"
	EventKillSwitchDeactivated EventType = "KillSwitchDeactivated"

	// Cron monitoring stream. EventInit is shared with the flag stream.
	EventCheckInStarted EventType = "CheckInStarted"
	EventCheckInOk      EventType = "CheckInOk"
	EventCheckInError   EventType = "CheckInError"
	EventMonitorMissed  EventType = "MonitorMissed"
	EventMonitorTimeout EventType = "MonitorTimeout"
	EventMonitorHealthy EventType = "MonitorHealthy"

	// Shared by every stream.
	EventHeartbeat EventType = "Heartbeat"
)

// Event is the tagged union serialized as {event: <tag>, data: {...}}.
// Every event carries a UTC timestamp; Data holds the event-specific
// payload, pre-marshaled by the caller that constructs it.
type Event struct {
	Type      EventType
	Timestamp time.Time
	Data      json.RawMessage
}

type wireEvent struct {
	Event     EventType       `json:"event"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// MarshalJSON encodes the tagged-union wire shape.
func (e Event) MarshalJSON() ([]byte, error) {
	return json.Marshal(wireEvent{Event: e.Type, Timestamp: e.Timestamp, Data: e.Data})
}

// UnmarshalJSON decodes the tagged-union wire shape.
func (e *Event) UnmarshalJSON(b []byte) error {
	var w wireEvent
	if err := json.Unmarshal(b, &w); err != nil {
		return err
	}
	e.Type, e.Timestamp, e.Data = w.Event, w.Timestamp, w.Data
	return nil
}

// WriteSSE encodes an Event as a single SSE frame (`event:` line, `data:`
// line, trailing blank line); flushing is left to the caller.
func WriteSSE(w io.Writer, event Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event.Type, payload)
	return err
}

// WriteComment writes an SSE comment line, used for keepalive pings that
// should not be parsed as an event by clients.
func WriteComment(w io.Writer, comment string) error {
	_, err := fmt.Fprintf(w, ": %s\n\n", comment)
	return err
}

// SSEFrame is one parsed `event:`/`data:` pair from an SSE byte stream.
type SSEFrame struct {
	Event string
	Data  string
}

// SSEDecoder reads SSE frames delimited by a blank line from a stream,
// accumulating `event:` and `data:` lines within each frame. Comment
// lines (leading `:`) and unrecognized fields are ignored.
type SSEDecoder struct {
	scanner *bufio.Scanner
}

func NewSSEDecoder(r io.Reader) *SSEDecoder {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	return &SSEDecoder{scanner: scanner}
}

// Next returns the next complete frame, or io.EOF once the stream ends
// with no further frames buffered.
func (d *SSEDecoder) Next() (SSEFrame, error) {
	var frame SSEFrame
	var dataLines []string
	sawAny := false

	for d.scanner.Scan() {
		line := d.scanner.Text()

		if line == "" {
			if sawAny {
				frame.Data = strings.Join(dataLines, "\n")
				return frame, nil
			}
			continue
		}
		if strings.HasPrefix(line, ":") {
			continue
		}
		sawAny = true

		switch {
		case strings.HasPrefix(line, "event:"):
			frame.Event = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			dataLines = append(dataLines, strings.TrimSpace(strings.TrimPrefix(line, "data:")))
		}
	}

	if err := d.scanner.Err(); err != nil {
		return SSEFrame{}, err
	}
	if sawAny {
		frame.Data = strings.Join(dataLines, "\n")
		return frame, nil
	}
	return SSEFrame{}, io.EOF
}
