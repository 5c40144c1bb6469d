package llm

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"strings"
)

// frameEventName is the single event tag Loom's own proxy-stream dialect
// emits: event: llm\ndata: {json}\n\n. Frames with any other event name
// are produced by nothing in this codebase and are ignored on decode
// rather than treated as an error, so a future second event type can be
// introduced without breaking older clients.
const frameEventName = "llm"

// WriteProxyFrame re-encodes an Event into Loom's own SSE dialect for a
// client that is itself talking to Loom as if Loom were the model
// provider.
func WriteProxyFrame(w io.Writer, event Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", frameEventName, payload)
	return err
}

// MarshalJSON gives Event a wire encoding distinct from its internal
// tagged-union shape, keyed by Kind.
func (e Event) MarshalJSON() ([]byte, error) {
	type wire struct {
		Kind                 EventKind        `json:"kind"`
		TextContent          string           `json:"text_content,omitempty"`
		CallID               string           `json:"call_id,omitempty"`
		ToolName             string           `json:"tool_name,omitempty"`
		ArgumentsFragment    string           `json:"arguments_fragment,omitempty"`
		Response             *Response        `json:"response,omitempty"`
		ErrorKind            ErrorKind        `json:"error_kind,omitempty"`
		ErrorMessage         string           `json:"error_message,omitempty"`
	}
	return json.Marshal(wire{
		Kind:              e.Kind,
		TextContent:       e.TextContent,
		CallID:            e.CallID,
		ToolName:          e.ToolName,
		ArgumentsFragment: e.ArgumentsFragment,
		Response:          e.Response,
		ErrorKind:         e.ErrorKind,
		ErrorMessage:      e.ErrorMessage,
	})
}

func (e *Event) UnmarshalJSON(b []byte) error {
	var wire struct {
		Kind                 EventKind        `json:"kind"`
		TextContent          string           `json:"text_content,omitempty"`
		CallID               string           `json:"call_id,omitempty"`
		ToolName             string           `json:"tool_name,omitempty"`
		ArgumentsFragment    string           `json:"arguments_fragment,omitempty"`
		Response             *Response        `json:"response,omitempty"`
		ErrorKind            ErrorKind        `json:"error_kind,omitempty"`
		ErrorMessage         string           `json:"error_message,omitempty"`
	}
	if err := json.Unmarshal(b, &wire); err != nil {
		return err
	}
	*e = Event{
		Kind:              wire.Kind,
		TextContent:       wire.TextContent,
		CallID:            wire.CallID,
		ToolName:          wire.ToolName,
		ArgumentsFragment: wire.ArgumentsFragment,
		Response:          wire.Response,
		ErrorKind:         wire.ErrorKind,
		ErrorMessage:      wire.ErrorMessage,
	}
	return nil
}

// sseFrame is one decoded event:/data: pair, shared by the proxy-stream
// client decoder and the hand-rolled Vertex adapter's SSE parsing.
type sseFrame struct {
	event string
	data  string
}

// sseScanner accumulates bytes across arbitrary chunk boundaries and
// yields complete frames delimited by a blank line, matching the
// reassembly every SSE consumer in this package needs regardless of
// which upstream dialect it is decoding.
type sseScanner struct {
	r       *bufio.Reader
	lastErr error
}

func newSSEScanner(r io.Reader) *sseScanner {
	return &sseScanner{r: bufio.NewReaderSize(r, 64*1024)}
}

func (s *sseScanner) next() (sseFrame, error) {
	var event string
	var data []string
	sawAny := false

	for {
		line, err := s.r.ReadString('\n')
		trimmed := strings.TrimRight(line, "\r\n")

		if trimmed == "" && (err == nil || len(line) > 0) {
			if sawAny {
				return sseFrame{event: event, data: strings.Join(data, "\n")}, nil
			}
			if err != nil {
				return sseFrame{}, err
			}
			continue
		}

		if trimmed != "" {
			sawAny = true
			switch {
			case strings.HasPrefix(trimmed, "event:"):
				event = strings.TrimSpace(strings.TrimPrefix(trimmed, "event:"))
			case strings.HasPrefix(trimmed, "data:"):
				data = append(data, strings.TrimSpace(strings.TrimPrefix(trimmed, "data:")))
			}
		}

		if err != nil {
			if sawAny {
				return sseFrame{event: event, data: strings.Join(data, "\n")}, nil
			}
			return sseFrame{}, err
		}
	}
}

// ProxyClient decodes a remote Loom server's proxy-stream dialect back
// into provider-neutral Events, for a client that talks to Loom as if
// Loom were itself the model.
type ProxyClient struct {
	scanner *sseScanner
}

func NewProxyClient(r io.Reader) *ProxyClient {
	return &ProxyClient{scanner: newSSEScanner(r)}
}

// Next returns the next Event, skipping any frame whose event tag is not
// "llm". A parse failure on a recognized frame surfaces as an
// ErrorInvalidResponse event rather than an error return, so the caller's
// loop can keep reading subsequent frames.
func (c *ProxyClient) Next() (Event, error) {
	for {
		frame, err := c.scanner.next()
		if err != nil {
			return Event{}, err
		}
		if frame.event != frameEventName {
			continue
		}
		var event Event
		if uerr := json.Unmarshal([]byte(frame.data), &event); uerr != nil {
			return Error(ErrorInvalidResponse, uerr.Error()), nil
		}
		return event, nil
	}
}
