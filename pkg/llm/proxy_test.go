package llm

import (
	"bytes"
	"io"
	"testing"
)

func TestProxyClient_RoundTrip(t *testing.T) {
	var buf bytes.Buffer
	events := []Event{
		TextDelta("Hi"),
		Completed(Response{Message: Message{Role: RoleAssistant, Content: "Hi"}}),
	}
	for _, e := range events {
		if err := WriteProxyFrame(&buf, e); err != nil {
			t.Fatalf("WriteProxyFrame: %v", err)
		}
	}

	client := NewProxyClient(&buf)
	for i, want := range events {
		got, err := client.Next()
		if err != nil {
			t.Fatalf("frame %d: Next: %v", i, err)
		}
		if got.Kind != want.Kind {
			t.Errorf("frame %d: kind = %q, want %q", i, got.Kind, want.Kind)
		}
	}

	if _, err := client.Next(); err != io.EOF {
		t.Errorf("final Next() err = %v, want io.EOF", err)
	}
}

// TestProxyClient_ArbitraryChunkBoundaries reproduces the chunk-reassembly
// seed scenario: a frame split mid-field across two transport reads must
// still decode to the original event.
func TestProxyClient_ArbitraryChunkBoundaries(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteProxyFrame(&buf, TextDelta("Hi")); err != nil {
		t.Fatalf("WriteProxyFrame: %v", err)
	}

	full := buf.Bytes()
	mid := bytes.Index(full, []byte("text_")) + len("text_")
	if mid <= 0 || mid >= len(full) {
		t.Fatalf("could not find a mid-field split point in %q", full)
	}
	reader := io.MultiReader(bytes.NewReader(full[:mid]), bytes.NewReader(full[mid:]))

	client := NewProxyClient(reader)
	got, err := client.Next()
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if got.Kind != EventTextDelta {
		t.Errorf("kind = %q, want %q", got.Kind, EventTextDelta)
	}
	if got.TextContent != "Hi" {
		t.Errorf("text content = %q, want %q", got.TextContent, "Hi")
	}
}

func TestProxyClient_IgnoresNonLlmFrames(t *testing.T) {
	var buf bytes.Buffer
	buf.WriteString("event: ping\ndata: {}\n\n")
	if err := WriteProxyFrame(&buf, TextDelta("after ping")); err != nil {
		t.Fatalf("WriteProxyFrame: %v", err)
	}

	client := NewProxyClient(&buf)
	got, err := client.Next()
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if got.TextContent != "after ping" {
		t.Errorf("text content = %q, want %q (the ping frame should have been skipped)", got.TextContent, "after ping")
	}
}

func TestProxyClient_MalformedDataYieldsInvalidResponseEvent(t *testing.T) {
	var buf bytes.Buffer
	buf.WriteString("event: llm\ndata: not json\n\n")

	client := NewProxyClient(&buf)
	got, err := client.Next()
	if err != nil {
		t.Fatalf("Next returned an error instead of an Error event: %v", err)
	}
	if got.Kind != EventError {
		t.Errorf("kind = %q, want %q", got.Kind, EventError)
	}
	if got.ErrorKind != ErrorInvalidResponse {
		t.Errorf("error kind = %q, want %q", got.ErrorKind, ErrorInvalidResponse)
	}
}
