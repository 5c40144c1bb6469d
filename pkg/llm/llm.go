// Package llm implements the provider-neutral LLM request/response schema,
// adapters that translate it to and from three upstream wire formats
// (Anthropic, OpenAI, Vertex), Loom's own proxy-stream SSE dialect, and
// the OAuth credential pool that rotates among long-lived bearer tokens.
package llm

import (
	"context"
	"encoding/json"
)

// Role mirrors pkg/thread.Role for LLM-facing messages; kept as its own
// type so this package has no dependency on pkg/thread.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// ToolCall is a single invocation an assistant turn requested.
type ToolCall struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

// Message is one turn of a provider-neutral conversation.
type Message struct {
	Role       Role            `json:"role"`
	Content    string          `json:"content,omitempty"`
	ToolCalls  []ToolCall      `json:"tool_calls,omitempty"`
	ToolCallID string          `json:"tool_call_id,omitempty"`
	Name       string          `json:"name,omitempty"`
}

// Tool describes a function the model may call.
type Tool struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	InputSchema json.RawMessage `json:"input_schema"`
}

// Request is the provider-neutral shape every adapter converts to its
// own upstream request type.
type Request struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	Tools       []Tool    `json:"tools,omitempty"`
	MaxTokens   *int      `json:"max_tokens,omitempty"`
	Temperature *float64  `json:"temperature,omitempty"`
}

// Usage reports token accounting for a completed request.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// Response is a fully-accumulated model turn.
type Response struct {
	Message      Message    `json:"message"`
	ToolCalls    []ToolCall `json:"tool_calls,omitempty"`
	FinishReason string     `json:"finish_reason,omitempty"`
	Usage        *Usage     `json:"usage,omitempty"`
}

// EventKind discriminates the tagged-union Event stream adapters emit
// while decoding an upstream SSE response.
type EventKind string

const (
	EventTextDelta     EventKind = "text_delta"
	EventToolCallDelta EventKind = "tool_call_delta"
	EventCompleted     EventKind = "completed"
	EventError         EventKind = "error"
)

// ErrorKind classifies a terminal streaming failure.
type ErrorKind string

const (
	ErrorTimeout        ErrorKind = "timeout"
	ErrorInvalidResponse ErrorKind = "invalid_response"
	ErrorUpstream       ErrorKind = "upstream"
)

// Event is one item of an LlmEvent stream: exactly one of the typed
// fields is populated, selected by Kind.
type Event struct {
	Kind EventKind

	// EventTextDelta
	TextContent string

	// EventToolCallDelta
	CallID               string
	ToolName             string
	ArgumentsFragment    string

	// EventCompleted
	Response *Response

	// EventError
	ErrorKind    ErrorKind
	ErrorMessage string
}

func TextDelta(content string) Event { return Event{Kind: EventTextDelta, TextContent: content} }

func ToolCallDelta(callID, toolName, fragment string) Event {
	return Event{Kind: EventToolCallDelta, CallID: callID, ToolName: toolName, ArgumentsFragment: fragment}
}

func Completed(resp Response) Event { return Event{Kind: EventCompleted, Response: &resp} }

func Error(kind ErrorKind, message string) Event {
	return Event{Kind: EventError, ErrorKind: kind, ErrorMessage: message}
}

// Adapter converts provider-neutral requests to a concrete upstream call
// and streams the result back as provider-neutral Events.
type Adapter interface {
	// Stream issues req upstream and sends decoded Events to out until
	// the stream ends (a Completed or Error event) or ctx is canceled.
	// The caller owns out and must not close it; Stream returns once
	// the terminal event has been sent.
	Stream(ctx context.Context, req Request, out chan<- Event) error
}

// toolCallAccumulator reassembles a tool call's JSON arguments across
// multiple streamed fragments, keyed by the upstream's content-block
// index. Shared by every adapter's streaming decode loop.
type toolCallAccumulator struct {
	byIndex map[int]*accumulatingCall
	order   []int
}

type accumulatingCall struct {
	id   string
	name string
	args []byte
}

func newToolCallAccumulator() *toolCallAccumulator {
	return &toolCallAccumulator{byIndex: make(map[int]*accumulatingCall)}
}

func (a *toolCallAccumulator) start(index int, id, name string) {
	if _, ok := a.byIndex[index]; !ok {
		a.order = append(a.order, index)
	}
	a.byIndex[index] = &accumulatingCall{id: id, name: name}
}

func (a *toolCallAccumulator) append(index int, fragment string) {
	call, ok := a.byIndex[index]
	if !ok {
		call = &accumulatingCall{}
		a.byIndex[index] = call
		a.order = append(a.order, index)
	}
	call.args = append(call.args, fragment...)
}

// finish returns the accumulated tool calls in first-seen order. A call
// whose argument buffer is empty or fails to parse as JSON defaults to an
// empty object rather than propagating the parse failure, per the
// adapter's documented recovery behavior.
func (a *toolCallAccumulator) finish(onParseFailure func(id, name string)) []ToolCall {
	calls := make([]ToolCall, 0, len(a.order))
	for _, idx := range a.order {
		c := a.byIndex[idx]
		args := c.args
		if len(args) == 0 {
			args = []byte("{}")
		} else if !json.Valid(args) {
			if onParseFailure != nil {
				onParseFailure(c.id, c.name)
			}
			args = []byte("{}")
		}
		calls = append(calls, ToolCall{ID: c.id, Name: c.name, Arguments: json.RawMessage(args)})
	}
	return calls
}
