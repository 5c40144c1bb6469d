// Package thread implements versioned, owner-scoped conversational threads:
// optimistic-concurrency CRUD, full-text search, and an offline sync queue
// for clients that save locally before replicating to the server.
package thread

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Role is the speaker of a conversation message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// AgentStatus is the current state of the agent driving a thread.
type AgentStatus string

const (
	AgentWaitingForUserInput AgentStatus = "waiting_for_user_input"
	AgentRunning             AgentStatus = "running"
	AgentFailed              AgentStatus = "failed"
)

// Visibility controls who besides the owner may see a thread.
type Visibility string

const (
	VisibilityPrivate Visibility = "private"
	VisibilityShared  Visibility = "shared"
)

// ToolCall is a single tool invocation requested by the assistant.
type ToolCall struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

// Message is one entry in a thread's conversation snapshot.
type Message struct {
	Role       Role            `json:"role"`
	Content    string          `json:"content"`
	ToolCalls  []ToolCall      `json:"tool_calls,omitempty"`
	ToolCallID string          `json:"tool_call_id,omitempty"`
	Name       string          `json:"name,omitempty"`
}

// GitMetadata captures the workspace's git state at the point the thread
// snapshot was taken.
type GitMetadata struct {
	Branch     string   `json:"branch"`
	InitialSHA string   `json:"initial_sha"`
	CurrentSHA string   `json:"current_sha"`
	Dirty      bool     `json:"dirty"`
	Commits    []string `json:"commits"`
}

// AgentState is the agent's execution state attached to a thread.
type AgentState struct {
	Status           AgentStatus `json:"status"`
	Retries          int         `json:"retries"`
	LastError        string      `json:"last_error,omitempty"`
	PendingToolCalls []ToolCall  `json:"pending_tool_calls,omitempty"`
}

// Thread is the full conversational artifact, exclusively owned by its
// creator.
type Thread struct {
	ID                  string      `json:"id"`
	OwnerID             uuid.UUID   `json:"owner_id"`
	Version             int64       `json:"version"`
	Workspace           string      `json:"workspace"`
	Model               string      `json:"model"`
	Provider            string      `json:"provider"`
	Git                 GitMetadata `json:"git"`
	Conversation        []Message   `json:"conversation"`
	Agent               AgentState  `json:"agent"`
	Visibility          Visibility  `json:"visibility"`
	IsPrivate           bool        `json:"is_private"`
	IsSharedWithSupport bool        `json:"is_shared_with_support"`
	CreatedAt           time.Time   `json:"created_at"`
	UpdatedAt           time.Time   `json:"updated_at"`
}

// Conflict is returned when an If-Match version does not match the stored
// version.
type Conflict struct {
	Expected int64
	Actual   int64
}

func (c *Conflict) Error() string {
	return "thread version conflict"
}

// Summary is the list/search projection of a thread (no conversation body).
type Summary struct {
	ID        string     `json:"id"`
	Workspace string     `json:"workspace"`
	Model     string     `json:"model"`
	Agent     AgentState `json:"agent"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// SearchHit pairs a summary with its full-text search rank.
type SearchHit struct {
	Summary Summary `json:"summary"`
	Score   float32 `json:"score"`
}

// ListResult is the paginated response for GET /api/threads.
type ListResult struct {
	Threads []Summary `json:"threads"`
	Total   int       `json:"total"`
	Limit   int       `json:"limit"`
	Offset  int       `json:"offset"`
}

// SearchResult is the paginated response for GET /api/threads/search.
type SearchResult struct {
	Hits   []SearchHit `json:"hits"`
	Limit  int         `json:"limit"`
	Offset int         `json:"offset"`
}

// VisibilityRequest is the body for POST /api/threads/{id}/visibility.
type VisibilityRequest struct {
	Visibility Visibility `json:"visibility" validate:"required,oneof=private shared"`
}
