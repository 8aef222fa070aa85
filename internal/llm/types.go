// Package llm defines the backend invocation contract: the request shape
// sent to an AI-executing collaborator and the event topics its streamed
// response arrives on. The engine never parses provider wire protocols
// itself; an Invoker translates whatever it speaks into bus deltas.
package llm

import "context"

// Role identifies a message role on the backend wire.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// ProviderConfig identifies the upstream provider endpoint for a request.
type ProviderConfig struct {
	ID      string `json:"id" mapstructure:"id"`
	Name    string `json:"name" mapstructure:"name"`
	BaseURL string `json:"base_url" mapstructure:"base_url"`
	APIKey  string `json:"api_key" mapstructure:"api_key"`
	Model   string `json:"model" mapstructure:"model"`
}

// BackendToolFunction is the function portion of a wire tool call.
type BackendToolFunction struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// BackendToolCall is a tool call in the backend wire format.
type BackendToolCall struct {
	ID       string              `json:"id"`
	Type     string              `json:"type"`
	Function BackendToolFunction `json:"function"`
}

// BackendMessage is one history entry in the backend wire format.
type BackendMessage struct {
	Role       Role              `json:"role"`
	Content    string            `json:"content"`
	ToolCalls  []BackendToolCall `json:"tool_calls,omitempty"`
	ToolCallID string            `json:"tool_call_id,omitempty"`
}

// ToolSpec describes a callable tool advertised to the model.
type ToolSpec struct {
	Name        string
	Description string
	Schema      map[string]any
}

// Request represents one generation turn sent to the backend.
type Request struct {
	Provider    ProviderConfig
	Messages    []BackendMessage
	EventID     string
	ProjectRoot string
	EnableTools bool
	Tools       []ToolSpec
}

// Invoker starts a backend generation. The call returns once the stream has
// been set up (or failed to); all output arrives asynchronously on the
// event bus topics derived from Request.EventID.
type Invoker interface {
	Invoke(ctx context.Context, req Request) error
}

// Completer performs a single non-streaming turn. Used by the compactor to
// generate history summaries outside the main streaming path.
type Completer interface {
	Complete(ctx context.Context, provider ProviderConfig, messages []BackendMessage) (string, error)
}

// Topic names for the per-request event channel. Content and tool-call
// deltas arrive on the bare event ID; the suffixed topics carry transient
// status text, the compacted replacement history, and the terminal
// finish/error signals.
func DeltaTopic(eventID string) string     { return eventID }
func StatusTopic(eventID string) string    { return eventID + "_status" }
func CompactedTopic(eventID string) string { return eventID + "_compacted" }
func FinishTopic(eventID string) string    { return eventID + "_finish" }
func ErrorTopic(eventID string) string     { return eventID + "_error" }
