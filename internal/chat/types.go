package chat

import (
	"strings"
	"time"
)

// Role identifies who produced a message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// ToolCallStatus is the lifecycle state of a single tool call.
//
//	pending -> approved -> completed
//	pending -> approved -> failed
//	pending -> rejected
type ToolCallStatus string

const (
	StatusPending   ToolCallStatus = "pending"
	StatusApproved  ToolCallStatus = "approved"
	StatusRejected  ToolCallStatus = "rejected"
	StatusCompleted ToolCallStatus = "completed"
	StatusFailed    ToolCallStatus = "failed"
)

// Terminal reports whether the status is final: no further transitions.
func (s ToolCallStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusRejected
}

// ToolCall is one tool invocation requested by the assistant. Arguments
// holds the raw (possibly still-streaming) JSON text; ParsedArgs is the
// best-effort decoded form kept current while the stream runs.
type ToolCall struct {
	ID         string         `json:"id"`
	Name       string         `json:"name"`
	Arguments  string         `json:"arguments"`
	ParsedArgs map[string]any `json:"parsedArgs,omitempty"`
	Status     ToolCallStatus `json:"status"`

	// IsPartial marks a call whose argument stream has not finished.
	// Only meaningful while Status is pending; cleared at stream finish.
	IsPartial bool `json:"isPartial,omitempty"`

	Result string `json:"result,omitempty"`
	Error  string `json:"error,omitempty"`
}

// SegmentType distinguishes the two kinds of content segments.
type SegmentType string

const (
	SegmentText     SegmentType = "text"
	SegmentToolCall SegmentType = "tool_call"
)

// ContentSegment records where one delta of text or a tool call appeared
// in the assistant's output, so interleaved responses ("let me check" ->
// tool call -> "found it") render in their true order. Text segments
// carry the chunk received in that delta, not the cumulative content, and
// StartPos/EndPos locate it as byte offsets into the cumulative content.
type ContentSegment struct {
	Type       SegmentType `json:"type"`
	Order      int         `json:"order"`
	Content    string      `json:"content,omitempty"`
	ToolCallID string      `json:"toolCallId,omitempty"`
	StartPos   int         `json:"startPos,omitempty"`
	EndPos     int         `json:"endPos,omitempty"`
}

// Reference is a pointer into retrieved context attached to a user turn.
type Reference struct {
	Path    string `json:"path"`
	Snippet string `json:"snippet,omitempty"`
}

// Message is one entry in a thread. Tool-result messages carry Role tool
// and the ToolCallID of the call they answer.
type Message struct {
	ID              string           `json:"id"`
	Role            Role             `json:"role"`
	Content         string           `json:"content"`
	ToolCalls       []*ToolCall      `json:"toolCalls,omitempty"`
	ContentSegments []ContentSegment `json:"contentSegments,omitempty"`
	References      []Reference      `json:"references,omitempty"`
	ToolCallID      string           `json:"toolCallId,omitempty"`

	// Streaming is true while this message is still being reconstructed
	// from deltas.
	Streaming bool `json:"streaming,omitempty"`

	// AutoApprove marks a user message that came from an automated task
	// runner rather than the keyboard; tool calls in the turn it triggers
	// execute without manual approval.
	AutoApprove bool `json:"autoApprove,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
}

// FindToolCall returns the call with the given id, or nil.
func (m *Message) FindToolCall(id string) *ToolCall {
	for _, tc := range m.ToolCalls {
		if tc.ID == id {
			return tc
		}
	}
	return nil
}

// HasPendingToolCalls reports whether any call still awaits a decision.
func (m *Message) HasPendingToolCalls() bool {
	for _, tc := range m.ToolCalls {
		if !tc.Status.Terminal() {
			return true
		}
	}
	return false
}

// AllToolCallsTerminal reports whether every call reached a final state.
// Vacuously true for messages without tool calls.
func (m *Message) AllToolCallsTerminal() bool {
	for _, tc := range m.ToolCalls {
		if !tc.Status.Terminal() {
			return false
		}
	}
	return true
}

// validToolName rejects the placeholder names some providers emit on the
// first tool-call delta before the real name streams in.
func validToolName(name string) bool {
	name = strings.TrimSpace(name)
	return name != "" && name != "unknown"
}
