package chat

import (
	"time"

	"github.com/google/uuid"
)

// Thread is one conversation: an ordered message history plus metadata.
// Controllers and the lifecycle manager mutate messages in place, so the
// slice holds pointers.
type Thread struct {
	ID        string     `json:"id"`
	Title     string     `json:"title,omitempty"`
	Messages  []*Message `json:"messages"`
	CreatedAt time.Time  `json:"createdAt"`
	UpdatedAt time.Time  `json:"updatedAt"`
}

func NewThread() *Thread {
	now := time.Now()
	return &Thread{ID: uuid.NewString(), CreatedAt: now, UpdatedAt: now}
}

func (t *Thread) Append(m *Message) {
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now()
	}
	t.Messages = append(t.Messages, m)
	t.UpdatedAt = time.Now()
}

func (t *Thread) FindMessage(id string) *Message {
	for _, m := range t.Messages {
		if m.ID == id {
			return m
		}
	}
	return nil
}

// FindToolCall locates a call anywhere in the thread, returning it with
// its owning message.
func (t *Thread) FindToolCall(toolCallID string) (*Message, *ToolCall) {
	for _, m := range t.Messages {
		if tc := m.FindToolCall(toolCallID); tc != nil {
			return m, tc
		}
	}
	return nil, nil
}

// HasToolResult reports whether a tool-result message for the call
// already exists. Results are appended at most once per call.
func (t *Thread) HasToolResult(toolCallID string) bool {
	for _, m := range t.Messages {
		if m.Role == RoleTool && m.ToolCallID == toolCallID {
			return true
		}
	}
	return false
}

func (t *Thread) LastMessage() *Message {
	if len(t.Messages) == 0 {
		return nil
	}
	return t.Messages[len(t.Messages)-1]
}

// Snapshot returns the history by value, for selection and wiring.
func (t *Thread) Snapshot() []Message {
	out := make([]Message, 0, len(t.Messages))
	for _, m := range t.Messages {
		out = append(out, *m)
	}
	return out
}

// ReplaceHistory swaps in a compacted history. Messages that survive the
// compaction keep their in-memory identity so local bookkeeping (tool
// call statuses, in-flight controller references) carries over; the
// replacement copy only supplies messages we have not seen.
func (t *Thread) ReplaceHistory(history []Message) {
	existing := make(map[string]*Message, len(t.Messages))
	for _, m := range t.Messages {
		existing[m.ID] = m
	}
	next := make([]*Message, 0, len(history))
	for i := range history {
		if kept, ok := existing[history[i].ID]; ok && history[i].ID != "" {
			next = append(next, kept)
			continue
		}
		m := history[i]
		next = append(next, &m)
	}
	t.Messages = next
	t.UpdatedAt = time.Now()
}
