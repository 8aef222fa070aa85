package chat

import (
	"fmt"
	"strings"

	"github.com/loomlabs/loom/internal/llm"
)

// ToBackendMessages projects thread messages into the provider wire
// shape. Client-side bookkeeping (segments, partial flags, statuses)
// never crosses this boundary. Providers reject any half of a tool
// exchange that arrives alone, so a tool call is emitted only when its
// tool-result message travels in the same projection, and a tool-result
// message only when its owning call does. Rejected calls and calls whose
// arguments never parsed therefore disappear from the wire entirely.
func ToBackendMessages(msgs []Message) []llm.BackendMessage {
	hasResult := make(map[string]bool)
	callPresent := make(map[string]bool)
	for i := range msgs {
		if msgs[i].Role == RoleTool && msgs[i].ToolCallID != "" {
			hasResult[msgs[i].ToolCallID] = true
		}
		if msgs[i].Streaming {
			continue
		}
		for _, tc := range msgs[i].ToolCalls {
			callPresent[tc.ID] = true
		}
	}

	out := make([]llm.BackendMessage, 0, len(msgs))
	for i := range msgs {
		m := &msgs[i]
		if m.Streaming {
			continue
		}
		if m.Role == RoleTool && m.ToolCallID != "" && !callPresent[m.ToolCallID] {
			continue
		}
		bm := llm.BackendMessage{
			Role:       llm.Role(m.Role),
			Content:    m.Content,
			ToolCallID: m.ToolCallID,
		}
		if m.Role == RoleUser && len(m.References) > 0 {
			bm.Content = renderReferences(m.Content, m.References)
		}
		for _, tc := range m.ToolCalls {
			if !hasResult[tc.ID] {
				continue
			}
			args := tc.Arguments
			if args == "" {
				args = "{}"
			}
			bm.ToolCalls = append(bm.ToolCalls, llm.BackendToolCall{
				ID:   tc.ID,
				Type: "function",
				Function: llm.BackendToolFunction{
					Name:      tc.Name,
					Arguments: args,
				},
			})
		}
		out = append(out, bm)
	}
	return out
}

func renderReferences(content string, refs []Reference) string {
	var b strings.Builder
	b.WriteString(content)
	b.WriteString("\n\nRelevant project context:\n")
	for _, ref := range refs {
		fmt.Fprintf(&b, "- %s", ref.Path)
		if ref.Snippet != "" {
			fmt.Fprintf(&b, ":\n%s", ref.Snippet)
		}
		b.WriteString("\n")
	}
	return strings.TrimRight(b.String(), "\n")
}
