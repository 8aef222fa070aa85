package chat

import (
	"sort"
	"strings"

	"github.com/google/uuid"

	"github.com/loomlabs/loom/internal/llm"
)

// toolCallAccumulator merges streamed tool-call deltas, keyed by the
// provider's stream index. A call surfaces only once it carries a usable
// name; some providers emit an empty or "unknown" placeholder first.
type toolCallAccumulator struct {
	entries map[int]*toolCallEntry
	order   []int

	// onSurface fires once per call, the first time it becomes visible.
	onSurface func(*ToolCall)
}

type toolCallEntry struct {
	call      *ToolCall
	args      strings.Builder
	surfaced  bool
	nameParts strings.Builder
}

func newToolCallAccumulator(onSurface func(*ToolCall)) *toolCallAccumulator {
	return &toolCallAccumulator{
		entries:   make(map[int]*toolCallEntry),
		onSurface: onSurface,
	}
}

// Apply folds one delta into the accumulated state.
func (a *toolCallAccumulator) Apply(d llm.ToolCallDelta) {
	e, ok := a.entries[d.Index]
	if !ok {
		e = &toolCallEntry{call: &ToolCall{
			Status:    StatusPending,
			IsPartial: true,
		}}
		a.entries[d.Index] = e
		a.order = append(a.order, d.Index)
	}
	if d.ID != "" {
		e.call.ID = d.ID
	}
	if d.Name != "" {
		e.nameParts.WriteString(d.Name)
	}
	if d.Arguments != "" {
		e.args.WriteString(d.Arguments)
	}

	e.call.Name = e.nameParts.String()
	e.call.Arguments = e.args.String()
	// Re-parse on every append so consumers always see the best-effort
	// decoded arguments, even mid-stream.
	e.call.ParsedArgs = llm.ParsePartialJSON(e.call.Arguments)

	if !e.surfaced && validToolName(e.call.Name) {
		e.surfaced = true
		if e.call.ID == "" {
			e.call.ID = uuid.NewString()
		}
		if a.onSurface != nil {
			a.onSurface(e.call)
		}
	}
}

// Calls returns the surfaced calls in stream-index order.
func (a *toolCallAccumulator) Calls() []*ToolCall {
	sort.Ints(a.order)
	var out []*ToolCall
	for _, idx := range a.order {
		if e := a.entries[idx]; e.surfaced {
			out = append(out, e.call)
		}
	}
	return out
}

// Finalize runs at stream end: strict-parses every surfaced call's
// arguments and clears the partial flag. Calls whose arguments never
// became valid JSON are marked failed so they cannot be approved.
func (a *toolCallAccumulator) Finalize() {
	for _, e := range a.entries {
		if !e.surfaced {
			continue
		}
		e.call.IsPartial = false
		parsed, err := llm.ParseStrictArgs(e.call.Arguments)
		if err != nil {
			e.call.Status = StatusFailed
			e.call.Error = "tool call arguments were truncated or malformed"
			e.call.Result = e.call.Error
			continue
		}
		e.call.ParsedArgs = parsed
	}
}
