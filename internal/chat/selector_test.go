package chat

import (
	"strings"
	"testing"

	"github.com/loomlabs/loom/internal/tokens"
)

func newTestSelector(maxTokens, maxMessages int) *ContextSelector {
	return NewContextSelector(tokens.NewEstimator(), SelectorConfig{
		MaxTokens:   maxTokens,
		MaxMessages: maxMessages,
	})
}

func userMsg(id, content string) Message {
	return Message{ID: id, Role: RoleUser, Content: content}
}

func ids(msgs []Message) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.ID
	}
	return out
}

func containsID(msgs []Message, id string) bool {
	for _, m := range msgs {
		if m.ID == id {
			return true
		}
	}
	return false
}

func TestSelectorReturnsAllWithinLimits(t *testing.T) {
	s := newTestSelector(1<<30, 100)
	msgs := []Message{
		{ID: "s", Role: RoleSystem, Content: "You are helpful."},
		userMsg("u1", "hello"),
		{ID: "a1", Role: RoleAssistant, Content: "hi"},
	}
	got := s.Select(msgs)
	if len(got) != 3 {
		t.Fatalf("got %d messages, want all 3", len(got))
	}
}

func TestSelectorSingleMessagePassthrough(t *testing.T) {
	s := newTestSelector(1, 1)
	msgs := []Message{userMsg("u1", "hello")}
	got := s.Select(msgs)
	if len(got) != 1 || got[0].ID != "u1" {
		t.Fatalf("got %v", ids(got))
	}
}

func TestSelectorMessageCapKeepsRecent(t *testing.T) {
	s := newTestSelector(1<<30, 5)
	var msgs []Message
	for _, id := range []string{"u0", "u1", "u2", "u3", "u4", "u5", "u6", "u7", "u8", "u9"} {
		msgs = append(msgs, userMsg(id, "message body"))
	}

	got := s.Select(msgs)
	want := []string{"u5", "u6", "u7", "u8", "u9"}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", ids(got), want)
	}
	for i, id := range want {
		if got[i].ID != id {
			t.Fatalf("got %v, want %v", ids(got), want)
		}
	}
}

func TestSelectorForcesLatestUser(t *testing.T) {
	s := newTestSelector(1, 100)
	msgs := []Message{
		{ID: "a0", Role: RoleAssistant, Content: "old answer with many words in it"},
		{ID: "a1", Role: RoleAssistant, Content: "another old answer"},
		userMsg("u0", "early question"),
		{ID: "a2", Role: RoleAssistant, Content: "reply"},
		userMsg("u-latest", "the actual question"),
	}
	got := s.Select(msgs)
	if !containsID(got, "u-latest") {
		t.Fatalf("latest user message dropped: %v", ids(got))
	}
}

func TestSelectorConversationalFloor(t *testing.T) {
	// A budget of one token puts everything over budget; the floor still
	// admits a few non-system messages so the model has a conversation.
	s := newTestSelector(1, 100)
	msgs := []Message{
		{ID: "s1", Role: RoleSystem, Content: "system prompt"},
		userMsg("u0", "one"),
		{ID: "a0", Role: RoleAssistant, Content: "two"},
		userMsg("u1", "three"),
		{ID: "a1", Role: RoleAssistant, Content: "four"},
		userMsg("u2", "five"),
	}
	got := s.Select(msgs)

	nonSystem := 0
	for _, m := range got {
		if m.Role != RoleSystem {
			nonSystem++
		}
	}
	if nonSystem < 3 {
		t.Errorf("only %d non-system messages survived: %v", nonSystem, ids(got))
	}
	if !containsID(got, "u2") {
		t.Errorf("latest user missing: %v", ids(got))
	}
}

func TestSelectorKeepsSystemMessagesOverBudget(t *testing.T) {
	// The system prompt alone blows the budget; it must survive anyway.
	s := newTestSelector(100, 100)
	msgs := []Message{
		{ID: "sys", Role: RoleSystem, Content: strings.Repeat("rules and more rules ", 100)},
		userMsg("u0", "one"),
		{ID: "a0", Role: RoleAssistant, Content: "two"},
		userMsg("u1", "three"),
		{ID: "a1", Role: RoleAssistant, Content: "four"},
		userMsg("u2", "five"),
	}
	got := s.Select(msgs)

	if !containsID(got, "sys") {
		t.Fatalf("system message dropped over budget: %v", ids(got))
	}
	// The non-system floor fills from the most recent backward.
	for _, id := range []string{"u2", "a1", "u1"} {
		if !containsID(got, id) {
			t.Errorf("recent message %s missing: %v", id, ids(got))
		}
	}
	if containsID(got, "u0") || containsID(got, "a0") {
		t.Errorf("old messages admitted past the floor: %v", ids(got))
	}
}

func TestSelectorPairRepairPullsOwner(t *testing.T) {
	s := newTestSelector(1, 100)
	msgs := []Message{
		{ID: "owner", Role: RoleAssistant, ToolCalls: []*ToolCall{{ID: "X", Name: "bash", Status: StatusCompleted}}},
		{ID: "a1", Role: RoleAssistant, ToolCalls: []*ToolCall{{ID: "A", Name: "bash", Status: StatusCompleted}}},
		{ID: "a2", Role: RoleAssistant, ToolCalls: []*ToolCall{{ID: "B", Name: "bash", Status: StatusCompleted}}},
		{ID: "a3", Role: RoleAssistant, ToolCalls: []*ToolCall{{ID: "C", Name: "bash", Status: StatusCompleted}}},
		{ID: "result-x", Role: RoleTool, ToolCallID: "X", Content: "output"},
		userMsg("u-latest", "next question"),
	}
	got := s.Select(msgs)

	if containsID(got, "result-x") && !containsID(got, "owner") {
		t.Errorf("tool result selected without its owning assistant message: %v", ids(got))
	}
	if !containsID(got, "result-x") {
		t.Fatalf("expected result-x in selection: %v", ids(got))
	}
	if !containsID(got, "owner") {
		t.Errorf("owner not pulled in by pair repair: %v", ids(got))
	}
}

func TestSelectorPairRepairPullsResult(t *testing.T) {
	s := newTestSelector(1, 100)
	msgs := []Message{
		userMsg("u0", "one"),
		userMsg("u1", "two"),
		{ID: "owner-x", Role: RoleAssistant, ToolCalls: []*ToolCall{{ID: "X", Name: "bash", Status: StatusCompleted}}},
		{ID: "result-x", Role: RoleTool, ToolCallID: "X", Content: "out"},
		{ID: "owner-y", Role: RoleAssistant, ToolCalls: []*ToolCall{{ID: "Y", Name: "bash", Status: StatusCompleted}}},
		{ID: "result-y", Role: RoleTool, ToolCallID: "Y", Content: "out"},
		userMsg("u-latest", "next"),
	}
	got := s.Select(msgs)

	for _, pair := range [][2]string{{"owner-x", "result-x"}, {"owner-y", "result-y"}} {
		if containsID(got, pair[0]) != containsID(got, pair[1]) {
			t.Errorf("tool pair %v split: %v", pair, ids(got))
		}
	}
}

func TestSelectorPreservesChronology(t *testing.T) {
	s := newTestSelector(1, 100)
	msgs := []Message{
		userMsg("u0", "one"),
		{ID: "a0", Role: RoleAssistant, Content: "two"},
		userMsg("u1", "three"),
		{ID: "a1", Role: RoleAssistant, Content: "four"},
		userMsg("u2", "five"),
	}
	got := s.Select(msgs)

	// The original slice is in time order; the selection must be too.
	pos := map[string]int{}
	for i, m := range msgs {
		pos[m.ID] = i
	}
	last := -1
	for _, m := range got {
		if pos[m.ID] < last {
			t.Fatalf("selection out of order: %v", ids(got))
		}
		last = pos[m.ID]
	}
}
