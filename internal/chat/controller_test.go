package chat

import (
	"testing"
	"time"

	"github.com/loomlabs/loom/internal/events"
	"github.com/loomlabs/loom/internal/llm"
	"github.com/loomlabs/loom/internal/logging"
)

func newTestController(t *testing.T, hooks StreamHooks) (*events.Bus, *StreamController, *Message) {
	t.Helper()
	bus := events.NewBus(logging.Nop())
	msg := &Message{ID: "m1", Role: RoleAssistant, CreatedAt: time.Now()}
	ctrl := NewStreamController(bus, logging.Nop(), "ev1", msg, time.Minute, hooks)
	t.Cleanup(ctrl.Release)
	return bus, ctrl, msg
}

func toolDelta(calls ...llm.ToolCallDelta) llm.Delta {
	return llm.Delta{Kind: llm.DeltaToolCall, Calls: calls}
}

func TestControllerAccumulatesContent(t *testing.T) {
	bus, _, msg := newTestController(t, StreamHooks{})

	bus.Publish(llm.DeltaTopic("ev1"), "Hello, ")
	bus.Publish(llm.DeltaTopic("ev1"), "world.")
	bus.Publish(llm.FinishTopic("ev1"), nil)

	if msg.Content != "Hello, world." {
		t.Errorf("content = %q", msg.Content)
	}
	if msg.Streaming {
		t.Error("message still marked streaming after finish")
	}
}

func TestControllerSegmentPerDelta(t *testing.T) {
	bus, _, msg := newTestController(t, StreamHooks{})

	bus.Publish(llm.DeltaTopic("ev1"), "alpha ")
	bus.Publish(llm.DeltaTopic("ev1"), "beta")
	bus.Publish(llm.FinishTopic("ev1"), nil)

	segs := msg.ContentSegments
	if len(segs) != 2 {
		t.Fatalf("segments = %d, want one per delta: %+v", len(segs), segs)
	}
	if segs[0].Content != "alpha " || segs[1].Content != "beta" {
		t.Errorf("chunks = %q, %q", segs[0].Content, segs[1].Content)
	}
	if segs[0].StartPos != 0 || segs[0].EndPos != 6 {
		t.Errorf("segment 0 span = [%d,%d)", segs[0].StartPos, segs[0].EndPos)
	}
	if segs[1].StartPos != 6 || segs[1].EndPos != 10 {
		t.Errorf("segment 1 span = [%d,%d)", segs[1].StartPos, segs[1].EndPos)
	}
	if msg.Content != "alpha beta" {
		t.Errorf("content = %q", msg.Content)
	}
}

func TestControllerInterleavedSegments(t *testing.T) {
	bus, _, msg := newTestController(t, StreamHooks{})

	bus.Publish(llm.DeltaTopic("ev1"), "Let me check. ")
	bus.Publish(llm.DeltaTopic("ev1"), toolDelta(llm.ToolCallDelta{
		Index: 0, ID: "call_1", Name: "agent_read_file", Arguments: `{"rel_path":"main.go"}`,
	}))
	bus.Publish(llm.DeltaTopic("ev1"), "Found it.")
	bus.Publish(llm.FinishTopic("ev1"), nil)

	segs := msg.ContentSegments
	if len(segs) != 3 {
		t.Fatalf("segments = %d, want 3: %+v", len(segs), segs)
	}
	if segs[0].Type != SegmentText || segs[0].Content != "Let me check. " {
		t.Errorf("segment 0 = %+v", segs[0])
	}
	if segs[1].Type != SegmentToolCall || segs[1].ToolCallID != "call_1" {
		t.Errorf("segment 1 = %+v", segs[1])
	}
	if segs[2].Type != SegmentText || segs[2].Content != "Found it." {
		t.Errorf("segment 2 = %+v", segs[2])
	}
	for i, s := range segs {
		if s.Order != i {
			t.Errorf("segment %d order = %d", i, s.Order)
		}
	}
}

func TestControllerToolCallFromWireChunk(t *testing.T) {
	bus, _, msg := newTestController(t, StreamHooks{})

	bus.Publish(llm.DeltaTopic("ev1"),
		`{"choices":[{"delta":{"tool_calls":[{"index":0,"id":"call_9","function":{"name":"bash","arguments":""}}]}}]}`)
	bus.Publish(llm.DeltaTopic("ev1"),
		`{"choices":[{"delta":{"tool_calls":[{"index":0,"function":{"arguments":"{\"command\":\"ls\"}"}}]}}]}`)
	bus.Publish(llm.FinishTopic("ev1"), nil)

	if len(msg.ToolCalls) != 1 {
		t.Fatalf("tool calls = %d", len(msg.ToolCalls))
	}
	tc := msg.ToolCalls[0]
	if tc.ID != "call_9" || tc.Name != "bash" {
		t.Errorf("call = %+v", tc)
	}
	if tc.Status != StatusPending {
		t.Errorf("status = %s", tc.Status)
	}
	if tc.ParsedArgs["command"] != "ls" {
		t.Errorf("parsed args = %v", tc.ParsedArgs)
	}
}

func TestControllerHoldsPlaceholderName(t *testing.T) {
	bus, _, msg := newTestController(t, StreamHooks{})

	bus.Publish(llm.DeltaTopic("ev1"), toolDelta(llm.ToolCallDelta{Index: 0, ID: "call_1", Name: "unknown"}))
	if len(msg.ToolCalls) != 0 {
		t.Fatalf("placeholder name surfaced: %+v", msg.ToolCalls)
	}

	bus.Publish(llm.DeltaTopic("ev1"), toolDelta(llm.ToolCallDelta{Index: 1, Name: "agent_list_dir", Arguments: "{}"}))
	if len(msg.ToolCalls) != 1 || msg.ToolCalls[0].Name != "agent_list_dir" {
		t.Fatalf("tool calls = %+v", msg.ToolCalls)
	}
	if msg.ToolCalls[0].ID == "" {
		t.Error("surfaced call without an ID")
	}
}

func TestControllerClearsPartialAtFinish(t *testing.T) {
	bus, _, msg := newTestController(t, StreamHooks{})

	bus.Publish(llm.DeltaTopic("ev1"), toolDelta(llm.ToolCallDelta{
		Index: 0, ID: "call_1", Name: "agent_read_file", Arguments: `{"rel_pa`,
	}))
	if !msg.ToolCalls[0].IsPartial {
		t.Fatal("call should be partial mid-stream")
	}
	bus.Publish(llm.DeltaTopic("ev1"), toolDelta(llm.ToolCallDelta{Index: 0, Arguments: `th":"x"}`}))
	bus.Publish(llm.FinishTopic("ev1"), nil)

	tc := msg.ToolCalls[0]
	if tc.IsPartial {
		t.Error("partial flag survived finish")
	}
	if tc.Status != StatusPending {
		t.Errorf("status = %s", tc.Status)
	}
	if tc.ParsedArgs["rel_path"] != "x" {
		t.Errorf("parsed args = %v", tc.ParsedArgs)
	}
}

func TestControllerFailsTruncatedArgs(t *testing.T) {
	bus, _, msg := newTestController(t, StreamHooks{})

	bus.Publish(llm.DeltaTopic("ev1"), toolDelta(llm.ToolCallDelta{
		Index: 0, ID: "call_1", Name: "bash", Arguments: `{"command": "ls`,
	}))
	bus.Publish(llm.FinishTopic("ev1"), nil)

	tc := msg.ToolCalls[0]
	if tc.Status != StatusFailed {
		t.Errorf("status = %s, want failed", tc.Status)
	}
	if tc.Error == "" {
		t.Error("failed call carries no error")
	}
	if tc.Result == "" {
		t.Error("failed call carries no result")
	}
}

func TestControllerCharSplitArgsMatchOneShot(t *testing.T) {
	args := `{"rel_path":"src/main.go","content":"a\nb \"q\" c","count":3}`

	oneShot := newToolCallAccumulator(nil)
	oneShot.Apply(llm.ToolCallDelta{Index: 0, ID: "c1", Name: "agent_write_file", Arguments: args})
	oneShot.Finalize()

	split := newToolCallAccumulator(nil)
	split.Apply(llm.ToolCallDelta{Index: 0, ID: "c1", Name: "agent_write_file"})
	for _, ch := range []byte(args) {
		split.Apply(llm.ToolCallDelta{Index: 0, Arguments: string(ch)})
	}
	split.Finalize()

	want := oneShot.Calls()[0]
	got := split.Calls()[0]
	if got.Arguments != want.Arguments {
		t.Fatalf("arguments diverged: %q vs %q", got.Arguments, want.Arguments)
	}
	if got.Status != StatusPending || want.Status != StatusPending {
		t.Fatalf("statuses = %s, %s", got.Status, want.Status)
	}
	if len(got.ParsedArgs) != len(want.ParsedArgs) {
		t.Fatalf("parsed args diverged: %v vs %v", got.ParsedArgs, want.ParsedArgs)
	}
	for k, v := range want.ParsedArgs {
		if got.ParsedArgs[k] != v {
			t.Errorf("key %q: %v vs %v", k, got.ParsedArgs[k], v)
		}
	}
}

func TestControllerStatusPlaceholder(t *testing.T) {
	bus, _, msg := newTestController(t, StreamHooks{})

	bus.Publish(llm.StatusTopic("ev1"), "Waiting for model...")
	if msg.Content != "Waiting for model..." {
		t.Errorf("content = %q", msg.Content)
	}

	bus.Publish(llm.DeltaTopic("ev1"), "Hi")
	if msg.Content != "Hi" {
		t.Errorf("content = %q, placeholder not replaced", msg.Content)
	}
}

func TestControllerStatusClearedAtFinish(t *testing.T) {
	bus, _, msg := newTestController(t, StreamHooks{})

	bus.Publish(llm.StatusTopic("ev1"), "thinking")
	bus.Publish(llm.FinishTopic("ev1"), nil)

	if msg.Content != "" {
		t.Errorf("placeholder text survived finish: %q", msg.Content)
	}
}

func TestControllerErrorFailsOpenCalls(t *testing.T) {
	var gotReason string
	bus, _, msg := newTestController(t, StreamHooks{
		OnError: func(_ *Message, reason string) { gotReason = reason },
	})

	bus.Publish(llm.DeltaTopic("ev1"), toolDelta(llm.ToolCallDelta{
		Index: 0, ID: "call_1", Name: "bash", Arguments: "{}",
	}))
	bus.Publish(llm.ErrorTopic("ev1"), "provider disconnected")

	if gotReason != "provider disconnected" {
		t.Errorf("reason = %q", gotReason)
	}
	tc := msg.ToolCalls[0]
	if tc.Status != StatusFailed || tc.Error != "provider disconnected" {
		t.Errorf("call = %+v", tc)
	}
	if tc.Result != "provider disconnected" {
		t.Errorf("failed call result = %q", tc.Result)
	}
	if msg.Streaming {
		t.Error("message still streaming after error")
	}
}

func TestControllerErrorWritesVisibleMarker(t *testing.T) {
	bus, _, msg := newTestController(t, StreamHooks{})

	bus.Publish(llm.DeltaTopic("ev1"), "Working on it")
	bus.Publish(llm.ErrorTopic("ev1"), "provider disconnected")

	want := "Working on it\n\n[error] provider disconnected"
	if msg.Content != want {
		t.Errorf("content = %q, want %q", msg.Content, want)
	}

	// Without prior content the marker is the whole message.
	bus2, _, msg2 := newTestController(t, StreamHooks{})
	bus2.Publish(llm.ErrorTopic("ev1"), "boom")
	if msg2.Content != "[error] boom" {
		t.Errorf("content = %q", msg2.Content)
	}
}

func TestControllerErrorSparesApprovedCalls(t *testing.T) {
	bus, _, msg := newTestController(t, StreamHooks{})

	bus.Publish(llm.DeltaTopic("ev1"), toolDelta(llm.ToolCallDelta{
		Index: 0, ID: "call_1", Name: "bash", Arguments: "{}",
	}))
	msg.ToolCalls[0].Status = StatusApproved
	bus.Publish(llm.ErrorTopic("ev1"), "boom")

	if msg.ToolCalls[0].Status != StatusApproved {
		t.Errorf("approved call was demoted to %s", msg.ToolCalls[0].Status)
	}
}

func TestControllerWatchdog(t *testing.T) {
	bus := events.NewBus(logging.Nop())
	msg := &Message{ID: "m1", Role: RoleAssistant}
	errCh := make(chan string, 1)
	ctrl := NewStreamController(bus, logging.Nop(), "ev1", msg, 20*time.Millisecond, StreamHooks{
		OnError: func(_ *Message, reason string) { errCh <- reason },
	})
	defer ctrl.Release()

	select {
	case reason := <-errCh:
		if reason == "" {
			t.Error("empty watchdog reason")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("watchdog never fired")
	}
}

func TestControllerReleasesSubscriptions(t *testing.T) {
	bus, _, msg := newTestController(t, StreamHooks{})

	bus.Publish(llm.DeltaTopic("ev1"), "hello")
	bus.Publish(llm.FinishTopic("ev1"), nil)

	if n := bus.SubscriberCount(llm.DeltaTopic("ev1")); n != 0 {
		t.Errorf("delta subscribers after finish = %d", n)
	}

	// Late publishes must not mutate the finished message.
	bus.Publish(llm.DeltaTopic("ev1"), " late")
	if msg.Content != "hello" {
		t.Errorf("content = %q", msg.Content)
	}
}

func TestControllerFinishFiresOnce(t *testing.T) {
	finishes := 0
	bus, _, _ := newTestController(t, StreamHooks{
		OnFinish: func(*Message) { finishes++ },
	})

	bus.Publish(llm.FinishTopic("ev1"), nil)
	bus.Publish(llm.FinishTopic("ev1"), nil)
	bus.Publish(llm.ErrorTopic("ev1"), "late error")

	if finishes != 1 {
		t.Errorf("OnFinish fired %d times", finishes)
	}
}

func TestControllerCompactedPayloads(t *testing.T) {
	var got []Message
	bus, _, _ := newTestController(t, StreamHooks{
		OnCompacted: func(history []Message) { got = history },
	})

	bus.Publish(llm.CompactedTopic("ev1"), []Message{
		{ID: "a", Role: RoleSystem, Content: "sys"},
		{ID: "b", Role: RoleUser, Content: "hi"},
	})
	if len(got) != 2 || got[1].ID != "b" {
		t.Fatalf("history = %+v", got)
	}

	got = nil
	bus.Publish(llm.CompactedTopic("ev1"), `[{"id":"c","role":"user","content":"json"}]`)
	if len(got) != 1 || got[0].ID != "c" {
		t.Fatalf("history from JSON = %+v", got)
	}

	got = nil
	bus.Publish(llm.CompactedTopic("ev1"), "not json")
	if got != nil {
		t.Errorf("malformed payload reached hook: %+v", got)
	}
}
