package chat

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/loomlabs/loom/internal/events"
	"github.com/loomlabs/loom/internal/llm"
	"github.com/loomlabs/loom/internal/logging"
	"github.com/loomlabs/loom/internal/tools"
)

// scriptedRound is what a fake backend emits for one generation round.
type scriptedRound struct {
	payloads []any
	err      error
}

// scriptedInvoker plays back one scripted round per Invoke call, in order.
type scriptedInvoker struct {
	bus    *events.Bus
	mu     sync.Mutex
	rounds []scriptedRound
	reqs   []llm.Request
}

func (s *scriptedInvoker) Invoke(_ context.Context, req llm.Request) error {
	s.mu.Lock()
	s.reqs = append(s.reqs, req)
	var round scriptedRound
	if len(s.rounds) > 0 {
		round = s.rounds[0]
		s.rounds = s.rounds[1:]
	} else {
		round = scriptedRound{payloads: []any{"ok"}}
	}
	s.mu.Unlock()

	if round.err != nil {
		return round.err
	}
	for _, p := range round.payloads {
		s.bus.Publish(llm.DeltaTopic(req.EventID), p)
	}
	s.bus.Publish(llm.FinishTopic(req.EventID), nil)
	return nil
}

func (s *scriptedInvoker) requests() []llm.Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]llm.Request, len(s.reqs))
	copy(out, s.reqs)
	return out
}

type readOnlyFS struct {
	mu    sync.Mutex
	reads int
}

func (f *readOnlyFS) Read(root, rel string) (string, error) {
	f.mu.Lock()
	f.reads++
	f.mu.Unlock()
	return "file data", nil
}
func (f *readOnlyFS) Write(root, rel, content string) (string, error) { return "written", nil }
func (f *readOnlyFS) ListDir(root, rel string) ([]string, error)      { return nil, nil }
func (f *readOnlyFS) Delete(root, rel string) error                   { return nil }

type countingSaver struct {
	mu    sync.Mutex
	saves int
}

func (s *countingSaver) SaveThread(_ context.Context, _ *Thread) error {
	s.mu.Lock()
	s.saves++
	s.mu.Unlock()
	return nil
}

type engineFixture struct {
	engine  *Engine
	invoker *scriptedInvoker
	rounds  chan bool // failed flag per settled round
	saver   *countingSaver
	fs      *readOnlyFS
}

func newEngineFixture(t *testing.T, cfg EngineConfig, policy *tools.ApprovalPolicy, rounds ...scriptedRound) *engineFixture {
	t.Helper()
	bus := events.NewBus(logging.Nop())
	inv := &scriptedInvoker{bus: bus, rounds: rounds}
	fs := &readOnlyFS{}
	saver := &countingSaver{}

	if cfg.StreamTimeout == 0 {
		cfg.StreamTimeout = 5 * time.Second
	}
	cfg.EnableTools = true

	f := &engineFixture{
		invoker: inv,
		rounds:  make(chan bool, 16),
		saver:   saver,
		fs:      fs,
	}
	f.engine = NewEngine(cfg, nil, EngineDeps{
		Bus:      bus,
		Invoker:  inv,
		Runner:   &tools.Runner{FS: fs, ProjectRoot: "/project"},
		Policy:   policy,
		Selector: newTestSelector(1<<30, 1000),
		Saver:    saver,
		Log:      logging.Nop(),
	})
	f.engine.OnRoundDone = func(_ *Message, failed bool) {
		f.rounds <- failed
	}
	return f
}

func (f *engineFixture) waitRound(t *testing.T) bool {
	t.Helper()
	select {
	case failed := <-f.rounds:
		return failed
	case <-time.After(5 * time.Second):
		t.Fatal("round never settled")
		return false
	}
}

func toolCallRound(id, name, args string) scriptedRound {
	return scriptedRound{payloads: []any{
		llm.Delta{Kind: llm.DeltaToolCall, Calls: []llm.ToolCallDelta{
			{Index: 0, ID: id, Name: name, Arguments: args},
		}},
	}}
}

func TestEngineTextOnlyTurn(t *testing.T) {
	f := newEngineFixture(t, EngineConfig{}, nil,
		scriptedRound{payloads: []any{"Hello", ", there."}})

	if _, err := f.engine.SendMessage(context.Background(), "hi"); err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	if failed := f.waitRound(t); failed {
		t.Fatal("round reported failed")
	}

	th := f.engine.Thread()
	if len(th.Messages) != 2 {
		t.Fatalf("messages = %d, want user+assistant", len(th.Messages))
	}
	assistant := th.LastMessage()
	if assistant.Role != RoleAssistant || assistant.Content != "Hello, there." {
		t.Errorf("assistant = %+v", assistant)
	}
	if assistant.Streaming {
		t.Error("assistant still streaming")
	}
}

func TestEngineApprovalExecutesAndResumes(t *testing.T) {
	f := newEngineFixture(t, EngineConfig{}, nil,
		toolCallRound("call_1", "agent_read_file", `{"rel_path":"main.go"}`),
		scriptedRound{payloads: []any{"The file says hello."}})

	if _, err := f.engine.SendMessage(context.Background(), "read main.go"); err != nil {
		t.Fatal(err)
	}
	f.waitRound(t)

	th := f.engine.Thread()
	assistant := th.LastMessage()
	if len(assistant.ToolCalls) != 1 || assistant.ToolCalls[0].Status != StatusPending {
		t.Fatalf("assistant calls = %+v", assistant.ToolCalls)
	}

	if err := f.engine.ApproveToolCall(context.Background(), assistant.ID, "call_1"); err != nil {
		t.Fatalf("ApproveToolCall: %v", err)
	}
	f.waitRound(t) // resumed round

	if assistant.ToolCalls[0].Status != StatusCompleted {
		t.Errorf("call status = %s", assistant.ToolCalls[0].Status)
	}
	if !th.HasToolResult("call_1") {
		t.Error("no tool-result message recorded")
	}
	if th.LastMessage().Content != "The file says hello." {
		t.Errorf("resumed answer = %q", th.LastMessage().Content)
	}

	// The resumed request must carry the tool result back to the model.
	reqs := f.invoker.requests()
	if len(reqs) != 2 {
		t.Fatalf("invocations = %d", len(reqs))
	}
	foundResult := false
	for _, m := range reqs[1].Messages {
		if m.Role == llm.RoleTool && m.ToolCallID == "call_1" {
			foundResult = true
		}
	}
	if !foundResult {
		t.Error("resumed request missing the tool result message")
	}
}

func TestEngineRejectionEndsTurnWithoutResuming(t *testing.T) {
	f := newEngineFixture(t, EngineConfig{}, nil,
		toolCallRound("call_1", "bash", `{"command":"rm -rf /"}`))

	if _, err := f.engine.SendMessage(context.Background(), "clean up"); err != nil {
		t.Fatal(err)
	}
	f.waitRound(t)

	assistant := f.engine.Thread().Messages[1]
	if err := f.engine.RejectToolCall(context.Background(), assistant.ID, "call_1"); err != nil {
		t.Fatalf("RejectToolCall: %v", err)
	}

	if assistant.ToolCalls[0].Status != StatusRejected {
		t.Errorf("status = %s", assistant.ToolCalls[0].Status)
	}
	if f.engine.Thread().HasToolResult("call_1") {
		t.Error("rejection recorded a tool result")
	}
	f.fs.mu.Lock()
	reads := f.fs.reads
	f.fs.mu.Unlock()
	if reads != 0 {
		t.Error("rejected call reached the executor")
	}
	// Rejection does not restart generation: the one invocation stands.
	if n := len(f.invoker.requests()); n != 1 {
		t.Errorf("invocations = %d, want 1", n)
	}
	// The turn is settled, so a follow-up message is accepted even under
	// the conservative policy.
	if _, err := f.engine.SendMessage(context.Background(), "never mind"); err != nil {
		t.Fatalf("follow-up refused after rejection: %v", err)
	}
	f.waitRound(t)
}

func TestEngineAutomatedTaskApprovesWholeTurn(t *testing.T) {
	// No approval policy at all: only the per-message flag can approve.
	f := newEngineFixture(t, EngineConfig{}, nil,
		toolCallRound("call_1", "agent_read_file", `{"rel_path":"go.mod"}`),
		scriptedRound{payloads: []any{"Task finished."}})

	if _, err := f.engine.SendAutomatedTask(context.Background(), "read go.mod and report"); err != nil {
		t.Fatal(err)
	}
	f.waitRound(t)
	f.waitRound(t) // flag approved the call, execution resumed generation

	assistant := f.engine.Thread().Messages[1]
	if assistant.ToolCalls[0].Status != StatusCompleted {
		t.Errorf("status = %s, want completed without manual approval", assistant.ToolCalls[0].Status)
	}
	if got := f.engine.Thread().LastMessage().Content; got != "Task finished." {
		t.Errorf("final answer = %q", got)
	}

	f.fs.mu.Lock()
	reads := f.fs.reads
	f.fs.mu.Unlock()
	if reads != 1 {
		t.Errorf("executor ran %d times, want 1", reads)
	}
}

func TestEngineManualTurnStaysPendingWithoutPolicy(t *testing.T) {
	f := newEngineFixture(t, EngineConfig{}, nil,
		toolCallRound("call_1", "agent_read_file", `{"rel_path":"go.mod"}`))

	if _, err := f.engine.SendMessage(context.Background(), "read go.mod"); err != nil {
		t.Fatal(err)
	}
	f.waitRound(t)

	assistant := f.engine.Thread().Messages[1]
	if assistant.ToolCalls[0].Status != StatusPending {
		t.Errorf("status = %s, want pending until approved", assistant.ToolCalls[0].Status)
	}
}

func TestEngineAutoApproval(t *testing.T) {
	policy, err := tools.NewApprovalPolicy(false, true, nil)
	if err != nil {
		t.Fatal(err)
	}
	f := newEngineFixture(t, EngineConfig{}, policy,
		toolCallRound("call_1", "agent_read_file", `{"rel_path":"go.mod"}`),
		scriptedRound{payloads: []any{"It declares module loom."}})

	if _, err := f.engine.SendMessage(context.Background(), "what module is this"); err != nil {
		t.Fatal(err)
	}
	f.waitRound(t)
	f.waitRound(t) // auto-approved call resumed generation on its own

	assistant := f.engine.Thread().Messages[1]
	if assistant.ToolCalls[0].Status != StatusCompleted {
		t.Errorf("status = %s, want auto-approved and completed", assistant.ToolCalls[0].Status)
	}
	if got := f.engine.Thread().LastMessage().Content; got != "It declares module loom." {
		t.Errorf("final answer = %q", got)
	}
}

func TestEngineConservativeTurnPolicy(t *testing.T) {
	f := newEngineFixture(t, EngineConfig{TurnPolicy: TurnConservative}, nil,
		toolCallRound("call_1", "bash", `{"command":"ls"}`))

	if _, err := f.engine.SendMessage(context.Background(), "list files"); err != nil {
		t.Fatal(err)
	}
	f.waitRound(t)

	_, err := f.engine.SendMessage(context.Background(), "never mind")
	if err == nil {
		t.Fatal("second message accepted while tool calls were undecided")
	}
}

func TestEnginePermissiveTurnPolicy(t *testing.T) {
	f := newEngineFixture(t, EngineConfig{TurnPolicy: TurnPermissive}, nil,
		toolCallRound("call_1", "bash", `{"command":"ls"}`))

	if _, err := f.engine.SendMessage(context.Background(), "list files"); err != nil {
		t.Fatal(err)
	}
	f.waitRound(t)

	assistant := f.engine.Thread().Messages[1]
	if _, err := f.engine.SendMessage(context.Background(), "never mind"); err != nil {
		t.Fatalf("permissive policy refused new message: %v", err)
	}
	if assistant.ToolCalls[0].Status != StatusRejected {
		t.Errorf("open call status = %s, want rejected", assistant.ToolCalls[0].Status)
	}
}

func TestEngineInvokerErrorFailsRound(t *testing.T) {
	f := newEngineFixture(t, EngineConfig{}, nil,
		scriptedRound{err: context.DeadlineExceeded})

	if _, err := f.engine.SendMessage(context.Background(), "hi"); err != nil {
		t.Fatal(err)
	}
	if failed := f.waitRound(t); !failed {
		t.Fatal("round should report failed")
	}
	assistant := f.engine.Thread().LastMessage()
	if assistant.Streaming {
		t.Error("assistant still streaming after failure")
	}
}

func TestEngineRefusesApprovalOnMissingMessage(t *testing.T) {
	f := newEngineFixture(t, EngineConfig{}, nil)
	if err := f.engine.ApproveToolCall(context.Background(), "nope", "call"); err == nil {
		t.Fatal("approved on a missing message")
	}
}

func TestEnginePersistsAfterRounds(t *testing.T) {
	f := newEngineFixture(t, EngineConfig{}, nil,
		scriptedRound{payloads: []any{"saved"}})

	if _, err := f.engine.SendMessage(context.Background(), "hi"); err != nil {
		t.Fatal(err)
	}
	f.waitRound(t)

	f.saver.mu.Lock()
	saves := f.saver.saves
	f.saver.mu.Unlock()
	if saves == 0 {
		t.Error("thread never persisted")
	}
}
