package chat

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/loomlabs/loom/internal/events"
	"github.com/loomlabs/loom/internal/llm"
	"github.com/loomlabs/loom/internal/logging"
	"github.com/loomlabs/loom/internal/tools"
)

// TurnPolicy decides what happens when the user sends a message while
// the previous turn is still open (streaming, or tool calls undecided).
type TurnPolicy string

const (
	// TurnConservative refuses the new message until the turn settles.
	TurnConservative TurnPolicy = "conservative"
	// TurnPermissive closes the open turn locally (rejecting undecided
	// calls) and proceeds with the new message.
	TurnPermissive TurnPolicy = "permissive"
)

// ThreadSaver persists threads. Implementations must tolerate being
// called repeatedly with the same thread.
type ThreadSaver interface {
	SaveThread(ctx context.Context, t *Thread) error
}

// EngineConfig collects the tunables of a chat engine.
type EngineConfig struct {
	Provider      llm.ProviderConfig
	ProjectRoot   string
	EnableTools   bool
	StreamTimeout time.Duration
	TurnPolicy    TurnPolicy
	Selector      SelectorConfig
	LoopGuard     LoopGuardConfig
}

// Engine drives one thread: user turns in, streamed assistant messages
// out, tool approvals in between.
type Engine struct {
	cfg       EngineConfig
	bus       *events.Bus
	invoker   llm.Invoker
	runner    *tools.Runner
	policy    *tools.ApprovalPolicy
	retrieval tools.Retrieval
	selector  *ContextSelector
	compactor *Compactor
	lifecycle *LifecycleManager
	thread    *Thread
	saver     ThreadSaver
	log       *logging.Logger

	// OnThreadUpdate fires whenever the thread changes shape or a
	// streaming message grows. Optional; set before first use.
	OnThreadUpdate func(*Thread)

	// OnRoundDone fires when a generation round settles: after the
	// finish event and the auto-approval pass, or after a stream
	// failure. Optional; set before first use.
	OnRoundDone func(msg *Message, failed bool)

	mu     sync.Mutex
	active *StreamController
}

// EngineDeps are the collaborators an Engine needs. Retrieval, Compactor
// and Saver are optional.
type EngineDeps struct {
	Bus       *events.Bus
	Invoker   llm.Invoker
	Runner    *tools.Runner
	Policy    *tools.ApprovalPolicy
	Retrieval tools.Retrieval
	Selector  *ContextSelector
	Compactor *Compactor
	Saver     ThreadSaver
	Log       *logging.Logger
}

func NewEngine(cfg EngineConfig, thread *Thread, deps EngineDeps) *Engine {
	if cfg.TurnPolicy == "" {
		cfg.TurnPolicy = TurnConservative
	}
	if cfg.StreamTimeout <= 0 {
		cfg.StreamTimeout = DefaultStreamTimeout
	}
	log := deps.Log
	if log == nil {
		log = logging.Nop()
	}
	if thread == nil {
		thread = NewThread()
	}
	e := &Engine{
		cfg:       cfg,
		bus:       deps.Bus,
		invoker:   deps.Invoker,
		runner:    deps.Runner,
		policy:    deps.Policy,
		retrieval: deps.Retrieval,
		selector:  deps.Selector,
		compactor: deps.Compactor,
		thread:    thread,
		saver:     deps.Saver,
		log:       log.Component("chat"),
	}
	e.lifecycle = NewLifecycleManager(thread, e.executeTool, cfg.LoopGuard, log, e.onAllCallsTerminal)
	return e
}

// Thread returns the engine's thread.
func (e *Engine) Thread() *Thread { return e.thread }

// SendMessage appends a user turn and starts a generation round,
// returning the event id of the round.
func (e *Engine) SendMessage(ctx context.Context, text string) (string, error) {
	return e.send(ctx, text, false)
}

// SendAutomatedTask appends an internally-generated task instruction.
// Tool calls produced while answering it execute without waiting for
// manual approval, for the whole turn including resumed rounds.
func (e *Engine) SendAutomatedTask(ctx context.Context, text string) (string, error) {
	return e.send(ctx, text, true)
}

func (e *Engine) send(ctx context.Context, text string, automated bool) (string, error) {
	if err := e.settleOpenTurn(); err != nil {
		return "", err
	}

	userMsg := &Message{Role: RoleUser, Content: text, AutoApprove: automated}
	if e.retrieval != nil {
		userMsg.References = e.buildReferences(ctx, text)
	}
	e.thread.Append(userMsg)
	e.notify()

	return e.generate(ctx)
}

// GenerateResponse starts a round against the current history without a
// new user message. Used to resume after tool results arrive.
func (e *Engine) GenerateResponse(ctx context.Context) (string, error) {
	e.mu.Lock()
	busy := e.active != nil
	e.mu.Unlock()
	if busy {
		return "", fmt.Errorf("a response is already streaming")
	}
	return e.generate(ctx)
}

// ApproveToolCall approves and executes one call.
func (e *Engine) ApproveToolCall(ctx context.Context, messageID, toolCallID string) error {
	if err := e.requireSettled(messageID); err != nil {
		return err
	}
	err := e.lifecycle.Approve(ctx, messageID, toolCallID)
	e.persist(ctx)
	return err
}

// RejectToolCall rejects one call.
func (e *Engine) RejectToolCall(ctx context.Context, messageID, toolCallID string) error {
	if err := e.requireSettled(messageID); err != nil {
		return err
	}
	err := e.lifecycle.Reject(messageID, toolCallID)
	e.persist(ctx)
	return err
}

// ApproveAllToolCalls approves every open call on the message.
func (e *Engine) ApproveAllToolCalls(ctx context.Context, messageID string) error {
	if err := e.requireSettled(messageID); err != nil {
		return err
	}
	err := e.lifecycle.ApproveAll(ctx, messageID)
	e.persist(ctx)
	return err
}

// RejectAllToolCalls rejects every open call on the message.
func (e *Engine) RejectAllToolCalls(ctx context.Context, messageID string) error {
	if err := e.requireSettled(messageID); err != nil {
		return err
	}
	err := e.lifecycle.RejectAll(messageID)
	e.persist(ctx)
	return err
}

// generate runs one provider round: compaction, context selection,
// stream reconstruction.
func (e *Engine) generate(ctx context.Context) (string, error) {
	eventID := uuid.NewString()

	history := e.thread.Snapshot()

	assistant := &Message{Role: RoleAssistant}
	e.thread.Append(assistant)

	ctrl := NewStreamController(e.bus, e.log, eventID, assistant, e.cfg.StreamTimeout, StreamHooks{
		OnUpdate:    func(*Message) { e.notify() },
		OnFinish:    func(m *Message) { e.streamFinished(m) },
		OnError:     func(m *Message, reason string) { e.streamFailed(m, reason) },
		OnCompacted: func(h []Message) { e.mergeCompacted(h, assistant) },
	})
	e.mu.Lock()
	e.active = ctrl
	e.mu.Unlock()

	if e.compactor != nil && e.compactor.NeedsCompaction(history) {
		compacted, err := e.compactor.Compact(ctx, e.cfg.Provider, history)
		if err != nil {
			// Run the round uncompacted rather than dropping the turn.
			e.log.Warn().Err(err).Msg("compaction failed")
		} else {
			e.bus.Publish(llm.CompactedTopic(eventID), compacted)
			history = compacted
		}
	}

	selected := e.selector.Select(history)

	req := llm.Request{
		Provider:    e.cfg.Provider,
		Messages:    ToBackendMessages(selected),
		EventID:     eventID,
		ProjectRoot: e.cfg.ProjectRoot,
		EnableTools: e.cfg.EnableTools,
	}
	if e.cfg.EnableTools {
		req.Tools = tools.Specs()
	}

	go func() {
		if err := e.invoker.Invoke(ctx, req); err != nil {
			e.bus.Publish(llm.ErrorTopic(eventID), err.Error())
		}
	}()
	return eventID, nil
}

// streamFinished runs auto-approval over surfaced calls and persists.
// If nothing is pending afterwards the lifecycle's terminal hook will
// already have scheduled the continuation.
func (e *Engine) streamFinished(m *Message) {
	e.mu.Lock()
	e.active = nil
	e.mu.Unlock()
	e.notify()

	ctx := context.Background()
	turnAuto := e.turnAutoApproved(m.ID)
	anyPending := false
	for _, tc := range m.ToolCalls {
		if tc.Status != StatusPending {
			continue
		}
		anyPending = true
		if turnAuto || e.policy.AutoApproves(tc.Name, tools.Args(tc.ParsedArgs)) {
			if err := e.lifecycle.Approve(ctx, m.ID, tc.ID); err != nil {
				e.log.Warn().Err(err).Str("tool", tc.Name).Msg("auto-approval failed")
			}
		}
	}
	// Calls that arrived already terminal (finalize marked them failed)
	// never pass through the lifecycle, so nothing else resumes the turn.
	if !anyPending && len(m.ToolCalls) > 0 {
		e.onAllCallsTerminal(m.ID)
	}
	e.persist(ctx)
	e.notify()
	if e.OnRoundDone != nil {
		e.OnRoundDone(m, false)
	}
}

func (e *Engine) streamFailed(m *Message, reason string) {
	e.mu.Lock()
	e.active = nil
	e.mu.Unlock()
	e.log.Warn().Str("message", m.ID).Str("reason", reason).Msg("generation round failed")
	e.persist(context.Background())
	e.notify()
	if e.OnRoundDone != nil {
		e.OnRoundDone(m, true)
	}
}

// onAllCallsTerminal resumes generation once every call on the message
// has settled. Messages without tool calls resume nothing.
func (e *Engine) onAllCallsTerminal(messageID string) {
	msg := e.thread.FindMessage(messageID)
	if msg == nil || len(msg.ToolCalls) == 0 || msg.Streaming {
		return
	}
	e.mu.Lock()
	busy := e.active != nil
	e.mu.Unlock()
	if busy {
		return
	}
	go func() {
		if _, err := e.GenerateResponse(context.Background()); err != nil {
			e.log.Warn().Err(err).Msg("resume after tool results failed")
		}
	}()
}

// turnAutoApproved reports whether the user message that opened this
// turn was an automated task instruction. Resumed rounds have only tool
// and assistant messages between them and that instruction, so walking
// back to the nearest user message finds the turn opener.
func (e *Engine) turnAutoApproved(messageID string) bool {
	idx := -1
	for i := range e.thread.Messages {
		if e.thread.Messages[i].ID == messageID {
			idx = i
			break
		}
	}
	for i := idx - 1; i >= 0; i-- {
		if e.thread.Messages[i].Role == RoleUser {
			return e.thread.Messages[i].AutoApprove
		}
	}
	return false
}

func (e *Engine) executeTool(ctx context.Context, name string, args map[string]any, messageID string) (string, error) {
	return e.runner.Run(ctx, name, tools.Args(args), messageID)
}

// settleOpenTurn enforces the turn policy before a new user message.
func (e *Engine) settleOpenTurn() error {
	e.mu.Lock()
	ctrl := e.active
	e.mu.Unlock()

	open := ctrl != nil
	var lastAssistant *Message
	if !open {
		for i := len(e.thread.Messages) - 1; i >= 0; i-- {
			if e.thread.Messages[i].Role == RoleAssistant {
				lastAssistant = e.thread.Messages[i]
				break
			}
		}
		open = lastAssistant != nil && !lastAssistant.AllToolCallsTerminal()
	}
	if !open {
		return nil
	}

	if e.cfg.TurnPolicy == TurnConservative {
		return fmt.Errorf("previous turn is still open; wait for it to finish or resolve its tool calls")
	}

	// Permissive: close out locally and move on.
	if ctrl != nil {
		e.bus.Publish(llm.ErrorTopic(ctrl.eventID), "superseded by a new user message")
	}
	if lastAssistant != nil {
		for _, tc := range lastAssistant.ToolCalls {
			if tc.Status == StatusPending && !tc.IsPartial {
				if err := e.lifecycle.Reject(lastAssistant.ID, tc.ID); err != nil {
					e.log.Warn().Err(err).Msg("could not close open tool call")
				}
			}
		}
	}
	return nil
}

// requireSettled rejects approval actions while the message still
// streams; partial calls cannot be acted on.
func (e *Engine) requireSettled(messageID string) error {
	msg := e.thread.FindMessage(messageID)
	if msg == nil {
		return fmt.Errorf("message %s not found", messageID)
	}
	if msg.Streaming {
		return fmt.Errorf("message %s is still streaming", messageID)
	}
	return nil
}

func (e *Engine) mergeCompacted(history []Message, inFlight *Message) {
	e.thread.ReplaceHistory(history)
	if e.thread.FindMessage(inFlight.ID) == nil {
		e.thread.Append(inFlight)
	}
	e.notify()
}

func (e *Engine) buildReferences(ctx context.Context, query string) []Reference {
	result, err := e.retrieval.BuildContext(ctx, query, e.cfg.ProjectRoot)
	if err != nil {
		e.log.Warn().Err(err).Msg("context retrieval failed")
		return nil
	}
	var refs []Reference
	if result.Context != "" {
		refs = append(refs, Reference{Path: "project", Snippet: result.Context})
	}
	for _, p := range result.References {
		refs = append(refs, Reference{Path: p})
	}
	return refs
}

func (e *Engine) persist(ctx context.Context) {
	if e.saver == nil {
		return
	}
	if err := e.saver.SaveThread(ctx, e.thread); err != nil {
		e.log.Warn().Err(err).Str("thread", e.thread.ID).Msg("persist failed")
	}
}

func (e *Engine) notify() {
	if e.OnThreadUpdate != nil {
		e.OnThreadUpdate(e.thread)
	}
}
