package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/loomlabs/loom/internal/logging"
	"github.com/loomlabs/loom/internal/tools"
)

// ExecuteFunc runs an approved tool call and returns the result content.
type ExecuteFunc func(ctx context.Context, name string, args map[string]any, messageID string) (string, error)

// LoopGuardConfig bounds repeated identical tool calls. Within a sliding
// window of the last Window executions, the Threshold-th identical
// name+arguments pair is blocked instead of run.
type LoopGuardConfig struct {
	Window    int
	Threshold int
}

func DefaultLoopGuard() LoopGuardConfig {
	return LoopGuardConfig{Window: 5, Threshold: 3}
}

// LifecycleManager drives tool calls through their state machine and
// keeps the thread's tool-result messages consistent with it.
type LifecycleManager struct {
	thread  *Thread
	execute ExecuteFunc
	log     *logging.Logger
	guard   LoopGuardConfig

	// onAllTerminal fires when the last open call on a message reaches a
	// final state; the owner resumes generation from it.
	onAllTerminal func(messageID string)

	mu     sync.Mutex
	recent []string // signatures of recent executions, oldest first
}

func NewLifecycleManager(thread *Thread, execute ExecuteFunc, guard LoopGuardConfig, log *logging.Logger, onAllTerminal func(string)) *LifecycleManager {
	if guard.Window <= 0 || guard.Threshold <= 0 {
		guard = DefaultLoopGuard()
	}
	if log == nil {
		log = logging.Nop()
	}
	return &LifecycleManager{
		thread:        thread,
		execute:       execute,
		log:           log,
		guard:         guard,
		onAllTerminal: onAllTerminal,
	}
}

// Approve transitions a pending call to approved and executes it. The
// call ends completed or failed; either way a tool-result message is
// appended (once) and resumption is considered.
func (l *LifecycleManager) Approve(ctx context.Context, messageID, toolCallID string) error {
	msg, tc, err := l.openCall(messageID, toolCallID)
	if err != nil {
		return err
	}
	tc.Status = StatusApproved

	sig, blocked := l.checkLoop(tc)
	if blocked {
		tc.Status = StatusFailed
		tc.Error = fmt.Sprintf("blocked repeated identical call to %s; the same invocation ran %d times recently", tc.Name, l.guard.Threshold)
		tc.Result = tc.Error
		l.appendResult(tc, tc.Result)
		l.log.Warn().Str("tool", tc.Name).Msg("loop guard blocked tool call")
		l.maybeResume(msg)
		return nil
	}
	l.recordExecution(sig)

	result, execErr := l.execute(ctx, tc.Name, tc.ParsedArgs, msg.ID)
	if execErr != nil {
		tc.Status = StatusFailed
		tc.Error = execErr.Error()
		tc.Result = formatToolError(execErr)
		l.appendResult(tc, tc.Result)
		l.log.Warn().Err(execErr).Str("tool", tc.Name).Msg("tool call failed")
	} else {
		tc.Status = StatusCompleted
		tc.Result = result
		l.appendResult(tc, result)
		l.log.Debug().Str("tool", tc.Name).Msg("tool call completed")
	}

	l.maybeResume(msg)
	return nil
}

// Reject transitions a pending call to rejected. The state is terminal:
// no tool-result message is recorded and rejection on its own never
// resumes generation; a later completed or failed sibling may still find
// every call terminal and trigger the resumption check.
func (l *LifecycleManager) Reject(messageID, toolCallID string) error {
	_, tc, err := l.openCall(messageID, toolCallID)
	if err != nil {
		return err
	}
	tc.Status = StatusRejected
	return nil
}

// ApproveAll approves every open call on the message in stream order.
// A failing call does not stop the rest; errors are joined.
func (l *LifecycleManager) ApproveAll(ctx context.Context, messageID string) error {
	var errs []error
	for _, id := range l.openCallIDs(messageID) {
		if err := l.Approve(ctx, messageID, id); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// RejectAll rejects every open call on the message.
func (l *LifecycleManager) RejectAll(messageID string) error {
	var errs []error
	for _, id := range l.openCallIDs(messageID) {
		if err := l.Reject(messageID, id); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// SyncResult records an externally produced result for a call, e.g. a
// sub-agent finishing after its launch already returned.
func (l *LifecycleManager) SyncResult(messageID, toolCallID, result string, failed bool) error {
	msg := l.thread.FindMessage(messageID)
	if msg == nil {
		return fmt.Errorf("message %s not found", messageID)
	}
	tc := msg.FindToolCall(toolCallID)
	if tc == nil {
		return fmt.Errorf("tool call %s not found on message %s", toolCallID, messageID)
	}
	if failed {
		tc.Status = StatusFailed
		tc.Error = result
		tc.Result = result
	} else {
		tc.Status = StatusCompleted
		tc.Result = result
	}
	l.appendResult(tc, result)
	l.maybeResume(msg)
	return nil
}

func (l *LifecycleManager) openCall(messageID, toolCallID string) (*Message, *ToolCall, error) {
	msg := l.thread.FindMessage(messageID)
	if msg == nil {
		return nil, nil, fmt.Errorf("message %s not found", messageID)
	}
	tc := msg.FindToolCall(toolCallID)
	if tc == nil {
		return nil, nil, fmt.Errorf("tool call %s not found on message %s", toolCallID, messageID)
	}
	if tc.IsPartial {
		return nil, nil, fmt.Errorf("tool call %s is still streaming", toolCallID)
	}
	if tc.Status != StatusPending {
		return nil, nil, fmt.Errorf("tool call %s is %s, not pending", toolCallID, tc.Status)
	}
	return msg, tc, nil
}

func (l *LifecycleManager) openCallIDs(messageID string) []string {
	msg := l.thread.FindMessage(messageID)
	if msg == nil {
		return nil
	}
	var ids []string
	for _, tc := range msg.ToolCalls {
		if tc.Status == StatusPending && !tc.IsPartial {
			ids = append(ids, tc.ID)
		}
	}
	return ids
}

// appendResult adds the tool-result message unless one for this call
// already exists (streams can race with local execution).
func (l *LifecycleManager) appendResult(tc *ToolCall, content string) {
	if l.thread.HasToolResult(tc.ID) {
		return
	}
	l.thread.Append(&Message{
		Role:       RoleTool,
		Content:    content,
		ToolCallID: tc.ID,
	})
}

func (l *LifecycleManager) maybeResume(msg *Message) {
	if l.onAllTerminal == nil || !msg.AllToolCallsTerminal() {
		return
	}
	l.onAllTerminal(msg.ID)
}

// checkLoop returns the call's signature and whether executing it would
// cross the repetition threshold.
func (l *LifecycleManager) checkLoop(tc *ToolCall) (string, bool) {
	sig := callSignature(tc)
	l.mu.Lock()
	defer l.mu.Unlock()
	count := 0
	for _, s := range l.recent {
		if s == sig {
			count++
		}
	}
	return sig, count >= l.guard.Threshold-1
}

func (l *LifecycleManager) recordExecution(sig string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.recent = append(l.recent, sig)
	if len(l.recent) > l.guard.Window {
		l.recent = l.recent[len(l.recent)-l.guard.Window:]
	}
}

// callSignature canonicalizes name+arguments so textually different but
// equivalent JSON compares equal. json.Marshal sorts map keys.
func callSignature(tc *ToolCall) string {
	b, err := json.Marshal(tc.ParsedArgs)
	if err != nil {
		b = []byte(tc.Arguments)
	}
	return tc.Name + ":" + string(b)
}

// formatToolError renders execution errors in the structured shape the
// model is prompted to understand.
func formatToolError(err error) string {
	var te *tools.ToolError
	if !errors.As(err, &te) {
		te = tools.NewToolError(tools.ErrExecutionFailed, err.Error())
	}
	b, mErr := json.Marshal(te)
	if mErr != nil {
		return err.Error()
	}
	return string(b)
}
