package chat

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/loomlabs/loom/internal/events"
	"github.com/loomlabs/loom/internal/llm"
	"github.com/loomlabs/loom/internal/logging"
)

// DefaultStreamTimeout is how long a stream may stay silent before the
// watchdog declares it dead.
const DefaultStreamTimeout = 60 * time.Second

// streamErrorPrefix marks error text written into the transcript so it
// cannot be mistaken for assistant prose.
const streamErrorPrefix = "[error]"

// StreamHooks are the callbacks a StreamController fires as the message
// evolves. All hooks run on the publishing goroutine; keep them fast.
type StreamHooks struct {
	// OnUpdate fires after every applied delta or status change.
	OnUpdate func(*Message)
	// OnFinish fires exactly once, after finalization.
	OnFinish func(*Message)
	// OnError fires instead of OnFinish when the stream fails or the
	// watchdog trips.
	OnError func(*Message, string)
	// OnCompacted receives the replacement history published mid-stream
	// by the backend's compaction pass.
	OnCompacted func([]Message)
}

// StreamController reconstructs one assistant message from the event
// topics of a single generation round. It owns the message until the
// stream finishes or fails, then releases its subscriptions exactly once.
type StreamController struct {
	bus     *events.Bus
	log     *logging.Logger
	eventID string
	hooks   StreamHooks
	timeout time.Duration

	mu          sync.Mutex
	msg         *Message
	acc         *toolCallAccumulator
	seg         *segmentTracker
	placeholder bool // content currently holds transient status text
	finished    bool

	watchdog *time.Timer
	unsubs   []func()
	release  sync.Once
}

// NewStreamController attaches to the topics of eventID and begins
// reconstructing into msg. The message is marked streaming immediately.
func NewStreamController(bus *events.Bus, log *logging.Logger, eventID string, msg *Message, timeout time.Duration, hooks StreamHooks) *StreamController {
	if timeout <= 0 {
		timeout = DefaultStreamTimeout
	}
	if log == nil {
		log = logging.Nop()
	}
	c := &StreamController{
		bus:     bus,
		log:     log,
		eventID: eventID,
		hooks:   hooks,
		timeout: timeout,
		msg:     msg,
		seg:     &segmentTracker{},
	}
	c.acc = newToolCallAccumulator(c.surfaceToolCall)
	msg.Streaming = true

	c.unsubs = append(c.unsubs,
		bus.Subscribe(llm.DeltaTopic(eventID), c.handleDelta),
		bus.Subscribe(llm.StatusTopic(eventID), c.handleStatus),
		bus.Subscribe(llm.CompactedTopic(eventID), c.handleCompacted),
		bus.Subscribe(llm.FinishTopic(eventID), c.handleFinish),
		bus.Subscribe(llm.ErrorTopic(eventID), c.handleError),
	)
	c.watchdog = time.AfterFunc(timeout, c.onWatchdog)
	return c
}

// Message returns the message under reconstruction.
func (c *StreamController) Message() *Message { return c.msg }

// Release drops all topic subscriptions. Safe to call more than once;
// only the first call does anything.
func (c *StreamController) Release() {
	c.release.Do(func() {
		c.watchdog.Stop()
		for _, unsub := range c.unsubs {
			unsub()
		}
		c.unsubs = nil
	})
}

// surfaceToolCall runs under c.mu (Apply is only called from handleDelta).
func (c *StreamController) surfaceToolCall(tc *ToolCall) {
	c.msg.ToolCalls = append(c.msg.ToolCalls, tc)
	c.seg.AddToolCall(tc.ID)
	c.log.Debug().Str("event", c.eventID).Str("tool", tc.Name).Msg("tool call surfaced")
}

func (c *StreamController) handleDelta(payload any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.finished {
		return
	}
	c.watchdog.Reset(c.timeout)

	for _, d := range llm.DecodeDeltas(payload) {
		switch d.Kind {
		case llm.DeltaContent:
			if d.Text == "" {
				continue
			}
			if c.placeholder {
				// Real content replaces the transient status line.
				c.msg.Content = ""
				c.placeholder = false
			}
			c.msg.Content += d.Text
			c.seg.AppendText(d.Text)
		case llm.DeltaToolCall:
			for _, tcd := range d.Calls {
				c.acc.Apply(tcd)
			}
		default:
			c.log.Debug().Str("event", c.eventID).Str("raw", d.Raw).Msg("unrecognized delta payload")
		}
	}
	c.msg.ContentSegments = c.seg.Segments()
	c.notifyUpdate()
}

// handleStatus shows transient backend status ("thinking", "running
// tools") in place of content until the first real content delta lands.
func (c *StreamController) handleStatus(payload any) {
	status, ok := payload.(string)
	if !ok {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.finished {
		return
	}
	c.watchdog.Reset(c.timeout)
	if c.msg.Content == "" || c.placeholder {
		c.msg.Content = status
		c.placeholder = true
		c.notifyUpdate()
	}
}

func (c *StreamController) handleCompacted(payload any) {
	history, err := decodeCompacted(payload)
	if err != nil {
		c.log.Warn().Err(err).Str("event", c.eventID).Msg("ignoring malformed compaction payload")
		return
	}
	c.mu.Lock()
	hook := c.hooks.OnCompacted
	c.mu.Unlock()
	if hook != nil {
		hook(history)
	}
}

func (c *StreamController) handleFinish(any) {
	c.mu.Lock()
	if c.finished {
		c.mu.Unlock()
		return
	}
	c.finished = true
	if c.placeholder {
		c.msg.Content = ""
		c.placeholder = false
	}
	c.acc.Finalize()
	// The partial flag never survives stream end, whatever the provider
	// last said.
	for _, tc := range c.msg.ToolCalls {
		tc.IsPartial = false
	}
	c.msg.ContentSegments = c.seg.Segments()
	c.msg.Streaming = false
	msg := c.msg
	c.mu.Unlock()

	c.Release()
	if c.hooks.OnFinish != nil {
		c.hooks.OnFinish(msg)
	}
}

func (c *StreamController) handleError(payload any) {
	reason := "stream error"
	switch v := payload.(type) {
	case string:
		if v != "" {
			reason = v
		}
	case error:
		reason = v.Error()
	}
	c.fail(reason)
}

func (c *StreamController) onWatchdog() {
	c.fail(fmt.Sprintf("no stream activity for %s", c.timeout))
}

func (c *StreamController) fail(reason string) {
	c.mu.Lock()
	if c.finished {
		c.mu.Unlock()
		return
	}
	c.finished = true
	if c.placeholder {
		c.msg.Content = ""
		c.placeholder = false
	}
	// The transcript is the user-visible error channel; the failure has
	// to show up in the message itself, not just in a log.
	marker := streamErrorPrefix + " " + reason
	if c.msg.Content == "" {
		c.msg.Content = marker
	} else {
		c.msg.Content += "\n\n" + marker
	}
	// Calls that never reached a decision cannot be acted on after a
	// dead stream, so they fail rather than dangle as approvable.
	for _, tc := range c.msg.ToolCalls {
		tc.IsPartial = false
		if !tc.Status.Terminal() && tc.Status != StatusApproved {
			tc.Status = StatusFailed
			tc.Error = reason
			tc.Result = reason
		}
	}
	c.msg.ContentSegments = c.seg.Segments()
	c.msg.Streaming = false
	msg := c.msg
	c.mu.Unlock()

	c.Release()
	c.log.Warn().Str("event", c.eventID).Str("reason", reason).Msg("stream failed")
	if c.hooks.OnError != nil {
		c.hooks.OnError(msg, reason)
	}
}

func (c *StreamController) notifyUpdate() {
	if c.hooks.OnUpdate != nil {
		c.hooks.OnUpdate(c.msg)
	}
}

// decodeCompacted accepts either an in-process []Message or a JSON
// encoding of one.
func decodeCompacted(payload any) ([]Message, error) {
	switch v := payload.(type) {
	case []Message:
		return v, nil
	case []*Message:
		out := make([]Message, 0, len(v))
		for _, m := range v {
			if m != nil {
				out = append(out, *m)
			}
		}
		return out, nil
	case []byte:
		var out []Message
		if err := json.Unmarshal(v, &out); err != nil {
			return nil, err
		}
		return out, nil
	case string:
		var out []Message
		if err := json.Unmarshal([]byte(v), &out); err != nil {
			return nil, err
		}
		return out, nil
	default:
		return nil, fmt.Errorf("unsupported compaction payload %T", payload)
	}
}
