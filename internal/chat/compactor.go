package chat

import (
	"context"
	"fmt"
	"strings"

	"github.com/loomlabs/loom/internal/llm"
	"github.com/loomlabs/loom/internal/logging"
	"github.com/loomlabs/loom/internal/tokens"
)

// CompactorConfig sets when a thread is summarized and how much recent
// history survives verbatim.
type CompactorConfig struct {
	MaxTokens   int
	MaxMessages int
	KeepRecent  int
}

func DefaultCompactorConfig() CompactorConfig {
	return CompactorConfig{MaxTokens: 150_000, MaxMessages: 100, KeepRecent: 10}
}

const summaryPrompt = `Summarize the following conversation between a user and a coding assistant. Preserve: what the user is trying to accomplish, decisions made, files created or modified, commands run and their outcomes, and any unresolved problems. Be specific about file paths and names. Write the summary as context for continuing the conversation.`

// Compactor replaces an oversized history with its system messages, a
// model-written summary, and the most recent turns.
type Compactor struct {
	est       *tokens.Estimator
	completer llm.Completer
	cfg       CompactorConfig
	log       *logging.Logger
}

func NewCompactor(est *tokens.Estimator, completer llm.Completer, cfg CompactorConfig, log *logging.Logger) *Compactor {
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = DefaultCompactorConfig().MaxTokens
	}
	if cfg.MaxMessages <= 0 {
		cfg.MaxMessages = DefaultCompactorConfig().MaxMessages
	}
	if cfg.KeepRecent <= 0 {
		cfg.KeepRecent = DefaultCompactorConfig().KeepRecent
	}
	if log == nil {
		log = logging.Nop()
	}
	return &Compactor{est: est, completer: completer, cfg: cfg, log: log}
}

// NeedsCompaction reports whether the history crossed either threshold.
func (c *Compactor) NeedsCompaction(msgs []Message) bool {
	if len(msgs) > c.cfg.MaxMessages {
		return true
	}
	total := 0
	for i := range msgs {
		total += c.est.CountText(msgs[i].Content) + messageOverheadTokens
		for _, tc := range msgs[i].ToolCalls {
			total += c.est.CountText(tc.Arguments)
		}
	}
	return total > c.cfg.MaxTokens
}

// Compact produces the replacement history: system messages, then the
// summary (as a system message so it survives later compactions near the
// top of the scoring order), then the last KeepRecent messages.
func (c *Compactor) Compact(ctx context.Context, provider llm.ProviderConfig, msgs []Message) ([]Message, error) {
	if len(msgs) <= c.cfg.KeepRecent {
		return msgs, nil
	}

	var systems []Message
	var rest []Message
	for i := range msgs {
		if msgs[i].Role == RoleSystem {
			systems = append(systems, msgs[i])
		} else {
			rest = append(rest, msgs[i])
		}
	}
	if len(rest) <= c.cfg.KeepRecent {
		return msgs, nil
	}
	// Never let the keep boundary split a tool exchange: if it lands on a
	// tool-result message, pull it back until the owning assistant message
	// (which immediately precedes its results) is kept too.
	start := len(rest) - c.cfg.KeepRecent
	for start > 0 && rest[start].Role == RoleTool {
		start--
	}
	if start == 0 {
		return msgs, nil
	}
	recent := rest[start:]
	older := rest[:start]

	summary, err := c.summarize(ctx, provider, older)
	if err != nil {
		return nil, fmt.Errorf("summarize history: %w", err)
	}
	c.log.Info().Int("summarized", len(older)).Int("kept", len(recent)).Msg("compacted thread history")

	summaryMsg := Message{
		Role:    RoleSystem,
		Content: "Summary of the earlier conversation:\n\n" + summary,
	}
	out := make([]Message, 0, len(systems)+1+len(recent))
	out = append(out, systems...)
	out = append(out, summaryMsg)
	out = append(out, recent...)
	return out, nil
}

func (c *Compactor) summarize(ctx context.Context, provider llm.ProviderConfig, msgs []Message) (string, error) {
	var transcript strings.Builder
	for i := range msgs {
		m := &msgs[i]
		fmt.Fprintf(&transcript, "[%s] %s\n", m.Role, m.Content)
		for _, tc := range m.ToolCalls {
			fmt.Fprintf(&transcript, "[tool call] %s(%s) -> %s\n", tc.Name, tc.Arguments, tc.Status)
		}
	}
	req := []llm.BackendMessage{
		{Role: llm.RoleSystem, Content: summaryPrompt},
		{Role: llm.RoleUser, Content: transcript.String()},
	}
	return c.completer.Complete(ctx, provider, req)
}
