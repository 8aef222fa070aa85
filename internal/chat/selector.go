package chat

import (
	"math"
	"sort"

	"github.com/loomlabs/loom/internal/tokens"
)

// messageOverheadTokens covers per-message framing the provider adds
// around the content itself.
const messageOverheadTokens = 4

// SelectorConfig bounds how much history a generation round may carry.
type SelectorConfig struct {
	MaxTokens   int
	MaxMessages int
}

// DefaultSelectorConfig matches a 128k-context model with headroom for
// the response.
func DefaultSelectorConfig() SelectorConfig {
	return SelectorConfig{MaxTokens: 100_000, MaxMessages: 60}
}

// ContextSelector picks which messages accompany a request when the full
// history no longer fits. Selection is score-driven, then repaired so
// tool calls and their results always travel together, and finally
// restored to chronological order.
type ContextSelector struct {
	est *tokens.Estimator
	cfg SelectorConfig
}

func NewContextSelector(est *tokens.Estimator, cfg SelectorConfig) *ContextSelector {
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = DefaultSelectorConfig().MaxTokens
	}
	if cfg.MaxMessages <= 0 {
		cfg.MaxMessages = DefaultSelectorConfig().MaxMessages
	}
	return &ContextSelector{est: est, cfg: cfg}
}

// Select returns the subset of msgs to send, in original order.
func (s *ContextSelector) Select(msgs []Message) []Message {
	if len(msgs) <= 1 {
		return msgs
	}
	costs := make([]int, len(msgs))
	total := 0
	for i := range msgs {
		costs[i] = s.messageTokens(&msgs[i])
		total += costs[i]
	}
	if total <= s.cfg.MaxTokens && len(msgs) <= s.cfg.MaxMessages {
		return msgs
	}

	scores := make([]float64, len(msgs))
	for i := range msgs {
		scores[i] = scoreMessage(&msgs[i], i)
	}

	order := make([]int, len(msgs))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool {
		if scores[order[a]] != scores[order[b]] {
			return scores[order[a]] > scores[order[b]]
		}
		return order[a] > order[b] // prefer the more recent on ties
	})

	// Leave 10% of the budget as slack for the pair-repair additions and
	// provider-side framing drift.
	budget := s.cfg.MaxTokens * 9 / 10

	selected := make(map[int]bool, len(msgs))
	used := 0

	include := func(i int) {
		if selected[i] {
			return
		}
		selected[i] = true
		used += costs[i]
	}

	if len(msgs) > s.cfg.MaxMessages {
		for _, i := range order[:s.cfg.MaxMessages] {
			include(i)
		}
	} else {
		for i := range msgs {
			include(i)
		}
	}
	s.repairToolPairs(msgs, selected, include)

	if used > budget {
		// Over the token budget: fall back to a sliding window. System
		// messages stay unconditionally; the rest fills from the most
		// recent backward, with a floor of the last three non-system
		// messages even when those alone blow the budget.
		selected = make(map[int]bool, len(msgs))
		used = 0
		for i := range msgs {
			if msgs[i].Role == RoleSystem {
				include(i)
			}
		}
		nonSystem := 0
		for i := len(msgs) - 1; i >= 0; i-- {
			if msgs[i].Role == RoleSystem {
				continue
			}
			if nonSystem >= 3 && used+costs[i] > budget {
				break
			}
			include(i)
			nonSystem++
		}
		s.repairToolPairs(msgs, selected, include)
	}

	// The latest user message is the question being answered; it goes
	// in no matter what the budget says.
	if latest := latestUserIndex(msgs); latest >= 0 {
		include(latest)
	}

	picked := make([]int, 0, len(selected))
	for i := range selected {
		picked = append(picked, i)
	}
	sort.Ints(picked)

	out := make([]Message, 0, len(picked))
	for _, i := range picked {
		out = append(out, msgs[i])
	}
	return out
}

// repairToolPairs enforces that a tool-result message never appears
// without the assistant message that issued the call, and vice versa.
// The provider rejects orphaned halves of the pair.
func (s *ContextSelector) repairToolPairs(msgs []Message, selected map[int]bool, include func(int)) {
	callOwner := make(map[string]int) // toolCallID -> assistant msg index
	resultFor := make(map[string]int) // toolCallID -> tool-result msg index
	for i := range msgs {
		for _, tc := range msgs[i].ToolCalls {
			callOwner[tc.ID] = i
		}
		if msgs[i].Role == RoleTool && msgs[i].ToolCallID != "" {
			resultFor[msgs[i].ToolCallID] = i
		}
	}

	// Two passes reach the fixpoint: results pull in owners, owners pull
	// in the rest of their results.
	for pass := 0; pass < 2; pass++ {
		for i := range msgs {
			if !selected[i] {
				continue
			}
			if msgs[i].Role == RoleTool && msgs[i].ToolCallID != "" {
				if owner, ok := callOwner[msgs[i].ToolCallID]; ok {
					include(owner)
				}
			}
			for _, tc := range msgs[i].ToolCalls {
				if res, ok := resultFor[tc.ID]; ok {
					include(res)
				}
			}
		}
	}
}

func (s *ContextSelector) messageTokens(m *Message) int {
	n := s.est.CountText(m.Content) + messageOverheadTokens
	for _, tc := range m.ToolCalls {
		n += s.est.CountText(tc.Name) + s.est.CountText(tc.Arguments)
	}
	return n
}

// scoreMessage ranks a message's importance: role and structural weight,
// multiplied by a recency boost so newer messages win among peers.
func scoreMessage(m *Message, index int) float64 {
	var base float64
	switch {
	case m.Role == RoleSystem:
		base = 1000
	case len(m.ToolCalls) > 0:
		base = 500
	case m.Role == RoleTool:
		base = 450
	case len(m.References) > 0:
		base = 300
	case m.Role == RoleUser:
		base = 100
	default:
		base = 50
	}
	return base * math.Pow(1.1, float64(index))
}

func latestUserIndex(msgs []Message) int {
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role == RoleUser {
			return i
		}
	}
	return -1
}
