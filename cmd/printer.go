package cmd

import (
	"fmt"
	"io"
	"sync"

	"github.com/loomlabs/loom/internal/chat"
)

// streamPrinter writes a streaming assistant message to the terminal
// incrementally: only the not-yet-printed suffix of the content, plus a
// one-line notice when a tool call surfaces.
type streamPrinter struct {
	mu        sync.Mutex
	w         io.Writer
	msgID     string
	printed   int
	announced map[string]bool
}

func newStreamPrinter(w io.Writer) *streamPrinter {
	return &streamPrinter{w: w, announced: make(map[string]bool)}
}

func (p *streamPrinter) Render(t *chat.Thread) {
	p.mu.Lock()
	defer p.mu.Unlock()

	msg := latestAssistant(t)
	if msg == nil {
		return
	}
	if msg.ID != p.msgID {
		p.msgID = msg.ID
		p.printed = 0
	}
	if len(msg.Content) < p.printed {
		// Content was replaced (status placeholder swapped for real
		// text); start the line over.
		fmt.Fprintln(p.w)
		p.printed = 0
	}
	if len(msg.Content) > p.printed {
		fmt.Fprint(p.w, msg.Content[p.printed:])
		p.printed = len(msg.Content)
	}
	for _, tc := range msg.ToolCalls {
		if p.announced[tc.ID] {
			continue
		}
		p.announced[tc.ID] = true
		fmt.Fprintf(p.w, "\n[tool call] %s\n", tc.Name)
	}
}

func latestAssistant(t *chat.Thread) *chat.Message {
	for i := len(t.Messages) - 1; i >= 0; i-- {
		if t.Messages[i].Role == chat.RoleAssistant {
			return t.Messages[i]
		}
	}
	return nil
}
