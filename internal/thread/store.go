// Package thread persists conversations. Streaming bookkeeping (segment
// maps, partial flags) is rebuilt from scratch on load and never stored.
package thread

import (
	"context"
	"time"

	"github.com/loomlabs/loom/internal/chat"
)

// Summary is the listing row for a stored thread.
type Summary struct {
	ID           string
	Title        string
	MessageCount int
	UpdatedAt    time.Time
}

// Store saves and loads threads. Implementations must treat SaveThread
// as a full upsert of the thread and its messages.
type Store interface {
	SaveThread(ctx context.Context, t *chat.Thread) error
	LoadThread(ctx context.Context, id string) (*chat.Thread, error)
	ListThreads(ctx context.Context) ([]Summary, error)
	DeleteThread(ctx context.Context, id string) error
	Close() error
}

// NoopStore discards everything. Used when persistence is disabled.
type NoopStore struct{}

func (NoopStore) SaveThread(context.Context, *chat.Thread) error { return nil }
func (NoopStore) LoadThread(context.Context, string) (*chat.Thread, error) {
	return nil, ErrNotFound
}
func (NoopStore) ListThreads(context.Context) ([]Summary, error) { return nil, nil }
func (NoopStore) DeleteThread(context.Context, string) error     { return nil }
func (NoopStore) Close() error                                   { return nil }
