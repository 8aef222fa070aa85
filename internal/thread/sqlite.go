package thread

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/loomlabs/loom/internal/chat"
)

// ErrNotFound is returned when a thread id does not exist.
var ErrNotFound = errors.New("thread not found")

const schema = `
CREATE TABLE IF NOT EXISTS threads (
    id TEXT PRIMARY KEY,
    title TEXT,
    created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
    updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS messages (
    id TEXT PRIMARY KEY,
    thread_id TEXT NOT NULL REFERENCES threads(id) ON DELETE CASCADE,
    role TEXT NOT NULL CHECK (role IN ('user', 'assistant', 'system', 'tool')),
    content TEXT NOT NULL,
    tool_calls TEXT,
    refs TEXT,
    tool_call_id TEXT,
    sequence INTEGER NOT NULL,
    created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_threads_updated_at ON threads(updated_at DESC);
CREATE UNIQUE INDEX IF NOT EXISTS idx_messages_thread_sequence ON messages(thread_id, sequence);
`

// SQLiteStore implements Store on a local SQLite database.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) the database at dbPath.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create data directory: %w", err)
	}
	db, err := sql.Open("sqlite", dbPath+"?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Close() error { return s.db.Close() }

// persistedToolCall is the stored shape of a tool call. The partial flag
// is transient and deliberately absent.
type persistedToolCall struct {
	ID        string              `json:"id"`
	Name      string              `json:"name"`
	Arguments string              `json:"arguments"`
	Status    chat.ToolCallStatus `json:"status"`
	Result    string              `json:"result,omitempty"`
	Error     string              `json:"error,omitempty"`
}

func (s *SQLiteStore) SaveThread(ctx context.Context, t *chat.Thread) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO threads (id, title, created_at, updated_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET title = excluded.title, updated_at = excluded.updated_at
	`, t.ID, t.Title, t.CreatedAt, t.UpdatedAt)
	if err != nil {
		return fmt.Errorf("upsert thread: %w", err)
	}

	// Full rewrite keeps the stored sequence identical to the in-memory
	// order, including after compaction rewrote history.
	if _, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE thread_id = ?`, t.ID); err != nil {
		return fmt.Errorf("clear messages: %w", err)
	}

	for seq, m := range t.Messages {
		if m.Streaming {
			continue
		}
		toolCalls, err := marshalToolCalls(m.ToolCalls)
		if err != nil {
			return err
		}
		refs, err := marshalRefs(m.References)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO messages (id, thread_id, role, content, tool_calls, refs, tool_call_id, sequence, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, m.ID, t.ID, string(m.Role), m.Content, toolCalls, refs, m.ToolCallID, seq, m.CreatedAt)
		if err != nil {
			return fmt.Errorf("insert message %s: %w", m.ID, err)
		}
	}
	return tx.Commit()
}

func (s *SQLiteStore) LoadThread(ctx context.Context, id string) (*chat.Thread, error) {
	t := &chat.Thread{ID: id}
	err := s.db.QueryRowContext(ctx,
		`SELECT title, created_at, updated_at FROM threads WHERE id = ?`, id,
	).Scan(&t.Title, &t.CreatedAt, &t.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load thread: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, role, content, tool_calls, refs, tool_call_id, created_at
		FROM messages WHERE thread_id = ? ORDER BY sequence
	`, id)
	if err != nil {
		return nil, fmt.Errorf("load messages: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			m        chat.Message
			role     string
			tcJSON   sql.NullString
			refsJSON sql.NullString
			tcID     sql.NullString
		)
		if err := rows.Scan(&m.ID, &role, &m.Content, &tcJSON, &refsJSON, &tcID, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		m.Role = chat.Role(role)
		m.ToolCallID = tcID.String
		if tcJSON.Valid && tcJSON.String != "" {
			calls, err := unmarshalToolCalls(tcJSON.String)
			if err != nil {
				return nil, err
			}
			m.ToolCalls = calls
		}
		if refsJSON.Valid && refsJSON.String != "" {
			if err := json.Unmarshal([]byte(refsJSON.String), &m.References); err != nil {
				return nil, fmt.Errorf("decode references: %w", err)
			}
		}
		msg := m
		t.Messages = append(t.Messages, &msg)
	}
	return t, rows.Err()
}

func (s *SQLiteStore) ListThreads(ctx context.Context) ([]Summary, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT t.id, t.title, t.updated_at, COUNT(m.id)
		FROM threads t LEFT JOIN messages m ON m.thread_id = t.id
		GROUP BY t.id ORDER BY t.updated_at DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("list threads: %w", err)
	}
	defer rows.Close()

	var out []Summary
	for rows.Next() {
		var s Summary
		var updated time.Time
		if err := rows.Scan(&s.ID, &s.Title, &updated, &s.MessageCount); err != nil {
			return nil, fmt.Errorf("scan thread: %w", err)
		}
		s.UpdatedAt = updated
		out = append(out, s)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) DeleteThread(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM threads WHERE id = ?`, id)
	return err
}

func marshalToolCalls(calls []*chat.ToolCall) (string, error) {
	if len(calls) == 0 {
		return "", nil
	}
	persisted := make([]persistedToolCall, 0, len(calls))
	for _, tc := range calls {
		persisted = append(persisted, persistedToolCall{
			ID:        tc.ID,
			Name:      tc.Name,
			Arguments: tc.Arguments,
			Status:    tc.Status,
			Result:    tc.Result,
			Error:     tc.Error,
		})
	}
	b, err := json.Marshal(persisted)
	if err != nil {
		return "", fmt.Errorf("encode tool calls: %w", err)
	}
	return string(b), nil
}

func unmarshalToolCalls(raw string) ([]*chat.ToolCall, error) {
	var persisted []persistedToolCall
	if err := json.Unmarshal([]byte(raw), &persisted); err != nil {
		return nil, fmt.Errorf("decode tool calls: %w", err)
	}
	out := make([]*chat.ToolCall, 0, len(persisted))
	for _, p := range persisted {
		tc := &chat.ToolCall{
			ID:        p.ID,
			Name:      p.Name,
			Arguments: p.Arguments,
			Status:    p.Status,
			Result:    p.Result,
			Error:     p.Error,
		}
		if tc.Arguments != "" {
			tc.ParsedArgs, _ = parseArgs(tc.Arguments)
		}
		out = append(out, tc)
	}
	return out, nil
}

func parseArgs(raw string) (map[string]any, error) {
	var m map[string]any
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		return nil, err
	}
	return m, nil
}

func marshalRefs(refs []chat.Reference) (string, error) {
	if len(refs) == 0 {
		return "", nil
	}
	b, err := json.Marshal(refs)
	if err != nil {
		return "", fmt.Errorf("encode references: %w", err)
	}
	return string(b), nil
}
