package sessions

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/loomrun/loom/pkg/conversation"
)

// Checkpoint is a named, restorable snapshot of a session's conversation
// state at a point in time, distinct from the session's own auto-saved
// transcript: a checkpoint is an explicit "remember this state" marker a
// caller can roll back to without losing the messages recorded after it.
type Checkpoint struct {
	ID        string
	SessionID string
	ParentID  string // checkpoint id this one was taken from, if any
	State     conversation.Session
	CreatedAt time.Time
}

// CheckpointStore persists Checkpoints in a local SQLite database (pure
// Go, via modernc.org/sqlite — no cgo) keyed by (session_id, id), per
// spec.md §4.H's "checkpoints ... stored in a SQLite table keyed by
// (thread_id, checkpoint_id) with parent pointers and JSON-blob state".
type CheckpointStore struct {
	db *sql.DB
}

// OpenCheckpointStore opens (creating if necessary) a SQLite-backed
// CheckpointStore at path, running its schema migration.
func OpenCheckpointStore(ctx context.Context, path string) (*CheckpointStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open checkpoint db: %w", err)
	}
	db.SetMaxOpenConns(1) // modernc.org/sqlite serializes writers; avoid lock contention

	if _, err := db.ExecContext(ctx, checkpointSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate checkpoint db: %w", err)
	}
	return &CheckpointStore{db: db}, nil
}

const checkpointSchema = `
CREATE TABLE IF NOT EXISTS checkpoints (
	session_id TEXT NOT NULL,
	id         TEXT NOT NULL,
	parent_id  TEXT,
	state      BLOB NOT NULL,
	created_at DATETIME NOT NULL,
	PRIMARY KEY (session_id, id)
);
CREATE INDEX IF NOT EXISTS idx_checkpoints_session_created
	ON checkpoints (session_id, created_at DESC);
`

// Close releases the underlying database handle.
func (c *CheckpointStore) Close() error {
	if c == nil || c.db == nil {
		return nil
	}
	return c.db.Close()
}

// Put inserts or replaces a checkpoint (upsert-on-id, per spec.md §4.H).
func (c *CheckpointStore) Put(ctx context.Context, cp *Checkpoint) error {
	if cp == nil {
		return fmt.Errorf("checkpoint is required")
	}
	state, err := json.Marshal(cp.State)
	if err != nil {
		return fmt.Errorf("encode checkpoint state: %w", err)
	}
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now()
	}
	_, err = c.db.ExecContext(ctx, `
		INSERT INTO checkpoints (session_id, id, parent_id, state, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (session_id, id) DO UPDATE SET
			parent_id = excluded.parent_id,
			state = excluded.state,
			created_at = excluded.created_at
	`, cp.SessionID, cp.ID, nullableString(cp.ParentID), state, cp.CreatedAt)
	if err != nil {
		return fmt.Errorf("put checkpoint: %w", err)
	}
	return nil
}

// Get returns a single checkpoint by (sessionID, id).
func (c *CheckpointStore) Get(ctx context.Context, sessionID, id string) (*Checkpoint, error) {
	row := c.db.QueryRowContext(ctx, `
		SELECT session_id, id, parent_id, state, created_at
		FROM checkpoints WHERE session_id = ? AND id = ?
	`, sessionID, id)
	cp, err := scanCheckpoint(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("checkpoint %q not found for session %q", id, sessionID)
	}
	if err != nil {
		return nil, fmt.Errorf("get checkpoint: %w", err)
	}
	return cp, nil
}

// List returns every checkpoint for sessionID, most-recent-first.
func (c *CheckpointStore) List(ctx context.Context, sessionID string) ([]*Checkpoint, error) {
	rows, err := c.db.QueryContext(ctx, `
		SELECT session_id, id, parent_id, state, created_at
		FROM checkpoints WHERE session_id = ?
		ORDER BY created_at DESC
	`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list checkpoints: %w", err)
	}
	defer rows.Close()

	var out []*Checkpoint
	for rows.Next() {
		cp, err := scanCheckpoint(rows)
		if err != nil {
			return nil, fmt.Errorf("scan checkpoint: %w", err)
		}
		out = append(out, cp)
	}
	return out, rows.Err()
}

// DeleteSession removes every checkpoint for sessionID (cascading delete
// of the whole thread, per spec.md §4.H).
func (c *CheckpointStore) DeleteSession(ctx context.Context, sessionID string) error {
	_, err := c.db.ExecContext(ctx, `DELETE FROM checkpoints WHERE session_id = ?`, sessionID)
	if err != nil {
		return fmt.Errorf("delete session checkpoints: %w", err)
	}
	return nil
}

type checkpointScanner interface {
	Scan(dest ...any) error
}

func scanCheckpoint(scanner checkpointScanner) (*Checkpoint, error) {
	var (
		cp        Checkpoint
		parentID  sql.NullString
		stateJSON []byte
	)
	if err := scanner.Scan(&cp.SessionID, &cp.ID, &parentID, &stateJSON, &cp.CreatedAt); err != nil {
		return nil, err
	}
	if parentID.Valid {
		cp.ParentID = parentID.String
	}
	if err := json.Unmarshal(stateJSON, &cp.State); err != nil {
		return nil, fmt.Errorf("decode checkpoint state: %w", err)
	}
	return &cp, nil
}

func nullableString(value string) sql.NullString {
	if value == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: value, Valid: true}
}
