package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Task states for the scheduling protocol.
const (
	TaskStateObserve  = "observe"
	TaskStatePlan     = "plan"
	TaskStateAct      = "act"
	TaskStateValidate = "validate"
	TaskStateCommit   = "commit"
)

// TaskRecord is the slice of a Task that survives a message boundary: it is
// persisted only when a cycle ended in need_info, and destroyed on Commit.
type TaskRecord struct {
	OwnerID         string    `json:"owner_id"`
	State           string    `json:"state"`
	PendingDecision string    `json:"pending_decision,omitempty"`
	RetryCount      int       `json:"retry_count"`
	ToolAttempts    int       `json:"tool_attempt_count"`
	// Fingerprints are the normalized tool calls already proposed in this
	// Task's lifetime, for the duplicate-intent guard.
	Fingerprints []string  `json:"fingerprints,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

// SaveTask upserts the pending task for an owner.
func (sess *Session) SaveTask(ctx context.Context, rec *TaskRecord) error {
	raw, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal task: %w", err)
	}
	if _, err := sess.exec(ctx, `
		INSERT INTO tasks (owner_id, task_json, updated_at) VALUES (?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(owner_id) DO UPDATE SET task_json = excluded.task_json, updated_at = CURRENT_TIMESTAMP;
	`, rec.OwnerID, string(raw)); err != nil {
		return fmt.Errorf("save task: %w", err)
	}
	return nil
}

// DeleteTask removes the pending task for an owner. Deleting an absent task
// is not an error: Commit always clears.
func (sess *Session) DeleteTask(ctx context.Context, ownerID string) error {
	if _, err := sess.exec(ctx, `DELETE FROM tasks WHERE owner_id = ?;`, ownerID); err != nil {
		return fmt.Errorf("delete task: %w", err)
	}
	return nil
}

// LoadTask reads the pending task for an owner; ErrNotFound when none.
func (s *Store) LoadTask(ctx context.Context, ownerID string) (*TaskRecord, error) {
	var raw string
	err := s.db.QueryRowContext(ctx, `SELECT task_json FROM tasks WHERE owner_id = ?;`, ownerID).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("read task: %w", err)
	}
	var rec TaskRecord
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return nil, fmt.Errorf("decode task: %w", err)
	}
	return &rec, nil
}

// Message is one entry of an owner's conversation history.
type Message struct {
	ID        int64     `json:"id"`
	OwnerID   string    `json:"owner_id"`
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

// AppendMessage records a conversation entry.
func (sess *Session) AppendMessage(ctx context.Context, ownerID, role, content string) error {
	if _, err := sess.exec(ctx,
		`INSERT INTO messages (owner_id, role, content) VALUES (?, ?, ?);`,
		ownerID, role, content,
	); err != nil {
		return fmt.Errorf("append message: %w", err)
	}
	return nil
}

// RecentMessages returns the last n history entries for an owner, oldest first.
func (s *Store) RecentMessages(ctx context.Context, ownerID string, n int) ([]Message, error) {
	if n <= 0 {
		n = 20
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, owner_id, role, content, created_at FROM (
			SELECT id, owner_id, role, content, created_at
			FROM messages WHERE owner_id = ? ORDER BY id DESC LIMIT ?
		) ORDER BY id;
	`, ownerID, n)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	var msgs []Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.OwnerID, &m.Role, &m.Content, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

// SetMeta writes a meta key.
func (sess *Session) SetMeta(ctx context.Context, key, value string) error {
	if _, err := sess.exec(ctx, `
		INSERT INTO meta (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value;
	`, key, value); err != nil {
		return fmt.Errorf("set meta %q: %w", key, err)
	}
	return nil
}

// AppendAudit writes one audit row. Also mirrored to the JSONL audit file
// by the audit package.
func (sess *Session) AppendAudit(ctx context.Context, actor, action, decision, reason string) error {
	if _, err := sess.exec(ctx,
		`INSERT INTO audit_log (actor, action, decision, reason) VALUES (?, ?, ?, ?);`,
		actor, action, decision, reason,
	); err != nil {
		return fmt.Errorf("append audit: %w", err)
	}
	return nil
}
