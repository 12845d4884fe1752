package store_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/basket/hearth/internal/store"
)

func openTestStore(t *testing.T) *store.Store {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "hearth.db")
	st, err := store.Open(dbPath)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

// unitSession returns a session bound to a fresh unit of work plus the
// context carrying that unit.
func unitSession(t *testing.T, st *store.Store) (context.Context, *store.Session) {
	t.Helper()
	ctx, _ := store.WithUnit(context.Background())
	sess, err := st.Acquire(ctx)
	if err != nil {
		t.Fatalf("acquire session: %v", err)
	}
	return ctx, sess
}

func TestStore_OpenConfiguresWALAndSchema(t *testing.T) {
	st := openTestStore(t)
	db := st.DB()

	var journal string
	if err := db.QueryRow("PRAGMA journal_mode;").Scan(&journal); err != nil {
		t.Fatalf("pragma journal_mode: %v", err)
	}
	if journal != "wal" {
		t.Fatalf("expected journal_mode=wal, got %q", journal)
	}

	var synchronous int
	if err := db.QueryRow("PRAGMA synchronous;").Scan(&synchronous); err != nil {
		t.Fatalf("pragma synchronous: %v", err)
	}
	// SQLite FULL == 2.
	if synchronous != 2 {
		t.Fatalf("expected synchronous FULL(2), got %d", synchronous)
	}

	for _, table := range []string{"schema_migrations", "meta", "cron_jobs", "cron_runs", "tasks", "messages", "audit_log"} {
		var got string
		if err := db.QueryRow("SELECT name FROM sqlite_master WHERE type='table' AND name = ?", table).Scan(&got); err != nil {
			t.Fatalf("table %s not found: %v", table, err)
		}
	}
}

func TestStore_OpenIsIdempotent(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "hearth.db")
	st, err := store.Open(dbPath)
	if err != nil {
		t.Fatalf("first open: %v", err)
	}
	if err := st.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	st, err = store.Open(dbPath)
	if err != nil {
		t.Fatalf("second open: %v", err)
	}
	defer st.Close()

	var count int
	if err := st.DB().QueryRow("SELECT COUNT(*) FROM schema_migrations;").Scan(&count); err != nil {
		t.Fatalf("count migrations: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected 1 migration row after reopen, got %d", count)
	}
}

func TestStore_MetaRoundTrip(t *testing.T) {
	st := openTestStore(t)
	ctx, sess := unitSession(t, st)

	if _, err := st.GetMeta(ctx, "nope"); err != store.ErrNotFound {
		t.Fatalf("expected ErrNotFound for missing key, got %v", err)
	}
	if err := sess.SetMeta(ctx, "flag", "on"); err != nil {
		t.Fatalf("set meta: %v", err)
	}
	got, err := st.GetMeta(ctx, "flag")
	if err != nil {
		t.Fatalf("get meta: %v", err)
	}
	if got != "on" {
		t.Fatalf("expected %q, got %q", "on", got)
	}
}

func TestStore_RecentMessagesOldestFirst(t *testing.T) {
	st := openTestStore(t)
	ctx, sess := unitSession(t, st)

	for _, text := range []string{"one", "two", "three"} {
		if err := sess.AppendMessage(ctx, "alice", "user", text); err != nil {
			t.Fatalf("append message: %v", err)
		}
	}
	msgs, err := st.RecentMessages(ctx, "alice", 2)
	if err != nil {
		t.Fatalf("recent messages: %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(msgs))
	}
	if msgs[0].Content != "two" || msgs[1].Content != "three" {
		t.Fatalf("expected oldest-first window [two three], got [%s %s]", msgs[0].Content, msgs[1].Content)
	}
}

func TestStore_TaskRecordLifecycle(t *testing.T) {
	st := openTestStore(t)
	ctx, sess := unitSession(t, st)

	if _, err := st.LoadTask(ctx, "bob"); err != store.ErrNotFound {
		t.Fatalf("expected ErrNotFound before save, got %v", err)
	}

	rec := &store.TaskRecord{
		OwnerID:         "bob",
		State:           store.TaskStateObserve,
		PendingDecision: "Which tool should the reminder run?",
		Fingerprints:    []string{"cron.add:{\"tool\":\"echo\"}"},
		CreatedAt:       time.Now().UTC(),
	}
	if err := sess.SaveTask(ctx, rec); err != nil {
		t.Fatalf("save task: %v", err)
	}

	loaded, err := st.LoadTask(ctx, "bob")
	if err != nil {
		t.Fatalf("load task: %v", err)
	}
	if loaded.PendingDecision != rec.PendingDecision {
		t.Fatalf("pending decision lost: got %q", loaded.PendingDecision)
	}
	if len(loaded.Fingerprints) != 1 {
		t.Fatalf("fingerprints lost: got %v", loaded.Fingerprints)
	}

	if err := sess.DeleteTask(ctx, "bob"); err != nil {
		t.Fatalf("delete task: %v", err)
	}
	if _, err := st.LoadTask(ctx, "bob"); err != store.ErrNotFound {
		t.Fatalf("expected ErrNotFound after delete, got %v", err)
	}
	// Deleting again is fine: commit always clears.
	if err := sess.DeleteTask(ctx, "bob"); err != nil {
		t.Fatalf("second delete: %v", err)
	}
}
