package threadstore

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"
	"strings"
	"testing"

	_ "modernc.org/sqlite"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "threads.sqlite"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestStore_SaveThreadSnapshot(t *testing.T) {
	t.Parallel()

	s := openTestStore(t)
	ctx := context.Background()

	th := Thread{ThreadID: "th_1", Name: "chat", Model: "m", CreatedAtUnixMs: 1000, UpdatedAtUnixMs: 1000}
	msgs := []Message{
		{MessageID: "m1", Seq: 1, Sender: "user", Status: "local", ParentID: "root", TimestampUnixMs: 1000, TextContent: "Hello"},
		{MessageID: "m2", Seq: 2, Sender: "assistant", Status: "cancelled", ParentID: "m1", TextContent: "Error: boom"},
	}
	if err := s.SaveThread(ctx, th, msgs); err != nil {
		t.Fatalf("SaveThread: %v", err)
	}

	got, err := s.GetThread(ctx, "th_1")
	if err != nil {
		t.Fatalf("GetThread: %v", err)
	}
	if got == nil {
		t.Fatalf("thread missing")
	}
	if got.Status != "local" {
		t.Fatalf("Status=%q, want local", got.Status)
	}
	if got.LastMessagePreview != "Error: boom" {
		t.Fatalf("LastMessagePreview=%q", got.LastMessagePreview)
	}

	stored, err := s.ListMessages(ctx, "th_1")
	if err != nil {
		t.Fatalf("ListMessages: %v", err)
	}
	if len(stored) != 2 || stored[0].MessageID != "m1" || stored[1].ParentID != "m1" {
		t.Fatalf("messages=%+v", stored)
	}
	if stored[1].AttachmentsJSON != "[]" {
		t.Fatalf("AttachmentsJSON=%q, want []", stored[1].AttachmentsJSON)
	}

	// Pruned message disappears, new one is added, existing one is updated.
	th.Status = "remote"
	th.Shareable = true
	th.UpdatedAtUnixMs = 2000
	msgs = []Message{
		{MessageID: "m1", Seq: 1, Sender: "user", Status: "synced", ParentID: "root", TimestampUnixMs: 1000, TextContent: "Hello"},
		{MessageID: "m3", Seq: 3, Sender: "assistant", Status: "synced", ParentID: "m1", TextContent: "Hi"},
	}
	if err := s.SaveThread(ctx, th, msgs); err != nil {
		t.Fatalf("SaveThread second: %v", err)
	}
	stored, err = s.ListMessages(ctx, "th_1")
	if err != nil {
		t.Fatalf("ListMessages second: %v", err)
	}
	if len(stored) != 2 || stored[0].Status != "synced" || stored[1].MessageID != "m3" {
		t.Fatalf("messages after resave=%+v", stored)
	}
	got, _ = s.GetThread(ctx, "th_1")
	if got.Status != "remote" || !got.Shareable || got.CreatedAtUnixMs != 1000 {
		t.Fatalf("thread after resave=%+v", got)
	}
}

func TestStore_ListThreadsPaginates(t *testing.T) {
	t.Parallel()

	s := openTestStore(t)
	ctx := context.Background()
	for i := 1; i <= 5; i++ {
		th := Thread{ThreadID: fmt.Sprintf("th_%d", i), Name: "t", CreatedAtUnixMs: int64(i * 100), UpdatedAtUnixMs: int64(i * 100)}
		if err := s.SaveThread(ctx, th, nil); err != nil {
			t.Fatalf("SaveThread %d: %v", i, err)
		}
	}

	page, next, err := s.ListThreads(ctx, 2, ThreadsCursor{})
	if err != nil {
		t.Fatalf("ListThreads: %v", err)
	}
	if len(page) != 2 || page[0].ThreadID != "th_5" || page[1].ThreadID != "th_4" {
		t.Fatalf("page1=%+v", page)
	}
	if next == "" {
		t.Fatalf("expected next cursor")
	}

	var seen []string
	for _, th := range page {
		seen = append(seen, th.ThreadID)
	}
	for next != "" {
		cur, ok := DecodeCursor(next)
		if !ok {
			t.Fatalf("DecodeCursor(%q) failed", next)
		}
		page, next, err = s.ListThreads(ctx, 2, cur)
		if err != nil {
			t.Fatalf("ListThreads: %v", err)
		}
		for _, th := range page {
			seen = append(seen, th.ThreadID)
		}
	}
	if got := strings.Join(seen, ","); got != "th_5,th_4,th_3,th_2,th_1" {
		t.Fatalf("order=%s", got)
	}
}

func TestStore_DeleteRemovesMessages(t *testing.T) {
	t.Parallel()

	s := openTestStore(t)
	ctx := context.Background()
	if err := s.SaveThread(ctx, Thread{ThreadID: "th_1", Name: "old"}, []Message{{MessageID: "m1", Seq: 1, Sender: "user", Status: "local", ParentID: "root"}}); err != nil {
		t.Fatalf("SaveThread: %v", err)
	}
	if err := s.DeleteThread(ctx, "th_1"); err != nil {
		t.Fatalf("DeleteThread: %v", err)
	}
	got, err := s.GetThread(ctx, "th_1")
	if err != nil || got != nil {
		t.Fatalf("GetThread after delete=%+v err=%v", got, err)
	}
	msgs, err := s.ListMessages(ctx, "th_1")
	if err != nil || len(msgs) != 0 {
		t.Fatalf("messages after delete=%+v err=%v", msgs, err)
	}
}

func TestStore_ContentHandlesFirstWriterWins(t *testing.T) {
	t.Parallel()

	s := openTestStore(t)
	ctx := context.Background()
	if _, ok, err := s.GetContentHandle(ctx, "abc"); err != nil || ok {
		t.Fatalf("GetContentHandle ok=%v err=%v, want miss", ok, err)
	}
	if err := s.PutContentHandle(ctx, "ABC", "lib_1"); err != nil {
		t.Fatalf("PutContentHandle: %v", err)
	}
	if err := s.PutContentHandle(ctx, "abc", "lib_2"); err != nil {
		t.Fatalf("PutContentHandle second: %v", err)
	}
	h, ok, err := s.GetContentHandle(ctx, "abc")
	if err != nil || !ok || h != "lib_1" {
		t.Fatalf("handle=%q ok=%v err=%v, want lib_1", h, ok, err)
	}
}

func TestStore_MigrateFromV1AddsShareable(t *testing.T) {
	t.Parallel()

	dbPath := filepath.Join(t.TempDir(), "threads.sqlite")
	raw, err := sql.Open("sqlite", dbPath)
	if err != nil {
		t.Fatalf("sql.Open: %v", err)
	}
	_, err = raw.Exec(`
CREATE TABLE IF NOT EXISTS threads (
  thread_id TEXT PRIMARY KEY,
  name TEXT NOT NULL DEFAULT '',
  context TEXT NOT NULL DEFAULT '',
  model TEXT NOT NULL DEFAULT '',
  status TEXT NOT NULL DEFAULT 'local',
  created_at_unix_ms INTEGER NOT NULL,
  updated_at_unix_ms INTEGER NOT NULL,
  last_message_preview TEXT NOT NULL DEFAULT ''
);
INSERT INTO threads(thread_id, created_at_unix_ms, updated_at_unix_ms) VALUES('th_old', 1, 1);
PRAGMA user_version=1;
`)
	if err != nil {
		t.Fatalf("init v1 schema: %v", err)
	}
	if err := raw.Close(); err != nil {
		t.Fatalf("close raw db: %v", err)
	}

	s, err := Open(dbPath)
	if err != nil {
		t.Fatalf("Open with migration: %v", err)
	}
	defer func() { _ = s.Close() }()

	ctx := context.Background()
	got, err := s.GetThread(ctx, "th_old")
	if err != nil {
		t.Fatalf("GetThread: %v", err)
	}
	if got == nil || got.Shareable {
		t.Fatalf("thread=%+v", got)
	}

	var version int
	if err := s.db.QueryRowContext(ctx, `PRAGMA user_version;`).Scan(&version); err != nil {
		t.Fatalf("read user_version: %v", err)
	}
	if version != 2 {
		t.Fatalf("user_version=%d, want 2", version)
	}
}

func TestCursorRoundTrip(t *testing.T) {
	t.Parallel()

	c := ThreadsCursor{UpdatedAtUnixMs: 42, ThreadID: "th_1"}
	got, ok := DecodeCursor(EncodeCursor(c))
	if !ok || got != c {
		t.Fatalf("DecodeCursor=%+v ok=%v", got, ok)
	}
	if _, ok := DecodeCursor("!!!"); ok {
		t.Fatalf("expected invalid cursor")
	}
}
