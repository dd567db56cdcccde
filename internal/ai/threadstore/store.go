package threadstore

import (
	"context"
	"database/sql"
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

var ErrNotInitialized = errors.New("store not initialized")

// Store is a local SQLite-backed persistence layer for threads, messages and content handles.
//
// Notes:
// - A thread is saved as a whole snapshot; message rows missing from the snapshot are removed (pruned branches).
// - WAL is enabled so the CLI can read while a background reconcile writes.
type Store struct {
	db *sql.DB
}

func Open(path string) (*Store, error) {
	p := filepath.Clean(strings.TrimSpace(path))
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("missing db path")
	}
	if err := os.MkdirAll(filepath.Dir(p), 0o700); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", p)
	if err != nil {
		return nil, err
	}
	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

type Thread struct {
	ThreadID  string `json:"thread_id"`
	Name      string `json:"name"`
	Context   string `json:"context"`
	Model     string `json:"model"`
	Status    string `json:"status"`
	Shareable bool   `json:"shareable"`

	CreatedAtUnixMs    int64  `json:"created_at_unix_ms"`
	UpdatedAtUnixMs    int64  `json:"updated_at_unix_ms"`
	LastMessagePreview string `json:"last_message_preview"`
}

type Message struct {
	ThreadID  string `json:"thread_id"`
	MessageID string `json:"message_id"`
	Seq       int64  `json:"seq"`

	Sender   string `json:"sender"`
	Status   string `json:"status"`
	ParentID string `json:"parent_id"`

	// TimestampUnixMs is 0 when the message carried no usable timestamp.
	TimestampUnixMs int64 `json:"timestamp_unix_ms"`

	TextContent     string `json:"text_content"`
	Thinking        string `json:"thinking"`
	AttachmentsJSON string `json:"attachments_json"`
}

type ThreadsCursor struct {
	UpdatedAtUnixMs int64
	ThreadID        string
}

// EncodeCursor encodes a cursor as a URL-safe base64 string.
func EncodeCursor(c ThreadsCursor) string {
	if c.UpdatedAtUnixMs <= 0 || strings.TrimSpace(c.ThreadID) == "" {
		return ""
	}
	raw := fmt.Sprintf("%d:%s", c.UpdatedAtUnixMs, strings.TrimSpace(c.ThreadID))
	return base64.RawURLEncoding.EncodeToString([]byte(raw))
}

func DecodeCursor(raw string) (ThreadsCursor, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ThreadsCursor{}, true
	}
	b, err := base64.RawURLEncoding.DecodeString(raw)
	if err != nil {
		return ThreadsCursor{}, false
	}
	parts := strings.SplitN(string(b), ":", 2)
	if len(parts) != 2 {
		return ThreadsCursor{}, false
	}
	ms, err := strconv.ParseInt(strings.TrimSpace(parts[0]), 10, 64)
	if err != nil || ms <= 0 {
		return ThreadsCursor{}, false
	}
	id := strings.TrimSpace(parts[1])
	if id == "" {
		return ThreadsCursor{}, false
	}
	return ThreadsCursor{UpdatedAtUnixMs: ms, ThreadID: id}, true
}

const threadColumns = `thread_id, name, context, model, status, shareable,
  created_at_unix_ms, updated_at_unix_ms, last_message_preview`

type scanner interface {
	Scan(dest ...any) error
}

func scanThread(row scanner) (Thread, error) {
	var t Thread
	var shareable int
	err := row.Scan(
		&t.ThreadID,
		&t.Name,
		&t.Context,
		&t.Model,
		&t.Status,
		&shareable,
		&t.CreatedAtUnixMs,
		&t.UpdatedAtUnixMs,
		&t.LastMessagePreview,
	)
	t.Shareable = shareable != 0
	return t, err
}

// ListThreads returns threads newest first, with a cursor for the next page ("" when exhausted).
func (s *Store) ListThreads(ctx context.Context, limit int, cursor ThreadsCursor) ([]Thread, string, error) {
	if s == nil || s.db == nil {
		return nil, "", ErrNotInitialized
	}
	if limit <= 0 {
		limit = 50
	}
	if limit > 200 {
		limit = 200
	}

	args := []any{}
	where := ""
	if cursor.UpdatedAtUnixMs > 0 && strings.TrimSpace(cursor.ThreadID) != "" {
		where = "WHERE (updated_at_unix_ms < ? OR (updated_at_unix_ms = ? AND thread_id < ?))"
		args = append(args, cursor.UpdatedAtUnixMs, cursor.UpdatedAtUnixMs, strings.TrimSpace(cursor.ThreadID))
	}
	args = append(args, limit+1)

	q := fmt.Sprintf(`
SELECT %s
FROM threads
%s
ORDER BY updated_at_unix_ms DESC, thread_id DESC
LIMIT ?
`, threadColumns, where)

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, "", err
	}
	defer rows.Close()

	out := make([]Thread, 0, limit)
	for rows.Next() {
		t, err := scanThread(rows)
		if err != nil {
			return nil, "", err
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, "", err
	}

	next := ""
	if len(out) > limit {
		out = out[:limit]
		last := out[len(out)-1]
		next = EncodeCursor(ThreadsCursor{UpdatedAtUnixMs: last.UpdatedAtUnixMs, ThreadID: last.ThreadID})
	}
	return out, next, nil
}

// GetThread returns nil when the thread does not exist.
func (s *Store) GetThread(ctx context.Context, threadID string) (*Thread, error) {
	if s == nil || s.db == nil {
		return nil, ErrNotInitialized
	}
	threadID = strings.TrimSpace(threadID)
	if threadID == "" {
		return nil, errors.New("invalid request")
	}
	t, err := scanThread(s.db.QueryRowContext(ctx, `SELECT `+threadColumns+` FROM threads WHERE thread_id = ?`, threadID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &t, nil
}

// ListMessages returns every message of a thread in insertion order.
func (s *Store) ListMessages(ctx context.Context, threadID string) ([]Message, error) {
	if s == nil || s.db == nil {
		return nil, ErrNotInitialized
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT thread_id, message_id, seq, sender, status, parent_id, timestamp_unix_ms,
  text_content, thinking, attachments_json
FROM messages
WHERE thread_id = ?
ORDER BY seq ASC
`, strings.TrimSpace(threadID))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(
			&m.ThreadID,
			&m.MessageID,
			&m.Seq,
			&m.Sender,
			&m.Status,
			&m.ParentID,
			&m.TimestampUnixMs,
			&m.TextContent,
			&m.Thinking,
			&m.AttachmentsJSON,
		); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// SaveThread upserts a thread snapshot: the thread row, every message in msgs, and removes stored
// messages that are no longer part of the snapshot.
func (s *Store) SaveThread(ctx context.Context, t Thread, msgs []Message) error {
	if s == nil || s.db == nil {
		return ErrNotInitialized
	}
	t.ThreadID = strings.TrimSpace(t.ThreadID)
	if t.ThreadID == "" {
		return errors.New("invalid thread")
	}
	now := time.Now().UnixMilli()
	if t.CreatedAtUnixMs <= 0 {
		t.CreatedAtUnixMs = now
	}
	if t.UpdatedAtUnixMs <= 0 {
		t.UpdatedAtUnixMs = t.CreatedAtUnixMs
	}
	if t.Status == "" {
		t.Status = "local"
	}
	if len(msgs) > 0 {
		last := msgs[len(msgs)-1]
		t.LastMessagePreview = buildPreview(last.Sender, last.TextContent)
	}
	shareable := 0
	if t.Shareable {
		shareable = 1
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
INSERT INTO threads(`+threadColumns+`) VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(thread_id) DO UPDATE SET
  name = excluded.name,
  context = excluded.context,
  model = excluded.model,
  status = excluded.status,
  shareable = excluded.shareable,
  updated_at_unix_ms = excluded.updated_at_unix_ms,
  last_message_preview = excluded.last_message_preview
`,
		t.ThreadID,
		strings.TrimSpace(t.Name),
		t.Context,
		strings.TrimSpace(t.Model),
		t.Status,
		shareable,
		t.CreatedAtUnixMs,
		t.UpdatedAtUnixMs,
		t.LastMessagePreview,
	); err != nil {
		return fmt.Errorf("upsert thread: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `CREATE TEMP TABLE IF NOT EXISTS keep_ids(message_id TEXT PRIMARY KEY)`); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM keep_ids`); err != nil {
		return err
	}

	stmt, err := tx.PrepareContext(ctx, `
INSERT INTO messages(
  thread_id, message_id, seq, sender, status, parent_id, timestamp_unix_ms,
  text_content, thinking, attachments_json
) VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(thread_id, message_id) DO UPDATE SET
  seq = excluded.seq,
  status = excluded.status,
  parent_id = excluded.parent_id,
  timestamp_unix_ms = excluded.timestamp_unix_ms,
  text_content = excluded.text_content,
  thinking = excluded.thinking,
  attachments_json = excluded.attachments_json
`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, m := range msgs {
		id := strings.TrimSpace(m.MessageID)
		if id == "" {
			return errors.New("invalid message")
		}
		attachments := m.AttachmentsJSON
		if strings.TrimSpace(attachments) == "" {
			attachments = "[]"
		}
		if _, err := stmt.ExecContext(ctx,
			t.ThreadID,
			id,
			m.Seq,
			m.Sender,
			m.Status,
			m.ParentID,
			m.TimestampUnixMs,
			m.TextContent,
			m.Thinking,
			attachments,
		); err != nil {
			return fmt.Errorf("upsert message %s: %w", id, err)
		}
		if _, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO keep_ids(message_id) VALUES(?)`, id); err != nil {
			return err
		}
	}

	if _, err := tx.ExecContext(ctx, `
DELETE FROM messages
WHERE thread_id = ? AND message_id NOT IN (SELECT message_id FROM keep_ids)
`, t.ThreadID); err != nil {
		return fmt.Errorf("prune messages: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM keep_ids`); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *Store) DeleteThread(ctx context.Context, threadID string) error {
	if s == nil || s.db == nil {
		return ErrNotInitialized
	}
	threadID = strings.TrimSpace(threadID)
	if threadID == "" {
		return errors.New("invalid request")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE thread_id = ?`, threadID); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM threads WHERE thread_id = ?`, threadID); err != nil {
		return err
	}
	return tx.Commit()
}

// GetContentHandle returns the library handle recorded for a content hash.
func (s *Store) GetContentHandle(ctx context.Context, hash string) (string, bool, error) {
	if s == nil || s.db == nil {
		return "", false, ErrNotInitialized
	}
	var handle string
	err := s.db.QueryRowContext(ctx, `SELECT handle FROM content_handles WHERE hash = ?`, strings.ToLower(strings.TrimSpace(hash))).Scan(&handle)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", false, nil
		}
		return "", false, err
	}
	return handle, true, nil
}

// PutContentHandle records hash -> handle. The first recorded handle wins.
func (s *Store) PutContentHandle(ctx context.Context, hash string, handle string) error {
	if s == nil || s.db == nil {
		return ErrNotInitialized
	}
	hash = strings.ToLower(strings.TrimSpace(hash))
	handle = strings.TrimSpace(handle)
	if hash == "" || handle == "" {
		return errors.New("invalid content handle")
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO content_handles(hash, handle, created_at_unix_ms) VALUES(?, ?, ?)
ON CONFLICT(hash) DO NOTHING
`, hash, handle, time.Now().UnixMilli())
	return err
}

func initSchema(db *sql.DB) error {
	if db == nil {
		return errors.New("nil db")
	}
	if _, err := db.Exec(`PRAGMA journal_mode=WAL;`); err != nil {
		return fmt.Errorf("pragma journal_mode: %w", err)
	}
	if _, err := db.Exec(`PRAGMA busy_timeout=3000;`); err != nil {
		return fmt.Errorf("pragma busy_timeout: %w", err)
	}
	return migrateSchema(db)
}

func migrateSchema(db *sql.DB) error {
	if db == nil {
		return errors.New("nil db")
	}
	const targetVersion = 2

	var v int
	if err := db.QueryRow(`PRAGMA user_version;`).Scan(&v); err != nil {
		return fmt.Errorf("pragma user_version: %w", err)
	}
	if v >= targetVersion {
		return nil
	}

	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec(`
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
CREATE INDEX IF NOT EXISTS idx_threads_updated ON threads(updated_at_unix_ms DESC, thread_id DESC);

CREATE TABLE IF NOT EXISTS messages (
  thread_id TEXT NOT NULL,
  message_id TEXT NOT NULL,
  seq INTEGER NOT NULL,
  sender TEXT NOT NULL,
  status TEXT NOT NULL,
  parent_id TEXT NOT NULL DEFAULT '',
  timestamp_unix_ms INTEGER NOT NULL DEFAULT 0,
  text_content TEXT NOT NULL DEFAULT '',
  thinking TEXT NOT NULL DEFAULT '',
  attachments_json TEXT NOT NULL DEFAULT '[]',
  PRIMARY KEY(thread_id, message_id)
);
CREATE INDEX IF NOT EXISTS idx_messages_thread_seq ON messages(thread_id, seq ASC);

CREATE TABLE IF NOT EXISTS content_handles (
  hash TEXT PRIMARY KEY,
  handle TEXT NOT NULL,
  created_at_unix_ms INTEGER NOT NULL
);
`); err != nil {
		return err
	}

	// v2: share flag.
	if has, err := columnExists(tx, "threads", "shareable"); err != nil {
		return err
	} else if !has {
		if _, err := tx.Exec(`ALTER TABLE threads ADD COLUMN shareable INTEGER NOT NULL DEFAULT 0`); err != nil {
			return err
		}
	}

	if _, err := tx.Exec(fmt.Sprintf(`PRAGMA user_version=%d;`, targetVersion)); err != nil {
		return err
	}
	return tx.Commit()
}

func columnExists(tx *sql.Tx, tableName string, colName string) (bool, error) {
	tableName = strings.TrimSpace(tableName)
	colName = strings.TrimSpace(colName)
	if tableName == "" || colName == "" {
		return false, errors.New("invalid table/column")
	}

	rows, err := tx.Query(`PRAGMA table_info(` + tableName + `)`)
	if err != nil {
		return false, err
	}
	defer rows.Close()

	for rows.Next() {
		var cid int
		var name string
		var ctype string
		var notNull int
		var defaultValue sql.NullString
		var primaryKey int
		if err := rows.Scan(&cid, &name, &ctype, &notNull, &defaultValue, &primaryKey); err != nil {
			return false, err
		}
		if strings.EqualFold(strings.TrimSpace(name), colName) {
			return true, nil
		}
	}
	if err := rows.Err(); err != nil {
		return false, err
	}
	return false, nil
}

func buildPreview(sender string, text string) string {
	text = strings.TrimSpace(text)
	if text == "" {
		if strings.TrimSpace(sender) == "user" {
			return "(no text)"
		}
		return ""
	}
	text = strings.ReplaceAll(text, "\n", " ")
	text = strings.ReplaceAll(text, "\r", " ")
	return truncateRunes(strings.TrimSpace(text), 160)
}

func truncateRunes(s string, max int) string {
	if max <= 0 {
		return ""
	}
	n := 0
	for i := range s {
		if n >= max {
			return strings.TrimSpace(s[:i])
		}
		n++
	}
	return strings.TrimSpace(s)
}
