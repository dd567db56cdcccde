package auditlog

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func newTestStore(t *testing.T, maxBytes int64, maxBackups int) *Store {
	t.Helper()
	s, err := New(Options{
		Logger:     slog.New(slog.NewTextHandler(io.Discard, nil)),
		Dir:        t.TempDir(),
		MaxBytes:   maxBytes,
		MaxBackups: maxBackups,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return s
}

func TestStore_AppendListNewestFirst(t *testing.T) {
	t.Parallel()

	s := newTestStore(t, 0, 0)
	s.Append(Entry{Action: ActionRequestStarted, ThreadID: "t1"})
	s.Append(Entry{Action: ActionRequestCompleted, ThreadID: "t1", Status: StatusFailure, Error: "boom"})

	got, err := s.List(10)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("len=%d, want 2", len(got))
	}
	if got[0].Action != ActionRequestCompleted || got[0].Status != StatusFailure || got[0].Error != "boom" {
		t.Fatalf("newest=%+v", got[0])
	}
	if got[1].Status != StatusSuccess || got[1].CreatedAt == "" {
		t.Fatalf("defaults not applied: %+v", got[1])
	}

	st, err := os.Stat(filepath.Join(s.dir, activeName))
	if err != nil {
		t.Fatalf("Stat: %v", err)
	}
	if st.Mode().Perm() != 0o600 {
		t.Fatalf("perm=%o, want 600", st.Mode().Perm())
	}
}

func TestStore_RotatesAndKeepsBackups(t *testing.T) {
	t.Parallel()

	s := newTestStore(t, 200, 2)
	for i := 0; i < 40; i++ {
		s.Append(Entry{Action: ActionRequestCompleted, ThreadID: fmt.Sprintf("t%02d", i), Detail: map[string]any{"pad": strings.Repeat("x", 40)}})
	}

	s.mu.Lock()
	rotated := s.rotatedLocked()
	s.mu.Unlock()
	if len(rotated) == 0 || len(rotated) > 2 {
		t.Fatalf("rotated=%d, want 1..2", len(rotated))
	}

	got, err := s.List(1)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(got) != 1 || got[0].ThreadID != "t39" {
		t.Fatalf("latest=%+v, want t39", got)
	}
}

func TestNew_RequiresDir(t *testing.T) {
	t.Parallel()

	if _, err := New(Options{}); err == nil {
		t.Fatalf("New err=nil, want error")
	}
}
