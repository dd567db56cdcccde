package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/floegence/threadline/internal/ai"
)

func TestParseHints(t *testing.T) {
	t.Parallel()

	tests := []struct {
		search  string
		want    *bool
		wantErr bool
	}{
		{search: "auto", want: nil},
		{search: "", want: nil},
		{search: "ON", want: boolPtr(true)},
		{search: "off", want: boolPtr(false)},
		{search: "maybe", wantErr: true},
	}
	for _, tt := range tests {
		h, err := parseHints(true, tt.search)
		if tt.wantErr {
			if err == nil {
				t.Fatalf("parseHints(%q) err=nil, want error", tt.search)
			}
			continue
		}
		if err != nil {
			t.Fatalf("parseHints(%q) err=%v", tt.search, err)
		}
		if !h.ImageGeneration {
			t.Fatalf("parseHints(%q) ImageGeneration=false, want true", tt.search)
		}
		if (h.WebSearch == nil) != (tt.want == nil) || (h.WebSearch != nil && *h.WebSearch != *tt.want) {
			t.Fatalf("parseHints(%q) WebSearch=%v, want %v", tt.search, h.WebSearch, tt.want)
		}
	}
}

func boolPtr(v bool) *bool { return &v }

func TestReadFileInput(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	png := filepath.Join(dir, "chart.png")
	if err := os.WriteFile(png, []byte("\x89PNG\r\n\x1a\nrest"), 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	noExt := filepath.Join(dir, "notes")
	if err := os.WriteFile(noExt, []byte("plain words\n"), 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	f, err := readFileInput(png)
	if err != nil {
		t.Fatalf("readFileInput: %v", err)
	}
	if f.Name != "chart.png" || f.MimeType != "image/png" {
		t.Fatalf("file=%q mime=%q, want chart.png image/png", f.Name, f.MimeType)
	}

	f, err = readFileInput(noExt)
	if err != nil {
		t.Fatalf("readFileInput: %v", err)
	}
	if f.MimeType != "text/plain" {
		t.Fatalf("mime=%q, want text/plain", f.MimeType)
	}

	if _, err := readFileInput(dir); err == nil {
		t.Fatalf("readFileInput(dir) err=nil, want error")
	}
}

func TestWriteThread_BranchesIndented(t *testing.T) {
	t.Parallel()

	threadID := uuid.New()
	q := ai.Message{ID: uuid.New(), ThreadID: threadID, Sender: ai.SenderUser, Text: "question", ParentID: ai.RootParent, Status: ai.MessageSynced}
	a1 := ai.Message{ID: uuid.New(), ThreadID: threadID, Sender: ai.SenderAssistant, Text: "first answer", ParentID: q.ID.String(), Status: ai.MessageSynced}
	a2 := ai.Message{ID: uuid.New(), ThreadID: threadID, Sender: ai.SenderAssistant, Text: "second answer", ParentID: q.ID.String(), Status: ai.MessageLocal, Timestamp: time.Now()}

	orphan := ai.Message{ID: uuid.New(), ThreadID: threadID, Sender: ai.SenderUser, Text: "lost context", ParentID: uuid.NewString(), Status: ai.MessageSynced}

	th := ai.NewThread(ai.ThreadInfo{ID: threadID, Name: "Trip", Status: ai.ThreadRemote})
	for _, m := range []ai.Message{q, a1, a2, orphan} {
		if err := th.Append(m); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}

	var buf bytes.Buffer
	writeThread(&buf, th, ai.RequestIdle)
	out := buf.String()

	if !strings.Contains(out, "Trip") || !strings.Contains(out, "4 messages, idle") {
		t.Fatalf("missing thread header in %q", out)
	}
	if !strings.Contains(out, "\n  lost context") {
		t.Fatalf("message with unknown parent not printed as a root:\n%s", out)
	}
	if strings.Index(out, "first answer") > strings.Index(out, "second answer") {
		t.Fatalf("siblings out of insertion order:\n%s", out)
	}
	if !strings.Contains(out, "    first answer") {
		t.Fatalf("reply not indented under its parent:\n%s", out)
	}
	if !strings.Contains(out, "(local)") {
		t.Fatalf("unsynced message not marked:\n%s", out)
	}
}

func TestOneLine(t *testing.T) {
	t.Parallel()

	if got := oneLine("a\n  b\tc", 0); got != "a b c" {
		t.Fatalf("oneLine=%q, want %q", got, "a b c")
	}
	if got := oneLine("abcdef", 4); got != "abc…" {
		t.Fatalf("oneLine=%q, want %q", got, "abc…")
	}
}
