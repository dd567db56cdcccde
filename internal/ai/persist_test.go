package ai

import (
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/floegence/threadline/internal/remotestore"
)

func TestThreadRecord_RoundTrip(t *testing.T) {
	t.Parallel()

	created := time.UnixMilli(1700000000123)
	th := NewThread(ThreadInfo{ID: uuid.New(), Name: "Trip", CreatedAt: created, Context: "ctx", Model: "m", Shareable: true})
	u := mustAppend(t, th, Message{
		ID: uuid.New(), Sender: SenderUser, Text: "see attached", ParentID: RootParent, Timestamp: created,
		Attachments: []AttachmentRef{{FileName: "a.txt", MimeType: "text/plain", Kind: KindFile, LibraryHandle: "lib_1", Content: ContentRef{Hash: "ab", Payload: "aGk="}}},
	})
	spinner := mustAppend(t, th, Message{ID: uuid.New(), Sender: SenderAssistant, Text: LoadingText, ParentID: u.ID.String()})

	rec, msgs := threadRecord(th)
	if rec.ThreadID != th.ID().String() || rec.CreatedAtUnixMs != 1700000000123 || !rec.Shareable {
		t.Fatalf("rec=%+v", rec)
	}
	if len(msgs) != 2 || msgs[0].Seq != 1 || msgs[1].TimestampUnixMs != 0 {
		t.Fatalf("msgs=%+v", msgs)
	}

	back, err := threadFromRecord(rec, msgs)
	if err != nil {
		t.Fatalf("threadFromRecord: %v", err)
	}
	got, ok := back.Lookup(u.ID)
	if !ok || len(got.Attachments) != 1 || got.Attachments[0].LibraryHandle != "lib_1" || got.Attachments[0].Content.Payload != "aGk=" {
		t.Fatalf("user=%+v", got)
	}
	// A spinner outlives its request only on disk; it comes back cancelled.
	if s, _ := back.Lookup(spinner.ID); s.Status != MessageCancelled {
		t.Fatalf("spinner status=%q, want cancelled", s.Status)
	}
	if info := back.Info(); info.Name != "Trip" || info.Status != ThreadLocal || !info.CreatedAt.Equal(created) {
		t.Fatalf("info=%+v", info)
	}
}

func TestMergeRemote_AddsUnknownMessagesAsSynced(t *testing.T) {
	t.Parallel()

	th := NewThread(ThreadInfo{ID: uuid.New(), Name: DefaultThreadName})
	local := mustAppend(t, th, newMsg(th, SenderUser, "hi", RootParent, time.Now()))

	remoteID := uuid.New()
	w := remotestore.Thread{
		ID:   th.ID().String(),
		Name: "Greetings",
		Messages: []remotestore.Message{
			{ID: local.ID.String(), Sender: "user", Text: "hi", ParentID: RootParent},
			{ID: remoteID.String(), Sender: "Assistant", Text: "hello!", ParentID: local.ID.String(), Timestamp: "not a time"},
			{ID: "garbage", Sender: "user", Text: "dropped"},
		},
	}
	if added := mergeRemote(th, w); added != 1 {
		t.Fatalf("added=%d, want 1", added)
	}
	m, ok := th.Lookup(remoteID)
	if !ok || m.Sender != SenderAssistant || m.Status != MessageSynced || !m.Timestamp.IsZero() {
		t.Fatalf("merged=%+v ok=%v", m, ok)
	}
	if l, _ := th.Lookup(local.ID); l.Status != MessageLocal {
		t.Fatalf("local message status=%q, want untouched", l.Status)
	}
	if info := th.Info(); info.Name != "Greetings" || info.Status != ThreadRemote {
		t.Fatalf("info=%+v", info)
	}
}
