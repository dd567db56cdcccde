package ai

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/floegence/threadline/internal/agentapi"
	"github.com/floegence/threadline/internal/ai/contentstore"
)

func newLocalThread() *Thread {
	return NewThread(ThreadInfo{ID: uuid.New(), Name: DefaultThreadName})
}

func TestOrchestrator_FirstTurnBuildsUserAndReply(t *testing.T) {
	t.Parallel()

	agent := &fakeAgent{conv: textReply("Hi there.")}
	o := newTestOrchestrator(t, agent, nil)
	th := newLocalThread()

	res, err := o.SendTurn(context.Background(), th, TurnInput{Text: "Hello"})
	if err != nil {
		t.Fatalf("SendTurn: %v", err)
	}
	if !res.Committed || res.Failed {
		t.Fatalf("res=%+v, want committed", res)
	}
	msgs := th.Messages()
	if len(msgs) != 2 {
		t.Fatalf("len(messages)=%d, want 2", len(msgs))
	}
	user, reply := msgs[0], msgs[1]
	if user.Text != "Hello" || user.ParentID != RootParent || user.Sender != SenderUser {
		t.Fatalf("user=%+v", user)
	}
	if reply.ParentID != user.ID.String() || reply.Text != "Hi there." || reply.Status != MessageLocal {
		t.Fatalf("reply=%+v", reply)
	}
	if o.registry.Has(th.ID()) {
		t.Fatalf("request still pending after commit")
	}

	upd := agent.update()
	if upd.Instructions == nil || *upd.Instructions != "Be brief." {
		t.Fatalf("instructions=%v", upd.Instructions)
	}
	if upd.Model == nil || *upd.Model != "test-model" {
		t.Fatalf("model=%v", upd.Model)
	}
	if len(upd.Tools) != 1 || upd.Tools[0].Type != agentapi.ToolWebSearch {
		t.Fatalf("tools=%+v, want web search only", upd.Tools)
	}
}

func TestOrchestrator_HistoryFollowsLatestBranch(t *testing.T) {
	t.Parallel()

	agent := &fakeAgent{conv: textReply("first answer")}
	o := newTestOrchestrator(t, agent, nil)
	th := newLocalThread()
	ctx := context.Background()

	first, err := o.SendTurn(ctx, th, TurnInput{Text: "first question"})
	if err != nil {
		t.Fatalf("SendTurn: %v", err)
	}
	second, err := o.SendTurn(ctx, th, TurnInput{Text: "second question"})
	if err != nil {
		t.Fatalf("SendTurn: %v", err)
	}
	in := agent.inputs()
	want := []string{"first question", "first answer", "second question"}
	if len(in) != len(want) {
		t.Fatalf("inputs=%+v", in)
	}
	for i := range want {
		if in[i].Content != want[i] {
			t.Fatalf("inputs[%d]=%q, want %q", i, in[i].Content, want[i])
		}
	}
	u2, _ := th.Lookup(second.UserMessageID)
	if u2.ParentID != first.AssistantMessageID.String() {
		t.Fatalf("second turn parent=%s, want previous reply", u2.ParentID)
	}

	// An edit branches from the root and carries no history.
	edit, err := o.SendTurn(ctx, th, TurnInput{Text: "rephrased question", ParentID: RootParent})
	if err != nil {
		t.Fatalf("SendTurn edit: %v", err)
	}
	if in := agent.inputs(); len(in) != 1 || in[0].Content != "rephrased question" {
		t.Fatalf("edit inputs=%+v", in)
	}
	if roots := th.Children(RootParent); len(roots) != 2 || roots[1].ID != edit.UserMessageID {
		t.Fatalf("root children=%d", len(roots))
	}
}

func TestOrchestrator_FoldInPreservesOrder(t *testing.T) {
	t.Parallel()

	png := []byte("\x89PNG\r\n\x1a\nfake-image-bytes")
	chart := []byte("chart-bytes")
	agent := &fakeAgent{
		files: map[string][]byte{"file_9": chart},
		conv: agentapi.Conversation{Entries: []agentapi.Entry{
			{Kind: agentapi.EntryToolExecution, ToolName: "image_generation", Arguments: `{"prompt": "a cat"}`},
			{Kind: agentapi.EntryMessage, Parts: []agentapi.Part{
				{Kind: agentapi.PartText, Text: "Alpha"},
				{Kind: agentapi.PartImage, Image: "data:image/png;base64," + base64.StdEncoding.EncodeToString(png)},
				{Kind: agentapi.PartText, Text: "Charlie"},
				{Kind: agentapi.PartToolReference, Title: "Cats", URL: "https://example.com/cats"},
				{Kind: agentapi.PartToolFile, FileID: "file_9", FileName: "chart.png", FileType: "png"},
				{Kind: agentapi.PartImage, Image: "https://cdn.example.com/missing.png"},
				{Kind: agentapi.PartUnknown, Type: "audio_chunk"},
			}},
		}},
	}
	o := newTestOrchestrator(t, agent, nil)
	th := newLocalThread()

	res, err := o.SendTurn(context.Background(), th, TurnInput{Text: "draw a cat"})
	if err != nil {
		t.Fatalf("SendTurn: %v", err)
	}
	reply, _ := th.Lookup(res.AssistantMessageID)

	imgHash := contentstore.Hash(png)
	a := strings.Index(reply.Text, "Alpha")
	b := strings.Index(reply.Text, "(attachment://"+imgHash+")")
	c := strings.Index(reply.Text, "Charlie")
	d := strings.Index(reply.Text, "![chart.png](attachment://"+contentstore.Hash(chart)+")")
	if a < 0 || b < 0 || c < 0 || d < 0 || !(a < b && b < c && c < d) {
		t.Fatalf("text order wrong: %q", reply.Text)
	}
	if len(reply.Attachments) != 2 {
		t.Fatalf("attachments=%+v, want the two resolvable images", reply.Attachments)
	}
	if reply.Attachments[0].Content.Hash != imgHash || reply.Attachments[0].MimeType != "image/png" || reply.Attachments[0].Kind != KindImage {
		t.Fatalf("first attachment=%+v", reply.Attachments[0])
	}
	if reply.Attachments[1].FileName != "chart.png" {
		t.Fatalf("second attachment=%+v", reply.Attachments[1])
	}
	wantThinking := "Tool call: image_generation {\"prompt\": \"a cat\"}\nReference: Cats (https://example.com/cats)"
	if reply.Thinking != wantThinking {
		t.Fatalf("thinking=%q, want %q", reply.Thinking, wantThinking)
	}
}

func TestOrchestrator_ProviderErrorCancelsTurn(t *testing.T) {
	t.Parallel()

	agent := &fakeAgent{err: errors.New("upstream overloaded")}
	o := newTestOrchestrator(t, agent, nil)
	th := newLocalThread()

	res, err := o.SendTurn(context.Background(), th, TurnInput{Text: "Hello"})
	if err != nil {
		t.Fatalf("SendTurn: %v", err)
	}
	if !res.Failed || res.Committed {
		t.Fatalf("res=%+v, want failed", res)
	}
	user, _ := th.Lookup(res.UserMessageID)
	reply, _ := th.Lookup(res.AssistantMessageID)
	if user.Status != MessageCancelled || reply.Status != MessageCancelled {
		t.Fatalf("statuses user=%q reply=%q, want cancelled", user.Status, reply.Status)
	}
	if !strings.HasPrefix(reply.Text, "Error: ") || !strings.Contains(reply.Text, "upstream overloaded") {
		t.Fatalf("reply text=%q", reply.Text)
	}
	if got := th.Info().Status; got != ThreadLocal {
		t.Fatalf("thread status=%q, want local", got)
	}
	if o.registry.Has(th.ID()) {
		t.Fatalf("request still pending after failure")
	}

	// The next turn prunes the failed one before it starts.
	agent.mu.Lock()
	agent.err = nil
	agent.conv = textReply("ok")
	agent.mu.Unlock()
	if _, err := o.SendTurn(context.Background(), th, TurnInput{Text: "Hello again"}); err != nil {
		t.Fatalf("SendTurn retry: %v", err)
	}
	if th.Len() != 2 {
		t.Fatalf("Len=%d, want the failed turn pruned", th.Len())
	}
}

func TestOrchestrator_EmptyResponseFails(t *testing.T) {
	t.Parallel()

	agent := &fakeAgent{conv: agentapi.Conversation{Entries: []agentapi.Entry{{Kind: agentapi.EntryUnknown, Type: "agent.handoff"}}}}
	o := newTestOrchestrator(t, agent, nil)
	th := newLocalThread()

	res, err := o.SendTurn(context.Background(), th, TurnInput{Text: "Hello"})
	if err != nil {
		t.Fatalf("SendTurn: %v", err)
	}
	reply, _ := th.Lookup(res.AssistantMessageID)
	if !res.Failed || reply.Text == LoadingText || reply.Status != MessageCancelled {
		t.Fatalf("res=%+v reply=%+v", res, reply)
	}
}

func TestOrchestrator_CancelledTurnIsNotCommitted(t *testing.T) {
	t.Parallel()

	agent := &fakeAgent{
		conv:    textReply("too late"),
		started: make(chan struct{}),
		release: make(chan struct{}),
	}
	o := newTestOrchestrator(t, agent, nil)
	th := newLocalThread()

	type result struct {
		res TurnResult
		err error
	}
	done := make(chan result, 1)
	go func() {
		res, err := o.SendTurn(context.Background(), th, TurnInput{Text: "Hello"})
		done <- result{res, err}
	}()

	select {
	case <-agent.started:
	case <-time.After(5 * time.Second):
		t.Fatalf("provider call never started")
	}
	if _, err := o.SendTurn(context.Background(), th, TurnInput{Text: "again"}); !errors.Is(err, ErrThreadBusy) {
		t.Fatalf("concurrent SendTurn err=%v, want ErrThreadBusy", err)
	}
	if !o.Cancel(th) {
		t.Fatalf("Cancel found no pending request")
	}
	close(agent.release)

	var r result
	select {
	case r = <-done:
	case <-time.After(5 * time.Second):
		t.Fatalf("SendTurn did not return")
	}
	if r.err != nil {
		t.Fatalf("SendTurn: %v", r.err)
	}
	if r.res.Committed {
		t.Fatalf("cancelled turn committed")
	}
	reply, _ := th.Lookup(r.res.AssistantMessageID)
	if reply.Text != LoadingText || len(reply.Attachments) != 0 || reply.Status != MessageCancelled {
		t.Fatalf("placeholder was mutated after cancel: %+v", reply)
	}
	if o.Cancel(th) {
		t.Fatalf("second Cancel reported a pending request")
	}
}

func TestOrchestrator_IdenticalFilesShareHashAndHandle(t *testing.T) {
	t.Parallel()

	idx := &fakeIndex{}
	agent := &fakeAgent{conv: textReply("They are the same.")}
	o := newTestOrchestrator(t, agent, idx)
	th := newLocalThread()

	data := []byte("%PDF-1.4 quarterly numbers")
	res, err := o.SendTurn(context.Background(), th, TurnInput{
		Text: "compare these",
		Files: []FileInput{
			{Name: "q1.pdf", MimeType: "application/pdf", Data: data},
			{Name: "copy of q1.pdf", MimeType: "application/pdf", Data: append([]byte(nil), data...)},
		},
	})
	if err != nil {
		t.Fatalf("SendTurn: %v", err)
	}
	user, _ := th.Lookup(res.UserMessageID)
	if len(user.Attachments) != 2 {
		t.Fatalf("attachments=%+v", user.Attachments)
	}
	a, b := user.Attachments[0], user.Attachments[1]
	if a.FileName != "q1.pdf" || b.FileName != "copy of q1.pdf" {
		t.Fatalf("order not preserved: %q, %q", a.FileName, b.FileName)
	}
	if a.Content.Hash != b.Content.Hash || a.Content.Hash != contentstore.Hash(data) {
		t.Fatalf("hashes differ: %s vs %s", a.Content.Hash, b.Content.Hash)
	}
	if a.LibraryHandle == "" || a.LibraryHandle != b.LibraryHandle {
		t.Fatalf("handles=%q,%q, want one shared handle", a.LibraryHandle, b.LibraryHandle)
	}
	if got := idx.creates.Load(); got != 1 {
		t.Fatalf("library creates=%d, want 1", got)
	}

	upd := agent.update()
	var lib *agentapi.Tool
	for i := range upd.Tools {
		if upd.Tools[i].Type == agentapi.ToolDocumentLibrary {
			lib = &upd.Tools[i]
		}
	}
	if lib == nil || len(lib.LibraryIDs) != 1 || lib.LibraryIDs[0] != a.LibraryHandle {
		t.Fatalf("tools=%+v, want the shared library", upd.Tools)
	}
}

func TestOrchestrator_NotConfiguredLeavesThreadUntouched(t *testing.T) {
	t.Parallel()

	o, err := NewOrchestrator(OrchestratorOptions{
		Logger:   discardLogger(),
		Registry: NewRegistry(),
		Content:  newTestContent(t, nil),
		Agent: func() (AgentClient, error) {
			return nil, fmt.Errorf("%w: agent_api_key is not set", ErrNotConfigured)
		},
	})
	if err != nil {
		t.Fatalf("NewOrchestrator: %v", err)
	}
	th := newLocalThread()
	if _, err := o.SendTurn(context.Background(), th, TurnInput{Text: "Hello"}); !errors.Is(err, ErrNotConfigured) {
		t.Fatalf("err=%v, want ErrNotConfigured", err)
	}
	if th.Len() != 0 || o.registry.Has(th.ID()) {
		t.Fatalf("thread mutated: len=%d pending=%v", th.Len(), o.registry.Has(th.ID()))
	}
}

func TestOrchestrator_RejectsBadInput(t *testing.T) {
	t.Parallel()

	o := newTestOrchestrator(t, &fakeAgent{conv: textReply("x")}, nil)
	th := newLocalThread()
	ctx := context.Background()

	if _, err := o.SendTurn(ctx, th, TurnInput{Text: "   "}); !errors.Is(err, ErrEmptyTurn) {
		t.Fatalf("empty err=%v, want ErrEmptyTurn", err)
	}
	if _, err := o.SendTurn(ctx, th, TurnInput{Text: "hi", ParentID: uuid.NewString()}); !errors.Is(err, ErrInvalidParent) {
		t.Fatalf("unknown parent err=%v, want ErrInvalidParent", err)
	}
	if _, err := o.SendTurn(ctx, th, TurnInput{Text: "hi", ParentID: "not-a-uuid"}); !errors.Is(err, ErrInvalidParent) {
		t.Fatalf("bad parent err=%v, want ErrInvalidParent", err)
	}
	if th.Len() != 0 {
		t.Fatalf("Len=%d, want 0", th.Len())
	}
}

type fakeTranscriber struct {
	tr  Transcript
	err error
}

func (f fakeTranscriber) Transcribe(context.Context, AudioInput) (Transcript, error) { return f.tr, f.err }

func TestOrchestrator_AudioTurnUsesTranscriptAndPersona(t *testing.T) {
	t.Parallel()

	agent := &fakeAgent{conv: textReply("Bonjour!")}
	o, err := NewOrchestrator(OrchestratorOptions{
		Logger:   discardLogger(),
		Registry: NewRegistry(),
		Content:  newTestContent(t, nil),
		Agent:    func() (AgentClient, error) { return agent, nil },
		Transcriber: func() (Transcriber, error) {
			return fakeTranscriber{tr: Transcript{Text: "Salut, ça va ?", Language: "fr"}}, nil
		},
		Settings: AgentSettings{Model: "m", Instructions: "Be brief.", PhonePersona: "You are on a phone call."},
	})
	if err != nil {
		t.Fatalf("NewOrchestrator: %v", err)
	}
	th := newLocalThread()

	res, err := o.SendTurn(context.Background(), th, TurnInput{Audio: &AudioInput{Name: "note.webm", MimeType: "audio/webm", Data: []byte("OggS-ish")}})
	if err != nil {
		t.Fatalf("SendTurn: %v", err)
	}
	user, _ := th.Lookup(res.UserMessageID)
	if user.Text != "Salut, ça va ?" || user.Thinking != "language: fr" {
		t.Fatalf("user=%+v", user)
	}
	if len(user.Attachments) != 1 || user.Attachments[0].Kind != KindAudio {
		t.Fatalf("attachments=%+v", user.Attachments)
	}
	upd := agent.update()
	if upd.Instructions == nil || *upd.Instructions != "You are on a phone call.\n\nBe brief." {
		t.Fatalf("instructions=%v", upd.Instructions)
	}
}

func TestOrchestrator_TranscriptionFailureLeavesThreadUntouched(t *testing.T) {
	t.Parallel()

	o, err := NewOrchestrator(OrchestratorOptions{
		Logger:      discardLogger(),
		Registry:    NewRegistry(),
		Content:     newTestContent(t, nil),
		Agent:       func() (AgentClient, error) { return &fakeAgent{}, nil },
		Transcriber: func() (Transcriber, error) { return fakeTranscriber{err: errors.New("bad audio")}, nil },
	})
	if err != nil {
		t.Fatalf("NewOrchestrator: %v", err)
	}
	th := newLocalThread()
	if _, err := o.SendTurn(context.Background(), th, TurnInput{Audio: &AudioInput{Data: []byte("x")}}); err == nil {
		t.Fatalf("expected transcription error")
	}
	if th.Len() != 0 {
		t.Fatalf("Len=%d, want 0", th.Len())
	}
}

func TestOrchestrator_RejectsDiscardedParent(t *testing.T) {
	t.Parallel()

	agent := &fakeAgent{err: errors.New("upstream overloaded")}
	o := newTestOrchestrator(t, agent, nil)
	th := newLocalThread()
	ctx := context.Background()

	failed, err := o.SendTurn(ctx, th, TurnInput{Text: "Hello"})
	if err != nil || !failed.Failed {
		t.Fatalf("res=%+v err=%v", failed, err)
	}
	agent.mu.Lock()
	agent.err = nil
	agent.conv = textReply("ok")
	agent.mu.Unlock()

	if _, err := o.SendTurn(ctx, th, TurnInput{Text: "retry", ParentID: failed.UserMessageID.String()}); !errors.Is(err, ErrInvalidParent) {
		t.Fatalf("cancelled parent err=%v, want ErrInvalidParent", err)
	}
	if th.Len() != 2 {
		t.Fatalf("Len=%d, want the thread untouched", th.Len())
	}

	// A user turn whose only reply was cancelled is pruned, so it cannot be branched from either.
	th2 := newLocalThread()
	u := mustAppend(t, th2, newMsg(th2, SenderUser, "Hi", RootParent, time.Now()))
	p := mustAppend(t, th2, newMsg(th2, SenderAssistant, LoadingText, u.ID.String(), time.Now()))
	if err := th2.setStatus(p.ID, MessageCancelled); err != nil {
		t.Fatalf("setStatus: %v", err)
	}
	if _, err := o.SendTurn(ctx, th2, TurnInput{Text: "again", ParentID: u.ID.String()}); !errors.Is(err, ErrInvalidParent) {
		t.Fatalf("pruned parent err=%v, want ErrInvalidParent", err)
	}
	if inputs := agent.inputs(); len(inputs) != 1 {
		t.Fatalf("agent saw %d inputs, want only the first failed turn's", len(inputs))
	}
}

func TestOrchestrator_TextPartsAreSeparatedByBlankLines(t *testing.T) {
	t.Parallel()

	agent := &fakeAgent{conv: agentapi.Conversation{Entries: []agentapi.Entry{
		{Kind: agentapi.EntryMessage, Parts: []agentapi.Part{
			{Kind: agentapi.PartText, Text: "First point."},
			{Kind: agentapi.PartText, Text: "  "},
			{Kind: agentapi.PartText, Text: "Second point."},
		}},
		{Kind: agentapi.EntryMessage, Parts: []agentapi.Part{{Kind: agentapi.PartText, Text: "Summary."}}},
	}}}
	o := newTestOrchestrator(t, agent, nil)
	th := newLocalThread()

	res, err := o.SendTurn(context.Background(), th, TurnInput{Text: "list"})
	if err != nil {
		t.Fatalf("SendTurn: %v", err)
	}
	reply, _ := th.Lookup(res.AssistantMessageID)
	if want := "First point.\n\nSecond point.\n\nSummary."; reply.Text != want {
		t.Fatalf("text=%q, want %q", reply.Text, want)
	}
}
