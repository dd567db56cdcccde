package ai

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/floegence/threadline/internal/agentapi"
	"github.com/floegence/threadline/internal/ai/contentstore"
	"github.com/floegence/threadline/internal/remotestore"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeAgent struct {
	mu         sync.Mutex
	conv       agentapi.Conversation
	err        error
	files      map[string][]byte
	urls       map[string][]byte
	lastUpdate agentapi.AgentUpdate
	lastInputs []agentapi.Input
	ensured    []string

	// When release is non-nil StartConversation signals started and then waits for release.
	started chan struct{}
	release chan struct{}

	// during runs inside StartConversation, while the turn is in flight.
	during func()
}

func (f *fakeAgent) EnsureAgent(_ context.Context, name string, model string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ensured = append(f.ensured, name+"/"+model)
	return "ag_1", nil
}

func (f *fakeAgent) UpdateAgent(_ context.Context, _ string, upd agentapi.AgentUpdate) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastUpdate = upd
	return nil
}

func (f *fakeAgent) StartConversation(ctx context.Context, _ string, inputs []agentapi.Input) (agentapi.Conversation, error) {
	f.mu.Lock()
	f.lastInputs = append([]agentapi.Input(nil), inputs...)
	conv, err := f.conv, f.err
	started, release := f.started, f.release
	during := f.during
	f.mu.Unlock()

	if during != nil {
		during()
	}
	if release != nil {
		if started != nil {
			close(started)
		}
		select {
		case <-release:
		case <-ctx.Done():
			return agentapi.Conversation{}, ctx.Err()
		}
	}
	return conv, err
}

func (f *fakeAgent) DownloadFile(_ context.Context, fileID string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	b, ok := f.files[fileID]
	if !ok {
		return nil, fmt.Errorf("file %s not found", fileID)
	}
	return b, nil
}

func (f *fakeAgent) FetchURL(_ context.Context, rawURL string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	b, ok := f.urls[rawURL]
	if !ok {
		return nil, fmt.Errorf("url %s not found", rawURL)
	}
	return b, nil
}

func (f *fakeAgent) inputs() []agentapi.Input {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]agentapi.Input(nil), f.lastInputs...)
}

func (f *fakeAgent) update() agentapi.AgentUpdate {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lastUpdate
}

func textReply(text string) agentapi.Conversation {
	return agentapi.Conversation{ID: "conv_1", Entries: []agentapi.Entry{{
		Kind:  agentapi.EntryMessage,
		Type:  "message.output",
		Parts: []agentapi.Part{{Kind: agentapi.PartText, Type: "text", Text: text}},
	}}}
}

type memHandles struct {
	mu sync.Mutex
	m  map[string]string
}

func (h *memHandles) GetContentHandle(_ context.Context, hash string) (string, bool, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	v, ok := h.m[hash]
	return v, ok, nil
}

func (h *memHandles) PutContentHandle(_ context.Context, hash string, handle string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.m == nil {
		h.m = make(map[string]string)
	}
	if _, ok := h.m[hash]; !ok {
		h.m[hash] = handle
	}
	return nil
}

type fakeIndex struct {
	creates atomic.Int32
	mu      sync.Mutex
	byHash  map[string]string
}

func (x *fakeIndex) FindLibrary(_ context.Context, hash string) (string, bool, error) {
	x.mu.Lock()
	defer x.mu.Unlock()
	id, ok := x.byHash[hash]
	return id, ok, nil
}

func (x *fakeIndex) CreateLibrary(_ context.Context, _ string, hash string) (string, error) {
	n := x.creates.Add(1)
	x.mu.Lock()
	defer x.mu.Unlock()
	if x.byHash == nil {
		x.byHash = make(map[string]string)
	}
	id := fmt.Sprintf("lib_%d", n)
	x.byHash[hash] = id
	return id, nil
}

func (x *fakeIndex) UploadDocument(context.Context, string, string, []byte) error { return nil }

type fakeRemote struct {
	mu       sync.Mutex
	threads  map[string]remotestore.Thread
	shared   map[string]string
	creates  int
	appends  int
	failNext error
}

func newFakeRemote() *fakeRemote {
	return &fakeRemote{threads: make(map[string]remotestore.Thread), shared: make(map[string]string)}
}

func (r *fakeRemote) takeFailure() error {
	err := r.failNext
	r.failNext = nil
	return err
}

func (r *fakeRemote) CreateThread(_ context.Context, th remotestore.Thread) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.takeFailure(); err != nil {
		return err
	}
	r.creates++
	if _, ok := r.threads[th.ID]; !ok {
		th.Messages = nil
		r.threads[th.ID] = th
	}
	return nil
}

func (r *fakeRemote) ListThreads(context.Context) ([]remotestore.Thread, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]remotestore.Thread, 0, len(r.threads))
	for _, th := range r.threads {
		th.Messages = nil
		out = append(out, th)
	}
	return out, nil
}

func (r *fakeRemote) GetThread(_ context.Context, id string) (remotestore.Thread, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	th, ok := r.threads[id]
	if !ok {
		return remotestore.Thread{}, remotestore.ErrNotFound
	}
	th.Messages = append([]remotestore.Message(nil), th.Messages...)
	return th, nil
}

func (r *fakeRemote) GetShared(ctx context.Context, code string) (remotestore.Thread, error) {
	r.mu.Lock()
	id, ok := r.shared[code]
	r.mu.Unlock()
	if !ok {
		return remotestore.Thread{}, remotestore.ErrNotFound
	}
	return r.GetThread(ctx, id)
}

func (r *fakeRemote) AppendMessages(_ context.Context, threadID string, msgs []remotestore.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.takeFailure(); err != nil {
		return err
	}
	th, ok := r.threads[threadID]
	if !ok {
		return remotestore.ErrNotFound
	}
	r.appends++
	have := make(map[string]bool, len(th.Messages))
	for _, m := range th.Messages {
		have[m.ID] = true
	}
	for _, m := range msgs {
		if !have[m.ID] {
			th.Messages = append(th.Messages, m)
			have[m.ID] = true
		}
	}
	r.threads[threadID] = th
	return nil
}

func (r *fakeRemote) CreateShareCode(_ context.Context, threadID string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.threads[threadID]; !ok {
		return "", remotestore.ErrNotFound
	}
	code := "share-" + strings.ReplaceAll(threadID, "-", "")[:8]
	r.shared[code] = threadID
	return code, nil
}

func (r *fakeRemote) WhoAmI(context.Context) (remotestore.User, error) {
	return remotestore.User{ID: "u_1", Email: "ada@example.com", Name: "Ada"}, nil
}

func (r *fakeRemote) thread(id string) (remotestore.Thread, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	th, ok := r.threads[id]
	return th, ok
}

type fakeNamer struct {
	name string
	err  error
}

func (n fakeNamer) Name(context.Context, []Turn) (string, error) { return n.name, n.err }

func newTestContent(t *testing.T, idx contentstore.Index) *contentstore.Store {
	t.Helper()
	opts := contentstore.Options{
		Logger:  discardLogger(),
		Dir:     t.TempDir(),
		Handles: &memHandles{},
	}
	if idx != nil {
		opts.Index = func() (contentstore.Index, error) { return idx, nil }
	}
	cs, err := contentstore.Open(opts)
	if err != nil {
		t.Fatalf("contentstore.Open: %v", err)
	}
	return cs
}

func newTestOrchestrator(t *testing.T, agent AgentClient, idx contentstore.Index) *Orchestrator {
	t.Helper()
	o, err := NewOrchestrator(OrchestratorOptions{
		Logger:   discardLogger(),
		Registry: NewRegistry(),
		Content:  newTestContent(t, idx),
		Agent:    func() (AgentClient, error) { return agent, nil },
		Settings: AgentSettings{Model: "test-model", Instructions: "Be brief."},
		Policy:   CapabilityPolicy{ImageSearch: ImageSearchExclusive, WebSearchDefault: true},
	})
	if err != nil {
		t.Fatalf("NewOrchestrator: %v", err)
	}
	return o
}
