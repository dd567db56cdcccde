package ai

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/floegence/threadline/internal/agentapi"
	"github.com/floegence/threadline/internal/ai/contentstore"
	"github.com/floegence/threadline/internal/ai/threadstore"
	"github.com/floegence/threadline/internal/auditlog"
	"github.com/floegence/threadline/internal/config"
	"github.com/floegence/threadline/internal/remotestore"
)

// Secret names resolved through Options.ResolveSecret.
const (
	secretAgentAPIKey         = "agent_api_key"
	secretNamingAPIKey        = "naming_api_key"
	secretTranscriptionAPIKey = "transcription_api_key"
	secretRemoteStoreToken    = "remote_store_token"
)

const defaultPersistTimeout = 10 * time.Second

type Options struct {
	Logger   *slog.Logger
	StateDir string

	Config *config.Config

	// ResolveSecret returns a named secret (API keys, the remote store token).
	//
	// It should read from a local secrets store, not from config.json.
	ResolveSecret func(name string) (string, bool, error)

	HTTPClient *http.Client

	// PushInterval paces remote store writes. See ReconcilerOptions.
	PushInterval time.Duration

	// The factories below override the clients built from Config. Intended for tests.
	NewAgentClient  func() (AgentClient, error)
	NewRemoteStore  func() (RemoteStore, error)
	NewNamer        func() (Namer, error)
	NewTranscriber  func() (Transcriber, error)
	NewContentIndex func() (contentstore.Index, error)
}

// Service is the engine facade: it owns the loaded threads and keeps the local store in step with them.
type Service struct {
	log *slog.Logger
	cfg *config.Config

	resolveSecret func(name string) (string, bool, error)
	httpClient    *http.Client

	db       *threadstore.Store
	content  *contentstore.Store
	audit    *auditlog.Store
	registry *Registry
	events   *eventBus
	orch     *Orchestrator
	rec      *Reconciler

	newRemote func() (RemoteStore, error)

	bgCtx    context.Context
	bgCancel context.CancelFunc

	mu      sync.Mutex
	closed  bool
	threads map[uuid.UUID]*Thread
	saving  map[uuid.UUID]*sync.Mutex

	// pending counts background tasks; idle is closed whenever it is zero.
	pending int
	idle    chan struct{}

	unsubscribe func()
}

func NewService(opts Options) (*Service, error) {
	stateDir := strings.TrimSpace(opts.StateDir)
	if stateDir == "" {
		return nil, errors.New("missing StateDir")
	}
	cfg := opts.Config
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	resolveSecret := opts.ResolveSecret
	if resolveSecret == nil {
		resolveSecret = func(string) (string, bool, error) { return "", false, nil }
	}
	hc := opts.HTTPClient

	s := &Service{
		log:           logger,
		cfg:           cfg,
		resolveSecret: resolveSecret,
		httpClient:    hc,
		registry:      NewRegistry(),
		events:        newEventBus(),
		threads:       make(map[uuid.UUID]*Thread),
		saving:        make(map[uuid.UUID]*sync.Mutex),
		idle:          make(chan struct{}),
	}
	close(s.idle)

	audit, err := auditlog.New(auditlog.Options{Logger: logger, Dir: filepath.Join(stateDir, "activity")})
	if err != nil {
		return nil, err
	}
	s.audit = audit

	db, err := threadstore.Open(filepath.Join(stateDir, "threads.sqlite"))
	if err != nil {
		return nil, err
	}
	s.db = db

	newIndex := opts.NewContentIndex
	if newIndex == nil {
		newIndex = s.buildContentIndex
	}
	content, err := contentstore.Open(contentstore.Options{
		Logger:  logger,
		Dir:     filepath.Join(stateDir, "blobs"),
		Handles: db,
		Index:   newIndex,
	})
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	s.content = content

	newAgent := opts.NewAgentClient
	if newAgent == nil {
		newAgent = s.buildAgentClient
	}
	newTranscriber := opts.NewTranscriber
	if newTranscriber == nil {
		newTranscriber = s.buildTranscriber
	}
	newNamer := opts.NewNamer
	if newNamer == nil {
		newNamer = s.buildNamer
	}
	s.newRemote = opts.NewRemoteStore
	if s.newRemote == nil {
		s.newRemote = s.buildRemoteStore
	}

	policy := CapabilityPolicy{ImageSearch: ImageSearchExclusive, WebSearchDefault: true}
	if c := cfg.Capabilities; c != nil {
		policy.ImageSearch = NormalizeImageSearchPolicy(c.ImageSearchPolicy)
		policy.WebSearchDefault = !c.WebSearchDisabled
	}
	historyLimit := cfg.HistoryLimit
	if historyLimit <= 0 {
		historyLimit = DefaultHistoryLimit
	}

	orch, err := NewOrchestrator(OrchestratorOptions{
		Logger:      logger,
		Registry:    s.registry,
		Content:     content,
		Agent:       newAgent,
		Transcriber: newTranscriber,
		Settings: AgentSettings{
			Name:         cfg.Agent.Name,
			Model:        cfg.Agent.Model,
			Instructions: cfg.Agent.Instructions,
			PhonePersona: cfg.Agent.PhonePersona,
		},
		Policy:       policy,
		HistoryLimit: historyLimit,
		events:       s.events,
	})
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	s.orch = orch
	s.rec = NewReconciler(ReconcilerOptions{
		Logger:       logger,
		Remote:       s.newRemote,
		Namer:        newNamer,
		PushInterval: opts.PushInterval,
		Registry:     s.registry,
		events:       s.events,
	})

	s.bgCtx, s.bgCancel = context.WithCancel(context.Background())
	s.unsubscribe = s.events.Subscribe(s.onEvent)
	return s, nil
}

func (s *Service) secret(name string) (string, error) {
	v, ok, err := s.resolveSecret(name)
	if err != nil {
		return "", fmt.Errorf("read secret %s: %w", name, err)
	}
	if !ok || strings.TrimSpace(v) == "" {
		return "", fmt.Errorf("%w: %s is not set", ErrNotConfigured, name)
	}
	return strings.TrimSpace(v), nil
}

func (s *Service) buildAgentClient() (AgentClient, error) {
	key, err := s.secret(secretAgentAPIKey)
	if err != nil {
		return nil, err
	}
	return agentapi.New(agentapi.Options{Logger: s.log, BaseURL: s.cfg.Agent.BaseURL, APIKey: key, HTTPClient: s.httpClient})
}

// buildContentIndex talks to the library endpoints with the agent key, on the index base URL when one is set.
func (s *Service) buildContentIndex() (contentstore.Index, error) {
	key, err := s.secret(secretAgentAPIKey)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", contentstore.ErrIndexUnavailable, err)
	}
	baseURL := s.cfg.Agent.BaseURL
	if s.cfg.Index != nil && strings.TrimSpace(s.cfg.Index.BaseURL) != "" {
		baseURL = s.cfg.Index.BaseURL
	}
	c, err := agentapi.New(agentapi.Options{Logger: s.log, BaseURL: baseURL, APIKey: key, HTTPClient: s.httpClient})
	if err != nil {
		return nil, err
	}
	return c.Index(), nil
}

func (s *Service) buildRemoteStore() (RemoteStore, error) {
	if s.cfg.RemoteStore == nil || strings.TrimSpace(s.cfg.RemoteStore.BaseURL) == "" {
		return nil, fmt.Errorf("%w: remote_store", ErrNotConfigured)
	}
	token, err := s.secret(secretRemoteStoreToken)
	if err != nil {
		return nil, err
	}
	return remotestore.New(remotestore.Options{Logger: s.log, BaseURL: s.cfg.RemoteStore.BaseURL, Token: token, HTTPClient: s.httpClient})
}

func (s *Service) buildNamer() (Namer, error) {
	n := s.cfg.Naming
	if n == nil {
		return nil, fmt.Errorf("%w: naming", ErrNotConfigured)
	}
	key, err := s.secret(secretNamingAPIKey)
	if err != nil {
		return nil, err
	}
	return newNamer(n.Type, n.BaseURL, key, n.Model)
}

func (s *Service) buildTranscriber() (Transcriber, error) {
	key, err := s.secret(secretTranscriptionAPIKey)
	if err != nil {
		return nil, err
	}
	var baseURL, model string
	if t := s.cfg.Transcription; t != nil {
		baseURL, model = t.BaseURL, t.Model
	}
	return newTranscriber(baseURL, key, model)
}

// onEvent keeps the local store in step with engine transitions that happen outside a service call.
func (s *Service) onEvent(ev Event) {
	switch ev.Kind {
	case EventRequestStarted, EventRequestCancelled, EventThreadUpdated:
		s.persistAsync(ev.ThreadID)
	}
	s.record(ev)
}

func (s *Service) record(ev Event) {
	e := auditlog.Entry{ThreadID: ev.ThreadID.String()}
	if ev.MessageID != uuid.Nil {
		e.MessageID = ev.MessageID.String()
	}
	switch ev.Kind {
	case EventRequestStarted:
		e.Action = auditlog.ActionRequestStarted
	case EventRequestCancelled:
		e.Action = auditlog.ActionRequestCancelled
	case EventRequestCompleted:
		e.Action = auditlog.ActionRequestCompleted
	case EventNotice:
		e.Action = auditlog.ActionSyncFailed
		e.Detail = map[string]any{"notice": ev.Text}
	default:
		return
	}
	if ev.Err != nil {
		e.Status = auditlog.StatusFailure
		e.Error = ev.Err.Error()
	}
	s.audit.Append(e)
}

// Activity returns recent engine activity, newest first.
func (s *Service) Activity(limit int) ([]auditlog.Entry, error) {
	return s.audit.List(limit)
}

func (s *Service) Close() error {
	if s == nil {
		return nil
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	if s.unsubscribe != nil {
		s.unsubscribe()
	}
	s.bgCancel()
	_ = s.Wait(context.Background())
	return s.db.Close()
}

// Wait blocks until background reconciliation and persistence have finished or ctx is done.
func (s *Service) Wait(ctx context.Context) error {
	for {
		s.mu.Lock()
		if s.pending == 0 {
			s.mu.Unlock()
			return nil
		}
		idle := s.idle
		s.mu.Unlock()

		select {
		case <-idle:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Subscribe registers fn for engine events. fn runs synchronously and must not block.
func (s *Service) Subscribe(fn func(Event)) func() {
	return s.events.Subscribe(fn)
}

func (s *Service) ready() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreNotReady
	}
	return nil
}

// goBackground runs fn on the service's background context unless the service is closing.
func (s *Service) goBackground(fn func(ctx context.Context)) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	if s.pending == 0 {
		s.idle = make(chan struct{})
	}
	s.pending++
	s.mu.Unlock()
	go func() {
		defer func() {
			s.mu.Lock()
			s.pending--
			if s.pending == 0 {
				close(s.idle)
			}
			s.mu.Unlock()
		}()
		fn(s.bgCtx)
	}()
}

type CreateThreadOptions struct {
	Name    string
	Context string
	Model   string
}

// CreateThread creates a local thread under a fresh client-chosen id.
func (s *Service) CreateThread(ctx context.Context, opts CreateThreadOptions) (ThreadInfo, error) {
	if err := s.ready(); err != nil {
		return ThreadInfo{}, err
	}
	name := strings.TrimSpace(opts.Name)
	if name == "" {
		name = DefaultThreadName
	}
	now := time.Now()
	th := NewThread(ThreadInfo{
		ID:        uuid.New(),
		Name:      name,
		CreatedAt: now,
		UpdatedAt: now,
		Context:   strings.TrimSpace(opts.Context),
		Model:     strings.TrimSpace(opts.Model),
		Status:    ThreadLocal,
	})
	s.mu.Lock()
	s.threads[th.ID()] = th
	s.mu.Unlock()
	if err := s.persist(ctx, th); err != nil {
		s.mu.Lock()
		delete(s.threads, th.ID())
		s.mu.Unlock()
		return ThreadInfo{}, err
	}
	s.log.Debug("thread created", "thread_id", th.ID())
	return th.Info(), nil
}

// Thread returns the loaded thread, reading it from the local store on first use.
func (s *Service) Thread(ctx context.Context, id uuid.UUID) (*Thread, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	th, ok := s.threads[id]
	s.mu.Unlock()
	if ok {
		return th, nil
	}

	rec, err := s.db.GetThread(ctx, id.String())
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, fmt.Errorf("%w: %s", ErrThreadNotFound, id)
	}
	msgs, err := s.db.ListMessages(ctx, id.String())
	if err != nil {
		return nil, err
	}
	loaded, err := threadFromRecord(*rec, msgs)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if th, ok := s.threads[id]; ok {
		return th, nil
	}
	s.threads[id] = loaded
	return loaded, nil
}

type ThreadSummary struct {
	ThreadInfo
	LastMessagePreview string `json:"last_message_preview"`
}

// ListThreads pages through local threads, most recently updated first.
func (s *Service) ListThreads(ctx context.Context, limit int, cursor string) ([]ThreadSummary, string, error) {
	if err := s.ready(); err != nil {
		return nil, "", err
	}
	c, ok := threadstore.DecodeCursor(cursor)
	if !ok {
		return nil, "", fmt.Errorf("invalid cursor %q", cursor)
	}
	recs, next, err := s.db.ListThreads(ctx, limit, c)
	if err != nil {
		return nil, "", err
	}
	out := make([]ThreadSummary, 0, len(recs))
	for _, r := range recs {
		info, ok := threadInfoFromRecord(r)
		if !ok {
			continue
		}
		out = append(out, ThreadSummary{ThreadInfo: info, LastMessagePreview: r.LastMessagePreview})
	}
	return out, next, nil
}

func (s *Service) RenameThread(ctx context.Context, id uuid.UUID, name string) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return errors.New("missing thread name")
	}
	th, err := s.Thread(ctx, id)
	if err != nil {
		return err
	}
	th.updateInfo(func(info *ThreadInfo) {
		info.Name = name
		info.UpdatedAt = time.Now()
	})
	s.events.publish(Event{Kind: EventThreadUpdated, ThreadID: id})
	return s.persist(ctx, th)
}

// DeleteThread removes a thread from the local store. The server copy, if any, is left alone.
func (s *Service) DeleteThread(ctx context.Context, id uuid.UUID) error {
	if err := s.ready(); err != nil {
		return err
	}
	if s.registry.Has(id) {
		return ErrThreadBusy
	}
	lock := s.saveLock(id)
	lock.Lock()
	defer lock.Unlock()

	s.mu.Lock()
	delete(s.threads, id)
	s.mu.Unlock()
	return s.db.DeleteThread(ctx, id.String())
}

// SendTurn runs one turn on thread id. The call blocks until the reply is folded in, the turn failed,
// or it was cancelled. Reconciliation with the remote store runs in the background afterwards.
func (s *Service) SendTurn(ctx context.Context, id uuid.UUID, in TurnInput) (TurnResult, error) {
	th, err := s.Thread(ctx, id)
	if err != nil {
		return TurnResult{}, err
	}
	res, err := s.orch.SendTurn(ctx, th, in)
	if err != nil {
		return res, err
	}
	if perr := s.persist(ctx, th); perr != nil {
		s.log.Warn("persist thread failed", "thread_id", id, "error", perr)
	}
	if res.Committed && !res.Failed {
		s.goBackground(func(ctx context.Context) {
			_ = s.rec.Reconcile(ctx, th)
			pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), defaultPersistTimeout)
			defer cancel()
			if err := s.persist(pctx, th); err != nil {
				s.log.Warn("persist thread failed", "thread_id", id, "error", err)
			}
		})
	}
	return res, nil
}

// Cancel abandons the pending turn of thread id and reports whether one was pending.
func (s *Service) Cancel(ctx context.Context, id uuid.UUID) (bool, error) {
	th, err := s.Thread(ctx, id)
	if err != nil {
		return false, err
	}
	if !s.orch.Cancel(th) {
		return false, nil
	}
	return true, s.persist(ctx, th)
}

// Share makes thread id server-resident, pushes its messages and returns a share code.
func (s *Service) Share(ctx context.Context, id uuid.UUID) (string, error) {
	th, err := s.Thread(ctx, id)
	if err != nil {
		return "", err
	}
	if s.registry.Has(id) {
		return "", ErrThreadBusy
	}
	store, err := s.newRemote()
	if err != nil {
		return "", err
	}
	if err := s.rec.EnsureRemote(ctx, th); err != nil {
		return "", err
	}
	if err := s.rec.SyncMessages(ctx, th); err != nil {
		return "", err
	}
	code, err := store.CreateShareCode(ctx, id.String())
	if err != nil {
		return "", fmt.Errorf("create share code: %w", err)
	}
	th.updateInfo(func(info *ThreadInfo) { info.Shareable = true })
	s.audit.Append(auditlog.Entry{Action: auditlog.ActionShareCreated, ThreadID: id.String()})
	if err := s.persist(ctx, th); err != nil {
		return "", err
	}
	return code, nil
}

// OpenShared fetches a shared thread and stores it locally.
func (s *Service) OpenShared(ctx context.Context, code string) (ThreadInfo, error) {
	if err := s.ready(); err != nil {
		return ThreadInfo{}, err
	}
	code = strings.TrimSpace(code)
	if code == "" {
		return ThreadInfo{}, errors.New("missing share code")
	}
	store, err := s.newRemote()
	if err != nil {
		return ThreadInfo{}, err
	}
	w, err := store.GetShared(ctx, code)
	if err != nil {
		if errors.Is(err, remotestore.ErrNotFound) {
			return ThreadInfo{}, fmt.Errorf("%w: share code %s", ErrThreadNotFound, code)
		}
		return ThreadInfo{}, err
	}
	w.Shareable = true
	th, added, err := s.adoptRemote(ctx, w)
	if err != nil {
		return ThreadInfo{}, err
	}
	s.audit.Append(auditlog.Entry{Action: auditlog.ActionSharedOpened, ThreadID: th.ID().String(), Detail: map[string]any{"messages_added": added}})
	return th.Info(), nil
}

// Pull merges the server copy of thread id into the local one and returns the number of new messages.
func (s *Service) Pull(ctx context.Context, id uuid.UUID) (int, error) {
	if err := s.ready(); err != nil {
		return 0, err
	}
	if s.registry.Has(id) {
		return 0, ErrThreadBusy
	}
	store, err := s.newRemote()
	if err != nil {
		return 0, err
	}
	w, err := store.GetThread(ctx, id.String())
	if err != nil {
		if errors.Is(err, remotestore.ErrNotFound) {
			return 0, fmt.Errorf("%w: %s", ErrThreadNotFound, id)
		}
		return 0, err
	}
	_, added, err := s.adoptRemote(ctx, w)
	return added, err
}

// PullAll merges every thread the remote store lists. Threads that are busy locally are skipped.
func (s *Service) PullAll(ctx context.Context) (int, error) {
	if err := s.ready(); err != nil {
		return 0, err
	}
	store, err := s.newRemote()
	if err != nil {
		return 0, err
	}
	list, err := store.ListThreads(ctx)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, summary := range list {
		id, err := uuid.Parse(strings.TrimSpace(summary.ID))
		if err != nil {
			continue
		}
		if s.registry.Has(id) {
			continue
		}
		w, err := store.GetThread(ctx, id.String())
		if err != nil {
			s.log.Warn("pull thread failed", "thread_id", id, "error", err)
			continue
		}
		if _, _, err := s.adoptRemote(ctx, w); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

// adoptRemote merges w into the local thread with the same id, creating it when absent.
func (s *Service) adoptRemote(ctx context.Context, w remotestore.Thread) (*Thread, int, error) {
	info, ok := threadInfoFromWire(w)
	if !ok {
		return nil, 0, fmt.Errorf("remote thread has invalid id %q", w.ID)
	}
	th, err := s.Thread(ctx, info.ID)
	if err != nil {
		if !errors.Is(err, ErrThreadNotFound) {
			return nil, 0, err
		}
		th = NewThread(info)
		s.mu.Lock()
		if existing, ok := s.threads[info.ID]; ok {
			th = existing
		} else {
			s.threads[info.ID] = th
		}
		s.mu.Unlock()
	}
	added := mergeRemote(th, w)
	if err := s.persist(ctx, th); err != nil {
		return nil, 0, err
	}
	s.events.publish(Event{Kind: EventThreadUpdated, ThreadID: info.ID})
	return th, added, nil
}

func (s *Service) WhoAmI(ctx context.Context) (remotestore.User, error) {
	store, err := s.newRemote()
	if err != nil {
		return remotestore.User{}, err
	}
	return store.WhoAmI(ctx)
}

// RequestState reports whether thread id has a turn in flight.
func (s *Service) RequestState(id uuid.UUID) RequestState {
	return s.registry.State(id)
}

// ActiveRequests lists the threads with a pending turn.
func (s *Service) ActiveRequests() []ActiveRequest {
	return s.registry.Active()
}

func (s *Service) saveLock(id uuid.UUID) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.saving[id]
	if !ok {
		l = &sync.Mutex{}
		s.saving[id] = l
	}
	return l
}

// persist writes the current snapshot of th. The snapshot is taken under the per-thread save lock,
// so the last save to finish always holds the newest state.
func (s *Service) persist(ctx context.Context, th *Thread) error {
	lock := s.saveLock(th.ID())
	lock.Lock()
	defer lock.Unlock()

	s.mu.Lock()
	cached, ok := s.threads[th.ID()]
	s.mu.Unlock()
	if !ok || cached != th {
		// Deleted meanwhile.
		return nil
	}
	rec, msgs := threadRecord(th)
	return s.db.SaveThread(ctx, rec, msgs)
}

func (s *Service) persistAsync(id uuid.UUID) {
	s.mu.Lock()
	th, ok := s.threads[id]
	s.mu.Unlock()
	if !ok {
		return
	}
	s.goBackground(func(ctx context.Context) {
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), defaultPersistTimeout)
		defer cancel()
		if err := s.persist(ctx, th); err != nil {
			s.log.Warn("persist thread failed", "thread_id", id, "error", err)
		}
	})
}
