package ai

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/floegence/threadline/internal/remotestore"
)

const DefaultThreadName = "New conversation"

type ReconcilerOptions struct {
	Logger *slog.Logger
	// Remote returns the server of record; ErrNotConfigured disables reconciliation.
	Remote func() (RemoteStore, error)
	// Namer is optional; without it threads are created under their current or default name.
	Namer func() (Namer, error)

	// PushInterval paces remote writes. Zero means 200ms with a burst of 4.
	PushInterval time.Duration

	// Registry holds the threads' pending turns, which are never pushed. Optional.
	Registry *Registry

	events *eventBus
}

// Reconciler pushes local threads to the server of record. It never rolls local state back:
// failures surface as notices and are retried on the next turn.
type Reconciler struct {
	log     *slog.Logger
	remote  func() (RemoteStore, error)
	namer   func() (Namer, error)
	limiter  *rate.Limiter
	events   *eventBus
	registry *Registry

	mu    sync.Mutex
	locks map[uuid.UUID]*sync.Mutex
}

func NewReconciler(opts ReconcilerOptions) *Reconciler {
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	remote := opts.Remote
	if remote == nil {
		remote = func() (RemoteStore, error) { return nil, fmt.Errorf("%w: remote store", ErrNotConfigured) }
	}
	interval := opts.PushInterval
	if interval <= 0 {
		interval = 200 * time.Millisecond
	}
	events := opts.events
	if events == nil {
		events = newEventBus()
	}
	return &Reconciler{
		log:     logger,
		remote:  remote,
		namer:   opts.Namer,
		limiter:  rate.NewLimiter(rate.Every(interval), 4),
		events:   events,
		registry: opts.Registry,
		locks:    make(map[uuid.UUID]*sync.Mutex),
	}
}

func (r *Reconciler) lockThread(id uuid.UUID) func() {
	r.mu.Lock()
	l, ok := r.locks[id]
	if !ok {
		l = &sync.Mutex{}
		r.locks[id] = l
	}
	r.mu.Unlock()
	l.Lock()
	return l.Unlock
}

// Reconcile makes th server-resident and pushes its unsynced messages. Failures are published as
// notices and returned; local state is kept either way.
func (r *Reconciler) Reconcile(ctx context.Context, th *Thread) error {
	if th == nil {
		return nil
	}
	unlock := r.lockThread(th.ID())
	defer unlock()

	store, err := r.remote()
	if err != nil {
		if errors.Is(err, ErrNotConfigured) {
			return nil
		}
		return r.notice(th.ID(), "sync unavailable", err)
	}
	if err := r.ensureRemote(ctx, store, th); err != nil {
		return r.notice(th.ID(), "could not save conversation", err)
	}
	if err := r.syncMessages(ctx, store, th); err != nil {
		return r.notice(th.ID(), "could not sync messages", err)
	}
	return nil
}

// EnsureRemote creates th on the server of record when it is still local.
func (r *Reconciler) EnsureRemote(ctx context.Context, th *Thread) error {
	if th == nil {
		return nil
	}
	unlock := r.lockThread(th.ID())
	defer unlock()
	store, err := r.remote()
	if err != nil {
		return err
	}
	return r.ensureRemote(ctx, store, th)
}

// SyncMessages pushes settled local messages. See pushable.
func (r *Reconciler) SyncMessages(ctx context.Context, th *Thread) error {
	if th == nil {
		return nil
	}
	unlock := r.lockThread(th.ID())
	defer unlock()
	store, err := r.remote()
	if err != nil {
		return err
	}
	return r.syncMessages(ctx, store, th)
}

func (r *Reconciler) ensureRemote(ctx context.Context, store RemoteStore, th *Thread) error {
	info := th.Info()
	if info.Status == ThreadRemote {
		return nil
	}
	name := strings.TrimSpace(info.Name)
	if name == "" || name == DefaultThreadName {
		name = r.deriveName(ctx, th)
	}
	wire := toWireThread(info)
	wire.Name = name
	if err := r.limiter.Wait(ctx); err != nil {
		return err
	}
	if err := store.CreateThread(ctx, wire); err != nil {
		return fmt.Errorf("create remote thread: %w", err)
	}
	th.updateInfo(func(ti *ThreadInfo) {
		ti.Status = ThreadRemote
		ti.Name = name
	})
	r.events.publish(Event{Kind: EventThreadUpdated, ThreadID: info.ID})
	r.log.Info("thread is now remote", "thread_id", info.ID, "name", name)
	return nil
}

// deriveName asks the namer for a title. It falls back to the current or default name.
func (r *Reconciler) deriveName(ctx context.Context, th *Thread) string {
	fallback := strings.TrimSpace(th.Info().Name)
	if fallback == "" {
		fallback = DefaultThreadName
	}
	if r.namer == nil {
		return fallback
	}
	n, err := r.namer()
	if err != nil {
		if !errors.Is(err, ErrNotConfigured) {
			r.log.Warn("naming unavailable", "thread_id", th.ID(), "error", err)
		}
		return fallback
	}
	latest, ok := th.LatestActive(uuid.Nil)
	if !ok {
		return fallback
	}
	name, err := n.Name(ctx, th.HistoryTo(latest.ID, namingHistoryTurns))
	if err != nil {
		r.log.Warn("naming failed", "thread_id", th.ID(), "error", err)
		return fallback
	}
	return name
}

func (r *Reconciler) syncMessages(ctx context.Context, store RemoteStore, th *Thread) error {
	var batch []remotestore.Message
	var ids []uuid.UUID
	for _, m := range r.pushable(th) {
		batch = append(batch, toWireMessage(m))
		ids = append(ids, m.ID)
	}
	if len(batch) == 0 {
		return nil
	}
	if err := r.limiter.Wait(ctx); err != nil {
		return err
	}
	if err := store.AppendMessages(ctx, th.ID().String(), batch); err != nil {
		return fmt.Errorf("append messages: %w", err)
	}
	for _, id := range ids {
		// A message cancelled after the snapshot was taken stays cancelled.
		if err := th.setStatus(id, MessageSynced); err != nil && !errors.Is(err, ErrMessageFrozen) && !errors.Is(err, ErrMessageMissing) {
			r.log.Warn("mark synced failed", "thread_id", th.ID(), "message_id", id, "error", err)
		}
	}
	r.events.publish(Event{Kind: EventThreadUpdated, ThreadID: th.ID()})
	return nil
}

// pushable returns the local messages that may reach the server, in arrival order.
//
// A user message is pushed only together with a settled reply: while its turn is in flight the turn
// may still fail and cancel it, and a user turn whose replies were all cancelled is pruned locally
// before the next turn. Spinning placeholders and the registry's pending turn are never pushed.
func (r *Reconciler) pushable(th *Thread) []Message {
	msgs := th.Messages()

	var pending ActiveRequest
	var hasPending bool
	if r.registry != nil {
		pending, hasPending = r.registry.Pending(th.ID())
	}

	settledReply := make(map[string]bool, len(msgs))
	for _, m := range msgs {
		if m.Sender == SenderAssistant && m.Status != MessageCancelled && !m.spinning() {
			settledReply[m.ParentID] = true
		}
	}

	skip := make(map[string]bool)
	if hasPending {
		skip[pending.PendingMessageID.String()] = true
		if p, ok := th.Lookup(pending.PendingMessageID); ok {
			skip[p.ParentID] = true
		}
	}

	out := make([]Message, 0, len(msgs))
	for _, m := range msgs {
		if m.Status != MessageLocal || m.spinning() || skip[m.ID.String()] {
			continue
		}
		if m.Sender == SenderUser && !settledReply[m.ID.String()] {
			continue
		}
		out = append(out, m)
	}
	return out
}

func (r *Reconciler) notice(threadID uuid.UUID, text string, err error) error {
	r.log.Warn(text, "thread_id", threadID, "error", err)
	r.events.publish(Event{Kind: EventNotice, ThreadID: threadID, Text: text, Err: err})
	return err
}
