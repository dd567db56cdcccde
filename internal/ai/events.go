package ai

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

type EventKind string

const (
	EventThreadUpdated    EventKind = "thread_updated"
	EventRequestStarted   EventKind = "request_started"
	EventRequestCancelled EventKind = "request_cancelled"
	EventRequestCompleted EventKind = "request_completed"
	// EventNotice is a non-blocking user notification (e.g. a failed sync).
	EventNotice EventKind = "notice"
)

type Event struct {
	Kind      EventKind
	ThreadID  uuid.UUID
	MessageID uuid.UUID
	Text      string
	Err       error
	At        time.Time
}

// eventBus fans engine notifications out to subscribers. Delivery is synchronous, in publish order;
// subscribers must not block.
type eventBus struct {
	mu   sync.RWMutex
	next int
	subs map[int]func(Event)
}

func newEventBus() *eventBus {
	return &eventBus{subs: make(map[int]func(Event))}
}

// Subscribe registers fn and returns a function that removes it.
func (b *eventBus) Subscribe(fn func(Event)) func() {
	if b == nil || fn == nil {
		return func() {}
	}
	b.mu.Lock()
	id := b.next
	b.next++
	b.subs[id] = fn
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
		})
	}
}

func (b *eventBus) publish(ev Event) {
	if b == nil {
		return
	}
	if ev.At.IsZero() {
		ev.At = time.Now()
	}
	b.mu.RLock()
	ids := make([]int, 0, len(b.subs))
	for id := range b.subs {
		ids = append(ids, id)
	}
	fns := make([]func(Event), 0, len(ids))
	sort.Ints(ids)
	for _, id := range ids {
		fns = append(fns, b.subs[id])
	}
	b.mu.RUnlock()

	for _, fn := range fns {
		fn(ev)
	}
}
