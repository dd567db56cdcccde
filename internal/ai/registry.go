package ai

import (
	"sort"
	"sync"

	"github.com/google/uuid"
)

// RequestState is the per-thread generation state.
type RequestState string

const (
	RequestIdle      RequestState = "idle"
	RequestPending   RequestState = "pending"
	RequestCompleted RequestState = "completed"
	RequestCancelled RequestState = "cancelled"
)

// ActiveRequest is the single-flight lock for one thread. It is never persisted.
type ActiveRequest struct {
	ThreadID         uuid.UUID
	PendingMessageID uuid.UUID
}

// Registry tracks at most one in-flight generation per thread.
//
// Every mutation is a check-and-set under one mutex, so a cancel can never interleave with the
// commit that folds a response into the thread (see Settle).
type Registry struct {
	mu     sync.Mutex
	active map[uuid.UUID]ActiveRequest
}

func NewRegistry() *Registry {
	return &Registry{active: make(map[uuid.UUID]ActiveRequest)}
}

// Start moves threadID from Idle to Pending. It returns ErrThreadBusy when a request is already pending.
func (r *Registry) Start(threadID uuid.UUID, placeholderID uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.active[threadID]; ok {
		return ErrThreadBusy
	}
	r.active[threadID] = ActiveRequest{ThreadID: threadID, PendingMessageID: placeholderID}
	return nil
}

// Cancel moves a pending request to Cancelled and removes it.
func (r *Registry) Cancel(threadID uuid.UUID) (ActiveRequest, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	req, ok := r.active[threadID]
	if ok {
		delete(r.active, threadID)
	}
	return req, ok
}

// Complete moves a pending request to Completed and removes it.
func (r *Registry) Complete(threadID uuid.UUID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.active[threadID]; !ok {
		return false
	}
	delete(r.active, threadID)
	return true
}

// Settle completes the request for placeholderID and runs commit while still holding the registry,
// so a concurrent Cancel either happens entirely before (commit is skipped) or entirely after.
// It reports whether commit ran.
func (r *Registry) Settle(threadID uuid.UUID, placeholderID uuid.UUID, commit func()) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	req, ok := r.active[threadID]
	if !ok || req.PendingMessageID != placeholderID {
		return false
	}
	if commit != nil {
		commit()
	}
	delete(r.active, threadID)
	return true
}

func (r *Registry) Has(threadID uuid.UUID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.active[threadID]
	return ok
}

func (r *Registry) Pending(threadID uuid.UUID) (ActiveRequest, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	req, ok := r.active[threadID]
	return req, ok
}

// State reports Pending while a request is registered and Idle otherwise. Completed and Cancelled are
// transitions, not resting states.
func (r *Registry) State(threadID uuid.UUID) RequestState {
	if r.Has(threadID) {
		return RequestPending
	}
	return RequestIdle
}

// Active lists pending requests ordered by thread id.
func (r *Registry) Active() []ActiveRequest {
	r.mu.Lock()
	out := make([]ActiveRequest, 0, len(r.active))
	for _, req := range r.active {
		out = append(out, req)
	}
	r.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ThreadID.String() < out[j].ThreadID.String() })
	return out
}
