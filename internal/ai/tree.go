package ai

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	ErrMessageExists  = errors.New("message already exists")
	ErrMessageMissing = errors.New("message not found")
	ErrMessageFrozen  = errors.New("message is frozen")
	ErrParentCycle    = errors.New("message would become its own ancestor")
	ErrWrongThread    = errors.New("message belongs to another thread")
)

// Thread is one conversation: structural fields plus a forest of messages kept in arrival order.
//
// All access goes through methods; observers may read while the orchestrator that owns the
// in-flight turn mutates.
type Thread struct {
	mu       sync.RWMutex
	info     ThreadInfo
	messages []*Message
	byID     map[uuid.UUID]*Message
	nextSeq  int64
}

func NewThread(info ThreadInfo) *Thread {
	if info.Status == "" {
		info.Status = ThreadLocal
	}
	if info.CreatedAt.IsZero() {
		info.CreatedAt = time.Now()
	}
	if info.UpdatedAt.IsZero() {
		info.UpdatedAt = info.CreatedAt
	}
	return &Thread{info: info, byID: make(map[uuid.UUID]*Message)}
}

func (t *Thread) ID() uuid.UUID {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.info.ID
}

func (t *Thread) Info() ThreadInfo {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.info
}

func (t *Thread) updateInfo(fn func(*ThreadInfo)) {
	t.mu.Lock()
	fn(&t.info)
	t.mu.Unlock()
}

// Len returns the number of messages in the thread.
func (t *Thread) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.messages)
}

// Messages returns a snapshot of all messages in arrival order.
func (t *Thread) Messages() []Message {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]Message, 0, len(t.messages))
	for _, m := range t.messages {
		out = append(out, m.clone())
	}
	return out
}

func (t *Thread) Lookup(id uuid.UUID) (Message, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	m, ok := t.byID[id]
	if !ok {
		return Message{}, false
	}
	return m.clone(), true
}

// Children returns the direct replies of parentID in arrival order. Pass RootParent for branch roots.
func (t *Thread) Children(parentID string) []Message {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var out []Message
	for _, m := range t.messages {
		if m.ParentID == parentID {
			out = append(out, m.clone())
		}
	}
	return out
}

// Append inserts m at the end of the arrival order. It does not reorder by timestamp.
//
// A parent that does not (yet) resolve is accepted; history walks stop there. A parent chain that
// would lead back to m is rejected.
func (t *Thread) Append(m Message) error {
	if m.ID == uuid.Nil {
		return errors.New("missing message id")
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	if m.ThreadID == uuid.Nil {
		m.ThreadID = t.info.ID
	}
	if m.ThreadID != t.info.ID {
		return ErrWrongThread
	}
	if _, ok := t.byID[m.ID]; ok {
		return fmt.Errorf("%w: %s", ErrMessageExists, m.ID)
	}
	if m.Status == "" {
		m.Status = MessageLocal
	}
	if t.reachesLocked(m.ParentID, m.ID) {
		return ErrParentCycle
	}

	t.nextSeq++
	m.seq = t.nextSeq
	cp := m.clone()
	t.messages = append(t.messages, &cp)
	t.byID[cp.ID] = &cp
	return nil
}

// reachesLocked reports whether walking up from parentID arrives at target.
func (t *Thread) reachesLocked(parentID string, target uuid.UUID) bool {
	cur := parentID
	for hops := 0; hops <= len(t.messages); hops++ {
		id, ok := parseMessageRef(cur)
		if !ok {
			return false
		}
		if id == target {
			return true
		}
		m, ok := t.byID[id]
		if !ok {
			return false
		}
		cur = m.ParentID
	}
	return false
}

func parseMessageRef(ref string) (uuid.UUID, bool) {
	ref = strings.TrimSpace(ref)
	if ref == "" || ref == RootParent {
		return uuid.Nil, false
	}
	id, err := uuid.Parse(ref)
	if err != nil {
		return uuid.Nil, false
	}
	return id, true
}

// HistoryTo walks parent pointers from leafID upward and returns at most limit turns, oldest first.
//
// The walk stops at the root, at a pointer that does not resolve, or after len(messages) hops.
// A broken chain truncates the history; it is never an error. limit <= 0 yields no history.
func (t *Thread) HistoryTo(leafID uuid.UUID, limit int) []Turn {
	if limit <= 0 {
		return nil
	}
	t.mu.RLock()
	defer t.mu.RUnlock()

	path := make([]Turn, 0, min(limit, len(t.messages)))
	cur := leafID.String()
	seen := make(map[uuid.UUID]struct{}, len(t.messages))
	for len(path) < limit {
		id, ok := parseMessageRef(cur)
		if !ok {
			break
		}
		if _, dup := seen[id]; dup {
			break
		}
		seen[id] = struct{}{}
		m, ok := t.byID[id]
		if !ok {
			break
		}
		path = append(path, Turn{MessageID: m.ID, Role: m.Sender.role(), Content: m.Text})
		cur = m.ParentID
	}

	for i, j := 0, len(path)-1; i < j; i, j = i+1, j-1 {
		path[i], path[j] = path[j], path[i]
	}
	return path
}

// LatestActive selects the message with the greatest resolved timestamp, ties broken by arrival order.
//
// Assistant placeholders that are still spinning are skipped unless their id is ownPending. A zero
// timestamp resolves to the latest valid timestamp seen earlier in arrival order, which keeps the
// order total.
func (t *Thread) LatestActive(ownPending uuid.UUID) (Message, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var (
		best    *Message
		bestTS  time.Time
		carried time.Time
	)
	for _, m := range t.messages {
		ts := m.Timestamp
		if ts.IsZero() || ts.Year() < 1970 {
			ts = carried
		} else if ts.After(carried) {
			carried = ts
		}
		if m.spinning() && m.ID != ownPending {
			continue
		}
		if best == nil || !ts.Before(bestTS) {
			best = m
			bestTS = ts
		}
	}
	if best == nil {
		return Message{}, false
	}
	return best.clone(), true
}

// PruneCancelled removes cancelled messages. With includeUserTurn it also removes user messages whose
// only reply is cancelled, so a retry does not leave a dead-end branch behind.
func (t *Thread) PruneCancelled(includeUserTurn bool) []uuid.UUID {
	t.mu.Lock()
	defer t.mu.Unlock()

	drop := make(map[uuid.UUID]struct{})
	for _, m := range t.messages {
		if m.Status == MessageCancelled {
			drop[m.ID] = struct{}{}
		}
	}
	if len(drop) == 0 {
		return nil
	}
	if includeUserTurn {
		children := make(map[string][]*Message, len(t.messages))
		for _, m := range t.messages {
			children[m.ParentID] = append(children[m.ParentID], m)
		}
		for _, m := range t.messages {
			if m.Sender != SenderUser {
				continue
			}
			kids := children[m.ID.String()]
			if len(kids) == 1 && kids[0].Status == MessageCancelled {
				drop[m.ID] = struct{}{}
			}
		}
	}

	removed := make([]uuid.UUID, 0, len(drop))
	kept := t.messages[:0]
	for _, m := range t.messages {
		if _, ok := drop[m.ID]; ok {
			removed = append(removed, m.ID)
			delete(t.byID, m.ID)
			continue
		}
		kept = append(kept, m)
	}
	for i := len(kept); i < len(t.messages); i++ {
		t.messages[i] = nil
	}
	t.messages = kept
	return removed
}

// finalize writes the folded-in body of a message that is still local.
func (t *Thread) finalize(id uuid.UUID, text string, thinking string, attachments []AttachmentRef) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	m, ok := t.byID[id]
	if !ok {
		return ErrMessageMissing
	}
	if m.Status != MessageLocal {
		return ErrMessageFrozen
	}
	m.Text = text
	m.Thinking = thinking
	m.Attachments = append(m.Attachments, attachments...)
	return nil
}

// setStatus moves a message out of Local. Synced and Cancelled are terminal.
func (t *Thread) setStatus(id uuid.UUID, status MessageStatus) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	m, ok := t.byID[id]
	if !ok {
		return ErrMessageMissing
	}
	if m.Status == status {
		return nil
	}
	if m.Status != MessageLocal {
		return ErrMessageFrozen
	}
	m.Status = status
	if status == MessageSynced {
		for i := range m.Attachments {
			m.Attachments[i].Status = MessageSynced
		}
	}
	return nil
}

// setAttachmentHandle records a library handle resolved after the message was created.
func (t *Thread) setAttachmentHandle(id uuid.UUID, hash string, handle string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	m, ok := t.byID[id]
	if !ok {
		return
	}
	for i := range m.Attachments {
		if m.Attachments[i].Content.Hash == hash && m.Attachments[i].LibraryHandle == "" {
			m.Attachments[i].LibraryHandle = handle
		}
	}
}

// branch returns the messages from leafID up to the root, leaf first.
func (t *Thread) branch(leafID string) []Message {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var out []Message
	cur := leafID
	for hops := 0; hops <= len(t.messages); hops++ {
		id, ok := parseMessageRef(cur)
		if !ok {
			break
		}
		m, ok := t.byID[id]
		if !ok {
			break
		}
		out = append(out, m.clone())
		cur = m.ParentID
	}
	return out
}

// libraryHandles returns the distinct library handles attached along the branch ending at leafID.
func (t *Thread) libraryHandles(leafID string) []string {
	var out []string
	seen := map[string]struct{}{}
	for _, m := range t.branch(leafID) {
		for _, a := range m.Attachments {
			h := strings.TrimSpace(a.LibraryHandle)
			if h == "" {
				continue
			}
			if _, dup := seen[h]; dup {
				continue
			}
			seen[h] = struct{}{}
			out = append(out, h)
		}
	}
	return out
}
