// Package ai is the conversation state engine behind threadline.
//
// Design notes:
//   - A Thread owns a forest of Messages linked by parent references; edits and regenerations create siblings.
//   - Generation is single-flight per thread (see Registry). Cancellation never aborts the network call, it only
//     discards its result at the commit point.
//   - Local state is authoritative for the session in progress; the Reconciler pushes it to the server of record
//     on a best-effort basis.
package ai

import (
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/floegence/threadline/internal/ai/contentstore"
)

// RootParent is the parent id of a message that starts a branch.
const RootParent = "root"

// LoadingText is the spinner sentinel carried by an assistant placeholder until fold-in.
const LoadingText = "…loading…"

type Sender string

const (
	SenderUser      Sender = "user"
	SenderAssistant Sender = "assistant"
)

func (s Sender) role() string {
	if s == SenderAssistant {
		return "assistant"
	}
	return "user"
}

type MessageStatus string

const (
	MessageLocal     MessageStatus = "local"
	MessageSynced    MessageStatus = "synced"
	MessageCancelled MessageStatus = "cancelled"
)

type ThreadStatus string

const (
	ThreadLocal  ThreadStatus = "local"
	ThreadRemote ThreadStatus = "remote"
)

type AttachmentKind string

const (
	KindFile  AttachmentKind = "file"
	KindImage AttachmentKind = "image"
	KindVideo AttachmentKind = "video"
	KindAudio AttachmentKind = "audio"
)

// KindForMime maps a mime type to the attachment kind used by the renderer.
func KindForMime(mimeType string) AttachmentKind {
	mt := strings.ToLower(strings.TrimSpace(mimeType))
	switch {
	case strings.HasPrefix(mt, "image/"):
		return KindImage
	case strings.HasPrefix(mt, "video/"):
		return KindVideo
	case strings.HasPrefix(mt, "audio/"):
		return KindAudio
	default:
		return KindFile
	}
}

// ContentRef is a content-addressed blob: SHA-256 hex plus a base64 payload or an external URL.
type ContentRef = contentstore.Ref

type AttachmentRef struct {
	FileName string         `json:"file_name"`
	MimeType string         `json:"mime_type"`
	Kind     AttachmentKind `json:"kind"`

	// LibraryHandle is empty until the content has been indexed remotely.
	LibraryHandle string        `json:"library_handle,omitempty"`
	Status        MessageStatus `json:"status"`
	Content       ContentRef    `json:"content"`
}

type Message struct {
	ID       uuid.UUID `json:"id"`
	ThreadID uuid.UUID `json:"thread_id"`
	Sender   Sender    `json:"sender"`
	Text     string    `json:"text"`
	Thinking string    `json:"thinking,omitempty"`

	// Timestamp may be zero when a remote copy carried no usable value.
	Timestamp time.Time `json:"timestamp"`

	// ParentID is RootParent, the id of another message in the same thread, or empty (null).
	ParentID string `json:"parent_id"`

	Status      MessageStatus   `json:"status"`
	Attachments []AttachmentRef `json:"attachments,omitempty"`

	seq int64
}

// Seq is the insertion sequence number assigned by Thread.Append.
func (m Message) Seq() int64 { return m.seq }

func (m Message) spinning() bool {
	return m.Sender == SenderAssistant && m.Status == MessageLocal && m.Text == LoadingText
}

func (m Message) clone() Message {
	out := m
	if len(m.Attachments) > 0 {
		out.Attachments = append([]AttachmentRef(nil), m.Attachments...)
	}
	return out
}

// ThreadInfo holds the structural fields of a thread.
type ThreadInfo struct {
	ID        uuid.UUID    `json:"id"`
	Name      string       `json:"name"`
	CreatedAt time.Time    `json:"created_at"`
	UpdatedAt time.Time    `json:"updated_at"`
	Context   string       `json:"context"`
	Model     string       `json:"model"`
	Status    ThreadStatus `json:"status"`
	Shareable bool         `json:"shareable"`
}

// Turn is one history entry in the form the remote agent expects.
type Turn struct {
	MessageID uuid.UUID `json:"-"`
	Role      string    `json:"role"`
	Content   string    `json:"content"`
}

// FileInput is a file attached to a new user turn.
type FileInput struct {
	Name     string
	MimeType string
	Data     []byte
}

// AudioInput is a recorded turn that is transcribed before dispatch.
type AudioInput struct {
	Name     string
	MimeType string
	Data     []byte
}

// CapabilityHints are caller requests that feed capability selection.
type CapabilityHints struct {
	// ImageGeneration requests image-generation mode.
	ImageGeneration bool
	// WebSearch overrides the default web-search decision when non-nil.
	WebSearch *bool
}

// TurnInput is one new user turn.
type TurnInput struct {
	Text  string
	Audio *AudioInput
	Files []FileInput
	Hints CapabilityHints

	// ParentID branches the turn from an existing message (edit/regenerate). When empty the turn
	// continues from the thread's latest active message.
	ParentID string
}

// TurnResult reports the messages a turn created.
type TurnResult struct {
	UserMessageID      uuid.UUID
	AssistantMessageID uuid.UUID

	// Committed is false when the turn was cancelled before its result could be folded in.
	Committed bool
	// Failed is true when the provider call failed; the assistant text carries the error.
	Failed bool
}
