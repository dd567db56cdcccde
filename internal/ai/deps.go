package ai

import (
	"context"
	"errors"

	"github.com/floegence/threadline/internal/agentapi"
	"github.com/floegence/threadline/internal/remotestore"
)

var (
	ErrNotConfigured  = errors.New("not configured")
	ErrThreadBusy     = errors.New("thread already has a pending request")
	ErrThreadNotFound = errors.New("thread not found")
	ErrInvalidParent  = errors.New("invalid parent message")
	ErrEmptyTurn      = errors.New("empty turn")
	ErrStoreNotReady  = errors.New("service not ready")
)

// AgentClient is the agent-provider surface used by the orchestrator. *agentapi.Client implements it.
type AgentClient interface {
	EnsureAgent(ctx context.Context, name string, model string) (string, error)
	UpdateAgent(ctx context.Context, agentID string, upd agentapi.AgentUpdate) error
	StartConversation(ctx context.Context, agentID string, inputs []agentapi.Input) (agentapi.Conversation, error)
	DownloadFile(ctx context.Context, fileID string) ([]byte, error)
	FetchURL(ctx context.Context, rawURL string) ([]byte, error)
}

// RemoteStore is the server of record. *remotestore.Client implements it.
type RemoteStore interface {
	CreateThread(ctx context.Context, th remotestore.Thread) error
	ListThreads(ctx context.Context) ([]remotestore.Thread, error)
	GetThread(ctx context.Context, id string) (remotestore.Thread, error)
	GetShared(ctx context.Context, code string) (remotestore.Thread, error)
	AppendMessages(ctx context.Context, threadID string, msgs []remotestore.Message) error
	CreateShareCode(ctx context.Context, threadID string) (string, error)
	WhoAmI(ctx context.Context) (remotestore.User, error)
}

// Namer derives a short thread title from its history.
type Namer interface {
	Name(ctx context.Context, history []Turn) (string, error)
}

type Transcript struct {
	Text     string
	Language string
}

type Transcriber interface {
	Transcribe(ctx context.Context, audio AudioInput) (Transcript, error)
}
