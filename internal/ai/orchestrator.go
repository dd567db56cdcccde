package ai

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/floegence/threadline/internal/agentapi"
	"github.com/floegence/threadline/internal/ai/contentstore"
)

const (
	DefaultHistoryLimit = 20
	DefaultAgentName    = "threadline"
)

// AgentSettings describe the agent descriptor the orchestrator keeps up to date.
type AgentSettings struct {
	Name         string
	Model        string
	Instructions string
	// PhonePersona prefixes the instructions for turns that came in as audio.
	PhonePersona string
}

type OrchestratorOptions struct {
	Logger   *slog.Logger
	Registry *Registry
	Content  *contentstore.Store

	// Agent returns the provider client. It must fail with ErrNotConfigured when credentials are missing.
	Agent       func() (AgentClient, error)
	Transcriber func() (Transcriber, error)

	Settings     AgentSettings
	Policy       CapabilityPolicy
	HistoryLimit int

	events *eventBus
}

// Orchestrator runs one user turn end to end: history, capability selection, the remote call and
// the fold-in of its result.
type Orchestrator struct {
	log      *slog.Logger
	registry *Registry
	content  *contentstore.Store

	agent       func() (AgentClient, error)
	transcriber func() (Transcriber, error)

	settings     AgentSettings
	policy       CapabilityPolicy
	historyLimit int

	events *eventBus
	now    func() time.Time
}

func NewOrchestrator(opts OrchestratorOptions) (*Orchestrator, error) {
	if opts.Registry == nil {
		return nil, errors.New("missing Registry")
	}
	if opts.Content == nil {
		return nil, errors.New("missing Content")
	}
	if opts.Agent == nil {
		return nil, errors.New("missing Agent")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	transcriber := opts.Transcriber
	if transcriber == nil {
		transcriber = func() (Transcriber, error) {
			return nil, fmt.Errorf("%w: transcription", ErrNotConfigured)
		}
	}
	settings := opts.Settings
	if strings.TrimSpace(settings.Name) == "" {
		settings.Name = DefaultAgentName
	}
	limit := opts.HistoryLimit
	if limit == 0 {
		limit = DefaultHistoryLimit
	}
	events := opts.events
	if events == nil {
		events = newEventBus()
	}
	return &Orchestrator{
		log:          logger,
		registry:     opts.Registry,
		content:      opts.Content,
		agent:        opts.Agent,
		transcriber:  transcriber,
		settings:     settings,
		policy:       opts.Policy,
		historyLimit: limit,
		events:       events,
		now:          time.Now,
	}, nil
}

// SendTurn appends a user turn plus an assistant placeholder to th and generates the reply.
//
// Configuration errors, a busy thread and invalid input return an error before the thread is touched.
// A failed remote call is not an error: it is folded into the placeholder and both messages end up
// Cancelled (TurnResult.Failed). A turn cancelled while the call was in flight returns
// Committed=false and leaves the thread as Cancel left it.
func (o *Orchestrator) SendTurn(ctx context.Context, th *Thread, in TurnInput) (TurnResult, error) {
	if th == nil {
		return TurnResult{}, ErrThreadNotFound
	}
	threadID := th.ID()

	client, err := o.agent()
	if err != nil {
		return TurnResult{}, err
	}
	if strings.TrimSpace(in.Text) == "" && in.Audio == nil && len(in.Files) == 0 {
		return TurnResult{}, ErrEmptyTurn
	}
	if o.registry.Has(threadID) {
		return TurnResult{}, ErrThreadBusy
	}
	parentRef := strings.TrimSpace(in.ParentID)
	if parentRef != "" && parentRef != RootParent {
		id, ok := parseMessageRef(parentRef)
		if !ok {
			return TurnResult{}, fmt.Errorf("%w: %q", ErrInvalidParent, parentRef)
		}
		parent, ok := th.Lookup(id)
		if !ok {
			return TurnResult{}, fmt.Errorf("%w: %s", ErrInvalidParent, id)
		}
		if parent.Status == MessageCancelled {
			return TurnResult{}, fmt.Errorf("%w: %s is cancelled", ErrInvalidParent, id)
		}
	}

	text := strings.TrimSpace(in.Text)
	thinking := ""
	var audioAtt []FileInput
	if in.Audio != nil {
		tr, err := o.transcribe(ctx, *in.Audio)
		if err != nil {
			return TurnResult{}, err
		}
		text = strings.TrimSpace(strings.TrimSpace(tr.Text) + "\n\n" + text)
		if tr.Language != "" {
			thinking = "language: " + tr.Language
		}
		audioAtt = append(audioAtt, FileInput{Name: in.Audio.Name, MimeType: in.Audio.MimeType, Data: in.Audio.Data})
	}

	th.PruneCancelled(true)
	if parentRef != "" && parentRef != RootParent {
		// A user turn whose only reply was cancelled is pruned with it.
		id, _ := parseMessageRef(parentRef)
		if _, ok := th.Lookup(id); !ok {
			return TurnResult{}, fmt.Errorf("%w: %s was discarded", ErrInvalidParent, parentRef)
		}
	}
	if parentRef == "" {
		parentRef = RootParent
		if latest, ok := th.LatestActive(uuid.Nil); ok {
			parentRef = latest.ID.String()
		}
	}

	atts := o.resolveTurnFiles(ctx, threadID, append(audioAtt, in.Files...))

	now := o.now()
	user := Message{
		ID:          uuid.New(),
		ThreadID:    threadID,
		Sender:      SenderUser,
		Text:        text,
		Thinking:    thinking,
		Timestamp:   now,
		ParentID:    parentRef,
		Status:      MessageLocal,
		Attachments: atts,
	}
	placeholder := Message{
		ID:        uuid.New(),
		ThreadID:  threadID,
		Sender:    SenderAssistant,
		Text:      LoadingText,
		Timestamp: now,
		ParentID:  user.ID.String(),
		Status:    MessageLocal,
	}
	res := TurnResult{UserMessageID: user.ID, AssistantMessageID: placeholder.ID}

	if err := o.registry.Start(threadID, placeholder.ID); err != nil {
		return TurnResult{}, err
	}
	if err := th.Append(user); err != nil {
		o.registry.Complete(threadID)
		return TurnResult{}, err
	}
	if err := th.Append(placeholder); err != nil {
		o.registry.Complete(threadID)
		return TurnResult{}, err
	}
	if req, ok := o.registry.Pending(threadID); !ok || req.PendingMessageID != placeholder.ID {
		// Cancelled before the placeholder existed.
		_ = th.setStatus(placeholder.ID, MessageCancelled)
		return res, nil
	}
	o.events.publish(Event{Kind: EventRequestStarted, ThreadID: threadID, MessageID: placeholder.ID})

	o.retryMissingHandles(ctx, th, parentRef)
	caps := o.policy.Select(text, in.Hints, turnHandles(atts), th.libraryHandles(parentRef))

	conv, err := o.generate(ctx, client, th, parentRef, text, caps, in.Audio != nil)
	if err != nil {
		return o.fail(th, res, err), nil
	}

	folded := o.foldIn(ctx, client, threadID, conv)
	if folded.empty() {
		return o.fail(th, res, errors.New("the agent returned no content")), nil
	}

	var commitErr error
	committed := o.registry.Settle(threadID, placeholder.ID, func() {
		commitErr = th.finalize(placeholder.ID, folded.Text, folded.Thinking, folded.Attachments)
	})
	if !committed {
		o.log.Info("discarded result of cancelled turn", "thread_id", threadID, "message_id", placeholder.ID)
		return res, nil
	}
	if commitErr != nil {
		return res, commitErr
	}
	res.Committed = true
	th.updateInfo(func(info *ThreadInfo) { info.UpdatedAt = o.now() })
	o.events.publish(Event{Kind: EventRequestCompleted, ThreadID: threadID, MessageID: placeholder.ID})
	return res, nil
}

// Cancel abandons the pending turn of th. The in-flight call keeps running; its result is discarded.
func (o *Orchestrator) Cancel(th *Thread) bool {
	if th == nil {
		return false
	}
	req, ok := o.registry.Cancel(th.ID())
	if !ok {
		return false
	}
	if err := th.setStatus(req.PendingMessageID, MessageCancelled); err != nil && !errors.Is(err, ErrMessageMissing) {
		o.log.Warn("mark placeholder cancelled failed", "thread_id", req.ThreadID, "message_id", req.PendingMessageID, "error", err)
	}
	o.events.publish(Event{Kind: EventRequestCancelled, ThreadID: req.ThreadID, MessageID: req.PendingMessageID})
	return true
}

func (o *Orchestrator) transcribe(ctx context.Context, audio AudioInput) (Transcript, error) {
	t, err := o.transcriber()
	if err != nil {
		return Transcript{}, err
	}
	tr, err := t.Transcribe(ctx, audio)
	if err != nil {
		return Transcript{}, fmt.Errorf("transcribe: %w", err)
	}
	if strings.TrimSpace(tr.Text) == "" {
		return Transcript{}, fmt.Errorf("%w: transcript is empty", ErrEmptyTurn)
	}
	return tr, nil
}

func (o *Orchestrator) generate(ctx context.Context, client AgentClient, th *Thread, parentRef string, text string, caps CapabilitySet, phone bool) (agentapi.Conversation, error) {
	info := th.Info()
	model := strings.TrimSpace(info.Model)
	if model == "" {
		model = o.settings.Model
	}
	agentID, err := client.EnsureAgent(ctx, o.settings.Name, model)
	if err != nil {
		return agentapi.Conversation{}, fmt.Errorf("ensure agent: %w", err)
	}

	instructions := strings.TrimSpace(info.Context)
	if instructions == "" {
		instructions = strings.TrimSpace(o.settings.Instructions)
	}
	if phone && strings.TrimSpace(o.settings.PhonePersona) != "" {
		instructions = strings.TrimSpace(strings.TrimSpace(o.settings.PhonePersona) + "\n\n" + instructions)
	}
	upd := agentapi.AgentUpdate{Instructions: &instructions, Tools: toolsFor(caps)}
	if model != "" {
		upd.Model = &model
	}
	if err := client.UpdateAgent(ctx, agentID, upd); err != nil {
		return agentapi.Conversation{}, fmt.Errorf("update agent: %w", err)
	}

	var inputs []agentapi.Input
	if id, ok := parseMessageRef(parentRef); ok {
		for _, t := range th.HistoryTo(id, o.historyLimit) {
			if strings.TrimSpace(t.Content) == "" {
				continue
			}
			inputs = append(inputs, agentapi.Input{Role: t.Role, Content: t.Content})
		}
	}
	content := text
	if content == "" {
		content = "(attachment)"
	}
	inputs = append(inputs, agentapi.Input{Role: SenderUser.role(), Content: content})

	conv, err := client.StartConversation(ctx, agentID, inputs)
	if err != nil {
		return agentapi.Conversation{}, fmt.Errorf("start conversation: %w", err)
	}
	return conv, nil
}

func toolsFor(caps CapabilitySet) []agentapi.Tool {
	tools := []agentapi.Tool{}
	if caps.WebSearch {
		tools = append(tools, agentapi.Tool{Type: agentapi.ToolWebSearch})
	}
	if caps.CodeInterpreter {
		tools = append(tools, agentapi.Tool{Type: agentapi.ToolCodeInterpreter})
	}
	if caps.ImageGeneration {
		tools = append(tools, agentapi.Tool{Type: agentapi.ToolImageGeneration})
	}
	if caps.DocumentLibrary {
		tools = append(tools, agentapi.Tool{Type: agentapi.ToolDocumentLibrary, LibraryIDs: append([]string(nil), caps.LibraryHandles...)})
	}
	return tools
}

// fail replaces the spinner with the rendered error and marks both messages of the turn Cancelled.
func (o *Orchestrator) fail(th *Thread, res TurnResult, cause error) TurnResult {
	threadID := th.ID()
	o.log.Warn("turn failed", "thread_id", threadID, "message_id", res.AssistantMessageID, "error", cause)
	settled := o.registry.Settle(threadID, res.AssistantMessageID, func() {
		if err := th.finalize(res.AssistantMessageID, errorText(cause), "", nil); err != nil {
			o.log.Warn("render turn error failed", "thread_id", threadID, "error", err)
		}
		for _, id := range []uuid.UUID{res.AssistantMessageID, res.UserMessageID} {
			if err := th.setStatus(id, MessageCancelled); err != nil {
				o.log.Warn("mark failed turn cancelled failed", "thread_id", threadID, "message_id", id, "error", err)
			}
		}
	})
	if !settled {
		return res
	}
	res.Failed = true
	th.updateInfo(func(info *ThreadInfo) { info.UpdatedAt = o.now() })
	o.events.publish(Event{Kind: EventRequestCompleted, ThreadID: threadID, MessageID: res.AssistantMessageID, Err: cause})
	return res
}
