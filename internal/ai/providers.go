package ai

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"

	anthropic "github.com/anthropics/anthropic-sdk-go"
	aoption "github.com/anthropics/anthropic-sdk-go/option"
	openai "github.com/openai/openai-go"
	ooption "github.com/openai/openai-go/option"
	oresponses "github.com/openai/openai-go/responses"
	oshared "github.com/openai/openai-go/shared"
	"github.com/tidwall/gjson"
)

const (
	namingMaxOutputTokens = 32
	namingHistoryTurns    = 6
	maxThreadNameRunes    = 60

	defaultTranscriptionModel = "whisper-1"
)

const namingInstructions = "You write titles for chat conversations. Reply with a short descriptive title of at most six words. " +
	"No quotes, no trailing punctuation."

func newNamer(providerType string, baseURL string, apiKey string, model string) (Namer, error) {
	providerType = strings.ToLower(strings.TrimSpace(providerType))
	if strings.TrimSpace(apiKey) == "" {
		return nil, fmt.Errorf("%w: missing naming api key", ErrNotConfigured)
	}
	if strings.TrimSpace(model) == "" {
		return nil, errors.New("missing naming model")
	}
	switch providerType {
	case "openai", "":
		opts := []ooption.RequestOption{ooption.WithAPIKey(strings.TrimSpace(apiKey))}
		if strings.TrimSpace(baseURL) != "" {
			opts = append(opts, ooption.WithBaseURL(strings.TrimSpace(baseURL)))
		}
		return &openAINamer{client: openai.NewClient(opts...), model: strings.TrimSpace(model)}, nil
	case "anthropic":
		opts := []aoption.RequestOption{aoption.WithAPIKey(strings.TrimSpace(apiKey))}
		if strings.TrimSpace(baseURL) != "" {
			opts = append(opts, aoption.WithBaseURL(strings.TrimSpace(baseURL)))
		}
		return &anthropicNamer{client: anthropic.NewClient(opts...), model: strings.TrimSpace(model)}, nil
	default:
		return nil, fmt.Errorf("unsupported naming provider %q", providerType)
	}
}

type openAINamer struct {
	client openai.Client
	model  string
}

func (n *openAINamer) Name(ctx context.Context, history []Turn) (string, error) {
	prompt := namingPrompt(history)
	if prompt == "" {
		return "", errors.New("empty history")
	}
	resp, err := n.client.Responses.New(ctx, oresponses.ResponseNewParams{
		Model:           oshared.ResponsesModel(n.model),
		Instructions:    openai.String(namingInstructions),
		MaxOutputTokens: openai.Int(namingMaxOutputTokens),
		Input:           oresponses.ResponseNewParamsInputUnion{OfString: openai.String(prompt)},
	})
	if err != nil {
		return "", err
	}
	return cleanThreadName(resp.OutputText())
}

type anthropicNamer struct {
	client anthropic.Client
	model  string
}

func (n *anthropicNamer) Name(ctx context.Context, history []Turn) (string, error) {
	prompt := namingPrompt(history)
	if prompt == "" {
		return "", errors.New("empty history")
	}
	msg, err := n.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     anthropic.Model(n.model),
		MaxTokens: namingMaxOutputTokens,
		System:    []anthropic.TextBlockParam{{Text: namingInstructions}},
		Messages:  []anthropic.MessageParam{anthropic.NewUserMessage(anthropic.NewTextBlock(prompt))},
	})
	if err != nil {
		return "", err
	}
	for _, block := range msg.Content {
		if variant, ok := block.AsAny().(anthropic.TextBlock); ok && strings.TrimSpace(variant.Text) != "" {
			return cleanThreadName(variant.Text)
		}
	}
	return "", errors.New("naming returned no text")
}

func namingPrompt(history []Turn) string {
	if len(history) > namingHistoryTurns {
		history = history[len(history)-namingHistoryTurns:]
	}
	var b strings.Builder
	for _, t := range history {
		txt := strings.TrimSpace(t.Content)
		if txt == "" || txt == LoadingText {
			continue
		}
		fmt.Fprintf(&b, "%s: %s\n", t.Role, truncateRunes(txt, 500))
	}
	return strings.TrimSpace(b.String())
}

func cleanThreadName(raw string) (string, error) {
	s := strings.TrimSpace(raw)
	if i := strings.IndexAny(s, "\r\n"); i >= 0 {
		s = s[:i]
	}
	s = strings.Trim(s, " \t\"'`*#")
	s = strings.TrimRight(s, ".!?:;")
	s = truncateRunes(strings.TrimSpace(s), maxThreadNameRunes)
	if s == "" {
		return "", errors.New("naming returned empty title")
	}
	return s, nil
}

func newTranscriber(baseURL string, apiKey string, model string) (Transcriber, error) {
	if strings.TrimSpace(apiKey) == "" {
		return nil, fmt.Errorf("%w: missing transcription api key", ErrNotConfigured)
	}
	opts := []ooption.RequestOption{ooption.WithAPIKey(strings.TrimSpace(apiKey))}
	if strings.TrimSpace(baseURL) != "" {
		opts = append(opts, ooption.WithBaseURL(strings.TrimSpace(baseURL)))
	}
	model = strings.TrimSpace(model)
	if model == "" {
		model = defaultTranscriptionModel
	}
	return &openAITranscriber{client: openai.NewClient(opts...), model: model}, nil
}

type openAITranscriber struct {
	client openai.Client
	model  string
}

func (t *openAITranscriber) Transcribe(ctx context.Context, audio AudioInput) (Transcript, error) {
	if len(audio.Data) == 0 {
		return Transcript{}, errors.New("empty audio")
	}
	name := strings.TrimSpace(audio.Name)
	if name == "" {
		name = "audio.webm"
	}
	mimeType := strings.TrimSpace(audio.MimeType)
	if mimeType == "" {
		mimeType = "audio/webm"
	}
	tr, err := t.client.Audio.Transcriptions.New(ctx, openai.AudioTranscriptionNewParams{
		File:           openai.File(bytes.NewReader(audio.Data), name, mimeType),
		Model:          openai.AudioModel(t.model),
		ResponseFormat: openai.AudioResponseFormatVerboseJSON,
	})
	if err != nil {
		return Transcript{}, err
	}
	// verbose_json carries the detected language, which the typed response does not expose.
	lang := strings.TrimSpace(gjson.Get(tr.RawJSON(), "language").String())
	return Transcript{Text: strings.TrimSpace(tr.Text), Language: lang}, nil
}
