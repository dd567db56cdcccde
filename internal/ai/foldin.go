package ai

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"mime"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/floegence/threadline/internal/agentapi"
)

// foldResult is a provider response reduced to what the assistant message stores.
type foldResult struct {
	Text        string
	Thinking    string
	Attachments []AttachmentRef
}

func (r foldResult) empty() bool {
	return strings.TrimSpace(r.Text) == "" && len(r.Attachments) == 0
}

// foldIn decomposes a conversation result into a thinking trace and an ordered content sequence.
//
// Text and image segments keep the position they had in the output array. A content item that
// cannot be resolved is logged and skipped; it never fails the fold.
func (o *Orchestrator) foldIn(ctx context.Context, client AgentClient, threadID uuid.UUID, conv agentapi.Conversation) foldResult {
	var (
		thinking []string
		segments []string
		out      foldResult
	)

	for _, e := range conv.Entries {
		switch e.Kind {
		case agentapi.EntryToolExecution:
			thinking = append(thinking, toolCallLine(e.ToolName, e.Arguments))
		case agentapi.EntryReference:
			thinking = append(thinking, referenceLine(e.Title, e.URL))
		case agentapi.EntryMessage:
			for _, p := range e.Parts {
				switch p.Kind {
				case agentapi.PartText:
					if t := strings.TrimSpace(p.Text); t != "" {
						segments = append(segments, t)
					}
				case agentapi.PartToolReference:
					thinking = append(thinking, referenceLine(p.Title, p.URL))
				case agentapi.PartImage, agentapi.PartToolFile:
					att, err := o.resolveGenerated(ctx, client, p)
					if err != nil {
						o.log.Warn("skip generated content", "thread_id", threadID, "part", p.Type, "file_id", p.FileID, "error", err)
						continue
					}
					out.Attachments = append(out.Attachments, att)
					segments = append(segments, fmt.Sprintf("![%s](attachment://%s)", att.FileName, att.Content.Hash))
				default:
					o.log.Debug("ignore unrecognized content part", "thread_id", threadID, "type", p.Type)
				}
			}
		default:
			o.log.Debug("ignore unrecognized output entry", "thread_id", threadID, "type", e.Type)
		}
	}

	out.Text = strings.Join(segments, "\n\n")
	out.Thinking = strings.Join(thinking, "\n")
	return out
}

func toolCallLine(name string, args string) string {
	name = strings.TrimSpace(name)
	if name == "" {
		name = "tool"
	}
	args = oneLine(args)
	if args == "" || args == "{}" {
		return "Tool call: " + name
	}
	return "Tool call: " + name + " " + truncateRunes(args, 200)
}

func referenceLine(title string, url string) string {
	title = oneLine(title)
	url = strings.TrimSpace(url)
	switch {
	case title != "" && url != "":
		return fmt.Sprintf("Reference: %s (%s)", title, url)
	case url != "":
		return "Reference: " + url
	case title != "":
		return "Reference: " + title
	default:
		return "Reference: (untitled)"
	}
}

// resolveGenerated fetches a generated image through one of three paths (inline payload, remote URL,
// generated-file id) and stores it in the content store.
func (o *Orchestrator) resolveGenerated(ctx context.Context, client AgentClient, p agentapi.Part) (AttachmentRef, error) {
	var (
		data     []byte
		mimeType string
		name     string
		external string
		err      error
	)
	switch p.Kind {
	case agentapi.PartToolFile:
		if strings.TrimSpace(p.FileID) == "" {
			return AttachmentRef{}, errors.New("missing file id")
		}
		data, err = client.DownloadFile(ctx, p.FileID)
		if err != nil {
			return AttachmentRef{}, fmt.Errorf("download %s: %w", p.FileID, err)
		}
		name = strings.TrimSpace(p.FileName)
		if ft := strings.TrimPrefix(strings.TrimSpace(p.FileType), "."); ft != "" {
			mimeType = mime.TypeByExtension("." + ft)
			if name == "" {
				name = p.FileID + "." + ft
			}
		}
	case agentapi.PartImage:
		src := strings.TrimSpace(p.Image)
		switch {
		case src == "":
			return AttachmentRef{}, errors.New("empty image source")
		case strings.HasPrefix(src, "data:"):
			data, mimeType, err = decodeDataURL(src)
		case strings.HasPrefix(src, "http://") || strings.HasPrefix(src, "https://"):
			data, err = client.FetchURL(ctx, src)
			external = src
		default:
			data, err = base64.StdEncoding.DecodeString(src)
		}
		if err != nil {
			return AttachmentRef{}, err
		}
	default:
		return AttachmentRef{}, fmt.Errorf("unsupported part %q", p.Type)
	}
	if len(data) == 0 {
		return AttachmentRef{}, errors.New("empty content")
	}
	if mimeType == "" {
		mimeType = http.DetectContentType(data)
	}
	if i := strings.IndexByte(mimeType, ';'); i >= 0 {
		mimeType = strings.TrimSpace(mimeType[:i])
	}

	ref, err := o.content.Resolve(ctx, data)
	if err != nil {
		return AttachmentRef{}, err
	}
	if external != "" {
		ref.Payload = external
	}
	if name == "" {
		name = "image-" + ref.Hash[:8] + extensionFor(mimeType)
	}
	return AttachmentRef{
		FileName: name,
		MimeType: mimeType,
		Kind:     KindForMime(mimeType),
		Status:   MessageLocal,
		Content:  ref,
	}, nil
}

func decodeDataURL(src string) ([]byte, string, error) {
	rest := strings.TrimPrefix(src, "data:")
	meta, payload, ok := strings.Cut(rest, ",")
	if !ok {
		return nil, "", errors.New("malformed data url")
	}
	mimeType, _, _ := strings.Cut(meta, ";")
	if !strings.Contains(meta, ";base64") {
		return []byte(payload), strings.TrimSpace(mimeType), nil
	}
	data, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return nil, "", fmt.Errorf("decode data url: %w", err)
	}
	return data, strings.TrimSpace(mimeType), nil
}

func extensionFor(mimeType string) string {
	switch mimeType {
	case "image/png":
		return ".png"
	case "image/jpeg":
		return ".jpg"
	case "image/gif":
		return ".gif"
	case "image/webp":
		return ".webp"
	}
	if exts, _ := mime.ExtensionsByType(mimeType); len(exts) > 0 {
		return exts[0]
	}
	return ""
}
