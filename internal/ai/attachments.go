package ai

import (
	"context"
	"net/http"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

const maxConcurrentAttachmentResolves = 4

// resolveTurnFiles stores every file of a new turn and looks up (or creates) its library handle.
//
// Files resolve concurrently; the result keeps input order. A file whose bytes cannot be stored is
// dropped; a file whose handle cannot be created keeps an empty handle and is retried on its next
// reference.
func (o *Orchestrator) resolveTurnFiles(ctx context.Context, threadID uuid.UUID, files []FileInput) []AttachmentRef {
	if len(files) == 0 {
		return nil
	}
	slots := make([]*AttachmentRef, len(files))

	var g errgroup.Group
	g.SetLimit(maxConcurrentAttachmentResolves)
	for i, f := range files {
		i, f := i, f
		g.Go(func() error {
			name := filepath.Base(strings.TrimSpace(f.Name))
			if name == "" || name == "." || name == string(filepath.Separator) {
				name = "attachment"
			}
			mimeType := strings.TrimSpace(f.MimeType)
			if mimeType == "" {
				mimeType = http.DetectContentType(f.Data)
			}

			ref, err := o.content.Resolve(ctx, f.Data)
			if err != nil {
				o.log.Warn("skip attachment", "thread_id", threadID, "file_name", name, "error", err)
				return nil
			}
			att := AttachmentRef{
				FileName: name,
				MimeType: mimeType,
				Kind:     KindForMime(mimeType),
				Status:   MessageLocal,
				Content:  ref,
			}
			handle, err := o.content.LookupOrCreateHandle(ctx, ref.Hash, f.Data, name)
			if err != nil {
				o.log.Warn("library handle unavailable", "thread_id", threadID, "hash", ref.Hash, "file_name", name, "error", err)
			} else {
				att.LibraryHandle = handle
			}
			slots[i] = &att
			return nil
		})
	}
	_ = g.Wait()

	out := make([]AttachmentRef, 0, len(files))
	for _, s := range slots {
		if s != nil {
			out = append(out, *s)
		}
	}
	return out
}

// retryMissingHandles retries library creation for attachments on the branch that never got a handle.
func (o *Orchestrator) retryMissingHandles(ctx context.Context, th *Thread, leafID string) {
	for _, m := range th.branch(leafID) {
		for _, a := range m.Attachments {
			if a.LibraryHandle != "" || m.Sender != SenderUser {
				continue
			}
			data, err := o.content.Open(a.Content.Hash, 0)
			if err != nil {
				continue
			}
			handle, err := o.content.LookupOrCreateHandle(ctx, a.Content.Hash, data, a.FileName)
			if err != nil {
				o.log.Warn("library handle retry failed", "thread_id", th.ID(), "hash", a.Content.Hash, "error", err)
				continue
			}
			th.setAttachmentHandle(m.ID, a.Content.Hash, handle)
		}
	}
}

func turnHandles(atts []AttachmentRef) []string {
	var out []string
	for _, a := range atts {
		if h := strings.TrimSpace(a.LibraryHandle); h != "" {
			out = append(out, h)
		}
	}
	return out
}
