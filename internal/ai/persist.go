package ai

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/floegence/threadline/internal/ai/threadstore"
	"github.com/floegence/threadline/internal/remotestore"
)

func unixMs(t time.Time) int64 {
	if t.IsZero() || t.Year() < 1970 {
		return 0
	}
	return t.UnixMilli()
}

func fromUnixMs(ms int64) time.Time {
	if ms <= 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}

func threadRecord(th *Thread) (threadstore.Thread, []threadstore.Message) {
	info := th.Info()
	rec := threadstore.Thread{
		ThreadID:        info.ID.String(),
		Name:            info.Name,
		Context:         info.Context,
		Model:           info.Model,
		Status:          string(info.Status),
		Shareable:       info.Shareable,
		CreatedAtUnixMs: unixMs(info.CreatedAt),
		UpdatedAtUnixMs: unixMs(info.UpdatedAt),
	}
	msgs := th.Messages()
	out := make([]threadstore.Message, 0, len(msgs))
	for _, m := range msgs {
		attachments := "[]"
		if len(m.Attachments) > 0 {
			if b, err := json.Marshal(m.Attachments); err == nil {
				attachments = string(b)
			}
		}
		out = append(out, threadstore.Message{
			ThreadID:        info.ID.String(),
			MessageID:       m.ID.String(),
			Seq:             m.Seq(),
			Sender:          string(m.Sender),
			Status:          string(m.Status),
			ParentID:        m.ParentID,
			TimestampUnixMs: unixMs(m.Timestamp),
			TextContent:     m.Text,
			Thinking:        m.Thinking,
			AttachmentsJSON: attachments,
		})
	}
	return rec, out
}

func threadInfoFromRecord(rec threadstore.Thread) (ThreadInfo, bool) {
	id, err := uuid.Parse(strings.TrimSpace(rec.ThreadID))
	if err != nil {
		return ThreadInfo{}, false
	}
	status := ThreadStatus(rec.Status)
	if status != ThreadRemote {
		status = ThreadLocal
	}
	return ThreadInfo{
		ID:        id,
		Name:      rec.Name,
		CreatedAt: fromUnixMs(rec.CreatedAtUnixMs),
		UpdatedAt: fromUnixMs(rec.UpdatedAtUnixMs),
		Context:   rec.Context,
		Model:     rec.Model,
		Status:    status,
		Shareable: rec.Shareable,
	}, true
}

// threadFromRecord rebuilds a thread. A placeholder that was still spinning when it was saved has no
// request behind it any more and is loaded as Cancelled.
func threadFromRecord(rec threadstore.Thread, msgs []threadstore.Message) (*Thread, error) {
	info, ok := threadInfoFromRecord(rec)
	if !ok {
		return nil, ErrThreadNotFound
	}
	th := NewThread(info)
	for _, r := range msgs {
		id, err := uuid.Parse(strings.TrimSpace(r.MessageID))
		if err != nil {
			continue
		}
		m := Message{
			ID:        id,
			ThreadID:  info.ID,
			Sender:    Sender(r.Sender),
			Text:      r.TextContent,
			Thinking:  r.Thinking,
			Timestamp: fromUnixMs(r.TimestampUnixMs),
			ParentID:  r.ParentID,
			Status:    MessageStatus(r.Status),
		}
		if s := strings.TrimSpace(r.AttachmentsJSON); s != "" && s != "[]" {
			_ = json.Unmarshal([]byte(s), &m.Attachments)
		}
		if m.spinning() {
			m.Status = MessageCancelled
		}
		if err := th.Append(m); err != nil {
			return nil, err
		}
	}
	return th, nil
}

func toWireThread(info ThreadInfo) remotestore.Thread {
	created := ""
	if ms := unixMs(info.CreatedAt); ms > 0 {
		created = info.CreatedAt.UTC().Format(time.RFC3339Nano)
	}
	return remotestore.Thread{
		ID:        info.ID.String(),
		Name:      info.Name,
		Context:   info.Context,
		Model:     info.Model,
		CreatedAt: created,
		Shareable: info.Shareable,
	}
}

func toWireMessage(m Message) remotestore.Message {
	ts := ""
	if unixMs(m.Timestamp) > 0 {
		ts = m.Timestamp.UTC().Format(time.RFC3339Nano)
	}
	out := remotestore.Message{
		ID:        m.ID.String(),
		ThreadID:  m.ThreadID.String(),
		Sender:    string(m.Sender),
		Text:      m.Text,
		Thinking:  m.Thinking,
		Timestamp: ts,
		ParentID:  m.ParentID,
	}
	for _, a := range m.Attachments {
		out.Attachments = append(out.Attachments, remotestore.Attachment{
			FileName:      a.FileName,
			MimeType:      a.MimeType,
			Kind:          string(a.Kind),
			LibraryHandle: a.LibraryHandle,
			Hash:          a.Content.Hash,
			Payload:       a.Content.Payload,
		})
	}
	return out
}

// fromWireMessage converts a server message; everything the server holds is Synced.
func fromWireMessage(threadID uuid.UUID, w remotestore.Message) (Message, bool) {
	id, err := uuid.Parse(strings.TrimSpace(w.ID))
	if err != nil {
		return Message{}, false
	}
	sender := SenderUser
	if strings.EqualFold(strings.TrimSpace(w.Sender), string(SenderAssistant)) {
		sender = SenderAssistant
	}
	m := Message{
		ID:        id,
		ThreadID:  threadID,
		Sender:    sender,
		Text:      w.Text,
		Thinking:  w.Thinking,
		Timestamp: w.Time(),
		ParentID:  w.ParentID,
		Status:    MessageSynced,
	}
	for _, a := range w.Attachments {
		m.Attachments = append(m.Attachments, AttachmentRef{
			FileName:      a.FileName,
			MimeType:      a.MimeType,
			Kind:          AttachmentKind(a.Kind),
			LibraryHandle: a.LibraryHandle,
			Status:        MessageSynced,
			Content:       ContentRef{Hash: a.Hash, Payload: a.Payload},
		})
	}
	return m, true
}

func threadInfoFromWire(w remotestore.Thread) (ThreadInfo, bool) {
	id, err := uuid.Parse(strings.TrimSpace(w.ID))
	if err != nil {
		return ThreadInfo{}, false
	}
	created, _ := time.Parse(time.RFC3339Nano, strings.TrimSpace(w.CreatedAt))
	return ThreadInfo{
		ID:        id,
		Name:      w.Name,
		CreatedAt: created,
		Context:   w.Context,
		Model:     w.Model,
		Status:    ThreadRemote,
		Shareable: w.Shareable,
	}, true
}

// mergeRemote adds server messages th does not have yet, in server order, and takes the server's
// structural fields. It returns the number of messages added.
func mergeRemote(th *Thread, w remotestore.Thread) int {
	added := 0
	for _, wm := range w.Messages {
		m, ok := fromWireMessage(th.ID(), wm)
		if !ok {
			continue
		}
		if _, exists := th.Lookup(m.ID); exists {
			continue
		}
		if err := th.Append(m); err == nil {
			added++
		}
	}
	th.updateInfo(func(info *ThreadInfo) {
		if strings.TrimSpace(w.Name) != "" {
			info.Name = w.Name
		}
		info.Context = w.Context
		if strings.TrimSpace(w.Model) != "" {
			info.Model = w.Model
		}
		info.Shareable = info.Shareable || w.Shareable
		info.Status = ThreadRemote
		if added > 0 {
			info.UpdatedAt = time.Now()
		}
	})
	return added
}
