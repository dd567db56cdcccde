package main

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/google/uuid"

	"github.com/floegence/threadline/internal/ai"
	"github.com/floegence/threadline/internal/auditlog"
)

func shortHash(h string) string {
	if len(h) > 12 {
		return h[:12]
	}
	return h
}

func shortTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Local().Format("2006-01-02 15:04")
}

func oneLine(s string, max int) string {
	s = strings.Join(strings.Fields(s), " ")
	r := []rune(s)
	if max > 0 && len(r) > max {
		return string(r[:max-1]) + "…"
	}
	return s
}

func writeThreadList(w io.Writer, list []ai.ThreadSummary) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tUPDATED\tSTATUS\tNAME\tLAST")
	for _, t := range list {
		status := string(t.Status)
		if t.Shareable {
			status += ",shared"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", t.ID, shortTime(t.UpdatedAt), status, oneLine(t.Name, 40), oneLine(t.LastMessagePreview, 60))
	}
	_ = tw.Flush()
}

// writeThread prints every branch of th depth-first, replies in arrival order. Messages whose parent
// is not in the thread are printed as extra roots.
func writeThread(w io.Writer, th *ai.Thread, state ai.RequestState) {
	info := th.Info()
	fmt.Fprintf(w, "%s  %s  [%s, %d messages, %s]\n", info.ID, info.Name, info.Status, th.Len(), state)
	if strings.TrimSpace(info.Context) != "" {
		fmt.Fprintf(w, "context: %s\n", oneLine(info.Context, 120))
	}
	fmt.Fprintln(w)

	seen := make(map[uuid.UUID]bool, th.Len())
	var walk func(m ai.Message, depth int)
	walk = func(m ai.Message, depth int) {
		if seen[m.ID] {
			return
		}
		seen[m.ID] = true
		writeMessage(w, m, depth)
		for _, c := range th.Children(m.ID.String()) {
			walk(c, depth+1)
		}
	}
	for _, m := range th.Children(ai.RootParent) {
		walk(m, 0)
	}
	for _, m := range th.Messages() {
		walk(m, 0)
	}
}

func writeMessage(w io.Writer, m ai.Message, depth int) {
	indent := strings.Repeat("  ", depth)
	status := ""
	if m.Status != ai.MessageSynced {
		status = " (" + string(m.Status) + ")"
	}
	fmt.Fprintf(w, "%s%s %s %s%s\n", indent, shortTime(m.Timestamp), m.Sender, m.ID, status)
	for _, line := range strings.Split(strings.TrimRight(m.Text, "\n"), "\n") {
		fmt.Fprintf(w, "%s  %s\n", indent, line)
	}
	for _, a := range m.Attachments {
		fmt.Fprintf(w, "%s  [%s] %s %s\n", indent, a.Kind, a.FileName, shortHash(a.Content.Hash))
	}
}

func writeActivity(w io.Writer, entries []auditlog.Entry, pending []ai.ActiveRequest) {
	for _, req := range pending {
		fmt.Fprintf(w, "pending: thread %s reply %s\n", req.ThreadID, req.PendingMessageID)
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "TIME\tACTION\tSTATUS\tTHREAD\tERROR")
	for _, e := range entries {
		at := e.CreatedAt
		if ts, err := time.Parse(time.RFC3339Nano, e.CreatedAt); err == nil {
			at = shortTime(ts)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", at, e.Action, e.Status, e.ThreadID, oneLine(e.Error, 80))
	}
	_ = tw.Flush()
}
