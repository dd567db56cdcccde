package agentapi

import (
	"strings"

	"github.com/tidwall/gjson"
)

type EntryKind string

const (
	EntryMessage       EntryKind = "message"
	EntryToolExecution EntryKind = "tool_execution"
	EntryReference     EntryKind = "reference"
	EntryUnknown       EntryKind = "unknown"
)

type PartKind string

const (
	PartText          PartKind = "text"
	PartToolReference PartKind = "tool_reference"
	PartImage         PartKind = "image"
	PartToolFile      PartKind = "tool_file"
	PartUnknown       PartKind = "unknown"
)

// Entry is one element of a conversation output array.
type Entry struct {
	Kind EntryKind

	// EntryMessage
	Parts []Part

	// EntryToolExecution
	ToolName  string
	Arguments string

	// EntryReference
	Title string
	URL   string

	// Type is the raw provider tag.
	Type string
}

// Part is one element of a message-output content array.
type Part struct {
	Kind PartKind

	Text string

	// PartToolReference
	Title string
	URL   string
	Tool  string

	// PartImage: a data URL, bare base64, or an http(s) URL.
	Image string

	// PartToolFile
	FileID   string
	FileName string
	FileType string

	Type string
}

// DecodeConversation decodes a generation response. Missing or unexpected fields decode to no
// content; it never fails.
func DecodeConversation(body []byte) Conversation {
	if !gjson.ValidBytes(body) {
		return Conversation{}
	}
	root := gjson.ParseBytes(body)
	conv := Conversation{ID: firstString(root, "conversation_id", "id")}

	var outputs []gjson.Result
	switch {
	case root.IsArray():
		outputs = root.Array()
	case root.Get("outputs").IsArray():
		outputs = root.Get("outputs").Array()
	case root.Get("output").IsArray():
		outputs = root.Get("output").Array()
	case root.Get("output").IsObject():
		outputs = []gjson.Result{root.Get("output")}
	}
	for _, o := range outputs {
		if !o.IsObject() {
			continue
		}
		conv.Entries = append(conv.Entries, decodeEntry(o))
	}
	return conv
}

func decodeEntry(o gjson.Result) Entry {
	typ := strings.ToLower(strings.TrimSpace(o.Get("type").String()))
	e := Entry{Type: typ}
	switch typ {
	case "message.output", "message_output", "message":
		e.Kind = EntryMessage
		e.Parts = decodeContent(o.Get("content"))
	case "tool.execution", "tool_execution", "function.call", "function_call":
		e.Kind = EntryToolExecution
		e.ToolName = firstString(o, "name", "tool")
		e.Arguments = rawOrString(o.Get("arguments"))
	case "tool.reference", "tool_reference", "reference", "web.reference":
		e.Kind = EntryReference
		e.Title = firstString(o, "title", "name")
		e.URL = firstString(o, "url", "source")
	default:
		e.Kind = EntryUnknown
	}
	return e
}

func decodeContent(c gjson.Result) []Part {
	switch {
	case !c.Exists():
		return nil
	case c.Type == gjson.String:
		if c.Str == "" {
			return nil
		}
		return []Part{{Kind: PartText, Text: c.Str, Type: "text"}}
	case c.IsArray():
		items := c.Array()
		out := make([]Part, 0, len(items))
		for _, it := range items {
			if it.Type == gjson.String {
				out = append(out, Part{Kind: PartText, Text: it.Str, Type: "text"})
				continue
			}
			if !it.IsObject() {
				continue
			}
			out = append(out, decodePart(it))
		}
		return out
	case c.IsObject():
		return []Part{decodePart(c)}
	default:
		return nil
	}
}

func decodePart(it gjson.Result) Part {
	typ := strings.ToLower(strings.TrimSpace(it.Get("type").String()))
	p := Part{Type: typ}
	switch typ {
	case "text", "output_text":
		p.Kind = PartText
		p.Text = it.Get("text").String()
	case "tool_reference", "reference":
		p.Kind = PartToolReference
		p.Title = firstString(it, "title", "name")
		p.URL = firstString(it, "url", "source")
		p.Tool = it.Get("tool").String()
	case "image_url", "image", "output_image":
		p.Kind = PartImage
		// image_url is either a string or {"url": ...}.
		p.Image = firstString(it, "image_url.url", "image_url", "url", "b64_json", "data")
	case "tool_file", "file":
		p.Kind = PartToolFile
		p.FileID = firstString(it, "file_id", "id")
		p.FileName = it.Get("file_name").String()
		p.FileType = it.Get("file_type").String()
		p.Tool = it.Get("tool").String()
	default:
		p.Kind = PartUnknown
	}
	return p
}

func firstString(r gjson.Result, paths ...string) string {
	for _, p := range paths {
		v := r.Get(p)
		if v.Type == gjson.String {
			if s := strings.TrimSpace(v.Str); s != "" {
				return s
			}
		}
	}
	return ""
}

func rawOrString(v gjson.Result) string {
	switch {
	case !v.Exists():
		return ""
	case v.Type == gjson.String:
		return v.Str
	default:
		return v.Raw
	}
}
