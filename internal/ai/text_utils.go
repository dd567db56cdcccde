package ai

import "strings"

func truncateRunes(s string, maxRunes int) string {
	if maxRunes <= 0 {
		return ""
	}
	runes := []rune(s)
	if len(runes) <= maxRunes {
		return s
	}
	return strings.TrimSpace(string(runes[:maxRunes])) + "…"
}

// oneLine collapses whitespace runs (including newlines) to single spaces.
func oneLine(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// errorText renders an error for display inside an assistant message.
func errorText(err error) string {
	if err == nil {
		return "Error: unknown error"
	}
	msg := oneLine(err.Error())
	if msg == "" {
		msg = "unknown error"
	}
	return "Error: " + truncateRunes(msg, 500)
}
