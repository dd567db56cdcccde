package ai

import (
	"strings"
)

// ImageSearchPolicy decides how image generation and web search combine in one call.
type ImageSearchPolicy string

const (
	// ImageSearchExclusive disables web search whenever image generation is requested.
	ImageSearchExclusive ImageSearchPolicy = "exclusive"
	// ImageSearchIndependent lets the caller request both.
	ImageSearchIndependent ImageSearchPolicy = "independent"
)

func NormalizeImageSearchPolicy(raw string) ImageSearchPolicy {
	switch ImageSearchPolicy(strings.ToLower(strings.TrimSpace(raw))) {
	case ImageSearchIndependent:
		return ImageSearchIndependent
	default:
		return ImageSearchExclusive
	}
}

type CapabilityPolicy struct {
	ImageSearch      ImageSearchPolicy
	WebSearchDefault bool
}

// CapabilitySet is the tool selection for one generation call.
type CapabilitySet struct {
	WebSearch       bool
	CodeInterpreter bool
	ImageGeneration bool
	DocumentLibrary bool

	LibraryHandles []string
}

var codeHints = []string{
	"code",
	"python",
	"script",
	"calculate",
	"compute",
	"plot",
	"chart",
	"graph",
	"csv",
	"spreadsheet",
	"regex",
	"execute",
	"run this",
	"simulate",
	"```",
}

var retrievalHints = []string{
	"document",
	"file",
	"pdf",
	"attachment",
	"attached",
	"uploaded",
	"according to",
	"in the text",
	"the report",
	"summarize",
	"summarise",
}

func containsAny(text string, needles []string) bool {
	for _, n := range needles {
		if n != "" && strings.Contains(text, n) {
			return true
		}
	}
	return false
}

// Select decides the tools for a turn.
//
// turnHandles are the library handles resolved for the new turn's own attachments; branchHandles are
// handles attached earlier on the same branch. Earlier handles are only offered when the turn text
// reads like a question about attached content.
func (p CapabilityPolicy) Select(text string, hints CapabilityHints, turnHandles []string, branchHandles []string) CapabilitySet {
	lower := strings.ToLower(strings.TrimSpace(text))

	out := CapabilitySet{
		CodeInterpreter: containsAny(lower, codeHints),
		ImageGeneration: hints.ImageGeneration,
		WebSearch:       p.WebSearchDefault,
	}
	if hints.WebSearch != nil {
		out.WebSearch = *hints.WebSearch
	}
	if out.ImageGeneration && p.ImageSearch != ImageSearchIndependent {
		out.WebSearch = false
	}

	seen := make(map[string]struct{})
	add := func(hs []string) {
		for _, h := range hs {
			h = strings.TrimSpace(h)
			if h == "" {
				continue
			}
			if _, ok := seen[h]; ok {
				continue
			}
			seen[h] = struct{}{}
			out.LibraryHandles = append(out.LibraryHandles, h)
		}
	}
	add(turnHandles)
	if containsAny(lower, retrievalHints) {
		add(branchHandles)
	}
	out.DocumentLibrary = len(out.LibraryHandles) > 0
	return out
}
