package config

import (
	"errors"
	"fmt"
	"strings"
)

const (
	DefaultAgentName  = "threadline"
	DefaultAgentModel = "mistral-medium-latest"
)

// AgentConfig configures the remote agent descriptor used for every generation call.
//
// Notes:
//   - Secrets (api keys) must never be stored in this config. Keys are managed via a separate local secrets file.
//   - The agent is looked up by Name and created when absent, so Name must stay stable once used.
type AgentConfig struct {
	// BaseURL overrides the agent provider endpoint. When empty, the provider default applies.
	BaseURL string `json:"base_url,omitempty" yaml:"base_url,omitempty"`

	// Name is the logical agent name.
	Name string `json:"agent_name,omitempty" yaml:"agent_name,omitempty"`

	// Model is the default model for threads that do not pin one.
	Model string `json:"model" yaml:"model"`

	// Instructions are used when a thread has no context of its own.
	Instructions string `json:"instructions,omitempty" yaml:"instructions,omitempty"`

	// PhonePersona prefixes the instructions for turns that were recorded as audio.
	PhonePersona string `json:"phone_persona,omitempty" yaml:"phone_persona,omitempty"`
}

func (c AgentConfig) Validate() error {
	if strings.TrimSpace(c.Model) == "" {
		return errors.New("missing model")
	}
	return validateBaseURL(c.BaseURL, false)
}

// NamingConfig selects the backend of the auxiliary call that titles new threads.
type NamingConfig struct {
	// Type is one of: "openai" | "anthropic".
	Type    string `json:"type" yaml:"type"`
	BaseURL string `json:"base_url,omitempty" yaml:"base_url,omitempty"`
	Model   string `json:"model" yaml:"model"`
}

func (c *NamingConfig) Validate() error {
	if c == nil {
		return nil
	}
	switch strings.ToLower(strings.TrimSpace(c.Type)) {
	case "openai", "anthropic":
	default:
		return fmt.Errorf("unsupported type %q", c.Type)
	}
	if strings.TrimSpace(c.Model) == "" {
		return errors.New("missing model")
	}
	return validateBaseURL(c.BaseURL, false)
}

type TranscriptionConfig struct {
	BaseURL string `json:"base_url,omitempty" yaml:"base_url,omitempty"`
	// Model defaults to whisper-1.
	Model string `json:"model,omitempty" yaml:"model,omitempty"`
}

const (
	ImageSearchExclusive   = "exclusive"
	ImageSearchIndependent = "independent"
)

type CapabilitiesConfig struct {
	// ImageSearchPolicy decides whether image generation suppresses web search.
	//
	// Supported values:
	// - "exclusive": requesting image generation disables web search for that call (default)
	// - "independent": both can be enabled together
	ImageSearchPolicy string `json:"image_search_policy,omitempty" yaml:"image_search_policy,omitempty"`

	// WebSearchDisabled turns web search off for turns that do not ask for it explicitly.
	WebSearchDisabled bool `json:"web_search_disabled,omitempty" yaml:"web_search_disabled,omitempty"`
}

func (c *CapabilitiesConfig) Validate() error {
	if c == nil {
		return nil
	}
	switch strings.ToLower(strings.TrimSpace(c.ImageSearchPolicy)) {
	case "", ImageSearchExclusive, ImageSearchIndependent:
		return nil
	default:
		return fmt.Errorf("unsupported image_search_policy %q", c.ImageSearchPolicy)
	}
}
