package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config is the on-disk configuration for threadline.
//
// NOTE: Secrets (API keys, the remote store token) never live here; they are kept in secrets.json.
type Config struct {
	Agent         AgentConfig          `json:"agent" yaml:"agent"`
	Index         *EndpointConfig      `json:"index,omitempty" yaml:"index,omitempty"`
	RemoteStore   *EndpointConfig      `json:"remote_store,omitempty" yaml:"remote_store,omitempty"`
	Naming        *NamingConfig        `json:"naming,omitempty" yaml:"naming,omitempty"`
	Transcription *TranscriptionConfig `json:"transcription,omitempty" yaml:"transcription,omitempty"`
	Capabilities  *CapabilitiesConfig  `json:"capabilities,omitempty" yaml:"capabilities,omitempty"`

	// HistoryLimit caps the turns sent with each generation call. Defaults to 20.
	HistoryLimit int `json:"history_limit,omitempty" yaml:"history_limit,omitempty"`

	// StateDir holds the sqlite database, content blobs and the process lock.
	// If empty, the directory of the config file is used.
	StateDir string `json:"state_dir,omitempty" yaml:"state_dir,omitempty"`

	// LogFormat is "json" or "text".
	LogFormat string `json:"log_format,omitempty" yaml:"log_format,omitempty"`
	// LogLevel is "debug|info|warn|error".
	LogLevel string `json:"log_level,omitempty" yaml:"log_level,omitempty"`
}

// EndpointConfig is a plain HTTP service location.
type EndpointConfig struct {
	BaseURL string `json:"base_url" yaml:"base_url"`
}

func (c *Config) Validate() error {
	if c == nil {
		return errors.New("nil config")
	}
	if err := c.Agent.Validate(); err != nil {
		return fmt.Errorf("invalid agent: %w", err)
	}
	if c.Index != nil {
		if err := validateBaseURL(c.Index.BaseURL, false); err != nil {
			return fmt.Errorf("invalid index: %w", err)
		}
	}
	if c.RemoteStore != nil {
		if err := validateBaseURL(c.RemoteStore.BaseURL, true); err != nil {
			return fmt.Errorf("invalid remote_store: %w", err)
		}
	}
	if c.Naming != nil {
		if err := c.Naming.Validate(); err != nil {
			return fmt.Errorf("invalid naming: %w", err)
		}
	}
	if c.Transcription != nil {
		if err := validateBaseURL(c.Transcription.BaseURL, false); err != nil {
			return fmt.Errorf("invalid transcription: %w", err)
		}
	}
	if c.Capabilities != nil {
		if err := c.Capabilities.Validate(); err != nil {
			return fmt.Errorf("invalid capabilities: %w", err)
		}
	}
	if c.HistoryLimit < 0 {
		return errors.New("history_limit must be >= 0")
	}
	switch strings.ToLower(strings.TrimSpace(c.LogFormat)) {
	case "", "json", "text":
	default:
		return fmt.Errorf("invalid log_format %q", c.LogFormat)
	}
	switch strings.ToLower(strings.TrimSpace(c.LogLevel)) {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log_level %q", c.LogLevel)
	}
	return nil
}

func validateBaseURL(raw string, required bool) error {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		if required {
			return errors.New("missing base_url")
		}
		return nil
	}
	u, err := url.Parse(raw)
	if err != nil || u == nil {
		return fmt.Errorf("invalid base_url %q", raw)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("base_url must be http(s): %q", raw)
	}
	if strings.TrimSpace(u.Host) == "" {
		return fmt.Errorf("base_url missing host: %q", raw)
	}
	return nil
}

// Default returns a config that works against the default agent endpoint once an API key is set.
func Default() *Config {
	return &Config{
		Agent: AgentConfig{
			Name:  DefaultAgentName,
			Model: DefaultAgentModel,
		},
		Capabilities: &CapabilitiesConfig{ImageSearchPolicy: ImageSearchExclusive},
		HistoryLimit: 20,
		LogFormat:    "text",
		LogLevel:     "info",
	}
}

// DefaultConfigPath returns the default config path:
//
//	~/.threadline/config.json
func DefaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil || strings.TrimSpace(home) == "" {
		return "threadline.config.json"
	}
	return filepath.Join(home, ".threadline", "config.json")
}

// ResolveStateDir returns StateDir, defaulting to the directory that holds configPath.
func (c *Config) ResolveStateDir(configPath string) string {
	if c != nil && strings.TrimSpace(c.StateDir) != "" {
		return filepath.Clean(strings.TrimSpace(c.StateDir))
	}
	return filepath.Dir(filepath.Clean(configPath))
}

func isYAML(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return true
	default:
		return false
	}
}

func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg Config
	if isYAML(path) {
		err = yaml.Unmarshal(b, &cfg)
	} else {
		err = json.Unmarshal(b, &cfg)
	}
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

func Save(path string, cfg *Config) error {
	if cfg == nil {
		return errors.New("nil config")
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}

	var (
		b   []byte
		err error
	)
	if isYAML(path) {
		b, err = yaml.Marshal(cfg)
	} else {
		b, err = json.MarshalIndent(cfg, "", "  ")
		b = append(b, '\n')
	}
	if err != nil {
		return err
	}

	// Write atomically.
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
