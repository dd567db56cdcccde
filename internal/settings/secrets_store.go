package settings

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

// Well-known secret names.
const (
	SecretAgentAPIKey         = "agent_api_key"
	SecretNamingAPIKey        = "naming_api_key"
	SecretTranscriptionAPIKey = "transcription_api_key"
	SecretRemoteStoreToken    = "remote_store_token"
)

var knownSecrets = map[string]bool{
	SecretAgentAPIKey:         true,
	SecretNamingAPIKey:        true,
	SecretTranscriptionAPIKey: true,
	SecretRemoteStoreToken:    true,
}

// KnownSecret reports whether name is one of the secret names threadline reads.
func KnownSecret(name string) bool {
	return knownSecrets[strings.TrimSpace(name)]
}

// KnownSecretNames returns the supported names in sorted order.
func KnownSecretNames() []string {
	out := make([]string, 0, len(knownSecrets))
	for k := range knownSecrets {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// SecretsStore persists user-managed secrets to a local file next to the config.
//
// Secrets never go through config.json, and nothing prints them back; callers only
// see whether a name is set.
type SecretsStore struct {
	path string
	mu   sync.Mutex
}

func NewSecretsStore(path string) *SecretsStore {
	return &SecretsStore{path: filepath.Clean(strings.TrimSpace(path))}
}

// DefaultSecretsPath returns <stateDir>/secrets.json.
func DefaultSecretsPath(stateDir string) string {
	return filepath.Join(stateDir, "secrets.json")
}

func (s *SecretsStore) Path() string {
	if s == nil {
		return ""
	}
	return strings.TrimSpace(s.path)
}

type secretsFile struct {
	SchemaVersion int               `json:"schema_version"`
	Secrets       map[string]string `json:"secrets,omitempty"`
}

// Get returns the named secret. A missing file or an empty value reports ok=false without error.
//
// For every name an environment variable THREADLINE_<NAME> takes precedence over the file.
func (s *SecretsStore) Get(name string) (string, bool, error) {
	if s == nil {
		return "", false, errors.New("nil secrets store")
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return "", false, errors.New("missing secret name")
	}
	if v := strings.TrimSpace(os.Getenv(EnvName(name))); v != "" {
		return v, true, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	sf, err := s.loadLocked()
	if err != nil {
		return "", false, err
	}
	v := strings.TrimSpace(sf.Secrets[name])
	if v == "" {
		return "", false, nil
	}
	return v, true, nil
}

// EnvName maps a secret name to its environment override.
func EnvName(name string) string {
	return "THREADLINE_" + strings.ToUpper(strings.TrimSpace(name))
}

func (s *SecretsStore) Set(name string, value string) error {
	value = strings.TrimSpace(value)
	if value == "" {
		return errors.New("missing secret value")
	}
	return s.ApplyPatches([]SecretPatch{{Name: name, Value: &value}})
}

func (s *SecretsStore) Clear(name string) error {
	return s.ApplyPatches([]SecretPatch{{Name: name}})
}

type SecretPatch struct {
	Name string
	// Value is the new secret. If nil, the secret is cleared.
	Value *string
}

func (s *SecretsStore) ApplyPatches(patches []SecretPatch) error {
	if s == nil {
		return errors.New("nil secrets store")
	}
	if len(patches) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	sf, err := s.loadLocked()
	if err != nil {
		return err
	}
	if sf.Secrets == nil {
		sf.Secrets = make(map[string]string)
	}
	for _, p := range patches {
		name := strings.TrimSpace(p.Name)
		if name == "" {
			return errors.New("missing secret name")
		}
		if !KnownSecret(name) {
			return fmt.Errorf("unknown secret %q", name)
		}
		if p.Value == nil {
			delete(sf.Secrets, name)
			continue
		}
		v := strings.TrimSpace(*p.Value)
		if v == "" {
			return errors.New("missing secret value")
		}
		sf.Secrets[name] = v
	}
	if len(sf.Secrets) == 0 {
		sf.Secrets = nil
	}
	return s.saveLocked(sf)
}

// Status reports which of names are set, without revealing values.
func (s *SecretsStore) Status(names []string) (map[string]bool, error) {
	out := make(map[string]bool, len(names))
	for _, n := range names {
		n = strings.TrimSpace(n)
		if n == "" {
			continue
		}
		_, ok, err := s.Get(n)
		if err != nil {
			return nil, err
		}
		out[n] = ok
	}
	return out, nil
}

func (s *SecretsStore) loadLocked() (*secretsFile, error) {
	path := strings.TrimSpace(s.path)
	if path == "" || path == "." {
		return nil, errors.New("missing secrets path")
	}
	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &secretsFile{SchemaVersion: 1}, nil
		}
		return nil, err
	}
	var sf secretsFile
	if err := json.Unmarshal(b, &sf); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	if sf.SchemaVersion == 0 {
		sf.SchemaVersion = 1
	}
	return &sf, nil
}

func (s *SecretsStore) saveLocked(sf *secretsFile) error {
	path := strings.TrimSpace(s.path)
	if path == "" || path == "." {
		return errors.New("missing secrets path")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}

	b, err := json.MarshalIndent(sf, "", "  ")
	if err != nil {
		return err
	}
	b = append(b, '\n')

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
