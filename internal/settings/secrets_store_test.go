package settings

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestSecretsStore_SetGetClear(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "state", "secrets.json")
	s := NewSecretsStore(path)

	if _, ok, err := s.Get(SecretNamingAPIKey); err != nil || ok {
		t.Fatalf("Get on missing file ok=%v err=%v", ok, err)
	}
	if err := s.Set(SecretNamingAPIKey, "  sk-test  "); err != nil {
		t.Fatalf("Set: %v", err)
	}
	v, ok, err := s.Get(SecretNamingAPIKey)
	if err != nil || !ok || v != "sk-test" {
		t.Fatalf("Get=%q ok=%v err=%v", v, ok, err)
	}
	st, err := os.Stat(path)
	if err != nil {
		t.Fatalf("Stat: %v", err)
	}
	if perm := st.Mode().Perm(); perm != 0o600 {
		t.Fatalf("perm=%o, want 600", perm)
	}

	status, err := s.Status([]string{SecretNamingAPIKey, SecretRemoteStoreToken})
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if !status[SecretNamingAPIKey] || status[SecretRemoteStoreToken] {
		t.Fatalf("Status=%v", status)
	}

	if err := s.Clear(SecretNamingAPIKey); err != nil {
		t.Fatalf("Clear: %v", err)
	}
	if _, ok, _ := s.Get(SecretNamingAPIKey); ok {
		t.Fatalf("secret still set after Clear")
	}
}

func TestSecretsStore_RejectsUnknownAndEmpty(t *testing.T) {
	t.Parallel()

	s := NewSecretsStore(filepath.Join(t.TempDir(), "secrets.json"))
	if err := s.Set("github_token", "x"); err == nil || !strings.Contains(err.Error(), "unknown secret") {
		t.Fatalf("err=%v, want unknown secret", err)
	}
	if err := s.Set(SecretAgentAPIKey, "   "); err == nil {
		t.Fatalf("expected error for empty value")
	}
}

func TestSecretsStore_EnvOverride(t *testing.T) {
	t.Setenv(EnvName(SecretRemoteStoreToken), "from-env")

	s := NewSecretsStore(filepath.Join(t.TempDir(), "secrets.json"))
	v, ok, err := s.Get(SecretRemoteStoreToken)
	if err != nil || !ok || v != "from-env" {
		t.Fatalf("Get=%q ok=%v err=%v", v, ok, err)
	}
}

func TestKnownSecretNames_Sorted(t *testing.T) {
	t.Parallel()

	names := KnownSecretNames()
	if len(names) != 4 || names[0] != SecretAgentAPIKey || names[3] != SecretTranscriptionAPIKey {
		t.Fatalf("names=%v", names)
	}
}
