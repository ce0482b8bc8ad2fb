package vault

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"github.com/GoCodeAlone/workflow/secrets"
)

// memSecrets implements secrets.Provider in memory.
type memSecrets struct {
	values map[string]string
}

func newMemSecrets() *memSecrets { return &memSecrets{values: make(map[string]string)} }

func (m *memSecrets) Name() string { return "mem" }

func (m *memSecrets) Get(_ context.Context, name string) (string, error) {
	v, ok := m.values[name]
	if !ok {
		return "", fmt.Errorf("secret %q: %w", name, secrets.ErrNotFound)
	}
	return v, nil
}

func (m *memSecrets) Set(_ context.Context, name, value string) error {
	m.values[name] = value
	return nil
}

func (m *memSecrets) Delete(_ context.Context, name string) error {
	delete(m.values, name)
	return nil
}

func (m *memSecrets) List(_ context.Context) ([]string, error) {
	names := make([]string, 0, len(m.values))
	for k := range m.values {
		names = append(names, k)
	}
	return names, nil
}

func TestVault_SetGetScopedByOrg(t *testing.T) {
	v := New(newMemSecrets(), nil)
	ctx := context.Background()

	if err := v.SetSecret(ctx, "org-1", "API_KEY", "sk-one"); err != nil {
		t.Fatalf("SetSecret: %v", err)
	}

	got, found, err := v.GetSecret(ctx, "org-1", "API_KEY")
	if err != nil || !found || got != "sk-one" {
		t.Errorf("GetSecret(org-1) = %q, %v, %v", got, found, err)
	}

	_, found, err = v.GetSecret(ctx, "org-2", "API_KEY")
	if err != nil {
		t.Fatalf("GetSecret(org-2): %v", err)
	}
	if found {
		t.Error("org-2 must not see org-1's secret")
	}
}

func TestVault_FallsBackToUnscoped(t *testing.T) {
	backend := newMemSecrets()
	backend.values["API_KEY"] = "sk-global"
	v := New(backend, nil)

	got, found, err := v.GetSecret(context.Background(), "org-3", "API_KEY")
	if err != nil || !found || got != "sk-global" {
		t.Errorf("GetSecret = %q, %v, %v; want sk-global", got, found, err)
	}
}

func TestVault_RedactsKnownSecrets(t *testing.T) {
	backend := newMemSecrets()
	backend.values["org-1__DB_PASS"] = "hunter22"
	v := New(backend, nil)
	if err := v.LoadAll(context.Background()); err != nil {
		t.Fatalf("LoadAll: %v", err)
	}

	got := v.Redactor().Redact("the password is hunter22, obviously")
	if strings.Contains(got, "hunter22") {
		t.Errorf("secret leaked: %q", got)
	}
	if !strings.Contains(got, "[REDACTED:DB_PASS]") {
		t.Errorf("redacted = %q", got)
	}
}

func TestRedactor_IgnoresShortValues(t *testing.T) {
	r := NewRedactor()
	r.Add("PIN", "42")
	if got := r.Redact("answer is 42"); got != "answer is 42" {
		t.Errorf("short value redacted: %q", got)
	}
}

func TestOpen_UnknownBackend(t *testing.T) {
	if _, err := Open(Config{Backend: "carrier-pigeon"}, nil); err == nil {
		t.Fatal("expected error for unknown backend")
	}
}

func TestOpen_FileBackend(t *testing.T) {
	v, err := Open(Config{Backend: "file", Dir: t.TempDir()}, nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if v.Backend() == "" {
		t.Error("backend name should not be empty")
	}
}

func TestOpen_VaultBackendRequiresCredentials(t *testing.T) {
	for _, cfg := range []Config{
		{Backend: "vault"},
		{Backend: "vault", Address: "http://127.0.0.1:8200"},
		{Backend: "vault", Token: "hvs.only-token"},
	} {
		if _, err := Open(cfg, nil); err == nil {
			t.Errorf("Open(%+v) succeeded without address and token", cfg)
		}
	}
}

func TestOpen_RedactsBackendToken(t *testing.T) {
	v, err := Open(Config{Backend: "file", Dir: t.TempDir(), Token: "hvs.abcdef123456"}, nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if got := v.Redactor().Redact("token hvs.abcdef123456 leaked"); strings.Contains(got, "hvs.abcdef123456") {
		t.Errorf("Redact = %q", got)
	}
}
