// Package vault stores per-organization secrets on top of a workflow
// secrets backend and redacts known secret values from outgoing text.
package vault

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"strings"
	"sync"

	"github.com/GoCodeAlone/workflow/secrets"
)

// Config selects and configures the secrets backend.
type Config struct {
	Backend string `yaml:"backend"` // "file", "env" or "vault"
	Dir     string `yaml:"dir"`     // file backend directory
	Prefix  string `yaml:"prefix"`  // env backend variable prefix

	// HashiCorp Vault KV v2 backend.
	Address   string `yaml:"address"`
	Token     string `json:"-" yaml:"token"`
	MountPath string `yaml:"mount_path"`
	Namespace string `yaml:"namespace"`
}

// Vault scopes secret names by organization. A lookup that finds no
// org-scoped value falls back to the unscoped name, so a process-wide
// credential can serve every organization.
type Vault struct {
	backend  secrets.Provider
	redactor *Redactor
	logger   *slog.Logger
}

// Open builds the configured backend.
func Open(cfg Config, logger *slog.Logger) (*Vault, error) {
	var backend secrets.Provider
	switch cfg.Backend {
	case "", "file":
		dir := cfg.Dir
		if dir == "" {
			dir = "data/secrets"
		}
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("vault: create %s: %w", dir, err)
		}
		backend = secrets.NewFileProvider(dir)
	case "env":
		prefix := cfg.Prefix
		if prefix == "" {
			prefix = "SORTIE_SECRET_"
		}
		backend = secrets.NewEnvProvider(prefix)
	case "vault":
		if cfg.Address == "" || cfg.Token == "" {
			return nil, errors.New("vault: address and token are required for the vault backend")
		}
		vp, err := secrets.NewVaultProvider(secrets.VaultConfig{
			Address:   cfg.Address,
			Token:     cfg.Token,
			MountPath: cfg.MountPath,
			Namespace: cfg.Namespace,
		})
		if err != nil {
			return nil, fmt.Errorf("vault: connect %s: %w", cfg.Address, err)
		}
		backend = vp
	default:
		return nil, fmt.Errorf("vault: unknown backend %q", cfg.Backend)
	}
	v := New(backend, logger)
	if cfg.Token != "" {
		v.redactor.Add("VAULT_TOKEN", cfg.Token)
	}
	return v, nil
}

// New wraps an existing backend.
func New(backend secrets.Provider, logger *slog.Logger) *Vault {
	if logger == nil {
		logger = slog.Default()
	}
	return &Vault{backend: backend, redactor: NewRedactor(), logger: logger}
}

// Backend returns the name of the underlying provider.
func (v *Vault) Backend() string { return v.backend.Name() }

// Redactor returns the redactor fed with every secret this vault has seen.
func (v *Vault) Redactor() *Redactor { return v.redactor }

// GetSecret returns the secret for key in org. found is false when neither
// the org-scoped nor the unscoped name exists.
func (v *Vault) GetSecret(ctx context.Context, orgID, key string) (value string, found bool, err error) {
	for _, name := range []string{scoped(orgID, key), key} {
		val, err := v.backend.Get(ctx, name)
		if err != nil {
			if isNotFound(err) {
				continue
			}
			return "", false, fmt.Errorf("vault: get %s: %w", key, err)
		}
		if val == "" {
			continue
		}
		v.redactor.Add(key, val)
		return val, true, nil
	}
	return "", false, nil
}

// SetSecret stores value under key for org.
func (v *Vault) SetSecret(ctx context.Context, orgID, key, value string) error {
	if key == "" {
		return fmt.Errorf("vault: key is required")
	}
	if err := v.backend.Set(ctx, scoped(orgID, key), value); err != nil {
		return fmt.Errorf("vault: set %s: %w", key, err)
	}
	v.redactor.Add(key, value)
	v.logger.Info("secret stored", "org_id", orgID, "key", key)
	return nil
}

// LoadAll registers every secret the backend lists with the redactor.
// Backends that cannot list are skipped.
func (v *Vault) LoadAll(ctx context.Context) error {
	names, err := v.backend.List(ctx)
	if err != nil {
		if errors.Is(err, secrets.ErrUnsupported) {
			return nil
		}
		return fmt.Errorf("vault: list: %w", err)
	}
	for _, name := range names {
		val, err := v.backend.Get(ctx, name)
		if err != nil || val == "" {
			continue
		}
		v.redactor.Add(unscoped(name), val)
	}
	return nil
}

func scoped(orgID, key string) string {
	if orgID == "" {
		return key
	}
	return orgID + "__" + key
}

func unscoped(name string) string {
	if i := strings.Index(name, "__"); i >= 0 {
		return name[i+2:]
	}
	return name
}

func isNotFound(err error) bool {
	return errors.Is(err, secrets.ErrNotFound) || errors.Is(err, fs.ErrNotExist)
}

// Redactor replaces known secret values with a [REDACTED:name] marker.
type Redactor struct {
	mu     sync.RWMutex
	values map[string]string // value -> name
}

// NewRedactor creates an empty Redactor.
func NewRedactor() *Redactor {
	return &Redactor{values: make(map[string]string)}
}

// Add registers a secret value. Values shorter than four characters are
// ignored to avoid mangling ordinary text.
func (r *Redactor) Add(name, value string) {
	if len(value) < 4 {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.values[value] = name
}

// Redact returns text with every known secret value replaced.
func (r *Redactor) Redact(text string) string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for val, name := range r.values {
		if strings.Contains(text, val) {
			text = strings.ReplaceAll(text, val, "[REDACTED:"+name+"]")
		}
	}
	return text
}
