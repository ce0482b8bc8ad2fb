package brain

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/GoCodeAlone/sortie/provider"
	"github.com/GoCodeAlone/sortie/provider/anthropic"
	"github.com/GoCodeAlone/sortie/provider/mock"
)

// Builder produces a Brain for an identity. Runtimes call it again whenever
// the agent's soul changes.
type Builder interface {
	Build(ctx context.Context, id Identity) (Brain, error)
}

// SecretSource looks up provider credentials per organization.
type SecretSource interface {
	GetSecret(ctx context.Context, orgID, key string) (string, bool, error)
}

// Constructor creates a provider for a model and credential.
type Constructor func(model, apiKey string) provider.Provider

// FactoryConfig configures a Factory.
type FactoryConfig struct {
	DefaultProvider string
	DefaultModel    string
	APIKey          string // used before the vault is consulted
	KeyName         string // vault key holding the provider credential
	BaseURL         string
	Timeout         time.Duration
	Secrets         SecretSource
	Logger          *slog.Logger
}

// Factory builds provider-backed brains. The "mock" and "anthropic"
// providers are registered by default.
type Factory struct {
	cfg    FactoryConfig
	logger *slog.Logger

	mu           sync.RWMutex
	constructors map[string]Constructor
}

// NewFactory creates a Factory.
func NewFactory(cfg FactoryConfig) *Factory {
	if cfg.DefaultProvider == "" {
		cfg.DefaultProvider = "mock"
	}
	if cfg.KeyName == "" {
		cfg.KeyName = "ANTHROPIC_API_KEY"
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	f := &Factory{cfg: cfg, logger: logger, constructors: make(map[string]Constructor)}
	f.Register("mock", func(string, string) provider.Provider { return mock.New() })
	f.Register("anthropic", func(model, apiKey string) provider.Provider {
		return anthropic.New(anthropic.Config{APIKey: apiKey, Model: model, BaseURL: cfg.BaseURL})
	})
	return f
}

// Register adds or replaces a provider constructor.
func (f *Factory) Register(name string, c Constructor) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.constructors[name] = c
}

// Build implements Builder.
func (f *Factory) Build(ctx context.Context, id Identity) (Brain, error) {
	name := id.Provider
	if name == "" {
		name = f.cfg.DefaultProvider
	}
	model := id.Model
	if model == "" {
		model = f.cfg.DefaultModel
	}

	f.mu.RLock()
	construct, ok := f.constructors[name]
	f.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("brain: unknown provider %q", name)
	}

	apiKey, err := f.credential(ctx, name, id.OrgID)
	if err != nil {
		return nil, err
	}
	id.Provider, id.Model = name, model
	return New(construct(model, apiKey), id, f.cfg.Timeout), nil
}

func (f *Factory) credential(ctx context.Context, providerName, orgID string) (string, error) {
	if providerName == "mock" || f.cfg.APIKey != "" {
		return f.cfg.APIKey, nil
	}
	if f.cfg.Secrets == nil {
		return "", fmt.Errorf("brain: no credential for provider %q", providerName)
	}
	key, found, err := f.cfg.Secrets.GetSecret(ctx, orgID, f.cfg.KeyName)
	if err != nil {
		return "", fmt.Errorf("brain: read credential %s: %w", f.cfg.KeyName, err)
	}
	if !found {
		return "", fmt.Errorf("brain: credential %s not set for org %s", f.cfg.KeyName, orgID)
	}
	f.logger.Debug("provider credential sourced from vault", "org_id", orgID, "provider", providerName)
	return key, nil
}
