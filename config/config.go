// Package config defines the Sortie daemon configuration.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/GoCodeAlone/sortie/agent"
	"github.com/GoCodeAlone/sortie/cloud"
	"github.com/GoCodeAlone/sortie/vault"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "SORTIE_"

// Config is the top-level Sortie configuration.
type Config struct {
	Server    ServerConfig   `json:"server" yaml:"server"`
	Auth      AuthConfig     `json:"auth" yaml:"auth"`
	Store     StoreConfig    `json:"store" yaml:"store"`
	Runtime   agent.Settings `json:"runtime" yaml:"runtime"`
	Fleet     FleetConfig    `json:"fleet" yaml:"fleet"`
	Brain     BrainConfig    `json:"brain" yaml:"brain"`
	Vault     vault.Config   `json:"vault" yaml:"vault"`
	Activity  ActivityConfig `json:"activity" yaml:"activity"`
	Tools     ToolsConfig    `json:"tools" yaml:"tools"`
	Agents    []AgentConfig  `json:"agents" yaml:"agents"`
	DataDir   string         `json:"data_dir" yaml:"data_dir"`
	LogLevel  string         `json:"log_level" yaml:"log_level"`
	LogFormat string         `json:"log_format" yaml:"log_format"` // "text" or "json"
}

// ServerConfig controls the HTTP server.
type ServerConfig struct {
	Addr string `json:"addr" yaml:"addr"` // listen address, e.g., ":9090"
}

// AuthConfig controls admin API authentication.
type AuthConfig struct {
	JWTSecret string        `json:"jwt_secret" yaml:"jwt_secret"`
	AdminUser string        `json:"admin_user" yaml:"admin_user"`
	AdminPass string        `json:"admin_pass" yaml:"admin_pass"` // bcrypt hash
	OrgID     string        `json:"org" yaml:"org"`               // organization admins act for
	TokenTTL  time.Duration `json:"token_ttl" yaml:"token_ttl"`
}

// StoreConfig selects the database.
type StoreConfig struct {
	Driver       string `json:"driver" yaml:"driver"` // "sqlite" or "mysql"
	DSN          string `json:"dsn" yaml:"dsn"`
	MaxOpenConns int    `json:"max_open_conns" yaml:"max_open_conns"`
}

// FleetConfig controls machines and idle reaping.
type FleetConfig struct {
	Machines     string             `json:"machines" yaml:"machines"` // "none" or "docker"
	Docker       cloud.DockerConfig `json:"docker" yaml:"docker"`
	IdleTimeout  time.Duration      `json:"idle_timeout" yaml:"idle_timeout"`
	ReapInterval time.Duration      `json:"reap_interval" yaml:"reap_interval"`
}

// BrainConfig selects the default LLM provider.
type BrainConfig struct {
	Provider string        `json:"provider" yaml:"provider"` // "mock" or "anthropic"
	Model    string        `json:"model,omitempty" yaml:"model"`
	APIKey   string        `json:"-" yaml:"api_key"`
	KeyName  string        `json:"key_name" yaml:"key_name"` // vault secret holding the API key
	BaseURL  string        `json:"base_url,omitempty" yaml:"base_url"`
	Timeout  time.Duration `json:"timeout" yaml:"timeout"`
}

// ActivityConfig enables the external activity sinks. Empty addresses
// leave a sink disabled.
type ActivityConfig struct {
	RedisAddr     string `json:"redis_addr" yaml:"redis_addr"`
	RedisPassword string `json:"-" yaml:"redis_password"`
	RedisStream   string `json:"redis_stream" yaml:"redis_stream"`
	RedisMaxLen   int64  `json:"redis_max_len" yaml:"redis_max_len"` // approximate cap, 0 keeps everything
	AMQPURL       string `json:"-" yaml:"amqp_url"`
	AMQPQueue     string `json:"amqp_queue" yaml:"amqp_queue"`
}

// ToolsConfig controls the built-in agent tools.
type ToolsConfig struct {
	WebFetch       bool          `json:"web_fetch" yaml:"web_fetch"`
	Headless       bool          `json:"headless" yaml:"headless"`
	BrowserTimeout time.Duration `json:"browser_timeout" yaml:"browser_timeout"`
}

// AgentConfig declares an agent the daemon runs locally. Agents are created
// on first start and matched by name afterwards.
type AgentConfig struct {
	Name     string `json:"name" yaml:"name"`
	Role     string `json:"role" yaml:"role"`
	Soul     string `json:"soul" yaml:"soul"`
	TeamID   string `json:"team_id,omitempty" yaml:"team_id"`
	Provider string `json:"provider,omitempty" yaml:"provider"`
	Model    string `json:"model,omitempty" yaml:"model"`
}

// DefaultConfig returns a config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Addr: ":9090",
		},
		Auth: AuthConfig{
			AdminUser: "admin",
			OrgID:     "default",
			TokenTTL:  24 * time.Hour,
		},
		Store: StoreConfig{
			Driver: "sqlite",
			DSN:    "./data/sortie.db",
		},
		Runtime: agent.DefaultSettings(),
		Fleet: FleetConfig{
			Machines:     "none",
			IdleTimeout:  15 * time.Minute,
			ReapInterval: time.Minute,
		},
		Brain: BrainConfig{
			Provider: "mock",
			KeyName:  "ANTHROPIC_API_KEY",
			Timeout:  90 * time.Second,
		},
		Vault: vault.Config{
			Backend: "file",
			Dir:     "./data/secrets",
		},
		Activity: ActivityConfig{
			RedisStream: "sortie:activity",
			AMQPQueue:   "sortie.activity",
		},
		Tools: ToolsConfig{
			Headless:       true,
			BrowserTimeout: 30 * time.Second,
		},
		DataDir:   "./data",
		LogLevel:  "info",
		LogFormat: "text",
		Agents: []AgentConfig{
			{
				Name: "Commander",
				Role: agent.RoleCommander,
				Soul: "You coordinate the fleet. You plan work, delegate tasks to team members, and keep missions moving.",
			},
		},
	}
}

// Load reads a YAML config file over the defaults and applies environment
// overrides. An empty path skips the file.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv overrides fields from SORTIE_* variables. Secrets are usually
// provided this way instead of in the file.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	str := map[string]*string{
		"ADDR":           &c.Server.Addr,
		"JWT_SECRET":     &c.Auth.JWTSecret,
		"ADMIN_USER":     &c.Auth.AdminUser,
		"ADMIN_PASS":     &c.Auth.AdminPass,
		"ORG":            &c.Auth.OrgID,
		"STORE_DRIVER":   &c.Store.Driver,
		"STORE_DSN":      &c.Store.DSN,
		"BRAIN_PROVIDER": &c.Brain.Provider,
		"BRAIN_MODEL":    &c.Brain.Model,
		"API_KEY":        &c.Brain.APIKey,
		"REDIS_ADDR":     &c.Activity.RedisAddr,
		"REDIS_PASSWORD": &c.Activity.RedisPassword,
		"AMQP_URL":       &c.Activity.AMQPURL,
		"VAULT_ADDR":     &c.Vault.Address,
		"VAULT_TOKEN":    &c.Vault.Token,
		"DATA_DIR":       &c.DataDir,
		"LOG_LEVEL":      &c.LogLevel,
		"LOG_FORMAT":     &c.LogFormat,
	}
	for key, field := range str {
		if v, ok := lookup(EnvPrefix + key); ok {
			*field = v
		}
	}
	if v, ok := lookup(EnvPrefix + "IDLE_TIMEOUT"); ok {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("%sIDLE_TIMEOUT: %w", EnvPrefix, err)
		}
		c.Fleet.IdleTimeout = d
	}
	return nil
}

// Validate reports every configuration problem at once.
func (c *Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.Server.Addr) == "" {
		errs = append(errs, errors.New("server.addr is required"))
	}
	if c.Auth.OrgID == "" {
		errs = append(errs, errors.New("auth.org is required"))
	}
	if c.Auth.AdminPass != "" && !strings.HasPrefix(c.Auth.AdminPass, "$2") {
		errs = append(errs, errors.New("auth.admin_pass must be a bcrypt hash"))
	}
	switch c.Store.Driver {
	case "sqlite":
	case "mysql":
		if c.Store.DSN == "" {
			errs = append(errs, errors.New("store.dsn is required for mysql"))
		}
	default:
		errs = append(errs, fmt.Errorf("store.driver %q must be sqlite or mysql", c.Store.Driver))
	}
	switch c.Fleet.Machines {
	case "", "none":
	case "docker":
		if c.Fleet.Docker.Image == "" {
			errs = append(errs, errors.New("fleet.docker.image is required for docker machines"))
		}
	default:
		errs = append(errs, fmt.Errorf("fleet.machines %q must be none or docker", c.Fleet.Machines))
	}
	if c.Activity.RedisMaxLen < 0 {
		errs = append(errs, errors.New("activity.redis_max_len must not be negative"))
	}
	if c.Fleet.IdleTimeout < 0 || c.Fleet.ReapInterval < 0 {
		errs = append(errs, errors.New("fleet durations must not be negative"))
	}
	switch c.Vault.Backend {
	case "", "file", "env":
	case "vault":
		if c.Vault.Address == "" || c.Vault.Token == "" {
			errs = append(errs, errors.New("vault.address and vault.token are required for the vault backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("vault.backend %q must be file, env or vault", c.Vault.Backend))
	}
	switch c.LogFormat {
	case "", "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log_format %q must be text or json", c.LogFormat))
	}
	names := make(map[string]bool, len(c.Agents))
	for i, a := range c.Agents {
		name := strings.ToLower(strings.TrimSpace(a.Name))
		if name == "" {
			errs = append(errs, fmt.Errorf("agents[%d].name is required", i))
			continue
		}
		if names[name] {
			errs = append(errs, fmt.Errorf("agents[%d]: duplicate name %q", i, a.Name))
		}
		names[name] = true
	}
	return errors.Join(errs...)
}
