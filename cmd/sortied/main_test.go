package main

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "sortie.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadConfig(t *testing.T) {
	path := writeConfig(t, `
server:
  addr: "127.0.0.1:0"
auth:
  org: acme
store:
  driver: sqlite
  dsn: ":memory:"
log_format: json
`)
	cfg, err := loadConfig(path)
	if err != nil {
		t.Fatalf("loadConfig: %v", err)
	}
	if cfg.Auth.OrgID != "acme" || cfg.Store.DSN != ":memory:" || cfg.Server.Addr != "127.0.0.1:0" {
		t.Errorf("cfg = %+v", cfg)
	}
	if len(cfg.Agents) == 0 {
		t.Error("default agents were dropped")
	}
}

func TestLoadConfig_Invalid(t *testing.T) {
	path := writeConfig(t, "log_format: xml\nstore:\n  driver: postgres\n")
	_, err := loadConfig(path)
	if err == nil {
		t.Fatal("expected validation error")
	}
	for _, want := range []string{"log_format", "store.driver"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error %q does not mention %s", err, want)
		}
	}

	if _, err := loadConfig(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestNewLogger(t *testing.T) {
	if _, ok := newLogger("debug", "json").Handler().(*slog.JSONHandler); !ok {
		t.Error("json format should use a JSON handler")
	}
	l := newLogger("bogus", "text")
	if _, ok := l.Handler().(*slog.TextHandler); !ok {
		t.Error("text format should use a text handler")
	}
	if l.Enabled(context.Background(), slog.LevelDebug) {
		t.Error("unknown level should fall back to info")
	}
}
