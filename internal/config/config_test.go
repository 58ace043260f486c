package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/staninnat/auctiond/internal/config"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("writing config: %v", err)
	}
	return path
}

func TestLoad_Defaults(t *testing.T) {
	path := writeConfig(t, "database:\n  password: secret\n")

	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Server.Port != 8080 {
		t.Errorf("Server.Port = %d, want 8080", cfg.Server.Port)
	}
	if cfg.Arbiter.BidTimeout != 5*time.Second {
		t.Errorf("Arbiter.BidTimeout = %s, want 5s", cfg.Arbiter.BidTimeout)
	}
	if cfg.Closer.Interval != 60*time.Second {
		t.Errorf("Closer.Interval = %s, want 60s", cfg.Closer.Interval)
	}
	if cfg.Closer.MaxRetries != 3 {
		t.Errorf("Closer.MaxRetries = %d, want 3", cfg.Closer.MaxRetries)
	}
	if cfg.Auth.Audience != "auction:realtime" {
		t.Errorf("Auth.Audience = %q, want %q", cfg.Auth.Audience, "auction:realtime")
	}
	if cfg.Auth.Issuer != "auction:core" {
		t.Errorf("Auth.Issuer = %q, want %q", cfg.Auth.Issuer, "auction:core")
	}
	if cfg.Database.Password != "secret" {
		t.Errorf("Database.Password = %q, want %q", cfg.Database.Password, "secret")
	}
}

func TestLoad_Overrides(t *testing.T) {
	path := writeConfig(t, `
server:
  port: 9090
arbiter:
  bid_timeout: 2s
closer:
  interval: 30s
  max_retries: 5
bus:
  url: redis://bus:6379/1
`)

	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Server.Port != 9090 {
		t.Errorf("Server.Port = %d, want 9090", cfg.Server.Port)
	}
	if cfg.Arbiter.BidTimeout != 2*time.Second {
		t.Errorf("Arbiter.BidTimeout = %s, want 2s", cfg.Arbiter.BidTimeout)
	}
	if cfg.Closer.Interval != 30*time.Second {
		t.Errorf("Closer.Interval = %s, want 30s", cfg.Closer.Interval)
	}
	if cfg.Closer.MaxRetries != 5 {
		t.Errorf("Closer.MaxRetries = %d, want 5", cfg.Closer.MaxRetries)
	}
	if cfg.Bus.URL != "redis://bus:6379/1" {
		t.Errorf("Bus.URL = %q, want %q", cfg.Bus.URL, "redis://bus:6379/1")
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("BUS_URL", "redis://env-bus:6379/0")
	t.Setenv("DB_URL", "host=env-db port=5432 dbname=auctiond sslmode=disable")
	t.Setenv("JWT_AUDIENCE", "auction:test")

	path := writeConfig(t, "bus:\n  url: redis://file-bus:6379/0\n")

	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Bus.URL != "redis://env-bus:6379/0" {
		t.Errorf("Bus.URL = %q, want env override", cfg.Bus.URL)
	}
	if got := cfg.Database.DSN(); got != "host=env-db port=5432 dbname=auctiond sslmode=disable" {
		t.Errorf("DSN() = %q, want DB_URL verbatim", got)
	}
	if cfg.Auth.Audience != "auction:test" {
		t.Errorf("Auth.Audience = %q, want env override", cfg.Auth.Audience)
	}
}

func TestLoad_InvalidDriver(t *testing.T) {
	path := writeConfig(t, "database:\n  driver: sqlite\n")

	if _, err := config.Load(path); err == nil {
		t.Fatal("expected error for unsupported driver")
	}
}

func TestLoad_InvalidTimeouts(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"zero bid timeout", "arbiter:\n  bid_timeout: 0s\n"},
		{"zero closer interval", "closer:\n  interval: 0s\n"},
		{"negative retries", "closer:\n  max_retries: -1\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeConfig(t, tt.body)
			if _, err := config.Load(path); err == nil {
				t.Fatal("expected validation error")
			}
		})
	}
}

func TestDSN(t *testing.T) {
	d := config.DatabaseConfig{
		Host: "db", Port: 5433, User: "u", Password: "p", DBName: "auctiond", SSLMode: "require",
	}
	want := "host=db port=5433 user=u password=p dbname=auctiond sslmode=require"
	if got := d.DSN(); got != want {
		t.Errorf("DSN() = %q, want %q", got, want)
	}
}
