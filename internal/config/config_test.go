package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestSaveAndLoad(t *testing.T) {
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "config.toml")

	cfg := Default()
	cfg.DefaultProfile = "work"
	cfg.CacheExpiry = 2 * time.Minute
	cfg.Transport = TransportPoll
	if err := Save(path, cfg); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if loaded.DefaultProfile != "work" {
		t.Errorf("DefaultProfile = %q, want %q", loaded.DefaultProfile, "work")
	}
	if loaded.CacheExpiry != 2*time.Minute {
		t.Errorf("CacheExpiry = %v, want 2m", loaded.CacheExpiry)
	}
	if loaded.Transport != TransportPoll {
		t.Errorf("Transport = %q, want %q", loaded.Transport, TransportPoll)
	}
}

func TestLoadMissing(t *testing.T) {
	_, err := Load("/nonexistent/config.toml")
	if err == nil {
		t.Error("Load() expected error for missing file")
	}
}

func TestLoadPartialKeepsDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte("max_connections = 2\nacquire_timeout = \"250ms\"\n"), 0600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.MaxConnections != 2 {
		t.Errorf("MaxConnections = %d, want 2", cfg.MaxConnections)
	}
	if cfg.AcquireTimeout != 250*time.Millisecond {
		t.Errorf("AcquireTimeout = %v, want 250ms", cfg.AcquireTimeout)
	}
	if cfg.MessagesPerPage != 50 {
		t.Errorf("MessagesPerPage = %d, want default 50", cfg.MessagesPerPage)
	}
	if cfg.MaxRetries != 3 {
		t.Errorf("MaxRetries = %d, want default 3", cfg.MaxRetries)
	}
}

func TestResolveMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Resolve(filepath.Join(t.TempDir(), "config.toml"))
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if cfg.CacheExpiry != 5*time.Minute {
		t.Errorf("CacheExpiry = %v, want 5m", cfg.CacheExpiry)
	}
}

func TestResolveEnvOverrides(t *testing.T) {
	t.Setenv("CARECHAT_MAX_CONNECTIONS", "7")
	t.Setenv("CARECHAT_DELIVERY_DELAY", "2s")
	t.Setenv("CARECHAT_TRANSPORT", TransportPoll)

	cfg, err := Resolve(filepath.Join(t.TempDir(), "config.toml"))
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if cfg.MaxConnections != 7 {
		t.Errorf("MaxConnections = %d, want 7", cfg.MaxConnections)
	}
	if cfg.DeliveryDelay != 2*time.Second {
		t.Errorf("DeliveryDelay = %v, want 2s", cfg.DeliveryDelay)
	}
	if cfg.Transport != TransportPoll {
		t.Errorf("Transport = %q, want poll", cfg.Transport)
	}
}

func TestResolveDotEnv(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, ".env"), []byte("CARECHAT_METRICS_ADDR=127.0.0.1:9309\n"), 0600); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = os.Unsetenv("CARECHAT_METRICS_ADDR") })

	cfg, err := Resolve(filepath.Join(dir, "config.toml"))
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if cfg.MetricsAddr != "127.0.0.1:9309" {
		t.Errorf("MetricsAddr = %q, want 127.0.0.1:9309", cfg.MetricsAddr)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"defaults", func(*Config) {}, false},
		{"bad transport", func(c *Config) { c.Transport = "carrier-pigeon" }, true},
		{"bad backend", func(c *Config) { c.CacheBackend = "redis" }, true},
		{"zero connections", func(c *Config) { c.MaxConnections = 0 }, true},
		{"zero retries", func(c *Config) { c.MaxRetries = 0 }, true},
		{"bad cron", func(c *Config) { c.MaintenanceCron = "every minute" }, true},
		{"cron disabled", func(c *Config) { c.MaintenanceCron = "" }, false},
		{"poll without interval", func(c *Config) { c.Transport = TransportPoll; c.PollInterval = 0 }, true},
		{"debug level", func(c *Config) { c.LogLevel = "debug" }, false},
		{"bad level", func(c *Config) { c.LogLevel = "chatty" }, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestSavePermissions(t *testing.T) {
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "config.toml")

	if err := Save(path, Default()); err != nil {
		t.Fatal(err)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	perm := info.Mode().Perm()
	if perm != 0600 {
		t.Errorf("file permission = %o, want 0600", perm)
	}
}
