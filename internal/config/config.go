package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/adhocore/gronx"
	"github.com/joho/godotenv"
	"go.uber.org/zap/zapcore"
)

// Transports for remote subscriptions.
const (
	TransportStream = "stream"
	TransportPoll   = "poll"
)

// Durable cache backends.
const (
	BackendPebble = "pebble"
	BackendSQLite = "sqlite"
)

// Config represents the global ~/.carechat/config.toml.
type Config struct {
	DefaultProfile string `toml:"default_profile"`

	RemoteURL    string        `toml:"remote_url"`
	Transport    string        `toml:"transport"`
	PollInterval time.Duration `toml:"poll_interval"`

	ProbeURL      string        `toml:"probe_url"`
	ProbeInterval time.Duration `toml:"connectivity_probe_interval"`
	ProbeTimeout  time.Duration `toml:"probe_timeout"`

	MessagesPerPage        int           `toml:"messages_per_page"`
	CacheExpiry            time.Duration `toml:"cache_expiry"`
	MaxCachedConversations int           `toml:"max_cached_conversations"`
	CacheBackend           string        `toml:"cache_backend"`

	MaxConnections    int           `toml:"max_connections"`
	ConnectionTimeout time.Duration `toml:"connection_timeout"`
	AcquireTimeout    time.Duration `toml:"acquire_timeout"`

	MaxRetries    int           `toml:"max_retries"`
	DeliveryDelay time.Duration `toml:"delivery_delay"`

	MaintenanceCron string `toml:"maintenance_cron"`
	MetricsAddr     string `toml:"metrics_addr"`
	LogLevel        string `toml:"log_level"`
}

// Default returns the configuration used when no file is present.
func Default() *Config {
	return &Config{
		DefaultProfile:         "main",
		RemoteURL:              "http://127.0.0.1:8420",
		Transport:              TransportStream,
		PollInterval:           3 * time.Second,
		ProbeURL:               "https://clients3.google.com/generate_204",
		ProbeInterval:          30 * time.Second,
		ProbeTimeout:           5 * time.Second,
		MessagesPerPage:        50,
		CacheExpiry:            5 * time.Minute,
		MaxCachedConversations: 10,
		CacheBackend:           BackendPebble,
		MaxConnections:         5,
		ConnectionTimeout:      30 * time.Second,
		AcquireTimeout:         10 * time.Second,
		MaxRetries:             3,
		DeliveryDelay:          time.Second,
		MaintenanceCron:        "* * * * *",
		LogLevel:               "info",
	}
}

// Load reads config from the given path on top of Default. Returns nil and
// error if the file is missing.
func Load(path string) (*Config, error) {
	cfg := Default()
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Resolve builds the effective config: defaults, then the TOML file if it
// exists, then a .env file next to it, then CARECHAT_* environment variables.
func Resolve(path string) (*Config, error) {
	cfg, err := Load(path)
	if errors.Is(err, fs.ErrNotExist) {
		cfg, err = Default(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	envPath := filepath.Join(filepath.Dir(path), ".env")
	if err := godotenv.Load(envPath); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load %s: %w", envPath, err)
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	strs := map[string]*string{
		"CARECHAT_PROFILE":          &c.DefaultProfile,
		"CARECHAT_REMOTE_URL":       &c.RemoteURL,
		"CARECHAT_TRANSPORT":        &c.Transport,
		"CARECHAT_PROBE_URL":        &c.ProbeURL,
		"CARECHAT_CACHE_BACKEND":    &c.CacheBackend,
		"CARECHAT_MAINTENANCE_CRON": &c.MaintenanceCron,
		"CARECHAT_METRICS_ADDR":     &c.MetricsAddr,
		"CARECHAT_LOG_LEVEL":        &c.LogLevel,
	}
	for key, dst := range strs {
		if v, ok := os.LookupEnv(key); ok {
			*dst = v
		}
	}

	ints := map[string]*int{
		"CARECHAT_MESSAGES_PER_PAGE": &c.MessagesPerPage,
		"CARECHAT_MAX_CONNECTIONS":   &c.MaxConnections,
		"CARECHAT_MAX_RETRIES":       &c.MaxRetries,
	}
	for key, dst := range ints {
		if v, ok := os.LookupEnv(key); ok {
			n, err := strconv.Atoi(v)
			if err != nil {
				return fmt.Errorf("%s: %w", key, err)
			}
			*dst = n
		}
	}

	durs := map[string]*time.Duration{
		"CARECHAT_POLL_INTERVAL":      &c.PollInterval,
		"CARECHAT_PROBE_INTERVAL":     &c.ProbeInterval,
		"CARECHAT_CACHE_EXPIRY":       &c.CacheExpiry,
		"CARECHAT_CONNECTION_TIMEOUT": &c.ConnectionTimeout,
		"CARECHAT_ACQUIRE_TIMEOUT":    &c.AcquireTimeout,
		"CARECHAT_DELIVERY_DELAY":     &c.DeliveryDelay,
	}
	for key, dst := range durs {
		if v, ok := os.LookupEnv(key); ok {
			d, err := time.ParseDuration(v)
			if err != nil {
				return fmt.Errorf("%s: %w", key, err)
			}
			*dst = d
		}
	}
	return nil
}

// Validate fails fast on values the daemon cannot run with.
func (c *Config) Validate() error {
	switch c.Transport {
	case TransportStream, TransportPoll:
	default:
		return fmt.Errorf("invalid transport %q: want %q or %q", c.Transport, TransportStream, TransportPoll)
	}
	switch c.CacheBackend {
	case BackendPebble, BackendSQLite:
	default:
		return fmt.Errorf("invalid cache_backend %q: want %q or %q", c.CacheBackend, BackendPebble, BackendSQLite)
	}
	if c.MaxConnections < 1 {
		return fmt.Errorf("max_connections must be positive, got %d", c.MaxConnections)
	}
	if c.MaxRetries < 1 {
		return fmt.Errorf("max_retries must be positive, got %d", c.MaxRetries)
	}
	if c.MessagesPerPage < 1 {
		return fmt.Errorf("messages_per_page must be positive, got %d", c.MessagesPerPage)
	}
	if c.MaxCachedConversations < 1 {
		return fmt.Errorf("max_cached_conversations must be positive, got %d", c.MaxCachedConversations)
	}
	if c.Transport == TransportPoll && c.PollInterval <= 0 {
		return fmt.Errorf("poll_interval must be positive with transport %q", TransportPoll)
	}
	if c.MaintenanceCron != "" && !gronx.New().IsValid(c.MaintenanceCron) {
		return fmt.Errorf("invalid maintenance_cron %q", c.MaintenanceCron)
	}
	if _, err := zapcore.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("invalid log_level: %w", err)
	}
	return nil
}

// Save writes config to the given path, creating parent dirs as needed.
func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	encErr := toml.NewEncoder(f).Encode(cfg)
	if closeErr := f.Close(); closeErr != nil && encErr == nil {
		return closeErr
	}
	return encErr
}
