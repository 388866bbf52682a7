// Package config centralises runtime configuration for fieldsync services.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Environment identifies the runtime environment where fieldsync operates.
type Environment string

const (
	// EnvDev marks the development environment.
	EnvDev Environment = "dev"
	// EnvStaging marks the staging environment.
	EnvStaging Environment = "staging"
	// EnvProd marks the production environment.
	EnvProd Environment = "prod"
)

// BackendKind selects the remote gateway implementation.
type BackendKind string

const (
	// BackendHTTP syncs against the hosted HTTPS API.
	BackendHTTP BackendKind = "http"
	// BackendPostgres syncs directly against the shop server database.
	BackendPostgres BackendKind = "postgres"
)

// BackendSettings configures the connection to the authoritative backend.
type BackendSettings struct {
	Kind           BackendKind   `yaml:"kind"`
	BaseURL        string        `yaml:"baseUrl"`
	NotifyURL      string        `yaml:"notifyUrl"`
	PostgresDSN    string        `yaml:"postgresDsn"`
	APIToken       string        `yaml:"apiToken"`
	RequestTimeout time.Duration `yaml:"requestTimeout"`
	RequestsPerSec float64       `yaml:"requestsPerSec"`
}

// SyncSettings configures the sync coordinator.
type SyncSettings struct {
	Interval       time.Duration `yaml:"interval"`
	OnStartup      bool          `yaml:"onStartup"`
	Background     bool          `yaml:"background"`
	OfflineMode    bool          `yaml:"offlineMode"`
	Workers        int           `yaml:"workers"`
	RetryCeiling   int           `yaml:"retryCeiling"`
	BackoffInitial time.Duration `yaml:"backoffInitial"`
	BackoffMax     time.Duration `yaml:"backoffMax"`
	PullBatchLimit int           `yaml:"pullBatchLimit"`
	SessionHistory int           `yaml:"sessionHistory"`
}

// CacheSettings configures the read-through reference-data cache.
type CacheSettings struct {
	MaxBytes   int64         `yaml:"maxBytes"`
	DefaultTTL time.Duration `yaml:"defaultTtl"`
}

// TelemetrySettings configures metric export.
type TelemetrySettings struct {
	OTLPEndpoint string `yaml:"otlpEndpoint"`
	ServiceName  string `yaml:"serviceName"`
}

// Settings contains the fieldsync configuration tree loaded from defaults,
// an optional YAML file, and environment overrides.
type Settings struct {
	Environment  Environment       `yaml:"environment"`
	ListenAddr   string            `yaml:"listenAddr"`
	DatabasePath string            `yaml:"databasePath"`
	Backend      BackendSettings   `yaml:"backend"`
	Sync         SyncSettings      `yaml:"sync"`
	Cache        CacheSettings     `yaml:"cache"`
	Telemetry    TelemetrySettings `yaml:"telemetry"`
}

// Default returns the default fieldsync configuration.
func Default() Settings {
	return Settings{
		Environment:  EnvProd,
		ListenAddr:   "127.0.0.1:7317",
		DatabasePath: "fieldsync.db",
		Backend: BackendSettings{
			Kind:           BackendHTTP,
			BaseURL:        "",
			NotifyURL:      "",
			PostgresDSN:    "",
			APIToken:       "",
			RequestTimeout: 15 * time.Second,
			RequestsPerSec: 10,
		},
		Sync: SyncSettings{
			Interval:       5 * time.Minute,
			OnStartup:      true,
			Background:     true,
			OfflineMode:    false,
			Workers:        4,
			RetryCeiling:   5,
			BackoffInitial: 2 * time.Second,
			BackoffMax:     5 * time.Minute,
			PullBatchLimit: 500,
			SessionHistory: 20,
		},
		Cache: CacheSettings{
			MaxBytes:   100 << 20,
			DefaultTTL: time.Hour,
		},
		Telemetry: TelemetrySettings{
			OTLPEndpoint: "",
			ServiceName:  "fieldsync",
		},
	}
}

// LoadOrDefault reads settings from path, layered over defaults and under
// environment overrides. A missing file is not an error; the second return
// value reports whether the file was read.
func LoadOrDefault(path string) (Settings, bool, error) {
	cfg := Default()
	loaded := false
	if trimmed := strings.TrimSpace(path); trimmed != "" {
		data, err := os.ReadFile(trimmed)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return Settings{}, false, fmt.Errorf("config: parse %s: %w", trimmed, err)
			}
			loaded = true
		case errors.Is(err, fs.ErrNotExist):
			// fall through to defaults
		default:
			return Settings{}, false, fmt.Errorf("config: read %s: %w", trimmed, err)
		}
	}
	cfg = applyEnv(cfg)
	if err := cfg.Validate(); err != nil {
		return Settings{}, false, err
	}
	return cfg, loaded, nil
}

// FromEnv loads configuration from defaults plus environment overrides.
func FromEnv() Settings {
	return applyEnv(Default())
}

func applyEnv(cfg Settings) Settings {
	if v := strings.TrimSpace(os.Getenv("FIELDSYNC_ENV")); v != "" {
		cfg.Environment = Environment(strings.ToLower(v))
	}
	if v := strings.TrimSpace(os.Getenv("FIELDSYNC_LISTEN_ADDR")); v != "" {
		cfg.ListenAddr = v
	}
	if v := strings.TrimSpace(os.Getenv("FIELDSYNC_DB_PATH")); v != "" {
		cfg.DatabasePath = v
	}
	if v := strings.TrimSpace(os.Getenv("FIELDSYNC_BACKEND_KIND")); v != "" {
		cfg.Backend.Kind = BackendKind(strings.ToLower(v))
	}
	if v := strings.TrimSpace(os.Getenv("FIELDSYNC_BACKEND_URL")); v != "" {
		cfg.Backend.BaseURL = v
	}
	if v := strings.TrimSpace(os.Getenv("FIELDSYNC_NOTIFY_URL")); v != "" {
		cfg.Backend.NotifyURL = v
	}
	if v := strings.TrimSpace(os.Getenv("FIELDSYNC_POSTGRES_DSN")); v != "" {
		cfg.Backend.PostgresDSN = v
	}
	if v := strings.TrimSpace(os.Getenv("FIELDSYNC_API_TOKEN")); v != "" {
		cfg.Backend.APIToken = v
	}
	if v := strings.TrimSpace(os.Getenv("FIELDSYNC_REQUEST_TIMEOUT")); v != "" {
		if dur, err := time.ParseDuration(v); err == nil {
			cfg.Backend.RequestTimeout = dur
		}
	}
	if v := strings.TrimSpace(os.Getenv("FIELDSYNC_SYNC_INTERVAL")); v != "" {
		if dur, err := time.ParseDuration(v); err == nil {
			cfg.Sync.Interval = dur
		}
	}
	if v := strings.TrimSpace(os.Getenv("FIELDSYNC_OFFLINE_MODE")); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Sync.OfflineMode = b
		}
	}
	if v := strings.TrimSpace(os.Getenv("FIELDSYNC_BACKGROUND_SYNC")); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Sync.Background = b
		}
	}
	if v := strings.TrimSpace(os.Getenv("FIELDSYNC_SYNC_ON_STARTUP")); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Sync.OnStartup = b
		}
	}
	if v := strings.TrimSpace(os.Getenv("FIELDSYNC_CACHE_MAX_BYTES")); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 {
			cfg.Cache.MaxBytes = n
		}
	}
	if v := strings.TrimSpace(os.Getenv("FIELDSYNC_OTLP_ENDPOINT")); v != "" {
		cfg.Telemetry.OTLPEndpoint = v
	}
	return cfg
}

// Validate checks the settings at the configuration boundary.
func (s Settings) Validate() error {
	switch s.Backend.Kind {
	case BackendHTTP:
		if strings.TrimSpace(s.Backend.BaseURL) == "" {
			return fmt.Errorf("config: backend.baseUrl required for http backend")
		}
	case BackendPostgres:
		if strings.TrimSpace(s.Backend.PostgresDSN) == "" {
			return fmt.Errorf("config: backend.postgresDsn required for postgres backend")
		}
	default:
		return fmt.Errorf("config: unknown backend kind %q", s.Backend.Kind)
	}
	if strings.TrimSpace(s.DatabasePath) == "" {
		return fmt.Errorf("config: databasePath required")
	}
	if s.Sync.Workers <= 0 {
		return fmt.Errorf("config: sync.workers must be > 0")
	}
	if s.Sync.RetryCeiling <= 0 {
		return fmt.Errorf("config: sync.retryCeiling must be > 0")
	}
	if s.Sync.Interval <= 0 {
		return fmt.Errorf("config: sync.interval must be > 0")
	}
	if s.Sync.BackoffInitial <= 0 || s.Sync.BackoffMax < s.Sync.BackoffInitial {
		return fmt.Errorf("config: sync backoff bounds invalid")
	}
	if s.Cache.MaxBytes <= 0 {
		return fmt.Errorf("config: cache.maxBytes must be > 0")
	}
	return nil
}
