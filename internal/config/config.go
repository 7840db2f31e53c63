// ============================================================================
// Ledger Runtime Configuration
// ============================================================================
//
// Load order (later wins):
//   1. Default()                  built-in values
//   2. YAML file                  configs/default.yaml unless --config is given
//   3. .env in the working dir    optional, never overrides a real env var
//   4. LEDGER_* environment vars  caarlos0/env
//
// A missing YAML file is not an error; a malformed one is.
// ============================================================================

package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/ChuLiYu/ledger-runtime/internal/datastore"
	"github.com/ChuLiYu/ledger-runtime/internal/orchestrator"
	"github.com/ChuLiYu/ledger-runtime/internal/quota"
	"github.com/ChuLiYu/ledger-runtime/internal/snapshot"
)

var log = slog.Default()

// Backend names.
const (
	BackendMemory = "memory"
	BackendSQLite = "sqlite"
)

// ErrInvalidConfig wraps every validation failure.
var ErrInvalidConfig = errors.New("invalid config")

// Config represents the complete runtime configuration.
type Config struct {
	Storage struct {
		Backend  string `yaml:"backend" env:"LEDGER_STORAGE_BACKEND"`
		Path     string `yaml:"path" env:"LEDGER_STORAGE_PATH"`
		Capacity int64  `yaml:"capacity" env:"LEDGER_STORAGE_CAPACITY"` // bytes, 0 = unlimited
	} `yaml:"storage"`

	Snapshot struct {
		Capacity   int           `yaml:"capacity" env:"LEDGER_SNAPSHOT_CAPACITY"`
		ArchiveAge time.Duration `yaml:"archive_age" env:"LEDGER_SNAPSHOT_ARCHIVE_AGE"`
	} `yaml:"snapshot"`

	Quota struct {
		Interval        time.Duration `yaml:"interval" env:"LEDGER_QUOTA_INTERVAL"`
		DefaultCapacity int64         `yaml:"default_capacity" env:"LEDGER_QUOTA_DEFAULT_CAPACITY"`
		CapacityTTL     time.Duration `yaml:"capacity_ttl" env:"LEDGER_QUOTA_CAPACITY_TTL"`
		AlertEvery      time.Duration `yaml:"alert_every" env:"LEDGER_QUOTA_ALERT_EVERY"`
		AlertBurst      int           `yaml:"alert_burst" env:"LEDGER_QUOTA_ALERT_BURST"`
	} `yaml:"quota"`

	Orchestrator struct {
		MaxParallel    int           `yaml:"max_parallel" env:"LEDGER_ORCH_MAX_PARALLEL"`
		BackoffBase    time.Duration `yaml:"backoff_base" env:"LEDGER_ORCH_BACKOFF_BASE"`
		BackoffMax     time.Duration `yaml:"backoff_max" env:"LEDGER_ORCH_BACKOFF_MAX"`
		InitTimeout    time.Duration `yaml:"init_timeout" env:"LEDGER_ORCH_INIT_TIMEOUT"`
		DependencyWait time.Duration `yaml:"dependency_wait" env:"LEDGER_ORCH_DEPENDENCY_WAIT"`
		StaggerMax     time.Duration `yaml:"stagger_max" env:"LEDGER_ORCH_STAGGER_MAX"`
	} `yaml:"orchestrator"`

	Health struct {
		Interval time.Duration `yaml:"interval" env:"LEDGER_HEALTH_INTERVAL"`
		Timeout  time.Duration `yaml:"timeout" env:"LEDGER_HEALTH_TIMEOUT"`
	} `yaml:"health"`

	Metrics struct {
		Enabled bool   `yaml:"enabled" env:"LEDGER_METRICS_ENABLED"`
		Addr    string `yaml:"addr" env:"LEDGER_METRICS_ADDR"`
	} `yaml:"metrics"`

	GRPC struct {
		Enabled bool   `yaml:"enabled" env:"LEDGER_GRPC_ENABLED"`
		Addr    string `yaml:"addr" env:"LEDGER_GRPC_ADDR"`
	} `yaml:"grpc"`
}

// Default returns the built-in configuration.
func Default() Config {
	var c Config
	c.Storage.Backend = BackendMemory
	c.Storage.Path = "data/ledger.db"

	c.Snapshot.Capacity = snapshot.DefaultCapacity
	c.Snapshot.ArchiveAge = datastore.DefaultArchiveAge

	c.Quota.Interval = quota.DefaultInterval
	c.Quota.DefaultCapacity = quota.DefaultCapacity
	c.Quota.CapacityTTL = quota.DefaultCapacityTTL
	c.Quota.AlertEvery = quota.DefaultAlertEvery
	c.Quota.AlertBurst = quota.DefaultAlertBurst

	c.Orchestrator.MaxParallel = orchestrator.DefaultMaxParallel
	c.Orchestrator.BackoffBase = orchestrator.DefaultBackoffBase
	c.Orchestrator.BackoffMax = orchestrator.DefaultBackoffMax
	c.Orchestrator.InitTimeout = orchestrator.DefaultInitTimeout
	c.Orchestrator.DependencyWait = orchestrator.DefaultDependencyWait
	c.Orchestrator.StaggerMax = orchestrator.DefaultStaggerMax

	c.Health.Interval = orchestrator.DefaultHealthInterval
	c.Health.Timeout = orchestrator.DefaultHealthTimeout

	c.Metrics.Enabled = true
	c.Metrics.Addr = ":9090"

	c.GRPC.Enabled = true
	c.GRPC.Addr = ":50051"
	return c
}

// Load builds the configuration from defaults, the YAML file at path and the
// environment.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		if err := loadFile(path, &cfg); err != nil {
			return Config{}, err
		}
	}

	// .env 可選；已存在的環境變數優先
	_ = godotenv.Load()

	if err := ParseEnv(&cfg); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func loadFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			log.Debug("Config file not found, using defaults", "path", path)
			return nil
		}
		return fmt.Errorf("failed to read config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	return nil
}

// ParseEnv applies LEDGER_* environment overrides onto target.
func ParseEnv(target any) error {
	if err := env.Parse(target); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	return nil
}

// Validate rejects values the runtime cannot start with.
func (c Config) Validate() error {
	switch c.Storage.Backend {
	case BackendMemory:
	case BackendSQLite:
		if c.Storage.Path == "" {
			return fmt.Errorf("%w: storage.path is required for the sqlite backend", ErrInvalidConfig)
		}
	default:
		return fmt.Errorf("%w: unknown storage.backend %q", ErrInvalidConfig, c.Storage.Backend)
	}
	if c.Storage.Capacity < 0 {
		return fmt.Errorf("%w: storage.capacity must not be negative", ErrInvalidConfig)
	}
	if c.Snapshot.Capacity < 0 {
		return fmt.Errorf("%w: snapshot.capacity must not be negative", ErrInvalidConfig)
	}
	if c.Orchestrator.MaxParallel < 0 {
		return fmt.Errorf("%w: orchestrator.max_parallel must not be negative", ErrInvalidConfig)
	}
	if c.Orchestrator.BackoffMax > 0 && c.Orchestrator.BackoffBase > c.Orchestrator.BackoffMax {
		return fmt.Errorf("%w: orchestrator.backoff_base exceeds backoff_max", ErrInvalidConfig)
	}
	if c.Metrics.Enabled && c.Metrics.Addr == "" {
		return fmt.Errorf("%w: metrics.addr is required when metrics are enabled", ErrInvalidConfig)
	}
	if c.GRPC.Enabled && c.GRPC.Addr == "" {
		return fmt.Errorf("%w: grpc.addr is required when grpc is enabled", ErrInvalidConfig)
	}
	return nil
}

// OrchestratorConfig maps the orchestrator and health sections.
func (c Config) OrchestratorConfig() orchestrator.Config {
	return orchestrator.Config{
		MaxParallel:        c.Orchestrator.MaxParallel,
		BackoffBase:        c.Orchestrator.BackoffBase,
		BackoffMax:         c.Orchestrator.BackoffMax,
		DefaultInitTimeout: c.Orchestrator.InitTimeout,
		DependencyWait:     c.Orchestrator.DependencyWait,
		HealthInterval:     c.Health.Interval,
		HealthTimeout:      c.Health.Timeout,
		StaggerMax:         c.Orchestrator.StaggerMax,
	}
}

// QuotaConfig maps the quota section.
func (c Config) QuotaConfig() quota.Config {
	return quota.Config{
		Interval:        c.Quota.Interval,
		DefaultCapacity: c.Quota.DefaultCapacity,
		CapacityTTL:     c.Quota.CapacityTTL,
		AlertEvery:      c.Quota.AlertEvery,
		AlertBurst:      c.Quota.AlertBurst,
	}
}
