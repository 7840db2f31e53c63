package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestLoad_ValidYAML(t *testing.T) {
	path := writeConfig(t, `
storage:
  backend: sqlite
  path: /tmp/ledger.db
  capacity: 1048576
snapshot:
  capacity: 3
quota:
  interval: 10s
orchestrator:
  max_parallel: 2
  backoff_base: 500ms
  backoff_max: 4s
health:
  interval: 15s
metrics:
  enabled: false
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, BackendSQLite, cfg.Storage.Backend)
	assert.Equal(t, "/tmp/ledger.db", cfg.Storage.Path)
	assert.Equal(t, int64(1<<20), cfg.Storage.Capacity)
	assert.Equal(t, 3, cfg.Snapshot.Capacity)
	assert.Equal(t, 10*time.Second, cfg.Quota.Interval)
	assert.Equal(t, 2, cfg.Orchestrator.MaxParallel)
	assert.Equal(t, 500*time.Millisecond, cfg.Orchestrator.BackoffBase)
	assert.Equal(t, 4*time.Second, cfg.Orchestrator.BackoffMax)
	assert.Equal(t, 15*time.Second, cfg.Health.Interval)
	assert.False(t, cfg.Metrics.Enabled)

	// 未設定的欄位保留預設值
	assert.Equal(t, Default().Health.Timeout, cfg.Health.Timeout)
	assert.Equal(t, Default().GRPC.Addr, cfg.GRPC.Addr)
}

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoad_InvalidYAML(t *testing.T) {
	path := writeConfig(t, "storage: [unclosed")

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to parse config")
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	path := writeConfig(t, `
storage:
  backend: memory
orchestrator:
  max_parallel: 2
`)
	t.Setenv("LEDGER_ORCH_MAX_PARALLEL", "8")
	t.Setenv("LEDGER_HEALTH_TIMEOUT", "2s")
	t.Setenv("LEDGER_GRPC_ENABLED", "false")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 8, cfg.Orchestrator.MaxParallel)
	assert.Equal(t, 2*time.Second, cfg.Health.Timeout)
	assert.False(t, cfg.GRPC.Enabled)
}

func TestLoad_BadEnvValue(t *testing.T) {
	t.Setenv("LEDGER_SNAPSHOT_CAPACITY", "many")

	_, err := Load("")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "parse env")
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"unknown backend", func(c *Config) { c.Storage.Backend = "redis" }, "unknown storage.backend"},
		{"sqlite without path", func(c *Config) { c.Storage.Backend = BackendSQLite; c.Storage.Path = "" }, "storage.path"},
		{"negative capacity", func(c *Config) { c.Storage.Capacity = -1 }, "storage.capacity"},
		{"negative snapshots", func(c *Config) { c.Snapshot.Capacity = -1 }, "snapshot.capacity"},
		{"negative parallel", func(c *Config) { c.Orchestrator.MaxParallel = -2 }, "max_parallel"},
		{"backoff inverted", func(c *Config) { c.Orchestrator.BackoffBase = time.Minute }, "backoff_base"},
		{"metrics without addr", func(c *Config) { c.Metrics.Addr = "" }, "metrics.addr"},
		{"grpc without addr", func(c *Config) { c.GRPC.Addr = "" }, "grpc.addr"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			err := cfg.Validate()
			require.ErrorIs(t, err, ErrInvalidConfig)
			assert.Contains(t, err.Error(), tt.want)
		})
	}

	assert.NoError(t, Default().Validate())
}

func TestSectionMapping(t *testing.T) {
	cfg := Default()
	cfg.Health.Interval = time.Minute
	cfg.Orchestrator.InitTimeout = 3 * time.Second
	cfg.Quota.AlertBurst = 7

	oc := cfg.OrchestratorConfig()
	assert.Equal(t, time.Minute, oc.HealthInterval)
	assert.Equal(t, 3*time.Second, oc.DefaultInitTimeout)
	assert.Equal(t, cfg.Orchestrator.MaxParallel, oc.MaxParallel)

	qc := cfg.QuotaConfig()
	assert.Equal(t, 7, qc.AlertBurst)
	assert.Equal(t, cfg.Quota.DefaultCapacity, qc.DefaultCapacity)
}

func TestDefaultFileMatchesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join("..", "..", "configs", "default.yaml"))
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}
