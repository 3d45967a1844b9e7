package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func chdirTemp(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	origDir, _ := os.Getwd()
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { os.Chdir(origDir) }) //nolint:errcheck
	return dir
}

func TestLoadDefaults(t *testing.T) {
	// Change to temp dir so no config.yaml is found
	chdirTemp(t)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "postgres", cfg.Store.Driver)
	assert.Equal(t, int32(10), cfg.Store.MaxConns)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, []string{"*"}, cfg.Server.CORSOrigins)
	assert.Equal(t, 25, cfg.Mining.PageSize)
	assert.Equal(t, 50, cfg.Mining.TargetMatches)
	assert.Equal(t, 10, cfg.Mining.MaxPages)
	assert.Equal(t, 50, cfg.Mining.PoolWindow)
	assert.Equal(t, 4, cfg.Mining.SiteConcurrency)
	assert.Equal(t, 30, cfg.Provider.TimeoutSecs)
	assert.InDelta(t, 5.0, cfg.Provider.RateLimit, 0.001)
	assert.Equal(t, 3, cfg.Provider.RetryMaxAttempts)
	assert.Equal(t, 5, cfg.Provider.CircuitFailureThreshold)
	assert.Equal(t, 60, cfg.Redis.OwnerTTLMinutes)
	assert.True(t, cfg.Audit.Enabled)
	assert.Equal(t, 1024, cfg.Audit.BufferSize)
	assert.Equal(t, "localhost:7233", cfg.Temporal.HostPort)
	assert.Equal(t, "icp-miner", cfg.Temporal.TaskQueue)
	assert.Equal(t, 100, cfg.Temporal.MaxInvocations)
	assert.False(t, cfg.Monitoring.Enabled)
	assert.InDelta(t, 0.25, cfg.Monitoring.FailureRateThreshold, 0.001)
	assert.Equal(t, 60, cfg.Monitoring.AlertCooldownMins)
}

func TestLoadFromYAML(t *testing.T) {
	dir := chdirTemp(t)

	yaml := `
store:
  driver: sqlite
  database_url: miner.db
log:
  level: debug
  format: console
server:
  port: 9090
mining:
  max_pages: 3
provider:
  base_url: https://search.example.com
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0644))

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "sqlite", cfg.Store.Driver)
	assert.Equal(t, "miner.db", cfg.Store.DatabaseURL)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "console", cfg.Log.Format)
	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, 3, cfg.Mining.MaxPages)
	assert.Equal(t, "https://search.example.com", cfg.Provider.BaseURL)
	// Defaults still apply for unset values
	assert.Equal(t, 50, cfg.Mining.TargetMatches)
}

func TestLoadEnvOverridesFile(t *testing.T) {
	dir := chdirTemp(t)

	yaml := `
store:
  driver: sqlite
log:
  level: debug
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0644))

	t.Setenv("MINER_STORE_DRIVER", "postgres")
	t.Setenv("MINER_LOG_LEVEL", "warn")

	cfg, err := Load()
	require.NoError(t, err)

	// Env overrides file
	assert.Equal(t, "postgres", cfg.Store.Driver)
	assert.Equal(t, "warn", cfg.Log.Level)
}

func TestLoadEnvSecrets(t *testing.T) {
	chdirTemp(t)

	t.Setenv("MINER_PROVIDER_KEY", "ps_live_123")
	t.Setenv("MINER_STORE_DATABASE_URL", "postgres://localhost/miner")
	t.Setenv("MINER_REDIS_ADDR", "localhost:6379")
	t.Setenv("MINER_MINING_MAX_PAGES", "7")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "ps_live_123", cfg.Provider.Key)
	assert.Equal(t, "postgres://localhost/miner", cfg.Store.DatabaseURL)
	assert.Equal(t, "localhost:6379", cfg.Redis.Addr)
	assert.Equal(t, 7, cfg.Mining.MaxPages)
}

func TestLoadInvalidYAML(t *testing.T) {
	dir := chdirTemp(t)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte("store: [unclosed"), 0644))

	_, err := Load()
	assert.Error(t, err)
}

func TestInitLoggerConsole(t *testing.T) {
	err := InitLogger(LogConfig{Level: "debug", Format: "console"})
	require.NoError(t, err)
	assert.NotNil(t, zap.L())
}

func TestInitLoggerJSON(t *testing.T) {
	err := InitLogger(LogConfig{Level: "info", Format: "json"})
	require.NoError(t, err)
	assert.NotNil(t, zap.L())
}

func TestInitLoggerInvalidLevel(t *testing.T) {
	err := InitLogger(LogConfig{Level: "invalid", Format: "json"})
	assert.Error(t, err)
}

// validDefaults returns a Config with all defaults populated for validation tests.
func validDefaults() *Config {
	cfg := &Config{}
	cfg.Store.Driver = "postgres"
	cfg.Store.DatabaseURL = "postgres://localhost/test"
	cfg.Server.Port = 8080
	cfg.Mining.PageSize = 25
	cfg.Mining.TargetMatches = 50
	cfg.Mining.MaxPages = 10
	cfg.Mining.SiteConcurrency = 4
	cfg.Provider.BaseURL = "https://search.example.com"
	cfg.Provider.Key = "ps_key"
	cfg.Temporal.HostPort = "localhost:7233"
	cfg.Temporal.TaskQueue = "icp-miner"
	cfg.Temporal.IntervalSecs = 60
	cfg.Temporal.MaxInvocations = 100
	return cfg
}

func TestValidate_AllModesPass(t *testing.T) {
	cfg := validDefaults()
	for _, mode := range []string{"mine", "serve", "worker", "schedule", "migrate"} {
		assert.NoError(t, cfg.Validate(mode), mode)
	}
}

func TestValidateMine_MissingFields(t *testing.T) {
	cfg := validDefaults()
	cfg.Store.DatabaseURL = ""
	cfg.Provider.BaseURL = ""
	cfg.Provider.Key = ""

	err := cfg.Validate("mine")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "store.database_url is required")
	assert.Contains(t, err.Error(), "provider.base_url is required")
	assert.Contains(t, err.Error(), "provider.key is required")
}

func TestValidate_SQLiteNeedsNoURL(t *testing.T) {
	cfg := validDefaults()
	cfg.Store.Driver = "sqlite"
	cfg.Store.DatabaseURL = ""

	assert.NoError(t, cfg.Validate("migrate"))
}

func TestValidate_UnknownDriver(t *testing.T) {
	cfg := validDefaults()
	cfg.Store.Driver = "mysql"

	err := cfg.Validate("migrate")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "store.driver must be postgres or sqlite")
}

func TestValidateServe_InvalidPort(t *testing.T) {
	cfg := validDefaults()
	cfg.Server.Port = 0

	err := cfg.Validate("serve")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "server.port must be > 0")
}

func TestValidateServe_MonitoringThreshold(t *testing.T) {
	cfg := validDefaults()
	cfg.Monitoring.Enabled = true
	cfg.Monitoring.FailureRateThreshold = 1.5

	err := cfg.Validate("serve")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failure_rate_threshold")

	cfg.Monitoring.FailureRateThreshold = 0.2
	assert.NoError(t, cfg.Validate("serve"))
}

func TestValidateMiningBounds(t *testing.T) {
	cfg := validDefaults()

	cfg.Mining.MaxPages = 0
	err := cfg.Validate("mine")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "mining.max_pages must be >= 1")

	cfg.Mining.MaxPages = 10
	cfg.Mining.PageSize = 501
	err = cfg.Validate("mine")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "mining.page_size must be between 1 and 500")

	cfg.Mining.PageSize = 25
	cfg.Mining.SiteConcurrency = 0
	err = cfg.Validate("mine")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "site_concurrency")
}

func TestValidateWorker_NeedsTemporal(t *testing.T) {
	cfg := validDefaults()
	cfg.Temporal.HostPort = ""

	err := cfg.Validate("worker")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "temporal.host_port is required")
}

func TestValidateSchedule_MaxInvocations(t *testing.T) {
	cfg := validDefaults()
	cfg.Temporal.MaxInvocations = 0

	err := cfg.Validate("schedule")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "temporal.max_invocations must be >= 1")
}

func TestValidateUnknownMode(t *testing.T) {
	cfg := validDefaults()
	err := cfg.Validate("unknown")
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "unknown mode")
}
