package config

import (
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	Store      StoreConfig      `yaml:"store" mapstructure:"store"`
	Log        LogConfig        `yaml:"log" mapstructure:"log"`
	Server     ServerConfig     `yaml:"server" mapstructure:"server"`
	Mining     MiningConfig     `yaml:"mining" mapstructure:"mining"`
	Provider   ProviderConfig   `yaml:"provider" mapstructure:"provider"`
	Redis      RedisConfig      `yaml:"redis" mapstructure:"redis"`
	Audit      AuditConfig      `yaml:"audit" mapstructure:"audit"`
	Temporal   TemporalConfig   `yaml:"temporal" mapstructure:"temporal"`
	Monitoring MonitoringConfig `yaml:"monitoring" mapstructure:"monitoring"`
}

// StoreConfig configures the database backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	MaxConns    int32  `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns    int32  `yaml:"min_conns" mapstructure:"min_conns"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// ServerConfig configures the trigger API server.
type ServerConfig struct {
	Port        int      `yaml:"port" mapstructure:"port"`
	CORSOrigins []string `yaml:"cors_origins" mapstructure:"cors_origins"`
}

// MiningConfig holds the default invocation bounds.
type MiningConfig struct {
	PageSize      int `yaml:"page_size" mapstructure:"page_size"`
	TargetMatches int `yaml:"target_matches" mapstructure:"target_matches"`
	MaxPages      int `yaml:"max_pages" mapstructure:"max_pages"`
	PoolWindow    int `yaml:"pool_window" mapstructure:"pool_window"`
	// SiteConcurrency bounds parallel pool invocations for --all-sites.
	SiteConcurrency int `yaml:"site_concurrency" mapstructure:"site_concurrency"`
}

// ProviderConfig holds people search provider settings.
type ProviderConfig struct {
	BaseURL                 string  `yaml:"base_url" mapstructure:"base_url"`
	Key                     string  `yaml:"key" mapstructure:"key"`
	TimeoutSecs             int     `yaml:"timeout_secs" mapstructure:"timeout_secs"`
	RateLimit               float64 `yaml:"rate_limit" mapstructure:"rate_limit"`
	RetryMaxAttempts        int     `yaml:"retry_max_attempts" mapstructure:"retry_max_attempts"`
	RetryInitialBackoffMs   int     `yaml:"retry_initial_backoff_ms" mapstructure:"retry_initial_backoff_ms"`
	RetryMaxBackoffMs       int     `yaml:"retry_max_backoff_ms" mapstructure:"retry_max_backoff_ms"`
	CircuitFailureThreshold int     `yaml:"circuit_failure_threshold" mapstructure:"circuit_failure_threshold"`
	CircuitResetSecs        int     `yaml:"circuit_reset_secs" mapstructure:"circuit_reset_secs"`
}

// RedisConfig configures the site owner cache. An empty Addr disables it.
type RedisConfig struct {
	Addr            string `yaml:"addr" mapstructure:"addr"`
	Password        string `yaml:"password" mapstructure:"password"`
	DB              int    `yaml:"db" mapstructure:"db"`
	OwnerTTLMinutes int    `yaml:"owner_ttl_minutes" mapstructure:"owner_ttl_minutes"`
}

// AuditConfig configures the audit log writer.
type AuditConfig struct {
	Enabled    bool `yaml:"enabled" mapstructure:"enabled"`
	BufferSize int  `yaml:"buffer_size" mapstructure:"buffer_size"`
}

// TemporalConfig configures the scheduler worker and workflows.
type TemporalConfig struct {
	HostPort       string `yaml:"host_port" mapstructure:"host_port"`
	Namespace      string `yaml:"namespace" mapstructure:"namespace"`
	TaskQueue      string `yaml:"task_queue" mapstructure:"task_queue"`
	IntervalSecs   int    `yaml:"interval_secs" mapstructure:"interval_secs"`
	MaxInvocations int    `yaml:"max_invocations" mapstructure:"max_invocations"`
}

// MonitoringConfig configures backlog and failure alerting.
type MonitoringConfig struct {
	Enabled              bool    `yaml:"enabled" mapstructure:"enabled"`
	WebhookURL           string  `yaml:"webhook_url" mapstructure:"webhook_url"`
	CheckIntervalSecs    int     `yaml:"check_interval_secs" mapstructure:"check_interval_secs"`
	FailureRateThreshold float64 `yaml:"failure_rate_threshold" mapstructure:"failure_rate_threshold"`
	BacklogThreshold     int     `yaml:"backlog_threshold" mapstructure:"backlog_threshold"`
	AlertCooldownMins    int     `yaml:"alert_cooldown_mins" mapstructure:"alert_cooldown_mins"`
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("MINER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults. Env-only keys need one to be seen by Unmarshal.
	v.SetDefault("store.driver", "postgres")
	v.SetDefault("store.database_url", "")
	v.SetDefault("store.max_conns", 10)
	v.SetDefault("store.min_conns", 2)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.cors_origins", []string{"*"})
	v.SetDefault("mining.page_size", 25)
	v.SetDefault("mining.target_matches", 50)
	v.SetDefault("mining.max_pages", 10)
	v.SetDefault("mining.pool_window", 50)
	v.SetDefault("mining.site_concurrency", 4)
	v.SetDefault("provider.base_url", "")
	v.SetDefault("provider.key", "")
	v.SetDefault("provider.timeout_secs", 30)
	v.SetDefault("provider.rate_limit", 5.0)
	v.SetDefault("provider.retry_max_attempts", 3)
	v.SetDefault("provider.retry_initial_backoff_ms", 500)
	v.SetDefault("provider.retry_max_backoff_ms", 10000)
	v.SetDefault("provider.circuit_failure_threshold", 5)
	v.SetDefault("provider.circuit_reset_secs", 30)
	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.owner_ttl_minutes", 60)
	v.SetDefault("audit.enabled", true)
	v.SetDefault("audit.buffer_size", 1024)
	v.SetDefault("temporal.host_port", "localhost:7233")
	v.SetDefault("temporal.namespace", "default")
	v.SetDefault("temporal.task_queue", "icp-miner")
	v.SetDefault("temporal.interval_secs", 60)
	v.SetDefault("temporal.max_invocations", 100)
	v.SetDefault("monitoring.enabled", false)
	v.SetDefault("monitoring.webhook_url", "")
	v.SetDefault("monitoring.check_interval_secs", 300)
	v.SetDefault("monitoring.failure_rate_threshold", 0.25)
	v.SetDefault("monitoring.backlog_threshold", 500)
	v.SetDefault("monitoring.alert_cooldown_mins", 60)

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	return &cfg, nil
}

// Validate checks the settings a command mode needs. Modes: mine, serve,
// worker, schedule, migrate.
func (c *Config) Validate(mode string) error {
	var errs []string

	needStore := func() {
		switch c.Store.Driver {
		case "postgres":
			if c.Store.DatabaseURL == "" {
				errs = append(errs, "store.database_url is required for the postgres driver")
			}
		case "sqlite":
		default:
			errs = append(errs, "store.driver must be postgres or sqlite")
		}
	}
	needProvider := func() {
		if c.Provider.BaseURL == "" {
			errs = append(errs, "provider.base_url is required")
		}
		if c.Provider.Key == "" {
			errs = append(errs, "provider.key is required")
		}
		if c.Provider.RateLimit < 0 {
			errs = append(errs, "provider.rate_limit must be >= 0")
		}
	}
	needMining := func() {
		if c.Mining.MaxPages < 1 {
			errs = append(errs, "mining.max_pages must be >= 1")
		}
		if c.Mining.TargetMatches < 1 {
			errs = append(errs, "mining.target_matches must be >= 1")
		}
		if c.Mining.PageSize < 1 || c.Mining.PageSize > 500 {
			errs = append(errs, "mining.page_size must be between 1 and 500")
		}
		if c.Mining.SiteConcurrency < 1 || c.Mining.SiteConcurrency > 64 {
			errs = append(errs, "mining.site_concurrency must be between 1 and 64")
		}
	}
	needTemporal := func() {
		if c.Temporal.HostPort == "" {
			errs = append(errs, "temporal.host_port is required")
		}
		if c.Temporal.TaskQueue == "" {
			errs = append(errs, "temporal.task_queue is required")
		}
	}

	switch mode {
	case "mine":
		needStore()
		needProvider()
		needMining()
	case "serve":
		needStore()
		needProvider()
		needMining()
		if c.Server.Port <= 0 {
			errs = append(errs, "server.port must be > 0")
		}
		if c.Monitoring.Enabled && (c.Monitoring.FailureRateThreshold < 0 || c.Monitoring.FailureRateThreshold > 1) {
			errs = append(errs, "monitoring.failure_rate_threshold must be between 0 and 1")
		}
	case "worker":
		needStore()
		needProvider()
		needMining()
		needTemporal()
	case "schedule":
		needTemporal()
		if c.Temporal.IntervalSecs < 0 {
			errs = append(errs, "temporal.interval_secs must be >= 0")
		}
		if c.Temporal.MaxInvocations < 1 {
			errs = append(errs, "temporal.max_invocations must be >= 1")
		}
	case "migrate":
		needStore()
	default:
		return eris.Errorf("config: unknown mode %q", mode)
	}

	if len(errs) > 0 {
		return eris.Errorf("config: %s", strings.Join(errs, "; "))
	}
	return nil
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
