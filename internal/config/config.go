package config

import (
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/sells-group/comp-engine/internal/resilience"
)

// Config is the top-level configuration for the compensation engine.
type Config struct {
	Store      StoreConfig      `yaml:"store" mapstructure:"store"`
	Log        LogConfig        `yaml:"log" mapstructure:"log"`
	Engine     EngineConfig     `yaml:"engine" mapstructure:"engine"`
	Retry      RetryConfig      `yaml:"retry" mapstructure:"retry"`
	Reconcile  ReconcileConfig  `yaml:"reconcile" mapstructure:"reconcile"`
	Cache      CacheConfig      `yaml:"cache" mapstructure:"cache"`
	Server     ServerConfig     `yaml:"server" mapstructure:"server"`
	Monitoring MonitoringConfig `yaml:"monitoring" mapstructure:"monitoring"`
}

// StoreConfig selects the persistence backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"` // "sqlite" or "postgres"
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	MaxConns    int32  `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns    int32  `yaml:"min_conns" mapstructure:"min_conns"`
}

type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// EngineConfig tunes a batch run.
type EngineConfig struct {
	MaxConcurrentEntities int     `yaml:"max_concurrent_entities" mapstructure:"max_concurrent_entities"`
	RowsPerSecond         float64 `yaml:"rows_per_second" mapstructure:"rows_per_second"` // row store calls/sec; 0 = unlimited
	IncludeGroupRows      bool    `yaml:"include_group_rows" mapstructure:"include_group_rows"`
	PageSize              int     `yaml:"page_size" mapstructure:"page_size"`
	BreakerThreshold      int     `yaml:"breaker_threshold" mapstructure:"breaker_threshold"`
	BreakerCooldownSecs   int     `yaml:"breaker_cooldown_secs" mapstructure:"breaker_cooldown_secs"`
}

// RetryConfig controls retries of transient row store failures.
type RetryConfig struct {
	MaxAttempts      int `yaml:"max_attempts" mapstructure:"max_attempts"`
	InitialBackoffMs int `yaml:"initial_backoff_ms" mapstructure:"initial_backoff_ms"`
	MaxBackoffMs     int `yaml:"max_backoff_ms" mapstructure:"max_backoff_ms"`
}

// Policy converts the config into a resilience.Policy.
func (r RetryConfig) Policy() resilience.Policy {
	return resilience.PolicyFromMillis(r.MaxAttempts, r.InitialBackoffMs, r.MaxBackoffMs)
}

type ReconcileConfig struct {
	TotalEpsilon     float64 `yaml:"total_epsilon" mapstructure:"total_epsilon"`
	ComponentEpsilon float64 `yaml:"component_epsilon" mapstructure:"component_epsilon"`
	OutlierZ         float64 `yaml:"outlier_z" mapstructure:"outlier_z"`
}

type CacheConfig struct {
	RulesTTLSecs int `yaml:"rules_ttl_secs" mapstructure:"rules_ttl_secs"`
	MaxEntries   int `yaml:"max_entries" mapstructure:"max_entries"`
}

// RulesTTL returns the rule cache TTL.
func (c CacheConfig) RulesTTL() time.Duration {
	return time.Duration(c.RulesTTLSecs) * time.Second
}

type ServerConfig struct {
	Port           int      `yaml:"port" mapstructure:"port"`
	AllowedOrigins []string `yaml:"allowed_origins" mapstructure:"allowed_origins"`
}

// MonitoringConfig configures batch alerting.
type MonitoringConfig struct {
	WebhookURL           string  `yaml:"webhook_url" mapstructure:"webhook_url"`
	FailureRateThreshold float64 `yaml:"failure_rate_threshold" mapstructure:"failure_rate_threshold"`
	MaxOutliers          int     `yaml:"max_outliers" mapstructure:"max_outliers"`
	CheckIntervalSecs    int     `yaml:"check_interval_secs" mapstructure:"check_interval_secs"`
	StaleApprovalHours   int     `yaml:"stale_approval_hours" mapstructure:"stale_approval_hours"`
}

// Load reads configuration from config.yaml and COMPCALC_* environment
// variables. Environment values override the file.
func Load() (*Config, error) {
	v := viper.New()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	v.SetEnvPrefix("COMPCALC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.database_url", "compcalc.db")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("engine.max_concurrent_entities", 8)
	v.SetDefault("engine.rows_per_second", 0)
	v.SetDefault("engine.include_group_rows", false)
	v.SetDefault("engine.page_size", 500)
	v.SetDefault("engine.breaker_threshold", 5)
	v.SetDefault("engine.breaker_cooldown_secs", 30)
	v.SetDefault("retry.max_attempts", 3)
	v.SetDefault("retry.initial_backoff_ms", 100)
	v.SetDefault("retry.max_backoff_ms", 5000)
	v.SetDefault("reconcile.total_epsilon", 0.01)
	v.SetDefault("reconcile.component_epsilon", 0.01)
	v.SetDefault("reconcile.outlier_z", 3.0)
	v.SetDefault("cache.rules_ttl_secs", 300)
	v.SetDefault("cache.max_entries", 256)
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.allowed_origins", []string{"*"})
	v.SetDefault("monitoring.failure_rate_threshold", 0.05)
	v.SetDefault("monitoring.max_outliers", 10)
	v.SetDefault("monitoring.check_interval_secs", 900)
	v.SetDefault("monitoring.stale_approval_hours", 48)

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

// Validate checks the settings a command mode depends on.
func (c *Config) Validate(mode string) error {
	var errs []string

	switch c.Store.Driver {
	case "sqlite", "postgres":
	default:
		errs = append(errs, "store.driver must be sqlite or postgres")
	}
	if c.Store.DatabaseURL == "" {
		errs = append(errs, "store.database_url is required")
	}
	if c.Engine.MaxConcurrentEntities < 1 || c.Engine.MaxConcurrentEntities > 256 {
		errs = append(errs, "engine.max_concurrent_entities must be between 1 and 256")
	}
	if c.Engine.RowsPerSecond < 0 {
		errs = append(errs, "engine.rows_per_second must be >= 0")
	}
	if c.Reconcile.TotalEpsilon < 0 || c.Reconcile.ComponentEpsilon < 0 {
		errs = append(errs, "reconcile epsilons must be >= 0")
	}
	if c.Reconcile.OutlierZ <= 0 {
		errs = append(errs, "reconcile.outlier_z must be > 0")
	}

	switch mode {
	case "run", "transition", "report", "import", "migrate":
	case "serve":
		if c.Server.Port <= 0 || c.Server.Port > 65535 {
			errs = append(errs, "server.port must be > 0 and <= 65535")
		}
	default:
		return eris.Errorf("config: unknown mode %q", mode)
	}

	if c.Monitoring.FailureRateThreshold < 0 || c.Monitoring.FailureRateThreshold > 1 {
		errs = append(errs, "monitoring.failure_rate_threshold must be between 0 and 1")
	}

	if len(errs) > 0 {
		return eris.Errorf("config: %s", strings.Join(errs, "; "))
	}
	return nil
}

// InitLogger configures the global zap logger.
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
