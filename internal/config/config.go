package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	Store      StoreConfig      `yaml:"store" mapstructure:"store"`
	Redis      RedisConfig      `yaml:"redis" mapstructure:"redis"`
	Kafka      KafkaConfig      `yaml:"kafka" mapstructure:"kafka"`
	Anthropic  AnthropicConfig  `yaml:"anthropic" mapstructure:"anthropic"`
	TextGen    TextGenConfig    `yaml:"textgen" mapstructure:"textgen"`
	Pipeline   PipelineConfig   `yaml:"pipeline" mapstructure:"pipeline"`
	Calendar   CalendarConfig   `yaml:"calendar" mapstructure:"calendar"`
	Sweep      SweepConfig      `yaml:"sweep" mapstructure:"sweep"`
	Server     ServerConfig     `yaml:"server" mapstructure:"server"`
	Monitoring MonitoringConfig `yaml:"monitoring" mapstructure:"monitoring"`
	Tracing    TracingConfig    `yaml:"tracing" mapstructure:"tracing"`
	Log        LogConfig        `yaml:"log" mapstructure:"log"`
}

// StoreConfig configures the database backend. For the sqlite driver
// DatabaseURL is a file path.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	MaxConns    int32  `yaml:"max_conns" mapstructure:"max_conns"`
}

// RedisConfig configures the optional dedup front guard. An empty Addr
// disables it.
type RedisConfig struct {
	Addr     string `yaml:"addr" mapstructure:"addr"`
	Password string `yaml:"password" mapstructure:"password"`
	DB       int    `yaml:"db" mapstructure:"db"`
	TTLSecs  int    `yaml:"ttl_secs" mapstructure:"ttl_secs"`
}

// KafkaConfig configures generation event publishing. No brokers disables it.
type KafkaConfig struct {
	Brokers []string `yaml:"brokers" mapstructure:"brokers"`
	Topic   string   `yaml:"topic" mapstructure:"topic"`
}

// AnthropicConfig holds Anthropic API settings.
type AnthropicConfig struct {
	Key       string `yaml:"key" mapstructure:"key"`
	Model     string `yaml:"model" mapstructure:"model"`
	MaxTokens int64  `yaml:"max_tokens" mapstructure:"max_tokens"`
}

// TextGenConfig bounds every text-generation call.
type TextGenConfig struct {
	TimeoutSecs      int     `yaml:"timeout_secs" mapstructure:"timeout_secs"`
	RatePerSec       float64 `yaml:"rate_per_sec" mapstructure:"rate_per_sec"`
	Burst            int     `yaml:"burst" mapstructure:"burst"`
	BreakerThreshold int     `yaml:"breaker_threshold" mapstructure:"breaker_threshold"`
	BreakerResetSecs int     `yaml:"breaker_reset_secs" mapstructure:"breaker_reset_secs"`
}

// Timeout returns the per-call timeout.
func (c TextGenConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSecs) * time.Second
}

// PipelineConfig configures generation attempts.
type PipelineConfig struct {
	// AutoPublish publishes drafts that pass audit. When false every
	// audited draft is routed to pending_review.
	AutoPublish      bool    `yaml:"auto_publish" mapstructure:"auto_publish"`
	RecentLimit      int     `yaml:"recent_limit" mapstructure:"recent_limit"`
	PIIRulesFile     string  `yaml:"pii_rules_file" mapstructure:"pii_rules_file"`
	MaxRisk          float64 `yaml:"max_risk" mapstructure:"max_risk"`
	InitialBackoffMs int     `yaml:"initial_backoff_ms" mapstructure:"initial_backoff_ms"`
	MaxBackoffMs     int     `yaml:"max_backoff_ms" mapstructure:"max_backoff_ms"`
	DLQMaxRetries    int     `yaml:"dlq_max_retries" mapstructure:"dlq_max_retries"`
	DLQDelaySecs     int     `yaml:"dlq_delay_secs" mapstructure:"dlq_delay_secs"`
	// AttemptLeaseSecs is how long a pending attempt may go without a stage
	// update before a new reservation reclaims its fingerprint. It must
	// outlast the slowest stage including retries.
	AttemptLeaseSecs int `yaml:"attempt_lease_secs" mapstructure:"attempt_lease_secs"`
}

// AttemptLease returns the pending-attempt lease.
func (c PipelineConfig) AttemptLease() time.Duration {
	return time.Duration(c.AttemptLeaseSecs) * time.Second
}

// CalendarConfig configures the business-day predicate.
type CalendarConfig struct {
	Timezone string `yaml:"timezone" mapstructure:"timezone"`
	// FixedHolidays are MM-DD dates closed every year.
	FixedHolidays []string `yaml:"fixed_holidays" mapstructure:"fixed_holidays"`
	// HolidaysFile is a YAML list of salon-specific YYYY-MM-DD closures.
	HolidaysFile string `yaml:"holidays_file" mapstructure:"holidays_file"`
}

// SweepConfig configures the scheduled daily sweep.
type SweepConfig struct {
	// Cron is a six-field (seconds first) schedule.
	Cron         string   `yaml:"cron" mapstructure:"cron"`
	ContentTypes []string `yaml:"content_types" mapstructure:"content_types"`
	// ReplayCron schedules dead letter replays inside serve.
	ReplayCron   string   `yaml:"replay_cron" mapstructure:"replay_cron"`
	ReplayLimit  int      `yaml:"replay_limit" mapstructure:"replay_limit"`
}

// ServerConfig configures the HTTP server.
type ServerConfig struct {
	Port               int      `yaml:"port" mapstructure:"port"`
	WebhookConcurrency int      `yaml:"webhook_concurrency" mapstructure:"webhook_concurrency"`
	CORSOrigins        []string `yaml:"cors_origins" mapstructure:"cors_origins"`
}

// MonitoringConfig configures periodic health checks and alerting.
type MonitoringConfig struct {
	WebhookURL           string  `yaml:"webhook_url" mapstructure:"webhook_url"`
	LookbackHours        int     `yaml:"lookback_hours" mapstructure:"lookback_hours"`
	CheckIntervalSecs    int     `yaml:"check_interval_secs" mapstructure:"check_interval_secs"`
	FailureRateThreshold float64 `yaml:"failure_rate_threshold" mapstructure:"failure_rate_threshold"`
	DLQDepthThreshold    int     `yaml:"dlq_depth_threshold" mapstructure:"dlq_depth_threshold"`
}

// TracingConfig configures OpenTelemetry spans around stage runs.
type TracingConfig struct {
	Enabled     bool    `yaml:"enabled" mapstructure:"enabled"`
	ServiceName string  `yaml:"service_name" mapstructure:"service_name"`
	// Endpoint is an OTLP/HTTP collector address. Empty writes spans to
	// stdout.
	Endpoint    string  `yaml:"endpoint" mapstructure:"endpoint"`
	Insecure    bool    `yaml:"insecure" mapstructure:"insecure"`
	SampleRatio float64 `yaml:"sample_ratio" mapstructure:"sample_ratio"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("STORYLINE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("store.driver", "postgres")
	v.SetDefault("store.max_conns", 10)
	v.SetDefault("redis.ttl_secs", 900)
	v.SetDefault("kafka.topic", "storyline.generation")
	v.SetDefault("anthropic.model", "claude-haiku-4-5-20251001")
	v.SetDefault("anthropic.max_tokens", 2048)
	v.SetDefault("textgen.timeout_secs", 45)
	v.SetDefault("textgen.rate_per_sec", 2.0)
	v.SetDefault("textgen.burst", 4)
	v.SetDefault("textgen.breaker_threshold", 5)
	v.SetDefault("textgen.breaker_reset_secs", 30)
	v.SetDefault("pipeline.auto_publish", true)
	v.SetDefault("pipeline.recent_limit", 20)
	v.SetDefault("pipeline.max_risk", 0.7)
	v.SetDefault("pipeline.initial_backoff_ms", 500)
	v.SetDefault("pipeline.max_backoff_ms", 8000)
	v.SetDefault("pipeline.dlq_max_retries", 3)
	v.SetDefault("pipeline.dlq_delay_secs", 300)
	v.SetDefault("pipeline.attempt_lease_secs", 900)
	v.SetDefault("calendar.timezone", "Asia/Tokyo")
	v.SetDefault("calendar.fixed_holidays", []string{"01-01", "01-02", "01-03", "12-29", "12-30", "12-31"})
	v.SetDefault("sweep.cron", "0 0 21 * * *")
	v.SetDefault("sweep.content_types", []string{"short_story", "blog_post"})
	v.SetDefault("sweep.replay_cron", "0 */15 * * * *")
	v.SetDefault("sweep.replay_limit", 20)
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.webhook_concurrency", 4)
	v.SetDefault("monitoring.lookback_hours", 24)
	v.SetDefault("monitoring.check_interval_secs", 300)
	v.SetDefault("monitoring.failure_rate_threshold", 0.3)
	v.SetDefault("monitoring.dlq_depth_threshold", 10)
	v.SetDefault("tracing.service_name", "storyline")
	v.SetDefault("tracing.sample_ratio", 1.0)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

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

// Validate checks the settings a command mode needs. Modes: generate, sweep,
// serve, query, migrate.
func (c *Config) Validate(mode string) error {
	var errs []string
	require := func(ok bool, msg string) {
		if !ok {
			errs = append(errs, msg)
		}
	}

	switch c.Store.Driver {
	case "postgres":
		require(c.Store.DatabaseURL != "", "store.database_url is required")
	case "sqlite":
	default:
		errs = append(errs, fmt.Sprintf("store.driver %q is not supported", c.Store.Driver))
	}

	generates := mode == "generate" || mode == "sweep" || mode == "serve"
	if generates {
		require(c.Anthropic.Key != "", "anthropic.key is required")
		require(c.Anthropic.Model != "", "anthropic.model is required")
		require(c.TextGen.TimeoutSecs > 0, "textgen.timeout_secs must be positive")
		require(c.Pipeline.MaxRisk > 0 && c.Pipeline.MaxRisk <= 1, "pipeline.max_risk must be in (0, 1]")
		require(c.Pipeline.AttemptLeaseSecs > 0, "pipeline.attempt_lease_secs must be positive")
	}
	if mode == "sweep" || mode == "serve" {
		require(c.Calendar.Timezone != "", "calendar.timezone is required")
		require(len(c.Sweep.ContentTypes) > 0, "sweep.content_types is required")
	}
	if mode == "serve" {
		require(c.Server.Port > 0 && c.Server.Port <= 65535, "server.port must be between 1 and 65535")
		require(c.Server.WebhookConcurrency > 0, "server.webhook_concurrency must be positive")
		require(c.Sweep.Cron != "", "sweep.cron is required")
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
