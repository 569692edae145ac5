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
	Source     SourceConfig     `yaml:"source" mapstructure:"source"`
	Pipeline   PipelineConfig   `yaml:"pipeline" mapstructure:"pipeline"`
	Bucket     BucketConfig     `yaml:"bucket" mapstructure:"bucket"`
	Dedup      DedupConfig      `yaml:"dedup" mapstructure:"dedup"`
	Redis      RedisConfig      `yaml:"redis" mapstructure:"redis"`
	Rollup     RollupConfig     `yaml:"rollup" mapstructure:"rollup"`
	Scoring    ScoringConfig    `yaml:"scoring" mapstructure:"scoring"`
	Events     EventsConfig     `yaml:"events" mapstructure:"events"`
	Extract    ExtractConfig    `yaml:"extract" mapstructure:"extract"`
	Server     ServerConfig     `yaml:"server" mapstructure:"server"`
	Log        LogConfig        `yaml:"log" mapstructure:"log"`
	Monitoring MonitoringConfig `yaml:"monitoring" mapstructure:"monitoring"`
	Temporal   TemporalConfig   `yaml:"temporal" mapstructure:"temporal"`
	Worker     WorkerConfig     `yaml:"worker" mapstructure:"worker"`
}

// StoreConfig configures the database backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	MaxConns    int32  `yaml:"max_conns" mapstructure:"max_conns"`
}

// SourceConfig configures the event-capture API the adapter pages through.
type SourceConfig struct {
	BaseURL          string  `yaml:"base_url" mapstructure:"base_url"`
	APIKey           string  `yaml:"api_key" mapstructure:"api_key"`
	ProjectID        string  `yaml:"project_id" mapstructure:"project_id"`
	PageSize         int     `yaml:"page_size" mapstructure:"page_size"`
	RateLimit        float64 `yaml:"rate_limit" mapstructure:"rate_limit"`
	TimeoutSecs      int     `yaml:"timeout_secs" mapstructure:"timeout_secs"`
	MaxRetries       int     `yaml:"max_retries" mapstructure:"max_retries"`
	CircuitThreshold int     `yaml:"circuit_threshold" mapstructure:"circuit_threshold"`
	CircuitResetSecs int     `yaml:"circuit_reset_secs" mapstructure:"circuit_reset_secs"`
}

// PipelineConfig configures window claiming and fan-out.
type PipelineConfig struct {
	Name               string `yaml:"name" mapstructure:"name"`
	WindowMinutes      int    `yaml:"window_minutes" mapstructure:"window_minutes"`
	SettleDelayMinutes int    `yaml:"settle_delay_minutes" mapstructure:"settle_delay_minutes"`
	MaxWindows         int    `yaml:"max_windows" mapstructure:"max_windows"`
	Workers            int    `yaml:"workers" mapstructure:"workers"`
	// StartFrom is the RFC3339 instant a pipeline with no watermark starts at.
	StartFrom     string `yaml:"start_from" mapstructure:"start_from"`
	RescoreInline bool   `yaml:"rescore_inline" mapstructure:"rescore_inline"`
}

// Window returns the configured window size.
func (p PipelineConfig) Window() time.Duration {
	return time.Duration(p.WindowMinutes) * time.Minute
}

// SettleDelay returns how far behind now the pipeline stays, so that late
// events in the eventually consistent source are included.
func (p PipelineConfig) SettleDelay() time.Duration {
	return time.Duration(p.SettleDelayMinutes) * time.Minute
}

// BucketConfig configures bucket granularity.
type BucketConfig struct {
	Hourly   bool   `yaml:"hourly" mapstructure:"hourly"`
	Timezone string `yaml:"timezone" mapstructure:"timezone"`
}

// DedupConfig configures the deduplicator.
type DedupConfig struct {
	Backend string `yaml:"backend" mapstructure:"backend"`
	// SessionMinutes is the dedup session length. Zero means one aggregation window.
	SessionMinutes int    `yaml:"session_minutes" mapstructure:"session_minutes"`
	KeyPrefix      string `yaml:"key_prefix" mapstructure:"key_prefix"`
}

// Session returns the dedup session length; zero means one window.
func (d DedupConfig) Session() time.Duration {
	return time.Duration(d.SessionMinutes) * time.Minute
}

// RedisConfig configures the Redis client used by the redis dedup backend.
type RedisConfig struct {
	Addr     string `yaml:"addr" mapstructure:"addr"`
	Password string `yaml:"password" mapstructure:"password"`
	DB       int    `yaml:"db" mapstructure:"db"`
}

// RollupConfig configures the fast-path rollup updater.
type RollupConfig struct {
	MaxRetries     int `yaml:"max_retries" mapstructure:"max_retries"`
	InitialDelayMs int `yaml:"initial_delay_ms" mapstructure:"initial_delay_ms"`
	Workers        int `yaml:"workers" mapstructure:"workers"`
}

// ScoringConfig configures lead scoring.
type ScoringConfig struct {
	Weights         map[string]float64 `yaml:"weights" mapstructure:"weights"`
	HalfLifeDays    float64            `yaml:"half_life_days" mapstructure:"half_life_days"`
	RecencyBoost    float64            `yaml:"recency_boost" mapstructure:"recency_boost"`
	MaxScore        float64            `yaml:"max_score" mapstructure:"max_score"`
	HighThreshold   float64            `yaml:"high_threshold" mapstructure:"high_threshold"`
	MediumThreshold float64            `yaml:"medium_threshold" mapstructure:"medium_threshold"`
}

// EventsConfig overrides the event-name to class map.
type EventsConfig struct {
	Classes map[string]string `yaml:"classes" mapstructure:"classes"`
}

// ExtractConfig configures the property extractor.
type ExtractConfig struct {
	FieldsFile string `yaml:"fields_file" mapstructure:"fields_file"`
}

// ServerConfig configures the read API server.
type ServerConfig struct {
	Port           int      `yaml:"port" mapstructure:"port"`
	AllowedOrigins []string `yaml:"allowed_origins" mapstructure:"allowed_origins"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// MonitoringConfig configures the background alert checker.
type MonitoringConfig struct {
	Enabled                bool    `yaml:"enabled" mapstructure:"enabled"`
	WebhookURL             string  `yaml:"webhook_url" mapstructure:"webhook_url"`
	CheckIntervalSecs      int     `yaml:"check_interval_secs" mapstructure:"check_interval_secs"`
	LookbackWindowHours    int     `yaml:"lookback_window_hours" mapstructure:"lookback_window_hours"`
	FailureRateThreshold   float64 `yaml:"failure_rate_threshold" mapstructure:"failure_rate_threshold"`
	RejectionRateThreshold float64 `yaml:"rejection_rate_threshold" mapstructure:"rejection_rate_threshold"`
	PendingRollupThreshold int     `yaml:"pending_rollup_threshold" mapstructure:"pending_rollup_threshold"`
}

// TemporalConfig configures the Temporal worker and schedule.
type TemporalConfig struct {
	HostPort        string `yaml:"host_port" mapstructure:"host_port"`
	Namespace       string `yaml:"namespace" mapstructure:"namespace"`
	TaskQueue       string `yaml:"task_queue" mapstructure:"task_queue"`
	ScheduleID      string `yaml:"schedule_id" mapstructure:"schedule_id"`
	IntervalMinutes int    `yaml:"interval_minutes" mapstructure:"interval_minutes"`
}

// WorkerConfig configures the in-process scheduler.
type WorkerConfig struct {
	IntervalMinutes int  `yaml:"interval_minutes" mapstructure:"interval_minutes"`
	RunOnStart      bool `yaml:"run_on_start" mapstructure:"run_on_start"`
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("LISTING_ANALYTICS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("store.driver", "postgres")
	v.SetDefault("store.database_url", "")
	v.SetDefault("source.base_url", "")
	v.SetDefault("source.api_key", "")
	v.SetDefault("source.project_id", "")
	v.SetDefault("store.max_conns", 10)
	v.SetDefault("source.page_size", 1000)
	v.SetDefault("source.rate_limit", 5.0)
	v.SetDefault("source.timeout_secs", 30)
	v.SetDefault("source.max_retries", 3)
	v.SetDefault("source.circuit_threshold", 5)
	v.SetDefault("source.circuit_reset_secs", 60)
	v.SetDefault("pipeline.name", "events")
	v.SetDefault("pipeline.window_minutes", 60)
	v.SetDefault("pipeline.settle_delay_minutes", 10)
	v.SetDefault("pipeline.max_windows", 24)
	v.SetDefault("pipeline.workers", 8)
	v.SetDefault("pipeline.rescore_inline", true)
	v.SetDefault("pipeline.start_from", "")
	v.SetDefault("bucket.hourly", false)
	v.SetDefault("bucket.timezone", "UTC")
	v.SetDefault("dedup.backend", "memory")
	v.SetDefault("dedup.key_prefix", "la:dedup")
	v.SetDefault("dedup.session_minutes", 0)
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("extract.fields_file", "")
	v.SetDefault("rollup.max_retries", 3)
	v.SetDefault("rollup.initial_delay_ms", 50)
	v.SetDefault("rollup.workers", 4)
	v.SetDefault("scoring.weights", map[string]any{
		"appointment": 20.0,
		"phone":       10.0,
		"whatsapp":    8.0,
		"message":     5.0,
		"email":       5.0,
		"view":        1.0,
	})
	v.SetDefault("scoring.half_life_days", 30.0)
	v.SetDefault("scoring.recency_boost", 0.5)
	v.SetDefault("scoring.max_score", 100.0)
	v.SetDefault("scoring.high_threshold", 60.0)
	v.SetDefault("scoring.medium_threshold", 25.0)
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.allowed_origins", []string{"*"})
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("monitoring.enabled", false)
	v.SetDefault("monitoring.webhook_url", "")
	v.SetDefault("monitoring.check_interval_secs", 300)
	v.SetDefault("monitoring.lookback_window_hours", 24)
	v.SetDefault("monitoring.failure_rate_threshold", 0.25)
	v.SetDefault("monitoring.rejection_rate_threshold", 0.10)
	v.SetDefault("monitoring.pending_rollup_threshold", 500)
	v.SetDefault("temporal.host_port", "localhost:7233")
	v.SetDefault("temporal.namespace", "default")
	v.SetDefault("temporal.task_queue", "listing-analytics")
	v.SetDefault("temporal.schedule_id", "listing-analytics-aggregate")
	v.SetDefault("temporal.interval_minutes", 15)
	v.SetDefault("worker.interval_minutes", 15)
	v.SetDefault("worker.run_on_start", true)

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

// Validate checks that the settings required by a command mode are present.
// Modes: "aggregate", "worker", "offline", "serve", "store". Offline is an
// aggregate run fed from an export file, so it needs no source endpoint.
func (c *Config) Validate(mode string) error {
	var errs []string

	if c.Store.Driver != "sqlite" && c.Store.DatabaseURL == "" {
		errs = append(errs, "store.database_url is required")
	}

	switch mode {
	case "aggregate", "worker", "offline":
		if mode != "offline" && c.Source.BaseURL == "" {
			errs = append(errs, "source.base_url is required")
		}
		if c.Pipeline.WindowMinutes <= 0 {
			errs = append(errs, "pipeline.window_minutes must be > 0")
		}
		if c.Pipeline.MaxWindows <= 0 {
			errs = append(errs, "pipeline.max_windows must be > 0")
		}
		if c.Pipeline.Workers < 1 || c.Pipeline.Workers > 64 {
			errs = append(errs, "pipeline.workers must be between 1 and 64")
		}
		if c.Pipeline.StartFrom != "" {
			if _, err := time.Parse(time.RFC3339, c.Pipeline.StartFrom); err != nil {
				errs = append(errs, "pipeline.start_from must be RFC3339")
			}
		}
		switch c.Dedup.Backend {
		case "memory":
			if c.Dedup.SessionMinutes > c.Pipeline.WindowMinutes {
				errs = append(errs, "dedup.session_minutes longer than pipeline.window_minutes requires dedup.backend=redis")
			}
		case "redis":
			if c.Redis.Addr == "" {
				errs = append(errs, "redis.addr is required for dedup.backend=redis")
			}
		default:
			errs = append(errs, fmt.Sprintf("dedup.backend %q is not supported", c.Dedup.Backend))
		}
		if _, err := c.Bucket.Location(); err != nil {
			errs = append(errs, "bucket.timezone is not a valid location")
		}
	case "serve":
		if c.Server.Port <= 0 {
			errs = append(errs, "server.port must be > 0")
		}
	case "store":
	default:
		return eris.Errorf("config: unknown mode %q", mode)
	}

	if len(errs) > 0 {
		return eris.Errorf("config: %s", strings.Join(errs, "; "))
	}
	return nil
}

// Location resolves the bucket timezone.
func (b BucketConfig) Location() (*time.Location, error) {
	if b.Timezone == "" {
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(b.Timezone)
	if err != nil {
		return nil, eris.Wrapf(err, "config: bucket.timezone %q", b.Timezone)
	}
	return loc, nil
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
