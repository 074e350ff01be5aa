// Package config loads service configuration from the environment.
package config

import (
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"

	"github.com/reviewhound/reviewhound/pkg/common/logger"
)

const namespace = "REVIEWHOUND"

// WebConfig configures the HTTP API server.
type WebConfig struct {
	Host               string        `envconfig:"API_HOST" default:"0.0.0.0"`
	Port               string        `envconfig:"API_PORT" default:"8000"`
	DebugHost          string        `envconfig:"DEBUG_HOST" default:"0.0.0.0:8010"`
	ReadTimeout        time.Duration `envconfig:"READ_TIMEOUT" default:"5s"`
	WriteTimeout       time.Duration `envconfig:"WRITE_TIMEOUT" default:"60s"`
	IdleTimeout        time.Duration `envconfig:"IDLE_TIMEOUT" default:"120s"`
	ShutdownTimeout    time.Duration `envconfig:"SHUTDOWN_TIMEOUT" default:"20s"`
	CORSAllowedOrigins []string      `envconfig:"CORS_ALLOWED_ORIGINS" default:"*"`
}

// StoreConfig selects and configures the task store backend.
type StoreConfig struct {
	// Type is "memory" or "redis".
	Type      string        `envconfig:"STORE_TYPE" default:"memory"`
	RedisAddr string        `envconfig:"REDIS_ADDR" default:"localhost:6379"`
	RedisDB   int           `envconfig:"REDIS_DB" default:"0"`
	TaskTTL   time.Duration `envconfig:"TASK_TTL" default:"24h"`
}

// DispatchConfig bounds the worker pool that executes review tasks.
type DispatchConfig struct {
	Workers   int `envconfig:"WORKERS" default:"4"`
	QueueSize int `envconfig:"QUEUE_SIZE" default:"100"`
}

// ReaperConfig tunes the periodic stuck-task sweep.
type ReaperConfig struct {
	Interval           time.Duration `envconfig:"REAPER_INTERVAL" default:"1m"`
	StalenessThreshold time.Duration `envconfig:"REAPER_STALENESS_THRESHOLD" default:"30m"`
	IncludePending     bool          `envconfig:"REAPER_INCLUDE_PENDING" default:"false"`
}

// PipelineConfig tunes per-file analysis retries and result caching.
type PipelineConfig struct {
	MaxFileRetries       uint64        `envconfig:"MAX_FILE_RETRIES" default:"3"`
	RetryInitialInterval time.Duration `envconfig:"RETRY_INITIAL_INTERVAL" default:"500ms"`
	ResultCacheEnabled   bool          `envconfig:"RESULT_CACHE_ENABLED" default:"false"`
}

// GitHubConfig configures the pull request file fetcher.
type GitHubConfig struct {
	BaseURL string `envconfig:"GITHUB_BASE_URL" default:"https://api.github.com"`
}

// AnalyzerConfig configures the model-backed file analyzer.
type AnalyzerConfig struct {
	BaseURL string `envconfig:"ANALYZER_BASE_URL" default:"https://api.openai.com/v1"`
	APIKey  string `envconfig:"ANALYZER_API_KEY"`
	Model   string `envconfig:"ANALYZER_MODEL" default:"gpt-4o-mini"`
}

// TelemetryConfig configures the OTLP trace exporter.
type TelemetryConfig struct {
	ServiceName      string  `envconfig:"OTEL_SERVICE_NAME" default:"reviewhound"`
	ExporterEndpoint string  `envconfig:"OTEL_EXPORTER_OTLP_ENDPOINT" default:"localhost:4317"`
	Probability      float64 `envconfig:"OTEL_SAMPLING_RATIO" default:"0.05"`
	Enabled          bool    `envconfig:"OTEL_ENABLED" default:"false"`
}

// Config is the top-level service configuration.
type Config struct {
	Web       WebConfig
	Store     StoreConfig
	Dispatch  DispatchConfig
	Reaper    ReaperConfig
	Pipeline  PipelineConfig
	GitHub    GitHubConfig
	Analyzer  AnalyzerConfig
	Telemetry TelemetryConfig
	LogLevel  string `envconfig:"LOG_LEVEL" default:"info"`
}

// Load reads configuration from REVIEWHOUND_-prefixed environment variables.
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process(namespace, &cfg); err != nil {
		return nil, fmt.Errorf("loading configuration: %w", err)
	}
	return &cfg, nil
}

// Level maps the configured log level onto the logger's levels. Unknown
// values fall back to info.
func (c *Config) Level() logger.Level {
	switch c.LogLevel {
	case "debug":
		return logger.LevelDebug
	case "warn":
		return logger.LevelWarn
	case "error":
		return logger.LevelError
	default:
		return logger.LevelInfo
	}
}
