// Package config defines configuration parsing and helpers.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v10"
)

// Config holds all application configuration parsed from environment
// variables, per spec.md §6.
type Config struct {
	AppEnv string `env:"APP_ENV" envDefault:"dev"`

	// Persisted state (spec.md §6, §3).
	DatabaseURL string `env:"DATABASE_URL" envDefault:"sqlite://alphas.db?mode=rwc"`

	// Upstream session.
	UpstreamBaseURL string        `env:"UPSTREAM_BASE_URL" envDefault:"https://api.worldquantbrain.com"`
	WQBEmail        string        `env:"WQB_EMAIL"`
	WQBPassword     string        `env:"WQB_PASSWORD"`
	AuthTimeout     time.Duration `env:"AUTH_TIMEOUT" envDefault:"30s"`
	AuthMaxTries    int           `env:"AUTH_MAX_TRIES" envDefault:"3"`
	AuthBaseDelay   time.Duration `env:"AUTH_BASE_DELAY" envDefault:"1s"`

	// LLM provider selection and credentials.
	LlmProvider      string        `env:"LLM_PROVIDER" envDefault:"openrouter"`
	OpenRouterAPIKey string        `env:"OPENROUTER_API_KEY"`
	OpenRouterKeys   []string      `env:"OPENROUTER_API_KEYS" envSeparator:","`
	OpenRouterBase   string        `env:"OPENROUTER_BASE_URL" envDefault:"https://openrouter.ai/api/v1"`
	CerebrasAPIKey   string        `env:"CEREBRAS_API_KEY"`
	CerebrasKeys     []string      `env:"CEREBRAS_API_KEYS" envSeparator:","`
	CerebrasBase     string        `env:"CEREBRAS_BASE_URL" envDefault:"https://api.cerebras.ai/v1"`
	XirangAppKey     string        `env:"XIRANG_APP_KEY"`
	XirangAppKeys    []string      `env:"XIRANG_APP_KEYS" envSeparator:","`
	XirangBase       string        `env:"XIRANG_BASE_URL" envDefault:"https://xiraang.com/v1"`
	LlmProxy         string        `env:"LLM_PROXY"`
	LlmTimeout       time.Duration `env:"LLM_TIMEOUT_SECS" envDefault:"300s"`

	// Watchdog / worker pool.
	AlphaStaleAfter    time.Duration `env:"ALPHA_STALE_AFTER" envDefault:"600s"`
	WatchdogInterval   time.Duration `env:"WATCHDOG_INTERVAL" envDefault:"60s"`
	WorkerPoolSize     int           `env:"WORKER_POOL_SIZE" envDefault:"10"`
	WorkerPollInterval time.Duration `env:"WORKER_POLL_INTERVAL" envDefault:"300ms"`

	// Job retry/backoff (spec.md §4.2 defaults).
	RetryBase       time.Duration `env:"RETRY_BASE" envDefault:"5s"`
	RetryCap        time.Duration `env:"RETRY_CAP" envDefault:"600s"`
	RetryMaxRetries int           `env:"RETRY_MAX_RETRIES" envDefault:"5"`

	// Field sync.
	FieldSyncPageLimit      int           `env:"FIELD_SYNC_PAGE_LIMIT" envDefault:"50"`
	FieldSyncThrottle       time.Duration `env:"FIELD_SYNC_THROTTLE" envDefault:"250ms"`
	FieldSyncMaxRows        int           `env:"FIELD_SYNC_MAX_ROWS" envDefault:"10000"`
	FieldSyncRateLimitSleep time.Duration `env:"FIELD_SYNC_RATE_LIMIT_SLEEP" envDefault:"3s"`
	FieldSyncMax429Retries  int           `env:"FIELD_SYNC_MAX_429_RETRIES" envDefault:"5"`
	FieldSyncDelays         []int         `env:"FIELD_SYNC_DELAYS" envSeparator:"," envDefault:"1,3,5,10"`

	// Operator catalog cache TTL.
	OperatorCatalogTTL time.Duration `env:"OPERATOR_CATALOG_TTL" envDefault:"15m"`

	// Observability.
	OTLPEndpoint    string `env:"OTEL_EXPORTER_OTLP_ENDPOINT" envDefault:""`
	OTELServiceName string `env:"OTEL_SERVICE_NAME" envDefault:"wqbconsole"`
	MetricsPort     int    `env:"METRICS_PORT" envDefault:"9090"`
}

// Load parses environment variables into a Config.
func Load() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("op=config.Load: %w", err)
	}
	return cfg, nil
}

// IsDev reports whether the app is running in development mode.
func (c Config) IsDev() bool { return strings.ToLower(c.AppEnv) == "dev" }

// IsProd reports whether the app is running in production mode.
func (c Config) IsProd() bool { return strings.ToLower(c.AppEnv) == "prod" }
