// Package config loads and validates the application's runtime
// configuration from a YAML file overlaid with environment variables.
package config

import (
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/ilyakaznacheev/cleanenv"
)

// FetchMode selects how the fetcher facade prefers to list bulk resources.
type FetchMode string

const (
	FetchModeREST   FetchMode = "rest"
	FetchModeGraph  FetchMode = "graph"
	FetchModeHybrid FetchMode = "hybrid"
)

// ClassConfig configures one priority class of a budget's DRR scheduler.
type ClassConfig struct {
	// Name identifies the class, e.g. "interactive", "background", "bulk".
	Name string `yaml:"name" validate:"required"`
	// Weight is this class's share of the budget's DRR service rounds.
	Weight int `yaml:"weight" validate:"required,gt=0"`
	// QueueCap bounds how many pending requests this class may hold before
	// Submit fails with QueueFull.
	QueueCap int `yaml:"queueCap" validate:"required,gt=0"`
}

// BudgetConfig configures one named rate-limit budget (REST-core, search, GraphQL, ...).
type BudgetConfig struct {
	// Concurrency bounds the number of in-flight dispatches for this budget.
	Concurrency int `yaml:"concurrency" validate:"required,gt=0"`
	// Classes lists the priority classes serviced by this budget, high to low.
	Classes []ClassConfig `yaml:"classes" validate:"required,min=1,dive"`
}

// CacheConfig configures the conditional-request response cache.
type CacheConfig struct {
	// MaxBytes bounds the total size of cached response bodies.
	MaxBytes int64 `env:"CACHE_MAX_BYTES" env-default:"67108864" yaml:"maxBytes" validate:"gt=0"`
}

// RetryConfig configures the executor's retry/backoff policy.
type RetryConfig struct {
	// MaxAttempts is the maximum number of attempts per request, the first one
	// included, before Upstream is returned.
	MaxAttempts int `env:"RETRY_MAX_ATTEMPTS" env-default:"5" yaml:"maxAttempts" validate:"gt=0"`
	// BaseMS is the base backoff delay in milliseconds.
	BaseMS int `env:"RETRY_BASE_MS" env-default:"500" yaml:"baseMs" validate:"gt=0"`
	// CapMS is the maximum backoff delay in milliseconds.
	CapMS int `env:"RETRY_CAP_MS" env-default:"30000" yaml:"capMs" validate:"gt=0"`
}

// WorkerConfig configures the collection worker loop.
type WorkerConfig struct {
	// Concurrency bounds how many claimed jobs are processed in parallel.
	Concurrency int `env:"WORKER_CONCURRENCY" env-default:"4" yaml:"concurrency" validate:"gt=0"`
	// BatchSize is how many jobs are claimed per poll.
	BatchSize int `env:"WORKER_BATCH_SIZE" env-default:"4" yaml:"batchSize" validate:"gt=0"`
	// PollIntervalMS is how long the worker sleeps when the queue is empty.
	PollIntervalMS int `env:"WORKER_POLL_INTERVAL_MS" env-default:"5000" yaml:"pollIntervalMs" validate:"gt=0"`
	// RunOnce exits the worker once the queue is empty and in-flight jobs settle.
	RunOnce bool `env:"WORKER_RUN_ONCE" env-default:"false" yaml:"runOnce"`
	// MaxFailures is the failure_count threshold at which a failed job is
	// promoted to the terminal error state. See DESIGN.md for the rationale
	// behind pinning this threshold instead of leaving it open-ended.
	MaxFailures int `env:"WORKER_MAX_FAILURES" env-default:"5" yaml:"maxFailures" validate:"gt=0"`
}

// Config represents the application configuration structure.
type Config struct {
	// Environment specifies the current running environment (development, production, etc.)
	Environment string `env:"ENVIRONMENT" env-default:"development" yaml:"environment"`

	// UserAgent is sent on every upstream request.
	UserAgent string `env:"USER_AGENT" env-default:"collector-bot/1.0 (+ops@example.invalid)" yaml:"userAgent" validate:"required"` //nolint:lll

	// FetchMode selects how the fetcher prefers bulk vs per-item upstream calls.
	FetchMode FetchMode `env:"FETCH_MODE" env-default:"hybrid" yaml:"fetchMode" validate:"oneof=rest graph hybrid"`

	// Tokens lists the credential strings the token pool multiplexes across.
	Tokens []string `env:"TOKENS" env-separator:"," yaml:"tokens" validate:"required,min=1"`

	// Budgets maps a budget name (rest-core, search, graphql) to its scheduler configuration.
	Budgets map[string]BudgetConfig `yaml:"budgets" validate:"required,min=1,dive"`

	Cache  CacheConfig  `yaml:"cache"`
	Retry  RetryConfig  `yaml:"retry"`
	Worker WorkerConfig `yaml:"worker"`

	// HTTP contains all HTTP server related configurations for the operator control surface.
	HTTP struct {
		// Addr is the address and port the HTTP server will listen on
		Addr string `env:"HTTP_ADDR" env-default:":8080" yaml:"addr"`
		// ReadTimeout is the maximum duration for reading the entire request, including the body
		ReadTimeout time.Duration `env:"HTTP_READ_TIMEOUT" env-default:"1m" yaml:"readTimeout"`
		// ReadHeaderTimeout is the amount of time allowed to read request headers
		ReadHeaderTimeout time.Duration `env:"HTTP_READ_HEADER_TIMEOUT" env-default:"10s" yaml:"readHeaderTimeout"`
		// WriteTimeout is the maximum duration before timing out writes of the response
		WriteTimeout time.Duration `env:"HTTP_WRITE_TIMEOUT" env-default:"2m" yaml:"writeTimeout"`
		// IdleTimeout is the maximum amount of time to wait for the next request when keep-alives are enabled
		IdleTimeout time.Duration `env:"HTTP_IDLE_TIMEOUT" env-default:"2m" yaml:"idleTimeout"`
		// RequestTimeout is the maximum time allowed for processing a single request
		RequestTimeout time.Duration `env:"HTTP_REQUEST_TIMEOUT" env-default:"10s" yaml:"requestTimeout"`
		// MaxHeaderBytes controls the maximum number of bytes the server will read parsing the request header
		MaxHeaderBytes int `env:"HTTP_MAX_HEADER_BYTES" env-default:"0" yaml:"maxHeaderBytes"`
		// MetricsPath defines the URL path where metrics are exposed
		MetricsPath string `env:"HTTP_METRICS_PATH" env-default:"/metrics" yaml:"metricsPath"`
	} `yaml:"http"`

	// Database contains all database connection related configurations
	Database struct {
		// Username for database authentication
		Username string `env:"DATABASE_USERNAME" env-default:"myuser" yaml:"username"`
		// Password for database authentication
		Password string `env:"DATABASE_PASSWORD" env-default:"mypassword" yaml:"password"`
		// Host is the database server hostname or IP address
		Host string `env:"DATABASE_HOST" env-default:"localhost" yaml:"host"`
		// Port is the database server port number
		Port int `env:"DATABASE_PORT" env-default:"5432" yaml:"port"`
		// SslMode defines the SSL mode for the database connection
		SslMode string `env:"DATABASE_SSL_MODE" env-default:"disable" yaml:"sslMode"`
		// DatabaseName is the name of the database to connect to
		DatabaseName string `env:"DATABASE_NAME" env-default:"collector" yaml:"name"`
		// MaxOpenConnections limits the number of open connections to the database
		MaxOpenConnections int `env:"DATABASE_MAX_OPEN_CONNECTIONS" env-default:"10" yaml:"maxOpenConnections"`
		// MaxIdleConnections limits the number of connections in the idle connection pool
		MaxIdleConnections int `env:"DATABASE_MAX_IDLE_CONNECTIONS" env-default:"8" yaml:"maxIdleConnections"`
		// ConnMaxLifetime is the maximum amount of time a connection may be reused
		ConnMaxLifetime time.Duration `env:"DATABASE_CONNECTION_MAX_LIFETIME" env-default:"3m" yaml:"connMaxLifetime"`
		// ConnMaxIdleTime is the maximum amount of time a connection may be idle
		ConnMaxIdleTime time.Duration `env:"DATABASE_CONNECTION_MAX_IDLE_TIME" env-default:"3m" yaml:"connMaxIdleTime"`
	} `yaml:"database"`

	// GracefulShutdownTimeout is the maximum duration to wait for ongoing requests to complete during shutdown
	GracefulShutdownTimeout time.Duration `env:"GRACEFUL_SHUTDOWN_TIMEOUT" env-default:"10s" yaml:"gracefulShutdownTimeout"` //nolint: lll
}

// DefaultBudgets returns the three budgets named in the spec (rest-core,
// search, graphql) with a default interactive/background/bulk DRR split.
// It is used to seed a config.yml template and by tests that do not care
// about custom weights.
func DefaultBudgets() map[string]BudgetConfig {
	classes := []ClassConfig{
		{Name: "interactive", Weight: 3, QueueCap: 1000},
		{Name: "background", Weight: 2, QueueCap: 5000},
		{Name: "bulk", Weight: 1, QueueCap: 20000},
	}

	return map[string]BudgetConfig{
		"rest-core": {Concurrency: 10, Classes: classes},
		"search":    {Concurrency: 2, Classes: classes},
		"graphql":   {Concurrency: 5, Classes: classes},
	}
}

// Load receives the path for yaml config file, fills a Config struct, and
// validates it. A validation failure is returned before the broker or
// worker ever start, so a misconfigured deployment fails fast at boot.
func Load(configPath string) (*Config, error) {
	var cfg Config
	if err := cleanenv.ReadConfig(configPath, &cfg); err != nil {
		return nil, fmt.Errorf("could not read config: %w", err)
	}

	if err := validator.New().Struct(&cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &cfg, nil
}
