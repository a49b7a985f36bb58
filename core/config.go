package core

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the engine-wide configuration. Components each accept their own
// config struct; this aggregates the ones that cross package boundaries and
// supports YAML file loading plus TASKFORGE_* environment overrides.
type Config struct {
	ServiceName string        `yaml:"service_name"`
	RedisURL    string        `yaml:"redis_url"`
	Logging     LoggingConfig `yaml:"logging"`

	AI struct {
		Provider string `yaml:"provider"`
		APIKey   string `yaml:"api_key"`
		BaseURL  string `yaml:"base_url"`
		Model    string `yaml:"model"`
		// EmbedModel is the embedding model; its output dimensionality is
		// fixed per model.
		EmbedModel string `yaml:"embed_model"`
		EmbedDims  int    `yaml:"embed_dims"`
	} `yaml:"ai"`

	Telemetry struct {
		Enabled      bool   `yaml:"enabled"`
		OTELEndpoint string `yaml:"otel_endpoint"`
	} `yaml:"telemetry"`

	Executor struct {
		ScriptTimeout time.Duration `yaml:"script_timeout"`
		CallTimeout   time.Duration `yaml:"call_timeout"`
	} `yaml:"executor"`

	Orchestrator struct {
		WorkerCount        int           `yaml:"worker_count"`
		MaxTasksPerWorker  int           `yaml:"max_tasks_per_worker"`
		MatchFloor         float64       `yaml:"match_floor"`
		MaintenanceEvery   time.Duration `yaml:"maintenance_every"`
		CleanupEvery       time.Duration `yaml:"cleanup_every"`
	} `yaml:"orchestrator"`

	ObjectStore struct {
		Root    string `yaml:"root"`
		BaseURL string `yaml:"base_url"`
	} `yaml:"object_store"`
}

// Option mutates a Config during construction.
type Option func(*Config) error

// NewConfig builds a Config from defaults, then the environment, then the
// supplied options (highest precedence).
func NewConfig(opts ...Option) (*Config, error) {
	cfg := DefaultConfig()
	cfg.applyEnvironment()
	for _, opt := range opts {
		if err := opt(cfg); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

// DefaultConfig returns production defaults.
func DefaultConfig() *Config {
	cfg := &Config{
		ServiceName: "taskforge",
		RedisURL:    "redis://localhost:6379",
		Logging:     DefaultLoggingConfig(),
	}
	cfg.AI.Provider = "gemini"
	cfg.AI.Model = "gemini-1.5-flash"
	cfg.AI.EmbedModel = "text-embedding-004"
	cfg.AI.EmbedDims = 768
	cfg.Executor.ScriptTimeout = 12 * time.Minute
	cfg.Executor.CallTimeout = 12 * time.Minute
	cfg.Orchestrator.WorkerCount = 4
	cfg.Orchestrator.MaxTasksPerWorker = 2
	cfg.Orchestrator.MatchFloor = 0.5
	cfg.Orchestrator.MaintenanceEvery = 5 * time.Second
	cfg.Orchestrator.CleanupEvery = 60 * time.Second
	cfg.ObjectStore.Root = "./artifacts"
	cfg.ObjectStore.BaseURL = "http://localhost:8080/artifacts"
	return cfg
}

// applyEnvironment layers TASKFORGE_* variables over defaults.
func (c *Config) applyEnvironment() {
	if v := os.Getenv("TASKFORGE_SERVICE_NAME"); v != "" {
		c.ServiceName = v
	}
	if v := os.Getenv("TASKFORGE_REDIS_URL"); v != "" {
		c.RedisURL = v
	}
	if v := os.Getenv("TASKFORGE_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("TASKFORGE_LOG_FORMAT"); v != "" {
		c.Logging.Format = v
	}
	if v := os.Getenv("TASKFORGE_AI_PROVIDER"); v != "" {
		c.AI.Provider = v
	}
	if v := os.Getenv("TASKFORGE_AI_API_KEY"); v != "" {
		c.AI.APIKey = v
	}
	if v := os.Getenv("TASKFORGE_AI_BASE_URL"); v != "" {
		c.AI.BaseURL = v
	}
	if v := os.Getenv("TASKFORGE_AI_MODEL"); v != "" {
		c.AI.Model = v
	}
	if v := os.Getenv("TASKFORGE_EMBED_DIMS"); v != "" {
		if dims, err := strconv.Atoi(v); err == nil && dims > 0 {
			c.AI.EmbedDims = dims
		}
	}
	if v := os.Getenv("TASKFORGE_OTEL_ENDPOINT"); v != "" {
		c.Telemetry.Enabled = true
		c.Telemetry.OTELEndpoint = v
	}
	if v := os.Getenv("TASKFORGE_WORKER_COUNT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.Orchestrator.WorkerCount = n
		}
	}
}

// WithConfigFile loads YAML configuration from path.
func WithConfigFile(path string) Option {
	return func(c *Config) error {
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, c); err != nil {
			return fmt.Errorf("parse config file %s: %w", path, ErrInvalidConfiguration)
		}
		return nil
	}
}

// WithRedisURL overrides the Redis connection URL.
func WithRedisURL(url string) Option {
	return func(c *Config) error {
		if url == "" {
			return fmt.Errorf("redis URL cannot be empty: %w", ErrInvalidConfiguration)
		}
		c.RedisURL = url
		return nil
	}
}

// WithServiceName overrides the service name used in logs and telemetry.
func WithServiceName(name string) Option {
	return func(c *Config) error {
		c.ServiceName = name
		return nil
	}
}

// WithAI configures the LLM provider.
func WithAI(provider, apiKey string) Option {
	return func(c *Config) error {
		c.AI.Provider = provider
		c.AI.APIKey = apiKey
		return nil
	}
}

// WithTelemetry enables OTel export to the given endpoint.
func WithTelemetry(endpoint string) Option {
	return func(c *Config) error {
		c.Telemetry.Enabled = true
		c.Telemetry.OTELEndpoint = endpoint
		return nil
	}
}
