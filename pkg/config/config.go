// Package config loads the service configuration from YAML, .env files and
// POLIS_SHIELD_* environment variables, and watches the file for changes.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/polisai/polis-shield/pkg/policy"
	"github.com/polisai/polis-shield/pkg/telemetry"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "POLIS_SHIELD_"

// Config holds the global configuration for the service.
type Config struct {
	Server    ServerConfig     `yaml:"server"`
	Logging   LoggingConfig    `yaml:"logging"`
	Telemetry telemetry.Config `yaml:"telemetry"`
	Jobs      JobsConfig       `yaml:"jobs"`
	Storage   StorageConfig    `yaml:"storage"`
	Events    EventsConfig     `yaml:"events"`
	RateLimit RateLimitConfig  `yaml:"rate_limit"`
	Detectors DetectorsConfig  `yaml:"detectors"`
	Policies  PoliciesConfig   `yaml:"policies"`
}

// ServerConfig holds configuration for the HTTP server.
type ServerConfig struct {
	Address         string        `yaml:"address"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	MaxBodyBytes    int64         `yaml:"max_body_bytes"`
	TLS             *TLSConfig    `yaml:"tls,omitempty"`
}

// LoggingConfig holds configuration for logging.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// JobsConfig sizes the asynchronous worker pool.
type JobsConfig struct {
	Workers       int           `yaml:"workers"`
	QueueSize     int           `yaml:"queue_size"`
	JobTimeout    time.Duration `yaml:"job_timeout"`
	Retention     time.Duration `yaml:"retention"`
	PruneInterval time.Duration `yaml:"prune_interval"`
}

// Storage drivers.
const (
	StorageMemory = "memory"
	StorageRedis  = "redis"
)

// StorageConfig selects the job store.
type StorageConfig struct {
	Driver string      `yaml:"driver"`
	Redis  RedisConfig `yaml:"redis"`
}

// RedisConfig holds the Redis job store connection.
type RedisConfig struct {
	Addr        string        `yaml:"addr"`
	Password    string        `yaml:"password"`
	DB          int           `yaml:"db"`
	KeyPrefix   string        `yaml:"key_prefix"`
	TerminalTTL time.Duration `yaml:"terminal_ttl"`
}

// EventsConfig enables job lifecycle events.
type EventsConfig struct {
	Enabled bool       `yaml:"enabled"`
	NATS    NATSConfig `yaml:"nats"`
}

// NATSConfig holds the NATS connection.
type NATSConfig struct {
	URL           string        `yaml:"url"`
	SubjectPrefix string        `yaml:"subject_prefix"`
	MaxReconnects int           `yaml:"max_reconnects"`
	ReconnectWait time.Duration `yaml:"reconnect_wait"`
}

// RateLimitConfig bounds requests per client. A zero rate disables limiting.
type RateLimitConfig struct {
	RequestsPerSecond float64       `yaml:"requests_per_second"`
	Burst             int           `yaml:"burst"`
	IdleTTL           time.Duration `yaml:"idle_ttl"`
}

// DetectorsConfig tunes the built-in detectors.
type DetectorsConfig struct {
	InjectionPhrases []string    `yaml:"injection_phrases"`
	DenyList         []string    `yaml:"deny_list"`
	Judge            JudgeConfig `yaml:"judge"`
}

// JudgeConfig configures the optional model-backed detector.
type JudgeConfig struct {
	Enabled     bool          `yaml:"enabled"`
	Endpoint    string        `yaml:"endpoint"`
	Model       string        `yaml:"model"`
	APIKey      string        `yaml:"api_key"`
	Rules       string        `yaml:"rules"`
	Temperature float64       `yaml:"temperature"`
	Timeout     time.Duration `yaml:"timeout"`
	MaxRetries  int           `yaml:"max_retries"`
}

// PoliciesConfig adds declarative policies to the built-ins.
type PoliciesConfig struct {
	// IncludeBuiltins defaults to true.
	IncludeBuiltins *bool               `yaml:"include_builtins"`
	Definitions     []policy.Definition `yaml:"definitions"`
}

// BuiltinsEnabled reports whether built-in policies are loaded.
func (p PoliciesConfig) BuiltinsEnabled() bool {
	return p.IncludeBuiltins == nil || *p.IncludeBuiltins
}

// Default returns the configuration used when nothing else is set.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Address:         ":8080",
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    30 * time.Second,
			ShutdownTimeout: 15 * time.Second,
			MaxBodyBytes:    1 << 20,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Telemetry: telemetry.Config{
			ServiceName: telemetry.DefaultServiceName,
		},
		Jobs: JobsConfig{
			Workers:       4,
			QueueSize:     64,
			JobTimeout:    30 * time.Second,
			Retention:     time.Hour,
			PruneInterval: time.Minute,
		},
		Storage: StorageConfig{
			Driver: StorageMemory,
			Redis: RedisConfig{
				Addr:        "localhost:6379",
				TerminalTTL: 24 * time.Hour,
			},
		},
		Events: EventsConfig{
			NATS: NATSConfig{
				URL:           "nats://127.0.0.1:4222",
				SubjectPrefix: "shield",
				MaxReconnects: 10,
				ReconnectWait: 2 * time.Second,
			},
		},
		RateLimit: RateLimitConfig{
			IdleTTL: 10 * time.Minute,
		},
		Detectors: DetectorsConfig{
			Judge: JudgeConfig{
				Timeout:    30 * time.Second,
				MaxRetries: 2,
			},
		},
	}
}

// LoadEnvFiles loads the first .env file found among paths into the process
// environment. Variables already set win. It returns the file used, if any.
func LoadEnvFiles(paths ...string) string {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, path := range paths {
		if err := godotenv.Load(path); err == nil {
			return path
		}
	}
	return ""
}

// Load reads configuration from a file and applies environment variable overrides.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		//nolint:gosec // Config file path is controlled by admin/operator
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	if err := applyEnvOverrides(cfg); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

func applyEnvOverrides(cfg *Config) error {
	var errs []error
	str := func(name string, dst *string) {
		if val := os.Getenv(EnvPrefix + name); val != "" {
			*dst = val
		}
	}
	num := func(name string, dst *int) {
		if val := os.Getenv(EnvPrefix + name); val != "" {
			n, err := strconv.Atoi(val)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, name, err))
				return
			}
			*dst = n
		}
	}
	dur := func(name string, dst *time.Duration) {
		if val := os.Getenv(EnvPrefix + name); val != "" {
			d, err := time.ParseDuration(val)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, name, err))
				return
			}
			*dst = d
		}
	}
	flag := func(name string, dst *bool) {
		if val := os.Getenv(EnvPrefix + name); val != "" {
			b, err := strconv.ParseBool(val)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, name, err))
				return
			}
			*dst = b
		}
	}

	str("ADDR", &cfg.Server.Address)
	str("LOG_LEVEL", &cfg.Logging.Level)
	str("LOG_FORMAT", &cfg.Logging.Format)

	str("OTLP_ENDPOINT", &cfg.Telemetry.Endpoint)
	flag("OTLP_INSECURE", &cfg.Telemetry.Insecure)
	str("ENVIRONMENT", &cfg.Telemetry.Environment)

	num("WORKERS", &cfg.Jobs.Workers)
	num("QUEUE_SIZE", &cfg.Jobs.QueueSize)
	dur("JOB_TIMEOUT", &cfg.Jobs.JobTimeout)
	dur("JOB_RETENTION", &cfg.Jobs.Retention)

	str("STORAGE_DRIVER", &cfg.Storage.Driver)
	str("REDIS_ADDR", &cfg.Storage.Redis.Addr)
	str("REDIS_PASSWORD", &cfg.Storage.Redis.Password)
	num("REDIS_DB", &cfg.Storage.Redis.DB)

	if val := os.Getenv(EnvPrefix + "NATS_URL"); val != "" {
		cfg.Events.Enabled = true
		cfg.Events.NATS.URL = val
	}
	flag("EVENTS_ENABLED", &cfg.Events.Enabled)

	if val := os.Getenv(EnvPrefix + "RATE_LIMIT_RPS"); val != "" {
		rps, err := strconv.ParseFloat(val, 64)
		if err != nil {
			errs = append(errs, fmt.Errorf("%sRATE_LIMIT_RPS: %w", EnvPrefix, err))
		} else {
			cfg.RateLimit.RequestsPerSecond = rps
		}
	}
	num("RATE_LIMIT_BURST", &cfg.RateLimit.Burst)

	if val := os.Getenv(EnvPrefix + "JUDGE_ENDPOINT"); val != "" {
		cfg.Detectors.Judge.Enabled = true
		cfg.Detectors.Judge.Endpoint = val
	}
	str("JUDGE_MODEL", &cfg.Detectors.Judge.Model)
	str("JUDGE_API_KEY", &cfg.Detectors.Judge.APIKey)

	return errors.Join(errs...)
}

// Validate performs comprehensive validation of the entire configuration and
// reports every problem found.
func (c *Config) Validate() error {
	var errs []error
	add := func(section string, err error) {
		if err != nil {
			errs = append(errs, fmt.Errorf("%s configuration: %w", section, err))
		}
	}
	add("server", c.Server.Validate())
	add("logging", c.Logging.Validate())
	add("jobs", c.Jobs.Validate())
	add("storage", c.Storage.Validate())
	add("events", c.Events.Validate())
	add("rate limit", c.RateLimit.Validate())
	add("detectors", c.Detectors.Validate())
	add("policies", c.Policies.Validate())
	return errors.Join(errs...)
}

// Validate performs validation of server configuration
func (c *ServerConfig) Validate() error {
	if strings.TrimSpace(c.Address) == "" {
		c.Address = ":8080"
	}
	if c.MaxBodyBytes < 0 {
		return NewConfigValidationError("max_body_bytes", c.MaxBodyBytes, "must not be negative")
	}
	if c.TLS != nil {
		if err := c.TLS.Validate(); err != nil {
			return fmt.Errorf("TLS configuration: %w", err)
		}
	}
	return nil
}

// Validate performs validation of logging configuration
func (c *LoggingConfig) Validate() error {
	if strings.TrimSpace(c.Level) == "" {
		c.Level = "info"
	}
	level := strings.TrimSpace(strings.ToLower(c.Level))
	switch level {
	case "debug", "info", "warn", "error":
		c.Level = level
	default:
		return fmt.Errorf("invalid log level %q, supported levels: debug, info, warn, error", c.Level)
	}

	format := strings.TrimSpace(strings.ToLower(c.Format))
	switch format {
	case "":
		c.Format = "json"
	case "json", "text", "pretty":
		c.Format = format
	default:
		return fmt.Errorf("invalid log format %q, supported formats: json, text, pretty", c.Format)
	}
	return nil
}

// Validate performs validation of the worker pool configuration
func (c *JobsConfig) Validate() error {
	if c.Workers < 0 {
		return NewConfigValidationError("workers", c.Workers, "must not be negative")
	}
	if c.QueueSize < 0 {
		return NewConfigValidationError("queue_size", c.QueueSize, "must not be negative")
	}
	if c.JobTimeout < 0 {
		return NewConfigValidationError("job_timeout", c.JobTimeout, "must not be negative")
	}
	return nil
}

// Validate performs validation of storage configuration
func (c *StorageConfig) Validate() error {
	c.Driver = strings.ToLower(strings.TrimSpace(c.Driver))
	switch c.Driver {
	case "":
		c.Driver = StorageMemory
	case StorageMemory:
	case StorageRedis:
		if strings.TrimSpace(c.Redis.Addr) == "" {
			return NewConfigMissingError("redis.addr")
		}
	default:
		return NewConfigValidationError("driver", c.Driver, "supported drivers: memory, redis")
	}
	return nil
}

// Validate performs validation of event configuration
func (c *EventsConfig) Validate() error {
	if c.Enabled && strings.TrimSpace(c.NATS.URL) == "" {
		return NewConfigMissingError("nats.url")
	}
	return nil
}

// Validate performs validation of rate limit configuration
func (c *RateLimitConfig) Validate() error {
	if c.RequestsPerSecond < 0 {
		return NewConfigValidationError("requests_per_second", c.RequestsPerSecond, "must not be negative")
	}
	if c.Burst < 0 {
		return NewConfigValidationError("burst", c.Burst, "must not be negative")
	}
	return nil
}

// Validate performs validation of detector configuration
func (c *DetectorsConfig) Validate() error {
	if c.Judge.Enabled && strings.TrimSpace(c.Judge.Endpoint) == "" {
		return NewConfigMissingError("judge.endpoint").
			WithSuggestion("Set an OpenAI compatible chat completions URL or disable the judge")
	}
	if c.Judge.Temperature < 0 || c.Judge.Temperature > 2 {
		return NewConfigValidationError("judge.temperature", c.Judge.Temperature, "must be within [0, 2]")
	}
	return nil
}

// Validate checks policy definitions without compiling Rego.
func (c *PoliciesConfig) Validate() error {
	seen := make(map[string]struct{}, len(c.Definitions))
	for i, def := range c.Definitions {
		meta, err := def.Meta()
		if err != nil {
			return fmt.Errorf("definition %d: %w", i, err)
		}
		if _, dup := seen[meta.PolicyID]; dup {
			return NewConfigValidationError("definitions", meta.PolicyID, "duplicate policy id")
		}
		seen[meta.PolicyID] = struct{}{}
	}
	return nil
}
