// Package config loads and validates service configuration via Viper.
package config

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Store and queue backends.
const (
	BackendMemory   = "memory"
	BackendRedis    = "redis"
	BackendPostgres = "postgres"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server    ServerConfig           `mapstructure:"server"`
	Auth      AuthConfig             `mapstructure:"auth"`
	Logging   LoggingConfig          `mapstructure:"logging"`
	Store     BackendConfig          `mapstructure:"store"`
	Queue     BackendConfig          `mapstructure:"queue"`
	Redis     RedisConfig            `mapstructure:"redis"`
	DB        DBConfig               `mapstructure:"db"`
	Queues    map[string]QueueConfig `mapstructure:"queues"`
	Worker    WorkerConfig           `mapstructure:"worker"`
	Progress  ProgressConfig         `mapstructure:"progress"`
	Events    EventsConfig           `mapstructure:"events"`
	PubSub    PubSubConfig           `mapstructure:"pubsub"`
	Telemetry TelemetryConfig        `mapstructure:"telemetry"`
	RateLimit RateLimitConfig        `mapstructure:"rate_limit"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port           int           `mapstructure:"port"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// LoggingConfig selects the zap preset and an optional level override.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// BackendConfig picks an implementation by name.
type BackendConfig struct {
	Backend string `mapstructure:"backend"`
}

// RedisConfig is shared by the Redis store and queue.
type RedisConfig struct {
	Addr         string        `mapstructure:"addr"`
	Password     string        `mapstructure:"password"`
	DB           int           `mapstructure:"db"`
	KeyPrefix    string        `mapstructure:"key_prefix"`
	BlockTimeout time.Duration `mapstructure:"block_timeout"`
}

// DBConfig configures the Postgres progress table.
type DBConfig struct {
	DSN          string `mapstructure:"dsn"`
	Table        string `mapstructure:"table"`
	MaxConns     int32  `mapstructure:"max_conns"`
	EnsureSchema bool   `mapstructure:"ensure_schema"`
}

// QueueConfig sizes one named queue and its worker pool.
type QueueConfig struct {
	Workers int `mapstructure:"workers"`
	Depth   int `mapstructure:"depth"`
}

// WorkerConfig shapes the simulated processing routine.
type WorkerConfig struct {
	Steps      int           `mapstructure:"steps"`
	StepDelay  time.Duration `mapstructure:"step_delay"`
	JobTimeout time.Duration `mapstructure:"job_timeout"`
}

// ProgressConfig controls subscription polling and retention.
type ProgressConfig struct {
	PollInterval  time.Duration `mapstructure:"poll_interval"`
	AbsentPolicy  string        `mapstructure:"absent_policy"`
	Retention     time.Duration `mapstructure:"retention"`
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
}

// EventsConfig tunes the lifecycle event hub.
type EventsConfig struct {
	BufferSize     int           `mapstructure:"buffer_size"`
	MaxBatchEvents int           `mapstructure:"max_batch_events"`
	MaxBatchWait   time.Duration `mapstructure:"max_batch_wait"`
	SinkTimeout    time.Duration `mapstructure:"sink_timeout"`
	LogEnabled     bool          `mapstructure:"log_enabled"`
	NotifyTopic    string        `mapstructure:"notify_topic"`
}

// PubSubConfig names the Cloud Pub/Sub topic for job notifications.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// RateLimitConfig throttles job submissions per queue.
type RateLimitConfig struct {
	Enabled bool    `mapstructure:"enabled"`
	RPS     float64 `mapstructure:"rps"`
	Burst   int     `mapstructure:"burst"`
}

// TelemetryConfig describes the service to OpenTelemetry.
type TelemetryConfig struct {
	ServiceName string  `mapstructure:"service_name"`
	Version     string  `mapstructure:"version"`
	SampleRatio float64 `mapstructure:"sample_ratio"`
}

// Load reads configuration from defaults, an optional file and UPLOAD_* env vars.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("UPLOAD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.request_timeout", 15*time.Second)
	v.SetDefault("logging.development", true)
	v.SetDefault("store.backend", BackendMemory)
	v.SetDefault("queue.backend", BackendMemory)
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.key_prefix", "upload:")
	v.SetDefault("redis.block_timeout", time.Second)
	v.SetDefault("db.table", "job_progress")
	v.SetDefault("db.max_conns", 4)
	v.SetDefault("db.ensure_schema", true)
	v.SetDefault("queues", map[string]any{
		"default": map[string]any{"workers": 2, "depth": 64},
	})
	v.SetDefault("worker.steps", 10)
	v.SetDefault("worker.step_delay", time.Second)
	v.SetDefault("worker.job_timeout", 5*time.Minute)
	v.SetDefault("progress.poll_interval", 500*time.Millisecond)
	v.SetDefault("progress.absent_policy", "not_found")
	v.SetDefault("progress.retention", 10*time.Minute)
	v.SetDefault("progress.sweep_interval", time.Minute)
	v.SetDefault("events.buffer_size", 1024)
	v.SetDefault("events.max_batch_events", 100)
	v.SetDefault("events.max_batch_wait", 250*time.Millisecond)
	v.SetDefault("events.sink_timeout", 5*time.Second)
	v.SetDefault("events.log_enabled", true)
	v.SetDefault("events.notify_topic", "job-completions")
	v.SetDefault("telemetry.service_name", "upload-progress")
	v.SetDefault("telemetry.version", "dev")
	v.SetDefault("telemetry.sample_ratio", 1.0)
	v.SetDefault("rate_limit.enabled", false)
	v.SetDefault("rate_limit.rps", 50.0)
	v.SetDefault("rate_limit.burst", 100)
}

// Validate performs semantic validation on the loaded configuration.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	switch c.Store.Backend {
	case BackendMemory, BackendRedis:
	case BackendPostgres:
		if c.DB.DSN == "" {
			return fmt.Errorf("db.dsn must be set when store.backend is postgres")
		}
	default:
		return fmt.Errorf("store.backend must be one of memory, redis, postgres; got %q", c.Store.Backend)
	}
	switch c.Queue.Backend {
	case BackendMemory, BackendRedis:
	default:
		return fmt.Errorf("queue.backend must be one of memory, redis; got %q", c.Queue.Backend)
	}
	if c.Queue.Backend == BackendRedis && c.Store.Backend == BackendMemory {
		return fmt.Errorf("queue.backend redis needs a shared store.backend (redis or postgres)")
	}
	if (c.Store.Backend == BackendRedis || c.Queue.Backend == BackendRedis) && c.Redis.Addr == "" {
		return fmt.Errorf("redis.addr must be set when a redis backend is selected")
	}
	if len(c.Queues) == 0 {
		return fmt.Errorf("queues must define at least one queue")
	}
	for name, q := range c.Queues {
		if q.Workers < 0 {
			return fmt.Errorf("queues.%s.workers must be >= 0", name)
		}
		if q.Depth <= 0 {
			return fmt.Errorf("queues.%s.depth must be > 0", name)
		}
	}
	if c.Worker.Steps <= 0 {
		return fmt.Errorf("worker.steps must be > 0")
	}
	if c.Worker.StepDelay < 0 {
		return fmt.Errorf("worker.step_delay must be >= 0")
	}
	if c.Progress.PollInterval <= 0 {
		return fmt.Errorf("progress.poll_interval must be > 0")
	}
	switch c.Progress.AbsentPolicy {
	case "not_found", "pending":
	default:
		return fmt.Errorf("progress.absent_policy must be not_found or pending; got %q", c.Progress.AbsentPolicy)
	}
	if c.Progress.Retention <= c.Progress.PollInterval {
		return fmt.Errorf("progress.retention must exceed progress.poll_interval")
	}
	if c.Progress.SweepInterval <= 0 {
		return fmt.Errorf("progress.sweep_interval must be > 0")
	}
	if c.Telemetry.SampleRatio < 0 || c.Telemetry.SampleRatio > 1 {
		return fmt.Errorf("telemetry.sample_ratio must be within [0, 1]")
	}
	if c.RateLimit.Enabled && (c.RateLimit.RPS <= 0 || c.RateLimit.Burst <= 0) {
		return fmt.Errorf("rate_limit.rps and rate_limit.burst must be > 0 when enabled")
	}
	return nil
}

// QueueNames returns the configured queue names in sorted order.
func (c Config) QueueNames() []string {
	names := make([]string, 0, len(c.Queues))
	for name := range c.Queues {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
