package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	BackendRedis  = "redis"
	BackendMemory = "memory"

	EnvPrefix = "TASKMGR"
)

// Config represents the complete task manager node configuration
type Config struct {
	Node     NodeConfig     `mapstructure:"node"`
	Backend  string         `mapstructure:"backend"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Postgres PostgresConfig `mapstructure:"postgres"`
	HTTP     HTTPConfig     `mapstructure:"http"`
	Engine   EngineConfig   `mapstructure:"engine"`
	Worker   WorkerConfig   `mapstructure:"worker"`
	Await    AwaitConfig    `mapstructure:"await"`
	Query    QueryConfig    `mapstructure:"query"`
	Log      LogConfig      `mapstructure:"log"`
}

// NodeConfig identifies this node in the cluster
type NodeConfig struct {
	// Hostname is recorded in events as submitter, executor or canceller
	Hostname string `mapstructure:"hostname"`
}

// RedisConfig controls the broker
type RedisConfig struct {
	Address       string `mapstructure:"address"`
	Stream        string `mapstructure:"stream"`
	Group         string `mapstructure:"group"`
	EventsChannel string `mapstructure:"events_channel"`
	CancelChannel string `mapstructure:"cancel_channel"`
	// ClaimIdle is how long a delivered message may stay unacked before another node takes it over
	ClaimIdle    time.Duration `mapstructure:"claim_idle"`
	BlockTimeout time.Duration `mapstructure:"block_timeout"`
}

// PostgresConfig controls the event log database
type PostgresConfig struct {
	DSN string `mapstructure:"dsn"`
}

type HTTPConfig struct {
	Address string `mapstructure:"address"`
}

// EngineConfig controls optimistic concurrency retries
type EngineConfig struct {
	MaxRetries     uint64        `mapstructure:"max_retries"`
	InitialBackoff time.Duration `mapstructure:"initial_backoff"`
}

type WorkerConfig struct {
	// Enabled turns the work queue consumer on, a disabled node only submits and queries
	Enabled bool `mapstructure:"enabled"`
	// ShutdownTimeout is how long a running task may take to honour cancellation on shutdown
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type AwaitConfig struct {
	DefaultTimeout time.Duration `mapstructure:"default_timeout"`
}

type QueryConfig struct {
	// ReadThrough makes queries consult the event log for tasks this node has not seen yet
	ReadThrough bool `mapstructure:"read_through"`
}

type LogConfig struct {
	// Level is one of "debug", "info", "warn", "error"
	Level string `mapstructure:"level"`
	// Format is "json" or "console"
	Format string `mapstructure:"format"`
}

// Default returns a Config with sensible default values
func Default() *Config {
	hostname, err := os.Hostname()
	if err != nil || hostname == "" {
		hostname = "localhost"
	}
	return &Config{
		Node:    NodeConfig{Hostname: hostname},
		Backend: BackendRedis,
		Redis: RedisConfig{
			Address:       "localhost:6379",
			Stream:        "taskmgr:work",
			Group:         "taskmgr-workers",
			EventsChannel: "taskmgr:events",
			CancelChannel: "taskmgr:cancel",
			ClaimIdle:     5 * time.Minute,
			BlockTimeout:  5 * time.Second,
		},
		Postgres: PostgresConfig{
			DSN: "host=localhost user=postgres password=postgres dbname=taskmgr port=5432 sslmode=disable",
		},
		HTTP:   HTTPConfig{Address: ":8080"},
		Engine: EngineConfig{MaxRetries: 10, InitialBackoff: 10 * time.Millisecond},
		Worker: WorkerConfig{Enabled: true, ShutdownTimeout: 10 * time.Second},
		Await:  AwaitConfig{DefaultTimeout: 30 * time.Second},
		Log:    LogConfig{Level: "info", Format: "json"},
	}
}

// SetDefaults registers the default values in v, so environment variables
// can override keys which are absent from the config file.
func SetDefaults(v *viper.Viper) {
	d := Default()
	v.SetDefault("node.hostname", d.Node.Hostname)
	v.SetDefault("backend", d.Backend)
	v.SetDefault("redis.address", d.Redis.Address)
	v.SetDefault("redis.stream", d.Redis.Stream)
	v.SetDefault("redis.group", d.Redis.Group)
	v.SetDefault("redis.events_channel", d.Redis.EventsChannel)
	v.SetDefault("redis.cancel_channel", d.Redis.CancelChannel)
	v.SetDefault("redis.claim_idle", d.Redis.ClaimIdle)
	v.SetDefault("redis.block_timeout", d.Redis.BlockTimeout)
	v.SetDefault("postgres.dsn", d.Postgres.DSN)
	v.SetDefault("http.address", d.HTTP.Address)
	v.SetDefault("engine.max_retries", d.Engine.MaxRetries)
	v.SetDefault("engine.initial_backoff", d.Engine.InitialBackoff)
	v.SetDefault("worker.enabled", d.Worker.Enabled)
	v.SetDefault("worker.shutdown_timeout", d.Worker.ShutdownTimeout)
	v.SetDefault("await.default_timeout", d.Await.DefaultTimeout)
	v.SetDefault("query.read_through", d.Query.ReadThrough)
	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.format", d.Log.Format)
}

// Load reads the optional config file and TASKMGR_* environment variables into a Config.
func Load(v *viper.Viper, file string) (*Config, error) {
	SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("cannot read config file %q: %w", file, err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("cannot decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the configuration for invalid values
func (c *Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.Node.Hostname) == "" {
		errs = append(errs, errors.New("node.hostname must not be empty"))
	}
	switch c.Backend {
	case BackendMemory:
	case BackendRedis:
		if c.Redis.Address == "" {
			errs = append(errs, errors.New("redis.address must not be empty"))
		}
		if c.Redis.Stream == "" || c.Redis.Group == "" {
			errs = append(errs, errors.New("redis.stream and redis.group must not be empty"))
		}
		if c.Redis.EventsChannel == "" || c.Redis.CancelChannel == "" || c.Redis.EventsChannel == c.Redis.CancelChannel {
			errs = append(errs, errors.New("redis.events_channel and redis.cancel_channel must be set and differ"))
		}
		if c.Postgres.DSN == "" {
			errs = append(errs, errors.New("postgres.dsn must not be empty"))
		}
	default:
		errs = append(errs, fmt.Errorf("backend must be %q or %q, got %q", BackendRedis, BackendMemory, c.Backend))
	}
	if c.Engine.MaxRetries == 0 {
		errs = append(errs, errors.New("engine.max_retries must be positive"))
	}
	if c.Worker.ShutdownTimeout <= 0 {
		errs = append(errs, errors.New("worker.shutdown_timeout must be positive"))
	}
	if c.Await.DefaultTimeout <= 0 {
		errs = append(errs, errors.New("await.default_timeout must be positive"))
	}
	switch c.Log.Format {
	case "json", "console":
	default:
		errs = append(errs, fmt.Errorf("log.format must be \"json\" or \"console\", got %q", c.Log.Format))
	}
	return errors.Join(errs...)
}
