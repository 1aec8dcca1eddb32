// Package config loads pipeline configuration from a YAML file with PW_*
// environment-variable overrides and validates it.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"pkg.jsn.cam/phraseweight/pkg/phraseweight"
)

// ErrInvalidConfig wraps every validation failure
var ErrInvalidConfig = errors.New("invalid config")

// Config is the top-level pipeline configuration.
type Config struct {
	BaseWeight    int64  `yaml:"baseWeight"`
	Parallelism   int    `yaml:"parallelism"`
	ChunkSize     int    `yaml:"chunkSize"`
	CombinePasses int    `yaml:"combinePasses"`
	CombineFanIn  int    `yaml:"combineFanIn"`
	OnMalformed   string `yaml:"onMalformed"`
	Normalize     bool   `yaml:"normalize"`
	Speculative   bool   `yaml:"speculative"`

	Input     InputConfig    `yaml:"input"`
	Snapshots []string       `yaml:"snapshots"`
	Output    OutputConfig   `yaml:"output"`
	Store     StoreConfig    `yaml:"store"`
	Database  DatabaseConfig `yaml:"database"`
	Redis     RedisConfig    `yaml:"redis"`
	Retry     RetryConfig    `yaml:"retry"`
	Logging   LoggingConfig  `yaml:"logging"`
	Metrics   MetricsConfig  `yaml:"metrics"`
}

// InputConfig selects where occurrences come from.
type InputConfig struct {
	// Kind is "file", "kafka" or "" for no occurrence input (merge only).
	Kind  string      `yaml:"kind"`
	Path  string      `yaml:"path"`
	Kafka KafkaConfig `yaml:"kafka"`
}

// KafkaConfig bounds a batch read from the phrases topic.
type KafkaConfig struct {
	Brokers     []string      `yaml:"brokers"`
	Topic       string        `yaml:"topic"`
	GroupID     string        `yaml:"groupID"`
	MaxMessages int           `yaml:"maxMessages"`
	IdleTimeout time.Duration `yaml:"idleTimeout"`
}

// OutputConfig names the weights and ranked destinations. A ranked value of
// "redis" writes the ranking to the configured Redis list.
type OutputConfig struct {
	Weights string `yaml:"weights"`
	Ranked  string `yaml:"ranked"`
}

// StoreConfig selects the stage store backend.
type StoreConfig struct {
	Kind string `yaml:"kind"` // memory or bbolt
	Path string `yaml:"path"`
}

// DatabaseConfig enables the SQL weights sink and SQL merge inputs.
type DatabaseConfig struct {
	Driver      string   `yaml:"driver"` // postgres or sqlite
	DSN         string   `yaml:"dsn"`
	Table       string   `yaml:"table"`
	MergeRunIDs []string `yaml:"mergeRunIDs"`
}

// RedisConfig holds the ranked-list destination.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Key      string `yaml:"key"`
}

// RetryConfig controls task re-execution.
type RetryConfig struct {
	MaxAttempts  int           `yaml:"maxAttempts"`
	InitialDelay time.Duration `yaml:"initialDelay"`
	MaxDelay     time.Duration `yaml:"maxDelay"`
}

// LoggingConfig controls structured logging level and output format.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// MetricsConfig controls the Prometheus metrics server.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

// Default returns a Config with defaults for every key
func Default() *Config {
	return &Config{
		BaseWeight:    phraseweight.DefaultBaseWeight,
		Parallelism:   4,
		ChunkSize:     10000,
		CombinePasses: 1,
		CombineFanIn:  1,
		OnMalformed:   "abort",
		Input: InputConfig{
			Kafka: KafkaConfig{
				Brokers:     []string{"localhost:9092"},
				Topic:       "phrases",
				GroupID:     "phraseweight",
				MaxMessages: 100000,
				IdleTimeout: 5 * time.Second,
			},
		},
		Store: StoreConfig{
			Kind: "memory",
		},
		Database: DatabaseConfig{
			Table: "phrase_weights",
		},
		Redis: RedisConfig{
			Addr: "localhost:6379",
			Key:  "phrases:ranked",
		},
		Retry: RetryConfig{
			MaxAttempts:  3,
			InitialDelay: 100 * time.Millisecond,
			MaxDelay:     5 * time.Second,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
		},
		Metrics: MetricsConfig{
			Addr: ":9090",
		},
	}
}

// Load reads a YAML config file (if path is non-empty), applies PW_*
// environment overrides and validates the result.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file %s: %w", path, err)
		}
	}

	if err := applyEnvOverrides(cfg); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func applyEnvOverrides(cfg *Config) error {
	ints := map[string]*int{
		"PW_PARALLELISM":        &cfg.Parallelism,
		"PW_CHUNK_SIZE":         &cfg.ChunkSize,
		"PW_COMBINE_PASSES":     &cfg.CombinePasses,
		"PW_COMBINE_FAN_IN":     &cfg.CombineFanIn,
		"PW_RETRY_MAX_ATTEMPTS": &cfg.Retry.MaxAttempts,
		"PW_KAFKA_MAX_MESSAGES": &cfg.Input.Kafka.MaxMessages,
		"PW_REDIS_DB":           &cfg.Redis.DB,
	}
	for name, dst := range ints {
		if v := os.Getenv(name); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				return fmt.Errorf("%w: %s=%q: %v", ErrInvalidConfig, name, v, err)
			}
			*dst = n
		}
	}

	if v := os.Getenv("PW_BASE_WEIGHT"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return fmt.Errorf("%w: PW_BASE_WEIGHT=%q: %v", ErrInvalidConfig, v, err)
		}
		cfg.BaseWeight = n
	}

	bools := map[string]*bool{
		"PW_NORMALIZE":       &cfg.Normalize,
		"PW_SPECULATIVE":     &cfg.Speculative,
		"PW_METRICS_ENABLED": &cfg.Metrics.Enabled,
	}
	for name, dst := range bools {
		if v := os.Getenv(name); v != "" {
			b, err := strconv.ParseBool(v)
			if err != nil {
				return fmt.Errorf("%w: %s=%q: %v", ErrInvalidConfig, name, v, err)
			}
			*dst = b
		}
	}

	strs := map[string]*string{
		"PW_ON_MALFORMED":    &cfg.OnMalformed,
		"PW_INPUT_KIND":      &cfg.Input.Kind,
		"PW_INPUT_PATH":      &cfg.Input.Path,
		"PW_KAFKA_TOPIC":     &cfg.Input.Kafka.Topic,
		"PW_KAFKA_GROUP_ID":  &cfg.Input.Kafka.GroupID,
		"PW_OUTPUT_WEIGHTS":  &cfg.Output.Weights,
		"PW_OUTPUT_RANKED":   &cfg.Output.Ranked,
		"PW_STORE_KIND":      &cfg.Store.Kind,
		"PW_STORE_PATH":      &cfg.Store.Path,
		"PW_DATABASE_DRIVER": &cfg.Database.Driver,
		"PW_DATABASE_DSN":    &cfg.Database.DSN,
		"PW_REDIS_ADDR":      &cfg.Redis.Addr,
		"PW_REDIS_PASSWORD":  &cfg.Redis.Password,
		"PW_REDIS_KEY":       &cfg.Redis.Key,
		"PW_LOGGING_LEVEL":   &cfg.Logging.Level,
		"PW_LOGGING_FORMAT":  &cfg.Logging.Format,
		"PW_METRICS_ADDR":    &cfg.Metrics.Addr,
	}
	for name, dst := range strs {
		if v := os.Getenv(name); v != "" {
			*dst = v
		}
	}

	if v := os.Getenv("PW_KAFKA_BROKERS"); v != "" {
		cfg.Input.Kafka.Brokers = strings.Split(v, ",")
	}
	if v := os.Getenv("PW_SNAPSHOTS"); v != "" {
		cfg.Snapshots = strings.Split(v, ",")
	}

	return nil
}

// Validate checks every key for a usable value
func (c *Config) Validate() error {
	var errs []error
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	if c.BaseWeight <= 0 {
		add("baseWeight must be positive, got %d", c.BaseWeight)
	}
	if c.Parallelism < 1 {
		add("parallelism must be at least 1, got %d", c.Parallelism)
	}
	if c.ChunkSize < 1 {
		add("chunkSize must be at least 1, got %d", c.ChunkSize)
	}
	if c.CombinePasses < 0 {
		add("combinePasses must not be negative, got %d", c.CombinePasses)
	}
	if c.CombineFanIn < 1 {
		add("combineFanIn must be at least 1, got %d", c.CombineFanIn)
	}
	if _, err := phraseweight.ParseMalformedPolicy(c.OnMalformed); err != nil {
		add("onMalformed: %v", err)
	}

	switch c.Input.Kind {
	case "":
	case "file":
		if c.Input.Path == "" {
			add("input.path is required for file input")
		}
	case "kafka":
		if len(c.Input.Kafka.Brokers) == 0 || c.Input.Kafka.Topic == "" {
			add("input.kafka needs brokers and a topic")
		}
		if c.Input.Kafka.MaxMessages < 1 {
			add("input.kafka.maxMessages must be at least 1")
		}
	default:
		add("unknown input.kind %q", c.Input.Kind)
	}

	switch c.Store.Kind {
	case "memory":
	case "bbolt":
		if c.Store.Path == "" {
			add("store.path is required for bbolt store")
		}
	default:
		add("unknown store.kind %q", c.Store.Kind)
	}

	switch c.Database.Driver {
	case "":
		if len(c.Database.MergeRunIDs) > 0 {
			add("database.mergeRunIDs requires database.driver")
		}
	case "postgres", "sqlite":
		if c.Database.DSN == "" {
			add("database.dsn is required")
		}
		if c.Database.Table == "" {
			add("database.table is required")
		}
	default:
		add("unknown database.driver %q", c.Database.Driver)
	}

	if c.Output.Ranked == "redis" && c.Redis.Key == "" {
		add("redis.key is required for redis ranked output")
	}

	if c.Retry.MaxAttempts < 1 {
		add("retry.maxAttempts must be at least 1, got %d", c.Retry.MaxAttempts)
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, errors.Join(errs...))
	}

	return nil
}

// HasInput reports whether the run consumes occurrences
func (c *Config) HasInput() bool {
	return c.Input.Kind != ""
}

// HasMergeInputs reports whether the run merges prior snapshots
func (c *Config) HasMergeInputs() bool {
	return len(c.Snapshots) > 0 || len(c.Database.MergeRunIDs) > 0
}
