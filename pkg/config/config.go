// Package config loads and validates application configuration from YAML files
// with environment-variable overrides. It provides typed structs for every
// subsystem (Server, Store, Upload, RateLimit, Redis, Postgres, Kafka, etc.).
package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config is the top-level application configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Store     StoreConfig     `yaml:"store"`
	Upload    UploadConfig    `yaml:"upload"`
	RateLimit RateLimitConfig `yaml:"rateLimit"`
	Fanout    FanoutConfig    `yaml:"fanout"`
	Redis     RedisConfig     `yaml:"redis"`
	Postgres  PostgresConfig  `yaml:"postgres"`
	Kafka     KafkaConfig     `yaml:"kafka"`
	Logging   LoggingConfig   `yaml:"logging"`
	Tracing   TracingConfig   `yaml:"tracing"`
	Metrics   MetricsConfig   `yaml:"metrics"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port            int           `yaml:"port" validate:"min=1,max=65535"`
	ReadTimeout     time.Duration `yaml:"readTimeout"`
	WriteTimeout    time.Duration `yaml:"writeTimeout"`
	ShutdownTimeout time.Duration `yaml:"shutdownTimeout"`
	RequestTimeout  time.Duration `yaml:"requestTimeout"`
}

// StoreConfig points at the OpenSearch cluster documents are written to.
type StoreConfig struct {
	Protocol           string               `yaml:"protocol" validate:"oneof=http https"`
	Host               string               `yaml:"host" validate:"required"`
	Port               int                  `yaml:"port" validate:"min=1,max=65535"`
	Username           string               `yaml:"username"`
	Password           string               `yaml:"password"`
	InsecureSkipVerify bool                 `yaml:"insecureSkipVerify"`
	Timeout            time.Duration        `yaml:"timeout"`
	CircuitBreaker     CircuitBreakerConfig `yaml:"circuitBreaker"`
}

// URL returns the base URL of the store, without credentials.
func (s StoreConfig) URL() string {
	return fmt.Sprintf("%s://%s", s.Protocol, net.JoinHostPort(s.Host, strconv.Itoa(s.Port)))
}

// CircuitBreakerConfig controls when store calls start failing fast.
type CircuitBreakerConfig struct {
	Enabled          bool          `yaml:"enabled"`
	FailureThreshold int           `yaml:"failureThreshold"`
	ResetTimeout     time.Duration `yaml:"resetTimeout"`
}

// UploadConfig bounds multipart uploads and says where they are spooled.
type UploadConfig struct {
	MaxBytes int64  `yaml:"maxBytes" validate:"gt=0"`
	TempDir  string `yaml:"tempDir"`
}

// RateLimitConfig controls admission of mutating requests.
type RateLimitConfig struct {
	Enabled           bool          `yaml:"enabled"`
	Backend           string        `yaml:"backend" validate:"oneof=memory redis"`
	Limit             int           `yaml:"limit" validate:"gt=0"`
	Window            time.Duration `yaml:"window" validate:"gt=0"`
	Scope             string        `yaml:"scope" validate:"oneof=client global"`
	TrustForwardedFor bool          `yaml:"trustForwardedFor"`
	KeyPrefix         string        `yaml:"keyPrefix"`
}

// FanoutConfig bounds the number of concurrent store writes per bulk request.
type FanoutConfig struct {
	Concurrency int `yaml:"concurrency" validate:"gt=0"`
}

// RedisConfig holds Redis connection parameters.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	PoolSize int    `yaml:"poolSize"`
}

// PostgresConfig holds PostgreSQL connection parameters for the audit ledger.
type PostgresConfig struct {
	Enabled         bool          `yaml:"enabled"`
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	Database        string        `yaml:"database"`
	User            string        `yaml:"user"`
	Password        string        `yaml:"password"`
	SSLMode         string        `yaml:"sslMode"`
	MaxOpenConns    int           `yaml:"maxOpenConns"`
	MaxIdleConns    int           `yaml:"maxIdleConns"`
	ConnMaxLifetime time.Duration `yaml:"connMaxLifetime"`
}

// DSN returns a lib/pq-compatible data source name.
func (p PostgresConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		p.Host, p.Port, p.User, p.Password, p.Database, p.SSLMode,
	)
}

// KafkaConfig holds Kafka broker and topic settings for the change feed.
type KafkaConfig struct {
	Enabled bool        `yaml:"enabled"`
	Brokers []string    `yaml:"brokers"`
	Topics  KafkaTopics `yaml:"topics"`
}

// KafkaTopics maps logical topic names to their Kafka topic strings.
type KafkaTopics struct {
	DocumentChanges string `yaml:"documentChanges"`
}

// LoggingConfig controls structured logging level and output format.
type LoggingConfig struct {
	Level  string `yaml:"level" validate:"oneof=debug info warn error"`
	Format string `yaml:"format" validate:"oneof=json text"`
}

// TracingConfig turns per-request span logging on.
type TracingConfig struct {
	Enabled bool `yaml:"enabled"`
}

// MetricsConfig controls the Prometheus metrics server.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
	Port    int  `yaml:"port"`
}

// Load reads a YAML config file (if provided) and applies environment-variable
// overrides. A .env file in the working directory is loaded first when it
// exists. The result is validated before it is returned.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("loading .env: %w", err)
	}
	cfg := defaultConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file %s: %w", path, err)
		}
	}
	applyEnvOverrides(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks struct constraints and cross-field requirements.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if c.RateLimit.Enabled && c.RateLimit.Backend == "redis" && c.Redis.Addr == "" {
		return fmt.Errorf("invalid config: rateLimit.backend=redis requires redis.addr")
	}
	if c.Kafka.Enabled && (len(c.Kafka.Brokers) == 0 || c.Kafka.Topics.DocumentChanges == "") {
		return fmt.Errorf("invalid config: kafka.enabled requires brokers and topics.documentChanges")
	}
	return nil
}

// Default returns the built-in configuration without reading files or the
// environment.
func Default() *Config {
	return defaultConfig()
}

// defaultConfig returns a Config pointing at a local development cluster.
func defaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            3010,
			ReadTimeout:     60 * time.Second,
			WriteTimeout:    120 * time.Second,
			ShutdownTimeout: 15 * time.Second,
			RequestTimeout:  90 * time.Second,
		},
		Store: StoreConfig{
			Protocol:           "https",
			Host:               "host.docker.internal",
			Port:               9200,
			Username:           "admin",
			Password:           "admin",
			InsecureSkipVerify: true,
			Timeout:            30 * time.Second,
			CircuitBreaker: CircuitBreakerConfig{
				Enabled:          true,
				FailureThreshold: 5,
				ResetTimeout:     30 * time.Second,
			},
		},
		Upload: UploadConfig{
			MaxBytes: 50 * 1000 * 1000,
		},
		RateLimit: RateLimitConfig{
			Enabled:   true,
			Backend:   "memory",
			Limit:     100,
			Window:    time.Minute,
			Scope:     "client",
			KeyPrefix: "pipelines:ratelimit",
		},
		Fanout: FanoutConfig{
			Concurrency: 8,
		},
		Redis: RedisConfig{
			Addr:     "localhost:6379",
			PoolSize: 10,
		},
		Postgres: PostgresConfig{
			Host:            "localhost",
			Port:            5432,
			Database:        "pipelines",
			User:            "pipelines",
			Password:        "localdev",
			SSLMode:         "disable",
			MaxOpenConns:    10,
			MaxIdleConns:    2,
			ConnMaxLifetime: 5 * time.Minute,
		},
		Kafka: KafkaConfig{
			Brokers: []string{"localhost:9092"},
			Topics: KafkaTopics{
				DocumentChanges: "document-changes",
			},
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Port:    9090,
		},
	}
}

// applyEnvOverrides reads SP_* environment variables, and the OPENSEARCH_* and
// PORT variables understood by earlier deployments, and overrides the
// corresponding config fields.
func applyEnvOverrides(cfg *Config) {
	if v := firstEnv("SP_SERVER_PORT", "PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := firstEnv("SP_STORE_HOST", "OPENSEARCH_HOST"); v != "" {
		cfg.Store.Host = v
	}
	if v := firstEnv("SP_STORE_PORT", "OPENSEARCH_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Store.Port = port
		}
	}
	if v := firstEnv("SP_STORE_PROTOCOL", "OPENSEARCH_PROTOCOL"); v != "" {
		cfg.Store.Protocol = v
	}
	if v := firstEnv("SP_STORE_AUTH", "OPENSEARCH_AUTH"); v != "" {
		user, pass, _ := strings.Cut(v, ":")
		cfg.Store.Username = user
		cfg.Store.Password = pass
	}
	if v := os.Getenv("SP_STORE_INSECURE_SKIP_VERIFY"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Store.InsecureSkipVerify = b
		}
	}
	if v := os.Getenv("SP_UPLOAD_TEMP_DIR"); v != "" {
		cfg.Upload.TempDir = v
	}
	if v := os.Getenv("SP_RATELIMIT_BACKEND"); v != "" {
		cfg.RateLimit.Backend = v
	}
	if v := os.Getenv("SP_RATELIMIT_LIMIT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.RateLimit.Limit = n
		}
	}
	if v := os.Getenv("SP_RATELIMIT_WINDOW"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.RateLimit.Window = d
		}
	}
	if v := os.Getenv("SP_REDIS_ADDR"); v != "" {
		cfg.Redis.Addr = v
	}
	if v := os.Getenv("SP_REDIS_PASSWORD"); v != "" {
		cfg.Redis.Password = v
	}
	if v := os.Getenv("SP_POSTGRES_HOST"); v != "" {
		cfg.Postgres.Host = v
	}
	if v := os.Getenv("SP_POSTGRES_PASSWORD"); v != "" {
		cfg.Postgres.Password = v
	}
	if v := os.Getenv("SP_KAFKA_BROKERS"); v != "" {
		cfg.Kafka.Brokers = strings.Split(v, ",")
	}
	if v := os.Getenv("SP_LOGGING_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("SP_LOGGING_FORMAT"); v != "" {
		cfg.Logging.Format = v
	}
}

func firstEnv(keys ...string) string {
	for _, k := range keys {
		if v := os.Getenv(k); v != "" {
			return v
		}
	}
	return ""
}
