// Package config loads and validates application configuration from YAML files
// with environment-variable overrides. It provides typed structs for every
// subsystem (Server, Redis, Kafka, Postgres, Pipeline, Completion, etc.).
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level application configuration.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Redis      RedisConfig      `yaml:"redis"`
	Kafka      KafkaConfig      `yaml:"kafka"`
	Postgres   PostgresConfig   `yaml:"postgres"`
	Pipeline   PipelineConfig   `yaml:"pipeline"`
	Completion CompletionConfig `yaml:"completion"`
	Prompts    PromptsConfig    `yaml:"prompts"`
	Dispatch   DispatchConfig   `yaml:"dispatch"`
	Chat       ChatConfig       `yaml:"chat"`
	Logging    LoggingConfig    `yaml:"logging"`
	Metrics    MetricsConfig    `yaml:"metrics"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"readTimeout"`
	WriteTimeout    time.Duration `yaml:"writeTimeout"`
	RequestTimeout  time.Duration `yaml:"requestTimeout"`
	ShutdownTimeout time.Duration `yaml:"shutdownTimeout"`
}

// RedisConfig holds Redis connection parameters and the TTL applied to
// every key written by the store.
type RedisConfig struct {
	Addr     string        `yaml:"addr"`
	Password string        `yaml:"password"`
	DB       int           `yaml:"db"`
	PoolSize int           `yaml:"poolSize"`
	KeyTTL   time.Duration `yaml:"keyTTL"`
}

// KafkaConfig holds Kafka broker and topic settings.
type KafkaConfig struct {
	Enabled       bool        `yaml:"enabled"`
	Brokers       []string    `yaml:"brokers"`
	ConsumerGroup string      `yaml:"consumerGroup"`
	Topics        KafkaTopics `yaml:"topics"`
}

// KafkaTopics maps logical topic names to their Kafka topic strings.
type KafkaTopics struct {
	ChatInbound  string `yaml:"chatInbound"`
	ChatOutbound string `yaml:"chatOutbound"`
	LinkTasks    string `yaml:"linkTasks"`
}

// PostgresConfig holds PostgreSQL connection parameters for the company
// archive.
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

// PipelineConfig controls channel sizes and stage timing.
type PipelineConfig struct {
	PromptName      string        `yaml:"promptName"`
	InputCapacity   int           `yaml:"inputCapacity"`
	OutputCapacity  int           `yaml:"outputCapacity"`
	HighWaterMark   int           `yaml:"highWaterMark"`
	DequeueTimeout  time.Duration `yaml:"dequeueTimeout"`
	IngestTimeout   time.Duration `yaml:"ingestTimeout"`
	AckMessage      string        `yaml:"ackMessage"`
	FallbackMessage string        `yaml:"fallbackMessage"`
}

// CompletionConfig selects and configures the LLM backend.
type CompletionConfig struct {
	Provider    string        `yaml:"provider"`
	BaseURL     string        `yaml:"baseUrl"`
	APIKey      string        `yaml:"apiKey"`
	Model       string        `yaml:"model"`
	Temperature float64       `yaml:"temperature"`
	Timeout     time.Duration `yaml:"timeout"`
	MaxAttempts int           `yaml:"maxAttempts"`
}

// PromptsConfig points at the prompt registry directory.
type PromptsConfig struct {
	Dir string `yaml:"dir"`
}

// DispatchConfig controls the pending-link dispatcher.
type DispatchConfig struct {
	Enabled   bool          `yaml:"enabled"`
	Interval  time.Duration `yaml:"interval"`
	BatchSize int           `yaml:"batchSize"`
}

// ChatConfig configures the chat-platform adapters.
type ChatConfig struct {
	WebhookSecret string `yaml:"webhookSecret"`
	StartMessage  string `yaml:"startMessage"`
	// RateBurst messages per RateWindow are accepted from one conversation.
	// Zero disables the limit.
	RateBurst  int           `yaml:"rateBurst"`
	RateWindow time.Duration `yaml:"rateWindow"`
}

// LoggingConfig controls structured logging level and output format.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// MetricsConfig controls the Prometheus metrics server.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
	Port    int  `yaml:"port"`
}

// Load reads a YAML config file (if provided) and applies environment-variable
// overrides. Missing values keep their defaults.
func Load(path string) (*Config, error) {
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

// Validate reports configuration that would make the relay unusable.
func (c *Config) Validate() error {
	var errs []error
	if c.Pipeline.PromptName == "" {
		errs = append(errs, errors.New("pipeline.promptName is required"))
	}
	if c.Pipeline.InputCapacity <= 0 || c.Pipeline.OutputCapacity <= 0 {
		errs = append(errs, errors.New("pipeline channel capacities must be positive"))
	}
	if c.Redis.KeyTTL <= 0 {
		errs = append(errs, errors.New("redis.keyTTL must be positive"))
	}
	switch c.Completion.Provider {
	case "openai", "gemini":
	default:
		errs = append(errs, fmt.Errorf("completion.provider %q is not supported", c.Completion.Provider))
	}
	if c.Kafka.Enabled && len(c.Kafka.Brokers) == 0 {
		errs = append(errs, errors.New("kafka.brokers is required when kafka is enabled"))
	}
	if c.Dispatch.Enabled && !c.Kafka.Enabled {
		errs = append(errs, errors.New("dispatch requires kafka to be enabled"))
	}
	return errors.Join(errs...)
}

func defaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            8080,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    30 * time.Second,
			RequestTimeout:  10 * time.Second,
			ShutdownTimeout: 15 * time.Second,
		},
		Redis: RedisConfig{
			Addr:     "localhost:6379",
			PoolSize: 10,
			KeyTTL:   24 * time.Hour,
		},
		Kafka: KafkaConfig{
			Brokers:       []string{"localhost:9092"},
			ConsumerGroup: "extraction-relay",
			Topics: KafkaTopics{
				ChatInbound:  "chat-inbound",
				ChatOutbound: "chat-outbound",
				LinkTasks:    "link-tasks",
			},
		},
		Postgres: PostgresConfig{
			Host:            "localhost",
			Port:            5432,
			Database:        "relay",
			User:            "relay",
			Password:        "localdev",
			SSLMode:         "disable",
			MaxOpenConns:    10,
			MaxIdleConns:    2,
			ConnMaxLifetime: 5 * time.Minute,
		},
		Pipeline: PipelineConfig{
			PromptName:      "company_data",
			InputCapacity:   100,
			OutputCapacity:  100,
			HighWaterMark:   10,
			DequeueTimeout:  30 * time.Second,
			IngestTimeout:   5 * time.Second,
			AckMessage:      "Message received, processing...",
			FallbackMessage: "Sorry, I couldn't process that message. Please try again.",
		},
		Completion: CompletionConfig{
			Provider:    "openai",
			BaseURL:     "https://api.openai.com/v1",
			Model:       "gpt-4o-mini",
			Temperature: 0.7,
			Timeout:     60 * time.Second,
			MaxAttempts: 3,
		},
		Prompts: PromptsConfig{
			Dir: "prompts",
		},
		Dispatch: DispatchConfig{
			Interval:  10 * time.Second,
			BatchSize: 50,
		},
		Chat: ChatConfig{
			StartMessage: "Hello! I am your AI assistant. How can I help you?",
			RateBurst:    20,
			RateWindow:   time.Minute,
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

// applyEnvOverrides reads RELAY_* environment variables and overrides the
// corresponding config fields.
func applyEnvOverrides(cfg *Config) {
	setInt("RELAY_SERVER_PORT", &cfg.Server.Port)
	setString("RELAY_REDIS_ADDR", &cfg.Redis.Addr)
	setString("RELAY_REDIS_PASSWORD", &cfg.Redis.Password)
	setInt("RELAY_REDIS_DB", &cfg.Redis.DB)
	setDuration("RELAY_REDIS_KEY_TTL", &cfg.Redis.KeyTTL)
	setBool("RELAY_KAFKA_ENABLED", &cfg.Kafka.Enabled)
	if v := os.Getenv("RELAY_KAFKA_BROKERS"); v != "" {
		cfg.Kafka.Brokers = strings.Split(v, ",")
	}
	setBool("RELAY_POSTGRES_ENABLED", &cfg.Postgres.Enabled)
	setString("RELAY_POSTGRES_HOST", &cfg.Postgres.Host)
	setInt("RELAY_POSTGRES_PORT", &cfg.Postgres.Port)
	setString("RELAY_POSTGRES_DATABASE", &cfg.Postgres.Database)
	setString("RELAY_POSTGRES_USER", &cfg.Postgres.User)
	setString("RELAY_POSTGRES_PASSWORD", &cfg.Postgres.Password)
	setString("RELAY_PIPELINE_PROMPT", &cfg.Pipeline.PromptName)
	setString("RELAY_COMPLETION_PROVIDER", &cfg.Completion.Provider)
	setString("RELAY_COMPLETION_BASE_URL", &cfg.Completion.BaseURL)
	setString("RELAY_COMPLETION_API_KEY", &cfg.Completion.APIKey)
	setString("RELAY_COMPLETION_MODEL", &cfg.Completion.Model)
	setString("RELAY_PROMPTS_DIR", &cfg.Prompts.Dir)
	setBool("RELAY_DISPATCH_ENABLED", &cfg.Dispatch.Enabled)
	setString("RELAY_CHAT_WEBHOOK_SECRET", &cfg.Chat.WebhookSecret)
	setInt("RELAY_CHAT_RATE_BURST", &cfg.Chat.RateBurst)
	setString("RELAY_LOGGING_LEVEL", &cfg.Logging.Level)
	setString("RELAY_LOGGING_FORMAT", &cfg.Logging.Format)
	setInt("RELAY_METRICS_PORT", &cfg.Metrics.Port)
}

func setString(key string, dst *string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(key string, dst *int) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setBool(key string, dst *bool) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(key string, dst *time.Duration) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}
