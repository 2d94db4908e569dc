// Package config loads service configuration from the environment and an
// optional .env file.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"

	"github.com/drfirst/go-rxrecon/internal/batch"
	"github.com/drfirst/go-rxrecon/internal/rxnorm"
)

// Concept store backends
const (
	StoreNone     = "none"
	StoreFile     = "file"
	StorePostgres = "postgres"
	StoreRedis    = "redis"
)

type Config struct {
	Port     string `mapstructure:"PORT" validate:"required,numeric"`
	Env      string `mapstructure:"ENV" validate:"oneof=development production test"`
	LogLevel string `mapstructure:"LOG_LEVEL" validate:"omitempty,oneof=debug info warn error"`

	// ServiceName names traces and metrics
	ServiceName  string `mapstructure:"SERVICE_NAME"`
	OTLPEndpoint string `mapstructure:"OTEL_EXPORTER_OTLP_ENDPOINT"`

	RxNavBaseURL     string        `mapstructure:"RXNAV_BASE_URL" validate:"required,url"`
	RxNavMaxAttempts int           `mapstructure:"RXNAV_MAX_ATTEMPTS" validate:"min=1"`
	RxNavRetryDelay  time.Duration `mapstructure:"RXNAV_RETRY_DELAY"`
	RxNavTimeout     time.Duration `mapstructure:"RXNAV_TIMEOUT"`
	RxNavRPS         float64       `mapstructure:"RXNAV_RPS" validate:"gte=0"`
	RxNavBurst       int64         `mapstructure:"RXNAV_BURST" validate:"gte=0"`

	CacheCapacity  int    `mapstructure:"CACHE_CAPACITY"`
	BatchWorkers   int    `mapstructure:"BATCH_WORKERS" validate:"min=1,max=64"`
	RuleTablesPath string `mapstructure:"RULE_TABLES_PATH"`

	ConceptStore string        `mapstructure:"CONCEPT_STORE" validate:"oneof=none file postgres redis"`
	ConceptFile  string        `mapstructure:"CONCEPT_FILE"`
	DatabaseURL  string        `mapstructure:"DATABASE_URL" validate:"required_if=ConceptStore postgres"`
	DBMaxConns   int32         `mapstructure:"DB_MAX_CONNS" validate:"min=1"`
	RedisURL     string        `mapstructure:"REDIS_URL" validate:"required_if=ConceptStore redis"`
	RedisTTL     time.Duration `mapstructure:"REDIS_TTL"`

	KafkaBrokers []string `mapstructure:"KAFKA_BROKERS"`
	// ConsumerGroup is the reconcile-worker group id
	ConsumerGroup string `mapstructure:"CONSUMER_GROUP"`

	OutboxPollInterval time.Duration `mapstructure:"OUTBOX_POLL_INTERVAL"`
	OutboxBatchSize    int           `mapstructure:"OUTBOX_BATCH_SIZE" validate:"min=1"`
	OutboxMaxRetries   int           `mapstructure:"OUTBOX_MAX_RETRIES" validate:"min=1"`

	// APIKeys maps key to client name, read from "key:client,key:client"
	APIKeys     map[string]string `mapstructure:"-"`
	CORSOrigins []string          `mapstructure:"CORS_ORIGINS"`
}

var keys = []string{
	"PORT", "ENV", "LOG_LEVEL", "SERVICE_NAME", "OTEL_EXPORTER_OTLP_ENDPOINT",
	"RXNAV_BASE_URL", "RXNAV_MAX_ATTEMPTS", "RXNAV_RETRY_DELAY", "RXNAV_TIMEOUT", "RXNAV_RPS", "RXNAV_BURST",
	"CACHE_CAPACITY", "BATCH_WORKERS", "RULE_TABLES_PATH",
	"CONCEPT_STORE", "CONCEPT_FILE", "DATABASE_URL", "DB_MAX_CONNS", "REDIS_URL", "REDIS_TTL",
	"KAFKA_BROKERS", "CONSUMER_GROUP",
	"OUTBOX_POLL_INTERVAL", "OUTBOX_BATCH_SIZE", "OUTBOX_MAX_RETRIES",
	"API_KEYS", "CORS_ORIGINS",
}

// Load reads .env when present, then the environment
func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.SetConfigType("env")
	v.AutomaticEnv()

	rx := rxnorm.DefaultConfig()
	v.SetDefault("PORT", "8090")
	v.SetDefault("ENV", "development")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("SERVICE_NAME", "rxrecon")
	v.SetDefault("RXNAV_BASE_URL", rx.BaseURL)
	v.SetDefault("RXNAV_MAX_ATTEMPTS", rx.MaxAttempts)
	v.SetDefault("RXNAV_RETRY_DELAY", rx.RetryDelay)
	v.SetDefault("RXNAV_TIMEOUT", rx.ReadTimeout)
	v.SetDefault("RXNAV_RPS", rx.RequestsPerSecond)
	v.SetDefault("RXNAV_BURST", rx.Burst)
	v.SetDefault("CACHE_CAPACITY", batch.DefaultConfig().CacheCapacity)
	v.SetDefault("BATCH_WORKERS", batch.DefaultConfig().Workers)
	v.SetDefault("CONCEPT_STORE", StoreFile)
	v.SetDefault("CONCEPT_FILE", "SaveRxCUIDetails.csv")
	v.SetDefault("DB_MAX_CONNS", 10)
	v.SetDefault("REDIS_TTL", 30*24*time.Hour)
	v.SetDefault("KAFKA_BROKERS", "localhost:19092")
	v.SetDefault("CONSUMER_GROUP", "reconcile-worker")
	v.SetDefault("OUTBOX_POLL_INTERVAL", 100*time.Millisecond)
	v.SetDefault("OUTBOX_BATCH_SIZE", 100)
	v.SetDefault("OUTBOX_MAX_RETRIES", 5)
	v.SetDefault("CORS_ORIGINS", "*")

	for _, key := range keys {
		_ = v.BindEnv(key)
	}

	// a missing .env is fine
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	cfg.KafkaBrokers = splitList(v.GetString("KAFKA_BROKERS"))
	cfg.CORSOrigins = splitList(v.GetString("CORS_ORIGINS"))
	cfg.APIKeys = parseAPIKeys(v.GetString("API_KEYS"))

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks field constraints
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if c.IsProduction() && len(c.APIKeys) == 0 {
		return fmt.Errorf("API_KEYS is required in production")
	}
	return nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// RxNav returns the resolver settings
func (c *Config) RxNav() rxnorm.Config {
	rx := rxnorm.DefaultConfig()
	rx.BaseURL = strings.TrimRight(c.RxNavBaseURL, "/")
	rx.MaxAttempts = c.RxNavMaxAttempts
	rx.RetryDelay = c.RxNavRetryDelay
	if c.RxNavTimeout > 0 {
		rx.ReadTimeout = c.RxNavTimeout
	}
	rx.RequestsPerSecond = c.RxNavRPS
	rx.Burst = c.RxNavBurst
	return rx
}

// Batch returns the orchestrator settings
func (c *Config) Batch() batch.Config {
	return batch.Config{
		Workers:       c.BatchWorkers,
		CacheCapacity: c.CacheCapacity,
	}
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func parseAPIKeys(s string) map[string]string {
	out := make(map[string]string)
	for _, pair := range splitList(s) {
		key, client, ok := strings.Cut(pair, ":")
		if !ok {
			client = "default"
		}
		if key = strings.TrimSpace(key); key != "" {
			out[key] = strings.TrimSpace(client)
		}
	}
	return out
}
