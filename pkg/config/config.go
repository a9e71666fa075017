package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Guest cart storage backends
const (
	StoreMemory   = "memory"
	StoreRedis    = "redis"
	StorePostgres = "postgres"
)

// Config holds the cartsync service configuration
type Config struct {
	Environment string          `yaml:"environment"`
	LogLevel    string          `yaml:"logLevel"`
	Server      ServerConfig    `yaml:"server"`
	Remote      RemoteConfig    `yaml:"remote"`
	Store       StoreConfig     `yaml:"store"`
	Redis       RedisConfig     `yaml:"redis"`
	Database    DatabaseConfig  `yaml:"database"`
	Kafka       KafkaConfig     `yaml:"kafka"`
	Reconcile   ReconcileConfig `yaml:"reconcile"`
	Shipping    ShippingConfig  `yaml:"shipping"`
	Sessions    SessionConfig   `yaml:"sessions"`
	RateLimit   RateLimitConfig `yaml:"rateLimit"`
	JWT         JWTConfig       `yaml:"jwt"`
	Tracing     TracingConfig   `yaml:"tracing"`
}

type ServerConfig struct {
	Port            string        `yaml:"port"`
	ShutdownTimeout time.Duration `yaml:"shutdownTimeout"`
}

// RemoteConfig points at the remote cart API. An empty BaseURL runs against
// the in-process remote, which is only meant for local development.
type RemoteConfig struct {
	BaseURL     string        `yaml:"baseURL"`
	Timeout     time.Duration `yaml:"timeout"`
	MaxFailures int           `yaml:"maxFailures"`
	OpenTimeout time.Duration `yaml:"openTimeout"`
}

type StoreConfig struct {
	Backend string `yaml:"backend"`
}

type RedisConfig struct {
	Addr     string        `yaml:"addr"`
	Password string        `yaml:"password"`
	DB       int           `yaml:"db"`
	TTL      time.Duration `yaml:"ttl"`
}

type DatabaseConfig struct {
	Host     string `yaml:"host"`
	Port     string `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	DBName   string `yaml:"dbName"`
	SSLMode  string `yaml:"sslMode"`
}

// KafkaConfig enables cart events when Brokers is set. GroupID must be unique
// per replica so every replica sees every event.
type KafkaConfig struct {
	Brokers []string `yaml:"brokers"`
	Topic   string   `yaml:"topic"`
	GroupID string   `yaml:"groupID"`
}

type ReconcileConfig struct {
	Policy string  `yaml:"policy"`
	Rate   float64 `yaml:"rate"`
	Burst  int     `yaml:"burst"`
}

type ShippingConfig struct {
	Location string        `yaml:"location"`
	Timeout  time.Duration `yaml:"timeout"`
}

// SessionConfig bounds how long an unused cart session stays in memory
type SessionConfig struct {
	IdleTTL       time.Duration `yaml:"idleTTL"`
	SweepInterval time.Duration `yaml:"sweepInterval"`
}

type RateLimitConfig struct {
	Enabled     bool          `yaml:"enabled"`
	MaxRequests int           `yaml:"maxRequests"`
	Window      time.Duration `yaml:"window"`
}

type JWTConfig struct {
	Secret string `yaml:"secret"`
}

type TracingConfig struct {
	JaegerEndpoint string `yaml:"jaegerEndpoint"`
}

// Default returns the configuration used when nothing overrides it
func Default() *Config {
	return &Config{
		Environment: "development",
		LogLevel:    "info",
		Server: ServerConfig{
			Port:            "8084",
			ShutdownTimeout: 15 * time.Second,
		},
		Remote: RemoteConfig{
			Timeout:     5 * time.Second,
			MaxFailures: 5,
			OpenTimeout: 30 * time.Second,
		},
		Store: StoreConfig{Backend: StoreMemory},
		Redis: RedisConfig{
			Addr: "localhost:6379",
			TTL:  30 * 24 * time.Hour,
		},
		Database: DatabaseConfig{
			Host:    "localhost",
			Port:    "5432",
			User:    "postgres",
			DBName:  "cartdb",
			SSLMode: "disable",
		},
		Kafka: KafkaConfig{
			Topic: "cart-events",
		},
		Reconcile: ReconcileConfig{
			Policy: "clear",
			Rate:   20,
			Burst:  5,
		},
		Shipping: ShippingConfig{
			Location: "US",
			Timeout:  3 * time.Second,
		},
		Sessions: SessionConfig{
			IdleTTL:       30 * time.Minute,
			SweepInterval: time.Minute,
		},
		RateLimit: RateLimitConfig{
			MaxRequests: 120,
			Window:      time.Minute,
		},
		JWT:     JWTConfig{Secret: "change-me-in-production"},
		Tracing: TracingConfig{JaegerEndpoint: "http://localhost:14268/api/traces"},
	}
}

// Load builds the configuration from defaults, then the YAML file at path
// (skipped when empty), then environment variables. A .env file in the
// working directory is loaded first if present.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	_ = godotenv.Load()
	if err := applyEnv(cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate reports settings the service cannot start with
func (c *Config) Validate() error {
	switch c.Store.Backend {
	case StoreMemory, StoreRedis, StorePostgres:
	default:
		return fmt.Errorf("invalid store backend %q", c.Store.Backend)
	}
	if c.Server.Port == "" {
		return fmt.Errorf("server port is required")
	}
	if c.Reconcile.Rate < 0 || c.Reconcile.Burst < 0 {
		return fmt.Errorf("reconcile rate and burst must not be negative")
	}
	if c.Sessions.IdleTTL <= 0 || c.Sessions.SweepInterval <= 0 {
		return fmt.Errorf("session idle ttl and sweep interval must be positive")
	}
	if c.RateLimit.Enabled && (c.RateLimit.MaxRequests <= 0 || c.RateLimit.Window <= 0) {
		return fmt.Errorf("rate limit needs a positive max requests and window")
	}
	return nil
}

// IsDevelopment reports whether logs should be human readable
func (c *Config) IsDevelopment() bool {
	return c.Environment == "development"
}

// DSN returns the postgres connection string
func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.DBName, d.SSLMode,
	)
}

func applyEnv(c *Config) error {
	c.Environment = getEnv("ENVIRONMENT", c.Environment)
	c.LogLevel = getEnv("LOG_LEVEL", c.LogLevel)
	c.Server.Port = getEnv("HTTP_PORT", c.Server.Port)

	c.Remote.BaseURL = getEnv("REMOTE_CART_URL", c.Remote.BaseURL)
	c.Store.Backend = getEnv("CART_STORE", c.Store.Backend)

	c.Redis.Addr = getEnv("REDIS_ADDR", c.Redis.Addr)
	c.Redis.Password = getEnv("REDIS_PASSWORD", c.Redis.Password)

	c.Database.Host = getEnv("DB_HOST", c.Database.Host)
	c.Database.Port = getEnv("DB_PORT", c.Database.Port)
	c.Database.User = getEnv("DB_USER", c.Database.User)
	c.Database.Password = getEnv("DB_PASSWORD", c.Database.Password)
	c.Database.DBName = getEnv("DB_NAME", c.Database.DBName)
	c.Database.SSLMode = getEnv("DB_SSLMODE", c.Database.SSLMode)

	if brokers := getEnv("KAFKA_BROKERS", ""); brokers != "" {
		c.Kafka.Brokers = strings.Split(brokers, ",")
	}
	c.Kafka.Topic = getEnv("KAFKA_TOPIC", c.Kafka.Topic)
	c.Kafka.GroupID = getEnv("KAFKA_GROUP_ID", c.Kafka.GroupID)

	c.Reconcile.Policy = getEnv("RECONCILE_POLICY", c.Reconcile.Policy)
	c.Shipping.Location = getEnv("SHIPPING_LOCATION", c.Shipping.Location)
	c.JWT.Secret = getEnv("JWT_SECRET", c.JWT.Secret)
	c.Tracing.JaegerEndpoint = getEnv("JAEGER_ENDPOINT", c.Tracing.JaegerEndpoint)

	var err error
	if c.Redis.DB, err = getEnvAsInt("REDIS_DB", c.Redis.DB); err != nil {
		return err
	}
	if c.Remote.Timeout, err = getEnvAsDuration("REMOTE_CART_TIMEOUT", c.Remote.Timeout); err != nil {
		return err
	}
	if c.Shipping.Timeout, err = getEnvAsDuration("SHIPPING_TIMEOUT", c.Shipping.Timeout); err != nil {
		return err
	}
	if c.Sessions.IdleTTL, err = getEnvAsDuration("SESSION_IDLE_TTL", c.Sessions.IdleTTL); err != nil {
		return err
	}
	if c.Sessions.SweepInterval, err = getEnvAsDuration("SESSION_SWEEP_INTERVAL", c.Sessions.SweepInterval); err != nil {
		return err
	}
	if c.Reconcile.Rate, err = getEnvAsFloat("RECONCILE_RATE", c.Reconcile.Rate); err != nil {
		return err
	}
	if c.RateLimit.Enabled, err = getEnvAsBool("RATE_LIMIT_ENABLED", c.RateLimit.Enabled); err != nil {
		return err
	}
	if c.RateLimit.MaxRequests, err = getEnvAsInt("RATE_LIMIT_MAX_REQUESTS", c.RateLimit.MaxRequests); err != nil {
		return err
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) (int, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return n, nil
}

func getEnvAsFloat(key string, defaultValue float64) (float64, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	f, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return f, nil
}

func getEnvAsBool(key string, defaultValue bool) (bool, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	b, err := strconv.ParseBool(value)
	if err != nil {
		return false, fmt.Errorf("invalid %s: %w", key, err)
	}
	return b, nil
}

func getEnvAsDuration(key string, defaultValue time.Duration) (time.Duration, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return d, nil
}
