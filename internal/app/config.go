package app

import (
	"os"
	"time"

	"github.com/cristalhq/aconfig"
	"github.com/cristalhq/aconfig/aconfigyaml"
	"github.com/go-faster/errors"

	"github.com/xenking/bazaar-pricing/internal/domain/checkout"
)

// Config holds the complete application configuration, loadable from
// environment variables (PRICING_ prefix), flags, or YAML config files.
type Config struct {
	Addr         string `default:"0.0.0.0:8080" usage:"API server listen address"`
	DatabaseURL  string `usage:"PostgreSQL connection URL (PRICING_DATABASE_URL or DATABASE_URL)" flag:"database-url"`
	APIKeyPepper string `usage:"HMAC pepper for API key hashing (PRICING_API_KEY_PEPPER)" flag:"api-key-pepper"`
	CommitPolicy string `default:"fail" usage:"What commit does when a rule ran out of uses: fail or drop" flag:"commit-policy"`
	MaxBodyBytes int64  `default:"1048576" usage:"Maximum request body size" flag:"max-body-bytes"`
	Redis        RedisConfig
	Kafka        KafkaConfig
	RateLimit    RateLimitConfig
	Graceful     GracefulConfig
}

// RedisConfig controls the candidate rule cache. An empty URL disables it.
type RedisConfig struct {
	URL    string        `default:"" usage:"Redis URL, e.g. redis://localhost:6379/0 (PRICING_REDIS_URL or REDIS_URL)" flag:"redis-url"`
	TTL    time.Duration `default:"30s" usage:"Candidate cache entry TTL" flag:"redis-ttl"`
	Bucket time.Duration `default:"1m" usage:"Time bucket candidate lookups are keyed by" flag:"redis-bucket"`
}

// KafkaConfig controls usage event publishing. Empty brokers disable it.
type KafkaConfig struct {
	Brokers      []string      `usage:"Kafka broker addresses" flag:"kafka-brokers"`
	Topic        string        `default:"pricing.rule-usage" usage:"Topic for rule usage events" flag:"kafka-topic"`
	PollInterval time.Duration `default:"1s" usage:"Outbox poll interval" flag:"kafka-poll-interval"`
	BatchSize    int           `default:"100" usage:"Outbox rows published per poll" flag:"kafka-batch-size"`
}

// RateLimitConfig controls the per-client token bucket rate limiter.
type RateLimitConfig struct {
	Max    int           `default:"100" usage:"Max requests per window"`
	Window time.Duration `default:"1m"  usage:"Rate limit window duration"`
}

// GracefulConfig controls graceful shutdown timing.
type GracefulConfig struct {
	ReadinessDelay  time.Duration `default:"3s"  usage:"Delay after readiness=false before shutdown" flag:"readiness-delay"`
	ShutdownTimeout time.Duration `default:"15s" usage:"Maximum shutdown duration" flag:"shutdown-timeout"`
}

// LoadConfig loads configuration from environment variables, YAML config files,
// and applies platform-specific defaults.
func LoadConfig() (*Config, error) {
	var cfg Config
	loader := aconfig.LoaderFor(&cfg, aconfig.Config{
		EnvPrefix: "PRICING",
		Files:     []string{"config.yaml", "/etc/pricing/config.yaml"},
		FileDecoders: map[string]aconfig.FileDecoder{
			".yaml": aconfigyaml.New(),
		},
	})
	if err := loader.Load(); err != nil {
		return nil, errors.Wrap(err, "load config")
	}
	cfg.applyPlatformDefaults()

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	if c.DatabaseURL == "" {
		return errors.New("database URL is required: set PRICING_DATABASE_URL or DATABASE_URL")
	}
	if c.APIKeyPepper == "" {
		return errors.New("api key pepper is required: set PRICING_API_KEY_PEPPER")
	}
	if _, err := checkout.ParsePolicy(c.CommitPolicy); err != nil {
		return errors.Wrap(err, "commit policy")
	}
	if c.RateLimit.Max <= 0 || c.RateLimit.Window <= 0 {
		return errors.Errorf("rate limit must be positive, got %d per %s", c.RateLimit.Max, c.RateLimit.Window)
	}
	return nil
}

// applyPlatformDefaults maps platform-provided environment variables (Railway,
// Render, etc.) that use standard names like DATABASE_URL and PORT to the
// application's PRICING_-prefixed configuration.
func (c *Config) applyPlatformDefaults() {
	if c.DatabaseURL == "" {
		c.DatabaseURL = os.Getenv("DATABASE_URL")
	}
	if c.Redis.URL == "" {
		c.Redis.URL = os.Getenv("REDIS_URL")
	}
	if port := os.Getenv("PORT"); port != "" && c.Addr == "0.0.0.0:8080" {
		c.Addr = "0.0.0.0:" + port
	}
}
