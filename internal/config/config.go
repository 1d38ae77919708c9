package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	EnvDevelopment = "development"
	EnvProduction  = "production"
)

// Config holds all runtime settings for the request integrity layer
type Config struct {
	Environment string
	Logging     LoggingConfig
	Server      ServerConfig
	Origins     OriginConfig
	CSRF        CSRFConfig
	Cron        CronConfig
	RateLimit   RateLimitConfig
	Kafka       KafkaConfig

	// Warnings collects values that could not be parsed and fell back to defaults.
	// They are logged once the logger exists.
	Warnings []string
}

type LoggingConfig struct {
	Level  string
	Format string
}

type ServerConfig struct {
	Port         int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

type OriginConfig struct {
	SiteOrigin string
	DevOrigins []string
}

type CSRFConfig struct {
	Secret   string
	TokenTTL time.Duration
}

type CronConfig struct {
	Secret string
}

// RateLimitConfig selects the limiter store. An empty RedisURL means the
// process-local bucket store is used.
type RateLimitConfig struct {
	RedisURL          string
	RedisToken        string
	StoreTimeout      time.Duration
	TrustForwardedFor bool
}

type KafkaConfig struct {
	Brokers       []string
	SecurityTopic string
}

// LoadConfig reads configuration from the environment, loading a .env file first if present
func LoadConfig() *Config {
	_ = godotenv.Load()
	return FromEnv(os.Getenv)
}

// FromEnv builds a Config from a lookup function
func FromEnv(getenv func(string) string) *Config {
	cfg := &Config{}
	env := envReader{get: getenv, cfg: cfg}

	cfg.Environment = strings.ToLower(env.str("APP_ENV", EnvDevelopment))
	cfg.Logging = LoggingConfig{
		Level:  env.str("LOG_LEVEL", "info"),
		Format: env.str("LOG_FORMAT", "json"),
	}
	cfg.Server = ServerConfig{
		Port:         env.integer("HTTP_PORT", 8080),
		ReadTimeout:  env.duration("HTTP_READ_TIMEOUT", 10*time.Second),
		WriteTimeout: env.duration("HTTP_WRITE_TIMEOUT", 15*time.Second),
		IdleTimeout:  env.duration("HTTP_IDLE_TIMEOUT", 60*time.Second),
	}
	cfg.Origins = OriginConfig{
		SiteOrigin: env.str("SITE_ORIGIN", "http://localhost:3000"),
		DevOrigins: env.list("DEV_ORIGINS", []string{"http://localhost:3000", "http://127.0.0.1:3000"}),
	}
	cfg.CSRF = CSRFConfig{
		Secret:   getenv("CSRF_SECRET"),
		TokenTTL: env.duration("CSRF_TOKEN_TTL", 8*time.Hour),
	}
	cfg.Cron = CronConfig{
		Secret: getenv("CRON_SECRET"),
	}
	cfg.RateLimit = RateLimitConfig{
		RedisURL:          getenv("RATE_LIMIT_REDIS_URL"),
		RedisToken:        getenv("RATE_LIMIT_REDIS_TOKEN"),
		StoreTimeout:      env.duration("RATE_LIMIT_STORE_TIMEOUT", 250*time.Millisecond),
		TrustForwardedFor: env.boolean("TRUST_FORWARDED_FOR", false),
	}
	cfg.Kafka = KafkaConfig{
		Brokers:       env.list("KAFKA_BROKERS", nil),
		SecurityTopic: env.str("KAFKA_SECURITY_TOPIC", "security-events"),
	}

	return cfg
}

func (c *Config) IsProduction() bool {
	return c.Environment == EnvProduction
}

func (c *Config) IsDevelopment() bool {
	return c.Environment == EnvDevelopment
}

func (c *Config) GetServerAddress() string {
	return fmt.Sprintf(":%d", c.Server.Port)
}

// DistributedStoreEnabled reports whether a shared counter service is configured
func (c *Config) DistributedStoreEnabled() bool {
	return c.RateLimit.RedisURL != ""
}

type envReader struct {
	get func(string) string
	cfg *Config
}

func (e envReader) str(key, def string) string {
	if v := strings.TrimSpace(e.get(key)); v != "" {
		return v
	}
	return def
}

func (e envReader) integer(key string, def int) int {
	raw := strings.TrimSpace(e.get(key))
	if raw == "" {
		return def
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v <= 0 {
		e.warn(key, raw)
		return def
	}
	return v
}

func (e envReader) duration(key string, def time.Duration) time.Duration {
	raw := strings.TrimSpace(e.get(key))
	if raw == "" {
		return def
	}
	v, err := time.ParseDuration(raw)
	if err != nil || v <= 0 {
		e.warn(key, raw)
		return def
	}
	return v
}

func (e envReader) boolean(key string, def bool) bool {
	raw := strings.TrimSpace(e.get(key))
	if raw == "" {
		return def
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		e.warn(key, raw)
		return def
	}
	return v
}

func (e envReader) list(key string, def []string) []string {
	raw := strings.TrimSpace(e.get(key))
	if raw == "" {
		return def
	}
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func (e envReader) warn(key, raw string) {
	e.cfg.Warnings = append(e.cfg.Warnings, fmt.Sprintf("invalid value %q for %s, using default", raw, key))
}
