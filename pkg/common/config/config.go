package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	ModeFixture = "fixture"
	ModeLive    = "live"
)

type Config struct {
	// Server
	ServerPort     string
	ServerHost     string
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	MaxRequestBody int64

	// Database
	PostgresHost     string
	PostgresPort     string
	PostgresUser     string
	PostgresPassword string
	PostgresDB       string
	PostgresSSLMode  string

	// Redis
	RedisHost     string
	RedisPort     string
	RedisPassword string
	RedisDB       int

	// Kafka
	KafkaBrokers     []string
	KafkaIngestTopic string

	// Adapters: "fixture" parses submitted payloads only, "live" can also
	// fetch from the vendor APIs.
	AdapterMode       string
	VendorCatalogPath string

	// Oura
	OuraBaseURL     string
	OuraAccessToken string

	// Withings
	WithingsBaseURL     string
	WithingsAccessToken string

	// API
	APIVersion       string
	DefaultPageLimit int
	MaxPageLimit     int

	// Idempotency
	IdempotencyKeyTTL time.Duration

	// Vendor fetch retry
	RetryMaxAttempts int
	RetryMaxWait     time.Duration

	// Summary cache
	SummaryCacheTTL time.Duration
}

func Load() *Config {
	return &Config{
		ServerPort:     getEnv("SERVER_PORT", "8080"),
		ServerHost:     getEnv("SERVER_HOST", "0.0.0.0"),
		ReadTimeout:    getDuration("READ_TIMEOUT", 30*time.Second),
		WriteTimeout:   getDuration("WRITE_TIMEOUT", 30*time.Second),
		MaxRequestBody: int64(getIntEnv("MAX_REQUEST_BODY_BYTES", 4*1024*1024)),

		PostgresHost:     getEnv("POSTGRES_HOST", "localhost"),
		PostgresPort:     getEnv("POSTGRES_PORT", "5432"),
		PostgresUser:     getEnv("POSTGRES_USER", "noctua"),
		PostgresPassword: getEnv("POSTGRES_PASSWORD", "noctua123"),
		PostgresDB:       getEnv("POSTGRES_DB", "noctua"),
		PostgresSSLMode:  getEnv("POSTGRES_SSLMODE", "disable"),

		RedisHost:     getEnv("REDIS_HOST", "localhost"),
		RedisPort:     getEnv("REDIS_PORT", "6379"),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisDB:       getIntEnv("REDIS_DB", 0),

		KafkaBrokers:     getStringSliceEnv("KAFKA_BROKERS", []string{"localhost:9092"}),
		KafkaIngestTopic: getEnv("KAFKA_INGEST_TOPIC", "sleep-ingest-events"),

		AdapterMode:       getEnv("ADAPTER_MODE", ModeFixture),
		VendorCatalogPath: getEnv("VENDOR_CATALOG_PATH", ""),

		OuraBaseURL:     getEnv("OURA_BASE_URL", "https://api.ouraring.com"),
		OuraAccessToken: getEnv("OURA_ACCESS_TOKEN", ""),

		WithingsBaseURL:     getEnv("WITHINGS_BASE_URL", "https://wbsapi.withings.net"),
		WithingsAccessToken: getEnv("WITHINGS_ACCESS_TOKEN", ""),

		APIVersion:       getEnv("API_VERSION", "v1"),
		DefaultPageLimit: getIntEnv("DEFAULT_PAGE_LIMIT", 25),
		MaxPageLimit:     getIntEnv("MAX_PAGE_LIMIT", 100),

		IdempotencyKeyTTL: getDuration("IDEMPOTENCY_KEY_TTL", 24*time.Hour),

		RetryMaxAttempts: getIntEnv("RETRY_MAX_ATTEMPTS", 3),
		RetryMaxWait:     getDuration("RETRY_MAX_WAIT", 30*time.Second),

		SummaryCacheTTL: getDuration("SUMMARY_CACHE_TTL", 5*time.Minute),
	}
}

// Validate fails fast at startup when live mode is selected without vendor
// credentials, so misconfiguration surfaces before the first fetch.
func (c *Config) Validate() error {
	if c.AdapterMode != ModeFixture && c.AdapterMode != ModeLive {
		return fmt.Errorf("ADAPTER_MODE must be %q or %q, got %q", ModeFixture, ModeLive, c.AdapterMode)
	}
	if c.AdapterMode == ModeLive {
		var missing []string
		if c.OuraAccessToken == "" {
			missing = append(missing, "OURA_ACCESS_TOKEN")
		}
		if c.WithingsAccessToken == "" {
			missing = append(missing, "WITHINGS_ACCESS_TOKEN")
		}
		if len(missing) > 0 {
			return fmt.Errorf("adapter_mode=live requires vendor credentials, missing: %s", strings.Join(missing, ", "))
		}
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getStringSliceEnv(key string, defaultValue []string) []string {
	if value := os.Getenv(key); value != "" {
		return strings.Split(value, ",")
	}
	return defaultValue
}

func getDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
