package config

import (
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration loaded from environment variables.
type Config struct {
	PostgresHost     string
	PostgresPort     string
	PostgresUser     string
	PostgresPassword string
	PostgresDB       string
	PostgresSSLMode  string
	// MappingStore selects where brand mappings live: "postgres" or "none" (seed table only).
	MappingStore string

	CacheBackend  string
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	MarketplaceBaseURL string
	ChromeBin          string
	PageWaitTimeout    time.Duration
	SessionTimeout     time.Duration

	ExchangeRateURL      string
	FallbackExchangeRate float64

	CatalogBaseURL     string
	CatalogTimeout     time.Duration
	CatalogMaxRetries  int
	CatalogRetryBase   time.Duration
	CatalogBatchSize   int
	CatalogBatchDelay  time.Duration
	CatalogItemGap     time.Duration
	CatalogRequestsSec float64

	EnabledProviders        []string
	MaxTimeoutMs            int
	RequireMinimumProviders int
	IncludeProviderDetails  bool

	ErrorRecoveryEnabled bool
	RecoveryMaxRetries   int
	RecoveryBaseDelay    time.Duration
	ErrorWindow          time.Duration
	ErrorHealthThreshold int

	AutoMappingEnabled bool
	UnmappedReportPath string

	MaintenanceSchedule string
	LogLevel            string
}

// Load reads the .env file and returns a populated Config struct.
func Load() *Config {
	if err := godotenv.Load(); err != nil {
		log.Println("[config] No .env file found, falling back to system env vars")
	}

	return &Config{
		PostgresHost:     getEnv("POSTGRES_HOST", "localhost"),
		PostgresPort:     getEnv("POSTGRES_PORT", "5432"),
		PostgresUser:     getEnv("POSTGRES_USER", "valuator"),
		PostgresPassword: getEnv("POSTGRES_PASSWORD", "valuator"),
		PostgresDB:       getEnv("POSTGRES_DB", "backoffice"),
		PostgresSSLMode:  getEnv("POSTGRES_SSLMODE", "disable"),
		MappingStore:     getEnv("MAPPING_STORE", "none"),

		CacheBackend:  getEnv("CACHE_BACKEND", "memory"),
		RedisAddr:     getEnv("REDIS_ADDR", "localhost:6379"),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisDB:       getEnvInt("REDIS_DB", 0),

		MarketplaceBaseURL: getEnv("MARKETPLACE_BASE_URL", "https://autos.mercadolibre.com.ar"),
		ChromeBin:          getEnv("CHROME_BIN", ""),
		PageWaitTimeout:    getEnvDuration("PAGE_WAIT_TIMEOUT", 15*time.Second),
		SessionTimeout:     getEnvDuration("SESSION_TIMEOUT", 45*time.Second),

		ExchangeRateURL:      getEnv("EXCHANGE_RATE_URL", "https://dolarapi.com/v1/dolares/blue"),
		FallbackExchangeRate: getEnvFloat("FALLBACK_EXCHANGE_RATE", 1200),

		CatalogBaseURL:     getEnv("CATALOG_BASE_URL", "https://www.autocosmos.com.ar"),
		CatalogTimeout:     getEnvDuration("CATALOG_TIMEOUT", 10*time.Second),
		CatalogMaxRetries:  getEnvInt("CATALOG_MAX_RETRIES", 3),
		CatalogRetryBase:   getEnvDuration("CATALOG_RETRY_BASE", 500*time.Millisecond),
		CatalogBatchSize:   getEnvInt("CATALOG_BATCH_SIZE", 5),
		CatalogBatchDelay:  getEnvDuration("CATALOG_BATCH_DELAY", time.Second),
		CatalogItemGap:     getEnvDuration("CATALOG_ITEM_GAP", 100*time.Millisecond),
		CatalogRequestsSec: getEnvFloat("CATALOG_REQUESTS_PER_SEC", 4),

		EnabledProviders:        getEnvList("ENABLED_PROVIDERS", []string{"mercadolibre", "autocosmos"}),
		MaxTimeoutMs:            getEnvInt("MAX_TIMEOUT_MS", 30000),
		RequireMinimumProviders: getEnvInt("REQUIRE_MINIMUM_PROVIDERS", 1),
		IncludeProviderDetails:  getEnvBool("INCLUDE_PROVIDER_DETAILS", false),

		ErrorRecoveryEnabled: getEnvBool("ERROR_RECOVERY_ENABLED", false),
		RecoveryMaxRetries:   getEnvInt("RECOVERY_MAX_RETRIES", 2),
		RecoveryBaseDelay:    getEnvDuration("RECOVERY_BASE_DELAY", time.Second),
		ErrorWindow:          getEnvDuration("ERROR_WINDOW", 5*time.Minute),
		ErrorHealthThreshold: getEnvInt("ERROR_HEALTH_THRESHOLD", 10),

		AutoMappingEnabled: getEnvBool("AUTO_MAPPING_ENABLED", false),
		UnmappedReportPath: getEnv("UNMAPPED_REPORT_PATH", "./output/unmapped_brands.csv"),

		MaintenanceSchedule: getEnv("MAINTENANCE_SCHEDULE", "*/10 * * * *"),
		LogLevel:            getEnv("LOG_LEVEL", "info"),
	}
}

// DSN returns the PostgreSQL connection string.
func (c *Config) DSN() string {
	return "host=" + c.PostgresHost +
		" port=" + c.PostgresPort +
		" user=" + c.PostgresUser +
		" password=" + c.PostgresPassword +
		" dbname=" + c.PostgresDB +
		" sslmode=" + c.PostgresSSLMode
}

// MaxTimeout is MaxTimeoutMs as a duration.
func (c *Config) MaxTimeout() time.Duration {
	return time.Duration(c.MaxTimeoutMs) * time.Millisecond
}

func getEnv(key, fallback string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if val := os.Getenv(key); val != "" {
		n, err := strconv.Atoi(val)
		if err == nil {
			return n
		}
	}
	return fallback
}

func getEnvFloat(key string, fallback float64) float64 {
	if val := os.Getenv(key); val != "" {
		f, err := strconv.ParseFloat(val, 64)
		if err == nil {
			return f
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if val := os.Getenv(key); val != "" {
		b, err := strconv.ParseBool(val)
		if err == nil {
			return b
		}
	}
	return fallback
}

// getEnvDuration accepts Go duration strings ("15s") or a bare number of milliseconds.
func getEnvDuration(key string, fallback time.Duration) time.Duration {
	val := os.Getenv(key)
	if val == "" {
		return fallback
	}
	if d, err := time.ParseDuration(val); err == nil {
		return d
	}
	if ms, err := strconv.Atoi(val); err == nil {
		return time.Duration(ms) * time.Millisecond
	}
	return fallback
}

func getEnvList(key string, fallback []string) []string {
	val := os.Getenv(key)
	if val == "" {
		return fallback
	}
	var out []string
	for _, part := range strings.Split(val, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return fallback
	}
	return out
}
