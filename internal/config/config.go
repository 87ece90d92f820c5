package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds application configuration.
type Config struct {
	AppName     string
	AppVersion  string
	Environment string

	HTTPPort      string
	SnowflakeNode int64

	OTLPEndpoint string

	DBType            string
	DBHost            string
	DBPort            string
	DBName            string
	DBUser            string
	DBPassword        string
	DBSSLMode         string
	DBMaxIdleConn     int
	DBMaxOpenConn     int
	DBConnMaxLifetime int
	DBConnMaxIdleTime int

	APIAuthEnabled bool

	LedgerLockTimeout time.Duration

	Events EventsConfig

	Maintenance MaintenanceConfig

	PacksConfigPath string

	Cloud CloudConfig
}

// EventsConfig controls the balance event stream.
type EventsConfig struct {
	Enabled       bool
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	Channel       string

	BreakerFailureThreshold int
	BreakerRecoveryTimeout  time.Duration
	BreakerHalfOpenMax      int
}

// MaintenanceConfig controls the claim retention and reconciliation worker.
type MaintenanceConfig struct {
	Enabled            bool
	Interval           time.Duration
	BatchSize          int
	ClaimRetentionDays int
	LockAddr           string
	LockPassword       string
	LockDB             int
}

// CloudConfig controls optional metric push to a central collector.
type CloudConfig struct {
	Metrics CloudMetricsConfig
}

type CloudMetricsConfig struct {
	Enabled   bool
	Exporter  string
	Endpoint  string
	AuthToken string
	Interval  time.Duration
}

// Load loads configuration from environment variables and .env file.
func Load() Config {
	_ = godotenv.Load()

	cfg := Config{
		AppName:       getenv("APP_SERVICE", "creditledger"),
		AppVersion:    getenv("APP_VERSION", "0.1.0"),
		Environment:   getenv("ENVIRONMENT", "development"),
		HTTPPort:      getenv("HTTP_PORT", "8080"),
		SnowflakeNode: getenvInt64("SNOWFLAKE_NODE", 1),
		OTLPEndpoint:  getenv("OTLP_ENDPOINT", "localhost:4317"),

		DBType:            getenv("DATABASE_TYPE", "postgres"),
		DBHost:            getenv("DATABASE_HOST", "localhost"),
		DBPort:            getenv("DATABASE_PORT", "5432"),
		DBName:            getenv("DATABASE_NAME", "creditledger"),
		DBUser:            getenv("DATABASE_USER", "postgres"),
		DBPassword:        getenv("DATABASE_PASSWORD", "postgres"),
		DBSSLMode:         getenv("DATABASE_SSLMODE", "disable"),
		DBMaxIdleConn:     getenvInt("DATABASE_MAX_IDLE_CONN", 5),
		DBMaxOpenConn:     getenvInt("DATABASE_MAX_OPEN_CONN", 25),
		DBConnMaxLifetime: getenvInt("DATABASE_CONN_MAX_LIFETIME", 1800),
		DBConnMaxIdleTime: getenvInt("DATABASE_CONN_MAX_IDLE_TIME", 600),

		APIAuthEnabled: getenvBool("API_AUTH_ENABLED", true),

		LedgerLockTimeout: getenvDuration("LEDGER_LOCK_TIMEOUT", 3*time.Second),

		Events: EventsConfig{
			Enabled:       getenvBool("EVENTS_ENABLED", false),
			RedisAddr:     strings.TrimSpace(getenv("EVENTS_REDIS_ADDR", "")),
			RedisPassword: strings.TrimSpace(getenv("EVENTS_REDIS_PASSWORD", "")),
			RedisDB:       getenvInt("EVENTS_REDIS_DB", 0),
			Channel:       getenv("EVENTS_CHANNEL", "creditledger.balance"),

			BreakerFailureThreshold: getenvInt("BREAKER_FAILURE_THRESHOLD", 5),
			BreakerRecoveryTimeout:  getenvDuration("BREAKER_RECOVERY_TIMEOUT", 30*time.Second),
			BreakerHalfOpenMax:      getenvInt("BREAKER_HALF_OPEN_MAX", 1),
		},

		Maintenance: MaintenanceConfig{
			Enabled:            getenvBool("MAINTENANCE_ENABLED", true),
			Interval:           getenvDuration("MAINTENANCE_INTERVAL", time.Hour),
			BatchSize:          getenvInt("MAINTENANCE_BATCH_SIZE", 500),
			ClaimRetentionDays: getenvInt("CLAIM_RETENTION_DAYS", 90),
			LockAddr:           strings.TrimSpace(getenv("MAINTENANCE_LOCK_ADDR", "")),
			LockPassword:       strings.TrimSpace(getenv("MAINTENANCE_LOCK_PASSWORD", "")),
			LockDB:             getenvInt("MAINTENANCE_LOCK_DB", 0),
		},

		PacksConfigPath: strings.TrimSpace(getenv("PACKS_CONFIG_PATH", "")),

		Cloud: CloudConfig{
			Metrics: CloudMetricsConfig{
				Enabled:   getenvBool("CLOUD_METRICS_ENABLED", false),
				Exporter:  strings.ToLower(getenv("CLOUD_METRICS_EXPORTER", "")),
				Endpoint:  strings.TrimSpace(getenv("CLOUD_METRICS_ENDPOINT", "")),
				AuthToken: strings.TrimSpace(getenv("CLOUD_METRICS_AUTH_TOKEN", "")),
				Interval:  getenvDuration("CLOUD_METRICS_INTERVAL", time.Minute),
			},
		},
	}

	return cfg
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvBool(key string, def bool) bool {
	value := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	if value == "" {
		return def
	}
	switch value {
	case "1", "true", "yes", "y", "on":
		return true
	case "0", "false", "no", "n", "off":
		return false
	default:
		return def
	}
}

func getenvInt(key string, def int) int {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return def
	}
	return parsed
}

func getenvInt64(key string, def int64) int64 {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return def
	}
	return parsed
}

func getenvDuration(key string, def time.Duration) time.Duration {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		return def
	}
	return parsed
}
