package config

import (
	"fmt"
	"net/url"
	"runtime"
	"time"

	"github.com/joho/godotenv"

	"github.com/Abhinav21110/deployify/pkg/config"
)

// Config holds runtime configuration for the deployify service. It is built
// once at startup; components receive only the slices they need.
type Config struct {
	Environment string
	Addr        string

	DBHost     string
	DBPort     int
	DBUsername string
	DBPassword string
	DBDatabase string

	MigrationsDir string

	RedisHost     string
	RedisPort     int
	RedisPassword string

	ContainerHost string
	WorkspaceRoot string

	EncryptionKey string

	WorkerCount        int
	JobTimeout         time.Duration
	MaxAttempts        int
	RateLimitPerMinute int
}

// Load constructs a Config from environment variables, reading a local .env
// file first when one exists.
func Load() Config {
	_ = godotenv.Load()

	workers := config.GetInt("WORKER_COUNT", runtime.NumCPU())
	if workers < 1 {
		workers = 1
	}
	return Config{
		Environment: config.GetString("APP_ENV", "development"),
		Addr:        config.GetString("HTTP_ADDR", ":4000"),

		DBHost:     config.GetString("DB_HOST", "localhost"),
		DBPort:     config.GetInt("DB_PORT", 5432),
		DBUsername: config.GetString("DB_USERNAME", "deployify"),
		DBPassword: config.GetString("DB_PASSWORD", "deployify"),
		DBDatabase: config.GetString("DB_DATABASE", "deployify"),

		MigrationsDir: config.GetString("DB_MIGRATIONS_DIR", "db/migrations"),

		RedisHost:     config.GetString("REDIS_HOST", ""),
		RedisPort:     config.GetInt("REDIS_PORT", 6379),
		RedisPassword: config.GetString("REDIS_PASSWORD", ""),

		ContainerHost: config.GetString("CONTAINER_HOST", ""),
		WorkspaceRoot: config.GetString("WORKSPACE_ROOT", "/tmp/deployify"),

		EncryptionKey: config.GetString("ENCRYPTION_KEY", ""),

		WorkerCount:        workers,
		JobTimeout:         config.GetMillis("JOB_TIMEOUT_MS", 15*time.Minute),
		MaxAttempts:        config.GetInt("MAX_ATTEMPTS", 3),
		RateLimitPerMinute: config.GetInt("RATE_LIMIT_PER_MINUTE", 60),
	}
}

// DatabaseURL assembles the postgres DSN from the discrete DB_* settings.
func (c Config) DatabaseURL() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=disable",
		url.QueryEscape(c.DBUsername), url.QueryEscape(c.DBPassword),
		c.DBHost, c.DBPort, c.DBDatabase)
}

// RedisAddr returns the queue backing address, empty when Redis is not configured.
func (c Config) RedisAddr() string {
	if c.RedisHost == "" {
		return ""
	}
	return fmt.Sprintf("%s:%d", c.RedisHost, c.RedisPort)
}
