package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Port     int
	LogLevel string
	Env      string

	// Database
	DBHost     string
	DBPort     int
	DBUser     string
	DBPassword string
	DBName     string
	DBSSLMode  string

	// Redis config
	RedisHost     string
	RedisPort     int
	RedisPassword string
	RedisDB       int

	// SQS config, optional async ingestion of provider callbacks
	SQSRegion   string
	SQSQueueURL string

	// AWS Services
	AWSRegion   string
	AWSEndpoint string // optional override, e.g. LocalStack
	SNSRegion   string // AWS region for the SNS channel adapter

	// Upstream APIs
	CalendlyAPIURL string
	SlackAPIURL    string

	// Public URLs
	PublicBaseURL    string // base of the callback URL registered with the provider
	DashboardBaseURL string // base of deep links rendered into notifications

	AdminAPIKey string

	// RateLimitPerMinute applies per client access token.
	RateLimitPerMinute int

	// Dispatch
	AdapterTimeout time.Duration // bound on every single channel send

	// ReconcileSweepInterval enables the periodic completion sweep. Zero disables it.
	ReconcileSweepInterval time.Duration

	SentryDSN string
}

// Load reads configuration from environment variables with sensible defaults.
// A .env file (or the file named by ENV_FILE) is loaded first when present.
func Load() (*Config, error) {
	envFile := os.Getenv("ENV_FILE")
	if envFile == "" {
		envFile = ".env"
	}
	if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load %s: %w", envFile, err)
	}

	cfg := &Config{
		Port:     8080,
		LogLevel: "info",
		Env:      "development",

		// Local postgres defaults
		DBHost:    "localhost",
		DBPort:    5432,
		DBUser:    "meetsync",
		DBName:    "meetsync",
		DBSSLMode: "disable",

		// Redis defaults
		RedisHost: "localhost",
		RedisPort: 6379,

		AWSRegion: "us-east-1",

		CalendlyAPIURL:   "https://api.calendly.com",
		SlackAPIURL:      "https://slack.com/api",
		PublicBaseURL:    "http://localhost:8080",
		DashboardBaseURL: "http://localhost:3000",

		RateLimitPerMinute: 120,

		AdapterTimeout: 10 * time.Second,
	}

	var err error

	if cfg.Port, err = intFromEnv("PORT", cfg.Port); err != nil {
		return nil, err
	}

	if level := os.Getenv("LOG_LEVEL"); level != "" {
		cfg.LogLevel = level
	}

	if env := os.Getenv("ENV"); env != "" {
		cfg.Env = env
	}

	// Database config
	if host := os.Getenv("DB_HOST"); host != "" {
		cfg.DBHost = host
	}

	if cfg.DBPort, err = intFromEnv("DB_PORT", cfg.DBPort); err != nil {
		return nil, err
	}

	if user := os.Getenv("DB_USER"); user != "" {
		cfg.DBUser = user
	}

	if password := os.Getenv("DB_PASSWORD"); password != "" {
		cfg.DBPassword = password
	}

	if dbname := os.Getenv("DB_NAME"); dbname != "" {
		cfg.DBName = dbname
	}

	if sslmode := os.Getenv("DB_SSLMODE"); sslmode != "" {
		cfg.DBSSLMode = sslmode
	}

	// Redis config
	if host := os.Getenv("REDIS_HOST"); host != "" {
		cfg.RedisHost = host
	}

	if cfg.RedisPort, err = intFromEnv("REDIS_PORT", cfg.RedisPort); err != nil {
		return nil, err
	}

	if password := os.Getenv("REDIS_PASSWORD"); password != "" {
		cfg.RedisPassword = password
	}

	if cfg.RedisDB, err = intFromEnv("REDIS_DB", cfg.RedisDB); err != nil {
		return nil, err
	}

	if region := os.Getenv("AWS_REGION"); region != "" {
		cfg.AWSRegion = region
	}

	// SQS config
	if region := os.Getenv("SQS_REGION"); region != "" {
		cfg.SQSRegion = region
	} else {
		cfg.SQSRegion = cfg.AWSRegion
	}

	cfg.SQSQueueURL = os.Getenv("SQS_QUEUE_URL")

	// SNS config for the topic channel
	if region := os.Getenv("SNS_REGION"); region != "" {
		cfg.SNSRegion = region
	} else {
		cfg.SNSRegion = cfg.AWSRegion
	}

	if url := os.Getenv("CALENDLY_API_URL"); url != "" {
		cfg.CalendlyAPIURL = url
	}

	if url := os.Getenv("SLACK_API_URL"); url != "" {
		cfg.SlackAPIURL = url
	}

	if url := os.Getenv("PUBLIC_BASE_URL"); url != "" {
		cfg.PublicBaseURL = url
	}

	if url := os.Getenv("DASHBOARD_BASE_URL"); url != "" {
		cfg.DashboardBaseURL = url
	}

	cfg.AWSEndpoint = os.Getenv("AWS_ENDPOINT")
	cfg.AdminAPIKey = os.Getenv("ADMIN_API_KEY")

	if cfg.RateLimitPerMinute, err = intFromEnv("RATE_LIMIT_PER_MINUTE", cfg.RateLimitPerMinute); err != nil {
		return nil, err
	}
	cfg.SentryDSN = os.Getenv("SENTRY_DSN")

	// Dispatch config
	timeout, err := intFromEnv("ADAPTER_TIMEOUT", int(cfg.AdapterTimeout/time.Second))
	if err != nil {
		return nil, err
	}
	if timeout <= 0 {
		return nil, fmt.Errorf("invalid ADAPTER_TIMEOUT: must be positive")
	}
	cfg.AdapterTimeout = time.Duration(timeout) * time.Second

	sweep, err := intFromEnv("RECONCILE_SWEEP_INTERVAL", 0)
	if err != nil {
		return nil, err
	}
	cfg.ReconcileSweepInterval = time.Duration(sweep) * time.Second

	return cfg, nil
}

func intFromEnv(key string, fallback int) (int, error) {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return v, nil
}
