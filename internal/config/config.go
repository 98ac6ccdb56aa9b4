package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
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

	// Redis config. An empty RedisHost disables Redis and the tier lock
	// falls back to a Postgres advisory lock.
	RedisHost     string
	RedisPort     int
	RedisPassword string
	RedisDB       int

	// Email transport
	AWSRegion         string
	SESFromEmail      string
	EmailTransport    string // ses, webhook or log
	EmailWebhookURL   string
	EmailWebhookToken string
	WebhookTimeout    int // seconds
	SendQuota         int // max sends per SendQuotaWindow, 0 disables
	SendQuotaWindow   time.Duration
	AppBaseURL        string

	// Trigger auth
	CronSecret string

	// Batch runner
	GroupSize        int
	MatchLimit       int
	RunBudget        time.Duration
	RetrievalTimeout time.Duration
	DispatchTimeout  time.Duration
	StoreQPS         float64 // 0 disables pacing

	// Reporting
	SummaryQueueURL string
	AlertTopicARN   string
	AlertErrorRatio float64

	// In-process scheduler
	SchedulerEnabled bool
	InstantSchedule  string
	DailySchedule    string
}

// Load reads configuration from environment variables with sensible defaults
func Load() (*Config, error) {
	cfg := &Config{
		Port:     8080,
		LogLevel: "info",
		Env:      "development",

		DBHost:    "localhost",
		DBPort:    5432,
		DBUser:    "alerter",
		DBName:    "alerter",
		DBSSLMode: "disable",

		RedisPort: 6379,

		AWSRegion:       "us-east-1",
		SESFromEmail:    "alerts@alerter.local",
		EmailTransport:  "log",
		WebhookTimeout:  30,
		SendQuotaWindow: time.Minute,
		AppBaseURL:      "http://localhost:3000",

		GroupSize:        20,
		MatchLimit:       50,
		RunBudget:        300 * time.Second,
		RetrievalTimeout: 10 * time.Second,
		DispatchTimeout:  15 * time.Second,

		AlertErrorRatio: 0.5,

		InstantSchedule: "@every 5m",
		DailySchedule:   "0 7 * * *",
	}

	var err error

	if cfg.Port, err = intEnv("PORT", cfg.Port); err != nil {
		return nil, err
	}
	cfg.LogLevel = stringEnv("LOG_LEVEL", cfg.LogLevel)
	cfg.Env = stringEnv("ENV", cfg.Env)

	// Database config
	cfg.DBHost = stringEnv("DB_HOST", cfg.DBHost)
	if cfg.DBPort, err = intEnv("DB_PORT", cfg.DBPort); err != nil {
		return nil, err
	}
	cfg.DBUser = stringEnv("DB_USER", cfg.DBUser)
	cfg.DBPassword = stringEnv("DB_PASSWORD", cfg.DBPassword)
	cfg.DBName = stringEnv("DB_NAME", cfg.DBName)
	cfg.DBSSLMode = stringEnv("DB_SSLMODE", cfg.DBSSLMode)

	// Redis config
	cfg.RedisHost = stringEnv("REDIS_HOST", cfg.RedisHost)
	if cfg.RedisPort, err = intEnv("REDIS_PORT", cfg.RedisPort); err != nil {
		return nil, err
	}
	cfg.RedisPassword = stringEnv("REDIS_PASSWORD", cfg.RedisPassword)
	if cfg.RedisDB, err = intEnv("REDIS_DB", cfg.RedisDB); err != nil {
		return nil, err
	}

	// Email transport
	cfg.AWSRegion = stringEnv("AWS_REGION", cfg.AWSRegion)
	cfg.SESFromEmail = stringEnv("SES_FROM_EMAIL", cfg.SESFromEmail)
	cfg.EmailTransport = stringEnv("EMAIL_TRANSPORT", cfg.EmailTransport)
	switch cfg.EmailTransport {
	case "ses", "webhook", "log":
	default:
		return nil, fmt.Errorf("invalid EMAIL_TRANSPORT: %q (want ses, webhook or log)", cfg.EmailTransport)
	}
	cfg.EmailWebhookURL = stringEnv("EMAIL_WEBHOOK_URL", cfg.EmailWebhookURL)
	if cfg.EmailTransport == "webhook" && cfg.EmailWebhookURL == "" {
		return nil, fmt.Errorf("EMAIL_WEBHOOK_URL is required when EMAIL_TRANSPORT=webhook")
	}
	cfg.EmailWebhookToken = stringEnv("EMAIL_WEBHOOK_TOKEN", cfg.EmailWebhookToken)
	if cfg.WebhookTimeout, err = intEnv("WEBHOOK_TIMEOUT", cfg.WebhookTimeout); err != nil {
		return nil, err
	}
	if cfg.SendQuota, err = intEnv("SEND_QUOTA", cfg.SendQuota); err != nil {
		return nil, err
	}
	if cfg.SendQuotaWindow, err = durationEnv("SEND_QUOTA_WINDOW", cfg.SendQuotaWindow); err != nil {
		return nil, err
	}
	cfg.AppBaseURL = stringEnv("APP_BASE_URL", cfg.AppBaseURL)

	cfg.CronSecret = stringEnv("CRON_SECRET", cfg.CronSecret)

	// Batch runner
	if cfg.GroupSize, err = intEnv("GROUP_SIZE", cfg.GroupSize); err != nil {
		return nil, err
	}
	if cfg.GroupSize <= 0 {
		return nil, fmt.Errorf("invalid GROUP_SIZE: must be positive, got %d", cfg.GroupSize)
	}
	if cfg.MatchLimit, err = intEnv("MATCH_LIMIT", cfg.MatchLimit); err != nil {
		return nil, err
	}
	if cfg.MatchLimit <= 0 {
		return nil, fmt.Errorf("invalid MATCH_LIMIT: must be positive, got %d", cfg.MatchLimit)
	}
	if cfg.RunBudget, err = durationEnv("RUN_BUDGET", cfg.RunBudget); err != nil {
		return nil, err
	}
	if cfg.RetrievalTimeout, err = durationEnv("RETRIEVAL_TIMEOUT", cfg.RetrievalTimeout); err != nil {
		return nil, err
	}
	if cfg.DispatchTimeout, err = durationEnv("DISPATCH_TIMEOUT", cfg.DispatchTimeout); err != nil {
		return nil, err
	}
	if cfg.StoreQPS, err = floatEnv("STORE_QPS", cfg.StoreQPS); err != nil {
		return nil, err
	}

	// Reporting
	cfg.SummaryQueueURL = stringEnv("SUMMARY_QUEUE_URL", cfg.SummaryQueueURL)
	cfg.AlertTopicARN = stringEnv("ALERT_TOPIC_ARN", cfg.AlertTopicARN)
	if cfg.AlertErrorRatio, err = floatEnv("ALERT_ERROR_RATIO", cfg.AlertErrorRatio); err != nil {
		return nil, err
	}

	// Scheduler
	if v := os.Getenv("SCHEDULER_ENABLED"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return nil, fmt.Errorf("invalid SCHEDULER_ENABLED: %w", err)
		}
		cfg.SchedulerEnabled = b
	}
	cfg.InstantSchedule = stringEnv("INSTANT_SCHEDULE", cfg.InstantSchedule)
	cfg.DailySchedule = stringEnv("DAILY_SCHEDULE", cfg.DailySchedule)

	return cfg, nil
}

// RedisEnabled reports whether a Redis host was configured.
func (c *Config) RedisEnabled() bool {
	return c.RedisHost != ""
}

func stringEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func intEnv(key string, def int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return n, nil
}

func floatEnv(key string, def float64) (float64, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return f, nil
}

func durationEnv(key string, def time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return d, nil
}
