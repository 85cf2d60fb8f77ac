package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds application configuration
type Config struct {
	Port           string
	Env            string
	LogLevel       string
	DatabaseURL    string
	RedisAddr      string
	RedisPassword  string
	RedisTLS       bool
	ClinicTimezone string

	// ERP (system of record)
	ERPProvider           string
	ClinicorpBaseURL      string
	ClinicorpAPIKey       string
	ClinicorpSubscriberID string
	ERPTimeout            time.Duration

	// Calendar projection
	CalendarGranularityMins int
	CalendarDayStartHour    int
	CalendarDayEndHour      int
	CalendarWeekStart       string

	// Reconciliation of sync_error records
	UseMemoryQueue       bool
	ReconcileMode        string // poll, forward or consume
	ReconcileInterval    time.Duration
	ReconcileBatchSize   int
	ReconcileMaxAttempts int
	ReconcileQueueURL    string

	AWSRegion           string
	AWSAccessKeyID      string
	AWSSecretAccessKey  string
	AWSEndpointOverride string

	AdminJWTSecret     string
	CORSAllowedOrigins []string
	RateLimitPerMinute int
}

// Load reads configuration from environment variables
func Load() *Config {
	return &Config{
		Port:           getEnv("PORT", "8080"),
		Env:            getEnv("ENV", "development"),
		LogLevel:       getEnv("LOG_LEVEL", "info"),
		DatabaseURL:    getEnv("DATABASE_URL", ""),
		RedisAddr:      getEnv("REDIS_ADDR", ""),
		RedisPassword:  getEnv("REDIS_PASSWORD", ""),
		RedisTLS:       getEnvAsBool("REDIS_TLS", false),
		ClinicTimezone: getEnv("CLINIC_TIMEZONE", "America/Sao_Paulo"),

		ERPProvider:           strings.ToLower(strings.TrimSpace(getEnv("ERP_PROVIDER", "memory"))),
		ClinicorpBaseURL:      getEnv("CLINICORP_BASE_URL", "https://api.clinicorp.com/rest/v1"),
		ClinicorpAPIKey:       getEnv("CLINICORP_API_KEY", ""),
		ClinicorpSubscriberID: getEnv("CLINICORP_SUBSCRIBER_ID", ""),
		ERPTimeout:            getEnvAsDuration("ERP_TIMEOUT", 10*time.Second),

		CalendarGranularityMins: getEnvAsInt("CALENDAR_GRANULARITY_MINS", 30),
		CalendarDayStartHour:    getEnvAsInt("CALENDAR_DAY_START_HOUR", 8),
		CalendarDayEndHour:      getEnvAsInt("CALENDAR_DAY_END_HOUR", 20),
		CalendarWeekStart:       getEnv("CALENDAR_WEEK_START", "sunday"),

		UseMemoryQueue:       getEnvAsBool("USE_MEMORY_QUEUE", false),
		ReconcileMode:        strings.ToLower(strings.TrimSpace(getEnv("RECONCILE_MODE", "poll"))),
		ReconcileInterval:    getEnvAsDuration("RECONCILE_INTERVAL", time.Minute),
		ReconcileBatchSize:   getEnvAsInt("RECONCILE_BATCH_SIZE", 25),
		ReconcileMaxAttempts: getEnvAsInt("RECONCILE_MAX_ATTEMPTS", 10),
		ReconcileQueueURL:    getEnv("RECONCILE_QUEUE_URL", ""),

		AWSRegion:           getEnv("AWS_REGION", "us-east-1"),
		AWSAccessKeyID:      getEnv("AWS_ACCESS_KEY_ID", ""),
		AWSSecretAccessKey:  getEnv("AWS_SECRET_ACCESS_KEY", ""),
		AWSEndpointOverride: getEnv("AWS_ENDPOINT_OVERRIDE", ""),

		AdminJWTSecret:     getEnv("ADMIN_JWT_SECRET", ""),
		CORSAllowedOrigins: getEnvAsList("CORS_ALLOWED_ORIGINS", []string{"*"}),
		RateLimitPerMinute: getEnvAsInt("RATE_LIMIT_PER_MINUTE", 120),
	}
}

// UsesClinicorp reports whether the live ERP integration is selected.
func (c *Config) UsesClinicorp() bool {
	return c.ERPProvider == "clinicorp"
}

// getEnv retrieves an environment variable or returns a default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvAsInt retrieves an environment variable as an integer or returns a default value
func getEnvAsInt(key string, defaultValue int) int {
	valueStr := getEnv(key, "")
	if value, err := strconv.Atoi(valueStr); err == nil {
		return value
	}
	return defaultValue
}

// getEnvAsBool retrieves an environment variable as a boolean or returns a default value
func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := getEnv(key, "")
	if value, err := strconv.ParseBool(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}
	if value, err := time.ParseDuration(valueStr); err == nil {
		return value
	}
	return defaultValue
}

// getEnvAsList splits a comma separated variable, dropping blanks.
func getEnvAsList(key string, defaultValue []string) []string {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}
	var out []string
	for _, part := range strings.Split(valueStr, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	if len(out) == 0 {
		return defaultValue
	}
	return out
}
