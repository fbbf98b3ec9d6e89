package config

import (
	"os"
	"strconv"
	"strings"
	"time"
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
	KafkaBrokers    []string
	KafkaGroupID    string
	EmailJobsTopic  string

	// Auth
	JWTSecret   string
	JWTIssuer   string
	JWTAudience string
	JWTTTL      time.Duration

	// Login throttling
	LoginRateLimit  int
	LoginRateWindow time.Duration

	// Result file storage
	BlobStoreDir      string
	MaxResultFileSize int64

	// Email
	SMTPHost          string
	SMTPPort          string
	SMTPUsername      string
	SMTPPassword      string
	EmailFromAddress  string
	EmailMaxAttempts  int
	EmailRetryBackoff time.Duration
	EmailTemplatePath string

	// Practice catalog seed
	PracticeCatalogPath string

	// Notification housekeeping
	NotificationRetention time.Duration
	CleanupInterval       time.Duration
	ReminderInterval      time.Duration
	ReminderLeadTime      time.Duration

	// Analytics
	AnalyticsCacheTTL time.Duration
}

func Load() *Config {
	return &Config{
		ServerPort:     getEnv("SERVER_PORT", "8080"),
		ServerHost:     getEnv("SERVER_HOST", "0.0.0.0"),
		ReadTimeout:    getDuration("READ_TIMEOUT", 30*time.Second),
		WriteTimeout:   getDuration("WRITE_TIMEOUT", 30*time.Second),
		MaxRequestBody: int64(getIntEnv("MAX_REQUEST_BODY_BYTES", 12*1024*1024)),

		PostgresHost:     getEnv("POSTGRES_HOST", "localhost"),
		PostgresPort:     getEnv("POSTGRES_PORT", "5432"),
		PostgresUser:     getEnv("POSTGRES_USER", "labcontrol"),
		PostgresPassword: getEnv("POSTGRES_PASSWORD", "labcontrol123"),
		PostgresDB:       getEnv("POSTGRES_DB", "labcontrol"),
		PostgresSSLMode:  getEnv("POSTGRES_SSLMODE", "disable"),

		RedisHost:     getEnv("REDIS_HOST", "localhost"),
		RedisPort:     getEnv("REDIS_PORT", "6379"),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisDB:       getIntEnv("REDIS_DB", 0),

		KafkaBrokers:   getStringSliceEnv("KAFKA_BROKERS", []string{"localhost:9092"}),
		KafkaGroupID:   getEnv("KAFKA_GROUP_ID", "labcontrol-platform"),
		EmailJobsTopic: getEnv("EMAIL_JOBS_TOPIC", "notification-emails"),

		JWTSecret:   getEnv("JWT_SECRET", "labcontrol-dev-secret-change-me"),
		JWTIssuer:   getEnv("JWT_ISSUER", "labcontrol"),
		JWTAudience: getEnv("JWT_AUDIENCE", "labcontrol-api"),
		JWTTTL:      getDuration("JWT_TTL", 12*time.Hour),

		LoginRateLimit:  getIntEnv("LOGIN_RATE_LIMIT", 10),
		LoginRateWindow: getDuration("LOGIN_RATE_WINDOW", time.Minute),

		BlobStoreDir:      getEnv("BLOB_STORE_DIR", "/var/lib/labcontrol/results"),
		MaxResultFileSize: int64(getIntEnv("MAX_RESULT_FILE_BYTES", 10*1024*1024)),

		SMTPHost:          getEnv("SMTP_HOST", "localhost"),
		SMTPPort:          getEnv("SMTP_PORT", "587"),
		SMTPUsername:      getEnv("SMTP_USERNAME", ""),
		SMTPPassword:      getEnv("SMTP_PASSWORD", ""),
		EmailFromAddress:  getEnv("EMAIL_FROM_ADDRESS", "no-reply@labcontrol.local"),
		EmailMaxAttempts:  getIntEnv("EMAIL_MAX_ATTEMPTS", 5),
		EmailRetryBackoff: getDuration("EMAIL_RETRY_BACKOFF", 30*time.Second),
		EmailTemplatePath: getEnv("EMAIL_TEMPLATE_PATH", ""),

		PracticeCatalogPath: getEnv("PRACTICE_CATALOG_PATH", ""),

		NotificationRetention: getDuration("NOTIFICATION_RETENTION", 90*24*time.Hour),
		CleanupInterval:       getDuration("CLEANUP_INTERVAL", 24*time.Hour),
		ReminderInterval:      getDuration("REMINDER_INTERVAL", time.Hour),
		ReminderLeadTime:      getDuration("REMINDER_LEAD_TIME", 24*time.Hour),

		AnalyticsCacheTTL: getDuration("ANALYTICS_CACHE_TTL", 5*time.Minute),
	}
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
		parts := strings.Split(value, ",")
		out := make([]string, 0, len(parts))
		for _, p := range parts {
			if trimmed := strings.TrimSpace(p); trimmed != "" {
				out = append(out, trimmed)
			}
		}
		if len(out) > 0 {
			return out
		}
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
