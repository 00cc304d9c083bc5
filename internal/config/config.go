// Package config reads runtime settings from the environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	RateLimitMemory   = "memory"
	RateLimitPostgres = "postgres"
	RateLimitRedis    = "redis"
)

type Config struct {
	Port        string
	Environment string
	Release     string
	SentryDSN   string

	DatabaseURL           string
	DBMaxOpenConns        int
	DBMaxIdleConns        int
	DBConnMaxLifetime     time.Duration
	DBConnMaxIdleTime     time.Duration
	RunMigrationsOnBoot   bool
	CleanupBatchSize      int
	ResetTokenRetention   time.Duration
	LoginIPLimitRetention time.Duration
	LoginHistoryRetention time.Duration
	CronSecret            string

	JWTSecret       string
	JWTIssuer       string
	AccessTokenTTL  time.Duration
	RefreshTokenTTL time.Duration
	BcryptCost      int
	SecureCookies   bool

	LoginMaxAttempts int
	LoginLockout     time.Duration

	ResetURL      string
	ResetTokenTTL time.Duration

	SMTPHost     string
	SMTPPort     int
	SMTPUsername string
	SMTPPassword string
	SMTPFrom     string
	SMTPTimeout  time.Duration

	RateLimitBackend string
	RateLimitMax     int
	RateLimitWindow  time.Duration
	RedisURL         string

	BootstrapEmail    string
	BootstrapPassword string
}

// LoadDotEnv reads .env into the process environment when the file exists.
func LoadDotEnv() {
	_ = godotenv.Load()
}

func Load() (Config, error) {
	cfg := Config{
		Port:        envOrDefault("PORT", "8080"),
		Environment: envOrDefault("APP_ENV", "development"),
		Release:     os.Getenv("APP_RELEASE"),
		SentryDSN:   os.Getenv("SENTRY_DSN"),

		DatabaseURL:           strings.TrimSpace(os.Getenv("DATABASE_URL")),
		DBMaxOpenConns:        envIntOrDefault("DB_MAX_OPEN_CONNS", 10),
		DBMaxIdleConns:        envIntOrDefault("DB_MAX_IDLE_CONNS", 5),
		DBConnMaxLifetime:     envMinutesOrDefault("DB_CONN_MAX_LIFETIME_MINUTES", 30),
		DBConnMaxIdleTime:     envMinutesOrDefault("DB_CONN_MAX_IDLE_TIME_MINUTES", 10),
		RunMigrationsOnBoot:   EnvBoolOrDefault("RUN_MIGRATIONS_ON_STARTUP", false),
		CleanupBatchSize:      envIntOrDefault("AUTH_CLEANUP_BATCH_SIZE", 500),
		ResetTokenRetention:   envDaysOrDefault("AUTH_RESET_TOKEN_RETENTION_DAYS", 7),
		LoginIPLimitRetention: envDaysOrDefault("AUTH_LOGIN_IP_LIMIT_RETENTION_DAYS", 1),
		LoginHistoryRetention: envDaysOrDefault("AUTH_LOGIN_HISTORY_RETENTION_DAYS", 90),
		CronSecret:            strings.TrimSpace(os.Getenv("CRON_SECRET")),

		JWTSecret:       strings.TrimSpace(os.Getenv("JWT_SECRET")),
		JWTIssuer:       envOrDefault("JWT_ISSUER", "member-auth"),
		AccessTokenTTL:  envMinutesOrDefault("ACCESS_TOKEN_TTL_MINUTES", 60),
		RefreshTokenTTL: envHoursOrDefault("REFRESH_TOKEN_TTL_HOURS", 168),
		BcryptCost:      envIntOrDefault("BCRYPT_COST", 12),
		SecureCookies:   EnvBoolOrDefault("SECURE_COOKIES", true),

		LoginMaxAttempts: envIntOrDefault("LOGIN_MAX_ATTEMPTS", 5),
		LoginLockout:     envHoursOrDefault("LOGIN_LOCK_HOURS", 1),

		ResetURL:      envOrDefault("RESET_URL", "http://localhost:3000/reset-password"),
		ResetTokenTTL: envMinutesOrDefault("RESET_TTL_MINUTES", 1440),

		SMTPHost:     strings.TrimSpace(os.Getenv("SMTP_HOST")),
		SMTPPort:     envIntOrDefault("SMTP_PORT", 587),
		SMTPUsername: os.Getenv("SMTP_USERNAME"),
		SMTPPassword: os.Getenv("SMTP_PASSWORD"),
		SMTPFrom:     strings.TrimSpace(os.Getenv("SMTP_FROM")),
		SMTPTimeout:  envSecondsOrDefault("SMTP_TIMEOUT_SECONDS", 10),

		RateLimitBackend: strings.ToLower(envOrDefault("RATE_LIMIT_BACKEND", RateLimitPostgres)),
		RateLimitMax:     envIntOrDefault("LOGIN_RATE_LIMIT_MAX", 10),
		RateLimitWindow:  envSecondsOrDefault("LOGIN_RATE_LIMIT_WINDOW_SECONDS", 60),
		RedisURL:         strings.TrimSpace(os.Getenv("REDIS_URL")),

		BootstrapEmail:    strings.TrimSpace(os.Getenv("BOOTSTRAP_EMAIL")),
		BootstrapPassword: os.Getenv("BOOTSTRAP_PASSWORD"),
	}

	return cfg, cfg.Validate()
}

func (c Config) Validate() error {
	var errs []error
	if c.DatabaseURL == "" {
		errs = append(errs, errors.New("missing required env: DATABASE_URL"))
	}
	if c.JWTSecret == "" {
		errs = append(errs, errors.New("missing required env: JWT_SECRET"))
	}

	switch c.RateLimitBackend {
	case RateLimitMemory, RateLimitPostgres:
	case RateLimitRedis:
		if c.RedisURL == "" {
			errs = append(errs, errors.New("REDIS_URL is required when RATE_LIMIT_BACKEND=redis"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown RATE_LIMIT_BACKEND %q", c.RateLimitBackend))
	}

	if (c.SMTPHost == "") != (c.SMTPFrom == "") {
		errs = append(errs, errors.New("SMTP_HOST and SMTP_FROM must be set together"))
	}
	if c.IsProduction() && c.SMTPHost == "" {
		errs = append(errs, errors.New("SMTP_HOST is required when APP_ENV=production"))
	}

	return errors.Join(errs...)
}

func (c Config) IsProduction() bool {
	return strings.EqualFold(c.Environment, "production")
}

func envOrDefault(name, fallback string) string {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return fallback
	}
	return value
}

func envIntOrDefault(name string, fallback int) int {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil || parsed <= 0 {
		return fallback
	}
	return parsed
}

func envSecondsOrDefault(name string, fallback int) time.Duration {
	return time.Duration(envIntOrDefault(name, fallback)) * time.Second
}

func envMinutesOrDefault(name string, fallback int) time.Duration {
	return time.Duration(envIntOrDefault(name, fallback)) * time.Minute
}

func envHoursOrDefault(name string, fallback int) time.Duration {
	return time.Duration(envIntOrDefault(name, fallback)) * time.Hour
}

func envDaysOrDefault(name string, fallback int) time.Duration {
	return time.Duration(envIntOrDefault(name, fallback)) * 24 * time.Hour
}

func EnvBoolOrDefault(name string, fallback bool) bool {
	value := strings.TrimSpace(strings.ToLower(os.Getenv(name)))
	if value == "" {
		return fallback
	}

	switch value {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}
