// Package config provides application configuration.
//
// Configuration is loaded from environment variables with sensible defaults.
// All timeouts and operational parameters are configurable.
//
// Configuration categories:
//   - Ports: webhook (chat) and notify (agent ingest) listeners
//   - Retry: per-policy max attempts, base/max delay, backoff, jitter
//   - Breaker: failure/success thresholds and probe timeout
//   - DLQ: retry intervals, max attempts, cleanup retention
//   - RateLimit: inbound /notify request limits
//
// For a complete list of all environment variables, see .env.example
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// RetryPolicyConfig holds the tunables for one named retry policy
// (spec §4.1: "ssh", "telegram", "database").
type RetryPolicyConfig struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Backoff     float64
	Jitter      float64 // fraction, e.g. 0.10 for +/-10%
}

// RetryConfig holds retry-related configuration for all named policies.
type RetryConfig struct {
	SSH      RetryPolicyConfig
	Telegram RetryPolicyConfig
	Database RetryPolicyConfig
}

// BreakerConfig holds circuit breaker configuration.
type BreakerConfig struct {
	FailureThreshold int
	SuccessThreshold int
	ProbeTimeout     time.Duration
}

// DLQConfig holds dead-letter queue configuration.
type DLQConfig struct {
	Enabled           bool
	DBPath            string
	MaxAttempts       int
	RetryIntervals    []time.Duration
	RetryLoopInterval time.Duration
	RetryLoopBatch    int
	CleanupAfter      time.Duration
}

// RateLimitConfig holds rate limiting configuration for inbound ingest.
type RateLimitConfig struct {
	RequestsPerSecond float64
	Burst             int
}

// SessionConfig holds session registry configuration.
type SessionConfig struct {
	DBPath string
	TTL    time.Duration
}

// TelegramConfig holds chat-channel configuration.
type TelegramConfig struct {
	Token          string
	AllowedChatIDs []int64
	WebhookURL     string
	WebhookPort    string
}

// SSHConfig holds SSH executor configuration.
type SSHConfig struct {
	ConnectTimeout time.Duration
	ExecTimeout    time.Duration
	ServersPath    string
}

// Config holds all application configuration.
type Config struct {
	NotifyPort    string
	SharedSecret  string
	Session       SessionConfig
	DLQ           DLQConfig
	Retry         RetryConfig
	Breaker       BreakerConfig
	RateLimit     RateLimitConfig
	Telegram      TelegramConfig
	SSH           SSHConfig
	RecoveryEvery time.Duration
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{
		NotifyPort:   getEnv("NOTIFY_PORT", "8080"),
		SharedSecret: getEnv("SHARED_SECRET", ""),
		Session: SessionConfig{
			DBPath: getEnv("DB_PATH", "./data/sessions.db"),
			TTL:    getEnvDuration("SESSION_TTL", 24*time.Hour),
		},
		DLQ: DLQConfig{
			Enabled:     getEnvBool("DLQ_ENABLED", true),
			DBPath:      getEnv("DLQ_DB_PATH", "./data/dlq.db"),
			MaxAttempts: getEnvInt("DLQ_MAX_ATTEMPTS", 5),
			RetryIntervals: getEnvDurationList("DLQ_RETRY_INTERVALS",
				[]time.Duration{60 * time.Second, 120 * time.Second, 240 * time.Second, 480 * time.Second, 960 * time.Second}),
			RetryLoopInterval: getEnvDuration("DLQ_RETRY_LOOP_INTERVAL", 30*time.Second),
			RetryLoopBatch:    getEnvInt("DLQ_RETRY_LOOP_BATCH", 10),
			CleanupAfter:      getEnvDuration("DLQ_CLEANUP_AFTER", 7*24*time.Hour),
		},
		Retry: RetryConfig{
			SSH: RetryPolicyConfig{
				MaxAttempts: getEnvInt("RETRY_SSH_MAX_ATTEMPTS", 5),
				BaseDelay:   getEnvDuration("RETRY_SSH_BASE_DELAY", 1000*time.Millisecond),
				MaxDelay:    getEnvDuration("RETRY_SSH_MAX_DELAY", 16000*time.Millisecond),
				Backoff:     getEnvFloat("RETRY_SSH_BACKOFF", 2.0),
				Jitter:      getEnvFloat("RETRY_SSH_JITTER", 0.10),
			},
			Telegram: RetryPolicyConfig{
				MaxAttempts: getEnvInt("RETRY_TELEGRAM_MAX_ATTEMPTS", 3),
				BaseDelay:   getEnvDuration("RETRY_TELEGRAM_BASE_DELAY", 500*time.Millisecond),
				MaxDelay:    getEnvDuration("RETRY_TELEGRAM_MAX_DELAY", 5000*time.Millisecond),
				Backoff:     getEnvFloat("RETRY_TELEGRAM_BACKOFF", 2.0),
				Jitter:      getEnvFloat("RETRY_TELEGRAM_JITTER", 0.10),
			},
			Database: RetryPolicyConfig{
				MaxAttempts: getEnvInt("RETRY_DATABASE_MAX_ATTEMPTS", 10),
				BaseDelay:   getEnvDuration("RETRY_DATABASE_BASE_DELAY", 10*time.Millisecond),
				MaxDelay:    getEnvDuration("RETRY_DATABASE_MAX_DELAY", 5000*time.Millisecond),
				Backoff:     getEnvFloat("RETRY_DATABASE_BACKOFF", 2.0),
				Jitter:      getEnvFloat("RETRY_DATABASE_JITTER", 0.10),
			},
		},
		Breaker: BreakerConfig{
			FailureThreshold: getEnvInt("BREAKER_FAILURE_THRESHOLD", 5),
			SuccessThreshold: getEnvInt("BREAKER_SUCCESS_THRESHOLD", 2),
			ProbeTimeout:     getEnvDuration("BREAKER_PROBE_TIMEOUT", 30*time.Second),
		},
		RateLimit: RateLimitConfig{
			RequestsPerSecond: getEnvFloat("NOTIFY_RATE_LIMIT_RPS", 5),
			Burst:             getEnvInt("NOTIFY_RATE_LIMIT_BURST", 10),
		},
		Telegram: TelegramConfig{
			Token:          getEnv("TELEGRAM_BOT_TOKEN", ""),
			AllowedChatIDs: getEnvInt64List("TELEGRAM_ALLOWED_CHAT_IDS", nil),
			WebhookURL:     getEnv("TELEGRAM_WEBHOOK_URL", ""),
			WebhookPort:    getEnv("WEBHOOK_PORT", "8081"),
		},
		SSH: SSHConfig{
			ConnectTimeout: getEnvDuration("SSH_CONNECT_TIMEOUT", 30*time.Second),
			ExecTimeout:    getEnvDuration("SSH_EXEC_TIMEOUT", 30*time.Second),
			ServersPath:    getEnv("SERVERS_CONFIG_PATH", "./servers.json"),
		},
		RecoveryEvery: getEnvDuration("RECOVERY_INTERVAL", 5*time.Minute),
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks that all required configuration fields are set.
func (c *Config) Validate() error {
	if c.NotifyPort == "" {
		return fmt.Errorf("NOTIFY_PORT cannot be empty")
	}
	if c.SharedSecret == "" {
		return fmt.Errorf("SHARED_SECRET cannot be empty")
	}
	if c.Session.DBPath == "" {
		return fmt.Errorf("DB_PATH cannot be empty")
	}
	if c.DLQ.Enabled && c.DLQ.DBPath == "" {
		return fmt.Errorf("DLQ_DB_PATH cannot be empty when DLQ is enabled")
	}
	if c.DLQ.Enabled && len(c.DLQ.RetryIntervals) == 0 {
		return fmt.Errorf("DLQ_RETRY_INTERVALS must have at least one entry")
	}
	return nil
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}

func getEnvInt(key string, fallback int) int {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return n
}

func getEnvFloat(key string, fallback float64) float64 {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
	if err != nil {
		return fallback
	}
	return f
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	d, err := time.ParseDuration(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return d
}

func getEnvDurationList(key string, fallback []time.Duration) []time.Duration {
	value, ok := os.LookupEnv(key)
	if !ok || strings.TrimSpace(value) == "" {
		return fallback
	}
	parts := strings.Split(value, ",")
	out := make([]time.Duration, 0, len(parts))
	for _, p := range parts {
		d, err := time.ParseDuration(strings.TrimSpace(p))
		if err != nil {
			return fallback
		}
		out = append(out, d)
	}
	return out
}

func getEnvInt64List(key string, fallback []int64) []int64 {
	value, ok := os.LookupEnv(key)
	if !ok || strings.TrimSpace(value) == "" {
		return fallback
	}
	parts := strings.Split(value, ",")
	out := make([]int64, 0, len(parts))
	for _, p := range parts {
		n, err := strconv.ParseInt(strings.TrimSpace(p), 10, 64)
		if err != nil {
			continue
		}
		out = append(out, n)
	}
	return out
}

// IsContainer returns true if running inside a Docker container.
func IsContainer() bool {
	if os.Getenv("CONTAINER") == "true" {
		return true
	}
	if _, err := os.Stat("/.dockerenv"); err == nil {
		return true
	}
	return false
}
