package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

// Config holds all configuration for refcore
type Config struct {
	// Database configuration
	DBHost     string
	DBUser     string
	DBPassword string
	DBName     string
	DBPort     string
	DBSSLMode  string

	// Redis configuration (rate limiting)
	RedisURL string

	// TON proof configuration
	ProofDomain     string
	ProofTTLSeconds int
	NonceTTLSeconds int

	// Auth token configuration
	AuthSecret     string
	AuthTTLSeconds int

	// Referral program configuration
	ReferralSlotLimit  int
	PayoutMinConfirmed int

	// Risk audit configuration
	RiskRetentionDays int

	// Rate limiting configuration
	RateLimitPerMinute int

	// Logging configuration
	LogLevel string

	// Metrics configuration
	MetricsPort string
}

// Load reads configuration from environment variables and validates it
func Load() (Config, error) {
	cfg := Config{
		DBHost:      getEnv("DB_HOST", ""),
		DBUser:      getEnv("DB_USER", ""),
		DBPassword:  getEnv("DB_PASSWORD", ""),
		DBName:      getEnv("DB_NAME", ""),
		DBPort:      getEnv("DB_PORT", "5432"),
		DBSSLMode:   getEnv("DB_SSL_MODE", "disable"),
		RedisURL:    getEnv("REDIS_URL", "redis://localhost:6379"),
		ProofDomain: getEnv("TON_PROOF_DOMAIN", ""),
		AuthSecret:  getEnv("AUTH_SECRET", ""),
		LogLevel:    getEnv("LOG_LEVEL", "info"),
		MetricsPort: getEnv("METRICS_PORT", "9100"),
	}

	var err error
	cfg.ProofTTLSeconds, err = parseIntEnv("TON_PROOF_TTL_SECONDS", 600)
	if err != nil {
		return cfg, fmt.Errorf("invalid TON_PROOF_TTL_SECONDS: %w", err)
	}

	cfg.NonceTTLSeconds, err = parseIntEnv("NONCE_TTL_SECONDS", 300)
	if err != nil {
		return cfg, fmt.Errorf("invalid NONCE_TTL_SECONDS: %w", err)
	}

	cfg.AuthTTLSeconds, err = parseIntEnv("AUTH_TTL_SECONDS", 86400)
	if err != nil {
		return cfg, fmt.Errorf("invalid AUTH_TTL_SECONDS: %w", err)
	}

	cfg.ReferralSlotLimit, err = parseIntEnv("REFERRAL_SLOT_LIMIT", 3)
	if err != nil {
		return cfg, fmt.Errorf("invalid REFERRAL_SLOT_LIMIT: %w", err)
	}

	cfg.PayoutMinConfirmed, err = parseIntEnv("PAYOUT_MIN_CONFIRMED", 3)
	if err != nil {
		return cfg, fmt.Errorf("invalid PAYOUT_MIN_CONFIRMED: %w", err)
	}

	cfg.RiskRetentionDays, err = parseIntEnv("RISK_RETENTION_DAYS", 90)
	if err != nil {
		return cfg, fmt.Errorf("invalid RISK_RETENTION_DAYS: %w", err)
	}

	cfg.RateLimitPerMinute, err = parseIntEnv("RATE_LIMIT_PER_MINUTE", 30)
	if err != nil {
		return cfg, fmt.Errorf("invalid RATE_LIMIT_PER_MINUTE: %w", err)
	}

	// Validate configuration
	if err := cfg.validate(); err != nil {
		return cfg, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// validate checks that the configuration is valid
func (c Config) validate() error {
	if c.DBHost == "" {
		return fmt.Errorf("DB_HOST is required")
	}

	if c.DBName == "" {
		return fmt.Errorf("DB_NAME is required")
	}

	if c.ProofDomain == "" {
		return fmt.Errorf("TON_PROOF_DOMAIN is required")
	}

	if c.AuthSecret == "" {
		return fmt.Errorf("AUTH_SECRET is required")
	}

	if c.ProofTTLSeconds < 1 {
		return fmt.Errorf("TON_PROOF_TTL_SECONDS must be at least 1")
	}

	if c.NonceTTLSeconds < 1 {
		return fmt.Errorf("NONCE_TTL_SECONDS must be at least 1")
	}

	if c.ReferralSlotLimit < 1 {
		return fmt.Errorf("REFERRAL_SLOT_LIMIT must be at least 1")
	}

	if c.PayoutMinConfirmed < 1 {
		return fmt.Errorf("PAYOUT_MIN_CONFIRMED must be at least 1")
	}

	if c.RiskRetentionDays < 1 {
		return fmt.Errorf("RISK_RETENTION_DAYS must be at least 1")
	}

	validLogLevels := map[string]bool{
		"trace": true,
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
		"fatal": true,
		"panic": true,
	}

	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		return fmt.Errorf("invalid LOG_LEVEL: %s (must be one of: trace, debug, info, warn, error, fatal, panic)", c.LogLevel)
	}

	return nil
}

// getEnv retrieves an environment variable with a default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// parseIntEnv parses an integer environment variable with a default value
func parseIntEnv(key string, defaultValue int) (int, error) {
	str := os.Getenv(key)
	if str == "" {
		return defaultValue, nil
	}
	return strconv.Atoi(str)
}
