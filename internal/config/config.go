// Package config provides environment-aware configuration management.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	pkruntime "github.com/web3-authn/tatchi-sub013/internal/runtime"
	"github.com/joho/godotenv"
)

// Environment represents the deployment environment.
type Environment string

const (
	Development Environment = "development"
	Testing     Environment = "testing"
	Production  Environment = "production"
)

// Config holds all application configuration for the passkey core.
type Config struct {
	// Environment
	Env Environment

	// Relying party / WebAuthn
	RPID string

	// NEAR chain
	NearRPCURL            string
	NearNetworkID         string
	FreshnessWindowBlocks uint64
	ChainCallTimeout      time.Duration

	// Confirmation handshake
	ConfirmTimeout time.Duration

	// Signer worker pool
	SignerWorkerPoolSize int

	// Device linking
	DeviceLinkQRTTL         time.Duration
	DeviceLinkPollInterval  time.Duration
	DeviceLinkDeadManWindow time.Duration

	// Shamir relay
	RelayBaseURL     string
	RelayJWTAudience string
	RelayJWTSecret   string

	// Logging
	LogLevel  string
	LogFormat string

	// Security
	RateLimitEnabled  bool
	RateLimitRequests int
	RateLimitWindow   time.Duration
	CORSOrigins       []string

	// Storage
	DatabaseURL      string
	DBMaxConnections int
	DBIdleTimeout    time.Duration

	// Features
	EnableDebugEndpoints bool
	TestMode             bool
	MetricsEnabled       bool
	MetricsPort          int
}

// Load loads configuration based on the PASSKEY_ENV environment variable.
func Load() (*Config, error) {
	envStr := os.Getenv("PASSKEY_ENV")
	if envStr == "" {
		envStr = string(pkruntime.Development)
	}

	parsedEnv, ok := pkruntime.ParseEnvironment(envStr)
	if !ok {
		return nil, fmt.Errorf("invalid PASSKEY_ENV: %s (must be development, testing, or production)", envStr)
	}
	env := Environment(parsedEnv)

	// Load environment-specific .env file
	configFile := filepath.Join("config", fmt.Sprintf("%s.env", env))
	if err := godotenv.Load(configFile); err != nil {
		// Config file is optional; only warn on non-"file not found" errors
		// (e.g. parse errors) to avoid noisy logs during tests and CI runs.
		if !errors.Is(err, os.ErrNotExist) {
			fmt.Printf("Warning: Could not load %s: %v\n", configFile, err)
		}
	}

	cfg := &Config{
		Env: env,
	}

	// Load all configuration values
	if err := cfg.loadFromEnv(); err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	return cfg, nil
}

// loadFromEnv loads configuration from environment variables
func (c *Config) loadFromEnv() error {
	var err error

	// Relying party
	c.RPID = getEnv("RP_ID", "localhost")

	// NEAR chain
	c.NearRPCURL = getEnv("NEAR_RPC_URL", "https://rpc.testnet.near.org")
	c.NearNetworkID = getEnv("NEAR_NETWORK_ID", "testnet")
	freshnessVal, err := strconv.ParseUint(getEnv("FRESHNESS_WINDOW_BLOCKS", "100"), 10, 64)
	if err != nil {
		return fmt.Errorf("invalid FRESHNESS_WINDOW_BLOCKS: %w", err)
	}
	c.FreshnessWindowBlocks = freshnessVal

	chainCallTimeout := getEnv("CHAIN_CALL_TIMEOUT", "20s")
	c.ChainCallTimeout, err = time.ParseDuration(chainCallTimeout)
	if err != nil {
		return fmt.Errorf("invalid CHAIN_CALL_TIMEOUT: %w", err)
	}

	// Confirmation handshake
	confirmTimeout := getEnv("CONFIRM_TIMEOUT", "60s")
	c.ConfirmTimeout, err = time.ParseDuration(confirmTimeout)
	if err != nil {
		return fmt.Errorf("invalid CONFIRM_TIMEOUT: %w", err)
	}

	// Signer worker pool
	c.SignerWorkerPoolSize = getIntEnv("SIGNER_WORKER_POOL_SIZE", 3)
	if c.SignerWorkerPoolSize < 1 {
		return fmt.Errorf("SIGNER_WORKER_POOL_SIZE must be >= 1")
	}

	// Device linking
	qrTTL := getEnv("DEVICE_LINK_QR_TTL", "10m")
	c.DeviceLinkQRTTL, err = time.ParseDuration(qrTTL)
	if err != nil {
		return fmt.Errorf("invalid DEVICE_LINK_QR_TTL: %w", err)
	}
	pollInterval := getEnv("DEVICE_LINK_POLL_INTERVAL", "4s")
	c.DeviceLinkPollInterval, err = time.ParseDuration(pollInterval)
	if err != nil {
		return fmt.Errorf("invalid DEVICE_LINK_POLL_INTERVAL: %w", err)
	}
	deadManWindow := getEnv("DEVICE_LINK_DEAD_MAN_WINDOW", "20s")
	c.DeviceLinkDeadManWindow, err = time.ParseDuration(deadManWindow)
	if err != nil {
		return fmt.Errorf("invalid DEVICE_LINK_DEAD_MAN_WINDOW: %w", err)
	}

	// Shamir relay
	c.RelayBaseURL = getEnv("RELAY_BASE_URL", "http://localhost:8090")
	c.RelayJWTAudience = getEnv("RELAY_JWT_AUDIENCE", "passkey-relay")
	c.RelayJWTSecret = getEnv("RELAY_JWT_SECRET", "")
	if c.Env == Production && c.RelayJWTSecret == "" {
		return fmt.Errorf("RELAY_JWT_SECRET is required in production")
	}

	// Logging
	c.LogLevel = getEnv("LOG_LEVEL", "info")
	c.LogFormat = getEnv("LOG_FORMAT", "json")

	// Security
	c.RateLimitEnabled = getBoolEnv("RATE_LIMIT_ENABLED", true)
	c.RateLimitRequests = getIntEnv("RATE_LIMIT_REQUESTS", 100)
	rateLimitWindow := getEnv("RATE_LIMIT_WINDOW", "1m")
	c.RateLimitWindow, err = time.ParseDuration(rateLimitWindow)
	if err != nil {
		return fmt.Errorf("invalid RATE_LIMIT_WINDOW: %w", err)
	}
	c.CORSOrigins = strings.Split(getEnv("CORS_ALLOWED_ORIGINS", getEnv("CORS_ORIGINS", "*")), ",")

	// Storage
	c.DatabaseURL = getEnv("DATABASE_URL", "")
	c.DBMaxConnections = getIntEnv("DB_MAX_CONNECTIONS", 20)
	dbIdleTimeout := getEnv("DB_IDLE_TIMEOUT", "5m")
	c.DBIdleTimeout, err = time.ParseDuration(dbIdleTimeout)
	if err != nil {
		return fmt.Errorf("invalid DB_IDLE_TIMEOUT: %w", err)
	}

	// Features
	c.EnableDebugEndpoints = getBoolEnv("ENABLE_DEBUG_ENDPOINTS", false)
	c.TestMode = getBoolEnv("TEST_MODE", false)
	c.MetricsEnabled = getBoolEnv("METRICS_ENABLED", c.Env == Production)
	c.MetricsPort = getIntEnv("METRICS_PORT", 9090)

	return nil
}

// IsDevelopment returns true if running in development environment.
func (c *Config) IsDevelopment() bool {
	return c.Env == Development
}

// IsTesting returns true if running in testing environment.
func (c *Config) IsTesting() bool {
	return c.Env == Testing
}

// IsProduction returns true if running in production environment.
func (c *Config) IsProduction() bool {
	return c.Env == Production
}

// Validate validates the configuration for internal consistency and
// production-grade hardening.
func (c *Config) Validate() error {
	if c.IsProduction() {
		if c.EnableDebugEndpoints {
			return fmt.Errorf("ENABLE_DEBUG_ENDPOINTS must be false in production")
		}
		if c.TestMode {
			return fmt.Errorf("TEST_MODE must be false in production")
		}
		if !c.RateLimitEnabled {
			return fmt.Errorf("RATE_LIMIT_ENABLED must be true in production")
		}
		if c.RelayJWTSecret == "" {
			return fmt.Errorf("RELAY_JWT_SECRET must be set in production")
		}
	}

	if c.FreshnessWindowBlocks == 0 {
		return fmt.Errorf("FRESHNESS_WINDOW_BLOCKS must be > 0")
	}
	if c.SignerWorkerPoolSize < 1 {
		return fmt.Errorf("SIGNER_WORKER_POOL_SIZE must be >= 1")
	}
	if c.MetricsPort < 1024 || c.MetricsPort > 65535 {
		return fmt.Errorf("invalid METRICS_PORT: %d", c.MetricsPort)
	}

	return nil
}

// Helper functions

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

func getBoolEnv(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}
