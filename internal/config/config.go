// Package config handles application configuration from environment variables
package config

import (
	"encoding/base64"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port     string
	Env      string // "development", "staging", "production"
	LogLevel string

	// Database
	DatabaseURL string // PostgreSQL connection string (optional, uses in-memory if not set)

	// Node identity
	NodeAddress   string // "host:port" address this node is reachable at
	PrivateKey    string // Hex-encoded signing key, with or without 0x prefix
	EncryptionKey string // Hex-encoded encryption key for the pub key ring

	// Arbitration
	ArbitratorPubKeys []string // base64 allow-list of arbitrator signature pub keys
	BroadcastURL      string   // settlement node endpoint for payout tx broadcast

	// Security
	RateLimitRPS int
	AdminSecret  string // Admin API secret

	// Observability
	OTLPEndpoint string // OTLP gRPC endpoint for traces (optional)
}

const (
	DefaultPort      = "8080"
	DefaultEnv       = "development"
	DefaultLogLevel  = "info"
	DefaultRateLimit = 100
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	cfg := &Config{
		Port:              getEnv("PORT", DefaultPort),
		Env:               getEnv("ENV", DefaultEnv),
		LogLevel:          getEnv("LOG_LEVEL", DefaultLogLevel),
		DatabaseURL:       os.Getenv("DATABASE_URL"), // Optional, uses in-memory if not set
		NodeAddress:       os.Getenv("NODE_ADDRESS"),
		PrivateKey:        os.Getenv("PRIVATE_KEY"), // Required, no default
		EncryptionKey:     os.Getenv("ENCRYPTION_KEY"),
		ArbitratorPubKeys: splitList(os.Getenv("ARBITRATOR_PUBKEYS")),
		BroadcastURL:      os.Getenv("BROADCAST_URL"),
		RateLimitRPS:      int(getEnvInt64("RATE_LIMIT_RPS", int64(DefaultRateLimit))),
		AdminSecret:       os.Getenv("ADMIN_SECRET"),
		OTLPEndpoint:      os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all required configuration is present
func (c *Config) Validate() error {
	if c.PrivateKey == "" {
		return fmt.Errorf("PRIVATE_KEY is required")
	}

	// Allow both with and without 0x prefix
	key := c.PrivateKey
	if len(key) == 66 && key[:2] == "0x" {
		key = key[2:]
	}
	if len(key) != 64 {
		return fmt.Errorf("PRIVATE_KEY must be 64 hex characters (with or without 0x prefix)")
	}

	if c.NodeAddress == "" {
		return fmt.Errorf("NODE_ADDRESS is required")
	}
	if !strings.Contains(c.NodeAddress, ":") {
		return fmt.Errorf("NODE_ADDRESS must be host:port")
	}

	for _, k := range c.ArbitratorPubKeys {
		if _, err := base64.StdEncoding.DecodeString(k); err != nil {
			return fmt.Errorf("ARBITRATOR_PUBKEYS entry is not base64: %q", k)
		}
	}

	return nil
}

// ArbitratorKeys decodes the allow-list entries. Call after Validate.
func (c *Config) ArbitratorKeys() [][]byte {
	var keys [][]byte
	for _, k := range c.ArbitratorPubKeys {
		b, err := base64.StdEncoding.DecodeString(k)
		if err != nil {
			continue
		}
		keys = append(keys, b)
	}
	return keys
}

// IsDevelopment returns true if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// IsProduction returns true if running in production mode
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.ParseInt(value, 10, 64); err == nil {
			return i
		}
	}
	return defaultValue
}

func splitList(v string) []string {
	if v == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	var out []string
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
