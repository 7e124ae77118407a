// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration. It is read once at startup
// and passed to the components that need it.
type Config struct {
	// Server settings
	Port      string
	Env       string // "development", "staging", "production"
	LogLevel  string
	LogFormat string // "text" or "json"

	// Database
	DatabaseURL string // PostgreSQL connection string (optional, uses in-memory if not set)

	// Security
	AdminToken   string
	RateLimitRPM int

	// NGN rail
	PlatformFeeBps int64

	// Delivery verification
	OTPTTL         time.Duration
	OTPMaxAttempts int
	ExposeOTP      bool // return generated codes in API responses (development only)

	// USDC rail
	Chain            string
	ChainID          int64
	RPCURL           string
	USDCContract     string
	EscrowContract   string
	CryptoFeeBps     int64
	SignerPrivateKey string // Hex-encoded; empty leaves refund/release intents for an operator

	// Events and tracing
	KafkaBrokers []string
	KafkaTopic   string
	OTLPEndpoint string
}

// Base Sepolia defaults
const (
	DefaultRPCURL         = "https://sepolia.base.org"
	DefaultChain          = "base-sepolia"
	DefaultChainID        = 84532                                        // Base Sepolia
	DefaultUSDCContract   = "0x036CbD53842c5426634e7929541eC2318f3dCF7e" // Base Sepolia USDC
	DefaultPort           = "8080"
	DefaultEnv            = "development"
	DefaultLogLevel       = "info"
	DefaultLogFormat      = "text"
	DefaultPlatformFeeBps = 200
	DefaultCryptoFeeBps   = 200
	DefaultOTPTTL         = 30 * time.Minute
	DefaultOTPMaxAttempts = 5
	DefaultKafkaTopic     = "settlement.orders"
	DefaultRateLimitRPM   = 600
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	cfg := &Config{
		Port:             getEnv("PORT", DefaultPort),
		Env:              getEnv("ENV", DefaultEnv),
		LogLevel:         getEnv("LOG_LEVEL", DefaultLogLevel),
		LogFormat:        getEnv("LOG_FORMAT", DefaultLogFormat),
		DatabaseURL:      os.Getenv("DATABASE_URL"),
		AdminToken:       os.Getenv("ADMIN_TOKEN"),
		RateLimitRPM:     int(getEnvInt64("RATE_LIMIT_RPM", DefaultRateLimitRPM)),
		PlatformFeeBps:   getEnvInt64("PLATFORM_FEE_BPS", DefaultPlatformFeeBps),
		OTPTTL:           getEnvDuration("OTP_TTL", DefaultOTPTTL),
		OTPMaxAttempts:   int(getEnvInt64("OTP_MAX_ATTEMPTS", DefaultOTPMaxAttempts)),
		ExposeOTP:        getEnvBool("EXPOSE_OTP", false),
		Chain:            strings.ToLower(getEnv("CHAIN", DefaultChain)),
		ChainID:          getEnvInt64("CHAIN_ID", DefaultChainID),
		RPCURL:           getEnv("RPC_URL", DefaultRPCURL),
		USDCContract:     getEnv("USDC_CONTRACT", DefaultUSDCContract),
		EscrowContract:   os.Getenv("ESCROW_CONTRACT"),
		CryptoFeeBps:     getEnvInt64("CRYPTO_FEE_BPS", DefaultCryptoFeeBps),
		SignerPrivateKey: os.Getenv("SIGNER_PRIVATE_KEY"),
		KafkaBrokers:     splitList(os.Getenv("KAFKA_BROKERS")),
		KafkaTopic:       getEnv("KAFKA_TOPIC", DefaultKafkaTopic),
		OTLPEndpoint:     os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all required configuration is present
func (c *Config) Validate() error {
	if c.AdminToken == "" {
		return fmt.Errorf("ADMIN_TOKEN is required")
	}
	if c.PlatformFeeBps < 0 || c.PlatformFeeBps > 10_000 {
		return fmt.Errorf("PLATFORM_FEE_BPS must be between 0 and 10000")
	}
	if c.OTPTTL <= 0 {
		return fmt.Errorf("OTP_TTL must be positive")
	}
	if c.OTPMaxAttempts < 1 {
		return fmt.Errorf("OTP_MAX_ATTEMPTS must be at least 1")
	}
	if c.ExposeOTP && c.IsProduction() {
		return fmt.Errorf("EXPOSE_OTP cannot be enabled in production")
	}

	if c.SignerPrivateKey != "" {
		// Allow both with and without 0x prefix
		key := c.SignerPrivateKey
		if len(key) == 66 && key[:2] == "0x" {
			key = key[2:]
		}
		if len(key) != 64 {
			return fmt.Errorf("SIGNER_PRIVATE_KEY must be 64 hex characters (with or without 0x prefix)")
		}
		if c.RPCURL == "" {
			return fmt.Errorf("RPC_URL is required when SIGNER_PRIVATE_KEY is set")
		}
		if c.EscrowContract == "" {
			return fmt.Errorf("ESCROW_CONTRACT is required when SIGNER_PRIVATE_KEY is set")
		}
	}

	return nil
}

// CryptoEnabled reports whether USDC orders can be accepted.
func (c *Config) CryptoEnabled() bool {
	return c.EscrowContract != ""
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

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
