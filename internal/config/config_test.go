package config

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const validKey = "0123456789abcdef0123456789abcdef0123456789abcdef0123456789abcdef"

// Test helper to set env vars and clean up after
func setEnv(t *testing.T, key, value string) {
	t.Helper()
	old := os.Getenv(key)
	os.Setenv(key, value)
	t.Cleanup(func() {
		if old == "" {
			os.Unsetenv(key)
		} else {
			os.Setenv(key, old)
		}
	})
}

func TestLoad_WithValidConfig(t *testing.T) {
	setEnv(t, "ADMIN_TOKEN", "s3cret")
	setEnv(t, "PORT", "9090")
	setEnv(t, "OTP_TTL", "10m")
	setEnv(t, "KAFKA_BROKERS", "kafka-1:9092, kafka-2:9092,")
	setEnv(t, "CHAIN", "Base-Sepolia")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "9090", cfg.Port)
	assert.Equal(t, "s3cret", cfg.AdminToken)
	assert.Equal(t, DefaultRPCURL, cfg.RPCURL)
	assert.Equal(t, int64(DefaultChainID), cfg.ChainID)
	assert.Equal(t, "base-sepolia", cfg.Chain)
	assert.Equal(t, DefaultUSDCContract, cfg.USDCContract)
	assert.Equal(t, int64(DefaultPlatformFeeBps), cfg.PlatformFeeBps)
	assert.Equal(t, 10*time.Minute, cfg.OTPTTL)
	assert.Equal(t, DefaultOTPMaxAttempts, cfg.OTPMaxAttempts)
	assert.Equal(t, []string{"kafka-1:9092", "kafka-2:9092"}, cfg.KafkaBrokers)
	assert.False(t, cfg.ExposeOTP)
	assert.False(t, cfg.CryptoEnabled())
}

func TestLoad_MissingAdminToken(t *testing.T) {
	setEnv(t, "ADMIN_TOKEN", "")

	_, err := Load()
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "ADMIN_TOKEN is required")
}

func TestLoad_InvalidSignerKeyLength(t *testing.T) {
	setEnv(t, "ADMIN_TOKEN", "s3cret")
	setEnv(t, "SIGNER_PRIVATE_KEY", "tooshort")

	_, err := Load()
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "64 hex characters")
}

func TestConfig_Validate(t *testing.T) {
	base := func() Config {
		return Config{
			AdminToken:     "s3cret",
			PlatformFeeBps: 200,
			OTPTTL:         DefaultOTPTTL,
			OTPMaxAttempts: 5,
			RPCURL:         DefaultRPCURL,
		}
	}
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{"valid config", func(c *Config) {}, ""},
		{"signer with 0x prefix", func(c *Config) {
			c.SignerPrivateKey = "0x" + validKey
			c.EscrowContract = "0x3333333333333333333333333333333333333333"
		}, ""},
		{"missing admin token", func(c *Config) { c.AdminToken = "" }, "ADMIN_TOKEN is required"},
		{"negative fee", func(c *Config) { c.PlatformFeeBps = -1 }, "PLATFORM_FEE_BPS"},
		{"zero ttl", func(c *Config) { c.OTPTTL = 0 }, "OTP_TTL"},
		{"zero attempts", func(c *Config) { c.OTPMaxAttempts = 0 }, "OTP_MAX_ATTEMPTS"},
		{"expose otp in production", func(c *Config) {
			c.Env = "production"
			c.ExposeOTP = true
		}, "EXPOSE_OTP"},
		{"invalid signer key length", func(c *Config) { c.SignerPrivateKey = "abc123" }, "64 hex characters"},
		{"signer without rpc", func(c *Config) {
			c.SignerPrivateKey = validKey
			c.EscrowContract = "0x3333333333333333333333333333333333333333"
			c.RPCURL = ""
		}, "RPC_URL is required"},
		{"signer without escrow", func(c *Config) { c.SignerPrivateKey = validKey }, "ESCROW_CONTRACT is required"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
			}
		})
	}
}

func TestConfig_IsDevelopment(t *testing.T) {
	cfg := &Config{Env: "development"}
	assert.True(t, cfg.IsDevelopment())
	assert.False(t, cfg.IsProduction())

	cfg.Env = "production"
	assert.False(t, cfg.IsDevelopment())
	assert.True(t, cfg.IsProduction())
}

func TestGetEnv(t *testing.T) {
	setEnv(t, "TEST_VAR", "custom_value")

	assert.Equal(t, "custom_value", getEnv("TEST_VAR", "default"))
	assert.Equal(t, "default", getEnv("NONEXISTENT_VAR", "default"))
}

func TestGetEnvInt64(t *testing.T) {
	setEnv(t, "TEST_INT", "42")
	setEnv(t, "TEST_INVALID", "not_a_number")

	assert.Equal(t, int64(42), getEnvInt64("TEST_INT", 0))
	assert.Equal(t, int64(99), getEnvInt64("NONEXISTENT_VAR", 99))
	assert.Equal(t, int64(99), getEnvInt64("TEST_INVALID", 99)) // Falls back on parse error
}

func TestGetEnvBoolAndDuration(t *testing.T) {
	setEnv(t, "TEST_BOOL", "true")
	setEnv(t, "TEST_DUR", "90s")
	setEnv(t, "TEST_BAD_DUR", "ninety")

	assert.True(t, getEnvBool("TEST_BOOL", false))
	assert.False(t, getEnvBool("NONEXISTENT_VAR", false))
	assert.Equal(t, 90*time.Second, getEnvDuration("TEST_DUR", time.Minute))
	assert.Equal(t, time.Minute, getEnvDuration("TEST_BAD_DUR", time.Minute))
}
