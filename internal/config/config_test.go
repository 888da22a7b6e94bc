package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/mbd888/escrowd/internal/fees"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testKey = "0123456789abcdef0123456789abcdef0123456789abcdef0123456789abcdef"

// Test helper to set env vars and clean up after
func setEnv(t *testing.T, key, value string) {
	t.Helper()
	old, had := os.LookupEnv(key)
	os.Setenv(key, value)
	t.Cleanup(func() {
		if !had {
			os.Unsetenv(key)
		} else {
			os.Setenv(key, old)
		}
	})
}

func devEnv(t *testing.T) {
	t.Helper()
	setEnv(t, "ENV", "development")
	setEnv(t, "PRIVATE_KEY", "")
	setEnv(t, "JWT_SECRET", "")
	setEnv(t, "POLICY_FILE", "")
	setEnv(t, "FEE_MODE", "")
}

func TestLoad_DevelopmentDefaults(t *testing.T) {
	devEnv(t)
	setEnv(t, "PORT", "9090")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "9090", cfg.Port)
	assert.Equal(t, DefaultRPCURL, cfg.RPCURL)
	assert.Equal(t, int64(DefaultChainID), cfg.ChainID)
	assert.Equal(t, DefaultOracleSchedule, cfg.OracleSchedule)
	assert.Equal(t, DefaultConfirmTimeout, cfg.ConfirmTimeout)
	assert.Equal(t, int64(100_000_000), cfg.WalletLowThreshold)
	assert.Equal(t, int64(10_000_000), cfg.WalletCriticalThreshold)
	assert.Equal(t, DefaultPayoutStallAfter, cfg.PayoutStallAfter)

	p, err := cfg.FeePolicy()
	require.NoError(t, err)
	assert.Equal(t, fees.ModeNone, p.Mode)
}

func TestLoad_ProductionRequiresKeyAndSecret(t *testing.T) {
	devEnv(t)
	setEnv(t, "ENV", "production")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "PRIVATE_KEY is required")

	setEnv(t, "PRIVATE_KEY", testKey)
	_, err = Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "JWT_SECRET is required")

	setEnv(t, "JWT_SECRET", "0123456789abcdef0123456789abcdef")
	cfg, err := Load()
	require.NoError(t, err)
	assert.True(t, cfg.IsProduction())
}

func TestLoad_PolicyFileOverridesEnv(t *testing.T) {
	devEnv(t)
	setEnv(t, "FEE_MODE", "flat")
	setEnv(t, "FEE_FLAT", "0.50")

	path := filepath.Join(t.TempDir(), "policy.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
fees:
  mode: percent
  rate: "2.5"
  side: buyer
wallet:
  low: "500"
  critical: "50"
oracle:
  schedule: "@every 30s"
  batchSize: 25
`), 0o600))
	setEnv(t, "POLICY_FILE", path)

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "@every 30s", cfg.OracleSchedule)
	assert.Equal(t, 25, cfg.OracleBatchSize)
	assert.Equal(t, int64(500_000_000), cfg.WalletLowThreshold)
	assert.Equal(t, int64(50_000_000), cfg.WalletCriticalThreshold)

	p, err := cfg.FeePolicy()
	require.NoError(t, err)
	assert.Equal(t, fees.ModePercent, p.Mode)
	assert.Equal(t, fees.SideBuyer, p.Side)
	assert.Equal(t, "2.5", p.Rate.String())
}

func TestLoad_BadPolicyFile(t *testing.T) {
	devEnv(t)
	path := filepath.Join(t.TempDir(), "policy.yaml")
	require.NoError(t, os.WriteFile(path, []byte("fees: [unclosed"), 0o600))
	setEnv(t, "POLICY_FILE", path)

	_, err := Load()
	assert.Error(t, err)
}

func TestConfig_Validate(t *testing.T) {
	valid := func() Config {
		return Config{
			Env:                     "staging",
			PrivateKey:              "0x" + testKey,
			RPCURL:                  DefaultRPCURL,
			JWTSecret:               "0123456789abcdef0123456789abcdef",
			OracleBatchSize:         10,
			ConfirmTimeout:          time.Second,
			WalletLowThreshold:      100,
			WalletCriticalThreshold: 10,
		}
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"valid config", func(*Config) {}, ""},
		{"invalid private key length", func(c *Config) { c.PrivateKey = "abc123" }, "64 hex characters"},
		{"missing RPC URL", func(c *Config) { c.RPCURL = "" }, "RPC_URL is required"},
		{"short jwt secret", func(c *Config) { c.JWTSecret = "short" }, "at least 32"},
		{"zero batch", func(c *Config) { c.OracleBatchSize = 0 }, "ORACLE_BATCH_SIZE"},
		{"inverted thresholds", func(c *Config) { c.WalletCriticalThreshold = 1000 }, "must not exceed"},
		{"bad fee mode", func(c *Config) { c.FeeMode = "tithe" }, "fee policy"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
			} else {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
			}
		})
	}
}

func TestGetEnvHelpers(t *testing.T) {
	setEnv(t, "TEST_INT", "42")
	setEnv(t, "TEST_INVALID", "not_a_number")
	setEnv(t, "TEST_DURATION", "90s")

	assert.Equal(t, int64(42), getEnvInt64("TEST_INT", 0))
	assert.Equal(t, int64(99), getEnvInt64("TEST_INVALID", 99))
	assert.Equal(t, 90*time.Second, getEnvDuration("TEST_DURATION", time.Minute))
	assert.Equal(t, time.Minute, getEnvDuration("TEST_INVALID", time.Minute))
	assert.Equal(t, "default", getEnv("NONEXISTENT_VAR", "default"))
}

func TestSplitList(t *testing.T) {
	assert.Nil(t, splitList(""))
	assert.Equal(t, []string{"https://a.example", "https://b.example"},
		splitList(" https://a.example, ,https://b.example "))
}
