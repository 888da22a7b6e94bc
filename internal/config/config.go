// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/mbd888/escrowd/internal/fees"
	"github.com/mbd888/escrowd/internal/usdc"
	"gopkg.in/yaml.v3"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port      string
	Env       string // "development", "staging", "production"
	LogLevel  string
	LogFormat string // "json" or "text"

	// Storage
	DatabaseURL string // PostgreSQL connection string (optional, uses in-memory if not set)
	RedisURL    string // Optional; enables cross-replica oracle locking

	// Settlement network
	RPCURL            string
	ChainID           int64
	PrivateKey        string // Hex-encoded custody key; empty runs the in-memory network in development
	USDCContract      string
	CustodyStartBlock uint64

	// Auth
	JWTSecret string
	JWTTTL    time.Duration

	// Oracle
	OracleSchedule  string
	OracleBatchSize int
	ConfirmTimeout  time.Duration

	// Solvency monitor cron schedule; empty uses the monitor default
	SolvencySchedule string

	// Fees (overridable by the policy file)
	FeeMode  string
	FeeRate  string
	FeeFlat  string
	FeeSide  string
	FeeParty string

	// Telemetry thresholds in minor units
	WalletLowThreshold      int64
	WalletCriticalThreshold int64
	// Payouts unresolved for longer degrade telemetry
	PayoutStallAfter time.Duration

	OTLPEndpoint     string
	TraceSampleRatio float64
	PolicyFile       string
	RateLimitRPS     int
	CORSOrigins      []string
}

// Base Sepolia defaults
const (
	DefaultRPCURL                  = "https://sepolia.base.org"
	DefaultChainID                 = 84532                                        // Base Sepolia
	DefaultUSDCContract            = "0x036CbD53842c5426634e7929541eC2318f3dCF7e" // Base Sepolia USDC
	DefaultPort                    = "8080"
	DefaultEnv                     = "development"
	DefaultLogLevel                = "info"
	DefaultLogFormat               = "json"
	DefaultOracleSchedule          = "@every 2m"
	DefaultOracleBatchSize         = 100
	DefaultConfirmTimeout          = 30 * time.Second
	DefaultJWTTTL                  = 24 * time.Hour
	DefaultWalletLowThreshold      = "100"
	DefaultWalletCriticalThreshold = "10"
	DefaultPayoutStallAfter        = 30 * time.Minute
	DefaultRateLimit               = 100
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Port:              getEnv("PORT", DefaultPort),
		Env:               getEnv("ENV", DefaultEnv),
		LogLevel:          getEnv("LOG_LEVEL", DefaultLogLevel),
		LogFormat:         getEnv("LOG_FORMAT", DefaultLogFormat),
		DatabaseURL:       os.Getenv("DATABASE_URL"),
		RedisURL:          os.Getenv("REDIS_URL"),
		RPCURL:            getEnv("RPC_URL", DefaultRPCURL),
		ChainID:           getEnvInt64("CHAIN_ID", DefaultChainID),
		PrivateKey:        os.Getenv("PRIVATE_KEY"),
		USDCContract:      getEnv("USDC_CONTRACT", DefaultUSDCContract),
		CustodyStartBlock: uint64(getEnvInt64("CUSTODY_START_BLOCK", 0)),
		JWTSecret:         os.Getenv("JWT_SECRET"),
		JWTTTL:            getEnvDuration("JWT_TTL", DefaultJWTTTL),
		OracleSchedule:    getEnv("ORACLE_SCHEDULE", DefaultOracleSchedule),
		OracleBatchSize:   int(getEnvInt64("ORACLE_BATCH_SIZE", DefaultOracleBatchSize)),
		ConfirmTimeout:    getEnvDuration("CONFIRM_TIMEOUT", DefaultConfirmTimeout),
		SolvencySchedule:  os.Getenv("SOLVENCY_SCHEDULE"),
		PayoutStallAfter:  getEnvDuration("PAYOUT_STALL_AFTER", DefaultPayoutStallAfter),
		FeeMode:           getEnv("FEE_MODE", string(fees.ModeNone)),
		FeeRate:           os.Getenv("FEE_RATE"),
		FeeFlat:           os.Getenv("FEE_FLAT"),
		FeeSide:           getEnv("FEE_SIDE", string(fees.SideSeller)),
		FeeParty:          os.Getenv("FEE_PARTY"),
		OTLPEndpoint:      os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		TraceSampleRatio:  getEnvFloat("TRACE_SAMPLE_RATIO", 1),
		PolicyFile:        os.Getenv("POLICY_FILE"),
		RateLimitRPS:      int(getEnvInt64("RATE_LIMIT_RPS", DefaultRateLimit)),
		CORSOrigins:       splitList(os.Getenv("CORS_ORIGINS")),
	}

	var err error
	if cfg.WalletLowThreshold, err = usdc.Parse(getEnv("WALLET_LOW_THRESHOLD", DefaultWalletLowThreshold)); err != nil {
		return nil, fmt.Errorf("WALLET_LOW_THRESHOLD: %w", err)
	}
	if cfg.WalletCriticalThreshold, err = usdc.Parse(getEnv("WALLET_CRITICAL_THRESHOLD", DefaultWalletCriticalThreshold)); err != nil {
		return nil, fmt.Errorf("WALLET_CRITICAL_THRESHOLD: %w", err)
	}

	if cfg.PolicyFile != "" {
		if err := cfg.applyPolicyFile(cfg.PolicyFile); err != nil {
			return nil, err
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all required configuration is present
func (c *Config) Validate() error {
	if c.PrivateKey == "" && !c.IsDevelopment() {
		return fmt.Errorf("PRIVATE_KEY is required outside development")
	}
	if c.PrivateKey != "" {
		key := strings.TrimPrefix(c.PrivateKey, "0x")
		if len(key) != 64 {
			return fmt.Errorf("PRIVATE_KEY must be 64 hex characters (with or without 0x prefix)")
		}
		if c.RPCURL == "" {
			return fmt.Errorf("RPC_URL is required")
		}
	}

	if c.JWTSecret == "" && !c.IsDevelopment() {
		return fmt.Errorf("JWT_SECRET is required outside development")
	}
	if c.JWTSecret != "" && len(c.JWTSecret) < 32 {
		return fmt.Errorf("JWT_SECRET must be at least 32 characters")
	}

	if c.OracleBatchSize <= 0 {
		return fmt.Errorf("ORACLE_BATCH_SIZE must be positive")
	}
	if c.ConfirmTimeout <= 0 {
		return fmt.Errorf("CONFIRM_TIMEOUT must be positive")
	}
	if c.WalletCriticalThreshold > c.WalletLowThreshold {
		return fmt.Errorf("WALLET_CRITICAL_THRESHOLD must not exceed WALLET_LOW_THRESHOLD")
	}
	if _, err := c.FeePolicy(); err != nil {
		return err
	}

	return nil
}

// FeePolicy builds the configured fee policy.
func (c *Config) FeePolicy() (fees.Policy, error) {
	p, err := fees.Parse(c.FeeMode, c.FeeRate, c.FeeFlat, c.FeeSide, c.FeeParty)
	if err != nil {
		return fees.Policy{}, fmt.Errorf("fee policy: %w", err)
	}
	return p, nil
}

// IsDevelopment returns true if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// IsProduction returns true if running in production mode
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// policyFile is the YAML shape of POLICY_FILE. Set fields override the
// environment.
type policyFile struct {
	Fees struct {
		Mode  string `yaml:"mode"`
		Rate  string `yaml:"rate"`
		Flat  string `yaml:"flat"`
		Side  string `yaml:"side"`
		Party string `yaml:"party"`
	} `yaml:"fees"`
	Wallet struct {
		Low      string `yaml:"low"`
		Critical string `yaml:"critical"`
	} `yaml:"wallet"`
	Oracle struct {
		Schedule  string `yaml:"schedule"`
		BatchSize int    `yaml:"batchSize"`
	} `yaml:"oracle"`
}

func (c *Config) applyPolicyFile(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read policy file: %w", err)
	}
	var p policyFile
	if err := yaml.Unmarshal(raw, &p); err != nil {
		return fmt.Errorf("parse policy file %s: %w", path, err)
	}

	override(&c.FeeMode, p.Fees.Mode)
	override(&c.FeeRate, p.Fees.Rate)
	override(&c.FeeFlat, p.Fees.Flat)
	override(&c.FeeSide, p.Fees.Side)
	override(&c.FeeParty, p.Fees.Party)
	override(&c.OracleSchedule, p.Oracle.Schedule)
	if p.Oracle.BatchSize > 0 {
		c.OracleBatchSize = p.Oracle.BatchSize
	}

	if p.Wallet.Low != "" {
		if c.WalletLowThreshold, err = usdc.Parse(p.Wallet.Low); err != nil {
			return fmt.Errorf("policy file wallet.low: %w", err)
		}
	}
	if p.Wallet.Critical != "" {
		if c.WalletCriticalThreshold, err = usdc.Parse(p.Wallet.Critical); err != nil {
			return fmt.Errorf("policy file wallet.critical: %w", err)
		}
	}
	return nil
}

// Helper functions

func override(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

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

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
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

// splitList parses a comma-separated env value, dropping blanks.
func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
