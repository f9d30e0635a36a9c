// Package config handles application configuration from environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration.
type Config struct {
	// Server settings
	Port     string
	Env      string // "development", "staging", "production"
	LogLevel string

	// Database
	DatabaseURL string // PostgreSQL connection string (optional, uses in-memory if not set)

	// Settlement network
	RPCURL          string
	ChainID         int64
	PrivateKey      string // Hex-encoded operator key, with or without 0x prefix
	TokenContract   string // ERC-20 settlement token
	PlatformAddress string // Custody wallet holding all escrow accounts
	TreasuryAddress string // Receives platform fees and forfeited dispute fees

	// Marketplace economics (basis points; 100% = 10000)
	PlatformFeeBps  int64
	ReferralBps     int64
	DisputeFeeBps   int64
	MinIncrementBps int64  // Minimum bid increment over the current leader
	IncrementFloor  string // Absolute floor for the increment, decimal string
	Currency        string // Default marketplace currency code

	// Timers
	AntiSnipeWindow   time.Duration // Late bids within this window extend the auction
	AutoFinalizeGrace time.Duration // PendingRelease → anyone may complete after this
	SweepInterval     time.Duration
	SweepBatchSize    int

	// Security
	WebhookSecret string
	AdminSecret   string // Grants the resolver and scheduler roles

	// Observability
	OTLPEndpoint string // OTLP/gRPC trace collector (optional)
}

const (
	DefaultRPCURL        = "https://sepolia.base.org"
	DefaultChainID       = 84532 // Base Sepolia
	DefaultTokenContract = "0x036CbD53842c5426634e7929541eC2318f3dCF7e"
	DefaultPort          = "8080"
	DefaultEnv           = "development"
	DefaultLogLevel      = "info"
	DefaultCurrency      = "USD"

	DefaultPlatformFeeBps  = 250 // 2.5%
	DefaultReferralBps     = 100 // 1%
	DefaultDisputeFeeBps   = 200 // 2%
	DefaultMinIncrementBps = 500 // 5%

	DefaultAntiSnipeWindow   = 15 * time.Minute
	DefaultAutoFinalizeGrace = 72 * time.Hour
	DefaultSweepInterval     = time.Minute
	DefaultSweepBatchSize    = 100
)

// Load reads configuration from environment variables.
// It loads .env file if present (for local development).
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Port:              getEnv("PORT", DefaultPort),
		Env:               getEnv("ENV", DefaultEnv),
		LogLevel:          getEnv("LOG_LEVEL", DefaultLogLevel),
		DatabaseURL:       os.Getenv("DATABASE_URL"),
		RPCURL:            getEnv("RPC_URL", DefaultRPCURL),
		ChainID:           getEnvInt64("CHAIN_ID", DefaultChainID),
		PrivateKey:        os.Getenv("PRIVATE_KEY"),
		TokenContract:     getEnv("TOKEN_CONTRACT", DefaultTokenContract),
		PlatformAddress:   os.Getenv("PLATFORM_ADDRESS"),
		TreasuryAddress:   os.Getenv("TREASURY_ADDRESS"),
		PlatformFeeBps:    getEnvInt64("PLATFORM_FEE_BPS", DefaultPlatformFeeBps),
		ReferralBps:       getEnvInt64("REFERRAL_BPS", DefaultReferralBps),
		DisputeFeeBps:     getEnvInt64("DISPUTE_FEE_BPS", DefaultDisputeFeeBps),
		MinIncrementBps:   getEnvInt64("MIN_INCREMENT_BPS", DefaultMinIncrementBps),
		IncrementFloor:    getEnv("INCREMENT_FLOOR", "0.01"),
		Currency:          getEnv("CURRENCY", DefaultCurrency),
		AntiSnipeWindow:   getEnvDuration("ANTI_SNIPE_WINDOW", DefaultAntiSnipeWindow),
		AutoFinalizeGrace: getEnvDuration("AUTO_FINALIZE_GRACE", DefaultAutoFinalizeGrace),
		SweepInterval:     getEnvDuration("SWEEP_INTERVAL", DefaultSweepInterval),
		SweepBatchSize:    int(getEnvInt64("SWEEP_BATCH_SIZE", DefaultSweepBatchSize)),
		WebhookSecret:     os.Getenv("WEBHOOK_SECRET"),
		AdminSecret:       os.Getenv("ADMIN_SECRET"),
		OTLPEndpoint:      os.Getenv("OTLP_ENDPOINT"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all required configuration is present and sane.
func (c *Config) Validate() error {
	if c.PrivateKey != "" {
		key := c.PrivateKey
		if len(key) == 66 && key[:2] == "0x" {
			key = key[2:]
		}
		if len(key) != 64 {
			return fmt.Errorf("PRIVATE_KEY must be 64 hex characters (with or without 0x prefix)")
		}
	}

	if c.RPCURL == "" {
		return fmt.Errorf("RPC_URL is required")
	}

	if c.PlatformFeeBps < 0 || c.PlatformFeeBps > 10000 {
		return fmt.Errorf("PLATFORM_FEE_BPS out of range: %d", c.PlatformFeeBps)
	}
	if c.ReferralBps < 0 || c.PlatformFeeBps+c.ReferralBps > 10000 {
		return fmt.Errorf("REFERRAL_BPS out of range: %d", c.ReferralBps)
	}
	if c.MinIncrementBps <= 0 {
		return fmt.Errorf("MIN_INCREMENT_BPS must be positive")
	}
	if c.SweepBatchSize <= 0 {
		return fmt.Errorf("SWEEP_BATCH_SIZE must be positive")
	}

	return nil
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// IsProduction returns true if running in production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
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

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil && d > 0 {
			return d
		}
	}
	return defaultValue
}
