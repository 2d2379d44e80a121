// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port     string
	Env      string // "development", "staging", "production"
	LogLevel string
	LogJSON  bool

	// Database
	DatabaseURL string // PostgreSQL connection string (optional, uses in-memory if not set)

	// Ledger settings. An empty RPCURL selects the in-process simulated ledger.
	RPCURL         string
	ChainID        int64
	EscrowProgram  string
	Confirmations  uint64
	ConfirmTimeout time.Duration

	// Dispute arbiters: addresses from ARBITERS plus any listed in ARBITERS_FILE.
	Arbiters []string

	// Reconciliation sweeper; zero disables it.
	ReconcileInterval time.Duration

	// Security
	AdminSecret string

	// Tracing; empty disables the OTLP exporter.
	OTLPEndpoint string
}

// Base Sepolia defaults
const (
	DefaultChainID           = 84532 // Base Sepolia
	DefaultEscrowProgram     = "0x00000000000000000000000000000000000E5c40"
	DefaultPort              = "8080"
	DefaultEnv               = "development"
	DefaultLogLevel          = "info"
	DefaultConfirmations     = 3
	DefaultConfirmTimeout    = 90 * time.Second
	DefaultReconcileInterval = time.Minute
)

// arbiterFile is the ARBITERS_FILE layout:
//
//	arbiters:
//	  - address: "0xabc..."
//	    name: "ops on-call"
type arbiterFile struct {
	Arbiters []struct {
		Address string `yaml:"address"`
		Name    string `yaml:"name"`
	} `yaml:"arbiters"`
}

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Port:              getEnv("PORT", DefaultPort),
		Env:               getEnv("ENV", DefaultEnv),
		LogLevel:          getEnv("LOG_LEVEL", DefaultLogLevel),
		DatabaseURL:       os.Getenv("DATABASE_URL"),
		RPCURL:            os.Getenv("RPC_URL"),
		ChainID:           getEnvInt64("CHAIN_ID", DefaultChainID),
		EscrowProgram:     getEnv("ESCROW_PROGRAM", DefaultEscrowProgram),
		Confirmations:     uint64(getEnvInt64("CONFIRMATIONS", DefaultConfirmations)), //nolint:gosec // validated below
		ConfirmTimeout:    getEnvDuration("CONFIRM_TIMEOUT", DefaultConfirmTimeout),
		ReconcileInterval: getEnvDuration("RECONCILE_INTERVAL", DefaultReconcileInterval),
		AdminSecret:       os.Getenv("ADMIN_SECRET"),
		OTLPEndpoint:      os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
	}
	cfg.LogJSON = cfg.IsProduction()
	cfg.Arbiters = splitList(os.Getenv("ARBITERS"))

	if path := os.Getenv("ARBITERS_FILE"); path != "" {
		fromFile, err := LoadArbitersFile(path)
		if err != nil {
			return nil, err
		}
		cfg.Arbiters = append(cfg.Arbiters, fromFile...)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// LoadArbitersFile reads arbiter addresses from a YAML roster.
func LoadArbitersFile(path string) ([]string, error) {
	data, err := os.ReadFile(path) //nolint:gosec // operator-supplied path
	if err != nil {
		return nil, fmt.Errorf("read ARBITERS_FILE: %w", err)
	}
	var f arbiterFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse ARBITERS_FILE: %w", err)
	}
	out := make([]string, 0, len(f.Arbiters))
	for _, a := range f.Arbiters {
		out = append(out, strings.TrimSpace(a.Address))
	}
	return out, nil
}

// Validate checks that all required configuration is present
func (c *Config) Validate() error {
	if !common.IsHexAddress(c.EscrowProgram) {
		return fmt.Errorf("ESCROW_PROGRAM must be a hex address")
	}
	if c.ChainID <= 0 {
		return fmt.Errorf("CHAIN_ID must be positive")
	}
	if c.ConfirmTimeout <= 0 {
		return fmt.Errorf("CONFIRM_TIMEOUT must be positive")
	}
	for _, a := range c.Arbiters {
		if !common.IsHexAddress(a) {
			return fmt.Errorf("arbiter %q is not a hex address", a)
		}
	}
	if c.IsProduction() {
		if c.RPCURL == "" {
			return fmt.Errorf("RPC_URL is required in production")
		}
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required in production")
		}
		if c.AdminSecret == "" {
			return fmt.Errorf("ADMIN_SECRET is required in production")
		}
	}
	return nil
}

// UsesSimulatedLedger reports whether no RPC endpoint was configured.
func (c *Config) UsesSimulatedLedger() bool {
	return c.RPCURL == ""
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
