package config

import (
	"fmt"
	"math/big"
	"time"

	"github.com/caarlos0/env/v11"
)

const (
	defaultJWTSecret   = "dev-jwt-secret"
	defaultAdminSecret = "dev-admin-secret"

	ModeSimulated = "simulated"
	ModeEthereum  = "ethereum"
)

type Config struct {
	Env  string `env:"APP_ENV" envDefault:"development"`
	Port string `env:"PORT" envDefault:"8080"`

	JWTSecret   string        `env:"JWT_SECRET" envDefault:"dev-jwt-secret"`
	JWTTTL      time.Duration `env:"JWT_TTL" envDefault:"24h"`
	AdminSecret string        `env:"ADMIN_SECRET" envDefault:"dev-admin-secret"`

	DatabaseDriver string `env:"DATABASE_DRIVER" envDefault:"sqlite"`
	DatabaseURL    string `env:"DATABASE_URL" envDefault:"settlement.db"`

	RedisURL  string `env:"REDIS_URL"`
	RedisPass string `env:"REDIS_PASSWORD"`
	RedisDB   int    `env:"REDIS_DB" envDefault:"0"`

	SessionTTL           time.Duration `env:"SESSION_TTL" envDefault:"30m"`
	SessionSweepInterval time.Duration `env:"SESSION_SWEEP_INTERVAL" envDefault:"1m"`
	SessionLeaseTTL      time.Duration `env:"SESSION_LEASE_TTL" envDefault:"2m"`
	ReconcileInterval    time.Duration `env:"RECONCILE_INTERVAL" envDefault:"10m"`

	OracleMode         string        `env:"ORACLE_MODE" envDefault:"simulated"`
	OracleRPCURL       string        `env:"ORACLE_RPC_URL"`
	OracleContract     string        `env:"ORACLE_CONTRACT"`
	OraclePrivateKey   string        `env:"ORACLE_PRIVATE_KEY"`
	OracleChainID      int64         `env:"ORACLE_CHAIN_ID" envDefault:"1"`
	OracleTimeout      time.Duration `env:"ORACLE_TIMEOUT" envDefault:"60s"`
	OraclePollInterval time.Duration `env:"ORACLE_POLL_INTERVAL" envDefault:"2s"`
	OracleFeeBudget    string        `env:"ORACLE_FEE_BUDGET" envDefault:"1000000000000000"`

	DepositMode          string        `env:"DEPOSIT_MODE" envDefault:"simulated"`
	DepositRPCURL        string        `env:"DEPOSIT_RPC_URL"`
	DepositInterval      time.Duration `env:"DEPOSIT_INTERVAL" envDefault:"5s"`
	DepositConfirmations uint64        `env:"DEPOSIT_CONFIRMATIONS" envDefault:"3"`

	KeystoreDir        string `env:"KEYSTORE_DIR"`
	KeystorePassphrase string `env:"KEYSTORE_PASSPHRASE"`
}

// Load parses the process environment into a Config and validates it.
func Load() (*Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// FeeBudget returns the per-request oracle fee ceiling in wei.
func (c *Config) FeeBudget() (*big.Int, error) {
	budget, ok := new(big.Int).SetString(c.OracleFeeBudget, 10)
	if !ok || budget.Sign() < 0 {
		return nil, fmt.Errorf("invalid ORACLE_FEE_BUDGET %q", c.OracleFeeBudget)
	}
	return budget, nil
}

func (c *Config) Validate() error {
	if c.IsProduction() {
		if c.JWTSecret == defaultJWTSecret || c.AdminSecret == defaultAdminSecret {
			return fmt.Errorf("JWT_SECRET and ADMIN_SECRET must be set in production")
		}
	}

	switch c.DatabaseDriver {
	case "postgres", "sqlite":
	default:
		return fmt.Errorf("unsupported DATABASE_DRIVER %q", c.DatabaseDriver)
	}

	switch c.OracleMode {
	case ModeSimulated:
	case ModeEthereum:
		if c.OracleRPCURL == "" || c.OracleContract == "" || c.OraclePrivateKey == "" {
			return fmt.Errorf("ORACLE_RPC_URL, ORACLE_CONTRACT and ORACLE_PRIVATE_KEY are required in ethereum mode")
		}
	default:
		return fmt.Errorf("unsupported ORACLE_MODE %q", c.OracleMode)
	}

	switch c.DepositMode {
	case ModeSimulated:
	case ModeEthereum:
		if c.DepositRPCURL == "" {
			return fmt.Errorf("DEPOSIT_RPC_URL is required in ethereum mode")
		}
	default:
		return fmt.Errorf("unsupported DEPOSIT_MODE %q", c.DepositMode)
	}

	if c.DepositConfirmations == 0 {
		return fmt.Errorf("DEPOSIT_CONFIRMATIONS must be at least 1")
	}
	if c.SessionTTL <= 0 || c.OracleTimeout <= 0 {
		return fmt.Errorf("SESSION_TTL and ORACLE_TIMEOUT must be positive")
	}
	if c.SessionLeaseTTL <= c.OracleTimeout {
		return fmt.Errorf("SESSION_LEASE_TTL must exceed ORACLE_TIMEOUT")
	}

	if _, err := c.FeeBudget(); err != nil {
		return err
	}
	return nil
}
