// Package config loads the relayer configuration: a YAML file for the
// durable shape, environment variables layered on top for deploy-time
// overrides, and an optional .env file for local runs.
package config

import (
	"fmt"
	"math/big"
	"os"
	"strings"
	"time"

	"github.com/joeshaw/envdecode"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config is the full relayer configuration.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Logging  LoggingConfig  `yaml:"logging"`
	Database DatabaseConfig `yaml:"database"`
	Chain    ChainConfig    `yaml:"chain"`
	Bridge   BridgeConfig   `yaml:"bridge"`
	Oracle   OracleConfig   `yaml:"oracle"`
	Alerts   AlertsConfig   `yaml:"alerts"`
}

type ServerConfig struct {
	Host            string        `yaml:"host" env:"SERVER_HOST,default=0.0.0.0"`
	Port            int           `yaml:"port" env:"SERVER_PORT,default=8080"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"SERVER_SHUTDOWN_TIMEOUT,default=15s"`
	// AuditLog, when set, persists admin audit entries as JSONL at this path.
	AuditLog string `yaml:"audit_log" env:"SERVER_AUDIT_LOG,default="`
}

type LoggingConfig struct {
	Level  string `yaml:"level" env:"LOG_LEVEL,default=info"`
	Format string `yaml:"format" env:"LOG_FORMAT,default=json"`
	Output string `yaml:"output" env:"LOG_OUTPUT,default=stdout"`
}

type DatabaseConfig struct {
	// DSN empty selects the in-memory stores.
	DSN          string `yaml:"dsn" env:"DATABASE_DSN"`
	MaxOpenConns int    `yaml:"max_open_conns" env:"DATABASE_MAX_OPEN_CONNS,default=10"`
}

type ChainConfig struct {
	RPCURL       string        `yaml:"rpc_url" env:"CHAIN_RPC_URL"`
	Timeout      time.Duration `yaml:"timeout" env:"CHAIN_TIMEOUT,default=30s"`
	PollInterval time.Duration `yaml:"poll_interval" env:"CHAIN_POLL_INTERVAL,default=30s"`
}

type BridgeConfig struct {
	SourceChain           string        `yaml:"source_chain" env:"BRIDGE_SOURCE_CHAIN,default=neo"`
	RequiredConfirmations uint64        `yaml:"required_confirmations" env:"BRIDGE_REQUIRED_CONFIRMATIONS,default=6"`
	PendingTTL            time.Duration `yaml:"pending_ttl" env:"BRIDGE_PENDING_TTL,default=72h"`
	MinDeposit            string        `yaml:"min_deposit" env:"BRIDGE_MIN_DEPOSIT,default=1000000000000000"`
	MaxDeposit            string        `yaml:"max_deposit" env:"BRIDGE_MAX_DEPOSIT,default=1000000000000000000000"`
	WithdrawalFee         string        `yaml:"withdrawal_fee" env:"BRIDGE_WITHDRAWAL_FEE,default=1000000000000000"`
	PayoutTimeout         time.Duration `yaml:"payout_timeout" env:"BRIDGE_PAYOUT_TIMEOUT,default=30m"`
	// Signers is the attestation allow-list, comma-separated hex addresses.
	Signers []string `yaml:"signers" env:"BRIDGE_SIGNERS"`
	// AttestorKey is an optional hex-encoded secp256k1 key for in-process
	// attestation. Its address must be listed in Signers.
	AttestorKey string `yaml:"attestor_key" env:"BRIDGE_ATTESTOR_KEY"`
}

type OracleConfig struct {
	MinGasPrice    string        `yaml:"min_gas_price" env:"ORACLE_MIN_GAS_PRICE,default=1000000000"`
	MaxGasPrice    string        `yaml:"max_gas_price" env:"ORACLE_MAX_GAS_PRICE,default=500000000000"`
	UpdateInterval time.Duration `yaml:"update_interval" env:"ORACLE_UPDATE_INTERVAL,default=5m"`
	FeeMultiplier  int64         `yaml:"fee_multiplier" env:"ORACLE_FEE_MULTIPLIER,default=110"`
	DailyCap       string        `yaml:"daily_cap" env:"ORACLE_DAILY_CAP,default=10000000000000000000"`
	RefreshSpec    string        `yaml:"refresh_spec" env:"ORACLE_REFRESH_SPEC,default=@every 5m"`
	Admins         []string      `yaml:"admins" env:"ORACLE_ADMINS"`
}

type AlertsConfig struct {
	WebhookURL   string `yaml:"webhook_url" env:"ALERT_WEBHOOK_URL"`
	Environment  string `yaml:"environment" env:"ALERT_ENVIRONMENT,default=development"`
	MaxPerMinute int    `yaml:"max_per_minute" env:"ALERT_MAX_PER_MINUTE,default=30"`
}

// Load reads the YAML file at path (skipped when empty or missing), then
// applies environment overrides. A .env file in the working directory is
// honoured for local runs.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	var cfg Config
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("read config %s: %w", path, err)
			}
		} else if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	if err := envdecode.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("decode environment: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server port %d out of range", c.Server.Port)
	}
	if c.Oracle.FeeMultiplier < 100 || c.Oracle.FeeMultiplier > 150 {
		return fmt.Errorf("fee multiplier %d outside [100,150]", c.Oracle.FeeMultiplier)
	}
	for _, field := range []struct{ name, value string }{
		{"bridge.min_deposit", c.Bridge.MinDeposit},
		{"bridge.max_deposit", c.Bridge.MaxDeposit},
		{"bridge.withdrawal_fee", c.Bridge.WithdrawalFee},
		{"oracle.min_gas_price", c.Oracle.MinGasPrice},
		{"oracle.max_gas_price", c.Oracle.MaxGasPrice},
		{"oracle.daily_cap", c.Oracle.DailyCap},
	} {
		if _, err := ParseWei(field.value); err != nil {
			return fmt.Errorf("%s: %w", field.name, err)
		}
	}
	return nil
}

// Addr returns the server listen address.
func (c ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// ParseWei parses a base-10 wei amount.
func ParseWei(raw string) (*big.Int, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return big.NewInt(0), nil
	}
	v, ok := new(big.Int).SetString(trimmed, 10)
	if !ok || v.Sign() < 0 {
		return nil, fmt.Errorf("invalid wei amount %q", raw)
	}
	return v, nil
}

// MustWei parses a base-10 wei amount that was already validated.
func MustWei(raw string) *big.Int {
	v, err := ParseWei(raw)
	if err != nil {
		panic(err)
	}
	return v
}
