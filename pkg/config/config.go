// Package config loads server configuration from an optional YAML file
// overlaid by environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/ShantanuVr/registry-adapter-api/pkg/archive"
	"github.com/ShantanuVr/registry-adapter-api/pkg/ledger/evm"
	"github.com/ShantanuVr/registry-adapter-api/pkg/observability"
)

// FileEnv names the variable holding the YAML config path.
const FileEnv = "REGISTRY_CONFIG"

// LedgerMode selects the ledger client.
type LedgerMode string

const (
	LedgerEVM LedgerMode = "evm"
	LedgerSim LedgerMode = "sim"
)

// Config holds server configuration.
type Config struct {
	Port        string `yaml:"port"`
	LogLevel    string `yaml:"log_level"`
	DatabaseURL string `yaml:"database_url"`
	RedisURL    string `yaml:"redis_url"`

	Auth          AuthConfig           `yaml:"auth"`
	Ledger        LedgerConfig         `yaml:"ledger"`
	Idempotency   IdempotencyConfig    `yaml:"idempotency"`
	RateLimit     RateLimitConfig      `yaml:"rate_limit"`
	Archive       archive.Config       `yaml:"archive"`
	Observability observability.Config `yaml:"observability"`
	AuditLogPath  string               `yaml:"audit_log_path"`
}

type AuthConfig struct {
	JWTSecret    string `yaml:"jwt_secret"`
	JWTPublicKey string `yaml:"jwt_public_key"`
	Issuer       string `yaml:"issuer"`
	Audience     string `yaml:"audience"`
	// Policy is a CEL expression over subject, org, role and action.
	Policy string `yaml:"policy"`
}

type LedgerConfig struct {
	Mode           LedgerMode    `yaml:"mode"`
	EVM            evm.Config    `yaml:"evm"`
	Confirmations  uint64        `yaml:"confirmations"`
	ConfirmTimeout time.Duration `yaml:"confirm_timeout"`
	PollInterval   time.Duration `yaml:"poll_interval"`
	// SubmitRate caps ledger submissions per second; 0 disables the cap.
	SubmitRate float64 `yaml:"submit_rate"`
}

type IdempotencyConfig struct {
	LeaseTTL     time.Duration `yaml:"lease_ttl"`
	ReplayWait   time.Duration `yaml:"replay_wait"`
	PendingAfter time.Duration `yaml:"pending_after"`
}

type RateLimitConfig struct {
	RPS   float64 `yaml:"rps"`
	Burst int     `yaml:"burst"`
}

// Default returns the built-in configuration: sqlite lite mode against the
// simulated ledger.
func Default() *Config {
	return &Config{
		Port:        "8080",
		LogLevel:    "INFO",
		DatabaseURL: "sqlite://data/registry.db",
		Ledger: LedgerConfig{
			Mode:           LedgerSim,
			Confirmations:  1,
			ConfirmTimeout: 2 * time.Minute,
			PollInterval:   time.Second,
		},
		Idempotency: IdempotencyConfig{
			LeaseTTL:     5 * time.Minute,
			ReplayWait:   30 * time.Second,
			PendingAfter: 10 * time.Minute,
		},
		RateLimit:     RateLimitConfig{RPS: 20, Burst: 40},
		Archive:       archive.Config{Type: archive.TypeFS, Dir: "data/evidence"},
		Observability: *observability.DefaultConfig(),
	}
}

// Load starts from Default, applies the YAML file named by REGISTRY_CONFIG
// if set, then environment overrides.
func Load() (*Config, error) {
	cfg := Default()
	if path := os.Getenv(FileEnv); path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnv() error {
	str := func(dst *string, key string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	str(&c.Port, "PORT")
	str(&c.LogLevel, "LOG_LEVEL")
	str(&c.DatabaseURL, "DATABASE_URL")
	str(&c.RedisURL, "REDIS_URL")
	str(&c.AuditLogPath, "AUDIT_LOG_PATH")
	str(&c.Auth.JWTSecret, "JWT_SECRET")
	str(&c.Auth.JWTPublicKey, "JWT_PUBLIC_KEY")
	str(&c.Auth.Issuer, "JWT_ISSUER")
	str(&c.Auth.Audience, "JWT_AUDIENCE")
	str(&c.Auth.Policy, "AUTHZ_POLICY")
	str(&c.Ledger.EVM.RPCURL, "LEDGER_RPC_URL")
	str(&c.Ledger.EVM.ContractAddress, "LEDGER_CONTRACT_ADDRESS")
	str(&c.Ledger.EVM.PrivateKey, "LEDGER_PRIVATE_KEY")
	str((*string)(&c.Ledger.Mode), "LEDGER_MODE")
	str((*string)(&c.Archive.Type), "ARCHIVE_TYPE")
	str(&c.Archive.Dir, "ARCHIVE_DIR")
	str(&c.Archive.S3Bucket, "ARCHIVE_S3_BUCKET")
	str(&c.Archive.S3Region, "ARCHIVE_S3_REGION")
	str(&c.Archive.S3Endpoint, "ARCHIVE_S3_ENDPOINT")
	str(&c.Archive.GCSBucket, "ARCHIVE_GCS_BUCKET")
	str(&c.Observability.OTLPEndpoint, "OTEL_EXPORTER_OTLP_ENDPOINT")

	if v := os.Getenv("OTEL_ENABLED"); v != "" {
		c.Observability.Enabled = v == "true"
	}

	durations := map[string]*time.Duration{
		"LEDGER_CONFIRM_TIMEOUT":  &c.Ledger.ConfirmTimeout,
		"LEDGER_POLL_INTERVAL":    &c.Ledger.PollInterval,
		"IDEMPOTENCY_LEASE_TTL":   &c.Idempotency.LeaseTTL,
		"IDEMPOTENCY_REPLAY_WAIT": &c.Idempotency.ReplayWait,
		"PENDING_AFTER":           &c.Idempotency.PendingAfter,
	}
	for key, dst := range durations {
		if v := os.Getenv(key); v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				return fmt.Errorf("%s: %w", key, err)
			}
			*dst = d
		}
	}

	if v := os.Getenv("LEDGER_CONFIRMATIONS"); v != "" {
		n, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			return fmt.Errorf("LEDGER_CONFIRMATIONS: %w", err)
		}
		c.Ledger.Confirmations = n
	}
	if v := os.Getenv("RATE_LIMIT_RPS"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("RATE_LIMIT_RPS: %w", err)
		}
		c.RateLimit.RPS = f
	}
	return nil
}

// Validate rejects configurations the server cannot start with.
func (c *Config) Validate() error {
	switch c.Ledger.Mode {
	case LedgerSim:
	case LedgerEVM:
		if c.Ledger.EVM.RPCURL == "" || c.Ledger.EVM.ContractAddress == "" || c.Ledger.EVM.PrivateKey == "" {
			return fmt.Errorf("evm ledger requires rpc url, contract address and private key")
		}
	default:
		return fmt.Errorf("unsupported ledger mode: %q", c.Ledger.Mode)
	}
	if c.Ledger.Confirmations == 0 {
		return fmt.Errorf("ledger confirmations must be at least 1")
	}
	if c.DatabaseURL == "" {
		return fmt.Errorf("database url is required")
	}
	return nil
}
