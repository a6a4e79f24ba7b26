package main

import (
	"crypto/ed25519"
	"encoding/hex"
	"flag"
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"

	"Richee/internal/ledger"
	"Richee/internal/types"
)

// Config holds the node configuration. Environment variables set the
// defaults and command-line flags override them.
type Config struct {
	// DataPath is the directory for persistent storage.
	DataPath string `env:"RICHEE_DATA" envDefault:"./data"`

	// HTTPAddress is the HTTP API listen address.
	HTTPAddress string `env:"RICHEE_HTTP" envDefault:":8080"`

	// OracleAddress is the QUIC address of the oracle service.
	OracleAddress string `env:"RICHEE_ORACLE_ADDR"`

	// KeyPath is the path to the Ed25519 private key file.
	KeyPath string `env:"RICHEE_KEY"`

	// Participants is a comma-separated list of participant addresses.
	Participants string `env:"RICHEE_PARTICIPANTS"`

	Disclosure string `env:"RICHEE_DISCLOSURE" envDefault:"flags"`
	Policy     string `env:"RICHEE_POLICY" envDefault:"open"`
	Mode       string `env:"RICHEE_MODE" envDefault:"sync"`

	// Oracle is the principal allowed to fulfill async requests.
	Oracle string `env:"RICHEE_ORACLE"`

	// OracleKey is the hex compressed BLS key of the oracle.
	OracleKey string `env:"RICHEE_ORACLE_KEY"`

	Salt uint64 `env:"RICHEE_SALT"`

	// Snapshot is a snapshot file path or node URL to import into empty storage.
	Snapshot string `env:"RICHEE_SNAPSHOT"`

	SnapshotInterval time.Duration `env:"RICHEE_SNAPSHOT_INTERVAL" envDefault:"30s"`

	LogLevel string `env:"RICHEE_LOG_LEVEL" envDefault:"info"`

	// PrivateKey is the node's Ed25519 key, loaded from KeyPath.
	PrivateKey ed25519.PrivateKey
}

// parseConfig reads the environment, then command-line flags.
func parseConfig(args []string) (*Config, error) {
	cfg := &Config{}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse environment:\n%w", err)
	}

	fs := flag.NewFlagSet("richee-node", flag.ContinueOnError)
	fs.StringVar(&cfg.DataPath, "data", cfg.DataPath, "Data directory path")
	fs.StringVar(&cfg.HTTPAddress, "http", cfg.HTTPAddress, "HTTP API address")
	fs.StringVar(&cfg.OracleAddress, "oracle-addr", cfg.OracleAddress, "Oracle service QUIC address")
	fs.StringVar(&cfg.KeyPath, "key", cfg.KeyPath, "Ed25519 private key path (generates new if missing)")
	fs.StringVar(&cfg.Participants, "participants", cfg.Participants, "Comma-separated participant addresses")
	fs.StringVar(&cfg.Disclosure, "disclosure", cfg.Disclosure, "Result disclosure: identity, flags, public-flags, public-identity")
	fs.StringVar(&cfg.Policy, "policy", cfg.Policy, "Finalize policy: open, participants")
	fs.StringVar(&cfg.Mode, "mode", cfg.Mode, "Oracle mode: sync, async")
	fs.StringVar(&cfg.Oracle, "oracle", cfg.Oracle, "Oracle principal address (async mode)")
	fs.StringVar(&cfg.OracleKey, "oracle-key", cfg.OracleKey, "Oracle BLS public key, hex (async mode)")
	fs.Uint64Var(&cfg.Salt, "salt", cfg.Salt, "Ledger salt")
	fs.StringVar(&cfg.Snapshot, "snapshot", cfg.Snapshot, "Snapshot file or node URL to bootstrap from")
	fs.DurationVar(&cfg.SnapshotInterval, "snapshot-interval", cfg.SnapshotInterval, "Snapshot refresh interval")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "Log level: debug, info, warn, error")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	return cfg, nil
}

// LedgerConfig builds the ledger configuration from the node settings.
func (c *Config) LedgerConfig() (ledger.Config, error) {
	var out ledger.Config
	var err error

	if out.Participants, err = types.ParseAddressList(c.Participants); err != nil {
		return out, fmt.Errorf("participants:\n%w", err)
	}

	if out.Disclosure, err = ledger.ParseDisclosure(c.Disclosure); err != nil {
		return out, err
	}

	if out.Policy, err = ledger.ParsePolicy(c.Policy); err != nil {
		return out, err
	}

	if out.Mode, err = ledger.ParseMode(c.Mode); err != nil {
		return out, err
	}

	if c.Oracle != "" {
		if out.Oracle, err = types.ParseAddress(c.Oracle); err != nil {
			return out, fmt.Errorf("oracle:\n%w", err)
		}
	}

	if c.OracleKey != "" {
		if out.OracleKey, err = hex.DecodeString(c.OracleKey); err != nil {
			return out, fmt.Errorf("oracle key:\n%w", err)
		}
	}

	out.Salt = c.Salt

	return out, out.Validate()
}
