package main

import (
	"crypto/ed25519"
	"flag"
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"

	"Richee/internal/types"
)

// Config holds the oracle service configuration.
type Config struct {
	// DataPath is the directory of the ciphertext store.
	DataPath string `env:"RICHEE_ORACLE_DATA" envDefault:"./oracle-data"`

	// ListenAddr is the QUIC address clients and nodes connect to.
	ListenAddr string `env:"RICHEE_ORACLE_LISTEN" envDefault:":9000"`

	// KeyPath is the path to the Ed25519 private key file.
	KeyPath string `env:"RICHEE_ORACLE_KEY_PATH"`

	// NodeAddress is the HTTP address of a node whose async requests this
	// oracle answers. Empty disables the relay.
	NodeAddress string `env:"RICHEE_NODE"`

	// Trusted is the comma-separated list of ledger node addresses allowed
	// to bind scopes, request comparisons and push requests.
	Trusted string `env:"RICHEE_ORACLE_TRUSTED"`

	PollInterval time.Duration `env:"RICHEE_POLL_INTERVAL" envDefault:"1s"`

	LogLevel string `env:"RICHEE_LOG_LEVEL" envDefault:"info"`

	// PrivateKey is the oracle's Ed25519 key, loaded from KeyPath.
	PrivateKey ed25519.PrivateKey

	// TrustedNodes is parsed from Trusted.
	TrustedNodes []types.Address
}

// parseConfig reads the environment, then command-line flags.
func parseConfig(args []string) (*Config, error) {
	cfg := &Config{}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse environment:\n%w", err)
	}

	fs := flag.NewFlagSet("richee-oracle", flag.ContinueOnError)
	fs.StringVar(&cfg.DataPath, "data", cfg.DataPath, "Data directory path")
	fs.StringVar(&cfg.ListenAddr, "listen", cfg.ListenAddr, "QUIC listen address")
	fs.StringVar(&cfg.KeyPath, "key", cfg.KeyPath, "Ed25519 private key path (generates new if missing)")
	fs.StringVar(&cfg.NodeAddress, "node", cfg.NodeAddress, "Node HTTP address to relay async requests for")
	fs.StringVar(&cfg.Trusted, "trusted", cfg.Trusted, "Comma-separated trusted node addresses")
	fs.DurationVar(&cfg.PollInterval, "poll-interval", cfg.PollInterval, "Event poll interval")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "Log level: debug, info, warn, error")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	if cfg.Trusted != "" {
		nodes, err := types.ParseAddressList(cfg.Trusted)
		if err != nil {
			return nil, fmt.Errorf("trusted nodes:\n%w", err)
		}

		cfg.TrustedNodes = nodes
	}

	return cfg, nil
}
