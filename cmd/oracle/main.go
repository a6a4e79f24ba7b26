package main

import (
	"context"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"Richee/client"
	"Richee/internal/attest"
	"Richee/internal/host"
	"Richee/internal/logger"
	"Richee/internal/network"
	"Richee/internal/oracle"
	"Richee/internal/oracle/remote"
	"Richee/internal/storage"
)

// keyCursor stores the id of the last node event the relay handled.
var keyCursor = []byte("r:cursor")

func main() {
	if err := run(os.Args[1:]); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}

		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// run starts the oracle service and blocks until a shutdown signal.
func run(args []string) error {
	cfg, err := parseConfig(args)
	if err != nil {
		return err
	}

	logger.Init(cfg.LogLevel)

	if cfg.PrivateKey, err = client.LoadOrGenerateKey(cfg.KeyPath); err != nil {
		return fmt.Errorf("load key:\n%w", err)
	}

	db, err := storage.New(cfg.DataPath)
	if err != nil {
		return fmt.Errorf("open storage:\n%w", err)
	}
	defer db.Close()

	o := oracle.New(cfg.PrivateKey, db)

	bls, err := attest.FromED25519(cfg.PrivateKey)
	if err != nil {
		return fmt.Errorf("derive attestation key:\n%w", err)
	}

	node, err := network.NewNode(network.Config{PrivateKey: cfg.PrivateKey, ListenAddr: cfg.ListenAddr})
	if err != nil {
		return fmt.Errorf("create network:\n%w", err)
	}
	defer node.Close()

	srv := remote.NewServer(o, node, cfg.TrustedNodes)

	if err := node.Start(); err != nil {
		return fmt.Errorf("start network:\n%w", err)
	}

	logger.Info("oracle started",
		"address", node.Address(),
		"listen", node.Addr(),
		"pubkey", hex.EncodeToString(o.PublicKey()),
		"attestation", hex.EncodeToString(bls.PublicKey()),
		"trusted", len(cfg.TrustedNodes),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var wg sync.WaitGroup
	defer wg.Wait()

	if cfg.NodeAddress != "" {
		if err := startRelay(ctx, &wg, cfg, o, bls, db, srv); err != nil {
			return err
		}
	}

	<-ctx.Done()
	logger.Info("shutting down")

	return nil
}

// startRelay follows the node's event log and fulfills its async
// comparison requests with attested results. Requests pushed by trusted
// nodes reach the same relay.
func startRelay(ctx context.Context, wg *sync.WaitGroup, cfg *Config, o *oracle.Oracle, bls *attest.KeyPair, db *storage.Storage, srv *remote.Server) error {
	c, err := client.New(ctx, cfg.NodeAddress)
	if err != nil {
		return fmt.Errorf("connect node:\n%w", err)
	}

	ledgerCfg, err := c.Config(ctx)
	if err != nil {
		return fmt.Errorf("fetch ledger config:\n%w", err)
	}

	if err := o.Bind(ctx, ledgerCfg); err != nil {
		return fmt.Errorf("bind ledger:\n%w", err)
	}

	relay := oracle.NewRelay(o, bls, client.FromKey(cfg.PrivateKey).Fulfiller(c))
	srv.SetRelay(relay)

	after, err := loadCursor(db)
	if err != nil {
		return err
	}

	wg.Go(func() { relay.Run(ctx) })
	wg.Go(func() {
		c.Poll(ctx, after, cfg.PollInterval, func(ev host.Event) error {
			if err := relay.HandleEvent(ev); err != nil {
				return err
			}

			return db.Set(keyCursor, binary.BigEndian.AppendUint64(nil, ev.ID))
		})
	})

	logger.Info("relay started", "node", cfg.NodeAddress, "ledger", c.Ledger().Short(), "after", after)

	return nil
}

// loadCursor returns the persisted relay cursor, zero if none.
func loadCursor(db *storage.Storage) (uint64, error) {
	data, err := db.Get(keyCursor)
	if err != nil {
		return 0, fmt.Errorf("load cursor:\n%w", err)
	}

	if len(data) != 8 {
		return 0, nil
	}

	return binary.BigEndian.Uint64(data), nil
}
