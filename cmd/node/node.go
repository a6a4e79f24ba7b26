package main

import (
	"context"
	"crypto/ed25519"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"Richee/client"
	"Richee/internal/api"
	"Richee/internal/host"
	"Richee/internal/ledger"
	"Richee/internal/logger"
	"Richee/internal/oracle/remote"
	"Richee/internal/snapshot"
	"Richee/internal/storage"
	"Richee/internal/types"
)

// startupTimeout bounds dialing the oracle and fetching a remote snapshot.
const startupTimeout = 30 * time.Second

// Node represents a running ledger node.
type Node struct {
	cfg         *Config
	storage     *storage.Storage
	host        *host.Host
	oracle      *remote.Client
	ledger      *ledger.Ledger
	snapManager *snapshot.Manager
	api         *api.Server
}

// NewNode creates and initializes a new node.
func NewNode(cfg *Config) (*Node, error) {
	n := &Node{cfg: cfg}

	ctx, cancel := context.WithTimeout(context.Background(), startupTimeout)
	defer cancel()

	if err := n.initStorage(ctx); err != nil {
		return nil, err
	}

	if err := n.initHost(); err != nil {
		n.Close()
		return nil, err
	}

	if err := n.initOracle(ctx); err != nil {
		n.Close()
		return nil, err
	}

	if err := n.initLedger(ctx); err != nil {
		n.Close()
		return nil, err
	}

	n.snapManager = snapshot.NewManager(n.storage, n.host, cfg.SnapshotInterval)
	n.api = api.New(cfg.HTTPAddress, n.ledger, n.host, n.snapManager)

	return n, nil
}

// initStorage opens the database and imports a snapshot into it if configured.
func (n *Node) initStorage(ctx context.Context) error {
	db, err := storage.New(n.cfg.DataPath)
	if err != nil {
		return fmt.Errorf("open storage:\n%w", err)
	}

	n.storage = db

	if n.cfg.Snapshot == "" {
		return nil
	}

	data, err := loadSnapshot(ctx, n.cfg.Snapshot)
	if err != nil {
		db.Close()
		return fmt.Errorf("load snapshot:\n%w", err)
	}

	snap, err := snapshot.Apply(db, data)
	if errors.Is(err, snapshot.ErrNotEmpty) {
		logger.Warn("storage not empty, snapshot ignored", "snapshot", n.cfg.Snapshot)
		return nil
	}

	if err != nil {
		db.Close()
		return fmt.Errorf("apply snapshot:\n%w", err)
	}

	logger.Info("snapshot imported", "seq", snap.Sequence, "entries", len(snap.Entries))

	return nil
}

// initHost resumes the execution host over storage.
func (n *Node) initHost() error {
	h, err := host.New(n.storage)
	if err != nil {
		return fmt.Errorf("create host:\n%w", err)
	}

	n.host = h

	return nil
}

// initOracle connects to the oracle service when an address is configured.
func (n *Node) initOracle(ctx context.Context) error {
	if n.cfg.OracleAddress == "" {
		return nil
	}

	c, err := remote.Dial(ctx, n.cfg.PrivateKey, n.cfg.OracleAddress)
	if err != nil {
		return fmt.Errorf("dial oracle:\n%w", err)
	}

	n.oracle = c

	logger.Info("oracle connected", "address", n.cfg.OracleAddress, "principal", c.Oracle())

	return nil
}

// initLedger opens the configured ledger, deploying it on first start.
func (n *Node) initLedger(ctx context.Context) error {
	cfg, err := n.cfg.LedgerConfig()
	if err != nil {
		return fmt.Errorf("ledger config:\n%w", err)
	}

	id, err := cfg.ID()
	if err != nil {
		return err
	}

	var oracle ledger.Oracle
	if n.oracle != nil {
		oracle = n.oracle
	}

	l, err := ledger.Open(n.host, oracle, id)
	switch {
	case errors.Is(err, ledger.ErrUnknownLedger):
		deployer := types.AddressFromPublicKey(n.cfg.PrivateKey.Public().(ed25519.PublicKey))
		l, err = ledger.Deploy(ctx, n.host, oracle, ledger.Origin{Caller: deployer}, cfg)
	case err == nil:
		// the oracle may have lost its binding since deployment
		err = l.Bind(ctx)
	}

	if err != nil {
		return fmt.Errorf("open ledger:\n%w", err)
	}

	n.ledger = l

	if n.oracle != nil && cfg.Mode == ledger.ModeAsync {
		n.host.Subscribe(n.oracle.Forwarder())
	}

	logger.Info("ledger ready", "id", l.ID(), "participants", len(cfg.Participants))

	return nil
}

// Run starts the node services and blocks until a shutdown signal.
func (n *Node) Run() error {
	n.snapManager.Start()

	if err := n.api.Start(); err != nil {
		n.Close()
		return fmt.Errorf("start api:\n%w", err)
	}

	logger.Info("node started", "http", n.cfg.HTTPAddress, "ledger", n.ledger.ID())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	logger.Info("shutting down")
	n.Close()

	return nil
}

// Close releases all node resources.
func (n *Node) Close() {
	if n.api != nil {
		if err := n.api.Stop(); err != nil {
			logger.Warn("api stop failed", "error", err)
		}
	}

	if n.snapManager != nil {
		n.snapManager.Stop()
	}

	if n.host != nil {
		n.host.Close()
	}

	if n.oracle != nil {
		n.oracle.Close()
	}

	if n.storage != nil {
		n.storage.Close()
	}
}

// loadSnapshot reads a snapshot from a file or downloads it from a node.
func loadSnapshot(ctx context.Context, source string) ([]byte, error) {
	if !strings.HasPrefix(source, "http://") && !strings.HasPrefix(source, "https://") {
		return os.ReadFile(source)
	}

	c, err := client.New(ctx, source)
	if err != nil {
		return nil, err
	}

	return c.Snapshot(ctx)
}
