package network

import (
	"context"
	"crypto/ed25519"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/quic-go/quic-go"

	"Richee/internal/logger"
	"Richee/internal/types"
)

const (
	// defaultReconnectDelay is the initial delay between reconnection attempts.
	defaultReconnectDelay = 2 * time.Second

	// maxReconnectDelay caps the reconnection backoff.
	maxReconnectDelay = 60 * time.Second

	// alpnProtocol is the ALPN protocol identifier.
	alpnProtocol = "richee/1"
)

// ErrNoHandler is returned to a requester when no request handler is set.
var ErrNoHandler = errors.New("no request handler registered")

// Config holds the configuration for a Node.
type Config struct {
	PrivateKey     ed25519.PrivateKey // PrivateKey is the node identity; peers see its address
	ListenAddr     string             // ListenAddr is the address to listen on, empty for dial-only nodes
	ReconnectDelay time.Duration      // ReconnectDelay is the initial delay before redialing a lost peer
	DedupTTL       time.Duration      // DedupTTL is how long pushed messages are deduplicated
}

// Handlers are the callbacks a node dispatches to. Any may be nil.
type Handlers struct {
	OnConnect    func(*Peer)                         // OnConnect runs when a peer connects
	OnDisconnect func(*Peer)                         // OnDisconnect runs when a peer is lost
	OnMessage    func(*Peer, []byte)                 // OnMessage handles pushed messages, deduplicated
	OnRequest    func(*Peer, []byte) ([]byte, error) // OnRequest answers request/response streams
}

// Node is a QUIC endpoint authenticated by an ed25519 key. It accepts and
// dials peers, pushes messages and serves requests.
type Node struct {
	privateKey ed25519.PrivateKey
	address    types.Address
	listenAddr string
	tlsConfig  *tls.Config
	quicConfig *quic.Config

	listener *quic.Listener

	peersMu sync.RWMutex
	peers   map[types.Address]*Peer

	dialedMu sync.RWMutex
	dialed   map[types.Address]string // dialed maps peers this node dialed to their address

	reconnectDelay time.Duration
	dedup          *Dedup

	handlersMu sync.RWMutex
	handlers   Handlers

	closeOnce sync.Once

	log    *slog.Logger
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewNode creates a node. Call Start to accept connections.
func NewNode(cfg Config) (*Node, error) {
	if cfg.PrivateKey == nil {
		return nil, fmt.Errorf("private key is required")
	}

	reconnectDelay := cfg.ReconnectDelay
	if reconnectDelay == 0 {
		reconnectDelay = defaultReconnectDelay
	}

	cert, err := selfSignedCertificate(cfg.PrivateKey)
	if err != nil {
		return nil, fmt.Errorf("generate certificate:\n%w", err)
	}

	tlsConfig := &tls.Config{
		Certificates:       []tls.Certificate{cert},
		ClientAuth:         tls.RequireAnyClientCert,
		InsecureSkipVerify: true, // identity is the certificate key, checked by peerIdentity
		NextProtos:         []string{alpnProtocol},
		MinVersion:         tls.VersionTLS13,
	}

	quicConfig := &quic.Config{
		MaxIdleTimeout:  30 * time.Second,
		KeepAlivePeriod: 10 * time.Second,
	}

	ctx, cancel := context.WithCancel(context.Background())
	address := types.AddressFromPublicKey(cfg.PrivateKey.Public().(ed25519.PublicKey))

	return &Node{
		privateKey:     cfg.PrivateKey,
		address:        address,
		listenAddr:     cfg.ListenAddr,
		tlsConfig:      tlsConfig,
		quicConfig:     quicConfig,
		peers:          make(map[types.Address]*Peer),
		dialed:         make(map[types.Address]string),
		reconnectDelay: reconnectDelay,
		dedup:          NewDedup(cfg.DedupTTL),
		log:            logger.With("component", "network", "self", address),
		ctx:            ctx,
		cancel:         cancel,
	}, nil
}

// Address returns the node's principal address.
func (n *Node) Address() types.Address {
	return n.address
}

// Addr returns the listener address, empty if not listening.
func (n *Node) Addr() string {
	if n.listener == nil {
		return ""
	}

	return n.listener.Addr().String()
}

// SetHandlers replaces the node callbacks.
func (n *Node) SetHandlers(h Handlers) {
	n.handlersMu.Lock()
	n.handlers = h
	n.handlersMu.Unlock()
}

// Start listens on the configured address.
func (n *Node) Start() error {
	if n.listenAddr == "" {
		return fmt.Errorf("listen address is required")
	}

	listener, err := quic.ListenAddr(n.listenAddr, n.tlsConfig, n.quicConfig)
	if err != nil {
		return fmt.Errorf("listen:\n%w", err)
	}

	n.listener = listener

	n.wg.Add(1)
	go n.acceptLoop()

	n.log.Info("listening", "addr", n.Addr())

	return nil
}

// Connect dials addr and runs OnConnect. The peer is redialed with backoff if the connection drops.
func (n *Node) Connect(ctx context.Context, addr string) (*Peer, error) {
	conn, err := quic.DialAddr(ctx, addr, n.tlsConfig, n.quicConfig)
	if err != nil {
		return nil, fmt.Errorf("dial %s:\n%w", addr, err)
	}

	peer, err := n.setupPeer(conn, addr)
	if err != nil {
		conn.CloseWithError(1, "setup failed")
		return nil, err
	}

	n.dialedMu.Lock()
	n.dialed[peer.address] = addr
	n.dialedMu.Unlock()

	n.handlersFor().connect(peer)

	return peer, nil
}

// Forget stops redialing a peer.
func (n *Node) Forget(addr types.Address) {
	n.dialedMu.Lock()
	delete(n.dialed, addr)
	n.dialedMu.Unlock()
}

// Peers returns the connected peers.
func (n *Node) Peers() []*Peer {
	n.peersMu.RLock()
	defer n.peersMu.RUnlock()

	peers := make([]*Peer, 0, len(n.peers))
	for _, p := range n.peers {
		peers = append(peers, p)
	}

	return peers
}

// Peer returns the connected peer with the given address, or nil.
func (n *Node) Peer(addr types.Address) *Peer {
	n.peersMu.RLock()
	defer n.peersMu.RUnlock()

	return n.peers[addr]
}

// Close stops the node and closes every connection. It is safe to call twice.
func (n *Node) Close() error {
	n.closeOnce.Do(n.shutdown)

	return nil
}

func (n *Node) shutdown() {
	n.cancel()

	if n.listener != nil {
		n.listener.Close()
	}

	n.peersMu.Lock()
	for _, p := range n.peers {
		p.Close()
	}
	n.peers = make(map[types.Address]*Peer)
	n.peersMu.Unlock()

	n.dedup.Close()
	n.wg.Wait()
}

func (n *Node) acceptLoop() {
	defer n.wg.Done()

	for {
		conn, err := n.listener.Accept(n.ctx)
		if err != nil {
			return
		}

		go n.handleIncoming(conn)
	}
}

func (n *Node) handleIncoming(conn *quic.Conn) {
	peer, err := n.setupPeer(conn, conn.RemoteAddr().String())
	if err != nil {
		n.log.Debug("rejected connection", "remote", conn.RemoteAddr(), "error", err)
		conn.CloseWithError(1, "setup failed")
		return
	}

	n.handlersFor().connect(peer)
}

// setupPeer registers an authenticated connection and starts its receive loop.
func (n *Node) setupPeer(conn *quic.Conn, addr string) (*Peer, error) {
	pub, err := peerIdentity(conn.ConnectionState().TLS)
	if err != nil {
		return nil, err
	}

	peer := &Peer{
		publicKey: pub,
		address:   types.AddressFromPublicKey(pub),
		remote:    addr,
		conn:      conn,
		node:      n,
	}

	n.peersMu.Lock()
	if old := n.peers[peer.address]; old != nil {
		old.Close()
	}
	n.peers[peer.address] = peer
	n.peersMu.Unlock()

	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		peer.receiveLoop(n.ctx)
	}()

	n.log.Debug("peer connected", "peer", peer.address, "remote", addr)

	return peer, nil
}

// peerLost removes a peer and redials it if this node dialed it and the
// connection dropped remotely.
func (n *Node) peerLost(p *Peer, remote bool) {
	n.peersMu.Lock()
	if n.peers[p.address] == p {
		delete(n.peers, p.address)
	}
	n.peersMu.Unlock()

	n.handlersFor().disconnect(p)

	n.dialedMu.RLock()
	_, redial := n.dialed[p.address]
	n.dialedMu.RUnlock()

	if !redial || !remote || n.ctx.Err() != nil {
		return
	}

	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		n.redial(p.address)
	}()
}

// redial reconnects to a lost peer with exponential backoff.
func (n *Node) redial(addr types.Address) {
	delay := n.reconnectDelay

	for {
		select {
		case <-n.ctx.Done():
			return
		case <-time.After(delay):
		}

		n.dialedMu.RLock()
		remote, ok := n.dialed[addr]
		n.dialedMu.RUnlock()

		if !ok || n.Peer(addr) != nil {
			return
		}

		peer, err := n.Connect(n.ctx, remote)
		if err == nil {
			n.log.Info("peer reconnected", "peer", peer.address)
			return
		}

		n.log.Debug("redial failed", "peer", addr, "error", err)

		delay *= 2
		if delay > maxReconnectDelay {
			delay = maxReconnectDelay
		}
	}
}

func (n *Node) handlersFor() Handlers {
	n.handlersMu.RLock()
	defer n.handlersMu.RUnlock()

	return n.handlers
}

func (h Handlers) connect(p *Peer) {
	if h.OnConnect != nil {
		h.OnConnect(p)
	}
}

func (h Handlers) disconnect(p *Peer) {
	if h.OnDisconnect != nil {
		h.OnDisconnect(p)
	}
}

func (h Handlers) message(p *Peer, data []byte) {
	if h.OnMessage != nil {
		h.OnMessage(p, data)
	}
}

func (h Handlers) request(p *Peer, data []byte) ([]byte, error) {
	if h.OnRequest == nil {
		return nil, ErrNoHandler
	}

	return h.OnRequest(p, data)
}
