package network

import (
	"context"
	"crypto/ed25519"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/quic-go/quic-go"

	"Richee/internal/types"
)

const (
	// defaultRequestTimeout bounds requests whose context has no deadline.
	defaultRequestTimeout = 30 * time.Second

	// errCodeHandler resets a request stream whose handler failed.
	errCodeHandler quic.StreamErrorCode = 1
)

// ErrPeerClosed is returned when using a closed peer.
var ErrPeerClosed = errors.New("peer is closed")

// Peer is an authenticated connection to a remote node.
type Peer struct {
	publicKey ed25519.PublicKey // publicKey is the key the peer proved in the TLS handshake
	address   types.Address     // address is the principal derived from publicKey
	remote    string            // remote is the network address
	conn      *quic.Conn
	node      *Node
	closed    atomic.Bool // closed is set once the connection is closed
	gone      atomic.Bool // gone is set once the node dropped the peer
	sendMu    sync.Mutex
}

// PublicKey returns the peer's ed25519 key.
func (p *Peer) PublicKey() ed25519.PublicKey {
	return p.publicKey
}

// Address returns the peer's principal address.
func (p *Peer) Address() types.Address {
	return p.address
}

// Remote returns the peer's network address.
func (p *Peer) Remote() string {
	return p.remote
}

// Send pushes data on a new unidirectional stream.
func (p *Peer) Send(data []byte) error {
	if p.closed.Load() {
		return ErrPeerClosed
	}

	p.sendMu.Lock()
	defer p.sendMu.Unlock()

	stream, err := p.conn.OpenUniStreamSync(context.Background())
	if err != nil {
		return fmt.Errorf("open stream:\n%w", err)
	}

	if err := writeMessage(stream, data); err != nil {
		stream.CancelWrite(errCodeHandler)
		return err
	}

	return stream.Close()
}

// Request sends data on a bidirectional stream and waits for the answer.
func (p *Peer) Request(ctx context.Context, data []byte) ([]byte, error) {
	if p.closed.Load() {
		return nil, ErrPeerClosed
	}

	stream, err := p.conn.OpenStreamSync(ctx)
	if err != nil {
		return nil, fmt.Errorf("open stream:\n%w", err)
	}
	defer stream.Close()

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(defaultRequestTimeout)
	}

	stream.SetDeadline(deadline)

	if err := writeMessage(stream, data); err != nil {
		return nil, fmt.Errorf("write request:\n%w", err)
	}

	response, err := readMessage(stream)
	if err != nil {
		return nil, fmt.Errorf("read response:\n%w", err)
	}

	return response, nil
}

// Close closes the connection.
func (p *Peer) Close() error {
	if p.closed.Swap(true) {
		return nil
	}

	return p.conn.CloseWithError(0, "closed")
}

// receiveLoop serves incoming streams until the connection ends.
func (p *Peer) receiveLoop(ctx context.Context) {
	go p.acceptRequests(ctx)

	for {
		stream, err := p.conn.AcceptUniStream(ctx)
		if err != nil {
			break
		}

		go p.handlePush(stream)
	}

	p.lost()
}

func (p *Peer) acceptRequests(ctx context.Context) {
	for {
		stream, err := p.conn.AcceptStream(ctx)
		if err != nil {
			return
		}

		go p.handleRequest(stream)
	}
}

// handleRequest answers one request. A failing handler resets the stream,
// so the requester fails fast instead of waiting for its deadline.
func (p *Peer) handleRequest(stream *quic.Stream) {
	data, err := readMessage(stream)
	if err != nil {
		stream.CancelWrite(errCodeHandler)
		return
	}

	response, err := p.node.handlersFor().request(p, data)
	if err != nil {
		p.node.log.Debug("request failed", "peer", p.address, "error", err)
		stream.CancelWrite(errCodeHandler)
		return
	}

	if err := writeMessage(stream, response); err != nil {
		p.node.log.Debug("write response failed", "peer", p.address, "error", err)
	}

	stream.Close()
}

func (p *Peer) handlePush(stream *quic.ReceiveStream) {
	data, err := readMessage(stream)
	if err != nil {
		p.node.log.Debug("push read failed", "peer", p.address, "error", err)
		return
	}

	if !p.node.dedup.First(data) {
		return
	}

	p.node.handlersFor().message(p, data)
}

// lost drops the peer from its node. Peers closed locally are not redialed.
func (p *Peer) lost() {
	remote := !p.closed.Swap(true)

	if p.gone.Swap(true) {
		return
	}

	p.node.peerLost(p, remote)
}
