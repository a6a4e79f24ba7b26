package remote

import (
	"context"
	"crypto/ed25519"
	"errors"
	"fmt"
	"log/slog"

	"github.com/fxamacker/cbor/v2"

	"Richee/internal/host"
	"Richee/internal/ledger"
	"Richee/internal/logger"
	"Richee/internal/network"
	"Richee/internal/oracle"
	"Richee/internal/types"
)

// ErrNotConnected is returned while the oracle connection is down.
var ErrNotConnected = errors.New("oracle not connected")

// Client calls a remote oracle. It implements ledger.Oracle, so a node can
// run synchronous comparisons against an oracle service.
type Client struct {
	node   *network.Node
	oracle types.Address
	log    *slog.Logger
}

var _ ledger.Oracle = (*Client)(nil)

// Dial connects to the oracle at addr, authenticating as key. The
// connection is re-established in the background if it drops.
func Dial(ctx context.Context, key ed25519.PrivateKey, addr string) (*Client, error) {
	node, err := network.NewNode(network.Config{PrivateKey: key})
	if err != nil {
		return nil, fmt.Errorf("create node:\n%w", err)
	}

	peer, err := node.Connect(ctx, addr)
	if err != nil {
		node.Close()
		return nil, fmt.Errorf("connect oracle:\n%w", err)
	}

	return &Client{node: node, oracle: peer.Address(), log: logger.With("component", "oracle-client")}, nil
}

// Oracle returns the oracle's principal address, the caller of its fulfillments.
func (c *Client) Oracle() types.Address {
	return c.oracle
}

// Close closes the connection.
func (c *Client) Close() error {
	return c.node.Close()
}

// PublicKey returns the oracle's ElGamal public key.
func (c *Client) PublicKey(ctx context.Context) ([]byte, error) {
	var key []byte
	if err := c.call(ctx, opPublicKey, nil, &key); err != nil {
		return nil, err
	}

	return key, nil
}

// Encrypt encrypts value for the calling principal, bound to scope.
func (c *Client) Encrypt(ctx context.Context, value uint64, scope types.Hash) (types.Handle, error) {
	var h types.Handle
	err := c.call(ctx, opEncrypt, encryptRequest{Value: value, Scope: scope}, &h)

	return h, err
}

// Bind registers a ledger configuration with the oracle. The client must be
// a trusted node of the oracle.
func (c *Client) Bind(ctx context.Context, cfg ledger.Config) error {
	return c.call(ctx, opBind, cfg, nil)
}

// CompareMax runs a comparison on the oracle.
func (c *Client) CompareMax(ctx context.Context, req ledger.CompareRequest) (ledger.Comparison, error) {
	var out ledger.Comparison
	err := c.call(ctx, opCompare, req, &out)

	return out, err
}

// Reencrypt asks for handle's plaintext sealed under recipientKey.
func (c *Client) Reencrypt(ctx context.Context, handle types.Handle, recipientKey []byte) (oracle.Sealed, error) {
	var s oracle.Sealed
	err := c.call(ctx, opReencrypt, reencryptRequest{Handle: handle, RecipientKey: recipientKey}, &s)

	return s, err
}

// Allow lets principal view a handle the caller owns.
func (c *Client) Allow(ctx context.Context, handle types.Handle, principal types.Address) error {
	return c.call(ctx, opAllow, allowRequest{Handle: handle, Principal: principal}, nil)
}

// Push sends ev to the oracle on a one-way stream. The oracle relays pushed
// comparison requests without waiting for its next poll.
func (c *Client) Push(ev host.Event) error {
	peer := c.node.Peer(c.oracle)
	if peer == nil {
		return ErrNotConnected
	}

	data, err := cbor.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode event:\n%w", err)
	}

	return peer.Send(data)
}

// Forwarder returns a host subscriber pushing committed comparison requests
// to the oracle.
func (c *Client) Forwarder() host.Subscriber {
	return func(rc host.Receipt) {
		for _, ev := range rc.Events {
			if ev.Topic != ledger.TopicComparisonRequested {
				continue
			}

			go func() {
				if err := c.Push(ev); err != nil {
					c.log.Warn("request push failed", "seq", ev.Seq, "error", err)
				}
			}()
		}
	}
}

func (c *Client) call(ctx context.Context, op string, body, out any) error {
	peer := c.node.Peer(c.oracle)
	if peer == nil {
		return ErrNotConnected
	}

	env := envelope{Op: op}

	if body != nil {
		raw, err := cbor.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode %s:\n%w", op, err)
		}

		env.Body = raw
	}

	data, err := cbor.Marshal(env)
	if err != nil {
		return fmt.Errorf("encode envelope:\n%w", err)
	}

	resp, err := peer.Request(ctx, data)
	if err != nil {
		return fmt.Errorf("%s:\n%w", op, err)
	}

	var r reply
	if err := cbor.Unmarshal(resp, &r); err != nil {
		return fmt.Errorf("decode reply:\n%w", err)
	}

	if r.Error != "" {
		return r.err()
	}

	if out == nil {
		return nil
	}

	if err := cbor.Unmarshal(r.Body, out); err != nil {
		return fmt.Errorf("decode %s result:\n%w", op, err)
	}

	return nil
}
