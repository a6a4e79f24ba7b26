package remote

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/fxamacker/cbor/v2"

	"Richee/internal/host"
	"Richee/internal/ledger"
	"Richee/internal/logger"
	"Richee/internal/network"
	"Richee/internal/oracle"
	"Richee/internal/types"
)

// requestTimeout bounds the oracle work done for one request.
const requestTimeout = 30 * time.Second

// ErrNotTrusted is returned when an untrusted peer asks for a comparison or
// a scope binding.
var ErrNotTrusted = errors.New("peer is not a trusted ledger node")

// Server exposes an oracle to QUIC peers. The peer's certificate key is the
// principal: encrypt binds handles to it, reencrypt and allow check it.
// Comparisons, bindings and pushed events are accepted from trusted peers
// only.
type Server struct {
	oracle  *oracle.Oracle
	node    *network.Node
	trusted map[types.Address]bool
	relay   atomic.Pointer[oracle.Relay]
	log     *slog.Logger
}

// NewServer registers the oracle handlers on node. trusted lists the ledger
// nodes allowed to bind scopes, compare and push requests. The node must be
// started separately.
func NewServer(o *oracle.Oracle, node *network.Node, trusted []types.Address) *Server {
	s := &Server{
		oracle:  o,
		node:    node,
		trusted: make(map[types.Address]bool, len(trusted)),
		log:     logger.With("component", "oracle-rpc"),
	}

	for _, a := range trusted {
		s.trusted[a] = true
	}

	node.SetHandlers(network.Handlers{
		OnConnect:    func(p *network.Peer) { s.log.Debug("client connected", "peer", p.Address()) },
		OnDisconnect: func(p *network.Peer) { s.log.Debug("client disconnected", "peer", p.Address()) },
		OnMessage:    s.push,
		OnRequest:    s.handle,
	})

	return s
}

// SetRelay routes pushed comparison requests to r.
func (s *Server) SetRelay(r *oracle.Relay) {
	s.relay.Store(r)
}

// push hands an event pushed by a trusted node to the relay.
func (s *Server) push(p *network.Peer, data []byte) {
	if !s.trusted[p.Address()] {
		s.log.Warn("push from untrusted peer dropped", "peer", p.Address())
		return
	}

	r := s.relay.Load()
	if r == nil {
		s.log.Debug("push dropped, no relay", "peer", p.Address())
		return
	}

	var ev host.Event
	if err := cbor.Unmarshal(data, &ev); err != nil {
		s.log.Debug("push decode failed", "peer", p.Address(), "error", err)
		return
	}

	if err := r.HandleEvent(ev); err != nil {
		s.log.Warn("pushed request dropped", "peer", p.Address(), "error", err)
	}
}

// handle decodes one request and encodes its reply. Only undecodable
// envelopes fail the stream; operation errors travel in the reply.
func (s *Server) handle(p *network.Peer, data []byte) ([]byte, error) {
	var env envelope
	if err := cbor.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decode envelope:\n%w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()

	start := time.Now()

	body, err := s.dispatch(ctx, p, env)

	var r reply
	if err != nil {
		s.log.Debug("request failed", "op", env.Op, "peer", p.Address(), "error", err)
		r = failure(err)
	} else {
		s.log.Debug("request served", "op", env.Op, "peer", p.Address(), logger.Timed(start))
		r = reply{Body: body}
	}

	return cbor.Marshal(r)
}

func (s *Server) dispatch(ctx context.Context, p *network.Peer, env envelope) ([]byte, error) {
	switch env.Op {
	case opPublicKey:
		return cbor.Marshal(s.oracle.PublicKey())

	case opEncrypt:
		var req encryptRequest
		if err := decodeBody(env, &req); err != nil {
			return nil, err
		}

		h, err := s.oracle.Encrypt(ctx, req.Value, p.Address(), req.Scope)
		if err != nil {
			return nil, err
		}

		return cbor.Marshal(h)

	case opBind:
		if !s.trusted[p.Address()] {
			return nil, ErrNotTrusted
		}

		var cfg ledger.Config
		if err := decodeBody(env, &cfg); err != nil {
			return nil, err
		}

		return nil, s.oracle.Bind(ctx, cfg)

	case opCompare:
		if !s.trusted[p.Address()] {
			return nil, ErrNotTrusted
		}

		var req ledger.CompareRequest
		if err := decodeBody(env, &req); err != nil {
			return nil, err
		}

		c, err := s.oracle.CompareMax(ctx, req)
		if err != nil {
			return nil, err
		}

		return cbor.Marshal(c)

	case opReencrypt:
		var req reencryptRequest
		if err := decodeBody(env, &req); err != nil {
			return nil, err
		}

		sealed, err := s.oracle.Reencrypt(ctx, req.Handle, p.Address(), req.RecipientKey)
		if err != nil {
			return nil, err
		}

		return cbor.Marshal(sealed)

	case opAllow:
		var req allowRequest
		if err := decodeBody(env, &req); err != nil {
			return nil, err
		}

		return nil, s.oracle.Allow(ctx, req.Handle, p.Address(), req.Principal)

	default:
		return nil, fmt.Errorf("%w: unknown operation %q", oracle.ErrBadRequest, env.Op)
	}
}

func decodeBody(env envelope, v any) error {
	if err := cbor.Unmarshal(env.Body, v); err != nil {
		return fmt.Errorf("%w: %s body: %v", oracle.ErrBadRequest, env.Op, err)
	}

	return nil
}
