package oracle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/google/uuid"

	"Richee/internal/attest"
	"Richee/internal/host"
	"Richee/internal/ledger"
	"Richee/internal/logger"
	"Richee/internal/network"
	"Richee/internal/types"
)

const (
	// defaultRelayBuffer is the number of queued comparison jobs.
	defaultRelayBuffer = 64

	// retryDelay is the pause before retrying a failed fulfillment.
	retryDelay = 500 * time.Millisecond

	// maxAttempts bounds fulfillment retries per job.
	maxAttempts = 5

	// seenTTL is how long a queued correlation id is remembered.
	seenTTL = 10 * time.Minute
)

// ErrQueueFull is returned when the relay cannot accept more jobs.
var ErrQueueFull = errors.New("relay queue full")

// Fulfiller delivers an attested result to a ledger.
type Fulfiller interface {
	Fulfill(ctx context.Context, ledgerID, correlation types.Hash, result, signature []byte) error
}

// FulfillerFunc adapts a function to Fulfiller.
type FulfillerFunc func(ctx context.Context, ledgerID, correlation types.Hash, result, signature []byte) error

// Fulfill calls f.
func (f FulfillerFunc) Fulfill(ctx context.Context, ledgerID, correlation types.Hash, result, signature []byte) error {
	return f(ctx, ledgerID, correlation, result, signature)
}

// job is one pending comparison.
type job struct {
	id      string
	ledger  types.Hash
	request ledger.ComparisonRequested
}

// Relay answers asynchronous comparison requests: it runs CompareMax,
// attests the encoded result with the oracle BLS key and fulfills it.
type Relay struct {
	oracle *Oracle
	key    *attest.KeyPair
	out    Fulfiller
	jobs   chan job
	log    *slog.Logger

	seen *network.Dedup // seen filters requests already queued
}

// NewRelay creates a relay. Run must be called once to process jobs; it
// releases the relay when it returns.
func NewRelay(o *Oracle, key *attest.KeyPair, out Fulfiller) *Relay {
	return &Relay{
		oracle: o,
		key:    key,
		out:    out,
		jobs:   make(chan job, defaultRelayBuffer),
		log:    logger.With("component", "relay"),
		seen:   network.NewDedup(seenTTL),
	}
}

// HandleEvent queues a ComparisonRequested event. Other topics are ignored,
// and a request already queued through another path is dropped.
func (r *Relay) HandleEvent(ev host.Event) error {
	if ev.Topic != ledger.TopicComparisonRequested {
		return nil
	}

	var req ledger.ComparisonRequested
	if err := cbor.Unmarshal(ev.Data, &req); err != nil {
		return fmt.Errorf("decode request:\n%w", err)
	}

	if req.Request.Scope != ev.Contract {
		return fmt.Errorf("%w: scope %s requested by ledger %s", ErrBadRequest, req.Request.Scope.Short(), ev.Contract.Short())
	}

	key := requestKey(ev.Contract, req.Correlation)

	if !r.seen.First(key) {
		return nil
	}

	j := job{id: uuid.NewString(), ledger: ev.Contract, request: req}

	select {
	case r.jobs <- j:
		r.log.Debug("comparison queued", "job", j.id, "correlation", req.Correlation.Short())
		return nil
	default:
		r.seen.Forget(key)
		return ErrQueueFull
	}
}

func requestKey(ledgerID, correlation types.Hash) []byte {
	return append(ledgerID[:], correlation[:]...)
}

// Subscriber returns a host subscriber feeding committed events to the relay.
func (r *Relay) Subscriber() host.Subscriber {
	return func(rc host.Receipt) {
		for _, ev := range rc.Events {
			if err := r.HandleEvent(ev); err != nil {
				r.log.Warn("comparison dropped", "error", err)
			}
		}
	}
}

// Run processes jobs until ctx is cancelled.
func (r *Relay) Run(ctx context.Context) {
	defer r.seen.Close()

	for {
		select {
		case <-ctx.Done():
			return
		case j := <-r.jobs:
			r.process(ctx, j)
		}
	}
}

// process runs one job with bounded retries.
func (r *Relay) process(ctx context.Context, j job) {
	start := time.Now()

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		err := r.Answer(ctx, j.ledger, j.request)
		if err == nil {
			r.log.Info("comparison fulfilled", "job", j.id, "correlation", j.request.Correlation.Short(), logger.Timed(start))
			return
		}

		if !retryable(err) {
			r.log.Warn("comparison abandoned", "job", j.id, "error", err)
			return
		}

		r.log.Debug("fulfillment failed, retrying", "job", j.id, "attempt", attempt, "error", err)

		select {
		case <-ctx.Done():
			return
		case <-time.After(retryDelay):
		}
	}

	r.log.Warn("comparison abandoned after retries", "job", j.id)
}

// Answer computes, attests and fulfills one request.
func (r *Relay) Answer(ctx context.Context, ledgerID types.Hash, req ledger.ComparisonRequested) error {
	comp, err := r.oracle.CompareMax(ctx, req.Request)
	if err != nil {
		return fmt.Errorf("compare:\n%w", err)
	}

	result, err := cbor.Marshal(comp)
	if err != nil {
		return fmt.Errorf("encode result:\n%w", err)
	}

	sig := r.key.SignFulfillment(ledgerID, req.Correlation, result)

	if err := r.out.Fulfill(ctx, ledgerID, req.Correlation, result, sig); err != nil {
		return fmt.Errorf("fulfill:\n%w", err)
	}

	return nil
}

// retryable reports whether a failure may succeed later. Ledger refusals and
// bad ciphertexts are final.
func retryable(err error) bool {
	var le *ledger.Error
	if errors.As(err, &le) {
		return false
	}

	for _, final := range []error{
		ErrUnknownHandle, ErrScopeMismatch, ErrNotOwner, ErrWrongKind, ErrBadRequest,
		ErrUnboundScope, ErrBindingMismatch, ErrScopeSealed,
	} {
		if errors.Is(err, final) {
			return false
		}
	}

	return true
}
