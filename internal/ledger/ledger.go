package ledger

import (
	"context"
	"encoding/binary"
	"fmt"
	"log/slog"

	"github.com/fxamacker/cbor/v2"
	"github.com/zeebo/blake3"

	"Richee/internal/attest"
	"Richee/internal/host"
	"Richee/internal/logger"
	"Richee/internal/types"
)

// Contract storage keys.
var (
	keyConfig        = []byte("cfg")
	keyCount         = []byte("m:count")
	keyFinalized     = []byte("m:finalized")
	keyLock          = []byte("m:lock")
	keyPending       = []byte("m:pending")
	keyNonce         = []byte("m:nonce")
	keyResult        = []byte("r")
	prefixSubmission = []byte("s:") // s:<address> -> handle
	prefixConsumed   = []byte("p:") // p:<correlation> -> seq
)

// Origin authenticates a mutating call.
type Origin struct {
	Caller types.Address // Caller is the authenticated principal
	TxHash types.Hash    // TxHash is the signed transaction hash, zero for local calls
}

// Ledger is one Millionaire's Dilemma instance hosted as a contract.
// All its state lives in host storage under the ledger id.
type Ledger struct {
	id     types.Hash
	cfg    Config
	host   *host.Host
	oracle Oracle
	log    *slog.Logger
}

// Deploy registers a new ledger. The configuration is validated, persisted
// and fixed for the lifetime of the ledger.
func Deploy(ctx context.Context, h *host.Host, oracle Oracle, deployer Origin, cfg Config) (*Ledger, error) {
	cfg = cfg.WithDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	if cfg.Mode == ModeSync && oracle == nil {
		return nil, fmt.Errorf("%w: sync mode needs an oracle", ErrInvalidConfig)
	}

	id, err := cfg.ID()
	if err != nil {
		return nil, err
	}

	data, err := cbor.Marshal(cfg)
	if err != nil {
		return nil, fmt.Errorf("encode config:\n%w", err)
	}

	l := newLedger(h, oracle, id, cfg)

	if err := l.Bind(ctx); err != nil {
		return nil, err
	}

	_, err = h.Execute(ctx, l.call(deployer), func(ctx context.Context, tx *host.Tx) error {
		exists, err := tx.Has(keyConfig)
		if err != nil {
			return err
		}

		if exists {
			return ErrLedgerExists
		}

		tx.Set(keyConfig, data)

		return emit(ctx, tx, TopicDeployed, Deployed{
			Participants: cfg.Participants,
			Disclosure:   cfg.Disclosure,
			Mode:         cfg.Mode,
		})
	})
	if err != nil {
		return nil, err
	}

	l.log.Info("ledger deployed",
		"participants", len(cfg.Participants),
		"disclosure", cfg.Disclosure,
		"policy", cfg.Policy,
		"mode", cfg.Mode,
	)

	return l, nil
}

// Open loads a deployed ledger.
func Open(h *host.Host, oracle Oracle, id types.Hash) (*Ledger, error) {
	var cfg Config

	err := h.View(id, func(v *host.View) error {
		data, err := v.Get(keyConfig)
		if err != nil {
			return err
		}

		if data == nil {
			return ErrUnknownLedger
		}

		return cbor.Unmarshal(data, &cfg)
	})
	if err != nil {
		return nil, err
	}

	if cfg.Mode == ModeSync && oracle == nil {
		return nil, fmt.Errorf("%w: sync mode needs an oracle", ErrInvalidConfig)
	}

	return newLedger(h, oracle, id, cfg), nil
}

// Bind registers the ledger configuration with its oracle. Deploy binds
// already; a node reopening a ledger against a fresh oracle binds again.
func (l *Ledger) Bind(ctx context.Context) error {
	if l.oracle == nil {
		return nil
	}

	if err := l.oracle.Bind(ctx, l.cfg); err != nil {
		return fmt.Errorf("%w: bind: %w", ErrOracleFailure, err)
	}

	return nil
}

func newLedger(h *host.Host, oracle Oracle, id types.Hash, cfg Config) *Ledger {
	return &Ledger{
		id:     id,
		cfg:    cfg,
		host:   h,
		oracle: oracle,
		log:    logger.With("ledger", id.Short()),
	}
}

// ID returns the ledger id, which is also its oracle scope.
func (l *Ledger) ID() types.Hash {
	return l.id
}

// Config returns the deployment configuration.
func (l *Ledger) Config() Config {
	return l.cfg
}

// Submit records the caller's ciphertext handle. Each participant submits
// exactly once, and never after finalization.
func (l *Ledger) Submit(ctx context.Context, o Origin, handle types.Handle) (host.Receipt, error) {
	var count uint64

	r, err := l.host.Execute(ctx, l.call(o), func(ctx context.Context, tx *host.Tx) error {
		caller := tx.Caller()

		if l.cfg.IndexOf(caller) < 0 {
			return ErrInvalidParticipant
		}

		finalized, err := tx.Has(keyFinalized)
		if err != nil {
			return err
		}

		if finalized {
			return ErrAlreadyProcessed
		}

		key := submissionKey(caller)

		submitted, err := tx.Has(key)
		if err != nil {
			return err
		}

		if submitted {
			return ErrDuplicateSubmission
		}

		if handle.IsZero() {
			return ErrInvalidHandle
		}

		if count, err = readUint64(tx, keyCount); err != nil {
			return err
		}

		count++

		tx.Set(key, handle[:])
		tx.Set(keyCount, encodeUint64(count))

		return emit(ctx, tx, TopicSubmissionRecorded, SubmissionRecorded{
			Participant: caller,
			Count:       int(count),
		})
	})
	if err != nil {
		return host.Receipt{}, err
	}

	l.log.Info("submission recorded", "participant", o.Caller, "count", count)

	return r, nil
}

// Finalize computes the disclosure from every submission. In sync mode the
// oracle runs inside the transaction; in async mode a comparison request is
// recorded and Fulfill completes it. While a request is pending, only a
// participant or the oracle principal may supersede it.
func (l *Ledger) Finalize(ctx context.Context, o Origin) (host.Receipt, error) {
	var corr types.Hash

	r, err := l.host.Execute(ctx, l.call(o), func(ctx context.Context, tx *host.Tx) error {
		if l.cfg.Policy == PolicyParticipants && l.cfg.IndexOf(tx.Caller()) < 0 {
			return ErrUnauthorizedFinalizer
		}

		if err := l.enter(tx); err != nil {
			return err
		}

		if err := l.checkFinalizable(tx); err != nil {
			return err
		}

		req, err := l.request(tx)
		if err != nil {
			return err
		}

		if l.cfg.Mode == ModeAsync {
			if corr, err = l.requestComparison(ctx, tx, req); err != nil {
				return err
			}

			tx.Delete(keyLock)

			return nil
		}

		comp, err := l.oracle.CompareMax(ctx, req)
		if err != nil {
			return fmt.Errorf("%w: %w", ErrOracleFailure, err)
		}

		if err := l.apply(ctx, tx, comp); err != nil {
			return err
		}

		tx.Delete(keyLock)

		return nil
	})
	if err != nil {
		return host.Receipt{}, err
	}

	if l.cfg.Mode == ModeAsync {
		l.log.Info("comparison requested", "correlation", corr.Short())
	} else {
		l.log.Info("ledger finalized", "disclosure", l.cfg.Disclosure)
	}

	return r, nil
}

// Fulfill applies an attested async comparison result. Only the pending
// correlation id is accepted, and only once.
func (l *Ledger) Fulfill(ctx context.Context, o Origin, corr types.Hash, result, signature []byte) (host.Receipt, error) {
	if l.cfg.Mode != ModeAsync {
		return host.Receipt{}, ErrNotAsync
	}

	r, err := l.host.Execute(ctx, l.call(o), func(ctx context.Context, tx *host.Tx) error {
		if tx.Caller() != l.cfg.Oracle {
			return ErrUnauthorizedOracle
		}

		if err := l.enter(tx); err != nil {
			return err
		}

		consumed, err := tx.Has(consumedKey(corr))
		if err != nil {
			return err
		}

		if consumed {
			return ErrStaleCallback
		}

		finalized, err := tx.Has(keyFinalized)
		if err != nil {
			return err
		}

		if finalized {
			return ErrAlreadyProcessed
		}

		pending, err := tx.Get(keyPending)
		if err != nil {
			return err
		}

		if pending == nil || types.Hash(pending) != corr {
			return ErrUnknownCorrelation
		}

		if !attest.VerifyFulfillment(signature, l.cfg.OracleKey, l.id, corr, result) {
			return ErrInvalidAttestation
		}

		var comp Comparison
		if err := cbor.Unmarshal(result, &comp); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidDecryptionResult, err)
		}

		if err := l.apply(ctx, tx, comp); err != nil {
			return err
		}

		tx.Set(consumedKey(corr), encodeUint64(tx.Sequence()))
		tx.Delete(keyPending)
		tx.Delete(keyLock)

		return nil
	})
	if err != nil {
		return host.Receipt{}, err
	}

	l.log.Info("ledger finalized", "disclosure", l.cfg.Disclosure, "correlation", corr.Short())

	return r, nil
}

// enter takes the reentrancy guard for the rest of the transaction.
func (l *Ledger) enter(tx *host.Tx) error {
	locked, err := tx.Has(keyLock)
	if err != nil {
		return err
	}

	if locked {
		return ErrReentrantCall
	}

	tx.Set(keyLock, []byte{1})

	return nil
}

// checkFinalizable rejects finalized and incomplete ledgers.
func (l *Ledger) checkFinalizable(tx *host.Tx) error {
	finalized, err := tx.Has(keyFinalized)
	if err != nil {
		return err
	}

	if finalized {
		return ErrAlreadyProcessed
	}

	count, err := readUint64(tx, keyCount)
	if err != nil {
		return err
	}

	if count < uint64(len(l.cfg.Participants)) {
		return ErrIncompleteSubmissions
	}

	return nil
}

// request collects the submissions in registration order.
func (l *Ledger) request(tx *host.Tx) (CompareRequest, error) {
	req := CompareRequest{
		Scope:        l.id,
		Participants: l.cfg.Participants,
		Handles:      make([]types.Handle, len(l.cfg.Participants)),
		Disclosure:   l.cfg.Disclosure,
	}

	for i, p := range l.cfg.Participants {
		data, err := tx.Get(submissionKey(p))
		if err != nil {
			return CompareRequest{}, err
		}

		if len(data) != len(req.Handles[i]) {
			return CompareRequest{}, fmt.Errorf("%w: missing submission of %s", ErrIncompleteSubmissions, p)
		}

		copy(req.Handles[i][:], data)
	}

	return req, nil
}

// requestComparison records a pending async request. An older request is
// consumed, so its late callback is stale.
func (l *Ledger) requestComparison(ctx context.Context, tx *host.Tx, req CompareRequest) (types.Hash, error) {
	prev, err := tx.Get(keyPending)
	if err != nil {
		return types.Hash{}, err
	}

	if prev != nil {
		if caller := tx.Caller(); l.cfg.IndexOf(caller) < 0 && caller != l.cfg.Oracle {
			return types.Hash{}, ErrRequestPending
		}

		tx.Set(consumedKey(types.Hash(prev)), encodeUint64(tx.Sequence()))
	}

	nonce, err := readUint64(tx, keyNonce)
	if err != nil {
		return types.Hash{}, err
	}

	nonce++

	corr := correlationID(l.id, nonce)

	tx.Set(keyNonce, encodeUint64(nonce))
	tx.Set(keyPending, corr[:])

	err = emit(ctx, tx, TopicComparisonRequested, ComparisonRequested{
		Correlation: corr,
		Request:     req,
	})

	return corr, err
}

// apply validates and stores a comparison and emits the result event.
// The event is emitted while the guard is still held.
func (l *Ledger) apply(ctx context.Context, tx *host.Tx, comp Comparison) error {
	if err := comp.validate(l.cfg); err != nil {
		return err
	}

	data, err := cbor.Marshal(comp)
	if err != nil {
		return fmt.Errorf("encode result:\n%w", err)
	}

	tx.Set(keyResult, data)
	tx.Set(keyFinalized, []byte{1})

	topic, payload := resultEvent(l.cfg, comp)

	return emit(ctx, tx, topic, payload)
}

func (l *Ledger) call(o Origin) host.Call {
	return host.Call{Contract: l.id, Caller: o.Caller, TxHash: o.TxHash}
}

// correlationID derives a unique async request id: blake3(ledger || nonce).
func correlationID(ledger types.Hash, nonce uint64) types.Hash {
	h := blake3.New()
	h.Write(ledger[:])
	h.Write(encodeUint64(nonce))

	var out types.Hash
	h.Sum(out[:0])

	return out
}

func emit(ctx context.Context, tx *host.Tx, topic string, payload any) error {
	data, err := cbor.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode %s:\n%w", topic, err)
	}

	tx.Emit(ctx, topic, data)

	return nil
}

func submissionKey(addr types.Address) []byte {
	return append(append([]byte{}, prefixSubmission...), addr[:]...)
}

func consumedKey(corr types.Hash) []byte {
	return append(append([]byte{}, prefixConsumed...), corr[:]...)
}

// reader is satisfied by both transactions and views.
type reader interface {
	Get(key []byte) ([]byte, error)
}

func readUint64(r reader, key []byte) (uint64, error) {
	data, err := r.Get(key)
	if err != nil {
		return 0, err
	}

	if len(data) != 8 {
		return 0, nil
	}

	return binary.BigEndian.Uint64(data), nil
}

func encodeUint64(v uint64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, v)

	return buf
}
