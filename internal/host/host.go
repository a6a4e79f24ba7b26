package host

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"

	"github.com/fxamacker/cbor/v2"

	"Richee/internal/logger"
	"Richee/internal/storage"
	"Richee/internal/types"
)

var (
	// ErrReplayedTransaction is returned when a transaction hash was already committed.
	ErrReplayedTransaction = errors.New("transaction already applied")

	// ErrClosed is returned when executing on a closed host.
	ErrClosed = errors.New("host closed")

	// ErrTransactionDone is returned when a context outlives the
	// transaction it carries.
	ErrTransactionDone = errors.New("transaction already finished")
)

// Storage key prefixes.
var (
	prefixContract = []byte("c:") // c:<contract><key> -> contract value
	prefixEvent    = []byte("e:") // e:<id u64> -> cbor(Event)
	prefixTxHash   = []byte("x:") // x:<hash> -> seq u64
	keySequence    = []byte("m:seq")
	keyEventID     = []byte("m:event")
)

// Call identifies who invokes which contract.
type Call struct {
	Contract types.Hash    // Contract is the hosted contract id
	Caller   types.Address // Caller is the authenticated principal
	TxHash   types.Hash    // TxHash is the signed transaction hash, zero for internal calls
}

// Event is an entry of the append-only event log.
type Event struct {
	ID       uint64     `cbor:"1,keyasint" json:"id"`       // ID is the global log position
	Seq      uint64     `cbor:"2,keyasint" json:"seq"`      // Seq is the committing transaction sequence
	Contract types.Hash `cbor:"3,keyasint" json:"contract"` // Contract is the emitting contract
	Topic    string     `cbor:"4,keyasint" json:"topic"`    // Topic names the event
	Data     []byte     `cbor:"5,keyasint" json:"data"`     // Data is the contract-encoded payload
}

// Receipt describes a committed transaction.
type Receipt struct {
	Seq    uint64     // Seq is the transaction sequence number
	TxHash types.Hash // TxHash is the signed transaction hash, if any
	Events []Event    // Events are the events the transaction emitted
}

// Hook runs inside the emitting transaction, right after Emit.
// ctx carries the transaction, so calls made from a hook join it.
type Hook func(ctx context.Context, ev Event)

// Subscriber runs after a transaction commits.
type Subscriber func(r Receipt)

// Host is the execution environment for contracts: it serializes
// transactions, authenticates callers through Call, and commits each
// transaction's writes and events atomically.
type Host struct {
	db *storage.Storage

	execMu   sync.Mutex   // execMu serializes top-level transactions
	commitMu sync.RWMutex // commitMu separates commits from views

	seq     uint64 // seq is the last committed sequence
	eventID uint64 // eventID is the last committed event id
	closed  bool

	hooksMu sync.RWMutex
	hooks   []Hook
	subs    []Subscriber
}

// New creates a host over the given storage, resuming its sequence counters.
func New(db *storage.Storage) (*Host, error) {
	h := &Host{db: db}

	var err error

	if h.seq, err = h.loadCounter(keySequence); err != nil {
		return nil, fmt.Errorf("load sequence:\n%w", err)
	}

	if h.eventID, err = h.loadCounter(keyEventID); err != nil {
		return nil, fmt.Errorf("load event id:\n%w", err)
	}

	return h, nil
}

// OnEmit registers a hook called synchronously inside transactions.
func (h *Host) OnEmit(fn Hook) {
	h.hooksMu.Lock()
	h.hooks = append(h.hooks, fn)
	h.hooksMu.Unlock()
}

// Subscribe registers a subscriber called after each commit.
func (h *Host) Subscribe(fn Subscriber) {
	h.hooksMu.Lock()
	h.subs = append(h.subs, fn)
	h.hooksMu.Unlock()
}

// Sequence returns the last committed sequence number.
func (h *Host) Sequence() uint64 {
	h.commitMu.RLock()
	defer h.commitMu.RUnlock()

	return h.seq
}

// Close stops accepting transactions. The storage is owned by the caller.
func (h *Host) Close() {
	h.execMu.Lock()
	h.closed = true
	h.execMu.Unlock()
}

// Execute runs fn as one atomic transaction on behalf of call.Caller.
// If ctx already carries a transaction of this host, fn runs as a nested
// frame of it: its effects revert on error but the outer transaction goes on.
// Otherwise fn runs alone; every write and event commits if it returns nil
// and none does if it returns an error.
func (h *Host) Execute(ctx context.Context, call Call, fn func(ctx context.Context, tx *Tx) error) (Receipt, error) {
	if parent := fromContext(ctx, h); parent != nil {
		if parent.st.done.Load() {
			return Receipt{}, ErrTransactionDone
		}

		return Receipt{}, h.executeNested(ctx, parent, call, fn)
	}

	h.execMu.Lock()

	if h.closed {
		h.execMu.Unlock()
		return Receipt{}, ErrClosed
	}

	receipt, err := h.executeTop(ctx, call, fn)
	h.execMu.Unlock()

	if err != nil {
		return Receipt{}, err
	}

	h.notify(receipt)

	return receipt, nil
}

// executeTop runs a top-level transaction. Caller must hold execMu.
func (h *Host) executeTop(ctx context.Context, call Call, fn func(ctx context.Context, tx *Tx) error) (Receipt, error) {
	if !call.TxHash.IsZero() {
		seen, err := h.db.Has(txHashKey(call.TxHash))
		if err != nil {
			return Receipt{}, fmt.Errorf("check tx hash:\n%w", err)
		}

		if seen {
			return Receipt{}, ErrReplayedTransaction
		}
	}

	st := newTxState(h, h.seq+1)
	defer st.done.Store(true)

	tx := &Tx{st: st, call: call}

	if err := fn(withTx(ctx, tx), tx); err != nil {
		logDiscard(call, err)
		return Receipt{}, err
	}

	return h.commit(st, call.TxHash)
}

// executeNested runs fn as a frame of parent, reverting the frame on error.
func (h *Host) executeNested(ctx context.Context, parent *Tx, call Call, fn func(ctx context.Context, tx *Tx) error) error {
	tx := &Tx{st: parent.st, call: call}
	mark := parent.st.snapshot()

	if err := fn(withTx(ctx, tx), tx); err != nil {
		parent.st.revert(mark)
		return err
	}

	return nil
}

// commit writes the transaction state in a single batch.
func (h *Host) commit(st *txState, txHash types.Hash) (Receipt, error) {
	b := h.db.NewBatch()
	defer b.Close()

	for _, key := range st.order {
		e := st.writes[key]
		if e == nil {
			continue
		}

		if e.deleted {
			b.Delete([]byte(key))
		} else {
			b.Set([]byte(key), e.value)
		}
	}

	eventID := h.eventID
	events := make([]Event, len(st.events))

	for i, ev := range st.events {
		eventID++
		ev.ID = eventID
		events[i] = ev

		data, err := cbor.Marshal(ev)
		if err != nil {
			return Receipt{}, fmt.Errorf("encode event:\n%w", err)
		}

		b.Set(eventKey(eventID), data)
	}

	b.Set(keySequence, encodeUint64(st.seq))
	b.Set(keyEventID, encodeUint64(eventID))

	if !txHash.IsZero() {
		b.Set(txHashKey(txHash), encodeUint64(st.seq))
	}

	h.commitMu.Lock()
	err := b.Commit()
	if err == nil {
		h.seq = st.seq
		h.eventID = eventID
	}
	h.commitMu.Unlock()

	if err != nil {
		return Receipt{}, fmt.Errorf("commit:\n%w", err)
	}

	return Receipt{Seq: st.seq, TxHash: txHash, Events: events}, nil
}

// notify delivers a committed receipt to subscribers.
func (h *Host) notify(r Receipt) {
	h.hooksMu.RLock()
	subs := make([]Subscriber, len(h.subs))
	copy(subs, h.subs)
	h.hooksMu.RUnlock()

	for _, fn := range subs {
		fn(r)
	}
}

// runHooks calls emit hooks for an event of the running transaction.
func (h *Host) runHooks(ctx context.Context, ev Event) {
	h.hooksMu.RLock()
	hooks := make([]Hook, len(h.hooks))
	copy(hooks, h.hooks)
	h.hooksMu.RUnlock()

	for _, fn := range hooks {
		fn(ctx, ev)
	}
}

// Events returns up to limit committed events with ID > after.
// A zero contract matches every contract.
func (h *Host) Events(contract types.Hash, after uint64, limit int) ([]Event, error) {
	h.commitMu.RLock()
	defer h.commitMu.RUnlock()

	var out []Event

	errStop := errors.New("stop")

	err := h.db.IterateFrom(prefixEvent, eventKey(after+1), func(key, value []byte) error {
		var ev Event
		if err := cbor.Unmarshal(value, &ev); err != nil {
			return fmt.Errorf("decode event:\n%w", err)
		}

		if !contract.IsZero() && ev.Contract != contract {
			return nil
		}

		out = append(out, ev)

		if limit > 0 && len(out) >= limit {
			return errStop
		}

		return nil
	})

	if err != nil && !errors.Is(err, errStop) {
		return nil, err
	}

	return out, nil
}

// View runs fn against committed state of a contract.
func (h *Host) View(contract types.Hash, fn func(v *View) error) error {
	h.commitMu.RLock()
	defer h.commitMu.RUnlock()

	return fn(&View{db: h.db, contract: contract})
}

// Committed runs fn while no transaction can commit, passing the last
// committed sequence. fn may read storage directly.
func (h *Host) Committed(fn func(seq uint64) error) error {
	h.commitMu.RLock()
	defer h.commitMu.RUnlock()

	return fn(h.seq)
}

// loadCounter reads a persisted uint64 counter, zero if absent.
func (h *Host) loadCounter(key []byte) (uint64, error) {
	data, err := h.db.Get(key)
	if err != nil {
		return 0, err
	}

	if len(data) < 8 {
		return 0, nil
	}

	return binary.BigEndian.Uint64(data), nil
}

// View is a read-only handle on committed contract state.
type View struct {
	db       *storage.Storage
	contract types.Hash
}

// Get returns the committed value of key, nil if absent.
func (v *View) Get(key []byte) ([]byte, error) {
	return v.db.Get(contractKey(v.contract, key))
}

// Has reports whether key is set in committed state.
func (v *View) Has(key []byte) (bool, error) {
	return v.db.Has(contractKey(v.contract, key))
}

// contractKey namespaces a contract key: "c:" + contract + key.
func contractKey(contract types.Hash, key []byte) []byte {
	out := make([]byte, 0, len(prefixContract)+len(contract)+len(key))
	out = append(out, prefixContract...)
	out = append(out, contract[:]...)

	return append(out, key...)
}

// eventKey builds "e:" + big-endian id.
func eventKey(id uint64) []byte {
	key := make([]byte, len(prefixEvent)+8)
	copy(key, prefixEvent)
	binary.BigEndian.PutUint64(key[len(prefixEvent):], id)

	return key
}

// txHashKey builds "x:" + hash.
func txHashKey(hash types.Hash) []byte {
	key := make([]byte, len(prefixTxHash)+len(hash))
	copy(key, prefixTxHash)
	copy(key[len(prefixTxHash):], hash[:])

	return key
}

// encodeUint64 encodes v big-endian.
func encodeUint64(v uint64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, v)

	return buf
}

// logDiscard logs a discarded transaction at debug level.
func logDiscard(call Call, err error) {
	logger.Debug("transaction reverted",
		"contract", call.Contract.Short(),
		"caller", call.Caller,
		"error", err,
	)
}
