package host

import (
	"context"
	"sync/atomic"

	"Richee/internal/types"
)

// Tx is a frame of a running transaction. Reads see the transaction's own
// pending writes on top of committed state; writes stay pending until commit.
type Tx struct {
	st   *txState
	call Call
}

// Caller returns the authenticated principal of this frame.
func (tx *Tx) Caller() types.Address {
	return tx.call.Caller
}

// Contract returns the contract this frame executes.
func (tx *Tx) Contract() types.Hash {
	return tx.call.Contract
}

// Sequence returns the sequence number the transaction commits under.
func (tx *Tx) Sequence() uint64 {
	return tx.st.seq
}

// Get returns the value of key, nil if absent.
func (tx *Tx) Get(key []byte) ([]byte, error) {
	full := string(contractKey(tx.call.Contract, key))

	if e, ok := tx.st.writes[full]; ok && e != nil {
		if e.deleted {
			return nil, nil
		}

		out := make([]byte, len(e.value))
		copy(out, e.value)

		return out, nil
	}

	return tx.st.host.db.Get([]byte(full))
}

// Has reports whether key is set.
func (tx *Tx) Has(key []byte) (bool, error) {
	full := string(contractKey(tx.call.Contract, key))

	if e, ok := tx.st.writes[full]; ok && e != nil {
		return !e.deleted, nil
	}

	return tx.st.host.db.Has([]byte(full))
}

// Set stages a write.
func (tx *Tx) Set(key, value []byte) {
	v := make([]byte, len(value))
	copy(v, value)

	tx.st.put(string(contractKey(tx.call.Contract, key)), &entry{value: v})
}

// Delete stages a deletion.
func (tx *Tx) Delete(key []byte) {
	tx.st.put(string(contractKey(tx.call.Contract, key)), &entry{deleted: true})
}

// Emit appends an event to the transaction and runs emit hooks.
func (tx *Tx) Emit(ctx context.Context, topic string, data []byte) {
	ev := Event{
		Seq:      tx.st.seq,
		Contract: tx.call.Contract,
		Topic:    topic,
		Data:     data,
	}

	tx.st.events = append(tx.st.events, ev)

	tx.st.host.runHooks(withTx(ctx, tx), ev)
}

// entry is a staged write. A nil *entry in the journal means "not staged".
type entry struct {
	value   []byte
	deleted bool
}

// journalEntry records the staged state of a key before a write.
type journalEntry struct {
	key  string
	prev *entry
	had  bool
}

// txState is shared by every frame of one transaction.
type txState struct {
	host    *Host
	seq     uint64
	writes  map[string]*entry
	order   []string // order lists keys in first-write order
	journal []journalEntry
	events  []Event
	done    atomic.Bool // done is set once the top-level call returns
}

// mark is a revert point.
type mark struct {
	journal int
	events  int
}

// newTxState creates an empty transaction state.
func newTxState(h *Host, seq uint64) *txState {
	return &txState{
		host:   h,
		seq:    seq,
		writes: make(map[string]*entry),
	}
}

// put stages e for key and journals the previous staged value.
func (st *txState) put(key string, e *entry) {
	prev, had := st.writes[key]
	st.journal = append(st.journal, journalEntry{key: key, prev: prev, had: had})

	if !had {
		st.order = append(st.order, key)
	}

	st.writes[key] = e
}

// snapshot returns the current revert point.
func (st *txState) snapshot() mark {
	return mark{journal: len(st.journal), events: len(st.events)}
}

// revert undoes every write and event after m.
func (st *txState) revert(m mark) {
	for i := len(st.journal) - 1; i >= m.journal; i-- {
		j := st.journal[i]

		if j.had {
			st.writes[j.key] = j.prev
		} else {
			// Keep the key in order; a nil entry is skipped at commit.
			st.writes[j.key] = nil
		}
	}

	st.journal = st.journal[:m.journal]
	st.events = st.events[:m.events]
}

// frameKey is the context key for the running transaction.
type frameKey struct{}

// withTx returns ctx carrying tx.
func withTx(ctx context.Context, tx *Tx) context.Context {
	return context.WithValue(ctx, frameKey{}, tx)
}

// fromContext returns the running transaction of h carried by ctx, if any.
func fromContext(ctx context.Context, h *Host) *Tx {
	tx, ok := ctx.Value(frameKey{}).(*Tx)
	if !ok || tx.st.host != h {
		return nil
	}

	return tx
}

// InTransaction reports whether ctx carries a running transaction of h.
func (h *Host) InTransaction(ctx context.Context) bool {
	tx := fromContext(ctx, h)

	return tx != nil && !tx.st.done.Load()
}
