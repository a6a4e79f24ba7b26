package ledger

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"

	"Richee/internal/host"
	"Richee/internal/types"
)

// Status summarizes committed ledger state.
type Status struct {
	ID           types.Hash `json:"id"`
	Participants int        `json:"participants"`
	Submitted    int        `json:"submitted"`
	AllSubmitted bool       `json:"allSubmitted"`
	Finalized    bool       `json:"finalized"`
	Pending      types.Hash `json:"pending,omitempty"`
	Disclosure   Disclosure `json:"disclosure"`
	Policy       Policy     `json:"policy"`
	Mode         Mode       `json:"mode"`
}

// HasSubmitted reports whether addr has a committed submission.
func (l *Ledger) HasSubmitted(addr types.Address) (bool, error) {
	var ok bool

	err := l.view(func(v *host.View) (err error) {
		ok, err = v.Has(submissionKey(addr))
		return err
	})

	return ok, err
}

// Submission returns addr's committed handle.
func (l *Ledger) Submission(addr types.Address) (types.Handle, bool, error) {
	var handle types.Handle
	var found bool

	err := l.view(func(v *host.View) error {
		data, err := v.Get(submissionKey(addr))
		if err != nil || len(data) != len(handle) {
			return err
		}

		copy(handle[:], data)
		found = true

		return nil
	})

	return handle, found, err
}

// SubmissionCount returns the number of committed submissions.
func (l *Ledger) SubmissionCount() (int, error) {
	var n uint64

	err := l.view(func(v *host.View) (err error) {
		n, err = readUint64(v, keyCount)
		return err
	})

	return int(n), err
}

// AllSubmitted reports whether every participant submitted.
func (l *Ledger) AllSubmitted() (bool, error) {
	n, err := l.SubmissionCount()
	if err != nil {
		return false, err
	}

	return n == len(l.cfg.Participants), nil
}

// IsFinalized reports whether the result is committed.
func (l *Ledger) IsFinalized() (bool, error) {
	var ok bool

	err := l.view(func(v *host.View) (err error) {
		ok, err = v.Has(keyFinalized)
		return err
	})

	return ok, err
}

// Participants returns the registered participants in registration order.
func (l *Ledger) Participants() []types.Address {
	out := make([]types.Address, len(l.cfg.Participants))
	copy(out, l.cfg.Participants)

	return out
}

// Result returns the committed comparison, if finalized.
func (l *Ledger) Result() (Comparison, bool, error) {
	var comp Comparison
	var found bool

	err := l.view(func(v *host.View) error {
		data, err := v.Get(keyResult)
		if err != nil || data == nil {
			return err
		}

		if err := cbor.Unmarshal(data, &comp); err != nil {
			return fmt.Errorf("decode result:\n%w", err)
		}

		found = true

		return nil
	})

	return comp, found, err
}

// Pending returns the correlation id of the outstanding async request.
func (l *Ledger) Pending() (types.Hash, bool, error) {
	var corr types.Hash
	var found bool

	err := l.view(func(v *host.View) error {
		data, err := v.Get(keyPending)
		if err != nil || len(data) != len(corr) {
			return err
		}

		copy(corr[:], data)
		found = true

		return nil
	})

	return corr, found, err
}

// Status returns a consistent summary of committed state.
func (l *Ledger) Status() (Status, error) {
	st := Status{
		ID:           l.id,
		Participants: len(l.cfg.Participants),
		Disclosure:   l.cfg.Disclosure,
		Policy:       l.cfg.Policy,
		Mode:         l.cfg.Mode,
	}

	err := l.view(func(v *host.View) error {
		n, err := readUint64(v, keyCount)
		if err != nil {
			return err
		}

		if st.Finalized, err = v.Has(keyFinalized); err != nil {
			return err
		}

		pending, err := v.Get(keyPending)
		if err != nil {
			return err
		}

		if len(pending) == len(st.Pending) {
			copy(st.Pending[:], pending)
		}

		st.Submitted = int(n)
		st.AllSubmitted = st.Submitted == st.Participants

		return nil
	})

	return st, err
}

func (l *Ledger) view(fn func(v *host.View) error) error {
	return l.host.View(l.id, fn)
}
