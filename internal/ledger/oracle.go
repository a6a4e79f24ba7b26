package ledger

import (
	"context"
	"fmt"

	"Richee/internal/types"
)

// Oracle is the confidential computation capability finalize depends on.
// The ledger never inspects ciphertexts; it only forwards handles.
type Oracle interface {
	// Bind registers a ledger configuration under its id. The oracle then
	// only compares that scope's handles for the bound participants and
	// disclosure mode.
	Bind(ctx context.Context, cfg Config) error

	// CompareMax computes the arg-max over req.Handles, breaking ties toward
	// the lowest index, and returns the disclosure req.Disclosure asks for.
	CompareMax(ctx context.Context, req CompareRequest) (Comparison, error)
}

// CompareRequest asks the oracle for the arg-max of a ledger's submissions.
type CompareRequest struct {
	Scope        types.Hash      `cbor:"1,keyasint" json:"scope"`        // Scope is the ledger id handles are bound to
	Participants []types.Address `cbor:"2,keyasint" json:"participants"` // Participants in registration order
	Handles      []types.Handle  `cbor:"3,keyasint" json:"handles"`      // Handles[i] is Participants[i]'s submission
	Disclosure   Disclosure      `cbor:"4,keyasint" json:"disclosure"`
}

// Comparison is an oracle result. Exactly one field is set, per disclosure mode.
type Comparison struct {
	Winner        types.Handle   `cbor:"1,keyasint,omitempty" json:"winner,omitempty"`        // identity
	Flags         []types.Handle `cbor:"2,keyasint,omitempty" json:"flags,omitempty"`         // flags
	Revealed      []bool         `cbor:"3,keyasint,omitempty" json:"revealed,omitempty"`      // public-flags
	WinnerAddress types.Address  `cbor:"4,keyasint,omitempty" json:"winnerAddress,omitempty"` // public-identity
}

// validate checks a comparison against the disclosure mode and participant set.
func (c Comparison) validate(cfg Config) error {
	k := len(cfg.Participants)

	switch cfg.Disclosure {
	case DiscloseIdentity:
		if c.Winner.IsZero() || c.Flags != nil || c.Revealed != nil || !c.WinnerAddress.IsZero() {
			return fmt.Errorf("%w: expected a winner handle", ErrInvalidDecryptionResult)
		}

	case DiscloseFlags:
		if len(c.Flags) != k || !c.Winner.IsZero() || c.Revealed != nil || !c.WinnerAddress.IsZero() {
			return fmt.Errorf("%w: expected %d flag handles", ErrInvalidDecryptionResult, k)
		}

		seen := make(map[types.Handle]bool, k)

		for _, h := range c.Flags {
			if h.IsZero() || seen[h] {
				return fmt.Errorf("%w: flag handles must be distinct and non-empty", ErrInvalidDecryptionResult)
			}

			seen[h] = true
		}

	case DisclosePublicFlags:
		if len(c.Revealed) != k || !c.Winner.IsZero() || c.Flags != nil || !c.WinnerAddress.IsZero() {
			return fmt.Errorf("%w: expected %d revealed flags", ErrInvalidDecryptionResult, k)
		}

		winners := 0

		for _, f := range c.Revealed {
			if f {
				winners++
			}
		}

		if winners != 1 {
			return fmt.Errorf("%w: %d revealed winners", ErrInvalidDecryptionResult, winners)
		}

	case DisclosePublicIdentity:
		if c.WinnerAddress.IsZero() || !c.Winner.IsZero() || c.Flags != nil || c.Revealed != nil {
			return fmt.Errorf("%w: expected a winner address", ErrInvalidDecryptionResult)
		}

		if cfg.IndexOf(c.WinnerAddress) < 0 {
			return fmt.Errorf("%w: winner %s is not a participant", ErrInvalidDecryptionResult, c.WinnerAddress)
		}
	}

	return nil
}

// WinnerIndex returns the revealed winner's registration index, -1 if the
// result is still encrypted.
func (c Comparison) WinnerIndex(cfg Config) int {
	switch {
	case c.Revealed != nil:
		for i, f := range c.Revealed {
			if f {
				return i
			}
		}
	case !c.WinnerAddress.IsZero():
		return cfg.IndexOf(c.WinnerAddress)
	}

	return -1
}
