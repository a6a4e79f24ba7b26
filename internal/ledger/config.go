package ledger

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
	"github.com/zeebo/blake3"

	"Richee/internal/attest"
	"Richee/internal/types"
)

// Disclosure selects what finalize reveals.
type Disclosure string

const (
	// DiscloseIdentity stores one encrypted handle of the winner's address.
	DiscloseIdentity Disclosure = "identity"

	// DiscloseFlags stores K encrypted "is maximum" booleans.
	DiscloseFlags Disclosure = "flags"

	// DisclosePublicFlags stores K plaintext "is maximum" booleans.
	DisclosePublicFlags Disclosure = "public-flags"

	// DisclosePublicIdentity stores the winner's address in the clear.
	DisclosePublicIdentity Disclosure = "public-identity"
)

// Policy selects who may finalize.
type Policy string

const (
	// PolicyOpen lets any principal finalize once every participant submitted.
	PolicyOpen Policy = "open"

	// PolicyParticipants restricts finalize to registered participants.
	PolicyParticipants Policy = "participants"
)

// Mode selects how the oracle comparison is performed.
type Mode string

const (
	// ModeSync runs the comparison inside the finalize transaction.
	ModeSync Mode = "sync"

	// ModeAsync splits finalize into a request and an attested fulfill callback.
	ModeAsync Mode = "async"
)

// Config fixes a ledger at deployment. It never changes afterwards.
type Config struct {
	// Participants in registration order; the order is the tie-break priority.
	Participants []types.Address `cbor:"1,keyasint" json:"participants"`
	Disclosure   Disclosure      `cbor:"2,keyasint" json:"disclosure"`
	Policy       Policy          `cbor:"3,keyasint" json:"policy"`
	Mode         Mode            `cbor:"4,keyasint" json:"mode"`

	// Oracle is the principal allowed to fulfill async requests.
	Oracle types.Address `cbor:"5,keyasint,omitempty" json:"oracle,omitempty"`

	// OracleKey is the compressed BLS key fulfillments are attested with.
	OracleKey []byte `cbor:"6,keyasint,omitempty" json:"oracleKey,omitempty"`

	// Salt distinguishes ledgers deployed with identical parameters.
	Salt uint64 `cbor:"7,keyasint" json:"salt"`
}

// WithDefaults fills unset enums with the reference behavior.
func (c Config) WithDefaults() Config {
	if c.Disclosure == "" {
		c.Disclosure = DiscloseFlags
	}

	if c.Policy == "" {
		c.Policy = PolicyOpen
	}

	if c.Mode == "" {
		c.Mode = ModeSync
	}

	return c
}

// Validate checks participants and enum values.
func (c Config) Validate() error {
	if len(c.Participants) < 2 {
		return ErrTooFewParticipants
	}

	seen := make(map[types.Address]bool, len(c.Participants))

	for _, p := range c.Participants {
		if p.IsZero() {
			return ErrZeroParticipant
		}

		if seen[p] {
			return fmt.Errorf("%w: %s", ErrDuplicateParticipant, p)
		}

		seen[p] = true
	}

	switch c.Disclosure {
	case DiscloseIdentity, DiscloseFlags, DisclosePublicFlags, DisclosePublicIdentity:
	default:
		return fmt.Errorf("%w: disclosure %q", ErrInvalidConfig, c.Disclosure)
	}

	switch c.Policy {
	case PolicyOpen, PolicyParticipants:
	default:
		return fmt.Errorf("%w: policy %q", ErrInvalidConfig, c.Policy)
	}

	switch c.Mode {
	case ModeSync:
	case ModeAsync:
		if c.Oracle.IsZero() {
			return fmt.Errorf("%w: async mode needs an oracle principal", ErrInvalidConfig)
		}

		if err := attest.CheckPublicKey(c.OracleKey); err != nil {
			return fmt.Errorf("%w: oracle key: %v", ErrInvalidConfig, err)
		}
	default:
		return fmt.Errorf("%w: mode %q", ErrInvalidConfig, c.Mode)
	}

	return nil
}

// ID derives the ledger id from its configuration. The id is also the
// oracle scope ciphertexts must be bound to.
func (c Config) ID() (types.Hash, error) {
	data, err := cbor.Marshal(c.WithDefaults())
	if err != nil {
		return types.Hash{}, fmt.Errorf("encode config:\n%w", err)
	}

	h := blake3.New()
	h.Write([]byte("richee/ledger/v1"))
	h.Write(data)

	var id types.Hash
	h.Sum(id[:0])

	return id, nil
}

// IndexOf returns the registration index of addr, -1 if not registered.
func (c Config) IndexOf(addr types.Address) int {
	for i, p := range c.Participants {
		if p == addr {
			return i
		}
	}

	return -1
}

// ParseDisclosure parses a disclosure mode name.
func ParseDisclosure(s string) (Disclosure, error) {
	switch d := Disclosure(s); d {
	case DiscloseIdentity, DiscloseFlags, DisclosePublicFlags, DisclosePublicIdentity:
		return d, nil
	}

	return "", fmt.Errorf("%w: disclosure %q", ErrInvalidConfig, s)
}

// ParsePolicy parses a finalize policy name.
func ParsePolicy(s string) (Policy, error) {
	switch p := Policy(s); p {
	case PolicyOpen, PolicyParticipants:
		return p, nil
	}

	return "", fmt.Errorf("%w: policy %q", ErrInvalidConfig, s)
}

// ParseMode parses an oracle mode name.
func ParseMode(s string) (Mode, error) {
	switch m := Mode(s); m {
	case ModeSync, ModeAsync:
		return m, nil
	}

	return "", fmt.Errorf("%w: mode %q", ErrInvalidConfig, s)
}
