package ledger

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"

	"Richee/internal/types"
)

// Event topics.
const (
	TopicDeployed            = "LedgerDeployed"
	TopicSubmissionRecorded  = "SubmissionRecorded"
	TopicComparisonRequested = "ComparisonRequested"
	TopicWinnerComputed      = "WinnerComputed"
	TopicWinnerRevealed      = "WinnerRevealed"
	TopicResultComputed      = "ResultComputed"
)

// Deployed is emitted once by Deploy.
type Deployed struct {
	Participants []types.Address `cbor:"1,keyasint" json:"participants"`
	Disclosure   Disclosure      `cbor:"2,keyasint" json:"disclosure"`
	Mode         Mode            `cbor:"3,keyasint" json:"mode"`
}

// SubmissionRecorded is emitted for every accepted submission. It carries
// the participant and the running count, never the ciphertext.
type SubmissionRecorded struct {
	Participant types.Address `cbor:"1,keyasint" json:"participant"`
	Count       int           `cbor:"2,keyasint" json:"count"`
}

// ComparisonRequested is emitted when an async finalize waits for the oracle.
type ComparisonRequested struct {
	Correlation types.Hash     `cbor:"1,keyasint" json:"correlation"`
	Request     CompareRequest `cbor:"2,keyasint" json:"request"`
}

// WinnerComputed carries the encrypted winner identity.
type WinnerComputed struct {
	Winner types.Handle `cbor:"1,keyasint" json:"winner"`
}

// WinnerRevealed carries the winner identity in the clear.
type WinnerRevealed struct {
	Winner types.Address `cbor:"1,keyasint" json:"winner"`
}

// ResultComputed carries per-participant flags, encrypted or revealed.
type ResultComputed struct {
	Flags    []types.Handle `cbor:"1,keyasint,omitempty" json:"flags,omitempty"`
	Revealed []bool         `cbor:"2,keyasint,omitempty" json:"revealed,omitempty"`
}

// DecodeEvent decodes an event payload by topic.
func DecodeEvent(topic string, data []byte) (any, error) {
	var v any

	switch topic {
	case TopicDeployed:
		v = &Deployed{}
	case TopicSubmissionRecorded:
		v = &SubmissionRecorded{}
	case TopicComparisonRequested:
		v = &ComparisonRequested{}
	case TopicWinnerComputed:
		v = &WinnerComputed{}
	case TopicWinnerRevealed:
		v = &WinnerRevealed{}
	case TopicResultComputed:
		v = &ResultComputed{}
	default:
		return nil, fmt.Errorf("unknown topic %q", topic)
	}

	if err := cbor.Unmarshal(data, v); err != nil {
		return nil, fmt.Errorf("decode %s:\n%w", topic, err)
	}

	return v, nil
}

// resultEvent builds the single result event of a comparison.
func resultEvent(cfg Config, c Comparison) (string, any) {
	switch cfg.Disclosure {
	case DiscloseIdentity:
		return TopicWinnerComputed, WinnerComputed{Winner: c.Winner}
	case DisclosePublicIdentity:
		return TopicWinnerRevealed, WinnerRevealed{Winner: c.WinnerAddress}
	case DisclosePublicFlags:
		return TopicResultComputed, ResultComputed{Revealed: c.Revealed}
	default:
		return TopicResultComputed, ResultComputed{Flags: c.Flags}
	}
}
