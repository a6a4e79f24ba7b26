package remote

import (
	"errors"

	"github.com/fxamacker/cbor/v2"

	"Richee/internal/ledger"
	"Richee/internal/oracle"
	"Richee/internal/types"
)

// Operations served by the oracle.
const (
	opEncrypt   = "encrypt"
	opBind      = "bind"
	opCompare   = "compare"
	opReencrypt = "reencrypt"
	opAllow     = "allow"
	opPublicKey = "pubkey"
)

// envelope is a request: an operation and its cbor body.
type envelope struct {
	Op   string          `cbor:"1,keyasint"`
	Body cbor.RawMessage `cbor:"2,keyasint,omitempty"`
}

// reply is a response. Error is set when the operation failed.
type reply struct {
	Body  cbor.RawMessage `cbor:"1,keyasint,omitempty"`
	Error string          `cbor:"2,keyasint,omitempty"`
	Code  string          `cbor:"3,keyasint,omitempty"`
}

type encryptRequest struct {
	Value uint64     `cbor:"1,keyasint"`
	Scope types.Hash `cbor:"2,keyasint"`
}

type reencryptRequest struct {
	Handle       types.Handle `cbor:"1,keyasint"`
	RecipientKey []byte       `cbor:"2,keyasint"`
}

type allowRequest struct {
	Handle    types.Handle  `cbor:"1,keyasint"`
	Principal types.Address `cbor:"2,keyasint"`
}

// oracleCodes names oracle failures on the wire.
var oracleCodes = map[string]error{
	"UNKNOWN_HANDLE":     oracle.ErrUnknownHandle,
	"SCOPE_MISMATCH":     oracle.ErrScopeMismatch,
	"NOT_OWNER":          oracle.ErrNotOwner,
	"NOT_AUTHORIZED":     oracle.ErrNotAuthorized,
	"WRONG_KIND":         oracle.ErrWrongKind,
	"BAD_REQUEST":        oracle.ErrBadRequest,
	"PLAINTEXT_TOO_LONG": oracle.ErrPlaintextTooLong,
	"UNBOUND_SCOPE":      oracle.ErrUnboundScope,
	"BINDING_MISMATCH":   oracle.ErrBindingMismatch,
	"SCOPE_SEALED":       oracle.ErrScopeSealed,
	"NOT_TRUSTED":        ErrNotTrusted,
}

// failure encodes err as a reply.
func failure(err error) reply {
	for code, sentinel := range oracleCodes {
		if errors.Is(err, sentinel) {
			return reply{Error: err.Error(), Code: code}
		}
	}

	if code := ledger.CodeOf(err); code != ledger.CodeUnknown {
		return reply{Error: err.Error(), Code: string(code)}
	}

	return reply{Error: err.Error()}
}

// remoteError rebuilds the error of a failed reply, so callers can match it
// with errors.Is against the oracle and ledger sentinels.
type remoteError struct {
	cause   error
	message string
}

func (e *remoteError) Error() string {
	return e.message
}

func (e *remoteError) Unwrap() error {
	return e.cause
}

func (r reply) err() error {
	if sentinel, ok := oracleCodes[r.Code]; ok {
		return &remoteError{cause: sentinel, message: r.Error}
	}

	if r.Code != "" {
		return &ledger.Error{Code: ledger.Code(r.Code), Message: r.Error}
	}

	return errors.New(r.Error)
}
