package ledger

import (
	"errors"
	"net/http"

	"Richee/internal/host"
)

// Code is a machine-readable error code.
type Code string

const (
	// CodeUnknown represents an unclassified error.
	CodeUnknown Code = "UNKNOWN"

	// Authorization errors
	CodeInvalidParticipant    Code = "INVALID_PARTICIPANT"
	CodeUnauthorizedFinalizer Code = "UNAUTHORIZED_FINALIZER"
	CodeUnauthorizedOracle    Code = "UNAUTHORIZED_ORACLE"

	// State errors
	CodeDuplicateSubmission   Code = "DUPLICATE_SUBMISSION"
	CodeIncompleteSubmissions Code = "INCOMPLETE_SUBMISSIONS"
	CodeAlreadyProcessed      Code = "ALREADY_PROCESSED"
	CodeReentrantCall         Code = "REENTRANCY_GUARD_REENTRANT_CALL"
	CodeStaleCallback         Code = "STALE_CALLBACK"
	CodeRequestPending        Code = "REQUEST_PENDING"
	CodeUnknownCorrelation    Code = "UNKNOWN_CORRELATION"
	CodeNotAsync              Code = "NOT_ASYNC"
	CodeReplayedTransaction   Code = "REPLAYED_TRANSACTION"
	CodeUnknownLedger         Code = "UNKNOWN_LEDGER"
	CodeLedgerExists          Code = "LEDGER_EXISTS"

	// Integrity errors
	CodeInvalidDecryptionResult Code = "INVALID_DECRYPTION_RESULT"
	CodeInvalidAttestation      Code = "INVALID_ATTESTATION"
	CodeInvalidHandle           Code = "INVALID_HANDLE"
	CodeOracleFailure           Code = "ORACLE_FAILURE"

	// Construction errors
	CodeInvalidConfig        Code = "INVALID_CONFIG"
	CodeTooFewParticipants   Code = "TOO_FEW_PARTICIPANTS"
	CodeDuplicateParticipant Code = "DUPLICATE_PARTICIPANT"
	CodeZeroParticipant      Code = "ZERO_PARTICIPANT"
)

// HTTPStatus maps a code to the status the API answers with.
func (c Code) HTTPStatus() int {
	switch c {
	case CodeInvalidParticipant, CodeUnauthorizedFinalizer, CodeUnauthorizedOracle:
		return http.StatusForbidden
	case CodeDuplicateSubmission, CodeIncompleteSubmissions, CodeAlreadyProcessed,
		CodeReentrantCall, CodeStaleCallback, CodeRequestPending, CodeReplayedTransaction, CodeLedgerExists:
		return http.StatusConflict
	case CodeUnknownCorrelation, CodeUnknownLedger:
		return http.StatusNotFound
	case CodeNotAsync, CodeInvalidHandle, CodeInvalidAttestation, CodeInvalidConfig,
		CodeTooFewParticipants, CodeDuplicateParticipant, CodeZeroParticipant:
		return http.StatusBadRequest
	case CodeInvalidDecryptionResult:
		return http.StatusUnprocessableEntity
	case CodeOracleFailure:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// Error is a ledger failure with a stable code.
type Error struct {
	Code    Code   // Code is the machine-readable cause
	Message string // Message is the human-readable description
}

// Error implements the error interface.
func (e *Error) Error() string {
	return e.Message
}

// Is matches any ledger error carrying the same code.
func (e *Error) Is(target error) bool {
	if t, ok := target.(*Error); ok {
		return e.Code == t.Code
	}

	return false
}

func newError(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

var (
	ErrInvalidParticipant    = newError(CodeInvalidParticipant, "caller is not a registered participant")
	ErrUnauthorizedFinalizer = newError(CodeUnauthorizedFinalizer, "caller may not finalize this ledger")
	ErrUnauthorizedOracle    = newError(CodeUnauthorizedOracle, "caller is not the ledger oracle")

	ErrDuplicateSubmission   = newError(CodeDuplicateSubmission, "participant already submitted")
	ErrIncompleteSubmissions = newError(CodeIncompleteSubmissions, "not every participant has submitted")
	ErrAlreadyProcessed      = newError(CodeAlreadyProcessed, "ledger already finalized")
	ErrReentrantCall         = newError(CodeReentrantCall, "reentrant call")
	ErrStaleCallback         = newError(CodeStaleCallback, "correlation id already consumed")
	ErrRequestPending        = newError(CodeRequestPending, "a comparison request is already pending")
	ErrUnknownCorrelation    = newError(CodeUnknownCorrelation, "unknown correlation id")
	ErrNotAsync              = newError(CodeNotAsync, "ledger does not use an asynchronous oracle")
	ErrUnknownLedger         = newError(CodeUnknownLedger, "ledger not deployed")
	ErrLedgerExists          = newError(CodeLedgerExists, "ledger already deployed")

	ErrInvalidDecryptionResult = newError(CodeInvalidDecryptionResult, "oracle result is malformed or inconsistent")
	ErrInvalidAttestation      = newError(CodeInvalidAttestation, "oracle attestation does not verify")
	ErrInvalidHandle           = newError(CodeInvalidHandle, "ciphertext handle is empty")
	ErrOracleFailure           = newError(CodeOracleFailure, "oracle comparison failed")

	ErrInvalidConfig        = newError(CodeInvalidConfig, "invalid ledger configuration")
	ErrTooFewParticipants   = newError(CodeTooFewParticipants, "at least two participants are required")
	ErrDuplicateParticipant = newError(CodeDuplicateParticipant, "participant registered twice")
	ErrZeroParticipant      = newError(CodeZeroParticipant, "participant address is zero")
)

// CodeOf returns the code of the first ledger error in err's chain.
func CodeOf(err error) Code {
	var le *Error
	if errors.As(err, &le) {
		return le.Code
	}

	if errors.Is(err, host.ErrReplayedTransaction) {
		return CodeReplayedTransaction
	}

	return CodeUnknown
}
