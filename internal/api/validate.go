package api

import (
	"bytes"
	"crypto/ed25519"
	"errors"
	"fmt"

	"github.com/zeebo/blake3"

	"Richee/internal/types"
)

const (
	// hashSize is the expected size of a transaction hash.
	hashSize = 32

	// senderSize is the expected size of an Ed25519 public key.
	senderSize = 32

	// signatureSize is the expected size of an Ed25519 signature.
	signatureSize = 64

	// ledgerSize is the expected size of a ledger id.
	ledgerSize = 32
)

// errInvalidTx marks transactions rejected before reaching the ledger.
var errInvalidTx = errors.New("invalid transaction")

// signedTx is a validated transaction.
type signedTx struct {
	hash     types.Hash
	caller   types.Address
	ledger   types.Hash
	function string
	args     []byte
}

// validateTx checks structural integrity, hash correctness and the Ed25519
// signature of a raw Transaction. The caller is derived from the signing key.
func validateTx(data []byte) (stx signedTx, retErr error) {
	// FlatBuffers panics on malformed data, recover gracefully
	defer func() {
		if r := recover(); r != nil {
			retErr = fmt.Errorf("%w: malformed transaction data", errInvalidTx)
		}
	}()

	if len(data) < 8 {
		return stx, fmt.Errorf("%w: transaction data too short", errInvalidTx)
	}

	tx := types.GetRootAsTransaction(data, 0)

	if err := validateFieldSizes(tx); err != nil {
		return stx, fmt.Errorf("%w: %v", errInvalidTx, err)
	}

	if err := validateHash(tx); err != nil {
		return stx, fmt.Errorf("%w: %v", errInvalidTx, err)
	}

	if err := validateSignature(tx); err != nil {
		return stx, fmt.Errorf("%w: %v", errInvalidTx, err)
	}

	copy(stx.hash[:], tx.HashBytes())
	copy(stx.ledger[:], tx.LedgerBytes())
	stx.caller = types.AddressFromPublicKey(bytes.Clone(tx.SenderBytes()))
	stx.function = string(tx.FunctionName())
	stx.args = bytes.Clone(tx.ArgsBytes())

	return stx, nil
}

// validateFieldSizes checks that all fixed-size fields have the correct length.
func validateFieldSizes(tx *types.Transaction) error {
	if len(tx.HashBytes()) != hashSize {
		return fmt.Errorf("invalid hash size: got %d, want %d", len(tx.HashBytes()), hashSize)
	}

	if len(tx.SenderBytes()) != senderSize {
		return fmt.Errorf("invalid sender size: got %d, want %d", len(tx.SenderBytes()), senderSize)
	}

	if len(tx.SignatureBytes()) != signatureSize {
		return fmt.Errorf("invalid signature size: got %d, want %d", len(tx.SignatureBytes()), signatureSize)
	}

	if len(tx.LedgerBytes()) != ledgerSize {
		return fmt.Errorf("invalid ledger size: got %d, want %d", len(tx.LedgerBytes()), ledgerSize)
	}

	if len(tx.FunctionName()) == 0 {
		return fmt.Errorf("empty function name")
	}

	return nil
}

// validateHash recomputes the transaction hash and compares it to the declared hash.
// The hash is blake3 of the unsigned transaction (all fields except hash and signature).
func validateHash(tx *types.Transaction) error {
	var ledger types.Hash
	copy(ledger[:], tx.LedgerBytes())

	unsigned := types.UnsignedTxBytes(tx.SenderBytes(), ledger, string(tx.FunctionName()), tx.ArgsBytes(), tx.Nonce())
	expected := blake3.Sum256(unsigned)

	if !bytes.Equal(tx.HashBytes(), expected[:]) {
		return fmt.Errorf("hash mismatch")
	}

	return nil
}

// validateSignature verifies the Ed25519 signature over the transaction hash.
func validateSignature(tx *types.Transaction) error {
	if !ed25519.Verify(tx.SenderBytes(), tx.HashBytes(), tx.SignatureBytes()) {
		return fmt.Errorf("invalid signature")
	}

	return nil
}
