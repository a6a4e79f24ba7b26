package types

import (
	"crypto/ed25519"
	"fmt"

	"github.com/fxamacker/cbor/v2"
	flatbuffers "github.com/google/flatbuffers/go"
	"github.com/zeebo/blake3"
)

// Function names accepted by a hosted ledger.
const (
	FuncSubmit   = "submit"
	FuncFinalize = "finalize"
	FuncFulfill  = "fulfill"
)

// BuildSignedTx builds a complete signed Transaction.
// Returns the FlatBuffers bytes and the transaction hash.
func BuildSignedTx(privKey ed25519.PrivateKey, ledger Hash, funcName string, args []byte, nonce uint64) ([]byte, Hash) {
	pubKey := privKey.Public().(ed25519.PublicKey)

	hash := Hash(blake3.Sum256(UnsignedTxBytes(pubKey, ledger, funcName, args, nonce)))
	sig := ed25519.Sign(privKey, hash[:])

	builder := flatbuffers.NewBuilder(512)
	txOffset := buildTxTable(builder, pubKey, ledger, funcName, args, nonce, &hash, sig)
	builder.Finish(txOffset)

	return builder.FinishedBytes(), hash
}

// UnsignedTxBytes encodes the transaction without hash and signature.
// The transaction hash is blake3 of these bytes.
func UnsignedTxBytes(sender []byte, ledger Hash, funcName string, args []byte, nonce uint64) []byte {
	builder := flatbuffers.NewBuilder(256)

	txOffset := buildTxTable(builder, sender, ledger, funcName, args, nonce, nil, nil)
	builder.Finish(txOffset)

	return builder.FinishedBytes()
}

// buildTxTable builds a Transaction table. hash and sig are omitted when nil.
func buildTxTable(builder *flatbuffers.Builder, sender []byte, ledger Hash, funcName string, args []byte, nonce uint64, hash *Hash, sig []byte) flatbuffers.UOffsetT {
	var hashVec, sigVec flatbuffers.UOffsetT

	if hash != nil {
		hashVec = builder.CreateByteVector(hash[:])
	}

	if sig != nil {
		sigVec = builder.CreateByteVector(sig)
	}

	senderVec := builder.CreateByteVector(sender)
	ledgerVec := builder.CreateByteVector(ledger[:])
	funcNameOff := builder.CreateString(funcName)
	argsVec := builder.CreateByteVector(args)

	TransactionStart(builder)

	if hash != nil {
		TransactionAddHash(builder, hashVec)
	}

	if sig != nil {
		TransactionAddSignature(builder, sigVec)
	}

	TransactionAddSender(builder, senderVec)
	TransactionAddLedger(builder, ledgerVec)
	TransactionAddFunctionName(builder, funcNameOff)
	TransactionAddArgs(builder, argsVec)
	TransactionAddNonce(builder, nonce)

	return TransactionEnd(builder)
}

// FulfillArgs are the arguments of a fulfill transaction.
type FulfillArgs struct {
	Correlation Hash   `cbor:"1,keyasint"` // Correlation is the pending request id
	Result      []byte `cbor:"2,keyasint"` // Result is the encoded comparison
	Signature   []byte `cbor:"3,keyasint"` // Signature is the oracle's BLS attestation
}

// Encode returns the cbor encoding of the arguments.
func (a FulfillArgs) Encode() ([]byte, error) {
	return cbor.Marshal(a)
}

// DecodeFulfillArgs parses fulfill transaction arguments.
func DecodeFulfillArgs(data []byte) (FulfillArgs, error) {
	var a FulfillArgs
	if err := cbor.Unmarshal(data, &a); err != nil {
		return a, fmt.Errorf("decode fulfill args:\n%w", err)
	}

	return a, nil
}
