package client

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"sync/atomic"

	"Richee/internal/ledger"
	"Richee/internal/oracle"
	"Richee/internal/types"
)

// Encrypter turns a plaintext value into a ciphertext handle owned by the
// caller and bound to a ledger. The remote oracle client implements it.
type Encrypter interface {
	Encrypt(ctx context.Context, value uint64, scope types.Hash) (types.Handle, error)
}

// Wallet holds a principal's key and signs its transactions.
type Wallet struct {
	privKey ed25519.PrivateKey // privKey is the Ed25519 private key
	address types.Address      // address is the derived principal
	nonce   atomic.Uint64      // nonce makes every signed transaction unique
}

// NewWallet creates a wallet with a random Ed25519 key.
func NewWallet() (*Wallet, error) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate key:\n%w", err)
	}

	return FromKey(priv), nil
}

// FromKey creates a wallet for an existing key.
func FromKey(priv ed25519.PrivateKey) *Wallet {
	w := &Wallet{
		privKey: priv,
		address: types.AddressFromPublicKey(priv.Public().(ed25519.PublicKey)),
	}

	// A random starting nonce keeps a restarted wallet from re-signing a
	// transaction hash the ledger already saw.
	var seed [8]byte
	rand.Read(seed[:])
	w.nonce.Store(binary.BigEndian.Uint64(seed[:]) >> 1)

	return w
}

// Address returns the wallet's principal.
func (w *Wallet) Address() types.Address {
	return w.address
}

// PrivateKey returns the signing key.
func (w *Wallet) PrivateKey() ed25519.PrivateKey {
	return w.privKey
}

// Viewer returns the key reencrypted results are opened with.
func (w *Wallet) Viewer() *oracle.Viewer {
	return oracle.NewViewer(w.privKey)
}

// Submit records an encrypted handle as the wallet's submission.
func (w *Wallet) Submit(ctx context.Context, c *Client, handle types.Handle) (Receipt, error) {
	return w.send(ctx, c, types.FuncSubmit, handle[:])
}

// SubmitValue encrypts value with the oracle and submits the handle.
func (w *Wallet) SubmitValue(ctx context.Context, c *Client, enc Encrypter, value uint64) (Receipt, error) {
	handle, err := enc.Encrypt(ctx, value, c.Ledger())
	if err != nil {
		return Receipt{}, fmt.Errorf("encrypt:\n%w", err)
	}

	return w.Submit(ctx, c, handle)
}

// Finalize asks the ledger to compute the result.
func (w *Wallet) Finalize(ctx context.Context, c *Client) (Receipt, error) {
	return w.send(ctx, c, types.FuncFinalize, nil)
}

// Fulfill delivers an attested comparison result. Only the ledger's oracle
// principal may call it.
func (w *Wallet) Fulfill(ctx context.Context, c *Client, correlation types.Hash, result, signature []byte) (Receipt, error) {
	args, err := types.FulfillArgs{Correlation: correlation, Result: result, Signature: signature}.Encode()
	if err != nil {
		return Receipt{}, err
	}

	return w.send(ctx, c, types.FuncFulfill, args)
}

// Fulfiller adapts the wallet to the oracle relay, delivering results to c.
func (w *Wallet) Fulfiller(c *Client) oracle.Fulfiller {
	return oracle.FulfillerFunc(func(ctx context.Context, ledgerID, correlation types.Hash, result, signature []byte) error {
		if ledgerID != c.Ledger() {
			return ledger.ErrUnknownLedger
		}

		_, err := w.Fulfill(ctx, c, correlation, result, signature)

		return err
	})
}

func (w *Wallet) send(ctx context.Context, c *Client, function string, args []byte) (Receipt, error) {
	tx, _ := types.BuildSignedTx(w.privKey, c.Ledger(), function, args, w.nonce.Add(1))

	r, err := c.postTx(ctx, tx)
	if err != nil {
		return Receipt{}, fmt.Errorf("%s:\n%w", function, err)
	}

	return r, nil
}
