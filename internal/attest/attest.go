package attest

import (
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"fmt"

	blst "github.com/supranational/blst/bindings/go"
	"github.com/zeebo/blake3"
)

const (
	// PublicKeySize is the size of a compressed BLS public key in bytes.
	PublicKeySize = 48

	// SignatureSize is the size of a compressed BLS signature in bytes.
	SignatureSize = 96
)

var (
	// ErrInvalidPublicKey is returned for a malformed or non-subgroup public key.
	ErrInvalidPublicKey = errors.New("invalid BLS public key")

	// ErrShortSeed is returned when a key seed has fewer than 32 bytes.
	ErrShortSeed = errors.New("seed must be at least 32 bytes")
)

// dst is the domain separation tag for BLS signatures.
var dst = []byte("BLS_SIG_BLS12381G2_XMD:SHA-256_SSWU_RO_NUL_")

// fulfillDomain prefixes every oracle fulfillment digest.
var fulfillDomain = []byte("richee/fulfill/v1")

// KeyPair holds an oracle's BLS signing key.
type KeyPair struct {
	secret *blst.SecretKey // secret is the private scalar
	public *blst.P1Affine  // public is the G1 public key
}

// FromED25519 derives a deterministic BLS key from an ed25519 identity key,
// so an oracle needs a single key file.
func FromED25519(priv ed25519.PrivateKey) (*KeyPair, error) {
	h := blake3.New()
	h.Write([]byte("richee-bls-keygen"))
	h.Write(priv.Seed())

	var seed [32]byte
	h.Sum(seed[:0])

	return FromSeed(seed[:])
}

// Generate creates a key pair from a random seed.
func Generate() (*KeyPair, error) {
	var ikm [32]byte
	if _, err := rand.Read(ikm[:]); err != nil {
		return nil, fmt.Errorf("generate random seed:\n%w", err)
	}

	return FromSeed(ikm[:])
}

// FromSeed creates a key pair from a seed of at least 32 bytes.
func FromSeed(seed []byte) (*KeyPair, error) {
	if len(seed) < 32 {
		return nil, ErrShortSeed
	}

	secret := blst.KeyGen(seed)
	if secret == nil {
		return nil, fmt.Errorf("failed to generate BLS key")
	}

	return &KeyPair{
		secret: secret,
		public: new(blst.P1Affine).From(secret),
	}, nil
}

// Sign signs message.
func (k *KeyPair) Sign(message []byte) []byte {
	return new(blst.P2Affine).Sign(k.secret, message, dst).Compress()
}

// PublicKey returns the compressed public key.
func (k *KeyPair) PublicKey() []byte {
	return k.public.Compress()
}

// Verify checks a signature against a message and compressed public key.
func Verify(signature, message, publicKey []byte) bool {
	if len(signature) != SignatureSize || len(publicKey) != PublicKeySize {
		return false
	}

	sig := new(blst.P2Affine).Uncompress(signature)
	if sig == nil {
		return false
	}

	pk := new(blst.P1Affine).Uncompress(publicKey)
	if pk == nil {
		return false
	}

	return sig.Verify(true, pk, true, message, dst)
}

// CheckPublicKey validates a compressed public key.
func CheckPublicKey(publicKey []byte) error {
	if len(publicKey) != PublicKeySize {
		return fmt.Errorf("%w: size %d", ErrInvalidPublicKey, len(publicKey))
	}

	pk := new(blst.P1Affine).Uncompress(publicKey)
	if pk == nil || !pk.KeyValidate() {
		return ErrInvalidPublicKey
	}

	return nil
}

// FulfillDigest is the message an oracle signs to attest a comparison result:
// blake3(domain || ledger || correlation || result).
func FulfillDigest(ledger, correlation [32]byte, result []byte) [32]byte {
	h := blake3.New()
	h.Write(fulfillDomain)
	h.Write(ledger[:])
	h.Write(correlation[:])
	h.Write(result)

	var out [32]byte
	h.Sum(out[:0])

	return out
}

// SignFulfillment signs the fulfillment digest.
func (k *KeyPair) SignFulfillment(ledger, correlation [32]byte, result []byte) []byte {
	digest := FulfillDigest(ledger, correlation, result)
	return k.Sign(digest[:])
}

// VerifyFulfillment checks an oracle's fulfillment signature.
func VerifyFulfillment(signature, publicKey []byte, ledger, correlation [32]byte, result []byte) bool {
	digest := FulfillDigest(ledger, correlation, result)
	return Verify(signature, digest[:], publicKey)
}
