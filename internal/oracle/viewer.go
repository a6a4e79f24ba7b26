package oracle

import (
	"crypto/ed25519"
	"encoding/binary"
	"fmt"

	"go.dedis.ch/kyber/v3"

	"Richee/internal/types"
)

// Sealed is a plaintext re-encrypted for one viewer.
type Sealed struct {
	Kind       Kind       `cbor:"1,keyasint" json:"kind"`
	Ciphertext Ciphertext `cbor:"2,keyasint" json:"ciphertext"`
}

// Plaintext is an opened value.
type Plaintext struct {
	Kind Kind
	Data []byte
}

// Value returns the amount of a KindValue plaintext.
func (p Plaintext) Value() (uint64, error) {
	if p.Kind != KindValue || len(p.Data) != 8 {
		return 0, ErrWrongKind
	}

	return binary.BigEndian.Uint64(p.Data), nil
}

// Bool returns the flag of a KindBool plaintext.
func (p Plaintext) Bool() (bool, error) {
	if p.Kind != KindBool || len(p.Data) != 1 || p.Data[0] > 1 {
		return false, ErrWrongKind
	}

	return p.Data[0] == 1, nil
}

// Address returns the principal of a KindAddress plaintext.
func (p Plaintext) Address() (types.Address, error) {
	var a types.Address

	if p.Kind != KindAddress || len(p.Data) != len(a) {
		return a, ErrWrongKind
	}

	copy(a[:], p.Data)

	return a, nil
}

// Viewer holds the key a principal receives re-encrypted values under.
type Viewer struct {
	secret kyber.Scalar
	public kyber.Point
}

// NewViewer derives a viewer key from a principal's ed25519 key.
func NewViewer(priv ed25519.PrivateKey) *Viewer {
	secret := keyFromED25519("richee/viewer/elgamal", priv)

	return &Viewer{
		secret: secret,
		public: suite.Point().Mul(secret, nil),
	}
}

// PublicKey returns the encoded key to pass to Reencrypt.
func (v *Viewer) PublicKey() []byte {
	return marshalPoint(v.public)
}

// Open decrypts a sealed plaintext.
func (v *Viewer) Open(s Sealed) (Plaintext, error) {
	data, err := open(v.secret, s.Ciphertext)
	if err != nil {
		return Plaintext{}, fmt.Errorf("open sealed value:\n%w", err)
	}

	return Plaintext{Kind: s.Kind, Data: data}, nil
}
