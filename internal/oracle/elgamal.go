package oracle

import (
	"crypto/ed25519"
	"errors"
	"fmt"

	"go.dedis.ch/kyber/v3"
	"go.dedis.ch/kyber/v3/group/edwards25519"
)

var suite = edwards25519.NewBlakeSHA256Ed25519()

// ErrPlaintextTooLong is returned when data does not fit in one point.
var ErrPlaintextTooLong = errors.New("plaintext does not fit in a curve point")

// Ciphertext is an ElGamal pair (K, C) = (kG, M + kP).
type Ciphertext struct {
	K []byte `cbor:"1,keyasint" json:"k"` // K is the ephemeral point
	C []byte `cbor:"2,keyasint" json:"c"` // C is the blinded message point
}

// keyFromSeed derives a scalar deterministically from seed.
func keyFromSeed(domain string, seed []byte) kyber.Scalar {
	xof := suite.XOF(append([]byte(domain), seed...))
	return suite.Scalar().Pick(xof)
}

// keyFromED25519 derives an ElGamal scalar from an ed25519 identity key.
func keyFromED25519(domain string, priv ed25519.PrivateKey) kyber.Scalar {
	return keyFromSeed(domain, priv.Seed())
}

// seal embeds data in a point and encrypts it under pub.
func seal(pub kyber.Point, data []byte) (Ciphertext, error) {
	if len(data) > suite.Point().EmbedLen() {
		return Ciphertext{}, ErrPlaintextTooLong
	}

	m := suite.Point().Embed(data, suite.RandomStream())

	return sealPoint(pub, m)
}

// sealPoint encrypts an already embedded point under pub.
func sealPoint(pub, m kyber.Point) (Ciphertext, error) {
	k := suite.Scalar().Pick(suite.RandomStream())
	K := suite.Point().Mul(k, nil)
	S := suite.Point().Mul(k, pub)
	C := suite.Point().Add(S, m)

	kb, err := K.MarshalBinary()
	if err != nil {
		return Ciphertext{}, fmt.Errorf("marshal K:\n%w", err)
	}

	cb, err := C.MarshalBinary()
	if err != nil {
		return Ciphertext{}, fmt.Errorf("marshal C:\n%w", err)
	}

	return Ciphertext{K: kb, C: cb}, nil
}

// openPoint recovers the message point of ct with priv.
func openPoint(priv kyber.Scalar, ct Ciphertext) (kyber.Point, error) {
	K := suite.Point()
	if err := K.UnmarshalBinary(ct.K); err != nil {
		return nil, fmt.Errorf("unmarshal K:\n%w", err)
	}

	C := suite.Point()
	if err := C.UnmarshalBinary(ct.C); err != nil {
		return nil, fmt.Errorf("unmarshal C:\n%w", err)
	}

	S := suite.Point().Mul(priv, K)

	return suite.Point().Sub(C, S), nil
}

// open decrypts ct with priv and extracts the embedded data.
func open(priv kyber.Scalar, ct Ciphertext) ([]byte, error) {
	m, err := openPoint(priv, ct)
	if err != nil {
		return nil, err
	}

	data, err := m.Data()
	if err != nil {
		return nil, fmt.Errorf("extract plaintext:\n%w", err)
	}

	return data, nil
}

// marshalPoint encodes a point.
func marshalPoint(p kyber.Point) []byte {
	b, _ := p.MarshalBinary()
	return b
}

// unmarshalPoint decodes a point.
func unmarshalPoint(b []byte) (kyber.Point, error) {
	p := suite.Point()
	if err := p.UnmarshalBinary(b); err != nil {
		return nil, err
	}

	return p, nil
}
