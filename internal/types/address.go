package types

import (
	"crypto/ed25519"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/zeebo/blake3"
)

// AddressSize is the size of a principal address in bytes.
const AddressSize = 20

// Address identifies a principal (participant, operator or oracle).
// It is the first 20 bytes of blake3(ed25519 public key).
type Address [AddressSize]byte

// AddressFromPublicKey derives the address of an ed25519 public key.
func AddressFromPublicKey(pub ed25519.PublicKey) Address {
	sum := blake3.Sum256(pub)

	var a Address
	copy(a[:], sum[:AddressSize])

	return a
}

// ParseAddress decodes a hex address, with or without 0x prefix.
func ParseAddress(s string) (Address, error) {
	var a Address

	b, err := decodeHex(s, AddressSize)
	if err != nil {
		return a, fmt.Errorf("parse address %q: %w", s, err)
	}

	copy(a[:], b)

	return a, nil
}

// IsZero reports whether the address is all zeroes.
func (a Address) IsZero() bool {
	return a == Address{}
}

// String returns the 0x-prefixed hex form.
func (a Address) String() string {
	return "0x" + hex.EncodeToString(a[:])
}

// MarshalText implements encoding.TextMarshaler.
func (a Address) MarshalText() ([]byte, error) {
	return []byte(a.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (a *Address) UnmarshalText(text []byte) error {
	parsed, err := ParseAddress(string(text))
	if err != nil {
		return err
	}

	*a = parsed

	return nil
}

// ParseAddressList parses a comma-separated list of addresses, keeping order.
func ParseAddressList(s string) ([]Address, error) {
	var out []Address

	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}

		a, err := ParseAddress(part)
		if err != nil {
			return nil, err
		}

		out = append(out, a)
	}

	return out, nil
}

// decodeHex decodes a hex string of exactly size bytes.
func decodeHex(s string, size int) ([]byte, error) {
	s = strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X")

	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, err
	}

	if len(b) != size {
		return nil, fmt.Errorf("invalid length: got %d, want %d", len(b), size)
	}

	return b, nil
}
