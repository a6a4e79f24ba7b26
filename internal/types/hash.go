package types

import (
	"encoding/hex"
	"fmt"
)

// Hash is a 32-byte identifier (ledger ids, transaction hashes, correlation ids).
type Hash [32]byte

// ParseHash decodes a 64-char hex hash, with or without 0x prefix.
func ParseHash(s string) (Hash, error) {
	var h Hash

	b, err := decodeHex(s, len(h))
	if err != nil {
		return h, fmt.Errorf("parse hash %q: %w", s, err)
	}

	copy(h[:], b)

	return h, nil
}

// IsZero reports whether the hash is all zeroes.
func (h Hash) IsZero() bool {
	return h == Hash{}
}

// String returns the hex form.
func (h Hash) String() string {
	return hex.EncodeToString(h[:])
}

// Short returns the first 8 bytes in hex, for logs.
func (h Hash) Short() string {
	return hex.EncodeToString(h[:8])
}

// MarshalText implements encoding.TextMarshaler.
func (h Hash) MarshalText() ([]byte, error) {
	return []byte(h.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (h *Hash) UnmarshalText(text []byte) error {
	parsed, err := ParseHash(string(text))
	if err != nil {
		return err
	}

	*h = parsed

	return nil
}

// Handle is an opaque reference to a value held by the confidential
// computation oracle. Holders may store, compare and forward it; nothing
// else about it is meaningful outside the oracle.
type Handle [32]byte

// ParseHandle decodes a hex handle.
func ParseHandle(s string) (Handle, error) {
	var h Handle

	b, err := decodeHex(s, len(h))
	if err != nil {
		return h, fmt.Errorf("parse handle %q: %w", s, err)
	}

	copy(h[:], b)

	return h, nil
}

// IsZero reports whether the handle is unset.
func (h Handle) IsZero() bool {
	return h == Handle{}
}

// String returns the hex form.
func (h Handle) String() string {
	return hex.EncodeToString(h[:])
}

// MarshalText implements encoding.TextMarshaler.
func (h Handle) MarshalText() ([]byte, error) {
	return []byte(h.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (h *Handle) UnmarshalText(text []byte) error {
	parsed, err := ParseHandle(string(text))
	if err != nil {
		return err
	}

	*h = parsed

	return nil
}
