package attest

import (
	"bytes"
	"crypto/ed25519"
	"errors"
	"testing"
)

func TestSignVerify(t *testing.T) {
	key, err := Generate()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}

	message := []byte("comparison result")
	sig := key.Sign(message)

	if len(sig) != SignatureSize {
		t.Errorf("signature size: got %d, want %d", len(sig), SignatureSize)
	}

	if !Verify(sig, message, key.PublicKey()) {
		t.Error("valid signature should verify")
	}

	if Verify(sig, []byte("other"), key.PublicKey()) {
		t.Error("signature should not verify with wrong message")
	}

	other, _ := Generate()
	if Verify(sig, message, other.PublicKey()) {
		t.Error("signature should not verify with wrong key")
	}
}

func TestVerifyMalformed(t *testing.T) {
	key, _ := Generate()
	sig := key.Sign([]byte("m"))

	if Verify(sig[:10], []byte("m"), key.PublicKey()) {
		t.Error("short signature should not verify")
	}

	if Verify(sig, []byte("m"), make([]byte, PublicKeySize)) {
		t.Error("zero public key should not verify")
	}
}

func TestFromED25519Deterministic(t *testing.T) {
	seed := bytes.Repeat([]byte{7}, ed25519.SeedSize)
	priv := ed25519.NewKeyFromSeed(seed)

	k1, err := FromED25519(priv)
	if err != nil {
		t.Fatalf("derive: %v", err)
	}

	k2, _ := FromED25519(priv)

	if !bytes.Equal(k1.PublicKey(), k2.PublicKey()) {
		t.Error("same ed25519 key should derive the same BLS key")
	}
}

func TestFromSeedShort(t *testing.T) {
	if _, err := FromSeed(make([]byte, 16)); !errors.Is(err, ErrShortSeed) {
		t.Errorf("expected ErrShortSeed, got %v", err)
	}
}

func TestCheckPublicKey(t *testing.T) {
	key, _ := Generate()

	if err := CheckPublicKey(key.PublicKey()); err != nil {
		t.Errorf("valid key rejected: %v", err)
	}

	if err := CheckPublicKey([]byte{1, 2, 3}); !errors.Is(err, ErrInvalidPublicKey) {
		t.Errorf("expected ErrInvalidPublicKey, got %v", err)
	}
}

func TestFulfillment(t *testing.T) {
	key, _ := Generate()

	ledger := [32]byte{1}
	corr := [32]byte{2}
	result := []byte{0xa1, 0x01, 0x02}

	sig := key.SignFulfillment(ledger, corr, result)

	if !VerifyFulfillment(sig, key.PublicKey(), ledger, corr, result) {
		t.Fatal("valid fulfillment should verify")
	}

	if VerifyFulfillment(sig, key.PublicKey(), ledger, [32]byte{3}, result) {
		t.Error("fulfillment bound to another correlation id should not verify")
	}

	if VerifyFulfillment(sig, key.PublicKey(), [32]byte{9}, corr, result) {
		t.Error("fulfillment bound to another ledger should not verify")
	}

	if VerifyFulfillment(sig, key.PublicKey(), ledger, corr, []byte{0xa1, 0x01, 0x03}) {
		t.Error("fulfillment over another result should not verify")
	}
}
