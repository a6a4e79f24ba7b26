package snapshot

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/fxamacker/cbor/v2"

	"Richee/internal/host"
	"Richee/internal/storage"
	"Richee/internal/types"
)

func newTestStorage(t *testing.T) *storage.Storage {
	t.Helper()

	db, err := storage.New(filepath.Join(t.TempDir(), "db"))
	if err != nil {
		t.Fatalf("create storage: %v", err)
	}

	t.Cleanup(func() { db.Close() })

	return db
}

// populate commits n transactions, each writing one key and emitting one event.
func populate(t *testing.T, h *host.Host, n int) {
	t.Helper()

	for i := 0; i < n; i++ {
		_, err := h.Execute(context.Background(), host.Call{Contract: types.Hash{0x01}}, func(ctx context.Context, tx *host.Tx) error {
			tx.Set([]byte(fmt.Sprintf("k%d", i)), []byte{byte(i)})
			tx.Emit(ctx, "Wrote", []byte{byte(i)})

			return nil
		})
		if err != nil {
			t.Fatalf("execute: %v", err)
		}
	}
}

func TestCreateApplyRoundTrip(t *testing.T) {
	src := newTestStorage(t)

	h, err := host.New(src)
	if err != nil {
		t.Fatalf("create host: %v", err)
	}

	populate(t, h, 3)

	data, err := Create(src, h.Sequence())
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	dst := newTestStorage(t)

	s, err := Apply(dst, data)
	if err != nil {
		t.Fatalf("apply: %v", err)
	}

	if s.Sequence != 3 {
		t.Errorf("sequence = %d, want 3", s.Sequence)
	}

	err = src.Iterate(func(key, value []byte) error {
		got, err := dst.Get(key)
		if err != nil {
			return err
		}

		if !bytes.Equal(got, value) {
			t.Errorf("key %q: got %x, want %x", key, got, value)
		}

		return nil
	})
	if err != nil {
		t.Fatalf("iterate: %v", err)
	}

	// The restored host resumes counters and history.
	restored, err := host.New(dst)
	if err != nil {
		t.Fatalf("reopen host: %v", err)
	}

	if restored.Sequence() != 3 {
		t.Errorf("restored sequence = %d, want 3", restored.Sequence())
	}

	events, _ := restored.Events(types.Hash{}, 0, 0)
	if len(events) != 3 {
		t.Errorf("restored events = %d, want 3", len(events))
	}
}

func TestDecodeRejectsTampering(t *testing.T) {
	src := newTestStorage(t)
	src.Set([]byte("a"), []byte("1"))

	data, err := Create(src, 1)
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	s, err := Decode(data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}

	s.Entries[0].Value = []byte("2")

	raw, _ := cbor.Marshal(s)
	forged, _ := compress(raw)

	if _, err := Decode(forged); !errors.Is(err, ErrChecksum) {
		t.Errorf("got %v, want ErrChecksum", err)
	}

	if _, err := Decode([]byte("not a snapshot")); err == nil {
		t.Error("expected error for garbage")
	}
}

func TestApplyRequiresEmptyStorage(t *testing.T) {
	src := newTestStorage(t)
	src.Set([]byte("a"), []byte("1"))

	data, _ := Create(src, 1)

	dst := newTestStorage(t)
	dst.Set([]byte("z"), []byte("x"))

	if _, err := Apply(dst, data); !errors.Is(err, ErrNotEmpty) {
		t.Errorf("got %v, want ErrNotEmpty", err)
	}
}

func TestManagerLatestFollowsCommits(t *testing.T) {
	db := newTestStorage(t)

	h, err := host.New(db)
	if err != nil {
		t.Fatalf("create host: %v", err)
	}

	m := NewManager(db, h, 0)

	populate(t, h, 1)

	first, seq, err := m.Latest()
	if err != nil || seq != 1 {
		t.Fatalf("latest: seq=%d err=%v", seq, err)
	}

	again, _, _ := m.Latest()
	if !bytes.Equal(first, again) {
		t.Error("unchanged state should reuse the snapshot")
	}

	populate(t, h, 1)

	_, seq, _ = m.Latest()
	if seq != 2 {
		t.Errorf("seq after commit = %d, want 2", seq)
	}
}

func TestManagerStartStop(t *testing.T) {
	db := newTestStorage(t)

	h, err := host.New(db)
	if err != nil {
		t.Fatalf("create host: %v", err)
	}

	m := NewManager(db, h, 0)
	m.Start()
	m.Stop()
}
