package storage

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
)

// newTestStorage creates a temporary storage for testing.
func newTestStorage(t *testing.T) (*Storage, func()) {
	t.Helper()

	dir, err := os.MkdirTemp("", "storage-test-*")
	if err != nil {
		t.Fatalf("failed to create temp dir: %v", err)
	}

	s, err := New(filepath.Join(dir, "db"))
	if err != nil {
		os.RemoveAll(dir)
		t.Fatalf("failed to create storage: %v", err)
	}

	cleanup := func() {
		s.Close()
		os.RemoveAll(dir)
	}

	return s, cleanup
}

func TestSetAndGet(t *testing.T) {
	s, cleanup := newTestStorage(t)
	defer cleanup()

	key := []byte("test-key")
	value := []byte("test-value")

	if err := s.Set(key, value); err != nil {
		t.Fatalf("Set failed: %v", err)
	}

	got, err := s.Get(key)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}

	if !bytes.Equal(got, value) {
		t.Errorf("Get returned %q, want %q", got, value)
	}
}

func TestGetNonExistent(t *testing.T) {
	s, cleanup := newTestStorage(t)
	defer cleanup()

	got, err := s.Get([]byte("non-existent"))
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}

	if got != nil {
		t.Errorf("Get returned %q, want nil", got)
	}
}

func TestDelete(t *testing.T) {
	s, cleanup := newTestStorage(t)
	defer cleanup()

	key := []byte("to-delete")
	value := []byte("value")

	if err := s.Set(key, value); err != nil {
		t.Fatalf("Set failed: %v", err)
	}

	if err := s.Delete(key); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}

	got, err := s.Get(key)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}

	if got != nil {
		t.Errorf("Get after Delete returned %q, want nil", got)
	}
}

func TestSetBatch(t *testing.T) {
	s, cleanup := newTestStorage(t)
	defer cleanup()

	pairs := []KeyValue{
		{Key: []byte("batch-1"), Value: []byte("value-1")},
		{Key: []byte("batch-2"), Value: []byte("value-2")},
		{Key: []byte("batch-3"), Value: []byte("value-3")},
	}

	if err := s.SetBatch(pairs); err != nil {
		t.Fatalf("SetBatch failed: %v", err)
	}

	for _, kv := range pairs {
		got, err := s.Get(kv.Key)
		if err != nil {
			t.Fatalf("Get failed for %q: %v", kv.Key, err)
		}

		if !bytes.Equal(got, kv.Value) {
			t.Errorf("Get(%q) = %q, want %q", kv.Key, got, kv.Value)
		}
	}
}

func TestBatchAtomicity(t *testing.T) {
	s, cleanup := newTestStorage(t)
	defer cleanup()

	if err := s.Set([]byte("old"), []byte("v")); err != nil {
		t.Fatalf("Set failed: %v", err)
	}

	b := s.NewBatch()
	b.Set([]byte("new"), []byte("v"))
	b.Delete([]byte("old"))

	if b.Len() != 2 {
		t.Errorf("Len = %d, want 2", b.Len())
	}

	// Nothing is visible before commit
	if ok, _ := s.Has([]byte("new")); ok {
		t.Error("uncommitted write should not be visible")
	}

	if err := b.Commit(); err != nil {
		t.Fatalf("Commit failed: %v", err)
	}
	b.Close()

	if ok, _ := s.Has([]byte("new")); !ok {
		t.Error("committed write should be visible")
	}

	if ok, _ := s.Has([]byte("old")); ok {
		t.Error("committed delete should be applied")
	}
}

func TestBatchDiscard(t *testing.T) {
	s, cleanup := newTestStorage(t)
	defer cleanup()

	b := s.NewBatch()
	b.Set([]byte("dropped"), []byte("v"))
	b.Close()

	if ok, _ := s.Has([]byte("dropped")); ok {
		t.Error("closed batch should not apply writes")
	}
}

func TestIteratePrefix(t *testing.T) {
	s, cleanup := newTestStorage(t)
	defer cleanup()

	for _, k := range []string{"a:1", "e:1", "e:2", "e:3", "f:1"} {
		if err := s.Set([]byte(k), []byte(k)); err != nil {
			t.Fatalf("Set failed: %v", err)
		}
	}

	var keys []string
	err := s.IteratePrefix([]byte("e:"), func(key, value []byte) error {
		keys = append(keys, string(key))
		return nil
	})
	if err != nil {
		t.Fatalf("IteratePrefix failed: %v", err)
	}

	if len(keys) != 3 || keys[0] != "e:1" || keys[2] != "e:3" {
		t.Errorf("unexpected keys: %v", keys)
	}

	keys = nil
	err = s.IterateFrom([]byte("e:"), []byte("e:2"), func(key, value []byte) error {
		keys = append(keys, string(key))
		return nil
	})
	if err != nil {
		t.Fatalf("IterateFrom failed: %v", err)
	}

	if len(keys) != 2 || keys[0] != "e:2" {
		t.Errorf("unexpected keys from e:2: %v", keys)
	}
}

func TestPrefixUpperBound(t *testing.T) {
	cases := []struct {
		prefix []byte
		want   []byte
	}{
		{[]byte("e:"), []byte("e;")},
		{[]byte{0x01, 0xff}, []byte{0x02}},
		{[]byte{0xff, 0xff}, nil},
	}

	for _, c := range cases {
		got := prefixUpperBound(c.prefix)
		if !bytes.Equal(got, c.want) {
			t.Errorf("prefixUpperBound(%x) = %x, want %x", c.prefix, got, c.want)
		}
	}
}
