package snapshot

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"sort"

	"github.com/fxamacker/cbor/v2"
	"github.com/klauspost/compress/zstd"
	"github.com/zeebo/blake3"

	"Richee/internal/storage"
)

// version is the current snapshot format version.
const version = 1

var (
	// ErrChecksum is returned when a snapshot does not match its checksum.
	ErrChecksum = errors.New("snapshot checksum mismatch")

	// ErrVersion is returned for snapshots of an unknown format.
	ErrVersion = errors.New("unsupported snapshot version")

	// ErrNotEmpty is returned when applying a snapshot over existing state.
	ErrNotEmpty = errors.New("storage is not empty")
)

// Entry is one stored key/value pair.
type Entry struct {
	Key   []byte `cbor:"1,keyasint"`
	Value []byte `cbor:"2,keyasint"`
}

// Snapshot is a full copy of a node's state at a committed sequence.
type Snapshot struct {
	Version  uint32   `cbor:"1,keyasint"`
	Sequence uint64   `cbor:"2,keyasint"` // Sequence is the last committed transaction
	Entries  []Entry  `cbor:"3,keyasint"` // Entries are sorted by key
	Checksum [32]byte `cbor:"4,keyasint"`
}

// Create exports every key of db as a compressed snapshot. The caller must
// keep db from changing meanwhile (see host.Committed).
func Create(db *storage.Storage, seq uint64) ([]byte, error) {
	entries, err := collect(db)
	if err != nil {
		return nil, fmt.Errorf("collect entries:\n%w", err)
	}

	s := Snapshot{Version: version, Sequence: seq, Entries: entries}
	s.Checksum = checksum(s.Version, s.Sequence, s.Entries)

	data, err := cbor.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("encode snapshot:\n%w", err)
	}

	return compress(data)
}

// Decode decompresses and verifies a snapshot.
func Decode(data []byte) (*Snapshot, error) {
	raw, err := decompress(data)
	if err != nil {
		return nil, fmt.Errorf("decompress:\n%w", err)
	}

	var s Snapshot
	if err := cbor.Unmarshal(raw, &s); err != nil {
		return nil, fmt.Errorf("decode snapshot:\n%w", err)
	}

	if s.Version != version {
		return nil, fmt.Errorf("%w: %d", ErrVersion, s.Version)
	}

	sorted := sort.SliceIsSorted(s.Entries, func(i, j int) bool {
		return bytes.Compare(s.Entries[i].Key, s.Entries[j].Key) < 0
	})

	if !sorted || checksum(s.Version, s.Sequence, s.Entries) != s.Checksum {
		return nil, ErrChecksum
	}

	return &s, nil
}

// Apply verifies a snapshot and writes all its entries in one batch.
// db must be empty.
func Apply(db *storage.Storage, data []byte) (*Snapshot, error) {
	s, err := Decode(data)
	if err != nil {
		return nil, err
	}

	empty := true

	err = db.Iterate(func(key, value []byte) error {
		empty = false
		return errStop
	})
	if err != nil && !errors.Is(err, errStop) {
		return nil, fmt.Errorf("check storage:\n%w", err)
	}

	if !empty {
		return nil, ErrNotEmpty
	}

	pairs := make([]storage.KeyValue, len(s.Entries))
	for i, e := range s.Entries {
		pairs[i] = storage.KeyValue{Key: e.Key, Value: e.Value}
	}

	if err := db.SetBatch(pairs); err != nil {
		return nil, fmt.Errorf("write entries:\n%w", err)
	}

	return s, nil
}

var errStop = errors.New("stop")

// collect reads every entry of db in key order.
func collect(db *storage.Storage) ([]Entry, error) {
	var entries []Entry

	err := db.Iterate(func(key, value []byte) error {
		entries = append(entries, Entry{
			Key:   bytes.Clone(key),
			Value: bytes.Clone(value),
		})

		return nil
	})

	return entries, err
}

// checksum hashes the canonical snapshot content:
// version (4 bytes) + sequence (8 bytes) + for each entry len-prefixed key and value.
func checksum(v uint32, seq uint64, entries []Entry) [32]byte {
	hasher := blake3.New()

	var buf [8]byte
	binary.BigEndian.PutUint32(buf[:4], v)
	hasher.Write(buf[:4])

	binary.BigEndian.PutUint64(buf[:], seq)
	hasher.Write(buf[:])

	for _, e := range entries {
		binary.BigEndian.PutUint32(buf[:4], uint32(len(e.Key)))
		hasher.Write(buf[:4])
		hasher.Write(e.Key)

		binary.BigEndian.PutUint32(buf[:4], uint32(len(e.Value)))
		hasher.Write(buf[:4])
		hasher.Write(e.Value)
	}

	var sum [32]byte
	hasher.Sum(sum[:0])

	return sum
}

func compress(data []byte) ([]byte, error) {
	encoder, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, fmt.Errorf("create encoder:\n%w", err)
	}
	defer encoder.Close()

	return encoder.EncodeAll(data, nil), nil
}

func decompress(data []byte) ([]byte, error) {
	decoder, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("create decoder:\n%w", err)
	}
	defer decoder.Close()

	return decoder.DecodeAll(data, nil)
}
