// Package snapshot exports and imports the full state of a drop node.
//
// A snapshot holds every key of the store sorted by key, the chain head it
// was taken at, and a blake3 checksum over that content. It is encoded as
// FlatBuffers and compressed with zstd.
package snapshot

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"sort"

	"github.com/ethereum/go-ethereum/common"
	flatbuffers "github.com/google/flatbuffers/go"
	"github.com/klauspost/compress/zstd"
	"github.com/zeebo/blake3"

	"RandomDrop/internal/chain"
	"RandomDrop/internal/storage"
	"RandomDrop/internal/types"
)

// formatVersion is the current snapshot format version.
const formatVersion = 1

var (
	// ErrChecksumMismatch is returned when snapshot content does not match its checksum.
	ErrChecksumMismatch = errors.New("checksum mismatch")

	// ErrUnsupportedVersion is returned for snapshots of an unknown format.
	ErrUnsupportedVersion = errors.New("unsupported snapshot version")

	// ErrNotEmpty is returned when restoring into a store that already holds state.
	ErrNotEmpty = errors.New("target storage is not empty")

	// errStop ends an iteration early.
	errStop = errors.New("stop")
)

// Info describes a snapshot.
type Info struct {
	Version  uint32      // Version is the format version
	Head     uint64      // Head is the chain head the snapshot was taken at
	HeadHash common.Hash // HeadHash is the hash of that block
	Entries  int         // Entries is the number of stored keys
}

// entry holds one copied key/value pair.
type entry struct {
	key   []byte
	value []byte
}

// Create captures the store at head and returns the compressed snapshot.
// The caller must keep writers away while it runs.
func Create(db *storage.Storage, head chain.Header) ([]byte, error) {
	entries, err := collect(db)
	if err != nil {
		return nil, fmt.Errorf("collect entries:\n%w", err)
	}

	raw := build(head, entries)

	compressed, err := compress(raw)
	if err != nil {
		return nil, fmt.Errorf("compress snapshot:\n%w", err)
	}

	return compressed, nil
}

// Restore verifies a compressed snapshot and writes it into an empty store.
func Restore(db *storage.Storage, data []byte) (Info, error) {
	empty, err := isEmpty(db)
	if err != nil {
		return Info{}, err
	}
	if !empty {
		return Info{}, ErrNotEmpty
	}

	raw, err := decompress(data)
	if err != nil {
		return Info{}, fmt.Errorf("decompress snapshot:\n%w", err)
	}

	snap, entries, err := decode(raw)
	if err != nil {
		return Info{}, err
	}

	pairs := make([]storage.KeyValue, len(entries))
	for i, e := range entries {
		pairs[i] = storage.KeyValue{Key: e.key, Value: e.value}
	}

	if err := db.SetBatch(pairs); err != nil {
		return Info{}, fmt.Errorf("write entries:\n%w", err)
	}

	return snap, nil
}

// Inspect verifies a compressed snapshot and describes it without writing anything.
func Inspect(data []byte) (Info, error) {
	raw, err := decompress(data)
	if err != nil {
		return Info{}, fmt.Errorf("decompress snapshot:\n%w", err)
	}

	info, _, err := decode(raw)
	return info, err
}

// collect copies every key/value pair out of the store.
func collect(db *storage.Storage) ([]entry, error) {
	var entries []entry

	err := db.Iterate(func(key, value []byte) error {
		k := make([]byte, len(key))
		copy(k, key)

		v := make([]byte, len(value))
		copy(v, value)

		entries = append(entries, entry{key: k, value: v})
		return nil
	})
	if err != nil {
		return nil, err
	}

	return entries, nil
}

// isEmpty reports whether the store holds no keys.
func isEmpty(db *storage.Storage) (bool, error) {
	err := db.Iterate(func(key, value []byte) error {
		return errStop
	})
	if errors.Is(err, errStop) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("scan storage:\n%w", err)
	}

	return true, nil
}

// build encodes the snapshot table.
func build(head chain.Header, entries []entry) []byte {
	sortEntries(entries)

	checksum := computeChecksum(formatVersion, head.Number, head.Hash, entries)

	builder := flatbuffers.NewBuilder(1024)

	offsets := make([]flatbuffers.UOffsetT, len(entries))
	for i, e := range entries {
		keyOffset := builder.CreateByteVector(e.key)
		valueOffset := builder.CreateByteVector(e.value)

		types.SnapshotEntryStart(builder)
		types.SnapshotEntryAddKey(builder, keyOffset)
		types.SnapshotEntryAddValue(builder, valueOffset)
		offsets[i] = types.SnapshotEntryEnd(builder)
	}

	types.SnapshotStartEntriesVector(builder, len(offsets))
	for i := len(offsets) - 1; i >= 0; i-- {
		builder.PrependUOffsetT(offsets[i])
	}
	entriesVector := builder.EndVector(len(offsets))

	headHashOffset := builder.CreateByteVector(head.Hash[:])
	checksumOffset := builder.CreateByteVector(checksum[:])

	types.SnapshotStart(builder)
	types.SnapshotAddVersion(builder, formatVersion)
	types.SnapshotAddHead(builder, head.Number)
	types.SnapshotAddHeadHash(builder, headHashOffset)
	types.SnapshotAddEntries(builder, entriesVector)
	types.SnapshotAddChecksum(builder, checksumOffset)
	builder.Finish(types.SnapshotEnd(builder))

	return builder.FinishedBytes()
}

// decode parses and verifies the snapshot table.
func decode(raw []byte) (info Info, entries []entry, err error) {
	// GetRootAs panics on truncated input.
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("malformed snapshot: %v", r)
		}
	}()

	if len(raw) < 4 {
		return Info{}, nil, fmt.Errorf("malformed snapshot: %d bytes", len(raw))
	}

	snap := types.GetRootAsSnapshot(raw, 0)

	if snap.Version() != formatVersion {
		return Info{}, nil, fmt.Errorf("version %d: %w", snap.Version(), ErrUnsupportedVersion)
	}

	stored := snap.ChecksumBytes()
	if len(stored) != 32 {
		return Info{}, nil, fmt.Errorf("invalid checksum length: %d", len(stored))
	}

	if len(snap.HeadHashBytes()) != common.HashLength {
		return Info{}, nil, fmt.Errorf("invalid head hash length: %d", len(snap.HeadHashBytes()))
	}
	headHash := common.BytesToHash(snap.HeadHashBytes())

	entries = make([]entry, snap.EntriesLength())
	var e types.SnapshotEntry

	for i := range entries {
		if !snap.Entries(&e, i) {
			return Info{}, nil, fmt.Errorf("read entry %d", i)
		}

		// FlatBuffers returns views into raw; copy before it goes away.
		entries[i] = entry{
			key:   bytes.Clone(e.KeyBytes()),
			value: bytes.Clone(e.ValueBytes()),
		}
	}

	sortEntries(entries)

	computed := computeChecksum(snap.Version(), snap.Head(), headHash, entries)
	if !bytes.Equal(computed[:], stored) {
		return Info{}, nil, ErrChecksumMismatch
	}

	info = Info{
		Version:  snap.Version(),
		Head:     snap.Head(),
		HeadHash: headHash,
		Entries:  len(entries),
	}

	return info, entries, nil
}

// sortEntries sorts entries by key for a deterministic checksum.
func sortEntries(entries []entry) {
	sort.Slice(entries, func(i, j int) bool {
		return bytes.Compare(entries[i].key, entries[j].key) < 0
	})
}

// computeChecksum hashes the canonical snapshot content.
// Format: version (4 bytes) + head (8 bytes) + head hash + per entry (u32 len + key + u32 len + value).
func computeChecksum(version uint32, head uint64, headHash common.Hash, entries []entry) [32]byte {
	hasher := blake3.New()

	var buf [8]byte
	binary.BigEndian.PutUint32(buf[:4], version)
	hasher.Write(buf[:4])

	binary.BigEndian.PutUint64(buf[:], head)
	hasher.Write(buf[:])
	hasher.Write(headHash[:])

	for _, e := range entries {
		binary.BigEndian.PutUint32(buf[:4], uint32(len(e.key)))
		hasher.Write(buf[:4])
		hasher.Write(e.key)

		binary.BigEndian.PutUint32(buf[:4], uint32(len(e.value)))
		hasher.Write(buf[:4])
		hasher.Write(e.value)
	}

	var checksum [32]byte
	hasher.Sum(checksum[:0])

	return checksum
}

// compress compresses snapshot data using zstd.
func compress(data []byte) ([]byte, error) {
	encoder, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, fmt.Errorf("create encoder:\n%w", err)
	}
	defer encoder.Close()

	return encoder.EncodeAll(data, nil), nil
}

// decompress decompresses zstd-compressed snapshot data.
func decompress(data []byte) ([]byte, error) {
	decoder, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("create decoder:\n%w", err)
	}
	defer decoder.Close()

	return decoder.DecodeAll(data, nil)
}
