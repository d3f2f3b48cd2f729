// Package reservoir holds the pool of not-yet-assigned inventory values.
//
// A reservoir of size N starts as the values 1..N. TakeAt removes the value at
// an arbitrary position in O(1) by moving the last live value into the hole,
// so positions are reachable but their order is not stable across removals.
//
// Slots are stored lazily: a slot with no key holds its identity value
// (position i holds i+1), so initializing a reservoir of any size is one write.
package reservoir

import (
	"encoding/binary"
	"errors"
	"fmt"

	"RandomDrop/internal/storage"
)

var (
	// ErrOutOfBounds is returned when an index is not below Count.
	ErrOutOfBounds = errors.New("out of bounds")

	// ErrAlreadyInitialized is returned when Initialize is called twice.
	ErrAlreadyInitialized = errors.New("reservoir already initialized")
)

// Key suffixes under the reservoir prefix.
var (
	suffixCount = []byte("n")  // n -> uint64 live count
	suffixSize  = []byte("z")  // z -> uint64 initial size, present once initialized
	suffixSlot  = []byte("s:") // s:<index> -> uint64 value, absent means index+1
)

// Reservoir is a handle over reservoir state inside a ReadWriter.
// It holds no state of its own; open one per transaction.
type Reservoir struct {
	state  storage.ReadWriter
	prefix []byte
}

// Open returns a reservoir stored under prefix.
func Open(state storage.ReadWriter, prefix []byte) *Reservoir {
	return &Reservoir{state: state, prefix: prefix}
}

// Initialize creates a reservoir holding 1..size.
func (r *Reservoir) Initialize(size uint64) error {
	ok, err := r.Initialized()
	if err != nil {
		return err
	}
	if ok {
		return ErrAlreadyInitialized
	}

	if err := r.state.Set(r.key(suffixSize), encodeUint64(size)); err != nil {
		return fmt.Errorf("write size:\n%w", err)
	}

	return r.setCount(size)
}

// Initialized reports whether Initialize has run.
func (r *Reservoir) Initialized() (bool, error) {
	data, err := r.state.Get(r.key(suffixSize))
	if err != nil {
		return false, err
	}

	return data != nil, nil
}

// Size returns the size the reservoir was initialized with.
func (r *Reservoir) Size() (uint64, error) {
	return r.readUint64(r.key(suffixSize))
}

// Count returns the number of values still in the reservoir.
func (r *Reservoir) Count() (uint64, error) {
	return r.readUint64(r.key(suffixCount))
}

// At returns the value at index without removing it.
func (r *Reservoir) At(index uint64) (uint64, error) {
	count, err := r.Count()
	if err != nil {
		return 0, err
	}
	if index >= count {
		return 0, ErrOutOfBounds
	}

	return r.slot(index)
}

// TakeAt removes and returns the value at index.
// The last live value moves into index, then the reservoir shrinks by one.
func (r *Reservoir) TakeAt(index uint64) (uint64, error) {
	count, err := r.Count()
	if err != nil {
		return 0, err
	}
	if index >= count {
		return 0, ErrOutOfBounds
	}

	value, err := r.slot(index)
	if err != nil {
		return 0, err
	}

	last := count - 1
	if index != last {
		moved, err := r.slot(last)
		if err != nil {
			return 0, err
		}

		if err := r.state.Set(r.slotKey(index), encodeUint64(moved)); err != nil {
			return 0, fmt.Errorf("write slot %d:\n%w", index, err)
		}
	}

	// The vacated tail slot is never read again.
	if err := r.state.Delete(r.slotKey(last)); err != nil {
		return 0, fmt.Errorf("clear slot %d:\n%w", last, err)
	}

	if err := r.setCount(last); err != nil {
		return 0, err
	}

	return value, nil
}

// slot reads the value stored at index, applying the lazy identity default.
func (r *Reservoir) slot(index uint64) (uint64, error) {
	data, err := r.state.Get(r.slotKey(index))
	if err != nil {
		return 0, fmt.Errorf("read slot %d:\n%w", index, err)
	}
	if data == nil {
		return index + 1, nil
	}

	return decodeUint64(data)
}

// setCount persists the live count.
func (r *Reservoir) setCount(count uint64) error {
	if err := r.state.Set(r.key(suffixCount), encodeUint64(count)); err != nil {
		return fmt.Errorf("write count:\n%w", err)
	}

	return nil
}

// readUint64 reads a counter; an absent key is zero.
func (r *Reservoir) readUint64(key []byte) (uint64, error) {
	data, err := r.state.Get(key)
	if err != nil {
		return 0, err
	}
	if data == nil {
		return 0, nil
	}

	return decodeUint64(data)
}

// key builds prefix + suffix.
func (r *Reservoir) key(suffix []byte) []byte {
	key := make([]byte, 0, len(r.prefix)+len(suffix))
	key = append(key, r.prefix...)
	return append(key, suffix...)
}

// slotKey builds prefix + "s:" + big-endian index.
func (r *Reservoir) slotKey(index uint64) []byte {
	key := r.key(suffixSlot)
	return binary.BigEndian.AppendUint64(key, index)
}

func encodeUint64(v uint64) []byte {
	return binary.BigEndian.AppendUint64(nil, v)
}

func decodeUint64(data []byte) (uint64, error) {
	if len(data) != 8 {
		return 0, fmt.Errorf("invalid uint64 length: %d", len(data))
	}

	return binary.BigEndian.Uint64(data), nil
}
