package storage

import (
	"errors"

	"github.com/cockroachdb/pebble"
)

// ErrBatchClosed is returned when a committed or discarded batch is used.
var ErrBatchClosed = errors.New("batch closed")

// Batch is an all-or-nothing unit of writes over Storage.
// Reads see the batch's own pending writes layered over the committed state.
type Batch struct {
	b      *pebble.Batch
	closed bool
}

// Get returns the value for key as seen by this batch.
func (b *Batch) Get(key []byte) ([]byte, error) {
	if b.closed {
		return nil, ErrBatchClosed
	}

	value, closer, err := b.b.Get(key)
	return copyValue(value, closer, err)
}

// Set stages a write.
func (b *Batch) Set(key, value []byte) error {
	if b.closed {
		return ErrBatchClosed
	}

	return b.b.Set(key, value, nil)
}

// Delete stages a deletion.
func (b *Batch) Delete(key []byte) error {
	if b.closed {
		return ErrBatchClosed
	}

	return b.b.Delete(key, nil)
}

// IteratePrefix visits committed and staged pairs under prefix.
func (b *Batch) IteratePrefix(prefix []byte, fn func(key, value []byte) error) error {
	if b.closed {
		return ErrBatchClosed
	}

	iter, err := b.b.NewIter(prefixOptions(prefix))
	if err != nil {
		return err
	}

	return walk(iter, fn)
}

// Commit applies every staged write atomically and releases the batch.
func (b *Batch) Commit() error {
	if b.closed {
		return ErrBatchClosed
	}
	b.closed = true

	if err := b.b.Commit(pebble.NoSync); err != nil {
		_ = b.b.Close()
		return err
	}

	return b.b.Close()
}

// Discard drops every staged write. Safe to call after Commit.
func (b *Batch) Discard() {
	if b.closed {
		return
	}
	b.closed = true

	_ = b.b.Close()
}
