package storage

import "errors"

// ErrReadOnly is returned by writes through a ReadOnly view.
var ErrReadOnly = errors.New("read-only view")

// readOnly adapts a Reader to ReadWriter with failing writes.
type readOnly struct {
	Reader
}

// ReadOnly exposes r as a ReadWriter whose Set and Delete always fail.
// Query paths use it to open state handles without a batch.
func ReadOnly(r Reader) ReadWriter {
	return readOnly{Reader: r}
}

func (readOnly) Set(key, value []byte) error { return ErrReadOnly }

func (readOnly) Delete(key []byte) error { return ErrReadOnly }
