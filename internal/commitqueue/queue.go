// Package commitqueue is the FIFO ledger of purchases awaiting reveal.
//
// Each record remembers the block after which its randomness source is
// considered unpredictable to the buyer. Records leave strictly in insertion
// order, which fixes the draw order at commit time.
package commitqueue

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math/bits"

	"github.com/ethereum/go-ethereum/common"

	"RandomDrop/internal/storage"
)

// MaturityDelay is how many blocks after the commit block the seed block lies.
// At zero the seed is the commit block itself: its hash is fixed only when the
// block is sealed, after the commit was included, and the record matures in
// the next block.
const MaturityDelay = 0

var (
	// ErrEmpty is returned when dequeuing or peeking an empty queue.
	ErrEmpty = errors.New("queue is empty")

	// ErrZeroQuantity is returned when enqueuing nothing.
	ErrZeroQuantity = errors.New("quantity must be positive")

	// ErrOverflow is returned when a counter would wrap.
	ErrOverflow = errors.New("queue counter overflow")
)

// recordSize is the encoded size of a record: address + quantity + eligible block.
const recordSize = common.AddressLength + 8 + 8

// Key suffixes under the queue prefix.
var (
	suffixHead  = []byte("h")  // h -> sequence of the oldest record
	suffixTail  = []byte("t")  // t -> sequence the next record receives
	suffixTotal = []byte("n")  // n -> sum of queued quantities
	suffixEntry = []byte("e:") // e:<seq> -> encoded record
)

// Record is one committed purchase.
type Record struct {
	Sequence           uint64         // Sequence is the record's FIFO position
	Beneficiary        common.Address // Beneficiary receives the revealed values
	Quantity           uint64         // Quantity is the number of units committed
	EligibleAfterBlock uint64         // EligibleAfterBlock is the seed block for the reveal
}

// Queue is a handle over queue state inside a ReadWriter.
type Queue struct {
	state  storage.ReadWriter
	prefix []byte
}

// Open returns a queue stored under prefix.
func Open(state storage.ReadWriter, prefix []byte) *Queue {
	return &Queue{state: state, prefix: prefix}
}

// Enqueue appends a record for beneficiary committed at currentBlock.
func (q *Queue) Enqueue(beneficiary common.Address, quantity, currentBlock uint64) (Record, error) {
	if quantity == 0 {
		return Record{}, ErrZeroQuantity
	}

	eligible, carry := bits.Add64(currentBlock, MaturityDelay, 0)
	if carry != 0 {
		return Record{}, ErrOverflow
	}

	total, err := q.Count()
	if err != nil {
		return Record{}, err
	}

	newTotal, carry := bits.Add64(total, quantity, 0)
	if carry != 0 {
		return Record{}, ErrOverflow
	}

	tail, err := q.read(suffixTail)
	if err != nil {
		return Record{}, err
	}

	rec := Record{
		Sequence:           tail,
		Beneficiary:        beneficiary,
		Quantity:           quantity,
		EligibleAfterBlock: eligible,
	}

	if err := q.state.Set(q.entryKey(tail), encodeRecord(rec)); err != nil {
		return Record{}, fmt.Errorf("write record:\n%w", err)
	}

	if err := q.write(suffixTail, tail+1); err != nil {
		return Record{}, err
	}

	if err := q.write(suffixTotal, newTotal); err != nil {
		return Record{}, err
	}

	return rec, nil
}

// Peek returns the oldest record without removing it.
func (q *Queue) Peek() (Record, error) {
	head, tail, err := q.bounds()
	if err != nil {
		return Record{}, err
	}
	if head == tail {
		return Record{}, ErrEmpty
	}

	data, err := q.state.Get(q.entryKey(head))
	if err != nil {
		return Record{}, fmt.Errorf("read record %d:\n%w", head, err)
	}
	if data == nil {
		return Record{}, fmt.Errorf("record %d missing", head)
	}

	return decodeRecord(head, data)
}

// Dequeue removes and returns the oldest record.
func (q *Queue) Dequeue() (Record, error) {
	rec, err := q.Peek()
	if err != nil {
		return Record{}, err
	}

	total, err := q.Count()
	if err != nil {
		return Record{}, err
	}
	if total < rec.Quantity {
		return Record{}, fmt.Errorf("queued total %d below record quantity %d", total, rec.Quantity)
	}

	if err := q.state.Delete(q.entryKey(rec.Sequence)); err != nil {
		return Record{}, fmt.Errorf("delete record:\n%w", err)
	}

	if err := q.write(suffixHead, rec.Sequence+1); err != nil {
		return Record{}, err
	}

	if err := q.write(suffixTotal, total-rec.Quantity); err != nil {
		return Record{}, err
	}

	return rec, nil
}

// IsMature reports whether the oldest record can be revealed at currentBlock.
// The seed block must already be sealed, so it has to lie strictly before currentBlock.
func (q *Queue) IsMature(currentBlock uint64) (bool, error) {
	rec, err := q.Peek()
	if errors.Is(err, ErrEmpty) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	return currentBlock > rec.EligibleAfterBlock, nil
}

// Count returns the total queued quantity.
func (q *Queue) Count() (uint64, error) {
	return q.read(suffixTotal)
}

// Len returns the number of queued records.
func (q *Queue) Len() (uint64, error) {
	head, tail, err := q.bounds()
	if err != nil {
		return 0, err
	}

	return tail - head, nil
}

// Records returns every queued record, oldest first.
func (q *Queue) Records() ([]Record, error) {
	var records []Record

	err := q.state.IteratePrefix(q.key(suffixEntry), func(key, value []byte) error {
		seq := binary.BigEndian.Uint64(key[len(key)-8:])

		rec, err := decodeRecord(seq, value)
		if err != nil {
			return err
		}

		records = append(records, rec)
		return nil
	})
	if err != nil {
		return nil, err
	}

	return records, nil
}

// bounds returns the head and tail sequences.
func (q *Queue) bounds() (head, tail uint64, err error) {
	if head, err = q.read(suffixHead); err != nil {
		return 0, 0, err
	}
	if tail, err = q.read(suffixTail); err != nil {
		return 0, 0, err
	}

	return head, tail, nil
}

// read loads a counter; absent means zero.
func (q *Queue) read(suffix []byte) (uint64, error) {
	data, err := q.state.Get(q.key(suffix))
	if err != nil {
		return 0, err
	}
	if data == nil {
		return 0, nil
	}
	if len(data) != 8 {
		return 0, fmt.Errorf("invalid counter length: %d", len(data))
	}

	return binary.BigEndian.Uint64(data), nil
}

// write stores a counter.
func (q *Queue) write(suffix []byte, v uint64) error {
	if err := q.state.Set(q.key(suffix), binary.BigEndian.AppendUint64(nil, v)); err != nil {
		return fmt.Errorf("write %s:\n%w", suffix, err)
	}

	return nil
}

func (q *Queue) key(suffix []byte) []byte {
	key := make([]byte, 0, len(q.prefix)+len(suffix)+8)
	key = append(key, q.prefix...)
	return append(key, suffix...)
}

func (q *Queue) entryKey(seq uint64) []byte {
	return binary.BigEndian.AppendUint64(q.key(suffixEntry), seq)
}

// encodeRecord serializes a record.
// Format: 20-byte beneficiary + u64 quantity + u64 eligible block (big endian).
func encodeRecord(rec Record) []byte {
	buf := make([]byte, 0, recordSize)
	buf = append(buf, rec.Beneficiary.Bytes()...)
	buf = binary.BigEndian.AppendUint64(buf, rec.Quantity)
	return binary.BigEndian.AppendUint64(buf, rec.EligibleAfterBlock)
}

// decodeRecord parses a record stored at seq.
func decodeRecord(seq uint64, data []byte) (Record, error) {
	if len(data) != recordSize {
		return Record{}, fmt.Errorf("invalid record length: %d", len(data))
	}

	return Record{
		Sequence:           seq,
		Beneficiary:        common.BytesToAddress(data[:common.AddressLength]),
		Quantity:           binary.BigEndian.Uint64(data[common.AddressLength:]),
		EligibleAfterBlock: binary.BigEndian.Uint64(data[common.AddressLength+8:]),
	}, nil
}
