package commitqueue

import (
	"errors"
	"math"
	"testing"

	"github.com/ethereum/go-ethereum/common"

	"RandomDrop/internal/storage"
)

var (
	alice = common.HexToAddress("0x00000000000000000000000000000000000000a1")
	bob   = common.HexToAddress("0x00000000000000000000000000000000000000b2")
	carol = common.HexToAddress("0x00000000000000000000000000000000000000c3")
)

// newTestQueue opens a queue over a fresh in-memory store.
func newTestQueue(t *testing.T) *Queue {
	t.Helper()

	db, err := storage.NewInMemory()
	if err != nil {
		t.Fatalf("failed to create storage: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	return Open(db, []byte("q:"))
}

// fillABC enqueues alice, bob and carol with one unit each at block 1.
func fillABC(t *testing.T, q *Queue) {
	t.Helper()

	for _, who := range []common.Address{alice, bob, carol} {
		if _, err := q.Enqueue(who, 1, 1); err != nil {
			t.Fatalf("Enqueue failed: %v", err)
		}
	}
}

func TestDequeueInOrder(t *testing.T) {
	q := newTestQueue(t)
	fillABC(t, q)

	for i, want := range []common.Address{alice, bob, carol} {
		rec, err := q.Dequeue()
		if err != nil {
			t.Fatalf("Dequeue %d failed: %v", i, err)
		}
		if rec.Beneficiary != want {
			t.Errorf("Dequeue %d = %s, want %s", i, rec.Beneficiary.Hex(), want.Hex())
		}
		if rec.Sequence != uint64(i) {
			t.Errorf("Dequeue %d sequence = %d", i, rec.Sequence)
		}
	}
}

func TestMatureAfterSeedBlock(t *testing.T) {
	q := newTestQueue(t)
	fillABC(t, q)

	tests := []struct {
		block uint64
		want  bool
	}{
		{0, false},
		{1, false}, // seed block 1 is not sealed while block 1 executes
		{2, true},
		{300, true},
	}

	for _, tt := range tests {
		got, err := q.IsMature(tt.block)
		if err != nil {
			t.Fatalf("IsMature failed: %v", err)
		}
		if got != tt.want {
			t.Errorf("IsMature(%d) = %v, want %v", tt.block, got, tt.want)
		}
	}
}

func TestNotMatureWhenDepleted(t *testing.T) {
	q := newTestQueue(t)
	fillABC(t, q)

	for i := 0; i < 3; i++ {
		_, _ = q.Dequeue()
	}

	mature, err := q.IsMature(100)
	if err != nil {
		t.Fatalf("IsMature failed: %v", err)
	}
	if mature {
		t.Error("empty queue reports mature")
	}
}

func TestDequeueWhenDepleted(t *testing.T) {
	q := newTestQueue(t)
	fillABC(t, q)

	for i := 0; i < 3; i++ {
		_, _ = q.Dequeue()
	}

	if _, err := q.Dequeue(); !errors.Is(err, ErrEmpty) {
		t.Errorf("Dequeue on empty = %v, want ErrEmpty", err)
	}
	if _, err := q.Peek(); !errors.Is(err, ErrEmpty) {
		t.Errorf("Peek on empty = %v, want ErrEmpty", err)
	}
}

func TestCountsQuantity(t *testing.T) {
	q := newTestQueue(t)

	_, _ = q.Enqueue(alice, 10, 5)
	_, _ = q.Enqueue(bob, 3, 5)

	count, _ := q.Count()
	if count != 13 {
		t.Errorf("Count = %d, want 13", count)
	}

	n, _ := q.Len()
	if n != 2 {
		t.Errorf("Len = %d, want 2", n)
	}

	_, _ = q.Dequeue()

	count, _ = q.Count()
	if count != 3 {
		t.Errorf("Count after dequeue = %d, want 3", count)
	}

	n, _ = q.Len()
	if n != 1 {
		t.Errorf("Len after dequeue = %d, want 1", n)
	}
}

func TestEnqueueRecordsEligibleBlock(t *testing.T) {
	q := newTestQueue(t)

	rec, err := q.Enqueue(alice, 10, 41)
	if err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	if rec.EligibleAfterBlock != 41+MaturityDelay {
		t.Errorf("EligibleAfterBlock = %d, want %d", rec.EligibleAfterBlock, 41+MaturityDelay)
	}

	head, _ := q.Peek()
	if head != rec {
		t.Errorf("Peek = %+v, want %+v", head, rec)
	}
}

func TestEnqueueRejects(t *testing.T) {
	q := newTestQueue(t)

	if _, err := q.Enqueue(alice, 0, 1); !errors.Is(err, ErrZeroQuantity) {
		t.Errorf("zero quantity = %v, want ErrZeroQuantity", err)
	}

	_, _ = q.Enqueue(alice, math.MaxUint64, 1)
	if _, err := q.Enqueue(bob, 1, 1); !errors.Is(err, ErrOverflow) {
		t.Errorf("total overflow = %v, want ErrOverflow", err)
	}

	n, _ := q.Len()
	if n != 1 {
		t.Errorf("rejected enqueues left %d records, want 1", n)
	}
}

func TestRecordsOldestFirst(t *testing.T) {
	q := newTestQueue(t)
	fillABC(t, q)
	_, _ = q.Dequeue()

	records, err := q.Records()
	if err != nil {
		t.Fatalf("Records failed: %v", err)
	}

	if len(records) != 2 || records[0].Beneficiary != bob || records[1].Beneficiary != carol {
		t.Errorf("Records = %+v, want [bob carol]", records)
	}
}

func TestRecordEncoding(t *testing.T) {
	rec := Record{Sequence: 7, Beneficiary: carol, Quantity: 10, EligibleAfterBlock: 99}

	got, err := decodeRecord(7, encodeRecord(rec))
	if err != nil {
		t.Fatalf("decodeRecord failed: %v", err)
	}
	if got != rec {
		t.Errorf("decoded %+v, want %+v", got, rec)
	}

	if _, err := decodeRecord(0, []byte{1, 2, 3}); err == nil {
		t.Error("expected error for truncated record")
	}
}
