// Package drop runs a commit/reveal sale of a numbered inventory.
//
// A purchase pays for one pack and queues a commit. Any later call whose
// block comes after the commit's seed block reveals it: the seed block hash,
// unknown when the buyer committed, picks the buyer's values from the
// reservoir without replacement. Commits are revealed strictly in order.
//
// All state lives in the transaction's storage view, so a failed call
// leaves nothing behind.
package drop

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"

	"RandomDrop/internal/chain"
	"RandomDrop/internal/commitqueue"
	"RandomDrop/internal/logger"
	"RandomDrop/internal/reservoir"
	"RandomDrop/internal/storage"
)

// Key prefixes and counters for drop state.
var (
	prefixReservoir = []byte("r:")
	prefixQueue     = []byte("q:")

	keyBegan     = []byte("d:began")     // d:began -> 1 once the sale opened
	keyAvailable = []byte("d:available") // d:available -> units still for sale
	keyReserve   = []byte("d:reserve")   // d:reserve -> units set aside
	keyRevealed  = []byte("d:revealed")  // d:revealed -> units drawn so far
	keyNonce     = []byte("d:nonce")     // d:nonce -> reserve takes so far
)

// Phase is the sale state.
type Phase int

const (
	NotStarted Phase = iota
	Active
	SoldOut
)

// String returns the phase name.
func (p Phase) String() string {
	switch p {
	case NotStarted:
		return "not-started"
	case Active:
		return "active"
	case SoldOut:
		return "sold-out"
	default:
		return fmt.Sprintf("phase(%d)", int(p))
	}
}

// Minter assigns ownership of a drawn value. It writes through state so
// the assignment commits or rolls back with the drawing transaction.
type Minter interface {
	Mint(state storage.ReadWriter, recipient common.Address, value uint64) error
}

// Allocation binds a drawn value to its recipient.
type Allocation struct {
	Recipient common.Address // Recipient receives the value
	Value     uint64         // Value is the allocated inventory number
}

// Statistics is the externally observable progress of a drop.
type Statistics struct {
	AvailableForSale uint64 // AvailableForSale is inventory not yet bought
	Queued           uint64 // Queued is bought but not yet revealed
	SetAside         uint64 // SetAside is reserved for the team take
}

// Engine implements the sale operations over transaction state.
type Engine struct {
	cfg    Config
	seeds  SeedProvider
	minter Minter
}

// New creates an engine. The config must validate.
func New(cfg Config, seeds SeedProvider, minter Minter) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid drop config:\n%w", err)
	}
	if seeds == nil || minter == nil {
		return nil, fmt.Errorf("seed provider and minter are required")
	}

	return &Engine{cfg: cfg, seeds: seeds, minter: minter}, nil
}

// Config returns the engine's config.
func (e *Engine) Config() Config {
	return e.cfg
}

// Install writes the initial counters and reservoir. Owner only, once.
func (e *Engine) Install(tx *chain.Tx) error {
	if err := e.onlyOwner(tx); err != nil {
		return err
	}

	res := reservoir.Open(tx.State, prefixReservoir)

	ok, err := res.Initialized()
	if err != nil {
		return err
	}
	if ok {
		return ErrAlreadyInstalled
	}

	if err := res.Initialize(e.cfg.InventorySize); err != nil {
		return fmt.Errorf("initialize reservoir:\n%w", err)
	}

	s := state{tx.State}
	if err := s.set(keyAvailable, e.cfg.ForSale()); err != nil {
		return err
	}
	if err := s.set(keyReserve, e.cfg.TeamAllocation); err != nil {
		return err
	}

	logger.Info("drop installed",
		"inventory", e.cfg.InventorySize,
		"reserve", e.cfg.TeamAllocation,
		"pack", e.cfg.PackSize,
		"price", e.cfg.PricePerPack.Dec(),
	)

	return nil
}

// CheckInstalled verifies that state holds a drop matching the config.
func (e *Engine) CheckInstalled(r storage.Reader) error {
	res := reservoir.Open(storage.ReadOnly(r), prefixReservoir)

	ok, err := res.Initialized()
	if err != nil {
		return err
	}
	if !ok {
		return ErrNotInstalled
	}

	size, err := res.Size()
	if err != nil {
		return err
	}
	if size != e.cfg.InventorySize {
		return fmt.Errorf("installed inventory %d, configured %d: %w", size, e.cfg.InventorySize, ErrConfigMismatch)
	}

	return nil
}

// BeginSale opens the sale. Owner only, once.
func (e *Engine) BeginSale(tx *chain.Tx) error {
	if err := e.onlyOwner(tx); err != nil {
		return err
	}

	s := state{tx.State}

	began, err := s.began()
	if err != nil {
		return err
	}
	if began {
		return ErrAlreadyBegan
	}

	if err := tx.State.Set(keyBegan, []byte{1}); err != nil {
		return fmt.Errorf("write began:\n%w", err)
	}

	logger.Info("sale began", "block", tx.Block)

	return nil
}

// Purchase buys one pack for the caller and reveals up to 1+benevolence
// mature commits, oldest first. The new commit is never among them.
func (e *Engine) Purchase(tx *chain.Tx, benevolence uint64) ([]Allocation, error) {
	s := state{tx.State}

	began, err := s.began()
	if err != nil {
		return nil, err
	}
	if !began {
		return nil, ErrNotStarted
	}

	// Only externally-owned accounts may buy.
	if tx.Sender != tx.Origin {
		return nil, ErrNotExternallyOwned
	}

	available, err := s.get(keyAvailable)
	if err != nil {
		return nil, err
	}
	if available < e.cfg.PackSize {
		return nil, ErrSoldOut
	}

	if tx.Value.Cmp(e.cfg.PricePerPack) != 0 {
		return nil, ErrWrongPayment
	}

	if err := s.set(keyAvailable, available-e.cfg.PackSize); err != nil {
		return nil, err
	}

	queue := commitqueue.Open(tx.State, prefixQueue)

	rec, err := queue.Enqueue(tx.Sender, e.cfg.PackSize, tx.Block)
	if err != nil {
		return nil, fmt.Errorf("enqueue commit:\n%w", err)
	}

	logger.Debug("commit queued",
		"buyer", tx.Sender.Hex(),
		"sequence", rec.Sequence,
		"quantity", rec.Quantity,
		"seed_block", rec.EligibleAfterBlock,
	)

	return e.revealMature(tx, queue, benevolence)
}

// Reveal processes up to 1+benevolence mature commits. Owner only.
func (e *Engine) Reveal(tx *chain.Tx, benevolence uint64) ([]Allocation, error) {
	if err := e.onlyOwner(tx); err != nil {
		return nil, err
	}

	began, err := state{tx.State}.began()
	if err != nil {
		return nil, err
	}
	if !began {
		return nil, ErrNotStarted
	}

	return e.revealMature(tx, commitqueue.Open(tx.State, prefixQueue), benevolence)
}

// TakeReserve draws quantity values for recipient from the set-aside
// inventory. Owner only, and only once everything for sale is bought.
func (e *Engine) TakeReserve(tx *chain.Tx, recipient common.Address, quantity uint64) ([]Allocation, error) {
	if err := e.onlyOwner(tx); err != nil {
		return nil, err
	}
	if recipient == (common.Address{}) {
		return nil, ErrZeroRecipient
	}

	s := state{tx.State}

	available, err := s.get(keyAvailable)
	if err != nil {
		return nil, err
	}
	if available > 0 {
		return nil, ErrDuringSale
	}

	reserve, err := s.get(keyReserve)
	if err != nil {
		return nil, err
	}
	if quantity > reserve {
		return nil, ErrNotEnough
	}

	nonce, err := s.get(keyNonce)
	if err != nil {
		return nil, err
	}

	// Reserve takes are privileged, so the latest sealed block is enough.
	blockHash, err := e.seeds.BlockHash(tx.Block - 1)
	if err != nil {
		return nil, fmt.Errorf("reserve seed: %w: %w", ErrBlockUnavailable, err)
	}

	seed := keccak256(blockHash[:], recipient[:], word(nonce))
	res := reservoir.Open(tx.State, prefixReservoir)

	allocs, err := e.drawUnits(tx.State, res, seed, recipient, quantity)
	if err != nil {
		return nil, err
	}

	if err := s.set(keyReserve, reserve-quantity); err != nil {
		return nil, err
	}
	if err := s.set(keyNonce, nonce+1); err != nil {
		return nil, err
	}
	if err := s.add(keyRevealed, quantity); err != nil {
		return nil, err
	}

	logger.Info("reserve taken", "recipient", recipient.Hex(), "quantity", quantity, "remaining", reserve-quantity)

	return allocs, nil
}

// revealMature reveals mature commits until 1+benevolence are done, the
// queue empties, or the head is not mature yet.
func (e *Engine) revealMature(tx *chain.Tx, queue *commitqueue.Queue, benevolence uint64) ([]Allocation, error) {
	res := reservoir.Open(tx.State, prefixReservoir)

	var out []Allocation

	for i := uint64(0); ; i++ {
		mature, err := queue.IsMature(tx.Block)
		if err != nil {
			return nil, err
		}
		if !mature {
			break
		}

		allocs, err := e.revealOne(tx, queue, res)
		if err != nil {
			return nil, err
		}
		out = append(out, allocs...)

		if i >= benevolence {
			break
		}
	}

	return out, nil
}

// revealOne pops the oldest commit and draws all of its units.
func (e *Engine) revealOne(tx *chain.Tx, queue *commitqueue.Queue, res *reservoir.Reservoir) ([]Allocation, error) {
	rec, err := queue.Dequeue()
	if err != nil {
		return nil, fmt.Errorf("dequeue commit:\n%w", err)
	}

	blockHash, err := e.seeds.BlockHash(rec.EligibleAfterBlock)
	if err != nil {
		return nil, fmt.Errorf("reveal commit %d: %w: %w", rec.Sequence, ErrBlockUnavailable, err)
	}

	seed := recordSeed(blockHash, rec.Beneficiary, rec.Sequence)

	allocs, err := e.drawUnits(tx.State, res, seed, rec.Beneficiary, rec.Quantity)
	if err != nil {
		return nil, fmt.Errorf("reveal commit %d:\n%w", rec.Sequence, err)
	}

	if err := (state{tx.State}).add(keyRevealed, rec.Quantity); err != nil {
		return nil, err
	}

	logger.Debug("commit revealed",
		"buyer", rec.Beneficiary.Hex(),
		"sequence", rec.Sequence,
		"quantity", rec.Quantity,
		"block", tx.Block,
	)

	return allocs, nil
}

// drawUnits takes quantity values from the reservoir and mints each one.
func (e *Engine) drawUnits(st storage.ReadWriter, res *reservoir.Reservoir, seed common.Hash, recipient common.Address, quantity uint64) ([]Allocation, error) {
	allocs := make([]Allocation, 0, quantity)

	for u := uint64(0); u < quantity; u++ {
		count, err := res.Count()
		if err != nil {
			return nil, err
		}
		if count == 0 {
			logger.Error("reservoir exhausted during draw", "recipient", recipient.Hex(), "unit", u)
			return nil, ErrReservoirExhausted
		}

		value, err := res.TakeAt(drawIndex(seed, u, count))
		if err != nil {
			return nil, fmt.Errorf("take value:\n%w", err)
		}

		if err := e.minter.Mint(st, recipient, value); err != nil {
			return nil, fmt.Errorf("mint %d:\n%w", value, err)
		}

		allocs = append(allocs, Allocation{Recipient: recipient, Value: value})
	}

	return allocs, nil
}

// onlyOwner rejects callers other than the configured owner.
func (e *Engine) onlyOwner(tx *chain.Tx) error {
	if tx.Sender != e.cfg.Owner {
		return ErrNotOwner
	}

	return nil
}

// DropStatistics returns (available for sale, queued, set aside).
func (e *Engine) DropStatistics(r storage.Reader) (Statistics, error) {
	view := storage.ReadOnly(r)
	s := state{view}

	available, err := s.get(keyAvailable)
	if err != nil {
		return Statistics{}, err
	}

	queued, err := commitqueue.Open(view, prefixQueue).Count()
	if err != nil {
		return Statistics{}, err
	}

	reserve, err := s.get(keyReserve)
	if err != nil {
		return Statistics{}, err
	}

	return Statistics{AvailableForSale: available, Queued: queued, SetAside: reserve}, nil
}

// Revealed returns how many values have been drawn, sale and reserve together.
func (e *Engine) Revealed(r storage.Reader) (uint64, error) {
	return state{storage.ReadOnly(r)}.get(keyRevealed)
}

// Remaining returns how many values the reservoir still holds.
func (e *Engine) Remaining(r storage.Reader) (uint64, error) {
	return reservoir.Open(storage.ReadOnly(r), prefixReservoir).Count()
}

// Phase returns the sale state.
func (e *Engine) Phase(r storage.Reader) (Phase, error) {
	s := state{storage.ReadOnly(r)}

	began, err := s.began()
	if err != nil {
		return NotStarted, err
	}
	if !began {
		return NotStarted, nil
	}

	available, err := s.get(keyAvailable)
	if err != nil {
		return NotStarted, err
	}
	if available < e.cfg.PackSize {
		return SoldOut, nil
	}

	return Active, nil
}

// Pending returns the queued commits, oldest first.
func (e *Engine) Pending(r storage.Reader) ([]commitqueue.Record, error) {
	return commitqueue.Open(storage.ReadOnly(r), prefixQueue).Records()
}

// state reads and writes the drop counters.
type state struct {
	rw storage.ReadWriter
}

func (s state) began() (bool, error) {
	data, err := s.rw.Get(keyBegan)
	if err != nil {
		return false, err
	}

	return len(data) == 1 && data[0] == 1, nil
}

func (s state) get(key []byte) (uint64, error) {
	data, err := s.rw.Get(key)
	if err != nil {
		return 0, fmt.Errorf("read %s:\n%w", key, err)
	}
	if data == nil {
		return 0, nil
	}
	if len(data) != 8 {
		return 0, fmt.Errorf("invalid counter %s length: %d", key, len(data))
	}

	return binary.BigEndian.Uint64(data), nil
}

func (s state) set(key []byte, v uint64) error {
	if err := s.rw.Set(key, binary.BigEndian.AppendUint64(nil, v)); err != nil {
		return fmt.Errorf("write %s:\n%w", key, err)
	}

	return nil
}

func (s state) add(key []byte, delta uint64) error {
	v, err := s.get(key)
	if err != nil {
		return err
	}

	sum := v + delta
	if sum < v {
		return errors.New("counter overflow")
	}

	return s.set(key, sum)
}
