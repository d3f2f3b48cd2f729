package drop

import (
	"errors"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"RandomDrop/internal/chain"
	"RandomDrop/internal/reservoir"
	"RandomDrop/internal/storage"
	"RandomDrop/internal/token"
)

var (
	team         = common.HexToAddress("0x0000000000000000000000000000000000007ea0")
	aBuyer       = common.HexToAddress("0x00000000000000000000000000000000000000a1")
	anotherBuyer = common.HexToAddress("0x00000000000000000000000000000000000000b2")
	thirdBuyer   = common.HexToAddress("0x00000000000000000000000000000000000000c3")
	robot        = common.HexToAddress("0x0000000000000000000000000000000000000b07")
)

// testConfig is the reference sale: 100 items, 20 reserved, packs of 10 at 1 wei.
func testConfig() Config {
	return Config{
		InventorySize:  100,
		TeamAllocation: 20,
		PackSize:       10,
		PricePerPack:   uint256.NewInt(1),
		Owner:          team,
	}
}

// counterEntropy is a deterministic salt source for block sealing.
type counterEntropy struct {
	n byte
}

func (c *counterEntropy) Read(p []byte) (int, error) {
	for i := range p {
		p[i] = c.n
		c.n++
	}
	return len(p), nil
}

// harness runs an installed engine on a chain over an in-memory store.
type harness struct {
	t      *testing.T
	db     *storage.Storage
	chain  *chain.Chain
	engine *Engine
	tokens *token.Registry

	drawn map[uint64]common.Address // drawn records every allocation seen
}

type harnessOption func(*chain.Config)

// withoutAutomine keeps transactions in the pending block until mine.
func withoutAutomine() harnessOption {
	return func(c *chain.Config) { c.Automine = false }
}

// withHistory shrinks the block hash window.
func withHistory(n uint64) harnessOption {
	return func(c *chain.Config) { c.History = n }
}

// newHarness installs an engine for cfg. Automine is on unless disabled.
func newHarness(t *testing.T, cfg Config, opts ...harnessOption) *harness {
	t.Helper()

	db, err := storage.NewInMemory()
	if err != nil {
		t.Fatalf("failed to create storage: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	ccfg := chain.Config{Automine: true, Entropy: &counterEntropy{}}
	for _, opt := range opts {
		opt(&ccfg)
	}

	c, err := chain.New(db, ccfg)
	if err != nil {
		t.Fatalf("failed to create chain: %v", err)
	}

	tokens := token.NewRegistry(cfg.InventorySize)

	engine, err := New(cfg, c, tokens)
	if err != nil {
		t.Fatalf("failed to create engine: %v", err)
	}

	h := &harness{
		t:      t,
		db:     db,
		chain:  c,
		engine: engine,
		tokens: tokens,
		drawn:  make(map[uint64]common.Address),
	}

	if _, err := c.Execute(chain.Message{From: cfg.Owner}, engine.Install); err != nil {
		t.Fatalf("install failed: %v", err)
	}
	if !ccfg.Automine {
		h.mine()
	}

	return h
}

// run executes op as a transaction and records its allocations.
func (h *harness) run(msg chain.Message, op func(tx *chain.Tx) ([]Allocation, error)) ([]Allocation, error) {
	h.t.Helper()

	var allocs []Allocation

	_, err := h.chain.Execute(msg, func(tx *chain.Tx) error {
		var err error
		allocs, err = op(tx)
		return err
	})
	if err != nil {
		return nil, err
	}

	for _, a := range allocs {
		if prev, seen := h.drawn[a.Value]; seen {
			h.t.Fatalf("value %d drawn twice (first for %s)", a.Value, prev.Hex())
		}
		h.drawn[a.Value] = a.Recipient
	}

	h.checkConservation()

	return allocs, nil
}

func (h *harness) begin() {
	h.t.Helper()

	_, err := h.chain.Execute(chain.Message{From: team}, h.engine.BeginSale)
	if err != nil {
		h.t.Fatalf("begin sale failed: %v", err)
	}
}

func (h *harness) purchase(buyer common.Address, benevolence uint64) ([]Allocation, error) {
	h.t.Helper()

	msg := chain.Message{From: buyer, Value: h.engine.cfg.PricePerPack}
	return h.run(msg, func(tx *chain.Tx) ([]Allocation, error) {
		return h.engine.Purchase(tx, benevolence)
	})
}

func (h *harness) mustPurchase(buyer common.Address, benevolence uint64) []Allocation {
	h.t.Helper()

	allocs, err := h.purchase(buyer, benevolence)
	if err != nil {
		h.t.Fatalf("purchase failed: %v", err)
	}
	return allocs
}

func (h *harness) reveal(benevolence uint64) ([]Allocation, error) {
	h.t.Helper()

	return h.run(chain.Message{From: team}, func(tx *chain.Tx) ([]Allocation, error) {
		return h.engine.Reveal(tx, benevolence)
	})
}

func (h *harness) takeReserve(recipient common.Address, quantity uint64) ([]Allocation, error) {
	h.t.Helper()

	return h.run(chain.Message{From: team}, func(tx *chain.Tx) ([]Allocation, error) {
		return h.engine.TakeReserve(tx, recipient, quantity)
	})
}

func (h *harness) mine() {
	h.t.Helper()

	if _, err := h.chain.Mine(); err != nil {
		h.t.Fatalf("mine failed: %v", err)
	}
}

func (h *harness) stats() Statistics {
	h.t.Helper()

	s, err := h.engine.DropStatistics(h.db)
	if err != nil {
		h.t.Fatalf("DropStatistics failed: %v", err)
	}
	return s
}

func (h *harness) expectStats(available, queued, setAside uint64) {
	h.t.Helper()

	want := Statistics{AvailableForSale: available, Queued: queued, SetAside: setAside}
	if got := h.stats(); got != want {
		h.t.Errorf("stats = %+v, want %+v", got, want)
	}
}

// checkConservation asserts the accounting identities over committed state.
func (h *harness) checkConservation() {
	h.t.Helper()

	s := h.stats()

	revealed, err := h.engine.Revealed(h.db)
	if err != nil {
		h.t.Fatalf("Revealed failed: %v", err)
	}

	remaining, err := h.engine.Remaining(h.db)
	if err != nil {
		h.t.Fatalf("Remaining failed: %v", err)
	}

	n := h.engine.cfg.InventorySize
	if total := s.AvailableForSale + s.Queued + s.SetAside + revealed; total != n {
		h.t.Fatalf("conservation broken: %+v revealed=%d sums to %d, want %d", s, revealed, total, n)
	}
	if inPool := s.AvailableForSale + s.Queued + s.SetAside; remaining != inPool {
		h.t.Fatalf("reservoir holds %d, counters expect %d", remaining, inPool)
	}
	if uint64(len(h.drawn)) != revealed {
		h.t.Fatalf("saw %d allocations, engine revealed %d", len(h.drawn), revealed)
	}
}

// expectAllocations checks count, recipient, range and ownership of allocs.
func (h *harness) expectAllocations(allocs []Allocation, recipient common.Address, count int) {
	h.t.Helper()

	if len(allocs) != count {
		h.t.Fatalf("got %d allocations, want %d", len(allocs), count)
	}

	seen := make(map[uint64]bool)
	for _, a := range allocs {
		if a.Recipient != recipient {
			h.t.Errorf("allocation %d went to %s, want %s", a.Value, a.Recipient.Hex(), recipient.Hex())
		}
		if a.Value < 1 || a.Value > h.engine.cfg.InventorySize {
			h.t.Errorf("allocation %d outside 1..%d", a.Value, h.engine.cfg.InventorySize)
		}
		if seen[a.Value] {
			h.t.Errorf("allocation %d repeated", a.Value)
		}
		seen[a.Value] = true

		owner, err := h.tokens.OwnerOf(h.db, a.Value)
		if err != nil {
			h.t.Errorf("OwnerOf(%d) failed: %v", a.Value, err)
		} else if owner != recipient {
			h.t.Errorf("token %d owned by %s, want %s", a.Value, owner.Hex(), recipient.Hex())
		}
	}
}

// expectErr fails unless err wraps want.
func expectErr(t *testing.T, err, want error) {
	t.Helper()

	if !errors.Is(err, want) {
		t.Fatalf("got error %v, want %v", err, want)
	}
}

// newEmptyStore returns a store with no drop installed.
func newEmptyStore(t *testing.T) (*storage.Storage, error) {
	t.Helper()

	db, err := storage.NewInMemory()
	if err != nil {
		return nil, err
	}
	t.Cleanup(func() { db.Close() })

	return db, nil
}

// openReservoir opens the engine's reservoir in db.
func openReservoir(db storage.ReadWriter) *reservoir.Reservoir {
	return reservoir.Open(db, prefixReservoir)
}
