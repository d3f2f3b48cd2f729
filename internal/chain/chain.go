// Package chain hosts the sale on a single-sequencer ledger.
//
// Every state-mutating call runs as a transaction against an atomic storage
// batch: it either commits whole or leaves no trace. Successful transactions
// are folded into the pending block; sealing a block fixes its hash, which
// then serves as the randomness source for commits made before it.
package chain

import (
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/zeebo/blake3"

	"RandomDrop/internal/logger"
	"RandomDrop/internal/storage"
)

// saltSize is the number of entropy bytes mixed into each block hash.
const saltSize = 32

var (
	// ErrBlockNotSealed is returned for the pending block or any later one.
	ErrBlockNotSealed = errors.New("block not sealed yet")

	// ErrBlockTooOld is returned for blocks outside the history window.
	ErrBlockTooOld = errors.New("block hash no longer available")
)

// Key prefixes for chain data.
var (
	prefixHeader = []byte("b:")      // b:<number> -> header bytes
	keyHead      = []byte("m:head")  // m:head -> latest sealed number
	keyNonce     = []byte("m:nonce") // m:nonce -> executed transaction count
)

// Config holds chain parameters.
type Config struct {
	// History is the number of recent block hashes that stay readable.
	// Zero keeps every sealed block hash readable.
	History uint64

	// Automine seals a block after every successful transaction.
	Automine bool

	// Entropy supplies the per-block salt. Defaults to crypto/rand.
	Entropy io.Reader

	// Now returns the block timestamp. Defaults to time.Now.
	Now func() time.Time
}

// Message describes who is calling and what they pay.
type Message struct {
	From   common.Address // From is the immediate caller
	Origin common.Address // Origin is the account that signed; zero means From
	Value  *uint256.Int   // Value is the attached payment; nil means zero
}

// Tx is the execution context handed to a state transition.
type Tx struct {
	State  storage.ReadWriter // State is the transaction's private view of the store
	Block  uint64             // Block is the number of the block being built
	Sender common.Address     // Sender is the immediate caller
	Origin common.Address     // Origin is the externally-owned account behind the call
	Value  *uint256.Int       // Value is the attached payment, never nil
	Hash   common.Hash        // Hash identifies the transaction
}

// Receipt reports the outcome of an executed transaction.
type Receipt struct {
	TxHash common.Hash // TxHash identifies the transaction
	Block  uint64      // Block is the block the transaction was included in
	Sealed bool        // Sealed is true once the including block is sealed
}

// Chain serializes transactions and seals blocks.
type Chain struct {
	db  *storage.Storage
	cfg Config

	mu         sync.Mutex     // mu serializes transactions and sealing
	pending    *blake3.Hasher // pending accumulates hashes of included transactions
	pendingTxs uint32         // pendingTxs counts transactions in the pending block
	nonce      uint64         // nonce counts executed transactions

	headMu sync.RWMutex
	head   Header // head is the latest sealed block; written with mu and headMu held

	stopMine chan struct{}
	wg       sync.WaitGroup
}

// New opens the chain stored in db, writing a genesis block on first use.
func New(db *storage.Storage, cfg Config) (*Chain, error) {
	if cfg.Entropy == nil {
		cfg.Entropy = rand.Reader
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	c := &Chain{
		db:      db,
		cfg:     cfg,
		pending: blake3.New(),
	}

	if err := c.load(); err != nil {
		return nil, err
	}

	return c, nil
}

// load restores the head or creates genesis.
func (c *Chain) load() error {
	data, err := c.db.Get(keyHead)
	if err != nil {
		return fmt.Errorf("read head:\n%w", err)
	}

	if data == nil {
		genesis := Header{Number: 0, Time: c.cfg.Now().Unix()}
		genesis.Hash = hashHeader(genesis, nil)

		if err := c.writeHeader(genesis); err != nil {
			return fmt.Errorf("write genesis:\n%w", err)
		}

		c.head = genesis
		return nil
	}

	head, err := c.Header(binary.BigEndian.Uint64(data))
	if err != nil {
		return fmt.Errorf("load head header:\n%w", err)
	}
	c.head = head

	nonce, err := c.db.Get(keyNonce)
	if err != nil {
		return fmt.Errorf("read nonce:\n%w", err)
	}
	if len(nonce) == 8 {
		c.nonce = binary.BigEndian.Uint64(nonce)
	}

	return nil
}

// Execute runs fn as one transaction in the pending block.
// If fn fails, every write it made is discarded and its error is returned.
// Once the batch commits the receipt is always returned; with automine a
// failed seal leaves the transaction in the pending block and Sealed false.
func (c *Chain) Execute(msg Message, fn func(tx *Tx) error) (*Receipt, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	tx := c.newTx(msg)

	batch := c.db.NewBatch()
	defer batch.Discard()

	tx.State = batch

	if err := fn(tx); err != nil {
		return nil, err
	}

	if err := batch.Set(keyNonce, binary.BigEndian.AppendUint64(nil, c.nonce+1)); err != nil {
		return nil, fmt.Errorf("write nonce:\n%w", err)
	}

	if err := batch.Commit(); err != nil {
		return nil, fmt.Errorf("commit transaction:\n%w", err)
	}

	c.nonce++
	c.pending.Write(tx.Hash[:])
	c.pendingTxs++

	receipt := &Receipt{TxHash: tx.Hash, Block: tx.Block}

	if c.cfg.Automine {
		if _, err := c.sealLocked(); err != nil {
			logger.Error("seal block failed", "tx", tx.Hash.Hex(), "block", tx.Block, "error", err)
		} else {
			receipt.Sealed = true
		}
	}

	return receipt, nil
}

// newTx builds the context for the next transaction.
func (c *Chain) newTx(msg Message) *Tx {
	origin := msg.Origin
	if origin == (common.Address{}) {
		origin = msg.From
	}

	value := new(uint256.Int)
	if msg.Value != nil {
		value.Set(msg.Value)
	}

	block := c.head.Number + 1

	h := blake3.New()
	h.Write(msg.From.Bytes())
	h.Write(origin.Bytes())
	value32 := value.Bytes32()
	h.Write(value32[:])
	h.Write(binary.BigEndian.AppendUint64(nil, c.nonce))
	h.Write(binary.BigEndian.AppendUint64(nil, block))

	var txHash common.Hash
	copy(txHash[:], h.Sum(nil))

	return &Tx{
		Block:  block,
		Sender: msg.From,
		Origin: origin,
		Value:  value,
		Hash:   txHash,
	}
}

// Mine seals the pending block, even if it holds no transactions.
func (c *Chain) Mine() (Header, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.sealLocked()
}

// sealLocked seals the pending block (caller must hold mu).
func (c *Chain) sealLocked() (Header, error) {
	salt := make([]byte, saltSize)
	if _, err := io.ReadFull(c.cfg.Entropy, salt); err != nil {
		return Header{}, fmt.Errorf("read entropy:\n%w", err)
	}

	h := Header{
		Number:  c.head.Number + 1,
		Parent:  c.head.Hash,
		TxCount: c.pendingTxs,
		Time:    c.cfg.Now().Unix(),
	}
	copy(h.TxRoot[:], c.pending.Sum(nil))
	h.Hash = hashHeader(h, salt)

	if err := c.writeHeader(h); err != nil {
		return Header{}, err
	}

	c.headMu.Lock()
	c.head = h
	c.headMu.Unlock()

	c.pending.Reset()
	c.pendingTxs = 0

	logger.Debug("block sealed", "number", h.Number, "txs", h.TxCount, "hash", h.Hash.Hex()[:18])

	return h, nil
}

// writeHeader stores a header and advances the head pointer atomically.
func (c *Chain) writeHeader(h Header) error {
	return c.db.SetBatch([]storage.KeyValue{
		{Key: makeHeaderKey(h.Number), Value: encodeHeader(h)},
		{Key: keyHead, Value: binary.BigEndian.AppendUint64(nil, h.Number)},
	})
}

// BlockHash returns the hash of a sealed block inside the history window.
func (c *Chain) BlockHash(number uint64) (common.Hash, error) {
	head := c.Head()

	if number > head.Number {
		return common.Hash{}, fmt.Errorf("block %d (head %d): %w", number, head.Number, ErrBlockNotSealed)
	}
	if c.cfg.History > 0 && head.Number-number >= c.cfg.History {
		return common.Hash{}, fmt.Errorf("block %d (head %d): %w", number, head.Number, ErrBlockTooOld)
	}

	h, err := c.Header(number)
	if err != nil {
		return common.Hash{}, err
	}

	return h.Hash, nil
}

// Head returns the latest sealed header. Safe to call from inside Execute.
func (c *Chain) Head() Header {
	c.headMu.RLock()
	defer c.headMu.RUnlock()

	return c.head
}

// PendingBlock returns the number of the block transactions currently join.
func (c *Chain) PendingBlock() uint64 {
	return c.Head().Number + 1
}

// Header loads a sealed header by number.
func (c *Chain) Header(number uint64) (Header, error) {
	data, err := c.db.Get(makeHeaderKey(number))
	if err != nil {
		return Header{}, fmt.Errorf("read header %d:\n%w", number, err)
	}
	if data == nil {
		return Header{}, fmt.Errorf("header %d: %w", number, ErrBlockNotSealed)
	}

	return decodeHeader(data)
}

// StartMining seals a block every interval until Stop.
func (c *Chain) StartMining(interval time.Duration) {
	c.mu.Lock()
	if c.stopMine != nil {
		c.mu.Unlock()
		return
	}
	c.stopMine = make(chan struct{})
	stop := c.stopMine
	c.mu.Unlock()

	c.wg.Add(1)

	go func() {
		defer c.wg.Done()

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				if _, err := c.Mine(); err != nil {
					logger.Error("block production failed", "error", err)
				}
			case <-stop:
				return
			}
		}
	}()
}

// Stop halts the block production loop if running.
func (c *Chain) Stop() {
	c.mu.Lock()
	stop := c.stopMine
	c.stopMine = nil
	c.mu.Unlock()

	if stop != nil {
		close(stop)
	}
	c.wg.Wait()
}

// makeHeaderKey creates a storage key for a header.
func makeHeaderKey(number uint64) []byte {
	key := make([]byte, 0, len(prefixHeader)+8)
	key = append(key, prefixHeader...)
	return binary.BigEndian.AppendUint64(key, number)
}
