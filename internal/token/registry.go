// Package token records who owns each allocated inventory value.
package token

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"

	"RandomDrop/internal/storage"
)

var (
	// ErrAlreadyMinted is returned when a token id is minted twice.
	ErrAlreadyMinted = errors.New("token already minted")

	// ErrNotMinted is returned when looking up a token nobody owns.
	ErrNotMinted = errors.New("token not minted")

	// ErrInvalidID is returned for ids outside 1..limit.
	ErrInvalidID = errors.New("token id out of range")

	// ErrZeroAddress is returned when minting to the zero address.
	ErrZeroAddress = errors.New("mint to the zero address")
)

// Key prefixes for token data.
var (
	prefixOwner   = []byte("t:o:") // t:o:<id> -> owner address
	prefixHolding = []byte("t:h:") // t:h:<owner><id> -> empty, for enumeration
	keySupply     = []byte("t:n")  // t:n -> minted count
)

// Registry is a mint-once ownership ledger for ids 1..limit.
type Registry struct {
	limit uint64
}

// NewRegistry creates a registry accepting ids 1..limit.
func NewRegistry(limit uint64) *Registry {
	return &Registry{limit: limit}
}

// Mint assigns id to owner. It writes through state, so it commits or
// rolls back together with the transaction that called it.
func (r *Registry) Mint(state storage.ReadWriter, owner common.Address, id uint64) error {
	if id == 0 || id > r.limit {
		return fmt.Errorf("mint %d: %w", id, ErrInvalidID)
	}
	if owner == (common.Address{}) {
		return ErrZeroAddress
	}

	existing, err := state.Get(makeOwnerKey(id))
	if err != nil {
		return fmt.Errorf("read owner:\n%w", err)
	}
	if existing != nil {
		return fmt.Errorf("mint %d: %w", id, ErrAlreadyMinted)
	}

	supply, err := r.TotalSupply(state)
	if err != nil {
		return err
	}

	if err := state.Set(makeOwnerKey(id), owner.Bytes()); err != nil {
		return fmt.Errorf("write owner:\n%w", err)
	}
	if err := state.Set(makeHoldingKey(owner, id), nil); err != nil {
		return fmt.Errorf("write holding:\n%w", err)
	}
	if err := state.Set(keySupply, binary.BigEndian.AppendUint64(nil, supply+1)); err != nil {
		return fmt.Errorf("write supply:\n%w", err)
	}

	return nil
}

// OwnerOf returns the owner of id.
func (r *Registry) OwnerOf(state storage.Reader, id uint64) (common.Address, error) {
	if id == 0 || id > r.limit {
		return common.Address{}, fmt.Errorf("token %d: %w", id, ErrInvalidID)
	}

	data, err := state.Get(makeOwnerKey(id))
	if err != nil {
		return common.Address{}, err
	}
	if data == nil {
		return common.Address{}, fmt.Errorf("token %d: %w", id, ErrNotMinted)
	}

	return common.BytesToAddress(data), nil
}

// TokensOf returns the ids owned by owner in ascending order.
func (r *Registry) TokensOf(state storage.Reader, owner common.Address) ([]uint64, error) {
	prefix := makeHoldingKey(owner, 0)
	prefix = prefix[:len(prefix)-8]

	var ids []uint64

	err := state.IteratePrefix(prefix, func(key, _ []byte) error {
		ids = append(ids, binary.BigEndian.Uint64(key[len(key)-8:]))
		return nil
	})
	if err != nil {
		return nil, err
	}

	return ids, nil
}

// TotalSupply returns the number of minted tokens.
func (r *Registry) TotalSupply(state storage.Reader) (uint64, error) {
	data, err := state.Get(keySupply)
	if err != nil {
		return 0, err
	}
	if len(data) != 8 {
		return 0, nil
	}

	return binary.BigEndian.Uint64(data), nil
}

// Limit returns the highest mintable id.
func (r *Registry) Limit() uint64 {
	return r.limit
}

func makeOwnerKey(id uint64) []byte {
	key := make([]byte, 0, len(prefixOwner)+8)
	key = append(key, prefixOwner...)
	return binary.BigEndian.AppendUint64(key, id)
}

func makeHoldingKey(owner common.Address, id uint64) []byte {
	key := make([]byte, 0, len(prefixHolding)+common.AddressLength+8)
	key = append(key, prefixHolding...)
	key = append(key, owner.Bytes()...)
	return binary.BigEndian.AppendUint64(key, id)
}
