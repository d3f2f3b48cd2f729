package drop

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"golang.org/x/crypto/sha3"
)

// SeedProvider supplies hashes of sealed blocks.
// The hash of a block is unknown to anyone transacting before it is sealed.
type SeedProvider interface {
	BlockHash(number uint64) (common.Hash, error)
}

// keccak256 hashes the concatenation of parts.
func keccak256(parts ...[]byte) common.Hash {
	d := sha3.NewLegacyKeccak256()
	for _, p := range parts {
		d.Write(p)
	}

	var h common.Hash
	d.Sum(h[:0])

	return h
}

// word encodes v as a 32-byte big-endian word.
func word(v uint64) []byte {
	w := uint256.NewInt(v).Bytes32()
	return w[:]
}

// recordSeed mixes the seed block hash, the beneficiary and the record's
// queue position, so two records revealed off the same block still differ.
func recordSeed(blockHash common.Hash, beneficiary common.Address, sequence uint64) common.Hash {
	return keccak256(blockHash[:], beneficiary[:], word(sequence))
}

// drawIndex picks the position of unit u in a reservoir of count values.
// count must be positive.
func drawIndex(seed common.Hash, unit, count uint64) uint64 {
	h := keccak256(seed[:], word(unit))

	n := new(uint256.Int).SetBytes32(h[:])
	n.Mod(n, uint256.NewInt(count))

	return n.Uint64()
}
