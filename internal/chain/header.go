package chain

import (
	"encoding/binary"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/zeebo/blake3"
)

// headerSize is the encoded header length.
const headerSize = 8 + 32 + 32 + 32 + 4 + 8

// Header is a sealed block.
type Header struct {
	Number  uint64      // Number is the block height
	Hash    common.Hash // Hash is the block hash, unknown until sealing
	Parent  common.Hash // Parent is the previous block hash
	TxRoot  common.Hash // TxRoot is the blake3 digest of included transaction hashes
	TxCount uint32      // TxCount is the number of included transactions
	Time    int64       // Time is the sealing time in unix seconds
}

// hashHeader computes the block hash over the header fields and the sealing salt.
func hashHeader(h Header, salt []byte) common.Hash {
	hasher := blake3.New()
	hasher.Write(binary.BigEndian.AppendUint64(nil, h.Number))
	hasher.Write(h.Parent[:])
	hasher.Write(h.TxRoot[:])
	hasher.Write(binary.BigEndian.AppendUint32(nil, h.TxCount))
	hasher.Write(binary.BigEndian.AppendUint64(nil, uint64(h.Time)))
	hasher.Write(salt)

	var out common.Hash
	copy(out[:], hasher.Sum(nil))

	return out
}

// encodeHeader serializes a header.
// Format: u64 number + hash + parent + tx root + u32 tx count + i64 time (big endian).
func encodeHeader(h Header) []byte {
	buf := make([]byte, 0, headerSize)
	buf = binary.BigEndian.AppendUint64(buf, h.Number)
	buf = append(buf, h.Hash[:]...)
	buf = append(buf, h.Parent[:]...)
	buf = append(buf, h.TxRoot[:]...)
	buf = binary.BigEndian.AppendUint32(buf, h.TxCount)
	return binary.BigEndian.AppendUint64(buf, uint64(h.Time))
}

// decodeHeader parses a serialized header.
func decodeHeader(data []byte) (Header, error) {
	if len(data) != headerSize {
		return Header{}, fmt.Errorf("invalid header length: %d", len(data))
	}

	var h Header
	h.Number = binary.BigEndian.Uint64(data[0:8])
	copy(h.Hash[:], data[8:40])
	copy(h.Parent[:], data[40:72])
	copy(h.TxRoot[:], data[72:104])
	h.TxCount = binary.BigEndian.Uint32(data[104:108])
	h.Time = int64(binary.BigEndian.Uint64(data[108:116]))

	return h, nil
}
