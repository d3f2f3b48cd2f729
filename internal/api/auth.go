package api

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"

	"RandomDrop/internal/storage"
)

const (
	// requestDomain prefixes every signed request hash.
	requestDomain = "RandomDrop signed request\n"

	// signatureSize is the length of an [R || S || V] secp256k1 signature.
	signatureSize = 65
)

var (
	// ErrBadSignature means the signature is malformed or not made by the caller.
	ErrBadSignature = errors.New("signature does not match sender")

	// ErrBadNonce means the request nonce is not the account's next nonce.
	ErrBadNonce = errors.New("nonce mismatch")
)

// prefixAccountNonce keys the signed request counter of each account.
var prefixAccountNonce = []byte("a:n:") // a:n:<address> -> next request nonce

// SignedRequest is the body of every state-mutating request.
// Payload is the JSON call; Signature is the caller's secp256k1 signature
// over RequestHash(route, Payload).
type SignedRequest struct {
	Payload   json.RawMessage `json:"payload"`
	Signature hexutil.Bytes   `json:"signature"`
}

// caller is implemented by every request embedding CallRequest.
type caller interface {
	call() *CallRequest
}

func (c *CallRequest) call() *CallRequest {
	return c
}

// RequestHash is the digest signed for a request to route, for example
// "POST /sale/purchase".
func RequestHash(route string, payload []byte) common.Hash {
	return crypto.Keccak256Hash([]byte(requestDomain), []byte(route), []byte{'\n'}, payload)
}

// recoverSender returns the address that signed hash.
func recoverSender(hash common.Hash, sig []byte) (common.Address, error) {
	if len(sig) != signatureSize {
		return common.Address{}, fmt.Errorf("signature is %d bytes: %w", len(sig), ErrBadSignature)
	}

	pub, err := crypto.SigToPub(hash[:], sig)
	if err != nil {
		return common.Address{}, fmt.Errorf("recover signer: %w: %w", ErrBadSignature, err)
	}

	return crypto.PubkeyToAddress(*pub), nil
}

// verifyRequest checks the envelope was signed by the payload's sender.
func verifyRequest(route string, req SignedRequest, from common.Address) error {
	signer, err := recoverSender(RequestHash(route, req.Payload), req.Signature)
	if err != nil {
		return err
	}

	if signer != from {
		return fmt.Errorf("signed by %s, sent as %s: %w", signer.Hex(), from.Hex(), ErrBadSignature)
	}

	return nil
}

// AccountNonce returns the nonce the next signed request from addr must carry.
func AccountNonce(r storage.Reader, addr common.Address) (uint64, error) {
	data, err := r.Get(makeNonceKey(addr))
	if err != nil {
		return 0, fmt.Errorf("read nonce of %s:\n%w", addr.Hex(), err)
	}
	if len(data) != 8 {
		return 0, nil
	}

	return binary.BigEndian.Uint64(data), nil
}

// consumeNonce checks nonce is next for addr and advances it.
func consumeNonce(rw storage.ReadWriter, addr common.Address, nonce uint64) error {
	next, err := AccountNonce(rw, addr)
	if err != nil {
		return err
	}
	if nonce != next {
		return fmt.Errorf("got %d, want %d: %w", nonce, next, ErrBadNonce)
	}

	return rw.Set(makeNonceKey(addr), binary.BigEndian.AppendUint64(nil, next+1))
}

// makeNonceKey creates a storage key for an account nonce.
func makeNonceKey(addr common.Address) []byte {
	key := make([]byte, 0, len(prefixAccountNonce)+common.AddressLength)
	key = append(key, prefixAccountNonce...)
	return append(key, addr.Bytes()...)
}
