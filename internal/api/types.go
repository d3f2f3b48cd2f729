package api

import (
	"github.com/ethereum/go-ethereum/common"

	"RandomDrop/internal/chain"
	"RandomDrop/internal/commitqueue"
	"RandomDrop/internal/drop"
)

// CallRequest identifies the caller of a transaction. It travels as the
// payload of a SignedRequest, and From must be the signer.
// Origin defaults to From; a differing origin models a call relayed by a contract.
type CallRequest struct {
	From   common.Address  `json:"from"`
	Origin *common.Address `json:"origin,omitempty"`
	Nonce  uint64          `json:"nonce"` // Nonce is the sender's next request nonce
}

// PurchaseRequest is the body of POST /sale/purchase.
type PurchaseRequest struct {
	CallRequest
	Value       string `json:"value"`       // Value is the payment in wei, as a decimal string
	Benevolence uint64 `json:"benevolence"` // Benevolence is how many extra commits to reveal
}

// RevealRequest is the body of POST /sale/reveal.
type RevealRequest struct {
	CallRequest
	Benevolence uint64 `json:"benevolence"`
}

// ReserveRequest is the body of POST /sale/reserve.
type ReserveRequest struct {
	CallRequest
	Recipient common.Address `json:"recipient"`
	Quantity  uint64         `json:"quantity"`
}

// Allocation is a revealed value.
type Allocation struct {
	Recipient common.Address `json:"recipient"`
	Value     uint64         `json:"value"`
}

// TxResponse reports an executed transaction.
type TxResponse struct {
	Tx          common.Hash  `json:"tx"`
	Block       uint64       `json:"block"`
	Sealed      bool         `json:"sealed"`
	Allocations []Allocation `json:"allocations"`
}

// StatsResponse is the body of GET /sale/stats.
type StatsResponse struct {
	Phase            string `json:"phase"`
	AvailableForSale uint64 `json:"availableForSale"`
	Queued           uint64 `json:"queued"`
	SetAside         uint64 `json:"setAside"`
	Revealed         uint64 `json:"revealed"`
	Remaining        uint64 `json:"remaining"`
}

// ConfigResponse is the body of GET /sale/config.
type ConfigResponse struct {
	InventorySize  uint64         `json:"inventorySize"`
	TeamAllocation uint64         `json:"teamAllocation"`
	PackSize       uint64         `json:"packSize"`
	PricePerPack   string         `json:"pricePerPack"`
	Owner          common.Address `json:"owner"`
}

// CommitResponse is one queued commit in GET /sale/pending.
type CommitResponse struct {
	Sequence    uint64         `json:"sequence"`
	Beneficiary common.Address `json:"beneficiary"`
	Quantity    uint64         `json:"quantity"`
	SeedBlock   uint64         `json:"seedBlock"`
}

// TokenResponse is the body of GET /tokens/{id}.
type TokenResponse struct {
	ID    uint64         `json:"id"`
	Owner common.Address `json:"owner"`
}

// HoldingsResponse is the body of GET /accounts/{addr}/tokens.
type HoldingsResponse struct {
	Owner  common.Address `json:"owner"`
	Tokens []uint64       `json:"tokens"`
}

// NonceResponse is the body of GET /accounts/{addr}/nonce.
type NonceResponse struct {
	Address common.Address `json:"address"`
	Nonce   uint64         `json:"nonce"`
}

// BlockResponse describes a sealed block.
type BlockResponse struct {
	Number  uint64      `json:"number"`
	Hash    common.Hash `json:"hash"`
	Parent  common.Hash `json:"parent"`
	TxRoot  common.Hash `json:"txRoot"`
	TxCount uint32      `json:"txCount"`
	Time    int64       `json:"time"`
}

// ErrorResponse carries the stable failure reason.
type ErrorResponse struct {
	Error string `json:"error"`
}

func toAllocations(allocs []drop.Allocation) []Allocation {
	out := make([]Allocation, len(allocs))
	for i, a := range allocs {
		out[i] = Allocation{Recipient: a.Recipient, Value: a.Value}
	}
	return out
}

func toCommits(records []commitqueue.Record) []CommitResponse {
	out := make([]CommitResponse, len(records))
	for i, r := range records {
		out[i] = CommitResponse{
			Sequence:    r.Sequence,
			Beneficiary: r.Beneficiary,
			Quantity:    r.Quantity,
			SeedBlock:   r.EligibleAfterBlock,
		}
	}
	return out
}

func toBlock(h chain.Header) BlockResponse {
	return BlockResponse{
		Number:  h.Number,
		Hash:    h.Hash,
		Parent:  h.Parent,
		TxRoot:  h.TxRoot,
		TxCount: h.TxCount,
		Time:    h.Time,
	}
}
