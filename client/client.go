package client

import (
	"crypto/ecdsa"
	"encoding/json"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/holiman/uint256"

	"RandomDrop/internal/api"
)

// Client connects to a drop node via HTTP.
type Client struct {
	nodeAddr string // nodeAddr is the HTTP address (e.g. "127.0.0.1:8080")
}

// Account signs requests with one secp256k1 key.
// Calls from the same account must not run concurrently: each one
// carries the account's next nonce.
type Account struct {
	client  *Client           // client is the node connection
	key     *ecdsa.PrivateKey // key signs every request
	address common.Address    // address is derived from key
	origin  common.Address    // origin, if set, makes calls look relayed by a contract
}

// NewClient creates a client for the node at nodeAddr and checks it is up.
func NewClient(nodeAddr string) (*Client, error) {
	c := &Client{nodeAddr: nodeAddr}

	var health map[string]string
	if err := httpGet(c.url("/health"), &health); err != nil {
		return nil, fmt.Errorf("health check:\n%w", err)
	}

	return c, nil
}

// Account returns a handle calling as the address of key.
func (c *Client) Account(key *ecdsa.PrivateKey) *Account {
	return &Account{client: c, key: key, address: crypto.PubkeyToAddress(key.PublicKey)}
}

// Config fetches the sale parameters.
func (c *Client) Config() (*api.ConfigResponse, error) {
	var resp api.ConfigResponse
	if err := httpGet(c.url("/sale/config"), &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Stats fetches the sale counters.
func (c *Client) Stats() (*api.StatsResponse, error) {
	var resp api.StatsResponse
	if err := httpGet(c.url("/sale/stats"), &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Pending fetches the queued commits, oldest first.
func (c *Client) Pending() ([]api.CommitResponse, error) {
	var resp []api.CommitResponse
	if err := httpGet(c.url("/sale/pending"), &resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// OwnerOf returns the owner of a revealed value.
func (c *Client) OwnerOf(id uint64) (common.Address, error) {
	var resp api.TokenResponse
	if err := httpGet(c.url(fmt.Sprintf("/tokens/%d", id)), &resp); err != nil {
		return common.Address{}, err
	}
	return resp.Owner, nil
}

// TokensOf returns the values held by owner in ascending order.
func (c *Client) TokensOf(owner common.Address) ([]uint64, error) {
	var resp api.HoldingsResponse
	if err := httpGet(c.url("/accounts/"+owner.Hex()+"/tokens"), &resp); err != nil {
		return nil, err
	}
	return resp.Tokens, nil
}

// LatestBlock returns the latest sealed block.
func (c *Client) LatestBlock() (*api.BlockResponse, error) {
	var resp api.BlockResponse
	if err := httpGet(c.url("/blocks/latest"), &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Nonce returns the nonce the next request from addr must carry.
func (c *Client) Nonce(addr common.Address) (uint64, error) {
	var resp api.NonceResponse
	if err := httpGet(c.url("/accounts/"+addr.Hex()+"/nonce"), &resp); err != nil {
		return 0, err
	}
	return resp.Nonce, nil
}

func (c *Client) url(path string) string {
	return "http://" + c.nodeAddr + path
}

// Address returns the calling address.
func (a *Account) Address() common.Address {
	return a.address
}

// Via returns a handle whose calls originate from origin, as if a contract
// at a's address relayed them.
func (a *Account) Via(origin common.Address) *Account {
	return &Account{client: a.client, key: a.key, address: a.address, origin: origin}
}

// BeginSale opens the sale.
func (a *Account) BeginSale() (*api.TxResponse, error) {
	return a.transact("/sale/begin", func(call api.CallRequest) any {
		return call
	})
}

// Purchase buys one pack paying value wei.
func (a *Account) Purchase(value *uint256.Int, benevolence uint64) (*api.TxResponse, error) {
	return a.transact("/sale/purchase", func(call api.CallRequest) any {
		return api.PurchaseRequest{CallRequest: call, Value: value.Dec(), Benevolence: benevolence}
	})
}

// Reveal processes up to 1+benevolence mature commits.
func (a *Account) Reveal(benevolence uint64) (*api.TxResponse, error) {
	return a.transact("/sale/reveal", func(call api.CallRequest) any {
		return api.RevealRequest{CallRequest: call, Benevolence: benevolence}
	})
}

// TakeReserve draws quantity set-aside values for recipient.
func (a *Account) TakeReserve(recipient common.Address, quantity uint64) (*api.TxResponse, error) {
	return a.transact("/sale/reserve", func(call api.CallRequest) any {
		return api.ReserveRequest{CallRequest: call, Recipient: recipient, Quantity: quantity}
	})
}

// Mine seals the pending block. Owner only.
func (a *Account) Mine() (*api.BlockResponse, error) {
	var resp api.BlockResponse
	err := a.post("/blocks/mine", func(call api.CallRequest) any { return call }, &resp)
	if err != nil {
		return nil, err
	}
	return &resp, nil
}

func (a *Account) call(nonce uint64) api.CallRequest {
	req := api.CallRequest{From: a.address, Nonce: nonce}
	if a.origin != (common.Address{}) {
		origin := a.origin
		req.Origin = &origin
	}
	return req
}

func (a *Account) transact(path string, body func(call api.CallRequest) any) (*api.TxResponse, error) {
	var resp api.TxResponse
	if err := a.post(path, body, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// post signs the payload built by body with the account's next nonce.
func (a *Account) post(path string, body func(call api.CallRequest) any, result any) error {
	nonce, err := a.client.Nonce(a.address)
	if err != nil {
		return fmt.Errorf("fetch nonce:\n%w", err)
	}

	payload, err := json.Marshal(body(a.call(nonce)))
	if err != nil {
		return fmt.Errorf("marshal payload:\n%w", err)
	}

	hash := api.RequestHash("POST "+path, payload)
	sig, err := crypto.Sign(hash[:], a.key)
	if err != nil {
		return fmt.Errorf("sign request:\n%w", err)
	}

	return httpPostJSON(a.client.url(path), api.SignedRequest{Payload: payload, Signature: sig}, result)
}
