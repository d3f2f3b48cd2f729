package api

import (
	"bytes"
	"crypto/ecdsa"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/holiman/uint256"

	"RandomDrop/internal/chain"
	"RandomDrop/internal/drop"
	"RandomDrop/internal/storage"
	"RandomDrop/internal/token"
)

// signer is a test account holding its key.
type signer struct {
	key  *ecdsa.PrivateKey
	addr common.Address
}

func newSigner(hexKey string) signer {
	key, err := crypto.HexToECDSA(hexKey)
	if err != nil {
		panic(err)
	}
	return signer{key: key, addr: crypto.PubkeyToAddress(key.PublicKey)}
}

var (
	ownerAcct = newSigner("1111111111111111111111111111111111111111111111111111111111111111")
	buyerAcct = newSigner("2222222222222222222222222222222222222222222222222222222222222222")
	otherAcct = newSigner("3333333333333333333333333333333333333333333333333333333333333333")

	owner  = ownerAcct.addr
	buyer  = buyerAcct.addr
	other  = otherAcct.addr
	relay  = common.HexToAddress("0x000000000000000000000000000000000000c0de")
	price  = "1000"
	config = drop.Config{
		InventorySize:  30,
		TeamAllocation: 10,
		PackSize:       5,
		PricePerPack:   uint256.NewInt(1000),
		Owner:          owner,
	}
)

// newTestServer wires an installed drop behind the API.
func newTestServer(t *testing.T) (*Server, *chain.Chain) {
	t.Helper()

	db, err := storage.NewInMemory()
	if err != nil {
		t.Fatalf("failed to create storage: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	c, err := chain.New(db, chain.Config{Automine: true})
	if err != nil {
		t.Fatalf("failed to create chain: %v", err)
	}

	tokens := token.NewRegistry(config.InventorySize)

	engine, err := drop.New(config, c, tokens)
	if err != nil {
		t.Fatalf("failed to create engine: %v", err)
	}

	if _, err := c.Execute(chain.Message{From: owner}, engine.Install); err != nil {
		t.Fatalf("install failed: %v", err)
	}

	return New(":0", c, engine, tokens, db), c
}

func do(t *testing.T, s *Server, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}

	req := httptest.NewRequest(method, path, &buf)
	w := httptest.NewRecorder()

	s.Handler().ServeHTTP(w, req)

	return w
}

// sign wraps body in an envelope signed by acct for POST path.
// A zero From becomes acct's address; the nonce is the sender's next one.
func sign(t *testing.T, s *Server, acct signer, path string, body caller) SignedRequest {
	t.Helper()

	call := body.call()
	if call.From == (common.Address{}) {
		call.From = acct.addr
	}
	call.Nonce = decode[NonceResponse](t, do(t, s, "GET", "/accounts/"+call.From.Hex()+"/nonce", nil)).Nonce

	payload, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("encode payload: %v", err)
	}

	hash := RequestHash("POST "+path, payload)
	sig, err := crypto.Sign(hash[:], acct.key)
	if err != nil {
		t.Fatalf("sign request: %v", err)
	}

	return SignedRequest{Payload: payload, Signature: sig}
}

// send posts body to path signed by acct.
func send(t *testing.T, s *Server, acct signer, path string, body caller) *httptest.ResponseRecorder {
	t.Helper()

	return do(t, s, "POST", path, sign(t, s, acct, path, body))
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()

	var out T
	if err := json.Unmarshal(w.Body.Bytes(), &out); err != nil {
		t.Fatalf("failed to parse response %q: %v", w.Body.String(), err)
	}
	return out
}

func expectFailure(t *testing.T, w *httptest.ResponseRecorder, status int, reason string) {
	t.Helper()

	if w.Code != status {
		t.Errorf("expected status %d, got %d: %s", status, w.Code, w.Body.String())
	}
	if got := decode[ErrorResponse](t, w).Error; got != reason {
		t.Errorf("error = %q, want %q", got, reason)
	}
}

func purchase(value string) *PurchaseRequest {
	return &PurchaseRequest{Value: value}
}

func begin(t *testing.T, s *Server) {
	t.Helper()

	if w := send(t, s, ownerAcct, "/sale/begin", &CallRequest{}); w.Code != http.StatusOK {
		t.Fatalf("begin: expected status 200, got %d: %s", w.Code, w.Body.String())
	}
}

func TestHealthEndpoint(t *testing.T) {
	s, _ := newTestServer(t)

	w := do(t, s, "GET", "/health", nil)
	if w.Code != http.StatusOK {
		t.Errorf("expected status 200, got %d", w.Code)
	}

	if resp := decode[map[string]string](t, w); resp["status"] != "ok" {
		t.Errorf("expected status ok, got %s", resp["status"])
	}
}

func TestPurchaseBeforeSale(t *testing.T) {
	s, _ := newTestServer(t)

	w := send(t, s, buyerAcct, "/sale/purchase", purchase(price))
	expectFailure(t, w, http.StatusConflict, drop.ErrNotStarted.Error())
}

func TestBeginRequiresOwner(t *testing.T) {
	s, _ := newTestServer(t)

	w := send(t, s, buyerAcct, "/sale/begin", &CallRequest{})
	expectFailure(t, w, http.StatusForbidden, drop.ErrNotOwner.Error())

	w = send(t, s, ownerAcct, "/sale/begin", &CallRequest{})
	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", w.Code, w.Body.String())
	}

	w = send(t, s, ownerAcct, "/sale/begin", &CallRequest{})
	expectFailure(t, w, http.StatusConflict, drop.ErrAlreadyBegan.Error())
}

func TestForgedOwnerRejected(t *testing.T) {
	s, _ := newTestServer(t)

	// The buyer signs a call claiming to come from the owner.
	w := send(t, s, buyerAcct, "/sale/begin", &CallRequest{From: owner})
	expectFailure(t, w, http.StatusUnauthorized, ErrBadSignature.Error())

	w = send(t, s, buyerAcct, "/sale/reserve", &ReserveRequest{CallRequest: CallRequest{From: owner}, Recipient: buyer, Quantity: 10})
	expectFailure(t, w, http.StatusUnauthorized, ErrBadSignature.Error())

	w = send(t, s, buyerAcct, "/blocks/mine", &CallRequest{From: owner})
	expectFailure(t, w, http.StatusUnauthorized, ErrBadSignature.Error())

	stats := decode[StatsResponse](t, do(t, s, "GET", "/sale/stats", nil))
	if stats.Phase != "not-started" {
		t.Errorf("phase = %s after forged begin", stats.Phase)
	}
}

func TestSignatureChecks(t *testing.T) {
	s, _ := newTestServer(t)

	valid := sign(t, s, ownerAcct, "/sale/begin", &CallRequest{})

	// A signature over another route does not authorize this one.
	w := do(t, s, "POST", "/sale/reveal", valid)
	expectFailure(t, w, http.StatusUnauthorized, ErrBadSignature.Error())

	tampered := valid
	tampered.Signature = append([]byte{}, valid.Signature...)
	tampered.Signature[10] ^= 0xff
	w = do(t, s, "POST", "/sale/begin", tampered)
	expectFailure(t, w, http.StatusUnauthorized, ErrBadSignature.Error())

	short := valid
	short.Signature = valid.Signature[:64]
	w = do(t, s, "POST", "/sale/begin", short)
	expectFailure(t, w, http.StatusUnauthorized, ErrBadSignature.Error())

	w = do(t, s, "POST", "/sale/begin", valid)
	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", w.Code, w.Body.String())
	}

	// Replaying the accepted envelope reuses a spent nonce.
	w = do(t, s, "POST", "/sale/begin", valid)
	expectFailure(t, w, http.StatusConflict, ErrBadNonce.Error())

	nonce := decode[NonceResponse](t, do(t, s, "GET", "/accounts/"+owner.Hex()+"/nonce", nil))
	if nonce.Nonce != 1 {
		t.Errorf("owner nonce = %d, want 1", nonce.Nonce)
	}
}

func TestPurchaseFlow(t *testing.T) {
	s, _ := newTestServer(t)
	begin(t, s)

	w := send(t, s, buyerAcct, "/sale/purchase", purchase(price))
	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", w.Code, w.Body.String())
	}

	first := decode[TxResponse](t, w)
	if len(first.Allocations) != 0 || !first.Sealed {
		t.Errorf("first purchase = %+v, want sealed with no allocations", first)
	}

	w = send(t, s, otherAcct, "/sale/purchase", purchase(price))
	second := decode[TxResponse](t, w)
	if len(second.Allocations) != 5 {
		t.Fatalf("second purchase revealed %d values, want 5", len(second.Allocations))
	}

	for _, a := range second.Allocations {
		if a.Recipient != buyer {
			t.Errorf("allocation %d went to %s", a.Value, a.Recipient.Hex())
		}

		w := do(t, s, "GET", fmt.Sprintf("/tokens/%d", a.Value), nil)
		if tok := decode[TokenResponse](t, w); tok.Owner != buyer {
			t.Errorf("token %d owner = %s", a.Value, tok.Owner.Hex())
		}
	}

	w = do(t, s, "GET", "/accounts/"+buyer.Hex()+"/tokens", nil)
	if held := decode[HoldingsResponse](t, w); len(held.Tokens) != 5 {
		t.Errorf("buyer holds %d tokens, want 5", len(held.Tokens))
	}

	w = do(t, s, "GET", "/sale/stats", nil)
	stats := decode[StatsResponse](t, w)
	want := StatsResponse{Phase: "active", AvailableForSale: 10, Queued: 5, SetAside: 10, Revealed: 5, Remaining: 25}
	if stats != want {
		t.Errorf("stats = %+v, want %+v", stats, want)
	}

	w = do(t, s, "GET", "/sale/pending", nil)
	pending := decode[[]CommitResponse](t, w)
	if len(pending) != 1 || pending[0].Beneficiary != other || pending[0].Sequence != 1 {
		t.Errorf("pending = %+v", pending)
	}
}

func TestRevealAndReserve(t *testing.T) {
	s, _ := newTestServer(t)
	begin(t, s)

	for i := 0; i < 4; i++ {
		send(t, s, buyerAcct, "/sale/purchase", purchase(price))
	}

	w := send(t, s, buyerAcct, "/sale/purchase", purchase(price))
	expectFailure(t, w, http.StatusConflict, drop.ErrSoldOut.Error())

	zero := &ReserveRequest{Quantity: 10}
	w = send(t, s, ownerAcct, "/sale/reserve", zero)
	expectFailure(t, w, http.StatusBadRequest, drop.ErrZeroRecipient.Error())

	reserve := &ReserveRequest{Recipient: other, Quantity: 10}
	w = send(t, s, ownerAcct, "/sale/reserve", reserve)
	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", w.Code, w.Body.String())
	}
	if got := decode[TxResponse](t, w); len(got.Allocations) != 10 {
		t.Errorf("reserve drew %d values, want 10", len(got.Allocations))
	}

	w = send(t, s, buyerAcct, "/sale/reveal", &RevealRequest{})
	expectFailure(t, w, http.StatusForbidden, drop.ErrNotOwner.Error())

	w = send(t, s, ownerAcct, "/sale/reveal", &RevealRequest{Benevolence: 5})
	if got := decode[TxResponse](t, w); len(got.Allocations) != 5 {
		t.Errorf("reveal drew %d values, want 5", len(got.Allocations))
	}

	w = send(t, s, ownerAcct, "/sale/reserve", reserve)
	expectFailure(t, w, http.StatusConflict, drop.ErrNotEnough.Error())

	stats := decode[StatsResponse](t, do(t, s, "GET", "/sale/stats", nil))
	if stats.Phase != "sold-out" || stats.Revealed != 30 || stats.Remaining != 0 {
		t.Errorf("stats = %+v", stats)
	}
}

func TestPurchaseRejections(t *testing.T) {
	s, _ := newTestServer(t)
	begin(t, s)

	tests := []struct {
		name   string
		body   func() *PurchaseRequest
		status int
		reason string
	}{
		{"contract caller", func() *PurchaseRequest {
			req := purchase(price)
			req.Origin = &relay
			return req
		}, http.StatusForbidden, drop.ErrNotExternallyOwned.Error()},
		{"underpaid", func() *PurchaseRequest { return purchase("999") }, http.StatusBadRequest, drop.ErrWrongPayment.Error()},
		{"overpaid", func() *PurchaseRequest { return purchase("1001") }, http.StatusBadRequest, drop.ErrWrongPayment.Error()},
		{"no payment", func() *PurchaseRequest { return purchase("") }, http.StatusBadRequest, drop.ErrWrongPayment.Error()},
		{"bad value", func() *PurchaseRequest { return purchase("ten") }, http.StatusBadRequest, `invalid value "ten"`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := send(t, s, buyerAcct, "/sale/purchase", tt.body())
			expectFailure(t, w, tt.status, tt.reason)
		})
	}

	stats := decode[StatsResponse](t, do(t, s, "GET", "/sale/stats", nil))
	if stats.AvailableForSale != 20 || stats.Queued != 0 {
		t.Errorf("rejected purchases changed state: %+v", stats)
	}
}

func TestMalformedBodies(t *testing.T) {
	s, _ := newTestServer(t)

	bodies := []string{
		"",
		"{",
		`{"payload": 12}`,
		`{"payload": {"from": 12}, "signature": "0x00"}`,
		`{"payload": {}, "signature": "zz"}`,
	}

	for _, body := range bodies {
		req := httptest.NewRequest("POST", "/sale/begin", bytes.NewReader([]byte(body)))
		w := httptest.NewRecorder()
		s.Handler().ServeHTTP(w, req)

		if w.Code != http.StatusBadRequest {
			t.Errorf("body %q: expected status 400, got %d", body, w.Code)
		}
	}
}

func TestTokenLookupErrors(t *testing.T) {
	s, _ := newTestServer(t)

	w := do(t, s, "GET", "/tokens/abc", nil)
	expectFailure(t, w, http.StatusBadRequest, "invalid token id")

	w = do(t, s, "GET", "/tokens/3", nil)
	expectFailure(t, w, http.StatusNotFound, token.ErrNotMinted.Error())

	w = do(t, s, "GET", "/tokens/0", nil)
	expectFailure(t, w, http.StatusNotFound, token.ErrInvalidID.Error())

	w = do(t, s, "GET", "/accounts/nothex/tokens", nil)
	expectFailure(t, w, http.StatusBadRequest, "invalid address")

	w = do(t, s, "GET", "/accounts/"+other.Hex()+"/tokens", nil)
	if held := decode[HoldingsResponse](t, w); held.Tokens == nil || len(held.Tokens) != 0 {
		t.Errorf("holdings = %+v, want empty list", held)
	}
}

func TestBlocks(t *testing.T) {
	s, c := newTestServer(t)

	latest := decode[BlockResponse](t, do(t, s, "GET", "/blocks/latest", nil))
	if latest.Number != c.Head().Number || latest.Hash != c.Head().Hash {
		t.Errorf("latest = %+v, head = %+v", latest, c.Head())
	}

	w := send(t, s, buyerAcct, "/blocks/mine", &CallRequest{})
	expectFailure(t, w, http.StatusForbidden, drop.ErrNotOwner.Error())

	w = do(t, s, "POST", "/blocks/mine", nil)
	if w.Code != http.StatusBadRequest {
		t.Errorf("unsigned mine: expected status 400, got %d", w.Code)
	}
	if c.Head().Number != latest.Number {
		t.Fatalf("rejected mine requests sealed blocks: head %d", c.Head().Number)
	}

	mined := decode[BlockResponse](t, send(t, s, ownerAcct, "/blocks/mine", &CallRequest{}))
	if mined.Number <= latest.Number || mined.Number != c.Head().Number {
		t.Errorf("mined = %+v after %+v", mined, latest)
	}
}

func TestNonceEndpoint(t *testing.T) {
	s, _ := newTestServer(t)

	w := do(t, s, "GET", "/accounts/nothex/nonce", nil)
	expectFailure(t, w, http.StatusBadRequest, "invalid address")

	got := decode[NonceResponse](t, do(t, s, "GET", "/accounts/"+buyer.Hex()+"/nonce", nil))
	if got.Address != buyer || got.Nonce != 0 {
		t.Errorf("nonce = %+v, want 0", got)
	}

	// Rejected calls leave the nonce unspent.
	send(t, s, buyerAcct, "/sale/purchase", purchase(price))
	begin(t, s)
	send(t, s, buyerAcct, "/sale/purchase", purchase(price))

	got = decode[NonceResponse](t, do(t, s, "GET", "/accounts/"+buyer.Hex()+"/nonce", nil))
	if got.Nonce != 1 {
		t.Errorf("nonce = %d, want 1", got.Nonce)
	}
}

func TestConfigEndpoint(t *testing.T) {
	s, _ := newTestServer(t)

	got := decode[ConfigResponse](t, do(t, s, "GET", "/sale/config", nil))
	if got.InventorySize != 30 || got.PackSize != 5 || got.PricePerPack != "1000" || got.Owner != owner {
		t.Errorf("config = %+v", got)
	}
}
