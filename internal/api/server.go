package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"RandomDrop/internal/chain"
	"RandomDrop/internal/drop"
	"RandomDrop/internal/logger"
	"RandomDrop/internal/storage"
	"RandomDrop/internal/token"
)

const (
	// maxBodySize is the maximum request body size in bytes.
	maxBodySize = 64 << 10 // 64 KB
)

// Ledger executes transactions and produces blocks.
type Ledger interface {
	Execute(msg chain.Message, fn func(tx *chain.Tx) error) (*chain.Receipt, error)
	Mine() (chain.Header, error)
	Head() chain.Header
}

// Server is the HTTP API server.
type Server struct {
	addr   string          // addr is the HTTP listen address
	ledger Ledger          // ledger runs every state-mutating request
	engine *drop.Engine    // engine implements the sale
	tokens *token.Registry // tokens answers ownership queries
	state  storage.Reader  // state serves committed reads
	server *http.Server    // server is the underlying HTTP server
}

// New creates a new HTTP API server.
func New(addr string, ledger Ledger, engine *drop.Engine, tokens *token.Registry, state storage.Reader) *Server {
	return &Server{
		addr:   addr,
		ledger: ledger,
		engine: engine,
		tokens: tokens,
		state:  state,
	}
}

// Handler returns the routed API.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /sale/begin", s.handleBegin)
	mux.HandleFunc("POST /sale/purchase", s.handlePurchase)
	mux.HandleFunc("POST /sale/reveal", s.handleReveal)
	mux.HandleFunc("POST /sale/reserve", s.handleReserve)
	mux.HandleFunc("GET /sale/stats", s.handleStats)
	mux.HandleFunc("GET /sale/config", s.handleConfig)
	mux.HandleFunc("GET /sale/pending", s.handlePending)
	mux.HandleFunc("GET /tokens/{id}", s.handleToken)
	mux.HandleFunc("GET /accounts/{addr}/tokens", s.handleHoldings)
	mux.HandleFunc("GET /accounts/{addr}/nonce", s.handleNonce)
	mux.HandleFunc("GET /blocks/latest", s.handleLatestBlock)
	mux.HandleFunc("POST /blocks/mine", s.handleMine)
	mux.HandleFunc("GET /health", s.handleHealth)

	return mux
}

// Start starts the HTTP server in a goroutine.
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:         s.addr,
		Handler:      s.Handler(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("http api started", "addr", s.addr)

		if err := s.server.ListenAndServe(); err != http.ErrServerClosed {
			logger.Error("http server error", "error", err)
		}
	}()

	return nil
}

// Stop gracefully shuts down the HTTP server.
func (s *Server) Stop() error {
	if s.server == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	return s.server.Shutdown(ctx)
}

// handleBegin handles POST /sale/begin requests.
func (s *Server) handleBegin(w http.ResponseWriter, r *http.Request) {
	var req CallRequest
	if !decodeBody(w, r, &req) {
		return
	}

	receipt, err := s.execute(&req, nil, s.engine.BeginSale)
	if err != nil {
		writeFailure(w, err)
		return
	}

	writeJSON(w, http.StatusOK, txResponse(receipt, nil))
}

// handlePurchase handles POST /sale/purchase requests.
func (s *Server) handlePurchase(w http.ResponseWriter, r *http.Request) {
	var req PurchaseRequest
	if !decodeBody(w, r, &req) {
		return
	}

	value, err := parseWei(req.Value)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	s.runDraw(w, &req.CallRequest, value, func(tx *chain.Tx) ([]drop.Allocation, error) {
		return s.engine.Purchase(tx, req.Benevolence)
	})
}

// handleReveal handles POST /sale/reveal requests.
func (s *Server) handleReveal(w http.ResponseWriter, r *http.Request) {
	var req RevealRequest
	if !decodeBody(w, r, &req) {
		return
	}

	s.runDraw(w, &req.CallRequest, nil, func(tx *chain.Tx) ([]drop.Allocation, error) {
		return s.engine.Reveal(tx, req.Benevolence)
	})
}

// handleReserve handles POST /sale/reserve requests.
func (s *Server) handleReserve(w http.ResponseWriter, r *http.Request) {
	var req ReserveRequest
	if !decodeBody(w, r, &req) {
		return
	}

	s.runDraw(w, &req.CallRequest, nil, func(tx *chain.Tx) ([]drop.Allocation, error) {
		return s.engine.TakeReserve(tx, req.Recipient, req.Quantity)
	})
}

// runDraw executes an allocating operation and reports its allocations.
func (s *Server) runDraw(w http.ResponseWriter, req *CallRequest, value *uint256.Int, op func(tx *chain.Tx) ([]drop.Allocation, error)) {
	var allocs []drop.Allocation

	receipt, err := s.execute(req, value, func(tx *chain.Tx) error {
		var err error
		allocs, err = op(tx)
		return err
	})
	if err != nil {
		writeFailure(w, err)
		return
	}

	writeJSON(w, http.StatusOK, txResponse(receipt, allocs))
}

// execute runs fn as the signed call req, consuming the sender's nonce in
// the same transaction.
func (s *Server) execute(req *CallRequest, value *uint256.Int, fn func(tx *chain.Tx) error) (*chain.Receipt, error) {
	return s.ledger.Execute(message(*req, value), func(tx *chain.Tx) error {
		if err := consumeNonce(tx.State, tx.Sender, req.Nonce); err != nil {
			return err
		}
		return fn(tx)
	})
}

// handleStats handles GET /sale/stats requests.
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.engine.DropStatistics(s.state)
	if err != nil {
		writeFailure(w, err)
		return
	}

	phase, err := s.engine.Phase(s.state)
	if err != nil {
		writeFailure(w, err)
		return
	}

	revealed, err := s.engine.Revealed(s.state)
	if err != nil {
		writeFailure(w, err)
		return
	}

	remaining, err := s.engine.Remaining(s.state)
	if err != nil {
		writeFailure(w, err)
		return
	}

	writeJSON(w, http.StatusOK, StatsResponse{
		Phase:            phase.String(),
		AvailableForSale: stats.AvailableForSale,
		Queued:           stats.Queued,
		SetAside:         stats.SetAside,
		Revealed:         revealed,
		Remaining:        remaining,
	})
}

// handleConfig handles GET /sale/config requests.
func (s *Server) handleConfig(w http.ResponseWriter, r *http.Request) {
	cfg := s.engine.Config()

	writeJSON(w, http.StatusOK, ConfigResponse{
		InventorySize:  cfg.InventorySize,
		TeamAllocation: cfg.TeamAllocation,
		PackSize:       cfg.PackSize,
		PricePerPack:   cfg.PricePerPack.Dec(),
		Owner:          cfg.Owner,
	})
}

// handlePending handles GET /sale/pending requests.
func (s *Server) handlePending(w http.ResponseWriter, r *http.Request) {
	records, err := s.engine.Pending(s.state)
	if err != nil {
		writeFailure(w, err)
		return
	}

	writeJSON(w, http.StatusOK, toCommits(records))
}

// handleToken handles GET /tokens/{id} requests.
func (s *Server) handleToken(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseUint(r.PathValue("id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid token id")
		return
	}

	owner, err := s.tokens.OwnerOf(s.state, id)
	if err != nil {
		writeFailure(w, err)
		return
	}

	writeJSON(w, http.StatusOK, TokenResponse{ID: id, Owner: owner})
}

// handleHoldings handles GET /accounts/{addr}/tokens requests.
func (s *Server) handleHoldings(w http.ResponseWriter, r *http.Request) {
	owner, ok := pathAddress(w, r)
	if !ok {
		return
	}

	ids, err := s.tokens.TokensOf(s.state, owner)
	if err != nil {
		writeFailure(w, err)
		return
	}
	if ids == nil {
		ids = []uint64{}
	}

	writeJSON(w, http.StatusOK, HoldingsResponse{Owner: owner, Tokens: ids})
}

// handleNonce handles GET /accounts/{addr}/nonce requests.
func (s *Server) handleNonce(w http.ResponseWriter, r *http.Request) {
	addr, ok := pathAddress(w, r)
	if !ok {
		return
	}

	nonce, err := AccountNonce(s.state, addr)
	if err != nil {
		writeFailure(w, err)
		return
	}

	writeJSON(w, http.StatusOK, NonceResponse{Address: addr, Nonce: nonce})
}

// pathAddress parses the {addr} path segment, writing a 400 on failure.
func pathAddress(w http.ResponseWriter, r *http.Request) (common.Address, bool) {
	raw := r.PathValue("addr")
	if !common.IsHexAddress(raw) {
		writeError(w, http.StatusBadRequest, "invalid address")
		return common.Address{}, false
	}

	return common.HexToAddress(raw), true
}

// handleLatestBlock handles GET /blocks/latest requests.
func (s *Server) handleLatestBlock(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, toBlock(s.ledger.Head()))
}

// handleMine handles POST /blocks/mine requests. Owner only.
func (s *Server) handleMine(w http.ResponseWriter, r *http.Request) {
	var req CallRequest
	if !decodeBody(w, r, &req) {
		return
	}

	owner := s.engine.Config().Owner
	_, err := s.execute(&req, nil, func(tx *chain.Tx) error {
		if tx.Sender != owner {
			return drop.ErrNotOwner
		}
		return nil
	})
	if err != nil {
		writeFailure(w, err)
		return
	}

	h, err := s.ledger.Mine()
	if err != nil {
		writeFailure(w, err)
		return
	}

	writeJSON(w, http.StatusOK, toBlock(h))
}

// handleHealth handles GET /health requests.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "ok",
	})
}

// decodeBody parses a signed JSON body into dst and checks it was signed by
// dst's sender. It writes the failure response and returns false otherwise.
func decodeBody(w http.ResponseWriter, r *http.Request, dst caller) bool {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize))
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to read body")
		return false
	}

	if len(body) == 0 {
		writeError(w, http.StatusBadRequest, "empty body")
		return false
	}

	var signed SignedRequest
	if err := json.Unmarshal(body, &signed); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request: %v", err))
		return false
	}

	if err := json.Unmarshal(signed.Payload, dst); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid payload: %v", err))
		return false
	}

	route := r.Method + " " + r.URL.Path
	if err := verifyRequest(route, signed, dst.call().From); err != nil {
		writeFailure(w, err)
		return false
	}

	return true
}

// message builds the chain message for a call.
func message(req CallRequest, value *uint256.Int) chain.Message {
	msg := chain.Message{From: req.From, Value: value}
	if req.Origin != nil {
		msg.Origin = *req.Origin
	}
	return msg
}

// parseWei parses a decimal wei amount; empty means zero.
func parseWei(s string) (*uint256.Int, error) {
	if s == "" {
		return new(uint256.Int), nil
	}

	v, err := uint256.FromDecimal(s)
	if err != nil {
		return nil, fmt.Errorf("invalid value %q", s)
	}

	return v, nil
}

func txResponse(receipt *chain.Receipt, allocs []drop.Allocation) TxResponse {
	return TxResponse{
		Tx:          receipt.TxHash,
		Block:       receipt.Block,
		Sealed:      receipt.Sealed,
		Allocations: toAllocations(allocs),
	}
}

// failures maps stable errors to HTTP statuses. The first match wins.
var failures = []struct {
	err    error
	status int
}{
	{drop.ErrNotOwner, http.StatusForbidden},
	{drop.ErrNotExternallyOwned, http.StatusForbidden},
	{ErrBadSignature, http.StatusUnauthorized},
	{ErrBadNonce, http.StatusConflict},
	{drop.ErrWrongPayment, http.StatusBadRequest},
	{drop.ErrZeroRecipient, http.StatusBadRequest},
	{drop.ErrNotStarted, http.StatusConflict},
	{drop.ErrAlreadyBegan, http.StatusConflict},
	{drop.ErrSoldOut, http.StatusConflict},
	{drop.ErrDuringSale, http.StatusConflict},
	{drop.ErrNotEnough, http.StatusConflict},
	{drop.ErrBlockUnavailable, http.StatusServiceUnavailable},
	{token.ErrNotMinted, http.StatusNotFound},
	{token.ErrInvalidID, http.StatusNotFound},
}

// writeFailure reports err with its stable reason, or as an internal error.
func writeFailure(w http.ResponseWriter, err error) {
	for _, f := range failures {
		if errors.Is(err, f.err) {
			writeError(w, f.status, f.err.Error())
			return
		}
	}

	logger.Error("request failed", "error", err)
	writeError(w, http.StatusInternalServerError, "internal error")
}

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// writeError writes an error response.
func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, ErrorResponse{Error: message})
}
