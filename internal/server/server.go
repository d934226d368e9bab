// Package server exposes a ledger over HTTP: asset sponsorship, deposits, block
// submission by relayers, state queries, health, metrics and a websocket event stream.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/holiman/uint256"

	"capeledger/internal/cape"
	"capeledger/internal/erc20"
	"capeledger/internal/logging"
	"capeledger/internal/metrics"
)

// RelayerHeader identifies the submitting relayer. The remote host is used when absent.
const RelayerHeader = "X-Relayer-ID"

const maxBodyBytes = 8 << 20

type Option func(*Server)

func WithLogger(log *logging.Logger) Option { return func(s *Server) { s.log = log } }

func WithMetrics(m *metrics.Collector) Option { return func(s *Server) { s.metrics = m } }

func WithRateLimiter(rl *RelayerRateLimiter) Option { return func(s *Server) { s.limiter = rl } }

// WithTokens mounts the token ledger routes used to fund and approve depositors.
func WithTokens(tokens *erc20.Ledger) Option { return func(s *Server) { s.tokens = tokens } }

// WithReadOnly refuses every mutating route. Followers run read-only.
func WithReadOnly(readOnly bool) Option { return func(s *Server) { s.readOnly = readOnly } }

func WithVersion(v string) Option { return func(s *Server) { s.version = v } }

// Server is the HTTP front end of one ledger.
type Server struct {
	ledger   *cape.Ledger
	tokens   *erc20.Ledger
	metrics  *metrics.Collector
	limiter  *RelayerRateLimiter
	health   *HealthChecker
	hub      *Hub
	log      *logging.Logger
	readOnly bool
	version  string
	srv      *http.Server
}

func New(ledger *cape.Ledger, opts ...Option) *Server {
	s := &Server{ledger: ledger, log: logging.Nop(), version: "dev"}
	for _, opt := range opts {
		opt(s)
	}
	s.health = NewHealthChecker(s.version)
	s.health.RegisterComponent("store", ledger.Ping)
	s.health.RegisterComponent("ledger", func() error {
		if ledger.Status() == cape.StatusValidating {
			return &DegradedError{Reason: "validating a block"}
		}
		return nil
	})
	return s
}

// Health exposes the checker so callers can register more components.
func (s *Server) Health() *HealthChecker { return s.health }

// Hub is nil until Run has been called.
func (s *Server) Hub() *Hub { return s.hub }

// Run starts the event hub and forwards committed blocks to it and to the metrics
// until ctx ends. It must be called before serving /events.
func (s *Server) Run(ctx context.Context) {
	s.hub = NewHub(ctx, s.log.Zerolog())
	go s.hub.Run()

	events := make(chan cape.BlockCommitted, 64)
	sub := s.ledger.SubscribeEvents(events)
	go func() {
		defer sub.Unsubscribe()
		for {
			select {
			case ev := <-events:
				s.publish(ev)
			case err := <-sub.Err():
				if err != nil {
					s.log.Error("event subscription failed: %v", err)
				}
				return
			case <-ctx.Done():
				return
			}
		}
	}()
}

type streamMessage struct {
	Type string               `json:"type"`
	Data *cape.BlockCommitted `json:"data"`
}

func (s *Server) publish(ev cape.BlockCommitted) {
	if s.metrics != nil {
		s.metrics.RecordBlock(ev, s.ledger.NumRecords(), s.ledger.NumNullifiers())
		s.metrics.RecordEscrow(s.ledger.Snapshot())
	}
	msg, err := json.Marshal(streamMessage{Type: "block_committed", Data: &ev})
	if err != nil {
		s.log.Error("encode block %d event: %v", ev.Height, err)
		return
	}
	s.hub.Broadcast(msg)
}

// Handler returns the route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /assets", s.writeGuard(s.handleSponsor))
	mux.HandleFunc("GET /assets", s.handleAssets)
	mux.HandleFunc("GET /assets/{code}", s.handleAsset)
	mux.HandleFunc("POST /deposits", s.writeGuard(s.handleDeposit))
	mux.HandleFunc("GET /deposits", s.handleDeposits)
	mux.HandleFunc("POST /blocks", s.writeGuard(s.handleSubmitBlock))
	mux.HandleFunc("GET /state", s.handleState)
	mux.HandleFunc("GET /balances/{code}", s.handleBalance)
	mux.HandleFunc("GET /nullifiers/{nullifier}", s.handleNullifier)
	mux.HandleFunc("GET /paths/{position}", s.handlePath)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /events", s.handleEvents)
	if s.metrics != nil {
		mux.Handle("GET /metrics", s.metrics.Handler())
	}
	if s.tokens != nil {
		mux.HandleFunc("POST /tokens/{token}/mint", s.writeGuard(s.handleTokenMint))
		mux.HandleFunc("POST /tokens/{token}/approve", s.writeGuard(s.handleTokenApprove))
		mux.HandleFunc("GET /tokens/{token}/balances/{account}", s.handleTokenBalance)
	}
	return mux
}

// ListenAndServe serves until ctx ends, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", addr, err)
	}
	return s.Serve(ctx, ln)
}

func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	if s.hub == nil {
		s.Run(ctx)
	}
	s.srv = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info("HTTP API listening on %s", ln.Addr())
		errCh <- s.srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		err := s.srv.Shutdown(shutdownCtx)
		s.hub.Close()
		return err
	}
}

func (s *Server) writeGuard(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.readOnly {
			writeJSON(w, http.StatusForbidden, errorResponse{
				Error:  "this node is a read-only follower",
				Reason: "read_only",
			})
			return
		}
		r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
		next(w, r)
	}
}

type sponsorRequest struct {
	Code   cape.AssetCode `json:"code"`
	Token  common.Address `json:"token"`
	Policy hexutil.Bytes  `json:"policy"`
}

func (s *Server) handleSponsor(w http.ResponseWriter, r *http.Request) {
	var req sponsorRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Code == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "asset code is required", Reason: "bad_request"})
		return
	}
	asset, err := s.ledger.Sponsor(r.Context(), req.Code, req.Token, req.Policy)
	if err != nil {
		s.fail(w, "sponsor", err)
		return
	}
	s.log.Audit("asset_sponsored", map[string]interface{}{
		"code":  asset.Code,
		"token": asset.Token.Hex(),
	})
	writeJSON(w, http.StatusCreated, asset)
}

func (s *Server) handleAssets(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.ledger.Assets())
}

func (s *Server) handleAsset(w http.ResponseWriter, r *http.Request) {
	asset, err := s.ledger.Lookup(cape.AssetCode(r.PathValue("code")))
	if err != nil {
		s.fail(w, "lookup", err)
		return
	}
	writeJSON(w, http.StatusOK, asset)
}

type depositRequest struct {
	Code      cape.AssetCode `json:"code"`
	Amount    *uint256.Int   `json:"amount"`
	Depositor common.Address `json:"depositor"`
	// Commitment is the record the deposit will be minted into.
	Commitment cape.Commitment `json:"commitment"`
}

func (s *Server) handleDeposit(w http.ResponseWriter, r *http.Request) {
	var req depositRequest
	if !decodeBody(w, r, &req) {
		return
	}
	d, err := s.ledger.Deposit(r.Context(), req.Code, req.Amount, req.Depositor, req.Commitment)
	if err != nil {
		s.fail(w, "deposit", err)
		return
	}
	s.log.Audit("deposit_made", map[string]interface{}{
		"id":        d.ID,
		"code":      d.Code,
		"amount":    d.Amount.Dec(),
		"depositor": d.Depositor.Hex(),
	})
	writeJSON(w, http.StatusCreated, d)
}

func (s *Server) handleDeposits(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.ledger.PendingDeposits())
}

func (s *Server) handleSubmitBlock(w http.ResponseWriter, r *http.Request) {
	relayer := relayerID(r)
	if !s.limiter.Allow(relayer) {
		if s.metrics != nil {
			s.metrics.RecordRateLimited(relayer)
		}
		s.log.Warn("rate limited relayer %s", relayer)
		writeJSON(w, http.StatusTooManyRequests, errorResponse{Error: "rate limit exceeded", Reason: "rate_limited"})
		return
	}

	var block cape.Block
	if !decodeBody(w, r, &block) {
		return
	}
	res, err := s.ledger.SubmitBlock(r.Context(), &block)
	if err != nil {
		s.log.Audit("block_rejected", map[string]interface{}{
			"relayer": relayer,
			"reason":  cape.ReasonCode(err),
			"error":   err.Error(),
		})
		s.fail(w, "submit block", err)
		return
	}
	s.log.Audit("block_committed", map[string]interface{}{
		"relayer": relayer,
		"height":  res.Height,
		"root":    res.Root.Hex(),
		"txs":     len(block.Transactions),
	})
	writeJSON(w, http.StatusOK, res)
}

// StateResponse is the body of GET /state.
type StateResponse struct {
	Status          cape.Status    `json:"status"`
	Height          uint64         `json:"height"`
	Root            cape.Root      `json:"root"`
	StateCommitment common.Hash    `json:"state_commitment"`
	NumRecords      uint64         `json:"num_records"`
	NumNullifiers   int            `json:"num_nullifiers"`
	TreeDepth       int            `json:"tree_depth"`
	Vault           common.Address `json:"vault"`
}

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, StateResponse{
		Status:          s.ledger.Status(),
		Height:          s.ledger.Height(),
		Root:            s.ledger.Root(),
		StateCommitment: s.ledger.StateCommitment(),
		NumRecords:      s.ledger.NumRecords(),
		NumNullifiers:   s.ledger.NumNullifiers(),
		TreeDepth:       s.ledger.TreeDepth(),
		Vault:           s.ledger.VaultAddress(),
	})
}

func (s *Server) handleBalance(w http.ResponseWriter, r *http.Request) {
	code := cape.AssetCode(r.PathValue("code"))
	if _, err := s.ledger.Lookup(code); err != nil {
		s.fail(w, "balance", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"code":    code,
		"balance": s.ledger.Balance(code),
	})
}

func (s *Server) handleNullifier(w http.ResponseWriter, r *http.Request) {
	raw, err := hexutil.Decode(r.PathValue("nullifier"))
	if err != nil || len(raw) != len(cape.Nullifier{}) {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "nullifier must be 32 hex-encoded bytes", Reason: "bad_request"})
		return
	}
	var nf cape.Nullifier
	copy(nf[:], raw)
	height, spent := s.ledger.SpentAt(nf)
	resp := map[string]interface{}{"nullifier": nf, "spent": spent}
	if spent {
		resp["height"] = height
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handlePath(w http.ResponseWriter, r *http.Request) {
	position, err := strconv.ParseUint(r.PathValue("position"), 10, 64)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "position must be an unsigned integer", Reason: "bad_request"})
		return
	}
	path, leaf, err := s.ledger.Path(position)
	if err != nil {
		writeJSON(w, http.StatusNotFound, errorResponse{Error: err.Error(), Reason: "not_found"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"commitment": leaf,
		"path":       path,
		"root":       path.ComputeRoot(leaf),
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	h := s.health.CheckHealth()
	status := http.StatusOK
	if h.OverallStatus == Unhealthy {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, h)
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if s.hub == nil {
		writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: "event stream not running", Reason: "unavailable"})
		return
	}
	s.hub.ServeWs(w, r)
}

type tokenRequest struct {
	Owner   common.Address `json:"owner"`
	Spender common.Address `json:"spender"`
	To      common.Address `json:"to"`
	Amount  *uint256.Int   `json:"amount"`
}

func (s *Server) handleTokenMint(w http.ResponseWriter, r *http.Request) {
	var req tokenRequest
	if !decodeBody(w, r, &req) {
		return
	}
	token := common.HexToAddress(r.PathValue("token"))
	if err := s.tokens.Mint(token, req.To, req.Amount); err != nil {
		writeJSON(w, http.StatusUnprocessableEntity, errorResponse{Error: err.Error(), Reason: "token"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"balance": s.tokens.BalanceOf(token, req.To)})
}

func (s *Server) handleTokenApprove(w http.ResponseWriter, r *http.Request) {
	var req tokenRequest
	if !decodeBody(w, r, &req) {
		return
	}
	token := common.HexToAddress(r.PathValue("token"))
	if err := s.tokens.Approve(token, req.Owner, req.Spender, req.Amount); err != nil {
		writeJSON(w, http.StatusUnprocessableEntity, errorResponse{Error: err.Error(), Reason: "token"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"allowance": s.tokens.Allowance(token, req.Owner, req.Spender)})
}

func (s *Server) handleTokenBalance(w http.ResponseWriter, r *http.Request) {
	token := common.HexToAddress(r.PathValue("token"))
	account := common.HexToAddress(r.PathValue("account"))
	writeJSON(w, http.StatusOK, map[string]interface{}{"balance": s.tokens.BalanceOf(token, account)})
}

// errorResponse is the body of every non-2xx reply.
type errorResponse struct {
	Error   string `json:"error"`
	Reason  string `json:"reason"`
	TxIndex *int   `json:"tx_index,omitempty"`
	TxKind  string `json:"tx_kind,omitempty"`
}

func (s *Server) fail(w http.ResponseWriter, op string, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.log.Error("%s: %v", op, err)
		if s.metrics != nil {
			s.metrics.RecordError(cape.ReasonCode(err))
		}
	} else {
		s.log.Warn("%s: %v", op, err)
	}

	resp := errorResponse{Error: err.Error(), Reason: cape.ReasonCode(err)}
	var txErr *cape.TxError
	if errors.As(err, &txErr) {
		idx := txErr.Index
		resp.TxIndex = &idx
		resp.TxKind = txErr.Kind.String()
	}
	writeJSON(w, status, resp)
}

func statusFor(err error) int {
	switch {
	case cape.IsFatal(err):
		return http.StatusInternalServerError
	case errors.Is(err, cape.ErrLedgerBusy),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable
	case errors.Is(err, cape.ErrAlreadySponsored):
		return http.StatusConflict
	case errors.Is(err, cape.ErrMalformedBlock), errors.Is(err, cape.ErrNonCanonical):
		return http.StatusBadRequest
	case errors.Is(err, cape.ErrUnknownAssetType):
		var txErr *cape.TxError
		if errors.As(err, &txErr) {
			return http.StatusUnprocessableEntity
		}
		return http.StatusNotFound
	}
	return http.StatusUnprocessableEntity
}

func decodeBody(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid request body: " + err.Error(), Reason: "bad_request"})
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func relayerID(r *http.Request) string {
	if id := r.Header.Get(RelayerHeader); id != "" {
		return id
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
