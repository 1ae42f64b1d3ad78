// Package p2p implements the agent's HTTP wire protocol: the inbound listener
// with its admission pipeline (CORS, per-IP rate limit, decode, validation,
// expiry and signature gates) and the outbound peer client. The server is
// purely a transport; bet policy lives in the handler callbacks.
package p2p

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/log"
	"github.com/ethereum/go-ethereum/metrics"
	"github.com/rs/cors"

	"github.com/peerbet/agent/internal/commitment"
	"github.com/peerbet/agent/internal/store"
	"github.com/peerbet/agent/internal/wallet"
)

const (
	maxBodySize      = 96 << 20 // compressed trade blobs for large bets
	pullFreshness    = 5 * time.Minute
	shutdownGrace    = 5 * time.Second
	defaultRateLimit = 10
	rateLimitWindow  = time.Second
)

var (
	requestsMeter  = metrics.NewRegisteredCounter("p2p/requests", nil)
	rejectedMeter  = metrics.NewRegisteredCounter("p2p/rejected", nil)
	rateLimitMeter = metrics.NewRegisteredCounter("p2p/ratelimited", nil)
)

// Handlers are the per-route callbacks policy plugs into the transport. Any
// nil callback turns its route into a default rejection.
type Handlers struct {
	OnBilateralProposal     func(ctx context.Context, req *ProposalRequest, from common.Address) *ProposalResponse
	OnBetCommitted          func(ctx context.Context, n *BetCommittedNotification) *AckResponse
	OnTradesReceived        func(ctx context.Context, betID uint64, blob []byte, signer common.Address) error
	OnSettlementProposal    func(ctx context.Context, p *SettlementProposal) *SettlementResponse
	OnCommitmentSignRequest func(ctx context.Context, req *CommitmentSignRequest) *ProposalResponse

	// TradesBlob serves authenticated pulls of a stored trade blob.
	TradesBlob func(ctx context.Context, betID uint64) ([]byte, error)
	// SettlementStatus serves the local settlement view of a bet.
	SettlementStatus func(ctx context.Context, betID uint64) (*SettlementStatus, error)
}

// ServerConfig carries the listener's identity and tuning.
type ServerConfig struct {
	Port               int
	Endpoint           string // advertised URL
	Address            common.Address
	PubkeyHash         common.Hash
	Domain             commitment.Domain
	RateLimitPerSecond int
}

// Server is the inbound P2P listener.
type Server struct {
	cfg      ServerConfig
	handlers Handlers
	limiter  *RateLimiter
	httpSrv  *http.Server
	listener net.Listener
	started  time.Time
	logger   log.Logger
}

// NewServer assembles the listener without binding it.
func NewServer(cfg ServerConfig, handlers Handlers) *Server {
	limit := cfg.RateLimitPerSecond
	if limit <= 0 {
		limit = defaultRateLimit
	}
	s := &Server{
		cfg:      cfg,
		handlers: handlers,
		limiter:  NewRateLimiter(limit, rateLimitWindow),
		logger:   log.New("component", "p2p"),
	}
	c := cors.New(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet, http.MethodPost},
		AllowedHeaders: []string{"Content-Type", "X-Signature", "X-Requestor", "X-Timestamp"},
	})
	s.httpSrv = &http.Server{
		Handler:           c.Handler(http.HandlerFunc(s.serve)),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Start binds the port and serves until Stop.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", s.cfg.Port))
	if err != nil {
		return fmt.Errorf("p2p: listen: %w", err)
	}
	s.listener = ln
	s.started = time.Now()
	s.logger.Info("P2P server listening", "port", s.cfg.Port, "endpoint", s.cfg.Endpoint)
	go func() {
		if err := s.httpSrv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("P2P server failed", "err", err)
		}
	}()
	return nil
}

// Stop drains in-flight requests and closes the listener.
func (s *Server) Stop() {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if err := s.httpSrv.Shutdown(ctx); err != nil {
		s.httpSrv.Close()
	}
	s.limiter.Stop()
	s.logger.Info("P2P server stopped")
}

// Handler exposes the full middleware chain, for tests.
func (s *Server) Handler() http.Handler {
	return s.httpSrv.Handler
}

// serve is the post-CORS pipeline: rate limit, then route dispatch.
func (s *Server) serve(w http.ResponseWriter, r *http.Request) {
	defer func() {
		if rec := recover(); rec != nil {
			s.logger.Error("Handler panicked", "path", r.URL.Path, "panic", rec)
			writeError(w, http.StatusInternalServerError, "internal error")
		}
	}()
	requestsMeter.Inc(1)
	if !s.limiter.Allow(clientIP(r)) {
		rateLimitMeter.Inc(1)
		writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
		return
	}

	path := strings.TrimSuffix(r.URL.Path, "/")
	switch {
	case r.Method == http.MethodGet && path == "/p2p/info":
		s.handleInfo(w)
	case r.Method == http.MethodGet && path == "/p2p/health":
		s.handleHealth(w)
	case r.Method == http.MethodPost && path == "/p2p/proposal":
		s.handleProposal(w, r)
	case r.Method == http.MethodPost && path == "/p2p/bet-committed":
		s.handleBetCommitted(w, r)
	case r.Method == http.MethodPost && path == "/p2p/trades":
		s.handleTradesPush(w, r)
	case r.Method == http.MethodGet && strings.HasPrefix(path, "/p2p/trades/"):
		s.handleTradesPull(w, r, strings.TrimPrefix(path, "/p2p/trades/"))
	case r.Method == http.MethodPost && path == "/p2p/propose-settlement":
		s.handleSettlementProposal(w, r)
	case r.Method == http.MethodGet && strings.HasPrefix(path, "/p2p/settlement/"):
		s.handleSettlementStatus(w, r, strings.TrimPrefix(path, "/p2p/settlement/"))
	case r.Method == http.MethodPost && path == "/p2p/commitment/sign":
		s.handleCommitmentSign(w, r)
	default:
		writeError(w, http.StatusNotFound, "unknown route")
	}
}

func (s *Server) handleInfo(w http.ResponseWriter) {
	writeJSON(w, http.StatusOK, &InfoResponse{
		Address:    s.cfg.Address,
		Endpoint:   s.cfg.Endpoint,
		PubkeyHash: s.cfg.PubkeyHash,
		Version:    ProtocolVersion,
		Uptime:     time.Since(s.started).Seconds(),
	})
}

func (s *Server) handleHealth(w http.ResponseWriter) {
	writeJSON(w, http.StatusOK, &HealthResponse{
		Status:    "healthy",
		Timestamp: time.Now().Unix(),
		Uptime:    time.Since(s.started).Seconds(),
	})
}

func (s *Server) handleProposal(w http.ResponseWriter, r *http.Request) {
	var req ProposalRequest
	if !decodeBody(w, r, &req) {
		return
	}
	c := req.Commitment
	switch {
	case c == nil:
		badRequest(w, "missing commitment")
		return
	case c.CreatorAmount == nil || c.FillerAmount == nil || c.Deadline == nil || c.Nonce == nil || c.Expiry == nil:
		badRequest(w, "missing commitment field")
		return
	case len(req.CreatorSignature) != 65:
		badRequest(w, "missing creatorSignature")
		return
	case req.SnapshotID == "" || len(req.TradesBlob) == 0:
		badRequest(w, "missing trades payload")
		return
	}
	if expired(c.Expiry.Int().Uint64()) {
		badRequest(w, "commitment expired")
		return
	}
	if !c.VerifySignature(req.CreatorSignature, c.Creator, s.cfg.Domain) {
		unauthorized(w, "creator signature does not recover creator")
		return
	}
	if s.handlers.OnBilateralProposal == nil {
		writeJSON(w, http.StatusOK, &ProposalResponse{Accepted: false, Reason: "not accepting proposals"})
		return
	}
	writeJSON(w, http.StatusOK, s.handlers.OnBilateralProposal(r.Context(), &req, c.Creator))
}

func (s *Server) handleBetCommitted(w http.ResponseWriter, r *http.Request) {
	var n BetCommittedNotification
	if !decodeBody(w, r, &n) {
		return
	}
	if n.TradesRoot == (common.Hash{}) || n.Creator == (common.Address{}) || n.Filler == (common.Address{}) {
		badRequest(w, "missing notification field")
		return
	}
	if expired(n.Expiry) {
		badRequest(w, "notification expired")
		return
	}
	if s.handlers.OnBetCommitted == nil {
		writeJSON(w, http.StatusOK, &AckResponse{Acknowledged: false, Reason: "not tracking bets"})
		return
	}
	writeJSON(w, http.StatusOK, s.handlers.OnBetCommitted(r.Context(), &n))
}

func (s *Server) handleTradesPush(w http.ResponseWriter, r *http.Request) {
	var p TradesPush
	if !decodeBody(w, r, &p) {
		return
	}
	if len(p.Blob) == 0 || p.Signer == (common.Address{}) {
		badRequest(w, "missing blob or signer")
		return
	}
	if expired(p.Expiry) {
		badRequest(w, "push expired")
		return
	}
	got, err := wallet.RecoverAddress(p.Digest().Bytes(), p.Signature)
	if err != nil || got != p.Signer {
		unauthorized(w, "signature does not recover signer")
		return
	}
	if s.handlers.OnTradesReceived == nil {
		writeError(w, http.StatusNotImplemented, "trades push not accepted")
		return
	}
	if err := s.handlers.OnTradesReceived(r.Context(), p.BetID, p.Blob, p.Signer); err != nil {
		s.logger.Warn("Trades push rejected", "bet", p.BetID, "err", err)
		writeError(w, http.StatusInternalServerError, "failed to store trades")
		return
	}
	writeJSON(w, http.StatusOK, &AckResponse{Acknowledged: true})
}

func (s *Server) handleTradesPull(w http.ResponseWriter, r *http.Request, rawID string) {
	betID, err := strconv.ParseUint(rawID, 10, 64)
	if err != nil {
		badRequest(w, "bad bet id")
		return
	}
	sigHex := r.Header.Get("X-Signature")
	requestor := r.Header.Get("X-Requestor")
	timestamp := r.Header.Get("X-Timestamp")
	if sigHex == "" || requestor == "" || timestamp == "" {
		badRequest(w, "missing auth headers")
		return
	}
	ts, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil || math.Abs(float64(time.Now().Unix()-ts)) > pullFreshness.Seconds() {
		badRequest(w, "stale timestamp")
		return
	}
	sig, err := hexutil.Decode(sigHex)
	if err != nil || !common.IsHexAddress(requestor) {
		badRequest(w, "bad auth headers")
		return
	}
	got, err := wallet.RecoverAddress(tradesRequestDigest(betID, timestamp).Bytes(), sig)
	if err != nil || got != common.HexToAddress(requestor) {
		unauthorized(w, "signature does not recover requestor")
		return
	}
	if s.handlers.TradesBlob == nil {
		writeError(w, http.StatusNotFound, "trades not served")
		return
	}
	blob, err := s.handlers.TradesBlob(r.Context(), betID)
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, "unknown bet")
	case err != nil:
		writeError(w, http.StatusInternalServerError, "failed to load trades")
	default:
		w.Header().Set("Content-Type", "application/octet-stream")
		w.WriteHeader(http.StatusOK)
		w.Write(blob)
	}
}

func (s *Server) handleSettlementProposal(w http.ResponseWriter, r *http.Request) {
	var p SettlementProposal
	if !decodeBody(w, r, &p) {
		return
	}
	a := p.Agreement
	switch {
	case a == nil:
		badRequest(w, "missing agreement")
		return
	case a.BetID == nil || a.WinsCount == nil || a.ValidTrades == nil || a.Expiry == nil || a.SettlementNonce == nil:
		badRequest(w, "missing agreement field")
		return
	case len(p.Signature) != 65 || p.Signer == (common.Address{}):
		badRequest(w, "missing signature")
		return
	}
	if expired(a.Expiry.Int().Uint64()) {
		badRequest(w, "agreement expired")
		return
	}
	if !a.VerifySignature(p.Signature, p.Signer, s.cfg.Domain) {
		unauthorized(w, "signature does not recover signer")
		return
	}
	if s.handlers.OnSettlementProposal == nil {
		writeJSON(w, http.StatusOK, &SettlementResponse{Status: "disagree"})
		return
	}
	writeJSON(w, http.StatusOK, s.handlers.OnSettlementProposal(r.Context(), &p))
}

func (s *Server) handleSettlementStatus(w http.ResponseWriter, r *http.Request, rawID string) {
	betID, err := strconv.ParseUint(rawID, 10, 64)
	if err != nil {
		badRequest(w, "bad bet id")
		return
	}
	if s.handlers.SettlementStatus == nil {
		writeError(w, http.StatusNotFound, "settlement status not served")
		return
	}
	status, err := s.handlers.SettlementStatus(r.Context(), betID)
	switch {
	case errors.Is(err, store.ErrNotFound) || status == nil && err == nil:
		writeError(w, http.StatusNotFound, "unknown bet")
	case err != nil:
		writeError(w, http.StatusInternalServerError, "failed to load settlement status")
	default:
		writeJSON(w, http.StatusOK, status)
	}
}

func (s *Server) handleCommitmentSign(w http.ResponseWriter, r *http.Request) {
	var req CommitmentSignRequest
	if !decodeBody(w, r, &req) {
		return
	}
	c := req.Commitment
	switch {
	case c == nil:
		badRequest(w, "missing commitment")
		return
	case c.CreatorAmount == nil || c.FillerAmount == nil || c.Deadline == nil || c.Nonce == nil || c.Expiry == nil:
		badRequest(w, "missing commitment field")
		return
	case len(req.CreatorSignature) != 65:
		badRequest(w, "missing creatorSignature")
		return
	}
	if expired(c.Expiry.Int().Uint64()) {
		badRequest(w, "commitment expired")
		return
	}
	if !c.VerifySignature(req.CreatorSignature, c.Creator, s.cfg.Domain) {
		unauthorized(w, "creator signature does not recover creator")
		return
	}
	if s.handlers.OnCommitmentSignRequest == nil {
		writeJSON(w, http.StatusOK, &ProposalResponse{Accepted: false, Reason: "not co-signing"})
		return
	}
	writeJSON(w, http.StatusOK, s.handlers.OnCommitmentSignRequest(r.Context(), &req))
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize))
	if err != nil {
		writeError(w, http.StatusBadRequest, "unreadable body")
		return false
	}
	if err := json.Unmarshal(body, v); err != nil {
		writeError(w, http.StatusBadRequest, "malformed JSON: "+err.Error())
		return false
	}
	return true
}

func expired(expiry uint64) bool {
	return expiry == 0 || expiry <= uint64(time.Now().Unix())
}

func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		if i := strings.IndexByte(fwd, ','); i >= 0 {
			fwd = fwd[:i]
		}
		return strings.TrimSpace(fwd)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func badRequest(w http.ResponseWriter, msg string) {
	writeError(w, http.StatusBadRequest, msg)
}

func unauthorized(w http.ResponseWriter, msg string) {
	writeError(w, http.StatusUnauthorized, msg)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	rejectedMeter.Inc(1)
	writeJSON(w, status, &ErrorResponse{Error: true, Message: msg, Code: status})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
