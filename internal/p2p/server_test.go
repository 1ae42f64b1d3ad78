package p2p

import (
	"bytes"
	"context"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/require"

	"github.com/peerbet/agent/internal/codec"
	"github.com/peerbet/agent/internal/commitment"
	"github.com/peerbet/agent/internal/wallet"
)

func newCodecInt(v int64) *codec.BigInt {
	return codec.NewBigInt(big.NewInt(v))
}

const (
	makerKeyHex = "b71c71a67e1177ad4e901695e1b4b9ee17ae16c6668d313eac2f96dbcda3f291"
	takerKeyHex = "8a1f9a8f95be41cd7ccb6168179afb4504aefe388d1e14474d32c45c72ce7b7a"
)

var testDomain = commitment.Domain{
	ChainID: 137,
	Vault:   common.HexToAddress("0x1111111111111111111111111111111111111111"),
}

func newTestServer(t *testing.T, handlers Handlers) *Server {
	t.Helper()
	w, err := wallet.FromHex(takerKeyHex)
	require.NoError(t, err)
	srv := NewServer(ServerConfig{
		Port:               0,
		Endpoint:           "http://127.0.0.1:0",
		Address:            w.Address(),
		PubkeyHash:         w.PublicKeyHash(),
		Domain:             testDomain,
		RateLimitPerSecond: 100,
	}, handlers)
	srv.started = time.Now()
	t.Cleanup(srv.limiter.Stop)
	return srv
}

func signedProposal(t *testing.T, w *wallet.Wallet, expiry uint64) *ProposalRequest {
	t.Helper()
	c, err := commitment.Build(commitment.Params{
		TradesRoot:    crypto.Keccak256Hash([]byte("root")),
		Creator:       w.Address(),
		Filler:        common.HexToAddress("0x2222222222222222222222222222222222222222"),
		CreatorAmount: big.NewInt(1e17),
		Deadline:      uint64(time.Now().Add(time.Hour).Unix()),
		Nonce:         big.NewInt(0),
		Expiry:        expiry,
	})
	require.NoError(t, err)
	sig, err := c.Sign(w, testDomain)
	require.NoError(t, err)
	return &ProposalRequest{
		Commitment:       c,
		CreatorSignature: sig,
		SnapshotID:       "snap-1",
		TradeCount:       4,
		TradesBlob:       []byte{0x1f, 0x8b, 0x00},
	}
}

func postJSON(t *testing.T, h http.Handler, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	payload, err := json.Marshal(body)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestInfoAndHealth(t *testing.T) {
	srv := newTestServer(t, Handlers{})

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/p2p/info", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var info InfoResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &info))
	require.Equal(t, srv.cfg.Address, info.Address)
	require.Equal(t, ProtocolVersion, info.Version)

	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/p2p/health", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var health HealthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &health))
	require.Equal(t, "healthy", health.Status)
}

func TestProposalDispatchesToHandler(t *testing.T) {
	maker, err := wallet.FromHex(makerKeyHex)
	require.NoError(t, err)

	var gotFrom common.Address
	srv := newTestServer(t, Handlers{
		OnBilateralProposal: func(_ context.Context, req *ProposalRequest, from common.Address) *ProposalResponse {
			gotFrom = from
			return &ProposalResponse{Accepted: true, Signer: from}
		},
	})

	expiry := uint64(time.Now().Add(time.Minute).Unix())
	rec := postJSON(t, srv.Handler(), "/p2p/proposal", signedProposal(t, maker, expiry))
	require.Equal(t, http.StatusOK, rec.Code)

	var resp ProposalResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.True(t, resp.Accepted)
	require.Equal(t, maker.Address(), gotFrom)
}

func TestExpiredPayloadRejectedBeforeHandler(t *testing.T) {
	maker, err := wallet.FromHex(makerKeyHex)
	require.NoError(t, err)

	var called atomic.Bool
	srv := newTestServer(t, Handlers{
		OnBilateralProposal: func(context.Context, *ProposalRequest, common.Address) *ProposalResponse {
			called.Store(true)
			return &ProposalResponse{Accepted: true}
		},
	})

	expired := uint64(time.Now().Add(-time.Minute).Unix())
	rec := postJSON(t, srv.Handler(), "/p2p/proposal", signedProposal(t, maker, expired))
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.False(t, called.Load())
}

func TestBadSignatureReturns401(t *testing.T) {
	maker, err := wallet.FromHex(makerKeyHex)
	require.NoError(t, err)
	srv := newTestServer(t, Handlers{
		OnBilateralProposal: func(context.Context, *ProposalRequest, common.Address) *ProposalResponse {
			t.Fatal("handler must not run on bad signature")
			return nil
		},
	})

	req := signedProposal(t, maker, uint64(time.Now().Add(time.Minute).Unix()))
	req.CreatorSignature[10] ^= 0x01
	rec := postJSON(t, srv.Handler(), "/p2p/proposal", req)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestMissingFieldsReturn400(t *testing.T) {
	srv := newTestServer(t, Handlers{})

	rec := postJSON(t, srv.Handler(), "/p2p/proposal", map[string]any{"snapshotId": "x"})
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = postJSON(t, srv.Handler(), "/p2p/bet-committed", map[string]any{"betId": 1})
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestUnsetHandlerDefaultRejection(t *testing.T) {
	maker, err := wallet.FromHex(makerKeyHex)
	require.NoError(t, err)
	srv := newTestServer(t, Handlers{})

	rec := postJSON(t, srv.Handler(), "/p2p/proposal", signedProposal(t, maker, uint64(time.Now().Add(time.Minute).Unix())))
	require.Equal(t, http.StatusOK, rec.Code)
	var resp ProposalResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.False(t, resp.Accepted)
	require.NotEmpty(t, resp.Reason)
}

func TestUnknownRoute404(t *testing.T) {
	srv := newTestServer(t, Handlers{})
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/p2p/nope", nil))
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRateLimitBurst(t *testing.T) {
	w, err := wallet.FromHex(takerKeyHex)
	require.NoError(t, err)
	srv := NewServer(ServerConfig{
		Endpoint:           "http://127.0.0.1:0",
		Address:            w.Address(),
		PubkeyHash:         w.PublicKeyHash(),
		Domain:             testDomain,
		RateLimitPerSecond: 10,
	}, Handlers{})
	srv.started = time.Now()
	defer srv.limiter.Stop()

	var ok, limited int
	for i := 0; i < 15; i++ {
		rec := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/p2p/health", nil)
		req.RemoteAddr = "203.0.113.7:55000"
		srv.Handler().ServeHTTP(rec, req)
		switch rec.Code {
		case http.StatusOK:
			ok++
		case http.StatusTooManyRequests:
			limited++
		default:
			t.Fatalf("unexpected status %d", rec.Code)
		}
	}
	require.Equal(t, 10, ok)
	require.Equal(t, 5, limited)
}

func TestTradesPullAuth(t *testing.T) {
	blob := []byte("blob-bytes")
	srv := newTestServer(t, Handlers{
		TradesBlob: func(_ context.Context, betID uint64) ([]byte, error) {
			require.Equal(t, uint64(7), betID)
			return blob, nil
		},
	})

	requestor, err := wallet.FromHex(makerKeyHex)
	require.NoError(t, err)
	client := NewClient(requestor)

	hs := httptest.NewServer(srv.Handler())
	defer hs.Close()

	got, err := client.FetchTrades(context.Background(), hs.URL, 7)
	require.NoError(t, err)
	require.Equal(t, blob, got)

	// Missing headers.
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/p2p/trades/7", nil))
	require.Equal(t, http.StatusBadRequest, rec.Code)

	// Stale timestamp.
	req := httptest.NewRequest(http.MethodGet, "/p2p/trades/7", nil)
	req.Header.Set("X-Signature", "0x00")
	req.Header.Set("X-Requestor", requestor.Address().Hex())
	req.Header.Set("X-Timestamp", "1000")
	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestTradesPushRoundTrip(t *testing.T) {
	var gotBlob []byte
	var gotSigner common.Address
	srv := newTestServer(t, Handlers{
		OnTradesReceived: func(_ context.Context, betID uint64, blob []byte, signer common.Address) error {
			require.Equal(t, uint64(3), betID)
			gotBlob, gotSigner = blob, signer
			return nil
		},
	})

	pusher, err := wallet.FromHex(makerKeyHex)
	require.NoError(t, err)
	client := NewClient(pusher)

	hs := httptest.NewServer(srv.Handler())
	defer hs.Close()

	require.NoError(t, client.PushTrades(context.Background(), hs.URL, 3, []byte("payload")))
	require.Equal(t, []byte("payload"), gotBlob)
	require.Equal(t, pusher.Address(), gotSigner)
}

func TestSettlementProposalPipeline(t *testing.T) {
	signer, err := wallet.FromHex(makerKeyHex)
	require.NoError(t, err)

	agreement := &commitment.SettlementAgreement{
		BetID:           newCodecInt(42),
		Winner:          signer.Address(),
		WinsCount:       newCodecInt(3),
		ValidTrades:     newCodecInt(4),
		IsTie:           false,
		Expiry:          newCodecInt(time.Now().Add(time.Minute).Unix()),
		SettlementNonce: newCodecInt(1),
	}
	sig, err := agreement.Sign(signer, testDomain)
	require.NoError(t, err)

	srv := newTestServer(t, Handlers{
		OnSettlementProposal: func(_ context.Context, p *SettlementProposal) *SettlementResponse {
			require.Equal(t, uint64(42), p.BetID)
			return &SettlementResponse{Status: "agree", Signature: []byte{0x1}}
		},
	})

	rec := postJSON(t, srv.Handler(), "/p2p/propose-settlement", &SettlementProposal{
		BetID:     42,
		Agreement: agreement,
		Signature: sig,
		Signer:    signer.Address(),
	})
	require.Equal(t, http.StatusOK, rec.Code)
	var resp SettlementResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, "agree", resp.Status)

	// Declared signer that does not match the signature is a 401.
	rec = postJSON(t, srv.Handler(), "/p2p/propose-settlement", &SettlementProposal{
		BetID:     42,
		Agreement: agreement,
		Signature: sig,
		Signer:    common.HexToAddress("0x3333333333333333333333333333333333333333"),
	})
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}
