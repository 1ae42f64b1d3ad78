package p2p

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/log"

	"github.com/peerbet/agent/internal/wallet"
)

// ErrPeerUnavailable covers transport failures and 5xx answers from a peer.
var ErrPeerUnavailable = errors.New("p2p: peer unavailable")

// ErrPeerRejected covers 4xx answers: the peer is alive but refused us.
var ErrPeerRejected = errors.New("p2p: peer rejected request")

const peerRequestTimeout = 15 * time.Second

// Client is the outbound half of the protocol. One Client serves all peers;
// the target endpoint is passed per call.
type Client struct {
	httpc  *http.Client
	wallet *wallet.Wallet
	logger log.Logger
}

// NewClient builds an outbound client signing authenticated pulls with w.
func NewClient(w *wallet.Wallet) *Client {
	return &Client{
		httpc:  &http.Client{Timeout: peerRequestTimeout},
		wallet: w,
		logger: log.New("component", "p2p-client"),
	}
}

// Info fetches a peer's identity record.
func (c *Client) Info(ctx context.Context, endpoint string) (*InfoResponse, error) {
	var out InfoResponse
	if err := c.get(ctx, endpoint, "/p2p/info", &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Health probes a peer's liveness.
func (c *Client) Health(ctx context.Context, endpoint string) (*HealthResponse, error) {
	var out HealthResponse
	if err := c.get(ctx, endpoint, "/p2p/health", &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// SendProposal submits a bilateral proposal to a peer.
func (c *Client) SendProposal(ctx context.Context, endpoint string, req *ProposalRequest) (*ProposalResponse, error) {
	var out ProposalResponse
	if err := c.post(ctx, endpoint, "/p2p/proposal", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// NotifyCommitted tells the filler the bet is on-chain.
func (c *Client) NotifyCommitted(ctx context.Context, endpoint string, n *BetCommittedNotification) (*AckResponse, error) {
	var out AckResponse
	if err := c.post(ctx, endpoint, "/p2p/bet-committed", n, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// PushTrades sends a signed trade blob for betID. The push is signed here so
// callers only supply the blob.
func (c *Client) PushTrades(ctx context.Context, endpoint string, betID uint64, blob []byte) error {
	push := &TradesPush{
		BetID:  betID,
		Blob:   blob,
		Signer: c.wallet.Address(),
		Expiry: uint64(time.Now().Add(pullFreshness).Unix()),
	}
	sig, err := c.wallet.SignDigest(push.Digest().Bytes())
	if err != nil {
		return err
	}
	push.Signature = sig
	var out AckResponse
	return c.post(ctx, endpoint, "/p2p/trades", push, &out)
}

// FetchTrades pulls the trade blob for betID with header authentication.
func (c *Client) FetchTrades(ctx context.Context, endpoint string, betID uint64) ([]byte, error) {
	timestamp := strconv.FormatInt(time.Now().Unix(), 10)
	sig, err := c.wallet.SignDigest(tradesRequestDigest(betID, timestamp).Bytes())
	if err != nil {
		return nil, err
	}
	url := fmt.Sprintf("%s/p2p/trades/%d", strings.TrimSuffix(endpoint, "/"), betID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("X-Signature", hexutil.Encode(sig))
	req.Header.Set("X-Requestor", c.wallet.Address().Hex())
	req.Header.Set("X-Timestamp", timestamp)

	resp, err := c.httpc.Do(req)
	if err != nil {
		return nil, errors.Join(ErrPeerUnavailable, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, statusError(resp.StatusCode, resp.Body)
	}
	return io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
}

// ProposeSettlement sends our computed outcome and signature to the
// counterparty.
func (c *Client) ProposeSettlement(ctx context.Context, endpoint string, p *SettlementProposal) (*SettlementResponse, error) {
	var out SettlementResponse
	if err := c.post(ctx, endpoint, "/p2p/propose-settlement", p, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// RequestCommitmentSign asks a peer to co-sign a pre-built commitment.
func (c *Client) RequestCommitmentSign(ctx context.Context, endpoint string, req *CommitmentSignRequest) (*ProposalResponse, error) {
	var out ProposalResponse
	if err := c.post(ctx, endpoint, "/p2p/commitment/sign", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) get(ctx context.Context, endpoint, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimSuffix(endpoint, "/")+path, nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *Client) post(ctx context.Context, endpoint, path string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimSuffix(endpoint, "/")+path, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.httpc.Do(req)
	if err != nil {
		return errors.Join(ErrPeerUnavailable, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return statusError(resp.StatusCode, resp.Body)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		return errors.Join(ErrPeerUnavailable, err)
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("p2p: bad response from %s: %w", req.URL.Host, err)
	}
	return nil
}

func statusError(status int, body io.Reader) error {
	var e ErrorResponse
	json.NewDecoder(io.LimitReader(body, 4096)).Decode(&e)
	kind := ErrPeerUnavailable
	if status >= 400 && status < 500 {
		kind = ErrPeerRejected
	}
	if e.Message != "" {
		return fmt.Errorf("%w: %d %s", kind, status, e.Message)
	}
	return fmt.Errorf("%w: status %d", kind, status)
}
