// Package coordinator drives bets end to end: the maker loop that proposes
// and commits new bets, the taker handlers that countersign inbound
// proposals, and the settlement scanner both roles run after deadlines pass.
// All collaborators are consumed through narrow interfaces so the state
// machines are testable without a chain, an oracle, or live peers.
package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	"math/big"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/log"
	"github.com/ethereum/go-ethereum/metrics"

	"github.com/peerbet/agent/internal/chain"
	"github.com/peerbet/agent/internal/codec"
	"github.com/peerbet/agent/internal/commitment"
	"github.com/peerbet/agent/internal/config"
	"github.com/peerbet/agent/internal/discovery"
	"github.com/peerbet/agent/internal/lifecycle"
	"github.com/peerbet/agent/internal/p2p"
	"github.com/peerbet/agent/internal/store"
	"github.com/peerbet/agent/internal/tradeset"
	"github.com/peerbet/agent/internal/wallet"
)

var (
	betsCreatedMeter = metrics.NewRegisteredCounter("coordinator/bets_created", nil)
	betsSettledMeter = metrics.NewRegisteredCounter("coordinator/bets_settled", nil)
	errorsMeter      = metrics.NewRegisteredCounter("coordinator/errors", nil)
)

// settlementExpiryWindow bounds how long a signed settlement agreement stays
// submittable.
const settlementExpiryWindow = 5 * time.Minute

var (
	errUnknownBet   = errors.New("coordinator: unknown bet")
	errRootMismatch = errors.New("coordinator: trades root mismatch")
)

// chainClient is the settlement-chain surface the coordinator needs.
type chainClient interface {
	GetVaultBalance(ctx context.Context, account common.Address) (chain.Balance, error)
	GetVaultNonce(ctx context.Context, account common.Address) (*big.Int, error)
	GetBet(ctx context.Context, betID uint64) (*chain.BetInfo, error)
	CommitBilateralBet(ctx context.Context, bet *commitment.BetCommitment, creatorSig, fillerSig []byte) (common.Hash, uint64, error)
	SettleByAgreement(ctx context.Context, agreement *commitment.SettlementAgreement, sigA, sigB []byte) (common.Hash, error)
	RequestArbitration(ctx context.Context, betID uint64) (common.Hash, error)
}

// priceOracle supplies entry snapshots and exit quotes.
type priceOracle interface {
	Snapshot(ctx context.Context, limit int) (string, []tradeset.Asset, error)
	ExitPrices(ctx context.Context, tickers []string) (map[string]*codec.BigInt, error)
}

// peerNetwork is the outbound P2P surface.
type peerNetwork interface {
	SendProposal(ctx context.Context, endpoint string, req *p2p.ProposalRequest) (*p2p.ProposalResponse, error)
	NotifyCommitted(ctx context.Context, endpoint string, n *p2p.BetCommittedNotification) (*p2p.AckResponse, error)
	ProposeSettlement(ctx context.Context, endpoint string, p *p2p.SettlementProposal) (*p2p.SettlementResponse, error)
}

// peerSource exposes the discovery table.
type peerSource interface {
	HealthyPeers() []discovery.Peer
}

// tradeStore persists trade sets and resolution records.
type tradeStore interface {
	Store(betID uint64, ts *tradeset.TradeSet) error
	Load(betID uint64) (*tradeset.TradeSet, error)
	StoreResolution(rec *store.ResolutionRecord) error
	LoadResolution(betID uint64) (*store.ResolutionRecord, error)
}

// Coordinator holds the maker/taker policy around the lifecycle manager.
type Coordinator struct {
	cfg    *config.Config
	wallet *wallet.Wallet
	domain commitment.Domain

	chain  chainClient
	oracle priceOracle
	peers  peerSource
	net    peerNetwork
	store  tradeStore
	life   *lifecycle.Manager

	tickRunning atomic.Bool
	logger      log.Logger
	now         func() time.Time
}

// New wires a Coordinator from its collaborators.
func New(cfg *config.Config, w *wallet.Wallet, ch chainClient, oracle priceOracle,
	peers peerSource, net peerNetwork, ts tradeStore, life *lifecycle.Manager) *Coordinator {
	return &Coordinator{
		cfg:    cfg,
		wallet: w,
		domain: commitment.Domain{ChainID: cfg.ChainID, Vault: cfg.VaultAddress},
		chain:  ch,
		oracle: oracle,
		peers:  peers,
		net:    net,
		store:  ts,
		life:   life,
		logger: log.New("component", "coordinator"),
		now:    time.Now,
	}
}

// Handlers returns the P2P callback set for the server.
func (c *Coordinator) Handlers() p2p.Handlers {
	return p2p.Handlers{
		OnBilateralProposal:     c.onBilateralProposal,
		OnBetCommitted:          c.onBetCommitted,
		OnTradesReceived:        c.onTradesReceived,
		OnSettlementProposal:    c.onSettlementProposal,
		OnCommitmentSignRequest: c.onCommitmentSignRequest,
		TradesBlob:              c.tradesBlob,
		SettlementStatus:        c.settlementStatus,
	}
}

// encodeTrades marshals and gzips a trade list for the wire.
func encodeTrades(trades []tradeset.Trade) ([]byte, error) {
	raw, err := json.Marshal(trades)
	if err != nil {
		return nil, err
	}
	return codec.Compress(raw)
}

// decodeTrades inflates and parses a wire blob back into a trade list.
func decodeTrades(blob []byte) ([]tradeset.Trade, error) {
	raw, err := codec.Decompress(blob)
	if err != nil {
		return nil, err
	}
	var trades []tradeset.Trade
	if err := json.Unmarshal(raw, &trades); err != nil {
		return nil, err
	}
	return trades, nil
}

// endpointOf resolves a peer's endpoint from the discovery table.
func (c *Coordinator) endpointOf(addr common.Address) (string, bool) {
	for _, p := range c.peers.HealthyPeers() {
		if p.Address == addr {
			return p.Endpoint, true
		}
	}
	return "", false
}

// tradesBlob serves authenticated pulls from the store.
func (c *Coordinator) tradesBlob(_ context.Context, betID uint64) ([]byte, error) {
	ts, err := c.store.Load(betID)
	if err != nil {
		return nil, err
	}
	return encodeTrades(ts.Trades)
}

// onTradesReceived persists a counterparty's pushed trade blob, verifying it
// against the committed root before accepting.
func (c *Coordinator) onTradesReceived(_ context.Context, betID uint64, blob []byte, signer common.Address) error {
	trades, err := decodeTrades(blob)
	if err != nil {
		return err
	}
	bet, ok := c.life.Bet(betID)
	if !ok {
		return errUnknownBet
	}
	ts := &tradeset.TradeSet{Trades: trades, Root: bet.Commitment.TradesRoot}
	if bet.TradeSet != nil {
		ts.SnapshotID = bet.TradeSet.SnapshotID
	}
	if ok, err := tradeset.Verify(ts, c.cfg.FastHashThreshold); err != nil || !ok {
		c.logger.Warn("Pushed trades do not match committed root", "bet", betID, "from", signer)
		return errRootMismatch
	}
	return c.store.Store(betID, ts)
}

// settlementStatus reports the local view of a bet for operator inspection.
func (c *Coordinator) settlementStatus(_ context.Context, betID uint64) (*p2p.SettlementStatus, error) {
	status := &p2p.SettlementStatus{BetID: betID}
	if bet, ok := c.life.Bet(betID); ok {
		status.State = bet.State.String()
	} else {
		status.State = "untracked"
	}
	rec, err := c.store.LoadResolution(betID)
	switch {
	case err == nil:
		status.Resolved = true
		status.Winner = rec.Winner
		status.WinsCount = rec.WinsCount
		status.ValidTrades = rec.ValidTrades
		status.IsTie = rec.IsTie
	case status.State == "untracked":
		return nil, store.ErrNotFound
	}
	return status, nil
}
