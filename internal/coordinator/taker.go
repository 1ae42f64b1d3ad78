package coordinator

import (
	"context"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/peerbet/agent/internal/lifecycle"
	"github.com/peerbet/agent/internal/p2p"
	"github.com/peerbet/agent/internal/tradeset"
)

// onBilateralProposal is the taker's admission path: gates, root
// verification, countersign, and a PendingProposal record keyed by the
// trades root.
func (c *Coordinator) onBilateralProposal(ctx context.Context, req *p2p.ProposalRequest, from common.Address) *p2p.ProposalResponse {
	reject := func(reason string) *p2p.ProposalResponse {
		c.logger.Info("Proposal rejected", "from", from, "reason", reason)
		return &p2p.ProposalResponse{Accepted: false, Reason: reason}
	}

	if c.life.MemoryPressure() {
		return reject("memory pressure")
	}
	if c.life.AtBetCapacity() {
		return reject("active bet cap reached")
	}
	bet := req.Commitment
	if bet.Filler != c.wallet.Address() {
		return reject("commitment does not name us as filler")
	}

	bal, err := c.chain.GetVaultBalance(ctx, c.wallet.Address())
	if err != nil {
		errorsMeter.Inc(1)
		return reject("vault balance unavailable")
	}
	if bal.Available.Cmp(bet.FillerAmount.Int()) < 0 {
		return reject("insufficient vault balance")
	}

	trades, err := decodeTrades(req.TradesBlob)
	if err != nil {
		return reject("undecodable trade blob")
	}
	if len(trades) != req.TradeCount {
		return reject("trade count mismatch")
	}
	ts := &tradeset.TradeSet{SnapshotID: req.SnapshotID, Root: bet.TradesRoot, Trades: trades}
	ok, err := tradeset.Verify(ts, c.cfg.FastHashThreshold)
	if err != nil || !ok {
		return reject("trades root mismatch")
	}

	sig, err := bet.Sign(c.wallet, c.domain)
	if err != nil {
		errorsMeter.Inc(1)
		return reject("signing failed")
	}
	c.life.AddProposal(&lifecycle.PendingProposal{
		TradesRoot: bet.TradesRoot,
		Proposal:   req,
		TradeSet:   ts,
	})
	c.logger.Info("Proposal accepted", "from", from, "root", bet.TradesRoot, "trades", len(trades))
	return &p2p.ProposalResponse{Accepted: true, Signature: sig, Signer: c.wallet.Address()}
}

// onBetCommitted moves a pending proposal into ActiveBets once the maker
// reports the on-chain commit.
func (c *Coordinator) onBetCommitted(_ context.Context, n *p2p.BetCommittedNotification) *p2p.AckResponse {
	if n.Filler != c.wallet.Address() {
		return &p2p.AckResponse{Acknowledged: false, Reason: "notification does not name us as filler"}
	}
	pending, ok := c.life.TakeProposal(n.TradesRoot)
	if !ok {
		return &p2p.AckResponse{Acknowledged: false, Reason: "no pending proposal for root"}
	}

	bet := pending.Proposal.Commitment
	deadline := time.Unix(bet.Deadline.Int().Int64(), 0)
	if err := c.life.AddBet(&lifecycle.ActiveBet{
		BetID:        n.BetID,
		Commitment:   bet,
		TradeSet:     pending.TradeSet,
		Counterparty: n.Creator,
		Deadline:     deadline,
		State:        lifecycle.StateCommitted,
	}); err != nil {
		return &p2p.AckResponse{Acknowledged: false, Reason: "bet already tracked"}
	}
	if err := c.store.Store(n.BetID, pending.TradeSet); err != nil {
		c.logger.Error("Failed to persist trade set", "bet", n.BetID, "err", err)
	}
	c.logger.Info("Bet mirrored from notification", "bet", n.BetID, "creator", n.Creator, "tx", n.TxHash)
	return &p2p.AckResponse{Acknowledged: true}
}

// onCommitmentSignRequest co-signs a pre-specified commitment under the same
// admission gates as proposals, without a trade list to verify.
func (c *Coordinator) onCommitmentSignRequest(ctx context.Context, req *p2p.CommitmentSignRequest) *p2p.ProposalResponse {
	reject := func(reason string) *p2p.ProposalResponse {
		return &p2p.ProposalResponse{Accepted: false, Reason: reason}
	}
	if c.life.MemoryPressure() {
		return reject("memory pressure")
	}
	if c.life.AtBetCapacity() {
		return reject("active bet cap reached")
	}
	bet := req.Commitment
	if bet.Filler != c.wallet.Address() {
		return reject("commitment does not name us as filler")
	}
	bal, err := c.chain.GetVaultBalance(ctx, c.wallet.Address())
	if err != nil {
		errorsMeter.Inc(1)
		return reject("vault balance unavailable")
	}
	if bal.Available.Cmp(bet.FillerAmount.Int()) < 0 {
		return reject("insufficient vault balance")
	}
	sig, err := bet.Sign(c.wallet, c.domain)
	if err != nil {
		errorsMeter.Inc(1)
		return reject("signing failed")
	}
	return &p2p.ProposalResponse{Accepted: true, Signature: sig, Signer: c.wallet.Address()}
}
