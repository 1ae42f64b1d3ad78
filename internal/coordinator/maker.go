package coordinator

import (
	"context"
	"fmt"
	"time"

	"github.com/peerbet/agent/internal/commitment"
	"github.com/peerbet/agent/internal/lifecycle"
	"github.com/peerbet/agent/internal/p2p"
	"github.com/peerbet/agent/internal/tradeset"
)

// RunMakerLoop ticks the maker state machine until ctx ends. Only agents
// configured as makers should start it.
func (c *Coordinator) RunMakerLoop(ctx context.Context) error {
	ticker := time.NewTicker(c.cfg.TradingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.MakerTick(ctx)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// MakerTick attempts to create one bet with the first healthy peer. Every
// failure is absorbed here; the next tick starts fresh.
func (c *Coordinator) MakerTick(ctx context.Context) {
	if !c.tickRunning.CompareAndSwap(false, true) {
		c.logger.Debug("Maker tick still running, skipping")
		return
	}
	defer c.tickRunning.Store(false)

	if err := c.makeBet(ctx); err != nil {
		errorsMeter.Inc(1)
		c.logger.Warn("Maker tick failed", "err", err)
	}
}

func (c *Coordinator) makeBet(ctx context.Context) error {
	if c.life.MemoryPressure() {
		c.logger.Warn("Memory pressure, skipping bet creation")
		return nil
	}
	if c.life.AtBetCapacity() {
		c.logger.Debug("Active bet cap reached, skipping")
		return nil
	}

	self := c.wallet.Address()
	bal, err := c.chain.GetVaultBalance(ctx, self)
	if err != nil {
		return fmt.Errorf("vault balance: %w", err)
	}
	if bal.Available.Cmp(c.cfg.StakeAmount) < 0 {
		c.logger.Info("Insufficient vault balance", "available", bal.Available, "stake", c.cfg.StakeAmount)
		return nil
	}

	peers := c.peers.HealthyPeers()
	if len(peers) == 0 {
		c.logger.Debug("No healthy peers")
		return nil
	}
	peer := peers[0]

	snapshotID, assets, err := c.oracle.Snapshot(ctx, c.cfg.NumAssets)
	if err != nil {
		return fmt.Errorf("price snapshot: %w", err)
	}
	if len(assets) == 0 {
		c.logger.Warn("Oracle returned no assets")
		return nil
	}

	ts, err := tradeset.Build(snapshotID, assets, c.cfg.DefaultMethod, c.cfg.FastHashThreshold)
	if err != nil {
		return fmt.Errorf("build trade set: %w", err)
	}

	nonce, err := c.chain.GetVaultNonce(ctx, self)
	if err != nil {
		return fmt.Errorf("vault nonce: %w", err)
	}

	deadline := c.now().Add(c.cfg.DeadlineOffset)
	bet, err := commitment.Build(commitment.Params{
		TradesRoot:    ts.Root,
		Creator:       self,
		Filler:        peer.Address,
		CreatorAmount: c.cfg.StakeAmount,
		Odds:          c.cfg.Odds,
		Deadline:      uint64(deadline.Unix()),
		Nonce:         nonce,
	})
	if err != nil {
		return fmt.Errorf("build commitment: %w", err)
	}
	ourSig, err := bet.Sign(c.wallet, c.domain)
	if err != nil {
		return fmt.Errorf("sign commitment: %w", err)
	}
	blob, err := encodeTrades(ts.Trades)
	if err != nil {
		return fmt.Errorf("encode trades: %w", err)
	}

	resp, err := c.net.SendProposal(ctx, peer.Endpoint, &p2p.ProposalRequest{
		Commitment:       bet,
		CreatorSignature: ourSig,
		SnapshotID:       ts.SnapshotID,
		TradeCount:       len(ts.Trades),
		TradesBlob:       blob,
	})
	if err != nil {
		c.logger.Info("Peer unreachable, skipping", "peer", peer.Address, "err", err)
		return nil
	}
	if !resp.Accepted {
		c.logger.Info("Proposal rejected", "peer", peer.Address, "reason", resp.Reason)
		return nil
	}
	if resp.Signer != peer.Address || !bet.VerifySignature(resp.Signature, peer.Address, c.domain) {
		c.logger.Warn("Counterparty signature invalid", "peer", peer.Address)
		return nil
	}

	txHash, betID, err := c.chain.CommitBilateralBet(ctx, bet, ourSig, resp.Signature)
	if err != nil {
		return fmt.Errorf("commit on-chain: %w", err)
	}
	c.logger.Info("Bet committed", "bet", betID, "tx", txHash, "peer", peer.Address,
		"trades", len(ts.Trades), "root", ts.Root)

	if err := c.store.Store(betID, ts); err != nil {
		c.logger.Error("Failed to persist trade set", "bet", betID, "err", err)
	}
	if err := c.life.AddBet(&lifecycle.ActiveBet{
		BetID:        betID,
		Commitment:   bet,
		TradeSet:     ts,
		Counterparty: peer.Address,
		Deadline:     deadline,
		State:        lifecycle.StateCommitted,
	}); err != nil {
		c.logger.Error("Failed to track bet", "bet", betID, "err", err)
	}
	betsCreatedMeter.Inc(1)

	ack, err := c.net.NotifyCommitted(ctx, peer.Endpoint, &p2p.BetCommittedNotification{
		BetID:      betID,
		TradesRoot: bet.TradesRoot,
		Creator:    bet.Creator,
		Filler:     bet.Filler,
		TxHash:     txHash,
		Expiry:     uint64(c.now().Add(commitment.DefaultExpiryWindow).Unix()),
	})
	if err != nil {
		c.logger.Warn("Commit notification failed", "bet", betID, "err", err)
	} else if !ack.Acknowledged {
		c.logger.Warn("Commit notification not acknowledged", "bet", betID, "reason", ack.Reason)
	}
	return nil
}
