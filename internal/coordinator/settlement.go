package coordinator

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/peerbet/agent/internal/chain"
	"github.com/peerbet/agent/internal/codec"
	"github.com/peerbet/agent/internal/commitment"
	"github.com/peerbet/agent/internal/lifecycle"
	"github.com/peerbet/agent/internal/p2p"
	"github.com/peerbet/agent/internal/store"
	"github.com/peerbet/agent/internal/tradeset"
)

// RunSettlementLoop scans for settleable bets until ctx ends. Both roles run
// it.
func (c *Coordinator) RunSettlementLoop(ctx context.Context) error {
	ticker := time.NewTicker(c.cfg.SettlementCheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.SettlementTick(ctx)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// SettlementTick drives every due bet one step further. Errors keep the bet
// in its current state for the next tick.
func (c *Coordinator) SettlementTick(ctx context.Context) {
	// Bets already settling wait on the on-chain status.
	for _, bet := range c.life.BetsInState(lifecycle.StateSettling) {
		info, err := c.chain.GetBet(ctx, bet.BetID)
		if err != nil {
			c.logger.Warn("Bet status poll failed", "bet", bet.BetID, "err", err)
			continue
		}
		if info.Status == chain.StatusSettled {
			c.life.SetBetState(bet.BetID, lifecycle.StateSettled)
			betsSettledMeter.Inc(1)
			c.logger.Info("Bet settled on-chain", "bet", bet.BetID)
		}
	}

	now := c.now()
	for _, bet := range c.life.BetsInState(lifecycle.StateCommitted) {
		if bet.Deadline.After(now) {
			continue
		}
		if err := c.settleBet(ctx, bet); err != nil {
			errorsMeter.Inc(1)
			c.life.SetBetState(bet.BetID, lifecycle.StateCommitted)
			c.logger.Warn("Settlement attempt failed", "bet", bet.BetID, "err", err)
		}
	}
}

func (c *Coordinator) settleBet(ctx context.Context, bet lifecycle.ActiveBet) error {
	ts := bet.TradeSet
	if ts == nil {
		var err error
		if ts, err = c.store.Load(bet.BetID); err != nil {
			return fmt.Errorf("load trades: %w", err)
		}
	}

	resolved, outcome, exits, err := c.resolveOutcome(ctx, ts, bet.Commitment)
	if err != nil {
		return err
	}
	c.life.SetBetState(bet.BetID, lifecycle.StateSettling)

	agreement, ourSig, err := c.signedAgreement(ctx, bet.BetID, outcome)
	if err != nil {
		return err
	}
	c.persistResolution(bet.BetID, resolved, outcome, exits)

	self := c.wallet.Address()
	won := outcome.Winner == self

	endpoint, reachable := c.endpointOf(bet.Counterparty)
	if reachable {
		resp, err := c.net.ProposeSettlement(ctx, endpoint, &p2p.SettlementProposal{
			BetID:     bet.BetID,
			Agreement: agreement,
			Signature: ourSig,
			Signer:    self,
		})
		if err == nil && resp.Status == "agree" &&
			agreement.VerifySignature(resp.Signature, bet.Counterparty, c.domain) {
			if _, err := c.chain.SettleByAgreement(ctx, agreement, ourSig, resp.Signature); err != nil {
				return fmt.Errorf("settle on-chain: %w", err)
			}
			c.life.SetBetState(bet.BetID, lifecycle.StateSettled)
			betsSettledMeter.Inc(1)
			c.logger.Info("Bet settled by agreement", "bet", bet.BetID, "winner", outcome.Winner)
			return nil
		}
		if err != nil {
			c.logger.Info("Counterparty unreachable for settlement", "bet", bet.BetID, "err", err)
		} else {
			c.logger.Info("Counterparty disagreed on outcome", "bet", bet.BetID, "their", resp.Outcome)
		}
	}

	// No co-signature. The winner escalates; the loser waits for the
	// counterparty or the arbitrator to finish the bet.
	if won {
		if _, err := c.chain.RequestArbitration(ctx, bet.BetID); err != nil {
			return fmt.Errorf("request arbitration: %w", err)
		}
		c.logger.Info("Arbitration requested", "bet", bet.BetID)
	}
	return nil
}

// resolveOutcome fetches exit prices and tallies the bet. Resolution runs on
// a copy of the trades: the scanner and the inbound settlement handler may
// resolve the same bet concurrently, and the tracked trade set stays as
// committed.
func (c *Coordinator) resolveOutcome(ctx context.Context, ts *tradeset.TradeSet, bet *commitment.BetCommitment) (*tradeset.TradeSet, tradeset.Outcome, []*big.Int, error) {
	tickers := make([]string, len(ts.Trades))
	for i, t := range ts.Trades {
		tickers[i] = t.Ticker
	}
	prices, err := c.oracle.ExitPrices(ctx, tickers)
	if err != nil {
		return nil, tradeset.Outcome{}, nil, fmt.Errorf("exit prices: %w", err)
	}
	exits := make([]*big.Int, len(ts.Trades))
	for i, t := range ts.Trades {
		if p, ok := prices[t.Ticker]; ok {
			exits[i] = p.Int()
		}
	}
	resolved := &tradeset.TradeSet{
		SnapshotID: ts.SnapshotID,
		Root:       ts.Root,
		Trades:     append([]tradeset.Trade(nil), ts.Trades...),
	}
	outcome := tradeset.Resolve(resolved, exits, bet.Creator, bet.Filler)
	return resolved, outcome, exits, nil
}

// signedAgreement builds and signs the settlement agreement for outcome.
func (c *Coordinator) signedAgreement(ctx context.Context, betID uint64, outcome tradeset.Outcome) (*commitment.SettlementAgreement, []byte, error) {
	nonce, err := c.chain.GetVaultNonce(ctx, c.wallet.Address())
	if err != nil {
		return nil, nil, fmt.Errorf("vault nonce: %w", err)
	}
	agreement := &commitment.SettlementAgreement{
		BetID:           codec.NewBigIntFromUint64(betID),
		Winner:          outcome.Winner,
		WinsCount:       codec.NewBigIntFromUint64(outcome.WinsCount),
		ValidTrades:     codec.NewBigIntFromUint64(outcome.ValidTrades),
		IsTie:           outcome.IsTie,
		Expiry:          codec.NewBigIntFromUint64(uint64(c.now().Add(settlementExpiryWindow).Unix())),
		SettlementNonce: codec.NewBigInt(nonce),
	}
	sig, err := agreement.Sign(c.wallet, c.domain)
	if err != nil {
		return nil, nil, fmt.Errorf("sign agreement: %w", err)
	}
	return agreement, sig, nil
}

func (c *Coordinator) persistResolution(betID uint64, ts *tradeset.TradeSet, outcome tradeset.Outcome, exits []*big.Int) {
	rec := &store.ResolutionRecord{
		BetID:       betID,
		Winner:      outcome.Winner,
		WinsCount:   outcome.WinsCount,
		ValidTrades: outcome.ValidTrades,
		TradeCount:  len(ts.Trades),
		IsTie:       outcome.IsTie,
		ExitPrices:  make([]*codec.BigInt, len(exits)),
		MakerWon:    make([]bool, len(ts.Trades)),
		ResolvedAt:  c.now().Unix(),
	}
	for i, e := range exits {
		rec.ExitPrices[i] = codec.NewBigInt(e)
	}
	for i, t := range ts.Trades {
		rec.MakerWon[i] = t.Won
	}
	if err := c.store.StoreResolution(rec); err != nil {
		c.logger.Error("Failed to persist resolution", "bet", betID, "err", err)
	}
}

// onSettlementProposal recomputes the outcome locally and countersigns only
// on an exact match.
func (c *Coordinator) onSettlementProposal(ctx context.Context, p *p2p.SettlementProposal) *p2p.SettlementResponse {
	disagree := func() *p2p.SettlementResponse { return &p2p.SettlementResponse{Status: "disagree"} }

	bet, ok := c.life.Bet(p.BetID)
	if !ok {
		return disagree()
	}
	if p.Signer != bet.Counterparty {
		c.logger.Warn("Settlement proposal from non-counterparty", "bet", p.BetID, "from", p.Signer)
		return disagree()
	}

	ts := bet.TradeSet
	if ts == nil {
		var err error
		if ts, err = c.store.Load(p.BetID); err != nil {
			return disagree()
		}
	}
	resolved, outcome, exits, err := c.resolveOutcome(ctx, ts, bet.Commitment)
	if err != nil {
		errorsMeter.Inc(1)
		return disagree()
	}

	theirs := p.Agreement
	if theirs.Winner != outcome.Winner ||
		theirs.WinsCount.Int().Uint64() != outcome.WinsCount ||
		theirs.ValidTrades.Int().Uint64() != outcome.ValidTrades ||
		theirs.IsTie != outcome.IsTie {
		c.logger.Info("Outcome disagreement", "bet", p.BetID,
			"ourWinner", outcome.Winner, "theirWinner", theirs.Winner)
		ours := &commitment.SettlementAgreement{
			BetID:           theirs.BetID,
			Winner:          outcome.Winner,
			WinsCount:       codec.NewBigIntFromUint64(outcome.WinsCount),
			ValidTrades:     codec.NewBigIntFromUint64(outcome.ValidTrades),
			IsTie:           outcome.IsTie,
			Expiry:          theirs.Expiry,
			SettlementNonce: theirs.SettlementNonce,
		}
		return &p2p.SettlementResponse{Status: "disagree", Outcome: ours}
	}

	sig, err := theirs.Sign(c.wallet, c.domain)
	if err != nil {
		errorsMeter.Inc(1)
		return disagree()
	}
	c.life.SetBetState(p.BetID, lifecycle.StateSettling)
	c.persistResolution(p.BetID, resolved, outcome, exits)
	c.logger.Info("Settlement agreement co-signed", "bet", p.BetID, "winner", outcome.Winner)
	return &p2p.SettlementResponse{Status: "agree", Signature: sig}
}
