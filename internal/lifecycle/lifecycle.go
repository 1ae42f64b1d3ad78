// Package lifecycle owns the in-memory bet state: the ActiveBets and
// PendingProposals maps, their caps and TTLs, and the process-level memory
// watchdog that sheds load before the host OOMs. It is the single place caps
// are enforced; handlers only consult it as an admission gate.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"os"
	"runtime"
	"sort"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/log"
	"github.com/ethereum/go-ethereum/metrics"
	"github.com/shirou/gopsutil/process"

	"github.com/peerbet/agent/internal/commitment"
	"github.com/peerbet/agent/internal/p2p"
	"github.com/peerbet/agent/internal/tradeset"
)

// sweepInterval is the cadence of the cleanup pass.
const sweepInterval = 10 * time.Second

// softLimitRatio of the configured memory budget triggers GC and admission
// rejection.
const softLimitRatio = 0.85

// ErrBetExists guards the one-record-per-betId invariant.
var ErrBetExists = errors.New("lifecycle: bet already tracked")

// BetState is an ActiveBet's position in its lifecycle.
type BetState int

const (
	StatePending BetState = iota
	StateCommitted
	StateSettling
	StateSettled
)

func (s BetState) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateCommitted:
		return "committed"
	case StateSettling:
		return "settling"
	case StateSettled:
		return "settled"
	default:
		return fmt.Sprintf("unknown(%d)", int(s))
	}
}

// ActiveBet is the in-memory record of one committed bet.
type ActiveBet struct {
	BetID        uint64
	Commitment   *commitment.BetCommitment
	TradeSet     *tradeset.TradeSet
	Counterparty common.Address
	Deadline     time.Time
	State        BetState
	CreatedAt    time.Time
}

// PendingProposal is a countersigned proposal awaiting its on-chain commit
// notification.
type PendingProposal struct {
	TradesRoot common.Hash
	Proposal   *p2p.ProposalRequest
	TradeSet   *tradeset.TradeSet
	CreatedAt  time.Time
}

var (
	activeBetsGauge   = metrics.NewRegisteredGauge("lifecycle/activebets", nil)
	pendingGauge      = metrics.NewRegisteredGauge("lifecycle/pending", nil)
	peakRSSGauge      = metrics.NewRegisteredGauge("lifecycle/peak_rss", nil)
	peakHeapGauge     = metrics.NewRegisteredGauge("lifecycle/peak_heap", nil)
	evictedBetsMeter  = metrics.NewRegisteredCounter("lifecycle/evicted_bets", nil)
	evictedPropsMeter = metrics.NewRegisteredCounter("lifecycle/evicted_proposals", nil)
)

// Manager tracks the two maps and runs the periodic sweep. Each map has its
// own mutex, held only for map mutations and short reads.
type Manager struct {
	maxActiveBets  int
	proposalTTL    time.Duration
	softLimitBytes uint64

	betsMu sync.Mutex
	bets   map[uint64]*ActiveBet

	propsMu sync.Mutex
	props   map[common.Hash]*PendingProposal

	rss     func() (uint64, error)
	now     func() time.Time
	peakRSS uint64

	logger log.Logger
}

// NewManager builds a Manager enforcing the given caps; maxMemoryGB sizes the
// RSS soft limit.
func NewManager(maxActiveBets int, proposalTTL time.Duration, maxMemoryGB float64) *Manager {
	m := &Manager{
		maxActiveBets:  maxActiveBets,
		proposalTTL:    proposalTTL,
		softLimitBytes: uint64(maxMemoryGB * softLimitRatio * float64(1<<30)),
		bets:           make(map[uint64]*ActiveBet),
		props:          make(map[common.Hash]*PendingProposal),
		now:            time.Now,
		logger:         log.New("component", "lifecycle"),
	}
	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		m.logger.Warn("RSS sampling unavailable", "err", err)
		m.rss = func() (uint64, error) { return 0, err }
	} else {
		m.rss = func() (uint64, error) {
			mi, err := proc.MemoryInfo()
			if err != nil {
				return 0, err
			}
			return mi.RSS, nil
		}
	}
	return m
}

// AddBet inserts a new ActiveBet; a second insert for the same betId fails.
func (m *Manager) AddBet(bet *ActiveBet) error {
	m.betsMu.Lock()
	defer m.betsMu.Unlock()
	if _, ok := m.bets[bet.BetID]; ok {
		return fmt.Errorf("%w: %d", ErrBetExists, bet.BetID)
	}
	if bet.CreatedAt.IsZero() {
		bet.CreatedAt = m.now()
	}
	m.bets[bet.BetID] = bet
	activeBetsGauge.Update(int64(len(m.bets)))
	return nil
}

// Bet returns a copy of the tracked bet, if any.
func (m *Manager) Bet(betID uint64) (ActiveBet, bool) {
	m.betsMu.Lock()
	defer m.betsMu.Unlock()
	b, ok := m.bets[betID]
	if !ok {
		return ActiveBet{}, false
	}
	return *b, true
}

// BetsInState snapshots the bets currently in state.
func (m *Manager) BetsInState(state BetState) []ActiveBet {
	m.betsMu.Lock()
	defer m.betsMu.Unlock()
	out := make([]ActiveBet, 0, len(m.bets))
	for _, b := range m.bets {
		if b.State == state {
			out = append(out, *b)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].BetID < out[j].BetID })
	return out
}

// SetBetState transitions a tracked bet; unknown ids are ignored.
func (m *Manager) SetBetState(betID uint64, state BetState) {
	m.betsMu.Lock()
	defer m.betsMu.Unlock()
	if b, ok := m.bets[betID]; ok {
		b.State = state
	}
}

// RemoveBet drops a bet from tracking.
func (m *Manager) RemoveBet(betID uint64) {
	m.betsMu.Lock()
	defer m.betsMu.Unlock()
	delete(m.bets, betID)
	activeBetsGauge.Update(int64(len(m.bets)))
}

// BetCount returns the number of tracked bets.
func (m *Manager) BetCount() int {
	m.betsMu.Lock()
	defer m.betsMu.Unlock()
	return len(m.bets)
}

// AtBetCapacity reports whether new bets should be refused.
func (m *Manager) AtBetCapacity() bool {
	return m.BetCount() >= m.maxActiveBets
}

// AddProposal records a countersigned proposal keyed by its trades root.
// Re-proposals for the same root overwrite, refreshing the TTL.
func (m *Manager) AddProposal(p *PendingProposal) {
	m.propsMu.Lock()
	defer m.propsMu.Unlock()
	if p.CreatedAt.IsZero() {
		p.CreatedAt = m.now()
	}
	m.props[p.TradesRoot] = p
	pendingGauge.Update(int64(len(m.props)))
}

// TakeProposal removes and returns the proposal for root.
func (m *Manager) TakeProposal(root common.Hash) (*PendingProposal, bool) {
	m.propsMu.Lock()
	defer m.propsMu.Unlock()
	p, ok := m.props[root]
	if ok {
		delete(m.props, root)
		pendingGauge.Update(int64(len(m.props)))
	}
	return p, ok
}

// ProposalCount returns the number of pending proposals.
func (m *Manager) ProposalCount() int {
	m.propsMu.Lock()
	defer m.propsMu.Unlock()
	return len(m.props)
}

// MemoryPressure reports whether RSS exceeds the soft limit. Sampling
// failures read as no pressure.
func (m *Manager) MemoryPressure() bool {
	rss, err := m.rss()
	if err != nil {
		return false
	}
	return rss > m.softLimitBytes
}

// Run sweeps every 10s until ctx ends.
func (m *Manager) Run(ctx context.Context) error {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.Sweep()
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Sweep runs one cleanup pass: drop settled bets, evict expired proposals,
// shed over-cap bets earliest deadline first, and sample memory.
func (m *Manager) Sweep() {
	now := m.now()

	m.betsMu.Lock()
	for id, b := range m.bets {
		if b.State == StateSettled {
			delete(m.bets, id)
		}
	}
	if len(m.bets) > m.maxActiveBets {
		byDeadline := make([]*ActiveBet, 0, len(m.bets))
		for _, b := range m.bets {
			byDeadline = append(byDeadline, b)
		}
		sort.Slice(byDeadline, func(i, j int) bool {
			return byDeadline[i].Deadline.Before(byDeadline[j].Deadline)
		})
		for _, b := range byDeadline[:len(m.bets)-m.maxActiveBets] {
			m.logger.Warn("Evicting bet over cap", "bet", b.BetID, "deadline", b.Deadline)
			delete(m.bets, b.BetID)
			evictedBetsMeter.Inc(1)
		}
	}
	activeBetsGauge.Update(int64(len(m.bets)))
	m.betsMu.Unlock()

	m.propsMu.Lock()
	for root, p := range m.props {
		if now.Sub(p.CreatedAt) > m.proposalTTL {
			delete(m.props, root)
			evictedPropsMeter.Inc(1)
		}
	}
	pendingGauge.Update(int64(len(m.props)))
	m.propsMu.Unlock()

	m.sampleMemory()
}

func (m *Manager) sampleMemory() {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	if int64(ms.HeapAlloc) > peakHeapGauge.Snapshot().Value() {
		peakHeapGauge.Update(int64(ms.HeapAlloc))
	}

	rss, err := m.rss()
	if err != nil {
		return
	}
	if rss > m.peakRSS {
		m.peakRSS = rss
		peakRSSGauge.Update(int64(rss))
	}
	if rss > m.softLimitBytes {
		m.logger.Warn("Memory pressure, forcing GC", "rss", rss, "limit", m.softLimitBytes)
		runtime.GC()
	}
}
