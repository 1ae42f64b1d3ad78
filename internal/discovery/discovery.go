// Package discovery maintains the agent's view of its peers: it periodically
// enumerates the on-chain bot directory, probes each advertised endpoint, and
// keeps last-healthy timestamps. Probe failures are logged and never fatal.
package discovery

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/log"
	"github.com/ethereum/go-ethereum/metrics"
	"golang.org/x/sync/errgroup"

	"github.com/peerbet/agent/internal/chain"
	"github.com/peerbet/agent/internal/p2p"
)

// healthFreshness bounds how stale a successful probe may be before the peer
// drops out of HealthyPeers.
const healthFreshness = 5 * time.Minute

// probeConcurrency caps parallel outbound probes per refresh.
const probeConcurrency = 8

var healthyPeersGauge = metrics.NewRegisteredGauge("discovery/healthy", nil)

// Peer is one known remote agent.
type Peer struct {
	Address       common.Address
	Endpoint      string
	PubkeyHash    common.Hash
	LastHealthyAt time.Time
}

// directory lists registered bots; satisfied by chain.Client.
type directory interface {
	ListBots(ctx context.Context) ([]chain.Bot, error)
}

// prober checks one endpoint; satisfied by p2p.Client.
type prober interface {
	Info(ctx context.Context, endpoint string) (*p2p.InfoResponse, error)
	Health(ctx context.Context, endpoint string) (*p2p.HealthResponse, error)
}

// Discovery refreshes the peer table on a fixed interval.
type Discovery struct {
	self     common.Address
	dir      directory
	prober   prober
	interval time.Duration

	mu    sync.Mutex
	peers map[common.Address]*Peer

	logger log.Logger
	now    func() time.Time
}

// New builds a Discovery that excludes self from its peer table.
func New(self common.Address, dir directory, prober prober, interval time.Duration) *Discovery {
	return &Discovery{
		self:     self,
		dir:      dir,
		prober:   prober,
		interval: interval,
		peers:    make(map[common.Address]*Peer),
		logger:   log.New("component", "discovery"),
		now:      time.Now,
	}
}

// Run refreshes immediately and then on every interval tick until ctx ends.
func (d *Discovery) Run(ctx context.Context) error {
	d.Refresh(ctx)
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			d.Refresh(ctx)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Refresh enumerates the directory and probes every listed endpoint once.
func (d *Discovery) Refresh(ctx context.Context) {
	bots, err := d.dir.ListBots(ctx)
	if err != nil {
		d.logger.Warn("Directory enumeration failed", "err", err)
		return
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(probeConcurrency)
	for _, bot := range bots {
		if bot.Address == d.self || bot.Endpoint == "" {
			continue
		}
		bot := bot
		g.Go(func() error {
			d.probe(gctx, bot)
			return nil
		})
	}
	g.Wait()

	d.mu.Lock()
	// Forget peers the directory no longer lists.
	listed := make(map[common.Address]bool, len(bots))
	for _, bot := range bots {
		listed[bot.Address] = true
	}
	for addr := range d.peers {
		if !listed[addr] {
			delete(d.peers, addr)
		}
	}
	healthy := d.healthyLocked()
	d.mu.Unlock()

	healthyPeersGauge.Update(int64(len(healthy)))
	d.logger.Debug("Peer refresh complete", "listed", len(bots), "healthy", len(healthy))
}

func (d *Discovery) probe(ctx context.Context, bot chain.Bot) {
	info, err := d.prober.Info(ctx, bot.Endpoint)
	if err != nil {
		d.logger.Debug("Peer info probe failed", "peer", bot.Address, "err", err)
		return
	}
	if info.Address != bot.Address {
		d.logger.Warn("Peer identity mismatch", "peer", bot.Address, "claimed", info.Address)
		return
	}
	if _, err := d.prober.Health(ctx, bot.Endpoint); err != nil {
		d.logger.Debug("Peer health probe failed", "peer", bot.Address, "err", err)
		return
	}

	d.mu.Lock()
	p, ok := d.peers[bot.Address]
	if !ok {
		p = &Peer{Address: bot.Address}
		d.peers[bot.Address] = p
	}
	p.Endpoint = bot.Endpoint
	p.PubkeyHash = info.PubkeyHash
	p.LastHealthyAt = d.now()
	d.mu.Unlock()
}

// HealthyPeers returns peers probed successfully within the freshness window,
// oldest address first for a stable pick order.
func (d *Discovery) HealthyPeers() []Peer {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.healthyLocked()
}

func (d *Discovery) healthyLocked() []Peer {
	cutoff := d.now().Add(-healthFreshness)
	out := make([]Peer, 0, len(d.peers))
	for _, p := range d.peers {
		if p.LastHealthyAt.After(cutoff) {
			out = append(out, *p)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Address.Hex() < out[j].Address.Hex()
	})
	return out
}
