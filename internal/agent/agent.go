// Package agent assembles and runs the betting agent: it unlocks the signer,
// dials the settlement chain, starts the P2P server, and supervises the
// discovery, settlement, and (for makers) trading loops until shutdown.
package agent

import (
	"context"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/log"
	"golang.org/x/sync/errgroup"

	"github.com/peerbet/agent/internal/chain"
	"github.com/peerbet/agent/internal/commitment"
	"github.com/peerbet/agent/internal/config"
	"github.com/peerbet/agent/internal/coordinator"
	"github.com/peerbet/agent/internal/discovery"
	"github.com/peerbet/agent/internal/lifecycle"
	"github.com/peerbet/agent/internal/oracle"
	"github.com/peerbet/agent/internal/p2p"
	"github.com/peerbet/agent/internal/store"
	"github.com/peerbet/agent/internal/wallet"
)

// Agent owns every long-lived component of one running bot.
type Agent struct {
	cfg    *config.Config
	wallet *wallet.Wallet
	chain  *chain.Client
	disc   *discovery.Discovery
	coord  *coordinator.Coordinator
	server *p2p.Server
	life   *lifecycle.Manager
	logger log.Logger
}

// New builds an Agent from configuration. It unlocks the signer, dials the
// chain, and binds every component, but starts nothing; Run does that.
func New(ctx context.Context, cfg *config.Config) (*Agent, error) {
	logger := log.New("component", "agent")

	w, err := openWallet(cfg)
	if err != nil {
		return nil, err
	}
	self := w.Address()
	logger.Info("Signer unlocked", "address", self)

	chainClient, err := chain.Dial(ctx, cfg.RPCURL, w, cfg.ChainID, cfg.VaultAddress, cfg.DirectoryAddress)
	if err != nil {
		w.Close()
		return nil, fmt.Errorf("dial chain: %w", err)
	}

	// Registration is managed out of band; an unregistered agent still
	// serves peers but will not be discovered.
	if registered, err := chainClient.IsBotRegistered(ctx, self); err != nil {
		logger.Warn("Registration check failed", "err", err)
	} else if !registered {
		logger.Warn("Agent not registered in bot directory", "address", self)
	}

	st, err := store.New(cfg.TradeStorageDir, cfg.CompressionThreshold)
	if err != nil {
		chainClient.Close()
		w.Close()
		return nil, fmt.Errorf("open trade store: %w", err)
	}

	life := lifecycle.NewManager(cfg.MaxActiveBets, cfg.PendingProposalTTL, cfg.MaxMemoryGB)
	orc := oracle.New(cfg.OracleURL, cfg.DataSource)
	peerClient := p2p.NewClient(w)
	disc := discovery.New(self, chainClient, peerClient, cfg.DiscoveryInterval)

	coord := coordinator.New(cfg, w, chainClient, orc, disc, peerClient, st, life)

	server := p2p.NewServer(p2p.ServerConfig{
		Port:               cfg.P2PPort,
		Endpoint:           cfg.P2PEndpoint,
		Address:            self,
		PubkeyHash:         w.PublicKeyHash(),
		Domain:             commitment.Domain{ChainID: cfg.ChainID, Vault: cfg.VaultAddress},
		RateLimitPerSecond: cfg.RateLimitPerSecond,
	}, coord.Handlers())

	return &Agent{
		cfg:    cfg,
		wallet: w,
		chain:  chainClient,
		disc:   disc,
		coord:  coord,
		server: server,
		life:   life,
		logger: logger,
	}, nil
}

func openWallet(cfg *config.Config) (*wallet.Wallet, error) {
	if cfg.PrivateKey != "" {
		return wallet.FromHex(cfg.PrivateKey)
	}
	return wallet.FromKeystore(cfg.KeystorePath, cfg.KeystorePassphrase)
}

// Run starts the P2P server and every loop, then blocks until ctx is
// cancelled or a loop fails. Components stop in reverse start order.
func (a *Agent) Run(ctx context.Context) error {
	if err := a.server.Start(); err != nil {
		a.close()
		return err
	}
	a.logger.Info("Agent running", "role", a.cfg.Role, "endpoint", a.cfg.P2PEndpoint)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return a.disc.Run(gctx) })
	g.Go(func() error { return a.life.Run(gctx) })
	g.Go(func() error { return a.coord.RunSettlementLoop(gctx) })
	if a.cfg.Role == config.RoleMaker {
		g.Go(func() error { return a.coord.RunMakerLoop(gctx) })
	}

	err := g.Wait()
	a.server.Stop()
	a.close()
	if errors.Is(err, context.Canceled) {
		a.logger.Info("Agent stopped")
		return nil
	}
	return err
}

func (a *Agent) close() {
	a.chain.Close()
	a.wallet.Close()
}
