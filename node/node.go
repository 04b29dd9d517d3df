package node

import (
	"auric/blockchain"
	"auric/blockchain/chain"
	"auric/blockchain/mempool"
	"auric/blockchain/store"
	"auric/config"
	"auric/events"
	"auric/mining"
	"auric/p2p"
	"auric/p2p/reqresp"
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
)

// LedgerFile is the database file inside the data directory
const LedgerFile = "ledger.db"

// FullNode wires the ledger, the transaction pool, the peer protocol and
// the optional miner around one configuration.
type FullNode struct {
	config *config.Config
	params *blockchain.Params

	// Core ledger storage
	store  store.LedgerStore
	events events.Emitter
	jsonl  *events.JSONLSink

	// Single writer of chain and UTXO state
	chain *chain.State
	pool  *mempool.Pool

	// Components (each package handles its own concern)
	p2pServer *p2p.Server
	service   *p2p.Service
	discovery *p2p.Discovery
	miner     *mining.Miner

	stopOnce sync.Once
}

// NewFullNode opens the ledger and builds every component. Nothing listens
// until Start.
func NewFullNode(cfg *config.Config) (*FullNode, error) {
	n := &FullNode{config: cfg, params: cfg.Params()}

	if err := n.openEvents(); err != nil {
		return nil, err
	}
	if err := n.openLedger(); err != nil {
		n.closeEvents()
		return nil, err
	}

	n.pool = mempool.NewPool(mempool.Config{
		MaxTxs:      cfg.Mempool.MaxTxs,
		MinRelayFee: cfg.Mempool.MinRelayFee,
		FeePerByte:  cfg.Mempool.FeePerByte,
	}, n.chain)
	n.chain.Subscribe(n.pool.HandleChainChange)

	n.p2pServer = p2p.NewServer(n.p2pConfig())
	sc := p2p.DefaultServiceConfig()
	sc.SyncInterval = cfg.P2P.SyncInterval
	sc.AnnounceInterval = cfg.P2P.AnnounceInterval
	n.service = p2p.NewService(sc, n.p2pServer, n.chain, n.pool)
	n.discovery = p2p.NewDiscovery(p2p.DiscoveryConfig{
		SeedPeers: cfg.P2P.Seeds,
		P2PServer: n.p2pServer,
		Interval:  cfg.P2P.RedialInterval,
	})

	if cfg.Mining.Enabled {
		miner, err := mining.NewMiner(mining.Config{
			Address:    blockchain.Address(cfg.Mining.Address),
			Difficulty: cfg.Mining.Difficulty,
			Pause:      cfg.Mining.Pause,
		}, n.chain, n.pool, n.service)
		if err != nil {
			n.closeLedger()
			n.closeEvents()
			return nil, err
		}
		n.miner = miner
	}
	return n, nil
}

func (n *FullNode) logf(format string, args ...interface{}) {
	log.Printf("%s\tNODE\t%s", n.config.Node.ID, fmt.Sprintf(format, args...))
}

func (n *FullNode) openEvents() error {
	var sinks []events.Emitter
	if n.config.Events.Console {
		sinks = append(sinks, events.NewConsoleSink(os.Stderr, n.config.ConsoleSeverity()))
	}
	if path := n.config.Events.JSONL; path != "" {
		sink, err := events.NewJSONLSink(path)
		if err != nil {
			return fmt.Errorf("open event log %s: %w", path, err)
		}
		n.jsonl = sink
		sinks = append(sinks, sink)
	}
	switch len(sinks) {
	case 0:
		n.events = events.Nop
	case 1:
		n.events = sinks[0]
	default:
		n.events = events.Multi(sinks...)
	}
	return nil
}

func (n *FullNode) closeEvents() {
	if n.jsonl != nil {
		n.jsonl.Close()
	}
}

func (n *FullNode) openLedger() error {
	if dir := n.config.Node.DataDir; dir == "" {
		n.store = store.NewMemoryChainStore()
	} else {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("create data dir: %w", err)
		}
		st, err := store.OpenBoltStore(filepath.Join(dir, LedgerFile))
		if err != nil {
			return err
		}
		n.store = st
	}

	state, err := chain.Open(n.store, n.params, &chain.Options{Events: n.events})
	if err != nil {
		n.store.Close()
		return fmt.Errorf("open chain: %w", err)
	}
	n.chain = state
	return nil
}

func (n *FullNode) closeLedger() {
	if err := n.store.Close(); err != nil {
		n.logf("Error closing ledger: %v", err)
	}
}

func (n *FullNode) p2pConfig() p2p.Config {
	pc := n.config.P2P
	c := p2p.DefaultConfig()
	c.ListenAddr = pc.Listen
	c.NodeID = n.config.Node.ID
	c.MaxMessageBytes = pc.MaxMessageBytes
	c.ReadTimeout = pc.ReadTimeout
	c.WriteTimeout = pc.WriteTimeout
	c.PingInterval = pc.PingInterval
	c.Policy = p2p.PeerPolicy{
		MaxPeers:     pc.MaxPeers,
		BanThreshold: pc.BanThreshold,
		BanDuration:  pc.BanDuration,
		MessageRate:  pc.MessageRate,
		MessageBurst: pc.MessageBurst,
	}
	c.ReqResp = reqresp.Config{
		MaxResponseWaitTimeout: pc.RequestTimeout,
		MaxPendingRequests:     reqresp.DefaultConfig().MaxPendingRequests,
	}
	c.Events = n.events
	return c
}

// Start begins listening for peers, dials the seeds and starts mining when
// configured.
func (n *FullNode) Start() error {
	tip := n.chain.GetTip()
	n.logf("Ledger at height %d (%s)", tip.Height, tip.Hash)

	if err := n.p2pServer.Start(); err != nil {
		return fmt.Errorf("start p2p: %w", err)
	}
	n.service.Start()
	n.discovery.Start()
	if n.miner != nil {
		n.miner.Start()
	}
	n.logf("Full node started: P2P on %s", n.p2pServer.Addr())
	return nil
}

// Stop shuts components down in reverse order and closes the ledger.
func (n *FullNode) Stop() error {
	var err error
	n.stopOnce.Do(func() {
		n.logf("Stopping FullNode...")
		if n.miner != nil {
			n.miner.Stop()
		}
		n.discovery.Stop()
		n.service.Stop()
		if e := n.p2pServer.Stop(); e != nil {
			n.logf("Error stopping P2P server: %v", e)
		}
		err = n.store.Close()
		n.closeEvents()
		n.logf("FullNode stopped")
	})
	return err
}

// P2PAddr returns the bound peer listen address
func (n *FullNode) P2PAddr() string {
	return n.p2pServer.Addr()
}

// Connect dials a peer outside the configured seeds.
func (n *FullNode) Connect(ctx context.Context, address string) error {
	return n.p2pServer.Connect(ctx, address)
}

func (n *FullNode) Chain() *chain.State {
	return n.chain
}

func (n *FullNode) Pool() *mempool.Pool {
	return n.pool
}

func (n *FullNode) Service() *p2p.Service {
	return n.service
}

// Miner returns the miner, nil when mining is disabled
func (n *FullNode) Miner() *mining.Miner {
	return n.miner
}
