package p2p

import (
	"auric/blockchain"
	"auric/blockchain/chain"
	"auric/blockchain/mempool"
	"auric/blockchain/store"
	"auric/events"
	"auric/mocks"
	"context"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

type testNode struct {
	id      string
	state   *chain.State
	pool    *mempool.Pool
	server  *Server
	service *Service
	events  *events.Recorder
}

func newTestNode(t *testing.T, id string) *testNode {
	t.Helper()
	rec := &events.Recorder{}
	params := mocks.TestParams()
	state, err := chain.Open(store.NewMemoryChainStore(), params, &chain.Options{Events: rec})
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	pool := mempool.NewPool(mempool.DefaultConfig(), state)
	state.Subscribe(pool.HandleChainChange)

	config := DefaultConfig()
	config.ListenAddr = "127.0.0.1:0"
	config.NodeID = id
	config.Events = rec
	server := NewServer(config)

	svcConfig := DefaultServiceConfig()
	svcConfig.SyncInterval = 100 * time.Millisecond
	svcConfig.AnnounceInterval = 200 * time.Millisecond
	svcConfig.MaxBlocksPerRequest = 3
	service := NewService(svcConfig, server, state, pool)

	if err := server.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	service.Start()
	t.Cleanup(func() {
		service.Stop()
		server.Stop()
	})
	return &testNode{id: id, state: state, pool: pool, server: server, service: service, events: rec}
}

// extend mines n blocks on parent to miner and imports them locally.
func (n *testNode) extend(t *testing.T, parent *blockchain.Block, miner string, count int) []*blockchain.Block {
	t.Helper()
	params := n.state.Params()
	addr := blockchain.AddressOf(mocks.Key(miner))
	var out []*blockchain.Block
	for i := 0; i < count; i++ {
		b := mocks.MineBlock(parent, addr, nil, params)
		if _, err := n.state.ProcessBlock(b); err != nil {
			t.Fatalf("%s: ProcessBlock(%d) error = %v", n.id, b.Height(), err)
		}
		out = append(out, b)
		parent = b
	}
	return out
}

func (n *testNode) connect(t *testing.T, other *testNode) {
	t.Helper()
	if err := n.server.Connect(context.Background(), other.server.Addr()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	waitFor(t, "hello exchanged", func() bool {
		_, ok := n.server.GetPeerManager().FindByID(other.id)
		return ok
	})
}

func TestSyncCatchesUp(t *testing.T) {
	a := newTestNode(t, "node-a")
	b := newTestNode(t, "node-b")
	a.extend(t, blockchain.GenesisBlock, "alice", 7)

	b.connect(t, a)
	waitFor(t, "b to reach a's tip", func() bool { return b.state.GetTip() == a.state.GetTip() })

	if n := b.events.Count(events.PeerBanned); n != 0 {
		t.Errorf("Expected no bans, got %d", n)
	}
}

func TestSyncReorganizesToHeavierChain(t *testing.T) {
	a := newTestNode(t, "node-a")
	b := newTestNode(t, "node-b")

	common := a.extend(t, blockchain.GenesisBlock, "alice", 2)
	for _, blk := range common {
		if _, err := b.state.ProcessBlock(blk); err != nil {
			t.Fatalf("ProcessBlock() error = %v", err)
		}
	}
	a.extend(t, common[1], "alice", 4)
	b.extend(t, common[1], "rival", 2)
	if a.state.GetTip().Height != 6 || b.state.GetTip().Height != 4 {
		t.Fatalf("unexpected starting tips %d and %d", a.state.GetTip().Height, b.state.GetTip().Height)
	}

	b.connect(t, a)
	waitFor(t, "b to adopt a's chain", func() bool { return b.state.GetTip() == a.state.GetTip() })

	if n := b.events.Count(events.ChainReorg); n == 0 {
		t.Errorf("Expected a %s event on b", events.ChainReorg)
	}
}

func TestBlockRelay(t *testing.T) {
	a := newTestNode(t, "node-a")
	b := newTestNode(t, "node-b")
	b.connect(t, a)
	waitFor(t, "a to see b", func() bool {
		_, ok := a.server.GetPeerManager().FindByID("node-b")
		return ok
	})

	blk := mocks.MineBlock(blockchain.GenesisBlock, blockchain.AddressOf(mocks.Key("alice")), nil, a.state.Params())
	res, err := a.service.ImportBlock(context.Background(), blk, "")
	if err != nil || res != chain.ResultExtended {
		t.Fatalf("ImportBlock() = %s, %v", res, err)
	}
	waitFor(t, "block relayed to b", func() bool { return b.state.HasBlock(blk.Hash) })
}

func TestTransactionRelay(t *testing.T) {
	a := newTestNode(t, "node-a")
	b := newTestNode(t, "node-b")
	alice := mocks.Key("alice")
	blocks := a.extend(t, blockchain.GenesisBlock, "alice", 2)

	b.connect(t, a)
	waitFor(t, "b synced", func() bool { return b.state.GetTip() == a.state.GetTip() })
	waitFor(t, "a to see b", func() bool {
		_, ok := a.server.GetPeerManager().FindByID("node-b")
		return ok
	})

	tx := mocks.Pay(mocks.CoinbaseCoin(blocks[0], alice), blockchain.AddressOf(mocks.Key("bob")), 10, 1)
	if err := a.pool.Add(tx); err != nil {
		t.Fatalf("Add() error = %v", err)
	}
	if n := a.service.BroadcastTransaction(tx, ""); n != 1 {
		t.Fatalf("BroadcastTransaction() = %d, want 1", n)
	}
	waitFor(t, "tx in b's pool", func() bool { return b.pool.Has(tx.ID) })
}

func TestServiceRejectsForeignGenesis(t *testing.T) {
	a := newTestNode(t, "node-a")
	ws := dial(t, a.server.Addr())

	hello := `{"type":"hello","payload":{"node_id":"x","version":"auric/1","genesis_hash":"` +
		blockchain.Hash([]byte("other network")).String() + `","tip_height":0}}`
	if err := ws.WriteMessage(websocket.TextMessage, []byte(hello)); err != nil {
		t.Fatalf("WriteMessage() error = %v", err)
	}
	waitFor(t, "peer dropped", func() bool { return a.server.GetPeerManager().Count() == 0 })
}
