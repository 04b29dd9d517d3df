package node

import (
	"auric/blockchain"
	"auric/config"
	"auric/mocks"
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"
)

func testConfig(t *testing.T, id string) *config.Config {
	t.Helper()
	c := config.Default()
	c.Node.ID = id
	c.P2P.Listen = "127.0.0.1:0"
	c.P2P.SyncInterval = 100 * time.Millisecond
	c.P2P.AnnounceInterval = 200 * time.Millisecond
	c.P2P.RedialInterval = 200 * time.Millisecond

	params := mocks.TestParams()
	c.Consensus.MinDifficulty = params.MinDifficulty
	c.Consensus.MaxReorgDepth = params.MaxReorgDepth
	c.Consensus.FinalityDepth = params.FinalityDepth
	c.Events.Console = false
	return c
}

func startNode(t *testing.T, c *config.Config) *FullNode {
	t.Helper()
	n, err := NewFullNode(c)
	if err != nil {
		t.Fatalf("NewFullNode() error = %v", err)
	}
	if err := n.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	t.Cleanup(func() { n.Stop() })
	return n
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// extend mines count blocks on parent to miner and imports them.
func extend(t *testing.T, n *FullNode, parent *blockchain.Block, miner string, count int) []*blockchain.Block {
	t.Helper()
	addr := blockchain.AddressOf(mocks.Key(miner))
	var out []*blockchain.Block
	for i := 0; i < count; i++ {
		b := mocks.MineBlock(parent, addr, nil, n.Chain().Params())
		if _, err := n.Chain().ProcessBlock(b); err != nil {
			t.Fatalf("ProcessBlock(%d) error = %v", b.Height(), err)
		}
		out = append(out, b)
		parent = b
	}
	return out
}

func TestGetBlock(t *testing.T) {
	n := startNode(t, testConfig(t, "query"))
	blocks := extend(t, n, blockchain.GenesisBlock, "alice", 2)

	tip := n.GetTip()
	if tip.Height != 2 || tip.Hash != blocks[1].Hash {
		t.Errorf("GetTip() = %d %s, want 2 %s", tip.Height, tip.Hash, blocks[1].Hash)
	}

	tests := []struct {
		name    string
		ref     string
		want    blockchain.Hash32
		wantErr error
	}{
		{"genesis height", "0", blockchain.GenesisBlock.Hash, nil},
		{"height", "1", blocks[0].Hash, nil},
		{"hash", blocks[1].Hash.String(), blocks[1].Hash, nil},
		{"beyond tip", "3", blockchain.Hash32{}, blockchain.ErrNotFound},
		{"unknown hash", blockchain.Hash32{1}.String(), blockchain.Hash32{}, blockchain.ErrNotFound},
		{"garbage", "tip", blockchain.Hash32{}, blockchain.ErrMalformed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b, err := n.GetBlock(tt.ref)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Errorf("GetBlock(%q) error = %v, want %v", tt.ref, err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("GetBlock(%q) error = %v", tt.ref, err)
			}
			if b.Hash != tt.want {
				t.Errorf("GetBlock(%q) = %s, want %s", tt.ref, b.Hash, tt.want)
			}
		})
	}
}

func TestGetBalance(t *testing.T) {
	n := startNode(t, testConfig(t, "balance"))
	extend(t, n, blockchain.GenesisBlock, "alice", 4)

	alice := blockchain.AddressOf(mocks.Key("alice"))
	got, err := n.GetBalance(alice)
	if err != nil {
		t.Fatalf("GetBalance() error = %v", err)
	}
	reward := n.Chain().Params().BlockReward
	// finality depth 3 leaves only the first block's reward final
	if got.Confirmed != 4*reward || got.Finalized != reward {
		t.Errorf("GetBalance() = %+v, want confirmed %d finalized %d", got, 4*reward, reward)
	}

	if _, err := n.GetBalance("AUR1garbage"); !errors.Is(err, blockchain.ErrMalformed) {
		t.Errorf("GetBalance(invalid) error = %v, want %v", err, blockchain.ErrMalformed)
	}
}

func TestSubmitTransaction(t *testing.T) {
	n := startNode(t, testConfig(t, "submit"))
	alice := mocks.Key("alice")
	bob := blockchain.AddressOf(mocks.Key("bob"))
	b1 := extend(t, n, blockchain.GenesisBlock, "alice", 1)[0]
	coin := mocks.CoinbaseCoin(b1, alice)
	unknown := coin
	unknown.OutPoint.TxID = blockchain.Hash32{9}

	tx := mocks.Pay(coin, bob, 20, 1)
	if res := n.SubmitTransaction(tx); !res.Accepted || res.TxID != tx.ID {
		t.Fatalf("SubmitTransaction() = %+v, want accepted", res)
	}
	if !n.Pool().Has(tx.ID) {
		t.Error("accepted transaction not pooled")
	}

	tests := []struct {
		name string
		tx   *blockchain.Transaction
		code string
	}{
		{"resubmitted", tx, CodeAlreadyPooled},
		{"conflicting", mocks.Pay(coin, bob, 10, 2), "mempool-conflict"},
		{"unknown input", mocks.Pay(unknown, bob, 1, 0), blockchain.CodeMissingInput},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := n.SubmitTransaction(tt.tx)
			if res.Accepted || res.Code != tt.code || res.Reason == "" {
				t.Errorf("SubmitTransaction() = %+v, want rejected with %s", res, tt.code)
			}
		})
	}
}

func TestLedgerSurvivesRestart(t *testing.T) {
	c := testConfig(t, "durable")
	c.Node.DataDir = filepath.Join(t.TempDir(), "data")

	n, err := NewFullNode(c)
	if err != nil {
		t.Fatalf("NewFullNode() error = %v", err)
	}
	blocks := extend(t, n, blockchain.GenesisBlock, "alice", 3)
	if err := n.Stop(); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}

	reopened, err := NewFullNode(c)
	if err != nil {
		t.Fatalf("NewFullNode() error = %v", err)
	}
	defer reopened.Stop()
	if tip := reopened.GetTip(); tip.Hash != blocks[2].Hash {
		t.Errorf("GetTip() after restart = %d %s, want 3 %s", tip.Height, tip.Hash, blocks[2].Hash)
	}
}

func TestTwoNodesMineSyncAndRelay(t *testing.T) {
	minerKey := mocks.Key("miner")
	ca := testConfig(t, "node-a")
	ca.Mining.Enabled = true
	ca.Mining.Address = string(blockchain.AddressOf(minerKey))
	ca.Mining.Pause = 20 * time.Millisecond
	a := startNode(t, ca)

	cb := testConfig(t, "node-b")
	cb.P2P.Seeds = []string{a.P2PAddr()}
	b := startNode(t, cb)

	waitFor(t, "b to sync mined blocks", func() bool { return b.GetTip().Height >= 3 })

	b1, err := b.GetBlock("1")
	if err != nil {
		t.Fatalf("GetBlock() error = %v", err)
	}
	bob := blockchain.AddressOf(mocks.Key("bob"))
	tx := mocks.Pay(mocks.CoinbaseCoin(b1, minerKey), bob, 20, 1)
	if res := b.SubmitTransaction(tx); !res.Accepted {
		t.Fatalf("SubmitTransaction() = %+v, want accepted", res)
	}

	// a pools the relayed transaction and mines it; b learns the block
	waitFor(t, "bob to be paid on b", func() bool {
		bal, err := b.GetBalance(bob)
		return err == nil && bal.Confirmed == 20
	})
	waitFor(t, "b to evict the mined transaction", func() bool { return !b.Pool().Has(tx.ID) })
	if a.Miner().Mined() == 0 {
		t.Error("Mined() = 0, want blocks from a")
	}
}

func TestConnect(t *testing.T) {
	a := startNode(t, testConfig(t, "node-a"))
	b := startNode(t, testConfig(t, "node-b"))
	extend(t, a, blockchain.GenesisBlock, "alice", 2)

	if err := b.Connect(context.Background(), a.P2PAddr()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	waitFor(t, "b to catch up", func() bool { return b.GetTip() == a.GetTip() })
}
