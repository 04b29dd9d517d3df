package mempool

import (
	"errors"
	"sync"
	"testing"

	"auric/blockchain"
	"auric/blockchain/chain"
	"auric/blockchain/store"
	"auric/mocks"
)

type fixture struct {
	params *blockchain.Params
	state  *chain.State
	pool   *Pool
	block1 *blockchain.Block
	block2 *blockchain.Block
	alice  *blockchain.Ed25519Key
}

// newFixture builds a chain where alice owns the coinbase of blocks 1 and 2.
func newFixture(t *testing.T, config Config) *fixture {
	t.Helper()
	params := mocks.TestParams()
	s, err := chain.Open(store.NewMemoryChainStore(), params, nil)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	alice := mocks.Key("alice")
	b1 := mocks.MineBlock(blockchain.GenesisBlock, blockchain.AddressOf(alice), nil, params)
	b2 := mocks.MineBlock(b1, blockchain.AddressOf(alice), nil, params)
	for _, b := range []*blockchain.Block{b1, b2} {
		if _, err := s.ProcessBlock(b); err != nil {
			t.Fatalf("ProcessBlock(%d) error = %v", b.Height(), err)
		}
	}
	pool := NewPool(config, s)
	s.Subscribe(pool.HandleChainChange)
	return &fixture{params: params, state: s, pool: pool, block1: b1, block2: b2, alice: alice}
}

func TestAdd(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	bob := blockchain.AddressOf(mocks.Key("bob"))
	coin := mocks.CoinbaseCoin(f.block1, f.alice)

	tx := mocks.Pay(coin, bob, 40, 2)
	if err := f.pool.Add(tx); err != nil {
		t.Fatalf("Add() error = %v", err)
	}
	if !f.pool.Has(tx.ID) || f.pool.Size() != 1 {
		t.Fatalf("Has() = %v, Size() = %d, want true, 1", f.pool.Has(tx.ID), f.pool.Size())
	}

	t.Run("duplicate", func(t *testing.T) {
		if err := f.pool.Add(tx); !errors.Is(err, ErrDuplicateTx) {
			t.Errorf("Add() = %v, want %v", err, ErrDuplicateTx)
		}
	})

	t.Run("conflict keeps first seen", func(t *testing.T) {
		rival := mocks.Pay(coin, bob, 45, 5)
		err := f.pool.Add(rival)
		if !errors.Is(err, blockchain.ErrDoubleSpend) || blockchain.RejectCode(err) != CodeConflict {
			t.Fatalf("Add() = %v, want code %s", err, CodeConflict)
		}
		if f.pool.Has(rival.ID) || !f.pool.Has(tx.ID) {
			t.Errorf("pool should keep the first spender only")
		}
	})

	t.Run("unknown input", func(t *testing.T) {
		ghost := mocks.Coin{
			OutPoint: blockchain.OutPoint{TxID: blockchain.Hash([]byte("ghost"))},
			Entry:    blockchain.UTXOEntry{Amount: 10, Address: blockchain.AddressOf(f.alice)},
			Key:      f.alice,
		}
		err := f.pool.Add(mocks.Pay(ghost, bob, 5, 0))
		if !errors.Is(err, blockchain.ErrDoubleSpend) || blockchain.RejectCode(err) != blockchain.CodeMissingInput {
			t.Errorf("Add() = %v, want code %s", err, blockchain.CodeMissingInput)
		}
	})

	t.Run("bad signature", func(t *testing.T) {
		stolen := mocks.CoinbaseCoin(f.block2, mocks.Key("mallory"))
		err := f.pool.Add(mocks.Pay(stolen, bob, 5, 0))
		if !errors.Is(err, blockchain.ErrInvalidSignature) {
			t.Errorf("Add() = %v, want %v", err, blockchain.ErrInvalidSignature)
		}
	})
}

func TestAddLimits(t *testing.T) {
	t.Run("fee floor", func(t *testing.T) {
		f := newFixture(t, Config{MaxTxs: 10, MinRelayFee: 3})
		tx := mocks.Pay(mocks.CoinbaseCoin(f.block1, f.alice), blockchain.AddressOf(f.alice), 40, 2)
		if err := f.pool.Add(tx); !errors.Is(err, ErrFeeTooLow) {
			t.Errorf("Add() = %v, want %v", err, ErrFeeTooLow)
		}
	})

	t.Run("full", func(t *testing.T) {
		f := newFixture(t, Config{MaxTxs: 1})
		to := blockchain.AddressOf(mocks.Key("bob"))
		if err := f.pool.Add(mocks.Pay(mocks.CoinbaseCoin(f.block1, f.alice), to, 40, 0)); err != nil {
			t.Fatalf("Add() error = %v", err)
		}
		err := f.pool.Add(mocks.Pay(mocks.CoinbaseCoin(f.block2, f.alice), to, 40, 0))
		if !errors.Is(err, ErrPoolFull) {
			t.Errorf("Add() = %v, want %v", err, ErrPoolFull)
		}
	})
}

func TestFeePerByte(t *testing.T) {
	f := newFixture(t, Config{MaxTxs: 10, FeePerByte: 1})
	tx := mocks.Pay(mocks.CoinbaseCoin(f.block1, f.alice), blockchain.AddressOf(mocks.Key("bob")), 40, 9)
	if err := f.pool.Add(tx); !errors.Is(err, ErrFeeTooLow) {
		t.Errorf("Add() = %v, want %v", err, ErrFeeTooLow)
	}
	if f.pool.Has(tx.ID) {
		t.Error("underpaying transaction pooled")
	}
}

func TestRequiredFee(t *testing.T) {
	tests := []struct {
		name   string
		config Config
		size   int
		want   uint64
	}{
		{"free", Config{}, 250, 0},
		{"flat", Config{MinRelayFee: 500}, 250, 500},
		{"base plus per byte", Config{MinRelayFee: 1000, FeePerByte: 100}, 250, 26000},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.config.RequiredFee(tt.size); got != tt.want {
				t.Errorf("RequiredFee(%d) = %d, want %d", tt.size, got, tt.want)
			}
		})
	}
}

// racingView connects a block right after the first validation read, the
// way a block arriving from a peer can land between validation and insert.
type racingView struct {
	*chain.State
	once    sync.Once
	connect func()
}

func (v *racingView) View(fn func(view blockchain.UTXOView, tip blockchain.ChainTip) error) error {
	err := v.State.View(fn)
	v.once.Do(v.connect)
	return err
}

func TestAddLosesRaceWithBlock(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	coin := mocks.CoinbaseCoin(f.block1, f.alice)
	carol := blockchain.AddressOf(mocks.Key("carol"))

	confirmed := mocks.Pay(coin, carol, 45, 0)
	b3 := mocks.MineBlock(f.block2, carol, []blockchain.Transaction{*confirmed}, f.params)
	view := &racingView{State: f.state, connect: func() {
		if _, err := f.state.ProcessBlock(b3); err != nil {
			t.Errorf("ProcessBlock() error = %v", err)
		}
	}}
	pool := NewPool(DefaultConfig(), view)
	f.state.Subscribe(pool.HandleChainChange)

	tx := mocks.Pay(coin, blockchain.AddressOf(mocks.Key("bob")), 40, 1)
	err := pool.Add(tx)
	if blockchain.RejectCode(err) != blockchain.CodeMissingInput {
		t.Errorf("Add() = %v, want code %s", err, blockchain.CodeMissingInput)
	}
	if pool.Has(tx.ID) {
		t.Error("transaction spending a confirmed input stayed pooled")
	}
}

func TestSelectOrdersByFee(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	to := blockchain.AddressOf(mocks.Key("bob"))
	low := mocks.Pay(mocks.CoinbaseCoin(f.block1, f.alice), to, 40, 1)
	high := mocks.Pay(mocks.CoinbaseCoin(f.block2, f.alice), to, 40, 9)
	for _, tx := range []*blockchain.Transaction{low, high} {
		if err := f.pool.Add(tx); err != nil {
			t.Fatalf("Add() error = %v", err)
		}
	}

	tests := []struct {
		name     string
		maxTxs   int
		maxBytes int
		want     []blockchain.Hash32
	}{
		{"all", 10, 1 << 20, []blockchain.Hash32{high.ID, low.ID}},
		{"count bound", 1, 1 << 20, []blockchain.Hash32{high.ID}},
		{"byte bound", 10, blockchain.TransactionSize(high), []blockchain.Hash32{high.ID}},
		{"nothing fits", 10, 1, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := f.pool.Select(tt.maxTxs, tt.maxBytes)
			if len(got) != len(tt.want) {
				t.Fatalf("Select() returned %d txs, want %d", len(got), len(tt.want))
			}
			for i := range got {
				if got[i].ID != tt.want[i] {
					t.Errorf("Select()[%d] = %s, want %s", i, got[i].ID, tt.want[i])
				}
			}
		})
	}
}

func TestBlockEvictsIncludedAndConflicting(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	bob := blockchain.AddressOf(mocks.Key("bob"))
	carol := blockchain.AddressOf(mocks.Key("carol"))

	pooled := mocks.Pay(mocks.CoinbaseCoin(f.block1, f.alice), bob, 40, 1)
	included := mocks.Pay(mocks.CoinbaseCoin(f.block2, f.alice), bob, 40, 1)
	for _, tx := range []*blockchain.Transaction{pooled, included} {
		if err := f.pool.Add(tx); err != nil {
			t.Fatalf("Add() error = %v", err)
		}
	}

	// the block spends block1's coinbase differently than the pooled tx
	conflicting := mocks.Pay(mocks.CoinbaseCoin(f.block1, f.alice), carol, 45, 0)
	b3 := mocks.MineBlock(f.block2, carol, []blockchain.Transaction{*included, *conflicting}, f.params)
	if _, err := f.state.ProcessBlock(b3); err != nil {
		t.Fatalf("ProcessBlock() error = %v", err)
	}

	if f.pool.Size() != 0 {
		t.Errorf("Size() = %d, want 0", f.pool.Size())
	}
}

func TestReorgReturnsTransactions(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	bob := blockchain.AddressOf(mocks.Key("bob"))
	miner := blockchain.AddressOf(mocks.Key("miner"))
	rival := blockchain.AddressOf(mocks.Key("rival"))

	tx := mocks.Pay(mocks.CoinbaseCoin(f.block1, f.alice), bob, 40, 1)
	b3 := mocks.MineBlock(f.block2, miner, []blockchain.Transaction{*tx}, f.params)
	if _, err := f.state.ProcessBlock(b3); err != nil {
		t.Fatalf("ProcessBlock(b3) error = %v", err)
	}
	if f.pool.Has(tx.ID) {
		t.Fatalf("confirmed tx still pooled")
	}

	// a heavier branch from block2 without the transfer
	side3 := mocks.MineBlock(f.block2, rival, nil, f.params)
	side4 := mocks.MineBlock(side3, rival, nil, f.params)
	for _, b := range []*blockchain.Block{side3, side4} {
		if _, err := f.state.ProcessBlock(b); err != nil {
			t.Fatalf("ProcessBlock(%d) error = %v", b.Height(), err)
		}
	}
	if tip := f.state.GetTip(); tip.Hash != side4.Hash {
		t.Fatalf("GetTip() = %s, want %s", tip.Hash, side4.Hash)
	}

	if !f.pool.Has(tx.ID) {
		t.Errorf("transfer from the abandoned branch not returned to pool")
	}
}

func TestReorgKeepsArrivalOrder(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	bob := blockchain.AddressOf(mocks.Key("bob"))
	miner := blockchain.AddressOf(mocks.Key("miner"))
	rival := blockchain.AddressOf(mocks.Key("rival"))

	older := mocks.Pay(mocks.CoinbaseCoin(f.block1, f.alice), bob, 40, 1)
	newer := mocks.Pay(mocks.CoinbaseCoin(f.block2, f.alice), bob, 40, 1)
	b3 := mocks.MineBlock(f.block2, miner, []blockchain.Transaction{*older}, f.params)
	b4 := mocks.MineBlock(b3, miner, []blockchain.Transaction{*newer}, f.params)

	side3 := mocks.MineBlock(f.block2, rival, nil, f.params)
	side4 := mocks.MineBlock(side3, rival, nil, f.params)
	side5 := mocks.MineBlock(side4, rival, nil, f.params)
	for _, b := range []*blockchain.Block{b3, b4, side3, side4, side5} {
		if _, err := f.state.ProcessBlock(b); err != nil {
			t.Fatalf("ProcessBlock(%d) error = %v", b.Height(), err)
		}
	}
	if tip := f.state.GetTip(); tip.Hash != side5.Hash {
		t.Fatalf("GetTip() = %s, want %s", tip.Hash, side5.Hash)
	}

	// equal fees, so Select falls back to arrival order
	got := f.pool.Select(10, 1<<20)
	if len(got) != 2 {
		t.Fatalf("Select() returned %d txs, want 2", len(got))
	}
	if got[0].ID != older.ID || got[1].ID != newer.ID {
		t.Errorf("Select() = [%s %s], want [%s %s]", got[0].ID, got[1].ID, older.ID, newer.ID)
	}
}
