package mining

import (
	"auric/blockchain"
	"auric/blockchain/chain"
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"
)

// ErrStaleTemplate is returned when the tip moved while a block was being
// mined on the old one.
var ErrStaleTemplate = errors.New("tip moved while mining")

// blockOverhead is space kept free for the coinbase when filling a block.
const blockOverhead = 1024

// Chain is what the miner reads to build templates.
type Chain interface {
	GetTip() blockchain.ChainTip
	GetBlockByHash(hash blockchain.Hash32) (*blockchain.Block, error)
	Params() *blockchain.Params
	Subscribe(l chain.Listener)
}

// TxSource supplies pending transactions, best first.
type TxSource interface {
	Select(maxTxs, maxBytes int) []blockchain.Transaction
	// Revalidate drops transactions the active chain no longer supports
	Revalidate()
}

// Submitter hands a finished block to the same import path network blocks
// take. An empty origin marks a local block.
type Submitter interface {
	ImportBlock(ctx context.Context, block *blockchain.Block, origin string) (chain.Result, error)
}

type Config struct {
	Address blockchain.Address
	// Difficulty below the network minimum is raised to it
	Difficulty uint32
	// Pause between blocks; zero mines back to back
	Pause time.Duration
}

// Miner produces blocks on the active tip and restarts whenever the tip
// changes underneath it.
type Miner struct {
	config Config
	chain  Chain
	txs    TxSource
	submit Submitter
	mined  atomic.Uint64

	mu     sync.Mutex
	abort  context.CancelFunc
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewMiner(config Config, c Chain, txs TxSource, submit Submitter) (*Miner, error) {
	if err := config.Address.Validate(); err != nil {
		return nil, fmt.Errorf("miner address: %w", err)
	}
	if min := c.Params().MinDifficulty; config.Difficulty < min {
		config.Difficulty = min
	}
	ctx, cancel := context.WithCancel(context.Background())
	m := &Miner{config: config, chain: c, txs: txs, submit: submit, ctx: ctx, cancel: cancel}
	c.Subscribe(m.tipChanged)
	return m, nil
}

func (m *Miner) Start() {
	log.Printf("MINER\tmining to %s at difficulty %d", m.config.Address, m.config.Difficulty)
	m.wg.Add(1)
	go m.loop()
}

func (m *Miner) Stop() {
	m.cancel()
	m.wg.Wait()
}

// Mined returns how many of our blocks the chain accepted.
func (m *Miner) Mined() uint64 {
	return m.mined.Load()
}

func (m *Miner) tipChanged(connected, disconnected []*blockchain.Block) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.abort != nil {
		m.abort()
	}
}

func (m *Miner) mining() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.abort != nil
}

func (m *Miner) loop() {
	defer m.wg.Done()
	for m.ctx.Err() == nil {
		block, err := m.MineBlock(m.ctx)
		switch {
		case err == nil:
		case errors.Is(err, ErrStaleTemplate):
			continue
		case m.ctx.Err() != nil:
			return
		default:
			log.Printf("MINER\tfailed to build block: %v", err)
			m.sleep(time.Second)
			continue
		}

		res, err := m.submit.ImportBlock(m.ctx, block, "")
		if err != nil {
			log.Printf("MINER\tblock %d %s rejected: %v", block.Height(), block.Hash, err)
			if rejectedForTxs(err) {
				m.txs.Revalidate()
			}
			m.sleep(time.Second)
			continue
		}
		if res.Accepted() {
			m.mined.Add(1)
			log.Printf("MINER\tmined block %d %s with %d txs (%s)", block.Height(), block.Hash, len(block.Transactions)-1, res)
		}
		m.sleep(m.config.Pause)
	}
}

// rejectedForTxs reports whether a template failed because of a pooled
// transaction rather than the header.
func rejectedForTxs(err error) bool {
	var re *blockchain.RuleError
	if !errors.As(err, &re) {
		return false
	}
	switch re.Kind {
	case blockchain.ErrDoubleSpend, blockchain.ErrInvalidSignature:
		return true
	}
	return false
}

func (m *Miner) sleep(d time.Duration) {
	if d <= 0 {
		return
	}
	select {
	case <-time.After(d):
	case <-m.ctx.Done():
	}
}

// MineBlock builds a template on the current tip and grinds it. It returns
// ErrStaleTemplate if the tip changes before a nonce is found.
func (m *Miner) MineBlock(ctx context.Context) (*blockchain.Block, error) {
	attempt, abort := context.WithCancel(ctx)
	defer abort()

	// registered before the tip is read, so no tip change can be missed
	m.mu.Lock()
	m.abort = abort
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		m.abort = nil
		m.mu.Unlock()
	}()

	tip := m.chain.GetTip()
	parent, err := m.chain.GetBlockByHash(tip.Hash)
	if err != nil {
		return nil, err
	}
	params := m.chain.Params()

	ts := time.Now().Unix()
	if ts < parent.Header.Timestamp {
		ts = parent.Header.Timestamp
	}
	txs := m.txs.Select(params.MaxBlockTxs-1, params.MaxBlockBytes-blockOverhead)

	block, err := blockchain.NewBlock(attempt, blockchain.BlockCreationParams{
		Parent:       tip,
		MinerAddress: m.config.Address,
		Transactions: txs,
		Reward:       params.Reward(tip.Height + 1),
		Timestamp:    ts,
		Difficulty:   m.config.Difficulty,
	})
	if err != nil {
		if ctx.Err() == nil && errors.Is(err, context.Canceled) {
			return nil, ErrStaleTemplate
		}
		return nil, err
	}
	return block, nil
}
