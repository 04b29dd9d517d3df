package mempool

import (
	"auric/blockchain"
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"
)

// Errors
var (
	ErrDuplicateTx = errors.New("transaction already in pool")
	ErrPoolFull    = errors.New("transaction pool full")
	ErrFeeTooLow   = errors.New("fee below relay minimum")
)

// CodeConflict marks a transaction spending an output another pooled
// transaction already spends. The first seen wins.
const CodeConflict = "mempool-conflict"

// Config holds pool limits
type Config struct {
	// MaxTxs bounds the number of pooled transactions
	MaxTxs int
	// MinRelayFee is the smallest fee accepted
	MinRelayFee uint64
	// FeePerByte is charged on top of MinRelayFee for every encoded byte
	FeePerByte uint64
}

// RequiredFee is the smallest fee a transaction of size bytes must pay.
func (c Config) RequiredFee(size int) uint64 {
	return c.MinRelayFee + c.FeePerByte*uint64(size)
}

// DefaultConfig returns default pool configuration
func DefaultConfig() Config {
	return Config{
		MaxTxs:      5000,
		MinRelayFee: 0,
	}
}

// ChainView is the part of the chain state the pool validates against.
type ChainView interface {
	View(fn func(view blockchain.UTXOView, tip blockchain.ChainTip) error) error
	Params() *blockchain.Params
}

type entry struct {
	tx    *blockchain.Transaction
	added time.Time
	seq   uint64
	size  int
}

// Pool holds validated transactions waiting for a block.
type Pool struct {
	mu     sync.RWMutex
	config Config
	chain  ChainView

	txs    map[blockchain.Hash32]*entry
	spends map[blockchain.OutPoint]blockchain.Hash32
	seq    uint64
}

// NewPool creates an empty pool validating against chain.
func NewPool(config Config, chain ChainView) *Pool {
	return &Pool{
		config: config,
		chain:  chain,
		txs:    make(map[blockchain.Hash32]*entry),
		spends: make(map[blockchain.OutPoint]blockchain.Hash32),
	}
}

// Add validates tx against the active chain and pools it. Transactions
// spending unknown or consumed outputs fail with a DoubleSpend rule error
// carrying CodeMissingInput.
func (p *Pool) Add(tx *blockchain.Transaction) error {
	if p.Has(tx.ID) {
		return ErrDuplicateTx
	}
	size := blockchain.TransactionSize(tx)
	if need := p.config.RequiredFee(size); tx.Fee < need {
		return fmt.Errorf("%w: %d < %d for %d bytes", ErrFeeTooLow, tx.Fee, need, size)
	}

	cp := tx.DeepCopy()
	params := p.chain.Params()
	err := p.chain.View(func(view blockchain.UTXOView, tip blockchain.ChainTip) error {
		return blockchain.ValidateTransaction(&cp, blockchain.NewBatchView(view, tip.Height+1), params)
	})
	if err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if _, ok := p.txs[cp.ID]; ok {
		return ErrDuplicateTx
	}
	// a block connected since validation may have spent an input; blocks
	// connected after this check are evicted by BlockConnected
	if err := p.inputsLive(&cp); err != nil {
		return err
	}
	for _, in := range cp.Inputs {
		if other, ok := p.spends[in.OutPoint()]; ok {
			return &blockchain.RuleError{
				Kind:   blockchain.ErrDoubleSpend,
				Code:   CodeConflict,
				Reason: fmt.Sprintf("input %s already spent by pooled %s", in.OutPoint(), other),
			}
		}
	}
	if len(p.txs) >= p.config.MaxTxs {
		return ErrPoolFull
	}

	p.seq++
	p.txs[cp.ID] = &entry{tx: &cp, added: time.Now(), seq: p.seq, size: size}
	for _, in := range cp.Inputs {
		p.spends[in.OutPoint()] = cp.ID
	}
	return nil
}

func (p *Pool) inputsLive(tx *blockchain.Transaction) error {
	return p.chain.View(func(view blockchain.UTXOView, _ blockchain.ChainTip) error {
		for _, in := range tx.Inputs {
			_, ok, err := view.GetUTXO(in.OutPoint())
			if err != nil {
				return err
			}
			if !ok {
				return &blockchain.RuleError{
					Kind:   blockchain.ErrDoubleSpend,
					Code:   blockchain.CodeMissingInput,
					Reason: fmt.Sprintf("input %s spent while validating", in.OutPoint()),
				}
			}
		}
		return nil
	})
}

func (p *Pool) Has(id blockchain.Hash32) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	_, ok := p.txs[id]
	return ok
}

func (p *Pool) Get(id blockchain.Hash32) (*blockchain.Transaction, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	e, ok := p.txs[id]
	if !ok {
		return nil, false
	}
	cp := e.tx.DeepCopy()
	return &cp, true
}

func (p *Pool) Size() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.txs)
}

// IDs returns the ids of all pooled transactions.
func (p *Pool) IDs() []blockchain.Hash32 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]blockchain.Hash32, 0, len(p.txs))
	for id := range p.txs {
		out = append(out, id)
	}
	return out
}

// Remove drops id from the pool.
func (p *Pool) Remove(id blockchain.Hash32) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.removeLocked(id)
}

func (p *Pool) removeLocked(id blockchain.Hash32) {
	e, ok := p.txs[id]
	if !ok {
		return
	}
	for _, in := range e.tx.Inputs {
		if p.spends[in.OutPoint()] == id {
			delete(p.spends, in.OutPoint())
		}
	}
	delete(p.txs, id)
}

// Select returns pooled transactions for a block template, highest fee
// first and oldest first among equal fees, within maxTxs and maxBytes.
func (p *Pool) Select(maxTxs, maxBytes int) []blockchain.Transaction {
	p.mu.RLock()
	entries := make([]*entry, 0, len(p.txs))
	for _, e := range p.txs {
		entries = append(entries, e)
	}
	p.mu.RUnlock()

	sort.Slice(entries, func(i, j int) bool {
		if entries[i].tx.Fee != entries[j].tx.Fee {
			return entries[i].tx.Fee > entries[j].tx.Fee
		}
		return entries[i].seq < entries[j].seq
	})

	var out []blockchain.Transaction
	used := 0
	for _, e := range entries {
		if len(out) >= maxTxs {
			break
		}
		if used+e.size > maxBytes {
			continue
		}
		used += e.size
		out = append(out, e.tx.DeepCopy())
	}
	return out
}

// BlockConnected evicts the block's transactions and any pooled
// transaction that spends an output the block consumed.
func (p *Pool) BlockConnected(block *blockchain.Block) {
	p.mu.Lock()
	defer p.mu.Unlock()

	evicted := 0
	for i := range block.Transactions {
		tx := &block.Transactions[i]
		if _, ok := p.txs[tx.ID]; ok {
			p.removeLocked(tx.ID)
			evicted++
		}
		for _, in := range tx.Inputs {
			if other, ok := p.spends[in.OutPoint()]; ok {
				p.removeLocked(other)
				evicted++
			}
		}
	}
	if evicted > 0 {
		log.Printf("MEMPOOL\tblock %d evicted %d transactions, %d remain", block.Height(), evicted, len(p.txs))
	}
}

// HandleChainChange keeps the pool consistent with the active chain. It is
// registered as a chain listener.
func (p *Pool) HandleChainChange(connected, disconnected []*blockchain.Block) {
	for _, b := range connected {
		p.BlockConnected(b)
	}
	if len(disconnected) == 0 {
		return
	}

	p.Revalidate()

	// disconnected runs from the old tip down, so walk it backwards to
	// give older transactions the earlier arrival order
	readded := 0
	for j := len(disconnected) - 1; j >= 0; j-- {
		b := disconnected[j]
		for i := 1; i < len(b.Transactions); i++ {
			if err := p.Add(&b.Transactions[i]); err == nil {
				readded++
			}
		}
	}
	log.Printf("MEMPOOL\treorg returned %d transactions to the pool", readded)
}

// Revalidate drops pooled transactions whose inputs vanished from the
// active chain.
func (p *Pool) Revalidate() {
	p.mu.RLock()
	pooled := make([]*blockchain.Transaction, 0, len(p.txs))
	for _, e := range p.txs {
		pooled = append(pooled, e.tx)
	}
	p.mu.RUnlock()

	var stale []blockchain.Hash32
	_ = p.chain.View(func(view blockchain.UTXOView, _ blockchain.ChainTip) error {
		for _, tx := range pooled {
			for _, in := range tx.Inputs {
				_, ok, err := view.GetUTXO(in.OutPoint())
				if err != nil || !ok {
					stale = append(stale, tx.ID)
					break
				}
			}
		}
		return nil
	})

	p.mu.Lock()
	defer p.mu.Unlock()
	for _, id := range stale {
		p.removeLocked(id)
	}
	if len(stale) > 0 {
		log.Printf("MEMPOOL\tdropped %d transactions with spent inputs", len(stale))
	}
}
