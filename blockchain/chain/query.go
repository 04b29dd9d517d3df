package chain

import (
	"auric/blockchain"
	"fmt"
)

// GetTip returns the height and hash of the active tip.
func (s *State) GetTip() blockchain.ChainTip {
	s.mu.RLock()
	defer s.mu.RUnlock()
	tip := s.tip()
	return blockchain.ChainTip{Height: tip.height(), Hash: tip.hash}
}

// GetBlockByHeight returns the active chain block at height.
func (s *State) GetBlockByHeight(height uint64) (*blockchain.Block, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.store.GetBlockByHeight(height)
}

// GetBlockByHash returns a known block, active or on a side branch.
func (s *State) GetBlockByHash(hash blockchain.Hash32) (*blockchain.Block, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	node, ok := s.index[hash]
	if !ok || node.invalid {
		return nil, fmt.Errorf("block %s: %w", hash, blockchain.ErrNotFound)
	}
	if node.active {
		return s.store.GetBlockByHash(hash)
	}
	return s.store.GetSideBlock(hash)
}

// GetBlocks returns active blocks from..to inclusive, at most limit of
// them. It stops early at the tip.
func (s *State) GetBlocks(from, to uint64, limit int) ([]*blockchain.Block, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*blockchain.Block
	tip := s.tip().height()
	for h := from; h <= to && h <= tip && len(out) < limit; h++ {
		b, err := s.store.GetBlockByHeight(h)
		if err != nil {
			return out, err
		}
		out = append(out, b)
	}
	return out, nil
}

// HasBlock reports whether hash is in the block tree or the orphan pool.
func (s *State) HasBlock(hash blockchain.Hash32) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.index[hash]; ok {
		return true
	}
	return s.orphans.has(hash)
}

// RecentHashes returns up to n active hashes, newest first.
func (s *State) RecentHashes(n int) []blockchain.Hash32 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]blockchain.Hash32, 0, n)
	for i := len(s.active) - 1; i >= 0 && len(out) < n; i-- {
		out = append(out, s.active[i].hash)
	}
	return out
}

// GetBalance sums the live outputs owned by addr on the active chain.
func (s *State) GetBalance(addr blockchain.Address) (uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.balance(addr, ^uint64(0))
}

// FinalizedBalance counts only outputs created at least FinalityDepth
// blocks below the tip.
func (s *State) FinalizedBalance(addr blockchain.Address) (uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	tip := s.tip().height()
	if tip < s.params.FinalityDepth {
		return 0, nil
	}
	return s.balance(addr, tip-s.params.FinalityDepth)
}

func (s *State) balance(addr blockchain.Address, maxHeight uint64) (uint64, error) {
	utxos, err := s.store.UTXOsByAddress(addr)
	if err != nil {
		return 0, err
	}
	var total uint64
	for _, u := range utxos {
		if u.Entry.Height <= maxHeight {
			total += u.Entry.Amount
		}
	}
	return total, nil
}

// Confirmations is 1 for the tip, 2 for its parent and so on. Blocks off
// the active chain have none.
func (s *State) Confirmations(hash blockchain.Hash32) (uint64, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	node, ok := s.index[hash]
	if !ok || !node.active {
		return 0, false
	}
	return s.tip().height() - node.height() + 1, true
}

// IsFinal reports whether the active block at height is buried deeper than
// FinalityDepth.
func (s *State) IsFinal(height uint64) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	tip := s.tip().height()
	return height <= tip && tip-height >= s.params.FinalityDepth
}

// View runs fn against a consistent UTXO snapshot: no block is applied
// while fn runs.
func (s *State) View(fn func(view blockchain.UTXOView, tip blockchain.ChainTip) error) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	tip := s.tip()
	return fn(s.store, blockchain.ChainTip{Height: tip.height(), Hash: tip.hash})
}

// OrphanCount returns the number of blocks waiting for a parent.
func (s *State) OrphanCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.orphans.len()
}
