package store

import (
	"auric/blockchain"
	"fmt"
	"sync"
)

// MemoryChainStore keeps everything in maps. Writes are atomic under the
// mutex. It loses all data when the process exits.
type MemoryChainStore struct {
	mu       sync.RWMutex
	blocks   []*blockchain.Block
	byHash   map[blockchain.Hash32]uint64
	undo     map[blockchain.Hash32]*blockchain.UTXODelta
	utxos    map[blockchain.OutPoint]blockchain.UTXOEntry
	side     map[blockchain.Hash32]*blockchain.Block
	failNext error
}

var _ LedgerStore = (*MemoryChainStore)(nil)

func NewMemoryChainStore() *MemoryChainStore {
	return &MemoryChainStore{
		byHash: make(map[blockchain.Hash32]uint64),
		undo:   make(map[blockchain.Hash32]*blockchain.UTXODelta),
		utxos:  make(map[blockchain.OutPoint]blockchain.UTXOEntry),
		side:   make(map[blockchain.Hash32]*blockchain.Block),
	}
}

// FailWrites makes every following write return err until called with nil.
func (m *MemoryChainStore) FailWrites(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failNext = err
}

func (m *MemoryChainStore) writeErr() error {
	if m.failNext != nil {
		return storageErr("write", m.failNext)
	}
	return nil
}

func (m *MemoryChainStore) GetBlockByHeight(height uint64) (*blockchain.Block, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if height >= uint64(len(m.blocks)) {
		return nil, fmt.Errorf("block at height %d: %w", height, blockchain.ErrNotFound)
	}
	return m.blocks[height].DeepCopy(), nil
}

func (m *MemoryChainStore) GetBlockByHash(hash blockchain.Hash32) (*blockchain.Block, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	height, ok := m.byHash[hash]
	if !ok {
		return nil, fmt.Errorf("block %s: %w", hash, blockchain.ErrNotFound)
	}
	return m.blocks[height].DeepCopy(), nil
}

func (m *MemoryChainStore) GetHeightByHash(hash blockchain.Hash32) (uint64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	height, ok := m.byHash[hash]
	if !ok {
		return 0, fmt.Errorf("block %s: %w", hash, blockchain.ErrNotFound)
	}
	return height, nil
}

func (m *MemoryChainStore) GetTipHeight() (uint64, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if len(m.blocks) == 0 {
		return 0, false, nil
	}
	return uint64(len(m.blocks) - 1), true, nil
}

func (m *MemoryChainStore) GetUndo(hash blockchain.Hash32) (*blockchain.UTXODelta, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.undo[hash]
	if !ok {
		return nil, fmt.Errorf("undo for %s: %w", hash, blockchain.ErrNotFound)
	}
	return d, nil
}

func (m *MemoryChainStore) PutBlockAtomic(block *blockchain.Block, delta *blockchain.UTXODelta) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.writeErr(); err != nil {
		return err
	}
	if block.Header.Index != uint64(len(m.blocks)) {
		return storageErr("put block", fmt.Errorf("height %d, next height is %d", block.Header.Index, len(m.blocks)))
	}

	m.applyDelta(delta)
	m.blocks = append(m.blocks, block.DeepCopy())
	m.byHash[block.Hash] = block.Header.Index
	m.undo[block.Hash] = delta
	delete(m.side, block.Hash)
	return nil
}

func (m *MemoryChainStore) RemoveBlockAtomic(height uint64, delta *blockchain.UTXODelta) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.writeErr(); err != nil {
		return err
	}
	if len(m.blocks) == 0 || height != uint64(len(m.blocks)-1) {
		return storageErr("remove block", fmt.Errorf("height %d, tip is %d", height, len(m.blocks)-1))
	}

	block := m.blocks[height]
	m.applyDelta(delta.Inverse())
	m.blocks = m.blocks[:height]
	delete(m.byHash, block.Hash)
	delete(m.undo, block.Hash)
	m.side[block.Hash] = block
	return nil
}

func (m *MemoryChainStore) applyDelta(delta *blockchain.UTXODelta) {
	for _, c := range delta.Created {
		m.utxos[c.OutPoint] = c.Entry
	}
	for _, s := range delta.Spent {
		delete(m.utxos, s.OutPoint)
	}
}

func (m *MemoryChainStore) GetUTXO(op blockchain.OutPoint) (blockchain.UTXOEntry, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.utxos[op]
	return e, ok, nil
}

func (m *MemoryChainStore) UTXOExists(op blockchain.OutPoint) (bool, error) {
	_, ok, err := m.GetUTXO(op)
	return ok, err
}

func (m *MemoryChainStore) UTXOsByAddress(addr blockchain.Address) ([]UTXO, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []UTXO
	for op, e := range m.utxos {
		if e.Address == addr {
			out = append(out, UTXO{OutPoint: op, Entry: e})
		}
	}
	return out, nil
}

func (m *MemoryChainStore) PutSideBlock(block *blockchain.Block) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.writeErr(); err != nil {
		return err
	}
	m.side[block.Hash] = block.DeepCopy()
	return nil
}

func (m *MemoryChainStore) GetSideBlock(hash blockchain.Hash32) (*blockchain.Block, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.side[hash]
	if !ok {
		return nil, fmt.Errorf("side block %s: %w", hash, blockchain.ErrNotFound)
	}
	return b.DeepCopy(), nil
}

func (m *MemoryChainStore) SideBlocks() ([]*blockchain.Block, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*blockchain.Block, 0, len(m.side))
	for _, b := range m.side {
		out = append(out, b.DeepCopy())
	}
	return out, nil
}

func (m *MemoryChainStore) Close() error {
	return nil
}
