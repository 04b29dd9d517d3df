package store

import (
	"auric/blockchain"
)

// UTXO is a live output and its key.
type UTXO struct {
	OutPoint blockchain.OutPoint
	Entry    blockchain.UTXOEntry
}

// LedgerStore persists the active chain, its UTXO set and the blocks of
// competing branches. Every write is one atomic batch: after a crash either
// the whole block (block, hash index, UTXO changes, undo data, tip) is
// durable or none of it is. I/O errors are returned wrapped in
// blockchain.ErrStorageFailure; missing records return blockchain.ErrNotFound.
type LedgerStore interface {
	// Active chain
	GetBlockByHeight(height uint64) (*blockchain.Block, error)
	GetBlockByHash(hash blockchain.Hash32) (*blockchain.Block, error)
	GetHeightByHash(hash blockchain.Hash32) (uint64, error)
	GetTipHeight() (height uint64, ok bool, err error)
	GetUndo(hash blockchain.Hash32) (*blockchain.UTXODelta, error)

	// PutBlockAtomic appends block at tip+1 and applies delta.
	PutBlockAtomic(block *blockchain.Block, delta *blockchain.UTXODelta) error
	// RemoveBlockAtomic pops the tip block at height, undoing delta (the
	// delta that block applied). The block is kept as a side block.
	RemoveBlockAtomic(height uint64, delta *blockchain.UTXODelta) error

	// UTXO set
	GetUTXO(op blockchain.OutPoint) (blockchain.UTXOEntry, bool, error)
	UTXOExists(op blockchain.OutPoint) (bool, error)
	UTXOsByAddress(addr blockchain.Address) ([]UTXO, error)

	// Blocks off the active chain
	PutSideBlock(block *blockchain.Block) error
	GetSideBlock(hash blockchain.Hash32) (*blockchain.Block, error)
	SideBlocks() ([]*blockchain.Block, error)

	Close() error
}
