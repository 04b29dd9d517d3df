package blockchain

import (
	"log"
	"time"
)

// ChainContext is the state a block is validated against: the parent it
// claims to extend and the UTXO set after that parent.
type ChainContext struct {
	ParentHash Hash32
	Parent     *BlockHeader
	View       UTXOView
	Now        time.Time
	Params     *Params
}

// ValidateBlock runs every block check in order and returns the UTXO delta
// the block would apply. The block is never partially applied: the caller
// persists the delta only on success.
func ValidateBlock(block *Block, ctx *ChainContext) (*UTXODelta, error) {
	if err := ValidateBlockHeader(block, ctx.ParentHash, ctx.Parent, ctx.Params, ctx.Now); err != nil {
		return nil, err
	}
	if err := CheckBlockSanity(block, ctx.Params); err != nil {
		return nil, err
	}
	return ConnectBlockTransactions(block, ctx.View, ctx.Params)
}

// ValidateBlockHeader checks the parent link, the timestamp window and the
// proof of work.
func ValidateBlockHeader(block *Block, parentHash Hash32, parent *BlockHeader, params *Params, now time.Time) error {
	h := &block.Header

	// 1. Parent link
	if h.PreviousHash != parentHash {
		return ruleError(ErrConsensusViolation, CodeBadParent, "previous hash %s, parent is %s", h.PreviousHash, parentHash)
	}
	if h.Index != parent.Index+1 {
		return ruleError(ErrConsensusViolation, CodeBadHeight, "index %d does not follow parent %d", h.Index, parent.Index)
	}

	// 2. Timestamp window
	limit := now.Add(params.MaxFutureDrift).Unix()
	if h.Timestamp > limit {
		return ruleError(ErrConsensusViolation, CodeTimeTooNew, "timestamp %d beyond %d", h.Timestamp, limit)
	}
	if h.Timestamp < parent.Timestamp {
		return ruleError(ErrConsensusViolation, CodeTimeTooOld, "timestamp %d before parent %d", h.Timestamp, parent.Timestamp)
	}

	// 6. Hash and proof of work
	return CheckProofOfWork(block, params)
}

// CheckProofOfWork checks that the claimed hash is the header's hash and
// meets a difficulty at or above the network minimum. It needs no parent,
// so blocks are checked before they are held as orphans.
func CheckProofOfWork(block *Block, params *Params) error {
	h := &block.Header
	if hash := HashBlockHeader(h); hash != block.Hash {
		return ruleError(ErrConsensusViolation, CodeBadHash, "claimed hash %s, computed %s", block.Hash, hash)
	}
	if h.Difficulty < params.MinDifficulty {
		return ruleError(ErrConsensusViolation, CodeLowDifficulty, "difficulty %d below minimum %d", h.Difficulty, params.MinDifficulty)
	}
	if !BlockHashMeetsDifficulty(block.Hash, h.Difficulty) {
		return ruleError(ErrConsensusViolation, CodeBadPoW, "hash %s does not meet difficulty %d", block.Hash, h.Difficulty)
	}
	return nil
}

// CheckBlockSanity runs the checks that need no chain state: size
// ceilings, coinbase placement and the Merkle root.
func CheckBlockSanity(block *Block, params *Params) error {
	txs := block.Transactions

	// 3. Ceilings
	if len(txs) > params.MaxBlockTxs {
		return ruleError(ErrMalformed, CodeTooManyTxs, "%d transactions exceeds %d", len(txs), params.MaxBlockTxs)
	}
	if size := BlockSize(block); size > params.MaxBlockBytes {
		return ruleError(ErrMalformed, CodeBlockTooLarge, "%d bytes exceeds %d", size, params.MaxBlockBytes)
	}
	if err := block.Header.MinerAddress.Validate(); err != nil {
		return ruleError(ErrMalformed, CodeMinerAddress, "%v", err)
	}

	// 4. Exactly one coinbase, first
	if len(txs) == 0 || !txs[0].IsCoinbase() {
		return ruleError(ErrMalformed, CodeNoCoinbase, "block %s does not start with a coinbase", block.Hash)
	}
	for i := 1; i < len(txs); i++ {
		if txs[i].IsCoinbase() {
			return ruleError(ErrMalformed, CodeUnexpectedCoinbase, "transaction %d is a second coinbase", i)
		}
	}

	// 5. Merkle root over recomputed ids
	ids := make([]Hash32, len(txs))
	seen := make(map[Hash32]struct{}, len(txs))
	for i := range txs {
		ids[i] = HashTransaction(&txs[i])
		if _, dup := seen[ids[i]]; dup {
			return ruleError(ErrMalformed, CodeDuplicateTx, "transaction %s appears twice", ids[i])
		}
		seen[ids[i]] = struct{}{}
	}
	if root := MerkleRoot(ids); root != block.Header.MerkleRoot {
		return ruleError(ErrConsensusViolation, CodeBadMerkleRoot, "claimed %s, computed %s", block.Header.MerkleRoot, root)
	}
	return nil
}

// ConnectBlockTransactions validates every transaction of block against
// view, cumulatively, and returns the resulting delta.
func ConnectBlockTransactions(block *Block, view UTXOView, params *Params) (*UTXODelta, error) {
	height := block.Header.Index
	batch := NewBatchView(view, height)

	var fees uint64
	for i := 1; i < len(block.Transactions); i++ {
		tx := &block.Transactions[i]
		if err := ValidateTransaction(tx, batch, params); err != nil {
			log.Printf("VALIDATION\tblock %d tx %d (%s) rejected: %v", height, i, tx.ID, err)
			return nil, err
		}
		var ok bool
		if fees, ok = addUint64(fees, tx.Fee); !ok {
			return nil, ruleError(ErrConsensusViolation, CodeOverflow, "fee sum overflows")
		}
	}

	if err := ValidateCoinbase(&block.Transactions[0], height, fees, batch, params); err != nil {
		return nil, err
	}
	return batch.Delta(), nil
}
