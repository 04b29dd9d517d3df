package blockchain

import (
	"context"
	"fmt"
	"time"
)

type BlockCreationParams struct {
	Parent       ChainTip
	MinerAddress Address
	Transactions []Transaction
	Reward       uint64
	Timestamp    int64
	Difficulty   uint32
}

// NewCoinbase pays amount to addr for the block at height.
func NewCoinbase(height uint64, addr Address, amount uint64, timestamp int64) Transaction {
	tx := Transaction{
		Outputs:   []TxOutput{{Address: addr, Amount: amount}},
		Timestamp: timestamp,
		Height:    height,
	}
	FinalizeTransaction(&tx)
	return tx
}

// CollectFees sums the declared fees of txs.
func CollectFees(txs []Transaction) (uint64, error) {
	var fees uint64
	for i := range txs {
		var ok bool
		if fees, ok = addUint64(fees, txs[i].Fee); !ok {
			return 0, fmt.Errorf("fee sum overflows")
		}
	}
	return fees, nil
}

// NewBlock assembles a block on top of params.Parent paying reward plus the
// fees of params.Transactions to the miner, then grinds the nonce.
func NewBlock(ctx context.Context, params BlockCreationParams) (*Block, error) {
	ts := params.Timestamp
	if ts == 0 {
		ts = time.Now().Unix()
	}
	height := params.Parent.Height + 1

	fees, err := CollectFees(params.Transactions)
	if err != nil {
		return nil, err
	}
	amount, ok := addUint64(params.Reward, fees)
	if !ok {
		return nil, fmt.Errorf("reward plus fees overflows")
	}

	txs := make([]Transaction, 0, len(params.Transactions)+1)
	txs = append(txs, NewCoinbase(height, params.MinerAddress, amount, ts))
	txs = append(txs, params.Transactions...)

	header := BlockHeader{
		Index:        height,
		Timestamp:    ts,
		PreviousHash: params.Parent.Hash,
		MerkleRoot:   MerkleTransactions(txs),
		Difficulty:   params.Difficulty,
		MinerAddress: params.MinerAddress,
	}

	hash, err := MineCorrectNonce(ctx, &header)
	if err != nil {
		return nil, fmt.Errorf("could not find a valid nonce: %w", err)
	}

	return &Block{Header: header, Hash: hash, Transactions: txs}, nil
}
