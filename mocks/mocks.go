package mocks

import (
	"auric/blockchain"
	"context"
	"crypto/sha256"
	"fmt"
	"time"
)

// TestParams are protocol parameters cheap enough to mine in tests.
func TestParams() *blockchain.Params {
	p := blockchain.DefaultParams()
	p.MinDifficulty = 4
	p.MaxReorgDepth = 10
	p.FinalityDepth = 3
	return p
}

// Key returns a deterministic ed25519 key derived from name.
func Key(name string) *blockchain.Ed25519Key {
	seed := sha256.Sum256([]byte(name))
	return blockchain.Ed25519KeyFromSeed(seed[:])
}

// Coin is a spendable output together with the key that owns it.
type Coin struct {
	OutPoint blockchain.OutPoint
	Entry    blockchain.UTXOEntry
	Key      blockchain.Signer
}

// CoinbaseCoin returns the first coinbase output of block, owned by key.
func CoinbaseCoin(block *blockchain.Block, key blockchain.Signer) Coin {
	cb := block.Transactions[0]
	return Coin{
		OutPoint: blockchain.OutPoint{TxID: cb.ID, Index: 0},
		Entry: blockchain.UTXOEntry{
			Amount:   cb.Outputs[0].Amount,
			Address:  cb.Outputs[0].Address,
			Height:   block.Header.Index,
			Coinbase: true,
		},
		Key: key,
	}
}

// OutputCoin returns output index of tx, owned by key.
func OutputCoin(tx *blockchain.Transaction, index uint32, height uint64, key blockchain.Signer) Coin {
	out := tx.Outputs[index]
	return Coin{
		OutPoint: blockchain.OutPoint{TxID: tx.ID, Index: index},
		Entry:    blockchain.UTXOEntry{Amount: out.Amount, Address: out.Address, Height: height},
		Key:      key,
	}
}

// Transfer builds a transaction spending coins into outputs with fee, signed
// by each coin's key.
func Transfer(coins []Coin, outputs []blockchain.TxOutput, fee uint64) *blockchain.Transaction {
	tx := &blockchain.Transaction{
		Outputs:   outputs,
		Timestamp: time.Now().Unix(),
		Fee:       fee,
	}
	for _, c := range coins {
		tx.Inputs = append(tx.Inputs, blockchain.TxInput{
			PrevTxID:    c.OutPoint.TxID,
			OutputIndex: c.OutPoint.Index,
			PublicKey:   c.Key.PublicKey(),
		})
	}
	for i, c := range coins {
		if err := blockchain.SignInput(tx, i, c.Key); err != nil {
			panic(fmt.Sprintf("sign input %d: %v", i, err))
		}
	}
	blockchain.FinalizeTransaction(tx)
	return tx
}

// Pay spends coin, sending amount to to and paying fee. Nothing is returned
// as change.
func Pay(coin Coin, to blockchain.Address, amount, fee uint64) *blockchain.Transaction {
	return Transfer([]Coin{coin}, []blockchain.TxOutput{{Address: to, Amount: amount}}, fee)
}

// MineBlock mines a valid block on parent paying the reward plus fees to
// miner at the minimum difficulty of params.
func MineBlock(parent *blockchain.Block, miner blockchain.Address, txs []blockchain.Transaction, params *blockchain.Params) *blockchain.Block {
	return MineBlockAt(parent, miner, txs, params, params.MinDifficulty)
}

// MineBlockAt is MineBlock with an explicit difficulty.
func MineBlockAt(parent *blockchain.Block, miner blockchain.Address, txs []blockchain.Transaction, params *blockchain.Params, difficulty uint32) *blockchain.Block {
	block, err := blockchain.NewBlock(context.Background(), blockchain.BlockCreationParams{
		Parent:       blockchain.ChainTip{Height: parent.Header.Index, Hash: parent.Hash},
		MinerAddress: miner,
		Transactions: txs,
		Reward:       params.Reward(parent.Header.Index + 1),
		Timestamp:    parent.Header.Timestamp + 1,
		Difficulty:   difficulty,
	})
	if err != nil {
		panic(fmt.Sprintf("mine block: %v", err))
	}
	return block
}

// MapView is an in-memory UTXO view.
type MapView map[blockchain.OutPoint]blockchain.UTXOEntry

func (v MapView) GetUTXO(op blockchain.OutPoint) (blockchain.UTXOEntry, bool, error) {
	e, ok := v[op]
	return e, ok, nil
}

// Add makes coin visible in v.
func (v MapView) Add(coin Coin) {
	v[coin.OutPoint] = coin.Entry
}
