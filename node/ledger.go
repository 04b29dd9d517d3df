package node

import (
	"auric/blockchain"
	"auric/blockchain/mempool"
	"errors"
	"fmt"
	"strconv"
)

// Rejection codes for pool admission failures that carry no rule code.
const (
	CodeAlreadyPooled = "already-pooled"
	CodePoolFull      = "pool-full"
	CodeFeeTooLow     = "fee-too-low"
	CodeRejected      = "rejected"
)

// SubmitResult is the outcome of SubmitTransaction. Code and Reason are set
// only when the transaction was rejected.
type SubmitResult struct {
	Accepted bool              `json:"accepted"`
	TxID     blockchain.Hash32 `json:"tx_id"`
	Code     string            `json:"code,omitempty"`
	Reason   string            `json:"reason,omitempty"`
}

// Balance is the amount an address owns on the active chain.
type Balance struct {
	Address blockchain.Address `json:"address"`
	// Confirmed counts every live output
	Confirmed uint64 `json:"confirmed"`
	// Finalized counts outputs buried below the finality depth
	Finalized uint64 `json:"finalized"`
}

// GetTip returns the height and hash of the active tip.
func (n *FullNode) GetTip() blockchain.ChainTip {
	return n.chain.GetTip()
}

// GetBlock resolves ref as a decimal height or a hex block hash. Unknown
// blocks fail with blockchain.ErrNotFound.
func (n *FullNode) GetBlock(ref string) (*blockchain.Block, error) {
	if height, err := strconv.ParseUint(ref, 10, 64); err == nil {
		return n.GetBlockByHeight(height)
	}
	hash, err := blockchain.HashFromString(ref)
	if err != nil {
		return nil, fmt.Errorf("%w: block reference %q is neither height nor hash", blockchain.ErrMalformed, ref)
	}
	return n.GetBlockByHash(hash)
}

func (n *FullNode) GetBlockByHeight(height uint64) (*blockchain.Block, error) {
	return n.chain.GetBlockByHeight(height)
}

func (n *FullNode) GetBlockByHash(hash blockchain.Hash32) (*blockchain.Block, error) {
	return n.chain.GetBlockByHash(hash)
}

// GetBalance sums the outputs owned by addr.
func (n *FullNode) GetBalance(addr blockchain.Address) (Balance, error) {
	if err := addr.Validate(); err != nil {
		return Balance{}, fmt.Errorf("%w: %v", blockchain.ErrMalformed, err)
	}
	confirmed, err := n.chain.GetBalance(addr)
	if err != nil {
		return Balance{}, err
	}
	finalized, err := n.chain.FinalizedBalance(addr)
	if err != nil {
		return Balance{}, err
	}
	return Balance{Address: addr, Confirmed: confirmed, Finalized: finalized}, nil
}

// SubmitTransaction validates tx against the active UTXO set, pools it and
// relays it to every peer.
func (n *FullNode) SubmitTransaction(tx *blockchain.Transaction) SubmitResult {
	res := SubmitResult{TxID: tx.ID}
	if err := n.pool.Add(tx); err != nil {
		res.Code = submitCode(err)
		res.Reason = err.Error()
		n.logf("Rejected transaction %s: %v", tx.ID, err)
		return res
	}
	res.Accepted = true
	sent := n.service.BroadcastTransaction(tx, "")
	n.logf("Accepted transaction %s, relayed to %d peers", tx.ID, sent)
	return res
}

func submitCode(err error) string {
	if code := blockchain.RejectCode(err); code != "" {
		return code
	}
	switch {
	case errors.Is(err, mempool.ErrDuplicateTx):
		return CodeAlreadyPooled
	case errors.Is(err, mempool.ErrPoolFull):
		return CodePoolFull
	case errors.Is(err, mempool.ErrFeeTooLow):
		return CodeFeeTooLow
	}
	return CodeRejected
}

// Halted returns the storage failure that stopped the chain, if any.
func (n *FullNode) Halted() error {
	return n.chain.Halted()
}

// Recover reloads chain state from the store after a storage failure.
func (n *FullNode) Recover() error {
	return n.chain.Recover()
}
