package blockchain

import (
	"fmt"
	"time"
)

// CoinbasePolicy decides how the coinbase output sum is checked against
// reward plus fees.
type CoinbasePolicy string

const (
	// CoinbaseExact requires the coinbase to pay exactly reward + fees.
	CoinbaseExact CoinbasePolicy = "exact"
	// CoinbaseAtMost lets a miner claim less, burning the difference.
	CoinbaseAtMost CoinbasePolicy = "at-most"
)

const maxHalvings = 64

// Params are the protocol constants every node on a network must share.
type Params struct {
	MinDifficulty   uint32
	BlockReward     uint64
	HalvingInterval uint64
	MaxBlockBytes   int
	MaxBlockTxs     int
	MaxTxInputs     int
	MaxTxOutputs    int
	MaxFutureDrift  time.Duration
	MaxReorgDepth   uint64
	FinalityDepth   uint64
	CoinbasePolicy  CoinbasePolicy
}

// DefaultParams returns mainnet-like parameters.
func DefaultParams() *Params {
	return &Params{
		MinDifficulty:   16,
		BlockReward:     50,
		HalvingInterval: 4_204_800,
		MaxBlockBytes:   4_000_000,
		MaxBlockTxs:     10_000,
		MaxTxInputs:     1_000,
		MaxTxOutputs:    1_000,
		MaxFutureDrift:  2 * time.Hour,
		MaxReorgDepth:   100,
		FinalityDepth:   6,
		CoinbasePolicy:  CoinbaseExact,
	}
}

// ValidateBasic checks the parameters are usable.
func (p *Params) ValidateBasic() error {
	if p.MinDifficulty > 256 {
		return fmt.Errorf("min difficulty %d exceeds 256 bits", p.MinDifficulty)
	}
	if p.MaxBlockBytes <= 0 || p.MaxBlockTxs <= 0 {
		return fmt.Errorf("block ceilings must be positive")
	}
	if p.MaxTxInputs <= 0 || p.MaxTxOutputs <= 0 {
		return fmt.Errorf("transaction ceilings must be positive")
	}
	if p.MaxReorgDepth == 0 {
		return fmt.Errorf("max reorg depth must be positive")
	}
	switch p.CoinbasePolicy {
	case CoinbaseExact, CoinbaseAtMost:
	default:
		return fmt.Errorf("unknown coinbase policy %q", p.CoinbasePolicy)
	}
	return nil
}

// Reward is the subsidy for a block at height, halving every
// HalvingInterval blocks.
func (p *Params) Reward(height uint64) uint64 {
	if p.HalvingInterval == 0 {
		return p.BlockReward
	}
	halvings := height / p.HalvingInterval
	if halvings >= maxHalvings {
		return 0
	}
	return p.BlockReward >> halvings
}
