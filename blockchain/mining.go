package blockchain

import (
	"context"
	"errors"
)

// nonces tried between cancellation checks
const nonceBatch = 4096

var ErrNonceSpaceExhausted = errors.New("nonce space exhausted")

// MineCorrectNonce grinds header.Nonce until the header hash meets the
// header's difficulty. It returns ctx.Err() if ctx is cancelled first.
func MineCorrectNonce(ctx context.Context, header *BlockHeader) (Hash32, error) {
	start := header.Nonce
	for {
		for i := 0; i < nonceBatch; i++ {
			hash := HashBlockHeader(header)
			if BlockHashMeetsDifficulty(hash, header.Difficulty) {
				return hash, nil
			}
			header.Nonce++
			if header.Nonce == start {
				return Hash32{}, ErrNonceSpaceExhausted
			}
		}
		if err := ctx.Err(); err != nil {
			return Hash32{}, err
		}
	}
}
