package blockchain

import (
	"math/big"
)

// CalculateBlockWork returns the expected number of hashes needed to meet
// difficulty, 2^difficulty.
func CalculateBlockWork(difficulty uint32) *big.Int {
	return new(big.Int).Lsh(big.NewInt(1), uint(difficulty))
}

// AddWork returns total + the work of one block at difficulty as a new value.
func AddWork(total *big.Int, difficulty uint32) *big.Int {
	sum := new(big.Int)
	if total != nil {
		sum.Set(total)
	}
	return sum.Add(sum, CalculateBlockWork(difficulty))
}

// CompareWork compares two work values, returns:
// -1 if work1 < work2
//
//	0 if work1 == work2
//	1 if work1 > work2
func CompareWork(work1, work2 *big.Int) int {
	return work1.Cmp(work2)
}
