package blockchain

import "math/bits"

// LeadingZeroBits counts the zero bits at the front of hash.
func LeadingZeroBits(hash Hash32) uint32 {
	var n uint32
	for _, b := range hash {
		if b == 0 {
			n += 8
			continue
		}
		n += uint32(bits.LeadingZeros8(b))
		break
	}
	return n
}

// BlockHashMeetsDifficulty reports whether hash starts with at least
// difficulty zero bits.
func BlockHashMeetsDifficulty(hash Hash32, difficulty uint32) bool {
	if difficulty > 256 {
		return false
	}
	return LeadingZeroBits(hash) >= difficulty
}
