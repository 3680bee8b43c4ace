// Package nut08 implements the blank output counting rule for Lightning
// fee returns. See https://github.com/cashubtc/nuts/blob/main/08.md
package nut08

import "math/bits"

// BlankOutputCount returns the number of blank outputs needed to absorb any
// overpaid portion of the given fee reserve: max(ceil(log2(feeReserve)), 1).
func BlankOutputCount(feeReserve uint64) int {
	if feeReserve <= 1 {
		return 1
	}
	count := bits.Len64(feeReserve - 1)
	if count < 1 {
		return 1
	}
	return count
}
