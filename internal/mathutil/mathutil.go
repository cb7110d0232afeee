package mathutil

import "math/bits"

// NextPowerOf2 returns the next power of 2 greater than or equal to n.
func NextPowerOf2(n int) int {
	if n <= 1 {
		return 1
	}
	return 1 << bits.Len(uint(n-1))
}

// IsPowerOf2 reports whether n is a positive power of 2.
func IsPowerOf2(n int) bool {
	return n > 0 && n&(n-1) == 0
}
