package release

import "math/bits"

func roundUp(x, align uint64) uint64 {
	return (x + align - 1) &^ (align - 1)
}

func roundDown(x, align uint64) uint64 {
	return x &^ (align - 1)
}

// roundUpSlow and roundDownSlow round to a multiple of n that need not be a
// power of two (BlockSize, unlike PageSize, has no such guarantee).
func roundUpSlow(x, n uint64) uint64 {
	return ((x + n - 1) / n) * n
}

func roundDownSlow(x, n uint64) uint64 {
	return (x / n) * n
}

func ceilDiv(a, b uint64) uint64 {
	return (a + b - 1) / b
}

func log2(x uint64) uint {
	return uint(bits.TrailingZeros64(x))
}
