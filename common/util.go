package common

// AlignDown rounds n down to a multiple of align, which must be a power of two.
func AlignDown(n, align int) int {
	return n &^ (align - 1)
}
