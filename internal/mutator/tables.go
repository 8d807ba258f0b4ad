package mutator

// Interest tables used by the deterministic interest stages and the
// havoc INT cases. Wider tables embed the narrower ones, as the values
// remain interesting at any width.
var (
	// Interesting8 holds single-byte values that tend to trigger edge
	// conditions: signed overflows and one-offs with common buffer
	// sizes.
	Interesting8 = []int8{-128, -1, 0, 1, 16, 32, 64, 100, 127}

	// Interesting16 extends Interesting8 with two-byte boundary values.
	Interesting16 = []int16{
		-128, -1, 0, 1, 16, 32, 64, 100, 127,
		-32768, -129, 128, 255, 256, 512, 1000, 1024, 4096, 32767,
	}

	// Interesting32 extends Interesting16 with four-byte boundary
	// values.
	Interesting32 = []int32{
		-128, -1, 0, 1, 16, 32, 64, 100, 127,
		-32768, -129, 128, 255, 256, 512, 1000, 1024, 4096, 32767,
		-2147483648, -100663046, -32769, 32768, 65535, 65536, 100663045, 2147483647,
	}
)

// Mutation limits shared by the deterministic and havoc stages.
const (
	ArithMax = 35
	MaxFile  = 1 * 1024 * 1024

	HavocStackPow2 = 7
	HavocBlkSmall  = 32
	HavocBlkMedium = 128
	HavocBlkLarge  = 1500
	HavocBlkXl     = 32768
)
