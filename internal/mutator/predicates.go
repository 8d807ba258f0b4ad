package mutator

import "math/bits"

// Redundancy predicates. Deterministic stages use these to skip
// mutations that an earlier stage already performed; skipping is
// advisory, so a false negative costs one redundant execution, never
// correctness.

// CouldBeBitflip reports whether xorVal (old ^ new) could have been
// produced by the deterministic bit flip stages. Zero means old and
// new are identical, which is equally not worth executing.
func CouldBeBitflip(xorVal uint32) bool {
	if xorVal == 0 {
		return true
	}

	sh := uint(0)
	for xorVal&1 == 0 {
		sh++
		xorVal >>= 1
	}

	// 1-, 2-, and 4-bit patterns are reachable anywhere.
	if xorVal == 1 || xorVal == 3 || xorVal == 15 {
		return true
	}

	// 8-, 16-, and 32-bit patterns only on byte-aligned stepovers.
	if sh&7 != 0 {
		return false
	}

	return xorVal == 0xFF || xorVal == 0xFFFF || xorVal == 0xFFFFFFFF
}

// CouldBeArith reports whether newVal is reachable from oldVal via the
// deterministic arithmetic stages over a blen-byte operand.
func CouldBeArith(oldVal, newVal uint32, blen int) bool {
	if oldVal == newVal {
		return true
	}

	// One-byte adjustment to any byte.
	diffs, ov, nv := 0, uint8(0), uint8(0)
	for i := 0; i < blen; i++ {
		a, b := uint8(oldVal>>(8*i)), uint8(newVal>>(8*i))
		if a != b {
			diffs++
			ov, nv = a, b
		}
	}

	if diffs == 1 {
		if ov-nv <= ArithMax || nv-ov <= ArithMax {
			return true
		}
	}

	if blen == 1 {
		return false
	}

	// Two-byte adjustment to any word.
	diffs = 0
	var ow, nw uint16
	for i := 0; i < blen/2; i++ {
		a, b := uint16(oldVal>>(16*i)), uint16(newVal>>(16*i))
		if a != b {
			diffs++
			ow, nw = a, b
		}
	}

	if diffs == 1 {
		if ow-nw <= ArithMax || nw-ow <= ArithMax {
			return true
		}

		ow, nw = bits.ReverseBytes16(ow), bits.ReverseBytes16(nw)
		if ow-nw <= ArithMax || nw-ow <= ArithMax {
			return true
		}
	}

	// Finally dwords, both endiannesses.
	if blen == 4 {
		if oldVal-newVal <= ArithMax || newVal-oldVal <= ArithMax {
			return true
		}

		o, n := bits.ReverseBytes32(oldVal), bits.ReverseBytes32(newVal)
		if o-n <= ArithMax || n-o <= ArithMax {
			return true
		}
	}

	return false
}

// CouldBeInterest reports whether newVal could result from writing an
// interest table value of width <= blen over oldVal. checkLE is set
// when the caller already executed the little-endian insertion for the
// current blen and asks about the big-endian variant.
func CouldBeInterest(oldVal, newVal uint32, blen int, checkLE bool) bool {
	if oldVal == newVal {
		return true
	}

	// One-byte insertions at any offset.
	for i := 0; i < blen; i++ {
		for _, iv := range Interesting8 {
			tval := (oldVal &^ (0xFF << (8 * i))) | (uint32(uint8(iv)) << (8 * i))
			if newVal == tval {
				return true
			}
		}
	}

	if blen == 2 && !checkLE {
		return false
	}

	// Two-byte insertions.
	for i := 0; i < blen-1; i++ {
		for _, iv := range Interesting16 {
			tval := (oldVal &^ (0xFFFF << (8 * i))) | (uint32(uint16(iv)) << (8 * i))
			if newVal == tval {
				return true
			}

			if blen > 2 {
				tval = (oldVal &^ (0xFFFF << (8 * i))) |
					(uint32(bits.ReverseBytes16(uint16(iv))) << (8 * i))
				if newVal == tval {
					return true
				}
			}
		}
	}

	if blen == 4 && checkLE {
		for _, iv := range Interesting32 {
			if newVal == uint32(iv) {
				return true
			}
		}
	}

	return false
}
