package afl

// Effector map helpers. One bit tracks each 2^EffMapScale2-byte window
// of the input; windows whose full byte flip never changed the trace
// are skipped by the expensive deterministic stages.

func effAPos(p uint32) uint32 { return p >> EffMapScale2 }

func effRem(x uint32) uint32 { return x & ((1 << EffMapScale2) - 1) }

func effALen(l uint32) uint32 {
	n := effAPos(l)
	if effRem(l) != 0 {
		n++
	}

	return n
}

func effSpanALen(p, l uint32) uint32 {
	return effAPos(p+l-1) - effAPos(p) + 1
}

// effSpanSet reports whether any effector window covering [p, p+l) is
// marked.
func (s *State) effSpanSet(p, l uint32) bool {
	head := effAPos(p)
	tail := effAPos(p + l - 1)

	for i := head; i <= tail; i++ {
		if s.effMap[i] != 0 {
			return true
		}
	}

	return false
}
