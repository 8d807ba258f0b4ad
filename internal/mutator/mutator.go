// Package mutator implements the pure byte-buffer transforms behind
// every fuzzing stage: bit and byte flips, arithmetic and interest
// overwrites, dictionary token placement, the stacked havoc loop, and
// splicing. All randomness comes from a borrowed rng.Source; none of
// the operations fail silently.
package mutator

import (
	"encoding/binary"

	"github.com/eclipt-fuzz/eclipt/internal/rng"
)

// Mutator generates mutated buffers from a single source input. The
// working buffer starts as a copy of the source; havoc and splice keep
// swap-with-backup copies so deterministic stages can restore the
// buffer byte for byte.
type Mutator struct {
	src []byte
	buf []byte

	havocBak  []byte
	spliceBak []byte

	r rng.Source

	// Scheduling inputs for ChooseBlockLen's ramp.
	QueueCycle uint64
	RunOver10m bool
}

// New returns a mutator over a copy of input.
func New(input []byte, r rng.Source) *Mutator {
	return &Mutator{
		src: input,
		buf: append([]byte(nil), input...),
		r:   r,
	}
}

// Buf returns the current working buffer.
func (m *Mutator) Buf() []byte { return m.buf }

// Len returns the working buffer length.
func (m *Mutator) Len() int { return len(m.buf) }

// Source returns the unmutated source input.
func (m *Mutator) Source() []byte { return m.src }

func (m *Mutator) ur(limit uint32) uint32 {
	return rng.Below(m.r, limit)
}

// FlipBit flips n consecutive bits starting at bit position pos.
// n must be 1, 2 or 4; the range must lie inside the buffer.
func (m *Mutator) FlipBit(pos uint32, n int) {
	for i := 0; i < n; i++ {
		b := pos + uint32(i)
		m.buf[b>>3] ^= 128 >> (b & 7)
	}
}

// FlipByte flips n consecutive bytes at pos. n must be 1, 2 or 4.
func (m *Mutator) FlipByte(pos uint32, n int) {
	switch n {
	case 1:
		m.buf[pos] ^= 0xFF
	case 2:
		v := binary.LittleEndian.Uint16(m.buf[pos:])
		binary.LittleEndian.PutUint16(m.buf[pos:], v^0xFFFF)
	case 4:
		v := binary.LittleEndian.Uint32(m.buf[pos:])
		binary.LittleEndian.PutUint32(m.buf[pos:], v^0xFFFFFFFF)
	}
}

// ReadU8/ReadU16/ReadU32 read little-endian scalars from the working
// buffer. 16/32-bit access always goes through an explicit copy, never
// a pointer cast.
func (m *Mutator) ReadU8(pos uint32) uint8 { return m.buf[pos] }

func (m *Mutator) ReadU16(pos uint32) uint16 {
	return binary.LittleEndian.Uint16(m.buf[pos:])
}

func (m *Mutator) ReadU32(pos uint32) uint32 {
	return binary.LittleEndian.Uint32(m.buf[pos:])
}

// OverwriteU8/U16/U32 store little-endian scalars.
func (m *Mutator) OverwriteU8(pos uint32, v uint8) { m.buf[pos] = v }

func (m *Mutator) OverwriteU16(pos uint32, v uint16) {
	binary.LittleEndian.PutUint16(m.buf[pos:], v)
}

func (m *Mutator) OverwriteU32(pos uint32, v uint32) {
	binary.LittleEndian.PutUint32(m.buf[pos:], v)
}

// AddN adds val to the 1/2/4-byte integer at pos. be selects the
// big-endian interpretation for the wider widths.
func (m *Mutator) AddN(pos uint32, val uint32, width int, be bool) {
	switch width {
	case 1:
		m.buf[pos] += uint8(val)
	case 2:
		if be {
			v := binary.BigEndian.Uint16(m.buf[pos:])
			binary.BigEndian.PutUint16(m.buf[pos:], v+uint16(val))
		} else {
			v := binary.LittleEndian.Uint16(m.buf[pos:])
			binary.LittleEndian.PutUint16(m.buf[pos:], v+uint16(val))
		}
	case 4:
		if be {
			v := binary.BigEndian.Uint32(m.buf[pos:])
			binary.BigEndian.PutUint32(m.buf[pos:], v+val)
		} else {
			v := binary.LittleEndian.Uint32(m.buf[pos:])
			binary.LittleEndian.PutUint32(m.buf[pos:], v+val)
		}
	}
}

// SubN subtracts val from the 1/2/4-byte integer at pos.
func (m *Mutator) SubN(pos uint32, val uint32, width int, be bool) {
	switch width {
	case 1:
		m.buf[pos] -= uint8(val)
	case 2:
		if be {
			v := binary.BigEndian.Uint16(m.buf[pos:])
			binary.BigEndian.PutUint16(m.buf[pos:], v-uint16(val))
		} else {
			v := binary.LittleEndian.Uint16(m.buf[pos:])
			binary.LittleEndian.PutUint16(m.buf[pos:], v-uint16(val))
		}
	case 4:
		if be {
			v := binary.BigEndian.Uint32(m.buf[pos:])
			binary.BigEndian.PutUint32(m.buf[pos:], v-val)
		} else {
			v := binary.LittleEndian.Uint32(m.buf[pos:])
			binary.LittleEndian.PutUint32(m.buf[pos:], v-val)
		}
	}
}

// InterestN overwrites the 1/2/4-byte integer at pos with entry idx of
// the matching interest table.
func (m *Mutator) InterestN(pos uint32, idx int, width int, be bool) {
	switch width {
	case 1:
		m.buf[pos] = uint8(Interesting8[idx])
	case 2:
		v := uint16(Interesting16[idx])
		if be {
			binary.BigEndian.PutUint16(m.buf[pos:], v)
		} else {
			binary.LittleEndian.PutUint16(m.buf[pos:], v)
		}
	case 4:
		v := uint32(Interesting32[idx])
		if be {
			binary.BigEndian.PutUint32(m.buf[pos:], v)
		} else {
			binary.LittleEndian.PutUint32(m.buf[pos:], v)
		}
	}
}

// Replace overwrites len(token) bytes at pos with token.
func (m *Mutator) Replace(pos uint32, token []byte) {
	copy(m.buf[pos:], token)
}

// Insert splices token into the buffer at pos, growing it.
func (m *Mutator) Insert(pos uint32, token []byte) {
	grown := make([]byte, len(m.buf)+len(token))
	copy(grown, m.buf[:pos])
	copy(grown[pos:], token)
	copy(grown[int(pos)+len(token):], m.buf[pos:])
	m.buf = grown
}

// Delete removes n bytes at pos.
func (m *Mutator) Delete(pos, n uint32) {
	m.buf = append(m.buf[:pos], m.buf[pos+n:]...)
}

// ChooseBlockLen picks a random block length in [1, limit] with the
// usual three bands (small/medium, then large with a rare extra-large
// tail). Early queue cycles of short campaigns favor small blocks.
func (m *Mutator) ChooseBlockLen(limit uint32) uint32 {
	rlim := m.QueueCycle
	if rlim > 3 {
		rlim = 3
	}
	if rlim == 0 {
		rlim = 1
	}
	if !m.RunOver10m {
		rlim = 1
	}

	var minV, maxV uint32
	switch m.ur(uint32(rlim)) {
	case 0:
		minV, maxV = 1, HavocBlkSmall
	case 1:
		minV, maxV = HavocBlkSmall, HavocBlkMedium
	default:
		if m.ur(10) != 0 {
			minV, maxV = HavocBlkMedium, HavocBlkLarge
		} else {
			minV, maxV = HavocBlkLarge, HavocBlkXl
		}
	}

	if minV >= limit {
		minV = 1
	}

	if maxV > limit {
		maxV = limit
	}

	return minV + m.ur(maxV-minV+1)
}

// Splice keeps the prefix of the working buffer up to a random split
// point between the first and last byte differing from target, then
// appends target's suffix. Fails (returning false, buffer untouched)
// when the inputs are too similar to split.
func (m *Mutator) Splice(target []byte) bool {
	fDiff, lDiff := locateDiffs(m.buf, target)
	if fDiff < 0 || lDiff < 2 || fDiff == lDiff {
		return false
	}

	split := uint32(fDiff) + m.ur(uint32(lDiff-fDiff))

	spliced := make([]byte, len(target))
	copy(spliced, m.buf[:split])
	copy(spliced[split:], target[split:])

	m.spliceBak = m.buf
	m.buf = spliced

	return true
}

// RestoreSplice swaps back the pre-splice buffer.
func (m *Mutator) RestoreSplice() {
	m.buf, m.spliceBak = m.spliceBak, m.buf
}

// locateDiffs returns the offsets of the first and last differing byte
// within the common prefix of a and b, -1 when identical.
func locateDiffs(a, b []byte) (int, int) {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}

	first, last := -1, -1
	for i := 0; i < n; i++ {
		if a[i] != b[i] {
			if first < 0 {
				first = i
			}

			last = i
		}
	}

	return first, last
}
