package mutator

import (
	"fmt"

	"github.com/eclipt-fuzz/eclipt/internal/dict"
	"github.com/eclipt-fuzz/eclipt/internal/rng"
)

// Case identifies one havoc switch case.
type Case uint32

const (
	Flip1 Case = iota
	Flip2
	Flip4
	Flip8
	Flip16
	Flip32
	Add8
	Add16LE
	Add16BE
	Add32LE
	Add32BE
	Sub8
	Sub16LE
	Sub16BE
	Sub32LE
	Sub32BE
	Int8
	Int16LE
	Int16BE
	Int32LE
	Int32BE
	Xor
	DeleteBytes
	CloneBytes
	InsertSameByte
	InsertExtra
	InsertAExtra
	OverwriteWithChunk
	OverwriteWithSameByte
	OverwriteWithExtra
	OverwriteWithAExtra
	SubAdd8
	SubAdd16
	SubAdd32

	// NumCases is the count of built-in cases; oracles may return ids
	// at or above it to reach the caller's custom cases.
	NumCases
)

// BatchOracle returns how many stacked tweaks one havoc call applies.
type BatchOracle func() uint32

// CaseOracle returns the case for iteration i of the current batch.
// It must not return an extra-using case while the matching dictionary
// is empty.
type CaseOracle func(i uint32) Case

// CustomFunc receives cases the core does not know. It returns the
// (possibly re-allocated) buffer.
type CustomFunc func(c Case, buf []byte, r rng.Source, extras, autos []dict.Entry) []byte

// DefaultBatch is the standard batch-size oracle: 2^k for a uniform
// k in [1, HavocStackPow2], i.e. 2..128 stacked tweaks.
func DefaultBatch(r rng.Source) BatchOracle {
	return func() uint32 {
		return 1 << (1 + rng.Below(r, HavocStackPow2))
	}
}

// Havoc applies one batch of stacked random tweaks to the working
// buffer. The previous buffer is kept aside; RestoreHavoc swaps it
// back. The case oracle is trusted to respect dictionary emptiness;
// violations are programming errors and panic.
func (m *Mutator) Havoc(extras, autos []dict.Entry, batch BatchOracle, oracle CaseOracle, custom CustomFunc) {
	m.havocBak = append(m.havocBak[:0], m.buf...)

	n := batch()
	for i := uint32(0); i < n; i++ {
		m.applyCase(oracle(i), extras, autos, custom)
	}
}

// RestoreHavoc swaps the pre-havoc buffer back in.
func (m *Mutator) RestoreHavoc() {
	m.buf, m.havocBak = m.havocBak, m.buf
}

func (m *Mutator) applyCase(c Case, extras, autos []dict.Entry, custom CustomFunc) {
	length := uint32(len(m.buf))

	switch c {
	case Flip1:
		m.FlipBit(m.ur(length<<3), 1)

	case Flip2:
		if length<<3 < 2 {
			return
		}
		m.FlipBit(m.ur((length<<3)-1), 2)

	case Flip4:
		if length<<3 < 4 {
			return
		}
		m.FlipBit(m.ur((length<<3)-3), 4)

	case Flip8:
		m.FlipByte(m.ur(length), 1)

	case Flip16:
		if length < 2 {
			return
		}
		m.FlipByte(m.ur(length-1), 2)

	case Flip32:
		if length < 4 {
			return
		}
		m.FlipByte(m.ur(length-3), 4)

	case Int8:
		m.InterestN(m.ur(length), int(m.ur(uint32(len(Interesting8)))), 1, false)

	case Int16LE, Int16BE:
		if length < 2 {
			return
		}
		m.InterestN(m.ur(length-1), int(m.ur(uint32(len(Interesting16)))), 2, c == Int16BE)

	case Int32LE, Int32BE:
		if length < 4 {
			return
		}
		m.InterestN(m.ur(length-3), int(m.ur(uint32(len(Interesting32)))), 4, c == Int32BE)

	case Sub8:
		m.SubN(m.ur(length), 1+m.ur(ArithMax), 1, false)

	case Add8:
		m.AddN(m.ur(length), 1+m.ur(ArithMax), 1, false)

	case Sub16LE, Sub16BE:
		if length < 2 {
			return
		}
		m.SubN(m.ur(length-1), 1+m.ur(ArithMax), 2, c == Sub16BE)

	case Add16LE, Add16BE:
		if length < 2 {
			return
		}
		m.AddN(m.ur(length-1), 1+m.ur(ArithMax), 2, c == Add16BE)

	case Sub32LE, Sub32BE:
		if length < 4 {
			return
		}
		m.SubN(m.ur(length-3), 1+m.ur(ArithMax), 4, c == Sub32BE)

	case Add32LE, Add32BE:
		if length < 4 {
			return
		}
		m.AddN(m.ur(length-3), 1+m.ur(ArithMax), 4, c == Add32BE)

	case SubAdd8:
		m.SubN(m.ur(length), 1+m.ur(ArithMax), 1, false)
		m.AddN(m.ur(length), 1+m.ur(ArithMax), 1, false)

	case SubAdd16:
		if length < 2 {
			return
		}
		m.SubN(m.ur(length-1), 1+m.ur(ArithMax), 2, m.ur(2) == 1)
		m.AddN(m.ur(length-1), 1+m.ur(ArithMax), 2, m.ur(2) == 1)

	case SubAdd32:
		if length < 4 {
			return
		}
		m.SubN(m.ur(length-3), 1+m.ur(ArithMax), 4, m.ur(2) == 1)
		m.AddN(m.ur(length-3), 1+m.ur(ArithMax), 4, m.ur(2) == 1)

	case Xor:
		// XOR with 1-255 so the tweak is never a no-op.
		m.buf[m.ur(length)] ^= uint8(1 + m.ur(255))

	case DeleteBytes:
		if length < 2 {
			return
		}
		delLen := m.ChooseBlockLen(length - 1)
		m.Delete(m.ur(length-delLen+1), delLen)

	case CloneBytes:
		if length+HavocBlkXl >= MaxFile {
			return
		}
		cloneLen := m.ChooseBlockLen(length)
		cloneFrom := m.ur(length - cloneLen + 1)
		cloneTo := m.ur(length)
		chunk := append([]byte(nil), m.buf[cloneFrom:cloneFrom+cloneLen]...)
		m.Insert(cloneTo, chunk)

	case InsertSameByte:
		if length+HavocBlkXl >= MaxFile {
			return
		}
		cloneLen := m.ChooseBlockLen(HavocBlkXl)
		block := make([]byte, cloneLen)
		fill := m.sameByte(length)
		for i := range block {
			block[i] = fill
		}
		m.Insert(m.ur(length), block)

	case OverwriteWithChunk:
		if length < 2 {
			return
		}
		copyLen := m.ChooseBlockLen(length - 1)
		copyFrom := m.ur(length - copyLen + 1)
		copyTo := m.ur(length - copyLen + 1)
		if copyFrom != copyTo {
			copy(m.buf[copyTo:copyTo+copyLen], m.buf[copyFrom:copyFrom+copyLen])
		}

	case OverwriteWithSameByte:
		if length < 2 {
			return
		}
		copyLen := m.ChooseBlockLen(length - 1)
		copyTo := m.ur(length - copyLen + 1)
		fill := m.sameByte(length)
		for i := copyTo; i < copyTo+copyLen; i++ {
			m.buf[i] = fill
		}

	case OverwriteWithExtra, OverwriteWithAExtra:
		list := extras
		if c == OverwriteWithAExtra {
			list = autos
		}
		if len(list) == 0 {
			panic(fmt.Sprintf("havoc: case %d drawn with empty dictionary", c))
		}

		extra := list[m.ur(uint32(len(list)))].Data
		if uint32(len(extra)) > length {
			return
		}
		m.Replace(m.ur(length-uint32(len(extra))+1), extra)

	case InsertExtra, InsertAExtra:
		list := extras
		if c == InsertAExtra {
			list = autos
		}
		if len(list) == 0 {
			panic(fmt.Sprintf("havoc: case %d drawn with empty dictionary", c))
		}

		extra := list[m.ur(uint32(len(list)))].Data
		if length+uint32(len(extra)) >= MaxFile {
			return
		}
		m.Insert(m.ur(length+1), extra)

	default:
		m.buf = custom(c, m.buf, m.r, extras, autos)
	}
}

// sameByte picks the fill byte for the same-byte block cases: half the
// time a random byte, half the time a duplicate of an existing one.
func (m *Mutator) sameByte(length uint32) uint8 {
	if m.ur(2) != 0 {
		return uint8(m.ur(256))
	}

	return m.buf[m.ur(length)]
}
