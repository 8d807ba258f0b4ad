package afl

import (
	"encoding/binary"

	"github.com/eclipt-fuzz/eclipt/internal/bitmap"
	"github.com/eclipt-fuzz/eclipt/internal/corpus"
	"github.com/eclipt-fuzz/eclipt/internal/dict"
	"github.com/eclipt-fuzz/eclipt/internal/executor"
	"github.com/eclipt-fuzz/eclipt/internal/mutator"
)

// commonFuzz executes the current working buffer and routes the result
// through save-if-interesting. It returns the executed result so
// stages with side channels (auto dict, eff map) can inspect the
// trace, and whether the current entry should be abandoned.
func (s *State) commonFuzz(tc *corpus.Testcase, buf []byte) (executor.Result, bool, error) {
	if s.Stopped() {
		return executor.Result{}, true, nil
	}

	res, err := s.runClassified(buf, s.Opts.TimeoutMS)
	if err != nil {
		return res, true, err
	}

	if res.Reason == executor.ExitError {
		return res, true, ErrPUTBroken
	}

	if res.Reason == executor.ExitTimeout {
		s.subseqTmouts++
		if s.subseqTmouts > TmoutLimit {
			s.curSkippedPaths++
			return res, true, nil
		}
	} else {
		s.subseqTmouts = 0
	}

	before := s.Corpus.Count()
	if _, err := s.SaveIfInteresting(buf, res, tc); err != nil {
		return res, true, err
	}

	if s.Corpus.Count() > before {
		s.queuedDiscovered++
	}

	return res, false, nil
}

// DoDeterministic walks the full deterministic pipeline over the
// loaded entry: bit flips (building the auto dictionary and effector
// map on the way), arithmetics, interest values, and dictionary
// stages. Returns true when the entry should be abandoned.
func (s *State) DoDeterministic(tc *corpus.Testcase, m *mutator.Mutator) (bool, error) {
	s.queueCurCksum = tc.ExecCksum

	if abandon, err := s.stageFlip1(tc, m); abandon || err != nil {
		return abandon, err
	}

	if abandon, err := s.stageFlipMulti(tc, m); abandon || err != nil {
		return abandon, err
	}

	if abandon, err := s.stageFlipBytes(tc, m); abandon || err != nil {
		return abandon, err
	}

	if abandon, err := s.stageArith(tc, m); abandon || err != nil {
		return abandon, err
	}

	if abandon, err := s.stageInterest(tc, m); abandon || err != nil {
		return abandon, err
	}

	if abandon, err := s.stageUserExtras(tc, m); abandon || err != nil {
		return abandon, err
	}

	if abandon, err := s.stageAutoExtras(tc, m); abandon || err != nil {
		return abandon, err
	}

	return false, nil
}

// stageFlip1 is the walking single-bit flip, doubling as the auto
// dictionary builder: runs of byte positions whose flip perturbs the
// trace checksum are collected until the checksum reverts.
func (s *State) stageFlip1(tc *corpus.Testcase, m *mutator.Mutator) (bool, error) {
	s.stageShort = "flip1"
	s.stageValType = stageValNone

	stageMax := uint32(m.Len()) << 3
	s.prevCksum = s.queueCurCksum
	s.aCollect = s.aCollect[:0]
	s.aLen = 0

	orig := s.UniqueCrashes
	found := s.queuedDiscovered

	for cur := uint32(0); cur < stageMax; cur++ {
		s.stageCurByte = int(cur >> 3)

		m.FlipBit(cur, 1)

		res, abandon, err := s.commonFuzz(tc, m.Buf())
		if abandon || err != nil {
			return abandon, err
		}

		if cur&7 == 7 {
			s.constructAutoDict(m.Buf(), cur, stageMax, res)
		}

		m.FlipBit(cur, 1)
	}

	s.stageFinds[StageFlip1] += uint64(s.queuedDiscovered-found) + (s.UniqueCrashes - orig)
	s.stageCycles[StageFlip1] += uint64(stageMax)

	return false, nil
}

// constructAutoDict implements the bitflip-1/1 token learner. Only
// byte-boundary flips (LSB of each byte) are inspected; res carries
// the classified trace of the still-flipped buffer.
func (s *State) constructAutoDict(buf []byte, cur, stageMax uint32, res executor.Result) {
	if res.Reason != executor.ExitNone {
		return
	}

	cksum := bitmap.Cksum32(res.Trace)

	if cur == stageMax-1 && cksum == s.prevCksum {
		// End of input while still collecting: grab the final byte
		// and force the token out.
		if s.aLen < dict.MaxAutoExtra {
			s.aCollect = append(s.aCollect, buf[cur>>3]^1)
		}

		s.aLen++

		if s.aLen >= dict.MinAutoExtra && s.aLen <= dict.MaxAutoExtra {
			s.Autos.MaybeAdd(s.aCollect, s.Extras, s.R)
		}
	} else if cksum != s.prevCksum {
		if s.aLen >= dict.MinAutoExtra && s.aLen <= dict.MaxAutoExtra {
			s.Autos.MaybeAdd(s.aCollect, s.Extras, s.R)
		}

		s.aCollect = s.aCollect[:0]
		s.aLen = 0
		s.prevCksum = cksum
	}

	// Keep collecting, but only while the flip makes a difference; we
	// do not want no-op tokens.
	if cksum != s.queueCurCksum {
		if s.aLen < dict.MaxAutoExtra {
			s.aCollect = append(s.aCollect, buf[cur>>3]^1)
		}

		s.aLen++
	}
}

// stageFlipMulti covers the walking 2-bit and 4-bit flips.
func (s *State) stageFlipMulti(tc *corpus.Testcase, m *mutator.Mutator) (bool, error) {
	stageIdx := []int{StageFlip2, StageFlip4}
	names := []string{"flip2", "flip4"}

	for w, width := 0, 2; width <= 4; width, w = width*2, w+1 {
		s.stageShort = names[w]

		stageMax := uint32(m.Len())<<3 + 1 - uint32(width)
		if uint32(m.Len())<<3 < uint32(width) {
			continue
		}

		for cur := uint32(0); cur < stageMax; cur++ {
			s.stageCurByte = int(cur >> 3)

			m.FlipBit(cur, width)

			if _, abandon, err := s.commonFuzz(tc, m.Buf()); abandon || err != nil {
				return abandon, err
			}

			m.FlipBit(cur, width)
		}

		s.stageCycles[stageIdx[w]] += uint64(stageMax)
	}

	return false, nil
}

// stageFlipBytes covers the walking 8/16/32-bit byte flips. The 8-bit
// pass builds the effector map consumed by every later stage.
func (s *State) stageFlipBytes(tc *corpus.Testcase, m *mutator.Mutator) (bool, error) {
	length := uint32(m.Len())

	// Walking byte flip plus eff-map construction.
	s.stageShort = "flip8"

	s.effMap = make([]byte, effALen(length))
	s.effMap[0] = 1
	s.effCnt = 1
	if effAPos(length-1) != 0 {
		s.effMap[effAPos(length-1)] = 1
		s.effCnt++
	}

	for i := uint32(0); i < length; i++ {
		s.stageCurByte = int(i)

		m.FlipByte(i, 1)

		res, abandon, err := s.commonFuzz(tc, m.Buf())
		if abandon || err != nil {
			return abandon, err
		}

		m.FlipByte(i, 1)

		if s.effMap[effAPos(i)] == 0 {
			set := false
			if length < EffMinLen {
				set = true
			} else if res.Reason == executor.ExitNone &&
				bitmap.Cksum32(res.Trace) != s.queueCurCksum {
				set = true
			}

			if set {
				s.effMap[effAPos(i)] = 1
				s.effCnt++
			}
		}
	}

	// Dense effector maps are not worth the checks; fill them up.
	if uint32(s.effCnt) != effALen(length) &&
		uint32(s.effCnt)*100/effALen(length) > EffMaxPerc {
		for i := range s.effMap {
			s.effMap[i] = 1
		}

		s.effCnt = len(s.effMap)
	}

	s.stageCycles[StageFlip8] += uint64(length)

	// Walking 16/32-bit flips, skipping dead effector windows.
	stageIdx := []int{StageFlip16, StageFlip32}
	names := []string{"flip16", "flip32"}

	for w, width := 0, uint32(2); width <= 4; width, w = width*2, w+1 {
		if length < width {
			return false, nil
		}

		s.stageShort = names[w]

		for i := uint32(0); i+width <= length; i++ {
			if !s.effSpanSet(i, width) {
				continue
			}

			s.stageCurByte = int(i)

			m.FlipByte(i, int(width))

			if _, abandon, err := s.commonFuzz(tc, m.Buf()); abandon || err != nil {
				return abandon, err
			}

			m.FlipByte(i, int(width))
		}

		s.stageCycles[stageIdx[w]] += uint64(length + 1 - width)
	}

	return false, nil
}

// stageArith covers arith 8/16/32, skipping values already reachable
// by bit flips and dead effector windows.
func (s *State) stageArith(tc *corpus.Testcase, m *mutator.Mutator) (bool, error) {
	length := uint32(m.Len())

	// 8-bit.
	s.stageShort = "arith8"
	for i := uint32(0); i < length; i++ {
		if s.effMap[effAPos(i)] == 0 {
			continue
		}

		s.stageCurByte = int(i)
		orig := m.ReadU8(i)

		for j := uint32(1); j <= mutator.ArithMax; j++ {
			s.stageValType = stageValLE

			if !mutator.CouldBeBitflip(uint32(orig ^ (orig + uint8(j)))) {
				s.stageCurVal = int(j)
				m.OverwriteU8(i, orig+uint8(j))

				if _, abandon, err := s.commonFuzz(tc, m.Buf()); abandon || err != nil {
					return abandon, err
				}

				s.stageCycles[StageArith8]++
			}

			if !mutator.CouldBeBitflip(uint32(orig ^ (orig - uint8(j)))) {
				s.stageCurVal = -int(j)
				m.OverwriteU8(i, orig-uint8(j))

				if _, abandon, err := s.commonFuzz(tc, m.Buf()); abandon || err != nil {
					return abandon, err
				}

				s.stageCycles[StageArith8]++
			}

			m.OverwriteU8(i, orig)
		}
	}

	// 16-bit.
	if length >= 2 {
		s.stageShort = "arith16"
		for i := uint32(0); i+2 <= length; i++ {
			if !s.effSpanSet(i, 2) {
				continue
			}

			s.stageCurByte = int(i)
			orig := m.ReadU16(i)
			origBE := binary.BigEndian.Uint16(m.Buf()[i:])

			for j := uint32(1); j <= mutator.ArithMax; j++ {
				// LE variants fire only when the op actually touches
				// more than one byte; single-byte effects were done by
				// arith8.
				if uint32(orig&0xFF)+j > 0xFF && !mutator.CouldBeArith(uint32(orig), uint32(orig+uint16(j)), 2) {
					s.stageValType = stageValLE
					s.stageCurVal = int(j)
					m.OverwriteU16(i, orig+uint16(j))

					if _, abandon, err := s.commonFuzz(tc, m.Buf()); abandon || err != nil {
						return abandon, err
					}

					s.stageCycles[StageArith16]++
				}

				if uint32(orig&0xFF) < j && !mutator.CouldBeArith(uint32(orig), uint32(orig-uint16(j)), 2) {
					s.stageValType = stageValLE
					s.stageCurVal = -int(j)
					m.OverwriteU16(i, orig-uint16(j))

					if _, abandon, err := s.commonFuzz(tc, m.Buf()); abandon || err != nil {
						return abandon, err
					}

					s.stageCycles[StageArith16]++
				}

				// BE variants.
				newBE := binary.BigEndian.AppendUint16(nil, origBE+uint16(j))
				asLE := binary.LittleEndian.Uint16(newBE)
				if uint32(origBE&0xFF)+j > 0xFF && !mutator.CouldBeArith(uint32(orig), uint32(asLE), 2) {
					s.stageValType = stageValBE
					s.stageCurVal = int(j)
					m.AddN(i, j, 2, true)

					if _, abandon, err := s.commonFuzz(tc, m.Buf()); abandon || err != nil {
						return abandon, err
					}

					m.OverwriteU16(i, orig)
					s.stageCycles[StageArith16]++
				}

				newBE = binary.BigEndian.AppendUint16(nil, origBE-uint16(j))
				asLE = binary.LittleEndian.Uint16(newBE)
				if uint32(origBE&0xFF) < j && !mutator.CouldBeArith(uint32(orig), uint32(asLE), 2) {
					s.stageValType = stageValBE
					s.stageCurVal = -int(j)
					m.SubN(i, j, 2, true)

					if _, abandon, err := s.commonFuzz(tc, m.Buf()); abandon || err != nil {
						return abandon, err
					}

					s.stageCycles[StageArith16]++
				}

				m.OverwriteU16(i, orig)
			}
		}
	}

	// 32-bit.
	if length >= 4 {
		s.stageShort = "arith32"
		for i := uint32(0); i+4 <= length; i++ {
			if !s.effSpanSet(i, 4) {
				continue
			}

			s.stageCurByte = int(i)
			orig := m.ReadU32(i)
			origBE := binary.BigEndian.Uint32(m.Buf()[i:])

			for j := uint32(1); j <= mutator.ArithMax; j++ {
				if uint64(orig&0xFFFF)+uint64(j) > 0xFFFF && !mutator.CouldBeArith(orig, orig+j, 4) {
					s.stageValType = stageValLE
					s.stageCurVal = int(j)
					m.OverwriteU32(i, orig+j)

					if _, abandon, err := s.commonFuzz(tc, m.Buf()); abandon || err != nil {
						return abandon, err
					}

					s.stageCycles[StageArith32]++
				}

				if orig&0xFFFF < j && !mutator.CouldBeArith(orig, orig-j, 4) {
					s.stageValType = stageValLE
					s.stageCurVal = -int(j)
					m.OverwriteU32(i, orig-j)

					if _, abandon, err := s.commonFuzz(tc, m.Buf()); abandon || err != nil {
						return abandon, err
					}

					s.stageCycles[StageArith32]++
				}

				newBE := binary.BigEndian.AppendUint32(nil, origBE+j)
				asLE := binary.LittleEndian.Uint32(newBE)
				if uint64(origBE&0xFFFF)+uint64(j) > 0xFFFF && !mutator.CouldBeArith(orig, asLE, 4) {
					s.stageValType = stageValBE
					s.stageCurVal = int(j)
					m.AddN(i, j, 4, true)

					if _, abandon, err := s.commonFuzz(tc, m.Buf()); abandon || err != nil {
						return abandon, err
					}

					m.OverwriteU32(i, orig)
					s.stageCycles[StageArith32]++
				}

				newBE = binary.BigEndian.AppendUint32(nil, origBE-j)
				asLE = binary.LittleEndian.Uint32(newBE)
				if origBE&0xFFFF < j && !mutator.CouldBeArith(orig, asLE, 4) {
					s.stageValType = stageValBE
					s.stageCurVal = -int(j)
					m.SubN(i, j, 4, true)

					if _, abandon, err := s.commonFuzz(tc, m.Buf()); abandon || err != nil {
						return abandon, err
					}

					s.stageCycles[StageArith32]++
				}

				m.OverwriteU32(i, orig)
			}
		}
	}

	s.stageValType = stageValNone

	return false, nil
}

// stageInterest overwrites each position with the interest tables,
// skipping effects reachable by earlier stages.
func (s *State) stageInterest(tc *corpus.Testcase, m *mutator.Mutator) (bool, error) {
	length := uint32(m.Len())

	s.stageShort = "int8"
	for i := uint32(0); i < length; i++ {
		if s.effMap[effAPos(i)] == 0 {
			continue
		}

		s.stageCurByte = int(i)
		orig := m.ReadU8(i)

		for j, iv := range mutator.Interesting8 {
			v := uint8(iv)
			if mutator.CouldBeBitflip(uint32(orig^v)) ||
				mutator.CouldBeArith(uint32(orig), uint32(v), 1) {
				continue
			}

			s.stageValType = stageValLE
			s.stageCurVal = int(iv)
			m.InterestN(i, j, 1, false)

			if _, abandon, err := s.commonFuzz(tc, m.Buf()); abandon || err != nil {
				return abandon, err
			}

			m.OverwriteU8(i, orig)
			s.stageCycles[StageInterest8]++
		}
	}

	if length >= 2 {
		s.stageShort = "int16"
		for i := uint32(0); i+2 <= length; i++ {
			if !s.effSpanSet(i, 2) {
				continue
			}

			s.stageCurByte = int(i)
			orig := m.ReadU16(i)

			for j, iv := range mutator.Interesting16 {
				vLE := uint16(iv)
				if !mutator.CouldBeBitflip(uint32(orig^vLE)) &&
					!mutator.CouldBeArith(uint32(orig), uint32(vLE), 2) &&
					!mutator.CouldBeInterest(uint32(orig), uint32(vLE), 2, false) {
					s.stageValType = stageValLE
					s.stageCurVal = int(iv)
					m.InterestN(i, j, 2, false)

					if _, abandon, err := s.commonFuzz(tc, m.Buf()); abandon || err != nil {
						return abandon, err
					}

					s.stageCycles[StageInterest16]++
				}

				vBE := binary.LittleEndian.Uint16(binary.BigEndian.AppendUint16(nil, uint16(iv)))
				if vBE != vLE && !mutator.CouldBeBitflip(uint32(orig^vBE)) &&
					!mutator.CouldBeArith(uint32(orig), uint32(vBE), 2) &&
					!mutator.CouldBeInterest(uint32(orig), uint32(vBE), 2, true) {
					s.stageValType = stageValBE
					s.stageCurVal = int(iv)
					m.InterestN(i, j, 2, true)

					if _, abandon, err := s.commonFuzz(tc, m.Buf()); abandon || err != nil {
						return abandon, err
					}

					s.stageCycles[StageInterest16]++
				}

				m.OverwriteU16(i, orig)
			}
		}
	}

	if length >= 4 {
		s.stageShort = "int32"
		for i := uint32(0); i+4 <= length; i++ {
			if !s.effSpanSet(i, 4) {
				continue
			}

			s.stageCurByte = int(i)
			orig := m.ReadU32(i)

			for j, iv := range mutator.Interesting32 {
				vLE := uint32(iv)
				if !mutator.CouldBeBitflip(orig^vLE) &&
					!mutator.CouldBeArith(orig, vLE, 4) &&
					!mutator.CouldBeInterest(orig, vLE, 4, false) {
					s.stageValType = stageValLE
					s.stageCurVal = int(iv)
					m.InterestN(i, j, 4, false)

					if _, abandon, err := s.commonFuzz(tc, m.Buf()); abandon || err != nil {
						return abandon, err
					}

					s.stageCycles[StageInterest32]++
				}

				vBE := binary.LittleEndian.Uint32(binary.BigEndian.AppendUint32(nil, uint32(iv)))
				if vBE != vLE && !mutator.CouldBeBitflip(orig^vBE) &&
					!mutator.CouldBeArith(orig, vBE, 4) &&
					!mutator.CouldBeInterest(orig, vBE, 4, true) {
					s.stageValType = stageValBE
					s.stageCurVal = int(iv)
					m.InterestN(i, j, 4, true)

					if _, abandon, err := s.commonFuzz(tc, m.Buf()); abandon || err != nil {
						return abandon, err
					}

					s.stageCycles[StageInterest32]++
				}

				m.OverwriteU32(i, orig)
			}
		}
	}

	s.stageValType = stageValNone

	return false, nil
}

// stageUserExtras runs the user-dictionary overwrite and insert
// stages.
func (s *State) stageUserExtras(tc *corpus.Testcase, m *mutator.Mutator) (bool, error) {
	if s.Extras.Empty() {
		return false, nil
	}

	length := uint32(m.Len())
	entries := s.Extras.Entries()

	// Overwrite. Oversized dictionaries fire probabilistically to keep
	// the stage length sane.
	s.stageShort = "ext_UO"
	s.stageValType = stageValNone

	for i := uint32(0); i < length; i++ {
		s.stageCurByte = int(i)

		backup := append([]byte(nil), m.Buf()[i:]...)

		for _, e := range entries {
			elen := uint32(len(e.Data))

			if len(entries) > MaxDetExtras &&
				s.ur(uint32(len(entries))) >= MaxDetExtras {
				continue
			}

			if elen == 0 || i+elen > length {
				continue
			}

			if !s.effSpanSet(i, elen) {
				continue
			}

			m.Replace(i, e.Data)

			if _, abandon, err := s.commonFuzz(tc, m.Buf()); abandon || err != nil {
				return abandon, err
			}

			s.stageCycles[StageExtrasUO]++
			copy(m.Buf()[i:], backup)
		}
	}

	// Insert. Entries are length sorted, so the first overflow ends
	// the inner loop.
	s.stageShort = "ext_UI"

	base := append([]byte(nil), m.Buf()...)
	for i := uint32(0); i <= length; i++ {
		s.stageCurByte = int(i)

		limit := s.Extras.FirstTooLong(int(mutator.MaxFile) - int(length))
		for j := 0; j < limit; j++ {
			e := s.Extras.At(j)

			ext := make([]byte, 0, int(length)+len(e.Data))
			ext = append(ext, base[:i]...)
			ext = append(ext, e.Data...)
			ext = append(ext, base[i:]...)

			if _, abandon, err := s.commonFuzz(tc, ext); abandon || err != nil {
				return abandon, err
			}

			s.stageCycles[StageExtrasUI]++
		}
	}

	return false, nil
}

// stageAutoExtras runs the auto-dictionary overwrite stage over the
// usable prefix of the learned tokens.
func (s *State) stageAutoExtras(tc *corpus.Testcase, m *mutator.Mutator) (bool, error) {
	if s.Autos.Empty() {
		return false, nil
	}

	length := uint32(m.Len())

	s.stageShort = "ext_AO"
	s.stageValType = stageValNone

	for i := uint32(0); i < length; i++ {
		s.stageCurByte = int(i)

		backup := append([]byte(nil), m.Buf()[i:]...)

		for j := 0; j < s.Autos.UseCount(); j++ {
			e := s.Autos.At(j)
			elen := uint32(len(e.Data))

			if elen == 0 || i+elen > length {
				continue
			}

			if !s.effSpanSet(i, elen) {
				continue
			}

			m.Replace(i, e.Data)

			if _, abandon, err := s.commonFuzz(tc, m.Buf()); abandon || err != nil {
				return abandon, err
			}

			s.stageCycles[StageExtrasAO]++
			copy(m.Buf()[i:], backup)
		}
	}

	return false, nil
}

