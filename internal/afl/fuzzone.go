package afl

import (
	"github.com/eclipt-fuzz/eclipt/internal/corpus"
	"github.com/eclipt-fuzz/eclipt/internal/dict"
	"github.com/eclipt-fuzz/eclipt/internal/mutator"
	"github.com/eclipt-fuzz/eclipt/internal/rng"
)

// doHavoc runs one havoc (or splice-havoc) stage over the mutator's
// working buffer. stageMaxMult is HavocCycles, HavocCyclesInit, or
// SpliceHavoc; the stage extends itself while new queue entries keep
// appearing.
func (s *State) doHavoc(tc *corpus.Testcase, m *mutator.Mutator, perfScore uint32,
	stageMaxMult uint32, stageIdx int, short string) (bool, error) {
	s.stageShort = short
	s.stageCurByte = -1

	stageMax := stageMaxMult * perfScore / 100
	if stageMax < HavocMin {
		stageMax = HavocMin
	}

	batch := mutator.DefaultBatch(s.R)
	oracle := mutator.CaseDistrib(s.R,
		func() int { return s.Extras.Len() },
		func() int { return s.Autos.Len() })

	havocQueued := s.Corpus.Count()
	found := uint64(s.queuedDiscovered) + s.UniqueCrashes

	for cur := uint32(0); cur < stageMax; cur++ {
		if s.Stopped() {
			return true, nil
		}

		s.stageCurVal = 0

		m.Havoc(s.Extras.Entries(), s.Autos.Entries()[:s.Autos.UseCount()],
			batch, oracle, identityCustom)

		_, abandon, err := s.commonFuzz(tc, m.Buf())
		if err != nil {
			return true, err
		}

		m.RestoreHavoc()

		if abandon {
			return true, nil
		}

		// Finding new entries mid-stage buys the stage more budget.
		if s.Corpus.Count() != havocQueued {
			if perfScore <= HavocMaxMult*100 {
				stageMax *= 2
				perfScore *= 2
			}

			havocQueued = s.Corpus.Count()
		}
	}

	s.stageFinds[stageIdx] += uint64(s.queuedDiscovered) + s.UniqueCrashes - found
	s.stageCycles[stageIdx] += uint64(stageMax)

	return false, nil
}

// identityCustom satisfies the custom-case hook; the AFL pipeline
// defines no cases beyond the built-ins.
func identityCustom(_ mutator.Case, buf []byte, _ rng.Source, _, _ []dict.Entry) []byte {
	return buf
}

// doSplice tries up to SpliceCycles recombinations with random other
// queue entries, running a short havoc stage on each success.
func (s *State) doSplice(tc *corpus.Testcase, buf []byte, perfScore uint32) (bool, error) {
	if !s.useSplicing || s.Corpus.Count() <= 1 || len(buf) <= 1 {
		return false, nil
	}

	for cycle := 0; cycle < SpliceCycles; cycle++ {
		if s.Stopped() {
			return true, nil
		}

		// Pick a partner other than ourselves with usable length.
		var target *corpus.Testcase
		for tries := 0; tries < 16; tries++ {
			id := corpus.ID(s.ur(uint32(s.Corpus.Slots())))
			cand := s.Corpus.Get(id)
			if cand == nil || cand.ID == tc.ID || cand.Len() < 2 {
				continue
			}

			target = cand
			break
		}

		if target == nil {
			continue
		}

		s.splicingWith = int(target.ID)

		if err := target.Input.Load(); err != nil {
			return true, err
		}

		tbuf, err := target.Input.Bytes()
		if err != nil {
			return true, err
		}

		m := s.newMutator(buf)
		ok := m.Splice(tbuf)
		target.Input.Unload()

		if !ok {
			continue
		}

		if abandon, err := s.doHavoc(tc, m, perfScore, SpliceHavoc, StageSplice, "splice"); abandon || err != nil {
			return abandon, err
		}
	}

	s.splicingWith = -1

	return false, nil
}

// FuzzOne runs the whole per-seed pipeline. Returns true if the entry
// was skipped without mutation work.
func (s *State) FuzzOne(tc *corpus.Testcase) (bool, error) {
	if s.ConsiderSkip(tc) {
		return true, nil
	}

	if err := tc.Input.Load(); err != nil {
		return false, err
	}
	defer s.abandonEntry(tc)

	s.subseqTmouts = 0

	buf, err := tc.Input.Bytes()
	if err != nil {
		return false, err
	}

	// Calibration, only if it failed earlier on.
	if tc.CalFailed > 0 {
		if tc.CalFailed < CalChances {
			tc.ExecCksum = 0

			if err := s.Calibrate(tc, buf); err != nil {
				return false, err
			}
		}

		if tc.CalFailed > 0 {
			s.curSkippedPaths++
			return true, nil
		}
	}

	if !tc.TrimDone {
		if err := s.Trim(tc); err != nil {
			return false, err
		}

		buf, err = tc.Input.Bytes()
		if err != nil {
			return false, err
		}
	}

	perfScore := s.CalcScore(tc)

	// Deterministic stages, unless configured away, already done, or
	// out of this master's shard.
	runDet := !s.Opts.SkipDeterministic && !tc.WasFuzzed && !tc.PassedDet
	if runDet && s.Opts.MasterMax > 0 &&
		tc.ExecCksum%s.Opts.MasterMax != s.Opts.MasterID-1 {
		runDet = false
	}

	s.doingDet = runDet

	m := s.newMutator(buf)

	if runDet {
		abandon, err := s.DoDeterministic(tc, m)
		if err != nil {
			return false, err
		}

		if abandon {
			return false, nil
		}

		tc.PassedDet = true
	} else if s.effMap == nil || len(s.effMap) != int(effALen(uint32(len(buf)))) {
		// Havoc-only entries still need a (fully set) effector map for
		// the extras stages of future runs.
		s.effMap = make([]byte, effALen(uint32(len(buf))))
		for i := range s.effMap {
			s.effMap[i] = 1
		}
	}

	stageMult := uint32(HavocCycles)
	if s.doingDet {
		stageMult = HavocCyclesInit
	}

	if abandon, err := s.doHavoc(tc, m, perfScore, stageMult, StageHavoc, "havoc"); abandon || err != nil {
		return false, err
	}

	if abandon, err := s.doSplice(tc, buf, perfScore); abandon || err != nil {
		return false, err
	}

	return false, nil
}
