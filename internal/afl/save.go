package afl

import (
	"fmt"

	"github.com/eclipt-fuzz/eclipt/internal/bitmap"
	"github.com/eclipt-fuzz/eclipt/internal/corpus"
	"github.com/eclipt-fuzz/eclipt/internal/executor"
)

// runClassified executes buf once and returns the result with its
// trace already classified in place. The trace stays a borrow of the
// executor.
func (s *State) runClassified(buf []byte, timeoutMS uint32) (executor.Result, error) {
	res, err := s.Exec.Run(buf, timeoutMS)
	if err != nil {
		return res, err
	}

	s.TotalExecs++
	bitmap.Classify(res.Trace)

	return res, nil
}

// updateBitmapScore refreshes the top-rated slot of every edge tc
// covers when tc is the new cheapest cover (smallest len*exec_us).
func (s *State) updateBitmapScore(tc *corpus.Testcase, classified []byte) {
	factor := tc.ExecUs * uint64(tc.Len())

	var mini bitmap.MiniTrace
	for i, c := range classified {
		if c == 0 {
			continue
		}

		cur := s.topRated[i]
		if cur != corpus.NoID {
			if prev := s.Corpus.Get(cur); prev != nil {
				if factor >= prev.ExecUs*uint64(prev.Len()) {
					continue
				}
			}
		}

		if mini == nil {
			if tc.TraceMini == nil {
				tc.TraceMini = bitmap.NewMiniTrace(classified)
			}

			mini = tc.TraceMini
		}

		s.topRated[i] = tc.ID
		s.scoreChanged = true
	}
}

// SaveIfInteresting decides the fate of one executed input: admit into
// the queue on coverage novelty, record unique crashes and hangs, or
// drop it. Returns true when a new queue entry was created.
func (s *State) SaveIfInteresting(buf []byte, res executor.Result, parent *corpus.Testcase) (bool, error) {
	switch res.Reason {
	case executor.ExitNone:
		verdict := bitmap.HasNewBits(s.virgin, res.Trace)
		if verdict == bitmap.NoNewBits {
			return false, nil
		}

		depth := uint32(1)
		handicap := uint32(0)
		if parent != nil {
			depth = parent.Depth + 1
		}
		if s.queueCycle > 1 {
			handicap = uint32(s.queueCycle - 1)
		}

		tc := &corpus.Testcase{
			Name:     fmt.Sprintf("id_%06d_%s", s.Corpus.Slots(), s.describeOp(verdict)),
			Depth:    depth,
			Handicap: handicap,
		}

		admitted, err := s.Corpus.Insert(tc, buf, s.Opts.Persistent, false)
		if err != nil {
			return false, err
		}

		if admitted != tc {
			// Same bytes already queued; nothing new to schedule.
			return false, nil
		}

		s.pendingNotFuzzed++
		s.queuedDiscovered++

		// Calibrate on the spot so the entry carries an execution
		// profile before it is ever scheduled.
		if err := s.Calibrate(tc, buf); err != nil {
			return false, err
		}

		return true, nil

	case executor.ExitCrash:
		if s.UniqueCrashes >= KeepUniqueCrash {
			return false, nil
		}

		key := s.simplifyKey(res.Trace)
		if _, seen := s.uniqueCrashes[key]; seen {
			return false, nil
		}

		s.uniqueCrashes[key] = struct{}{}
		s.UniqueCrashes++

		name := fmt.Sprintf("id_%06d_sig_%02d_%s", s.UniqueCrashes-1, res.Signal, s.describeOp(0))
		if _, err := s.Corpus.SaveArtifact(corpus.CrashDir, name, buf); err != nil {
			// Solutions are best-effort; the campaign continues.
			return false, nil
		}

		return false, nil

	case executor.ExitTimeout:
		if s.UniqueHangs >= KeepUniqueHang {
			return false, nil
		}

		key := s.simplifyKey(res.Trace)
		if _, seen := s.uniqueHangs[key]; seen {
			return false, nil
		}

		// Suspected hang: re-run at the maximum tolerable timeout to
		// weed out marginally slow inputs.
		if s.Opts.HangTimeoutMS > s.Opts.TimeoutMS {
			again, err := s.runClassified(buf, s.Opts.HangTimeoutMS)
			if err != nil {
				return false, err
			}

			if again.Reason == executor.ExitCrash {
				return s.SaveIfInteresting(buf, again, parent)
			}

			if again.Reason != executor.ExitTimeout {
				return false, nil
			}
		}

		s.uniqueHangs[key] = struct{}{}
		s.UniqueHangs++

		name := fmt.Sprintf("id_%06d_%s", s.UniqueHangs-1, s.describeOp(0))
		_, _ = s.Corpus.SaveArtifact(corpus.HangDir, name, buf)

		return false, nil
	}

	return false, nil
}

// simplifyKey derives the crash/hang uniqueness key: checksum of the
// simplified trace. The classified trace is collapsed in place, which
// is fine because a crashing run's trace is not used for anything
// else.
func (s *State) simplifyKey(trace []byte) uint32 {
	bitmap.Simplify(trace)
	return bitmap.Cksum32(trace)
}

// describeOp encodes the originating stage of a find into its file
// name.
func (s *State) describeOp(verdict bitmap.Verdict) string {
	op := fmt.Sprintf("src_%06d", s.currentEntry)

	if s.splicingWith >= 0 {
		op += fmt.Sprintf("+%06d", s.splicingWith)
	}

	op += ",op_" + s.stageShort

	if s.stageCurByte >= 0 {
		op += fmt.Sprintf(",pos_%d", s.stageCurByte)

		if s.stageValType != stageValNone {
			if s.stageValType == stageValBE {
				op += fmt.Sprintf(",val_be_%+d", s.stageCurVal)
			} else {
				op += fmt.Sprintf(",val_%+d", s.stageCurVal)
			}
		}
	} else {
		op += fmt.Sprintf(",rep_%d", s.stageCurVal)
	}

	if verdict == bitmap.NewEdges {
		op += ",+cov"
	}

	return op
}

const (
	stageValNone = 0
	stageValLE   = 1
	stageValBE   = 2
)
