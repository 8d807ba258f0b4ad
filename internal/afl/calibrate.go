package afl

import (
	"errors"
	"fmt"
	"time"

	"github.com/eclipt-fuzz/eclipt/internal/bitmap"
	"github.com/eclipt-fuzz/eclipt/internal/corpus"
	"github.com/eclipt-fuzz/eclipt/internal/executor"
)

// ErrPUTBroken is surfaced when the executor itself fails; the
// campaign cannot continue past it.
var ErrPUTBroken = errors.New("afl: unable to execute target")

// Calibrate runs the PUT repeatedly on the same input to establish the
// entry's execution profile: minimum exec time, bitmap size, and trace
// checksum. Instability (differing checksums across runs) marks the
// entry var_behavior and bumps the stability counter, but does not
// fail it. Crashing or timed-out runs are retried; after CalChances of
// them the entry is marked CalFailed (it stays in the corpus) and
// calibration stops without updating its profile.
func (s *State) Calibrate(tc *corpus.Testcase, buf []byte) error {
	cycles := s.Opts.calCycles()
	timeout := s.Opts.calTimeoutMS()

	var (
		firstCksum uint32
		minUs      uint64
		classified []byte
		varSeen    bool
	)

	run := func(countVar bool) (bool, error) {
		start := time.Now()
		res, err := s.runClassified(buf, timeout)
		if err != nil {
			return false, fmt.Errorf("%w: %v", ErrPUTBroken, err)
		}

		if res.Reason == executor.ExitError {
			return false, ErrPUTBroken
		}

		if res.Reason != executor.ExitNone {
			return false, nil
		}

		us := uint64(time.Since(start).Microseconds())
		if minUs == 0 || us < minUs {
			minUs = us
		}

		cksum := bitmap.Cksum32(res.Trace)
		if firstCksum == 0 {
			firstCksum = cksum
			classified = append(classified[:0], res.Trace...)
			bitmap.HasNewBits(s.virgin, res.Trace)
		} else if cksum != firstCksum {
			varSeen = true
			if countVar {
				s.VarByteCount++
			}
		}

		return true, nil
	}

	failures := uint8(0)
	completed := uint32(0)
	for completed < cycles {
		ok, err := run(true)
		if err != nil {
			return err
		}

		if !ok {
			failures++
			tc.CalFailed = failures
			if failures >= CalChances {
				s.curSkippedPaths++
				return nil
			}

			continue
		}

		completed++
	}

	// Instability earns a handful of extra confirmation runs.
	if varSeen {
		for i := 0; i < CalChances; i++ {
			if ok, err := run(false); err != nil {
				return err
			} else if !ok {
				break
			}
		}
	}

	tc.CalFailed = 0
	tc.VarBehavior = varSeen
	tc.ExecUs = minUs
	tc.ExecCksum = firstCksum
	tc.BitmapSize = uint32(bitmap.CountBytes(classified))
	tc.TraceMini = bitmap.NewMiniTrace(classified)

	s.totalCalUs += minUs
	s.totalCalCycles++
	s.totalBitmapSize += uint64(tc.BitmapSize)
	s.totalBitmapEntries++

	s.updateBitmapScore(tc, classified)

	return nil
}
