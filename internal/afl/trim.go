package afl

import (
	"github.com/eclipt-fuzz/eclipt/internal/bitmap"
	"github.com/eclipt-fuzz/eclipt/internal/corpus"
	"github.com/eclipt-fuzz/eclipt/internal/executor"
)

// nextP2 rounds n up to a power of two.
func nextP2(n uint32) uint32 {
	p := uint32(1)
	for p < n {
		p <<= 1
	}

	return p
}

// Trim shortens the testcase with power-of-two chunk removals, keeping
// only cuts that leave the classified trace checksum identical to the
// calibrated one. Cuts are applied to a working copy; once the walk is
// over, the owned input (including its backing file) is rewritten once
// if any cut was accepted.
func (s *State) Trim(tc *corpus.Testcase) error {
	if err := tc.Input.Load(); err != nil {
		return err
	}

	buf, err := tc.Input.Bytes()
	if err != nil {
		return err
	}

	if len(buf) < 5 {
		tc.TrimDone = true
		return nil
	}

	lenP2 := nextP2(uint32(len(buf)))
	removeLen := max32(lenP2/TrimStartSteps, TrimMinBytes)
	endLen := max32(lenP2/TrimEndSteps, TrimMinBytes)

	var cleanTrace []byte
	accepted := false

	work := append([]byte(nil), buf...)

	for removeLen >= endLen {
		removePos := removeLen

		for removePos < uint32(len(work)) {
			if s.Stopped() {
				break
			}

			trimAvail := removeLen
			if rest := uint32(len(work)) - removePos; rest < trimAvail {
				trimAvail = rest
			}

			test := make([]byte, 0, uint32(len(work))-trimAvail)
			test = append(test, work[:removePos]...)
			test = append(test, work[removePos+trimAvail:]...)

			res, err := s.runClassified(test, s.Opts.TimeoutMS)
			if err != nil {
				return err
			}

			if res.Reason == executor.ExitError {
				return ErrPUTBroken
			}

			if bitmap.Cksum32(res.Trace) == tc.ExecCksum {
				work = test

				lenP2 = nextP2(uint32(len(work)))
				endLen = max32(lenP2/TrimEndSteps, TrimMinBytes)

				if !accepted {
					accepted = true
				}

				cleanTrace = append(cleanTrace[:0], res.Trace...)
			} else {
				removePos += removeLen
			}
		}

		removeLen >>= 1
	}

	if accepted {
		// Replace keeps the id and backing file while refreshing the
		// content index.
		if err := s.Corpus.Replace(tc.ID, work, nil); err != nil {
			return err
		}

		s.updateBitmapScore(tc, cleanTrace)
	}

	tc.TrimDone = true

	return nil
}

func max32(a, b uint32) uint32 {
	if a > b {
		return a
	}

	return b
}
