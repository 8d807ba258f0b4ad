package afl

import (
	"github.com/eclipt-fuzz/eclipt/internal/corpus"
)

// ConsiderSkip implements the next-entry skip policy: with pending
// favorites around, almost always skip non-favored or already-fuzzed
// entries; otherwise thin out non-favored entries on busy queues.
func (s *State) ConsiderSkip(tc *corpus.Testcase) bool {
	queued := uint32(s.Corpus.Count())

	if s.pendingFavored > 0 {
		if (tc.WasFuzzed || !tc.Favored) && s.ur(100) < SkipToNewProb {
			return true
		}
	} else if !tc.Favored && queued > 10 {
		if s.queueCycle > 1 && !tc.WasFuzzed {
			if s.ur(100) < SkipNfavNewProb {
				return true
			}
		} else if s.ur(100) < SkipNfavOldProb {
			return true
		}
	}

	return false
}

// abandonEntry finishes one seed's turn: account for the first
// complete pass and drop the loaded bytes.
func (s *State) abandonEntry(tc *corpus.Testcase) {
	s.splicingWith = -1

	if !s.Stopped() && tc.CalFailed == 0 && !tc.WasFuzzed {
		tc.WasFuzzed = true

		if s.pendingNotFuzzed > 0 {
			s.pendingNotFuzzed--
		}

		if tc.Favored && s.pendingFavored > 0 {
			s.pendingFavored--
		}
	}

	tc.Input.Unload()
}
