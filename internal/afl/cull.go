package afl

import (
	"github.com/eclipt-fuzz/eclipt/internal/bitmap"
	"github.com/eclipt-fuzz/eclipt/internal/corpus"
)

// CullQueue re-derives the favored set: walk the edges, and for each
// edge whose top-rated entry is not yet covered by an already chosen
// testcase, mark that entry favored and fold its coverage in. Everyone
// else becomes redundant (a disk-layout hint only; still scheduled).
func (s *State) CullQueue() {
	if !s.scoreChanged {
		return
	}

	s.scoreChanged = false
	s.queuedFavored = 0
	s.pendingFavored = 0

	s.Corpus.ForEachInOrder(func(tc *corpus.Testcase) bool {
		tc.Favored = false
		return true
	})

	covered := make(bitmap.MiniTrace, bitmap.MapSize/8)

	for e := 0; e < bitmap.MapSize; e++ {
		id := s.topRated[e]
		if id == corpus.NoID || covered.Bit(e) {
			continue
		}

		top := s.Corpus.Get(id)
		if top == nil || top.TraceMini == nil {
			continue
		}

		covered.Or(top.TraceMini)

		top.Favored = true
		s.queuedFavored++

		if !top.WasFuzzed {
			s.pendingFavored++
		}
	}

	s.Corpus.ForEachInOrder(func(tc *corpus.Testcase) bool {
		tc.FSRedundant = !tc.Favored
		return true
	})
}
