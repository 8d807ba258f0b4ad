package afl

import (
	"github.com/eclipt-fuzz/eclipt/internal/corpus"
)

// CalcScore computes the performance score steering how many havoc
// cycles an entry receives: base 100, scaled by execution speed and
// bitmap size relative to the global averages, a handicap boost for
// late arrivals, and a depth factor rewarding derived paths.
func (s *State) CalcScore(tc *corpus.Testcase) uint32 {
	avgUs := s.avgExecUs()
	avgBitmap := s.avgBitmapSize()

	perf := uint32(100)

	if avgUs > 0 {
		switch {
		case tc.ExecUs > avgUs*10:
			perf = 10
		case tc.ExecUs > avgUs*4:
			perf = 25
		case tc.ExecUs > avgUs*2:
			perf = 50
		case tc.ExecUs*3 > avgUs*4:
			perf = 75
		case tc.ExecUs*4 < avgUs:
			perf = 300
		case tc.ExecUs*3 < avgUs:
			perf = 200
		case tc.ExecUs*2 < avgUs:
			perf = 150
		}
	}

	if avgBitmap > 0 {
		size := uint64(tc.BitmapSize)
		switch {
		case size*3 > avgBitmap*10:
			perf *= 3
		case size > avgBitmap*2:
			perf *= 2
		case size*3 > avgBitmap*4:
			perf = perf * 3 / 2
		case size*3 < avgBitmap:
			perf /= 4
		case size*2 < avgBitmap:
			perf /= 2
		case size*3 < avgBitmap*2:
			perf = perf * 3 / 4
		}
	}

	// Entries that joined late missed earlier cycles; let them catch
	// up.
	if tc.Handicap >= 4 {
		perf *= 4
		tc.Handicap -= 4
	} else if tc.Handicap > 0 {
		perf *= 2
		tc.Handicap--
	}

	switch {
	case tc.Depth >= 14 && tc.Depth <= 25:
		perf *= 4
	case tc.Depth >= 8 && tc.Depth <= 13:
		perf *= 3
	case tc.Depth >= 4 && tc.Depth <= 7:
		perf *= 2
	}

	if perf > HavocMaxMult*100 {
		perf = HavocMaxMult * 100
	}

	if perf < 1 {
		perf = 1
	}

	return perf
}
