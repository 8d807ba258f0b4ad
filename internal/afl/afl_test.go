package afl

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/eclipt-fuzz/eclipt/internal/bitmap"
	"github.com/eclipt-fuzz/eclipt/internal/corpus"
	"github.com/eclipt-fuzz/eclipt/internal/dict"
	"github.com/eclipt-fuzz/eclipt/internal/executor"
	"github.com/eclipt-fuzz/eclipt/internal/mutator"
	"github.com/eclipt-fuzz/eclipt/internal/rng"
)

func newTestState(t *testing.T, target executor.Target, dir string) *State {
	t.Helper()

	c, err := corpus.New(dir)
	if err != nil {
		t.Fatalf("corpus: %v", err)
	}

	opts := DefaultOptions()
	opts.Persistent = dir != ""

	return NewState(opts, rng.NewStream(1234, 0), c, executor.NewFunc(target, nil),
		&dict.Dictionary{}, dict.NewAuto(mutator.Interesting16, mutator.Interesting32))
}

// hashTarget derives a deterministic trace from the input bytes.
func hashTarget(input []byte, trace []byte) (executor.ExitReason, int) {
	for i, c := range input {
		trace[(int(c)*31+i*7)%bitmap.MapSize]++
	}

	return executor.ExitNone, 0
}

func TestCalibrationDeterministicAdmitsOnce(t *testing.T) {
	s := newTestState(t, hashTarget, "")

	if err := s.AddSeed([]byte("stable-input")); err != nil {
		t.Fatalf("add seed: %v", err)
	}

	tc := s.Corpus.Get(0)
	if tc == nil || tc.ExecCksum == 0 {
		t.Fatalf("seed not calibrated")
	}

	if tc.VarBehavior {
		t.Fatalf("deterministic target flagged variable")
	}

	first := tc.ExecCksum

	// Re-calibration yields the identical checksum.
	if err := s.Calibrate(tc, []byte("stable-input")); err != nil {
		t.Fatalf("recalibrate: %v", err)
	}

	if tc.ExecCksum != first {
		t.Fatalf("cksum changed across calibrations: %x vs %x", first, tc.ExecCksum)
	}

	// Same bytes again: dropped by content dedup.
	if err := s.AddSeed([]byte("stable-input")); err != nil {
		t.Fatalf("re-add seed: %v", err)
	}

	if s.Corpus.Count() != 1 {
		t.Fatalf("duplicate admitted: %d entries", s.Corpus.Count())
	}
}

func TestCalibrationVariableBehavior(t *testing.T) {
	runs := 0
	variable := func(input []byte, trace []byte) (executor.ExitReason, int) {
		trace[runs%bitmap.MapSize] = 1
		runs++

		return executor.ExitNone, 0
	}

	s := newTestState(t, variable, "")

	if err := s.AddSeed([]byte("wobbly")); err != nil {
		t.Fatalf("add seed: %v", err)
	}

	tc := s.Corpus.Get(0)
	if tc == nil {
		t.Fatalf("seed rejected")
	}

	if !tc.VarBehavior {
		t.Fatalf("variable target not flagged")
	}

	if runs != CalCycles+CalChances {
		t.Fatalf("calibration ran %d times, want %d", runs, CalCycles+CalChances)
	}

	if s.VarByteCount != CalCycles-1 {
		t.Fatalf("stability counter = %d, want %d", s.VarByteCount, CalCycles-1)
	}
}

func TestCalibrationFailureMarksEntry(t *testing.T) {
	crashy := func(input []byte, trace []byte) (executor.ExitReason, int) {
		return executor.ExitCrash, 11
	}

	s := newTestState(t, crashy, "")

	if err := s.AddSeed([]byte("always-crashes")); err != nil {
		t.Fatalf("add seed: %v", err)
	}

	tc := s.Corpus.Get(0)
	if tc.CalFailed < CalChances {
		t.Fatalf("cal_failed = %d, want >= %d", tc.CalFailed, CalChances)
	}
}

func TestTrimPreservesTraceAndDisk(t *testing.T) {
	target := func(input []byte, trace []byte) (executor.ExitReason, int) {
		if bytes.Contains(input, []byte("KEY")) {
			trace[5] = 1
		} else {
			trace[6] = 1
		}

		return executor.ExitNone, 0
	}

	dir := t.TempDir()
	s := newTestState(t, target, dir)

	seed := append([]byte("KEY"), bytes.Repeat([]byte{'x'}, 200)...)
	if err := s.AddSeed(seed); err != nil {
		t.Fatalf("add seed: %v", err)
	}

	tc := s.Corpus.Get(0)
	origCksum := tc.ExecCksum

	if err := tc.Input.Load(); err != nil {
		t.Fatalf("load: %v", err)
	}

	if err := s.Trim(tc); err != nil {
		t.Fatalf("trim: %v", err)
	}

	trimmed, err := tc.Input.Bytes()
	if err != nil {
		t.Fatalf("bytes: %v", err)
	}

	if len(trimmed) >= len(seed) {
		t.Fatalf("trim did not shrink: %d vs %d", len(trimmed), len(seed))
	}

	if !bytes.Contains(trimmed, []byte("KEY")) {
		t.Fatalf("trim destroyed the behavior-relevant bytes")
	}

	// Trace checksum of the trimmed input matches the calibrated one.
	res, err := s.runClassified(trimmed, 1000)
	if err != nil {
		t.Fatalf("run: %v", err)
	}

	if bitmap.Cksum32(res.Trace) != origCksum {
		t.Fatalf("trimmed input changed the trace")
	}

	// On-disk bytes match memory.
	onDisk, err := os.ReadFile(tc.Input.Path())
	if err != nil {
		t.Fatalf("read back: %v", err)
	}

	if !bytes.Equal(onDisk, trimmed) {
		t.Fatalf("disk bytes diverge from memory")
	}

	if _, err := os.Stat(filepath.Join(dir, corpus.QueueDir)); err != nil {
		t.Fatalf("queue dir missing: %v", err)
	}
}

func TestCullFavoredCoversAllEdges(t *testing.T) {
	// Each input byte covers its own edge, so distinct seeds cover
	// distinct edge sets.
	target := func(input []byte, trace []byte) (executor.ExitReason, int) {
		for _, c := range input {
			trace[int(c)] = 1
		}

		return executor.ExitNone, 0
	}

	s := newTestState(t, target, "")

	for _, seed := range [][]byte{
		{1, 2, 3},
		{3, 4},
		{5},
		{1, 2, 3, 4, 5, 6},
	} {
		if err := s.AddSeed(seed); err != nil {
			t.Fatalf("seed: %v", err)
		}
	}

	s.CullQueue()

	// Union of favored trace_minis must cover every edge any live
	// entry covers.
	covered := make(bitmap.MiniTrace, bitmap.MapSize/8)
	all := make(bitmap.MiniTrace, bitmap.MapSize/8)

	s.Corpus.ForEachInOrder(func(tc *corpus.Testcase) bool {
		all.Or(tc.TraceMini)
		if tc.Favored {
			covered.Or(tc.TraceMini)
		}

		return true
	})

	if !covered.Covers(all) {
		t.Fatalf("favored set does not cover all live edges")
	}

	// The redundant flag must mirror favoritism.
	s.Corpus.ForEachInOrder(func(tc *corpus.Testcase) bool {
		if tc.Favored == tc.FSRedundant {
			t.Fatalf("favored/redundant flags inconsistent on id %d", tc.ID)
		}

		return true
	})
}

func TestSaveIfInterestingCrashUniqueness(t *testing.T) {
	s := newTestState(t, hashTarget, t.TempDir())

	trace := make([]byte, bitmap.MapSize)
	trace[100] = 1
	bitmap.Classify(trace)

	res := executor.Result{Reason: executor.ExitCrash, Signal: 6, Trace: append([]byte(nil), trace...)}
	if _, err := s.SaveIfInteresting([]byte("boom"), res, nil); err != nil {
		t.Fatalf("save: %v", err)
	}

	if s.UniqueCrashes != 1 {
		t.Fatalf("unique crashes = %d, want 1", s.UniqueCrashes)
	}

	// Same simplified trace again: duplicate, not recorded.
	res = executor.Result{Reason: executor.ExitCrash, Signal: 6, Trace: append([]byte(nil), trace...)}
	if _, err := s.SaveIfInteresting([]byte("boom2"), res, nil); err != nil {
		t.Fatalf("save: %v", err)
	}

	if s.UniqueCrashes != 1 {
		t.Fatalf("duplicate crash recorded")
	}

	// A different edge set is a new crash.
	trace2 := make([]byte, bitmap.MapSize)
	trace2[200] = 1
	bitmap.Classify(trace2)

	res = executor.Result{Reason: executor.ExitCrash, Signal: 11, Trace: trace2}
	if _, err := s.SaveIfInteresting([]byte("boom3"), res, nil); err != nil {
		t.Fatalf("save: %v", err)
	}

	if s.UniqueCrashes != 2 {
		t.Fatalf("distinct crash not recorded")
	}
}

func TestAutoDictLearnsMagicToken(t *testing.T) {
	// trace[0] flips when the magic at [4..8) is intact; walking bit
	// flips over the magic perturb the checksum, which is exactly what
	// the token learner collects.
	target := func(input []byte, trace []byte) (executor.ExitReason, int) {
		if len(input) >= 8 && bytes.Equal(input[4:8], []byte("MAGI")) {
			trace[0] = 1
		}

		return executor.ExitNone, 0
	}

	s := newTestState(t, target, "")
	s.Opts.SkipDeterministic = false

	if err := s.AddSeed([]byte("AAAAMAGI")); err != nil {
		t.Fatalf("seed: %v", err)
	}

	tc := s.Corpus.Get(0)
	if err := tc.Input.Load(); err != nil {
		t.Fatalf("load: %v", err)
	}

	buf, _ := tc.Input.Bytes()
	s.queueCurCksum = tc.ExecCksum

	m := s.newMutator(buf)
	if _, err := s.stageFlip1(tc, m); err != nil {
		t.Fatalf("flip1: %v", err)
	}

	if s.Autos.Len() != 1 {
		t.Fatalf("auto dict has %d entries, want 1", s.Autos.Len())
	}

	if !bytes.Equal(s.Autos.At(0).Data, []byte("MAGI")) {
		t.Fatalf("auto token = %q, want MAGI", s.Autos.At(0).Data)
	}
}

func TestPerfScoreBounds(t *testing.T) {
	s := newTestState(t, hashTarget, "")

	s.totalCalUs = 1000
	s.totalCalCycles = 1
	s.totalBitmapSize = 100
	s.totalBitmapEntries = 1

	fast := &corpus.Testcase{ExecUs: 10, BitmapSize: 400, Depth: 20, Input: corpus.NewMemInput([]byte("x"))}
	slow := &corpus.Testcase{ExecUs: 100000, BitmapSize: 10, Input: corpus.NewMemInput([]byte("x"))}

	hi := s.CalcScore(fast)
	lo := s.CalcScore(slow)

	if hi <= lo {
		t.Fatalf("score ordering wrong: fast=%d slow=%d", hi, lo)
	}

	if hi > HavocMaxMult*100 {
		t.Fatalf("score %d above clamp", hi)
	}

	if lo < 1 {
		t.Fatalf("score %d below clamp", lo)
	}
}

func TestSkipPolicyPendingFavored(t *testing.T) {
	s := newTestState(t, hashTarget, "")

	if err := s.AddSeed([]byte{1}); err != nil {
		t.Fatalf("seed: %v", err)
	}

	s.pendingFavored = 1

	nonFavored := s.Corpus.Get(0)
	nonFavored.Favored = false

	skips := 0
	const tries = 10000
	for i := 0; i < tries; i++ {
		if s.ConsiderSkip(nonFavored) {
			skips++
		}
	}

	rate := float64(skips) / tries
	if rate < 0.97 || rate > 1.0 {
		t.Fatalf("skip rate with pending favorites = %.3f, want ~0.99", rate)
	}

	// A favored, unfuzzed entry is never skipped.
	nonFavored.Favored = true
	nonFavored.WasFuzzed = false
	for i := 0; i < 1000; i++ {
		if s.ConsiderSkip(nonFavored) {
			t.Fatalf("favored unfuzzed entry was skipped")
		}
	}
}

func TestLoopRunsOneCycle(t *testing.T) {
	s := newTestState(t, hashTarget, "")
	s.Opts.SkipDeterministic = true

	if err := s.AddSeed([]byte("AB")); err != nil {
		t.Fatalf("seed: %v", err)
	}

	if err := s.Loop(1, nil); err != nil {
		t.Fatalf("loop: %v", err)
	}

	st := s.Snapshot()
	if st.TotalExecs == 0 {
		t.Fatalf("loop executed nothing")
	}

	if st.QueueCycle != 1 {
		t.Fatalf("queue cycle = %d", st.QueueCycle)
	}
}

func TestLoopReturnsAfterStop(t *testing.T) {
	s := newTestState(t, hashTarget, "")

	if err := s.AddSeed([]byte("ABCDEFGH")); err != nil {
		t.Fatalf("seed: %v", err)
	}

	s.Stop()

	if err := s.Loop(0, nil); err != nil {
		t.Fatalf("loop after stop: %v", err)
	}
}
