package afl

import (
	"sync/atomic"

	"github.com/eclipt-fuzz/eclipt/internal/bitmap"
	"github.com/eclipt-fuzz/eclipt/internal/corpus"
	"github.com/eclipt-fuzz/eclipt/internal/dict"
	"github.com/eclipt-fuzz/eclipt/internal/executor"
	"github.com/eclipt-fuzz/eclipt/internal/mutator"
	"github.com/eclipt-fuzz/eclipt/internal/rng"
)

// Stage indices for the finds/cycles accounting.
const (
	StageFlip1 = iota
	StageFlip2
	StageFlip4
	StageFlip8
	StageFlip16
	StageFlip32
	StageArith8
	StageArith16
	StageArith32
	StageInterest8
	StageInterest16
	StageInterest32
	StageExtrasUO
	StageExtrasUI
	StageExtrasAO
	StageHavoc
	StageSplice
	numStages
)

// State is one AFL-style fuzzer instance. It is a value owned by the
// caller and passed into every subsystem; nothing here is global.
type State struct {
	Opts   Options
	R      rng.Source
	Corpus *corpus.Corpus
	Exec   executor.Executor

	Extras       *dict.Dictionary
	Autos        *dict.Auto
	PersistAutos *dict.PersistentAuto

	// Coverage accounting.
	virgin   []byte
	topRated []corpus.ID

	// Uniqueness keys of recorded crashes and hangs, by simplified
	// trace checksum.
	uniqueCrashes map[uint32]struct{}
	uniqueHangs   map[uint32]struct{}

	// Queue bookkeeping.
	queueCycle       uint64
	currentEntry     corpus.ID
	pendingFavored   uint32
	queuedFavored    uint32
	pendingNotFuzzed uint32
	queuedDiscovered uint32
	cyclesWoFinds    uint32
	curSkippedPaths  uint32
	scoreChanged     bool
	useSplicing      bool

	// Execution profile totals feeding the performance score.
	totalCalUs         uint64
	totalCalCycles     uint64
	totalBitmapSize    uint64
	totalBitmapEntries uint64

	// Run counters.
	TotalExecs    uint64
	UniqueCrashes uint64
	UniqueHangs   uint64

	// Stability accounting across calibrations.
	VarByteCount uint64

	subseqTmouts uint32

	// Current-stage description used for artifact names.
	stageShort   string
	stageCurByte int
	stageValType int // 0 none, 1 LE, 2 BE
	stageCurVal  int
	splicingWith int

	// Deterministic-stage scratch shared with the auto-dict builder.
	doingDet      bool
	queueCurCksum uint32
	prevCksum     uint32
	aCollect      []byte
	aLen          int

	effMap []byte
	effCnt int

	stageFinds  [numStages]uint64
	stageCycles [numStages]uint64

	stop atomic.Bool
}

// NewState wires an instance together. The dictionaries may be empty
// but must be non-nil.
func NewState(opts Options, r rng.Source, c *corpus.Corpus, ex executor.Executor,
	extras *dict.Dictionary, autos *dict.Auto) *State {
	return &State{
		Opts:          opts,
		R:             r,
		Corpus:        c,
		Exec:          ex,
		Extras:        extras,
		Autos:         autos,
		PersistAutos:  dict.NewPersistentAuto(),
		virgin:        bitmap.NewVirgin(bitmap.MapSize),
		topRated:      newTopRated(),
		uniqueCrashes: map[uint32]struct{}{},
		uniqueHangs:   map[uint32]struct{}{},
		useSplicing:   opts.UseSplicing,
		splicingWith:  -1,
	}
}

func newTopRated() []corpus.ID {
	tr := make([]corpus.ID, bitmap.MapSize)
	for i := range tr {
		tr[i] = corpus.NoID
	}

	return tr
}

// Stop requests a graceful bail-out; the loop honors it between stages
// and after each execution.
func (s *State) Stop() { s.stop.Store(true) }

// Stopped reports whether a stop was requested.
func (s *State) Stopped() bool { return s.stop.Load() }

// QueueCycle returns the current pass number over the queue, starting
// at 1 once the loop begins.
func (s *State) QueueCycle() uint64 { return s.queueCycle }

func (s *State) ur(limit uint32) uint32 { return rng.Below(s.R, limit) }

// avgExecUs returns the global average execution time observed during
// calibrations, 0 before any.
func (s *State) avgExecUs() uint64 {
	if s.totalCalCycles == 0 {
		return 0
	}

	return s.totalCalUs / s.totalCalCycles
}

// avgBitmapSize returns the global average calibrated bitmap size.
func (s *State) avgBitmapSize() uint64 {
	if s.totalBitmapEntries == 0 {
		return 0
	}

	return s.totalBitmapSize / s.totalBitmapEntries
}

// newMutator builds a mutator over buf carrying the scheduling inputs
// ChooseBlockLen wants.
func (s *State) newMutator(buf []byte) *mutator.Mutator {
	m := mutator.New(buf, s.R)
	m.QueueCycle = s.queueCycle
	m.RunOver10m = s.Opts.RunOver10m

	return m
}
