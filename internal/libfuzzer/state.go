// Package libfuzzer implements the libFuzzer-family loop: feature
// accounting over the shared corpus, the entropic energy schedule with
// rare-feature maintenance, random stacked mutation with crossover,
// and shrink-style corpus replacement.
package libfuzzer

import (
	"github.com/eclipt-fuzz/eclipt/internal/bitmap"
	"github.com/eclipt-fuzz/eclipt/internal/corpus"
	"github.com/eclipt-fuzz/eclipt/internal/executor"
	"github.com/eclipt-fuzz/eclipt/internal/rng"
)

// FeatureSpace is the number of distinct feature ids.
const FeatureSpace = bitmap.MapSize * bitmap.FeatureBuckets

// Config mirrors the libFuzzer knobs the loop honors.
type Config struct {
	Entropic                  bool
	NumberOfRarestFeatures    int
	FeatureFrequencyThreshold uint16
	ScalePerExecTime          bool

	Shrink       bool
	ReduceInputs bool
	StrictMatch  bool

	MutationDepth int
	CrossOverProb float64

	MaxLen     int
	MaxLenAbs  int
	LenControl int

	SparseEnergyUpdates uint32
	MaxMutationFactor   uint64

	TimeoutMS uint32
}

// DefaultConfig returns the reference defaults.
func DefaultConfig() Config {
	return Config{
		Entropic:                  true,
		NumberOfRarestFeatures:    100,
		FeatureFrequencyThreshold: 0xFF,
		ReduceInputs:              true,
		MutationDepth:             5,
		CrossOverProb:             0.2,
		MaxLen:                    4096,
		MaxLenAbs:                 1 << 20,
		LenControl:                100,
		SparseEnergyUpdates:       100,
		MaxMutationFactor:         20,
		TimeoutMS:                 1000,
	}
}

// State is one libFuzzer-style instance over a shared corpus.
type State struct {
	Cfg    Config
	R      rng.Source
	Corpus *corpus.Corpus
	Exec   executor.Executor

	rareFeatures                  []uint32
	globalFeatureFreqs            []uint16
	inputSizesPerFeature          []uint32
	smallestElementPerFeature     []corpus.ID
	freqOfMostAbundantRareFeature uint16

	addedFeaturesCount   uint64
	updatedFeaturesCount uint64

	// Entries dethroned mid-collection, pending deletion or in-place
	// replacement.
	zombies map[corpus.ID]struct{}

	executedMutationsCount  uint64
	distributionNeedsUpdate bool

	// Piecewise-constant seed distribution: cumulative weights over
	// live slot indices.
	cumWeights []float64
	weightSum  float64

	runs                uint64
	lastCorpusUpdateRun uint64
	maxLen              int

	TotalCrashes uint64
}

// NewState builds an instance. The corpus may already hold entries
// (differential mode shares one).
func NewState(cfg Config, r rng.Source, c *corpus.Corpus, ex executor.Executor) *State {
	return &State{
		Cfg:                       cfg,
		R:                         r,
		Corpus:                    c,
		Exec:                      ex,
		globalFeatureFreqs:        make([]uint16, FeatureSpace),
		inputSizesPerFeature:      make([]uint32, FeatureSpace),
		smallestElementPerFeature: make([]corpus.ID, FeatureSpace),
		zombies:                   map[corpus.ID]struct{}{},
		distributionNeedsUpdate:   true,
		maxLen:                    cfg.MaxLen,
	}
}

// Runs returns the number of executed units so far.
func (s *State) Runs() uint64 { return s.runs }

// MaxLen returns the current length cap, which length control may
// grow over time.
func (s *State) MaxLen() int { return s.maxLen }

// RareFeatureCount returns the size of the rare feature set.
func (s *State) RareFeatureCount() int { return len(s.rareFeatures) }
