package libfuzzer

import (
	"sort"

	"github.com/eclipt-fuzz/eclipt/internal/corpus"
	"github.com/eclipt-fuzz/eclipt/internal/rng"
)

// UpdateDistribution rebuilds the seed-selection distribution when
// flagged, or spontaneously with probability 1/SparseEnergyUpdates in
// entropic mode so energies do not go stale. Returns true when a
// rebuild happened.
func (s *State) UpdateDistribution() bool {
	if !s.distributionNeedsUpdate &&
		(!s.Cfg.Entropic || rng.Below(s.R, s.Cfg.SparseEnergyUpdates) != 0) {
		return false
	}

	s.distributionNeedsUpdate = false

	slots := s.Corpus.Slots()
	weights := make([]float64, slots)

	entropic := false
	if s.Cfg.Entropic {
		entropic = s.generateEntropicSchedule(weights)
	}

	if !entropic {
		s.generateVanillaSchedule(weights)
	}

	// Degenerate distributions fall back to uniform.
	allZero := true
	for _, w := range weights {
		if w != 0 {
			allZero = false
			break
		}
	}
	if allZero {
		for i := range weights {
			weights[i] = 1
		}
	}

	s.cumWeights = s.cumWeights[:0]
	s.weightSum = 0
	for _, w := range weights {
		s.weightSum += w
		s.cumWeights = append(s.cumWeights, s.weightSum)
	}

	return true
}

// generateEntropicSchedule assigns each live seed its (lazily
// recomputed) energy, zeroed for featureless or over-fuzzed seeds.
// Returns false when every energy is zero and the vanilla schedule
// should take over.
func (s *State) generateEntropicSchedule(weights []float64) bool {
	corpusSize := uint64(s.Corpus.Count())
	if corpusSize == 0 {
		return false
	}

	var sumTime uint64
	s.Corpus.ForEachInOrder(func(tc *corpus.Testcase) bool {
		sumTime += tc.TimeOfUnitUs
		return true
	})
	avgTime := sumTime / corpusSize

	s.Corpus.ForEachInOrder(func(tc *corpus.Testcase) bool {
		if tc.NeedsEnergyUpdate && tc.Energy != 0.0 {
			UpdateEnergy(tc, len(s.rareFeatures), s.Cfg.ScalePerExecTime, avgTime)
		}

		return true
	})

	anyNonZero := false
	s.Corpus.ForEachInOrder(func(tc *corpus.Testcase) bool {
		w := 0.0
		switch {
		case tc.FeaturesCount == 0:
			// Featureless seeds get no energy.
		case tc.ExecutedMutations/s.Cfg.MaxMutationFactor >
			s.executedMutationsCount/corpusSize:
			// Fuzzed far beyond its fair share.
		default:
			w = tc.Energy
		}

		weights[tc.ID] = w
		tc.Weight = w

		if w > 0.0 {
			anyNonZero = true
		}

		return true
	})

	return anyNonZero
}

// generateVanillaSchedule weights newer seeds higher:
// (i+1) * (focus ? 1000 : 1) * hasFeatures.
func (s *State) generateVanillaSchedule(weights []float64) {
	i := 0
	s.Corpus.ForEachInOrder(func(tc *corpus.Testcase) bool {
		w := 0.0
		if tc.FeaturesCount > 0 {
			w = float64(i + 1)
			if tc.HasFocusFn {
				w *= 1000
			}
		}

		weights[tc.ID] = w
		tc.Weight = w
		i++

		return true
	})
}

// SelectSeed samples a live testcase from the current distribution,
// or uniformly on request. Returns nil on an empty corpus.
func (s *State) SelectSeed(uniform bool) *corpus.Testcase {
	slots := s.Corpus.Slots()
	if slots == 0 || s.Corpus.Count() == 0 {
		return nil
	}

	if uniform {
		// Uniform over live entries.
		for {
			if tc := s.Corpus.Get(corpus.ID(rng.Below(s.R, uint32(slots)))); tc != nil {
				return tc
			}
		}
	}

	if len(s.cumWeights) != slots {
		s.distributionNeedsUpdate = true
		s.UpdateDistribution()
	}

	x := s.R.Float01() * s.weightSum
	idx := sort.SearchFloat64s(s.cumWeights, x)
	if idx >= slots {
		idx = slots - 1
	}

	// Zero-weight (erased) slots have zero-width intervals; walk to
	// the next live entry.
	for i := idx; i < slots; i++ {
		if tc := s.Corpus.Get(corpus.ID(i)); tc != nil {
			return tc
		}
	}

	for i := idx - 1; i >= 0; i-- {
		if tc := s.Corpus.Get(corpus.ID(i)); tc != nil {
			return tc
		}
	}

	return nil
}
