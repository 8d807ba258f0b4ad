package libfuzzer

import (
	"github.com/eclipt-fuzz/eclipt/internal/bitmap"
	"github.com/eclipt-fuzz/eclipt/internal/corpus"
)

// AddFeature registers that an input of newSize exhibits feature
// index. Returns true when the feature is new, or when shrink mode
// found a strictly smaller witness (dethroning the previous one, whose
// features_count drops and whose entry dies at zero).
func (s *State) AddFeature(index uint32, newSize uint32, shrink bool, nextID corpus.ID) bool {
	index %= FeatureSpace
	oldSize := s.inputSizesPerFeature[index]

	if oldSize != 0 && (!shrink || oldSize <= newSize) {
		return false
	}

	if oldSize > 0 {
		oldID := s.smallestElementPerFeature[index]
		if old := s.Corpus.Get(oldID); old != nil {
			if old.FeaturesCount > 0 {
				old.FeaturesCount--
				if old.FeaturesCount == 0 {
					// Deletion is deferred: when the dethroner turns
					// out to be a shrink of this very entry, the
					// admission path replaces it in place instead.
					s.zombies[oldID] = struct{}{}
				}
			}
		}
	} else {
		s.addedFeaturesCount++
		if s.Cfg.Entropic {
			s.AddRareFeature(index)
		}
	}

	s.updatedFeaturesCount++
	s.smallestElementPerFeature[index] = nextID
	s.inputSizesPerFeature[index] = newSize

	return true
}

// AddRareFeature admits index into the rare set, evicting the most
// abundant members while the set is oversized and too hot.
func (s *State) AddRareFeature(index uint32) {
	for len(s.rareFeatures) > s.Cfg.NumberOfRarestFeatures &&
		s.freqOfMostAbundantRareFeature > s.Cfg.FeatureFrequencyThreshold {
		// Locate the most and second most abundant rare features.
		most := [2]uint32{s.rareFeatures[0], s.rareFeatures[0]}
		del := 0

		for i, f := range s.rareFeatures {
			if s.globalFeatureFreqs[f] >= s.globalFeatureFreqs[most[0]] {
				most[1] = most[0]
				most[0] = f
				del = i
			}
		}

		s.rareFeatures[del] = s.rareFeatures[len(s.rareFeatures)-1]
		s.rareFeatures = s.rareFeatures[:len(s.rareFeatures)-1]

		s.Corpus.ForEachInOrder(func(tc *corpus.Testcase) bool {
			if tc.DeleteFeatureFreq(most[0]) {
				tc.NeedsEnergyUpdate = true
			}

			return true
		})

		s.freqOfMostAbundantRareFeature = s.globalFeatureFreqs[most[1]]
	}

	s.rareFeatures = append(s.rareFeatures, index)
	s.globalFeatureFreqs[index] = 0

	s.Corpus.ForEachInOrder(func(tc *corpus.Testcase) bool {
		tc.DeleteFeatureFreq(index)

		// Add-one smoothing for the newly undiscovered feature; zero
		// energy seeds stay at zero and are never fuzzed.
		if tc.Energy > 0.0 {
			tc.SumIncidence++
			tc.Energy += lflog(tc.SumIncidence) / tc.SumIncidence
		}

		return true
	})

	s.distributionNeedsUpdate = true
}

// UpdateFeatureFrequency bumps the global frequency of index with
// saturation, and mirrors the bump into the exec result while the
// feature stays rare.
func (s *State) UpdateFeatureFrequency(res *corpus.Testcase, index uint32) {
	index %= FeatureSpace

	if s.globalFeatureFreqs[index] == 0xFFFF {
		return
	}

	freq := s.globalFeatureFreqs[index]
	s.globalFeatureFreqs[index]++

	if freq > s.freqOfMostAbundantRareFeature || !s.isRare(index) {
		return
	}

	if freq == s.freqOfMostAbundantRareFeature {
		s.freqOfMostAbundantRareFeature++
	}

	if res != nil {
		res.UpdateFeatureFrequency(index)
	}
}

func (s *State) isRare(index uint32) bool {
	for _, f := range s.rareFeatures {
		if f == index {
			return true
		}
	}

	return false
}

// flushZombies erases every entry whose last feature was taken over
// by a smaller witness, except the one being replaced in place.
func (s *State) flushZombies(keep corpus.ID) {
	for id := range s.zombies {
		if id != keep {
			s.Corpus.Erase(id)
			s.distributionNeedsUpdate = true
		}

		delete(s.zombies, id)
	}
}

// CollectFeatures enumerates the features of a trace and updates all
// the frequency machinery. res accumulates the feature profile of this
// execution; parent (the mutated seed, may be nil) supplies the unique
// feature set that the shrink-replace decision compares against.
// offset shifts edge indices for sharded (differential) feature
// spaces.
func (s *State) CollectFeatures(res, parent *corpus.Testcase, trace []byte, size uint32, offset uint32) {
	var unique []uint32
	foundUnique := uint32(0)
	prevUpdates := s.updatedFeaturesCount
	nextID := corpus.ID(s.Corpus.Slots())

	bitmap.ForEachFeature(trace, offset, func(id uint32) {
		if s.AddFeature(id, size, s.Cfg.Shrink, nextID) {
			unique = append(unique, id%FeatureSpace)
		}

		if s.Cfg.Entropic {
			s.UpdateFeatureFrequency(res, id%FeatureSpace)
		}

		if s.Cfg.ReduceInputs && parent != nil && !parent.NeverReduce {
			if containsSorted(parent.UniqueFeatureSet, id%FeatureSpace) {
				foundUnique++
			}
		}
	})

	res.FeaturesCount = uint32(s.updatedFeaturesCount - prevUpdates)
	res.FoundUniqueFeatures = foundUnique
	res.UniqueFeatureSet = unique
	res.InputSize = size
}

func containsSorted(set []uint32, id uint32) bool {
	lo, hi := 0, len(set)
	for lo < hi {
		mid := (lo + hi) / 2
		if set[mid] < id {
			lo = mid + 1
		} else {
			hi = mid
		}
	}

	return lo < len(set) && set[lo] == id
}
