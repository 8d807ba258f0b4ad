package libfuzzer

import (
	"errors"
	"math"

	"github.com/eclipt-fuzz/eclipt/internal/corpus"
	"github.com/eclipt-fuzz/eclipt/internal/dict"
	"github.com/eclipt-fuzz/eclipt/internal/executor"
	"github.com/eclipt-fuzz/eclipt/internal/mutator"
	"github.com/eclipt-fuzz/eclipt/internal/rng"
)

// ErrEmptyCorpus is returned by Run when nothing was seeded.
var ErrEmptyCorpus = errors.New("libfuzzer: empty corpus")

// AddSeed executes one initial input and admits it when it exhibits
// features. Forced admission keeps even featureless seeds.
func (s *State) AddSeed(data []byte, force bool) error {
	res, err := s.Exec.Run(data, s.Cfg.TimeoutMS)
	if err != nil {
		return err
	}

	s.runs++

	info := &corpus.Testcase{}
	s.CollectFeatures(info, nil, res.Trace, uint32(len(data)), 0)

	_, err = s.admitOrReplace(info, nil, data, force)

	return err
}

// admitOrReplace applies the corpus admission rules to one executed
// input. Returns true when the corpus changed.
func (s *State) admitOrReplace(info, parent *corpus.Testcase, data []byte, force bool) (bool, error) {
	if info.FeaturesCount > 0 || force {
		// A shrink that dethroned every feature of its own parent
		// replaces it in place, preserving the id and backing file.
		if s.Cfg.Shrink && parent != nil && uint32(len(data)) < parent.InputSize {
			if _, dead := s.zombies[parent.ID]; dead {
				return s.replaceInPlace(info, parent, data)
			}
		}

		info.NeverReduce = force
		info.Name = corpus.SHA1Hex(data)
		s.initialEnergy(info)

		admitted, err := s.Corpus.Insert(info, data, s.Corpus.Dir() != "", false)
		s.flushZombies(corpus.NoID)
		if err != nil {
			return false, err
		}

		if admitted != info {
			return false, nil
		}

		s.distributionNeedsUpdate = true
		s.lastCorpusUpdateRun = s.runs

		return true, nil
	}

	// Reduce-inputs: a strictly shorter input reproducing the parent's
	// whole unique feature set replaces the parent even without new
	// features.
	if s.Cfg.ReduceInputs && parent != nil &&
		info.FoundUniqueFeatures > 0 &&
		info.FoundUniqueFeatures == uint32(len(parent.UniqueFeatureSet)) &&
		parent.InputSize > uint32(len(data)) {
		if s.Cfg.StrictMatch && !equalFeatureSets(parent.UniqueFeatureSet, info.UniqueFeatureSet) {
			s.flushZombies(corpus.NoID)
			return false, nil
		}

		changed, err := s.replaceInPlace(info, parent, data)
		if err != nil {
			return false, err
		}

		return changed, nil
	}

	s.flushZombies(corpus.NoID)

	return false, nil
}

// replaceInPlace swaps parent's bytes for the shorter data, keeping
// its id, and retargets the per-feature smallest-witness slots that
// were provisionally pointed at the next insertion id.
func (s *State) replaceInPlace(info, parent *corpus.Testcase, data []byte) (bool, error) {
	provisional := corpus.ID(s.Corpus.Slots())

	err := s.Corpus.Replace(parent.ID, data, func(tc *corpus.Testcase) {
		if info.FeaturesCount > 0 {
			tc.FeaturesCount = info.FeaturesCount
			tc.UniqueFeatureSet = info.UniqueFeatureSet
		}

		s.initialEnergy(tc)
		tc.Name = corpus.SHA1Hex(data)
	})
	if err != nil {
		s.flushZombies(corpus.NoID)
		return false, err
	}

	for _, f := range info.UniqueFeatureSet {
		if s.smallestElementPerFeature[f] == provisional {
			s.smallestElementPerFeature[f] = parent.ID
		}
	}

	s.flushZombies(parent.ID)

	s.distributionNeedsUpdate = true
	s.lastCorpusUpdateRun = s.runs

	return true, nil
}

// initialEnergy assigns the maximal energy given to fresh or replaced
// seeds.
func (s *State) initialEnergy(tc *corpus.Testcase) {
	tc.Energy = 1.0
	if len(s.rareFeatures) > 0 {
		tc.Energy = math.Log(float64(len(s.rareFeatures)))
	}

	tc.SumIncidence = float64(len(s.rareFeatures))
	tc.NeedsEnergyUpdate = false
}

func equalFeatureSets(a, b []uint32) bool {
	if len(a) != len(b) {
		return false
	}

	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}

	return true
}

// mutateOnce applies one random mutation to the working mutator:
// usually a single stacked-havoc case, sometimes a crossover with a
// second seed chosen by the regular schedule.
func (s *State) mutateOnce(m *mutator.Mutator, extras *dict.Dictionary) bool {
	if s.R.Float01() < s.Cfg.CrossOverProb {
		if other := s.SelectSeed(false); other != nil {
			if err := other.Input.Load(); err == nil {
				if ob, err := other.Input.Bytes(); err == nil {
					ok := m.Splice(ob)
					other.Input.Unload()

					if ok {
						return true
					}
				} else {
					other.Input.Unload()
				}
			}
		}
	}

	var entries []dict.Entry
	n := 0
	if extras != nil {
		entries = extras.Entries()
		n = len(entries)
	}

	oracle := mutator.CaseDistrib(s.R,
		func() int { return n },
		func() int { return 0 })

	m.Havoc(entries, nil,
		func() uint32 { return 1 },
		oracle,
		func(_ mutator.Case, buf []byte, _ rng.Source, _, _ []dict.Entry) []byte { return buf })

	return true
}

// Run drives the libFuzzer loop for up to maxRuns executions (0 means
// run until the corpus scheduler has nothing to offer, which for a
// healthy target is never; callers then bound by Stop via closure).
func (s *State) Run(maxRuns uint64, extras *dict.Dictionary, stop func() bool) error {
	if s.Corpus.Count() == 0 {
		return ErrEmptyCorpus
	}

	for maxRuns == 0 || s.runs < maxRuns {
		if stop != nil && stop() {
			return nil
		}

		s.UpdateDistribution()

		seed := s.SelectSeed(false)
		if seed == nil {
			return nil
		}

		if err := seed.Input.Load(); err != nil {
			return err
		}

		buf, err := seed.Input.Bytes()
		if err != nil {
			seed.Input.Unload()
			return err
		}

		work := append([]byte(nil), buf...)
		seed.Input.Unload()

		m := mutator.New(work, s.R)

		for depth := 0; depth < s.Cfg.MutationDepth; depth++ {
			if stop != nil && stop() {
				return nil
			}

			s.mutateOnce(m, extras)

			data := m.Buf()
			if len(data) > s.maxLen {
				data = data[:s.maxLen]
			}

			if len(data) == 0 {
				continue
			}

			res, err := s.Exec.Run(data, s.Cfg.TimeoutMS)
			if err != nil {
				return err
			}

			s.runs++
			s.executedMutationsCount++
			seed.ExecutedMutations++

			if res.Reason == executor.ExitError {
				return errors.New("libfuzzer: unable to execute target")
			}

			if res.Reason == executor.ExitCrash || res.Reason == executor.ExitTimeout {
				s.TotalCrashes++

				prefix := "crash-"
				if res.Reason == executor.ExitTimeout {
					prefix = "timeout-"
				}

				_, _ = s.Corpus.SaveArtifact(corpus.CrashDir, prefix+corpus.SHA1Hex(data), data)

				continue
			}

			info := &corpus.Testcase{}
			s.CollectFeatures(info, seed, res.Trace, uint32(len(data)), 0)

			if _, err := s.admitOrReplace(info, seed, data, false); err != nil {
				return err
			}
		}

		s.controlLength()
	}

	return nil
}

// controlLength grows the working length cap by ln(maxLen) once the
// run counter outpaces the last corpus update by LenControl*ln(maxLen)
// executions, up to the absolute cap.
func (s *State) controlLength() {
	if s.Cfg.LenControl <= 0 || s.maxLen >= s.Cfg.MaxLenAbs {
		return
	}

	logMax := math.Log(float64(s.maxLen))
	if float64(s.runs-s.lastCorpusUpdateRun) > float64(s.Cfg.LenControl)*logMax {
		s.maxLen += int(logMax)
		if s.maxLen > s.Cfg.MaxLenAbs {
			s.maxLen = s.Cfg.MaxLenAbs
		}

		s.lastCorpusUpdateRun = s.runs
	}
}
