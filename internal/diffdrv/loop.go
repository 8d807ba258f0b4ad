package diffdrv

import (
	"errors"

	"github.com/eclipt-fuzz/eclipt/internal/corpus"
	"github.com/eclipt-fuzz/eclipt/internal/dict"
	"github.com/eclipt-fuzz/eclipt/internal/mutator"
	"github.com/eclipt-fuzz/eclipt/internal/rng"
)

// ErrNoSeeds is returned by Loop without any admitted seed.
var ErrNoSeeds = errors.New("diffdrv: empty corpus")

// Fuzzer drives the differential comparator with a random stacked
// mutation loop over the shared corpus: any input that lit up new
// coverage on any target is admitted as a future seed.
type Fuzzer struct {
	Driver *Driver
	R      rng.Source

	Runs uint64
}

// AddSeed records an initial input, running it once so its baseline
// tuple enters the novelty sets.
func (f *Fuzzer) AddSeed(data []byte) (Observation, error) {
	obs, err := f.Driver.RunOne(data)
	if err != nil {
		return obs, err
	}

	f.Runs++

	tc := &corpus.Testcase{}
	if _, err := f.Driver.corpus.Insert(tc, data, f.Driver.corpus.Dir() != "", false); err != nil {
		return obs, err
	}

	return obs, nil
}

// Loop mutates and fans out until maxRuns executions or stop.
func (f *Fuzzer) Loop(maxRuns uint64, stop func() bool) error {
	c := f.Driver.corpus
	if c.Count() == 0 {
		return ErrNoSeeds
	}

	oracle := mutator.CaseDistrib(f.R,
		func() int { return 0 },
		func() int { return 0 })

	for maxRuns == 0 || f.Runs < maxRuns {
		if stop != nil && stop() {
			return nil
		}

		// Uniform seed choice; the novelty sets do the steering.
		var seed *corpus.Testcase
		for seed == nil {
			seed = c.Get(corpus.ID(rng.Below(f.R, uint32(c.Slots()))))
		}

		if err := seed.Input.Load(); err != nil {
			return err
		}

		buf, err := seed.Input.Bytes()
		if err != nil {
			seed.Input.Unload()
			return err
		}

		m := mutator.New(buf, f.R)
		seed.Input.Unload()

		m.Havoc(nil, nil, mutator.DefaultBatch(f.R), oracle,
			func(_ mutator.Case, b []byte, _ rng.Source, _, _ []dict.Entry) []byte { return b })

		obs, err := f.Driver.RunOne(m.Buf())
		if err != nil {
			return err
		}

		f.Runs++

		if obs.NewCoverage {
			tc := &corpus.Testcase{}
			if _, err := c.Insert(tc, m.Buf(), c.Dir() != "", false); err != nil {
				return err
			}
		}
	}

	return nil
}
