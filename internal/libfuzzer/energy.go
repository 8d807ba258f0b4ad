package libfuzzer

import (
	"math"

	"github.com/eclipt-fuzz/eclipt/internal/corpus"
)

// lflog guards against log of zero in the incremental smoothing
// updates.
func lflog(v float64) float64 {
	if v <= 0 {
		return 0
	}

	return math.Log(v)
}

// UpdateEnergy recomputes a seed's entropic energy from its local
// feature frequency vector: the (negated) entropy of the add-one
// smoothed incidence distribution, normalised by the total incidence
// and shifted by its log. Optionally scaled by a step function of the
// seed's execution time against the corpus average.
func UpdateEnergy(tc *corpus.Testcase, globalNumberOfFeatures int, scalePerExecTime bool, avgUnitTimeUs uint64) {
	energy := 0.0
	sumIncidence := 0.0

	// Add-one smoothing over locally discovered features.
	for _, ff := range tc.FeatureFreqs {
		local := float64(ff.Count) + 1
		energy -= local * math.Log(local)
		sumIncidence += local
	}

	// Locally undiscovered features contribute log(1) == 0 energy but
	// still count as incidence.
	sumIncidence += float64(globalNumberOfFeatures) - float64(len(tc.FeatureFreqs))

	// One locally abundant feature models the mutations that found
	// nothing.
	abd := float64(tc.ExecutedMutations) + 1
	energy -= abd * math.Log(abd)
	sumIncidence += abd

	if sumIncidence != 0 {
		energy = energy/sumIncidence + math.Log(sumIncidence)
	}

	if scalePerExecTime && avgUnitTimeUs > 0 {
		t := tc.TimeOfUnitUs
		avg := avgUnitTimeUs

		perf := 100.0
		switch {
		case t > avg*10:
			perf = 10
		case t > avg*4:
			perf = 25
		case t > avg*2:
			perf = 50
		case t*3 > avg*4:
			perf = 75
		case t*4 < avg:
			perf = 300
		case t*3 < avg:
			perf = 200
		case t*2 < avg:
			perf = 150
		}

		energy *= perf
	}

	tc.Energy = energy
	tc.SumIncidence = sumIncidence
	tc.NeedsEnergyUpdate = false
}
