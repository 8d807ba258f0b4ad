package mutator

import (
	"github.com/eclipt-fuzz/eclipt/internal/rng"
)

// WalkerDistribution samples a discrete distribution in O(1) per draw
// using Walker's alias method.
type WalkerDistribution struct {
	threshold []float64
	alias     []uint32
}

// NewWalkerDistribution builds the alias tables for the given weights.
// Zero-weight entries are never drawn.
func NewWalkerDistribution(weights []float64) *WalkerDistribution {
	n := len(weights)
	d := &WalkerDistribution{
		threshold: make([]float64, n),
		alias:     make([]uint32, n),
	}

	total := 0.0
	for _, w := range weights {
		total += w
	}

	scaled := make([]float64, n)
	var small, large []uint32
	for i, w := range weights {
		scaled[i] = w * float64(n) / total
		if scaled[i] < 1.0 {
			small = append(small, uint32(i))
		} else {
			large = append(large, uint32(i))
		}
	}

	for len(small) > 0 && len(large) > 0 {
		s := small[len(small)-1]
		small = small[:len(small)-1]
		l := large[len(large)-1]
		large = large[:len(large)-1]

		d.threshold[s] = scaled[s]
		d.alias[s] = l

		scaled[l] = scaled[l] + scaled[s] - 1.0
		if scaled[l] < 1.0 {
			small = append(small, l)
		} else {
			large = append(large, l)
		}
	}

	for _, i := range large {
		d.threshold[i] = 1.0
	}
	for _, i := range small {
		// Numerical leftovers; treat as certain.
		d.threshold[i] = 1.0
	}

	// Zero-weight entries must never be drawn, no matter what float
	// residue the pairing left behind: pin them onto a drawable alias.
	fallback := uint32(0)
	for i, w := range weights {
		if w > 0 {
			fallback = uint32(i)
			break
		}
	}
	for i, w := range weights {
		if w == 0 {
			d.threshold[i] = 0
			if d.alias[i] == uint32(i) || weights[d.alias[i]] == 0 {
				d.alias[i] = fallback
			}
		}
	}

	return d
}

// Draw samples one index.
func (d *WalkerDistribution) Draw(r rng.Source) uint32 {
	i := rng.Below(r, uint32(len(d.threshold)))
	if r.Float01() < d.threshold[i] {
		return i
	}

	return d.alias[i]
}

// caseWeights returns the havoc case weights for the given dictionary
// availability. The ratios mirror the classic switch: single weights
// follow how many UR() branches used to reach each case, and the two
// extra cases of a dictionary get double weight when only that
// dictionary exists, so the combined weight of the extra cases is the
// same whenever at least one dictionary is present.
func caseWeights(hasExtras, hasAExtras bool) []float64 {
	w := make([]float64, NumCases)

	w[Flip1] = 2.0
	w[Xor] = 2.0

	w[DeleteBytes] = 4.0

	w[CloneBytes] = 1.5
	w[InsertSameByte] = 0.5
	w[OverwriteWithChunk] = 1.5
	w[OverwriteWithSameByte] = 0.5

	w[Int8] = 2.0
	w[Int16LE] = 1.0
	w[Int16BE] = 1.0
	w[Int32LE] = 1.0
	w[Int32BE] = 1.0

	w[Sub8] = 2.0
	w[Sub16LE] = 1.0
	w[Sub16BE] = 1.0
	w[Sub32LE] = 1.0
	w[Sub32BE] = 1.0

	w[Add8] = 2.0
	w[Add16LE] = 1.0
	w[Add16BE] = 1.0
	w[Add32LE] = 1.0
	w[Add32BE] = 1.0

	switch {
	case hasExtras && hasAExtras:
		w[InsertExtra] = 1.0
		w[OverwriteWithExtra] = 1.0
		w[InsertAExtra] = 1.0
		w[OverwriteWithAExtra] = 1.0
	case hasExtras:
		w[InsertExtra] = 2.0
		w[OverwriteWithExtra] = 2.0
	case hasAExtras:
		w[InsertAExtra] = 2.0
		w[OverwriteWithAExtra] = 2.0
	}

	return w
}

// The four weight tables, indexed by [hasExtras][hasAExtras]. Built
// once; the dictionaries only influence which table is consulted.
var caseDists [2][2]*WalkerDistribution

func init() {
	for _, he := range []bool{false, true} {
		for _, ha := range []bool{false, true} {
			caseDists[b2i(he)][b2i(ha)] = NewWalkerDistribution(caseWeights(he, ha))
		}
	}
}

func b2i(b bool) int {
	if b {
		return 1
	}

	return 0
}

// CaseDistrib returns the standard case oracle: a draw from the weight
// table matching the current dictionary availability. The emptiness is
// re-checked on every draw, so a dictionary that grows mid-stage
// immediately becomes eligible.
func CaseDistrib(r rng.Source, extras, autos func() int) CaseOracle {
	return func(uint32) Case {
		d := caseDists[b2i(extras() > 0)][b2i(autos() > 0)]
		return Case(d.Draw(r))
	}
}

// CaseWeightTotal sums the weights of the given cases under a specific
// dictionary availability. Exposed for the scheduler's accounting and
// the weight-invariant tests.
func CaseWeightTotal(hasExtras, hasAExtras bool, cases ...Case) float64 {
	w := caseWeights(hasExtras, hasAExtras)

	total := 0.0
	for _, c := range cases {
		total += w[c]
	}

	return total
}
