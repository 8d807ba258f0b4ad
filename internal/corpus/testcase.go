package corpus

import (
	"github.com/eclipt-fuzz/eclipt/internal/bitmap"
)

// ID is a dense testcase identifier assigned on admission.
type ID uint32

// NoID marks an empty top-rated slot or an unset reference.
const NoID = ^ID(0)

// FeatureFreq is one (feature id, saturating count) pair of a
// testcase's local frequency vector, kept sorted by feature id.
type FeatureFreq struct {
	Feature uint32
	Count   uint16
}

// Testcase is an immutable byte sequence plus mutable metadata. The
// byte ownership lives in Input; everything else is bookkeeping for
// the schedulers.
type Testcase struct {
	ID    ID
	Input *Input
	Name  string
	SHA1  string

	// Execution profile filled by calibration.
	ExecUs     uint64
	BitmapSize uint32
	ExecCksum  uint32
	Handicap   uint32
	Depth      uint32
	TraceMini  bitmap.MiniTrace

	// Flags.
	WasFuzzed     bool
	Favored       bool
	TrimDone      bool
	PassedDet     bool
	CalFailed     uint8
	VarBehavior   bool
	FSRedundant   bool
	NeverReduce   bool
	MayDeleteFile bool
	HasFocusFn    bool

	// Entropic scheduling state.
	Energy            float64
	SumIncidence      float64
	NeedsEnergyUpdate bool
	FeaturesCount     uint32
	UniqueFeatureSet  []uint32
	FeatureFreqs      []FeatureFreq
	ExecutedMutations   uint64
	FoundUniqueFeatures uint32
	Weight              float64
	InputSize           uint32
	TimeOfUnitUs        uint64
}

// Len returns the current input length without forcing a load.
func (tc *Testcase) Len() int {
	return tc.Input.Len()
}

// UpdateFeatureFrequency bumps the local frequency of feature id,
// keeping the vector sorted and the counts saturating.
func (tc *Testcase) UpdateFeatureFrequency(id uint32) {
	tc.NeedsEnergyUpdate = true

	ff := tc.FeatureFreqs
	lo := lowerBound(ff, id)
	if lo < len(ff) && ff[lo].Feature == id {
		if ff[lo].Count != ^uint16(0) {
			ff[lo].Count++
		}

		return
	}

	ff = append(ff, FeatureFreq{})
	copy(ff[lo+1:], ff[lo:])
	ff[lo] = FeatureFreq{Feature: id, Count: 1}
	tc.FeatureFreqs = ff
}

// DeleteFeatureFreq removes feature id from the local vector, returning
// true when something was removed.
func (tc *Testcase) DeleteFeatureFreq(id uint32) bool {
	ff := tc.FeatureFreqs
	lo := lowerBound(ff, id)
	if lo < len(ff) && ff[lo].Feature == id {
		tc.FeatureFreqs = append(ff[:lo], ff[lo+1:]...)
		return true
	}

	return false
}

func lowerBound(ff []FeatureFreq, id uint32) int {
	lo, hi := 0, len(ff)
	for lo < hi {
		mid := (lo + hi) / 2
		if ff[mid].Feature < id {
			lo = mid + 1
		} else {
			hi = mid
		}
	}

	return lo
}
