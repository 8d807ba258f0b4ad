// Package diffdrv implements the differential driver: the same input
// fans out to N independently instrumented PUT variants, and the tuple
// of per-target observations decides whether the input is a novel
// behavioural difference worth keeping.
package diffdrv

import (
	"errors"
	"fmt"
	"strings"

	"github.com/cespare/xxhash/v2"

	"github.com/eclipt-fuzz/eclipt/internal/bitmap"
	"github.com/eclipt-fuzz/eclipt/internal/corpus"
	"github.com/eclipt-fuzz/eclipt/internal/executor"
)

// Mode selects what the novelty tuple is built from.
type Mode int

const (
	// ModeOutput keys solutions on per-target standard-output hashes.
	ModeOutput Mode = iota
	// ModeStatus keys solutions on per-target exit statuses.
	ModeStatus
)

var errTooFewTargets = errors.New("diffdrv: need at least two executors")

// Observation is what one RunOne call saw across the targets.
type Observation struct {
	Added    []bool
	Statuses []executor.ExitReason
	Outputs  []uint64

	// NewCoverage is true when any target's virgin map lost bits.
	NewCoverage bool
	// Solution is non-empty when a difference solution was emitted;
	// it holds the artifact file name.
	Solution string
}

// Driver owns an ordered vector of executor handles plus the novelty
// bookkeeping across them.
type Driver struct {
	execs  []executor.Executor
	virgin [][]byte
	mode   Mode

	corpus    *corpus.Corpus
	timeoutMS uint32

	knownTraces  map[string]struct{}
	knownOutputs map[string]struct{}
	knownStatus  map[string]struct{}

	Solutions uint64
}

// New builds a driver over n >= 2 executors sharing one output corpus.
func New(execs []executor.Executor, c *corpus.Corpus, mode Mode, timeoutMS uint32) (*Driver, error) {
	if len(execs) < 2 {
		return nil, errTooFewTargets
	}

	virgin := make([][]byte, len(execs))
	for i := range virgin {
		virgin[i] = bitmap.NewVirgin(bitmap.MapSize)
	}

	return &Driver{
		execs:        execs,
		virgin:       virgin,
		mode:         mode,
		corpus:       c,
		timeoutMS:    timeoutMS,
		knownTraces:  map[string]struct{}{},
		knownOutputs: map[string]struct{}{},
		knownStatus:  map[string]struct{}{},
	}, nil
}

// RunOne feeds input to every target and applies the novelty rules:
// a difference solution is emitted iff the observation tuple is new in
// either the coverage or the output set, and the per-target outcomes
// actually diverge.
func (d *Driver) RunOne(input []byte) (Observation, error) {
	obs := Observation{
		Added:    make([]bool, len(d.execs)),
		Statuses: make([]executor.ExitReason, len(d.execs)),
		Outputs:  make([]uint64, len(d.execs)),
	}

	for k, ex := range d.execs {
		res, err := ex.Run(input, d.timeoutMS)
		if err != nil {
			return obs, err
		}

		if res.Reason == executor.ExitError {
			return obs, fmt.Errorf("diffdrv: target %d broken", k)
		}

		bitmap.Classify(res.Trace)

		if bitmap.HasNewBits(d.virgin[k], res.Trace) != bitmap.NoNewBits {
			obs.Added[k] = true
			obs.NewCoverage = true
		}

		obs.Statuses[k] = res.Reason
		obs.Outputs[k] = xxhash.Sum64(res.Stdout)
	}

	newTrace := insertKey(d.knownTraces, addedKey(obs.Added))

	switch d.mode {
	case ModeOutput:
		newOutputs := insertKey(d.knownOutputs, outputKey(obs.Outputs))
		if (newOutputs || newTrace) && distinctOutputs(obs.Outputs) >= 2 {
			obs.Solution = d.saveSolution(outputName(obs.Outputs), input)
		}
	case ModeStatus:
		newStatus := insertKey(d.knownStatus, statusKey(obs.Statuses))
		if (newStatus || newTrace) && statusesDiverge(obs.Statuses) {
			obs.Solution = d.saveSolution(statusName(obs.Statuses), input)
		}
	}

	return obs, nil
}

func (d *Driver) saveSolution(name string, input []byte) string {
	d.Solutions++

	path, err := d.corpus.SaveArtifact("", name, input)
	if err != nil {
		// Best effort: the difference was still counted.
		return name
	}

	if path == "" {
		return name
	}

	return path
}

func insertKey(set map[string]struct{}, key string) bool {
	if _, ok := set[key]; ok {
		return false
	}

	set[key] = struct{}{}

	return true
}

func addedKey(added []bool) string {
	var b strings.Builder
	for _, a := range added {
		if a {
			b.WriteByte('1')
		} else {
			b.WriteByte('0')
		}
	}

	return b.String()
}

func outputKey(outputs []uint64) string {
	var b strings.Builder
	for _, o := range outputs {
		fmt.Fprintf(&b, "%016x_", o)
	}

	return b.String()
}

func statusKey(statuses []executor.ExitReason) string {
	var b strings.Builder
	for _, s := range statuses {
		fmt.Fprintf(&b, "%d_", s)
	}

	return b.String()
}

func outputName(outputs []uint64) string {
	var b strings.Builder
	b.WriteString(corpus.DiffPrefix)
	for _, o := range outputs {
		fmt.Fprintf(&b, "%x_", o)
	}

	return strings.TrimSuffix(b.String(), "_")
}

func statusName(statuses []executor.ExitReason) string {
	var b strings.Builder
	b.WriteString(corpus.DiffPrefix)
	for _, s := range statuses {
		fmt.Fprintf(&b, "%d_", s)
	}

	return strings.TrimSuffix(b.String(), "_")
}

// distinctOutputs counts the unique values in the tuple.
func distinctOutputs(outputs []uint64) int {
	seen := map[uint64]struct{}{}
	for _, o := range outputs {
		seen[o] = struct{}{}
	}

	return len(seen)
}

// statusesDiverge requires at least one clean exit alongside at least
// one non-clean one.
func statusesDiverge(statuses []executor.ExitReason) bool {
	hasZero, hasNonzero := false, false
	for _, s := range statuses {
		if s == executor.ExitNone {
			hasZero = true
		} else {
			hasNonzero = true
		}
	}

	return hasZero && hasNonzero
}
