package afl

import (
	"errors"
	"time"

	"github.com/eclipt-fuzz/eclipt/internal/corpus"
)

// ErrNoSeeds is returned by Loop when the queue is empty.
var ErrNoSeeds = errors.New("afl: queue is empty")

// AddSeed admits one initial (or imported) input, calibrating it
// immediately. Duplicate content is silently dropped.
func (s *State) AddSeed(data []byte) error {
	tc := &corpus.Testcase{Depth: 0}

	admitted, err := s.Corpus.Insert(tc, data, s.Opts.Persistent, false)
	if err != nil {
		return err
	}

	if admitted != tc {
		return nil
	}

	s.pendingNotFuzzed++

	return s.Calibrate(tc, data)
}

// Loop runs queue cycles until stopped, or until maxCycles completes
// when non-zero. importer, when non-nil, is drained at cycle
// boundaries for externally dropped seeds.
func (s *State) Loop(maxCycles uint64, importer *corpus.Watcher) error {
	if s.Corpus.Count() == 0 {
		return ErrNoSeeds
	}

	prevQueued := s.Corpus.Count()
	start := time.Now()

	for !s.Stopped() {
		s.queueCycle++
		s.curSkippedPaths = 0

		if !s.Opts.RunOver10m && time.Since(start) >= 10*time.Minute {
			s.Opts.RunOver10m = true
		}

		if importer != nil {
			for _, seed := range importer.Drain() {
				if err := s.AddSeed(seed); err != nil {
					return err
				}
			}
		}

		for id := 0; id < s.Corpus.Slots(); id++ {
			if s.Stopped() {
				break
			}

			tc := s.Corpus.Get(corpus.ID(id))
			if tc == nil {
				continue
			}

			s.CullQueue()
			s.currentEntry = tc.ID

			if _, err := s.FuzzOne(tc); err != nil {
				return err
			}
		}

		// A full cycle without finds unlocks splicing, then starts
		// counting dry cycles.
		if s.Corpus.Count() == prevQueued {
			if s.useSplicing {
				s.cyclesWoFinds++
			} else {
				s.useSplicing = true
			}
		} else {
			s.cyclesWoFinds = 0
		}

		prevQueued = s.Corpus.Count()

		if maxCycles > 0 && s.queueCycle >= maxCycles {
			return nil
		}
	}

	return nil
}

// Stats is a snapshot of the campaign counters.
type Stats struct {
	QueueCycle    uint64
	TotalExecs    uint64
	Queued        int
	Favored       uint32
	PendingFav    uint32
	UniqueCrashes uint64
	UniqueHangs   uint64
	AutoTokens    int
}

// Snapshot returns the current counters.
func (s *State) Snapshot() Stats {
	return Stats{
		QueueCycle:    s.queueCycle,
		TotalExecs:    s.TotalExecs,
		Queued:        s.Corpus.Count(),
		Favored:       s.queuedFavored,
		PendingFav:    s.pendingFavored,
		UniqueCrashes: s.UniqueCrashes,
		UniqueHangs:   s.UniqueHangs,
		AutoTokens:    s.Autos.Len(),
	}
}
