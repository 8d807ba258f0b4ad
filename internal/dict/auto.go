package dict

import (
	"encoding/binary"
	"math/bits"
	"sort"

	"github.com/eclipt-fuzz/eclipt/internal/rng"
)

// Auto-dictionary limits.
const (
	MinAutoExtra  = 3
	MaxAutoExtra  = 32
	UseAutoExtras = 50
	MaxAutoExtras = UseAutoExtras * 10
)

// Auto is the bounded dictionary learned during the walking bit flip.
// Unlike Dictionary it is ordered by hit count descending, with the
// first UseAutoExtras entries re-sorted by length ascending so the
// deterministic auto-extras stage can early-exit on length.
type Auto struct {
	entries []Entry

	// Builtin interesting integers, injected by the owner so that
	// learned tokens that merely restate an interest table value are
	// rejected.
	int16s []int16
	int32s []int32

	// Changed flips to true whenever the set mutates. Nothing in this
	// package resets it.
	Changed bool
}

// NewAuto returns an empty auto dictionary rejecting tokens that match
// any of the given builtin interesting integers (either endianness).
func NewAuto(int16s []int16, int32s []int32) *Auto {
	return &Auto{int16s: int16s, int32s: int32s}
}

func (a *Auto) Len() int         { return len(a.entries) }
func (a *Auto) Empty() bool      { return len(a.entries) == 0 }
func (a *Auto) Entries() []Entry { return a.entries }
func (a *Auto) At(i int) *Entry  { return &a.entries[i] }

// UseCount returns how many leading entries the fuzzing stages may use.
func (a *Auto) UseCount() int {
	if len(a.entries) < UseAutoExtras {
		return len(a.entries)
	}

	return UseAutoExtras
}

// MaybeAdd considers a collected token for the auto dictionary. The
// token is dropped when it is a run of one byte, restates a builtin
// interesting integer, or duplicates (case-insensitively) an existing
// user or auto entry. A duplicate auto entry has its hit count bumped
// instead. When full, a random entry from the bottom half is evicted.
func (a *Auto) MaybeAdd(mem []byte, user *Dictionary, r rng.Source) {
	if len(mem) == 0 || MaxAutoExtras == 0 || UseAutoExtras == 0 {
		return
	}

	// Skip runs of identical bytes.
	uniform := true
	for _, c := range mem {
		if c != mem[0] {
			uniform = false
			break
		}
	}
	if uniform {
		return
	}

	if a.matchesInteresting(mem) {
		return
	}

	if user != nil && user.Contains(mem) {
		return
	}

	a.Changed = true

	for i := range a.entries {
		e := &a.entries[i]
		if len(e.Data) == len(mem) && equalNoCase(e.Data, mem) {
			e.HitCnt++
			a.resort()

			return
		}
	}

	cp := append([]byte(nil), mem...)
	if len(a.entries) < MaxAutoExtras {
		a.entries = append(a.entries, Entry{Data: cp, Pos: -1})
	} else {
		// Evict a random victim from the bottom half of the list.
		idx := MaxAutoExtras/2 + int(rng.Below(r, (MaxAutoExtras+1)/2))
		a.entries[idx] = Entry{Data: cp, Pos: -1}
	}

	a.resort()
}

func (a *Auto) matchesInteresting(mem []byte) bool {
	switch len(mem) {
	case 2:
		v := binary.LittleEndian.Uint16(mem)
		for _, iv := range a.int16s {
			if v == uint16(iv) || v == bits.ReverseBytes16(uint16(iv)) {
				return true
			}
		}
	case 4:
		v := binary.LittleEndian.Uint32(mem)
		for _, iv := range a.int32s {
			if v == uint32(iv) || v == bits.ReverseBytes32(uint32(iv)) {
				return true
			}
		}
	}

	return false
}

// resort orders by hit count descending, then re-sorts the usable
// prefix by token length ascending.
func (a *Auto) resort() {
	sort.SliceStable(a.entries, func(i, j int) bool {
		return a.entries[i].HitCnt > a.entries[j].HitCnt
	})

	lim := a.UseCount()
	sort.SliceStable(a.entries[:lim], func(i, j int) bool {
		return len(a.entries[i].Data) < len(a.entries[j].Data)
	})
}
