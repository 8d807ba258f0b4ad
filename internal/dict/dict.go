// Package dict holds the constant-string dictionaries used by the
// deterministic extras stages and the havoc extra cases: the immutable
// user dictionary loaded from files, and the bounded auto dictionary
// learned during the walking bit flip.
package dict

import (
	"bytes"
	"sort"
)

// Entry is one dictionary token.
type Entry struct {
	Data   []byte
	HitCnt uint32
	UseCnt uint32
	// Pos is an optional position hint: mutate-at offset recorded by
	// whoever learned the token. Negative means none.
	Pos int
}

// Dictionary is an ordered set of entries kept sorted by byte length
// ascending (ties broken bytewise) so that deterministic stages can
// stop at the first entry that no longer fits.
type Dictionary struct {
	entries []Entry
}

// Len returns the number of entries.
func (d *Dictionary) Len() int { return len(d.entries) }

// Empty reports whether the dictionary holds no entries.
func (d *Dictionary) Empty() bool { return len(d.entries) == 0 }

// Entries exposes the sorted entry slice. Callers must not reorder it.
func (d *Dictionary) Entries() []Entry { return d.entries }

// At returns the i-th entry in length order.
func (d *Dictionary) At(i int) *Entry { return &d.entries[i] }

// Add inserts a token keeping length order. Duplicate byte strings are
// allowed; loaders are expected to dedup beforehand if they care.
func (d *Dictionary) Add(e Entry) {
	if e.Pos == 0 {
		e.Pos = -1
	}

	i := sort.Search(len(d.entries), func(i int) bool {
		a := d.entries[i]
		if len(a.Data) != len(e.Data) {
			return len(a.Data) > len(e.Data)
		}

		return bytes.Compare(a.Data, e.Data) >= 0
	})

	d.entries = append(d.entries, Entry{})
	copy(d.entries[i+1:], d.entries[i:])
	d.entries[i] = e
}

// FirstTooLong returns the index of the first entry whose token length
// exceeds limit, which equals Len() when every token fits.
func (d *Dictionary) FirstTooLong(limit int) int {
	return sort.Search(len(d.entries), func(i int) bool {
		return len(d.entries[i].Data) > limit
	})
}

// MaxTokenLen returns the length of the longest token, 0 when empty.
func (d *Dictionary) MaxTokenLen() int {
	if len(d.entries) == 0 {
		return 0
	}

	return len(d.entries[len(d.entries)-1].Data)
}

// Contains reports whether an entry with the same bytes exists,
// compared case-insensitively. Exploits the length sort.
func (d *Dictionary) Contains(data []byte) bool {
	i := sort.Search(len(d.entries), func(i int) bool {
		return len(d.entries[i].Data) >= len(data)
	})

	for ; i < len(d.entries) && len(d.entries[i].Data) == len(data); i++ {
		if equalNoCase(d.entries[i].Data, data) {
			return true
		}
	}

	return false
}

func equalNoCase(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}

	for i := range a {
		if lower(a[i]) != lower(b[i]) {
			return false
		}
	}

	return true
}

func lower(c byte) byte {
	if c >= 'A' && c <= 'Z' {
		return c + ('a' - 'A')
	}

	return c
}
