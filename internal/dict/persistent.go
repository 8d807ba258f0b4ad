package dict

import (
	"bytes"
	"fmt"

	"github.com/cespare/xxhash/v2"
	"github.com/natefinch/atomic"
)

// PersistentAuto accumulates tokens whose use in a mutation was
// rewarded (the mutated input got admitted). Addition is idempotent on
// the token hash plus bytes, so the same reward never inflates the set.
type PersistentAuto struct {
	entries []Entry
	seen    map[uint64][][]byte
}

// NewPersistentAuto returns an empty reward dictionary.
func NewPersistentAuto() *PersistentAuto {
	return &PersistentAuto{seen: map[uint64][][]byte{}}
}

func (p *PersistentAuto) Len() int         { return len(p.entries) }
func (p *PersistentAuto) Entries() []Entry { return p.entries }

// Add records a rewarded token. Returns true if the token was new.
func (p *PersistentAuto) Add(data []byte) bool {
	h := xxhash.Sum64(data)
	for _, prev := range p.seen[h] {
		if bytes.Equal(prev, data) {
			return false
		}
	}

	cp := append([]byte(nil), data...)
	p.seen[h] = append(p.seen[h], cp)
	p.entries = append(p.entries, Entry{Data: cp, Pos: -1})

	return true
}

// Save writes the accumulated tokens as an AFL-compatible dictionary
// file, atomically.
func (p *PersistentAuto) Save(path string) error {
	var buf bytes.Buffer
	for i, e := range p.entries {
		fmt.Fprintf(&buf, "auto%06d=\"%s\"\n", i, escapeToken(e.Data))
	}

	return atomic.WriteFile(path, &buf)
}

func escapeToken(data []byte) string {
	var out bytes.Buffer
	for _, c := range data {
		switch {
		case c == '\\':
			out.WriteString(`\\`)
		case c == '"':
			out.WriteString(`\"`)
		case c >= 32 && c <= 126:
			out.WriteByte(c)
		default:
			fmt.Fprintf(&out, `\x%02x`, c)
		}
	}

	return out.String()
}
