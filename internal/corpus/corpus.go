package corpus

import (
	"bytes"
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/natefinch/atomic"
)

// Work directory layout.
const (
	QueueDir   = "queue"
	CrashDir   = "crashes"
	HangDir    = "hangs"
	CurInput   = "cur_input"
	DiffPrefix = "diff_"
)

var (
	// ErrDuplicate is returned by Insert when a fresh admit collides
	// with an existing sha1.
	ErrDuplicate = errors.New("corpus: duplicate input")
	// ErrUnknownID is returned for operations on ids never assigned or
	// already erased.
	ErrUnknownID = errors.New("corpus: unknown id")
)

// Corpus maps dense ids to testcases with three access orders:
// insertion (enumeration), by id (O(1)), and by sha1 (admission dedup).
// Erasure blanks the slot but keeps the id dense ordering intact.
type Corpus struct {
	dir     string
	entries []*Testcase
	bySHA1  map[string]*Testcase
	live    int
}

// New opens a corpus rooted at dir, creating the standard directory
// layout. Empty dir means purely in-memory operation.
func New(dir string) (*Corpus, error) {
	c := &Corpus{dir: dir, bySHA1: map[string]*Testcase{}}
	if dir == "" {
		return c, nil
	}

	for _, sub := range []string{QueueDir, CrashDir, HangDir} {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0o755); err != nil {
			return nil, fmt.Errorf("corpus layout: %w", err)
		}
	}

	return c, nil
}

// Dir returns the corpus root, empty for in-memory corpora.
func (c *Corpus) Dir() string { return c.dir }

// Count returns the number of live entries.
func (c *Corpus) Count() int { return c.live }

// Slots returns the number of id slots ever assigned, including erased
// ones. Valid ids are [0, Slots).
func (c *Corpus) Slots() int { return len(c.entries) }

// SHA1Hex returns the content address of data.
func SHA1Hex(data []byte) string {
	sum := sha1.Sum(data)
	return hex.EncodeToString(sum[:])
}

// Insert admits a new testcase. When persistent, bytes are written
// under queue/ using the testcase name (or the sha1 when the name is
// empty). fresh makes sha1 collisions an error; otherwise the existing
// entry is returned.
func (c *Corpus) Insert(tc *Testcase, data []byte, persistent, fresh bool) (*Testcase, error) {
	sha := SHA1Hex(data)
	if prev, ok := c.bySHA1[sha]; ok {
		if fresh {
			return prev, ErrDuplicate
		}

		return prev, nil
	}

	tc.ID = ID(len(c.entries))
	tc.SHA1 = sha
	tc.InputSize = uint32(len(data))
	if tc.Name == "" {
		tc.Name = sha
	}

	if persistent && c.dir != "" {
		in, err := NewFileInput(filepath.Join(c.dir, QueueDir, tc.Name), data)
		if err != nil {
			return nil, err
		}

		tc.Input = in
	} else {
		tc.Input = NewMemInput(data)
	}

	c.entries = append(c.entries, tc)
	c.bySHA1[sha] = tc
	c.live++

	return tc, nil
}

// Replace swaps the bytes and metadata of an existing id in place,
// preserving the id and backing file name. Used by shrink mode.
func (c *Corpus) Replace(id ID, data []byte, update func(*Testcase)) error {
	tc := c.Get(id)
	if tc == nil {
		return ErrUnknownID
	}

	delete(c.bySHA1, tc.SHA1)
	tc.SHA1 = SHA1Hex(data)
	tc.InputSize = uint32(len(data))
	c.bySHA1[tc.SHA1] = tc

	if err := tc.Input.OverwriteKeepingLoaded(data); err != nil {
		return err
	}

	if update != nil {
		update(tc)
	}

	return nil
}

// Erase blanks the slot for id and drops its bytes. The id slot
// remains assigned.
func (c *Corpus) Erase(id ID) {
	tc := c.Get(id)
	if tc == nil {
		return
	}

	delete(c.bySHA1, tc.SHA1)
	if tc.Input.Persistent() {
		_ = os.Remove(tc.Input.Path())
	}

	c.entries[id] = nil
	c.live--
}

// Get returns the testcase for id, nil when erased or unassigned.
func (c *Corpus) Get(id ID) *Testcase {
	if int(id) >= len(c.entries) {
		return nil
	}

	return c.entries[id]
}

// FindBySHA1 returns the live entry with the given content hash.
func (c *Corpus) FindBySHA1(sha string) *Testcase {
	return c.bySHA1[sha]
}

// ForEachInOrder invokes f over live entries in insertion order.
// Returning false stops the walk.
func (c *Corpus) ForEachInOrder(f func(*Testcase) bool) {
	for _, tc := range c.entries {
		if tc == nil {
			continue
		}

		if !f(tc) {
			return
		}
	}
}

// SaveArtifact writes a user-visible solution (crash, hang, diff) to
// the given subdirectory best-effort: the write is atomic and retried
// once.
func (c *Corpus) SaveArtifact(subdir, name string, data []byte) (string, error) {
	if c.dir == "" {
		return "", nil
	}

	path := filepath.Join(c.dir, subdir, name)
	if err := atomicWriteFile(path, bytes.NewReader(data)); err != nil {
		if err = atomicWriteFile(path, bytes.NewReader(data)); err != nil {
			return "", fmt.Errorf("save artifact: %w", err)
		}
	}

	return path, nil
}

func atomicWriteFile(path string, r io.Reader) error {
	return atomic.WriteFile(path, r)
}
