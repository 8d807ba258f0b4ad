// Package corpus owns the testcase store shared by all fuzzer
// variants: input byte ownership (memory or file backed), the triple
// index over live entries, and the on-disk layout of the work
// directory.
package corpus

import (
	"bytes"
	"errors"
	"fmt"
	"os"
)

var errNotLoaded = errors.New("input bytes not loaded")

// Input owns the bytes of one testcase. Bytes live either on-heap
// (memory mode) or on disk with lazy load/unload cycles around
// calibration and trimming, which rewrite the file.
type Input struct {
	path string // empty in memory mode
	buf  []byte
	held bool // load refcount collapsed to a flag; loads do not nest
}

// NewMemInput returns a memory-resident input owning a copy of data.
func NewMemInput(data []byte) *Input {
	return &Input{buf: append([]byte(nil), data...), held: true}
}

// NewFileInput returns a file-backed input. The file is written
// immediately; bytes are dropped until the next Load.
func NewFileInput(path string, data []byte) (*Input, error) {
	if err := writeFileRetry(path, data); err != nil {
		return nil, err
	}

	return &Input{path: path}, nil
}

// Persistent reports whether the input is file backed.
func (in *Input) Persistent() bool { return in.path != "" }

// Path returns the backing file path, empty in memory mode.
func (in *Input) Path() string { return in.path }

// Len returns the input length. Valid without a Load for memory inputs;
// for file inputs it stats the file when unloaded.
func (in *Input) Len() int {
	if in.held || in.path == "" {
		return len(in.buf)
	}

	st, err := os.Stat(in.path)
	if err != nil {
		return 0
	}

	return int(st.Size())
}

// Load makes the bytes resident. No-op for memory inputs.
func (in *Input) Load() error {
	if in.held {
		return nil
	}

	b, err := os.ReadFile(in.path)
	if err != nil {
		return fmt.Errorf("load input: %w", err)
	}

	in.buf = b
	in.held = true

	return nil
}

// Unload drops resident bytes of a file-backed input.
func (in *Input) Unload() {
	if in.path == "" {
		return
	}

	in.buf = nil
	in.held = false
}

// Bytes returns the resident bytes. Callers must hold a Load.
func (in *Input) Bytes() ([]byte, error) {
	if !in.held {
		return nil, errNotLoaded
	}

	return in.buf, nil
}

// OverwriteKeepingLoaded replaces the bytes (trimming does this) and
// rewrites the backing file if any, keeping the input loaded.
func (in *Input) OverwriteKeepingLoaded(data []byte) error {
	in.buf = append(in.buf[:0], data...)
	in.held = true

	if in.path == "" {
		return nil
	}

	return writeFileRetry(in.path, in.buf)
}

// writeFileRetry writes input bytes, retrying once on failure per the
// corpus I/O policy.
func writeFileRetry(path string, data []byte) error {
	if err := atomicWrite(path, data); err != nil {
		if err2 := atomicWrite(path, data); err2 != nil {
			return fmt.Errorf("write input %s: %w", path, err2)
		}
	}

	return nil
}

func atomicWrite(path string, data []byte) error {
	return atomicWriteFile(path, bytes.NewReader(data))
}
