package corpus

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// Watcher observes an import directory for seed files dropped in by the
// user (or another tool) while a campaign runs. The fuzz loops drain it
// at queue-cycle boundaries.
type Watcher struct {
	dir string
	fw  *fsnotify.Watcher

	mu      sync.Mutex
	pending map[string]struct{}
	done    chan struct{}
}

// NewWatcher starts watching dir. Files already present are reported by
// the first Drain.
func NewWatcher(dir string) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("seed watcher: %w", err)
	}

	if err := fw.Add(dir); err != nil {
		fw.Close()
		return nil, fmt.Errorf("seed watcher: %w", err)
	}

	w := &Watcher{
		dir:     dir,
		fw:      fw,
		pending: map[string]struct{}{},
		done:    make(chan struct{}),
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		fw.Close()
		return nil, fmt.Errorf("seed watcher: %w", err)
	}

	for _, e := range entries {
		if !e.IsDir() {
			w.pending[filepath.Join(dir, e.Name())] = struct{}{}
		}
	}

	go w.run()

	return w, nil
}

func (w *Watcher) run() {
	for {
		select {
		case ev, ok := <-w.fw.Events:
			if !ok {
				return
			}

			if ev.Op&(fsnotify.Create|fsnotify.Write) != 0 {
				w.mu.Lock()
				w.pending[ev.Name] = struct{}{}
				w.mu.Unlock()
			}
		case _, ok := <-w.fw.Errors:
			if !ok {
				return
			}
		case <-w.done:
			return
		}
	}
}

// Drain returns the contents of every seed file observed since the
// previous call. Unreadable files are skipped.
func (w *Watcher) Drain() [][]byte {
	w.mu.Lock()
	paths := make([]string, 0, len(w.pending))
	for p := range w.pending {
		paths = append(paths, p)
	}
	w.pending = map[string]struct{}{}
	w.mu.Unlock()

	var out [][]byte
	for _, p := range paths {
		if b, err := os.ReadFile(p); err == nil && len(b) > 0 {
			out = append(out, b)
		}
	}

	return out
}

// Close stops the watcher.
func (w *Watcher) Close() error {
	close(w.done)
	return w.fw.Close()
}
