package corpus

import (
	"os"
	"path/filepath"
	"sort"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

func TestInsertAssignsDenseIDs(t *testing.T) {
	c, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("new corpus: %v", err)
	}

	for i := 0; i < 5; i++ {
		tc, err := c.Insert(&Testcase{}, []byte{byte(i)}, false, true)
		if err != nil {
			t.Fatalf("insert %d: %v", i, err)
		}

		if tc.ID != ID(i) {
			t.Fatalf("id = %d, want %d", tc.ID, i)
		}
	}
}

func TestInsertDedupOnSHA1(t *testing.T) {
	c, _ := New("")

	first, err := c.Insert(&Testcase{}, []byte("same"), false, true)
	if err != nil {
		t.Fatalf("insert: %v", err)
	}

	again, err := c.Insert(&Testcase{}, []byte("same"), false, true)
	if err != ErrDuplicate {
		t.Fatalf("fresh duplicate error = %v, want ErrDuplicate", err)
	}

	if again != first {
		t.Fatalf("duplicate did not return existing entry")
	}

	// Non-fresh admit silently resolves to the existing entry.
	again, err = c.Insert(&Testcase{}, []byte("same"), false, false)
	if err != nil || again != first {
		t.Fatalf("non-fresh duplicate = (%v, %v)", again, err)
	}
}

func TestIndexAgreement(t *testing.T) {
	c, _ := New("")

	payloads := [][]byte{[]byte("a"), []byte("bb"), []byte("ccc"), []byte("dddd")}
	for _, p := range payloads {
		if _, err := c.Insert(&Testcase{}, p, false, true); err != nil {
			t.Fatalf("insert: %v", err)
		}
	}

	c.Erase(1)

	if err := c.Replace(2, []byte("CCC"), nil); err != nil {
		t.Fatalf("replace: %v", err)
	}

	var seq []ID
	c.ForEachInOrder(func(tc *Testcase) bool {
		seq = append(seq, tc.ID)
		return true
	})

	var byID []ID
	for i := 0; i < c.Slots(); i++ {
		if tc := c.Get(ID(i)); tc != nil {
			byID = append(byID, tc.ID)
		}
	}

	var bySha []ID
	for _, tc := range []*Testcase{
		c.FindBySHA1(SHA1Hex([]byte("a"))),
		c.FindBySHA1(SHA1Hex([]byte("CCC"))),
		c.FindBySHA1(SHA1Hex([]byte("dddd"))),
	} {
		if tc == nil {
			t.Fatalf("sha1 index lost a live entry")
		}

		bySha = append(bySha, tc.ID)
	}
	sort.Slice(bySha, func(i, j int) bool { return bySha[i] < bySha[j] })

	want := []ID{0, 2, 3}
	if diff := cmp.Diff(want, seq); diff != "" {
		t.Fatalf("sequential order mismatch (-want +got):\n%s", diff)
	}

	if diff := cmp.Diff(want, byID); diff != "" {
		t.Fatalf("by-id order mismatch (-want +got):\n%s", diff)
	}

	if diff := cmp.Diff(want, bySha); diff != "" {
		t.Fatalf("by-sha1 set mismatch (-want +got):\n%s", diff)
	}

	// The old sha1 must be gone.
	if c.FindBySHA1(SHA1Hex([]byte("ccc"))) != nil {
		t.Fatalf("stale sha1 survived replace")
	}
}

func TestReplacePreservesIDAndFile(t *testing.T) {
	dir := t.TempDir()
	c, _ := New(dir)

	tc, err := c.Insert(&Testcase{}, []byte("0123456789"), true, true)
	if err != nil {
		t.Fatalf("insert: %v", err)
	}

	path := tc.Input.Path()
	if err := c.Replace(tc.ID, []byte("0123456"), nil); err != nil {
		t.Fatalf("replace: %v", err)
	}

	if tc.Input.Path() != path {
		t.Fatalf("backing file moved on replace")
	}

	got, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read back: %v", err)
	}

	if string(got) != "0123456" {
		t.Fatalf("file bytes = %q, want %q", got, "0123456")
	}

	if c.FindBySHA1(SHA1Hex([]byte("0123456"))) != tc {
		t.Fatalf("sha1 index not updated")
	}
}

func TestInputLoadCycle(t *testing.T) {
	dir := t.TempDir()
	in, err := NewFileInput(filepath.Join(dir, "seed"), []byte("payload"))
	if err != nil {
		t.Fatalf("new file input: %v", err)
	}

	if _, err := in.Bytes(); err == nil {
		t.Fatalf("bytes available before load")
	}

	if err := in.Load(); err != nil {
		t.Fatalf("load: %v", err)
	}

	b, err := in.Bytes()
	if err != nil || string(b) != "payload" {
		t.Fatalf("loaded bytes = %q, %v", b, err)
	}

	in.Unload()
	if _, err := in.Bytes(); err == nil {
		t.Fatalf("bytes survived unload")
	}

	if in.Len() != 7 {
		t.Fatalf("len after unload = %d, want 7", in.Len())
	}
}

func TestWatcherDrain(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "pre"), []byte("pre"), 0o644); err != nil {
		t.Fatalf("seed: %v", err)
	}

	w, err := NewWatcher(dir)
	if err != nil {
		t.Fatalf("watcher: %v", err)
	}
	defer w.Close()

	got := w.Drain()
	if len(got) != 1 || string(got[0]) != "pre" {
		t.Fatalf("initial drain = %q", got)
	}

	if err := os.WriteFile(filepath.Join(dir, "post"), []byte("post"), 0o644); err != nil {
		t.Fatalf("drop seed: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		if got = w.Drain(); len(got) > 0 || time.Now().After(deadline) {
			break
		}

		time.Sleep(10 * time.Millisecond)
	}

	if len(got) != 1 || string(got[0]) != "post" {
		t.Fatalf("post drain = %q", got)
	}
}
