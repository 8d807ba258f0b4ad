package bitmap

import (
	"bytes"
	"testing"
)

func TestClassifyBuckets(t *testing.T) {
	tests := []struct {
		raw  uint8
		want uint8
	}{
		{0, 0}, {1, 1}, {2, 2}, {3, 4}, {4, 8}, {7, 8},
		{8, 16}, {15, 16}, {16, 32}, {31, 32}, {32, 64},
		{127, 64}, {128, 128}, {255, 128},
	}

	trace := make([]byte, MapSize)
	for i, tc := range tests {
		trace[i*9] = tc.raw
	}

	Classify(trace)

	for i, tc := range tests {
		if got := trace[i*9]; got != tc.want {
			t.Fatalf("count %d classified to %d, want %d", tc.raw, got, tc.want)
		}
	}
}

func TestClassifyIdempotent(t *testing.T) {
	trace := make([]byte, MapSize)
	for i := range trace {
		trace[i] = byte(i * 7)
	}

	Classify(trace)
	once := append([]byte(nil), trace...)
	Classify(trace)

	if !bytes.Equal(once, trace) {
		t.Fatalf("classify is not idempotent")
	}
}

func TestSimplifyCollapses(t *testing.T) {
	trace := make([]byte, MapSize)
	trace[0] = 1
	trace[100] = 200
	Simplify(trace)

	if trace[0] != 128 || trace[100] != 128 {
		t.Fatalf("hit bytes not collapsed to 128")
	}

	if trace[1] != 1 || trace[MapSize-1] != 1 {
		t.Fatalf("untouched bytes not collapsed to 1")
	}
}

func TestHasNewBitsVerdicts(t *testing.T) {
	virgin := NewVirgin(MapSize)

	trace := make([]byte, MapSize)
	trace[10] = 1
	Classify(trace)

	if got := HasNewBits(virgin, trace); got != NewEdges {
		t.Fatalf("first fold = %v, want NewEdges", got)
	}

	// Identical trace again: nothing new.
	if got := HasNewBits(virgin, trace); got != NoNewBits {
		t.Fatalf("second fold = %v, want NoNewBits", got)
	}

	// Same edge, higher bucket: hit-count novelty only.
	trace[10] = 8
	if got := HasNewBits(virgin, trace); got != NewHitCounts {
		t.Fatalf("bucket change = %v, want NewHitCounts", got)
	}

	// Superset trace with a virgin edge.
	trace[20] = 1
	if got := HasNewBits(virgin, trace); got != NewEdges {
		t.Fatalf("superset fold = %v, want NewEdges", got)
	}
}

func TestCksum32Distinguishes(t *testing.T) {
	a := make([]byte, MapSize)
	b := make([]byte, MapSize)
	b[42] = 1

	if Cksum32(a) == Cksum32(b) {
		t.Fatalf("distinct traces hashed equal")
	}

	if Cksum32(a) != Cksum32(append([]byte(nil), a...)) {
		t.Fatalf("checksum not deterministic")
	}
}

func TestForEachFeature(t *testing.T) {
	trace := make([]byte, 64)
	trace[3] = 1    // bucket 0
	trace[5] = 4    // bucket 3
	trace[63] = 255 // bucket 7

	var got []uint32
	ForEachFeature(trace, 0, func(id uint32) { got = append(got, id) })

	want := []uint32{3 * 8, 5*8 + 3, 63*8 + 7}
	if len(got) != len(want) {
		t.Fatalf("got %d features, want %d", len(got), len(want))
	}

	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("feature %d = %d, want %d", i, got[i], want[i])
		}
	}

	// Shifted enumeration for differential shards.
	var shifted []uint32
	ForEachFeature(trace, MapSize, func(id uint32) { shifted = append(shifted, id) })

	if shifted[0] != (MapSize+3)*8 {
		t.Fatalf("offset feature = %d, want %d", shifted[0], (MapSize+3)*8)
	}
}

func TestMiniTrace(t *testing.T) {
	trace := make([]byte, 32)
	trace[1] = 1
	trace[17] = 64

	m := NewMiniTrace(trace)
	if !m.Bit(1) || !m.Bit(17) || m.Bit(2) {
		t.Fatalf("mini trace bits wrong")
	}

	other := make([]byte, 32)
	other[2] = 1
	o := NewMiniTrace(other)

	m.Or(o)
	if !m.Bit(2) {
		t.Fatalf("or did not fold bit")
	}

	if !m.Covers(o) {
		t.Fatalf("covers failed on folded set")
	}
}
