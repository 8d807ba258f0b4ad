package dict

import (
	"fmt"
	"testing"

	"github.com/eclipt-fuzz/eclipt/internal/rng"
)

var (
	testInt16s = []int16{-32768, -129, 128, 255, 256, 512, 1000, 1024, 4096, 32767}
	testInt32s = []int32{-2147483648, -100663046, -32769, 32768, 65535, 65536, 100663045, 2147483647}
)

func TestAutoRejectsUniformRuns(t *testing.T) {
	a := NewAuto(testInt16s, testInt32s)
	r := rng.NewStream(1, 0)

	a.MaybeAdd([]byte("AAAA"), nil, r)
	if a.Len() != 0 {
		t.Fatalf("uniform run was accepted")
	}
}

func TestAutoRejectsInterestingIntegers(t *testing.T) {
	a := NewAuto(testInt16s, testInt32s)
	r := rng.NewStream(1, 0)

	// 0x0100 little-endian == 256, a builtin interesting value.
	a.MaybeAdd([]byte{0x00, 0x01}, nil, r)
	// Big-endian rendering of the same value.
	a.MaybeAdd([]byte{0x01, 0x00}, nil, r)
	// 65536 as 4 bytes LE.
	a.MaybeAdd([]byte{0x00, 0x00, 0x01, 0x00}, nil, r)

	if a.Len() != 0 {
		t.Fatalf("interesting integers were accepted: %d entries", a.Len())
	}
}

func TestAutoDedupAgainstUserDict(t *testing.T) {
	var user Dictionary
	user.Add(Entry{Data: []byte("MaGiC")})

	a := NewAuto(testInt16s, testInt32s)
	r := rng.NewStream(1, 0)

	a.MaybeAdd([]byte("magic"), &user, r)
	if a.Len() != 0 {
		t.Fatalf("case-insensitive user duplicate was accepted")
	}
}

func TestAutoDuplicateBumpsHitCount(t *testing.T) {
	a := NewAuto(testInt16s, testInt32s)
	r := rng.NewStream(1, 0)

	a.MaybeAdd([]byte("token"), nil, r)
	a.MaybeAdd([]byte("TOKEN"), nil, r)

	if a.Len() != 1 {
		t.Fatalf("duplicate created a second entry")
	}

	if a.At(0).HitCnt != 1 {
		t.Fatalf("hit count = %d, want 1", a.At(0).HitCnt)
	}
}

func TestAutoCapAndEviction(t *testing.T) {
	a := NewAuto(testInt16s, testInt32s)
	r := rng.NewStream(42, 0)

	for i := 0; i < MaxAutoExtras+100; i++ {
		a.MaybeAdd([]byte(fmt.Sprintf("tok%06d", i)), nil, r)
	}

	if a.Len() != MaxAutoExtras {
		t.Fatalf("size = %d, want cap %d", a.Len(), MaxAutoExtras)
	}
}

func TestAutoUsablePrefixSortedByLength(t *testing.T) {
	a := NewAuto(testInt16s, testInt32s)
	r := rng.NewStream(7, 0)

	a.MaybeAdd([]byte("longertoken"), nil, r)
	a.MaybeAdd([]byte("abc"), nil, r)
	a.MaybeAdd([]byte("midlen"), nil, r)

	prev := 0
	for i := 0; i < a.UseCount(); i++ {
		if l := len(a.At(i).Data); l < prev {
			t.Fatalf("usable prefix not length sorted at %d", i)
		} else {
			prev = l
		}
	}
}
