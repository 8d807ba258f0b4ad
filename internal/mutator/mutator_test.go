package mutator

import (
	"bytes"
	"testing"

	"github.com/eclipt-fuzz/eclipt/internal/rng"
)

func TestFlipBitTouchesAtMostTwoBytes(t *testing.T) {
	m := New([]byte{0, 0, 0}, rng.NewStream(1, 0))

	// Two bits straddling a byte boundary.
	m.FlipBit(7, 2)

	want := []byte{0x01, 0x80, 0}
	if !bytes.Equal(m.Buf(), want) {
		t.Fatalf("buf = %x, want %x", m.Buf(), want)
	}

	// Flipping again restores.
	m.FlipBit(7, 2)
	if !bytes.Equal(m.Buf(), []byte{0, 0, 0}) {
		t.Fatalf("double flip did not restore")
	}
}

func TestFlipByteWidths(t *testing.T) {
	m := New([]byte{0x00, 0x00, 0x00, 0x00, 0xAA}, rng.NewStream(1, 0))

	m.FlipByte(0, 4)
	if !bytes.Equal(m.Buf()[:4], []byte{0xFF, 0xFF, 0xFF, 0xFF}) {
		t.Fatalf("flip 4 bytes = %x", m.Buf())
	}

	m.FlipByte(4, 1)
	if m.Buf()[4] != 0x55 {
		t.Fatalf("flip byte = %x, want 55", m.Buf()[4])
	}
}

func TestArithEndianness(t *testing.T) {
	m := New([]byte{0x00, 0x01}, rng.NewStream(1, 0))

	// Little endian: 0x0100 + 1 = 0x0101.
	m.AddN(0, 1, 2, false)
	if !bytes.Equal(m.Buf(), []byte{0x01, 0x01}) {
		t.Fatalf("le add = %x", m.Buf())
	}

	// Big endian view of {0x01,0x01} is 0x0101; minus 2 = 0x00FF.
	m.SubN(0, 2, 2, true)
	if !bytes.Equal(m.Buf(), []byte{0x00, 0xFF}) {
		t.Fatalf("be sub = %x", m.Buf())
	}
}

func TestInterestBigEndian(t *testing.T) {
	m := New(make([]byte, 4), rng.NewStream(1, 0))

	// 32767 == 0x7FFF.
	idx := -1
	for i, v := range Interesting16 {
		if v == 32767 {
			idx = i
		}
	}

	m.InterestN(0, idx, 2, true)
	if !bytes.Equal(m.Buf()[:2], []byte{0x7F, 0xFF}) {
		t.Fatalf("be interest = %x", m.Buf()[:2])
	}

	m.InterestN(0, idx, 2, false)
	if !bytes.Equal(m.Buf()[:2], []byte{0xFF, 0x7F}) {
		t.Fatalf("le interest = %x", m.Buf()[:2])
	}
}

func TestInsertDelete(t *testing.T) {
	m := New([]byte("HELLO"), rng.NewStream(1, 0))

	m.Insert(2, []byte("XY"))
	if string(m.Buf()) != "HEXYLLO" {
		t.Fatalf("insert = %q", m.Buf())
	}

	m.Delete(2, 2)
	if string(m.Buf()) != "HELLO" {
		t.Fatalf("delete = %q", m.Buf())
	}
}

func TestSpliceIdenticalFails(t *testing.T) {
	m := New([]byte("HELLOWORLD"), rng.NewStream(1, 0))

	if m.Splice([]byte("HELLOWORLD")) {
		t.Fatalf("splice of identical buffers succeeded")
	}
}

func TestSpliceNeedsDistance(t *testing.T) {
	m := New([]byte{1, 2, 3, 4}, rng.NewStream(1, 0))

	// Single differing byte: f_diff == l_diff.
	if m.Splice([]byte{1, 9, 3, 4}) {
		t.Fatalf("splice with one differing byte succeeded")
	}
}

func TestSpliceCombines(t *testing.T) {
	a := bytes.Repeat([]byte{0xAA}, 64)
	b := bytes.Repeat([]byte{0xBB}, 64)

	m := New(a, rng.NewStream(3, 0))
	if !m.Splice(b) {
		t.Fatalf("splice failed")
	}

	out := m.Buf()
	if len(out) != 64 {
		t.Fatalf("splice len = %d", len(out))
	}

	// Prefix from a, suffix from b, single cut.
	cut := bytes.IndexByte(out, 0xBB)
	if cut <= 0 {
		t.Fatalf("no suffix from target (cut=%d)", cut)
	}

	for i, c := range out {
		want := byte(0xAA)
		if i >= cut {
			want = 0xBB
		}

		if c != want {
			t.Fatalf("byte %d = %x, want %x", i, c, want)
		}
	}

	m.RestoreSplice()
	if !bytes.Equal(m.Buf(), a) {
		t.Fatalf("restore splice did not bring buffer back")
	}
}

func TestChooseBlockLenBounds(t *testing.T) {
	m := New(make([]byte, 16), rng.NewStream(11, 0))
	m.QueueCycle = 5
	m.RunOver10m = true

	for i := 0; i < 10000; i++ {
		l := m.ChooseBlockLen(100)
		if l < 1 || l > 100 {
			t.Fatalf("block len %d out of [1,100]", l)
		}
	}
}

func TestPredicatesMatchReference(t *testing.T) {
	// Bit flips.
	if !CouldBeBitflip(0) || !CouldBeBitflip(1) || !CouldBeBitflip(3<<5) || !CouldBeBitflip(0xFF00) {
		t.Fatalf("bitflip predicate rejected reachable patterns")
	}

	if CouldBeBitflip(0xFF<<3) || CouldBeBitflip(0x5) {
		t.Fatalf("bitflip predicate accepted unreachable patterns")
	}

	// Arithmetic.
	if !CouldBeArith(100, 135, 1) || !CouldBeArith(100, 65, 1) {
		t.Fatalf("arith predicate rejected in-range deltas")
	}

	if CouldBeArith(100, 136, 1) {
		t.Fatalf("arith predicate accepted out-of-range delta")
	}

	// 16-bit operand whose low byte moved by one.
	if !CouldBeArith(0x0100, 0x0101+0, 2) {
		t.Fatalf("arith predicate rejected word delta")
	}

	// Interest. The 32-bit table is only consulted after the LE pass.
	if !CouldBeInterest(0, 0xFFFFFFFF, 4, true) {
		t.Fatalf("interest predicate rejected 32-bit interest value")
	}

	if !CouldBeInterest(0, uint32(0x7FFF), 4, false) {
		t.Fatalf("interest predicate rejected 16-bit interest value")
	}
}
