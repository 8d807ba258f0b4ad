// Package bitmap implements the coverage feedback accounting shared by
// every fuzzer variant: hit-count bucketisation of raw edge traces,
// virgin-bit bookkeeping, trace checksums, and feature enumeration.
package bitmap

import (
	"encoding/binary"

	"github.com/cespare/xxhash/v2"
)

// MapSize is the number of edge counters in a trace bitmap.
const (
	MapSizePow2 = 16
	MapSize     = 1 << MapSizePow2
)

// hashConst seasons the trace checksum so it cannot collide trivially
// with checksums computed elsewhere over the same bytes.
const hashConst = 0xa5b35705

// classLookup8 buckets a raw hit count into {0,1,2,4,8,16,32,64,128}.
// classLookup16 composes two classified bytes at once (little-endian
// byte pair). Both are filled once at startup and never change.
var (
	classLookup8  [256]uint8
	classLookup16 [65536]uint16
)

func init() {
	classLookup8[0] = 0
	classLookup8[1] = 1
	classLookup8[2] = 2
	classLookup8[3] = 4
	for i := 4; i < 8; i++ {
		classLookup8[i] = 8
	}
	for i := 8; i < 16; i++ {
		classLookup8[i] = 16
	}
	for i := 16; i < 32; i++ {
		classLookup8[i] = 32
	}
	for i := 32; i < 128; i++ {
		classLookup8[i] = 64
	}
	for i := 128; i < 256; i++ {
		classLookup8[i] = 128
	}

	for b1 := 0; b1 < 256; b1++ {
		for b2 := 0; b2 < 256; b2++ {
			classLookup16[(b1<<8)+b2] = uint16(classLookup8[b1])<<8 | uint16(classLookup8[b2])
		}
	}
}

// Classify destructively replaces every hit count in trace by its
// bucket id. It walks the map eight bytes at a time and skips zero
// words, which dominate on sparse traces. Idempotent: bucket ids map to
// themselves.
func Classify(trace []byte) {
	i := 0
	for ; i+8 <= len(trace); i += 8 {
		if binary.LittleEndian.Uint64(trace[i:]) == 0 {
			continue
		}

		for j := i; j < i+8; j += 2 {
			v := binary.LittleEndian.Uint16(trace[j:])
			binary.LittleEndian.PutUint16(trace[j:], classLookup16[v])
		}
	}
	// Trailing bytes of maps that are not a multiple of eight.
	for ; i < len(trace); i++ {
		trace[i] = classLookup8[trace[i]]
	}
}

// Simplify destructively collapses trace to hit/not-hit: every non-zero
// byte becomes 128, every zero byte becomes 1. Only used to derive
// uniqueness keys for crashes and hangs.
func Simplify(trace []byte) {
	i := 0
	for ; i+8 <= len(trace); i += 8 {
		if binary.LittleEndian.Uint64(trace[i:]) == 0 {
			binary.LittleEndian.PutUint64(trace[i:], 0x0101010101010101)
			continue
		}

		for j := i; j < i+8; j++ {
			if trace[j] != 0 {
				trace[j] = 128
			} else {
				trace[j] = 1
			}
		}
	}
	for ; i < len(trace); i++ {
		if trace[i] != 0 {
			trace[i] = 128
		} else {
			trace[i] = 1
		}
	}
}

// Cksum32 returns the 32-bit checksum of a (classified) trace.
func Cksum32(trace []byte) uint32 {
	h := xxhash.Sum64(trace)

	return uint32(h^(h>>32)) ^ hashConst
}
