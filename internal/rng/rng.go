// Package rng supplies the uniform random streams consumed by the
// mutation and scheduling code. The engine treats randomness as an
// external collaborator: everything downstream draws from a Source, so
// tests can substitute a scripted sequence.
package rng

import (
	"crypto/sha256"
	"encoding/binary"
	"math/rand"
)

// Source is the PRNG contract used across the engine: a stream of
// uniform 32-bit integers plus a small float in [0,1).
type Source interface {
	Uint32() uint32
	Float01() float64
}

// Below returns a uniform value in [0, limit). limit must be > 0.
func Below(s Source, limit uint32) uint32 {
	return s.Uint32() % limit
}

// Stream is the default Source, backed by math/rand. The (base, salt)
// pair is hashed into the seed so parallel instances sharing one base
// never walk the same sequence.
type Stream struct {
	r *rand.Rand
}

// NewStream returns a stream seeded from base and salt.
func NewStream(base int64, salt int) *Stream {
	var mix [12]byte
	binary.BigEndian.PutUint64(mix[:8], uint64(base))
	binary.BigEndian.PutUint32(mix[8:], uint32(salt))

	sum := sha256.Sum256(mix[:])
	seed := int64(binary.BigEndian.Uint64(sum[8:16]))

	return &Stream{r: rand.New(rand.NewSource(seed))}
}

func (s *Stream) Uint32() uint32 {
	return uint32(s.r.Int63() >> 16)
}

func (s *Stream) Float01() float64 {
	return s.r.Float64()
}
