package embedding

import (
	"crypto/sha256"
	"encoding/binary"
	"math"
)

// FallbackVector derives a deterministic pseudo-random unit vector of the
// given dimension from a hash of the input text. It stands in when a provider
// fails persistently: ingestion completes, the affected records simply rank
// low in vector search. The derivation is fixed so tests can assert it.
func FallbackVector(text string, dim int) []float32 {
	seed := sha256.Sum256([]byte(text))
	state := binary.BigEndian.Uint64(seed[:8])

	vec := make([]float32, dim)
	var norm float64
	for i := range vec {
		state = splitmix64(state)
		// Map to [-1, 1).
		v := float64(int64(state)) / float64(math.MaxInt64)
		vec[i] = float32(v)
		norm += v * v
	}

	if norm == 0 {
		vec[0] = 1
		return vec
	}
	scale := float32(1 / math.Sqrt(norm))
	for i := range vec {
		vec[i] *= scale
	}
	return vec
}

func splitmix64(x uint64) uint64 {
	x += 0x9e3779b97f4a7c15
	z := x
	z = (z ^ (z >> 30)) * 0xbf58476d1ce4e5b9
	z = (z ^ (z >> 27)) * 0x94d049bb133111eb
	return z ^ (z >> 31)
}
