package embeddings

import (
	"crypto/sha256"
	"math"
)

// Fallback vectors hold values of magnitude fallbackScale, so their
// variance stays far below fallbackMaxVariance while a unit-length real
// embedding of dimension d has variance close to 1/d.
const (
	fallbackScale       = 1e-4
	fallbackMaxVariance = 1e-6
	fallbackMaxMean     = 1e-3
)

// FallbackVector returns the deterministic near-zero vector used when the
// provider cannot produce an embedding. Equal texts get equal vectors.
func FallbackVector(text string, dim int) []float32 {
	vec := make([]float32, dim)
	seed := sha256.Sum256([]byte(text))
	for i := range vec {
		b := seed[i%len(seed)] ^ byte(i/len(seed))
		v := float32(fallbackScale) * (0.5 + float32(b&0x7f)/254)
		if b&0x80 != 0 {
			v = -v
		}
		vec[i] = v
	}
	return vec
}

// IsFallbackVector reports whether v looks like a FallbackVector: variance
// below 1e-6 and absolute mean below 1e-3. Stores that normalize vectors
// destroy this signature, which is why degraded chunks are also tagged in
// their metadata.
func IsFallbackVector(v []float32) bool {
	if len(v) == 0 {
		return false
	}
	var sum float64
	for _, x := range v {
		sum += float64(x)
	}
	mean := sum / float64(len(v))
	var sq float64
	for _, x := range v {
		d := float64(x) - mean
		sq += d * d
	}
	variance := sq / float64(len(v))
	return variance < fallbackMaxVariance && math.Abs(mean) < fallbackMaxMean
}
