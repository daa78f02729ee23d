// Package work implements the CPU-bound workload shared by the sync and
// async endpoints: an n-fold iterated SHA-256 over the input bytes.
package work

import (
	"crypto/sha256"
	"encoding/hex"
	"time"
)

// Result holds the output of one computation.
type Result struct {
	Digest     string
	Iterations int
	DurationMS float64
}

// Compute runs iterations rounds of SHA-256 seeded with input and returns
// the final digest as 64 hex characters. Deterministic, pure, and safe to
// call from any goroutine.
func Compute(input string, iterations int) Result {
	start := time.Now()
	digest := []byte(input)
	for i := 0; i < iterations; i++ {
		sum := sha256.Sum256(digest)
		digest = sum[:]
	}
	return Result{
		Digest:     hex.EncodeToString(digest),
		Iterations: iterations,
		DurationMS: float64(time.Since(start).Microseconds()) / 1000.0,
	}
}
