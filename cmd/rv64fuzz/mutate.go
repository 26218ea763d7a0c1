package main

import "math/rand"

// mutate is a minimal byte-splicing mutator: replace up to 127 random
// bytes of input at random offsets. Not a goal of the core itself —
// kept intentionally small, the way the original harness's "world's best
// mutator" is a few lines of random byte replacement rather than a
// structure-aware fuzzer.
func mutate(rng *rand.Rand, input []byte) []byte {
	out := append([]byte(nil), input...)
	if len(out) == 0 {
		return out
	}
	n := rng.Intn(128)
	for i := 0; i < n; i++ {
		out[rng.Intn(len(out))] = byte(rng.Intn(256))
	}
	return out
}
