// Package sample implements the greedy decode-time sampler (argmax
// over quantized int16 logits, smallest index on ties), per spec.md
// §4.5. Sampler is an interface so a richer, non-greedy sampler (top-k
// / temperature, explicitly out of this core's scope) can be
// substituted by the session layer without the executor knowing the
// difference — grounded on the teacher's sample.Sampler reference from
// Sequence.sampler in runner_types.go, and on the shape of
// samcharles93-mantle's internal/logits.Sampler for what a richer
// implementation plugged into the same seam looks like.
package sample

import "github.com/onloop/npuexec/status"

// Sampler picks the next token id from a subgraph's raw logits.
type Sampler interface {
	Sample(logits []int16) (int32, error)
}

// Greedy is the zero-value Sampler the core executor uses: no bias,
// no temperature, no top-k. O(len(logits)).
type Greedy struct{}

// Sample returns the smallest index maximizing logits, per spec.md §8
// property 6 ("argmax tie-break"): for [3, 5, 5, 2] it returns 1.
func (Greedy) Sample(logits []int16) (int32, error) {
	if len(logits) == 0 {
		return 0, status.InvalidArgumentf("sample: logits must be non-empty")
	}
	best := 0
	for i := 1; i < len(logits); i++ {
		if logits[i] > logits[best] {
			best = i
		}
	}
	return int32(best), nil
}
