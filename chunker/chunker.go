// Package chunker decomposes a span of input-token positions into a
// sequence of work groups drawn from a sorted set of supported
// prefill lengths, per spec.md §4.3.
package chunker

import (
	"sort"

	"github.com/onloop/npuexec/status"
)

// WorkGroup is one (signature, chunk-length) unit the executor drives
// through the five subgraphs. Chunk never names a concrete signature —
// that mapping (length -> "prefill_<length>") belongs to wiring/signature,
// which is why WorkGroup carries only the length.
//
// Length is the capacity of the signature the executor must run this
// group on (its compiled input length). Count is how many of those
// Length slots hold real tokens; the executor zero-pads the remainder.
// Count == Length for every group but, at most, the last.
type WorkGroup struct {
	Length int
	Count  int
}

// sortedLengths dedupes and ascending-sorts lengths.
func sortedLengths(lengths []int) []int {
	seen := make(map[int]bool, len(lengths))
	out := make([]int, 0, len(lengths))
	for _, l := range lengths {
		if l > 0 && !seen[l] {
			seen[l] = true
			out = append(out, l)
		}
	}
	sort.Ints(out)
	return out
}

// largestAtMost returns the largest element of the ascending-sorted
// slice sorted that is <= limit, or 0 if none qualifies.
func largestAtMost(sorted []int, limit int) int {
	best := 0
	for _, l := range sorted {
		if l > limit {
			break
		}
		best = l
	}
	return best
}

// smallestAtLeast returns the smallest element of the ascending-sorted
// slice sorted that is >= limit, or 0 if none qualifies.
func smallestAtLeast(sorted []int, limit int) int {
	for _, l := range sorted {
		if l >= limit {
			return l
		}
	}
	return 0
}

// Chunk partitions `remaining` token positions into an ordered
// sequence of work groups covering all of them. It has no notion of
// carry-over tokens; the executor decides how many of the positions
// Chunk lays out are real writes versus a reserved carry (spec.md
// §4.4 step 3).
//
// Policy, matching GetOptimizedPrefillWorkGroups in the original
// runtime: at each step, prefer the largest supported length <= the
// tokens still uncovered, so repeated full-capacity chunks dominate.
// Once what's left is smaller than every supported length, run one
// final partial group on the smallest supported length that can still
// hold it (Count < Length, the executor zero-pads the rest) instead of
// failing or leaving tokens uncovered.
func Chunk(remaining int, lengths []int) ([]WorkGroup, error) {
	if remaining < 0 {
		return nil, status.InvalidArgumentf("chunker: remaining token count must be >= 0, got %d", remaining)
	}
	sorted := sortedLengths(lengths)
	if len(sorted) == 0 {
		return nil, status.InvalidArgumentf("chunker: no supported prefill lengths")
	}

	var groups []WorkGroup
	for remaining > 0 {
		if length := largestAtMost(sorted, remaining); length > 0 {
			groups = append(groups, WorkGroup{Length: length, Count: length})
			remaining -= length
			continue
		}
		// remaining is smaller than every supported length: the smallest
		// one always qualifies as a final zero-padded group.
		length := smallestAtLeast(sorted, remaining)
		groups = append(groups, WorkGroup{Length: length, Count: remaining})
		remaining = 0
	}
	return groups, nil
}
