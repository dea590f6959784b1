// Package hash implements rendezvous (highest random weight) selection used by
// the resolver's sticky pickers.
package hash

import (
	"sort"

	"github.com/cespare/xxhash/v2"
)

// Weight scores candidate for key. The zero byte keeps "ab"+"c" and "a"+"bc"
// apart.
func Weight(key, candidate string) uint64 {
	d := xxhash.New()
	_, _ = d.WriteString(key)
	_, _ = d.Write([]byte{0})
	_, _ = d.WriteString(candidate)
	return d.Sum64()
}

// Pick returns the index of the candidate with the highest weight for key, or
// -1 when there are no candidates. Equal weights go to the smaller candidate.
func Pick(key string, candidates []string) int {
	best := -1
	var bestWeight uint64
	for i, c := range candidates {
		w := Weight(key, c)
		if best < 0 || w > bestWeight || (w == bestWeight && c < candidates[best]) {
			best, bestWeight = i, w
		}
	}
	return best
}

// Rank returns candidate indexes from most to least preferred for key.
func Rank(key string, candidates []string) []int {
	weights := make([]uint64, len(candidates))
	order := make([]int, len(candidates))
	for i, c := range candidates {
		weights[i] = Weight(key, c)
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool {
		i, j := order[a], order[b]
		if weights[i] == weights[j] {
			return candidates[i] < candidates[j]
		}
		return weights[i] > weights[j]
	})
	return order
}
