// SPDX-License-Identifier: Apache-2.0

package cluster

// Similarity compares two token sequences with a unit-cost edit
// distance (substitution free for identical tokens), normalized by
// the longer sequence. The result is in [0,1]; identical sequences
// score 1 and the measure is symmetric.
func Similarity(a, b []Token) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 1
	}
	longer := len(a)
	if len(b) > longer {
		longer = len(b)
	}
	if longer == 0 {
		return 1
	}
	dist := editDistance(a, b)
	return 1 - float64(dist)/float64(longer)
}

func editDistance(a, b []Token) int {
	// Single-row dynamic program; sequences are short (one session).
	prev := make([]int, len(b)+1)
	cur := make([]int, len(b)+1)
	for j := range prev {
		prev[j] = j
	}

	for i := 1; i <= len(a); i++ {
		cur[0] = i
		for j := 1; j <= len(b); j++ {
			subCost := 1
			if a[i-1].Equal(b[j-1]) {
				subCost = 0
			}
			cur[j] = min3(
				prev[j]+1,         // deletion
				cur[j-1]+1,        // insertion
				prev[j-1]+subCost, // substitution
			)
		}
		prev, cur = cur, prev
	}
	return prev[len(b)]
}

func min3(a, b, c int) int {
	m := a
	if b < m {
		m = b
	}
	if c < m {
		m = c
	}
	return m
}
