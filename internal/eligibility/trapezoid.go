// Package eligibility computes per-identity block-proposal eligibility from
// a reputation snapshot using the trapezoidal distribution described in
// witnet-explorer-backend's TRS.trapezoidal_eligibility/calculate_eligibilities.
// It is a pure function of the identity map: no state, no I/O.
package eligibility

import (
	"math"
	"sort"
)

// Result is the outcome of Calculate: a normalised eligibility fraction per
// identity plus the total reputation the fractions were derived from.
type Result struct {
	Eligibility map[string]float64
	Total       uint64
}

// Calculate produces eligibility fractions in [0,1] summing to ~1 across all
// identities (spec §4.2). Ranking is by reputation descending; ties are
// broken by identity ascending — the original dictionary-insertion-order
// tie-break was flagged in spec §9 as memory-layout-dependent and in need
// of normalisation, so this implementation fixes a deterministic total
// order instead.
func Calculate(identities map[string]uint64) Result {
	n := len(identities)
	if n == 0 {
		return Result{Eligibility: map[string]float64{}, Total: 0}
	}

	type ranked struct {
		id  string
		rep uint64
	}
	ranks := make([]ranked, 0, n)
	var total uint64
	for id, rep := range identities {
		ranks = append(ranks, ranked{id, rep})
		total += rep
	}
	sort.Slice(ranks, func(i, j int) bool {
		if ranks[i].rep != ranks[j].rep {
			return ranks[i].rep > ranks[j].rep
		}
		return ranks[i].id < ranks[j].id
	})

	triangle, triangleTotal := trapezoidTriangle(total, n, ranks[n-1].rep)

	remaining := total - triangleTotal
	offset := remaining / uint64(n)
	rem := remaining % uint64(n)

	eligibility := make(map[string]float64, n)
	for i, r := range ranks {
		weight := triangle[i] + offset
		if uint64(i) < rem {
			weight++
		}
		eligibility[r.id] = float64(weight+1) / float64(total+uint64(n))
	}

	return Result{Eligibility: eligibility, Total: total}
}

// trapezoidTriangle computes the upper-triangle values of the trapezoid:
// a linearly decreasing sequence of length n starting at intercept k and
// reaching (approximately) zero at rank n-1, low-saturated at zero (spec
// §4.2, "magic_line" in the original).
func trapezoidTriangle(totalRep uint64, n int, minRep uint64) ([]uint64, uint64) {
	if n == 1 {
		// k = 1.5*(S - r_min) collapses to 0 when r_min == S (the only
		// identity), matching spec §4.2's N=1 edge case exactly.
		k := 1.5 * (float64(totalRep) - float64(minRep))
		v := magicLine(0, 0, k)
		return []uint64{v}, v
	}

	average := float64(totalRep) / float64(n)
	k := 1.5 * (average - float64(minRep))
	m := -k / float64(n-1)

	triangle := make([]uint64, n)
	var total uint64
	for i := 0; i < n; i++ {
		v := magicLine(float64(i), m, k)
		triangle[i] = v
		total += v
	}
	return triangle, total
}

// magicLine evaluates y = mx + k, rounds to the nearest integer, and
// saturates at zero.
func magicLine(x, m, k float64) uint64 {
	res := m*x + k
	if res < 0 {
		return 0
	}
	return uint64(math.Round(res))
}
