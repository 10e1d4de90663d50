// Package metrics reports descriptive statistics over the reputation
// distribution, adapted from the rawblock/coinjoin-engine teacher's
// clustering metrics (internal/metrics/clustering.go): pure stdlib-math functions operating on
// plain slices, no external numerics library pulled in for a handful of
// summary statistics.
package metrics

import (
	"math"
	"sort"
)

// GiniCoefficient measures reputation concentration across identities.
// 0 = perfectly even distribution, approaching 1 = maximally concentrated
// in a single identity. Supplements the trapezoidal eligibility calculator
// with a single headline number; the API's stats endpoint does not report it.
func GiniCoefficient(reputations map[string]uint64) float64 {
	n := len(reputations)
	if n < 2 {
		return 0.0
	}

	values := make([]float64, 0, n)
	var total float64
	for _, r := range reputations {
		v := float64(r)
		values = append(values, v)
		total += v
	}
	if total == 0 {
		return 0.0
	}
	sort.Float64s(values)

	var weightedSum float64
	for i, v := range values {
		weightedSum += float64(i+1) * v
	}

	nf := float64(n)
	return (2*weightedSum)/(nf*total) - (nf+1)/nf
}

// HerfindahlIndex is the sum of squared reputation shares, a second
// concentration signal less sensitive to the tail than Gini, so a sudden
// whale's share spike is visible even when Gini barely moves.
func HerfindahlIndex(reputations map[string]uint64) float64 {
	var total float64
	for _, r := range reputations {
		total += float64(r)
	}
	if total == 0 {
		return 0.0
	}

	var hhi float64
	for _, r := range reputations {
		share := float64(r) / total
		hhi += share * share
	}
	return hhi
}

// EffectiveParticipants is the inverse Herfindahl index: the number of
// equally-weighted identities that would produce the observed
// concentration. Rounds to the value an operator reads as "roughly N
// identities are doing the work".
func EffectiveParticipants(reputations map[string]uint64) float64 {
	hhi := HerfindahlIndex(reputations)
	if hhi == 0 {
		return 0.0
	}
	return math.Round((1/hhi)*100) / 100
}
