// Package stats computes per-round summary statistics from a set of votes.
package stats

import (
	"math"
	"sort"
	"strconv"

	"github.com/pokerplan/backend/internal/models"
)

// outlierThreshold is the fraction of the average a numeric vote may deviate by.
const outlierThreshold = 0.5

// Calculate summarises votes. The result does not depend on the order of votes
// and an empty input yields the zero shape with an empty distribution.
func Calculate(votes []models.Vote) models.VotingResults {
	results := models.VotingResults{Distribution: make(map[string]int, len(votes))}
	if len(votes) == 0 {
		return results
	}

	values := make([]string, 0, len(votes))
	numeric := make([]float64, 0, len(votes))
	for _, v := range votes {
		results.Distribution[v.Value]++
		values = append(values, v.Value)
		if n, ok := models.Card(v.Value).Numeric(); ok {
			numeric = append(numeric, n)
		}
	}
	results.Mode = Mode(values)

	if len(numeric) == 0 {
		return results
	}
	sort.Float64s(numeric)

	results.Average = Average(numeric)
	results.Median = Median(numeric)
	results.Min = numeric[0]
	results.Max = numeric[len(numeric)-1]
	if HasConsensus(votes) {
		c := firstNumeric(votes)
		results.Consensus = &c
	}
	return results
}

// Average returns the arithmetic mean, or 0 for no values.
func Average(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	var sum float64
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}

// Median returns the middle of sorted values, averaging the two middle
// elements for an even count. It returns 0 for no values.
func Median(sorted []float64) float64 {
	n := len(sorted)
	if n == 0 {
		return 0
	}
	mid := n / 2
	if n%2 == 1 {
		return sorted[mid]
	}
	return (sorted[mid-1] + sorted[mid]) / 2
}

// Mode returns the most frequent value, or nil when no value occurs more than
// once. Equal frequencies go to the value that sits lowest on the scale.
func Mode(values []string) *string {
	freq := make(map[string]int, len(values))
	for _, v := range values {
		freq[v]++
	}

	var (
		best  string
		count int
	)
	for v, n := range freq {
		if n > count || (n == count && scaleLess(v, best)) {
			best, count = v, n
		}
	}
	if count <= 1 {
		return nil
	}
	return &best
}

// HasConsensus reports whether at least two numeric votes exist and all of
// them carry the same value. Special markers are ignored.
func HasConsensus(votes []models.Vote) bool {
	var (
		first string
		n     int
	)
	for _, v := range votes {
		if _, ok := models.Card(v.Value).Numeric(); !ok {
			continue
		}
		if n == 0 {
			first = v.Value
		} else if v.Value != first {
			return false
		}
		n++
	}
	return n >= 2
}

// IsOutlier reports whether value deviates from average by more than half of
// the average. Special markers are never outliers.
func IsOutlier(value string, average float64) bool {
	n, ok := models.Card(value).Numeric()
	if !ok {
		return false
	}
	return math.Abs(n-average) > average*outlierThreshold
}

// Recommend suggests the value the team should settle on: the mode when there
// is one, otherwise the rounded average.
func Recommend(results models.VotingResults) string {
	if results.Mode != nil {
		return *results.Mode
	}
	return strconv.Itoa(int(math.Round(results.Average)))
}

func firstNumeric(votes []models.Vote) string {
	for _, v := range votes {
		if _, ok := models.Card(v.Value).Numeric(); ok {
			return v.Value
		}
	}
	return ""
}

// scaleLess orders values by scale position; off-scale values sort after the
// scale, lexically among themselves.
func scaleLess(a, b string) bool {
	pa, pb := models.ScalePosition(a), models.ScalePosition(b)
	switch {
	case pa >= 0 && pb >= 0:
		return pa < pb
	case pa >= 0:
		return true
	case pb >= 0:
		return false
	}
	return a < b
}
