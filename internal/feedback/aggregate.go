package feedback

import (
	"math"
	"sort"
)

// Aggregator reduces the outputs of every invocation of a feedback function
// over one record into a single score.
type Aggregator func(scores []float64) float64

// Built-in aggregator names.
const (
	AggMean   = "mean"
	AggMin    = "min"
	AggMax    = "max"
	AggSum    = "sum"
	AggMedian = "median"
)

func builtinAggregators() map[string]Aggregator {
	return map[string]Aggregator{
		AggMean:   Mean,
		AggMin:    Min,
		AggMax:    Max,
		AggSum:    Sum,
		AggMedian: Median,
	}
}

// Mean returns the arithmetic mean, or NaN for no scores.
func Mean(scores []float64) float64 {
	if len(scores) == 0 {
		return math.NaN()
	}
	return Sum(scores) / float64(len(scores))
}

// Sum returns the sum of scores.
func Sum(scores []float64) float64 {
	var s float64
	for _, v := range scores {
		s += v
	}
	return s
}

// Min returns the smallest score, or NaN for no scores.
func Min(scores []float64) float64 {
	if len(scores) == 0 {
		return math.NaN()
	}
	m := scores[0]
	for _, v := range scores[1:] {
		m = math.Min(m, v)
	}
	return m
}

// Max returns the largest score, or NaN for no scores.
func Max(scores []float64) float64 {
	if len(scores) == 0 {
		return math.NaN()
	}
	m := scores[0]
	for _, v := range scores[1:] {
		m = math.Max(m, v)
	}
	return m
}

// Median returns the median score, or NaN for no scores.
func Median(scores []float64) float64 {
	if len(scores) == 0 {
		return math.NaN()
	}
	s := append([]float64(nil), scores...)
	sort.Float64s(s)
	mid := len(s) / 2
	if len(s)%2 == 1 {
		return s[mid]
	}
	return (s[mid-1] + s[mid]) / 2
}
