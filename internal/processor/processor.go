// Package processor holds the pure aggregation functions applied to
// per-source adjusted prices, and the post-processors folded over the
// aggregate. Everything here is deterministic and never suspends.
package processor

import (
	"errors"
	"fmt"
	"sort"

	"github.com/shopspring/decimal"

	"pricehub/internal/registry"
)

var (
	ErrInvalidParameter = errors.New("process: invalid parameter")
	ErrNotEnoughSources = errors.New("process: not enough sources")
	ErrNoSources        = errors.New("process: no sources")
	ErrUnknownFunction  = errors.New("process: unknown function")
)

// SourceValue is one route-adjusted contribution entering a processor.
type SourceValue struct {
	SourceID string
	Value    decimal.Decimal
}

var two = decimal.NewFromInt(2)

// Dispatch runs the processor described by the registry entry.
func Dispatch(p registry.Processor, inputs []SourceValue) (decimal.Decimal, error) {
	switch p.Function {
	case registry.FunctionMedian:
		values := make([]decimal.Decimal, len(inputs))
		for i, in := range inputs {
			values[i] = in.Value
		}
		return Median(values, p.MinSourceCount)
	case registry.FunctionWeightedMedian:
		return WeightedMedian(inputs, p.SourceWeights)
	default:
		return decimal.Zero, fmt.Errorf("%w: %q", ErrUnknownFunction, p.Function)
	}
}

// Median returns the middle value of the inputs, or the exact mean of the
// two middle values on even length. A minimum source count of zero is
// always an error, as is an input shorter than the minimum.
func Median(values []decimal.Decimal, minSourceCount int) (decimal.Decimal, error) {
	if minSourceCount <= 0 {
		return decimal.Zero, fmt.Errorf("%w: min_source_count must be positive", ErrInvalidParameter)
	}
	if len(values) < minSourceCount {
		return decimal.Zero, fmt.Errorf("%w: have %d, need %d", ErrNotEnoughSources, len(values), minSourceCount)
	}
	sorted := make([]decimal.Decimal, len(values))
	copy(sorted, values)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Cmp(sorted[j]) < 0
	})
	mid := len(sorted) / 2
	if len(sorted)%2 == 1 {
		return sorted[mid], nil
	}
	// Dividing by two adds at most one decimal digit, so 28 digits keeps
	// the mean exact for any price this system carries.
	return sorted[mid-1].Add(sorted[mid]).DivRound(two, 28), nil
}

// WeightedMedian sorts the contributions by value and returns the first
// value whose cumulative weight reaches half the total. Values tie-break by
// source id so the result is deterministic.
func WeightedMedian(inputs []SourceValue, weights map[string]decimal.Decimal) (decimal.Decimal, error) {
	weighted := make([]SourceValue, 0, len(inputs))
	for _, in := range inputs {
		if _, ok := weights[in.SourceID]; ok {
			weighted = append(weighted, in)
		}
	}
	if len(weighted) == 0 {
		return decimal.Zero, ErrNoSources
	}
	sort.SliceStable(weighted, func(i, j int) bool {
		if c := weighted[i].Value.Cmp(weighted[j].Value); c != 0 {
			return c < 0
		}
		return weighted[i].SourceID < weighted[j].SourceID
	})

	total := decimal.Zero
	for _, in := range weighted {
		total = total.Add(weights[in.SourceID])
	}

	// cum >= total/2 compared as 2*cum >= total to stay exact.
	cum := decimal.Zero
	for _, in := range weighted {
		cum = cum.Add(weights[in.SourceID])
		if cum.Mul(two).Cmp(total) >= 0 {
			return in.Value, nil
		}
	}
	return weighted[len(weighted)-1].Value, nil
}
