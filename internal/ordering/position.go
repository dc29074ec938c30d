// Package ordering computes fractional positions for ordered collections.
package ordering

import (
	"errors"
	"fmt"
	"math"
)

const (
	// Base is the position assigned to the first item of an empty collection
	// and the spacing used when appending or rebalancing.
	Base = 65536.0
	// MinDelta is the smallest gap two adjacent positions may keep after a split.
	MinDelta = 0.01
)

var (
	// ErrExhausted reports that the gap between two neighbours is too narrow to split;
	// the collection must be rebalanced before retrying.
	ErrExhausted = errors.New("ordering: position space exhausted")
	// ErrUnordered reports neighbour positions that are not strictly ascending or not finite.
	ErrUnordered = errors.New("ordering: neighbours out of order")
)

// PositionBetween returns a position strictly between before and after.
// A nil bound means the new item has no neighbour on that side.
func PositionBetween(before, after *float64) (float64, error) {
	if err := validateBounds(before, after); err != nil {
		return 0, err
	}
	switch {
	case before == nil && after == nil:
		return Base, nil
	case before == nil:
		if *after < 2*MinDelta {
			return 0, fmt.Errorf("%w: head position %g", ErrExhausted, *after)
		}
		return math.Max(*after/2, MinDelta), nil
	case after == nil:
		return *before + Base, nil
	default:
		if *after-*before < 2*MinDelta {
			return 0, fmt.Errorf("%w: gap %g between %g and %g", ErrExhausted, *after-*before, *before, *after)
		}
		return *before + (*after-*before)/2, nil
	}
}

// PositionAtIndex returns the position that places a new item at targetIndex
// within positions, which must be sorted ascending and must not contain the
// item being placed.
func PositionAtIndex(positions []float64, targetIndex int) (float64, error) {
	before, after := Neighbours(positions, targetIndex)
	return PositionBetween(before, after)
}

// Neighbours returns the bounds surrounding targetIndex. Indexes below zero
// clamp to the head and indexes past the end clamp to the tail.
func Neighbours(positions []float64, targetIndex int) (*float64, *float64) {
	if len(positions) == 0 {
		return nil, nil
	}
	if targetIndex <= 0 {
		return nil, &positions[0]
	}
	if targetIndex >= len(positions) {
		return &positions[len(positions)-1], nil
	}
	return &positions[targetIndex-1], &positions[targetIndex]
}

// Rebalance returns count evenly spaced positions Base, 2*Base, ... .
func Rebalance(count int) []float64 {
	if count <= 0 {
		return nil
	}
	positions := make([]float64, count)
	for index := range positions {
		positions[index] = Base * float64(index+1)
	}
	return positions
}

// Spread returns count ascending positions strictly inside the gap between
// before and after, evenly spaced. It reports ErrExhausted when the spacing
// would fall below MinDelta.
func Spread(before, after *float64, count int) ([]float64, error) {
	if count <= 0 {
		return nil, nil
	}
	if err := validateBounds(before, after); err != nil {
		return nil, err
	}
	var low, high float64
	switch {
	case before == nil && after == nil:
		return Rebalance(count), nil
	case before == nil:
		low, high = 0, *after
	case after == nil:
		positions := make([]float64, count)
		for index := range positions {
			positions[index] = *before + Base*float64(index+1)
		}
		return positions, nil
	default:
		low, high = *before, *after
	}
	step := (high - low) / float64(count+1)
	if step < MinDelta {
		return nil, fmt.Errorf("%w: %d items in gap %g", ErrExhausted, count, high-low)
	}
	positions := make([]float64, count)
	for index := range positions {
		positions[index] = low + step*float64(index+1)
	}
	return positions, nil
}

// Jitter returns a position inside the gap between before and after, offset
// away from the midpoint by fraction (taken modulo 1). It is used as a last
// resort when the midpoint keeps colliding with concurrent writers.
func Jitter(before, after *float64, fraction float64) (float64, error) {
	if _, err := PositionBetween(before, after); err != nil {
		return 0, err
	}
	offset := 0.25 + 0.5*math.Mod(math.Abs(fraction), 1)
	var low, high float64
	switch {
	case before == nil && after == nil:
		low, high = 0, 2*Base
	case before == nil:
		low, high = 0, *after
	case after == nil:
		low, high = *before, *before+2*Base
	default:
		low, high = *before, *after
	}
	candidate := low + (high-low)*offset
	if before == nil {
		candidate = math.Max(candidate, MinDelta)
	}
	return candidate, nil
}

func validateBounds(before, after *float64) error {
	for _, bound := range []*float64{before, after} {
		if bound != nil && (math.IsNaN(*bound) || math.IsInf(*bound, 0)) {
			return fmt.Errorf("%w: non-finite bound", ErrUnordered)
		}
	}
	if before != nil && after != nil && *before >= *after {
		return fmt.Errorf("%w: %g >= %g", ErrUnordered, *before, *after)
	}
	return nil
}
