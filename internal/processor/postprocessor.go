package processor

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"pricehub/internal/registry"
)

var (
	ErrOutOfBound            = errors.New("post process: result out of bound")
	ErrUnknownPostProcessor  = errors.New("post process: unknown function")
	ErrNonPositiveTickSource = errors.New("post process: tick source must be positive")
)

const (
	tickBias = 262144
	tickMin  = 1
	tickMax  = 524287
)

// lnPrecision is the digits-after-point passed to decimal.Ln. shopspring's
// Ln rounds half away from zero at this precision; the same library on both
// sides of a comparison keeps results identical across runs.
const lnPrecision = 32

var (
	tickBiasDec = decimal.NewFromInt(tickBias)
	tickMinDec  = decimal.NewFromInt(tickMin)
	tickMaxDec  = decimal.NewFromInt(tickMax)
	lnTickBase  = mustLn(decimal.RequireFromString("1.0001"))
)

func mustLn(d decimal.Decimal) decimal.Decimal {
	ln, err := d.Ln(lnPrecision)
	if err != nil {
		panic(err)
	}
	return ln
}

// DispatchPost runs a single post-processor over the aggregated value.
func DispatchPost(p registry.PostProcessor, d decimal.Decimal) (decimal.Decimal, error) {
	switch p.Function {
	case registry.FunctionTickConvertor:
		return TickConvert(d)
	default:
		return decimal.Zero, fmt.Errorf("%w: %q", ErrUnknownPostProcessor, p.Function)
	}
}

// TickConvert encodes a price as a tick: ln(d)/ln(1.0001) + 262144.
// Results outside [1, 524287] are rejected.
func TickConvert(d decimal.Decimal) (decimal.Decimal, error) {
	if !d.IsPositive() {
		return decimal.Zero, ErrNonPositiveTickSource
	}
	ln, err := d.Ln(lnPrecision)
	if err != nil {
		return decimal.Zero, fmt.Errorf("post process: %w", err)
	}
	tick := ln.DivRound(lnTickBase, lnPrecision).Add(tickBiasDec)
	if tick.Cmp(tickMinDec) < 0 || tick.Cmp(tickMaxDec) > 0 {
		return decimal.Zero, fmt.Errorf("%w: %s", ErrOutOfBound, tick.String())
	}
	return tick, nil
}
