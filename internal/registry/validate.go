package registry

import (
	"errors"
	"fmt"
)

// IsValidationError reports whether err is one of the structural
// validation failures: a cycle, a missing dependency, or a missing weight.
func IsValidationError(err error) bool {
	var cycle *CycleError
	var dep *DependencyError
	var weight *WeightError
	return errors.As(err, &cycle) || errors.As(err, &dep) || errors.As(err, &weight)
}

// CycleError reports a signal that transitively routes through itself.
type CycleError struct {
	SignalID string
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("registry: cycle detected at signal %q", e.SignalID)
}

// DependencyError reports a route pointing at a signal id that does not
// exist in the registry.
type DependencyError struct {
	SignalID string
	Missing  string
}

func (e *DependencyError) Error() string {
	return fmt.Sprintf("registry: signal %q routes to unknown signal %q", e.SignalID, e.Missing)
}

// WeightError reports a weighted-median signal whose source has no weight.
type WeightError struct {
	SignalID string
	SourceID string
}

func (e *WeightError) Error() string {
	return fmt.Sprintf("registry: weighted median signal %q missing weight for source %q", e.SignalID, e.SourceID)
}

// ValidRegistry wraps a registry that passed Validate. It is the only
// registry form accepted by the planner and the price engine.
type ValidRegistry struct {
	reg Registry
}

// Empty returns a valid registry with no signals.
func Empty() ValidRegistry {
	return ValidRegistry{reg: Registry{}}
}

func (v ValidRegistry) Get(id string) (Signal, bool) {
	sig, ok := v.reg[id]
	return sig, ok
}

func (v ValidRegistry) Has(id string) bool {
	_, ok := v.reg[id]
	return ok
}

func (v ValidRegistry) Len() int {
	return len(v.reg)
}

func (v ValidRegistry) SignalIDs() []string {
	return v.reg.SignalIDs()
}

// Inner exposes the underlying map for serialization. Mutating it would
// break the validation witness, so callers must treat it as read-only.
func (v ValidRegistry) Inner() Registry {
	return v.reg
}

const (
	markUnseen = iota
	markInProgress
	markComplete
)

// Validate checks route targets, cycles, and weighted-median weight
// coverage. It either returns a usable ValidRegistry or a typed error.
func Validate(reg Registry) (ValidRegistry, error) {
	if reg == nil {
		reg = Registry{}
	}

	marks := make(map[string]int, len(reg))
	var visit func(id string) error
	visit = func(id string) error {
		switch marks[id] {
		case markComplete:
			return nil
		case markInProgress:
			return &CycleError{SignalID: id}
		}
		marks[id] = markInProgress
		sig := reg[id]
		for _, sq := range sig.SourceQueries {
			for _, route := range sq.Routes {
				if _, ok := reg[route.SignalID]; !ok {
					return &DependencyError{SignalID: id, Missing: route.SignalID}
				}
				if err := visit(route.SignalID); err != nil {
					return err
				}
			}
		}
		marks[id] = markComplete
		return nil
	}

	// Deterministic traversal order keeps error attribution stable.
	for _, id := range reg.SignalIDs() {
		if err := visit(id); err != nil {
			return ValidRegistry{}, err
		}
	}

	for _, id := range reg.SignalIDs() {
		sig := reg[id]
		if sig.Processor.Function != FunctionWeightedMedian {
			continue
		}
		for _, sq := range sig.SourceQueries {
			if _, ok := sig.Processor.SourceWeights[sq.SourceID]; !ok {
				return ValidRegistry{}, &WeightError{SignalID: id, SourceID: sq.SourceID}
			}
		}
	}

	return ValidRegistry{reg: reg}, nil
}
