// Package planner compiles a validated registry and a target signal set
// into an execution plan: the per-source query batches to fetch up front,
// and the topological layers in which signals can be evaluated.
package planner

import (
	"errors"
	"fmt"
	"sort"

	"pricehub/internal/registry"
)

// ErrTaskCreation is returned when the registry restricted to the requested
// closure fails validation. A valid input registry makes this impossible, so
// seeing it indicates a bug in the closure computation.
var ErrTaskCreation = errors.New("planner: reduced registry failed validation")

// Plan is the compiled execution plan for one set of requested signals.
type Plan struct {
	// SourceTasks maps each source id to the union of query ids needed
	// from it, lexicographically sorted.
	SourceTasks map[string][]string

	// SignalLayers is a topological layering of the dependency closure:
	// every route dependency of a signal in layer k resolves in a layer
	// before k. Signals within a layer are sorted lexicographically.
	SignalLayers [][]string
}

// Closure returns the requested ids plus every id transitively reachable
// via route dependencies, sorted. Ids absent from the registry are ignored;
// the caller partitions those out beforehand.
func Closure(reg registry.ValidRegistry, ids []string) []string {
	seen := make(map[string]bool)
	stack := make([]string, 0, len(ids))
	for _, id := range ids {
		if reg.Has(id) && !seen[id] {
			seen[id] = true
			stack = append(stack, id)
		}
	}
	for len(stack) > 0 {
		id := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		sig, _ := reg.Get(id)
		for _, sq := range sig.SourceQueries {
			for _, route := range sq.Routes {
				if !seen[route.SignalID] {
					seen[route.SignalID] = true
					stack = append(stack, route.SignalID)
				}
			}
		}
	}
	out := make([]string, 0, len(seen))
	for id := range seen {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// New compiles the plan for the given signal ids against a valid registry.
func New(reg registry.ValidRegistry, ids []string) (*Plan, error) {
	closure := Closure(reg, ids)

	reduced := registry.Registry{}
	for _, id := range closure {
		sig, _ := reg.Get(id)
		reduced[id] = sig
	}
	if _, err := registry.Validate(reduced); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTaskCreation, err)
	}

	sourceTasks := map[string]map[string]bool{}
	for _, id := range closure {
		sig := reduced[id]
		for _, sq := range sig.SourceQueries {
			if sourceTasks[sq.SourceID] == nil {
				sourceTasks[sq.SourceID] = map[string]bool{}
			}
			sourceTasks[sq.SourceID][sq.QueryID] = true
		}
	}
	tasks := make(map[string][]string, len(sourceTasks))
	for source, queries := range sourceTasks {
		list := make([]string, 0, len(queries))
		for q := range queries {
			list = append(list, q)
		}
		sort.Strings(list)
		tasks[source] = list
	}

	layers, err := layer(reduced, closure)
	if err != nil {
		return nil, err
	}

	return &Plan{SourceTasks: tasks, SignalLayers: layers}, nil
}

// layer performs a Kahn-style topological sort in rounds so that each round
// becomes one layer. Ties inside a layer break lexicographically.
func layer(reduced registry.Registry, closure []string) ([][]string, error) {
	deps := make(map[string]map[string]bool, len(closure))
	for _, id := range closure {
		deps[id] = map[string]bool{}
		for _, sq := range reduced[id].SourceQueries {
			for _, route := range sq.Routes {
				deps[id][route.SignalID] = true
			}
		}
	}

	resolved := make(map[string]bool, len(closure))
	var layers [][]string
	remaining := len(closure)
	for remaining > 0 {
		var ready []string
		for _, id := range closure {
			if resolved[id] {
				continue
			}
			ok := true
			for dep := range deps[id] {
				if !resolved[dep] {
					ok = false
					break
				}
			}
			if ok {
				ready = append(ready, id)
			}
		}
		if len(ready) == 0 {
			// Unreachable on a valid registry; validation rejects cycles.
			return nil, ErrTaskCreation
		}
		sort.Strings(ready)
		for _, id := range ready {
			resolved[id] = true
		}
		layers = append(layers, ready)
		remaining -= len(ready)
	}
	return layers, nil
}
