package planner

import (
	"reflect"
	"testing"

	"pricehub/internal/registry"
)

func mustValidate(t *testing.T, reg registry.Registry) registry.ValidRegistry {
	t.Helper()
	valid, err := registry.Validate(reg)
	if err != nil {
		t.Fatalf("Validate failed: %v", err)
	}
	return valid
}

func median(min int) registry.Processor {
	return registry.Processor{Function: registry.FunctionMedian, MinSourceCount: min}
}

// chainRegistry builds usd <- usdt <- btc: btc routes through usdt, usdt
// routes through usd.
func chainRegistry(t *testing.T) registry.ValidRegistry {
	t.Helper()
	return mustValidate(t, registry.Registry{
		"CS:USD": {
			SourceQueries: []registry.SourceQuery{
				{SourceID: "coingecko", QueryID: "usd-coin"},
			},
			Processor: median(1),
		},
		"CS:USDT-USD": {
			SourceQueries: []registry.SourceQuery{
				{SourceID: "coingecko", QueryID: "tether", Routes: []registry.OperationRoute{
					{SignalID: "CS:USD", Operation: registry.OpMultiply},
				}},
			},
			Processor: median(1),
		},
		"CS:BTC-USD": {
			SourceQueries: []registry.SourceQuery{
				{SourceID: "binance", QueryID: "btcusdt", Routes: []registry.OperationRoute{
					{SignalID: "CS:USDT-USD", Operation: registry.OpMultiply},
				}},
				{SourceID: "coingecko", QueryID: "bitcoin"},
			},
			Processor: median(1),
		},
	})
}

func TestClosure(t *testing.T) {
	reg := chainRegistry(t)

	got := Closure(reg, []string{"CS:BTC-USD"})
	want := []string{"CS:BTC-USD", "CS:USD", "CS:USDT-USD"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("closure = %v, want %v", got, want)
	}

	got = Closure(reg, []string{"CS:USD"})
	if !reflect.DeepEqual(got, []string{"CS:USD"}) {
		t.Errorf("closure of leaf = %v", got)
	}
}

func TestClosureIgnoresUnknownIDs(t *testing.T) {
	reg := chainRegistry(t)
	got := Closure(reg, []string{"CS:NOPE", "CS:USD"})
	if !reflect.DeepEqual(got, []string{"CS:USD"}) {
		t.Errorf("closure = %v, want only CS:USD", got)
	}
}

func TestPlanSourceTasks(t *testing.T) {
	reg := chainRegistry(t)
	plan, err := New(reg, []string{"CS:BTC-USD"})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	want := map[string][]string{
		"binance":   {"btcusdt"},
		"coingecko": {"bitcoin", "tether", "usd-coin"},
	}
	if !reflect.DeepEqual(plan.SourceTasks, want) {
		t.Errorf("source tasks = %v, want %v", plan.SourceTasks, want)
	}
}

func TestPlanLayers(t *testing.T) {
	reg := chainRegistry(t)
	plan, err := New(reg, []string{"CS:BTC-USD"})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	want := [][]string{
		{"CS:USD"},
		{"CS:USDT-USD"},
		{"CS:BTC-USD"},
	}
	if !reflect.DeepEqual(plan.SignalLayers, want) {
		t.Errorf("layers = %v, want %v", plan.SignalLayers, want)
	}
}

func TestPlanLayerInvariant(t *testing.T) {
	reg := chainRegistry(t)
	plan, err := New(reg, []string{"CS:BTC-USD", "CS:USDT-USD"})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	position := map[string]int{}
	for i, layer := range plan.SignalLayers {
		for _, id := range layer {
			position[id] = i
		}
	}
	for _, layer := range plan.SignalLayers {
		for _, id := range layer {
			sig, _ := reg.Get(id)
			for _, sq := range sig.SourceQueries {
				for _, route := range sq.Routes {
					if position[route.SignalID] >= position[id] {
						t.Errorf("dependency %s of %s not in an earlier layer", route.SignalID, id)
					}
				}
			}
		}
	}
}

func TestPlanDeterministic(t *testing.T) {
	reg := chainRegistry(t)
	first, err := New(reg, []string{"CS:BTC-USD", "CS:USD"})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	for i := 0; i < 20; i++ {
		again, err := New(reg, []string{"CS:BTC-USD", "CS:USD"})
		if err != nil {
			t.Fatalf("New failed: %v", err)
		}
		if !reflect.DeepEqual(first, again) {
			t.Fatalf("plan differs across runs: %v vs %v", first, again)
		}
	}
}

func TestPlanIndependentSignalsShareLayer(t *testing.T) {
	reg := mustValidate(t, registry.Registry{
		"b": {SourceQueries: []registry.SourceQuery{{SourceID: "s", QueryID: "q1"}}, Processor: median(1)},
		"a": {SourceQueries: []registry.SourceQuery{{SourceID: "s", QueryID: "q2"}}, Processor: median(1)},
	})
	plan, err := New(reg, []string{"a", "b"})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	want := [][]string{{"a", "b"}}
	if !reflect.DeepEqual(plan.SignalLayers, want) {
		t.Errorf("layers = %v, want %v", plan.SignalLayers, want)
	}
}

func TestPlanEmptyRequest(t *testing.T) {
	reg := chainRegistry(t)
	plan, err := New(reg, nil)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if len(plan.SourceTasks) != 0 || len(plan.SignalLayers) != 0 {
		t.Errorf("empty request produced work: %+v", plan)
	}
}
