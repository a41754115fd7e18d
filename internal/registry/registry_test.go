package registry

import (
	"errors"
	"strings"
	"testing"

	"github.com/shopspring/decimal"
)

const sampleRegistry = `{
  "CS:USDT-USD": {
    "sources": [
      {"source_id": "coingecko", "id": "tether"}
    ],
    "processor": {"function": "median", "params": {"min_source_count": 1}}
  },
  "CS:BTC-USD": {
    "sources": [
      {"source_id": "binance", "id": "btcusdt", "routes": [
        {"signal_id": "CS:USDT-USD", "operation": "*"}
      ]},
      {"source_id": "coingecko", "id": "bitcoin"}
    ],
    "processor": {"function": "median", "params": {"min_source_count": 1}},
    "post_processors": [
      {"function": "tick_convertor", "params": {}}
    ]
  }
}`

func TestParseSample(t *testing.T) {
	reg, err := Parse([]byte(sampleRegistry))
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if len(reg) != 2 {
		t.Fatalf("expected 2 signals, got %d", len(reg))
	}

	btc := reg["CS:BTC-USD"]
	if len(btc.SourceQueries) != 2 {
		t.Fatalf("expected 2 sources, got %d", len(btc.SourceQueries))
	}
	if btc.SourceQueries[0].SourceID != "binance" || btc.SourceQueries[0].QueryID != "btcusdt" {
		t.Errorf("unexpected first source: %+v", btc.SourceQueries[0])
	}
	routes := btc.SourceQueries[0].Routes
	if len(routes) != 1 || routes[0].SignalID != "CS:USDT-USD" || routes[0].Operation != OpMultiply {
		t.Errorf("unexpected routes: %+v", routes)
	}
	if btc.Processor.Function != FunctionMedian || btc.Processor.MinSourceCount != 1 {
		t.Errorf("unexpected processor: %+v", btc.Processor)
	}
	if len(btc.PostProcessors) != 1 || btc.PostProcessors[0].Function != FunctionTickConvertor {
		t.Errorf("unexpected post processors: %+v", btc.PostProcessors)
	}
}

func TestParseRoundTrip(t *testing.T) {
	reg, err := Parse([]byte(sampleRegistry))
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	data, err := reg.Serialize()
	if err != nil {
		t.Fatalf("Serialize failed: %v", err)
	}
	again, err := Parse(data)
	if err != nil {
		t.Fatalf("re-Parse failed: %v", err)
	}
	if len(again) != len(reg) {
		t.Fatalf("round trip changed signal count: %d vs %d", len(again), len(reg))
	}
	a := again["CS:BTC-USD"]
	b := reg["CS:BTC-USD"]
	if a.Processor.Function != b.Processor.Function || a.Processor.MinSourceCount != b.Processor.MinSourceCount {
		t.Errorf("round trip changed processor: %+v vs %+v", a.Processor, b.Processor)
	}
	if len(a.SourceQueries) != len(b.SourceQueries) {
		t.Errorf("round trip changed sources: %+v vs %+v", a.SourceQueries, b.SourceQueries)
	}
}

func TestParseWeightedMedian(t *testing.T) {
	doc := `{
	  "CS:ETH-USD": {
	    "sources": [
	      {"source_id": "a", "id": "x"},
	      {"source_id": "b", "id": "y"}
	    ],
	    "processor": {"function": "weighted_median", "params": {"source_weights": {"a": "1", "b": "3"}}}
	  }
	}`
	reg, err := Parse([]byte(doc))
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	p := reg["CS:ETH-USD"].Processor
	if p.Function != FunctionWeightedMedian {
		t.Fatalf("unexpected function %q", p.Function)
	}
	if !p.SourceWeights["b"].Equal(decimal.NewFromInt(3)) {
		t.Errorf("unexpected weight for b: %s", p.SourceWeights["b"])
	}
}

func TestParseRejects(t *testing.T) {
	cases := []struct {
		name string
		doc  string
	}{
		{"unknown top-level field", `{"CS:BTC-USD": {"sources": [], "processor": {"function": "median", "params": {}}, "extra": 1}}`},
		{"unknown processor function", `{"s": {"sources": [], "processor": {"function": "mean", "params": {}}}}`},
		{"unknown processor param", `{"s": {"sources": [], "processor": {"function": "median", "params": {"bogus": 1}}}}`},
		{"unknown post processor", `{"s": {"sources": [], "processor": {"function": "median", "params": {}}, "post_processors": [{"function": "sqrt", "params": {}}]}}`},
		{"missing source id", `{"s": {"sources": [{"id": "x"}], "processor": {"function": "median", "params": {}}}}`},
		{"missing query id", `{"s": {"sources": [{"source_id": "x"}], "processor": {"function": "median", "params": {}}}}`},
		{"invalid operation", `{"s": {"sources": [{"source_id": "x", "id": "y", "routes": [{"signal_id": "t", "operation": "%"}]}], "processor": {"function": "median", "params": {}}}}`},
		{"not json", `{{`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Parse([]byte(tc.doc))
			if err == nil {
				t.Fatal("expected error, got nil")
			}
			if !errors.Is(err, ErrParse) {
				t.Errorf("expected ErrParse, got %v", err)
			}
		})
	}
}

func TestValidateAcceptsSample(t *testing.T) {
	reg, err := Parse([]byte(sampleRegistry))
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	valid, err := Validate(reg)
	if err != nil {
		t.Fatalf("Validate failed: %v", err)
	}
	if valid.Len() != 2 {
		t.Errorf("expected 2 signals, got %d", valid.Len())
	}
	if !valid.Has("CS:BTC-USD") || valid.Has("CS:NOPE") {
		t.Error("Has gave wrong answers")
	}
	ids := valid.SignalIDs()
	if len(ids) != 2 || ids[0] != "CS:BTC-USD" || ids[1] != "CS:USDT-USD" {
		t.Errorf("unexpected id order: %v", ids)
	}
}

func TestValidateMissingDependency(t *testing.T) {
	reg := Registry{
		"a": {
			SourceQueries: []SourceQuery{{
				SourceID: "s", QueryID: "q",
				Routes: []OperationRoute{{SignalID: "ghost", Operation: OpMultiply}},
			}},
			Processor: Processor{Function: FunctionMedian, MinSourceCount: 1},
		},
	}
	_, err := Validate(reg)
	var dep *DependencyError
	if !errors.As(err, &dep) {
		t.Fatalf("expected DependencyError, got %v", err)
	}
	if dep.SignalID != "a" || dep.Missing != "ghost" {
		t.Errorf("unexpected attribution: %+v", dep)
	}
	if !IsValidationError(err) {
		t.Error("IsValidationError should be true")
	}
}

func TestValidateCycle(t *testing.T) {
	route := func(target string) []SourceQuery {
		return []SourceQuery{{
			SourceID: "s", QueryID: "q",
			Routes: []OperationRoute{{SignalID: target, Operation: OpMultiply}},
		}}
	}
	med := Processor{Function: FunctionMedian, MinSourceCount: 1}
	reg := Registry{
		"a": {SourceQueries: route("b"), Processor: med},
		"b": {SourceQueries: route("c"), Processor: med},
		"c": {SourceQueries: route("a"), Processor: med},
	}
	_, err := Validate(reg)
	var cyc *CycleError
	if !errors.As(err, &cyc) {
		t.Fatalf("expected CycleError, got %v", err)
	}
}

func TestValidateSelfCycle(t *testing.T) {
	reg := Registry{
		"a": {
			SourceQueries: []SourceQuery{{
				SourceID: "s", QueryID: "q",
				Routes: []OperationRoute{{SignalID: "a", Operation: OpAdd}},
			}},
			Processor: Processor{Function: FunctionMedian, MinSourceCount: 1},
		},
	}
	_, err := Validate(reg)
	var cyc *CycleError
	if !errors.As(err, &cyc) {
		t.Fatalf("expected CycleError, got %v", err)
	}
	if cyc.SignalID != "a" {
		t.Errorf("unexpected attribution: %+v", cyc)
	}
}

func TestValidateWeightCoverage(t *testing.T) {
	reg := Registry{
		"a": {
			SourceQueries: []SourceQuery{
				{SourceID: "x", QueryID: "q1"},
				{SourceID: "y", QueryID: "q2"},
			},
			Processor: Processor{
				Function:      FunctionWeightedMedian,
				SourceWeights: map[string]decimal.Decimal{"x": decimal.NewFromInt(1)},
			},
		},
	}
	_, err := Validate(reg)
	var weight *WeightError
	if !errors.As(err, &weight) {
		t.Fatalf("expected WeightError, got %v", err)
	}
	if weight.SourceID != "y" {
		t.Errorf("unexpected source attribution: %+v", weight)
	}
	if !strings.Contains(err.Error(), "a") {
		t.Errorf("error should name the signal: %v", err)
	}
}

func TestValidateEmpty(t *testing.T) {
	valid, err := Validate(nil)
	if err != nil {
		t.Fatalf("Validate(nil) failed: %v", err)
	}
	if valid.Len() != 0 {
		t.Errorf("expected empty registry, got %d", valid.Len())
	}
}
