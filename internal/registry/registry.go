package registry

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/shopspring/decimal"
)

// Operation is one arithmetic step of a route.
type Operation string

const (
	OpAdd      Operation = "+"
	OpSubtract Operation = "-"
	OpMultiply Operation = "*"
	OpDivide   Operation = "/"
)

func (op Operation) valid() bool {
	switch op {
	case OpAdd, OpSubtract, OpMultiply, OpDivide:
		return true
	}
	return false
}

// OperationRoute adjusts a raw source price using another signal's value.
// Routes are applied in order as a left fold over the raw price.
type OperationRoute struct {
	SignalID  string    `json:"signal_id"`
	Operation Operation `json:"operation"`
}

// SourceQuery names one upstream query feeding a signal: the source (worker)
// id, the source-native query id, and the routes applied to the raw value.
type SourceQuery struct {
	SourceID string           `json:"source_id"`
	QueryID  string           `json:"id"`
	Routes   []OperationRoute `json:"routes,omitempty"`
}

// Processor function names as they appear on the wire.
const (
	FunctionMedian         = "median"
	FunctionWeightedMedian = "weighted_median"
	FunctionTickConvertor  = "tick_convertor"
)

// Processor is the aggregation step of a signal. Exactly one of the params
// sets is meaningful depending on Function.
type Processor struct {
	Function       string
	MinSourceCount int
	SourceWeights  map[string]decimal.Decimal
}

type medianParams struct {
	MinSourceCount int `json:"min_source_count"`
}

type weightedMedianParams struct {
	SourceWeights map[string]decimal.Decimal `json:"source_weights"`
}

type processorWire struct {
	Function string          `json:"function"`
	Params   json.RawMessage `json:"params"`
}

func (p *Processor) UnmarshalJSON(data []byte) error {
	var wire processorWire
	if err := strictUnmarshal(data, &wire); err != nil {
		return err
	}
	switch wire.Function {
	case FunctionMedian:
		var params medianParams
		if err := strictUnmarshal(wire.Params, &params); err != nil {
			return fmt.Errorf("median params: %w", err)
		}
		*p = Processor{Function: FunctionMedian, MinSourceCount: params.MinSourceCount}
	case FunctionWeightedMedian:
		var params weightedMedianParams
		if err := strictUnmarshal(wire.Params, &params); err != nil {
			return fmt.Errorf("weighted_median params: %w", err)
		}
		*p = Processor{Function: FunctionWeightedMedian, SourceWeights: params.SourceWeights}
	default:
		return fmt.Errorf("unknown processor function %q", wire.Function)
	}
	return nil
}

func (p Processor) MarshalJSON() ([]byte, error) {
	var params interface{}
	switch p.Function {
	case FunctionMedian:
		params = medianParams{MinSourceCount: p.MinSourceCount}
	case FunctionWeightedMedian:
		params = weightedMedianParams{SourceWeights: p.SourceWeights}
	default:
		return nil, fmt.Errorf("unknown processor function %q", p.Function)
	}
	raw, err := json.Marshal(params)
	if err != nil {
		return nil, err
	}
	return json.Marshal(processorWire{Function: p.Function, Params: raw})
}

// PostProcessor is a deterministic transform folded over the processor
// output. The only function today is the tick convertor, which takes no
// params; the wire shape keeps an empty params object for forward
// compatibility.
type PostProcessor struct {
	Function string
}

type postProcessorWire struct {
	Function string          `json:"function"`
	Params   json.RawMessage `json:"params"`
}

func (p *PostProcessor) UnmarshalJSON(data []byte) error {
	var wire postProcessorWire
	if err := strictUnmarshal(data, &wire); err != nil {
		return err
	}
	if wire.Function != FunctionTickConvertor {
		return fmt.Errorf("unknown post processor function %q", wire.Function)
	}
	*p = PostProcessor{Function: wire.Function}
	return nil
}

func (p PostProcessor) MarshalJSON() ([]byte, error) {
	return json.Marshal(postProcessorWire{Function: p.Function, Params: json.RawMessage(`{}`)})
}

// Signal describes how one output id is assembled from upstream sources.
type Signal struct {
	SourceQueries  []SourceQuery   `json:"sources"`
	Processor      Processor       `json:"processor"`
	PostProcessors []PostProcessor `json:"post_processors,omitempty"`
}

// Registry is the parsed but not yet validated signal map. Only a
// ValidRegistry (see validate.go) may be handed to the planner or engine.
type Registry map[string]Signal

// ErrParse wraps every decode failure in Parse so callers can tell a
// malformed document apart from storage or transport failures.
var ErrParse = errors.New("parse registry")

// Parse decodes the registry wire format. Unknown fields anywhere in the
// document are rejected.
func Parse(data []byte) (Registry, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	var reg Registry
	if err := dec.Decode(&reg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrParse, err)
	}
	for id, sig := range reg {
		for _, sq := range sig.SourceQueries {
			if sq.SourceID == "" || sq.QueryID == "" {
				return nil, fmt.Errorf("%w: signal %q has a source query without source_id or id", ErrParse, id)
			}
			for _, route := range sq.Routes {
				if !route.Operation.valid() {
					return nil, fmt.Errorf("%w: signal %q has invalid operation %q", ErrParse, id, route.Operation)
				}
			}
		}
	}
	return reg, nil
}

// Serialize writes the canonical JSON form, suitable for persistence and
// round-tripping through Parse.
func (r Registry) Serialize() ([]byte, error) {
	return json.Marshal(r)
}

// SignalIDs returns the registry's ids in lexicographic order.
func (r Registry) SignalIDs() []string {
	ids := make([]string, 0, len(r))
	for id := range r {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func strictUnmarshal(data []byte, v interface{}) error {
	if len(data) == 0 {
		data = []byte(`{}`)
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}
