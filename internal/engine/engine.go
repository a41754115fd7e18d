// Package engine executes a compiled task plan against the store for one
// price query. It is pure in (ids, registry, store snapshot, now,
// threshold): identical inputs produce identical outputs.
package engine

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"

	"pricehub/internal/metrics"
	"pricehub/internal/models"
	"pricehub/internal/monitoring"
	"pricehub/internal/planner"
	"pricehub/internal/processor"
	"pricehub/internal/registry"
	"pricehub/internal/store"
)

// divPrecision is the digits-after-point used for route division and the
// even-median mean. 28 significant digits covers every price this system
// carries.
const divPrecision = 28

var scale9 = decimal.New(1, 9)

type sourceKey struct {
	source string
	query  string
}

type fetched struct {
	info  models.AssetInfo
	ok    bool
	stale bool
}

type cached struct {
	status models.PriceStatus
	value  decimal.Decimal
	out    int64
}

// GetPrices evaluates the requested signal ids and returns one Price per
// id, aligned 1:1, plus the per-signal computation records. Per-id failures
// are encoded in the statuses; only a store failure or an expired context
// fails the whole call.
func GetPrices(ctx context.Context, ids []string, reg registry.ValidRegistry, st store.Store, now, staleThreshold int64) ([]models.Price, []monitoring.SignalRecord, error) {
	supported := make([]string, 0, len(ids))
	for _, id := range ids {
		if reg.Has(id) {
			supported = append(supported, id)
		}
	}

	plan, err := planner.New(reg, supported)
	if err != nil {
		return nil, nil, fmt.Errorf("engine: %w", err)
	}

	raw, err := fetchSources(ctx, st, plan, now, staleThreshold)
	if err != nil {
		return nil, nil, err
	}

	cache := make(map[string]cached, len(supported))
	records := make([]monitoring.SignalRecord, 0, len(supported))
	for _, layer := range plan.SignalLayers {
		if err := ctx.Err(); err != nil {
			return nil, nil, fmt.Errorf("engine: %w", err)
		}
		for _, id := range layer {
			sig, _ := reg.Get(id)
			entry, rec := evaluate(id, sig, raw, cache)
			cache[id] = entry
			records = append(records, rec)
			metrics.SignalsComputed.WithLabelValues(entry.status.String()).Inc()
		}
	}

	out := make([]models.Price, len(ids))
	for i, id := range ids {
		entry, ok := cache[id]
		if !ok {
			out[i] = models.Price{SignalID: id, Status: models.PriceUnsupported}
			metrics.SignalsComputed.WithLabelValues(models.PriceUnsupported.String()).Inc()
			continue
		}
		out[i] = models.Price{SignalID: id, Price: entry.out, Status: entry.status}
	}
	return out, records, nil
}

// fetchSources pulls every upstream observation the plan needs and applies
// the staleness gate: stale entries stay visible for the records but are
// absent for evaluation.
func fetchSources(ctx context.Context, st store.Store, plan *planner.Plan, now, staleThreshold int64) (map[sourceKey]fetched, error) {
	raw := make(map[sourceKey]fetched)
	for source, queries := range plan.SourceTasks {
		for _, q := range queries {
			if err := ctx.Err(); err != nil {
				return nil, fmt.Errorf("engine: %w", err)
			}
			info, ok, err := st.GetAsset(ctx, source, q)
			if err != nil {
				return nil, fmt.Errorf("engine: %w", err)
			}
			f := fetched{info: info, ok: ok}
			if ok {
				f.stale = models.StateFor(info, now, staleThreshold).Status == models.AssetStale
			}
			raw[sourceKey{source, q}] = f
		}
	}
	return raw, nil
}

func evaluate(id string, sig registry.Signal, raw map[sourceKey]fetched, cache map[string]cached) (cached, monitoring.SignalRecord) {
	rec := monitoring.SignalRecord{SignalID: id}

	inputs := make([]processor.SourceValue, 0, len(sig.SourceQueries))
	for _, sq := range sig.SourceQueries {
		f := raw[sourceKey{sq.SourceID, sq.QueryID}]
		snap := monitoring.SourceSnapshot{SourceID: sq.SourceID, QueryID: sq.QueryID}
		res := monitoring.SourceResult{SourceID: sq.SourceID, QueryID: sq.QueryID}

		switch {
		case !f.ok:
			snap.Missing = true
			res.Dropped = "no data"
		case f.stale:
			snap.Price = f.info.Price.String()
			snap.Timestamp = f.info.Timestamp
			snap.Stale = true
			res.Dropped = "stale"
		default:
			snap.Price = f.info.Price.String()
			snap.Timestamp = f.info.Timestamp
			value, steps, reason := applyRoutes(f.info.Price, sq.Routes, cache)
			res.Routes = steps
			if reason != "" {
				res.Dropped = reason
			} else {
				res.Adjusted = value.String()
				inputs = append(inputs, processor.SourceValue{SourceID: sq.SourceID, Value: value})
			}
		}
		rec.Snapshots = append(rec.Snapshots, snap)
		rec.Sources = append(rec.Sources, res)
	}

	result, err := processor.Dispatch(sig.Processor, inputs)
	if err != nil {
		rec.ProcessorError = err.Error()
		rec.Status = models.PriceUnavailable.String()
		return cached{status: models.PriceUnavailable}, rec
	}
	rec.ProcessorResult = result.String()

	for _, pp := range sig.PostProcessors {
		result, err = processor.DispatchPost(pp, result)
		if err != nil {
			rec.PostProcessorError = err.Error()
			rec.Status = models.PriceUnavailable.String()
			return cached{status: models.PriceUnavailable}, rec
		}
		rec.PostProcessorResults = append(rec.PostProcessorResults, result.String())
	}

	// Fixed-point conversion: x10^9, truncated toward zero, must fit int64.
	scaled := result.Mul(scale9).Truncate(0)
	big := scaled.BigInt()
	if !big.IsInt64() {
		rec.Status = models.PriceUnavailable.String()
		return cached{status: models.PriceUnavailable}, rec
	}
	out := big.Int64()
	rec.Price = out
	rec.Status = models.PriceAvailable.String()
	return cached{status: models.PriceAvailable, value: result, out: out}, rec
}

// applyRoutes left-folds the routes over the raw price. Every referenced
// signal must already be available in the cache; a missing or unavailable
// reference, or a division by zero, drops the contribution.
func applyRoutes(price decimal.Decimal, routes []registry.OperationRoute, cache map[string]cached) (decimal.Decimal, []monitoring.RouteStep, string) {
	value := price
	steps := make([]monitoring.RouteStep, 0, len(routes))
	for _, route := range routes {
		ref, ok := cache[route.SignalID]
		if !ok || ref.status != models.PriceAvailable {
			return decimal.Zero, steps, fmt.Sprintf("route signal %s not available", route.SignalID)
		}
		switch route.Operation {
		case registry.OpAdd:
			value = value.Add(ref.value)
		case registry.OpSubtract:
			value = value.Sub(ref.value)
		case registry.OpMultiply:
			value = value.Mul(ref.value)
		case registry.OpDivide:
			if ref.value.IsZero() {
				return decimal.Zero, steps, fmt.Sprintf("route signal %s divides by zero", route.SignalID)
			}
			value = value.DivRound(ref.value, divPrecision)
		default:
			return decimal.Zero, steps, fmt.Sprintf("unknown operation %q", route.Operation)
		}
		steps = append(steps, monitoring.RouteStep{
			SignalID:  route.SignalID,
			Operation: string(route.Operation),
			Value:     value.String(),
		})
	}
	return value, steps, ""
}
