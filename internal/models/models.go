package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// AssetInfo is a single freshness-tagged price observation held for one
// worker. Timestamp is unix seconds as reported by the upstream provider
// (or the receive time when the provider does not report one).
type AssetInfo struct {
	ID        string          `json:"id"`
	Price     decimal.Decimal `json:"price"`
	Timestamp int64           `json:"timestamp"`
}

// AssetStatus classifies an asset lookup against a worker's live state.
type AssetStatus int

const (
	AssetUnsupported AssetStatus = iota
	AssetAvailable
	AssetStale
)

func (s AssetStatus) String() string {
	switch s {
	case AssetAvailable:
		return "available"
	case AssetStale:
		return "stale"
	default:
		return "unsupported"
	}
}

// AssetState is the query-time view of a worker/id pair. Info is only
// meaningful when Status is AssetAvailable or AssetStale.
type AssetState struct {
	Status AssetStatus
	Info   AssetInfo
}

// StateFor applies the staleness policy: an observation older than
// threshold seconds relative to now is stale, everything newer is available.
func StateFor(info AssetInfo, now, thresholdSeconds int64) AssetState {
	if now-info.Timestamp > thresholdSeconds {
		return AssetState{Status: AssetStale, Info: info}
	}
	return AssetState{Status: AssetAvailable, Info: info}
}

// PriceStatus mirrors the RPC status enum.
type PriceStatus int

const (
	PriceUnspecified PriceStatus = iota
	PriceUnsupported
	PriceUnavailable
	PriceAvailable
)

func (s PriceStatus) String() string {
	switch s {
	case PriceUnsupported:
		return "UNSUPPORTED"
	case PriceUnavailable:
		return "UNAVAILABLE"
	case PriceAvailable:
		return "AVAILABLE"
	default:
		return "UNSPECIFIED"
	}
}

// Price is one entry of a GetPrices response. Price carries an implicit
// 10^-9 scale and is only meaningful when Status is PriceAvailable.
type Price struct {
	SignalID string      `json:"signal_id"`
	Price    int64       `json:"price"`
	Status   PriceStatus `json:"-"`
}

// Now returns unix seconds. Hosts pass this into the engine explicitly so
// price computation stays deterministic under test.
func Now() int64 {
	return time.Now().Unix()
}
