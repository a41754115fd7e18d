package worker

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync/atomic"

	"github.com/shopspring/decimal"

	"pricehub/internal/models"
	"pricehub/internal/store"
)

// DefaultBinanceURL is the combined-stream endpoint; individual streams are
// attached via SUBSCRIBE frames.
const DefaultBinanceURL = "wss://stream.binance.com:9443/stream"

// binanceAdapter speaks the Binance combined websocket stream. Query ids
// are lowercase symbols (e.g. "btcusdt"); each id maps to its miniTicker
// stream.
type binanceAdapter struct {
	nextID atomic.Int64
}

// NewBinanceWorker builds the binance streaming worker.
func NewBinanceWorker(opts StreamOpts, st store.Store) (*StreamWorker, error) {
	if opts.URL == "" {
		opts.URL = DefaultBinanceURL
	}
	return NewStream("binance", opts, &binanceAdapter{}, st)
}

type binanceRequest struct {
	Method string   `json:"method"`
	Params []string `json:"params"`
	ID     int64    `json:"id"`
}

func (b *binanceAdapter) frames(method string, ids []string) ([][]byte, error) {
	params := make([]string, len(ids))
	for i, id := range ids {
		params[i] = strings.ToLower(id) + "@miniTicker"
	}
	msg, err := json.Marshal(binanceRequest{Method: method, Params: params, ID: b.nextID.Add(1)})
	if err != nil {
		return nil, err
	}
	return [][]byte{msg}, nil
}

func (b *binanceAdapter) SubscribeMessages(ids []string) ([][]byte, error) {
	return b.frames("SUBSCRIBE", ids)
}

func (b *binanceAdapter) UnsubscribeMessages(ids []string) ([][]byte, error) {
	return b.frames("UNSUBSCRIBE", ids)
}

type binanceEnvelope struct {
	Stream string          `json:"stream"`
	Data   json.RawMessage `json:"data"`
	Result json.RawMessage `json:"result"`
	Error  *binanceError   `json:"error"`
	ID     *int64          `json:"id"`
}

type binanceError struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
}

type binanceMiniTicker struct {
	EventType string `json:"e"`
	EventTime int64  `json:"E"` // milliseconds
	Symbol    string `json:"s"`
	Close     string `json:"c"`
}

func (b *binanceAdapter) Parse(data []byte) (Event, error) {
	var env binanceEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Event{}, fmt.Errorf("binance frame: %w", err)
	}
	if env.Error != nil {
		return Event{Kind: EventSubscriptionError, Detail: fmt.Sprintf("code %d: %s", env.Error.Code, env.Error.Msg)}, nil
	}
	if env.ID != nil {
		return Event{Kind: EventSubscriptionAck}, nil
	}
	payload := env.Data
	if env.Stream == "" {
		payload = data
	}

	var tick binanceMiniTicker
	if err := json.Unmarshal(payload, &tick); err != nil {
		return Event{}, fmt.Errorf("binance ticker: %w", err)
	}
	if tick.EventType != "24hrMiniTicker" {
		return Event{Kind: EventIgnore}, nil
	}
	price, err := decimal.NewFromString(tick.Close)
	if err != nil {
		return Event{}, fmt.Errorf("binance ticker price %q: %w", tick.Close, err)
	}
	return Event{Kind: EventAssets, Assets: []models.AssetInfo{{
		ID:        strings.ToLower(tick.Symbol),
		Price:     price,
		Timestamp: tick.EventTime / 1000,
	}}}, nil
}
