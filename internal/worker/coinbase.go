package worker

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"pricehub/internal/models"
	"pricehub/internal/store"
)

const DefaultCoinbaseURL = "wss://ws-feed.exchange.coinbase.com"

// coinbaseAdapter speaks the Coinbase Exchange feed. Query ids are product
// ids (e.g. "BTC-USD"); the ticker channel carries the prices and the
// heartbeat channel keeps the connection visibly alive.
type coinbaseAdapter struct{}

func NewCoinbaseWorker(opts StreamOpts, st store.Store) (*StreamWorker, error) {
	if opts.URL == "" {
		opts.URL = DefaultCoinbaseURL
	}
	return NewStream("coinbase", opts, coinbaseAdapter{}, st)
}

type coinbaseChannel struct {
	Name       string   `json:"name"`
	ProductIDs []string `json:"product_ids"`
}

type coinbaseRequest struct {
	Type     string            `json:"type"`
	Channels []coinbaseChannel `json:"channels"`
}

func (coinbaseAdapter) frames(reqType string, ids []string) ([][]byte, error) {
	products := make([]string, len(ids))
	for i, id := range ids {
		products[i] = strings.ToUpper(id)
	}
	msg, err := json.Marshal(coinbaseRequest{
		Type: reqType,
		Channels: []coinbaseChannel{
			{Name: "ticker", ProductIDs: products},
			{Name: "heartbeat", ProductIDs: products},
		},
	})
	if err != nil {
		return nil, err
	}
	return [][]byte{msg}, nil
}

func (a coinbaseAdapter) SubscribeMessages(ids []string) ([][]byte, error) {
	return a.frames("subscribe", ids)
}

func (a coinbaseAdapter) UnsubscribeMessages(ids []string) ([][]byte, error) {
	return a.frames("unsubscribe", ids)
}

type coinbaseFrame struct {
	Type      string `json:"type"`
	ProductID string `json:"product_id"`
	Price     string `json:"price"`
	Time      string `json:"time"`
	Message   string `json:"message"`
	Reason    string `json:"reason"`
}

func (coinbaseAdapter) Parse(data []byte) (Event, error) {
	var frame coinbaseFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		return Event{}, fmt.Errorf("coinbase frame: %w", err)
	}
	switch frame.Type {
	case "ticker":
		price, err := decimal.NewFromString(frame.Price)
		if err != nil {
			return Event{}, fmt.Errorf("coinbase ticker price %q: %w", frame.Price, err)
		}
		ts, err := time.Parse(time.RFC3339Nano, frame.Time)
		if err != nil {
			return Event{}, fmt.Errorf("coinbase ticker time %q: %w", frame.Time, err)
		}
		return Event{Kind: EventAssets, Assets: []models.AssetInfo{{
			ID:        strings.ToUpper(frame.ProductID),
			Price:     price,
			Timestamp: ts.Unix(),
		}}}, nil
	case "subscriptions":
		return Event{Kind: EventSubscriptionAck}, nil
	case "error":
		detail := frame.Message
		if frame.Reason != "" {
			detail += ": " + frame.Reason
		}
		return Event{Kind: EventSubscriptionError, Detail: detail}, nil
	case "heartbeat":
		return Event{Kind: EventHeartbeat}, nil
	default:
		return Event{Kind: EventIgnore}, nil
	}
}
