package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"

	"pricehub/internal/models"
	"pricehub/internal/store"
)

const DefaultCoinMarketCapURL = "https://pro-api.coinmarketcap.com"

// coinMarketCapAdapter fetches quotes/latest by slug. Query ids are CMC
// slugs (e.g. "bitcoin"). An API key is mandatory on every CMC plan, so
// building without one fails.
type coinMarketCapAdapter struct {
	base    string
	apiKey  string
	client  *http.Client
	limiter *rate.Limiter
}

func NewCoinMarketCapWorker(opts PollOpts, st store.Store) (*PollWorker, error) {
	if opts.APIKey == "" {
		return nil, &Error{Worker: "coinmarketcap", Msg: "missing api_key"}
	}
	if opts.URL == "" {
		opts.URL = DefaultCoinMarketCapURL
	}
	adapter := &coinMarketCapAdapter{
		base:    strings.TrimRight(opts.URL, "/"),
		apiKey:  opts.APIKey,
		client:  &http.Client{Timeout: 15 * time.Second},
		limiter: rate.NewLimiter(rate.Every(2*time.Second), 1),
	}
	return NewPoll("coinmarketcap", opts, adapter, st)
}

type cmcQuote struct {
	Price       json.Number `json:"price"`
	LastUpdated string      `json:"last_updated"`
}

type cmcEntry struct {
	Slug  string              `json:"slug"`
	Quote map[string]cmcQuote `json:"quote"`
}

type cmcResponse struct {
	// Keyed by CMC numeric id; the slug inside maps back to the query id.
	Data map[string]cmcEntry `json:"data"`
}

func (a *coinMarketCapAdapter) Fetch(ctx context.Context, ids []string) ([]models.AssetInfo, error) {
	if err := a.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	q := url.Values{}
	q.Set("slug", strings.Join(ids, ","))
	q.Set("convert", "USD")
	reqURL := a.base + "/v2/cryptocurrency/quotes/latest?" + q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-CMC_PRO_API_KEY", a.apiKey)

	resp, err := a.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("coinmarketcap status: %s", resp.Status)
	}

	dec := json.NewDecoder(resp.Body)
	dec.UseNumber()
	var result cmcResponse
	if err := dec.Decode(&result); err != nil {
		return nil, err
	}

	now := time.Now().Unix()
	var assets []models.AssetInfo
	for _, entry := range result.Data {
		quote, ok := entry.Quote["USD"]
		if !ok || entry.Slug == "" {
			continue
		}
		price, err := decimal.NewFromString(quote.Price.String())
		if err != nil {
			continue
		}
		ts := now
		if t, err := time.Parse(time.RFC3339, quote.LastUpdated); err == nil {
			ts = t.Unix()
		}
		assets = append(assets, models.AssetInfo{ID: entry.Slug, Price: price, Timestamp: ts})
	}
	return assets, nil
}
