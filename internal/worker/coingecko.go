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

const DefaultCoinGeckoURL = "https://api.coingecko.com"

// coinGeckoAdapter fetches the simple/price endpoint for the whole query-id
// set in one request. Query ids are CoinGecko coin ids (e.g. "bitcoin",
// "tether"). The free tier allows roughly a request every couple of
// seconds, hence the limiter.
type coinGeckoAdapter struct {
	base    string
	apiKey  string
	client  *http.Client
	limiter *rate.Limiter
}

func NewCoinGeckoWorker(opts PollOpts, st store.Store) (*PollWorker, error) {
	if opts.URL == "" {
		opts.URL = DefaultCoinGeckoURL
	}
	adapter := &coinGeckoAdapter{
		base:    strings.TrimRight(opts.URL, "/"),
		apiKey:  opts.APIKey,
		client:  &http.Client{Timeout: 15 * time.Second},
		limiter: rate.NewLimiter(rate.Every(2*time.Second), 1),
	}
	return NewPoll("coingecko", opts, adapter, st)
}

func (a *coinGeckoAdapter) Fetch(ctx context.Context, ids []string) ([]models.AssetInfo, error) {
	if err := a.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	q := url.Values{}
	q.Set("ids", strings.Join(ids, ","))
	q.Set("vs_currencies", "usd")
	q.Set("include_last_updated_at", "true")
	reqURL := a.base + "/api/v3/simple/price?" + q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", "pricehub/1.0")
	if a.apiKey != "" {
		req.Header.Set("x-cg-pro-api-key", a.apiKey)
	}

	resp, err := a.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("coingecko status: %s", resp.Status)
	}

	// Decode prices through json.Number so no digits are lost to float64.
	dec := json.NewDecoder(resp.Body)
	dec.UseNumber()
	var result map[string]map[string]json.Number
	if err := dec.Decode(&result); err != nil {
		return nil, err
	}

	now := time.Now().Unix()
	assets := make([]models.AssetInfo, 0, len(ids))
	for _, id := range ids {
		quote, ok := result[id]
		if !ok {
			continue
		}
		raw, ok := quote["usd"]
		if !ok {
			continue
		}
		price, err := decimal.NewFromString(raw.String())
		if err != nil {
			continue
		}
		ts := now
		if lastUpdated, ok := quote["last_updated_at"]; ok {
			if sec, err := lastUpdated.Int64(); err == nil && sec > 0 {
				ts = sec
			}
		}
		assets = append(assets, models.AssetInfo{ID: id, Price: price, Timestamp: ts})
	}
	return assets, nil
}
