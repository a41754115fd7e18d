package manager

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"testing"
	"time"

	"pricehub/internal/config"
	"pricehub/internal/models"
	"pricehub/internal/monitoring"
	"pricehub/internal/registry"
	"pricehub/internal/store"

	"github.com/shopspring/decimal"
)

const sampleRegistry = `{
  "CS:USDT-USD": {
    "sources": [{"source_id": "coingecko", "id": "tether"}],
    "processor": {"function": "median", "params": {"min_source_count": 1}}
  },
  "CS:BTC-USD": {
    "sources": [
      {"source_id": "binance", "id": "btcusdt", "routes": [
        {"signal_id": "CS:USDT-USD", "operation": "*"}
      ]},
      {"source_id": "coingecko", "id": "bitcoin"}
    ],
    "processor": {"function": "median", "params": {"min_source_count": 1}}
  }
}`

type fakeFetcher struct {
	docs map[string][]byte
}

func (f *fakeFetcher) Fetch(ctx context.Context, hash string) ([]byte, error) {
	doc, ok := f.docs[hash]
	if !ok {
		return nil, fmt.Errorf("no such object")
	}
	return doc, nil
}

func testConfig(requirement string) *config.Config {
	return &config.Config{
		APIPort:               0,
		StaleThresholdSeconds: 300,
		VersionRequirement:    requirement,
		IPFS:                  config.IPFS{Endpoint: "http://127.0.0.1:0", FetchTimeout: config.Duration(time.Second)},
		// No sources: tests drive the store directly.
		Sources: config.Sources{},
	}
}

func newTestManager(t *testing.T, requirement string, st store.Store, fetcher Fetcher) *Manager {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	if fetcher == nil {
		fetcher = &fakeFetcher{}
	}
	m, err := New(ctx, testConfig(requirement), st, fetcher, monitoring.NewCollector(monitoring.NopUplink{}))
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	t.Cleanup(m.Shutdown)
	return m
}

func TestNewRejectsBadVersionRequirement(t *testing.T) {
	ctx := context.Background()
	_, err := New(ctx, testConfig("not-a-range"), store.NewMemory(), &fakeFetcher{}, nil)
	if err == nil {
		t.Fatal("expected error for invalid version requirement")
	}
}

func TestSetRegistry(t *testing.T) {
	st := store.NewMemory()
	m := newTestManager(t, "*", st, nil)

	if err := m.SetRegistry(context.Background(), []byte(sampleRegistry), "QmHash", "1.0.0"); err != nil {
		t.Fatalf("SetRegistry failed: %v", err)
	}
	if !m.Registry().Has("CS:BTC-USD") {
		t.Error("registry not swapped in")
	}

	// Persisted too.
	persisted, ok, err := st.GetRegistry(context.Background())
	if err != nil || !ok {
		t.Fatalf("persisted registry: ok=%v err=%v", ok, err)
	}
	if !persisted.Has("CS:USDT-USD") {
		t.Error("persisted registry incomplete")
	}
	hash, err := m.RegistryIPFSHash(context.Background())
	if err != nil || hash != "QmHash" {
		t.Errorf("hash = %q err=%v", hash, err)
	}
}

func TestSetRegistryVersionGate(t *testing.T) {
	m := newTestManager(t, ">=1.0.0 <2.0.0", store.NewMemory(), nil)

	if err := m.SetRegistry(context.Background(), []byte(sampleRegistry), "", "1.5.0"); err != nil {
		t.Fatalf("1.5.0 should satisfy the range: %v", err)
	}
	err := m.SetRegistry(context.Background(), []byte(sampleRegistry), "", "2.0.0")
	if !errors.Is(err, ErrUnsupportedVersion) {
		t.Fatalf("expected ErrUnsupportedVersion, got %v", err)
	}
	err = m.SetRegistry(context.Background(), []byte(sampleRegistry), "", "garbage")
	if !errors.Is(err, ErrUnsupportedVersion) {
		t.Fatalf("expected ErrUnsupportedVersion for malformed version, got %v", err)
	}
}

func TestSetRegistryFailureLeavesOldRegistry(t *testing.T) {
	m := newTestManager(t, "*", store.NewMemory(), nil)
	if err := m.SetRegistry(context.Background(), []byte(sampleRegistry), "", "1.0.0"); err != nil {
		t.Fatalf("SetRegistry failed: %v", err)
	}

	bad := `{"CS:ETH-USD": {"sources": [], "processor": {"function": "mean", "params": {}}}}`
	if err := m.SetRegistry(context.Background(), []byte(bad), "", "1.0.1"); err == nil {
		t.Fatal("expected parse error")
	}
	if !m.Registry().Has("CS:BTC-USD") || m.Registry().Has("CS:ETH-USD") {
		t.Error("failed update mutated the registry")
	}
}

func TestSetRegistryFromIPFS(t *testing.T) {
	fetcher := &fakeFetcher{docs: map[string][]byte{"QmGood": []byte(sampleRegistry)}}
	m := newTestManager(t, "*", store.NewMemory(), fetcher)

	if err := m.SetRegistryFromIPFS(context.Background(), "QmGood", "1.0.0"); err != nil {
		t.Fatalf("SetRegistryFromIPFS failed: %v", err)
	}
	if m.Registry().Len() != 2 {
		t.Errorf("registry len = %d", m.Registry().Len())
	}

	err := m.SetRegistryFromIPFS(context.Background(), "QmMissing", "1.0.0")
	if !errors.Is(err, ErrFailedToRetrieve) {
		t.Fatalf("expected ErrFailedToRetrieve, got %v", err)
	}
}

func TestNewRestoresPersistedRegistry(t *testing.T) {
	st := store.NewMemory()
	reg, err := registry.Parse([]byte(sampleRegistry))
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	valid, err := registry.Validate(reg)
	if err != nil {
		t.Fatalf("Validate failed: %v", err)
	}
	if err := st.SetRegistry(context.Background(), valid, "QmOld"); err != nil {
		t.Fatalf("SetRegistry failed: %v", err)
	}

	m := newTestManager(t, "*", st, nil)
	if m.Registry().Len() != 2 {
		t.Errorf("restored registry len = %d", m.Registry().Len())
	}
}

func TestSetActiveSignalIDs(t *testing.T) {
	st := store.NewMemory()
	m := newTestManager(t, "*", st, nil)
	if err := m.SetRegistry(context.Background(), []byte(sampleRegistry), "", "1.0.0"); err != nil {
		t.Fatalf("SetRegistry failed: %v", err)
	}

	if err := m.SetActiveSignalIDs(context.Background(), []string{"CS:BTC-USD"}); err != nil {
		t.Fatalf("SetActiveSignalIDs failed: %v", err)
	}

	active, err := m.ActiveSignalIDs(context.Background())
	if err != nil {
		t.Fatalf("ActiveSignalIDs failed: %v", err)
	}
	if !reflect.DeepEqual(active, []string{"CS:BTC-USD"}) {
		t.Errorf("active = %v", active)
	}
}

func TestSetActiveSignalIDsUnknownSignal(t *testing.T) {
	m := newTestManager(t, "*", store.NewMemory(), nil)
	if err := m.SetActiveSignalIDs(context.Background(), []string{"CS:NOPE"}); err == nil {
		t.Fatal("expected error for unknown signal id")
	}
}

func TestGetPrices(t *testing.T) {
	st := store.NewMemory()
	m := newTestManager(t, "*", st, nil)
	if err := m.SetRegistry(context.Background(), []byte(sampleRegistry), "", "1.0.0"); err != nil {
		t.Fatalf("SetRegistry failed: %v", err)
	}

	now := int64(1700000000)
	err := st.SetAssets(context.Background(), "coingecko", []models.AssetInfo{
		{ID: "tether", Price: decimal.RequireFromString("1.0"), Timestamp: now},
		{ID: "bitcoin", Price: decimal.RequireFromString("40000"), Timestamp: now},
	})
	if err != nil {
		t.Fatalf("SetAssets failed: %v", err)
	}
	err = st.SetAssets(context.Background(), "binance", []models.AssetInfo{
		{ID: "btcusdt", Price: decimal.RequireFromString("40000"), Timestamp: now},
	})
	if err != nil {
		t.Fatalf("SetAssets failed: %v", err)
	}

	prices, err := m.GetPrices(context.Background(), []string{"CS:BTC-USD", "CS:NOPE"}, now)
	if err != nil {
		t.Fatalf("GetPrices failed: %v", err)
	}
	if len(prices) != 2 {
		t.Fatalf("got %d prices", len(prices))
	}
	if prices[0].Status != models.PriceAvailable || prices[0].Price != 40000000000000 {
		t.Errorf("btc = %+v", prices[0])
	}
	if prices[1].Status != models.PriceUnsupported {
		t.Errorf("nope = %+v", prices[1])
	}
}
