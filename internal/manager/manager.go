// Package manager owns the worker pool and the active registry. It is the
// write side of the system: registry updates and active-signal changes go
// through here, and GetPrices is served from here against the store.
package manager

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/Masterminds/semver/v3"

	"pricehub/internal/config"
	"pricehub/internal/engine"
	"pricehub/internal/ipfs"
	"pricehub/internal/models"
	"pricehub/internal/monitoring"
	"pricehub/internal/planner"
	"pricehub/internal/registry"
	"pricehub/internal/store"
	"pricehub/internal/worker"
)

var (
	ErrUnsupportedVersion = errors.New("manager: registry version does not satisfy requirement")
	ErrFailedToRetrieve   = errors.New("manager: failed to retrieve registry")
)

const shutdownTimeout = 10 * time.Second

// Fetcher is the IPFS collaborator surface the manager needs.
type Fetcher interface {
	Fetch(ctx context.Context, hash string) ([]byte, error)
}

// Manager wires workers, store, registry and monitoring together.
type Manager struct {
	store      store.Store
	workers    map[string]worker.Worker
	fetcher    Fetcher
	collector  *monitoring.Collector
	versionReq *semver.Constraints

	staleThreshold int64
	ipfsTimeout    time.Duration

	mu  sync.RWMutex
	reg registry.ValidRegistry

	cancel context.CancelFunc
}

// New builds the workers listed in the configuration, restores the
// persisted registry, and starts every worker on a child of ctx. A worker
// build failure aborts the whole startup.
func New(ctx context.Context, cfg *config.Config, st store.Store, fetcher Fetcher, collector *monitoring.Collector) (*Manager, error) {
	versionReq, err := semver.NewConstraint(cfg.VersionRequirement)
	if err != nil {
		return nil, fmt.Errorf("manager: invalid version requirement %q: %w", cfg.VersionRequirement, err)
	}

	workers, err := buildWorkers(cfg.Sources, st)
	if err != nil {
		return nil, err
	}

	m := &Manager{
		store:          st,
		workers:        workers,
		fetcher:        fetcher,
		collector:      collector,
		versionReq:     versionReq,
		staleThreshold: cfg.StaleThresholdSeconds,
		ipfsTimeout:    cfg.IPFS.FetchTimeout.Std(),
		reg:            registry.Empty(),
	}

	reg, ok, err := st.GetRegistry(ctx)
	if err != nil {
		return nil, fmt.Errorf("manager: load registry: %w", err)
	}
	if ok {
		m.reg = reg
		log.Printf("[Manager] restored registry with %d signals", reg.Len())
	} else {
		log.Println("[Manager] no persisted registry, starting empty")
	}

	runCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	for name, w := range workers {
		w.Start(runCtx)
		log.Printf("[Manager] started worker %s", name)
	}
	return m, nil
}

func buildWorkers(sources config.Sources, st store.Store) (map[string]worker.Worker, error) {
	workers := make(map[string]worker.Worker)
	if sources.Binance != nil {
		w, err := worker.NewBinanceWorker(worker.StreamOpts{URL: sources.Binance.URL}, st)
		if err != nil {
			return nil, err
		}
		workers[w.Name()] = w
	}
	if sources.Coinbase != nil {
		w, err := worker.NewCoinbaseWorker(worker.StreamOpts{URL: sources.Coinbase.URL}, st)
		if err != nil {
			return nil, err
		}
		workers[w.Name()] = w
	}
	if sources.CoinGecko != nil {
		w, err := worker.NewCoinGeckoWorker(worker.PollOpts{
			URL:            sources.CoinGecko.URL,
			UpdateInterval: sources.CoinGecko.UpdateInterval.Std(),
			APIKey:         sources.CoinGecko.APIKey,
		}, st)
		if err != nil {
			return nil, err
		}
		workers[w.Name()] = w
	}
	if sources.CoinMarketCap != nil {
		w, err := worker.NewCoinMarketCapWorker(worker.PollOpts{
			URL:            sources.CoinMarketCap.URL,
			UpdateInterval: sources.CoinMarketCap.UpdateInterval.Std(),
			APIKey:         sources.CoinMarketCap.APIKey,
		}, st)
		if err != nil {
			return nil, err
		}
		workers[w.Name()] = w
	}
	return workers, nil
}

// Registry returns the current valid registry.
func (m *Manager) Registry() registry.ValidRegistry {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.reg
}

// WorkerNames lists the built workers, for introspection.
func (m *Manager) WorkerNames() []string {
	names := make([]string, 0, len(m.workers))
	for name := range m.workers {
		names = append(names, name)
	}
	return names
}

// SetRegistry parses, validates and version-gates a registry document,
// persists it, then swaps the in-memory reference. Any failure leaves the
// previous registry untouched.
func (m *Manager) SetRegistry(ctx context.Context, data []byte, ipfsHash, version string) error {
	v, err := semver.NewVersion(version)
	if err != nil {
		return fmt.Errorf("%w: bad version %q: %v", ErrUnsupportedVersion, version, err)
	}
	if !m.versionReq.Check(v) {
		return fmt.Errorf("%w: %s", ErrUnsupportedVersion, version)
	}

	parsed, err := registry.Parse(data)
	if err != nil {
		return err
	}
	valid, err := registry.Validate(parsed)
	if err != nil {
		return err
	}

	if err := m.store.SetRegistry(ctx, valid, ipfsHash); err != nil {
		return err
	}

	m.mu.Lock()
	m.reg = valid
	m.mu.Unlock()
	log.Printf("[Manager] registry updated: %d signals (version %s)", valid.Len(), version)
	return nil
}

// SetRegistryFromIPFS fetches the document behind hash and installs it.
func (m *Manager) SetRegistryFromIPFS(ctx context.Context, hash, version string) error {
	fetchCtx := ctx
	if m.ipfsTimeout > 0 {
		var cancel context.CancelFunc
		fetchCtx, cancel = context.WithTimeout(ctx, m.ipfsTimeout)
		defer cancel()
	}
	data, err := m.fetcher.Fetch(fetchCtx, hash)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrFailedToRetrieve, err)
	}
	return m.SetRegistry(ctx, data, hash, version)
}

// SetActiveSignalIDs derives the per-worker query-id unions from the
// closure of ids over route dependencies and pushes them to the workers.
// Individual worker failures are logged, not fatal; the active set is
// persisted regardless.
func (m *Manager) SetActiveSignalIDs(ctx context.Context, ids []string) error {
	reg := m.Registry()
	for _, id := range ids {
		if !reg.Has(id) {
			return fmt.Errorf("manager: unknown signal id %q", id)
		}
	}

	plan, err := planner.New(reg, ids)
	if err != nil {
		return err
	}

	for name, w := range m.workers {
		if err := w.SetQueryIDs(ctx, plan.SourceTasks[name]); err != nil {
			log.Printf("[Manager] set query ids on %s: %v", name, err)
		}
	}
	for source := range plan.SourceTasks {
		if _, ok := m.workers[source]; !ok {
			log.Printf("[Manager] registry references source %q but no such worker is configured", source)
		}
	}

	return m.store.SetActiveSignalIDs(ctx, ids)
}

// GetPrices runs the price engine for the requested ids at the given time
// and submits one monitoring batch for the computation.
func (m *Manager) GetPrices(ctx context.Context, ids []string, now int64) ([]models.Price, error) {
	prices, records, err := engine.GetPrices(ctx, ids, m.Registry(), m.store, now, m.staleThreshold)
	if err != nil {
		return nil, err
	}
	if m.collector != nil && len(records) > 0 {
		if _, err := m.collector.Submit(ctx, records); err != nil {
			log.Printf("[Manager] monitoring submit: %v", err)
		}
	}
	return prices, nil
}

// ActiveSignalIDs reads the persisted active set.
func (m *Manager) ActiveSignalIDs(ctx context.Context) ([]string, error) {
	return m.store.GetActiveSignalIDs(ctx)
}

// RegistryIPFSHash reads the persisted hash of the current registry.
func (m *Manager) RegistryIPFSHash(ctx context.Context) (string, error) {
	return m.store.GetRegistryIPFSHash(ctx)
}

// Shutdown cancels the root context and waits for every worker, bounded by
// shutdownTimeout overall.
func (m *Manager) Shutdown() {
	if m.cancel != nil {
		m.cancel()
	}
	deadline := time.Now().Add(shutdownTimeout)
	var wg sync.WaitGroup
	for _, w := range m.workers {
		wg.Add(1)
		go func(w worker.Worker) {
			defer wg.Done()
			w.Stop()
		}(w)
	}
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Until(deadline)):
		log.Println("[Manager] shutdown window elapsed with workers still running")
	}
}

// ipfs.Client satisfies Fetcher.
var _ Fetcher = (*ipfs.Client)(nil)
