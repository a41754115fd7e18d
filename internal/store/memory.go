package store

import (
	"context"
	"sync"

	"pricehub/internal/models"
	"pricehub/internal/registry"
)

// Memory is the in-process store used when no database is configured, and
// by tests. A single mutex covers all state; the contention domain is tiny
// (a handful of workers writing small batches).
type Memory struct {
	mu sync.RWMutex

	assets   map[string]map[string]models.AssetInfo // worker -> id -> info
	queryIDs map[string][]string                    // worker -> sorted ids

	registry       registry.ValidRegistry
	registrySet    bool
	registryHash   string
	activeSignals  []string
	activeSignalOK bool
}

func NewMemory() *Memory {
	return &Memory{
		assets:   make(map[string]map[string]models.AssetInfo),
		queryIDs: make(map[string][]string),
	}
}

func (m *Memory) GetAsset(ctx context.Context, worker, id string) (models.AssetInfo, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	info, ok := m.assets[worker][id]
	return info, ok, nil
}

func (m *Memory) SetAssets(ctx context.Context, worker string, assets []models.AssetInfo) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	byID := m.assets[worker]
	if byID == nil {
		byID = make(map[string]models.AssetInfo, len(assets))
		m.assets[worker] = byID
	}
	for _, info := range assets {
		byID[info.ID] = info
	}
	return nil
}

func (m *Memory) GetQueryIDs(ctx context.Context, worker string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := m.queryIDs[worker]
	out := make([]string, len(ids))
	copy(out, ids)
	return out, nil
}

func (m *Memory) SetQueryIDs(ctx context.Context, worker string, ids []string) ([]string, []string, error) {
	next := normalizeIDs(ids)
	m.mu.Lock()
	defer m.mu.Unlock()
	added, removed := ComputeQueryIDDiff(m.queryIDs[worker], next)
	m.queryIDs[worker] = next
	return added, removed, nil
}

func (m *Memory) SetRegistry(ctx context.Context, reg registry.ValidRegistry, ipfsHash string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.registry = reg
	m.registrySet = true
	m.registryHash = ipfsHash
	return nil
}

func (m *Memory) GetRegistry(ctx context.Context) (registry.ValidRegistry, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.registry, m.registrySet, nil
}

func (m *Memory) GetRegistryIPFSHash(ctx context.Context) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.registryHash, nil
}

func (m *Memory) SetActiveSignalIDs(ctx context.Context, ids []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.activeSignals = normalizeIDs(ids)
	m.activeSignalOK = true
	return nil
}

func (m *Memory) GetActiveSignalIDs(ctx context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, len(m.activeSignals))
	copy(out, m.activeSignals)
	return out, nil
}

func (m *Memory) Close() {}
