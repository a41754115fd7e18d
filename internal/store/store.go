// Package store holds the shared state every worker writes into and every
// price query reads from: per-worker asset observations, per-worker query-id
// sets, the active signal ids, and the current registry. Two
// implementations exist: an in-memory store and a Postgres-backed one.
package store

import (
	"context"
	"fmt"
	"sort"

	"pricehub/internal/models"
	"pricehub/internal/registry"
)

// Error is the single error kind surfaced by store operations.
type Error struct {
	Message string
}

func (e *Error) Error() string {
	return "store: " + e.Message
}

func errorf(format string, args ...interface{}) error {
	return &Error{Message: fmt.Sprintf(format, args...)}
}

// Store is the persistence contract consumed by workers, the manager, and
// the price engine. All operations are atomic with respect to concurrent
// callers; SetQueryIDs is a read-modify-write serialized per worker.
type Store interface {
	// GetAsset returns the observation a worker holds for an id, if any.
	// Staleness is a query-time judgment made by the caller.
	GetAsset(ctx context.Context, worker, id string) (models.AssetInfo, bool, error)

	// SetAssets writes a batch of observations for one worker,
	// last-writer-wins per id.
	SetAssets(ctx context.Context, worker string, assets []models.AssetInfo) error

	GetQueryIDs(ctx context.Context, worker string) ([]string, error)

	// SetQueryIDs replaces a worker's query-id set and returns the diff
	// against the previous set so the worker can subscribe/unsubscribe.
	SetQueryIDs(ctx context.Context, worker string, ids []string) (added, removed []string, err error)

	// SetRegistry persists the registry's canonical bytes and the IPFS
	// hash it was fetched from (empty when supplied directly).
	SetRegistry(ctx context.Context, reg registry.ValidRegistry, ipfsHash string) error

	// GetRegistry loads and re-validates the persisted registry.
	GetRegistry(ctx context.Context) (registry.ValidRegistry, bool, error)

	GetRegistryIPFSHash(ctx context.Context) (string, error)

	SetActiveSignalIDs(ctx context.Context, ids []string) error
	GetActiveSignalIDs(ctx context.Context) ([]string, error)

	Close()
}

// ComputeQueryIDDiff is the pure diff underlying SetQueryIDs: added is
// next minus current, removed is current minus next, both sorted.
func ComputeQueryIDDiff(current, next []string) (added, removed []string) {
	cur := make(map[string]bool, len(current))
	for _, id := range current {
		cur[id] = true
	}
	nxt := make(map[string]bool, len(next))
	for _, id := range next {
		nxt[id] = true
	}
	for id := range nxt {
		if !cur[id] {
			added = append(added, id)
		}
	}
	for id := range cur {
		if !nxt[id] {
			removed = append(removed, id)
		}
	}
	sort.Strings(added)
	sort.Strings(removed)
	return added, removed
}

func normalizeIDs(ids []string) []string {
	seen := make(map[string]bool, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
