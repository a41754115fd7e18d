package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"pricehub/internal/models"
	"pricehub/internal/registry"
)

// Postgres persists the store in typed tables under the app schema.
// Prices are stored as their decimal string form so nothing is lost to
// float conversion on the way through the database.
type Postgres struct {
	db *pgxpool.Pool
}

const storeDDL = `
	CREATE SCHEMA IF NOT EXISTS app;

	CREATE TABLE IF NOT EXISTS app.asset_store (
		worker     TEXT NOT NULL,
		asset_id   TEXT NOT NULL,
		price      TEXT NOT NULL,
		ts         BIGINT NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		PRIMARY KEY (worker, asset_id)
	);

	CREATE TABLE IF NOT EXISTS app.worker_query_ids (
		worker     TEXT PRIMARY KEY,
		query_ids  JSONB NOT NULL DEFAULT '[]',
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	);

	CREATE TABLE IF NOT EXISTS app.registry (
		id         INT PRIMARY KEY CHECK (id = 1),
		payload    JSONB NOT NULL,
		ipfs_hash  TEXT NOT NULL DEFAULT '',
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	);

	CREATE TABLE IF NOT EXISTS app.active_signal_ids (
		id         INT PRIMARY KEY CHECK (id = 1),
		signal_ids JSONB NOT NULL DEFAULT '[]',
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	);
`

func NewPostgres(ctx context.Context, dbURL string) (*Postgres, error) {
	config, err := pgxpool.ParseConfig(dbURL)
	if err != nil {
		return nil, errorf("parse db url: %v", err)
	}

	// Recycle connections periodically so nothing stale survives deploys.
	config.MaxConnLifetime = 30 * time.Minute
	config.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, errorf("connect: %v", err)
	}

	s := &Postgres{db: pool}
	if _, err := pool.Exec(ctx, storeDDL); err != nil {
		pool.Close()
		return nil, errorf("ensure schema: %v", err)
	}
	return s, nil
}

func (s *Postgres) GetAsset(ctx context.Context, worker, id string) (models.AssetInfo, bool, error) {
	var priceStr string
	var ts int64
	err := s.db.QueryRow(ctx, `
		SELECT price, ts FROM app.asset_store
		WHERE worker = $1 AND asset_id = $2
	`, worker, id).Scan(&priceStr, &ts)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.AssetInfo{}, false, nil
	}
	if err != nil {
		return models.AssetInfo{}, false, errorf("get asset %s/%s: %v", worker, id, err)
	}
	price, err := decimal.NewFromString(priceStr)
	if err != nil {
		return models.AssetInfo{}, false, errorf("get asset %s/%s: corrupt price %q", worker, id, priceStr)
	}
	return models.AssetInfo{ID: id, Price: price, Timestamp: ts}, true, nil
}

func (s *Postgres) SetAssets(ctx context.Context, worker string, assets []models.AssetInfo) error {
	if len(assets) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, info := range assets {
		batch.Queue(`
			INSERT INTO app.asset_store (worker, asset_id, price, ts, updated_at)
			VALUES ($1, $2, $3, $4, NOW())
			ON CONFLICT (worker, asset_id)
			DO UPDATE SET price = EXCLUDED.price, ts = EXCLUDED.ts, updated_at = NOW()
		`, worker, info.ID, info.Price.String(), info.Timestamp)
	}
	if err := s.db.SendBatch(ctx, batch).Close(); err != nil {
		return errorf("set assets for %s: %v", worker, err)
	}
	return nil
}

func (s *Postgres) GetQueryIDs(ctx context.Context, worker string) ([]string, error) {
	var raw []byte
	err := s.db.QueryRow(ctx, `
		SELECT query_ids FROM app.worker_query_ids WHERE worker = $1
	`, worker).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errorf("get query ids for %s: %v", worker, err)
	}
	return decodeIDs(raw, fmt.Sprintf("query ids for %s", worker))
}

// SetQueryIDs runs the read-diff-write cycle inside one transaction with a
// row lock so concurrent calls for the same worker serialize.
func (s *Postgres) SetQueryIDs(ctx context.Context, worker string, ids []string) ([]string, []string, error) {
	next := normalizeIDs(ids)
	payload, err := json.Marshal(next)
	if err != nil {
		return nil, nil, errorf("encode query ids for %s: %v", worker, err)
	}

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return nil, nil, errorf("set query ids for %s: begin: %v", worker, err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `
		INSERT INTO app.worker_query_ids (worker) VALUES ($1)
		ON CONFLICT (worker) DO NOTHING
	`, worker); err != nil {
		return nil, nil, errorf("set query ids for %s: ensure row: %v", worker, err)
	}

	var raw []byte
	if err := tx.QueryRow(ctx, `
		SELECT query_ids FROM app.worker_query_ids WHERE worker = $1 FOR UPDATE
	`, worker).Scan(&raw); err != nil {
		return nil, nil, errorf("set query ids for %s: lock: %v", worker, err)
	}
	current, err := decodeIDs(raw, fmt.Sprintf("query ids for %s", worker))
	if err != nil {
		return nil, nil, err
	}

	if _, err := tx.Exec(ctx, `
		UPDATE app.worker_query_ids SET query_ids = $2, updated_at = NOW() WHERE worker = $1
	`, worker, payload); err != nil {
		return nil, nil, errorf("set query ids for %s: update: %v", worker, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, nil, errorf("set query ids for %s: commit: %v", worker, err)
	}

	added, removed := ComputeQueryIDDiff(current, next)
	return added, removed, nil
}

func (s *Postgres) SetRegistry(ctx context.Context, reg registry.ValidRegistry, ipfsHash string) error {
	payload, err := reg.Inner().Serialize()
	if err != nil {
		return errorf("encode registry: %v", err)
	}
	if _, err := s.db.Exec(ctx, `
		INSERT INTO app.registry (id, payload, ipfs_hash, updated_at)
		VALUES (1, $1, $2, NOW())
		ON CONFLICT (id)
		DO UPDATE SET payload = EXCLUDED.payload, ipfs_hash = EXCLUDED.ipfs_hash, updated_at = NOW()
	`, payload, ipfsHash); err != nil {
		return errorf("set registry: %v", err)
	}
	return nil
}

func (s *Postgres) GetRegistry(ctx context.Context) (registry.ValidRegistry, bool, error) {
	var raw []byte
	err := s.db.QueryRow(ctx, `SELECT payload FROM app.registry WHERE id = 1`).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return registry.ValidRegistry{}, false, nil
	}
	if err != nil {
		return registry.ValidRegistry{}, false, errorf("get registry: %v", err)
	}
	reg, err := registry.Parse(raw)
	if err != nil {
		return registry.ValidRegistry{}, false, errorf("get registry: %v", err)
	}
	valid, err := registry.Validate(reg)
	if err != nil {
		return registry.ValidRegistry{}, false, errorf("get registry: persisted registry invalid: %v", err)
	}
	return valid, true, nil
}

func (s *Postgres) GetRegistryIPFSHash(ctx context.Context) (string, error) {
	var hash string
	err := s.db.QueryRow(ctx, `SELECT ipfs_hash FROM app.registry WHERE id = 1`).Scan(&hash)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", errorf("get registry ipfs hash: %v", err)
	}
	return hash, nil
}

func (s *Postgres) SetActiveSignalIDs(ctx context.Context, ids []string) error {
	payload, err := json.Marshal(normalizeIDs(ids))
	if err != nil {
		return errorf("encode active signal ids: %v", err)
	}
	if _, err := s.db.Exec(ctx, `
		INSERT INTO app.active_signal_ids (id, signal_ids, updated_at)
		VALUES (1, $1, NOW())
		ON CONFLICT (id)
		DO UPDATE SET signal_ids = EXCLUDED.signal_ids, updated_at = NOW()
	`, payload); err != nil {
		return errorf("set active signal ids: %v", err)
	}
	return nil
}

func (s *Postgres) GetActiveSignalIDs(ctx context.Context) ([]string, error) {
	var raw []byte
	err := s.db.QueryRow(ctx, `SELECT signal_ids FROM app.active_signal_ids WHERE id = 1`).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errorf("get active signal ids: %v", err)
	}
	return decodeIDs(raw, "active signal ids")
}

func (s *Postgres) Close() {
	s.db.Close()
}

func decodeIDs(raw []byte, what string) ([]string, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var ids []string
	if err := json.Unmarshal(raw, &ids); err != nil {
		return nil, errorf("decode %s: %v", what, err)
	}
	return ids, nil
}
