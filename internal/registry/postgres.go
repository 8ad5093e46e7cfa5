package registry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore backs the registry with durable storage. PutIfAbsent rides
// on the unique source_key constraint; Update takes a row lock so the
// read-modify-write sequence cannot lose updates under concurrent mutators.
type PostgresStore struct {
	db *pgxpool.Pool
}

// NewPostgresStore connects a pool and verifies it with a ping.
func NewPostgresStore(ctx context.Context, connString string) (*PostgresStore, error) {
	cfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("unable to parse database config: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("unable to ping database: %w", err)
	}
	return &PostgresStore{db: pool}, nil
}

// Close releases the underlying pool.
func (s *PostgresStore) Close() {
	s.db.Close()
}

const assetsSchema = `
CREATE TABLE IF NOT EXISTS assets (
	paid                 UUID PRIMARY KEY,
	source_key           TEXT UNIQUE NOT NULL,
	source_app           TEXT NOT NULL,
	source_asset_id      TEXT NOT NULL,
	asset_type           TEXT NOT NULL,
	category             TEXT NOT NULL,
	name                 TEXT NOT NULL,
	description          TEXT NOT NULL DEFAULT '',
	owner_id             TEXT NOT NULL DEFAULT '',
	owner_type           TEXT NOT NULL,
	status               TEXT NOT NULL,
	anchor_id            TEXT NOT NULL DEFAULT '',
	current_value_micros TEXT NOT NULL DEFAULT '',
	valuation_id         TEXT NOT NULL DEFAULT '',
	valued_at            TIMESTAMPTZ,
	provenance_hash      TEXT NOT NULL,
	registered_at        TIMESTAMPTZ NOT NULL,
	updated_at           TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_assets_owner ON assets (owner_id);
`

// EnsureSchema creates the assets table if it does not exist.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	_, err := s.db.Exec(ctx, assetsSchema)
	return err
}

const assetColumns = `paid, source_app, source_asset_id, asset_type, category, name,
	description, owner_id, owner_type, status, anchor_id,
	current_value_micros, valuation_id, valued_at, provenance_hash,
	registered_at, updated_at`

func (s *PostgresStore) PutIfAbsent(ctx context.Context, a Asset) (Asset, bool, error) {
	tag, err := s.db.Exec(ctx, `
		INSERT INTO assets (`+assetColumns+`, source_key)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18)
		ON CONFLICT (source_key) DO NOTHING`,
		a.PAID, a.SourceApp, a.SourceAssetID, a.AssetType, a.Category, a.Name,
		a.Description, a.OwnerID, a.OwnerType, a.Status, a.AnchorID,
		a.CurrentValueMicros, a.ValuationID, a.ValuedAt, a.ProvenanceHash,
		a.RegisteredAt, a.UpdatedAt,
		SourceKey(a.SourceApp, a.SourceAssetID),
	)
	if err != nil {
		return Asset{}, false, fmt.Errorf("asset insert failed: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return a, true, nil
	}
	// Lost the race (or replayed): return the first-seen record.
	existing, err := s.GetBySource(ctx, a.SourceApp, a.SourceAssetID)
	if err != nil {
		return Asset{}, false, err
	}
	return existing, false, nil
}

func (s *PostgresStore) Get(ctx context.Context, paid string) (Asset, error) {
	row := s.db.QueryRow(ctx, `SELECT `+assetColumns+` FROM assets WHERE paid = $1`, paid)
	return scanAsset(row)
}

func (s *PostgresStore) GetBySource(ctx context.Context, sourceApp, sourceID string) (Asset, error) {
	row := s.db.QueryRow(ctx, `SELECT `+assetColumns+` FROM assets WHERE source_key = $1`,
		SourceKey(sourceApp, sourceID))
	return scanAsset(row)
}

func (s *PostgresStore) Update(ctx context.Context, paid string, fn func(a *Asset) error) (Asset, error) {
	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return Asset{}, fmt.Errorf("tx begin failed: %w", err)
	}
	defer tx.Rollback(ctx)

	row := tx.QueryRow(ctx, `SELECT `+assetColumns+` FROM assets WHERE paid = $1 FOR UPDATE`, paid)
	a, err := scanAsset(row)
	if err != nil {
		return Asset{}, err
	}

	if err := fn(&a); err != nil {
		return Asset{}, err
	}

	_, err = tx.Exec(ctx, `
		UPDATE assets SET
			owner_id = $2, owner_type = $3, status = $4, anchor_id = $5,
			current_value_micros = $6, valuation_id = $7, valued_at = $8,
			updated_at = $9
		WHERE paid = $1`,
		a.PAID, a.OwnerID, a.OwnerType, a.Status, a.AnchorID,
		a.CurrentValueMicros, a.ValuationID, a.ValuedAt, a.UpdatedAt,
	)
	if err != nil {
		return Asset{}, fmt.Errorf("asset update failed: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return Asset{}, fmt.Errorf("tx commit failed: %w", err)
	}
	return a, nil
}

func (s *PostgresStore) ListByOwner(ctx context.Context, ownerID string) ([]Asset, error) {
	rows, err := s.db.Query(ctx, `SELECT `+assetColumns+` FROM assets WHERE owner_id = $1`, ownerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Asset
	for rows.Next() {
		a, err := scanAsset(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func scanAsset(row pgx.Row) (Asset, error) {
	var a Asset
	var valuedAt *time.Time
	err := row.Scan(
		&a.PAID, &a.SourceApp, &a.SourceAssetID, &a.AssetType, &a.Category, &a.Name,
		&a.Description, &a.OwnerID, &a.OwnerType, &a.Status, &a.AnchorID,
		&a.CurrentValueMicros, &a.ValuationID, &valuedAt, &a.ProvenanceHash,
		&a.RegisteredAt, &a.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Asset{}, ErrNotFound
		}
		return Asset{}, err
	}
	a.ValuedAt = valuedAt
	return a, nil
}
