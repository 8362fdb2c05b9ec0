// Package storage provides relational persistence for Project, Asset and
// DataChunk rows over the same pgxpool.Pool the vector store shares.
package storage

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/seanblong/reposearch/pkg/models"
)

// ErrAssetExists is returned when an asset_name already exists in a project.
var ErrAssetExists = errors.New("asset name already exists in project")

// ErrAssetNotFound is returned when a named asset cannot be located.
var ErrAssetNotFound = errors.New("asset not found")

// Store provides transactional CRUD over projects, assets and data chunks.
type Store struct {
	pool *pgxpool.Pool
}

// New connects to the given database URL and returns a ready Store.
func New(ctx context.Context, url string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(url)
	if err != nil {
		return nil, err
	}
	p, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return &Store{pool: p}, nil
}

// NewWithPool wraps an already-constructed pool (used by tests and by code
// sharing the pool with internal/vectorstore).
func NewWithPool(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

func (s *Store) Close() { s.pool.Close() }

// Pool exposes the underlying pool so vectorstore.Store can share it, per
// spec §5 ("One vector-store handle wrapping the same pool").
func (s *Store) Pool() *pgxpool.Pool { return s.pool }

// Migrate creates the projects/assets/data_chunks relations.
func (s *Store) Migrate(ctx context.Context) error {
	const q = `
CREATE TABLE IF NOT EXISTS projects (
  id BIGSERIAL PRIMARY KEY
);

CREATE TABLE IF NOT EXISTS assets (
  id         BIGSERIAL PRIMARY KEY,
  project_id BIGINT NOT NULL REFERENCES projects(id),
  asset_type TEXT NOT NULL,
  asset_name TEXT NOT NULL,
  asset_size BIGINT NOT NULL,
  created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
  UNIQUE (project_id, asset_name)
);

CREATE TABLE IF NOT EXISTS data_chunks (
  id          BIGSERIAL PRIMARY KEY,
  project_id  BIGINT NOT NULL REFERENCES projects(id),
  asset_id    BIGINT NOT NULL REFERENCES assets(id),
  chunk_text  TEXT NOT NULL,
  chunk_order INT NOT NULL,
  created_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
  UNIQUE (asset_id, chunk_order)
);

CREATE INDEX IF NOT EXISTS data_chunks_project_idx ON data_chunks (project_id, id);
`
	_, err := s.pool.Exec(ctx, q)
	return err
}

// GetOrCreateProject atomically materializes a project row for id, per
// spec §3's "auto-materialized on first reference" lifecycle.
func (s *Store) GetOrCreateProject(ctx context.Context, id int64) (models.Project, error) {
	const q = `
INSERT INTO projects (id) VALUES ($1)
ON CONFLICT (id) DO NOTHING;`
	if _, err := s.pool.Exec(ctx, q, id); err != nil {
		return models.Project{}, err
	}
	return models.Project{ID: id}, nil
}

// CreateAsset inserts a new asset row; surfaces ErrAssetExists on a
// (project_id, asset_name) conflict.
func (s *Store) CreateAsset(ctx context.Context, a models.Asset) (models.Asset, error) {
	const q = `
INSERT INTO assets (project_id, asset_type, asset_name, asset_size)
VALUES ($1, $2, $3, $4)
RETURNING id, created_at;`
	err := s.pool.QueryRow(ctx, q, a.ProjectID, string(a.AssetType), a.AssetName, a.AssetSize).
		Scan(&a.ID, &a.CreatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return models.Asset{}, ErrAssetExists
		}
		return models.Asset{}, err
	}
	return a, nil
}

// GetAssetByName looks up one asset by its unique (project_id, asset_name).
func (s *Store) GetAssetByName(ctx context.Context, projectID int64, assetName string) (models.Asset, error) {
	const q = `
SELECT id, project_id, asset_type, asset_name, asset_size, created_at
FROM assets WHERE project_id = $1 AND asset_name = $2;`
	var a models.Asset
	var assetType string
	err := s.pool.QueryRow(ctx, q, projectID, assetName).
		Scan(&a.ID, &a.ProjectID, &assetType, &a.AssetName, &a.AssetSize, &a.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Asset{}, ErrAssetNotFound
		}
		return models.Asset{}, err
	}
	a.AssetType = models.AssetType(assetType)
	return a, nil
}

// ListAssets returns every asset of the given type for a project (pass ""
// to list all types).
func (s *Store) ListAssets(ctx context.Context, projectID int64, assetType models.AssetType) ([]models.Asset, error) {
	var rows pgx.Rows
	var err error
	if assetType == "" {
		rows, err = s.pool.Query(ctx, `
SELECT id, project_id, asset_type, asset_name, asset_size, created_at
FROM assets WHERE project_id = $1 ORDER BY id ASC;`, projectID)
	} else {
		rows, err = s.pool.Query(ctx, `
SELECT id, project_id, asset_type, asset_name, asset_size, created_at
FROM assets WHERE project_id = $1 AND asset_type = $2 ORDER BY id ASC;`, projectID, string(assetType))
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.Asset
	for rows.Next() {
		var a models.Asset
		var t string
		if err := rows.Scan(&a.ID, &a.ProjectID, &t, &a.AssetName, &a.AssetSize, &a.CreatedAt); err != nil {
			return nil, err
		}
		a.AssetType = models.AssetType(t)
		out = append(out, a)
	}
	return out, rows.Err()
}

// CreateChunk inserts a single chunk.
func (s *Store) CreateChunk(ctx context.Context, c models.DataChunk) (models.DataChunk, error) {
	const q = `
INSERT INTO data_chunks (project_id, asset_id, chunk_text, chunk_order)
VALUES ($1, $2, $3, $4)
RETURNING id, created_at;`
	err := s.pool.QueryRow(ctx, q, c.ProjectID, c.AssetID, c.ChunkText, c.ChunkOrder).
		Scan(&c.ID, &c.CreatedAt)
	return c, err
}

// InsertManyChunks persists chunks in batches of batchSize, each batch
// committed as its own transaction, mirroring original_source's
// insert_many_chunks batching.
func (s *Store) InsertManyChunks(ctx context.Context, chunks []models.DataChunk, batchSize int) ([]models.DataChunk, error) {
	if batchSize <= 0 {
		batchSize = 100
	}
	out := make([]models.DataChunk, 0, len(chunks))
	for i := 0; i < len(chunks); i += batchSize {
		end := i + batchSize
		if end > len(chunks) {
			end = len(chunks)
		}
		batch := chunks[i:end]

		tx, err := s.pool.Begin(ctx)
		if err != nil {
			return out, err
		}
		for j := range batch {
			const q = `
INSERT INTO data_chunks (project_id, asset_id, chunk_text, chunk_order)
VALUES ($1, $2, $3, $4)
RETURNING id, created_at;`
			if err := tx.QueryRow(ctx, q, batch[j].ProjectID, batch[j].AssetID, batch[j].ChunkText, batch[j].ChunkOrder).
				Scan(&batch[j].ID, &batch[j].CreatedAt); err != nil {
				_ = tx.Rollback(ctx)
				return out, err
			}
		}
		if err := tx.Commit(ctx); err != nil {
			return out, err
		}
		out = append(out, batch...)
	}
	return out, nil
}

// DeleteChunksByProject deletes every chunk of a project and returns the
// number of rows removed.
func (s *Store) DeleteChunksByProject(ctx context.Context, projectID int64) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM data_chunks WHERE project_id = $1;`, projectID)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

const defaultChunkPageSize = 50

// ListChunks returns a deterministic page (ordered by id ascending) of a
// project's chunks.
func (s *Store) ListChunks(ctx context.Context, projectID int64, pageNo, pageSize int) ([]models.DataChunk, error) {
	if pageSize <= 0 {
		pageSize = defaultChunkPageSize
	}
	if pageNo < 1 {
		pageNo = 1
	}
	offset := (pageNo - 1) * pageSize

	rows, err := s.pool.Query(ctx, `
SELECT id, project_id, asset_id, chunk_text, chunk_order, created_at
FROM data_chunks WHERE project_id = $1
ORDER BY id ASC
OFFSET $2 LIMIT $3;`, projectID, offset, pageSize)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.DataChunk
	for rows.Next() {
		var c models.DataChunk
		if err := rows.Scan(&c.ID, &c.ProjectID, &c.AssetID, &c.ChunkText, &c.ChunkOrder, &c.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// CountChunks returns the total number of chunks belonging to a project.
func (s *Store) CountChunks(ctx context.Context, projectID int64) (int64, error) {
	var n int64
	err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM data_chunks WHERE project_id = $1;`, projectID).Scan(&n)
	return n, err
}
