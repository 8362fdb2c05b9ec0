// Package vectorstore implements the per-project hybrid (dense + lexical)
// collection: schema, threshold-gated index creation, and Reciprocal-Rank
// Fusion search.
package vectorstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	pgvector "github.com/pgvector/pgvector-go"
	"github.com/rs/zerolog/log"
	"github.com/seanblong/reposearch/pkg/models"
)

// ErrCollectionNotFound is returned by operations that require an existing
// collection (insert, search) when the named collection is absent. Per
// spec §4.1, these operations never auto-create the collection.
var ErrCollectionNotFound = errors.New("collection not found")

// ErrDimensionMismatch flags a malformed vector whose length does not match
// the collection's declared dimension.
var ErrDimensionMismatch = errors.New("vector dimension mismatch")

// DistanceMethod selects the operator used for the dense ANN index.
type DistanceMethod string

const (
	DistanceCosine DistanceMethod = "cosine"
	DistanceDot    DistanceMethod = "dot"
)

func (d DistanceMethod) sqlOp() string {
	switch d {
	case DistanceDot:
		return "vector_ip_ops"
	default:
		return "vector_cosine_ops"
	}
}

func (d DistanceMethod) distanceOperator() string {
	switch d {
	case DistanceDot:
		return "<#>"
	default:
		return "<=>"
	}
}

// Language is one of the full-text tokenization configs spec §3 names.
type Language string

const (
	LanguageEnglish Language = "english"
	LanguageArabic  Language = "arabic"
	LanguageGerman  Language = "german"
	LanguageFrench  Language = "french"
)

func (l Language) orDefault() string {
	if l == "" {
		return string(LanguageEnglish)
	}
	return string(l)
}

const defaultBatchSize = 50
const defaultPrefix = "ragcore"

// CollectionInfo reports the administrative state of a collection.
type CollectionInfo struct {
	Owner       string
	Storage     string
	HasIndexes  bool
	RecordCount int64
}

// Store is the Vector Store provider of spec §4.1/§4.5.
type Store struct {
	pool      *pgxpool.Pool
	prefix    string
	distance  DistanceMethod
	threshold int
}

// Config configures a Store.
type Config struct {
	Prefix         string
	DistanceMethod DistanceMethod
	IndexThreshold int
}

// New wraps pool with the Vector Store contract. pool is the same pool
// internal/storage uses, per spec §5.
func New(pool *pgxpool.Pool, cfg Config) *Store {
	if cfg.Prefix == "" {
		cfg.Prefix = defaultPrefix
	}
	if cfg.DistanceMethod == "" {
		cfg.DistanceMethod = DistanceCosine
	}
	if cfg.IndexThreshold <= 0 {
		cfg.IndexThreshold = 100
	}
	return &Store{pool: pool, prefix: cfg.Prefix, distance: cfg.DistanceMethod, threshold: cfg.IndexThreshold}
}

// CollectionName is a pure function of project id, per spec §4.4.
func CollectionName(prefix string, projectID int64) string {
	if prefix == "" {
		prefix = defaultPrefix
	}
	return fmt.Sprintf("%s_collection_%d", prefix, projectID)
}

func (s *Store) CollectionName(projectID int64) string {
	return CollectionName(s.prefix, projectID)
}

func defaultEmbedIndexName(prefix, collection string) string {
	return fmt.Sprintf("%s_%s_vector_idx", prefix, collection)
}

func defaultGinIndexName(prefix, collection string) string {
	return fmt.Sprintf("%s_%s_fts_idx", prefix, collection)
}

// Connect ensures the vector extension is enabled; idempotent.
func (s *Store) Connect(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `CREATE EXTENSION IF NOT EXISTS vector;`)
	return err
}

func (s *Store) collectionExists(ctx context.Context, name string) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM pg_tables WHERE tablename = $1);`, name).Scan(&exists)
	return exists, err
}

// CreateCollection creates the per-project table with its tokenization
// trigger. If reset is true any existing collection of this name is
// dropped first.
func (s *Store) CreateCollection(ctx context.Context, name string, dim int, reset bool) error {
	if reset {
		if err := s.DeleteCollection(ctx, name); err != nil {
			return err
		}
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	createTable := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %[1]s (
  id SERIAL PRIMARY KEY,
  text TEXT,
  vector VECTOR(%[2]d),
  chunk_id INTEGER,
  language TEXT DEFAULT 'english',
  fts_tokens TSVECTOR,
  metadata JSONB DEFAULT '{}'
);`, name, dim)
	if _, err := tx.Exec(ctx, createTable); err != nil {
		return err
	}

	createFn := fmt.Sprintf(`
CREATE OR REPLACE FUNCTION %[1]s_tsvector_trigger() RETURNS trigger AS $$
BEGIN
  NEW.fts_tokens := to_tsvector(NEW.language::regconfig, NEW.text);
  RETURN NEW;
END
$$ LANGUAGE plpgsql;`, name)
	if _, err := tx.Exec(ctx, createFn); err != nil {
		return err
	}

	createTrigger := fmt.Sprintf(`
DROP TRIGGER IF EXISTS %[1]s_tsvector_update ON %[1]s;
CREATE TRIGGER %[1]s_tsvector_update
BEFORE INSERT OR UPDATE ON %[1]s
FOR EACH ROW EXECUTE FUNCTION %[1]s_tsvector_trigger();`, name)
	if _, err := tx.Exec(ctx, createTrigger); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return err
	}

	if err := s.maybeCreateIndexes(ctx, name); err != nil {
		// Index creation failure is logged but non-fatal, per spec §4.1.
		log.Warn().Err(err).Str("collection", name).Msg("vectorstore: index creation failed")
	}
	return nil
}

// DeleteCollection drops the table; idempotent.
func (s *Store) DeleteCollection(ctx context.Context, name string) error {
	_, err := s.pool.Exec(ctx, fmt.Sprintf(`DROP TABLE IF EXISTS %s;`, pgx.Identifier{name}.Sanitize()))
	return err
}

// CollectionInfo returns administrative metadata, or (CollectionInfo{},
// false, nil) when the collection is absent.
func (s *Store) CollectionInfo(ctx context.Context, name string) (CollectionInfo, bool, error) {
	const q = `
SELECT tableowner, COALESCE(tablespace, 'pg_default'), hasindexes
FROM pg_tables WHERE tablename = $1;`
	var info CollectionInfo
	err := s.pool.QueryRow(ctx, q, name).Scan(&info.Owner, &info.Storage, &info.HasIndexes)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return CollectionInfo{}, false, nil
		}
		return CollectionInfo{}, false, err
	}

	countQ := fmt.Sprintf(`SELECT COUNT(*) FROM %s;`, pgx.Identifier{name}.Sanitize())
	if err := s.pool.QueryRow(ctx, countQ).Scan(&info.RecordCount); err != nil {
		return CollectionInfo{}, false, err
	}
	return info, true, nil
}

func (s *Store) indexExists(ctx context.Context, collection, indexName string) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx, `
SELECT EXISTS (SELECT 1 FROM pg_indexes WHERE tablename = $1 AND indexname = $2);`,
		collection, indexName).Scan(&exists)
	return exists, err
}

func (s *Store) createEmbedIndex(ctx context.Context, name string) error {
	idx := defaultEmbedIndexName(s.prefix, name)
	exists, err := s.indexExists(ctx, name, idx)
	if err != nil || exists {
		return err
	}
	q := fmt.Sprintf(`CREATE INDEX %s ON %s USING hnsw (vector %s);`,
		pgx.Identifier{idx}.Sanitize(), pgx.Identifier{name}.Sanitize(), s.distance.sqlOp())
	_, err = s.pool.Exec(ctx, q)
	return err
}

func (s *Store) createGinIndex(ctx context.Context, name string) error {
	idx := defaultGinIndexName(s.prefix, name)
	exists, err := s.indexExists(ctx, name, idx)
	if err != nil || exists {
		return err
	}
	q := fmt.Sprintf(`CREATE INDEX %s ON %s USING GIN (fts_tokens);`,
		pgx.Identifier{idx}.Sanitize(), pgx.Identifier{name}.Sanitize())
	_, err = s.pool.Exec(ctx, q)
	return err
}

// maybeCreateIndexes builds both indexes once the collection's row count
// reaches the configured threshold. Re-invocations are no-ops once an
// index already exists.
func (s *Store) maybeCreateIndexes(ctx context.Context, name string) error {
	var count int64
	countQ := fmt.Sprintf(`SELECT COUNT(*) FROM %s;`, pgx.Identifier{name}.Sanitize())
	if err := s.pool.QueryRow(ctx, countQ).Scan(&count); err != nil {
		return err
	}
	if count < int64(s.threshold) {
		return nil
	}
	if err := s.createEmbedIndex(ctx, name); err != nil {
		return err
	}
	return s.createGinIndex(ctx, name)
}

// ResetIndexes drops both indexes and re-runs threshold-gated creation.
func (s *Store) ResetIndexes(ctx context.Context, name string) error {
	embedIdx := defaultEmbedIndexName(s.prefix, name)
	ginIdx := defaultGinIndexName(s.prefix, name)
	if _, err := s.pool.Exec(ctx, fmt.Sprintf(`DROP INDEX IF EXISTS %s;`, pgx.Identifier{embedIdx}.Sanitize())); err != nil {
		return err
	}
	if _, err := s.pool.Exec(ctx, fmt.Sprintf(`DROP INDEX IF EXISTS %s;`, pgx.Identifier{ginIdx}.Sanitize())); err != nil {
		return err
	}
	return s.maybeCreateIndexes(ctx, name)
}

// InsertOne inserts a single record, binding language as a value (not a
// column name literal — see SPEC_FULL §4.1 / spec §9).
func (s *Store) InsertOne(ctx context.Context, name, text string, vector []float32, metadata map[string]any, chunkID int64, language Language) error {
	exists, err := s.collectionExists(ctx, name)
	if err != nil {
		return err
	}
	if !exists {
		return ErrCollectionNotFound
	}

	metaJSON, err := marshalMetadata(metadata)
	if err != nil {
		return err
	}

	const q = `
INSERT INTO %s (text, vector, chunk_id, language, metadata)
VALUES ($1, $2, $3, $4, $5);`
	_, err = s.pool.Exec(ctx, fmt.Sprintf(q, pgx.Identifier{name}.Sanitize()),
		text, pgvector.NewVector(vector), chunkID, language.orDefault(), metaJSON)
	if err != nil {
		return err
	}
	if err := s.maybeCreateIndexes(ctx, name); err != nil {
		log.Warn().Err(err).Str("collection", name).Msg("vectorstore: index creation failed")
	}
	return nil
}

// InsertMany inserts records in batches of batchSize (default 50). All
// rows in one batch commit as a unit; preconditions are checked up front
// so a call that fails them inserts nothing, while a batch that fails
// later rolls back and leaves earlier batches committed.
func (s *Store) InsertMany(ctx context.Context, name string, texts []string, vectors [][]float32, metadatas []map[string]any, chunkIDs []int64, batchSize int, language Language) error {
	if len(texts) != len(vectors) || len(texts) != len(chunkIDs) {
		return errors.New("vectorstore: texts, vectors and chunkIDs must have equal length")
	}
	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}

	exists, err := s.collectionExists(ctx, name)
	if err != nil {
		return err
	}
	if !exists {
		return ErrCollectionNotFound
	}

	lang := language.orDefault()
	ident := pgx.Identifier{name}.Sanitize()

	for i := 0; i < len(texts); i += batchSize {
		end := i + batchSize
		if end > len(texts) {
			end = len(texts)
		}

		tx, err := s.pool.Begin(ctx)
		if err != nil {
			return err
		}
		for j := i; j < end; j++ {
			var meta map[string]any
			if metadatas != nil && j < len(metadatas) {
				meta = metadatas[j]
			}
			metaJSON, err := marshalMetadata(meta)
			if err != nil {
				_ = tx.Rollback(ctx)
				return err
			}
			q := fmt.Sprintf(`
INSERT INTO %s (text, vector, chunk_id, language, metadata)
VALUES ($1, $2, $3, $4, $5);`, ident)
			if _, err := tx.Exec(ctx, q, texts[j], pgvector.NewVector(vectors[j]), chunkIDs[j], lang, metaJSON); err != nil {
				_ = tx.Rollback(ctx)
				return err
			}
		}
		if err := tx.Commit(ctx); err != nil {
			return err
		}
	}

	if err := s.maybeCreateIndexes(ctx, name); err != nil {
		log.Warn().Err(err).Str("collection", name).Msg("vectorstore: index creation failed")
	}
	return nil
}

func marshalMetadata(m map[string]any) ([]byte, error) {
	if m == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(m)
}

// Search performs hybrid dense+lexical retrieval and fuses ranks with RRF.
func (s *Store) Search(ctx context.Context, name, queryText string, queryVector []float32, topK, rrfK int) ([]models.RetrievedDocument, error) {
	if topK <= 0 {
		return nil, nil
	}
	if rrfK <= 0 {
		rrfK = 60
	}

	exists, err := s.collectionExists(ctx, name)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, ErrCollectionNotFound
	}

	ident := pgx.Identifier{name}.Sanitize()
	q := fmt.Sprintf(`
WITH vector_results AS (
  SELECT id, ROW_NUMBER() OVER (ORDER BY vector %[2]s $1) AS rnk
  FROM %[1]s
  ORDER BY vector %[2]s $1
  LIMIT $3
),
keyword_results AS (
  SELECT id, ROW_NUMBER() OVER (ORDER BY ts_rank_cd(fts_tokens, plainto_tsquery($2)) DESC) AS rnk
  FROM %[1]s
  WHERE fts_tokens @@ plainto_tsquery($2)
  ORDER BY ts_rank_cd(fts_tokens, plainto_tsquery($2)) DESC
  LIMIT $3
)
SELECT
  t.text,
  (COALESCE(1.0 / ($4 + v.rnk), 0.0) + COALESCE(1.0 / ($4 + k.rnk), 0.0)) AS score
FROM vector_results v
FULL OUTER JOIN keyword_results k ON v.id = k.id
JOIN %[1]s t ON t.id = COALESCE(v.id, k.id)
ORDER BY score DESC
LIMIT $3;`, ident, s.distance.distanceOperator())

	rows, err := s.pool.Query(ctx, q, pgvector.NewVector(queryVector), strings.TrimSpace(queryText), topK, rrfK)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.RetrievedDocument
	for rows.Next() {
		var d models.RetrievedDocument
		if err := rows.Scan(&d.Text, &d.Score); err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// RRFScore computes the Reciprocal-Rank-Fusion score for one candidate
// given its (optional) rank in each modality. It mirrors the CTE in
// Search and exists so the fusion law (spec §8, "RRF monotonicity") is
// directly unit-testable without a database.
func RRFScore(rrfK int, denseRank int, denseOK bool, lexRank int, lexOK bool) float64 {
	var score float64
	if denseOK {
		score += 1.0 / float64(rrfK+denseRank)
	}
	if lexOK {
		score += 1.0 / float64(rrfK+lexRank)
	}
	return score
}
