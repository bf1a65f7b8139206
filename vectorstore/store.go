// Package vectorstore is the client for the vector index: a pgvector table
// keyed by (entity_type, entity_id, user_id) supporting upsert, point
// lookup, full per-user reads, and nearest-neighbor queries.
//
// A stored vector's age carries no meaning; presence is the only signal
// the projection worker reads.
package vectorstore

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"

	"github.com/2dots1line/cosmos/entity"
	"github.com/2dots1line/cosmos/errors"
)

// Store accesses the entity_vectors table.
type Store struct {
	pool       *pgxpool.Pool
	dimensions int
}

// New creates a vector store over an existing connection pool.
func New(pool *pgxpool.Pool, dimensions int) (*Store, error) {
	if pool == nil {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "VectorStore", "New", "pool")
	}
	if dimensions <= 0 {
		return nil, errors.WrapInvalid(errors.ErrInvalidConfig, "VectorStore", "New", "dimensions")
	}
	return &Store{pool: pool, dimensions: dimensions}, nil
}

// EnsureSchema creates the pgvector extension and the entity_vectors table
// if they do not exist.
func (s *Store) EnsureSchema(ctx context.Context) error {
	statements := []string{
		`CREATE EXTENSION IF NOT EXISTS vector`,
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS entity_vectors (
			user_id     TEXT NOT NULL,
			entity_type TEXT NOT NULL,
			entity_id   TEXT NOT NULL,
			embedding   vector(%d) NOT NULL,
			updated_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
			PRIMARY KEY (user_id, entity_type, entity_id)
		)`, s.dimensions),
		`CREATE INDEX IF NOT EXISTS entity_vectors_user_idx ON entity_vectors (user_id)`,
	}
	for _, stmt := range statements {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return errors.WrapTransient(err, "VectorStore", "EnsureSchema", "execute ddl")
		}
	}
	return nil
}

// Upsert writes a vector, overwriting any prior vector for the key.
func (s *Store) Upsert(ctx context.Context, userID string, ref entity.Ref, vector []float32) error {
	if len(vector) != s.dimensions {
		return errors.WrapInvalid(errors.ErrInvalidVector, "VectorStore", "Upsert",
			fmt.Sprintf("expected %d dimensions, got %d", s.dimensions, len(vector)))
	}

	_, err := s.pool.Exec(ctx, `
		INSERT INTO entity_vectors (user_id, entity_type, entity_id, embedding, updated_at)
		VALUES ($1, $2, $3, $4, now())
		ON CONFLICT (user_id, entity_type, entity_id)
		DO UPDATE SET embedding = EXCLUDED.embedding, updated_at = now()`,
		userID, string(ref.Type), ref.ID, pgvector.NewVector(vector))
	if err != nil {
		return errors.WrapTransient(err, "VectorStore", "Upsert", "put vector")
	}
	return nil
}

// Get returns the vector for a key, or errors.ErrVectorNotFound.
func (s *Store) Get(ctx context.Context, userID string, ref entity.Ref) ([]float32, error) {
	var vec pgvector.Vector
	err := s.pool.QueryRow(ctx, `
		SELECT embedding FROM entity_vectors
		WHERE user_id = $1 AND entity_type = $2 AND entity_id = $3`,
		userID, string(ref.Type), ref.ID).Scan(&vec)
	if err == pgx.ErrNoRows {
		return nil, errors.ErrVectorNotFound
	}
	if err != nil {
		return nil, errors.WrapTransient(err, "VectorStore", "Get", "lookup vector")
	}
	return vec.Slice(), nil
}

// GetBatch returns the vectors present for the given refs. Missing refs are
// simply absent from the result; the caller decides whether to wait or to
// degrade.
func (s *Store) GetBatch(ctx context.Context, userID string, refs []entity.Ref) (map[entity.Ref][]float32, error) {
	result := make(map[entity.Ref][]float32, len(refs))
	if len(refs) == 0 {
		return result, nil
	}

	types, ids := batchParams(refs)
	requested := make(map[entity.Ref]struct{}, len(refs))
	for _, ref := range refs {
		requested[ref] = struct{}{}
	}

	// Match on the (type, id) pair so an id collision across types can
	// never pull in a row that was not asked for.
	rows, err := s.pool.Query(ctx, `
		SELECT entity_type, entity_id, embedding FROM entity_vectors
		WHERE user_id = $1
		  AND (entity_type, entity_id) IN (SELECT unnest($2::text[]), unnest($3::text[]))`,
		userID, types, ids)
	if err != nil {
		return nil, errors.WrapTransient(err, "VectorStore", "GetBatch", "query vectors")
	}
	defer rows.Close()

	for rows.Next() {
		var entityType, entityID string
		var vec pgvector.Vector
		if err := rows.Scan(&entityType, &entityID, &vec); err != nil {
			return nil, errors.WrapTransient(err, "VectorStore", "GetBatch", "scan vector")
		}
		ref := entity.Ref{ID: entityID, Type: entity.Type(entityType)}
		if _, ok := requested[ref]; !ok {
			continue
		}
		result[ref] = vec.Slice()
	}
	if err := rows.Err(); err != nil {
		return nil, errors.WrapTransient(err, "VectorStore", "GetBatch", "iterate vectors")
	}
	return result, nil
}

// batchParams flattens refs into the parallel type and id arrays the batch
// query unnests into (type, id) pairs. Index i of both slices describes the
// same ref.
func batchParams(refs []entity.Ref) (types, ids []string) {
	types = make([]string, len(refs))
	ids = make([]string, len(refs))
	for i, ref := range refs {
		types[i] = string(ref.Type)
		ids[i] = ref.ID
	}
	return types, ids
}

// All returns every vector stored for a user, used by manifold-learning
// passes which reduce the full population.
func (s *Store) All(ctx context.Context, userID string) (map[entity.Ref][]float32, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT entity_type, entity_id, embedding FROM entity_vectors
		WHERE user_id = $1`, userID)
	if err != nil {
		return nil, errors.WrapTransient(err, "VectorStore", "All", "query vectors")
	}
	defer rows.Close()

	result := make(map[entity.Ref][]float32)
	for rows.Next() {
		var entityType, entityID string
		var vec pgvector.Vector
		if err := rows.Scan(&entityType, &entityID, &vec); err != nil {
			return nil, errors.WrapTransient(err, "VectorStore", "All", "scan vector")
		}
		result[entity.Ref{ID: entityID, Type: entity.Type(entityType)}] = vec.Slice()
	}
	if err := rows.Err(); err != nil {
		return nil, errors.WrapTransient(err, "VectorStore", "All", "iterate vectors")
	}
	return result, nil
}

// Neighbor is one nearest-neighbor match.
type Neighbor struct {
	Ref        entity.Ref
	Similarity float64
}

// Nearest returns the k nearest entities to the query vector by cosine
// distance, scoped to one user.
func (s *Store) Nearest(ctx context.Context, userID string, query []float32, k int) ([]Neighbor, error) {
	if k <= 0 {
		return nil, nil
	}

	rows, err := s.pool.Query(ctx, `
		SELECT entity_type, entity_id, 1 - (embedding <=> $2) AS similarity
		FROM entity_vectors
		WHERE user_id = $1
		ORDER BY embedding <=> $2
		LIMIT $3`,
		userID, pgvector.NewVector(query), k)
	if err != nil {
		return nil, errors.WrapTransient(err, "VectorStore", "Nearest", "query neighbors")
	}
	defer rows.Close()

	var neighbors []Neighbor
	for rows.Next() {
		var n Neighbor
		var entityType string
		if err := rows.Scan(&entityType, &n.Ref.ID, &n.Similarity); err != nil {
			return nil, errors.WrapTransient(err, "VectorStore", "Nearest", "scan neighbor")
		}
		n.Ref.Type = entity.Type(entityType)
		neighbors = append(neighbors, n)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.WrapTransient(err, "VectorStore", "Nearest", "iterate neighbors")
	}
	return neighbors, nil
}
