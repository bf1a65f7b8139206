// Package spatial implements the spatial projection worker: it consumes
// projection events, waits for the entities' embeddings to land, decides
// between fitting a fresh manifold layout and re-projecting through the
// stored matrix, calls the dimension reduction service, and persists the
// resulting 3D coordinates.
package spatial

import (
	"context"

	"github.com/2dots1line/cosmos/entity"
	"github.com/2dots1line/cosmos/graphstore"
	"github.com/2dots1line/cosmos/matrixstore"
	"github.com/2dots1line/cosmos/reducer"
)

// VectorIndex is the read side of the vector store this worker consumes.
type VectorIndex interface {
	GetBatch(ctx context.Context, userID string, refs []entity.Ref) (map[entity.Ref][]float32, error)
	All(ctx context.Context, userID string) (map[entity.Ref][]float32, error)
}

// GraphReader takes point-in-time snapshots of a user's knowledge graph.
type GraphReader interface {
	Snapshot(ctx context.Context, userID string) (*graphstore.Snapshot, error)
}

// PositionStore persists entity coordinates and answers layout-size
// queries for the mode decision.
type PositionStore interface {
	UpdatePosition(ctx context.Context, userID string, ref entity.Ref, pos entity.Position) error
	CountPositioned(ctx context.Context, userID string) (int, error)
	CountPositionedAmong(ctx context.Context, userID string, refs []entity.Ref) (int, error)
}

// MatrixStore holds the per-user projection matrix learned by the last
// manifold fit.
type MatrixStore interface {
	Current(ctx context.Context, userID string) (*matrixstore.Record, error)
	Replace(ctx context.Context, rec matrixstore.Record) error
}

// Reducer is the dimension reduction service.
type Reducer interface {
	Fit(ctx context.Context, vectors [][]float32, hyperparameters map[string]any) (*reducer.FitResult, error)
	Transform(ctx context.Context, vectors [][]float32, matrix reducer.Matrix) ([]reducer.Coordinate, error)
	IsHealthy(ctx context.Context) bool
}

// Publisher sends the best-effort completion notification.
type Publisher interface {
	Publish(ctx context.Context, subject string, data []byte) error
}
