package spatial

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2dots1line/cosmos/entity"
	"github.com/2dots1line/cosmos/errors"
	"github.com/2dots1line/cosmos/graphstore"
	"github.com/2dots1line/cosmos/matrixstore"
	"github.com/2dots1line/cosmos/message"
	"github.com/2dots1line/cosmos/reducer"
)

type fakeVectors struct {
	data map[entity.Ref][]float32
	err  error
}

func (f *fakeVectors) GetBatch(_ context.Context, _ string, refs []entity.Ref) (map[entity.Ref][]float32, error) {
	if f.err != nil {
		return nil, f.err
	}
	out := make(map[entity.Ref][]float32)
	for _, ref := range refs {
		if v, ok := f.data[ref]; ok {
			out[ref] = v
		}
	}
	return out, nil
}

func (f *fakeVectors) All(_ context.Context, _ string) (map[entity.Ref][]float32, error) {
	if f.err != nil {
		return nil, f.err
	}
	out := make(map[entity.Ref][]float32, len(f.data))
	for ref, v := range f.data {
		out[ref] = v
	}
	return out, nil
}

type fakeGraph struct {
	entities []entity.Entity
	err      error
	calls    int
}

func (f *fakeGraph) Snapshot(_ context.Context, userID string) (*graphstore.Snapshot, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return &graphstore.Snapshot{UserID: userID, Entities: f.entities}, nil
}

type fakePositions struct {
	mu          sync.Mutex
	positioned  int
	prior       map[entity.Ref]bool
	written     map[entity.Ref]entity.Position
	failOn      map[entity.Ref]bool
	sawDeadline bool
}

func newFakePositions(positioned int) *fakePositions {
	return &fakePositions{
		positioned: positioned,
		prior:      make(map[entity.Ref]bool),
		written:    make(map[entity.Ref]entity.Position),
		failOn:     make(map[entity.Ref]bool),
	}
}

func (f *fakePositions) UpdatePosition(_ context.Context, _ string, ref entity.Ref, pos entity.Position) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failOn[ref] {
		return errors.WrapTransient(errors.ErrStorageUnavailable, "fakePositions", "UpdatePosition", "induced")
	}
	f.written[ref] = pos
	return nil
}

func (f *fakePositions) CountPositioned(ctx context.Context, _ string) (int, error) {
	f.mu.Lock()
	_, f.sawDeadline = ctx.Deadline()
	f.mu.Unlock()
	return f.positioned, nil
}

func (f *fakePositions) CountPositionedAmong(_ context.Context, _ string, refs []entity.Ref) (int, error) {
	n := 0
	for _, ref := range refs {
		if f.prior[ref] {
			n++
		}
	}
	return n, nil
}

type fakeMatrices struct {
	current  *matrixstore.Record
	replaced []matrixstore.Record
}

func (f *fakeMatrices) Current(_ context.Context, _ string) (*matrixstore.Record, error) {
	if f.current == nil {
		return nil, errors.WrapInvalid(errors.ErrMatrixNotFound, "fakeMatrices", "Current", "lookup")
	}
	return f.current, nil
}

func (f *fakeMatrices) Replace(_ context.Context, rec matrixstore.Record) error {
	f.replaced = append(f.replaced, rec)
	f.current = &rec
	return nil
}

type fakeReducer struct {
	healthy      bool
	fitErr       error
	transformErr error
	fitCalls     int
	transCalls   int
	lastFitSize  int
}

func (f *fakeReducer) Fit(_ context.Context, vectors [][]float32, _ map[string]any) (*reducer.FitResult, error) {
	f.fitCalls++
	f.lastFitSize = len(vectors)
	if f.fitErr != nil {
		return nil, f.fitErr
	}
	coords := make([]reducer.Coordinate, len(vectors))
	for i := range coords {
		coords[i] = reducer.Coordinate{float64(i), float64(i) + 0.5, 0}
	}
	return &reducer.FitResult{
		Coordinates: coords,
		Matrix:      reducer.Matrix{{1, 0, 0}, {0, 1, 0}},
	}, nil
}

func (f *fakeReducer) Transform(_ context.Context, vectors [][]float32, _ reducer.Matrix) ([]reducer.Coordinate, error) {
	f.transCalls++
	if f.transformErr != nil {
		return nil, f.transformErr
	}
	coords := make([]reducer.Coordinate, len(vectors))
	for i := range coords {
		coords[i] = reducer.Coordinate{float64(i) * 2, 1, 1}
	}
	return coords, nil
}

func (f *fakeReducer) IsHealthy(_ context.Context) bool { return f.healthy }

type fakePublisher struct {
	mu       sync.Mutex
	subjects []string
	payloads [][]byte
	err      error
}

func (f *fakePublisher) Publish(_ context.Context, subject string, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.subjects = append(f.subjects, subject)
	f.payloads = append(f.payloads, data)
	return nil
}

func (f *fakePublisher) last(t *testing.T) message.CoordinatesUpdated {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	require.NotEmpty(t, f.payloads)
	var n message.CoordinatesUpdated
	require.NoError(t, json.Unmarshal(f.payloads[len(f.payloads)-1], &n))
	return n
}

func memRef(i int) entity.Ref {
	return entity.Ref{ID: fmt.Sprintf("mem-%04d", i), Type: entity.TypeMemoryUnit}
}

func unitVec(dims, axis int) []float32 {
	v := make([]float32, dims)
	v[axis%dims] = 1
	return v
}

type fixture struct {
	vectors   *fakeVectors
	graph     *fakeGraph
	positions *fakePositions
	matrices  *fakeMatrices
	reducer   *fakeReducer
	publisher *fakePublisher
	worker    *Worker
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	f := &fixture{
		vectors:   &fakeVectors{data: make(map[entity.Ref][]float32)},
		graph:     &fakeGraph{},
		positions: newFakePositions(0),
		matrices:  &fakeMatrices{},
		reducer:   &fakeReducer{healthy: true},
		publisher: &fakePublisher{},
	}
	if cfg.Dimensions == 0 {
		cfg.Dimensions = 8
	}
	w, err := New(cfg, f.vectors, f.graph, f.positions, f.matrices, f.reducer, f.publisher,
		nil, nil, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	f.worker = w
	return f
}

// seed registers n memory units with vectors, a graph snapshot entry, and a
// prior position each.
func (f *fixture) seed(n, dims int) []entity.Ref {
	refs := make([]entity.Ref, n)
	for i := 0; i < n; i++ {
		ref := memRef(i)
		refs[i] = ref
		f.vectors.data[ref] = unitVec(dims, i)
		f.graph.entities = append(f.graph.entities, entity.Entity{Ref: ref, UserID: "user-1"})
		f.positions.prior[ref] = true
	}
	f.positions.positioned = n
	return refs
}

func newEntityEvent(refs ...entity.Ref) message.ProjectionEvent {
	return message.ProjectionEvent{
		Type:     message.EventNewEntities,
		UserID:   "user-1",
		Source:   "ingestion",
		Entities: refs,
	}
}

func TestProcessLearningAtIntervalMilestone(t *testing.T) {
	// 499 positioned entities plus one new concept lands exactly on the
	// 500 interval: full manifold fit, new matrix, all 500 repositioned.
	cfg := Config{Mode: ModeConfig{Interval: 500, MinNodes: 50, MaxNodes: 100000}, Dimensions: 8}
	f := newFixture(t, cfg)
	f.seed(499, 8)

	newRef := entity.Ref{ID: "concept-new", Type: entity.TypeConcept}
	f.vectors.data[newRef] = unitVec(8, 3)
	f.graph.entities = append(f.graph.entities, entity.Entity{Ref: newRef, UserID: "user-1"})

	requeue, err := f.worker.Process(context.Background(), newEntityEvent(newRef), 1)
	require.NoError(t, err)
	assert.False(t, requeue)

	assert.Equal(t, 1, f.reducer.fitCalls)
	assert.Equal(t, 500, f.reducer.lastFitSize, "fit covers the whole graph")
	assert.Zero(t, f.reducer.transCalls)
	require.Len(t, f.matrices.replaced, 1, "fit supersedes the stored matrix")
	assert.Len(t, f.positions.written, 500, "every entity repositioned")

	n := f.publisher.last(t)
	assert.Equal(t, "coordinates_updated", n.Type)
	assert.Equal(t, MethodManifold, n.Method)
	assert.Equal(t, 500, n.NodeCount)
	assert.True(t, n.IsIncremental)
}

func TestProcessTransformingBetweenMilestones(t *testing.T) {
	// 500 positioned entities with a stored matrix plus one arrival gives
	// 501: linear transform writes only the new entity.
	cfg := Config{Mode: ModeConfig{Interval: 500, MinNodes: 50, MaxNodes: 100000}, Dimensions: 8}
	f := newFixture(t, cfg)
	f.seed(500, 8)
	f.matrices.current = &matrixstore.Record{UserID: "user-1", Matrix: reducer.Matrix{{1, 0, 0}}}

	newRef := entity.Ref{ID: "mu-new", Type: entity.TypeMemoryUnit}
	f.vectors.data[newRef] = unitVec(8, 5)

	requeue, err := f.worker.Process(context.Background(), newEntityEvent(newRef), 1)
	require.NoError(t, err)
	assert.False(t, requeue)

	assert.Zero(t, f.reducer.fitCalls)
	assert.Equal(t, 1, f.reducer.transCalls)
	assert.Empty(t, f.matrices.replaced, "transform never touches the matrix")
	require.Len(t, f.positions.written, 1, "only the event entity gets a position")
	_, ok := f.positions.written[newRef]
	assert.True(t, ok)

	n := f.publisher.last(t)
	assert.Equal(t, MethodLinear, n.Method)
	assert.Equal(t, 1, n.NodeCount)
}

func TestProcessColdStartFallsBackToLearning(t *testing.T) {
	cfg := Config{Mode: ModeConfig{Interval: 500, MinNodes: 50, MaxNodes: 100000}, Dimensions: 8}
	f := newFixture(t, cfg)
	refs := f.seed(10, 8)
	f.positions.positioned = 10 // total 10, not a learning milestone

	requeue, err := f.worker.Process(context.Background(), newEntityEvent(refs[0]), 1)
	require.NoError(t, err)
	assert.False(t, requeue)

	// No stored matrix, so the transform request becomes a full fit.
	assert.Equal(t, 1, f.reducer.fitCalls)
	assert.Zero(t, f.reducer.transCalls)
	assert.Len(t, f.matrices.replaced, 1)
	assert.Equal(t, MethodManifold, f.publisher.last(t).Method)
}

func TestProcessWaitsForMissingEmbeddings(t *testing.T) {
	cfg := Config{
		Mode:                 ModeConfig{Interval: 500, MinNodes: 50, MaxNodes: 100000},
		Dimensions:           8,
		EmbeddingWaitRetries: 3,
	}
	f := newFixture(t, cfg)

	pending := entity.Ref{ID: "mu-pending", Type: entity.TypeMemoryUnit}
	f.graph.entities = append(f.graph.entities, entity.Entity{Ref: pending, UserID: "user-1"})

	requeue, err := f.worker.Process(context.Background(), newEntityEvent(pending), 1)
	require.NoError(t, err)
	assert.True(t, requeue, "missing embedding within the wait window requeues")
	assert.Empty(t, f.positions.written)
	assert.Empty(t, f.publisher.payloads, "no notification while waiting")
}

func TestProcessDegradesToPseudoVectorPastWaitCeiling(t *testing.T) {
	cfg := Config{
		Mode:                 ModeConfig{Interval: 500, MinNodes: 50, MaxNodes: 100000},
		Dimensions:           8,
		EmbeddingWaitRetries: 3,
	}
	f := newFixture(t, cfg)

	pending := entity.Ref{ID: "mu-pending", Type: entity.TypeMemoryUnit}
	f.graph.entities = append(f.graph.entities, entity.Entity{Ref: pending, UserID: "user-1"})

	requeue, err := f.worker.Process(context.Background(), newEntityEvent(pending), 4)
	require.NoError(t, err)
	assert.False(t, requeue, "past the ceiling the pass completes with a pseudo-vector")

	require.Len(t, f.positions.written, 1)
	pos := f.positions.written[pending]
	assert.False(t, math.IsNaN(pos.X) || math.IsNaN(pos.Y) || math.IsNaN(pos.Z))
	assert.NotEmpty(t, f.publisher.payloads, "degraded pass still notifies")
}

func TestProcessSpiralFallbackWhenReducerDown(t *testing.T) {
	cfg := Config{Mode: ModeConfig{Interval: 10, MinNodes: 5, MaxNodes: 100000}, Dimensions: 8}

	t.Run("fit error", func(t *testing.T) {
		f := newFixture(t, cfg)
		refs := f.seed(9, 8)
		newRef := entity.Ref{ID: "mu-new", Type: entity.TypeMemoryUnit}
		f.vectors.data[newRef] = unitVec(8, 2)
		f.graph.entities = append(f.graph.entities, entity.Entity{Ref: newRef, UserID: "user-1"})
		f.reducer.fitErr = errors.WrapTransient(errors.ErrReducerUnavailable, "fake", "Fit", "induced")

		requeue, err := f.worker.Process(context.Background(), newEntityEvent(newRef), 1)
		require.NoError(t, err)
		assert.False(t, requeue)

		assert.Len(t, f.positions.written, len(refs)+1, "every entity still gets finite coordinates")
		for _, pos := range f.positions.written {
			assert.False(t, math.IsInf(pos.X, 0) || math.IsNaN(pos.X))
		}
		assert.Empty(t, f.matrices.replaced, "no matrix stored from a fallback layout")
		assert.Equal(t, MethodSpiral, f.publisher.last(t).Method)
	})

	t.Run("unhealthy probe skips fit", func(t *testing.T) {
		f := newFixture(t, cfg)
		f.seed(9, 8)
		newRef := entity.Ref{ID: "mu-new", Type: entity.TypeMemoryUnit}
		f.vectors.data[newRef] = unitVec(8, 2)
		f.graph.entities = append(f.graph.entities, entity.Entity{Ref: newRef, UserID: "user-1"})
		f.reducer.healthy = false

		requeue, err := f.worker.Process(context.Background(), newEntityEvent(newRef), 1)
		require.NoError(t, err)
		assert.False(t, requeue)
		assert.Zero(t, f.reducer.fitCalls, "unhealthy reducer is not called")
		assert.Equal(t, MethodSpiral, f.publisher.last(t).Method)
	})

	t.Run("transform error", func(t *testing.T) {
		f := newFixture(t, cfg)
		f.seed(11, 8)
		f.matrices.current = &matrixstore.Record{UserID: "user-1", Matrix: reducer.Matrix{{1, 0, 0}}}
		newRef := entity.Ref{ID: "mu-new", Type: entity.TypeMemoryUnit}
		f.vectors.data[newRef] = unitVec(8, 2)
		f.reducer.transformErr = errors.WrapTransient(errors.ErrReducerUnavailable, "fake", "Transform", "induced")

		requeue, err := f.worker.Process(context.Background(), newEntityEvent(newRef), 1)
		require.NoError(t, err)
		assert.False(t, requeue)
		assert.Len(t, f.positions.written, 1, "fallback still only touches the event entity")
		assert.Equal(t, MethodSpiral, f.publisher.last(t).Method)
	})
}

func TestProcessBulkCycleRepositionsWholeGraph(t *testing.T) {
	cfg := Config{Mode: ModeConfig{Interval: 10, MinNodes: 5, MaxNodes: 100000}, Dimensions: 8}
	f := newFixture(t, cfg)
	f.seed(10, 8)

	ev := message.ProjectionEvent{
		Type:   message.EventCycleArtifacts,
		UserID: "user-1",
		Source: "insight-cycle",
	}

	requeue, err := f.worker.Process(context.Background(), ev, 1)
	require.NoError(t, err)
	assert.False(t, requeue)

	assert.GreaterOrEqual(t, f.graph.calls, 1, "empty entity list resolves targets from a snapshot")
	assert.Equal(t, 1, f.reducer.fitCalls, "10 nodes on a 10 interval triggers a fit")
	assert.Len(t, f.positions.written, 10)

	n := f.publisher.last(t)
	assert.False(t, n.IsIncremental)
}

func TestProcessPersistFailureSkipsEntity(t *testing.T) {
	cfg := Config{Mode: ModeConfig{Interval: 10, MinNodes: 5, MaxNodes: 100000}, Dimensions: 8}
	f := newFixture(t, cfg)
	refs := f.seed(9, 8)
	newRef := entity.Ref{ID: "mu-new", Type: entity.TypeMemoryUnit}
	f.vectors.data[newRef] = unitVec(8, 2)
	f.graph.entities = append(f.graph.entities, entity.Entity{Ref: newRef, UserID: "user-1"})
	f.positions.failOn[refs[3]] = true

	requeue, err := f.worker.Process(context.Background(), newEntityEvent(newRef), 1)
	require.NoError(t, err, "one bad row never fails the batch")
	assert.False(t, requeue)
	assert.Len(t, f.positions.written, 9, "failed entity skipped, rest written")
	assert.Equal(t, 9, f.publisher.last(t).NodeCount)
}

func TestProcessNotifyFailureDoesNotFailPass(t *testing.T) {
	cfg := Config{Mode: ModeConfig{Interval: 10, MinNodes: 5, MaxNodes: 100000}, Dimensions: 8}
	f := newFixture(t, cfg)
	refs := f.seed(10, 8)
	f.matrices.current = &matrixstore.Record{UserID: "user-1", Matrix: reducer.Matrix{{1, 0, 0}}}
	f.publisher.err = errors.WrapTransient(errors.ErrStorageUnavailable, "fakePublisher", "Publish", "induced")

	requeue, err := f.worker.Process(context.Background(), newEntityEvent(refs[0]), 1)
	require.NoError(t, err, "positions are durable even when the notification fails")
	assert.False(t, requeue)
	assert.NotEmpty(t, f.positions.written)
}

func TestProcessRunsUnderDeadline(t *testing.T) {
	cfg := Config{Mode: ModeConfig{Interval: 10, MinNodes: 5, MaxNodes: 100000}, Dimensions: 8}
	f := newFixture(t, cfg)
	refs := f.seed(10, 8)
	f.matrices.current = &matrixstore.Record{UserID: "user-1", Matrix: reducer.Matrix{{1, 0, 0}}}

	_, err := f.worker.Process(context.Background(), newEntityEvent(refs[0]), 1)
	require.NoError(t, err)
	assert.True(t, f.positions.sawDeadline, "store calls must carry the pass timeout")
}

func TestProcessVectorStoreErrorIsTransient(t *testing.T) {
	cfg := Config{Mode: ModeConfig{Interval: 10, MinNodes: 5, MaxNodes: 100000}, Dimensions: 8}
	f := newFixture(t, cfg)
	f.vectors.err = errors.WrapTransient(errors.ErrStorageUnavailable, "fakeVectors", "GetBatch", "induced")

	requeue, err := f.worker.Process(context.Background(), newEntityEvent(memRef(0)), 1)
	require.Error(t, err)
	assert.False(t, requeue)
	assert.True(t, errors.IsTransient(err))
}
