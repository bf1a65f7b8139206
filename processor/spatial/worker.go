package spatial

import (
	"context"
	"encoding/json"
	"log/slog"
	"sort"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/2dots1line/cosmos/entity"
	"github.com/2dots1line/cosmos/errors"
	"github.com/2dots1line/cosmos/matrixstore"
	"github.com/2dots1line/cosmos/message"
	"github.com/2dots1line/cosmos/metric"
	"github.com/2dots1line/cosmos/natsclient"
	"github.com/2dots1line/cosmos/pkg/embedding"
	"github.com/2dots1line/cosmos/pkg/worker"
	"github.com/2dots1line/cosmos/reducer"
)

// Config tunes both the queue consumption and the projection policy.
type Config struct {
	Mode ModeConfig

	// Dimensions of the stored embedding vectors, used when synthesizing
	// pseudo-vectors.
	Dimensions int

	// EmbeddingWaitRetries bounds how many redeliveries an event may spend
	// waiting for its entities' embeddings before degrading to
	// pseudo-vectors. EmbeddingWaitDelay is the redelivery delay.
	EmbeddingWaitRetries int
	EmbeddingWaitDelay   time.Duration

	Concurrency int
	QueueSize   int
	MaxDeliver  int
	AckWait     time.Duration

	// JobTimeout bounds one projection pass end to end so a stuck store
	// call cannot hold a worker slot and the user's lock. Defaults to
	// AckWait, past which the queue redelivers the event regardless.
	JobTimeout time.Duration

	// Hyperparameters forwarded to the reducer on manifold fits.
	FitHyperparameters map[string]any
}

func (c *Config) applyDefaults() {
	if c.Dimensions <= 0 {
		c.Dimensions = 768
	}
	if c.EmbeddingWaitRetries <= 0 {
		c.EmbeddingWaitRetries = 6
	}
	if c.EmbeddingWaitDelay <= 0 {
		c.EmbeddingWaitDelay = 10 * time.Second
	}
	if c.Concurrency <= 0 {
		c.Concurrency = 4
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 4 * c.Concurrency
	}
	if c.MaxDeliver <= 0 {
		// Must exceed the embedding wait ceiling or events degrade to the
		// dead letter path before the wait loop finishes.
		c.MaxDeliver = c.EmbeddingWaitRetries + 5
	}
	if c.AckWait <= 0 {
		c.AckWait = 5 * time.Minute
	}
	if c.JobTimeout <= 0 {
		c.JobTimeout = c.AckWait
	}
	if c.FitHyperparameters == nil {
		c.FitHyperparameters = map[string]any{
			"n_neighbors": 15,
			"min_dist":    0.1,
			"metric":      "cosine",
		}
	}
}

// Worker consumes projection events and writes entity coordinates.
type Worker struct {
	cfg       Config
	vectors   VectorIndex
	graph     GraphReader
	positions PositionStore
	matrices  MatrixStore
	reducer   Reducer
	publisher Publisher
	client    *natsclient.Client
	metrics   *metric.Metrics
	logger    *slog.Logger
	pool      *worker.Pool[jetstream.Msg]
	locks     *userLock
}

// New creates the spatial projection worker. client may be nil in tests
// that drive Process directly.
func New(cfg Config, vectors VectorIndex, graph GraphReader, positions PositionStore, matrices MatrixStore, red Reducer, publisher Publisher, client *natsclient.Client, metrics *metric.Metrics, logger *slog.Logger) (*Worker, error) {
	switch {
	case vectors == nil:
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "Spatial", "New", "vector index")
	case graph == nil:
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "Spatial", "New", "graph reader")
	case positions == nil:
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "Spatial", "New", "position store")
	case matrices == nil:
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "Spatial", "New", "matrix store")
	case red == nil:
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "Spatial", "New", "reducer")
	}
	if logger == nil {
		logger = slog.Default()
	}
	cfg.applyDefaults()

	w := &Worker{
		cfg:       cfg,
		vectors:   vectors,
		graph:     graph,
		positions: positions,
		matrices:  matrices,
		reducer:   red,
		publisher: publisher,
		client:    client,
		metrics:   metrics,
		logger:    logger.With("component", "spatial"),
		locks:     newUserLock(),
	}

	opts := []worker.Option[jetstream.Msg]{}
	if metrics != nil {
		opts = append(opts, worker.WithMetrics[jetstream.Msg](metrics.Registerer(), "spatial"))
	}
	w.pool = worker.NewPool(cfg.Concurrency, cfg.QueueSize, w.handle, opts...)
	return w, nil
}

// Start begins consuming the projection event stream. The consumer filters
// on the per-user subject pattern so every user's events land here.
func (w *Worker) Start(ctx context.Context) error {
	if err := w.pool.Start(ctx); err != nil {
		return err
	}
	return w.client.Consume(ctx, message.StreamProjection, jetstream.ConsumerConfig{
		Durable:       message.ConsumerProjection,
		FilterSubject: message.SubjectProjectionPattern,
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       w.cfg.AckWait,
		MaxDeliver:    w.cfg.MaxDeliver,
	}, w.dispatch)
}

// Stop drains in-flight projection passes.
func (w *Worker) Stop(timeout time.Duration) error {
	return w.pool.Stop(timeout)
}

func (w *Worker) dispatch(msg jetstream.Msg) {
	if err := w.pool.Submit(msg); err != nil {
		if nakErr := msg.Nak(); nakErr != nil {
			w.logger.Warn("nak failed on full queue", "error", nakErr)
		}
	}
}

func (w *Worker) handle(ctx context.Context, msg jetstream.Msg) error {
	var ev message.ProjectionEvent
	if err := json.Unmarshal(msg.Data(), &ev); err != nil {
		w.logger.Error("malformed projection event", "error", err)
		return w.term(msg)
	}
	if err := ev.Validate(); err != nil {
		w.logger.Error("rejecting projection event", "user_id", ev.UserID, "error", err)
		return w.term(msg)
	}

	delivered := 1
	if meta, err := msg.Metadata(); err == nil {
		delivered = int(meta.NumDelivered)
	}

	requeue, err := w.Process(ctx, ev, delivered)
	switch {
	case requeue:
		if w.metrics != nil {
			w.metrics.EmbeddingWaitRequeues.Inc()
		}
		if nakErr := msg.NakWithDelay(w.cfg.EmbeddingWaitDelay); nakErr != nil {
			w.logger.Warn("delayed nak failed", "user_id", ev.UserID, "error", nakErr)
		}
		return nil

	case err == nil:
		if ackErr := msg.Ack(); ackErr != nil {
			w.logger.Warn("ack failed", "user_id", ev.UserID, "error", ackErr)
		}
		return nil

	case errors.IsInvalid(err):
		w.logger.Error("rejecting projection event", "user_id", ev.UserID, "error", err)
		return w.term(msg)

	default:
		w.logger.Warn("projection failed, requeueing", "user_id", ev.UserID, "error", err)
		if nakErr := msg.Nak(); nakErr != nil {
			w.logger.Warn("nak failed", "user_id", ev.UserID, "error", nakErr)
		}
		return err
	}
}

// Process runs one projection pass. delivered is how many times the queue
// has handed this event to a consumer; it bounds the embedding wait loop.
// requeue=true asks the caller to schedule a delayed redelivery instead of
// treating the pass as finished or failed.
func (w *Worker) Process(ctx context.Context, ev message.ProjectionEvent, delivered int) (requeue bool, err error) {
	ctx, cancel := context.WithTimeout(ctx, w.cfg.JobTimeout)
	defer cancel()

	unlock := w.locks.Lock(ev.UserID)
	defer unlock()

	start := time.Now()
	method := "none"
	defer func() {
		if w.metrics == nil {
			return
		}
		status := "success"
		if requeue {
			status = "requeued"
		} else if err != nil {
			status = "error"
		}
		w.metrics.ProjectionRuns.WithLabelValues(method, status).Inc()
		w.metrics.ProjectionDuration.WithLabelValues(method).Observe(time.Since(start).Seconds())
	}()

	targets := ev.Entities

	// Bulk cycle events with no explicit entity list reposition the whole
	// graph; resolve the target set from a snapshot.
	var snap *graphSnapshot
	if len(targets) == 0 {
		snap, err = w.snapshot(ctx, ev.UserID)
		if err != nil {
			return false, err
		}
		targets = snap.refs
		if len(targets) == 0 {
			w.logger.Info("empty graph, nothing to project", "user_id", ev.UserID)
			return false, nil
		}
	}

	found, err := w.vectors.GetBatch(ctx, ev.UserID, targets)
	if err != nil {
		return false, errors.Wrap(err, "Spatial", "Process", "read event vectors")
	}

	missing := missingRefs(targets, found)
	if len(missing) > 0 {
		if delivered <= w.cfg.EmbeddingWaitRetries {
			w.logger.Info("awaiting embeddings",
				"user_id", ev.UserID, "missing", len(missing), "delivery", delivered)
			return true, nil
		}
		// Wait ceiling hit: fabricate deterministic vectors so the batch
		// still gets positioned instead of being dropped.
		w.logger.Warn("embedding wait exhausted, using pseudo-vectors",
			"user_id", ev.UserID, "missing", len(missing))
		for _, ref := range missing {
			found[ref] = embedding.PseudoVector(pseudoSeed(ev.UserID, ref), w.cfg.Dimensions)
			w.fallback(metric.FallbackPseudoVector)
		}
	}

	totalNodes, err := w.countTotalNodes(ctx, ev.UserID, targets)
	if err != nil {
		return false, err
	}

	mode := DecideMode(totalNodes, w.cfg.Mode)

	var matrix *matrixstore.Record
	if mode == ModeTransforming {
		matrix, err = w.matrices.Current(ctx, ev.UserID)
		if errors.IsNotFound(err) {
			// Cold start: no matrix to transform through yet.
			mode = ModeLearning
		} else if err != nil {
			return false, errors.Wrap(err, "Spatial", "Process", "read matrix")
		}
	}

	var refs []entity.Ref
	var coords []reducer.Coordinate
	if mode == ModeLearning {
		refs, coords, method, err = w.learn(ctx, ev.UserID, snap, found)
	} else {
		method = MethodLinear
		refs, coords, err = w.transform(ctx, targets, found, matrix)
		if err != nil {
			w.logger.Warn("linear transform failed, using spiral fallback",
				"user_id", ev.UserID, "error", err)
			method = MethodSpiral
			refs = orderedRefs(found)
			coords = w.spiral(len(refs))
			err = nil
		}
	}
	if err != nil {
		return false, err
	}

	written := w.persist(ctx, ev.UserID, refs, coords)

	w.logger.Info("projection pass complete",
		"user_id", ev.UserID, "mode", mode, "method", method,
		"total_nodes", totalNodes, "written", written,
		"duration", time.Since(start))

	w.notify(ctx, ev, written, method)
	return false, nil
}

// graphSnapshot is the subset of a graph snapshot the worker needs.
type graphSnapshot struct {
	refs []entity.Ref
}

func (w *Worker) snapshot(ctx context.Context, userID string) (*graphSnapshot, error) {
	snap, err := w.graph.Snapshot(ctx, userID)
	if err != nil {
		return nil, errors.Wrap(err, "Spatial", "snapshot", "read graph")
	}
	refs := make([]entity.Ref, 0, len(snap.Entities))
	for _, e := range snap.Entities {
		refs = append(refs, e.Ref)
	}
	return &graphSnapshot{refs: refs}, nil
}

// countTotalNodes computes the layout size the mode decision keys on: all
// currently positioned entities plus the event's not-yet-positioned ones.
func (w *Worker) countTotalNodes(ctx context.Context, userID string, targets []entity.Ref) (int, error) {
	positioned, err := w.positions.CountPositioned(ctx, userID)
	if err != nil {
		return 0, errors.Wrap(err, "Spatial", "countTotalNodes", "count positioned")
	}
	alreadyPositioned, err := w.positions.CountPositionedAmong(ctx, userID, targets)
	if err != nil {
		return 0, errors.Wrap(err, "Spatial", "countTotalNodes", "count event entities")
	}
	return positioned + len(targets) - alreadyPositioned, nil
}

// learn runs a full manifold fit: every entity in the user's graph gets a
// fresh coordinate from one consistent layout, and the learned matrix
// supersedes the stored one. eventVectors covers the event's entities,
// including any pseudo-vectors fabricated after the wait ceiling.
func (w *Worker) learn(ctx context.Context, userID string, snap *graphSnapshot, eventVectors map[entity.Ref][]float32) ([]entity.Ref, []reducer.Coordinate, string, error) {
	if snap == nil {
		var err error
		snap, err = w.snapshot(ctx, userID)
		if err != nil {
			return nil, nil, MethodManifold, err
		}
	}

	all, err := w.vectors.All(ctx, userID)
	if err != nil {
		return nil, nil, MethodManifold, errors.Wrap(err, "Spatial", "learn", "read all vectors")
	}
	for ref, vec := range eventVectors {
		all[ref] = vec
	}
	// Snapshot entities with no stored vector still get a deterministic one
	// so the whole graph lands in the layout.
	for _, ref := range snap.refs {
		if _, ok := all[ref]; !ok {
			all[ref] = embedding.PseudoVector(pseudoSeed(userID, ref), w.cfg.Dimensions)
			w.fallback(metric.FallbackPseudoVector)
		}
	}
	if len(all) == 0 {
		return nil, nil, MethodManifold, nil
	}

	refs := orderedRefs(all)
	vectors := make([][]float32, len(refs))
	for i, ref := range refs {
		vectors[i] = all[ref]
	}

	if !w.reducer.IsHealthy(ctx) {
		w.logger.Warn("reducer unhealthy, using spiral fallback", "user_id", userID)
		return refs, w.spiral(len(refs)), MethodSpiral, nil
	}

	result, err := w.reducer.Fit(ctx, vectors, w.cfg.FitHyperparameters)
	if err != nil {
		w.logger.Warn("manifold fit failed, using spiral fallback",
			"user_id", userID, "error", err)
		return refs, w.spiral(len(refs)), MethodSpiral, nil
	}
	if len(result.Coordinates) != len(refs) {
		return nil, nil, MethodManifold, errors.WrapTransient(errors.ErrReducerUnavailable,
			"Spatial", "learn", "coordinate count mismatch")
	}

	err = w.matrices.Replace(ctx, matrixstore.Record{
		UserID:     userID,
		Matrix:     result.Matrix,
		LearnedAt:  time.Now().UTC(),
		Parameters: result.Parameters,
	})
	if err != nil {
		return nil, nil, MethodManifold, errors.Wrap(err, "Spatial", "learn", "store matrix")
	}

	return refs, result.Coordinates, MethodManifold, nil
}

// transform re-projects only the event's entities through the stored
// matrix. Positions of entities outside the event are never touched.
func (w *Worker) transform(ctx context.Context, targets []entity.Ref, vectors map[entity.Ref][]float32, matrix *matrixstore.Record) ([]entity.Ref, []reducer.Coordinate, error) {
	refs := orderedRefs(vectors)
	batch := make([][]float32, len(refs))
	for i, ref := range refs {
		batch[i] = vectors[ref]
	}

	coords, err := w.reducer.Transform(ctx, batch, matrix.Matrix)
	if err != nil {
		return nil, nil, err
	}
	if len(coords) != len(refs) {
		return nil, nil, errors.WrapTransient(errors.ErrReducerUnavailable,
			"Spatial", "transform", "coordinate count mismatch")
	}
	return refs, coords, nil
}

// persist writes each entity's coordinate triple. Per-entity failures are
// logged and skipped; one bad row never fails the batch.
func (w *Worker) persist(ctx context.Context, userID string, refs []entity.Ref, coords []reducer.Coordinate) int {
	written := 0
	for i, ref := range refs {
		pos := entity.Position{X: coords[i][0], Y: coords[i][1], Z: coords[i][2]}
		if err := w.positions.UpdatePosition(ctx, userID, ref, pos); err != nil {
			w.logger.Warn("position write failed, skipping entity",
				"user_id", userID, "entity_id", ref.ID, "entity_type", ref.Type, "error", err)
			if w.metrics != nil {
				w.metrics.PersistFailures.Inc()
			}
			continue
		}
		written++
		if w.metrics != nil {
			w.metrics.PositionsWritten.Inc()
		}
	}
	return written
}

// notify publishes the completion event. Best-effort: positions are already
// durable, so a failed publish is logged and dropped.
func (w *Worker) notify(ctx context.Context, ev message.ProjectionEvent, nodeCount int, method string) {
	if w.publisher == nil {
		return
	}
	payload, err := json.Marshal(message.NewCoordinatesUpdated(ev.UserID, nodeCount, method, ev.IsIncremental()))
	if err != nil {
		w.logger.Warn("notification marshal failed", "user_id", ev.UserID, "error", err)
		return
	}
	if err := w.publisher.Publish(ctx, message.SubjectCoordinatesUpdated, payload); err != nil {
		w.logger.Warn("completion notification failed", "user_id", ev.UserID, "error", err)
		if w.metrics != nil {
			w.metrics.NotifyFailures.Inc()
		}
	}
}

func (w *Worker) spiral(n int) []reducer.Coordinate {
	w.fallback(metric.FallbackSpiral)
	return reducer.SpiralCoordinates(n)
}

func (w *Worker) fallback(kind string) {
	if w.metrics != nil {
		w.metrics.FallbackTotal.WithLabelValues(kind).Inc()
	}
}

func (w *Worker) term(msg jetstream.Msg) error {
	if err := msg.Term(); err != nil {
		w.logger.Warn("term failed", "error", err)
	}
	return nil
}

func missingRefs(targets []entity.Ref, found map[entity.Ref][]float32) []entity.Ref {
	var missing []entity.Ref
	for _, ref := range targets {
		if _, ok := found[ref]; !ok {
			missing = append(missing, ref)
		}
	}
	return missing
}

// orderedRefs returns map keys in a stable order so vector batches and the
// coordinates they come back as stay aligned.
func orderedRefs(m map[entity.Ref][]float32) []entity.Ref {
	refs := make([]entity.Ref, 0, len(m))
	for ref := range m {
		refs = append(refs, ref)
	}
	sort.Slice(refs, func(i, j int) bool {
		if refs[i].Type != refs[j].Type {
			return refs[i].Type < refs[j].Type
		}
		return refs[i].ID < refs[j].ID
	})
	return refs
}

func pseudoSeed(userID string, ref entity.Ref) string {
	return userID + ":" + string(ref.Type) + ":" + ref.ID
}
