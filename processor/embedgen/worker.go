// Package embedgen implements the embedding generation worker: it consumes
// embedding jobs from the durable queue, turns entity text into vectors,
// and upserts them into the vector index keyed by (user, type, id).
package embedgen

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/2dots1line/cosmos/entity"
	"github.com/2dots1line/cosmos/errors"
	"github.com/2dots1line/cosmos/message"
	"github.com/2dots1line/cosmos/metric"
	"github.com/2dots1line/cosmos/natsclient"
	"github.com/2dots1line/cosmos/pkg/embedding"
	"github.com/2dots1line/cosmos/pkg/retry"
	"github.com/2dots1line/cosmos/pkg/worker"
)

// VectorIndex is the slice of the vector store this worker writes to.
type VectorIndex interface {
	Upsert(ctx context.Context, userID string, ref entity.Ref, vector []float32) error
}

// Config tunes the worker's queue consumption.
type Config struct {
	Concurrency int
	QueueSize   int
	MaxDeliver  int
	AckWait     time.Duration

	// JobTimeout bounds one job end to end so a stuck store or embedder
	// call cannot pin a worker slot. Defaults to AckWait, past which the
	// queue redelivers the message regardless.
	JobTimeout time.Duration
}

func (c *Config) applyDefaults() {
	if c.Concurrency <= 0 {
		c.Concurrency = 4
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 4 * c.Concurrency
	}
	if c.MaxDeliver <= 0 {
		c.MaxDeliver = 5
	}
	if c.AckWait <= 0 {
		c.AckWait = 2 * time.Minute
	}
	if c.JobTimeout <= 0 {
		c.JobTimeout = c.AckWait
	}
}

// Worker consumes embedding jobs and writes vectors to the index.
type Worker struct {
	cfg      Config
	embedder embedding.Embedder
	index    VectorIndex
	client   *natsclient.Client
	metrics  *metric.Metrics
	logger   *slog.Logger
	pool     *worker.Pool[jetstream.Msg]
	retryCfg retry.Config
}

// New creates the embedding generation worker. client may be nil in tests
// that drive Process directly.
func New(cfg Config, embedder embedding.Embedder, index VectorIndex, client *natsclient.Client, metrics *metric.Metrics, logger *slog.Logger) (*Worker, error) {
	if embedder == nil {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "EmbedGen", "New", "embedder")
	}
	if index == nil {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "EmbedGen", "New", "vector index")
	}
	if logger == nil {
		logger = slog.Default()
	}
	cfg.applyDefaults()

	w := &Worker{
		cfg:      cfg,
		embedder: embedder,
		index:    index,
		client:   client,
		metrics:  metrics,
		logger:   logger.With("component", "embedgen"),
		retryCfg: retry.DefaultConfig(),
	}

	opts := []worker.Option[jetstream.Msg]{}
	if metrics != nil {
		opts = append(opts, worker.WithMetrics[jetstream.Msg](metrics.Registerer(), "embedgen"))
	}
	w.pool = worker.NewPool(cfg.Concurrency, cfg.QueueSize, w.handle, opts...)
	return w, nil
}

// Start begins consuming the embedding job stream.
func (w *Worker) Start(ctx context.Context) error {
	if err := w.pool.Start(ctx); err != nil {
		return err
	}
	return w.client.Consume(ctx, message.StreamEmbedding, jetstream.ConsumerConfig{
		Durable:       message.ConsumerEmbeddingJobs,
		FilterSubject: message.SubjectEmbeddingJobs,
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       w.cfg.AckWait,
		MaxDeliver:    w.cfg.MaxDeliver,
	}, w.dispatch)
}

// Stop drains in-flight jobs. Message consumption should already be
// stopped via the client before calling this.
func (w *Worker) Stop(timeout time.Duration) error {
	return w.pool.Stop(timeout)
}

func (w *Worker) dispatch(msg jetstream.Msg) {
	if err := w.pool.Submit(msg); err != nil {
		// Queue full: let the server redeliver after AckWait backoff.
		if nakErr := msg.Nak(); nakErr != nil {
			w.logger.Warn("nak failed on full queue", "error", nakErr)
		}
	}
}

// handle maps the outcome of one job to a queue disposition: permanent
// input errors terminate the message, transient errors requeue it.
func (w *Worker) handle(ctx context.Context, msg jetstream.Msg) error {
	start := time.Now()

	var job message.EmbeddingJob
	if err := json.Unmarshal(msg.Data(), &job); err != nil {
		w.logger.Error("malformed embedding job", "error", err)
		w.count("invalid")
		return w.term(msg)
	}

	err := w.Process(ctx, job)
	if w.metrics != nil {
		w.metrics.EmbeddingDuration.Observe(time.Since(start).Seconds())
	}

	switch {
	case err == nil:
		w.count("success")
		if ackErr := msg.Ack(); ackErr != nil {
			w.logger.Warn("ack failed", "entity_id", job.EntityID, "error", ackErr)
		}
		return nil

	case errors.IsInvalid(err):
		w.logger.Error("rejecting embedding job",
			"entity_id", job.EntityID, "entity_type", job.EntityType, "error", err)
		w.count("invalid")
		return w.term(msg)

	default:
		w.logger.Warn("embedding job failed, requeueing",
			"entity_id", job.EntityID, "error", err)
		w.count("error")
		if nakErr := msg.Nak(); nakErr != nil {
			w.logger.Warn("nak failed", "entity_id", job.EntityID, "error", nakErr)
		}
		return err
	}
}

// Process runs one embedding job end to end: validate, embed, check and
// normalize the vector, upsert into the index. The whole job runs under
// JobTimeout so no blocking call outlives its slot.
func (w *Worker) Process(ctx context.Context, job message.EmbeddingJob) error {
	ctx, cancel := context.WithTimeout(ctx, w.cfg.JobTimeout)
	defer cancel()

	if err := job.Validate(); err != nil {
		return err
	}

	vectors, err := w.embedder.Generate(ctx, []string{job.Text})
	if err != nil {
		return errors.Wrap(err, "EmbedGen", "Process", "generate embedding")
	}
	if len(vectors) != 1 {
		return errors.WrapTransient(errors.ErrEmbeddingFailed, "EmbedGen", "Process", "unexpected batch size")
	}

	vector := vectors[0]
	if err := embedding.ValidateVector(vector, w.embedder.Dimensions()); err != nil {
		return err
	}
	vector = embedding.Normalize(vector)

	ref := entity.Ref{ID: job.EntityID, Type: job.EntityType}
	err = retry.Do(ctx, w.retryCfg, func() error {
		upsertErr := w.index.Upsert(ctx, job.UserID, ref, vector)
		if upsertErr != nil && !errors.IsTransient(upsertErr) {
			return retry.NonRetryable(upsertErr)
		}
		return upsertErr
	})
	if err != nil {
		return errors.Wrap(err, "EmbedGen", "Process", "upsert vector")
	}

	w.logger.Debug("embedding stored",
		"user_id", job.UserID, "entity_id", job.EntityID, "entity_type", job.EntityType)
	return nil
}

func (w *Worker) count(status string) {
	if w.metrics != nil {
		w.metrics.EmbeddingsGenerated.WithLabelValues(status).Inc()
	}
}

func (w *Worker) term(msg jetstream.Msg) error {
	if err := msg.Term(); err != nil {
		w.logger.Warn("term failed", "error", err)
	}
	return nil
}
