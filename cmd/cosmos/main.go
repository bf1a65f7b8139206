// Package main implements the entry point for the cosmos projection
// pipeline: the embedding generation worker and the spatial projection
// worker running against a shared job queue.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/2dots1line/cosmos/config"
	"github.com/2dots1line/cosmos/entitystore"
	"github.com/2dots1line/cosmos/graphstore"
	"github.com/2dots1line/cosmos/matrixstore"
	"github.com/2dots1line/cosmos/message"
	"github.com/2dots1line/cosmos/metric"
	"github.com/2dots1line/cosmos/natsclient"
	"github.com/2dots1line/cosmos/pkg/embedding"
	"github.com/2dots1line/cosmos/processor/embedgen"
	"github.com/2dots1line/cosmos/processor/spatial"
	"github.com/2dots1line/cosmos/reducer"
	"github.com/2dots1line/cosmos/vectorstore"
)

const appName = "cosmos"

// embeddingCacheSize bounds the content-hash cache; at 768 float32
// dimensions this is roughly 300MB of vectors.
const embeddingCacheSize = 100_000

func main() {
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			_, _ = fmt.Fprintf(os.Stderr, "PANIC: %v\nStack trace:\n%s\n", r, string(buf[:n]))
			os.Exit(2)
		}
	}()

	if err := run(); err != nil {
		slog.Error("application failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.FromEnv()
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}

	logger := newLogger(cfg)
	slog.SetDefault(logger)
	logger.Info("starting", "app", appName, "dimensions", cfg.VectorDimensions,
		"learning_interval", cfg.LearningInterval)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Queue connection.
	natsClient, err := natsclient.NewClient(cfg.NATSURL,
		natsclient.WithLogger(logger),
		natsclient.WithName(appName),
		natsclient.WithDrainTimeout(cfg.ShutdownTimeout),
	)
	if err != nil {
		return fmt.Errorf("create queue client: %w", err)
	}
	if err := natsClient.Connect(ctx); err != nil {
		return fmt.Errorf("connect to queue: %w", err)
	}
	defer natsClient.Close(context.Background())

	if err := ensureStreams(ctx, natsClient); err != nil {
		return err
	}

	// Relational stores.
	pgPool, err := pgxpool.New(ctx, cfg.PostgresDSN)
	if err != nil {
		return fmt.Errorf("create postgres pool: %w", err)
	}
	defer pgPool.Close()

	vectors, err := vectorstore.New(pgPool, cfg.VectorDimensions)
	if err != nil {
		return err
	}
	if err := vectors.EnsureSchema(ctx); err != nil {
		return fmt.Errorf("ensure vector schema: %w", err)
	}

	matrices, err := matrixstore.New(pgPool)
	if err != nil {
		return err
	}
	if err := matrices.EnsureSchema(ctx); err != nil {
		return fmt.Errorf("ensure matrix schema: %w", err)
	}

	positions, err := entitystore.New(pgPool)
	if err != nil {
		return err
	}

	// External services.
	graph, err := graphstore.NewClient(cfg.GraphStoreURL, cfg.GraphStoreUser, cfg.GraphStorePass, cfg.RequestTimeout)
	if err != nil {
		return err
	}

	cache, err := embedding.NewRistrettoCache(embeddingCacheSize, cfg.VectorDimensions)
	if err != nil {
		return err
	}
	defer cache.Close()

	embedder, err := embedding.NewHTTPEmbedder(embedding.HTTPConfig{
		BaseURL:    cfg.EmbedderBaseURL,
		Model:      cfg.EmbedderModel,
		APIKey:     cfg.EmbedderAPIKey,
		Dimensions: cfg.VectorDimensions,
		Timeout:    cfg.RequestTimeout,
		Cache:      cache,
		Logger:     logger,
	})
	if err != nil {
		return err
	}
	defer embedder.Close()

	red, err := reducer.New(cfg.ReducerURL, cfg.RequestTimeout, logger)
	if err != nil {
		return err
	}

	// Workers.
	metrics := metric.New()

	embedWorker, err := embedgen.New(embedgen.Config{
		Concurrency: cfg.QueueConcurrency,
		MaxDeliver:  cfg.MaxDeliver,
	}, embedder, vectors, natsClient, metrics, logger)
	if err != nil {
		return err
	}

	spatialWorker, err := spatial.New(spatial.Config{
		Mode: spatial.ModeConfig{
			Interval: cfg.LearningInterval,
			MinNodes: cfg.LearningMinNodes,
			MaxNodes: cfg.LearningMaxNodes,
		},
		Dimensions:           cfg.VectorDimensions,
		EmbeddingWaitRetries: cfg.EmbeddingWaitRetries,
		EmbeddingWaitDelay:   cfg.EmbeddingWaitDelay,
		Concurrency:          cfg.QueueConcurrency,
		// Wait-loop redeliveries must not eat into the failure budget.
		MaxDeliver: cfg.MaxDeliver + cfg.EmbeddingWaitRetries,
	}, vectors, graph, positions, matrices, red, natsClient, natsClient, metrics, logger)
	if err != nil {
		return err
	}

	if err := embedWorker.Start(ctx); err != nil {
		return fmt.Errorf("start embedding worker: %w", err)
	}
	if err := spatialWorker.Start(ctx); err != nil {
		return fmt.Errorf("start spatial worker: %w", err)
	}

	metricsServer := &http.Server{Addr: cfg.MetricsAddr, Handler: metricsMux(metrics, natsClient)}
	go func() {
		logger.Info("metrics listening", "addr", cfg.MetricsAddr)
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("metrics server failed", "error", err)
		}
	}()

	logger.Info("pipeline running")
	<-ctx.Done()
	logger.Info("shutting down")

	// Stop delivery first, then drain in-flight jobs so the current
	// entity's persist step finishes before exit. Publishes (completion
	// notifications) stay open until the final close.
	natsClient.StopConsumers()
	if err := embedWorker.Stop(cfg.ShutdownTimeout); err != nil {
		logger.Warn("embedding worker drain incomplete", "error", err)
	}
	if err := spatialWorker.Stop(cfg.ShutdownTimeout); err != nil {
		logger.Warn("spatial worker drain incomplete", "error", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := metricsServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("metrics server shutdown failed", "error", err)
	}

	logger.Info("shutdown complete")
	return nil
}

// ensureStreams declares the queue topology: work-queue retention on the
// two job streams so each message is owned by exactly one worker, and
// bounded interest retention on the notification stream.
func ensureStreams(ctx context.Context, client *natsclient.Client) error {
	streams := []jetstream.StreamConfig{
		{
			Name:      message.StreamEmbedding,
			Subjects:  []string{message.SubjectEmbeddingJobs},
			Retention: jetstream.WorkQueuePolicy,
			Storage:   jetstream.FileStorage,
		},
		{
			Name:      message.StreamProjection,
			Subjects:  []string{message.SubjectProjectionPattern},
			Retention: jetstream.WorkQueuePolicy,
			Storage:   jetstream.FileStorage,
		},
		{
			Name:      message.StreamNotify,
			Subjects:  []string{message.SubjectCoordinatesUpdated},
			Retention: jetstream.LimitsPolicy,
			Storage:   jetstream.FileStorage,
			MaxAge:    24 * time.Hour,
		},
	}
	for _, sc := range streams {
		if _, err := client.EnsureStream(ctx, sc); err != nil {
			return fmt.Errorf("ensure stream %s: %w", sc.Name, err)
		}
	}
	return nil
}

func metricsMux(metrics *metric.Metrics, client *natsclient.Client) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		if !client.IsHealthy() {
			http.Error(w, "queue disconnected", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	return mux
}

func newLogger(cfg *config.Config) *slog.Logger {
	var level slog.Level
	switch cfg.LogLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if cfg.LogFormat == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	return slog.New(handler)
}
