// Package config loads and validates pipeline configuration from the
// environment. Every recognized option has a default so a local deployment
// starts with nothing but COSMOS_POSTGRES_DSN set.
package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"time"

	"github.com/2dots1line/cosmos/errors"
)

// Config holds the complete pipeline configuration.
type Config struct {
	// Infrastructure endpoints.
	NATSURL        string
	PostgresDSN    string
	GraphStoreURL  string
	GraphStoreUser string
	GraphStorePass string

	// Embedding service (OpenAI-compatible).
	EmbedderBaseURL string
	EmbedderModel   string
	EmbedderAPIKey  string

	// Dimension-reduction service.
	ReducerURL string

	// Vector dimensionality enforced on embedder output.
	VectorDimensions int

	// Manifold-learning eligibility band and population interval: a full
	// fit runs only when the positioned-node count is a multiple of
	// LearningInterval inside [LearningMinNodes, LearningMaxNodes].
	LearningInterval int
	LearningMinNodes int
	LearningMaxNodes int

	// Queue processing.
	QueueConcurrency     int
	MaxDeliver           int
	EmbeddingWaitRetries int
	EmbeddingWaitDelay   time.Duration

	// Timeout applied to each external call (embedder, reducer, stores).
	RequestTimeout time.Duration

	// Operational surface.
	MetricsAddr     string
	ShutdownTimeout time.Duration
	LogLevel        string
	LogFormat       string
}

// Default returns the built-in defaults.
func Default() *Config {
	return &Config{
		NATSURL:              "nats://localhost:4222",
		GraphStoreURL:        "http://localhost:7474",
		EmbedderBaseURL:      "http://localhost:8082/v1",
		EmbedderModel:        "all-mpnet-base-v2",
		ReducerURL:           "http://localhost:8084",
		VectorDimensions:     768,
		LearningInterval:     500,
		LearningMinNodes:     50,
		LearningMaxNodes:     100000,
		QueueConcurrency:     4,
		MaxDeliver:           5,
		EmbeddingWaitRetries: 6,
		EmbeddingWaitDelay:   10 * time.Second,
		RequestTimeout:       30 * time.Second,
		MetricsAddr:          ":9090",
		ShutdownTimeout:      30 * time.Second,
		LogLevel:             "info",
		LogFormat:            "text",
	}
}

// FromEnv builds a Config from COSMOS_* environment variables layered over
// the defaults, then validates it.
func FromEnv() (*Config, error) {
	cfg := Default()

	envString(&cfg.NATSURL, "COSMOS_NATS_URL")
	envString(&cfg.PostgresDSN, "COSMOS_POSTGRES_DSN")
	envString(&cfg.GraphStoreURL, "COSMOS_GRAPH_URL")
	envString(&cfg.GraphStoreUser, "COSMOS_GRAPH_USER")
	envString(&cfg.GraphStorePass, "COSMOS_GRAPH_PASSWORD")
	envString(&cfg.EmbedderBaseURL, "COSMOS_EMBEDDER_URL")
	envString(&cfg.EmbedderModel, "COSMOS_EMBEDDER_MODEL")
	envString(&cfg.EmbedderAPIKey, "COSMOS_EMBEDDER_API_KEY")
	envString(&cfg.ReducerURL, "COSMOS_REDUCER_URL")
	envString(&cfg.MetricsAddr, "COSMOS_METRICS_ADDR")
	envString(&cfg.LogLevel, "COSMOS_LOG_LEVEL")
	envString(&cfg.LogFormat, "COSMOS_LOG_FORMAT")

	var err error
	if err = envInt(&cfg.VectorDimensions, "COSMOS_VECTOR_DIMENSIONS"); err != nil {
		return nil, err
	}
	if err = envInt(&cfg.LearningInterval, "COSMOS_LEARNING_INTERVAL"); err != nil {
		return nil, err
	}
	if err = envInt(&cfg.LearningMinNodes, "COSMOS_LEARNING_MIN_NODES"); err != nil {
		return nil, err
	}
	if err = envInt(&cfg.LearningMaxNodes, "COSMOS_LEARNING_MAX_NODES"); err != nil {
		return nil, err
	}
	if err = envInt(&cfg.QueueConcurrency, "COSMOS_QUEUE_CONCURRENCY"); err != nil {
		return nil, err
	}
	if err = envInt(&cfg.MaxDeliver, "COSMOS_MAX_DELIVER"); err != nil {
		return nil, err
	}
	if err = envInt(&cfg.EmbeddingWaitRetries, "COSMOS_EMBEDDING_WAIT_RETRIES"); err != nil {
		return nil, err
	}
	if err = envDuration(&cfg.EmbeddingWaitDelay, "COSMOS_EMBEDDING_WAIT_DELAY"); err != nil {
		return nil, err
	}
	if err = envDuration(&cfg.RequestTimeout, "COSMOS_REQUEST_TIMEOUT"); err != nil {
		return nil, err
	}
	if err = envDuration(&cfg.ShutdownTimeout, "COSMOS_SHUTDOWN_TIMEOUT"); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks cross-field consistency.
func (c *Config) Validate() error {
	if c.PostgresDSN == "" {
		return errors.WrapFatal(errors.ErrMissingConfig, "Config", "Validate", "COSMOS_POSTGRES_DSN")
	}
	for name, raw := range map[string]string{
		"COSMOS_NATS_URL":     c.NATSURL,
		"COSMOS_GRAPH_URL":    c.GraphStoreURL,
		"COSMOS_EMBEDDER_URL": c.EmbedderBaseURL,
		"COSMOS_REDUCER_URL":  c.ReducerURL,
	} {
		if _, err := url.Parse(raw); err != nil || raw == "" {
			return errors.WrapFatal(errors.ErrInvalidConfig, "Config", "Validate", name)
		}
	}
	if c.VectorDimensions <= 0 {
		return errors.WrapFatal(errors.ErrInvalidConfig, "Config", "Validate", "vector dimensions must be positive")
	}
	if c.LearningInterval <= 0 {
		return errors.WrapFatal(errors.ErrInvalidConfig, "Config", "Validate", "learning interval must be positive")
	}
	if c.LearningMinNodes < 0 || c.LearningMaxNodes < c.LearningMinNodes {
		return errors.WrapFatal(errors.ErrInvalidConfig, "Config", "Validate", "learning node band must satisfy 0 <= min <= max")
	}
	if c.QueueConcurrency <= 0 || c.QueueConcurrency > 32 {
		return errors.WrapFatal(errors.ErrInvalidConfig, "Config", "Validate", "queue concurrency must be in [1,32]")
	}
	if c.MaxDeliver <= 0 {
		return errors.WrapFatal(errors.ErrInvalidConfig, "Config", "Validate", "max deliver must be positive")
	}
	if c.EmbeddingWaitRetries < 0 {
		return errors.WrapFatal(errors.ErrInvalidConfig, "Config", "Validate", "embedding wait retries must be non-negative")
	}
	if c.EmbeddingWaitDelay <= 0 || c.RequestTimeout <= 0 || c.ShutdownTimeout <= 0 {
		return errors.WrapFatal(errors.ErrInvalidConfig, "Config", "Validate", "durations must be positive")
	}
	return nil
}

func envString(dst *string, key string) {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		*dst = v
	}
}

func envInt(dst *int, key string) error {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return errors.WrapFatal(fmt.Errorf("%s=%q: %w", key, v, err), "Config", "FromEnv", "parse int")
	}
	*dst = n
	return nil
}

func envDuration(dst *time.Duration, key string) error {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return errors.WrapFatal(fmt.Errorf("%s=%q: %w", key, v, err), "Config", "FromEnv", "parse duration")
	}
	*dst = d
	return nil
}
