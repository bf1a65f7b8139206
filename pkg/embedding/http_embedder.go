package embedding

import (
	"context"
	"log/slog"
	"net/http"
	"slices"
	"time"

	"github.com/sashabaranov/go-openai"

	"github.com/2dots1line/cosmos/errors"
)

// HTTPEmbedder calls an external OpenAI-compatible embedding service.
//
// Works with Hugging Face TEI, LocalAI, OpenAI, and any other service
// speaking the OpenAI embeddings API.
type HTTPEmbedder struct {
	client     *openai.Client
	model      string
	dimensions int
	cache      Cache
	logger     *slog.Logger
}

// HTTPConfig configures the HTTP embedder.
type HTTPConfig struct {
	// BaseURL of the embedding service, e.g. "http://tei:8082/v1".
	BaseURL string

	// Model identifier, e.g. "all-mpnet-base-v2".
	Model string

	// APIKey is optional for local services, required for OpenAI.
	APIKey string

	// Dimensions the service is expected to return. Enforced downstream
	// by ValidateVector.
	Dimensions int

	// Timeout for HTTP requests (default 30s).
	Timeout time.Duration

	// Cache for embedding results (optional but recommended).
	Cache Cache

	// Logger (optional, defaults to slog.Default()).
	Logger *slog.Logger
}

// NewHTTPEmbedder creates an embedder against an OpenAI-compatible service.
func NewHTTPEmbedder(cfg HTTPConfig) (*HTTPEmbedder, error) {
	if cfg.BaseURL == "" {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "HTTPEmbedder", "New", "base_url")
	}
	if cfg.Model == "" {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "HTTPEmbedder", "New", "model")
	}
	if cfg.Dimensions <= 0 {
		return nil, errors.WrapInvalid(errors.ErrInvalidConfig, "HTTPEmbedder", "New", "dimensions")
	}

	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}

	apiKey := cfg.APIKey
	if apiKey == "" {
		apiKey = "unused" // local services ignore the key but the SDK requires one
	}

	clientCfg := openai.DefaultConfig(apiKey)
	clientCfg.BaseURL = cfg.BaseURL
	clientCfg.HTTPClient = &http.Client{Timeout: timeout}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &HTTPEmbedder{
		client:     openai.NewClientWithConfig(clientCfg),
		model:      cfg.Model,
		dimensions: cfg.Dimensions,
		cache:      cfg.Cache,
		logger:     logger,
	}, nil
}

// Generate creates embeddings, serving cache hits without an API call.
func (h *HTTPEmbedder) Generate(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return [][]float32{}, nil
	}

	vectors := make([][]float32, len(texts))
	var missIndexes []int
	var missTexts []string

	if h.cache != nil {
		for i, text := range texts {
			if cached, err := h.cache.Get(ContentHash(text)); err == nil {
				// Copy so callers mutating their result (normalization)
				// never write through to the shared cache entry.
				vectors[i] = slices.Clone(cached)
				continue
			}
			missIndexes = append(missIndexes, i)
			missTexts = append(missTexts, text)
		}
	} else {
		missIndexes = make([]int, len(texts))
		for i := range texts {
			missIndexes[i] = i
		}
		missTexts = texts
	}

	if len(missTexts) > 0 {
		resp, err := h.client.CreateEmbeddings(ctx, openai.EmbeddingRequest{
			Input: missTexts,
			Model: openai.EmbeddingModel(h.model),
		})
		if err != nil {
			return nil, errors.WrapTransient(errors.ErrEmbeddingFailed, "HTTPEmbedder", "Generate", err.Error())
		}
		if len(resp.Data) != len(missTexts) {
			return nil, errors.WrapTransient(errors.ErrEmbeddingFailed, "HTTPEmbedder", "Generate",
				"response count mismatch")
		}

		for i, data := range resp.Data {
			vectors[missIndexes[i]] = data.Embedding

			if h.cache != nil {
				if err := h.cache.Put(ContentHash(missTexts[i]), slices.Clone(data.Embedding)); err != nil {
					// Cache is best-effort.
					h.logger.Warn("embedding cache put failed", "error", err)
				}
			}
		}
	}

	return vectors, nil
}

// Dimensions returns the configured embedding dimensionality.
func (h *HTTPEmbedder) Dimensions() int {
	return h.dimensions
}

// Model returns the model identifier.
func (h *HTTPEmbedder) Model() string {
	return h.model
}

// Close is a no-op for the HTTP client.
func (h *HTTPEmbedder) Close() error {
	return nil
}
