// Package reducer is the client for the external dimension-reduction
// service, which projects high-dimensional embeddings to 3D. The service
// offers an expensive manifold-learning fit (returning coordinates plus a
// reusable linear transformation matrix) and a cheap linear transform mode
// applying a previously learned matrix to new vectors.
package reducer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/2dots1line/cosmos/errors"
)

// Coordinate is a 3D position returned by the service.
type Coordinate [3]float64

// Matrix is a d×3 linear transformation learned by a manifold fit.
type Matrix [][]float64

// FitResult is the output of a manifold-learning pass.
type FitResult struct {
	Coordinates []Coordinate   `json:"coordinates"`
	Matrix      Matrix         `json:"transformation_matrix"`
	Parameters  map[string]any `json:"parameters"`
}

// Health describes the service's health-check response.
type Health struct {
	Status       string   `json:"status"`
	Capabilities []string `json:"capabilities"`
}

// Client calls the dimension-reduction service over HTTP.
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
}

// New creates a reducer client. Timeout bounds each request; reduction of
// large batches is slow, so keep it generous but finite.
func New(baseURL string, timeout time.Duration, logger *slog.Logger) (*Client, error) {
	if baseURL == "" {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "Reducer", "New", "base url")
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: timeout},
		logger:     logger,
	}, nil
}

type reduceRequest struct {
	Vectors          [][]float32    `json:"vectors"`
	Method           string         `json:"method"`
	TargetDimensions int            `json:"target_dimensions,omitempty"`
	Matrix           Matrix         `json:"transformation_matrix,omitempty"`
	Hyperparameters  map[string]any `json:"hyperparameters,omitempty"`
}

type reduceResponse struct {
	Coordinates []Coordinate   `json:"coordinates"`
	Matrix      Matrix         `json:"transformation_matrix,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

// Fit runs a full manifold-learning pass over the given vectors, returning
// one 3D coordinate per input vector and the learned linear approximation.
func (c *Client) Fit(ctx context.Context, vectors [][]float32, hyperparameters map[string]any) (*FitResult, error) {
	if len(vectors) == 0 {
		return nil, errors.WrapInvalid(errors.ErrInvalidConfig, "Reducer", "Fit", "empty vector batch")
	}

	resp, err := c.reduce(ctx, reduceRequest{
		Vectors:          vectors,
		Method:           "manifold_learning",
		TargetDimensions: 3,
		Hyperparameters:  hyperparameters,
	})
	if err != nil {
		return nil, err
	}
	if len(resp.Coordinates) != len(vectors) {
		return nil, errors.WrapTransient(errors.ErrReducerUnavailable, "Reducer", "Fit",
			fmt.Sprintf("expected %d coordinates, got %d", len(vectors), len(resp.Coordinates)))
	}
	if len(resp.Matrix) == 0 {
		return nil, errors.WrapTransient(errors.ErrReducerUnavailable, "Reducer", "Fit",
			"fit response missing transformation matrix")
	}
	return &FitResult{
		Coordinates: resp.Coordinates,
		Matrix:      resp.Matrix,
		Parameters:  resp.Parameters,
	}, nil
}

// Transform applies a previously learned matrix to new vectors.
func (c *Client) Transform(ctx context.Context, vectors [][]float32, matrix Matrix) ([]Coordinate, error) {
	if len(vectors) == 0 {
		return nil, nil
	}
	if len(matrix) == 0 {
		return nil, errors.WrapInvalid(errors.ErrMatrixNotFound, "Reducer", "Transform", "check matrix")
	}

	resp, err := c.reduce(ctx, reduceRequest{
		Vectors: vectors,
		Method:  "linear_transform",
		Matrix:  matrix,
	})
	if err != nil {
		return nil, err
	}
	if len(resp.Coordinates) != len(vectors) {
		return nil, errors.WrapTransient(errors.ErrReducerUnavailable, "Reducer", "Transform",
			fmt.Sprintf("expected %d coordinates, got %d", len(vectors), len(resp.Coordinates)))
	}
	return resp.Coordinates, nil
}

// CheckHealth probes the service's health endpoint.
func (c *Client) CheckHealth(ctx context.Context) (*Health, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return nil, errors.WrapInvalid(err, "Reducer", "CheckHealth", "build request")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, errors.WrapTransient(errors.ErrReducerUnavailable, "Reducer", "CheckHealth", err.Error())
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, errors.WrapTransient(errors.ErrReducerUnavailable, "Reducer", "CheckHealth",
			"status "+resp.Status)
	}

	var health Health
	if err := json.NewDecoder(resp.Body).Decode(&health); err != nil {
		return nil, errors.WrapTransient(errors.ErrReducerUnavailable, "Reducer", "CheckHealth", "decode response")
	}
	return &health, nil
}

// IsHealthy reports whether the service answers its health check with an
// "ok" or "healthy" status.
func (c *Client) IsHealthy(ctx context.Context) bool {
	health, err := c.CheckHealth(ctx)
	if err != nil {
		return false
	}
	return health.Status == "ok" || health.Status == "healthy"
}

func (c *Client) reduce(ctx context.Context, request reduceRequest) (*reduceResponse, error) {
	body, err := json.Marshal(request)
	if err != nil {
		return nil, errors.WrapInvalid(err, "Reducer", "reduce", "marshal request")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/reduce", bytes.NewReader(body))
	if err != nil {
		return nil, errors.WrapInvalid(err, "Reducer", "reduce", "build request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, errors.WrapTransient(errors.ErrReducerUnavailable, "Reducer", "reduce", err.Error())
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, errors.WrapTransient(errors.ErrReducerUnavailable, "Reducer", "reduce",
			"status "+resp.Status)
	}

	var reduced reduceResponse
	if err := json.NewDecoder(resp.Body).Decode(&reduced); err != nil {
		return nil, errors.WrapTransient(errors.ErrReducerUnavailable, "Reducer", "reduce", "decode response")
	}
	return &reduced, nil
}
