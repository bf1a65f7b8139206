// Package graphstore reads a user's knowledge graph from the external
// graph store over the Neo4j transactional HTTP endpoint. This core never
// writes to the graph; it only takes point-in-time snapshots for
// projection.
package graphstore

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/2dots1line/cosmos/errors"
)

// Client executes Cypher statements over HTTP.
type Client struct {
	endpoint   string
	username   string
	password   string
	httpClient *http.Client
}

// NewClient creates a graph store client. endpoint is the server base URL,
// e.g. "http://neo4j:7474".
func NewClient(endpoint, username, password string, timeout time.Duration) (*Client, error) {
	if endpoint == "" {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "GraphStore", "NewClient", "endpoint")
	}
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Client{
		endpoint:   endpoint,
		username:   username,
		password:   password,
		httpClient: &http.Client{Timeout: timeout},
	}, nil
}

// ExecCypher sends a single Cypher statement with parameters and returns
// the result rows.
func (c *Client) ExecCypher(ctx context.Context, cypher string, params map[string]any) ([][]any, error) {
	payload := map[string]any{
		"statements": []map[string]any{{
			"statement":  cypher,
			"parameters": params,
		}},
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, errors.WrapInvalid(err, "GraphStore", "ExecCypher", "marshal statement")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.endpoint+"/db/neo4j/tx/commit", bytes.NewReader(body))
	if err != nil {
		return nil, errors.WrapInvalid(err, "GraphStore", "ExecCypher", "build request")
	}
	req.Header.Set("Content-Type", "application/json")
	if c.username != "" {
		req.SetBasicAuth(c.username, c.password)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, errors.WrapTransient(errors.ErrStorageUnavailable, "GraphStore", "ExecCypher", err.Error())
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return nil, errors.WrapTransient(errors.ErrStorageUnavailable, "GraphStore", "ExecCypher",
			"status "+resp.Status)
	}

	var decoded struct {
		Results []struct {
			Data []struct {
				Row []any `json:"row"`
			} `json:"data"`
		} `json:"results"`
		Errors []struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"errors"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, errors.WrapTransient(err, "GraphStore", "ExecCypher", "decode response")
	}
	if len(decoded.Errors) > 0 {
		return nil, errors.WrapTransient(errors.ErrStorageUnavailable, "GraphStore", "ExecCypher",
			decoded.Errors[0].Code+": "+decoded.Errors[0].Message)
	}
	if len(decoded.Results) == 0 {
		return nil, nil
	}

	rows := make([][]any, 0, len(decoded.Results[0].Data))
	for _, d := range decoded.Results[0].Data {
		rows = append(rows, d.Row)
	}
	return rows, nil
}
