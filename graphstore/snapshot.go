package graphstore

import (
	"context"
	"time"

	"github.com/2dots1line/cosmos/entity"
	"github.com/2dots1line/cosmos/errors"
)

// Snapshot is a point-in-time read of one user's knowledge graph.
type Snapshot struct {
	UserID   string
	Entities []entity.Entity
	Edges    []entity.Edge
	TakenAt  time.Time
}

// entityQuery returns every node in the user's graph with its first matching
// kind label. Nodes without a recognized label are skipped by the decoder.
const entityQuery = `
MATCH (n {userId: $userId})
RETURN n.id, labels(n), n.title, n.content, coalesce(n.importance, 0.0)
`

const edgeQuery = `
MATCH (a {userId: $userId})-[r]->(b {userId: $userId})
RETURN a.id, b.id, type(r), coalesce(r.weight, 1.0)
`

// Snapshot reads the user's full graph: every node of a known kind and
// every edge between them.
func (c *Client) Snapshot(ctx context.Context, userID string) (*Snapshot, error) {
	params := map[string]any{"userId": userID}

	nodeRows, err := c.ExecCypher(ctx, entityQuery, params)
	if err != nil {
		return nil, errors.Wrap(err, "GraphStore", "Snapshot", "read nodes")
	}

	snap := &Snapshot{UserID: userID, TakenAt: time.Now().UTC()}
	for _, row := range nodeRows {
		e, ok := decodeEntity(row, userID)
		if !ok {
			continue
		}
		snap.Entities = append(snap.Entities, e)
	}

	edgeRows, err := c.ExecCypher(ctx, edgeQuery, params)
	if err != nil {
		return nil, errors.Wrap(err, "GraphStore", "Snapshot", "read edges")
	}
	for _, row := range edgeRows {
		if len(row) < 4 {
			continue
		}
		src, _ := row[0].(string)
		dst, _ := row[1].(string)
		kind, _ := row[2].(string)
		weight, _ := row[3].(float64)
		if src == "" || dst == "" {
			continue
		}
		snap.Edges = append(snap.Edges, entity.Edge{
			SourceID: src,
			TargetID: dst,
			Type:     kind,
			Weight:   weight,
		})
	}

	return snap, nil
}

func decodeEntity(row []any, userID string) (entity.Entity, bool) {
	if len(row) < 5 {
		return entity.Entity{}, false
	}
	id, _ := row[0].(string)
	if id == "" {
		return entity.Entity{}, false
	}

	kind, ok := kindFromLabels(row[1])
	if !ok {
		return entity.Entity{}, false
	}

	title, _ := row[2].(string)
	content, _ := row[3].(string)
	importance, _ := row[4].(float64)

	return entity.Entity{
		Ref:        entity.Ref{ID: id, Type: kind},
		UserID:     userID,
		Title:      title,
		Content:    content,
		Importance: importance,
	}, true
}

// kindFromLabels picks the first node label that matches a known entity
// kind. Labels arrive as a JSON array of strings.
func kindFromLabels(v any) (entity.Type, bool) {
	labels, ok := v.([]any)
	if !ok {
		return "", false
	}
	for _, l := range labels {
		s, ok := l.(string)
		if !ok {
			continue
		}
		if t := entity.Type(s); t.IsValid() {
			return t, true
		}
	}
	return "", false
}
