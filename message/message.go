// Package message defines the queue payloads exchanged between the cosmos
// pipeline workers and their collaborators, plus the JetStream topology
// (stream and subject names) they travel on.
package message

import (
	"strings"

	"github.com/google/uuid"

	"github.com/2dots1line/cosmos/entity"
	"github.com/2dots1line/cosmos/errors"
)

// Stream and subject names for the pipeline's JetStream topology.
const (
	// StreamEmbedding carries embedding jobs, work-queue retention.
	StreamEmbedding       = "COSMOS_EMBEDDING"
	SubjectEmbeddingJobs  = "cosmos.jobs.embedding"
	ConsumerEmbeddingJobs = "embedgen"

	// StreamProjection carries projection events on per-user subjects.
	StreamProjection         = "COSMOS_PROJECTION"
	SubjectProjectionPrefix  = "cosmos.jobs.projection."
	SubjectProjectionPattern = "cosmos.jobs.projection.*"
	ConsumerProjection       = "spatial"

	// StreamNotify carries outbound completion notifications.
	StreamNotify              = "COSMOS_NOTIFY"
	SubjectCoordinatesUpdated = "cosmos.events.coordinates.updated"
)

// ProjectionSubject returns the projection subject for a user. Per-user
// subjects keep the door open for partitioned single-consumer-per-user
// deployments without changing the message shape.
func ProjectionSubject(userID string) string {
	return SubjectProjectionPrefix + userID
}

// EmbeddingJob asks the embedding worker to turn one entity's text into a
// vector. Created whenever an entity's text content is (re)established;
// processing is idempotent since the vector upsert overwrites.
type EmbeddingJob struct {
	EntityID   string      `json:"entity_id"`
	EntityType entity.Type `json:"entity_type"`
	UserID     string      `json:"user_id"`
	Text       string      `json:"text"`
}

// Validate rejects malformed jobs before any external call is made.
// Entity ids must be well-formed UUIDs; anything else is a permanent
// input error, never sent to the vector index.
func (j EmbeddingJob) Validate() error {
	if _, err := uuid.Parse(j.EntityID); err != nil {
		return errors.WrapInvalid(errors.ErrInvalidEntityID, "EmbeddingJob", "Validate", "parse "+j.EntityID)
	}
	if !j.EntityType.IsValid() {
		return errors.WrapInvalid(errors.ErrInvalidEntityType, "EmbeddingJob", "Validate", "check type")
	}
	if j.UserID == "" {
		return errors.WrapInvalid(errors.ErrMissingConfig, "EmbeddingJob", "Validate", "check user_id")
	}
	if strings.TrimSpace(j.Text) == "" {
		return errors.WrapInvalid(errors.ErrEmptyText, "EmbeddingJob", "Validate", "check text")
	}
	return nil
}

// ProjectionEventType distinguishes the two trigger kinds. Dispatch treats
// them identically; the distinction is carried through to the completion
// notification.
type ProjectionEventType string

const (
	// EventNewEntities signals incrementally created entities.
	EventNewEntities ProjectionEventType = "new_entities_created"
	// EventCycleArtifacts signals a bulk batch from a derivation pass.
	EventCycleArtifacts ProjectionEventType = "cycle_artifacts_created"
)

// ProjectionEvent tells the spatial projection worker which entities
// changed and should be (re)positioned.
type ProjectionEvent struct {
	Type     ProjectionEventType `json:"type"`
	UserID   string              `json:"user_id"`
	Source   string              `json:"source"`
	Entities []entity.Ref        `json:"entities"`
}

// Validate checks the event shape. An empty entity list is valid only for
// bulk cycle events, which may reposition the whole graph.
func (e ProjectionEvent) Validate() error {
	if e.Type != EventNewEntities && e.Type != EventCycleArtifacts {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "ProjectionEvent", "Validate", "check type "+string(e.Type))
	}
	if e.UserID == "" {
		return errors.WrapInvalid(errors.ErrMissingConfig, "ProjectionEvent", "Validate", "check user_id")
	}
	if len(e.Entities) == 0 && e.Type == EventNewEntities {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "ProjectionEvent", "Validate", "check entities")
	}
	for _, ref := range e.Entities {
		if ref.ID == "" || !ref.Type.IsValid() {
			return errors.WrapInvalid(errors.ErrInvalidEntityID, "ProjectionEvent", "Validate", "check entity ref")
		}
	}
	return nil
}

// IsIncremental reports whether this event repositions only its named
// entities (as opposed to a bulk cycle batch).
func (e ProjectionEvent) IsIncremental() bool {
	return e.Type == EventNewEntities
}

// CoordinatesUpdated is the outbound completion notification published
// after a projection pass persists its coordinates. Best-effort: a failed
// publish never rolls back positions.
type CoordinatesUpdated struct {
	Type          string `json:"type"`
	UserID        string `json:"user_id"`
	NodeCount     int    `json:"node_count"`
	Method        string `json:"method"`
	IsIncremental bool   `json:"is_incremental"`
}

// NewCoordinatesUpdated builds a completion notification.
func NewCoordinatesUpdated(userID string, nodeCount int, method string, incremental bool) CoordinatesUpdated {
	return CoordinatesUpdated{
		Type:          "coordinates_updated",
		UserID:        userID,
		NodeCount:     nodeCount,
		Method:        method,
		IsIncremental: incremental,
	}
}
