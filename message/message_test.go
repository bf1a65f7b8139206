package message

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2dots1line/cosmos/entity"
	"github.com/2dots1line/cosmos/errors"
)

func validJob() EmbeddingJob {
	return EmbeddingJob{
		EntityID:   uuid.NewString(),
		EntityType: entity.TypeConcept,
		UserID:     "user-1",
		Text:       "the idea of emergence",
	}
}

func TestEmbeddingJobValidate(t *testing.T) {
	require.NoError(t, validJob().Validate())

	tests := []struct {
		name   string
		mutate func(*EmbeddingJob)
		want   error
	}{
		{"malformed entity id", func(j *EmbeddingJob) { j.EntityID = "not-a-uuid" }, errors.ErrInvalidEntityID},
		{"empty entity id", func(j *EmbeddingJob) { j.EntityID = "" }, errors.ErrInvalidEntityID},
		{"unknown entity type", func(j *EmbeddingJob) { j.EntityType = "Galaxy" }, errors.ErrInvalidEntityType},
		{"missing user", func(j *EmbeddingJob) { j.UserID = "" }, errors.ErrMissingConfig},
		{"empty text", func(j *EmbeddingJob) { j.Text = "   " }, errors.ErrEmptyText},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			job := validJob()
			tt.mutate(&job)
			err := job.Validate()
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.want)
			assert.True(t, errors.IsInvalid(err))
		})
	}
}

func TestProjectionEventValidate(t *testing.T) {
	ev := ProjectionEvent{
		Type:   EventNewEntities,
		UserID: "user-1",
		Source: "ingestion",
		Entities: []entity.Ref{
			{ID: uuid.NewString(), Type: entity.TypeMemoryUnit},
		},
	}
	require.NoError(t, ev.Validate())
	assert.True(t, ev.IsIncremental())

	bulk := ProjectionEvent{Type: EventCycleArtifacts, UserID: "user-1", Source: "insight-cycle"}
	require.NoError(t, bulk.Validate(), "cycle events may carry no explicit entities")
	assert.False(t, bulk.IsIncremental())

	empty := ProjectionEvent{Type: EventNewEntities, UserID: "user-1"}
	assert.Error(t, empty.Validate(), "incremental events must name entities")

	badType := ProjectionEvent{Type: "entities_deleted", UserID: "user-1"}
	assert.Error(t, badType.Validate())

	noUser := ProjectionEvent{Type: EventCycleArtifacts}
	assert.Error(t, noUser.Validate())

	badRef := ev
	badRef.Entities = []entity.Ref{{ID: "", Type: entity.TypeConcept}}
	assert.Error(t, badRef.Validate())
}

func TestProjectionSubject(t *testing.T) {
	assert.Equal(t, "cosmos.jobs.projection.u42", ProjectionSubject("u42"))
}

func TestNewCoordinatesUpdated(t *testing.T) {
	n := NewCoordinatesUpdated("u1", 500, "manifold_learning", false)
	assert.Equal(t, "coordinates_updated", n.Type)
	assert.Equal(t, 500, n.NodeCount)
	assert.Equal(t, "manifold_learning", n.Method)
	assert.False(t, n.IsIncremental)
}
