package entity

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2dots1line/cosmos/errors"
)

func TestTypeTableMappingIsExhaustive(t *testing.T) {
	for _, typ := range Types() {
		table, err := typ.Table()
		require.NoError(t, err, "type %s must map to a table", typ)
		assert.NotEmpty(t, table)
		assert.True(t, typ.IsValid())
	}
	assert.Len(t, Types(), 7)
}

func TestTypeTableUnknown(t *testing.T) {
	_, err := Type("Starship").Table()
	require.Error(t, err)
	assert.True(t, errors.IsInvalid(err))
}

func TestTypeUnmarshalJSON(t *testing.T) {
	var ref Ref
	err := json.Unmarshal([]byte(`{"id":"abc","type":"Concept"}`), &ref)
	require.NoError(t, err)
	assert.Equal(t, TypeConcept, ref.Type)

	err = json.Unmarshal([]byte(`{"id":"abc","type":"Nebula"}`), &ref)
	require.Error(t, err)
	assert.True(t, errors.IsInvalid(err))
}

func TestTypeTableNames(t *testing.T) {
	tests := []struct {
		typ   Type
		table string
	}{
		{TypeMemoryUnit, "memory_units"},
		{TypeConcept, "concepts"},
		{TypeDerivedArtifact, "derived_artifacts"},
		{TypeCommunity, "communities"},
		{TypeProactivePrompt, "proactive_prompts"},
		{TypeGrowthEvent, "growth_events"},
		{TypeUser, "users"},
	}

	for _, tt := range tests {
		t.Run(string(tt.typ), func(t *testing.T) {
			table, err := tt.typ.Table()
			require.NoError(t, err)
			assert.Equal(t, tt.table, table)
		})
	}
}
