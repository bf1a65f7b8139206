// Package entity defines the knowledge-graph entity model shared by the
// pipeline workers: the closed set of entity kinds, their storage table
// mapping, and the spatial position written by the projection worker.
package entity

import (
	"encoding/json"
	"time"

	"github.com/2dots1line/cosmos/errors"
)

// Type identifies one of the seven entity kinds in a user's knowledge
// graph. The set is closed: adding a kind means adding a constant here and
// a row in the table mapping, nothing else.
type Type string

const (
	TypeMemoryUnit      Type = "MemoryUnit"
	TypeConcept         Type = "Concept"
	TypeDerivedArtifact Type = "DerivedArtifact"
	TypeCommunity       Type = "Community"
	TypeProactivePrompt Type = "ProactivePrompt"
	TypeGrowthEvent     Type = "GrowthEvent"
	TypeUser            Type = "User"
)

// tables maps each entity kind to its relational table. Position columns
// (position_x, position_y, position_z) live on every one of these tables.
var tables = map[Type]string{
	TypeMemoryUnit:      "memory_units",
	TypeConcept:         "concepts",
	TypeDerivedArtifact: "derived_artifacts",
	TypeCommunity:       "communities",
	TypeProactivePrompt: "proactive_prompts",
	TypeGrowthEvent:     "growth_events",
	TypeUser:            "users",
}

// Types returns all entity kinds in a stable order.
func Types() []Type {
	return []Type{
		TypeMemoryUnit,
		TypeConcept,
		TypeDerivedArtifact,
		TypeCommunity,
		TypeProactivePrompt,
		TypeGrowthEvent,
		TypeUser,
	}
}

// IsValid reports whether t is one of the defined entity kinds.
func (t Type) IsValid() bool {
	_, ok := tables[t]
	return ok
}

// String returns the string representation of the entity kind.
func (t Type) String() string {
	return string(t)
}

// Table returns the relational table holding entities of this kind.
func (t Type) Table() (string, error) {
	table, ok := tables[t]
	if !ok {
		return "", errors.WrapInvalid(errors.ErrInvalidEntityType, "Type", "Table", "map "+string(t))
	}
	return table, nil
}

// UnmarshalJSON rejects unknown entity kinds at decode time so malformed
// queue messages fail before reaching any store.
func (t *Type) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	if !Type(s).IsValid() {
		return errors.WrapInvalid(errors.ErrInvalidEntityType, "Type", "UnmarshalJSON", "decode "+s)
	}
	*t = Type(s)
	return nil
}

// Ref identifies a single entity within a user's graph.
type Ref struct {
	ID   string `json:"id"`
	Type Type   `json:"type"`
}

// Position is a 3D coordinate in the cosmos layout. Written as a unit by
// the projection worker; a half-written triple is an invariant violation.
type Position struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
}

// Entity is a node in a user's knowledge graph as read from the graph
// store. Position is nil until a projection pass has placed the entity.
type Entity struct {
	Ref
	UserID     string    `json:"user_id"`
	Title      string    `json:"title"`
	Content    string    `json:"content"`
	Importance float64   `json:"importance"`
	CreatedAt  time.Time `json:"created_at"`
	Position   *Position `json:"position,omitempty"`
}

// Edge is a typed relationship between two entities in the same user graph.
type Edge struct {
	SourceID string  `json:"source_id"`
	TargetID string  `json:"target_id"`
	Type     string  `json:"type"`
	Weight   float64 `json:"weight"`
}
