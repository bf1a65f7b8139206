// Package entitystore writes 3D positions onto entity rows. The entity
// tables themselves are owned by the graph maintenance subsystem; this
// package only ever touches the three position columns.
package entitystore

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/2dots1line/cosmos/entity"
	"github.com/2dots1line/cosmos/errors"
)

// Store updates entity position columns across the per-type tables.
type Store struct {
	pool *pgxpool.Pool
}

// New creates an entity store over an existing connection pool.
func New(pool *pgxpool.Pool) (*Store, error) {
	if pool == nil {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "EntityStore", "New", "pool")
	}
	return &Store{pool: pool}, nil
}

// UpdatePosition writes an entity's coordinate triple. A single UPDATE
// sets all three columns, so the write is atomic per entity: either the
// full triple lands or nothing does.
func (s *Store) UpdatePosition(ctx context.Context, userID string, ref entity.Ref, pos entity.Position) error {
	table, err := ref.Type.Table()
	if err != nil {
		return err
	}

	// The users table is keyed by its own id, not a separate user_id
	// column. Everything else is scoped to the owning user.
	var query string
	var args []any
	if ref.Type == entity.TypeUser {
		query = fmt.Sprintf(
			`UPDATE %s SET position_x = $1, position_y = $2, position_z = $3 WHERE id = $4`, table)
		args = []any{pos.X, pos.Y, pos.Z, ref.ID}
	} else {
		query = fmt.Sprintf(
			`UPDATE %s SET position_x = $1, position_y = $2, position_z = $3 WHERE id = $4 AND user_id = $5`, table)
		args = []any{pos.X, pos.Y, pos.Z, ref.ID, userID}
	}

	result, execErr := s.pool.Exec(ctx, query, args...)
	if execErr != nil {
		return errors.WrapTransient(execErr, "EntityStore", "UpdatePosition", "update "+table)
	}
	if result.RowsAffected() == 0 {
		return errors.WrapInvalid(errors.ErrInvalidEntityID, "EntityStore", "UpdatePosition",
			"no row for "+ref.ID)
	}
	return nil
}

// CountPositioned returns how many of a user's entities currently hold a
// non-null position, across all entity tables. Input to the LEARNING vs
// TRANSFORMING mode decision.
func (s *Store) CountPositioned(ctx context.Context, userID string) (int, error) {
	total := 0
	for _, typ := range entity.Types() {
		table, err := typ.Table()
		if err != nil {
			return 0, err
		}

		var query string
		var args []any
		if typ == entity.TypeUser {
			query = fmt.Sprintf(`SELECT count(*) FROM %s WHERE id = $1 AND position_x IS NOT NULL`, table)
			args = []any{userID}
		} else {
			query = fmt.Sprintf(`SELECT count(*) FROM %s WHERE user_id = $1 AND position_x IS NOT NULL`, table)
			args = []any{userID}
		}

		var count int
		if err := s.pool.QueryRow(ctx, query, args...).Scan(&count); err != nil {
			return 0, errors.WrapTransient(err, "EntityStore", "CountPositioned", "count "+table)
		}
		total += count
	}
	return total, nil
}

// CountPositionedAmong returns how many of the given refs already hold a
// position, so newly-arriving entities are not double-counted when
// computing the projection population.
func (s *Store) CountPositionedAmong(ctx context.Context, userID string, refs []entity.Ref) (int, error) {
	byType := make(map[entity.Type][]string)
	for _, ref := range refs {
		byType[ref.Type] = append(byType[ref.Type], ref.ID)
	}

	total := 0
	for typ, ids := range byType {
		table, err := typ.Table()
		if err != nil {
			return 0, err
		}

		var query string
		var args []any
		if typ == entity.TypeUser {
			query = fmt.Sprintf(`SELECT count(*) FROM %s WHERE id = ANY($1) AND position_x IS NOT NULL`, table)
			args = []any{ids}
		} else {
			query = fmt.Sprintf(
				`SELECT count(*) FROM %s WHERE user_id = $1 AND id = ANY($2) AND position_x IS NOT NULL`, table)
			args = []any{userID, ids}
		}

		var count int
		if err := s.pool.QueryRow(ctx, query, args...).Scan(&count); err != nil {
			return 0, errors.WrapTransient(err, "EntityStore", "CountPositionedAmong", "count "+table)
		}
		total += count
	}
	return total, nil
}
