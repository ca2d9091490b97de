package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// DependencyEdge is a directed "dependent needs prerequisite done" edge.
type DependencyEdge struct {
	ID                 int64
	DependentTaskID    uuid.UUID
	PrerequisiteTaskID uuid.UUID
	DependencyType     DependencyType
	CreatedAt          time.Time
	ResolvedAt         *time.Time
}

// InsertDependency adds an edge inside tx. Self-dependency and duplicate
// edges are rejected by the CHECK/UNIQUE constraints; the caller should
// validate for cycles beforehand via the dependency resolver.
func (s *Store) InsertDependency(ctx context.Context, tx *sql.Tx, dependent, prerequisite uuid.UUID, depType DependencyType) error {
	if dependent == prerequisite {
		return fmt.Errorf("self-dependency forbidden: %s", dependent)
	}
	_, err := tx.ExecContext(ctx,
		`INSERT INTO task_dependencies (dependent_task_id, prerequisite_task_id, dependency_type) VALUES (?,?,?);`,
		dependent.String(), prerequisite.String(), string(depType),
	)
	if err != nil {
		return fmt.Errorf("insert dependency %s<-%s: %w", dependent, prerequisite, err)
	}
	return nil
}

// ResolveDependency marks the edge from dependent back to prerequisite as
// resolved, within tx.
func (s *Store) ResolveDependency(ctx context.Context, tx *sql.Tx, dependent, prerequisite uuid.UUID) error {
	_, err := tx.ExecContext(ctx,
		`UPDATE task_dependencies SET resolved_at = ? WHERE dependent_task_id = ? AND prerequisite_task_id = ? AND resolved_at IS NULL;`,
		time.Now().UTC(), dependent.String(), prerequisite.String(),
	)
	return err
}

// ResolveAllOutgoing marks every dependency edge where taskID is the
// prerequisite as resolved, within tx, and returns the set of dependents
// whose edges were just resolved.
func (s *Store) ResolveAllOutgoing(ctx context.Context, tx *sql.Tx, taskID uuid.UUID) ([]uuid.UUID, error) {
	rows, err := tx.QueryContext(ctx,
		`SELECT dependent_task_id FROM task_dependencies WHERE prerequisite_task_id = ? AND resolved_at IS NULL;`,
		taskID.String(),
	)
	if err != nil {
		return nil, fmt.Errorf("list dependents of %s: %w", taskID, err)
	}
	var dependents []uuid.UUID
	for rows.Next() {
		var idStr string
		if err := rows.Scan(&idStr); err != nil {
			rows.Close()
			return nil, err
		}
		id, err := uuid.Parse(idStr)
		if err != nil {
			rows.Close()
			return nil, err
		}
		dependents = append(dependents, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE task_dependencies SET resolved_at = ? WHERE prerequisite_task_id = ? AND resolved_at IS NULL;`,
		time.Now().UTC(), taskID.String(),
	); err != nil {
		return nil, fmt.Errorf("resolve outgoing edges of %s: %w", taskID, err)
	}
	return dependents, nil
}

// UnresolvedPrerequisiteCount returns how many prerequisite edges pointing
// at taskID remain unresolved.
func (s *Store) UnresolvedPrerequisiteCount(ctx context.Context, q queryer, taskID uuid.UUID) (int, error) {
	var n int
	err := q.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM task_dependencies WHERE dependent_task_id = ? AND resolved_at IS NULL;`,
		taskID.String(),
	).Scan(&n)
	return n, err
}

// ListPrerequisites returns every prerequisite task id (resolved or not)
// for taskID.
func (s *Store) ListPrerequisites(ctx context.Context, taskID uuid.UUID) ([]uuid.UUID, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT prerequisite_task_id FROM task_dependencies WHERE dependent_task_id = ?;`,
		taskID.String(),
	)
	if err != nil {
		return nil, fmt.Errorf("list prerequisites of %s: %w", taskID, err)
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var idStr string
		if err := rows.Scan(&idStr); err != nil {
			return nil, err
		}
		id, err := uuid.Parse(idStr)
		if err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// ListAllEdges returns every dependency edge in the store, used by the
// dependency resolver to build its in-memory adjacency cache.
func (s *Store) ListAllEdges(ctx context.Context) ([]DependencyEdge, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, dependent_task_id, prerequisite_task_id, dependency_type, created_at, resolved_at FROM task_dependencies;`,
	)
	if err != nil {
		return nil, fmt.Errorf("list all edges: %w", err)
	}
	defer rows.Close()

	var edges []DependencyEdge
	for rows.Next() {
		var e DependencyEdge
		var dependent, prerequisite, depType string
		var resolvedAt sql.NullTime
		if err := rows.Scan(&e.ID, &dependent, &prerequisite, &depType, &e.CreatedAt, &resolvedAt); err != nil {
			return nil, err
		}
		e.DependentTaskID, err = uuid.Parse(dependent)
		if err != nil {
			return nil, err
		}
		e.PrerequisiteTaskID, err = uuid.Parse(prerequisite)
		if err != nil {
			return nil, err
		}
		e.DependencyType = DependencyType(depType)
		if resolvedAt.Valid {
			v := resolvedAt.Time
			e.ResolvedAt = &v
		}
		edges = append(edges, e)
	}
	return edges, rows.Err()
}

// queryer abstracts over *sql.DB and *sql.Tx for read-only helpers that
// may run inside or outside a transaction.
type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

var _ queryer = (*sql.DB)(nil)
var _ queryer = (*sql.Tx)(nil)
