package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// terminalPruneStatuses are the statuses a task must hold before it is
// eligible for deletion. Active work (PENDING, BLOCKED, READY, RUNNING)
// can never be pruned.
var terminalPruneStatuses = map[TaskStatus]struct{}{
	TaskStatusCompleted: {},
	TaskStatusFailed:    {},
	TaskStatusCancelled: {},
}

// PruneFilters selects which tasks a prune operation considers.
type PruneFilters struct {
	TaskIDs       []uuid.UUID
	OlderThanDays *int
	BeforeDate    *time.Time
	Statuses      []TaskStatus
	Limit         *int
	DryRun        bool
	VacuumMode    string // "always", "conditional", "never"
	Recursive     bool
}

// Validate enforces the same invariants as the originating filter model:
// at least one selector must be given, no active status may be targeted,
// and vacuum mode must be one of the known values.
func (f *PruneFilters) Validate() error {
	if len(f.TaskIDs) == 0 && f.OlderThanDays == nil && f.BeforeDate == nil && len(f.Statuses) == 0 {
		return fmt.Errorf("prune filters: at least one of task_ids, older_than_days, before_date, or statuses is required")
	}
	if len(f.Statuses) == 0 && (f.OlderThanDays != nil || f.BeforeDate != nil) {
		f.Statuses = []TaskStatus{TaskStatusCompleted, TaskStatusFailed, TaskStatusCancelled}
	}
	for _, st := range f.Statuses {
		if _, ok := terminalPruneStatuses[st]; !ok {
			return fmt.Errorf("prune filters: status %q is not eligible for pruning (must be terminal)", st)
		}
	}
	switch f.VacuumMode {
	case "", "always", "conditional", "never":
	default:
		return fmt.Errorf("prune filters: unknown vacuum mode %q", f.VacuumMode)
	}
	if f.VacuumMode == "" {
		f.VacuumMode = "conditional"
	}
	return nil
}

func (f *PruneFilters) buildWhereClause() (string, []any) {
	var clauses []string
	var args []any

	if len(f.TaskIDs) > 0 {
		placeholders := make([]string, len(f.TaskIDs))
		for i, id := range f.TaskIDs {
			placeholders[i] = "?"
			args = append(args, id.String())
		}
		clauses = append(clauses, fmt.Sprintf("id IN (%s)", strings.Join(placeholders, ",")))
	}
	if f.OlderThanDays != nil {
		clauses = append(clauses, "submitted_at <= datetime('now', ?)")
		args = append(args, fmt.Sprintf("-%d days", *f.OlderThanDays))
	}
	if f.BeforeDate != nil {
		clauses = append(clauses, "submitted_at <= ?")
		args = append(args, *f.BeforeDate)
	}
	if len(f.Statuses) > 0 {
		placeholders := make([]string, len(f.Statuses))
		for i, st := range f.Statuses {
			placeholders[i] = "?"
			args = append(args, string(st))
		}
		clauses = append(clauses, fmt.Sprintf("status IN (%s)", strings.Join(placeholders, ",")))
	}

	if len(clauses) == 0 {
		return "1=1", args
	}
	return strings.Join(clauses, " AND "), args
}

// PruneResult reports what a prune operation did (or would do, for a
// dry run).
type PruneResult struct {
	DeletedTasks          int
	DeletedDependencies   int
	ReclaimedBytes        *int64
	DryRun                bool
	BreakdownByStatus     map[TaskStatus]int
	VacuumAutoSkipped     bool
	TreeDepth             *int
	DeletedByDepth        map[int]int
	TreesAffected         *int
	PartialTreesPreserved *int
}

// RecursivePruneResult extends PruneResult with tree-aware bookkeeping.
type RecursivePruneResult struct {
	PruneResult
	TreeDepth      int
	DeletedByDepth map[int]int
	TreesDeleted   int
	PartialTrees   int
}

// Prune deletes tasks matching filters. When filters.Recursive is set it
// delegates to PruneTreesRecursive; otherwise it performs a flat delete
// bounded by filters.Limit, never touching an active-status task.
func (s *Store) Prune(ctx context.Context, filters PruneFilters) (*PruneResult, error) {
	if err := filters.Validate(); err != nil {
		return nil, err
	}
	if filters.Recursive {
		rec, err := s.pruneTreesRecursive(ctx, filters)
		if err != nil {
			return nil, err
		}
		return &rec.PruneResult, nil
	}

	where, args := filters.buildWhereClause()
	selectQuery := fmt.Sprintf("SELECT id, status FROM tasks WHERE %s", where)
	if filters.Limit != nil {
		selectQuery += " LIMIT ?"
		args = append(args, *filters.Limit)
	}

	rows, err := s.db.QueryContext(ctx, selectQuery, args...)
	if err != nil {
		return nil, fmt.Errorf("prune: select candidates: %w", err)
	}
	var ids []string
	breakdown := make(map[TaskStatus]int)
	for rows.Next() {
		var id, status string
		if err := rows.Scan(&id, &status); err != nil {
			rows.Close()
			return nil, err
		}
		ids = append(ids, id)
		breakdown[TaskStatus(status)]++
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	result := &PruneResult{DryRun: filters.DryRun, BreakdownByStatus: breakdown}
	if filters.DryRun || len(ids) == 0 {
		result.DeletedTasks = len(ids)
		return result, nil
	}

	var depDeleted int
	if txErr := s.WithTx(ctx, func(tx *sql.Tx) error {
		placeholders := make([]string, len(ids))
		args := make([]any, len(ids))
		for i, id := range ids {
			placeholders[i] = "?"
			args[i] = id
		}
		in := strings.Join(placeholders, ",")

		res, err := tx.ExecContext(ctx, fmt.Sprintf("DELETE FROM task_dependencies WHERE dependent_task_id IN (%s) OR prerequisite_task_id IN (%s)", in, in), append(append([]any{}, args...), args...)...)
		if err != nil {
			return fmt.Errorf("prune: delete dependencies: %w", err)
		}
		n, _ := res.RowsAffected()
		depDeleted = int(n)

		if _, err := tx.ExecContext(ctx, fmt.Sprintf("DELETE FROM tasks WHERE id IN (%s)", in), args...); err != nil {
			return fmt.Errorf("prune: delete tasks: %w", err)
		}
		return nil
	}); txErr != nil {
		return nil, txErr
	}

	result.DeletedTasks = len(ids)
	result.DeletedDependencies = depDeleted
	if filters.VacuumMode == "always" || (filters.VacuumMode == "conditional" && len(ids) > 10000) {
		if _, err := s.db.ExecContext(ctx, "VACUUM;"); err != nil {
			return nil, fmt.Errorf("prune: vacuum: %w", err)
		}
	} else if filters.VacuumMode == "conditional" {
		result.VacuumAutoSkipped = true
	}
	return result, nil
}

// pruneTreesRecursive deletes only the maximal deletable subset of each
// candidate task's tree: a subtree is removed as a unit only when every
// node in it matches filters.Statuses, preserving any subtree reachable
// through a non-matching descendant.
func (s *Store) pruneTreesRecursive(ctx context.Context, filters PruneFilters) (*RecursivePruneResult, error) {
	where, args := filters.buildWhereClause()
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf("SELECT id, parent_task_id FROM tasks WHERE %s", where), args...)
	if err != nil {
		return nil, fmt.Errorf("prune recursive: select candidates: %w", err)
	}
	var candidates []uuid.UUID
	parentOf := make(map[uuid.UUID]*uuid.UUID)
	for rows.Next() {
		var idStr string
		var parentStr *string
		if err := rows.Scan(&idStr, &parentStr); err != nil {
			rows.Close()
			return nil, err
		}
		id, err := uuid.Parse(idStr)
		if err != nil {
			rows.Close()
			return nil, err
		}
		var parent *uuid.UUID
		if parentStr != nil {
			pid, err := uuid.Parse(*parentStr)
			if err != nil {
				rows.Close()
				return nil, err
			}
			parent = &pid
		}
		candidates = append(candidates, id)
		parentOf[id] = parent
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// A candidate is only considered an independent tree root when its
	// parent is absent or is itself not a candidate; a matching child of
	// a candidate parent is evaluated as part of that parent's subtree so
	// it is never deleted independently of a preserved ancestor.
	isCandidate := make(map[uuid.UUID]struct{}, len(candidates))
	for _, id := range candidates {
		isCandidate[id] = struct{}{}
	}
	var roots []uuid.UUID
	for _, id := range candidates {
		parent := parentOf[id]
		if parent == nil {
			roots = append(roots, id)
			continue
		}
		if _, parentIsCandidate := isCandidate[*parent]; !parentIsCandidate {
			roots = append(roots, id)
		}
	}

	result := &RecursivePruneResult{
		PruneResult: PruneResult{DryRun: filters.DryRun, BreakdownByStatus: map[TaskStatus]int{}},
		DeletedByDepth: map[int]int{},
	}
	if len(roots) == 0 {
		return result, nil
	}

	allowed := make(map[TaskStatus]struct{}, len(filters.Statuses))
	for _, st := range filters.Statuses {
		allowed[st] = struct{}{}
	}

	deletable := make(map[uuid.UUID]struct{})
	maxDepth := 0
	for _, root := range roots {
		nodes, err := s.GetTaskTreeWithStatus(ctx, []uuid.UUID{root}, nil, defaultTreeMaxDepth)
		if err != nil {
			return nil, fmt.Errorf("prune recursive: %w", err)
		}
		rootDeletable := validateTreeDeletability(nodes, root, allowed)
		// root is itself always a filter match (it came from the
		// candidate query), so anything short of the whole subtree being
		// deletable — including the fully-preserved, empty-deletable
		// case — means a non-matching descendant blocked it.
		if len(nodes) > 0 && len(rootDeletable) == len(nodes) {
			result.TreesDeleted++
		} else {
			result.PartialTrees++
		}
		for id := range rootDeletable {
			deletable[id] = struct{}{}
			if node, ok := nodes[id]; ok && node.Depth > maxDepth {
				maxDepth = node.Depth
			}
			if node, ok := nodes[id]; ok {
				result.DeletedByDepth[node.Depth]++
				result.BreakdownByStatus[node.Status]++
			}
		}
	}
	result.TreeDepth = maxDepth
	result.DeletedTasks = len(deletable)
	treesAffected := len(roots)
	partial := result.PartialTrees
	result.TreesAffected = &treesAffected
	result.PartialTreesPreserved = &partial

	if filters.DryRun || len(deletable) == 0 {
		return result, nil
	}

	ids := make([]string, 0, len(deletable))
	for id := range deletable {
		ids = append(ids, id.String())
	}
	placeholders := make([]string, len(ids))
	args2 := make([]any, len(ids))
	for i, id := range ids {
		placeholders[i] = "?"
		args2[i] = id
	}
	in := strings.Join(placeholders, ",")

	var depDeleted int
	txErr := s.WithTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, fmt.Sprintf("DELETE FROM task_dependencies WHERE dependent_task_id IN (%s) OR prerequisite_task_id IN (%s)", in, in), append(append([]any{}, args2...), args2...)...)
		if err != nil {
			return fmt.Errorf("prune recursive: delete dependencies: %w", err)
		}
		n, _ := res.RowsAffected()
		depDeleted = int(n)
		if _, err := tx.ExecContext(ctx, fmt.Sprintf("DELETE FROM tasks WHERE id IN (%s)", in), args2...); err != nil {
			return fmt.Errorf("prune recursive: delete tasks: %w", err)
		}
		return nil
	})
	if txErr != nil {
		return nil, txErr
	}
	result.DeletedDependencies = depDeleted

	if filters.VacuumMode == "always" || (filters.VacuumMode == "conditional" && len(ids) > 10000) {
		if _, err := s.db.ExecContext(ctx, "VACUUM;"); err != nil {
			return nil, fmt.Errorf("prune recursive: vacuum: %w", err)
		}
	} else if filters.VacuumMode == "conditional" {
		result.VacuumAutoSkipped = true
	}
	return result, nil
}
