package persistence

import (
	"context"
	"fmt"

	"github.com/google/uuid"
)

// TreeNode is one task within a task tree traversal, annotated with its
// depth relative to the queried roots and its direct children.
type TreeNode struct {
	ID          uuid.UUID
	ParentID    *uuid.UUID
	Status      TaskStatus
	Depth       int
	ChildrenIDs []uuid.UUID
}

func (n *TreeNode) isLeaf() bool { return len(n.ChildrenIDs) == 0 }

const defaultTreeMaxDepth = 100

// GetTaskTreeWithStatus returns every descendant of the given root task
// ids (inclusive), optionally filtered to a set of statuses, as a map
// keyed by task id. maxDepth bounds the recursive walk; a tree whose
// observed depth reaches maxDepth is treated as a cycle and rejected.
func (s *Store) GetTaskTreeWithStatus(ctx context.Context, rootIDs []uuid.UUID, filterStatuses []TaskStatus, maxDepth int) (map[uuid.UUID]*TreeNode, error) {
	if len(rootIDs) == 0 {
		return nil, fmt.Errorf("get task tree: no root ids given")
	}
	if maxDepth <= 0 || maxDepth > 1000 {
		return nil, fmt.Errorf("get task tree: max depth %d out of range [1,1000]", maxDepth)
	}

	rootArgs := make([]any, len(rootIDs))
	rootPlaceholders := make([]byte, 0, len(rootIDs)*2)
	for i, id := range rootIDs {
		rootArgs[i] = id.String()
		if i > 0 {
			rootPlaceholders = append(rootPlaceholders, ',')
		}
		rootPlaceholders = append(rootPlaceholders, '?')
	}

	query := fmt.Sprintf(`
WITH RECURSIVE task_tree(id, parent_task_id, status, depth) AS (
  SELECT id, parent_task_id, status, 0 FROM tasks WHERE id IN (%s)
  UNION ALL
  SELECT t.id, t.parent_task_id, t.status, tt.depth + 1
  FROM tasks t
  JOIN task_tree tt ON t.parent_task_id = tt.id
  WHERE tt.depth < ?
)
SELECT id, parent_task_id, status, depth FROM task_tree;`, string(rootPlaceholders))

	args := append(rootArgs, maxDepth)
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("get task tree: %w", err)
	}
	defer rows.Close()

	nodes := make(map[uuid.UUID]*TreeNode)
	observedMaxDepth := 0
	for rows.Next() {
		var idStr, statusStr string
		var parentStr *string
		var depth int
		if err := rows.Scan(&idStr, &parentStr, &statusStr, &depth); err != nil {
			return nil, err
		}
		id, err := uuid.Parse(idStr)
		if err != nil {
			return nil, err
		}
		node := &TreeNode{ID: id, Status: TaskStatus(statusStr), Depth: depth}
		if parentStr != nil {
			pid, err := uuid.Parse(*parentStr)
			if err != nil {
				return nil, err
			}
			node.ParentID = &pid
		}
		nodes[id] = node
		if depth > observedMaxDepth {
			observedMaxDepth = depth
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if observedMaxDepth >= maxDepth {
		return nil, fmt.Errorf("get task tree: depth reached max_depth %d, cycle suspected", maxDepth)
	}

	for _, node := range nodes {
		if node.ParentID == nil {
			continue
		}
		if parent, ok := nodes[*node.ParentID]; ok {
			parent.ChildrenIDs = append(parent.ChildrenIDs, node.ID)
		}
	}

	if len(filterStatuses) == 0 {
		return nodes, nil
	}
	allowed := make(map[TaskStatus]struct{}, len(filterStatuses))
	for _, st := range filterStatuses {
		allowed[st] = struct{}{}
	}
	filtered := make(map[uuid.UUID]*TreeNode, len(nodes))
	for id, node := range nodes {
		if _, ok := allowed[node.Status]; ok {
			filtered[id] = node
		}
	}
	return filtered, nil
}

// CheckTreeAllMatchStatus reports, per root id, whether every descendant
// of that root (the root included) has a status in allowedStatuses. A
// root with no descendants (excluding itself) reports false, matching
// the "empty tree never fully matches" rule used by recursive prune.
func (s *Store) CheckTreeAllMatchStatus(ctx context.Context, rootIDs []uuid.UUID, allowedStatuses []TaskStatus) (map[uuid.UUID]bool, error) {
	result := make(map[uuid.UUID]bool, len(rootIDs))
	if len(allowedStatuses) == 0 {
		for _, id := range rootIDs {
			result[id] = false
		}
		return result, nil
	}

	statusPlaceholders := make([]byte, 0, len(allowedStatuses)*2)
	statusArgs := make([]any, len(allowedStatuses))
	for i, st := range allowedStatuses {
		statusArgs[i] = string(st)
		if i > 0 {
			statusPlaceholders = append(statusPlaceholders, ',')
		}
		statusPlaceholders = append(statusPlaceholders, '?')
	}

	totalQuery := `
WITH RECURSIVE task_tree(id, depth) AS (
  SELECT id, 0 FROM tasks WHERE id = ?
  UNION ALL
  SELECT t.id, tt.depth + 1
  FROM tasks t JOIN task_tree tt ON t.parent_task_id = tt.id
  WHERE tt.depth < 100
)
SELECT COUNT(*) FROM task_tree;`

	matchQuery := fmt.Sprintf(`
WITH RECURSIVE task_tree(id, status, depth) AS (
  SELECT id, status, 0 FROM tasks WHERE id = ?
  UNION ALL
  SELECT t.id, t.status, tt.depth + 1
  FROM tasks t JOIN task_tree tt ON t.parent_task_id = tt.id
  WHERE tt.depth < 100
)
SELECT COUNT(*) FROM task_tree WHERE status IN (%s);`, string(statusPlaceholders))

	for _, rootID := range rootIDs {
		var total int
		if err := s.db.QueryRowContext(ctx, totalQuery, rootID.String()).Scan(&total); err != nil {
			return nil, fmt.Errorf("check tree all match status: count total for %s: %w", rootID, err)
		}
		var matching int
		args := append([]any{rootID.String()}, statusArgs...)
		if err := s.db.QueryRowContext(ctx, matchQuery, args...).Scan(&matching); err != nil {
			return nil, fmt.Errorf("check tree all match status: count matching for %s: %w", rootID, err)
		}
		result[rootID] = total > 0 && total == matching
	}
	return result, nil
}

// validateTreeDeletability decides, for one root, which task ids within
// its subtree can be safely deleted as a unit without orphaning a task
// whose own status does not match. A node that matches and whose every
// child subtree is fully deletable is itself deletable; a node that does
// not match contributes only its deletable children; a node that matches
// but has a non-matching descendant preserves its entire subtree.
func validateTreeDeletability(nodes map[uuid.UUID]*TreeNode, rootID uuid.UUID, allowed map[TaskStatus]struct{}) map[uuid.UUID]struct{} {
	var visit func(id uuid.UUID) (bool, map[uuid.UUID]struct{})
	visit = func(id uuid.UUID) (bool, map[uuid.UUID]struct{}) {
		node, ok := nodes[id]
		if !ok {
			return false, map[uuid.UUID]struct{}{}
		}
		_, selfMatches := allowed[node.Status]

		allChildrenMatch := true
		deletableChildren := map[uuid.UUID]struct{}{}
		for _, childID := range node.ChildrenIDs {
			childMatches, childDeletable := visit(childID)
			if !childMatches {
				allChildrenMatch = false
			}
			for id := range childDeletable {
				deletableChildren[id] = struct{}{}
			}
		}

		switch {
		case selfMatches && allChildrenMatch:
			deletableChildren[id] = struct{}{}
			return true, deletableChildren
		case !selfMatches:
			return false, deletableChildren
		default: // selfMatches but a child does not
			return false, map[uuid.UUID]struct{}{}
		}
	}
	_, deletable := visit(rootID)
	return deletable
}
