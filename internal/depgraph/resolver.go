// Package depgraph implements the dependency graph algorithms the queue
// relies on: cycle detection, topological ordering, depth calculation, and
// the ready/blocked set derived from unresolved task_dependencies edges.
package depgraph

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/basket/swarmqueue/internal/persistence"
)

// CircularDependencyError reports every cycle found by a single detection
// pass, not just the first.
type CircularDependencyError struct {
	Cycles [][]uuid.UUID
}

func (e *CircularDependencyError) Error() string {
	var b strings.Builder
	b.WriteString("circular dependency detected:\n")
	for _, cycle := range e.Cycles {
		strs := make([]string, len(cycle))
		for i, id := range cycle {
			strs[i] = id.String()
		}
		fmt.Fprintf(&b, "  - %s\n", strings.Join(strs, " -> "))
	}
	return b.String()
}

const defaultCacheTTL = 60 * time.Second

// Resolver answers dependency-graph questions over a persistence.Store,
// caching the prerequisite-to-dependent adjacency list for cacheTTL and
// memoizing depth calculations until the next InvalidateCache.
type Resolver struct {
	store *persistence.Store
	ttl   time.Duration
	log   *slog.Logger

	mu          sync.Mutex
	graph       map[uuid.UUID]map[uuid.UUID]struct{} // prerequisite -> dependents
	graphAt     time.Time
	depthMemo   map[uuid.UUID]int
}

// New builds a Resolver with the default 60s cache TTL. Pass a non-zero
// ttl to override it.
func New(store *persistence.Store, ttl time.Duration, log *slog.Logger) *Resolver {
	if ttl <= 0 {
		ttl = defaultCacheTTL
	}
	if log == nil {
		log = slog.Default()
	}
	return &Resolver{
		store:     store,
		ttl:       ttl,
		log:       log,
		depthMemo: make(map[uuid.UUID]int),
	}
}

// buildGraph returns the cached adjacency list, rebuilding it from
// task_dependencies when the cache is empty or stale.
func (r *Resolver) buildGraph(ctx context.Context) (map[uuid.UUID]map[uuid.UUID]struct{}, error) {
	r.mu.Lock()
	if r.graph != nil && time.Since(r.graphAt) < r.ttl {
		g := r.graph
		r.mu.Unlock()
		return g, nil
	}
	r.mu.Unlock()

	edges, err := r.store.ListAllEdges(ctx)
	if err != nil {
		return nil, fmt.Errorf("depgraph: build graph: %w", err)
	}

	graph := make(map[uuid.UUID]map[uuid.UUID]struct{})
	for _, e := range edges {
		if e.ResolvedAt != nil {
			continue
		}
		if graph[e.PrerequisiteTaskID] == nil {
			graph[e.PrerequisiteTaskID] = make(map[uuid.UUID]struct{})
		}
		graph[e.PrerequisiteTaskID][e.DependentTaskID] = struct{}{}
		if graph[e.DependentTaskID] == nil {
			graph[e.DependentTaskID] = make(map[uuid.UUID]struct{})
		}
	}

	r.mu.Lock()
	r.graph = graph
	r.graphAt = time.Now()
	r.mu.Unlock()

	r.log.Debug("depgraph: rebuilt adjacency cache", "nodes", len(graph))
	return graph, nil
}

// InvalidateCache drops the adjacency and depth caches. Callers must call
// this after inserting, resolving, or deleting a dependency edge.
func (r *Resolver) InvalidateCache() {
	r.mu.Lock()
	r.graph = nil
	r.depthMemo = make(map[uuid.UUID]int)
	r.mu.Unlock()
	r.log.Debug("depgraph: cache invalidated")
}

// DetectCircularDependencies simulates adding newDeps as prerequisites of
// taskID (taskID may be uuid.Nil for a not-yet-created task) against the
// current graph and returns every cycle found via DFS. An empty, non-nil
// slice means no cycle.
func (r *Resolver) DetectCircularDependencies(ctx context.Context, taskID uuid.UUID, newDeps []uuid.UUID) ([][]uuid.UUID, error) {
	base, err := r.buildGraph(ctx)
	if err != nil {
		return nil, err
	}

	graph := make(map[uuid.UUID]map[uuid.UUID]struct{}, len(base))
	for k, v := range base {
		cp := make(map[uuid.UUID]struct{}, len(v))
		for id := range v {
			cp[id] = struct{}{}
		}
		graph[k] = cp
	}

	if taskID != uuid.Nil {
		if graph[taskID] == nil {
			graph[taskID] = make(map[uuid.UUID]struct{})
		}
		for _, prereq := range newDeps {
			if prereq == taskID {
				return nil, &CircularDependencyError{Cycles: [][]uuid.UUID{{taskID, taskID}}}
			}
			if graph[prereq] == nil {
				graph[prereq] = make(map[uuid.UUID]struct{})
			}
			graph[prereq][taskID] = struct{}{}
		}
	}

	var cycles [][]uuid.UUID
	visited := make(map[uuid.UUID]struct{})
	recStack := make(map[uuid.UUID]struct{})
	var path []uuid.UUID

	var dfs func(node uuid.UUID)
	dfs = func(node uuid.UUID) {
		if _, ok := recStack[node]; ok {
			start := 0
			for i, id := range path {
				if id == node {
					start = i
					break
				}
			}
			cycle := append(append([]uuid.UUID{}, path[start:]...), node)
			cycles = append(cycles, cycle)
			return
		}
		if _, ok := visited[node]; ok {
			return
		}
		visited[node] = struct{}{}
		recStack[node] = struct{}{}
		path = append(path, node)

		for neighbor := range graph[node] {
			dfs(neighbor)
		}

		path = path[:len(path)-1]
		delete(recStack, node)
	}

	for node := range graph {
		if _, ok := visited[node]; !ok {
			dfs(node)
		}
	}

	if len(cycles) > 0 {
		return cycles, &CircularDependencyError{Cycles: cycles}
	}
	return cycles, nil
}

// ValidateNewDependency is a lightweight cycle check suitable for calling
// just before inserting an edge: it reports whether the edge is safe to add.
func (r *Resolver) ValidateNewDependency(ctx context.Context, taskID, dependsOnTaskID uuid.UUID) (bool, error) {
	_, err := r.DetectCircularDependencies(ctx, taskID, []uuid.UUID{dependsOnTaskID})
	if err == nil {
		return true, nil
	}
	var cycleErr *CircularDependencyError
	if ok := asCircularErr(err, &cycleErr); ok {
		return false, nil
	}
	return false, err
}

func asCircularErr(err error, target **CircularDependencyError) bool {
	if ce, ok := err.(*CircularDependencyError); ok {
		*target = ce
		return true
	}
	return false
}

// CalculateDependencyDepth returns the maximum depth from a root (depth 0)
// to taskID, memoized until the next InvalidateCache.
func (r *Resolver) CalculateDependencyDepth(ctx context.Context, taskID uuid.UUID) (int, error) {
	r.mu.Lock()
	if d, ok := r.depthMemo[taskID]; ok {
		r.mu.Unlock()
		return d, nil
	}
	r.mu.Unlock()

	prereqs, err := r.store.ListPrerequisites(ctx, taskID)
	if err != nil {
		return 0, fmt.Errorf("depgraph: calculate depth for %s: %w", taskID, err)
	}

	unresolved, err := r.unresolvedOf(ctx, taskID, prereqs)
	if err != nil {
		return 0, err
	}

	depth := 0
	if len(unresolved) > 0 {
		maxPrereq := 0
		for _, prereqID := range unresolved {
			d, err := r.CalculateDependencyDepth(ctx, prereqID)
			if err != nil {
				return 0, err
			}
			if d > maxPrereq {
				maxPrereq = d
			}
		}
		depth = maxPrereq + 1
	}

	r.mu.Lock()
	r.depthMemo[taskID] = depth
	r.mu.Unlock()
	return depth, nil
}

func (r *Resolver) unresolvedOf(ctx context.Context, taskID uuid.UUID, prereqs []uuid.UUID) ([]uuid.UUID, error) {
	if len(prereqs) == 0 {
		return nil, nil
	}
	graph, err := r.buildGraph(ctx)
	if err != nil {
		return nil, err
	}
	var unresolved []uuid.UUID
	for _, prereqID := range prereqs {
		if dependents, ok := graph[prereqID]; ok {
			if _, stillOpen := dependents[taskID]; stillOpen {
				unresolved = append(unresolved, prereqID)
			}
		}
	}
	return unresolved, nil
}

// GetExecutionOrder returns taskIDs in a valid topological order restricted
// to the given subset, using Kahn's algorithm.
func (r *Resolver) GetExecutionOrder(ctx context.Context, taskIDs []uuid.UUID) ([]uuid.UUID, error) {
	if len(taskIDs) == 0 {
		return nil, nil
	}

	inSet := make(map[uuid.UUID]struct{}, len(taskIDs))
	for _, id := range taskIDs {
		inSet[id] = struct{}{}
	}

	graph := make(map[uuid.UUID]map[uuid.UUID]struct{})
	inDegree := make(map[uuid.UUID]int, len(taskIDs))
	for _, id := range taskIDs {
		inDegree[id] = 0
	}

	for _, id := range taskIDs {
		prereqs, err := r.store.ListPrerequisites(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("depgraph: execution order: %w", err)
		}
		unresolved, err := r.unresolvedOf(ctx, id, prereqs)
		if err != nil {
			return nil, err
		}
		for _, prereqID := range unresolved {
			if _, ok := inSet[prereqID]; !ok {
				continue
			}
			if graph[prereqID] == nil {
				graph[prereqID] = make(map[uuid.UUID]struct{})
			}
			graph[prereqID][id] = struct{}{}
			inDegree[id]++
		}
	}

	var queue []uuid.UUID
	for _, id := range taskIDs {
		if inDegree[id] == 0 {
			queue = append(queue, id)
		}
	}

	var result []uuid.UUID
	for len(queue) > 0 {
		node := queue[0]
		queue = queue[1:]
		result = append(result, node)
		for neighbor := range graph[node] {
			inDegree[neighbor]--
			if inDegree[neighbor] == 0 {
				queue = append(queue, neighbor)
			}
		}
	}

	if len(result) != len(taskIDs) {
		done := make(map[uuid.UUID]struct{}, len(result))
		for _, id := range result {
			done[id] = struct{}{}
		}
		var unprocessed []uuid.UUID
		for _, id := range taskIDs {
			if _, ok := done[id]; !ok {
				unprocessed = append(unprocessed, id)
			}
		}
		return nil, &CircularDependencyError{Cycles: [][]uuid.UUID{unprocessed}}
	}
	return result, nil
}

// AreAllDependenciesMet reports whether every prerequisite edge of taskID
// has been resolved.
func (r *Resolver) AreAllDependenciesMet(ctx context.Context, taskID uuid.UUID) (bool, error) {
	n, err := r.store.UnresolvedPrerequisiteCount(ctx, r.store.DB(), taskID)
	if err != nil {
		return false, fmt.Errorf("depgraph: dependencies met for %s: %w", taskID, err)
	}
	return n == 0, nil
}

// GetBlockedTasks returns every task still waiting on prerequisiteTaskID.
func (r *Resolver) GetBlockedTasks(ctx context.Context, prerequisiteTaskID uuid.UUID) ([]uuid.UUID, error) {
	graph, err := r.buildGraph(ctx)
	if err != nil {
		return nil, err
	}
	dependents, ok := graph[prerequisiteTaskID]
	if !ok {
		return nil, nil
	}
	out := make([]uuid.UUID, 0, len(dependents))
	for id := range dependents {
		out = append(out, id)
	}
	return out, nil
}

// GetDependencyChain walks taskID's unresolved prerequisites outward and
// groups them into levels, level 0 being taskID itself.
func (r *Resolver) GetDependencyChain(ctx context.Context, taskID uuid.UUID) ([][]uuid.UUID, error) {
	visited := make(map[uuid.UUID]struct{})
	levels := make(map[int][]uuid.UUID)
	maxDepth := 0

	var traverse func(id uuid.UUID, depth int) error
	traverse = func(id uuid.UUID, depth int) error {
		if _, ok := visited[id]; ok {
			return nil
		}
		visited[id] = struct{}{}
		levels[depth] = append(levels[depth], id)
		if depth > maxDepth {
			maxDepth = depth
		}

		prereqs, err := r.store.ListPrerequisites(ctx, id)
		if err != nil {
			return fmt.Errorf("depgraph: dependency chain for %s: %w", taskID, err)
		}
		unresolved, err := r.unresolvedOf(ctx, id, prereqs)
		if err != nil {
			return err
		}
		for _, prereqID := range unresolved {
			if err := traverse(prereqID, depth+1); err != nil {
				return err
			}
		}
		return nil
	}

	if err := traverse(taskID, 0); err != nil {
		return nil, err
	}

	chain := make([][]uuid.UUID, maxDepth+1)
	for i := 0; i <= maxDepth; i++ {
		chain[i] = levels[i]
	}
	return chain, nil
}
