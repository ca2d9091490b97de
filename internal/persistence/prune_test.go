package persistence_test

import (
	"context"
	"database/sql"
	"testing"

	"github.com/basket/swarmqueue/internal/persistence"
	"github.com/google/uuid"
)

func TestPruneFiltersValidateRejectsActiveStatus(t *testing.T) {
	f := persistence.PruneFilters{Statuses: []persistence.TaskStatus{persistence.TaskStatusRunning}}
	if err := f.Validate(); err == nil {
		t.Fatalf("expected error for non-terminal status")
	}
}

func TestPruneFiltersValidateRequiresASelector(t *testing.T) {
	f := persistence.PruneFilters{}
	if err := f.Validate(); err == nil {
		t.Fatalf("expected error when no selector is given")
	}
}

func TestPruneDryRunDoesNotDelete(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()

	done := newTestTask("finished")
	done.Status = persistence.TaskStatusCompleted
	if err := store.CreateTask(ctx, done); err != nil {
		t.Fatalf("create task: %v", err)
	}

	result, err := store.Prune(ctx, persistence.PruneFilters{
		Statuses: []persistence.TaskStatus{persistence.TaskStatusCompleted},
		DryRun:   true,
	})
	if err != nil {
		t.Fatalf("prune dry run: %v", err)
	}
	if result.DeletedTasks != 1 {
		t.Fatalf("expected dry run to report 1 deletable task, got %d", result.DeletedTasks)
	}

	if _, err := store.GetTask(ctx, done.ID); err != nil {
		t.Fatalf("expected task to still exist after dry run: %v", err)
	}
}

func TestPruneNeverDeletesActiveTasks(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()

	running := newTestTask("still running")
	running.Status = persistence.TaskStatusRunning
	if err := store.CreateTask(ctx, running); err != nil {
		t.Fatalf("create task: %v", err)
	}
	done := newTestTask("finished")
	done.Status = persistence.TaskStatusCompleted
	if err := store.CreateTask(ctx, done); err != nil {
		t.Fatalf("create task: %v", err)
	}

	result, err := store.Prune(ctx, persistence.PruneFilters{
		TaskIDs: []uuid.UUID{running.ID, done.ID},
		Statuses: []persistence.TaskStatus{
			persistence.TaskStatusCompleted, persistence.TaskStatusFailed, persistence.TaskStatusCancelled,
		},
	})
	if err != nil {
		t.Fatalf("prune: %v", err)
	}
	if result.DeletedTasks != 1 {
		t.Fatalf("expected exactly 1 deleted task (the completed one), got %d", result.DeletedTasks)
	}

	if _, err := store.GetTask(ctx, running.ID); err != nil {
		t.Fatalf("expected running task to survive prune: %v", err)
	}
	if _, err := store.GetTask(ctx, done.ID); err == nil {
		t.Fatalf("expected completed task to be pruned")
	}
}

func TestPruneDeletesDependencyEdgesAlongsideTasks(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()

	prereq := newTestTask("prereq")
	prereq.Status = persistence.TaskStatusCompleted
	if err := store.CreateTask(ctx, prereq); err != nil {
		t.Fatalf("create prereq: %v", err)
	}
	dependent := newTestTask("dependent")
	dependent.Status = persistence.TaskStatusCompleted
	if err := store.CreateTask(ctx, dependent); err != nil {
		t.Fatalf("create dependent: %v", err)
	}
	if err := store.WithTx(ctx, func(tx *sql.Tx) error {
		return store.InsertDependency(ctx, tx, dependent.ID, prereq.ID, persistence.DependencySequential)
	}); err != nil {
		t.Fatalf("insert dependency: %v", err)
	}

	result, err := store.Prune(ctx, persistence.PruneFilters{
		Statuses: []persistence.TaskStatus{persistence.TaskStatusCompleted},
	})
	if err != nil {
		t.Fatalf("prune: %v", err)
	}
	if result.DeletedTasks != 2 {
		t.Fatalf("expected both tasks deleted, got %d", result.DeletedTasks)
	}
	if result.DeletedDependencies != 1 {
		t.Fatalf("expected the dependency edge between them to be reported deleted, got %d", result.DeletedDependencies)
	}
}

func TestPruneRecursivePreservesPartialTree(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()

	// root=COMPLETED with children c1=COMPLETED, c2=RUNNING, c3=COMPLETED.
	// c1 and c3 independently match the filter, but neither may become an
	// independent deletable root: the whole tree is blocked by c2, so
	// deleted_tasks must be 0 and partial_trees must be 1.
	root := newTestTask("root")
	root.Status = persistence.TaskStatusCompleted
	if err := store.CreateTask(ctx, root); err != nil {
		t.Fatalf("create root: %v", err)
	}
	doneChild := newTestTask("done child")
	doneChild.Status = persistence.TaskStatusCompleted
	doneChild.ParentTaskID = &root.ID
	if err := store.CreateTask(ctx, doneChild); err != nil {
		t.Fatalf("create done child: %v", err)
	}
	activeChild := newTestTask("active child")
	activeChild.Status = persistence.TaskStatusRunning
	activeChild.ParentTaskID = &root.ID
	if err := store.CreateTask(ctx, activeChild); err != nil {
		t.Fatalf("create active child: %v", err)
	}
	otherDoneChild := newTestTask("other done child")
	otherDoneChild.Status = persistence.TaskStatusCompleted
	otherDoneChild.ParentTaskID = &root.ID
	if err := store.CreateTask(ctx, otherDoneChild); err != nil {
		t.Fatalf("create other done child: %v", err)
	}

	result, err := store.Prune(ctx, persistence.PruneFilters{
		Statuses:  []persistence.TaskStatus{persistence.TaskStatusCompleted},
		Recursive: true,
	})
	if err != nil {
		t.Fatalf("prune recursive: %v", err)
	}
	if result.DeletedTasks != 0 {
		t.Fatalf("expected 0 deleted tasks when a descendant blocks the whole tree, got %d", result.DeletedTasks)
	}

	// The root has a non-matching (RUNNING) descendant, so its whole
	// subtree must be preserved even though root, doneChild, and
	// otherDoneChild all match individually.
	if _, err := store.GetTask(ctx, root.ID); err != nil {
		t.Fatalf("expected root to survive recursive prune (partial tree): %v", err)
	}
	if _, err := store.GetTask(ctx, doneChild.ID); err != nil {
		t.Fatalf("expected done child to survive recursive prune (partial tree): %v", err)
	}
	if _, err := store.GetTask(ctx, otherDoneChild.ID); err != nil {
		t.Fatalf("expected other done child to survive recursive prune (partial tree): %v", err)
	}
	if _, err := store.GetTask(ctx, activeChild.ID); err != nil {
		t.Fatalf("expected active child untouched: %v", err)
	}
}

func TestPruneRecursiveDeletesFullyTerminalTree(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()

	root := newTestTask("root")
	root.Status = persistence.TaskStatusCompleted
	if err := store.CreateTask(ctx, root); err != nil {
		t.Fatalf("create root: %v", err)
	}
	child := newTestTask("child")
	child.Status = persistence.TaskStatusFailed
	child.ParentTaskID = &root.ID
	if err := store.CreateTask(ctx, child); err != nil {
		t.Fatalf("create child: %v", err)
	}

	if _, err := store.Prune(ctx, persistence.PruneFilters{
		Statuses:  []persistence.TaskStatus{persistence.TaskStatusCompleted, persistence.TaskStatusFailed},
		Recursive: true,
	}); err != nil {
		t.Fatalf("prune recursive: %v", err)
	}

	if _, err := store.GetTask(ctx, root.ID); err == nil {
		t.Fatalf("expected root to be deleted")
	}
	if _, err := store.GetTask(ctx, child.ID); err == nil {
		t.Fatalf("expected child to be deleted")
	}
}
