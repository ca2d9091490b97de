package persistence_test

import (
	"context"
	"database/sql"
	"testing"

	"github.com/basket/swarmqueue/internal/persistence"
	"github.com/google/uuid"
)

func TestCreateAndGetTask(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()

	task := newTestTask("summarize the quarterly report")
	if err := store.CreateTask(ctx, task); err != nil {
		t.Fatalf("create task: %v", err)
	}
	if task.ID.String() == "" {
		t.Fatalf("expected CreateTask to assign an id")
	}

	got, err := store.GetTask(ctx, task.ID)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if got.Prompt != task.Prompt {
		t.Fatalf("prompt mismatch: got %q want %q", got.Prompt, task.Prompt)
	}
	if got.Status != persistence.TaskStatusPending {
		t.Fatalf("expected PENDING, got %s", got.Status)
	}
	if len(got.Dependencies) != 0 {
		t.Fatalf("expected no dependencies, got %v", got.Dependencies)
	}
}

func TestCreateTaskRejectsUnknownStatus(t *testing.T) {
	store, _ := openTestStore(t)
	task := newTestTask("bad status")
	task.Status = persistence.TaskStatus("NOT_A_STATUS")

	err := store.CreateTask(context.Background(), task)
	if err == nil {
		t.Fatalf("expected error for unknown status")
	}
}

func TestGetTaskUnknownIDReturnsErrNoRows(t *testing.T) {
	store, _ := openTestStore(t)
	_, err := store.GetTask(context.Background(), uuid.New())
	if err == nil {
		t.Fatalf("expected error for unknown task id")
	}
}

func TestListTasksFiltersByStatusAndOrdersBySubmission(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()

	first := newTestTask("first")
	first.Status = persistence.TaskStatusReady
	if err := store.CreateTask(ctx, first); err != nil {
		t.Fatalf("create first: %v", err)
	}
	second := newTestTask("second")
	second.Status = persistence.TaskStatusReady
	if err := store.CreateTask(ctx, second); err != nil {
		t.Fatalf("create second: %v", err)
	}
	blocked := newTestTask("blocked")
	blocked.Status = persistence.TaskStatusBlocked
	if err := store.CreateTask(ctx, blocked); err != nil {
		t.Fatalf("create blocked: %v", err)
	}

	ready, err := store.ListTasks(ctx, []persistence.TaskStatus{persistence.TaskStatusReady}, 0)
	if err != nil {
		t.Fatalf("list tasks: %v", err)
	}
	if len(ready) != 2 {
		t.Fatalf("expected 2 ready tasks, got %d", len(ready))
	}
	if ready[0].ID != first.ID || ready[1].ID != second.ID {
		t.Fatalf("expected submission order first,second")
	}
}

func TestListChildTasksOrderedBySubmission(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()

	parent := newTestTask("parent")
	if err := store.CreateTask(ctx, parent); err != nil {
		t.Fatalf("create parent: %v", err)
	}
	childA := newTestTask("child a")
	childA.ParentTaskID = &parent.ID
	if err := store.CreateTask(ctx, childA); err != nil {
		t.Fatalf("create child a: %v", err)
	}
	childB := newTestTask("child b")
	childB.ParentTaskID = &parent.ID
	if err := store.CreateTask(ctx, childB); err != nil {
		t.Fatalf("create child b: %v", err)
	}

	children, err := store.ListChildTasks(ctx, parent.ID)
	if err != nil {
		t.Fatalf("list child tasks: %v", err)
	}
	if len(children) != 2 {
		t.Fatalf("expected 2 children, got %d", len(children))
	}
	if children[0].ID != childA.ID || children[1].ID != childB.ID {
		t.Fatalf("expected submission order child a, child b")
	}
}

func TestTransitionTaskRejectsIllegalTransition(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()

	task := newTestTask("illegal transition")
	if err := store.CreateTask(ctx, task); err != nil {
		t.Fatalf("create task: %v", err)
	}

	err := store.WithTx(ctx, func(tx *sql.Tx) error {
		return store.TransitionTask(ctx, tx, task.ID, persistence.TaskStatusPending, persistence.TaskStatusCompleted)
	})
	if err == nil {
		t.Fatalf("expected error transitioning PENDING -> COMPLETED directly")
	}

	got, getErr := store.GetTask(ctx, task.ID)
	if getErr != nil {
		t.Fatalf("get task: %v", getErr)
	}
	if got.Status != persistence.TaskStatusPending {
		t.Fatalf("expected status unchanged at PENDING, got %s", got.Status)
	}
}

func TestTransitionTaskDetectsConcurrentModification(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()

	task := newTestTask("concurrent mod")
	task.Status = persistence.TaskStatusReady
	if err := store.CreateTask(ctx, task); err != nil {
		t.Fatalf("create task: %v", err)
	}

	// Advance the task out from under a transition that still believes
	// it is READY.
	if err := store.WithTx(ctx, func(tx *sql.Tx) error {
		return store.TransitionTask(ctx, tx, task.ID, persistence.TaskStatusReady, persistence.TaskStatusRunning)
	}); err != nil {
		t.Fatalf("advance to RUNNING: %v", err)
	}

	err := store.WithTx(ctx, func(tx *sql.Tx) error {
		return store.TransitionTask(ctx, tx, task.ID, persistence.TaskStatusReady, persistence.TaskStatusRunning)
	})
	if err == nil {
		t.Fatalf("expected concurrent modification error on stale from-state")
	}
}

func TestSetTaskRunningSetsStartedAt(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()

	task := newTestTask("run me")
	task.Status = persistence.TaskStatusReady
	if err := store.CreateTask(ctx, task); err != nil {
		t.Fatalf("create task: %v", err)
	}

	if err := store.WithTx(ctx, func(tx *sql.Tx) error {
		return store.SetTaskRunning(ctx, tx, task.ID)
	}); err != nil {
		t.Fatalf("set task running: %v", err)
	}

	got, err := store.GetTask(ctx, task.ID)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if got.Status != persistence.TaskStatusRunning {
		t.Fatalf("expected RUNNING, got %s", got.Status)
	}
	if got.StartedAt == nil {
		t.Fatalf("expected started_at to be set")
	}
}

func TestIncrementRetryBumpsCount(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()

	task := newTestTask("flaky")
	if err := store.CreateTask(ctx, task); err != nil {
		t.Fatalf("create task: %v", err)
	}

	var count int
	err := store.WithTx(ctx, func(tx *sql.Tx) error {
		var err error
		count, err = store.IncrementRetry(ctx, tx, task.ID)
		return err
	})
	if err != nil {
		t.Fatalf("increment retry: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected retry count 1, got %d", count)
	}
}
