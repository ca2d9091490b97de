package swarm

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/basket/swarmqueue/internal/audit"
	"github.com/basket/swarmqueue/internal/bus"
	"github.com/basket/swarmqueue/internal/depgraph"
	"github.com/basket/swarmqueue/internal/persistence"
	"github.com/basket/swarmqueue/internal/priority"
	"github.com/basket/swarmqueue/internal/queue"
)

// recordingExecutor always succeeds and records the order in which tasks
// were handed to it, so the linear-DAG ordering invariant can be checked.
type recordingExecutor struct {
	mu    sync.Mutex
	order []uuid.UUID
}

func (e *recordingExecutor) ExecuteTask(ctx context.Context, task *persistence.Task) (Result, error) {
	e.mu.Lock()
	e.order = append(e.order, task.ID)
	e.mu.Unlock()
	return Result{Success: true, AgentID: "test-agent", Metadata: map[string]any{"ok": true}}, nil
}

func newTestQueue(t *testing.T) *queue.Service {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "swarm_test.db")
	eventBus := bus.New()
	store, err := persistence.Open(dbPath, eventBus)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	resolver := depgraph.New(store, 0, nil)
	calc, err := priority.New(resolver, priority.DefaultWeights(), nil)
	if err != nil {
		t.Fatalf("new calculator: %v", err)
	}
	auditSvc, err := audit.New(t.TempDir())
	if err != nil {
		t.Fatalf("new audit service: %v", err)
	}
	t.Cleanup(func() { _ = auditSvc.Close() })

	return queue.New(store, resolver, calc, auditSvc, eventBus, queue.Config{}, nil)
}

func TestOrchestratorLinearDAGDispatch(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	a, err := q.EnqueueTask(ctx, queue.EnqueueInput{Prompt: "A", AgentType: "implementer", Source: persistence.TaskSourceHuman})
	if err != nil {
		t.Fatalf("enqueue A: %v", err)
	}
	b, err := q.EnqueueTask(ctx, queue.EnqueueInput{Prompt: "B", AgentType: "implementer", Source: persistence.TaskSourceHuman, Prerequisites: []uuid.UUID{a.ID}})
	if err != nil {
		t.Fatalf("enqueue B: %v", err)
	}
	c, err := q.EnqueueTask(ctx, queue.EnqueueInput{Prompt: "C", AgentType: "implementer", Source: persistence.TaskSourceHuman, Prerequisites: []uuid.UUID{b.ID}})
	if err != nil {
		t.Fatalf("enqueue C: %v", err)
	}

	executor := &recordingExecutor{}
	limit := 3
	orch := New(q, executor, nil, Config{MaxConcurrentAgents: 4, PollInterval: 5 * time.Millisecond, TaskLimit: &limit}, nil)

	runCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	done := make(chan struct{})
	go func() {
		orch.Run(runCtx)
		close(done)
	}()

	deadline := time.After(2 * time.Second)
	for {
		status := orch.GetSwarmStatus()
		if status.ResultsCount >= 3 {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("timed out waiting for 3 results, got %d", status.ResultsCount)
		case <-time.After(10 * time.Millisecond):
		}
	}

	orch.Shutdown()
	<-done

	results := orch.Results()
	if len(results) != 3 {
		t.Fatalf("expected exactly 3 results, got %d", len(results))
	}
	for _, r := range results {
		if !r.Success {
			t.Fatalf("expected all results to succeed, got failure for %s: %s", r.TaskID, r.Error)
		}
	}

	executor.mu.Lock()
	order := append([]uuid.UUID{}, executor.order...)
	executor.mu.Unlock()

	if len(order) != 3 || order[0] != a.ID || order[1] != b.ID || order[2] != c.ID {
		t.Fatalf("expected execution order A,B,C; got %v (want %s,%s,%s)", order, a.ID, b.ID, c.ID)
	}
}
