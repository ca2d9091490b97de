// Package swarm implements the bounded-concurrency dispatch loop that
// pulls ready tasks off the queue and runs them through an injected
// agent executor. It is structurally adapted from internal/engine's
// worker-pool/poll-ticker/Drain shape, generalized from chat-message
// dispatch to task-queue dispatch.
package swarm

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/basket/swarmqueue/internal/bus"
	"github.com/basket/swarmqueue/internal/persistence"
	"github.com/basket/swarmqueue/internal/queue"
)

// Result is the outcome an AgentExecutor reports for one task. It never
// carries a Go error value across the boundary: Error is a plain string
// so executors implemented out-of-process (or in another language, via
// an RPC shim) can populate it just as easily as an in-process one.
type Result struct {
	TaskID   uuid.UUID
	AgentID  string
	Success  bool
	Error    string
	Metadata map[string]any
}

// AgentExecutor is the injected boundary between the scheduling core and
// whatever actually does the work (an AI inference call, a local script,
// a remote job). The core never constructs one; the caller supplies it.
type AgentExecutor interface {
	ExecuteTask(ctx context.Context, task *persistence.Task) (Result, error)
}

// Config controls dispatch concurrency, polling, and the optional
// lifetime cap on tasks processed.
type Config struct {
	MaxConcurrentAgents int
	PollInterval        time.Duration
	TaskLimit           *int // nil = unlimited
}

func (c Config) withDefaults() Config {
	if c.MaxConcurrentAgents <= 0 {
		c.MaxConcurrentAgents = 4
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 200 * time.Millisecond
	}
	return c
}

// Status is a point-in-time snapshot of the orchestrator, mirroring
// get_swarm_status.
type Status struct {
	ActiveAgents   int
	SpawnedCount   int
	TaskLimit      *int
	ResultsCount   int
	Shutdown       bool
}

// Orchestrator is the SwarmOrchestrator: a single dispatch loop that
// spawns bounded workers against the task queue.
type Orchestrator struct {
	queue    *queue.Service
	executor AgentExecutor
	bus      *bus.Bus
	cfg      Config
	log      *slog.Logger

	sem chan struct{}

	mu           sync.Mutex
	activeAgents map[uuid.UUID]*persistence.Task
	results      []Result
	spawned      int

	shutdownCh chan struct{}
	shutdownMu sync.Once
	wg         sync.WaitGroup
}

// New builds an Orchestrator. executor must not be nil.
func New(q *queue.Service, executor AgentExecutor, eventBus *bus.Bus, cfg Config, log *slog.Logger) *Orchestrator {
	if log == nil {
		log = slog.Default()
	}
	cfg = cfg.withDefaults()
	return &Orchestrator{
		queue:        q,
		executor:     executor,
		bus:          eventBus,
		cfg:          cfg,
		log:          log,
		sem:          make(chan struct{}, cfg.MaxConcurrentAgents),
		activeAgents: make(map[uuid.UUID]*persistence.Task),
		shutdownCh:   make(chan struct{}),
	}
}

// Run is the dispatch loop. It returns when shutdown is requested or ctx
// is cancelled, after every in-flight worker has finished.
func (o *Orchestrator) Run(ctx context.Context) {
	ticker := time.NewTicker(o.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			o.wg.Wait()
			return
		case <-o.shutdownCh:
			o.wg.Wait()
			return
		default:
		}

		if o.limitReached() {
			select {
			case <-ctx.Done():
				o.wg.Wait()
				return
			case <-o.shutdownCh:
				o.wg.Wait()
				return
			case <-ticker.C:
				continue
			}
		}

		if o.activeCount() >= o.cfg.MaxConcurrentAgents {
			select {
			case <-ctx.Done():
				o.wg.Wait()
				return
			case <-o.shutdownCh:
				o.wg.Wait()
				return
			case <-ticker.C:
				continue
			}
		}

		task, err := o.queue.GetNextTask(ctx)
		if err != nil {
			o.log.Warn("swarm: get next task failed", "error", err)
			select {
			case <-ctx.Done():
				o.wg.Wait()
				return
			case <-ticker.C:
				continue
			}
		}
		if task == nil {
			select {
			case <-ctx.Done():
				o.wg.Wait()
				return
			case <-o.shutdownCh:
				o.wg.Wait()
				return
			case <-ticker.C:
				continue
			}
		}

		// Increment the spawned counter before launching, so a second
		// iteration of this loop (and any future multi-dispatcher setup)
		// can never race two spawns past task_limit.
		o.mu.Lock()
		o.spawned++
		o.mu.Unlock()

		o.wg.Add(1)
		go o.executeWithSemaphore(ctx, task)
	}
}

func (o *Orchestrator) limitReached() bool {
	if o.cfg.TaskLimit == nil {
		return false
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.spawned >= *o.cfg.TaskLimit
}

func (o *Orchestrator) activeCount() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.activeAgents)
}

// executeWithSemaphore acquires the bounding semaphore, registers the
// task in active_agents, runs the executor, and reports completion or
// failure. It always removes itself from active_agents on exit.
func (o *Orchestrator) executeWithSemaphore(ctx context.Context, task *persistence.Task) {
	defer o.wg.Done()

	select {
	case o.sem <- struct{}{}:
	case <-ctx.Done():
		return
	}
	defer func() { <-o.sem }()

	o.mu.Lock()
	o.activeAgents[task.ID] = task
	o.mu.Unlock()
	defer func() {
		o.mu.Lock()
		delete(o.activeAgents, task.ID)
		o.mu.Unlock()
	}()

	if o.bus != nil {
		o.bus.Publish(bus.TopicDelegationStarted, bus.TaskStateChangedEvent{TaskID: task.ID.String()})
	}

	result, err := o.runExecutor(ctx, task)

	o.mu.Lock()
	o.results = append(o.results, result)
	o.mu.Unlock()

	if result.Success {
		resultData, marshalErr := json.Marshal(result.Metadata)
		if marshalErr != nil {
			resultData = json.RawMessage("{}")
		}
		if completeErr := o.queue.CompleteTask(ctx, task.ID, resultData); completeErr != nil {
			o.log.Error("swarm: complete task failed", "task_id", task.ID, "error", completeErr)
		}
		if o.bus != nil {
			o.bus.Publish(bus.TopicDelegationCompleted, bus.TaskStateChangedEvent{TaskID: task.ID.String()})
		}
		return
	}

	if failErr := o.queue.FailTask(ctx, task.ID, result.Error); failErr != nil {
		o.log.Error("swarm: fail task failed", "task_id", task.ID, "error", failErr)
	}
	if o.bus != nil {
		o.bus.Publish(bus.TopicDelegationFailed, bus.TaskStateChangedEvent{TaskID: task.ID.String()})
	}
	_ = err
}

// runExecutor invokes the injected AgentExecutor, translating a Go error
// return or a panic-free failure into a Result{Success: false} rather
// than letting it escape the worker.
func (o *Orchestrator) runExecutor(ctx context.Context, task *persistence.Task) (Result, error) {
	result, err := o.executor.ExecuteTask(ctx, task)
	if err != nil {
		return Result{
			TaskID:  task.ID,
			Success: false,
			Error:   fmt.Sprintf("%T: %v", err, err),
		}, err
	}
	result.TaskID = task.ID
	return result, nil
}

// Shutdown requests the dispatch loop to stop accepting new work. Call
// Wait afterward to block until in-flight workers finish.
func (o *Orchestrator) Shutdown() {
	o.shutdownMu.Do(func() { close(o.shutdownCh) })
}

// Wait blocks until every in-flight worker has finished.
func (o *Orchestrator) Wait() {
	o.wg.Wait()
}

// Drain requests shutdown and waits up to timeout for in-flight workers
// to finish, logging if they don't. Workers left running past the
// timeout are abandoned; their tasks remain RUNNING and are picked up by
// whatever crash-recovery sweep the store provides on next startup.
func (o *Orchestrator) Drain(timeout time.Duration) {
	o.Shutdown()
	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		o.log.Info("swarm: drained cleanly")
	case <-time.After(timeout):
		o.log.Warn("swarm: drain timeout, workers still in flight", "timeout", timeout)
	}
}

// GetSwarmStatus returns a point-in-time snapshot of the orchestrator.
func (o *Orchestrator) GetSwarmStatus() Status {
	o.mu.Lock()
	defer o.mu.Unlock()
	select {
	case <-o.shutdownCh:
		return Status{
			ActiveAgents: len(o.activeAgents),
			SpawnedCount: o.spawned,
			TaskLimit:    o.cfg.TaskLimit,
			ResultsCount: len(o.results),
			Shutdown:     true,
		}
	default:
	}
	return Status{
		ActiveAgents: len(o.activeAgents),
		SpawnedCount: o.spawned,
		TaskLimit:    o.cfg.TaskLimit,
		ResultsCount: len(o.results),
	}
}

// Results returns a copy of every result recorded so far.
func (o *Orchestrator) Results() []Result {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]Result, len(o.results))
	copy(out, o.results)
	return out
}

// Reset clears all orchestrator state. Test-only: never call this on a
// running dispatch loop.
func (o *Orchestrator) Reset() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.activeAgents = make(map[uuid.UUID]*persistence.Task)
	o.results = nil
	o.spawned = 0
	o.shutdownCh = make(chan struct{})
	o.shutdownMu = sync.Once{}
}
