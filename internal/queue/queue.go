// Package queue implements the task-queue service: the public contract a
// client or the swarm dispatcher calls to enqueue work, pull the next
// ready task, and report completion or failure. It composes
// internal/persistence (durable storage), internal/depgraph (cycle
// detection, depth, unblocking) and internal/priority (dynamic scoring)
// exactly as spec's data-flow paragraph describes; it never constructs
// those collaborators itself.
package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	otelapi "go.opentelemetry.io/otel"

	"github.com/basket/swarmqueue/internal/audit"
	"github.com/basket/swarmqueue/internal/bus"
	"github.com/basket/swarmqueue/internal/depgraph"
	oteltel "github.com/basket/swarmqueue/internal/otel"
	"github.com/basket/swarmqueue/internal/persistence"
	"github.com/basket/swarmqueue/internal/priority"
)

// tracer reports spans around the queue's dispatch-affecting operations.
// go.opentelemetry.io/otel installs a no-op global provider until
// oteltel.Init runs, so this is zero-overhead when telemetry is disabled.
var tracer = otelapi.Tracer(oteltel.TracerName)

// ErrNoReadyTask is returned internally (never surfaced) when a dequeue
// attempt finds no READY task to claim.
var errNoReadyTask = errors.New("queue: no ready task")

// ErrInvalidTransition reports an operation attempted against a task in
// the wrong status for that operation.
var ErrInvalidTransition = errors.New("queue: invalid status transition")

// Config controls retry backoff bounds. Zero values fall back to the
// spec defaults (10s initial, 5m cap).
type Config struct {
	RetryInitialBackoff time.Duration
	RetryMaxBackoff     time.Duration
}

func (c Config) withDefaults() Config {
	if c.RetryInitialBackoff <= 0 {
		c.RetryInitialBackoff = 10 * time.Second
	}
	if c.RetryMaxBackoff <= 0 {
		c.RetryMaxBackoff = 5 * time.Minute
	}
	return c
}

// Service is the TaskQueueService: enqueue, dequeue, complete, fail,
// retry, cancel. Every public method either returns a typed result or
// fails with one well-defined error kind, per spec §7's propagation
// policy.
type Service struct {
	store    *persistence.Store
	resolver *depgraph.Resolver
	calc     *priority.Calculator
	audit    *audit.Service
	bus      *bus.Bus
	log      *slog.Logger
	cfg      Config
}

// New builds a Service from its already-constructed collaborators. No
// service constructs another service implicitly (spec §9).
func New(store *persistence.Store, resolver *depgraph.Resolver, calc *priority.Calculator, auditSvc *audit.Service, eventBus *bus.Bus, cfg Config, log *slog.Logger) *Service {
	if log == nil {
		log = slog.Default()
	}
	return &Service{
		store:    store,
		resolver: resolver,
		calc:     calc,
		audit:    auditSvc,
		bus:      eventBus,
		log:      log,
		cfg:      cfg.withDefaults(),
	}
}

// EnqueueInput is the set of fields a caller may supply when submitting a
// task; fields left zero take a spec-defined default.
type EnqueueInput struct {
	Prompt                     string
	Summary                    string
	AgentType                  string
	Priority                   int
	Source                     persistence.TaskSource
	DependencyType             persistence.DependencyType
	Prerequisites              []uuid.UUID
	InputData                  json.RawMessage
	MaxRetries                 int
	MaxExecutionTimeoutSeconds int
	EstimatedDurationSeconds   *int
	Deadline                   *time.Time
	ParentTaskID               *uuid.UUID
	SessionID                  *uuid.UUID
	FeatureBranch              string
	TaskBranch                 string
	WorktreePath               string
	CreatedBy                  string
}

// EnqueueTask creates a task, inserts its dependency edges, sets its
// initial status, and computes dependency_depth and calculated_priority.
// If any prerequisite would introduce a cycle, it fails with a
// *depgraph.CircularDependencyError and leaves the store untouched.
func (s *Service) EnqueueTask(ctx context.Context, in EnqueueInput) (*persistence.Task, error) {
	ctx, span := oteltel.StartSpan(ctx, tracer, "queue.enqueue_task")
	defer span.End()

	if !in.Source.Valid() {
		return nil, fmt.Errorf("queue: enqueue: invalid source %q", in.Source)
	}
	if in.DependencyType == "" {
		in.DependencyType = persistence.DependencySequential
	}
	if !in.DependencyType.Valid() {
		return nil, fmt.Errorf("queue: enqueue: invalid dependency_type %q", in.DependencyType)
	}
	if in.AgentType == "" {
		return nil, fmt.Errorf("queue: enqueue: agent_type is required")
	}
	if in.Priority < 0 || in.Priority > 10 {
		return nil, fmt.Errorf("queue: enqueue: priority %d out of range [0,10]", in.Priority)
	}
	if in.MaxRetries <= 0 {
		in.MaxRetries = 3
	}
	if in.MaxExecutionTimeoutSeconds <= 0 {
		in.MaxExecutionTimeoutSeconds = 3600
	}

	taskID := uuid.New()

	// Cycle check happens before any write: a rejected dependency must
	// leave the store byte-for-byte unchanged.
	if len(in.Prerequisites) > 0 {
		if _, err := s.resolver.DetectCircularDependencies(ctx, taskID, in.Prerequisites); err != nil {
			return nil, err
		}
	}

	prereqStatus := make(map[uuid.UUID]persistence.TaskStatus, len(in.Prerequisites))
	for _, p := range in.Prerequisites {
		pt, err := s.store.GetTask(ctx, p)
		if err != nil {
			return nil, fmt.Errorf("queue: enqueue: prerequisite %s: %w", p, err)
		}
		prereqStatus[p] = pt.Status
	}

	unresolvedCount := 0
	for _, st := range prereqStatus {
		if st != persistence.TaskStatusCompleted {
			unresolvedCount++
		}
	}
	initialStatus := persistence.TaskStatusReady
	if unresolvedCount > 0 {
		initialStatus = persistence.TaskStatusBlocked
	}

	summary := in.Summary
	if summary == "" {
		summary = persistence.NewTaskSummary(in.Prompt, in.Source)
	}

	task := &persistence.Task{
		ID:                         taskID,
		Prompt:                     in.Prompt,
		Summary:                    summary,
		AgentType:                  in.AgentType,
		Priority:                   in.Priority,
		Status:                     initialStatus,
		Source:                     in.Source,
		DependencyType:             in.DependencyType,
		InputData:                  in.InputData,
		MaxRetries:                 in.MaxRetries,
		MaxExecutionTimeoutSeconds: in.MaxExecutionTimeoutSeconds,
		EstimatedDurationSeconds:   in.EstimatedDurationSeconds,
		Deadline:                   in.Deadline,
		ParentTaskID:               in.ParentTaskID,
		SessionID:                  in.SessionID,
		FeatureBranch:              in.FeatureBranch,
		TaskBranch:                 in.TaskBranch,
		WorktreePath:               in.WorktreePath,
		CreatedBy:                  in.CreatedBy,
	}

	if err := s.store.CreateTask(ctx, task); err != nil {
		return nil, fmt.Errorf("queue: enqueue: create task: %w", err)
	}

	if len(in.Prerequisites) > 0 {
		err := s.store.WithTx(ctx, func(tx *sql.Tx) error {
			for _, p := range in.Prerequisites {
				if err := s.store.InsertDependency(ctx, tx, taskID, p, in.DependencyType); err != nil {
					return err
				}
				if prereqStatus[p] == persistence.TaskStatusCompleted {
					if err := s.store.ResolveDependency(ctx, tx, taskID, p); err != nil {
						return err
					}
				}
			}
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("queue: enqueue: insert dependencies: %w", err)
		}
	}

	s.resolver.InvalidateCache()

	depth, err := s.resolver.CalculateDependencyDepth(ctx, taskID)
	if err != nil {
		s.log.Warn("queue: enqueue depth calculation failed, defaulting to 0", "task_id", taskID, "error", err)
		depth = 0
	}
	task.DependencyDepth = depth
	calculated := s.calc.Calculate(ctx, task)
	task.CalculatedPriority = calculated

	if err := s.store.WithTx(ctx, func(tx *sql.Tx) error {
		return s.store.SetTaskPriority(ctx, tx, taskID, calculated, depth)
	}); err != nil {
		return nil, fmt.Errorf("queue: enqueue: set priority: %w", err)
	}

	actionData, _ := json.Marshal(map[string]any{"status": string(initialStatus), "priority": calculated})
	taskIDStr := taskID.String()
	_ = s.audit.Record(ctx, audit.Entry{TaskID: taskIDStr, ActionType: "task_created", ActionData: actionData})
	if s.bus != nil {
		s.bus.Publish(bus.TopicTaskStateChanged, bus.TaskStateChangedEvent{TaskID: taskIDStr, NewStatus: string(initialStatus)})
	}

	return s.store.GetTask(ctx, taskID)
}

// AddDependency inserts a prerequisite edge onto an already-enqueued
// task, rejecting (and leaving the store unchanged) if it would
// introduce a cycle.
func (s *Service) AddDependency(ctx context.Context, dependentID, prerequisiteID uuid.UUID, depType persistence.DependencyType) error {
	ctx, span := oteltel.StartSpan(ctx, tracer, "queue.add_dependency", oteltel.AttrTaskID.String(dependentID.String()))
	defer span.End()

	if _, err := s.resolver.DetectCircularDependencies(ctx, dependentID, []uuid.UUID{prerequisiteID}); err != nil {
		return err
	}
	prereq, err := s.store.GetTask(ctx, prerequisiteID)
	if err != nil {
		return fmt.Errorf("queue: add dependency: prerequisite %s: %w", prerequisiteID, err)
	}

	err = s.store.WithTx(ctx, func(tx *sql.Tx) error {
		if err := s.store.InsertDependency(ctx, tx, dependentID, prerequisiteID, depType); err != nil {
			return err
		}
		if prereq.Status == persistence.TaskStatusCompleted {
			return s.store.ResolveDependency(ctx, tx, dependentID, prerequisiteID)
		}
		return s.store.TransitionTask(ctx, tx, dependentID, persistence.TaskStatusReady, persistence.TaskStatusBlocked)
	})
	if err != nil && prereq.Status != persistence.TaskStatusCompleted {
		// The dependent may already be BLOCKED (another unresolved edge);
		// that is not an error for this operation.
		dependent, getErr := s.store.GetTask(ctx, dependentID)
		if getErr == nil && dependent.Status == persistence.TaskStatusBlocked {
			err = nil
		}
	}
	if err != nil {
		return fmt.Errorf("queue: add dependency: %w", err)
	}
	s.resolver.InvalidateCache()
	return nil
}

// GetNextTask selects the highest-priority READY task (calculated
// priority descending, submission time ascending) and atomically
// transitions it to RUNNING. Returns (nil, nil) when no task is ready.
func (s *Service) GetNextTask(ctx context.Context) (*persistence.Task, error) {
	ctx, span := oteltel.StartSpan(ctx, tracer, "queue.get_next_task")
	defer span.End()

	var claimed uuid.UUID
	err := s.store.WithTx(ctx, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx,
			`SELECT id FROM tasks WHERE status = 'READY' ORDER BY calculated_priority DESC, submitted_at ASC LIMIT 1;`,
		)
		var idStr string
		if scanErr := row.Scan(&idStr); scanErr != nil {
			if scanErr == sql.ErrNoRows {
				return errNoReadyTask
			}
			return scanErr
		}
		id, parseErr := uuid.Parse(idStr)
		if parseErr != nil {
			return parseErr
		}
		if err := s.store.SetTaskRunning(ctx, tx, id); err != nil {
			return err
		}
		claimed = id
		return nil
	})
	if errors.Is(err, errNoReadyTask) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("queue: get next task: %w", err)
	}

	task, err := s.store.GetTask(ctx, claimed)
	if err != nil {
		return nil, err
	}
	if s.bus != nil {
		s.bus.Publish(bus.TopicTaskStateChanged, bus.TaskStateChangedEvent{
			TaskID: claimed.String(), OldStatus: string(persistence.TaskStatusReady), NewStatus: string(persistence.TaskStatusRunning),
		})
	}
	return task, nil
}

// CompleteTask transitions a RUNNING task to COMPLETED, resolves its
// outgoing dependency edges, flips every dependent with no other
// unresolved prerequisite from BLOCKED to READY, and triggers a batch
// priority recalculation for the affected dependents. All status and
// edge mutation happens in a single transaction.
func (s *Service) CompleteTask(ctx context.Context, taskID uuid.UUID, result json.RawMessage) error {
	ctx, span := oteltel.StartSpan(ctx, tracer, "queue.complete_task", oteltel.AttrTaskID.String(taskID.String()))
	defer span.End()

	var newlyReady []uuid.UUID
	err := s.store.WithTx(ctx, func(tx *sql.Tx) error {
		var statusStr string
		if err := tx.QueryRowContext(ctx, `SELECT status FROM tasks WHERE id = ?;`, taskID.String()).Scan(&statusStr); err != nil {
			if err == sql.ErrNoRows {
				return fmt.Errorf("%w: task %s not found", ErrInvalidTransition, taskID)
			}
			return err
		}
		if persistence.TaskStatus(statusStr) != persistence.TaskStatusRunning {
			return fmt.Errorf("%w: complete_task requires RUNNING, task %s is %s", ErrInvalidTransition, taskID, statusStr)
		}

		if err := s.store.SetTaskTerminal(ctx, tx, taskID, persistence.TaskStatusRunning, persistence.TaskStatusCompleted, result, ""); err != nil {
			return err
		}

		dependents, err := s.store.ResolveAllOutgoing(ctx, tx, taskID)
		if err != nil {
			return err
		}
		for _, dep := range dependents {
			n, err := s.store.UnresolvedPrerequisiteCount(ctx, tx, dep)
			if err != nil {
				return err
			}
			if n > 0 {
				continue
			}
			var depStatus string
			if err := tx.QueryRowContext(ctx, `SELECT status FROM tasks WHERE id = ?;`, dep.String()).Scan(&depStatus); err != nil {
				return err
			}
			if persistence.TaskStatus(depStatus) != persistence.TaskStatusBlocked {
				continue
			}
			if err := s.store.TransitionTask(ctx, tx, dep, persistence.TaskStatusBlocked, persistence.TaskStatusReady); err != nil {
				return err
			}
			newlyReady = append(newlyReady, dep)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("queue: complete task: %w", err)
	}

	s.resolver.InvalidateCache()
	s.recalculateAffected(ctx, append([]uuid.UUID{}, newlyReady...))

	taskIDStr := taskID.String()
	_ = s.audit.Record(ctx, audit.Entry{TaskID: taskIDStr, ActionType: "task_completed"})
	if s.bus != nil {
		s.bus.Publish(bus.TopicTaskCompleted, bus.TaskStateChangedEvent{TaskID: taskIDStr, NewStatus: string(persistence.TaskStatusCompleted)})
		for _, dep := range newlyReady {
			s.bus.Publish(bus.TopicTaskStateChanged, bus.TaskStateChangedEvent{TaskID: dep.String(), OldStatus: string(persistence.TaskStatusBlocked), NewStatus: string(persistence.TaskStatusReady)})
		}
	}
	return nil
}

// recalculateAffected recomputes priority for the given tasks plus
// whatever each of them still blocks, so a change in one task's
// readiness is reflected in every task whose blocking factor depends on
// it. Errors are logged, never propagated: a failed recalculation must
// not undo a completion that already committed.
func (s *Service) recalculateAffected(ctx context.Context, seed []uuid.UUID) {
	if len(seed) == 0 {
		return
	}
	affected := make(map[uuid.UUID]struct{}, len(seed))
	for _, id := range seed {
		affected[id] = struct{}{}
		blocked, err := s.resolver.GetBlockedTasks(ctx, id)
		if err != nil {
			s.log.Warn("queue: recalculate affected, blocked lookup failed", "task_id", id, "error", err)
			continue
		}
		for _, b := range blocked {
			affected[b] = struct{}{}
		}
	}
	ids := make([]uuid.UUID, 0, len(affected))
	for id := range affected {
		ids = append(ids, id)
	}

	priorities, err := s.calc.RecalculateBatch(ctx, s.store, ids)
	if err != nil {
		s.log.Warn("queue: batch priority recalculation failed", "error", err)
		return
	}
	for id, p := range priorities {
		depth, err := s.resolver.CalculateDependencyDepth(ctx, id)
		if err != nil {
			depth = 0
		}
		if err := s.store.WithTx(ctx, func(tx *sql.Tx) error {
			return s.store.SetTaskPriority(ctx, tx, id, p, depth)
		}); err != nil {
			s.log.Warn("queue: apply recalculated priority failed", "task_id", id, "error", err)
		}
	}
}

// FailTask transitions a task to FAILED. If retry_count is still under
// max_retries, the task is requeued to READY after an exponential
// backoff delay; dependents remain BLOCKED regardless.
func (s *Service) FailTask(ctx context.Context, taskID uuid.UUID, errMsg string) error {
	ctx, span := oteltel.StartSpan(ctx, tracer, "queue.fail_task", oteltel.AttrTaskID.String(taskID.String()))
	defer span.End()

	task, err := s.store.GetTask(ctx, taskID)
	if err != nil {
		return fmt.Errorf("queue: fail task: %w", err)
	}
	if task.Status != persistence.TaskStatusRunning && task.Status != persistence.TaskStatusFailed {
		return fmt.Errorf("%w: fail_task requires RUNNING or FAILED, task %s is %s", ErrInvalidTransition, taskID, task.Status)
	}

	willRetry := task.RetryCount < task.MaxRetries
	retryCountAtFailure := task.RetryCount

	err = s.store.WithTx(ctx, func(tx *sql.Tx) error {
		if err := s.store.SetTaskTerminal(ctx, tx, taskID, task.Status, persistence.TaskStatusFailed, nil, errMsg); err != nil {
			return err
		}
		if willRetry {
			_, err := s.store.IncrementRetry(ctx, tx, taskID)
			return err
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("queue: fail task: %w", err)
	}

	taskIDStr := taskID.String()
	actionData, _ := json.Marshal(map[string]any{"error": errMsg, "retry_count": retryCountAtFailure, "will_retry": willRetry})
	_ = s.audit.Record(ctx, audit.Entry{TaskID: taskIDStr, ActionType: "task_failed", ActionData: actionData})
	if s.bus != nil {
		s.bus.Publish(bus.TopicTaskFailed, bus.TaskStateChangedEvent{TaskID: taskIDStr, NewStatus: string(persistence.TaskStatusFailed)})
	}

	if willRetry {
		delay := s.backoffDelay(retryCountAtFailure)
		go s.scheduleRetry(taskID, delay)
	}
	return nil
}

// backoffDelay is exponential with a configured initial value and cap:
// delay = min(initial * 2^retryCount, max).
func (s *Service) backoffDelay(retryCount int) time.Duration {
	delay := s.cfg.RetryInitialBackoff
	for i := 0; i < retryCount; i++ {
		delay *= 2
		if delay > s.cfg.RetryMaxBackoff || delay <= 0 {
			return s.cfg.RetryMaxBackoff
		}
	}
	if delay > s.cfg.RetryMaxBackoff {
		return s.cfg.RetryMaxBackoff
	}
	return delay
}

// scheduleRetry waits out the backoff and requeues the task. It runs
// detached from the caller's context since the delay may outlive the
// request that triggered it.
func (s *Service) scheduleRetry(taskID uuid.UUID, delay time.Duration) {
	time.Sleep(delay)
	bgCtx := context.Background()
	err := s.store.WithTx(bgCtx, func(tx *sql.Tx) error {
		return s.store.TransitionTask(bgCtx, tx, taskID, persistence.TaskStatusFailed, persistence.TaskStatusReady)
	})
	if err != nil {
		s.log.Warn("queue: scheduled retry failed to requeue", "task_id", taskID, "error", err)
		return
	}
	s.log.Info("queue: task requeued after backoff", "task_id", taskID, "delay", delay)
	if s.bus != nil {
		s.bus.Publish(bus.TopicTaskRetrying, bus.TaskStateChangedEvent{
			TaskID: taskID.String(), OldStatus: string(persistence.TaskStatusFailed), NewStatus: string(persistence.TaskStatusReady),
		})
	}
}

// CancelTask transitions a task to CANCELLED. Dependents remain
// BLOCKED; cancellation does not cascade unless the caller explicitly
// prunes the tree afterward.
func (s *Service) CancelTask(ctx context.Context, taskID uuid.UUID) error {
	ctx, span := oteltel.StartSpan(ctx, tracer, "queue.cancel_task", oteltel.AttrTaskID.String(taskID.String()))
	defer span.End()

	task, err := s.store.GetTask(ctx, taskID)
	if err != nil {
		return fmt.Errorf("queue: cancel task: %w", err)
	}
	if !persistence.CanTransition(task.Status, persistence.TaskStatusCancelled) {
		return fmt.Errorf("%w: cannot cancel task %s from status %s", ErrInvalidTransition, taskID, task.Status)
	}

	err = s.store.WithTx(ctx, func(tx *sql.Tx) error {
		return s.store.SetTaskTerminal(ctx, tx, taskID, task.Status, persistence.TaskStatusCancelled, nil, "")
	})
	if err != nil {
		return fmt.Errorf("queue: cancel task: %w", err)
	}

	taskIDStr := taskID.String()
	_ = s.audit.Record(ctx, audit.Entry{TaskID: taskIDStr, ActionType: "task_cancelled"})
	if s.bus != nil {
		s.bus.Publish(bus.TopicTaskStateChanged, bus.TaskStateChangedEvent{TaskID: taskIDStr, NewStatus: string(persistence.TaskStatusCancelled)})
	}
	return nil
}
