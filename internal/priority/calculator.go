// Package priority computes the dynamic, weighted-factor priority score
// the queue uses to pick the next task to dispatch.
package priority

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/google/uuid"

	"github.com/basket/swarmqueue/internal/depgraph"
	"github.com/basket/swarmqueue/internal/persistence"
)

// Weights configures the five scoring factors. They must sum to 1.0
// within a small tolerance.
type Weights struct {
	Base     float64
	Depth    float64
	Urgency  float64
	Blocking float64
	Source   float64
}

// DefaultWeights matches the factor split: base 30%, depth 25%, urgency
// 25%, blocking 15%, source 5%.
func DefaultWeights() Weights {
	return Weights{Base: 0.30, Depth: 0.25, Urgency: 0.25, Blocking: 0.15, Source: 0.05}
}

func (w Weights) sum() float64 {
	return w.Base + w.Depth + w.Urgency + w.Blocking + w.Source
}

// Calculator scores tasks on a 0-100 scale from base priority, dependency
// depth, deadline urgency, blocking impact, and submission source.
type Calculator struct {
	resolver *depgraph.Resolver
	weights  Weights
	log      *slog.Logger
}

// New validates weights (sum to 1.0 within 1e-6) and builds a Calculator.
func New(resolver *depgraph.Resolver, weights Weights, log *slog.Logger) (*Calculator, error) {
	if math.Abs(weights.sum()-1.0) > 1e-6 {
		return nil, fmt.Errorf("priority: weights must sum to 1.0, got %.6f", weights.sum())
	}
	if log == nil {
		log = slog.Default()
	}
	return &Calculator{resolver: resolver, weights: weights, log: log}, nil
}

// Calculate returns task's priority score, clamped to [0, 100]. Each
// sub-factor fails safe to a neutral default instead of aborting the call,
// so one bad depth lookup never blocks the whole batch.
func (c *Calculator) Calculate(ctx context.Context, task *persistence.Task) float64 {
	base := float64(task.Priority) * 10.0

	depth := c.depthScore(ctx, task)
	urgency := c.urgencyScore(task.Deadline, task.EstimatedDurationSeconds)
	blocking := c.blockingScore(ctx, task)
	source := c.sourceScore(task.Source)

	p := base*c.weights.Base +
		depth*c.weights.Depth +
		urgency*c.weights.Urgency +
		blocking*c.weights.Blocking +
		source*c.weights.Source

	if p < 0 {
		p = 0
	}
	if p > 100 {
		p = 100
	}

	c.log.Debug("priority calculated",
		"task_id", task.ID, "priority", p,
		"base", base, "depth", depth, "urgency", urgency, "blocking", blocking, "source", source)
	return p
}

func (c *Calculator) depthScore(ctx context.Context, task *persistence.Task) float64 {
	depth, err := c.resolver.CalculateDependencyDepth(ctx, task.ID)
	if err != nil {
		c.log.Warn("priority: depth score fallback", "task_id", task.ID, "error", err)
		return 0.0
	}
	return math.Min(100.0, float64(depth)*10.0)
}

func (c *Calculator) urgencyScore(deadline *time.Time, estimatedDuration *int) float64 {
	if deadline == nil {
		return 50.0
	}

	remaining := time.Until(*deadline).Seconds()
	if remaining <= 0 {
		return 100.0
	}
	if estimatedDuration != nil && remaining < float64(*estimatedDuration) {
		return 100.0
	}
	if estimatedDuration != nil {
		decay := remaining / (float64(*estimatedDuration) * 2.0)
		return math.Min(100.0, 100.0*math.Exp(-decay))
	}

	switch {
	case remaining < 60:
		return 100.0
	case remaining < 3600:
		return 80.0
	case remaining < 86400:
		return 50.0
	case remaining < 604800:
		return 30.0
	default:
		return 10.0
	}
}

func (c *Calculator) blockingScore(ctx context.Context, task *persistence.Task) float64 {
	blocked, err := c.resolver.GetBlockedTasks(ctx, task.ID)
	if err != nil {
		c.log.Warn("priority: blocking score fallback", "task_id", task.ID, "error", err)
		return 0.0
	}
	n := len(blocked)
	if n == 0 {
		return 0.0
	}
	return math.Min(100.0, math.Log10(float64(n)+1)*33.33)
}

func (c *Calculator) sourceScore(source persistence.TaskSource) float64 {
	switch source {
	case persistence.TaskSourceHuman:
		return 100.0
	case persistence.TaskSourceRequirements:
		return 75.0
	case persistence.TaskSourcePlanner:
		return 50.0
	case persistence.TaskSourceImplementation:
		return 25.0
	default:
		c.log.Warn("priority: unknown task source, defaulting to 0", "source", source)
		return 0.0
	}
}

// recalculableStatuses are the statuses RecalculateBatch actually touches;
// anything else (RUNNING, terminal) keeps its existing priority.
var recalculableStatuses = map[persistence.TaskStatus]struct{}{
	persistence.TaskStatusPending: {},
	persistence.TaskStatusBlocked: {},
	persistence.TaskStatusReady:   {},
}

// RecalculateBatch recomputes priority for every task id in active status
// (PENDING, BLOCKED, READY), returning task_id -> new priority for the
// ones it actually recalculated. A missing task or a per-task error is
// logged and skipped rather than aborting the batch.
func (c *Calculator) RecalculateBatch(ctx context.Context, store *persistence.Store, taskIDs []uuid.UUID) (map[uuid.UUID]float64, error) {
	results := make(map[uuid.UUID]float64)
	for _, id := range taskIDs {
		task, err := store.GetTask(ctx, id)
		if err != nil {
			c.log.Warn("priority: recalculate skipped, task not found", "task_id", id, "error", err)
			continue
		}
		if _, ok := recalculableStatuses[task.Status]; !ok {
			continue
		}
		results[id] = c.Calculate(ctx, task)
	}
	c.log.Info("priority: batch recalculated", "recalculated", len(results), "requested", len(taskIDs))
	return results, nil
}
