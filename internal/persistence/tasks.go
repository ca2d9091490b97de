package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Task is the unit of scheduled work. Field order matches the 29-field
// serialization contract; see EncodeTask.
type Task struct {
	ID                         uuid.UUID
	Prompt                     string
	Summary                    string
	AgentType                  string
	Priority                   int
	CalculatedPriority         float64
	Status                     TaskStatus
	Source                     TaskSource
	DependencyType             DependencyType
	DependencyDepth            int
	InputData                  json.RawMessage
	ResultData                 json.RawMessage
	ErrorMessage               string
	RetryCount                 int
	MaxRetries                 int
	MaxExecutionTimeoutSeconds int
	EstimatedDurationSeconds   *int
	Deadline                   *time.Time
	SubmittedAt                time.Time
	StartedAt                  *time.Time
	CompletedAt                *time.Time
	LastUpdatedAt              time.Time
	ParentTaskID               *uuid.UUID
	SessionID                  *uuid.UUID
	FeatureBranch              string
	TaskBranch                 string
	WorktreePath               string
	CreatedBy                  string
	Dependencies               []uuid.UUID // prerequisite task ids, populated on read
}

// NewTaskSummary derives the auto-generated summary per the human/agent
// prefix rule: human submissions get a "User Prompt: " prefix, agent
// submissions are bare, and an empty prompt becomes "Task". Truncated to
// 140 characters.
func NewTaskSummary(prompt string, source TaskSource) string {
	text := prompt
	if text == "" {
		text = "Task"
	} else if source == TaskSourceHuman {
		text = "User Prompt: " + text
	}
	if len(text) > 140 {
		text = text[:140]
	}
	return text
}

const createTaskSQL = `
	INSERT INTO tasks (
		id, prompt, summary, agent_type, priority, calculated_priority, status, source,
		dependency_type, dependency_depth, input_data, result_data, error_message,
		retry_count, max_retries, max_execution_timeout_seconds, estimated_duration_seconds,
		deadline, submitted_at, started_at, completed_at, last_updated_at,
		parent_task_id, session_id, feature_branch, task_branch, worktree_path, created_by
	) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?);
`

// CreateTask inserts a new task row. Callers are responsible for having
// already validated dependency edges and computed depth/priority; this is
// a pure storage primitive.
func (s *Store) CreateTask(ctx context.Context, t *Task) error {
	if !t.Status.Valid() {
		return fmt.Errorf("%w: task status %q", ErrUnknownEnumValue, t.Status)
	}
	if !t.Source.Valid() {
		return fmt.Errorf("%w: task source %q", ErrUnknownEnumValue, t.Source)
	}
	if t.ID == uuid.Nil {
		t.ID = uuid.New()
	}
	if t.InputData == nil {
		t.InputData = json.RawMessage("{}")
	}
	now := time.Now().UTC()
	if t.SubmittedAt.IsZero() {
		t.SubmittedAt = now
	}
	t.LastUpdatedAt = now

	return withRetry(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, createTaskSQL,
			t.ID.String(), t.Prompt, nullString(t.Summary), t.AgentType, t.Priority,
			t.CalculatedPriority, string(t.Status), string(t.Source), string(t.DependencyType),
			t.DependencyDepth, string(t.InputData), nullJSON(t.ResultData), nullString(t.ErrorMessage),
			t.RetryCount, t.MaxRetries, t.MaxExecutionTimeoutSeconds, nullInt(t.EstimatedDurationSeconds),
			nullTime(t.Deadline), t.SubmittedAt, nullTime(t.StartedAt), nullTime(t.CompletedAt), t.LastUpdatedAt,
			nullUUID(t.ParentTaskID), nullUUID(t.SessionID), nullString(t.FeatureBranch),
			nullString(t.TaskBranch), nullString(t.WorktreePath), nullString(t.CreatedBy),
		)
		return err
	})
}

const selectTaskColumns = `
	id, prompt, summary, agent_type, priority, calculated_priority, status, source,
	dependency_type, dependency_depth, input_data, result_data, error_message,
	retry_count, max_retries, max_execution_timeout_seconds, estimated_duration_seconds,
	deadline, submitted_at, started_at, completed_at, last_updated_at,
	parent_task_id, session_id, feature_branch, task_branch, worktree_path, created_by
`

func scanTask(row interface{ Scan(...any) error }) (*Task, error) {
	var t Task
	var id, status, source, depType string
	var summary, errMsg, featureBranch, taskBranch, worktreePath, createdBy sql.NullString
	var resultData sql.NullString
	var estDuration sql.NullInt64
	var deadline, startedAt, completedAt sql.NullTime
	var parentID, sessionID sql.NullString
	var inputData string

	if err := row.Scan(
		&id, &t.Prompt, &summary, &t.AgentType, &t.Priority, &t.CalculatedPriority, &status, &source,
		&depType, &t.DependencyDepth, &inputData, &resultData, &errMsg,
		&t.RetryCount, &t.MaxRetries, &t.MaxExecutionTimeoutSeconds, &estDuration,
		&deadline, &t.SubmittedAt, &startedAt, &completedAt, &t.LastUpdatedAt,
		&parentID, &sessionID, &featureBranch, &taskBranch, &worktreePath, &createdBy,
	); err != nil {
		return nil, err
	}

	parsedID, err := uuid.Parse(id)
	if err != nil {
		return nil, fmt.Errorf("parse task id: %w", err)
	}
	t.ID = parsedID
	t.Status = TaskStatus(status)
	if !t.Status.Valid() {
		return nil, fmt.Errorf("%w: stored task status %q", ErrUnknownEnumValue, status)
	}
	t.Source = TaskSource(source)
	if !t.Source.Valid() {
		return nil, fmt.Errorf("%w: stored task source %q", ErrUnknownEnumValue, source)
	}
	t.DependencyType = DependencyType(depType)
	t.Summary = summary.String
	t.ErrorMessage = errMsg.String
	t.FeatureBranch = featureBranch.String
	t.TaskBranch = taskBranch.String
	t.WorktreePath = worktreePath.String
	t.CreatedBy = createdBy.String
	t.InputData = json.RawMessage(inputData)
	if resultData.Valid {
		t.ResultData = json.RawMessage(resultData.String)
	}
	if estDuration.Valid {
		v := int(estDuration.Int64)
		t.EstimatedDurationSeconds = &v
	}
	if deadline.Valid {
		d := deadline.Time
		t.Deadline = &d
	}
	if startedAt.Valid {
		v := startedAt.Time
		t.StartedAt = &v
	}
	if completedAt.Valid {
		v := completedAt.Time
		t.CompletedAt = &v
	}
	if parentID.Valid {
		pid, err := uuid.Parse(parentID.String)
		if err != nil {
			return nil, fmt.Errorf("parse parent_task_id: %w", err)
		}
		t.ParentTaskID = &pid
	}
	if sessionID.Valid {
		sid, err := uuid.Parse(sessionID.String)
		if err != nil {
			return nil, fmt.Errorf("parse session_id: %w", err)
		}
		t.SessionID = &sid
	}
	return &t, nil
}

// GetTask retrieves a task by id, including its unresolved+resolved
// prerequisite ids.
func (s *Store) GetTask(ctx context.Context, id uuid.UUID) (*Task, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+selectTaskColumns+" FROM tasks WHERE id = ?;", id.String())
	t, err := scanTask(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("task %s: %w", id, sql.ErrNoRows)
		}
		return nil, err
	}
	deps, err := s.ListPrerequisites(ctx, id)
	if err != nil {
		return nil, err
	}
	t.Dependencies = deps
	return t, nil
}

// ListTasks returns tasks filtered by status (nil = all), ordered by
// submitted_at ascending, bounded by limit (0 = unbounded).
func (s *Store) ListTasks(ctx context.Context, statuses []TaskStatus, limit int) ([]*Task, error) {
	query := "SELECT " + selectTaskColumns + " FROM tasks"
	var args []any
	if len(statuses) > 0 {
		placeholders := make([]string, len(statuses))
		for i, st := range statuses {
			placeholders[i] = "?"
			args = append(args, string(st))
		}
		query += " WHERE status IN (" + strings.Join(placeholders, ",") + ")"
	}
	query += " ORDER BY submitted_at ASC"
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	var tasks []*Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

// ListChildTasks returns the direct children of parentID ordered by
// submitted_at ascending, per the task show command's listing rule.
func (s *Store) ListChildTasks(ctx context.Context, parentID uuid.UUID) ([]*Task, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+selectTaskColumns+" FROM tasks WHERE parent_task_id = ? ORDER BY submitted_at ASC;",
		parentID.String(),
	)
	if err != nil {
		return nil, fmt.Errorf("list child tasks: %w", err)
	}
	defer rows.Close()

	var tasks []*Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

// TransitionTask moves a task between statuses inside tx, validating the
// transition and touching last_updated_at. Callers own the transaction.
func (s *Store) TransitionTask(ctx context.Context, tx *sql.Tx, id uuid.UUID, from, to TaskStatus) error {
	if !CanTransition(from, to) {
		return fmt.Errorf("illegal task transition %s -> %s", from, to)
	}
	now := time.Now().UTC()
	res, err := tx.ExecContext(ctx,
		`UPDATE tasks SET status = ?, last_updated_at = ? WHERE id = ? AND status = ?;`,
		string(to), now, id.String(), string(from),
	)
	if err != nil {
		return fmt.Errorf("transition task: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return fmt.Errorf("transition task %s: expected status %s, concurrent modification", id, from)
	}
	return nil
}

// SetTaskRunning marks a task RUNNING with started_at set, within tx.
func (s *Store) SetTaskRunning(ctx context.Context, tx *sql.Tx, id uuid.UUID) error {
	if err := s.TransitionTask(ctx, tx, id, TaskStatusReady, TaskStatusRunning); err != nil {
		return err
	}
	now := time.Now().UTC()
	_, err := tx.ExecContext(ctx, `UPDATE tasks SET started_at = ? WHERE id = ?;`, now, id.String())
	return err
}

// SetTaskTerminal marks a task COMPLETED/FAILED/CANCELLED with
// completed_at set, within tx.
func (s *Store) SetTaskTerminal(ctx context.Context, tx *sql.Tx, id uuid.UUID, from, to TaskStatus, resultData json.RawMessage, errMsg string) error {
	if err := s.TransitionTask(ctx, tx, id, from, to); err != nil {
		return err
	}
	now := time.Now().UTC()
	_, err := tx.ExecContext(ctx,
		`UPDATE tasks SET completed_at = ?, result_data = ?, error_message = ? WHERE id = ?;`,
		now, nullJSON(resultData), nullString(errMsg), id.String(),
	)
	return err
}

// SetTaskPriority updates calculated_priority and dependency_depth for a
// single task, used by the priority calculator's batch recompute.
func (s *Store) SetTaskPriority(ctx context.Context, tx *sql.Tx, id uuid.UUID, calculatedPriority float64, depth int) error {
	_, err := tx.ExecContext(ctx,
		`UPDATE tasks SET calculated_priority = ?, dependency_depth = ?, last_updated_at = ? WHERE id = ?;`,
		calculatedPriority, depth, time.Now().UTC(), id.String(),
	)
	return err
}

// IncrementRetry bumps retry_count for a failed task about to be requeued.
func (s *Store) IncrementRetry(ctx context.Context, tx *sql.Tx, id uuid.UUID) (int, error) {
	_, err := tx.ExecContext(ctx,
		`UPDATE tasks SET retry_count = retry_count + 1, last_updated_at = ? WHERE id = ?;`,
		time.Now().UTC(), id.String(),
	)
	if err != nil {
		return 0, err
	}
	var count int
	if err := tx.QueryRowContext(ctx, `SELECT retry_count FROM tasks WHERE id = ?;`, id.String()).Scan(&count); err != nil {
		return 0, err
	}
	return count, nil
}

// WithTx runs fn inside a transaction, committing on success and rolling
// back on error or panic.
func (s *Store) WithTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	return withRetry(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		if err := fn(tx); err != nil {
			return err
		}
		return tx.Commit()
	})
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullJSON(b json.RawMessage) any {
	if len(b) == 0 {
		return nil
	}
	return string(b)
}

func nullInt(i *int) any {
	if i == nil {
		return nil
	}
	return *i
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}

func nullUUID(id *uuid.UUID) any {
	if id == nil {
		return nil
	}
	return id.String()
}
