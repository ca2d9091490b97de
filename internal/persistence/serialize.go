package persistence

import (
	"encoding/json"
	"time"
)

// TaskDTO is the wire form of Task: exactly 29 fields per §6.4's
// serialization contract. IDs are strings, enums are their string
// value, datetimes are ISO-8601 with a UTC offset, and missing
// optionals encode as null rather than being omitted.
type TaskDTO struct {
	ID                         string   `json:"id"`
	Prompt                     string   `json:"prompt"`
	Summary                    *string  `json:"summary"`
	AgentType                  string   `json:"agent_type"`
	Priority                   int      `json:"priority"`
	CalculatedPriority         float64  `json:"calculated_priority"`
	Status                     string   `json:"status"`
	Source                     string   `json:"source"`
	DependencyType             string   `json:"dependency_type"`
	DependencyDepth            int      `json:"dependency_depth"`
	InputData                  json.RawMessage `json:"input_data"`
	ResultData                 json.RawMessage `json:"result_data"`
	ErrorMessage               *string  `json:"error_message"`
	RetryCount                 int      `json:"retry_count"`
	MaxRetries                 int      `json:"max_retries"`
	MaxExecutionTimeoutSeconds int      `json:"max_execution_timeout_seconds"`
	EstimatedDurationSeconds   *int     `json:"estimated_duration_seconds"`
	Deadline                   *string  `json:"deadline"`
	SubmittedAt                string   `json:"submitted_at"`
	StartedAt                  *string  `json:"started_at"`
	CompletedAt                *string  `json:"completed_at"`
	LastUpdatedAt              string   `json:"last_updated_at"`
	ParentTaskID               *string  `json:"parent_task_id"`
	SessionID                  *string  `json:"session_id"`
	FeatureBranch              *string  `json:"feature_branch"`
	TaskBranch                 *string  `json:"task_branch"`
	WorktreePath               *string  `json:"worktree_path"`
	CreatedBy                  *string  `json:"created_by"`
	Dependencies               []string `json:"dependencies"`
}

func isoUTC(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func isoUTCPtr(t *time.Time) *string {
	if t == nil {
		return nil
	}
	v := isoUTC(*t)
	return &v
}

func optionalString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// EncodeTask renders t as its 29-field TaskDTO. A serializer that emits
// fewer fields is a regression (§6.4); this is the single place that
// contract is satisfied, so every caller (CLI, gateway, tests) goes
// through it instead of marshaling Task directly.
func EncodeTask(t *Task) *TaskDTO {
	deps := make([]string, 0, len(t.Dependencies))
	for _, d := range t.Dependencies {
		deps = append(deps, d.String())
	}

	var parentID, sessionID *string
	if t.ParentTaskID != nil {
		v := t.ParentTaskID.String()
		parentID = &v
	}
	if t.SessionID != nil {
		v := t.SessionID.String()
		sessionID = &v
	}

	return &TaskDTO{
		ID:                         t.ID.String(),
		Prompt:                     t.Prompt,
		Summary:                    optionalString(t.Summary),
		AgentType:                  t.AgentType,
		Priority:                   t.Priority,
		CalculatedPriority:         t.CalculatedPriority,
		Status:                     string(t.Status),
		Source:                     string(t.Source),
		DependencyType:             string(t.DependencyType),
		DependencyDepth:            t.DependencyDepth,
		InputData:                  t.InputData,
		ResultData:                 t.ResultData,
		ErrorMessage:               optionalString(t.ErrorMessage),
		RetryCount:                 t.RetryCount,
		MaxRetries:                 t.MaxRetries,
		MaxExecutionTimeoutSeconds: t.MaxExecutionTimeoutSeconds,
		EstimatedDurationSeconds:   t.EstimatedDurationSeconds,
		Deadline:                   isoUTCPtr(t.Deadline),
		SubmittedAt:                isoUTC(t.SubmittedAt),
		StartedAt:                  isoUTCPtr(t.StartedAt),
		CompletedAt:                isoUTCPtr(t.CompletedAt),
		LastUpdatedAt:              isoUTC(t.LastUpdatedAt),
		ParentTaskID:               parentID,
		SessionID:                  sessionID,
		FeatureBranch:              optionalString(t.FeatureBranch),
		TaskBranch:                 optionalString(t.TaskBranch),
		WorktreePath:               optionalString(t.WorktreePath),
		CreatedBy:                  optionalString(t.CreatedBy),
		Dependencies:               deps,
	}
}

// MarshalJSON renders a Task through its TaskDTO so every JSON consumer
// of *Task automatically gets the 29-field contract instead of the raw
// struct layout.
func (t *Task) MarshalJSON() ([]byte, error) {
	return json.Marshal(EncodeTask(t))
}
