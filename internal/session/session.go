// Package session manages conversation sessions: an append-only event
// log plus a namespaced key-value state blob, both stored as JSON columns
// on the sessions table.
package session

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/basket/swarmqueue/internal/persistence"
)

// Status is a session lifecycle state.
type Status string

const (
	StatusCreated    Status = "created"
	StatusActive     Status = "active"
	StatusPaused     Status = "paused"
	StatusTerminated Status = "terminated"
	StatusArchived   Status = "archived"
)

var validStatuses = map[Status]struct{}{
	StatusCreated: {}, StatusActive: {}, StatusPaused: {}, StatusTerminated: {}, StatusArchived: {},
}

// Event is one entry in a session's append-only event log.
type Event struct {
	EventID         string          `json:"event_id"`
	Timestamp       time.Time       `json:"timestamp"`
	EventType       string          `json:"event_type"`
	Actor           string          `json:"actor"`
	Content         json.RawMessage `json:"content"`
	IsFinalResponse bool            `json:"is_final_response"`
}

// Session is the full row, with events/state/metadata decoded.
type Session struct {
	ID             string
	AppName        string
	UserID         string
	ProjectID      string
	Status         Status
	Events         []Event
	State          map[string]any
	Metadata       map[string]any
	CreatedAt      time.Time
	LastUpdateTime time.Time
	TerminatedAt   *time.Time
}

// ErrNotFound is returned when a session id has no matching row.
var ErrNotFound = fmt.Errorf("session not found")

// ErrAlreadyExists is returned by Create when the session id is taken.
var ErrAlreadyExists = fmt.Errorf("session already exists")

// Service implements CRUD, event-append, and namespaced state access over
// the sessions table.
type Service struct {
	db *sql.DB
}

// New builds a Service over store's underlying connection.
func New(store *persistence.Store) *Service {
	return &Service{db: store.DB()}
}

// Create inserts a new session in the "created" status with an empty
// event log and the given initial state.
func (s *Service) Create(ctx context.Context, id, appName, userID, projectID string, initialState map[string]any) error {
	if initialState == nil {
		initialState = map[string]any{}
	}
	stateJSON, err := json.Marshal(initialState)
	if err != nil {
		return fmt.Errorf("session: marshal initial state: %w", err)
	}
	if err := persistence.ValidateJSONColumn("sessions.state", stateJSON); err != nil {
		return fmt.Errorf("session: create: %w", err)
	}

	var projectArg any
	if projectID != "" {
		projectArg = projectID
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO sessions (id, app_name, user_id, project_id, status, events, state) VALUES (?,?,?,?,'created','[]',?);`,
		id, appName, userID, projectArg, string(stateJSON),
	)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrAlreadyExists, id, err)
	}
	return nil
}

// Get retrieves a session by id, or ErrNotFound.
func (s *Service) Get(ctx context.Context, id string) (*Session, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, app_name, user_id, project_id, status, events, state, metadata, created_at, last_update_time, terminated_at FROM sessions WHERE id = ?;`,
		id,
	)
	return scanSession(row)
}

// List returns sessions ordered newest-first, optionally filtered by
// project id and/or status.
func (s *Service) List(ctx context.Context, projectID string, status Status, limit int) ([]*Session, error) {
	query := "SELECT id, app_name, user_id, project_id, status, events, state, metadata, created_at, last_update_time, terminated_at FROM sessions WHERE 1=1"
	var args []any
	if projectID != "" {
		query += " AND project_id = ?"
		args = append(args, projectID)
	}
	if status != "" {
		query += " AND status = ?"
		args = append(args, string(status))
	}
	if limit <= 0 {
		limit = 50
	}
	query += " ORDER BY created_at DESC LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("session: list: %w", err)
	}
	defer rows.Close()

	var out []*Session
	for rows.Next() {
		sess, err := scanSessionRows(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanSession(row *sql.Row) (*Session, error) {
	return scanAny(row)
}

func scanSessionRows(rows *sql.Rows) (*Session, error) {
	return scanAny(rows)
}

func scanAny(sc scanner) (*Session, error) {
	var sess Session
	var projectID, metadataRaw sql.NullString
	var statusStr, eventsRaw, stateRaw string
	var terminatedAt sql.NullTime

	if err := sc.Scan(&sess.ID, &sess.AppName, &sess.UserID, &projectID, &statusStr,
		&eventsRaw, &stateRaw, &metadataRaw, &sess.CreatedAt, &sess.LastUpdateTime, &terminatedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("session: scan: %w", err)
	}

	sess.ProjectID = projectID.String
	sess.Status = Status(statusStr)
	if terminatedAt.Valid {
		t := terminatedAt.Time
		sess.TerminatedAt = &t
	}

	if err := json.Unmarshal([]byte(eventsRaw), &sess.Events); err != nil {
		return nil, fmt.Errorf("session: decode events: %w", err)
	}
	if err := json.Unmarshal([]byte(stateRaw), &sess.State); err != nil {
		return nil, fmt.Errorf("session: decode state: %w", err)
	}
	sess.Metadata = map[string]any{}
	if metadataRaw.Valid && metadataRaw.String != "" {
		_ = json.Unmarshal([]byte(metadataRaw.String), &sess.Metadata)
	}
	return &sess, nil
}

// AppendEvent reads the current events/state, appends event, merges
// stateDelta into state, and writes both back along with a touched
// last_update_time. Read-modify-write, matching the single-writer
// connection's transaction-free semantics.
func (s *Service) AppendEvent(ctx context.Context, id string, event Event, stateDelta map[string]any) error {
	var eventsRaw, stateRaw string
	err := s.db.QueryRowContext(ctx, `SELECT events, state FROM sessions WHERE id = ?;`, id).Scan(&eventsRaw, &stateRaw)
	if err == sql.ErrNoRows {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("session: append event: %w", err)
	}

	var events []Event
	if err := json.Unmarshal([]byte(eventsRaw), &events); err != nil {
		return fmt.Errorf("session: decode events: %w", err)
	}
	var state map[string]any
	if err := json.Unmarshal([]byte(stateRaw), &state); err != nil {
		return fmt.Errorf("session: decode state: %w", err)
	}
	if state == nil {
		state = map[string]any{}
	}

	events = append(events, event)
	for k, v := range stateDelta {
		state[k] = v
	}

	newEvents, err := json.Marshal(events)
	if err != nil {
		return fmt.Errorf("session: marshal events: %w", err)
	}
	newState, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("session: marshal state: %w", err)
	}
	if err := persistence.ValidateJSONColumn("sessions.events", newEvents); err != nil {
		return fmt.Errorf("session: append event: %w", err)
	}
	if err := persistence.ValidateJSONColumn("sessions.state", newState); err != nil {
		return fmt.Errorf("session: append event: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`UPDATE sessions SET events = ?, state = ?, last_update_time = CURRENT_TIMESTAMP WHERE id = ?;`,
		string(newEvents), string(newState), id,
	)
	if err != nil {
		return fmt.Errorf("session: append event update: %w", err)
	}
	return nil
}

// UpdateStatus validates status against the known set and stamps
// terminated_at when transitioning to "terminated".
func (s *Service) UpdateStatus(ctx context.Context, id string, status Status) error {
	if _, ok := validStatuses[status]; !ok {
		return fmt.Errorf("session: invalid status %q", status)
	}

	var res sql.Result
	var err error
	if status == StatusTerminated {
		res, err = s.db.ExecContext(ctx,
			`UPDATE sessions SET status = ?, terminated_at = CURRENT_TIMESTAMP, last_update_time = CURRENT_TIMESTAMP WHERE id = ?;`,
			string(status), id,
		)
	} else {
		res, err = s.db.ExecContext(ctx,
			`UPDATE sessions SET status = ?, last_update_time = CURRENT_TIMESTAMP WHERE id = ?;`,
			string(status), id,
		)
	}
	if err != nil {
		return fmt.Errorf("session: update status: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// Terminate is a convenience wrapper over UpdateStatus(id, "terminated").
func (s *Service) Terminate(ctx context.Context, id string) error {
	return s.UpdateStatus(ctx, id, StatusTerminated)
}

// GetState returns the value at a namespaced state key, or nil if the
// session or key doesn't exist.
func (s *Service) GetState(ctx context.Context, id, key string) (any, error) {
	sess, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return sess.State[key], nil
}

// SetState writes a single namespaced state key, read-modify-write.
func (s *Service) SetState(ctx context.Context, id, key string, value any) error {
	var stateRaw string
	err := s.db.QueryRowContext(ctx, `SELECT state FROM sessions WHERE id = ?;`, id).Scan(&stateRaw)
	if err == sql.ErrNoRows {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("session: set state: %w", err)
	}

	var state map[string]any
	if err := json.Unmarshal([]byte(stateRaw), &state); err != nil {
		return fmt.Errorf("session: decode state: %w", err)
	}
	if state == nil {
		state = map[string]any{}
	}
	state[key] = value

	newState, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("session: marshal state: %w", err)
	}
	if err := persistence.ValidateJSONColumn("sessions.state", newState); err != nil {
		return fmt.Errorf("session: set state: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`UPDATE sessions SET state = ?, last_update_time = CURRENT_TIMESTAMP WHERE id = ?;`,
		string(newState), id,
	)
	if err != nil {
		return fmt.Errorf("session: set state update: %w", err)
	}
	return nil
}
