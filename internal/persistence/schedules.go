package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Schedule is a recurring cron-driven task template.
type Schedule struct {
	ID         uuid.UUID
	Name       string
	CronExpr   string
	SessionID  *uuid.UUID
	Payload    json.RawMessage
	LastRunAt  *time.Time
	NextRunAt  time.Time
}

// CreateSchedule inserts a new schedule row.
func (s *Store) CreateSchedule(ctx context.Context, sched *Schedule) error {
	if sched.ID == uuid.Nil {
		sched.ID = uuid.New()
	}
	if sched.Payload == nil {
		sched.Payload = json.RawMessage("{}")
	}
	if !json.Valid(sched.Payload) {
		return fmt.Errorf("create schedule: payload is not valid json")
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO schedules (id, name, cron_expr, session_id, payload, last_run_at, next_run_at) VALUES (?,?,?,?,?,?,?);`,
		sched.ID.String(), sched.Name, sched.CronExpr, nullUUID(sched.SessionID), string(sched.Payload), nullTime(sched.LastRunAt), sched.NextRunAt,
	)
	if err != nil {
		return fmt.Errorf("create schedule %s: %w", sched.Name, err)
	}
	return nil
}

// DueSchedules returns every schedule whose next_run_at is at or before
// asOf, ordered so the longest-overdue schedule fires first.
func (s *Store) DueSchedules(ctx context.Context, asOf time.Time) ([]Schedule, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, cron_expr, session_id, payload, last_run_at, next_run_at FROM schedules WHERE next_run_at <= ? ORDER BY next_run_at ASC;`,
		asOf,
	)
	if err != nil {
		return nil, fmt.Errorf("due schedules: %w", err)
	}
	defer rows.Close()

	var out []Schedule
	for rows.Next() {
		sched, err := scanSchedule(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sched)
	}
	return out, rows.Err()
}

// UpdateScheduleRun records that a schedule just fired at ranAt and sets
// its next scheduled run to nextRun.
func (s *Store) UpdateScheduleRun(ctx context.Context, id uuid.UUID, ranAt, nextRun time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE schedules SET last_run_at = ?, next_run_at = ? WHERE id = ?;`,
		ranAt, nextRun, id.String(),
	)
	if err != nil {
		return fmt.Errorf("update schedule run %s: %w", id, err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("update schedule run: schedule %s not found", id)
	}
	return nil
}

// GetSchedule fetches a single schedule by id.
func (s *Store) GetSchedule(ctx context.Context, id uuid.UUID) (*Schedule, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, name, cron_expr, session_id, payload, last_run_at, next_run_at FROM schedules WHERE id = ?;`,
		id.String(),
	)
	sched, err := scanSchedule(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("schedule %s: %w", id, sql.ErrNoRows)
		}
		return nil, err
	}
	return &sched, nil
}

// ListSchedules returns every configured schedule.
func (s *Store) ListSchedules(ctx context.Context) ([]Schedule, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, cron_expr, session_id, payload, last_run_at, next_run_at FROM schedules ORDER BY name ASC;`,
	)
	if err != nil {
		return nil, fmt.Errorf("list schedules: %w", err)
	}
	defer rows.Close()

	var out []Schedule
	for rows.Next() {
		sched, err := scanSchedule(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sched)
	}
	return out, rows.Err()
}

// DeleteSchedule removes a schedule by id.
func (s *Store) DeleteSchedule(ctx context.Context, id uuid.UUID) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM schedules WHERE id = ?;`, id.String())
	if err != nil {
		return fmt.Errorf("delete schedule %s: %w", id, err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSchedule(row rowScanner) (Schedule, error) {
	var sched Schedule
	var idStr string
	var sessionID sql.NullString
	var payload string
	var lastRunAt sql.NullTime

	if err := row.Scan(&idStr, &sched.Name, &sched.CronExpr, &sessionID, &payload, &lastRunAt, &sched.NextRunAt); err != nil {
		return Schedule{}, err
	}

	id, err := uuid.Parse(idStr)
	if err != nil {
		return Schedule{}, fmt.Errorf("scan schedule: bad id: %w", err)
	}
	sched.ID = id
	sched.Payload = json.RawMessage(payload)

	if sessionID.Valid {
		sid, err := uuid.Parse(sessionID.String)
		if err != nil {
			return Schedule{}, fmt.Errorf("scan schedule: bad session id: %w", err)
		}
		sched.SessionID = &sid
	}
	if lastRunAt.Valid {
		v := lastRunAt.Time
		sched.LastRunAt = &v
	}
	return sched, nil
}
