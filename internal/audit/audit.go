// Package audit records task and memory operations to a JSONL trail and
// to the store's audit table.
package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/basket/swarmqueue/internal/shared"
)

// Entry is one audit record, mirroring the audit table's columns.
type Entry struct {
	Timestamp           time.Time
	TaskID              string
	ActionType          string
	MemoryOperationType string
	MemoryNamespace     string
	MemoryEntryID       int64
	ActionData          json.RawMessage
}

// Service writes audit entries to a JSONL file and, when a database handle
// is configured, to the audit table. It is constructor-injected rather than
// a package-global so callers can unit test against an isolated instance.
type Service struct {
	mu   sync.Mutex
	file *os.File
	db   *sql.DB
}

// New opens (creating if needed) logs/audit.jsonl under homeDir.
func New(homeDir string) (*Service, error) {
	logDir := filepath.Join(homeDir, "logs")
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return nil, fmt.Errorf("audit: create log dir: %w", err)
	}
	f, err := os.OpenFile(filepath.Join(logDir, "audit.jsonl"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("audit: open log file: %w", err)
	}
	return &Service{file: f}, nil
}

// SetDB attaches a database handle; subsequent Record calls also insert
// into the audit table. Safe to call with nil to detach.
func (s *Service) SetDB(db *sql.DB) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.db = db
}

// Close releases the underlying log file.
func (s *Service) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		return nil
	}
	err := s.file.Close()
	s.file = nil
	return err
}

// Record writes one entry. actionData is redacted for known secret
// patterns before being marshaled and persisted.
func (s *Service) Record(ctx context.Context, e Entry) error {
	e = redactEntry(e)

	s.mu.Lock()
	db := s.db
	s.writeJSONLLocked(e)
	s.mu.Unlock()

	if db != nil {
		return insertAuditRow(ctx, db, e)
	}
	return nil
}

// RecordTx writes one entry's database row through tx, so it commits or
// rolls back together with the caller's own mutation. The JSONL trail is
// still appended outside the transaction, matching the teacher's
// best-effort file-logging alongside the transactional table write.
func (s *Service) RecordTx(ctx context.Context, tx *sql.Tx, e Entry) error {
	e = redactEntry(e)

	s.mu.Lock()
	s.writeJSONLLocked(e)
	s.mu.Unlock()

	return insertAuditRow(ctx, tx, e)
}

func redactEntry(e Entry) Entry {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}

	var dataMap map[string]any
	if len(e.ActionData) > 0 {
		if err := json.Unmarshal(e.ActionData, &dataMap); err == nil {
			for k, v := range dataMap {
				if s, ok := v.(string); ok {
					dataMap[k] = shared.Redact(s)
				}
			}
			if redacted, err := json.Marshal(dataMap); err == nil {
				e.ActionData = redacted
			}
		}
	}
	if len(e.ActionData) == 0 {
		e.ActionData = json.RawMessage(`{}`)
	}
	return e
}

// writeJSONLLocked appends e to the JSONL trail. Callers must hold s.mu.
func (s *Service) writeJSONLLocked(e Entry) {
	if s.file == nil {
		return
	}
	line, err := json.Marshal(e)
	if err == nil {
		_, _ = s.file.Write(append(line, '\n'))
	}
}

// execer is satisfied by both *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func insertAuditRow(ctx context.Context, q execer, e Entry) error {
	var taskID, memOpType, memNamespace any
	if e.TaskID != "" {
		taskID = e.TaskID
	}
	if e.MemoryOperationType != "" {
		memOpType = e.MemoryOperationType
	}
	if e.MemoryNamespace != "" {
		memNamespace = e.MemoryNamespace
	}
	var memEntryID any
	if e.MemoryEntryID != 0 {
		memEntryID = e.MemoryEntryID
	}

	_, err := q.ExecContext(ctx, `
		INSERT INTO audit (timestamp, task_id, action_type, memory_operation_type, memory_namespace, memory_entry_id, action_data)
		VALUES (?, ?, ?, ?, ?, ?, ?);
	`, e.Timestamp, taskID, e.ActionType, memOpType, memNamespace, memEntryID, string(e.ActionData))
	if err != nil {
		return fmt.Errorf("audit: insert: %w", err)
	}
	return nil
}
