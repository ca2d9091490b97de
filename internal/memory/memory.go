// Package memory implements versioned, namespaced long-term memory
// storage: semantic facts, episodic experiences, and procedural rules,
// each update creating a new version rather than overwriting in place.
package memory

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/basket/swarmqueue/internal/audit"
	"github.com/basket/swarmqueue/internal/persistence"
)

// Type is the kind of memory entry.
type Type string

const (
	TypeSemantic   Type = "semantic"
	TypeEpisodic   Type = "episodic"
	TypeProcedural Type = "procedural"
)

func (t Type) valid() bool {
	switch t {
	case TypeSemantic, TypeEpisodic, TypeProcedural:
		return true
	}
	return false
}

// Entry is one version of a memory row.
type Entry struct {
	ID        int64
	Namespace string
	Key       string
	Value     json.RawMessage
	Type      Type
	Version   int
	Metadata  json.RawMessage
	IsDeleted bool
	CreatedBy string
	UpdatedBy string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// ErrNotFound is returned when a namespace/key has no active entry.
var ErrNotFound = fmt.Errorf("memory entry not found")

// ErrInvalidNamespace is returned when a namespace lacks a ':' separator.
var ErrInvalidNamespace = fmt.Errorf("invalid namespace: must contain ':' separator")

// Service implements the versioned memory store, dual-writing every
// mutation to the audit trail in the same transaction.
type Service struct {
	db    *sql.DB
	audit *audit.Service
}

// New builds a Service over store's connection, recording every mutation
// through auditSvc.
func New(store *persistence.Store, auditSvc *audit.Service) *Service {
	return &Service{db: store.DB(), audit: auditSvc}
}

// Add inserts a new memory at version 1 and an audit row, atomically.
func (s *Service) Add(ctx context.Context, namespace, key string, value json.RawMessage, memType Type, createdBy, taskID string, metadata json.RawMessage) (int64, error) {
	if !memType.valid() {
		return 0, fmt.Errorf("memory: invalid memory_type %q", memType)
	}
	if !strings.Contains(namespace, ":") {
		return 0, ErrInvalidNamespace
	}
	if metadata == nil {
		metadata = json.RawMessage("{}")
	}
	if err := persistence.ValidateJSONColumn("memory_entries.value", value); err != nil {
		return 0, fmt.Errorf("memory: add: %w", err)
	}
	if err := persistence.ValidateJSONColumn("memory_entries.metadata", metadata); err != nil {
		return 0, fmt.Errorf("memory: add: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("memory: add: begin tx: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`INSERT INTO memory_entries (namespace, key, value, memory_type, version, metadata, created_by, updated_by) VALUES (?,?,?,?,1,?,?,?);`,
		namespace, key, string(value), string(memType), string(metadata), createdBy, createdBy,
	)
	if err != nil {
		return 0, fmt.Errorf("memory: add: insert: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("memory: add: last insert id: %w", err)
	}

	actionData, _ := json.Marshal(map[string]any{"key": key, "memory_type": string(memType)})
	if err := s.audit.RecordTx(ctx, tx, audit.Entry{
		TaskID: taskID, ActionType: "memory_create", MemoryOperationType: "create",
		MemoryNamespace: namespace, MemoryEntryID: id, ActionData: actionData,
	}); err != nil {
		return 0, fmt.Errorf("memory: add: audit: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("memory: add: commit: %w", err)
	}
	return id, nil
}

// Get returns the latest non-deleted version, or a specific version when
// version > 0.
func (s *Service) Get(ctx context.Context, namespace, key string, version int) (*Entry, error) {
	var query string
	var args []any
	if version <= 0 {
		query = `SELECT id, namespace, key, value, memory_type, version, metadata, is_deleted, created_by, updated_by, created_at, updated_at
		         FROM memory_entries WHERE namespace = ? AND key = ? AND is_deleted = 0 ORDER BY version DESC LIMIT 1;`
		args = []any{namespace, key}
	} else {
		query = `SELECT id, namespace, key, value, memory_type, version, metadata, is_deleted, created_by, updated_by, created_at, updated_at
		         FROM memory_entries WHERE namespace = ? AND key = ? AND version = ?;`
		args = []any{namespace, key, version}
	}

	row := s.db.QueryRowContext(ctx, query, args...)
	return scanEntry(row)
}

func scanEntry(row *sql.Row) (*Entry, error) {
	var e Entry
	var valueRaw, metadataRaw, typeStr string
	var isDeleted int
	if err := row.Scan(&e.ID, &e.Namespace, &e.Key, &valueRaw, &typeStr, &e.Version, &metadataRaw, &isDeleted, &e.CreatedBy, &e.UpdatedBy, &e.CreatedAt, &e.UpdatedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("memory: scan: %w", err)
	}
	e.Type = Type(typeStr)
	e.IsDeleted = isDeleted != 0
	e.Value = json.RawMessage(valueRaw)
	e.Metadata = json.RawMessage(metadataRaw)
	return &e, nil
}

// Update creates version max(version)+1 among non-deleted rows for
// namespace/key, carrying the existing memory_type forward.
func (s *Service) Update(ctx context.Context, namespace, key string, value json.RawMessage, updatedBy, taskID string) (int64, error) {
	if err := persistence.ValidateJSONColumn("memory_entries.value", value); err != nil {
		return 0, fmt.Errorf("memory: update: %w", err)
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("memory: update: begin tx: %w", err)
	}
	defer tx.Rollback()

	var currentVersion sql.NullInt64
	var memType string
	err = tx.QueryRowContext(ctx,
		`SELECT MAX(version), memory_type FROM memory_entries WHERE namespace = ? AND key = ? AND is_deleted = 0;`,
		namespace, key,
	).Scan(&currentVersion, &memType)
	if err != nil || !currentVersion.Valid {
		return 0, fmt.Errorf("%w: %s:%s", ErrNotFound, namespace, key)
	}

	newVersion := currentVersion.Int64 + 1
	res, err := tx.ExecContext(ctx,
		`INSERT INTO memory_entries (namespace, key, value, memory_type, version, created_by, updated_by) VALUES (?,?,?,?,?,?,?);`,
		namespace, key, string(value), memType, newVersion, updatedBy, updatedBy,
	)
	if err != nil {
		return 0, fmt.Errorf("memory: update: insert: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("memory: update: last insert id: %w", err)
	}

	actionData, _ := json.Marshal(map[string]any{"version": newVersion})
	if err := s.audit.RecordTx(ctx, tx, audit.Entry{
		TaskID: taskID, ActionType: "memory_update", MemoryOperationType: "update",
		MemoryNamespace: namespace, MemoryEntryID: id, ActionData: actionData,
	}); err != nil {
		return 0, fmt.Errorf("memory: update: audit: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("memory: update: commit: %w", err)
	}
	return id, nil
}

// Delete soft-deletes the latest active version for namespace/key. False
// means no active entry existed.
func (s *Service) Delete(ctx context.Context, namespace, key, taskID string) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("memory: delete: begin tx: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`UPDATE memory_entries SET is_deleted = 1, updated_at = CURRENT_TIMESTAMP WHERE namespace = ? AND key = ? AND is_deleted = 0;`,
		namespace, key,
	)
	if err != nil {
		return false, fmt.Errorf("memory: delete: %w", err)
	}
	n, _ := res.RowsAffected()

	if n > 0 {
		actionData, _ := json.Marshal(map[string]any{"key": key})
		if err := s.audit.RecordTx(ctx, tx, audit.Entry{
			TaskID: taskID, ActionType: "memory_delete", MemoryOperationType: "delete",
			MemoryNamespace: namespace, ActionData: actionData,
		}); err != nil {
			return false, fmt.Errorf("memory: delete: audit: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("memory: delete: commit: %w", err)
	}
	return n > 0, nil
}

// Search returns active entries whose namespace starts with
// namespacePrefix, newest-updated first, optionally filtered by memType.
func (s *Service) Search(ctx context.Context, namespacePrefix string, memType Type, limit int) ([]*Entry, error) {
	if limit <= 0 {
		limit = 50
	}
	var rows *sql.Rows
	var err error
	if memType != "" {
		rows, err = s.db.QueryContext(ctx,
			`SELECT id, namespace, key, value, memory_type, version, metadata, is_deleted, created_by, updated_by, created_at, updated_at
			 FROM memory_entries WHERE namespace LIKE ? AND memory_type = ? AND is_deleted = 0 ORDER BY updated_at DESC LIMIT ?;`,
			namespacePrefix+"%", string(memType), limit,
		)
	} else {
		rows, err = s.db.QueryContext(ctx,
			`SELECT id, namespace, key, value, memory_type, version, metadata, is_deleted, created_by, updated_by, created_at, updated_at
			 FROM memory_entries WHERE namespace LIKE ? AND is_deleted = 0 ORDER BY updated_at DESC LIMIT ?;`,
			namespacePrefix+"%", limit,
		)
	}
	if err != nil {
		return nil, fmt.Errorf("memory: search: %w", err)
	}
	defer rows.Close()

	var out []*Entry
	for rows.Next() {
		var e Entry
		var valueRaw, metadataRaw, typeStr string
		var isDeleted int
		if err := rows.Scan(&e.ID, &e.Namespace, &e.Key, &valueRaw, &typeStr, &e.Version, &metadataRaw, &isDeleted, &e.CreatedBy, &e.UpdatedBy, &e.CreatedAt, &e.UpdatedAt); err != nil {
			return nil, fmt.Errorf("memory: search scan: %w", err)
		}
		e.Type = Type(typeStr)
		e.IsDeleted = isDeleted != 0
		e.Value = json.RawMessage(valueRaw)
		e.Metadata = json.RawMessage(metadataRaw)
		out = append(out, &e)
	}
	return out, rows.Err()
}

// ListNamespaces returns every distinct namespace with at least one
// active entry.
func (s *Service) ListNamespaces(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT namespace FROM memory_entries WHERE is_deleted = 0 ORDER BY namespace;`)
	if err != nil {
		return nil, fmt.Errorf("memory: list namespaces: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var ns string
		if err := rows.Scan(&ns); err != nil {
			return nil, err
		}
		out = append(out, ns)
	}
	return out, rows.Err()
}

// History returns every version (deleted included) of namespace/key,
// newest version first.
func (s *Service) History(ctx context.Context, namespace, key string) ([]*Entry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, namespace, key, value, memory_type, version, metadata, is_deleted, created_by, updated_by, created_at, updated_at
		 FROM memory_entries WHERE namespace = ? AND key = ? ORDER BY version DESC;`,
		namespace, key,
	)
	if err != nil {
		return nil, fmt.Errorf("memory: history: %w", err)
	}
	defer rows.Close()

	var out []*Entry
	for rows.Next() {
		var e Entry
		var valueRaw, metadataRaw, typeStr string
		var isDeleted int
		if err := rows.Scan(&e.ID, &e.Namespace, &e.Key, &valueRaw, &typeStr, &e.Version, &metadataRaw, &isDeleted, &e.CreatedBy, &e.UpdatedBy, &e.CreatedAt, &e.UpdatedAt); err != nil {
			return nil, fmt.Errorf("memory: history scan: %w", err)
		}
		e.Type = Type(typeStr)
		e.IsDeleted = isDeleted != 0
		e.Value = json.RawMessage(valueRaw)
		e.Metadata = json.RawMessage(metadataRaw)
		out = append(out, &e)
	}
	return out, rows.Err()
}

// CleanupExpired soft-deletes episodic entries older than ttlDays,
// returning the number of rows affected.
func (s *Service) CleanupExpired(ctx context.Context, ttlDays int) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE memory_entries SET is_deleted = 1, updated_at = CURRENT_TIMESTAMP
		 WHERE memory_type = 'episodic' AND is_deleted = 0 AND (julianday('now') - julianday(created_at)) > ?;`,
		ttlDays,
	)
	if err != nil {
		return 0, fmt.Errorf("memory: cleanup expired: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}
