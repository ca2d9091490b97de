// Package persistence implements the durable, crash-safe backing store for
// the task queue: schema bring-up, foreign-key enforcement, cascade
// semantics, and the typed CRUD operations every service composes on top
// of. Storage is a single embedded SQLite database in WAL mode with a
// single writer and unbounded readers.
package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"math/rand/v2"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/basket/swarmqueue/internal/bus"
	_ "github.com/mattn/go-sqlite3"
)

const (
	schemaVersion1  = 1
	schemaChecksum1 = "sq-v1-task-queue-core"

	schemaVersionLatest  = schemaVersion1
	schemaChecksumLatest = schemaChecksum1
)

// TaskStatus is the closed set of states a task may occupy.
type TaskStatus string

const (
	TaskStatusPending   TaskStatus = "PENDING"
	TaskStatusBlocked   TaskStatus = "BLOCKED"
	TaskStatusReady     TaskStatus = "READY"
	TaskStatusRunning   TaskStatus = "RUNNING"
	TaskStatusCompleted TaskStatus = "COMPLETED"
	TaskStatusFailed    TaskStatus = "FAILED"
	TaskStatusCancelled TaskStatus = "CANCELLED"
)

// Valid reports whether s is a recognized task status.
func (s TaskStatus) Valid() bool {
	switch s {
	case TaskStatusPending, TaskStatusBlocked, TaskStatusReady, TaskStatusRunning,
		TaskStatusCompleted, TaskStatusFailed, TaskStatusCancelled:
		return true
	}
	return false
}

// TaskSource identifies who submitted a task.
type TaskSource string

const (
	TaskSourceHuman          TaskSource = "HUMAN"
	TaskSourceRequirements   TaskSource = "AGENT_REQUIREMENTS"
	TaskSourcePlanner        TaskSource = "AGENT_PLANNER"
	TaskSourceImplementation TaskSource = "AGENT_IMPLEMENTATION"
)

func (s TaskSource) Valid() bool {
	switch s {
	case TaskSourceHuman, TaskSourceRequirements, TaskSourcePlanner, TaskSourceImplementation:
		return true
	}
	return false
}

// DependencyType distinguishes ordering semantics of a dependency edge.
type DependencyType string

const (
	DependencySequential DependencyType = "SEQUENTIAL"
	DependencyParallel   DependencyType = "PARALLEL"
)

func (d DependencyType) Valid() bool {
	return d == DependencySequential || d == DependencyParallel
}

// AgentState tracks the lifecycle of a live worker record.
type AgentState string

const (
	AgentStateSpawning    AgentState = "SPAWNING"
	AgentStateIdle        AgentState = "IDLE"
	AgentStateBusy        AgentState = "BUSY"
	AgentStateTerminating AgentState = "TERMINATING"
	AgentStateTerminated  AgentState = "TERMINATED"
)

// MemoryType classifies a memory entry.
type MemoryType string

const (
	MemoryTypeSemantic  MemoryType = "semantic"
	MemoryTypeEpisodic  MemoryType = "episodic"
	MemoryTypeProcedural MemoryType = "procedural"
)

func (m MemoryType) Valid() bool {
	switch m {
	case MemoryTypeSemantic, MemoryTypeEpisodic, MemoryTypeProcedural:
		return true
	}
	return false
}

// SessionStatus is the closed set of conversational session states.
type SessionStatus string

const (
	SessionStatusCreated    SessionStatus = "created"
	SessionStatusActive     SessionStatus = "active"
	SessionStatusPaused     SessionStatus = "paused"
	SessionStatusTerminated SessionStatus = "terminated"
	SessionStatusArchived   SessionStatus = "archived"
)

func (s SessionStatus) Valid() bool {
	switch s {
	case SessionStatusCreated, SessionStatusActive, SessionStatusPaused,
		SessionStatusTerminated, SessionStatusArchived:
		return true
	}
	return false
}

// allowedTaskTransitions enumerates the legal status graph; transitioning
// outside this map is a bug in the caller, never a silent no-op.
var allowedTaskTransitions = map[TaskStatus]map[TaskStatus]struct{}{
	TaskStatusPending: {
		TaskStatusBlocked: {},
		TaskStatusReady:   {},
	},
	TaskStatusBlocked: {
		TaskStatusReady:     {},
		TaskStatusCancelled: {},
	},
	TaskStatusReady: {
		TaskStatusRunning:   {},
		TaskStatusBlocked:   {}, // a new prerequisite can be added before dispatch
		TaskStatusCancelled: {},
	},
	TaskStatusRunning: {
		TaskStatusCompleted: {},
		TaskStatusFailed:    {},
		TaskStatusReady:     {}, // crash-recovery requeue
		TaskStatusCancelled: {},
	},
	TaskStatusFailed: {
		TaskStatusReady: {}, // retry with budget remaining
	},
}

// CanTransition reports whether from -> to is a legal task state change.
func CanTransition(from, to TaskStatus) bool {
	next, ok := allowedTaskTransitions[from]
	if !ok {
		return false
	}
	_, ok = next[to]
	return ok
}

// ErrUnknownEnumValue is returned when a stored string fails to match any
// recognized enum member; deserialization never silently coerces.
var ErrUnknownEnumValue = fmt.Errorf("unknown enum value")

// Store is the single embedded SQLite handle shared by every service.
// One writer at a time (enforced via SetMaxOpenConns(1) and WAL); readers
// do not block.
type Store struct {
	db  *sql.DB
	bus *bus.Bus // optional; nil is valid for tests and offline tooling
}

// DefaultDBPath returns the conventional on-disk location for the store.
func DefaultDBPath() string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".swarmqueue", "swarmqueue.db")
}

// Open creates or upgrades the database at path, configures WAL +
// foreign-key pragmas, and idempotently brings the schema to the latest
// version. eventBus may be nil.
func Open(path string, eventBus *bus.Bus) (*Store, error) {
	if path == "" {
		path = DefaultDBPath()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	dsn := fmt.Sprintf("%s?_busy_timeout=5000&_foreign_keys=on", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite3: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	store := &Store{db: db, bus: eventBus}
	if err := store.configurePragmas(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := store.initSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *Store) DB() *sql.DB { return s.db }

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) configurePragmas(ctx context.Context) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=FULL;",
		"PRAGMA foreign_keys=ON;",
	}
	for _, p := range pragmas {
		if _, err := s.db.ExecContext(ctx, p); err != nil {
			return fmt.Errorf("set pragma %q: %w", p, err)
		}
	}
	return nil
}

// withRetry retries f while it fails with a SQLite BUSY/LOCKED error,
// using exponential backoff with jitter on top of the driver's own
// busy_timeout. Any other error, or context cancellation, returns
// immediately.
func withRetry(ctx context.Context, maxRetries int, f func() error) error {
	const baseDelay = 50 * time.Millisecond
	const maxDelay = 500 * time.Millisecond

	var err error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		err = f()
		if err == nil {
			return nil
		}
		if !isSQLiteBusy(err) {
			return err
		}
		if attempt == maxRetries {
			return err
		}
		delay := baseDelay << uint(attempt)
		if delay > maxDelay {
			delay = maxDelay
		}
		jitter := time.Duration(rand.IntN(int(delay/2 + 1)))
		delay = delay - delay/4 + jitter

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return err
}

func isSQLiteBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked") ||
		strings.Contains(msg, "(5)") ||
		strings.Contains(msg, "(6)")
}

// ValidateForeignKeys runs PRAGMA foreign_key_check and reports any
// violation found; an empty, non-nil slice means the database is clean.
func (s *Store) ValidateForeignKeys(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, "PRAGMA foreign_key_check;")
	if err != nil {
		return nil, fmt.Errorf("foreign_key_check: %w", err)
	}
	defer rows.Close()

	var violations []string
	for rows.Next() {
		var table string
		var rowid sql.NullInt64
		var parent string
		var fkid int
		if err := rows.Scan(&table, &rowid, &parent, &fkid); err != nil {
			return nil, fmt.Errorf("scan foreign_key_check row: %w", err)
		}
		violations = append(violations, fmt.Sprintf("%s (rowid=%v) -> %s (fkid=%d)", table, rowid, parent, fkid))
	}
	return violations, rows.Err()
}

// IntegrityCheck runs PRAGMA integrity_check and returns an error unless
// it reports exactly "ok".
func (s *Store) IntegrityCheck(ctx context.Context) error {
	var result string
	if err := s.db.QueryRowContext(ctx, "PRAGMA integrity_check;").Scan(&result); err != nil {
		return fmt.Errorf("integrity_check: %w", err)
	}
	if result != "ok" {
		return fmt.Errorf("integrity_check failed: %s", result)
	}
	return nil
}

// ExplainQueryPlan returns the raw EXPLAIN QUERY PLAN rows for query,
// used by tests asserting a critical query hits its intended index.
func (s *Store) ExplainQueryPlan(ctx context.Context, query string, args ...any) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, "EXPLAIN QUERY PLAN "+query, args...)
	if err != nil {
		return nil, fmt.Errorf("explain query plan: %w", err)
	}
	defer rows.Close()

	var plan []string
	for rows.Next() {
		var id, parent, notUsed int
		var detail string
		if err := rows.Scan(&id, &parent, &notUsed, &detail); err != nil {
			return nil, fmt.Errorf("scan query plan row: %w", err)
		}
		plan = append(plan, detail)
	}
	return plan, rows.Err()
}

func (s *Store) initSchema(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin migration tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			checksum TEXT NOT NULL,
			applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);
	`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	var maxVersion int
	if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_migrations;`).Scan(&maxVersion); err != nil {
		return fmt.Errorf("read migration max version: %w", err)
	}
	if maxVersion > schemaVersionLatest {
		return fmt.Errorf("db schema version %d is newer than supported %d", maxVersion, schemaVersionLatest)
	}

	if maxVersion == schemaVersionLatest {
		var existing string
		if err := tx.QueryRowContext(ctx, `SELECT checksum FROM schema_migrations WHERE version = ?;`, schemaVersionLatest).Scan(&existing); err != nil {
			return fmt.Errorf("read schema checksum: %w", err)
		}
		if existing != schemaChecksumLatest {
			return fmt.Errorf("schema checksum mismatch for version %d: got %q want %q", schemaVersionLatest, existing, schemaChecksumLatest)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration tx: %w", err)
		}
		return nil
	}

	if err := s.createTablesTx(ctx, tx); err != nil {
		return err
	}
	if err := s.createIndexesTx(ctx, tx); err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO schema_migrations (version, checksum) VALUES (?, ?);`,
		schemaVersionLatest, schemaChecksumLatest,
	); err != nil {
		return fmt.Errorf("record schema migration: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit migration tx: %w", err)
	}
	return nil
}

func (s *Store) createTablesTx(ctx context.Context, tx *sql.Tx) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS sessions (
			id TEXT PRIMARY KEY,
			app_name TEXT NOT NULL,
			user_id TEXT NOT NULL,
			project_id TEXT,
			status TEXT NOT NULL CHECK(status IN ('created','active','paused','terminated','archived')),
			events TEXT NOT NULL DEFAULT '[]',
			state TEXT NOT NULL DEFAULT '{}',
			metadata TEXT NOT NULL DEFAULT '{}',
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			last_update_time DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			terminated_at DATETIME
		);`,
		`CREATE TABLE IF NOT EXISTS tasks (
			id TEXT PRIMARY KEY,
			prompt TEXT NOT NULL,
			summary TEXT,
			agent_type TEXT NOT NULL,
			priority INTEGER NOT NULL DEFAULT 0 CHECK(priority BETWEEN 0 AND 10),
			calculated_priority REAL NOT NULL DEFAULT 0,
			status TEXT NOT NULL CHECK(status IN ('PENDING','BLOCKED','READY','RUNNING','COMPLETED','FAILED','CANCELLED')),
			source TEXT NOT NULL CHECK(source IN ('HUMAN','AGENT_REQUIREMENTS','AGENT_PLANNER','AGENT_IMPLEMENTATION')),
			dependency_type TEXT NOT NULL DEFAULT 'SEQUENTIAL' CHECK(dependency_type IN ('SEQUENTIAL','PARALLEL')),
			dependency_depth INTEGER NOT NULL DEFAULT 0,
			input_data TEXT NOT NULL DEFAULT '{}',
			result_data TEXT,
			error_message TEXT,
			retry_count INTEGER NOT NULL DEFAULT 0,
			max_retries INTEGER NOT NULL DEFAULT 3,
			max_execution_timeout_seconds INTEGER NOT NULL DEFAULT 3600,
			estimated_duration_seconds INTEGER,
			deadline DATETIME,
			submitted_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			started_at DATETIME,
			completed_at DATETIME,
			last_updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			parent_task_id TEXT REFERENCES tasks(id) ON DELETE CASCADE,
			session_id TEXT REFERENCES sessions(id) ON DELETE SET NULL,
			feature_branch TEXT,
			task_branch TEXT,
			worktree_path TEXT,
			created_by TEXT,
			CHECK(retry_count <= max_retries)
		);`,
		`CREATE TABLE IF NOT EXISTS task_dependencies (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			dependent_task_id TEXT NOT NULL REFERENCES tasks(id) ON DELETE CASCADE,
			prerequisite_task_id TEXT NOT NULL REFERENCES tasks(id) ON DELETE CASCADE,
			dependency_type TEXT NOT NULL DEFAULT 'SEQUENTIAL' CHECK(dependency_type IN ('SEQUENTIAL','PARALLEL')),
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			resolved_at DATETIME,
			UNIQUE(dependent_task_id, prerequisite_task_id),
			CHECK(dependent_task_id <> prerequisite_task_id)
		);`,
		`CREATE TABLE IF NOT EXISTS memory_entries (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			namespace TEXT NOT NULL,
			key TEXT NOT NULL,
			value TEXT NOT NULL,
			memory_type TEXT NOT NULL CHECK(memory_type IN ('semantic','episodic','procedural')),
			version INTEGER NOT NULL,
			metadata TEXT NOT NULL DEFAULT '{}',
			is_deleted INTEGER NOT NULL DEFAULT 0,
			created_by TEXT NOT NULL,
			updated_by TEXT NOT NULL,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE TABLE IF NOT EXISTS agents (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			specialization TEXT,
			task_id TEXT NOT NULL REFERENCES tasks(id) ON DELETE CASCADE,
			state TEXT NOT NULL CHECK(state IN ('SPAWNING','IDLE','BUSY','TERMINATING','TERMINATED')),
			model TEXT,
			spawned_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			terminated_at DATETIME,
			resource_usage TEXT NOT NULL DEFAULT '{}'
		);`,
		`CREATE TABLE IF NOT EXISTS audit (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			timestamp DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			task_id TEXT,
			action_type TEXT NOT NULL,
			memory_operation_type TEXT,
			memory_namespace TEXT,
			memory_entry_id INTEGER,
			action_data TEXT NOT NULL DEFAULT '{}'
		);`,
		`CREATE TABLE IF NOT EXISTS schedules (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			cron_expr TEXT NOT NULL,
			session_id TEXT REFERENCES sessions(id) ON DELETE SET NULL,
			payload TEXT NOT NULL DEFAULT '{}',
			last_run_at DATETIME,
			next_run_at DATETIME NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS checkpoints (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			task_id TEXT NOT NULL REFERENCES tasks(id) ON DELETE CASCADE,
			label TEXT NOT NULL,
			data TEXT NOT NULL DEFAULT '{}',
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE TABLE IF NOT EXISTS metrics (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			name TEXT NOT NULL,
			value REAL NOT NULL,
			tags TEXT NOT NULL DEFAULT '{}',
			recorded_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE TABLE IF NOT EXISTS document_index (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			task_id TEXT REFERENCES tasks(id) ON DELETE CASCADE,
			path TEXT NOT NULL,
			content_hash TEXT NOT NULL,
			indexed_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
		// deprecated in favor of sessions.state; kept for read compatibility
		// with older dumps, never written by current code paths.
		`CREATE TABLE IF NOT EXISTS state (
			key TEXT PRIMARY KEY,
			value TEXT
		);`,
	}
	for _, stmt := range statements {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("create table: %w", err)
		}
	}
	return nil
}

func (s *Store) createIndexesTx(ctx context.Context, tx *sql.Tx) error {
	indexes := []string{
		`CREATE INDEX IF NOT EXISTS idx_tasks_ready_priority ON tasks(calculated_priority DESC, submitted_at ASC) WHERE status = 'READY';`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_source_created ON tasks(source, submitted_at);`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_deadline ON tasks(deadline) WHERE deadline IS NOT NULL;`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_blocked ON tasks(status) WHERE status = 'BLOCKED';`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_parent ON tasks(parent_task_id);`,
		`CREATE INDEX IF NOT EXISTS idx_task_dependencies_prerequisite ON task_dependencies(prerequisite_task_id, resolved_at) WHERE resolved_at IS NULL;`,
		`CREATE INDEX IF NOT EXISTS idx_task_dependencies_dependent ON task_dependencies(dependent_task_id);`,
		`CREATE INDEX IF NOT EXISTS idx_memory_namespace_key_version ON memory_entries(namespace, key, version DESC);`,
		`CREATE INDEX IF NOT EXISTS idx_memory_namespace_prefix ON memory_entries(namespace);`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_status_updated ON sessions(status, last_update_time);`,
		`CREATE INDEX IF NOT EXISTS idx_audit_memory_operations ON audit(memory_operation_type, memory_namespace) WHERE memory_operation_type IS NOT NULL;`,
		`CREATE INDEX IF NOT EXISTS idx_agents_task ON agents(task_id);`,
	}
	for _, idx := range indexes {
		if _, err := tx.ExecContext(ctx, idx); err != nil {
			return fmt.Errorf("create index: %w", err)
		}
	}
	return nil
}
