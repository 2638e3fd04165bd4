// Package stores provides the durable SQLite-backed task store. It carries
// the same compare-and-transition contract as the in-memory store: the
// UPDATE's state guard is the serialization point, so two reconcilers racing
// for the same task cannot both win an edge.
package stores

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/google/uuid"

	// SQLite driver
	_ "modernc.org/sqlite"

	"github.com/vespo92/boonerd/pkg/orchestrator"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

const taskColumns = `id, resource_kind, resource_name, operation, state, attempt,
	parameters, result, error, parent_id, seq, created_at, updated_at`

// SQLiteStore implements orchestrator.TaskStore on SQLite.
type SQLiteStore struct {
	db   *sql.DB
	path string
	now  func() time.Time
}

// Config holds SQLite store configuration.
type Config struct {
	Path            string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// NewSQLiteStore creates a new SQLite task store instance. Call Init before
// use.
func NewSQLiteStore(cfg Config) (*SQLiteStore, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("database path is required")
	}
	return &SQLiteStore{path: cfg.Path, now: time.Now}, nil
}

// Init opens the database and enables WAL mode. The immediate txlock makes
// BEGIN take the write lock up front, serializing transition transactions.
func (s *SQLiteStore) Init(ctx context.Context) error {
	dsn := fmt.Sprintf("%s?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL&_txlock=immediate", s.path)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to ping database: %w", err)
	}

	if _, err := db.ExecContext(ctx, "PRAGMA foreign_keys = ON"); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	s.db = db
	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Migrate runs the embedded schema migrations.
func (s *SQLiteStore) Migrate(_ context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	driver, err := migratesqlite.WithInstance(s.db, &migratesqlite.Config{})
	if err != nil {
		return fmt.Errorf("failed to create database driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite", driver)
	if err != nil {
		return fmt.Errorf("failed to create migration instance: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// HealthCheck verifies the database connection is healthy.
func (s *SQLiteStore) HealthCheck(ctx context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}
	return s.db.PingContext(ctx)
}

// Create inserts a new queued task and returns its snapshot.
func (s *SQLiteStore) Create(ctx context.Context, req orchestrator.DeploymentRequest, op orchestrator.Operation, parentID string) (orchestrator.Task, error) {
	now := s.now()
	t := orchestrator.Task{
		ID:        uuid.New().String(),
		Request:   req,
		Operation: op,
		State:     orchestrator.TaskStateQueued,
		ParentID:  parentID,
		CreatedAt: now,
		UpdatedAt: now,
	}
	row, err := rowFromTask(&t, now.UnixNano())
	if err != nil {
		return orchestrator.Task{}, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return orchestrator.Task{}, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	query := `INSERT INTO tasks (` + taskColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err = tx.ExecContext(ctx, query,
		row.ID, row.ResourceKind, row.ResourceName, row.Operation, row.State,
		row.Attempt, row.Parameters, row.Result, row.Error, row.ParentID,
		row.Seq, row.CreatedAt, row.UpdatedAt,
	)
	if err != nil {
		return orchestrator.Task{}, fmt.Errorf("failed to create task: %w", err)
	}
	if err := appendEvent(ctx, tx, t.ID, "", t.State, t.Attempt, now); err != nil {
		return orchestrator.Task{}, err
	}
	if err := tx.Commit(); err != nil {
		return orchestrator.Task{}, fmt.Errorf("failed to commit create: %w", err)
	}
	return t, nil
}

// Get returns a snapshot of the task.
func (s *SQLiteStore) Get(ctx context.Context, taskID string) (orchestrator.Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks WHERE id = ?`
	return s.queryOne(ctx, query, taskID)
}

// List returns snapshots of all tasks, newest first.
func (s *SQLiteStore) List(ctx context.Context) ([]orchestrator.Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks ORDER BY seq DESC`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list tasks: %w", err)
	}
	defer rows.Close()

	tasks := []orchestrator.Task{}
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating tasks: %w", err)
	}
	return tasks, nil
}

// FindByResource returns the most recently created task for a resource.
func (s *SQLiteStore) FindByResource(ctx context.Context, kind orchestrator.ResourceKind, name string) (orchestrator.Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks
		WHERE resource_kind = ? AND resource_name = ?
		ORDER BY seq DESC LIMIT 1`

	t, err := s.queryOne(ctx, query, string(kind), name)
	if orchestrator.IsNotFound(err) {
		return orchestrator.Task{}, orchestrator.NewNotFoundError("no task for resource", nil).
			WithCode(orchestrator.ErrCodeNotFound).WithResource(name)
	}
	return t, err
}

// Transition atomically verifies the record is in expected state, applies
// the mutator, and sets the new state. The whole read-modify-write runs in
// one immediate transaction, and the final UPDATE re-checks the state so a
// lost race surfaces as zero rows affected.
func (s *SQLiteStore) Transition(ctx context.Context, taskID string, expected, next orchestrator.TaskState, mutate orchestrator.Mutator) (orchestrator.Task, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return orchestrator.Task{}, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	query := `SELECT ` + taskColumns + ` FROM tasks WHERE id = ?`
	t, err := scanTask(tx.QueryRowContext(ctx, query, taskID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return orchestrator.Task{}, orchestrator.NewNotFoundError("task not found", nil).
				WithCode(orchestrator.ErrCodeNotFound).WithResource(taskID)
		}
		return orchestrator.Task{}, err
	}

	if t.State != expected {
		return orchestrator.Task{}, orchestrator.NewConflictError("task state mismatch", nil).
			WithCode(orchestrator.ErrCodeStateConflict).WithResource(taskID).
			WithOperation(string(expected) + "->" + string(next))
	}
	if !t.State.CanTransitionTo(next) {
		return orchestrator.Task{}, orchestrator.NewConflictError("transition not permitted", nil).
			WithCode(orchestrator.ErrCodeStateConflict).WithResource(taskID).
			WithOperation(string(expected) + "->" + string(next))
	}

	prevAttempt := t.Attempt
	if mutate != nil {
		mutate(&t)
	}
	if t.Attempt < prevAttempt {
		t.Attempt = prevAttempt
	}
	t.State = next
	t.UpdatedAt = s.now()

	switch t.State {
	case orchestrator.TaskStateCompleted:
		t.Error = nil
	case orchestrator.TaskStateFailed:
		t.Result = nil
	case orchestrator.TaskStateQueued, orchestrator.TaskStateRunning, orchestrator.TaskStateCancelled:
		t.Result = nil
		t.Error = nil
	}

	row, err := rowFromTask(&t, 0)
	if err != nil {
		return orchestrator.Task{}, err
	}

	update := `UPDATE tasks
		SET state = ?, attempt = ?, result = ?, error = ?, updated_at = ?
		WHERE id = ? AND state = ?`
	result, err := tx.ExecContext(ctx, update,
		row.State, row.Attempt, row.Result, row.Error, row.UpdatedAt,
		taskID, string(expected),
	)
	if err != nil {
		return orchestrator.Task{}, fmt.Errorf("failed to update task: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return orchestrator.Task{}, fmt.Errorf("failed to get rows affected: %w", err)
	}
	if affected == 0 {
		return orchestrator.Task{}, orchestrator.NewConflictError("task state mismatch", nil).
			WithCode(orchestrator.ErrCodeStateConflict).WithResource(taskID).
			WithOperation(string(expected) + "->" + string(next))
	}

	if err := appendEvent(ctx, tx, t.ID, expected, next, t.Attempt, t.UpdatedAt); err != nil {
		return orchestrator.Task{}, err
	}
	if err := tx.Commit(); err != nil {
		return orchestrator.Task{}, fmt.Errorf("failed to commit transition: %w", err)
	}
	return t, nil
}

// TaskEvent is one entry in a task's append-only transition log.
type TaskEvent struct {
	TaskID    string                 `json:"task_id"`
	FromState orchestrator.TaskState `json:"from_state"`
	ToState   orchestrator.TaskState `json:"to_state"`
	Attempt   int                    `json:"attempt"`
	CreatedAt time.Time              `json:"created_at"`
}

// Events returns a task's transition log in order. The creation event has an
// empty from_state.
func (s *SQLiteStore) Events(ctx context.Context, taskID string) ([]TaskEvent, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT task_id, from_state, to_state, attempt, created_at
		FROM task_events WHERE task_id = ? ORDER BY id ASC`, taskID)
	if err != nil {
		return nil, fmt.Errorf("failed to query task events: %w", err)
	}
	defer rows.Close()

	events := []TaskEvent{}
	for rows.Next() {
		var ev TaskEvent
		if err := rows.Scan(&ev.TaskID, &ev.FromState, &ev.ToState, &ev.Attempt, &ev.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan task event: %w", err)
		}
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating task events: %w", err)
	}
	return events, nil
}

func appendEvent(ctx context.Context, tx *sql.Tx, taskID string, from, to orchestrator.TaskState, attempt int, at time.Time) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO task_events (task_id, from_state, to_state, attempt, created_at) VALUES (?, ?, ?, ?, ?)`,
		taskID, string(from), string(to), attempt, at)
	if err != nil {
		return fmt.Errorf("failed to append task event: %w", err)
	}
	return nil
}

// scanner covers both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanTask(sc scanner) (orchestrator.Task, error) {
	var row taskRow
	err := sc.Scan(
		&row.ID, &row.ResourceKind, &row.ResourceName, &row.Operation,
		&row.State, &row.Attempt, &row.Parameters, &row.Result, &row.Error,
		&row.ParentID, &row.Seq, &row.CreatedAt, &row.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return orchestrator.Task{}, err
		}
		return orchestrator.Task{}, fmt.Errorf("failed to scan task: %w", err)
	}
	return row.toTask()
}

func (s *SQLiteStore) queryOne(ctx context.Context, query string, args ...any) (orchestrator.Task, error) {
	t, err := scanTask(s.db.QueryRowContext(ctx, query, args...))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return orchestrator.Task{}, orchestrator.NewNotFoundError("task not found", nil).
				WithCode(orchestrator.ErrCodeNotFound)
		}
		return orchestrator.Task{}, err
	}
	return t, nil
}
