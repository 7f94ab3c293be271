package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/taskflow/orchestrator/internal/model"
)

const taskColumns = `id, project_id, name, status, priority, dependencies, deadline, metadata, created_at, updated_at`

// SQLiteStore implements TaskStore using SQLite
type SQLiteStore struct {
	logger *zap.Logger
	db     *sql.DB
}

// NewSQLiteStore opens (or creates) the task database at dbPath
func NewSQLiteStore(logger *zap.Logger, dbPath string) (*SQLiteStore, error) {
	if dir := filepath.Dir(dbPath); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	// _txlock=immediate makes every transaction take the write lock up front,
	// so read-modify-write updates are atomic against concurrent writers.
	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000&_txlock=immediate", dbPath)
	return openSQLite(logger, dsn)
}

// NewMemorySQLiteStore creates a private in-memory SQLite store
func NewMemorySQLiteStore(logger *zap.Logger) (*SQLiteStore, error) {
	store, err := openSQLite(logger, "file::memory:?_txlock=immediate")
	if err != nil {
		return nil, err
	}
	// Every connection to :memory: is a separate database.
	store.db.SetMaxOpenConns(1)
	return store, nil
}

func openSQLite(logger *zap.Logger, dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	store := &SQLiteStore{
		logger: logger.Named("sqlite-store"),
		db:     db,
	}

	if err := store.initialize(); err != nil {
		db.Close()
		return nil, err
	}

	store.logger.Debug("Task store initialized")
	return store, nil
}

// initialize creates the necessary tables if they don't exist
func (s *SQLiteStore) initialize() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS tasks (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			project_id INTEGER NOT NULL,
			name TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL DEFAULT '',
			priority INTEGER NOT NULL DEFAULT 0,
			dependencies TEXT,
			deadline DATETIME,
			metadata TEXT,
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_tasks_project_id ON tasks(project_id);
		CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status);
	`)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	return nil
}

// CreateTask implements TaskStore.CreateTask
func (s *SQLiteStore) CreateTask(ctx context.Context, task *model.Task) error {
	deps, err := marshalNullable(task.Dependencies, len(task.Dependencies) > 0)
	if err != nil {
		return fmt.Errorf("failed to marshal dependencies: %w", err)
	}
	meta, err := marshalNullable(task.Metadata, len(task.Metadata) > 0)
	if err != nil {
		return fmt.Errorf("failed to marshal metadata: %w", err)
	}

	now := time.Now().UTC()
	if task.CreatedAt.IsZero() {
		task.CreatedAt = now
	}
	task.UpdatedAt = now

	var deadline sql.NullTime
	if task.Deadline != nil {
		deadline = sql.NullTime{Time: task.Deadline.UTC(), Valid: true}
	}

	result, err := s.db.ExecContext(ctx, `
		INSERT INTO tasks (
			project_id, name, status, priority, dependencies, deadline, metadata, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		task.ProjectID,
		task.Name,
		string(task.Status),
		task.Priority,
		deps,
		deadline,
		meta,
		task.CreatedAt,
		task.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert task: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get task id: %w", err)
	}
	task.ID = id
	return nil
}

// GetTask implements TaskStore.GetTask
func (s *SQLiteStore) GetTask(ctx context.Context, id int64) (*model.Task, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+taskColumns+" FROM tasks WHERE id = ?", id)
	task, err := scanTask(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("task %d: %w", id, ErrTaskNotFound)
		}
		return nil, fmt.Errorf("failed to scan task: %w", err)
	}
	return task, nil
}

// GetTasksByProject implements TaskStore.GetTasksByProject
func (s *SQLiteStore) GetTasksByProject(ctx context.Context, projectID int64) ([]*model.Task, error) {
	return s.list(ctx, "SELECT "+taskColumns+" FROM tasks WHERE project_id = ? ORDER BY id", projectID)
}

// ListTasksByStatus implements TaskStore.ListTasksByStatus
func (s *SQLiteStore) ListTasksByStatus(ctx context.Context, status model.TaskStatus) ([]*model.Task, error) {
	return s.list(ctx, "SELECT "+taskColumns+" FROM tasks WHERE status = ? ORDER BY id", string(status))
}

// UpdateTaskStatus implements TaskStore.UpdateTaskStatus
func (s *SQLiteStore) UpdateTaskStatus(ctx context.Context, id int64, status model.TaskStatus, patch model.Metadata) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		meta, err := s.mergedMetadata(ctx, tx, id, patch)
		if err != nil {
			return err
		}
		return execOne(ctx, tx, id,
			"UPDATE tasks SET status = ?, metadata = ?, updated_at = ? WHERE id = ?",
			string(status), meta, time.Now().UTC(), id)
	})
}

// UpdateTaskPriority implements TaskStore.UpdateTaskPriority
func (s *SQLiteStore) UpdateTaskPriority(ctx context.Context, id int64, priority int) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		return execOne(ctx, tx, id,
			"UPDATE tasks SET priority = ?, updated_at = ? WHERE id = ?",
			priority, time.Now().UTC(), id)
	})
}

// UpdateTaskMetadata implements TaskStore.UpdateTaskMetadata
func (s *SQLiteStore) UpdateTaskMetadata(ctx context.Context, id int64, patch model.Metadata) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		meta, err := s.mergedMetadata(ctx, tx, id, patch)
		if err != nil {
			return err
		}
		return execOne(ctx, tx, id,
			"UPDATE tasks SET metadata = ?, updated_at = ? WHERE id = ?",
			meta, time.Now().UTC(), id)
	})
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func (s *SQLiteStore) mergedMetadata(ctx context.Context, tx *sql.Tx, id int64, patch model.Metadata) (sql.NullString, error) {
	var raw sql.NullString
	err := tx.QueryRowContext(ctx, "SELECT metadata FROM tasks WHERE id = ?", id).Scan(&raw)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return sql.NullString{}, fmt.Errorf("task %d: %w", id, ErrTaskNotFound)
		}
		return sql.NullString{}, fmt.Errorf("failed to read metadata: %w", err)
	}

	var current model.Metadata
	if raw.Valid && raw.String != "" {
		if err := json.Unmarshal([]byte(raw.String), &current); err != nil {
			return sql.NullString{}, fmt.Errorf("failed to decode metadata of task %d: %w", id, err)
		}
	}

	merged := current.Merge(patch)
	out, err := marshalNullable(merged, len(merged) > 0)
	if err != nil {
		return sql.NullString{}, fmt.Errorf("failed to marshal metadata: %w", err)
	}
	return out, nil
}

func (s *SQLiteStore) list(ctx context.Context, query string, args ...any) ([]*model.Task, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list tasks: %w", err)
	}
	defer rows.Close()

	var tasks []*model.Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan task: %w", err)
		}
		tasks = append(tasks, task)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during row iteration: %w", err)
	}
	return tasks, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (*model.Task, error) {
	var task model.Task
	var status string
	var deps, meta sql.NullString
	var deadline sql.NullTime

	err := row.Scan(
		&task.ID,
		&task.ProjectID,
		&task.Name,
		&status,
		&task.Priority,
		&deps,
		&deadline,
		&meta,
		&task.CreatedAt,
		&task.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	task.Status = model.TaskStatus(status)
	if deps.Valid && deps.String != "" {
		if err := json.Unmarshal([]byte(deps.String), &task.Dependencies); err != nil {
			return nil, fmt.Errorf("failed to decode dependencies of task %d: %w", task.ID, err)
		}
	}
	if meta.Valid && meta.String != "" {
		if err := json.Unmarshal([]byte(meta.String), &task.Metadata); err != nil {
			return nil, fmt.Errorf("failed to decode metadata of task %d: %w", task.ID, err)
		}
	}
	if deadline.Valid {
		d := deadline.Time
		task.Deadline = &d
	}
	return &task, nil
}

func execOne(ctx context.Context, tx *sql.Tx, id int64, query string, args ...any) error {
	result, err := tx.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update task %d: %w", id, err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get affected rows: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("task %d: %w", id, ErrTaskNotFound)
	}
	return nil
}

func marshalNullable(v any, valid bool) (sql.NullString, error) {
	if !valid {
		return sql.NullString{}, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(data), Valid: true}, nil
}
