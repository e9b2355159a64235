// ABOUTME: SQLite implementation of TaskStore using modernc.org/sqlite
// ABOUTME: Defaults to an in-memory database that lives as long as the process

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// MemoryPath selects a process-lifetime in-memory database.
const MemoryPath = ":memory:"

// timeLayout is fixed width so stored timestamps sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// SQLiteStore implements TaskStore using SQLite.
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

var _ TaskStore = (*SQLiteStore)(nil)

// NewSQLiteStore opens the database at path, creating parent directories
// and the schema as needed. An empty path or MemoryPath opens an in-memory
// database.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	if path == "" {
		path = MemoryPath
	}
	memory := path == MemoryPath
	if !memory {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	// Each pooled connection to :memory: is a separate database.
	db.SetMaxOpenConns(1)

	if !memory {
		if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
			db.Close()
			return nil, fmt.Errorf("enabling WAL mode: %w", err)
		}
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}

	s := &SQLiteStore{db: db, logger: logger}
	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path)
	return s, nil
}

func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS tasks (
			id            TEXT PRIMARY KEY,
			owner_user_id TEXT NOT NULL,
			bot_id        TEXT NOT NULL,
			title         TEXT NOT NULL,
			description   TEXT NOT NULL DEFAULT '',
			priority      TEXT NOT NULL,
			status        TEXT NOT NULL,
			due_date      TEXT,
			created_at    TEXT NOT NULL,
			updated_at    TEXT NOT NULL,

			CHECK (priority IN ('low', 'medium', 'high', 'urgent')),
			CHECK (status IN ('pending', 'in_progress', 'completed', 'cancelled', 'failed'))
		);

		CREATE INDEX IF NOT EXISTS idx_tasks_owner_created ON tasks(owner_user_id, created_at);
		CREATE INDEX IF NOT EXISTS idx_tasks_bot ON tasks(bot_id);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Ping checks that the database is reachable.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	s.logger.Info("closing SQLite store")
	return s.db.Close()
}

const taskColumns = `id, owner_user_id, bot_id, title, description, priority, status, due_date, created_at, updated_at`

// CreateTask inserts t, assigning an id, defaults and timestamps.
func (s *SQLiteStore) CreateTask(ctx context.Context, t *Task) error {
	if err := normalizeTask(t, uuid.NewString); err != nil {
		return err
	}

	var dueDate *string
	if t.DueDate != nil {
		d := t.DueDate.UTC().Format(timeLayout)
		dueDate = &d
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO tasks (`+taskColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, t.ID, t.OwnerUserID, t.BotID, t.Title, t.Description, t.Priority, t.Status, dueDate,
		t.CreatedAt.UTC().Format(timeLayout), t.UpdatedAt.UTC().Format(timeLayout))
	if err != nil {
		return fmt.Errorf("inserting task: %w", err)
	}
	return nil
}

// GetTask returns the task with the given id, or ErrNotFound.
func (s *SQLiteStore) GetTask(ctx context.Context, id string) (*Task, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying task: %w", err)
	}
	return t, nil
}

// UpdateTaskStatus sets the status of a task and returns the updated task.
func (s *SQLiteStore) UpdateTaskStatus(ctx context.Context, id, status string) (*Task, error) {
	if !ValidTaskStatus(status) {
		return nil, ErrInvalidTaskStatus
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET status = ?, updated_at = ? WHERE id = ?`,
		status, time.Now().UTC().Format(timeLayout), id)
	if err != nil {
		return nil, fmt.Errorf("updating task: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("checking rows affected: %w", err)
	}
	if n == 0 {
		return nil, ErrNotFound
	}
	return s.GetTask(ctx, id)
}

// ListTasksForUser returns the user's tasks, newest first.
func (s *SQLiteStore) ListTasksForUser(ctx context.Context, ownerUserID string, f TaskFilter) ([]*Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks WHERE owner_user_id = ?`
	args := []any{ownerUserID}

	if f.BotID != "" {
		query += ` AND bot_id = ?`
		args = append(args, f.BotID)
	}
	if f.Status != "" {
		query += ` AND status = ?`
		args = append(args, f.Status)
	}
	query += ` ORDER BY created_at DESC LIMIT ?`
	args = append(args, normalizeLimit(f.Limit))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing tasks: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var tasks []*Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning task: %w", err)
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

// CountTasks returns the total number of stored tasks.
func (s *SQLiteStore) CountTasks(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM tasks`).Scan(&n); err != nil {
		return 0, fmt.Errorf("counting tasks: %w", err)
	}
	return n, nil
}

func scanTask(scanner interface{ Scan(dest ...any) error }) (*Task, error) {
	var t Task
	var dueDate sql.NullString
	var createdAt, updatedAt string

	err := scanner.Scan(&t.ID, &t.OwnerUserID, &t.BotID, &t.Title, &t.Description,
		&t.Priority, &t.Status, &dueDate, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}

	if t.CreatedAt, err = time.Parse(timeLayout, createdAt); err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	if t.UpdatedAt, err = time.Parse(timeLayout, updatedAt); err != nil {
		return nil, fmt.Errorf("parsing updated_at: %w", err)
	}
	if dueDate.Valid {
		d, err := time.Parse(timeLayout, dueDate.String)
		if err != nil {
			return nil, fmt.Errorf("parsing due_date: %w", err)
		}
		t.DueDate = &d
	}
	return &t, nil
}
