package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"devopsagent/pkg/agent/llm"
	"devopsagent/pkg/logx"
	"devopsagent/pkg/proto"
)

var (
	// ErrNotFound is returned when a task id is not in the store.
	ErrNotFound = errors.New("task not found")
	// ErrTaskExists is returned by CreateTask when the id is already stored.
	ErrTaskExists = errors.New("task already exists")
)

const timeLayout = time.RFC3339Nano

// Task is a persisted run.
type Task struct {
	ID           string           `json:"id"`
	Repo         string           `json:"repo_name"`
	Input        string           `json:"input"`
	RefinedInput string           `json:"refined_input,omitempty"`
	Status       proto.TaskStatus `json:"status"`
	FinalAnswer  string           `json:"final_answer,omitempty"`
	ErrorText    string           `json:"error,omitempty"`
	CreatedAt    time.Time        `json:"created_at"`
	UpdatedAt    time.Time        `json:"updated_at"`
}

// Store persists tasks and the conversation history of each.
type Store struct {
	db     *sql.DB
	logger *logx.Logger
}

// Open initializes the database at dbPath and returns a store backed by it.
func Open(dbPath string) (*Store, error) {
	db, err := InitializeDatabase(dbPath)
	if err != nil {
		return nil, err
	}
	s := NewStore(db)
	s.logger.Info("📦 Database initialized: %s", dbPath)
	return s, nil
}

// NewStore wraps an already initialized database.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db, logger: logx.NewLogger("persistence")}
}

func (s *Store) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}
	return nil
}

func now() string {
	return time.Now().UTC().Format(timeLayout)
}

// CreateTask inserts a running task. An id that is already stored, from this
// process or an earlier one, yields ErrTaskExists and leaves the row untouched.
func (s *Store) CreateTask(ctx context.Context, id, repo, input string) error {
	ts := now()
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO tasks (id, repo_name, input, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING
	`, id, repo, input, proto.TaskRunning, ts, ts)
	if err != nil {
		return fmt.Errorf("failed to insert task %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to insert task %s: %w", id, err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrTaskExists, id)
	}
	return nil
}

// SetRefinedInput stores the prompt agent's rewrite of the request.
func (s *Store) SetRefinedInput(ctx context.Context, id, refined string) error {
	return s.update(ctx, id, `UPDATE tasks SET refined_input = ?, updated_at = ? WHERE id = ?`, refined, now(), id)
}

// UpdateTaskStatus records a status change. detail is the final answer for a
// completed task and the error text for a failed one.
func (s *Store) UpdateTaskStatus(ctx context.Context, id string, status proto.TaskStatus, detail string) error {
	var query string
	switch status {
	case proto.TaskCompleted:
		query = `UPDATE tasks SET status = ?, final_answer = ?, updated_at = ? WHERE id = ?`
	default:
		query = `UPDATE tasks SET status = ?, error_text = ?, updated_at = ? WHERE id = ?`
	}
	return s.update(ctx, id, query, status, detail, now(), id)
}

func (s *Store) update(ctx context.Context, id, query string, args ...any) error {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update task %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return nil
}

// AppendMessage stores one history message at position seq.
func (s *Store) AppendMessage(ctx context.Context, taskID string, seq int, msg llm.CompletionMessage) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO messages (task_id, seq, role, content, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(task_id, seq) DO UPDATE SET role = excluded.role, content = excluded.content
	`, taskID, seq, string(msg.Role), msg.Content, now())
	if err != nil {
		return fmt.Errorf("failed to append message %d for task %s: %w", seq, taskID, err)
	}
	return nil
}

// ListMessages returns the stored history of a task in order.
func (s *Store) ListMessages(ctx context.Context, taskID string) ([]llm.CompletionMessage, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT role, content FROM messages WHERE task_id = ? ORDER BY seq
	`, taskID)
	if err != nil {
		return nil, fmt.Errorf("failed to query messages: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var msgs []llm.CompletionMessage
	for rows.Next() {
		var role, content string
		if err := rows.Scan(&role, &content); err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		msgs = append(msgs, llm.CompletionMessage{Role: llm.CompletionRole(role), Content: content})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("message rows: %w", err)
	}
	return msgs, nil
}

const taskColumns = `id, repo_name, input, refined_input, status, final_answer, error_text, created_at, updated_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanTask(row scanner) (*Task, error) {
	var (
		t                Task
		status           string
		created, updated string
	)
	if err := row.Scan(&t.ID, &t.Repo, &t.Input, &t.RefinedInput, &status, &t.FinalAnswer, &t.ErrorText, &created, &updated); err != nil {
		return nil, err //nolint:wrapcheck // callers wrap with context
	}
	t.Status = proto.TaskStatus(status)
	t.CreatedAt, _ = time.Parse(timeLayout, created)
	t.UpdatedAt, _ = time.Parse(timeLayout, updated)
	return &t, nil
}

// GetTask returns one task or ErrNotFound.
func (s *Store) GetTask(ctx context.Context, id string) (*Task, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get task %s: %w", id, err)
	}
	return t, nil
}

// ListTasks returns the most recent tasks first. limit <= 0 means no limit.
func (s *Store) ListTasks(ctx context.Context, limit int) ([]*Task, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+taskColumns+` FROM tasks ORDER BY created_at DESC, rowid DESC LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query tasks: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var tasks []*Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan task: %w", err)
		}
		tasks = append(tasks, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("task rows: %w", err)
	}
	return tasks, nil
}

// MarkInterrupted fails every task still marked running. Called at startup,
// when no task can be live.
func (s *Store) MarkInterrupted(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE tasks SET status = ?, error_text = ?, updated_at = ? WHERE status = ?
	`, proto.TaskFailed, "interrupted by restart", now(), proto.TaskRunning)
	if err != nil {
		return 0, fmt.Errorf("failed to mark interrupted tasks: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to read affected rows: %w", err)
	}
	if n > 0 {
		s.logger.Warn("marked %d interrupted task(s) as failed", n)
	}
	return n, nil
}
