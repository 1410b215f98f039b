package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/petrijr/phoenix/pkg/api"
)

// SQLiteStore is a Store backed by SQLite, for single-node deployments
// that want durability without running a database server.
//
// It expects an *sql.DB opened with a SQLite driver; the caller imports
// the driver, e.g.:
//
//	import _ "modernc.org/sqlite"
//
// Atomicity of the claim and the conditional state writes comes from
// running each (select, update) pair inside one transaction: SQLite
// serializes writers, so at most one claim can observe a task PENDING.
type SQLiteStore struct {
	db *sql.DB
}

// Ensure SQLiteStore implements the full Store contract.
var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore initializes the schema in the given database and
// returns a new SQLiteStore.
func NewSQLiteStore(db *sql.DB) (*SQLiteStore, error) {
	s := &SQLiteStore{db: db}
	if err := s.initSchema(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) initSchema() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS tasks (
			id TEXT PRIMARY KEY,
			workflow_id TEXT NOT NULL,
			type TEXT NOT NULL,
			status TEXT NOT NULL,
			description TEXT NOT NULL DEFAULT '',
			dependencies TEXT NOT NULL DEFAULT '[]',
			retry_count INTEGER NOT NULL DEFAULT 0,
			max_retries INTEGER NOT NULL DEFAULT 3,
			worker_lock TEXT NOT NULL DEFAULT '',
			locked_at INTEGER,
			input_context TEXT,
			output_artifact TEXT,
			last_error TEXT NOT NULL DEFAULT '',
			created_at INTEGER NOT NULL,
			completed_at INTEGER,
			failed_at INTEGER
		);
		CREATE INDEX IF NOT EXISTS idx_tasks_status_type ON tasks(status, type);
		CREATE INDEX IF NOT EXISTS idx_tasks_status_locked ON tasks(status, locked_at);
		CREATE INDEX IF NOT EXISTS idx_tasks_workflow ON tasks(workflow_id);

		CREATE TABLE IF NOT EXISTS workflows (
			id TEXT PRIMARY KEY,
			goal TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL,
			created_at INTEGER NOT NULL
		);

		CREATE TABLE IF NOT EXISTS workers (
			worker_id TEXT PRIMARY KEY,
			name TEXT NOT NULL DEFAULT '',
			task_types TEXT NOT NULL DEFAULT '[]',
			status TEXT NOT NULL,
			last_heartbeat INTEGER NOT NULL
		);

		CREATE TABLE IF NOT EXISTS logs (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			timestamp INTEGER NOT NULL,
			level TEXT NOT NULL,
			component TEXT NOT NULL,
			message TEXT NOT NULL,
			workflow_id TEXT NOT NULL DEFAULT '',
			task_id TEXT NOT NULL DEFAULT ''
		);
		CREATE INDEX IF NOT EXISTS idx_logs_workflow ON logs(workflow_id, timestamp);

		CREATE TABLE IF NOT EXISTS orchestrator_heartbeat (
			id TEXT PRIMARY KEY,
			last_heartbeat INTEGER NOT NULL DEFAULT 0,
			status TEXT NOT NULL DEFAULT '',
			restarts INTEGER NOT NULL DEFAULT 0
		);
	`)
	return err
}

func encodeJSON(v any) (string, error) {
	if v == nil {
		return "", nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func decodeJSONMap(data sql.NullString) (map[string]any, error) {
	if !data.Valid || data.String == "" {
		return nil, nil
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(data.String), &m); err != nil {
		return nil, err
	}
	return m, nil
}

func nanosOrNull(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UnixNano()
}

func timeFromNanos(n sql.NullInt64) *time.Time {
	if !n.Valid {
		return nil
	}
	t := time.Unix(0, n.Int64).UTC()
	return &t
}

func (s *SQLiteStore) InsertTask(ctx context.Context, t *api.Task) error {
	cp := cloneTask(t)
	NormalizeTask(cp)

	deps, err := encodeJSON(cp.Dependencies)
	if err != nil {
		return err
	}
	if deps == "" {
		deps = "[]"
	}
	input, err := encodeJSON(cp.InputContext)
	if err != nil {
		return err
	}
	output, err := encodeJSON(cp.OutputArtifact)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO tasks (id, workflow_id, type, status, description, dependencies,
			retry_count, max_retries, worker_lock, locked_at, input_context,
			output_artifact, last_error, created_at, completed_at, failed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		cp.ID,
		cp.WorkflowID,
		string(cp.Type),
		string(cp.Status),
		cp.Description,
		deps,
		cp.RetryCount,
		cp.MaxRetries,
		cp.WorkerLock,
		nanosOrNull(cp.LockedAt),
		input,
		output,
		cp.LastError,
		cp.CreatedAt.UnixNano(),
		nanosOrNull(cp.CompletedAt),
		nanosOrNull(cp.FailedAt),
	)
	if err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed") {
		return ErrDuplicateID
	}
	return err
}

const taskColumns = `id, workflow_id, type, status, description, dependencies,
	retry_count, max_retries, worker_lock, locked_at, input_context,
	output_artifact, last_error, created_at, completed_at, failed_at`

type taskScanner interface {
	Scan(dest ...any) error
}

func scanTask(row taskScanner) (*api.Task, error) {
	var (
		t           api.Task
		typeStr     string
		statusStr   string
		depsStr     string
		lockedAt    sql.NullInt64
		inputStr    sql.NullString
		outputStr   sql.NullString
		createdAt   int64
		completedAt sql.NullInt64
		failedAt    sql.NullInt64
	)

	err := row.Scan(&t.ID, &t.WorkflowID, &typeStr, &statusStr, &t.Description,
		&depsStr, &t.RetryCount, &t.MaxRetries, &t.WorkerLock, &lockedAt,
		&inputStr, &outputStr, &t.LastError, &createdAt, &completedAt, &failedAt)
	if err != nil {
		return nil, err
	}

	t.Type = api.TaskType(typeStr)
	t.Status = api.TaskStatus(statusStr)

	if depsStr != "" {
		if err := json.Unmarshal([]byte(depsStr), &t.Dependencies); err != nil {
			return nil, fmt.Errorf("decode dependencies for %s: %w", t.ID, err)
		}
	}
	t.InputContext, err = decodeJSONMap(inputStr)
	if err != nil {
		return nil, fmt.Errorf("decode input_context for %s: %w", t.ID, err)
	}
	t.OutputArtifact, err = decodeJSONMap(outputStr)
	if err != nil {
		return nil, fmt.Errorf("decode output_artifact for %s: %w", t.ID, err)
	}

	t.LockedAt = timeFromNanos(lockedAt)
	t.CreatedAt = time.Unix(0, createdAt).UTC()
	t.CompletedAt = timeFromNanos(completedAt)
	t.FailedAt = timeFromNanos(failedAt)
	return &t, nil
}

func (s *SQLiteStore) GetTask(ctx context.Context, id string) (*api.Task, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrTaskNotFound
	}
	return t, err
}

func (s *SQLiteStore) ListTasks(ctx context.Context, f TaskFilter) ([]*api.Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks`
	var conds []string
	var args []any
	if f.WorkflowID != "" {
		conds = append(conds, "workflow_id = ?")
		args = append(args, f.WorkflowID)
	}
	if f.Status != "" {
		conds = append(conds, "status = ?")
		args = append(args, string(f.Status))
	}
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY created_at, id"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*api.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) ClaimTask(ctx context.Context, workerID string, types []api.TaskType) (*api.Task, error) {
	if len(types) == 0 {
		return nil, nil
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(types)), ",")
	args := []any{string(api.TaskPending)}
	for _, t := range types {
		args = append(args, string(t))
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}

	var id string
	row := tx.QueryRowContext(ctx, `
		SELECT id FROM tasks
		WHERE status = ? AND type IN (`+placeholders+`)
		ORDER BY created_at, id
		LIMIT 1`, args...)
	if err := row.Scan(&id); err != nil {
		_ = tx.Rollback()
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}

	now := time.Now().UTC()
	res, err := tx.ExecContext(ctx, `
		UPDATE tasks
		SET status = ?, worker_lock = ?, locked_at = ?
		WHERE id = ? AND status = ?`,
		string(api.TaskInProgress), workerID, now.UnixNano(), id, string(api.TaskPending))
	if err != nil {
		_ = tx.Rollback()
		return nil, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		_ = tx.Rollback()
		return nil, err
	}
	if affected == 0 {
		// Lost to a concurrent claim between select and update.
		_ = tx.Rollback()
		return nil, nil
	}

	claimed, err := scanTask(tx.QueryRowContext(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id))
	if err != nil {
		_ = tx.Rollback()
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return claimed, nil
}

// conditionalUpdate runs an UPDATE and maps "zero rows matched" to
// notMatched, which may be nil for idempotent passes.
func (s *SQLiteStore) conditionalUpdate(ctx context.Context, notMatched error, query string, args ...any) error {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return notMatched
	}
	return nil
}

func (s *SQLiteStore) CompleteTask(ctx context.Context, id, owner string, artifact api.Artifact) error {
	output, err := encodeJSON(artifact)
	if err != nil {
		return err
	}
	now := time.Now().UTC().UnixNano()
	return s.conditionalUpdate(ctx, ErrLockLost, `
		UPDATE tasks
		SET status = ?, output_artifact = ?, worker_lock = '', locked_at = NULL, completed_at = ?
		WHERE id = ? AND status = ? AND worker_lock = ?`,
		string(api.TaskCompleted), output, now, id, string(api.TaskInProgress), owner)
}

func (s *SQLiteStore) ReleaseTaskForRetry(ctx context.Context, id, owner string, retryCount int, lastError string) error {
	return s.conditionalUpdate(ctx, ErrLockLost, `
		UPDATE tasks
		SET status = ?, worker_lock = '', locked_at = NULL, retry_count = ?, last_error = ?
		WHERE id = ? AND status = ? AND worker_lock = ?`,
		string(api.TaskPending), retryCount, lastError, id, string(api.TaskInProgress), owner)
}

func (s *SQLiteStore) FailTask(ctx context.Context, id, owner string, retryCount int, lastError string) error {
	now := time.Now().UTC().UnixNano()
	return s.conditionalUpdate(ctx, ErrLockLost, `
		UPDATE tasks
		SET status = ?, worker_lock = '', locked_at = NULL, retry_count = ?, last_error = ?, failed_at = ?
		WHERE id = ? AND status = ? AND worker_lock = ?`,
		string(api.TaskFailed), retryCount, lastError, now, id, string(api.TaskInProgress), owner)
}

func (s *SQLiteStore) UnblockTask(ctx context.Context, id string, depOutputs map[string]any) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}

	var statusStr string
	var inputStr sql.NullString
	row := tx.QueryRowContext(ctx, `SELECT status, input_context FROM tasks WHERE id = ?`, id)
	if err := row.Scan(&statusStr, &inputStr); err != nil {
		_ = tx.Rollback()
		if errors.Is(err, sql.ErrNoRows) {
			return ErrTaskNotFound
		}
		return err
	}
	if api.TaskStatus(statusStr) != api.TaskBlocked {
		_ = tx.Rollback()
		return nil
	}

	input, err := decodeJSONMap(inputStr)
	if err != nil {
		_ = tx.Rollback()
		return err
	}
	if depOutputs != nil {
		if input == nil {
			input = make(map[string]any, 1)
		}
		input[api.DependencyOutputsKey] = depOutputs
	}
	encoded, err := encodeJSON(input)
	if err != nil {
		_ = tx.Rollback()
		return err
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE tasks SET status = ?, input_context = ?
		WHERE id = ? AND status = ?`,
		string(api.TaskPending), encoded, id, string(api.TaskBlocked))
	if err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

func (s *SQLiteStore) FailBlockedTask(ctx context.Context, id, reason string) error {
	now := time.Now().UTC().UnixNano()
	err := s.conditionalUpdate(ctx, ErrTaskNotFound, `
		UPDATE tasks
		SET status = ?, last_error = ?, failed_at = ?
		WHERE id = ? AND status = ?`,
		string(api.TaskFailed), reason, now, id, string(api.TaskBlocked))
	if errors.Is(err, ErrTaskNotFound) {
		// Distinguish "gone" from "already left BLOCKED": the latter is
		// an idempotent no-op.
		if _, getErr := s.GetTask(ctx, id); getErr == nil {
			return nil
		}
		return ErrTaskNotFound
	}
	return err
}

func (s *SQLiteStore) ExpiredLeases(ctx context.Context, threshold time.Time) ([]*api.Task, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+taskColumns+` FROM tasks
		WHERE status = ? AND locked_at IS NOT NULL AND locked_at < ?
		ORDER BY created_at, id`,
		string(api.TaskInProgress), threshold.UnixNano())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*api.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}
