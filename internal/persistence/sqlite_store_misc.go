package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/petrijr/phoenix/pkg/api"
)

func (s *SQLiteStore) InsertWorkflow(ctx context.Context, w *api.Workflow) error {
	cp := *w
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now().UTC()
	}
	if cp.Status == "" {
		cp.Status = api.WorkflowPending
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO workflows (id, goal, status, created_at)
		VALUES (?, ?, ?, ?)`,
		cp.ID, cp.Goal, string(cp.Status), cp.CreatedAt.UnixNano())
	if err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed") {
		return ErrDuplicateID
	}
	return err
}

func scanWorkflow(row taskScanner) (*api.Workflow, error) {
	var (
		w         api.Workflow
		statusStr string
		createdAt int64
	)
	if err := row.Scan(&w.ID, &w.Goal, &statusStr, &createdAt); err != nil {
		return nil, err
	}
	w.Status = api.WorkflowStatus(statusStr)
	w.CreatedAt = time.Unix(0, createdAt).UTC()
	return &w, nil
}

func (s *SQLiteStore) GetWorkflow(ctx context.Context, id string) (*api.Workflow, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, goal, status, created_at FROM workflows WHERE id = ?`, id)
	w, err := scanWorkflow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrWorkflowNotFound
	}
	return w, err
}

func (s *SQLiteStore) ListWorkflows(ctx context.Context, statuses ...api.WorkflowStatus) ([]*api.Workflow, error) {
	query := `SELECT id, goal, status, created_at FROM workflows`
	var args []any
	if len(statuses) > 0 {
		placeholders := strings.TrimSuffix(strings.Repeat("?,", len(statuses)), ",")
		query += ` WHERE status IN (` + placeholders + `)`
		for _, st := range statuses {
			args = append(args, string(st))
		}
	}
	query += ` ORDER BY created_at, id`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*api.Workflow
	for rows.Next() {
		w, err := scanWorkflow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) SetWorkflowStatus(ctx context.Context, id string, status api.WorkflowStatus) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE workflows SET status = ?
		WHERE id = ? AND status NOT IN (?, ?)`,
		string(status), id, string(api.WorkflowCompleted), string(api.WorkflowFailed))
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		// Either missing or already terminal; only the former is an error.
		if _, getErr := s.GetWorkflow(ctx, id); getErr != nil {
			return getErr
		}
	}
	return nil
}

func (s *SQLiteStore) UpsertWorker(ctx context.Context, reg *api.WorkerRegistration) error {
	types, err := encodeJSON(reg.TaskTypes)
	if err != nil {
		return err
	}
	if types == "" {
		types = "[]"
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO workers (worker_id, name, task_types, status, last_heartbeat)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(worker_id) DO UPDATE SET
			name = excluded.name,
			task_types = excluded.task_types,
			status = excluded.status,
			last_heartbeat = excluded.last_heartbeat`,
		reg.WorkerID, reg.Name, types, string(reg.Status), reg.LastHeartbeat.UnixNano())
	return err
}

func (s *SQLiteStore) SetWorkerStatus(ctx context.Context, workerID string, status api.WorkerStatus) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE workers SET status = ? WHERE worker_id = ?`,
		string(status), workerID)
	return err
}

func (s *SQLiteStore) ListWorkers(ctx context.Context) ([]*api.WorkerRegistration, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT worker_id, name, task_types, status, last_heartbeat
		FROM workers ORDER BY worker_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*api.WorkerRegistration
	for rows.Next() {
		var (
			reg       api.WorkerRegistration
			typesStr  string
			statusStr string
			beat      int64
		)
		if err := rows.Scan(&reg.WorkerID, &reg.Name, &typesStr, &statusStr, &beat); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(typesStr), &reg.TaskTypes); err != nil {
			return nil, err
		}
		reg.Status = api.WorkerStatus(statusStr)
		reg.LastHeartbeat = time.Unix(0, beat).UTC()
		out = append(out, &reg)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) AppendLog(ctx context.Context, e *api.LogEntry) error {
	ts := e.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO logs (timestamp, level, component, message, workflow_id, task_id)
		VALUES (?, ?, ?, ?, ?, ?)`,
		ts.UnixNano(), string(e.Level), e.Component, e.Message, e.WorkflowID, e.TaskID)
	return err
}

func (s *SQLiteStore) ListLogs(ctx context.Context, f LogFilter) ([]*api.LogEntry, error) {
	query := `SELECT timestamp, level, component, message, workflow_id, task_id FROM logs`
	var args []any
	if f.WorkflowID != "" {
		query += ` WHERE workflow_id = ?`
		args = append(args, f.WorkflowID)
	}
	query += ` ORDER BY timestamp DESC, seq DESC`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*api.LogEntry
	for rows.Next() {
		var (
			e        api.LogEntry
			ts       int64
			levelStr string
		)
		if err := rows.Scan(&ts, &levelStr, &e.Component, &e.Message, &e.WorkflowID, &e.TaskID); err != nil {
			return nil, err
		}
		e.Timestamp = time.Unix(0, ts).UTC()
		e.Level = api.LogLevel(levelStr)
		out = append(out, &e)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) BeatOrchestrator(ctx context.Context) error {
	now := time.Now().UTC().UnixNano()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO orchestrator_heartbeat (id, last_heartbeat, status, restarts)
		VALUES (?, ?, ?, 0)
		ON CONFLICT(id) DO UPDATE SET
			last_heartbeat = excluded.last_heartbeat,
			status = excluded.status`,
		api.OrchestratorHeartbeatID, now, api.HeartbeatRunning)
	return err
}

func (s *SQLiteStore) OrchestratorHeartbeat(ctx context.Context) (*api.OrchestratorHeartbeat, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, last_heartbeat, status, restarts
		FROM orchestrator_heartbeat WHERE id = ?`,
		api.OrchestratorHeartbeatID)

	var (
		hb   api.OrchestratorHeartbeat
		beat int64
	)
	err := row.Scan(&hb.ID, &beat, &hb.Status, &hb.Restarts)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if beat > 0 {
		hb.LastHeartbeat = time.Unix(0, beat).UTC()
	}
	return &hb, nil
}

func (s *SQLiteStore) MarkOrchestratorRestarting(ctx context.Context) (int, error) {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO orchestrator_heartbeat (id, last_heartbeat, status, restarts)
		VALUES (?, 0, ?, 1)
		ON CONFLICT(id) DO UPDATE SET
			restarts = restarts + 1,
			status = excluded.status`,
		api.OrchestratorHeartbeatID, api.HeartbeatRestarting)
	if err != nil {
		return 0, err
	}

	hb, err := s.OrchestratorHeartbeat(ctx)
	if err != nil {
		return 0, err
	}
	if hb == nil {
		return 0, nil
	}
	return hb.Restarts, nil
}
