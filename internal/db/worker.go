package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/camctl/cam/internal/task"
)

const workerColumns = `id, name, supported_agent_ids, max_concurrent, mode, status,
	current_task_id, last_heartbeat_at, reported_env_vars,
	total_tasks_completed, total_tasks_failed, uptime_since`

// SaveWorker creates or updates a worker registration.
func (s *Store) SaveWorker(ctx context.Context, w *task.Worker) error {
	_, err := s.Exec(ctx, `
		INSERT INTO workers (`+workerColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			supported_agent_ids = excluded.supported_agent_ids,
			max_concurrent = excluded.max_concurrent,
			mode = excluded.mode,
			status = excluded.status,
			current_task_id = excluded.current_task_id,
			last_heartbeat_at = excluded.last_heartbeat_at,
			reported_env_vars = excluded.reported_env_vars,
			total_tasks_completed = excluded.total_tasks_completed,
			total_tasks_failed = excluded.total_tasks_failed,
			uptime_since = excluded.uptime_since
	`, w.ID, w.Name, marshalStrings(w.SupportedAgentIDs), w.MaxConcurrent,
		string(w.Mode), string(w.Status), nullable(w.CurrentTaskID),
		w.LastHeartbeatAt.UTC().Format(TimeFormat), marshalStrings(w.ReportedEnvVars),
		w.TotalTasksCompleted, w.TotalTasksFailed, w.UptimeSince.UTC().Format(TimeFormat))
	if err != nil {
		return fmt.Errorf("save worker: %w", err)
	}
	return nil
}

// GetWorker retrieves a worker by ID. Returns (nil, nil) when absent.
func (s *Store) GetWorker(ctx context.Context, id string) (*task.Worker, error) {
	row := s.QueryRow(ctx, `SELECT `+workerColumns+` FROM workers WHERE id = ?`, id)
	w, err := scanWorker(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("get worker %s: %w", id, err)
	}
	return w, nil
}

// ListWorkers returns all registered workers.
func (s *Store) ListWorkers(ctx context.Context) ([]task.Worker, error) {
	rows, err := s.Query(ctx, `SELECT `+workerColumns+` FROM workers ORDER BY id`)
	if err != nil {
		if IsMissingSchema(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("list workers: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var workers []task.Worker
	for rows.Next() {
		w, err := scanWorker(rows)
		if err != nil {
			return nil, fmt.Errorf("scan worker: %w", err)
		}
		workers = append(workers, *w)
	}
	return workers, rows.Err()
}

// BindWorker atomically transitions an idle worker to busy on the given
// task. Returns false when the worker was grabbed by a concurrent claim.
func (s *Store) BindWorker(ctx context.Context, workerID, taskID string) (bool, error) {
	res, err := s.Exec(ctx, `
		UPDATE workers SET status = 'busy', current_task_id = ?
		WHERE id = ? AND status = 'idle'
	`, taskID, workerID)
	if err != nil {
		return false, fmt.Errorf("bind worker: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("check bind result: %w", err)
	}
	return n > 0, nil
}

// ReleaseWorker clears a worker's task binding and bumps the completion
// counters. Only a busy worker moves to the given status; a draining or
// offline worker keeps its status and just loses the binding.
func (s *Store) ReleaseWorker(ctx context.Context, workerID string, to task.WorkerStatus, taskFailed bool) error {
	completedDelta, failedDelta := 1, 0
	if taskFailed {
		completedDelta, failedDelta = 0, 1
	}
	_, err := s.Exec(ctx, `
		UPDATE workers SET
			status = CASE WHEN status = 'busy' THEN ? ELSE status END,
			current_task_id = NULL,
			total_tasks_completed = total_tasks_completed + ?,
			total_tasks_failed = total_tasks_failed + ?
		WHERE id = ?
	`, string(to), completedDelta, failedDelta, workerID)
	if err != nil {
		return fmt.Errorf("release worker: %w", err)
	}
	return nil
}

// UnbindWorker returns a worker to idle without touching counters. Used
// on the claim rollback path when no task was actually executed.
func (s *Store) UnbindWorker(ctx context.Context, workerID string) error {
	_, err := s.Exec(ctx, `
		UPDATE workers SET status = 'idle', current_task_id = NULL WHERE id = ?
	`, workerID)
	if err != nil {
		return fmt.Errorf("unbind worker: %w", err)
	}
	return nil
}

// TouchWorkerHeartbeat refreshes lastHeartbeatAt unconditionally and
// applies the reported status fields.
func (s *Store) TouchWorkerHeartbeat(ctx context.Context, id string, at time.Time, currentTaskID string) error {
	_, err := s.Exec(ctx, `
		UPDATE workers SET last_heartbeat_at = ?, current_task_id = ? WHERE id = ?
	`, at.UTC().Format(TimeFormat), nullable(currentTaskID), id)
	if err != nil {
		return fmt.Errorf("touch heartbeat: %w", err)
	}
	return nil
}

// SetWorkerStatus updates a worker's status; clearTask also drops
// current_task_id (manual offline).
func (s *Store) SetWorkerStatus(ctx context.Context, id string, status task.WorkerStatus, clearTask bool) error {
	query := "UPDATE workers SET status = ? WHERE id = ?"
	if clearTask {
		query = "UPDATE workers SET status = ?, current_task_id = NULL WHERE id = ?"
	}
	if _, err := s.Exec(ctx, query, string(status), id); err != nil {
		return fmt.Errorf("set worker status: %w", err)
	}
	return nil
}

// StaleWorkers returns workers whose heartbeat is older than cutoff and
// whose status still claims liveness.
func (s *Store) StaleWorkers(ctx context.Context, cutoff time.Time) ([]task.Worker, error) {
	rows, err := s.Query(ctx, `
		SELECT `+workerColumns+` FROM workers
		WHERE last_heartbeat_at < ? AND status IN ('idle', 'busy', 'draining')
	`, cutoff.UTC().Format(TimeFormat))
	if err != nil {
		return nil, fmt.Errorf("stale workers: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var workers []task.Worker
	for rows.Next() {
		w, err := scanWorker(rows)
		if err != nil {
			return nil, fmt.Errorf("scan worker: %w", err)
		}
		workers = append(workers, *w)
	}
	return workers, rows.Err()
}

// RunningTasksForWorker returns scheduler tasks currently assigned to the
// worker with status running.
func (s *Store) RunningTasksForWorker(ctx context.Context, workerID string) ([]task.Task, error) {
	rows, err := s.Query(ctx, `
		SELECT `+taskColumns+` FROM tasks
		WHERE assigned_worker_id = ? AND status = 'running' AND source = 'scheduler'
	`, workerID)
	if err != nil {
		return nil, fmt.Errorf("running tasks for worker: %w", err)
	}
	defer func() { _ = rows.Close() }()
	return collectTasks(rows)
}

// LiveWorkersSupporting returns workers with a heartbeat at or after
// cutoff that can run the given agent. Used for capability validation.
func (s *Store) LiveWorkersSupporting(ctx context.Context, agentDefinitionID string, cutoff time.Time) ([]task.Worker, error) {
	workers, err := s.ListWorkers(ctx)
	if err != nil {
		return nil, err
	}
	var live []task.Worker
	for _, w := range workers {
		if w.Status == task.WorkerOffline {
			continue
		}
		if w.LastHeartbeatAt.Before(cutoff) {
			continue
		}
		if !w.Supports(agentDefinitionID) {
			continue
		}
		live = append(live, w)
	}
	return live, nil
}

func scanWorker(row rowScanner) (*task.Worker, error) {
	var w task.Worker
	var supported, envVars, mode, status string
	var currentTask sql.NullString
	var heartbeat, uptime string

	err := row.Scan(&w.ID, &w.Name, &supported, &w.MaxConcurrent, &mode, &status,
		&currentTask, &heartbeat, &envVars, &w.TotalTasksCompleted, &w.TotalTasksFailed, &uptime)
	if err != nil {
		return nil, err
	}

	w.SupportedAgentIDs = unmarshalStrings(supported)
	w.ReportedEnvVars = unmarshalStrings(envVars)
	w.Mode = task.WorkerMode(mode)
	w.Status = task.WorkerStatus(status)
	w.CurrentTaskID = currentTask.String
	if t := parseTimePtr(sql.NullString{String: heartbeat, Valid: true}); t != nil {
		w.LastHeartbeatAt = *t
	}
	if t := parseTimePtr(sql.NullString{String: uptime, Valid: true}); t != nil {
		w.UptimeSince = *t
	}
	return &w, nil
}
