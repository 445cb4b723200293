package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/camctl/cam/internal/task"
)

// TimeFormat is the wire format for all persisted timestamps:
// ISO-8601 UTC with millisecond precision.
const TimeFormat = "2006-01-02T15:04:05.000Z07:00"

const taskColumns = `id, title, description, agent_definition_id, repo_url, base_branch,
	work_branch, work_dir, status, source, retry_count, max_retries, depends_on,
	group_id, assigned_worker_id, pr_url, summary, log_file_url, feedback,
	review_comment, reviewed_at, input_files, input_condition,
	created_at, queued_at, started_at, completed_at`

// SaveTask creates or updates a task.
func (s *Store) SaveTask(ctx context.Context, t *task.Task) error {
	_, err := s.Exec(ctx, `
		INSERT INTO tasks (`+taskColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			title = excluded.title,
			description = excluded.description,
			agent_definition_id = excluded.agent_definition_id,
			repo_url = excluded.repo_url,
			base_branch = excluded.base_branch,
			work_branch = excluded.work_branch,
			work_dir = excluded.work_dir,
			status = excluded.status,
			source = excluded.source,
			retry_count = excluded.retry_count,
			max_retries = excluded.max_retries,
			depends_on = excluded.depends_on,
			group_id = excluded.group_id,
			assigned_worker_id = excluded.assigned_worker_id,
			pr_url = excluded.pr_url,
			summary = excluded.summary,
			log_file_url = excluded.log_file_url,
			feedback = excluded.feedback,
			review_comment = excluded.review_comment,
			reviewed_at = excluded.reviewed_at,
			input_files = excluded.input_files,
			input_condition = excluded.input_condition,
			queued_at = excluded.queued_at,
			started_at = excluded.started_at,
			completed_at = excluded.completed_at
	`, taskArgs(t)...)
	if err != nil {
		return fmt.Errorf("save task: %w", err)
	}
	return nil
}

// CreateTasks inserts a set of tasks in a single transaction.
// Used by the pipeline expander: either every task lands or none do.
func (s *Store) CreateTasks(ctx context.Context, tasks []*task.Task) error {
	if len(tasks) == 0 {
		return nil
	}
	return s.RunInTx(ctx, func(tx drvTx) error {
		for _, t := range tasks {
			_, err := tx.Exec(ctx, `
				INSERT INTO tasks (`+taskColumns+`)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			`, taskArgs(t)...)
			if err != nil {
				return fmt.Errorf("insert task %s: %w", t.ID, err)
			}
		}
		return nil
	})
}

// GetTask retrieves a task by ID. Returns (nil, nil) when the task does
// not exist.
func (s *Store) GetTask(ctx context.Context, id string) (*task.Task, error) {
	row := s.QueryRow(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id)
	t, err := scanTask(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("get task %s: %w", id, err)
	}
	return t, nil
}

// TaskFilter provides filtering and pagination options for ListTasks.
type TaskFilter struct {
	Status  string
	GroupID string
	Source  string
	Limit   int
	Offset  int
}

// ListTasks returns tasks matching the filter plus the total match count.
func (s *Store) ListTasks(ctx context.Context, f TaskFilter) ([]task.Task, int, error) {
	var where []string
	var args []any
	if f.Status != "" {
		where = append(where, "status = ?")
		args = append(args, f.Status)
	}
	if f.GroupID != "" {
		where = append(where, "group_id = ?")
		args = append(args, f.GroupID)
	}
	if f.Source != "" {
		where = append(where, "source = ?")
		args = append(args, f.Source)
	}

	whereSQL := ""
	if len(where) > 0 {
		whereSQL = " WHERE " + strings.Join(where, " AND ")
	}

	var total int
	if err := s.QueryRow(ctx, "SELECT COUNT(*) FROM tasks"+whereSQL, args...).Scan(&total); err != nil {
		if IsMissingSchema(err) {
			return nil, 0, nil
		}
		return nil, 0, fmt.Errorf("count tasks: %w", err)
	}

	query := `SELECT ` + taskColumns + ` FROM tasks` + whereSQL + ` ORDER BY created_at DESC, id`
	if f.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d OFFSET %d", f.Limit, f.Offset)
	}

	rows, err := s.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("list tasks: %w", err)
	}
	defer func() { _ = rows.Close() }()

	tasks, err := collectTasks(rows)
	if err != nil {
		return nil, 0, err
	}
	return tasks, total, nil
}

// TasksByGroup returns every task sharing the given group id, oldest first.
func (s *Store) TasksByGroup(ctx context.Context, groupID string) ([]task.Task, error) {
	rows, err := s.Query(ctx, `
		SELECT `+taskColumns+` FROM tasks
		WHERE group_id = ?
		ORDER BY created_at, id
	`, groupID)
	if err != nil {
		if IsMissingSchema(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("tasks by group: %w", err)
	}
	defer func() { _ = rows.Close() }()
	return collectTasks(rows)
}

// ClaimableTasks returns the dispatcher's candidate window: scheduler
// tasks in queued or waiting, queued rows first so waiting rows never
// monopolize the window, then FIFO by queue entry and creation time.
func (s *Store) ClaimableTasks(ctx context.Context, supportedAgentIDs []string, window int) ([]task.Task, error) {
	if window <= 0 {
		window = 20
	}

	query := `
		SELECT ` + taskColumns + ` FROM tasks
		WHERE source = 'scheduler' AND status IN ('queued', 'waiting')`
	var args []any
	if len(supportedAgentIDs) > 0 {
		placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(supportedAgentIDs)), ", ")
		query += ` AND agent_definition_id IN (` + placeholders + `)`
		for _, id := range supportedAgentIDs {
			args = append(args, id)
		}
	}
	query += `
		ORDER BY CASE WHEN status = 'queued' THEN 0 ELSE 1 END,
			COALESCE(queued_at, created_at), created_at
		LIMIT ?`
	args = append(args, window)

	rows, err := s.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("claimable tasks: %w", err)
	}
	defer func() { _ = rows.Close() }()
	return collectTasks(rows)
}

// TaskStatuses resolves the status of every given id. Ids with no row are
// absent from the result map.
func (s *Store) TaskStatuses(ctx context.Context, ids []string) (map[string]task.Status, error) {
	result := make(map[string]task.Status, len(ids))
	if len(ids) == 0 {
		return result, nil
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(ids)), ", ")
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}

	rows, err := s.Query(ctx, "SELECT id, status FROM tasks WHERE id IN ("+placeholders+")", args...)
	if err != nil {
		return nil, fmt.Errorf("task statuses: %w", err)
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var id, status string
		if err := rows.Scan(&id, &status); err != nil {
			return nil, fmt.Errorf("scan status: %w", err)
		}
		result[id] = task.Status(status)
	}
	return result, rows.Err()
}

// DependentTasks returns tasks whose dependsOn contains the given id.
func (s *Store) DependentTasks(ctx context.Context, id string) ([]task.Task, error) {
	rows, err := s.Query(ctx, `
		SELECT `+taskColumns+` FROM tasks
		WHERE EXISTS (SELECT 1 FROM json_each(tasks.depends_on) WHERE json_each.value = ?)
		ORDER BY created_at, id
	`, id)
	if err != nil {
		return nil, fmt.Errorf("dependent tasks: %w", err)
	}
	defer func() { _ = rows.Close() }()
	return collectTasks(rows)
}

// CASUpdateTask performs a compare-and-swap status mutation. The row is
// loaded, checked against the expected statuses, mutated via apply, and
// written back guarded by the observed status. Returns the updated task
// and true on success; the current task and false when the row moved
// under the caller or the expected status did not match.
func (s *Store) CASUpdateTask(ctx context.Context, id string, expected []task.Status, apply func(*task.Task) error) (*task.Task, bool, error) {
	var result *task.Task
	var swapped bool

	err := s.RunInTx(ctx, func(tx drvTx) error {
		row := tx.QueryRow(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id)
		t, err := scanTask(row)
		if err != nil {
			if err == sql.ErrNoRows {
				result = nil
				return nil
			}
			return fmt.Errorf("load task %s: %w", id, err)
		}

		observed := t.Status
		match := len(expected) == 0
		for _, st := range expected {
			if observed == st {
				match = true
				break
			}
		}
		if !match {
			result = t
			return nil
		}

		if err := apply(t); err != nil {
			return err
		}

		// The WHERE guard is the lost-race signal: under concurrent
		// writers only the transaction that observed the current
		// status lands.
		res, err := tx.Exec(ctx, `
			UPDATE tasks SET
				title = ?, description = ?, agent_definition_id = ?, repo_url = ?,
				base_branch = ?, work_branch = ?, work_dir = ?, status = ?, source = ?,
				retry_count = ?, max_retries = ?, depends_on = ?, group_id = ?,
				assigned_worker_id = ?, pr_url = ?, summary = ?, log_file_url = ?,
				feedback = ?, review_comment = ?, reviewed_at = ?, input_files = ?,
				input_condition = ?, queued_at = ?, started_at = ?, completed_at = ?
			WHERE id = ? AND status = ?
		`, t.Title, t.Description, t.AgentDefinitionID, t.RepoURL,
			t.BaseBranch, t.WorkBranch, t.WorkDir, string(t.Status), string(t.Source),
			t.RetryCount, t.MaxRetries, marshalStrings(t.DependsOn), nullable(t.GroupID),
			nullable(t.AssignedWorkerID), t.PRURL, t.Summary, t.LogFileURL,
			t.Feedback, t.ReviewComment, formatTimePtr(t.ReviewedAt), marshalStrings(t.InputFiles),
			t.InputCondition, formatTimePtr(t.QueuedAt), formatTimePtr(t.StartedAt), formatTimePtr(t.CompletedAt),
			id, string(observed))
		if err != nil {
			return fmt.Errorf("cas update task %s: %w", id, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("check cas result: %w", err)
		}
		if n == 0 {
			// Row moved between read and write (postgres read-committed
			// path; impossible under a serialized sqlite transaction).
			result = t
			return nil
		}

		result = t
		swapped = true
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return result, swapped, nil
}

// DeleteTaskCascade removes a task and everything referencing it in one
// transaction: its log lines, its id in other tasks' dependsOn arrays,
// and audit events that reference it. Retried up to three times on FK
// contention with short backoff.
func (s *Store) DeleteTaskCascade(ctx context.Context, id string) error {
	const attempts = 3
	var lastErr error
	for i := 0; i < attempts; i++ {
		lastErr = s.deleteTaskOnce(ctx, id)
		if lastErr == nil {
			return nil
		}
		if !isConstraintError(lastErr) {
			return lastErr
		}
		time.Sleep(time.Duration(i+1) * 50 * time.Millisecond)
	}
	return fmt.Errorf("delete task %s after %d attempts: %w", id, attempts, lastErr)
}

func (s *Store) deleteTaskOnce(ctx context.Context, id string) error {
	return s.RunInTx(ctx, func(tx drvTx) error {
		if _, err := tx.Exec(ctx, "DELETE FROM task_logs WHERE task_id = ?", id); err != nil {
			return fmt.Errorf("delete task logs: %w", err)
		}

		// Strip the id from every other task's dependsOn array.
		if _, err := tx.Exec(ctx, `
			UPDATE tasks SET depends_on = (
				SELECT COALESCE(json_group_array(value), '[]')
				FROM json_each(tasks.depends_on)
				WHERE value <> ?
			)
			WHERE EXISTS (SELECT 1 FROM json_each(tasks.depends_on) WHERE value = ?)
		`, id, id); err != nil {
			return fmt.Errorf("strip depends_on references: %w", err)
		}

		if _, err := tx.Exec(ctx, `
			DELETE FROM system_events
			WHERE task_id = ?
			   OR json_extract(payload, '$.taskId') = ?
			   OR json_extract(payload, '$.cascadeFromTaskId') = ?
		`, id, id, id); err != nil {
			return fmt.Errorf("delete task events: %w", err)
		}

		if _, err := tx.Exec(ctx, "DELETE FROM tasks WHERE id = ?", id); err != nil {
			return fmt.Errorf("delete task row: %w", err)
		}
		return nil
	})
}

func isConstraintError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "constraint") || strings.Contains(msg, "foreign key")
}

// --- scanning and marshaling helpers ---

// rowScanner is satisfied by both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (*task.Task, error) {
	var t task.Task
	var status, source, dependsOn, inputFiles string
	var groupID, workerID, reviewedAt, createdAt, queuedAt, startedAt, completedAt sql.NullString

	err := row.Scan(&t.ID, &t.Title, &t.Description, &t.AgentDefinitionID, &t.RepoURL,
		&t.BaseBranch, &t.WorkBranch, &t.WorkDir, &status, &source,
		&t.RetryCount, &t.MaxRetries, &dependsOn, &groupID, &workerID,
		&t.PRURL, &t.Summary, &t.LogFileURL, &t.Feedback, &t.ReviewComment,
		&reviewedAt, &inputFiles, &t.InputCondition,
		&createdAt, &queuedAt, &startedAt, &completedAt)
	if err != nil {
		return nil, err
	}

	t.Status = task.Status(status)
	t.Source = task.Source(source)
	t.DependsOn = unmarshalStrings(dependsOn)
	t.InputFiles = unmarshalStrings(inputFiles)
	t.GroupID = groupID.String
	t.AssignedWorkerID = workerID.String
	t.ReviewedAt = parseTimePtr(reviewedAt)
	if ct := parseTimePtr(createdAt); ct != nil {
		t.CreatedAt = *ct
	}
	t.QueuedAt = parseTimePtr(queuedAt)
	t.StartedAt = parseTimePtr(startedAt)
	t.CompletedAt = parseTimePtr(completedAt)
	return &t, nil
}

func collectTasks(rows *sql.Rows) ([]task.Task, error) {
	var tasks []task.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		tasks = append(tasks, *t)
	}
	return tasks, rows.Err()
}

func taskArgs(t *task.Task) []any {
	return []any{
		t.ID, t.Title, t.Description, t.AgentDefinitionID, t.RepoURL, t.BaseBranch,
		t.WorkBranch, t.WorkDir, string(t.Status), string(t.Source),
		t.RetryCount, t.MaxRetries, marshalStrings(t.DependsOn),
		nullable(t.GroupID), nullable(t.AssignedWorkerID), t.PRURL, t.Summary,
		t.LogFileURL, t.Feedback, t.ReviewComment, formatTimePtr(t.ReviewedAt),
		marshalStrings(t.InputFiles), t.InputCondition,
		t.CreatedAt.UTC().Format(TimeFormat), formatTimePtr(t.QueuedAt),
		formatTimePtr(t.StartedAt), formatTimePtr(t.CompletedAt),
	}
}

func marshalStrings(v []string) string {
	if len(v) == 0 {
		return "[]"
	}
	data, _ := json.Marshal(v)
	return string(data)
}

func unmarshalStrings(s string) []string {
	if s == "" || s == "[]" {
		return nil
	}
	var out []string
	_ = json.Unmarshal([]byte(s), &out)
	return out
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func formatTimePtr(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := t.UTC().Format(TimeFormat)
	return &s
}

func parseTimePtr(ns sql.NullString) *time.Time {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	t, err := time.Parse(TimeFormat, ns.String)
	if err != nil {
		// Fall back to plain RFC3339 for rows written by older versions.
		t, err = time.Parse(time.RFC3339, ns.String)
		if err != nil {
			return nil
		}
	}
	return &t
}
