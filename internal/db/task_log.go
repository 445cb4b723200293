package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/camctl/cam/internal/task"
)

// AppendTaskLog stores one output line for a task.
func (s *Store) AppendTaskLog(ctx context.Context, taskID, line string, at time.Time) error {
	_, err := s.Exec(ctx, `
		INSERT INTO task_logs (task_id, line, created_at) VALUES (?, ?, ?)
	`, taskID, line, at.UTC().Format(TimeFormat))
	if err != nil {
		return fmt.Errorf("append task log: %w", err)
	}
	return nil
}

// ListTaskLogs returns a task's log lines in insertion order. A limit of
// zero returns everything; a positive limit returns the most recent lines
// (still oldest first).
func (s *Store) ListTaskLogs(ctx context.Context, taskID string, limit int) ([]task.TaskLog, error) {
	query := `SELECT id, task_id, line, created_at FROM task_logs WHERE task_id = ? ORDER BY id`
	if limit > 0 {
		query = `SELECT id, task_id, line, created_at FROM (
			SELECT id, task_id, line, created_at FROM task_logs
			WHERE task_id = ? ORDER BY id DESC LIMIT ` + fmt.Sprintf("%d", limit) + `
		) ORDER BY id`
	}

	rows, err := s.Query(ctx, query, taskID)
	if err != nil {
		if IsMissingSchema(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("list task logs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var logs []task.TaskLog
	for rows.Next() {
		var l task.TaskLog
		var createdAt string
		if err := rows.Scan(&l.ID, &l.TaskID, &l.Line, &createdAt); err != nil {
			return nil, fmt.Errorf("scan task log: %w", err)
		}
		if t := parseTimePtr(sql.NullString{String: createdAt, Valid: true}); t != nil {
			l.CreatedAt = *t
		}
		logs = append(logs, l)
	}
	return logs, rows.Err()
}
