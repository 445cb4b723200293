package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// SystemEvent is one persisted audit record. The audit table is the
// authoritative replay source for live subscribers that dropped events.
type SystemEvent struct {
	ID        string
	Type      string
	Actor     string
	TaskID    string
	GroupID   string
	Payload   any // JSON marshaled to TEXT
	CreatedAt time.Time
}

// AppendEvent inserts an audit record.
func (s *Store) AppendEvent(ctx context.Context, e *SystemEvent) error {
	payload := "{}"
	if e.Payload != nil {
		data, err := json.Marshal(e.Payload)
		if err != nil {
			return fmt.Errorf("marshal event payload: %w", err)
		}
		payload = string(data)
	}

	_, err := s.Exec(ctx, `
		INSERT INTO system_events (id, type, actor, task_id, group_id, payload, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, e.ID, e.Type, nullable(e.Actor), nullable(e.TaskID), nullable(e.GroupID),
		payload, e.CreatedAt.UTC().Format(TimeFormat))
	if err != nil {
		return fmt.Errorf("append event: %w", err)
	}
	return nil
}

// EventFilter specifies filters for querying the audit log.
type EventFilter struct {
	TypePrefix string
	TaskID     string
	GroupID    string
	Since      *time.Time
	Until      *time.Time
	Limit      int
	Offset     int
}

// QueryEvents returns audit records matching the filter, oldest first,
// plus the total match count for pagination.
func (s *Store) QueryEvents(ctx context.Context, f EventFilter) ([]SystemEvent, int, error) {
	var where []string
	var args []any
	if f.TypePrefix != "" {
		where = append(where, "type LIKE ?")
		args = append(args, f.TypePrefix+"%")
	}
	if f.TaskID != "" {
		where = append(where, "task_id = ?")
		args = append(args, f.TaskID)
	}
	if f.GroupID != "" {
		where = append(where, "group_id = ?")
		args = append(args, f.GroupID)
	}
	if f.Since != nil {
		where = append(where, "created_at >= ?")
		args = append(args, f.Since.UTC().Format(TimeFormat))
	}
	if f.Until != nil {
		where = append(where, "created_at <= ?")
		args = append(args, f.Until.UTC().Format(TimeFormat))
	}

	whereSQL := ""
	if len(where) > 0 {
		whereSQL = " WHERE " + strings.Join(where, " AND ")
	}

	var total int
	if err := s.QueryRow(ctx, "SELECT COUNT(*) FROM system_events"+whereSQL, args...).Scan(&total); err != nil {
		if IsMissingSchema(err) {
			return nil, 0, nil
		}
		return nil, 0, fmt.Errorf("count events: %w", err)
	}

	query := `SELECT id, type, actor, task_id, group_id, payload, created_at
		FROM system_events` + whereSQL + ` ORDER BY created_at, id`
	if f.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d OFFSET %d", f.Limit, f.Offset)
	}

	rows, err := s.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("query events: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var events []SystemEvent
	for rows.Next() {
		var e SystemEvent
		var actor, taskID, groupID sql.NullString
		var payload, createdAt string
		if err := rows.Scan(&e.ID, &e.Type, &actor, &taskID, &groupID, &payload, &createdAt); err != nil {
			return nil, 0, fmt.Errorf("scan event: %w", err)
		}
		e.Actor = actor.String
		e.TaskID = taskID.String
		e.GroupID = groupID.String
		var decoded any
		if err := json.Unmarshal([]byte(payload), &decoded); err == nil {
			e.Payload = decoded
		} else {
			e.Payload = payload
		}
		if t := parseTimePtr(sql.NullString{String: createdAt, Valid: true}); t != nil {
			e.CreatedAt = *t
		}
		events = append(events, e)
	}
	return events, total, rows.Err()
}
