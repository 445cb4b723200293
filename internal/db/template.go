package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/camctl/cam/internal/task"
)

// SaveTemplate creates or updates a template (keyed by id; name is unique).
func (s *Store) SaveTemplate(ctx context.Context, t *task.Template) error {
	steps, err := json.Marshal(t.PipelineSteps)
	if err != nil {
		return fmt.Errorf("marshal pipeline steps: %w", err)
	}
	builtIn := 0
	if t.BuiltIn {
		builtIn = 1
	}

	_, err = s.Exec(ctx, `
		INSERT INTO templates (id, name, title_template, prompt_template, default_agent_id, max_retries, pipeline_steps, built_in)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			title_template = excluded.title_template,
			prompt_template = excluded.prompt_template,
			default_agent_id = excluded.default_agent_id,
			max_retries = excluded.max_retries,
			pipeline_steps = excluded.pipeline_steps,
			built_in = excluded.built_in
	`, t.ID, t.Name, t.TitleTemplate, t.PromptTemplate, t.DefaultAgentID,
		t.MaxRetries, string(steps), builtIn)
	if err != nil {
		return fmt.Errorf("save template: %w", err)
	}
	return nil
}

// GetTemplate retrieves a template by ID. Returns (nil, nil) when absent.
func (s *Store) GetTemplate(ctx context.Context, id string) (*task.Template, error) {
	row := s.QueryRow(ctx, `
		SELECT id, name, title_template, prompt_template, default_agent_id, max_retries, pipeline_steps, built_in
		FROM templates WHERE id = ?
	`, id)
	return scanTemplateRow(row, id)
}

// GetTemplateByName retrieves a template by its unique name.
func (s *Store) GetTemplateByName(ctx context.Context, name string) (*task.Template, error) {
	row := s.QueryRow(ctx, `
		SELECT id, name, title_template, prompt_template, default_agent_id, max_retries, pipeline_steps, built_in
		FROM templates WHERE name = ?
	`, name)
	return scanTemplateRow(row, name)
}

// ListTemplates returns all templates ordered by name.
func (s *Store) ListTemplates(ctx context.Context) ([]task.Template, error) {
	rows, err := s.Query(ctx, `
		SELECT id, name, title_template, prompt_template, default_agent_id, max_retries, pipeline_steps, built_in
		FROM templates ORDER BY name
	`)
	if err != nil {
		if IsMissingSchema(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("list templates: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var templates []task.Template
	for rows.Next() {
		t, err := scanTemplate(rows)
		if err != nil {
			return nil, fmt.Errorf("scan template: %w", err)
		}
		templates = append(templates, *t)
	}
	return templates, rows.Err()
}

func scanTemplateRow(row *sql.Row, key string) (*task.Template, error) {
	t, err := scanTemplate(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("get template %s: %w", key, err)
	}
	return t, nil
}

func scanTemplate(row rowScanner) (*task.Template, error) {
	var t task.Template
	var steps string
	var maxRetries sql.NullInt64
	var builtIn int

	if err := row.Scan(&t.ID, &t.Name, &t.TitleTemplate, &t.PromptTemplate, &t.DefaultAgentID, &maxRetries, &steps, &builtIn); err != nil {
		return nil, err
	}
	if maxRetries.Valid {
		v := int(maxRetries.Int64)
		t.MaxRetries = &v
	}
	t.BuiltIn = builtIn != 0
	_ = json.Unmarshal([]byte(steps), &t.PipelineSteps)
	return &t, nil
}
