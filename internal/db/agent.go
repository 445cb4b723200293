package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/camctl/cam/internal/task"
)

// SaveAgentDefinition creates or updates an agent definition.
func (s *Store) SaveAgentDefinition(ctx context.Context, a *task.AgentDefinition) error {
	envVars, err := json.Marshal(a.RequiredEnvVars)
	if err != nil {
		return fmt.Errorf("marshal required env vars: %w", err)
	}
	caps, err := json.Marshal(a.Capabilities)
	if err != nil {
		return fmt.Errorf("marshal capabilities: %w", err)
	}

	_, err = s.Exec(ctx, `
		INSERT INTO agent_definitions (id, display_name, docker_image, command, args, required_env_vars, capabilities, runtime)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			display_name = excluded.display_name,
			docker_image = excluded.docker_image,
			command = excluded.command,
			args = excluded.args,
			required_env_vars = excluded.required_env_vars,
			capabilities = excluded.capabilities,
			runtime = excluded.runtime
	`, a.ID, a.DisplayName, a.DockerImage, a.Command, marshalStrings(a.Args),
		string(envVars), string(caps), string(a.Runtime))
	if err != nil {
		return fmt.Errorf("save agent definition: %w", err)
	}
	return nil
}

// GetAgentDefinition retrieves an agent definition by ID.
// Returns (nil, nil) when absent.
func (s *Store) GetAgentDefinition(ctx context.Context, id string) (*task.AgentDefinition, error) {
	row := s.QueryRow(ctx, `
		SELECT id, display_name, docker_image, command, args, required_env_vars, capabilities, runtime
		FROM agent_definitions WHERE id = ?
	`, id)
	a, err := scanAgent(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("get agent definition %s: %w", id, err)
	}
	return a, nil
}

// ListAgentDefinitions returns all agent definitions.
func (s *Store) ListAgentDefinitions(ctx context.Context) ([]task.AgentDefinition, error) {
	rows, err := s.Query(ctx, `
		SELECT id, display_name, docker_image, command, args, required_env_vars, capabilities, runtime
		FROM agent_definitions ORDER BY id
	`)
	if err != nil {
		if IsMissingSchema(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("list agent definitions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var agents []task.AgentDefinition
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan agent definition: %w", err)
		}
		agents = append(agents, *a)
	}
	return agents, rows.Err()
}

// AgentDefinitionsExist verifies every id refers to a stored definition.
// Returns the first missing id, or "" when all exist.
func (s *Store) AgentDefinitionsExist(ctx context.Context, ids []string) (string, error) {
	for _, id := range ids {
		a, err := s.GetAgentDefinition(ctx, id)
		if err != nil {
			return "", err
		}
		if a == nil {
			return id, nil
		}
	}
	return "", nil
}

func scanAgent(row rowScanner) (*task.AgentDefinition, error) {
	var a task.AgentDefinition
	var args, envVars, caps, runtime string

	if err := row.Scan(&a.ID, &a.DisplayName, &a.DockerImage, &a.Command, &args, &envVars, &caps, &runtime); err != nil {
		return nil, err
	}
	a.Args = unmarshalStrings(args)
	a.Runtime = task.Runtime(runtime)
	_ = json.Unmarshal([]byte(envVars), &a.RequiredEnvVars)
	_ = json.Unmarshal([]byte(caps), &a.Capabilities)
	return &a, nil
}
