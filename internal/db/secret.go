package db

import (
	"context"
	"database/sql"
	"fmt"
)

// Secret is one stored credential, scoped by zero or more of agent
// definition, repository id, and repo URL. An empty scope column means
// the secret applies regardless of that dimension.
type Secret struct {
	ID                int64
	Name              string
	Value             string
	AgentDefinitionID string
	RepositoryID      string
	RepoURL           string
}

// SaveSecret creates or replaces a secret at its exact scope.
func (s *Store) SaveSecret(ctx context.Context, sec *Secret) error {
	_, err := s.Exec(ctx, `
		INSERT INTO secrets (name, value, agent_definition_id, repository_id, repo_url)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(name, agent_definition_id, repository_id, repo_url)
		DO UPDATE SET value = excluded.value
	`, sec.Name, sec.Value, sec.AgentDefinitionID, sec.RepositoryID, sec.RepoURL)
	if err != nil {
		return fmt.Errorf("save secret: %w", err)
	}
	return nil
}

// DeleteSecret removes a secret at its exact scope.
func (s *Store) DeleteSecret(ctx context.Context, name, agentDefinitionID, repositoryID, repoURL string) error {
	_, err := s.Exec(ctx, `
		DELETE FROM secrets
		WHERE name = ? AND agent_definition_id = ? AND repository_id = ? AND repo_url = ?
	`, name, agentDefinitionID, repositoryID, repoURL)
	if err != nil {
		return fmt.Errorf("delete secret: %w", err)
	}
	return nil
}

// ListSecrets returns all stored secrets with values redacted.
func (s *Store) ListSecrets(ctx context.Context) ([]Secret, error) {
	rows, err := s.Query(ctx, `
		SELECT id, name, agent_definition_id, repository_id, repo_url
		FROM secrets ORDER BY name, agent_definition_id, repository_id, repo_url
	`)
	if err != nil {
		return nil, fmt.Errorf("list secrets: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var secrets []Secret
	for rows.Next() {
		var sec Secret
		if err := rows.Scan(&sec.ID, &sec.Name, &sec.AgentDefinitionID, &sec.RepositoryID, &sec.RepoURL); err != nil {
			return nil, fmt.Errorf("scan secret: %w", err)
		}
		secrets = append(secrets, sec)
	}
	return secrets, rows.Err()
}

// LookupSecret resolves a secret value by name following scope precedence:
// agent-scoped beats repository-scoped beats repo-URL-scoped beats global.
// Returns ("", false, nil) when nothing matches.
func (s *Store) LookupSecret(ctx context.Context, name, agentDefinitionID, repositoryID, repoURL string) (string, bool, error) {
	scopes := []struct{ column, value string }{
		{"agent_definition_id", agentDefinitionID},
		{"repository_id", repositoryID},
		{"repo_url", repoURL},
	}
	for _, scope := range scopes {
		if scope.value == "" {
			continue
		}
		var value string
		err := s.QueryRow(ctx,
			"SELECT value FROM secrets WHERE name = ? AND "+scope.column+" = ?",
			name, scope.value).Scan(&value)
		if err == nil {
			return value, true, nil
		}
		if err != sql.ErrNoRows {
			return "", false, fmt.Errorf("lookup secret %s: %w", name, err)
		}
	}

	var value string
	err := s.QueryRow(ctx, `
		SELECT value FROM secrets
		WHERE name = ? AND agent_definition_id = '' AND repository_id = '' AND repo_url = ''
	`, name).Scan(&value)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("lookup secret %s: %w", name, err)
	}
	return value, true, nil
}
