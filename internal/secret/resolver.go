// Package secret resolves named credentials against scoped store entries
// with a process environment fallback.
package secret

import (
	"context"
	"os"

	"github.com/camctl/cam/internal/db"
	"github.com/camctl/cam/internal/task"
)

// Scope narrows a lookup. Store entries scoped to the agent definition
// win over repository-scoped entries, which win over repo-URL-scoped
// entries, which win over global entries.
type Scope struct {
	AgentDefinitionID string
	RepositoryID      string
	RepoURL           string
}

// Resolver is the pure lookup surface the core calls: (name, scope) to
// an optional value.
type Resolver interface {
	Resolve(ctx context.Context, name string, scope Scope) (string, bool, error)
}

// StoreResolver resolves against the secrets table first and the process
// environment second.
type StoreResolver struct {
	store *db.Store
}

// NewStoreResolver creates a resolver backed by the given store.
func NewStoreResolver(store *db.Store) *StoreResolver {
	return &StoreResolver{store: store}
}

// Resolve looks the name up at the given scope. Process env is the
// fallback of last resort.
func (r *StoreResolver) Resolve(ctx context.Context, name string, scope Scope) (string, bool, error) {
	if r.store != nil {
		value, found, err := r.store.LookupSecret(ctx, name, scope.AgentDefinitionID, scope.RepositoryID, scope.RepoURL)
		if err != nil {
			return "", false, err
		}
		if found {
			return value, true, nil
		}
	}
	if value, ok := os.LookupEnv(name); ok {
		return value, true, nil
	}
	return "", false, nil
}

// Materialize resolves every declared env var for an agent at the given
// scope. Returns the name-to-value map plus the names of required vars
// that resolved to nothing.
func Materialize(ctx context.Context, r Resolver, vars []task.RequiredEnvVar, scope Scope) (map[string]string, []string, error) {
	env := make(map[string]string, len(vars))
	var missing []string
	for _, v := range vars {
		value, found, err := r.Resolve(ctx, v.Name, scope)
		if err != nil {
			return nil, nil, err
		}
		if found {
			env[v.Name] = value
			continue
		}
		if v.Required {
			missing = append(missing, v.Name)
		}
	}
	return env, missing, nil
}

// Static is a fixed-map resolver for tests.
type Static map[string]string

// Resolve ignores scope and reads the map.
func (s Static) Resolve(_ context.Context, name string, _ Scope) (string, bool, error) {
	v, ok := s[name]
	return v, ok, nil
}

var _ Resolver = (*StoreResolver)(nil)
var _ Resolver = Static(nil)
