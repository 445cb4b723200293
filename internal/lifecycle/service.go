// Package lifecycle implements the task state machine: every status
// mutation in the system goes through this package's CAS-guarded
// primitives, which emit exactly one audit event per successful
// transition.
package lifecycle

import (
	"context"
	"log/slog"
	"time"

	"github.com/camctl/cam/internal/db"
	camerrors "github.com/camctl/cam/internal/errors"
	"github.com/camctl/cam/internal/events"
	"github.com/camctl/cam/internal/executor"
	"github.com/camctl/cam/internal/hosting"
	"github.com/camctl/cam/internal/secret"
	"github.com/camctl/cam/internal/task"
)

// ProviderFactory builds a hosting provider for a repo URL. Injectable
// so tests can substitute a fake without HTTP.
type ProviderFactory func(repoURL string, cfg hosting.Config) (hosting.Provider, error)

// Service owns the task state machine.
type Service struct {
	store     *db.Store
	emitter   events.Emitter
	executor  executor.Executor
	secrets   secret.Resolver
	providers ProviderFactory
	logger    *slog.Logger

	// gitProvider forces provider detection (CAM_GIT_PROVIDER).
	gitProvider string
	// staleTimeout bounds how old a heartbeat may be for a worker to
	// count as live in capability checks.
	staleTimeout time.Duration
}

// Option configures the Service.
type Option func(*Service)

// WithExecutor plugs in the agent executor adapter.
func WithExecutor(ex executor.Executor) Option {
	return func(s *Service) { s.executor = ex }
}

// WithSecretResolver plugs in the credential resolver.
func WithSecretResolver(r secret.Resolver) Option {
	return func(s *Service) { s.secrets = r }
}

// WithProviderFactory overrides how hosting providers are constructed.
func WithProviderFactory(f ProviderFactory) Option {
	return func(s *Service) { s.providers = f }
}

// WithGitProvider forces the hosting provider type for all repos.
func WithGitProvider(provider string) Option {
	return func(s *Service) { s.gitProvider = provider }
}

// WithStaleTimeout sets the worker liveness threshold.
func WithStaleTimeout(d time.Duration) Option {
	return func(s *Service) { s.staleTimeout = d }
}

// New creates a lifecycle service.
func New(store *db.Store, emitter events.Emitter, logger *slog.Logger, opts ...Option) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Service{
		store:        store,
		emitter:      emitter,
		executor:     executor.Noop{},
		secrets:      secret.NewStoreResolver(store),
		providers:    hosting.NewProvider,
		logger:       logger,
		staleTimeout: 90 * time.Second,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Store exposes the underlying store for read paths.
func (s *Service) Store() *db.Store {
	return s.store
}

// StaleTimeout returns the worker liveness threshold.
func (s *Service) StaleTimeout() time.Duration {
	return s.staleTimeout
}

// getTask loads a task or returns NOT_FOUND.
func (s *Service) getTask(ctx context.Context, id string) (*task.Task, error) {
	t, err := s.store.GetTask(ctx, id)
	if err != nil {
		return nil, camerrors.Internal(err)
	}
	if t == nil {
		return nil, camerrors.NotFound("task", id)
	}
	return t, nil
}

// emit publishes one audit event for a transition.
func (s *Service) emit(ctx context.Context, typ events.Type, t *task.Task, actor string, payload map[string]any) {
	if payload == nil {
		payload = map[string]any{}
	}
	payload["taskId"] = t.ID
	s.emitter.Emit(ctx, events.Event{
		Type:    typ,
		Actor:   actor,
		TaskID:  t.ID,
		GroupID: t.GroupID,
		Payload: payload,
	})
}

// EmitCreated publishes the creation event for a task the caller just
// stored.
func (s *Service) EmitCreated(ctx context.Context, t *task.Task, actor string) {
	s.emit(ctx, events.TaskCreated, t, actor, map[string]any{
		"status": string(t.Status),
	})
	if t.Status == task.StatusQueued {
		s.emit(ctx, events.TaskQueued, t, actor, map[string]any{
			"previousStatus": string(task.StatusDraft),
		})
	}
}

// CheckCapability verifies that every env var an agent requires is
// either resolvable by the API process (secret store or env) or covered
// by at least one live worker supporting the agent. Returns the names
// that nothing covers.
func (s *Service) CheckCapability(ctx context.Context, agentDefinitionID string) ([]string, error) {
	agent, err := s.store.GetAgentDefinition(ctx, agentDefinitionID)
	if err != nil {
		return nil, camerrors.Internal(err)
	}
	if agent == nil {
		return nil, camerrors.NotFound("agent definition", agentDefinitionID)
	}

	required := agent.RequiredNames()
	if len(required) == 0 {
		return nil, nil
	}

	cutoff := task.Now().Add(-s.staleTimeout)
	workers, err := s.store.LiveWorkersSupporting(ctx, agentDefinitionID, cutoff)
	if err != nil {
		return nil, camerrors.Internal(err)
	}
	reported := map[string]bool{}
	for _, w := range workers {
		for _, name := range w.ReportedEnvVars {
			reported[name] = true
		}
	}

	scope := secret.Scope{AgentDefinitionID: agentDefinitionID}
	var uncovered []string
	for _, name := range required {
		if reported[name] {
			continue
		}
		if _, found, err := s.secrets.Resolve(ctx, name, scope); err != nil {
			return nil, camerrors.Internal(err)
		} else if found {
			continue
		}
		uncovered = append(uncovered, name)
	}
	return uncovered, nil
}
