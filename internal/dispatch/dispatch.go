// Package dispatch hands queued tasks to polling workers. One call, at
// most one claimed task; correctness under concurrent pollers comes
// from the two CAS writes (task claim, worker bind) and the rollback
// path between them.
package dispatch

import (
	"context"
	"log/slog"
	"strings"

	"github.com/camctl/cam/internal/db"
	camerrors "github.com/camctl/cam/internal/errors"
	"github.com/camctl/cam/internal/events"
	"github.com/camctl/cam/internal/secret"
	"github.com/camctl/cam/internal/task"
)

// DefaultWindow caps how many claimable candidates one poll inspects.
const DefaultWindow = 20

// Assignment is the dispatcher's answer to a worker poll: the claimed
// task, its resolved agent, and the environment the agent runs with.
type Assignment struct {
	Task            *task.Task            `json:"task"`
	AgentDefinition *task.AgentDefinition `json:"agentDefinition"`
	Env             map[string]string     `json:"env"`
}

// Dispatcher claims tasks for workers.
type Dispatcher struct {
	store   *db.Store
	emitter events.Emitter
	secrets secret.Resolver
	logger  *slog.Logger
	window  int
}

// Option configures the Dispatcher.
type Option func(*Dispatcher)

// WithWindow overrides the candidate window size.
func WithWindow(n int) Option {
	return func(d *Dispatcher) {
		if n > 0 {
			d.window = n
		}
	}
}

// WithSecretResolver plugs in the credential resolver.
func WithSecretResolver(r secret.Resolver) Option {
	return func(d *Dispatcher) { d.secrets = r }
}

// New creates a dispatcher.
func New(store *db.Store, emitter events.Emitter, logger *slog.Logger, opts ...Option) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	d := &Dispatcher{
		store:   store,
		emitter: emitter,
		secrets: secret.NewStoreResolver(store),
		logger:  logger,
		window:  DefaultWindow,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

type readiness int

const (
	ready readiness = iota
	pending
	blocked
)

// classify inspects a candidate's dependencies: ready when all landed
// in completed, blocked when any is missing, failed, or cancelled,
// pending otherwise. Returns the blocking ids for the blocked case.
func classify(dependsOn []string, statuses map[string]task.Status) (readiness, []string) {
	var blocking []string
	allDone := true
	for _, id := range dependsOn {
		status, exists := statuses[id]
		if !exists || status == task.StatusFailed || status == task.StatusCancelled {
			blocking = append(blocking, id)
			continue
		}
		if status != task.StatusCompleted {
			allDone = false
		}
	}
	if len(blocking) > 0 {
		return blocked, blocking
	}
	if allDone {
		return ready, nil
	}
	return pending, nil
}

// NextTask claims at most one task for the worker. Returns (nil, nil)
// when the worker is not idle or nothing is claimable.
func (d *Dispatcher) NextTask(ctx context.Context, workerID string) (*Assignment, error) {
	worker, err := d.store.GetWorker(ctx, workerID)
	if err != nil {
		return nil, camerrors.Internal(err)
	}
	if worker == nil {
		return nil, camerrors.NotFound("worker", workerID)
	}
	// Draining, busy, and offline workers receive no new work.
	if worker.Status != task.WorkerIdle {
		return nil, nil
	}

	candidates, err := d.store.ClaimableTasks(ctx, worker.SupportedAgentIDs, d.window)
	if err != nil {
		return nil, camerrors.Internal(err)
	}

	for i := range candidates {
		candidate := &candidates[i]

		statuses, err := d.store.TaskStatuses(ctx, candidate.DependsOn)
		if err != nil {
			return nil, camerrors.Internal(err)
		}
		switch state, blocking := classify(candidate.DependsOn, statuses); state {
		case blocked:
			d.failBlocked(ctx, candidate, blocking)
			continue
		case pending:
			if candidate.Status == task.StatusQueued {
				d.demote(ctx, candidate.ID)
			}
			continue
		}

		claimed := d.claim(ctx, candidate.ID, workerID)
		if claimed == nil {
			// Another poller won the task, or a cancel landed first.
			continue
		}

		bound, err := d.store.BindWorker(ctx, workerID, claimed.ID)
		if err != nil {
			return nil, camerrors.Internal(err)
		}
		if !bound {
			// Another request grabbed the worker between load and bind.
			d.rollback(ctx, claimed.ID)
			continue
		}

		agent, err := d.store.GetAgentDefinition(ctx, claimed.AgentDefinitionID)
		if err != nil {
			return nil, camerrors.Internal(err)
		}
		if agent == nil {
			d.failClaimed(ctx, claimed, "agent_definition_not_found")
			if err := d.store.ReleaseWorker(ctx, workerID, task.WorkerIdle, true); err != nil {
				d.logger.Warn("release worker after missing agent", "workerId", workerID, "error", err)
			}
			continue
		}

		env, missing, err := secret.Materialize(ctx, d.secrets, agent.RequiredEnvVars, secret.Scope{
			AgentDefinitionID: agent.ID,
			RepoURL:           claimed.RepoURL,
		})
		if err != nil {
			return nil, camerrors.Internal(err)
		}
		if len(missing) > 0 {
			// The worker may still cover these from its own env; it
			// advertised them at registration.
			d.logger.Debug("env vars left to the worker", "taskId", claimed.ID, "names", missing)
		}

		d.emitter.Emit(ctx, events.Event{
			Type:    events.TaskStarted,
			Actor:   workerID,
			TaskID:  claimed.ID,
			GroupID: claimed.GroupID,
			Payload: map[string]any{
				"taskId":   claimed.ID,
				"workerId": workerID,
			},
		})
		return &Assignment{Task: claimed, AgentDefinition: agent, Env: env}, nil
	}
	return nil, nil
}

// claim CAS-moves a claimable task to running bound to the worker.
func (d *Dispatcher) claim(ctx context.Context, taskID, workerID string) *task.Task {
	claimable := []task.Status{task.StatusQueued, task.StatusWaiting}
	claimed, swapped, err := d.store.CASUpdateTask(ctx, taskID, claimable, func(t *task.Task) error {
		now := task.Now()
		t.AssignedWorkerID = workerID
		t.StartedAt = &now
		t.Status = task.StatusRunning
		return nil
	})
	if err != nil {
		d.logger.Warn("task claim failed", "taskId", taskID, "error", err)
		return nil
	}
	if claimed == nil || !swapped {
		return nil
	}
	return claimed
}

// rollback returns a just-claimed task to the queue after a lost worker
// bind.
func (d *Dispatcher) rollback(ctx context.Context, taskID string) {
	_, _, err := d.store.CASUpdateTask(ctx, taskID, []task.Status{task.StatusRunning}, func(t *task.Task) error {
		t.AssignedWorkerID = ""
		t.StartedAt = nil
		t.Status = task.StatusQueued
		return nil
	})
	if err != nil {
		d.logger.Warn("claim rollback failed", "taskId", taskID, "error", err)
	}
}

// demote parks a queued candidate whose dependencies are still in
// flight.
func (d *Dispatcher) demote(ctx context.Context, taskID string) {
	updated, swapped, err := d.store.CASUpdateTask(ctx, taskID, []task.Status{task.StatusQueued}, func(t *task.Task) error {
		t.Status = task.StatusWaiting
		return nil
	})
	if err != nil {
		d.logger.Warn("demote failed", "taskId", taskID, "error", err)
		return
	}
	if updated == nil || !swapped {
		return
	}
	d.emitter.Emit(ctx, events.Event{
		Type:    events.TaskWaiting,
		TaskID:  updated.ID,
		GroupID: updated.GroupID,
		Payload: map[string]any{
			"taskId":         updated.ID,
			"previousStatus": string(task.StatusQueued),
		},
	})
}

// failBlocked fails a candidate whose upstream is missing or terminally
// failed. Blocked tasks surface as failures instead of waiting forever.
func (d *Dispatcher) failBlocked(ctx context.Context, candidate *task.Task, blocking []string) {
	claimable := []task.Status{task.StatusQueued, task.StatusWaiting}
	var previous task.Status
	updated, swapped, err := d.store.CASUpdateTask(ctx, candidate.ID, claimable, func(t *task.Task) error {
		previous = t.Status
		now := task.Now()
		t.Summary = "blocked by dependency " + strings.Join(blocking, ", ")
		t.CompletedAt = &now
		t.AssignedWorkerID = ""
		t.Status = task.StatusFailed
		return nil
	})
	if err != nil {
		d.logger.Warn("fail blocked task", "taskId", candidate.ID, "error", err)
		return
	}
	if updated == nil || !swapped {
		return
	}
	d.emitter.Emit(ctx, events.Event{
		Type:    events.TaskDependencyBlocked,
		TaskID:  updated.ID,
		GroupID: updated.GroupID,
		Payload: map[string]any{
			"taskId":          updated.ID,
			"previousStatus":  string(previous),
			"blockingTaskIds": blocking,
		},
	})
}

// failClaimed fails a task that cannot start after the claim landed.
func (d *Dispatcher) failClaimed(ctx context.Context, claimed *task.Task, reason string) {
	updated, swapped, err := d.store.CASUpdateTask(ctx, claimed.ID, []task.Status{task.StatusRunning}, func(t *task.Task) error {
		now := task.Now()
		t.Summary = reason
		t.CompletedAt = &now
		t.AssignedWorkerID = ""
		t.Status = task.StatusFailed
		return nil
	})
	if err != nil || updated == nil || !swapped {
		d.logger.Warn("fail claimed task", "taskId", claimed.ID, "reason", reason, "error", err)
		return
	}
	d.emitter.Emit(ctx, events.Event{
		Type:    events.TaskFailed,
		TaskID:  updated.ID,
		GroupID: updated.GroupID,
		Payload: map[string]any{
			"taskId":         updated.ID,
			"previousStatus": string(task.StatusRunning),
			"reason":         reason,
		},
	})
}
