package lifecycle

import (
	"context"

	camerrors "github.com/camctl/cam/internal/errors"
	"github.com/camctl/cam/internal/events"
	"github.com/camctl/cam/internal/task"
)

// legalTransitions is the state machine: observed status → statuses a
// direct status write may move to. Cancel, rerun, and restart-from have
// their own primitives and do not consult this table.
var legalTransitions = map[task.Status][]task.Status{
	task.StatusDraft:          {task.StatusQueued},
	task.StatusQueued:         {task.StatusWaiting, task.StatusRunning},
	task.StatusWaiting:        {task.StatusQueued, task.StatusRunning},
	task.StatusRunning:        {task.StatusCompleted, task.StatusFailed, task.StatusAwaitingReview},
	task.StatusAwaitingReview: {task.StatusCompleted, task.StatusFailed, task.StatusQueued},
}

func transitionAllowed(from, to task.Status) bool {
	for _, next := range legalTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// statusEvent maps a landed status to its audit event type.
func statusEvent(to task.Status) events.Type {
	switch to {
	case task.StatusQueued:
		return events.TaskQueued
	case task.StatusWaiting:
		return events.TaskWaiting
	case task.StatusRunning:
		return events.TaskStarted
	case task.StatusCompleted:
		return events.TaskCompleted
	case task.StatusFailed:
		return events.TaskFailed
	case task.StatusCancelled:
		return events.TaskCancelled
	default:
		return events.TaskUpdated
	}
}

// stampTransition applies the timestamp and worker-binding invariants
// for a status move.
func stampTransition(t *task.Task, to task.Status) {
	now := task.Now()
	switch to {
	case task.StatusQueued:
		if t.QueuedAt == nil {
			t.QueuedAt = &now
		}
	case task.StatusRunning:
		t.StartedAt = &now
	case task.StatusCompleted, task.StatusFailed, task.StatusAwaitingReview:
		t.CompletedAt = &now
	}
	// assignedWorkerId is non-empty only while running.
	if to != task.StatusRunning {
		t.AssignedWorkerID = ""
	}
	t.Status = to
}

// Publish moves a draft task into the queue.
func (s *Service) Publish(ctx context.Context, id, actor string) (*task.Task, error) {
	updated, swapped, err := s.store.CASUpdateTask(ctx, id, []task.Status{task.StatusDraft}, func(t *task.Task) error {
		now := task.Now()
		t.QueuedAt = &now
		t.Status = task.StatusQueued
		return nil
	})
	if err != nil {
		return nil, camerrors.Internal(err)
	}
	if updated == nil {
		return nil, camerrors.NotFound("task", id)
	}
	if !swapped {
		return nil, camerrors.StateConflict("task is not a draft", string(updated.Status))
	}
	s.emit(ctx, events.TaskQueued, updated, actor, map[string]any{"previousStatus": string(task.StatusDraft)})
	return updated, nil
}

// Demote parks a queued task whose dependencies are not yet complete.
// The event fires only when this call performed the move, so repeated
// demotions of the same task emit task.waiting once.
func (s *Service) Demote(ctx context.Context, id string) (*task.Task, error) {
	updated, swapped, err := s.store.CASUpdateTask(ctx, id, []task.Status{task.StatusQueued}, func(t *task.Task) error {
		t.Status = task.StatusWaiting
		return nil
	})
	if err != nil {
		return nil, camerrors.Internal(err)
	}
	if updated == nil {
		return nil, camerrors.NotFound("task", id)
	}
	if swapped {
		s.emit(ctx, events.TaskWaiting, updated, "", map[string]any{"previousStatus": string(task.StatusQueued)})
	}
	return updated, nil
}

// Promote returns a waiting task to the queue once its dependencies all
// completed.
func (s *Service) Promote(ctx context.Context, id string) (*task.Task, error) {
	updated, swapped, err := s.store.CASUpdateTask(ctx, id, []task.Status{task.StatusWaiting}, func(t *task.Task) error {
		t.Status = task.StatusQueued
		return nil
	})
	if err != nil {
		return nil, camerrors.Internal(err)
	}
	if updated == nil {
		return nil, camerrors.NotFound("task", id)
	}
	if swapped {
		s.emit(ctx, events.TaskQueued, updated, "", map[string]any{"previousStatus": string(task.StatusWaiting)})
	}
	return updated, nil
}

// TaskPatch is a partial update. Nil fields are left untouched.
type TaskPatch struct {
	Title            *string      `json:"title"`
	Description      *string      `json:"description"`
	Status           *task.Status `json:"status"`
	Summary          *string      `json:"summary"`
	LogFileURL       *string      `json:"logFileUrl"`
	Feedback         *string      `json:"feedback"`
	PRURL            *string      `json:"prUrl"`
	ReviewComment    *string      `json:"reviewComment"`
	AssignedWorkerID *string      `json:"assignedWorkerId"`
}

func (p *TaskPatch) applyFields(t *task.Task) {
	if p.Title != nil {
		t.Title = *p.Title
	}
	if p.Description != nil {
		t.Description = *p.Description
	}
	if p.Summary != nil {
		t.Summary = *p.Summary
	}
	if p.LogFileURL != nil {
		t.LogFileURL = *p.LogFileURL
	}
	if p.Feedback != nil {
		t.Feedback = *p.Feedback
	}
	if p.PRURL != nil {
		t.PRURL = *p.PRURL
	}
	if p.ReviewComment != nil {
		t.ReviewComment = *p.ReviewComment
	}
	if p.AssignedWorkerID != nil {
		t.AssignedWorkerID = *p.AssignedWorkerID
	}
}

// Update applies a partial update. A requested status change is CAS'd
// against the observed status and validated against the state machine.
// Cancelled is a sink: patches against a cancelled task succeed without
// changing anything, so a late executor write after a cancel is silently
// discarded.
func (s *Service) Update(ctx context.Context, id string, patch TaskPatch, actor string) (*task.Task, error) {
	current, err := s.getTask(ctx, id)
	if err != nil {
		return nil, err
	}

	if current.Status == task.StatusCancelled {
		return current, nil
	}

	var requested *task.Status
	if patch.Status != nil && *patch.Status != current.Status {
		to := *patch.Status
		if !task.IsValidStatus(to) {
			return nil, camerrors.InvalidInput("invalid status %q", to)
		}
		if to == task.StatusCancelled {
			// Route through the cancel primitive so the cascade and
			// executor signal happen.
			return s.Cancel(ctx, id, "", actor)
		}
		if !transitionAllowed(current.Status, to) {
			return nil, camerrors.StateConflict(
				"transition to "+string(to)+" not allowed", string(current.Status))
		}
		requested = &to
	}

	updated, swapped, err := s.store.CASUpdateTask(ctx, id, []task.Status{current.Status}, func(t *task.Task) error {
		patch.applyFields(t)
		if requested != nil {
			stampTransition(t, *requested)
		}
		return nil
	})
	if err != nil {
		return nil, camerrors.Internal(err)
	}
	if updated == nil {
		return nil, camerrors.NotFound("task", id)
	}
	if !swapped {
		if updated.Status == task.StatusCancelled {
			return updated, nil
		}
		return nil, camerrors.StateConflict("task changed concurrently", string(updated.Status))
	}

	if requested != nil {
		s.emit(ctx, statusEvent(*requested), updated, actor, map[string]any{
			"previousStatus": string(current.Status),
		})
		if current.Status == task.StatusRunning {
			s.releaseWorker(ctx, current.AssignedWorkerID, *requested == task.StatusFailed)
		}
		if *requested == task.StatusAwaitingReview {
			s.EnsurePR(ctx, updated)
			if refreshed, err := s.store.GetTask(ctx, id); err == nil && refreshed != nil {
				updated = refreshed
			}
		}
		if *requested == task.StatusCompleted {
			s.promoteDependents(ctx, updated)
		}
	} else {
		s.emit(ctx, events.TaskUpdated, updated, actor, nil)
	}
	return updated, nil
}

// Cancel moves any non-terminal task to cancelled and cascades to
// downstream queued/waiting tasks. Idempotent: cancelling a terminal
// task returns it unchanged.
func (s *Service) Cancel(ctx context.Context, id, reason, actor string) (*task.Task, error) {
	nonTerminal := []task.Status{
		task.StatusDraft, task.StatusQueued, task.StatusWaiting,
		task.StatusRunning, task.StatusAwaitingReview,
	}

	var previous task.Status
	var boundWorker string
	updated, swapped, err := s.store.CASUpdateTask(ctx, id, nonTerminal, func(t *task.Task) error {
		previous = t.Status
		boundWorker = t.AssignedWorkerID
		now := task.Now()
		t.CompletedAt = &now
		t.AssignedWorkerID = ""
		t.Status = task.StatusCancelled
		return nil
	})
	if err != nil {
		return nil, camerrors.Internal(err)
	}
	if updated == nil {
		return nil, camerrors.NotFound("task", id)
	}
	if !swapped {
		// Already terminal: success without change.
		return updated, nil
	}

	payload := map[string]any{"previousStatus": string(previous)}
	if reason != "" {
		payload["reason"] = reason
	}
	s.emit(ctx, events.TaskCancelled, updated, actor, payload)

	if previous == task.StatusRunning {
		if err := s.executor.Signal(ctx, id); err != nil {
			s.logger.Warn("executor signal failed", "taskId", id, "error", err)
		}
		// A cancel is neither the worker's success nor its failure, so
		// the unbind leaves the completion counters alone.
		if boundWorker != "" {
			if err := s.store.UnbindWorker(ctx, boundWorker); err != nil {
				s.logger.Warn("unbind worker failed", "workerId", boundWorker, "error", err)
			}
		}
	}

	if updated.Source == task.SourceScheduler {
		s.cascadeCancel(ctx, id, actor)
	}
	return updated, nil
}

// cascadeCancel cancels every queued or waiting task reachable in the
// dependents graph from the root. The walk crosses tasks it cannot
// cancel (draft, running, terminal) so that cancellable tasks behind
// them are still reached; only queued/waiting members are touched.
func (s *Service) cascadeCancel(ctx context.Context, rootID, actor string) {
	visited := map[string]bool{rootID: true}
	frontier := []string{rootID}
	for len(frontier) > 0 {
		fromID := frontier[0]
		frontier = frontier[1:]

		dependents, err := s.store.DependentTasks(ctx, fromID)
		if err != nil {
			s.logger.Warn("cascade cancel: list dependents failed", "taskId", fromID, "error", err)
			continue
		}
		for _, dep := range dependents {
			if visited[dep.ID] {
				continue
			}
			visited[dep.ID] = true
			frontier = append(frontier, dep.ID)

			if dep.Status != task.StatusQueued && dep.Status != task.StatusWaiting {
				continue
			}
			var previous task.Status
			updated, swapped, err := s.store.CASUpdateTask(ctx, dep.ID,
				[]task.Status{task.StatusQueued, task.StatusWaiting}, func(t *task.Task) error {
					previous = t.Status
					now := task.Now()
					t.CompletedAt = &now
					t.AssignedWorkerID = ""
					t.Status = task.StatusCancelled
					return nil
				})
			if err != nil {
				s.logger.Warn("cascade cancel failed", "taskId", dep.ID, "error", err)
				continue
			}
			if updated == nil || !swapped {
				continue
			}
			s.emit(ctx, events.TaskCancelled, updated, actor, map[string]any{
				"previousStatus":    string(previous),
				"cascadeFromTaskId": rootID,
			})
		}
	}
}

// releaseWorker returns the worker bound to a task that just left
// running. failed picks which completion counter the release bumps.
func (s *Service) releaseWorker(ctx context.Context, workerID string, failed bool) {
	if workerID == "" {
		return
	}
	if err := s.store.ReleaseWorker(ctx, workerID, task.WorkerIdle, failed); err != nil {
		s.logger.Warn("release worker failed", "workerId", workerID, "error", err)
	}
}

// Rerun requeues a terminal task for another attempt.
func (s *Service) Rerun(ctx context.Context, id, feedback, actor string) (*task.Task, error) {
	terminal := []task.Status{task.StatusCompleted, task.StatusFailed, task.StatusCancelled}

	var previous task.Status
	updated, swapped, err := s.store.CASUpdateTask(ctx, id, terminal, func(t *task.Task) error {
		previous = t.Status
		t.RetryCount++
		if t.RetryCount > t.MaxRetries {
			t.MaxRetries = t.RetryCount
		}
		t.ClearTransient()
		if feedback != "" {
			t.Feedback = feedback
		}
		now := task.Now()
		t.QueuedAt = &now
		t.Status = task.StatusQueued
		return nil
	})
	if err != nil {
		return nil, camerrors.Internal(err)
	}
	if updated == nil {
		return nil, camerrors.NotFound("task", id)
	}
	if !swapped {
		return nil, camerrors.StateConflict("rerun requires a finished task", string(updated.Status))
	}

	s.emit(ctx, events.TaskRerunRequested, updated, actor, map[string]any{
		"previousStatus": string(previous),
		"retryCount":     updated.RetryCount,
	})
	return updated, nil
}

// FinishSuccess moves a running task to completed, or awaiting_review
// when review is requested.
func (s *Service) FinishSuccess(ctx context.Context, id, summary string, review bool, actor string) (*task.Task, error) {
	to := task.StatusCompleted
	if review {
		to = task.StatusAwaitingReview
	}
	patch := TaskPatch{Status: &to}
	if summary != "" {
		patch.Summary = &summary
	}
	return s.Update(ctx, id, patch, actor)
}

// FinishFail moves a running task to failed.
func (s *Service) FinishFail(ctx context.Context, id, reason, actor string) (*task.Task, error) {
	failed := task.StatusFailed
	patch := TaskPatch{Status: &failed}
	if reason != "" {
		patch.Summary = &reason
	}
	return s.Update(ctx, id, patch, actor)
}

// promoteDependents promotes waiting dependents whose dependencies are
// now all complete. Called after a task lands in completed.
func (s *Service) promoteDependents(ctx context.Context, completed *task.Task) {
	dependents, err := s.store.DependentTasks(ctx, completed.ID)
	if err != nil {
		s.logger.Warn("promote dependents: list failed", "taskId", completed.ID, "error", err)
		return
	}
	for _, dep := range dependents {
		if dep.Status != task.StatusWaiting {
			continue
		}
		statuses, err := s.store.TaskStatuses(ctx, dep.DependsOn)
		if err != nil {
			s.logger.Warn("promote dependents: status lookup failed", "taskId", dep.ID, "error", err)
			continue
		}
		ready := true
		for _, depID := range dep.DependsOn {
			if statuses[depID] != task.StatusCompleted {
				ready = false
				break
			}
		}
		if !ready {
			continue
		}
		if _, err := s.Promote(ctx, dep.ID); err != nil {
			s.logger.Warn("promote dependent failed", "taskId", dep.ID, "error", err)
		}
	}
}
