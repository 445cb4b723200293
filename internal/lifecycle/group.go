package lifecycle

import (
	"context"

	camerrors "github.com/camctl/cam/internal/errors"
	"github.com/camctl/cam/internal/events"
	"github.com/camctl/cam/internal/task"
)

// CancelGroup cancels every non-terminal task in the group.
func (s *Service) CancelGroup(ctx context.Context, groupID, reason, actor string) ([]task.Task, error) {
	tasks, err := s.store.TasksByGroup(ctx, groupID)
	if err != nil {
		return nil, camerrors.Internal(err)
	}
	if len(tasks) == 0 {
		return nil, camerrors.NotFound("task group", groupID)
	}

	var cancelled []task.Task
	for _, t := range tasks {
		if t.Status.IsTerminal() {
			continue
		}
		updated, err := s.Cancel(ctx, t.ID, reason, actor)
		if err != nil {
			s.logger.Warn("group cancel: task cancel failed", "taskId", t.ID, "error", err)
			continue
		}
		cancelled = append(cancelled, *updated)
	}

	s.emitter.Emit(ctx, events.Event{
		Type:    events.TaskGroupCancelled,
		Actor:   actor,
		GroupID: groupID,
		Payload: map[string]any{
			"groupId":        groupID,
			"reason":         reason,
			"cancelledCount": len(cancelled),
		},
	})
	return cancelled, nil
}

// RerunFailed requeues every failed or cancelled task in the group.
func (s *Service) RerunFailed(ctx context.Context, groupID, feedback, actor string) ([]task.Task, error) {
	tasks, err := s.store.TasksByGroup(ctx, groupID)
	if err != nil {
		return nil, camerrors.Internal(err)
	}
	if len(tasks) == 0 {
		return nil, camerrors.NotFound("task group", groupID)
	}

	var rerun []task.Task
	for _, t := range tasks {
		if t.Status != task.StatusFailed && t.Status != task.StatusCancelled {
			continue
		}
		updated, err := s.Rerun(ctx, t.ID, feedback, actor)
		if err != nil {
			s.logger.Warn("group rerun: task rerun failed", "taskId", t.ID, "error", err)
			continue
		}
		rerun = append(rerun, *updated)
	}

	s.emitter.Emit(ctx, events.Event{
		Type:    events.TaskGroupRerunFailed,
		Actor:   actor,
		GroupID: groupID,
		Payload: map[string]any{
			"groupId":     groupID,
			"rerunCount":  len(rerun),
			"hasFeedback": feedback != "",
		},
	})
	return rerun, nil
}

// RestartFrom resets the dependency closure downstream of fromTaskID
// (inclusive) within a group. Refuses when any task in the closure is
// running. The root requeues immediately iff its upstream dependencies
// are all complete; every other closure task parks in waiting until the
// graph catches up.
func (s *Service) RestartFrom(ctx context.Context, groupID, fromTaskID, feedback, actor string) ([]task.Task, error) {
	tasks, err := s.store.TasksByGroup(ctx, groupID)
	if err != nil {
		return nil, camerrors.Internal(err)
	}
	if len(tasks) == 0 {
		return nil, camerrors.NotFound("task group", groupID)
	}

	byID := make(map[string]*task.Task, len(tasks))
	for i := range tasks {
		byID[tasks[i].ID] = &tasks[i]
	}
	root, ok := byID[fromTaskID]
	if !ok {
		return nil, camerrors.NotFound("task", fromTaskID).WithExtra(map[string]any{"groupId": groupID})
	}

	closure := downstreamClosure(tasks, fromTaskID)

	var runningIDs []string
	for _, id := range closure {
		if byID[id].Status == task.StatusRunning {
			runningIDs = append(runningIDs, id)
		}
	}
	if len(runningIDs) > 0 {
		return nil, camerrors.StateConflict("closure contains running tasks", "").
			WithExtra(map[string]any{"runningTaskIds": runningIDs})
	}

	// Root requeues only when everything upstream of it already landed.
	rootTarget := task.StatusWaiting
	upstream, err := s.store.TaskStatuses(ctx, root.DependsOn)
	if err != nil {
		return nil, camerrors.Internal(err)
	}
	rootReady := true
	for _, depID := range root.DependsOn {
		if upstream[depID] != task.StatusCompleted {
			rootReady = false
			break
		}
	}
	if rootReady {
		rootTarget = task.StatusQueued
	}

	notRunning := []task.Status{
		task.StatusDraft, task.StatusQueued, task.StatusWaiting,
		task.StatusAwaitingReview, task.StatusCompleted, task.StatusFailed, task.StatusCancelled,
	}

	var restarted []task.Task
	for _, id := range closure {
		target := task.StatusWaiting
		if id == fromTaskID {
			target = rootTarget
		}

		var previous task.Status
		updated, swapped, err := s.store.CASUpdateTask(ctx, id, notRunning, func(t *task.Task) error {
			previous = t.Status
			if previous.IsTerminal() || previous == task.StatusAwaitingReview {
				t.RetryCount++
				if t.RetryCount > t.MaxRetries {
					t.MaxRetries = t.RetryCount
				}
			}
			t.ClearTransient()
			if feedback != "" && id == fromTaskID {
				t.Feedback = feedback
			}
			now := task.Now()
			if target == task.StatusQueued {
				t.QueuedAt = &now
			}
			t.Status = target
			return nil
		})
		if err != nil {
			return nil, camerrors.Internal(err)
		}
		if updated == nil || !swapped {
			s.logger.Warn("restart-from: task moved concurrently", "taskId", id)
			continue
		}
		s.emit(ctx, statusEvent(target), updated, actor, map[string]any{
			"previousStatus": string(previous),
			"restartFrom":    fromTaskID,
		})
		restarted = append(restarted, *updated)
	}

	s.emitter.Emit(ctx, events.Event{
		Type:    events.TaskGroupRestartFrom,
		Actor:   actor,
		GroupID: groupID,
		Payload: map[string]any{
			"groupId":        groupID,
			"fromTaskId":     fromTaskID,
			"restartedCount": len(restarted),
		},
	})
	return restarted, nil
}

// downstreamClosure returns fromID plus every task reachable by
// following dependsOn edges downstream, in BFS order.
func downstreamClosure(tasks []task.Task, fromID string) []string {
	dependents := make(map[string][]string)
	for _, t := range tasks {
		for _, dep := range t.DependsOn {
			dependents[dep] = append(dependents[dep], t.ID)
		}
	}

	seen := map[string]bool{fromID: true}
	order := []string{fromID}
	queue := []string{fromID}
	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]
		for _, next := range dependents[current] {
			if seen[next] {
				continue
			}
			seen[next] = true
			order = append(order, next)
			queue = append(queue, next)
		}
	}
	return order
}
