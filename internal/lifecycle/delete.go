package lifecycle

import (
	"context"

	camerrors "github.com/camctl/cam/internal/errors"
	"github.com/camctl/cam/internal/events"
	"github.com/camctl/cam/internal/executor"
	"github.com/camctl/cam/internal/task"
)

// Delete removes a task and everything hanging off it (logs, dependency
// edges). Refuses while live dependents still reference the task; a
// running task gets its executor session drained before the row goes.
func (s *Service) Delete(ctx context.Context, id, actor string) error {
	t, err := s.getTask(ctx, id)
	if err != nil {
		return err
	}

	dependents, err := s.store.DependentTasks(ctx, id)
	if err != nil {
		return camerrors.Internal(err)
	}
	var live []string
	for _, d := range dependents {
		if !d.Status.IsTerminal() {
			live = append(live, d.ID)
		}
	}
	if len(live) > 0 {
		return camerrors.StateConflict("task has live dependents", string(t.Status)).
			WithExtra(map[string]any{"dependentTaskIds": live})
	}

	if t.Status == task.StatusRunning {
		executor.Drain(ctx, s.executor, id, s.logger)
	}

	if err := s.store.DeleteTaskCascade(ctx, id); err != nil {
		return camerrors.Internal(err)
	}

	s.emitter.Emit(ctx, events.Event{
		Type:    events.TaskDeleted,
		Actor:   actor,
		TaskID:  id,
		GroupID: t.GroupID,
		Payload: map[string]any{
			"taskId":         id,
			"previousStatus": string(t.Status),
		},
	})
	return nil
}
