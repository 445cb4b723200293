// Package registry manages the worker pool: registration, heartbeats,
// manual drain/offline/activate, and the task reclaim policy shared
// with the recovery loop.
package registry

import (
	"context"
	"log/slog"

	"github.com/camctl/cam/internal/db"
	camerrors "github.com/camctl/cam/internal/errors"
	"github.com/camctl/cam/internal/events"
	"github.com/camctl/cam/internal/task"
)

// ReasonOfflineManual marks tasks reclaimed by a manual offline.
const ReasonOfflineManual = "worker_offline_manual"

// ReasonWorkerStale marks tasks reclaimed by the recovery loop.
const ReasonWorkerStale = "worker_stale"

// Registry is the worker pool manager.
type Registry struct {
	store   *db.Store
	emitter events.Emitter
	logger  *slog.Logger
}

// New creates a registry.
func New(store *db.Store, emitter events.Emitter, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{store: store, emitter: emitter, logger: logger}
}

// RegisterRequest is a worker's registration payload.
type RegisterRequest struct {
	ID                string   `json:"id"`
	Name              string   `json:"name"`
	SupportedAgentIDs []string `json:"supportedAgentIds"`
	MaxConcurrent     int      `json:"maxConcurrent"`
	Mode              string   `json:"mode,omitempty"`
	ReportedEnvVars   []string `json:"reportedEnvVars,omitempty"`
}

// Register upserts a worker. A re-registering worker keeps its counters
// and uptime; a new one starts idle from now.
func (r *Registry) Register(ctx context.Context, req RegisterRequest, actor string) (*task.Worker, error) {
	if req.ID == "" {
		return nil, camerrors.InvalidInput("worker id is required")
	}
	if req.Name == "" {
		req.Name = req.ID
	}
	if req.MaxConcurrent <= 0 {
		req.MaxConcurrent = 1
	}
	mode := task.WorkerMode(req.Mode)
	switch mode {
	case task.WorkerModeDaemon, task.WorkerModeTask:
	case "":
		mode = task.WorkerModeUnknown
	default:
		return nil, camerrors.InvalidInput("invalid worker mode %q", req.Mode)
	}

	existing, err := r.store.GetWorker(ctx, req.ID)
	if err != nil {
		return nil, camerrors.Internal(err)
	}

	now := task.Now()
	w := &task.Worker{
		ID:                req.ID,
		Name:              req.Name,
		SupportedAgentIDs: req.SupportedAgentIDs,
		MaxConcurrent:     req.MaxConcurrent,
		Mode:              mode,
		Status:            task.WorkerIdle,
		LastHeartbeatAt:   now,
		ReportedEnvVars:   req.ReportedEnvVars,
		UptimeSince:       now,
	}
	if existing != nil {
		w.TotalTasksCompleted = existing.TotalTasksCompleted
		w.TotalTasksFailed = existing.TotalTasksFailed
		w.UptimeSince = existing.UptimeSince
	}
	if err := r.store.SaveWorker(ctx, w); err != nil {
		return nil, camerrors.Internal(err)
	}

	r.emitter.Emit(ctx, events.Event{
		Type:  events.WorkerRegistered,
		Actor: actor,
		Payload: map[string]any{
			"workerId":          w.ID,
			"supportedAgentIds": w.SupportedAgentIDs,
			"reregistered":      existing != nil,
		},
	})
	return w, nil
}

// HeartbeatRequest is a worker's periodic status report.
type HeartbeatRequest struct {
	Status        string  `json:"status,omitempty"`
	CurrentTaskID string  `json:"currentTaskId,omitempty"`
	CPUUsage      float64 `json:"cpuUsage,omitempty"`
	MemoryUsageMB float64 `json:"memoryUsageMb,omitempty"`
	LogTail       string  `json:"logTail,omitempty"`
}

// Heartbeat refreshes lastHeartbeatAt unconditionally. A reported log
// tail is appended to the current task's log.
func (r *Registry) Heartbeat(ctx context.Context, id string, req HeartbeatRequest) (*task.Worker, error) {
	w, err := r.store.GetWorker(ctx, id)
	if err != nil {
		return nil, camerrors.Internal(err)
	}
	if w == nil {
		return nil, camerrors.NotFound("worker", id)
	}

	now := task.Now()
	currentTaskID := w.CurrentTaskID
	if req.CurrentTaskID != "" {
		currentTaskID = req.CurrentTaskID
	}
	if err := r.store.TouchWorkerHeartbeat(ctx, id, now, currentTaskID); err != nil {
		return nil, camerrors.Internal(err)
	}

	// A self-reported status moves the row, but never out of a manual
	// offline: only activate does that.
	if reported := task.WorkerStatus(req.Status); req.Status != "" &&
		task.IsValidWorkerStatus(reported) && w.Status != task.WorkerOffline && reported != w.Status {
		if err := r.store.SetWorkerStatus(ctx, id, reported, false); err != nil {
			return nil, camerrors.Internal(err)
		}
		w.Status = reported
	}

	if req.LogTail != "" && currentTaskID != "" {
		if err := r.store.AppendTaskLog(ctx, currentTaskID, req.LogTail, now); err != nil {
			r.logger.Warn("append heartbeat log tail", "workerId", id, "taskId", currentTaskID, "error", err)
		}
	}

	w.LastHeartbeatAt = now
	w.CurrentTaskID = currentTaskID
	return w, nil
}

// Drain stops new work for the worker; its current task runs on.
func (r *Registry) Drain(ctx context.Context, id, actor string) (*task.Worker, error) {
	return r.setStatus(ctx, id, actor, task.WorkerDraining, events.WorkerDraining, false)
}

// Activate returns a worker to idle.
func (r *Registry) Activate(ctx context.Context, id, actor string) (*task.Worker, error) {
	return r.setStatus(ctx, id, actor, task.WorkerIdle, events.WorkerActivated, true)
}

// Offline takes the worker out of the pool and reclaims every running
// task assigned to it.
func (r *Registry) Offline(ctx context.Context, id, actor string) (*task.Worker, error) {
	w, err := r.setStatus(ctx, id, actor, task.WorkerOffline, events.WorkerOffline, true)
	if err != nil {
		return nil, err
	}
	if err := r.ReclaimTasks(ctx, id, ReasonOfflineManual, actor); err != nil {
		return nil, err
	}
	return w, nil
}

func (r *Registry) setStatus(ctx context.Context, id, actor string, to task.WorkerStatus, event events.Type, clearTask bool) (*task.Worker, error) {
	w, err := r.store.GetWorker(ctx, id)
	if err != nil {
		return nil, camerrors.Internal(err)
	}
	if w == nil {
		return nil, camerrors.NotFound("worker", id)
	}
	if err := r.store.SetWorkerStatus(ctx, id, to, clearTask); err != nil {
		return nil, camerrors.Internal(err)
	}

	previous := w.Status
	w.Status = to
	if clearTask {
		w.CurrentTaskID = ""
	}
	r.emitter.Emit(ctx, events.Event{
		Type:  event,
		Actor: actor,
		Payload: map[string]any{
			"workerId":       id,
			"previousStatus": string(previous),
		},
	})
	return w, nil
}

// ReclaimTasks requeues every running scheduler task assigned to the
// worker: retryCount bumps while below maxRetries, overflowing tasks
// fail with the given reason. Shared by manual offline and the
// recovery loop.
func (r *Registry) ReclaimTasks(ctx context.Context, workerID, reason, actor string) error {
	running, err := r.store.RunningTasksForWorker(ctx, workerID)
	if err != nil {
		return camerrors.Internal(err)
	}

	for i := range running {
		var requeued bool
		updated, swapped, err := r.store.CASUpdateTask(ctx, running[i].ID, []task.Status{task.StatusRunning}, func(t *task.Task) error {
			now := task.Now()
			t.AssignedWorkerID = ""
			if t.RetryCount < t.MaxRetries {
				requeued = true
				t.RetryCount++
				t.ClearTransient()
				t.QueuedAt = &now
				t.Status = task.StatusQueued
				return nil
			}
			t.Summary = reason
			t.CompletedAt = &now
			t.Status = task.StatusFailed
			return nil
		})
		if err != nil {
			r.logger.Warn("reclaim task", "taskId", running[i].ID, "error", err)
			continue
		}
		if updated == nil || !swapped {
			continue
		}

		eventType := events.TaskFailed
		if requeued {
			eventType = events.TaskQueued
		}
		r.emitter.Emit(ctx, events.Event{
			Type:    eventType,
			Actor:   actor,
			TaskID:  updated.ID,
			GroupID: updated.GroupID,
			Payload: map[string]any{
				"taskId":         updated.ID,
				"previousStatus": string(task.StatusRunning),
				"reason":         reason,
				"workerId":       workerID,
				"retryCount":     updated.RetryCount,
			},
		})
	}
	return nil
}
