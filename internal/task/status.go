// Package task provides the task, worker, and template domain model for cam.
package task

// Status represents the current state of a task.
type Status string

const (
	StatusDraft          Status = "draft"
	StatusQueued         Status = "queued"
	StatusWaiting        Status = "waiting"
	StatusRunning        Status = "running"
	StatusAwaitingReview Status = "awaiting_review"
	StatusCompleted      Status = "completed"
	StatusFailed         Status = "failed"
	StatusCancelled      Status = "cancelled"
)

// ValidStatuses returns all valid task status values.
func ValidStatuses() []Status {
	return []Status{
		StatusDraft, StatusQueued, StatusWaiting, StatusRunning,
		StatusAwaitingReview, StatusCompleted, StatusFailed, StatusCancelled,
	}
}

// IsValidStatus returns true if s is a valid task status value.
func IsValidStatus(s Status) bool {
	switch s {
	case StatusDraft, StatusQueued, StatusWaiting, StatusRunning,
		StatusAwaitingReview, StatusCompleted, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// IsTerminal returns true for statuses no transition leaves except
// rerun and restart-from.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// IsClaimable returns true for statuses the dispatcher may claim from.
func (s Status) IsClaimable() bool {
	return s == StatusQueued || s == StatusWaiting
}

// Source identifies where a task came from.
type Source string

const (
	// SourceScheduler marks tasks dispatched to workers.
	SourceScheduler Source = "scheduler"
	// SourceTerminal marks interactive tasks. Invisible to the dispatcher.
	SourceTerminal Source = "terminal"
)

// IsValidSource returns true if s is a valid task source value.
func IsValidSource(s Source) bool {
	return s == SourceScheduler || s == SourceTerminal
}

// WorkerStatus represents the current state of a worker.
type WorkerStatus string

const (
	WorkerIdle     WorkerStatus = "idle"
	WorkerBusy     WorkerStatus = "busy"
	WorkerDraining WorkerStatus = "draining"
	WorkerOffline  WorkerStatus = "offline"
)

// IsValidWorkerStatus returns true if s is a valid worker status value.
func IsValidWorkerStatus(s WorkerStatus) bool {
	switch s {
	case WorkerIdle, WorkerBusy, WorkerDraining, WorkerOffline:
		return true
	default:
		return false
	}
}

// WorkerMode identifies how a worker process runs.
type WorkerMode string

const (
	WorkerModeDaemon  WorkerMode = "daemon"
	WorkerModeTask    WorkerMode = "task"
	WorkerModeUnknown WorkerMode = "unknown"
)

// Runtime identifies the execution environment of an agent.
type Runtime string

const (
	RuntimeNative Runtime = "native"
	RuntimeWSL    Runtime = "wsl"
)
