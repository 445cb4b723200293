// Package events provides the event namespace, in-process pub/sub, and
// the audited emitter for cam.
package events

import (
	"strings"
	"time"
)

// Type is one event name in the closed dotted namespace. Prefix matching
// against the namespace ("task.", "worker.") is how subscribers scope
// their streams.
type Type string

const (
	// Task lifecycle.
	TaskCreated           Type = "task.created"
	TaskUpdated           Type = "task.updated"
	TaskQueued            Type = "task.queued"
	TaskWaiting           Type = "task.waiting"
	TaskStarted           Type = "task.started"
	TaskProgress          Type = "task.progress"
	TaskCompleted         Type = "task.completed"
	TaskFailed            Type = "task.failed"
	TaskCancelled         Type = "task.cancelled"
	TaskDeleted           Type = "task.deleted"
	TaskRerunRequested    Type = "task.rerun_requested"
	TaskDependencyBlocked Type = "task.dependency_blocked"

	// Review and pull requests.
	TaskReviewApproved           Type = "task.review_approved"
	TaskReviewRejected           Type = "task.review_rejected"
	TaskReviewRejectedMaxRetries Type = "task.review_rejected_max_retries"
	TaskPRCreated                Type = "task.pr_created"
	TaskPRSkipped                Type = "task.pr_skipped"
	TaskPRFailed                 Type = "task.pr_failed"

	// Group-scoped mutations.
	TaskGroupCancelled   Type = "task_group.cancelled"
	TaskGroupRestartFrom Type = "task_group.restart_from"
	TaskGroupRerunFailed Type = "task_group.rerun_failed"

	// Pipelines.
	PipelineCreated Type = "pipeline.created"

	// Workers.
	WorkerRegistered Type = "worker.registered"
	WorkerDraining   Type = "worker.draining"
	WorkerOffline    Type = "worker.offline"
	WorkerActivated  Type = "worker.activated"
)

// Event is one broadcast record. The same shape lands in the audit table.
type Event struct {
	ID      string    `json:"id"`
	Type    Type      `json:"type"`
	Actor   string    `json:"actor,omitempty"`
	TaskID  string    `json:"taskId,omitempty"`
	GroupID string    `json:"groupId,omitempty"`
	Payload any       `json:"payload,omitempty"`
	Time    time.Time `json:"time"`
}

// Filter scopes a subscription. Zero-value fields match everything.
type Filter struct {
	// TypePrefix matches events whose type starts with the prefix
	// ("task." matches all task events; "task.pr_" just PR events).
	TypePrefix string
	TaskID     string
	GroupID    string
}

// Matches reports whether the event passes the filter.
func (f Filter) Matches(e Event) bool {
	if f.TypePrefix != "" && !strings.HasPrefix(string(e.Type), f.TypePrefix) {
		return false
	}
	if f.TaskID != "" && e.TaskID != f.TaskID {
		return false
	}
	if f.GroupID != "" && e.GroupID != f.GroupID {
		return false
	}
	return true
}
