package task

import (
	"time"
)

const (
	// DefaultMaxRetries is applied when a task is created without an
	// explicit retry budget.
	DefaultMaxRetries = 2
	// MaxRetriesCeiling bounds maxRetries at creation and template
	// validation time.
	MaxRetriesCeiling = 20
)

// Task is one unit of work executed by one agent invocation against one
// branch. All timestamps are UTC with millisecond precision.
type Task struct {
	ID                string  `json:"id"`
	Title             string  `json:"title"`
	Description       string  `json:"description"`
	AgentDefinitionID string  `json:"agentDefinitionId"`
	RepoURL           string  `json:"repoUrl"`
	BaseBranch        string  `json:"baseBranch"`
	WorkBranch        string  `json:"workBranch"`
	WorkDir           string  `json:"workDir,omitempty"`
	Status            Status  `json:"status"`
	Source            Source  `json:"source"`
	RetryCount        int     `json:"retryCount"`
	MaxRetries        int     `json:"maxRetries"`
	DependsOn         []string `json:"dependsOn"`
	GroupID           string  `json:"groupId,omitempty"`
	AssignedWorkerID  string  `json:"assignedWorkerId,omitempty"`
	PRURL             string  `json:"prUrl,omitempty"`
	Summary           string  `json:"summary,omitempty"`
	LogFileURL        string  `json:"logFileUrl,omitempty"`
	Feedback          string  `json:"feedback,omitempty"`
	ReviewComment     string  `json:"reviewComment,omitempty"`
	ReviewedAt        *time.Time `json:"reviewedAt,omitempty"`

	// Executor hints carried from pipeline steps. Opaque to the core.
	InputFiles     []string `json:"inputFiles,omitempty"`
	InputCondition string   `json:"inputCondition,omitempty"`

	CreatedAt   time.Time  `json:"createdAt"`
	QueuedAt    *time.Time `json:"queuedAt,omitempty"`
	StartedAt   *time.Time `json:"startedAt,omitempty"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
}

// New creates a task in draft status with defaults applied.
func New(title string) *Task {
	return &Task{
		ID:         NewTaskID(),
		Title:      title,
		Status:     StatusDraft,
		Source:     SourceScheduler,
		MaxRetries: DefaultMaxRetries,
		CreatedAt:  Now(),
	}
}

// DependsOnAll reports whether every dependency id appears in done.
func (t *Task) DependsOnAll(done map[string]bool) bool {
	for _, dep := range t.DependsOn {
		if !done[dep] {
			return false
		}
	}
	return true
}

// ClearTransient resets the fields that belong to a single attempt.
// Called on rerun and review-reject-retry before the task re-enters the
// queue.
func (t *Task) ClearTransient() {
	t.Summary = ""
	t.LogFileURL = ""
	t.ReviewComment = ""
	t.AssignedWorkerID = ""
	t.StartedAt = nil
	t.CompletedAt = nil
}

// Now returns the current UTC time truncated to millisecond precision,
// matching the wire format of all persisted timestamps.
func Now() time.Time {
	return time.Now().UTC().Truncate(time.Millisecond)
}

// Worker is a long-lived process that polls for tasks and runs their
// agent, reporting heartbeats.
type Worker struct {
	ID                  string       `json:"id"`
	Name                string       `json:"name"`
	SupportedAgentIDs   []string     `json:"supportedAgentIds"`
	MaxConcurrent       int          `json:"maxConcurrent"`
	Mode                WorkerMode   `json:"mode"`
	Status              WorkerStatus `json:"status"`
	CurrentTaskID       string       `json:"currentTaskId,omitempty"`
	LastHeartbeatAt     time.Time    `json:"lastHeartbeatAt"`
	ReportedEnvVars     []string     `json:"reportedEnvVars,omitempty"`
	TotalTasksCompleted int          `json:"totalTasksCompleted"`
	TotalTasksFailed    int          `json:"totalTasksFailed"`
	UptimeSince         time.Time    `json:"uptimeSince"`
}

// Supports reports whether the worker can run the given agent. A worker
// advertising no supported agents is treated as universal.
func (w *Worker) Supports(agentDefinitionID string) bool {
	if len(w.SupportedAgentIDs) == 0 {
		return true
	}
	for _, id := range w.SupportedAgentIDs {
		if id == agentDefinitionID {
			return true
		}
	}
	return false
}

// TaskLog is one append-only log line attached to a task.
type TaskLog struct {
	ID        int64     `json:"id"`
	TaskID    string    `json:"taskId"`
	Line      string    `json:"line"`
	CreatedAt time.Time `json:"createdAt"`
}
