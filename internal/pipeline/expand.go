// Package pipeline materializes pipeline templates into task DAGs. The
// DAG lives entirely in dependsOn: serial steps chain on the previous
// step's tasks, parallel nodes fan out as siblings, and the next step
// depends on all of them (fan-in barrier).
package pipeline

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/camctl/cam/internal/db"
	camerrors "github.com/camctl/cam/internal/errors"
	"github.com/camctl/cam/internal/events"
	"github.com/camctl/cam/internal/task"
)

// Request carries the creation parameters a pipeline expansion applies
// to every task it produces.
type Request struct {
	RepoURL        string `json:"repoUrl"`
	BaseBranch     string `json:"baseBranch"`
	WorkBranch     string `json:"workBranch,omitempty"` // branch stem; tasks get -step-N suffixes
	GroupID        string `json:"groupId,omitempty"`
	DefaultAgentID string `json:"agentDefinitionId,omitempty"`
	MaxRetries     *int   `json:"maxRetries,omitempty"`
	// Draft opts out of the default queued status. Pipelines are created
	// claimable: idle workers pick up step one on their next poll, and
	// the dispatcher parks later steps in waiting.
	Draft bool `json:"draft,omitempty"`
}

// Expander turns templates into task groups.
type Expander struct {
	store   *db.Store
	emitter events.Emitter
	logger  *slog.Logger
}

// New creates an expander.
func New(store *db.Store, emitter events.Emitter, logger *slog.Logger) *Expander {
	if logger == nil {
		logger = slog.Default()
	}
	return &Expander{store: store, emitter: emitter, logger: logger}
}

// Expand materializes the template into tasks and inserts them in one
// transaction: either the whole group lands or nothing does. Every
// referenced agent definition is checked up front; the first missing id
// fails the whole create.
func (e *Expander) Expand(ctx context.Context, tpl *task.Template, req Request, actor string) ([]task.Task, error) {
	if err := tpl.Validate(); err != nil {
		return nil, err
	}
	if !tpl.IsPipeline() {
		return nil, camerrors.InvalidInput("template %s is not a pipeline", tpl.Name)
	}

	groupID := req.GroupID
	if groupID == "" {
		groupID = task.NewPipelineGroupID()
	}

	built, err := buildDAG(tpl, req, groupID)
	if err != nil {
		return nil, err
	}

	if missing, err := e.checkAgents(ctx, built); err != nil {
		return nil, err
	} else if missing != "" {
		return nil, camerrors.NotFound("agent definition", missing)
	}

	if err := e.store.CreateTasks(ctx, built); err != nil {
		return nil, camerrors.Internal(err)
	}

	taskIDs := make([]string, len(built))
	out := make([]task.Task, len(built))
	for i, t := range built {
		taskIDs[i] = t.ID
		out[i] = *t
	}
	e.emitter.Emit(ctx, events.Event{
		Type:    events.PipelineCreated,
		Actor:   actor,
		GroupID: groupID,
		Payload: map[string]any{
			"groupId":    groupID,
			"templateId": tpl.ID,
			"taskIds":    taskIDs,
			"stepCount":  len(tpl.PipelineSteps),
		},
	})
	return out, nil
}

// buildDAG produces the task rows for each step. Step i's tasks depend
// on all of step i-1's tasks.
func buildDAG(tpl *task.Template, req Request, groupID string) ([]*task.Task, error) {
	status := task.StatusQueued
	if req.Draft {
		status = task.StatusDraft
	}

	retries := task.DefaultMaxRetries
	if tpl.MaxRetries != nil {
		retries = *tpl.MaxRetries
	}
	if req.MaxRetries != nil {
		retries = *req.MaxRetries
	}
	if retries < 0 || retries > task.MaxRetriesCeiling {
		return nil, camerrors.InvalidInput("maxRetries must be in [0,%d], got %d", task.MaxRetriesCeiling, retries)
	}

	var all []*task.Task
	var previous []string
	for i, step := range tpl.PipelineSteps {
		var stepTasks []*task.Task
		if len(step.ParallelAgents) == 0 {
			t := newStepTask(tpl, req, step.Title, step.Description, step.AgentDefinitionID)
			t.WorkBranch = stepBranch(req.WorkBranch, i, -1)
			stepTasks = append(stepTasks, t)
		} else {
			for j, node := range step.ParallelAgents {
				title := node.Title
				if title == "" {
					title = step.Title
				}
				prompt := node.Prompt
				if prompt == "" {
					prompt = step.Description
				}
				agentID := node.AgentDefinitionID
				if agentID == "" {
					agentID = step.AgentDefinitionID
				}
				t := newStepTask(tpl, req, title, prompt, agentID)
				t.WorkBranch = stepBranch(req.WorkBranch, i, j)
				stepTasks = append(stepTasks, t)
			}
		}

		for _, t := range stepTasks {
			t.GroupID = groupID
			t.Status = status
			t.MaxRetries = retries
			t.DependsOn = append([]string(nil), previous...)
			t.InputFiles = step.InputFiles
			t.InputCondition = step.InputCondition
			if status == task.StatusQueued {
				now := task.Now()
				t.QueuedAt = &now
			}
			if t.AgentDefinitionID == "" {
				return nil, camerrors.InvalidInput("step %d of template %s resolves no agent", i+1, tpl.Name)
			}
			if err := t.Validate(); err != nil {
				return nil, err
			}
		}

		previous = previous[:0]
		for _, t := range stepTasks {
			previous = append(previous, t.ID)
		}
		all = append(all, stepTasks...)
	}
	return all, nil
}

// newStepTask builds one task row with the agent resolution chain
// applied: node agent, then step agent, then template default, then the
// request default.
func newStepTask(tpl *task.Template, req Request, title, prompt, agentID string) *task.Task {
	if agentID == "" {
		agentID = tpl.DefaultAgentID
	}
	if agentID == "" {
		agentID = req.DefaultAgentID
	}
	t := task.New(title)
	t.Description = prompt
	t.AgentDefinitionID = agentID
	t.RepoURL = req.RepoURL
	t.BaseBranch = req.BaseBranch
	return t
}

// stepBranch derives a per-task work branch from the request's branch
// stem. nodeIdx < 0 means a single-task step.
func stepBranch(stem string, stepIdx, nodeIdx int) string {
	if stem == "" {
		return ""
	}
	branch := fmt.Sprintf("%s-step-%d", stem, stepIdx+1)
	if nodeIdx >= 0 {
		branch = fmt.Sprintf("%s-%d", branch, nodeIdx+1)
	}
	return branch
}

// checkAgents returns the first referenced agent id with no row.
func (e *Expander) checkAgents(ctx context.Context, tasks []*task.Task) (string, error) {
	seen := map[string]bool{}
	var ids []string
	for _, t := range tasks {
		if !seen[t.AgentDefinitionID] {
			seen[t.AgentDefinitionID] = true
			ids = append(ids, t.AgentDefinitionID)
		}
	}
	missing, err := e.store.AgentDefinitionsExist(ctx, ids)
	if err != nil {
		return "", camerrors.Internal(err)
	}
	return missing, nil
}
