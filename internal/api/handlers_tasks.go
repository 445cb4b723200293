package api

import (
	"net/http"
	"strconv"

	"github.com/camctl/cam/internal/db"
	camerrors "github.com/camctl/cam/internal/errors"
	"github.com/camctl/cam/internal/lifecycle"
	"github.com/camctl/cam/internal/pipeline"
	"github.com/camctl/cam/internal/task"
)

// createTaskRequest creates one task, or a pipeline group when
// templateId names a pipeline template.
type createTaskRequest struct {
	Title             string   `json:"title"`
	Description       string   `json:"description"`
	AgentDefinitionID string   `json:"agentDefinitionId"`
	RepoURL           string   `json:"repoUrl"`
	BaseBranch        string   `json:"baseBranch"`
	WorkBranch        string   `json:"workBranch,omitempty"`
	DependsOn         []string `json:"dependsOn,omitempty"`
	GroupID           string   `json:"groupId,omitempty"`
	TemplateID        string   `json:"templateId,omitempty"`
	Source            string   `json:"source,omitempty"`
	MaxRetries        *int     `json:"maxRetries,omitempty"`
	Queue             bool     `json:"queue,omitempty"`
	Draft             bool     `json:"draft,omitempty"`
}

func (s *Server) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	var req createTaskRequest
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}

	if req.TemplateID != "" {
		tpl, err := s.store.GetTemplate(r.Context(), req.TemplateID)
		if err != nil {
			writeError(w, camerrors.Internal(err))
			return
		}
		if tpl == nil {
			writeError(w, camerrors.NotFound("template", req.TemplateID))
			return
		}
		if tpl.IsPipeline() {
			tasks, err := s.expander.Expand(r.Context(), tpl, pipeline.Request{
				RepoURL:        req.RepoURL,
				BaseBranch:     req.BaseBranch,
				WorkBranch:     req.WorkBranch,
				GroupID:        req.GroupID,
				DefaultAgentID: req.AgentDefinitionID,
				MaxRetries:     req.MaxRetries,
				Draft:          req.Draft,
			}, actorFrom(r))
			if err != nil {
				writeError(w, err)
				return
			}
			writeDataStatus(w, tasks, http.StatusCreated)
			return
		}
		// A plain template contributes defaults to a single task.
		if req.Title == "" {
			req.Title = tpl.TitleTemplate
		}
		if req.Description == "" {
			req.Description = tpl.PromptTemplate
		}
		if req.AgentDefinitionID == "" {
			req.AgentDefinitionID = tpl.DefaultAgentID
		}
		if req.MaxRetries == nil {
			req.MaxRetries = tpl.MaxRetries
		}
	}

	t := task.New(req.Title)
	t.Description = req.Description
	t.AgentDefinitionID = req.AgentDefinitionID
	t.RepoURL = req.RepoURL
	t.BaseBranch = req.BaseBranch
	t.WorkBranch = req.WorkBranch
	t.DependsOn = req.DependsOn
	t.GroupID = req.GroupID
	if req.Source != "" {
		t.Source = task.Source(req.Source)
	}
	if req.MaxRetries != nil {
		t.MaxRetries = *req.MaxRetries
	}
	if req.Queue {
		now := task.Now()
		t.QueuedAt = &now
		t.Status = task.StatusQueued
	}
	if err := t.Validate(); err != nil {
		writeError(w, err)
		return
	}

	// Dependencies must exist up front; a bogus id would strand the
	// task in waiting forever.
	if len(t.DependsOn) > 0 {
		statuses, err := s.store.TaskStatuses(r.Context(), t.DependsOn)
		if err != nil {
			writeError(w, camerrors.Internal(err))
			return
		}
		for _, dep := range t.DependsOn {
			if _, ok := statuses[dep]; !ok {
				writeError(w, camerrors.NotFound("task", dep))
				return
			}
		}
	}

	if err := s.store.SaveTask(r.Context(), t); err != nil {
		writeError(w, camerrors.Internal(err))
		return
	}
	s.lifecycle.EmitCreated(r.Context(), t, actorFrom(r))
	writeDataStatus(w, t, http.StatusCreated)
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := db.TaskFilter{
		Status:  q.Get("status"),
		GroupID: q.Get("groupId"),
		Source:  q.Get("source"),
		Limit:   intParam(q.Get("limit"), 100),
		Offset:  intParam(q.Get("offset"), 0),
	}

	tasks, total, err := s.store.ListTasks(r.Context(), filter)
	if err != nil {
		writeError(w, camerrors.Internal(err))
		return
	}
	if tasks == nil {
		tasks = []task.Task{}
	}
	writeData(w, map[string]any{
		"tasks":  tasks,
		"total":  total,
		"limit":  filter.Limit,
		"offset": filter.Offset,
	})
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	t, err := s.store.GetTask(r.Context(), id)
	if err != nil {
		writeError(w, camerrors.Internal(err))
		return
	}
	if t == nil {
		writeError(w, camerrors.NotFound("task", id))
		return
	}
	writeData(w, t)
}

func (s *Server) handleUpdateTask(w http.ResponseWriter, r *http.Request) {
	var patch lifecycle.TaskPatch
	if err := decode(r, &patch); err != nil {
		writeError(w, err)
		return
	}
	t, err := s.lifecycle.Update(r.Context(), r.PathValue("id"), patch, actorFrom(r))
	if err != nil {
		writeError(w, err)
		return
	}
	writeData(w, t)
}

func (s *Server) handleDeleteTask(w http.ResponseWriter, r *http.Request) {
	if err := s.lifecycle.Delete(r.Context(), r.PathValue("id"), actorFrom(r)); err != nil {
		writeError(w, err)
		return
	}
	writeData(w, map[string]any{"deleted": true})
}

func (s *Server) handlePublishTask(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	t, err := s.store.GetTask(r.Context(), id)
	if err != nil {
		writeError(w, camerrors.Internal(err))
		return
	}
	if t == nil {
		writeError(w, camerrors.NotFound("task", id))
		return
	}

	// Refuse to queue work nothing can run.
	if t.AgentDefinitionID != "" {
		uncovered, err := s.lifecycle.CheckCapability(r.Context(), t.AgentDefinitionID)
		if err != nil {
			writeError(w, err)
			return
		}
		if len(uncovered) > 0 {
			writeError(w, camerrors.InvalidInput("required env vars are not covered").
				WithExtra(map[string]any{"uncoveredEnvVars": uncovered}))
			return
		}
	}

	updated, err := s.lifecycle.Publish(r.Context(), id, actorFrom(r))
	if err != nil {
		writeError(w, err)
		return
	}
	writeData(w, updated)
}

func (s *Server) handleCancelTask(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Reason string `json:"reason,omitempty"`
	}
	_ = decode(r, &body) // empty body is fine

	t, err := s.lifecycle.Cancel(r.Context(), r.PathValue("id"), body.Reason, actorFrom(r))
	if err != nil {
		writeError(w, err)
		return
	}
	writeData(w, t)
}

func (s *Server) handleRerunTask(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Feedback string `json:"feedback,omitempty"`
	}
	_ = decode(r, &body)

	t, err := s.lifecycle.Rerun(r.Context(), r.PathValue("id"), body.Feedback, actorFrom(r))
	if err != nil {
		writeError(w, err)
		return
	}
	writeData(w, t)
}

func (s *Server) handleReviewTask(w http.ResponseWriter, r *http.Request) {
	var req lifecycle.ReviewRequest
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	t, err := s.lifecycle.Review(r.Context(), r.PathValue("id"), req, actorFrom(r))
	if err != nil {
		writeError(w, err)
		return
	}
	writeData(w, t)
}

func (s *Server) handleGetTaskLogs(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	t, err := s.store.GetTask(r.Context(), id)
	if err != nil {
		writeError(w, camerrors.Internal(err))
		return
	}
	if t == nil {
		writeError(w, camerrors.NotFound("task", id))
		return
	}

	logs, err := s.store.ListTaskLogs(r.Context(), id, intParam(r.URL.Query().Get("limit"), 0))
	if err != nil {
		writeError(w, camerrors.Internal(err))
		return
	}
	if logs == nil {
		logs = []task.TaskLog{}
	}
	writeData(w, logs)
}

func (s *Server) handleAppendTaskLog(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var body struct {
		Line string `json:"line"`
	}
	if err := decode(r, &body); err != nil {
		writeError(w, err)
		return
	}
	if body.Line == "" {
		writeError(w, camerrors.InvalidInput("line is required"))
		return
	}

	t, err := s.store.GetTask(r.Context(), id)
	if err != nil {
		writeError(w, camerrors.Internal(err))
		return
	}
	if t == nil {
		writeError(w, camerrors.NotFound("task", id))
		return
	}
	if err := s.store.AppendTaskLog(r.Context(), id, body.Line, task.Now()); err != nil {
		writeError(w, camerrors.Internal(err))
		return
	}
	writeDataStatus(w, map[string]any{"appended": true}, http.StatusCreated)
}

// actorFrom identifies the caller for audit purposes.
func actorFrom(r *http.Request) string {
	if actor := r.Header.Get("X-Cam-Actor"); actor != "" {
		return actor
	}
	return "api"
}

func intParam(raw string, fallback int) int {
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return fallback
	}
	return n
}
