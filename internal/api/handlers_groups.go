package api

import (
	"net/http"

	camerrors "github.com/camctl/cam/internal/errors"
)

func (s *Server) handleGetGroup(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	tasks, err := s.store.TasksByGroup(r.Context(), id)
	if err != nil {
		writeError(w, camerrors.Internal(err))
		return
	}
	if len(tasks) == 0 {
		writeError(w, camerrors.NotFound("task group", id))
		return
	}
	writeData(w, map[string]any{
		"groupId": id,
		"tasks":   tasks,
	})
}

func (s *Server) handleCancelGroup(w http.ResponseWriter, r *http.Request) {
	var body struct {
		GroupID string `json:"groupId"`
		Reason  string `json:"reason,omitempty"`
	}
	if err := decode(r, &body); err != nil {
		writeError(w, err)
		return
	}
	if body.GroupID == "" {
		writeError(w, camerrors.InvalidInput("groupId is required"))
		return
	}

	cancelled, err := s.lifecycle.CancelGroup(r.Context(), body.GroupID, body.Reason, actorFrom(r))
	if err != nil {
		writeError(w, err)
		return
	}
	writeData(w, map[string]any{"cancelledCount": len(cancelled), "tasks": cancelled})
}

func (s *Server) handleRerunFailedGroup(w http.ResponseWriter, r *http.Request) {
	var body struct {
		GroupID  string `json:"groupId"`
		Feedback string `json:"feedback,omitempty"`
	}
	if err := decode(r, &body); err != nil {
		writeError(w, err)
		return
	}
	if body.GroupID == "" {
		writeError(w, camerrors.InvalidInput("groupId is required"))
		return
	}

	rerun, err := s.lifecycle.RerunFailed(r.Context(), body.GroupID, body.Feedback, actorFrom(r))
	if err != nil {
		writeError(w, err)
		return
	}
	writeData(w, map[string]any{"rerunCount": len(rerun), "tasks": rerun})
}

func (s *Server) handleRestartFrom(w http.ResponseWriter, r *http.Request) {
	var body struct {
		GroupID    string `json:"groupId"`
		FromTaskID string `json:"fromTaskId"`
		Feedback   string `json:"feedback,omitempty"`
	}
	if err := decode(r, &body); err != nil {
		writeError(w, err)
		return
	}
	if body.GroupID == "" {
		writeError(w, camerrors.InvalidInput("groupId is required"))
		return
	}
	if body.FromTaskID == "" {
		writeError(w, camerrors.InvalidInput("fromTaskId is required"))
		return
	}

	restarted, err := s.lifecycle.RestartFrom(r.Context(), body.GroupID, body.FromTaskID, body.Feedback, actorFrom(r))
	if err != nil {
		writeError(w, err)
		return
	}
	writeData(w, map[string]any{"restartedCount": len(restarted), "tasks": restarted})
}
