package api

import (
	"net/http"

	camerrors "github.com/camctl/cam/internal/errors"
	"github.com/camctl/cam/internal/task"
)

func (s *Server) handleListTemplates(w http.ResponseWriter, r *http.Request) {
	templates, err := s.store.ListTemplates(r.Context())
	if err != nil {
		writeError(w, camerrors.Internal(err))
		return
	}
	if templates == nil {
		templates = []task.Template{}
	}
	writeData(w, templates)
}

func (s *Server) handleCreateTemplate(w http.ResponseWriter, r *http.Request) {
	var tpl task.Template
	if err := decode(r, &tpl); err != nil {
		writeError(w, err)
		return
	}
	if err := tpl.Validate(); err != nil {
		writeError(w, err)
		return
	}
	if tpl.ID == "" {
		tpl.ID = "tpl-" + tpl.Name
	}
	if err := s.store.SaveTemplate(r.Context(), &tpl); err != nil {
		writeError(w, camerrors.Internal(err))
		return
	}
	writeDataStatus(w, tpl, http.StatusCreated)
}

func (s *Server) handleListAgents(w http.ResponseWriter, r *http.Request) {
	agents, err := s.store.ListAgentDefinitions(r.Context())
	if err != nil {
		writeError(w, camerrors.Internal(err))
		return
	}
	if agents == nil {
		agents = []task.AgentDefinition{}
	}
	writeData(w, agents)
}

func (s *Server) handleCreateAgent(w http.ResponseWriter, r *http.Request) {
	var agent task.AgentDefinition
	if err := decode(r, &agent); err != nil {
		writeError(w, err)
		return
	}
	if agent.ID == "" {
		writeError(w, camerrors.InvalidInput("agent id is required"))
		return
	}
	if agent.Command == "" {
		writeError(w, camerrors.InvalidInput("agent command is required"))
		return
	}
	if err := s.store.SaveAgentDefinition(r.Context(), &agent); err != nil {
		writeError(w, camerrors.Internal(err))
		return
	}
	writeDataStatus(w, agent, http.StatusCreated)
}
