package api

import (
	"net/http"

	camerrors "github.com/camctl/cam/internal/errors"
	"github.com/camctl/cam/internal/registry"
	"github.com/camctl/cam/internal/task"
)

func (s *Server) handleListWorkers(w http.ResponseWriter, r *http.Request) {
	workers, err := s.store.ListWorkers(r.Context())
	if err != nil {
		writeError(w, camerrors.Internal(err))
		return
	}
	if workers == nil {
		workers = []task.Worker{}
	}
	writeData(w, workers)
}

func (s *Server) handleGetWorker(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	worker, err := s.store.GetWorker(r.Context(), id)
	if err != nil {
		writeError(w, camerrors.Internal(err))
		return
	}
	if worker == nil {
		writeError(w, camerrors.NotFound("worker", id))
		return
	}
	writeData(w, worker)
}

func (s *Server) handleRegisterWorker(w http.ResponseWriter, r *http.Request) {
	var req registry.RegisterRequest
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	worker, err := s.registry.Register(r.Context(), req, req.ID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeDataStatus(w, worker, http.StatusCreated)
}

func (s *Server) handleWorkerHeartbeat(w http.ResponseWriter, r *http.Request) {
	var req registry.HeartbeatRequest
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	worker, err := s.registry.Heartbeat(r.Context(), r.PathValue("id"), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeData(w, worker)
}

func (s *Server) handleNextTask(w http.ResponseWriter, r *http.Request) {
	assignment, err := s.dispatcher.NextTask(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	// No claimable work is a normal answer, not an error.
	writeData(w, assignment)
}

func (s *Server) handlePatchWorker(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Action string `json:"action"`
	}
	if err := decode(r, &body); err != nil {
		writeError(w, err)
		return
	}

	id := r.PathValue("id")
	actor := actorFrom(r)
	var (
		worker *task.Worker
		err    error
	)
	switch body.Action {
	case "drain":
		worker, err = s.registry.Drain(r.Context(), id, actor)
	case "offline":
		worker, err = s.registry.Offline(r.Context(), id, actor)
	case "activate":
		worker, err = s.registry.Activate(r.Context(), id, actor)
	default:
		err = camerrors.InvalidInput("unknown worker action %q", body.Action)
	}
	if err != nil {
		writeError(w, err)
		return
	}
	writeData(w, worker)
}
