package api

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/BTreeMap/FlowPipe/internal/models"
)

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSONResponse(w, http.StatusOK, Success(nil))
}

func (s *Server) reloadFlowsHandler(w http.ResponseWriter, r *http.Request) {
	if err := s.flows.ReloadFlows(r.Context()); err != nil {
		slog.Error("Server.reloadFlowsHandler: reload failed", "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, Error("Failed to reload flows"))
		return
	}
	slog.Info("Server.reloadFlowsHandler: flows reloaded")
	writeJSONResponse(w, http.StatusOK, SuccessWithMessage("Flows reloaded", nil))
}

func (s *Server) reloadFlowHandler(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.flows.ReloadFlow(r.Context(), id); err != nil {
		slog.Error("Server.reloadFlowHandler: reload failed", "error", err, "flowID", id)
		writeJSONResponse(w, http.StatusInternalServerError, Error("Failed to reload flow"))
		return
	}
	slog.Info("Server.reloadFlowHandler: flow reloaded", "flowID", id)
	writeJSONResponse(w, http.StatusOK, SuccessWithMessage("Flow reloaded", map[string]string{"id": id}))
}

func (s *Server) userTasksHandler(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "id")
	tasks, err := s.opts.Tasks.TasksForUser(r.Context(), userID)
	if err != nil {
		slog.Error("Server.userTasksHandler: listing failed", "error", err, "userID", userID)
		writeJSONResponse(w, http.StatusInternalServerError, Error("Failed to list tasks"))
		return
	}
	if tasks == nil {
		tasks = []models.Task{}
	}
	writeJSONResponse(w, http.StatusOK, Success(tasks))
}
