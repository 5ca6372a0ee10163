package api

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/tedboudros/ClawQuant/internal/state"
	"github.com/tedboudros/ClawQuant/internal/types"
)

// createTaskRequest is the body of POST /api/tasks.
type createTaskRequest struct {
	Name        string          `json:"name"`
	HandlerName string          `json:"handler_name"`
	Schedule    string          `json:"schedule"`
	Payload     json.RawMessage `json:"payload"`
	Disabled    bool            `json:"disabled"`
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	if s.d.Tasks == nil {
		unavailable(w, "task store")
		return
	}
	tasks, err := s.d.Tasks.List()
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, tasks)
}

func (s *Server) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	if s.d.Tasks == nil {
		unavailable(w, "task store")
		return
	}
	var req createTaskRequest
	if err := decode(w, r, "task", &req); err != nil {
		writeError(w, err)
		return
	}
	if s.d.Handlers != nil && req.HandlerName != "" {
		if _, ok := s.d.Handlers.Get(req.HandlerName); !ok {
			writeError(w, types.NewValidationError("task", fmt.Sprintf("unknown handler %q", req.HandlerName)))
			return
		}
	}
	if len(req.Payload) > 0 && !json.Valid(req.Payload) {
		writeError(w, types.NewValidationError("task", "payload must be valid JSON"))
		return
	}

	task, err := state.NewTask(req.HandlerName, req.Schedule, req.Payload, "human", s.d.Clock.Now())
	if err != nil {
		writeError(w, err)
		return
	}
	task.Name = req.Name
	task.Enabled = !req.Disabled
	if err := s.d.Tasks.Create(task); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, task)
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	if s.d.Tasks == nil {
		unavailable(w, "task store")
		return
	}
	task, err := s.d.Tasks.Get(types.TaskID(chi.URLParam(r, "id")))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func (s *Server) handleRemoveTask(w http.ResponseWriter, r *http.Request) {
	if s.d.Tasks == nil {
		unavailable(w, "task store")
		return
	}
	if err := s.d.Tasks.Remove(types.TaskID(chi.URLParam(r, "id"))); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleSetEnabled(enabled bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.d.Tasks == nil {
			unavailable(w, "task store")
			return
		}
		id := types.TaskID(chi.URLParam(r, "id"))
		task, err := s.d.Tasks.Update(id, func(t *state.Task) error {
			t.Enabled = enabled
			return nil
		})
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, task)
	}
}

func (s *Server) handleRunTask(w http.ResponseWriter, r *http.Request) {
	if s.d.Scheduler == nil {
		unavailable(w, "scheduler")
		return
	}
	id := types.TaskID(chi.URLParam(r, "id"))
	// The invocation outlives the request.
	if err := s.d.Scheduler.RunNow(contextWithoutCancel(r), id); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"task_id": string(id), "status": "started"})
}
