package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/tedboudros/ClawQuant/internal/sim"
	"github.com/tedboudros/ClawQuant/internal/types"
)

func (s *Server) handleListSimulations(w http.ResponseWriter, r *http.Request) {
	if s.d.Sim == nil {
		unavailable(w, "simulator")
		return
	}
	runs, err := s.d.Sim.Store().List()
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, runs)
}

func (s *Server) handleStartSimulation(w http.ResponseWriter, r *http.Request) {
	if s.d.Sim == nil {
		unavailable(w, "simulator")
		return
	}
	var cfg sim.Config
	if err := decode(w, r, "simulation config", &cfg); err != nil {
		writeError(w, err)
		return
	}
	id, err := s.d.Sim.Start(contextWithoutCancel(r), cfg)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"id": string(id), "status": sim.StatusPending})
}

func (s *Server) handleGetSimulation(w http.ResponseWriter, r *http.Request) {
	if s.d.Sim == nil {
		unavailable(w, "simulator")
		return
	}
	run, err := s.d.Sim.Store().Get(types.RunID(chi.URLParam(r, "id")))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, run)
}
