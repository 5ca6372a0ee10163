package api

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/tedboudros/ClawQuant/internal/portfolio"
	"github.com/tedboudros/ClawQuant/internal/types"
)

func contextWithoutCancel(r *http.Request) context.Context {
	return context.WithoutCancel(r.Context())
}

// decisionRequest is the optional body of the confirm and reject routes.
type decisionRequest struct {
	DecidedBy string `json:"decided_by"`
	Note      string `json:"note"`
}

func (s *Server) handlePending(w http.ResponseWriter, r *http.Request) {
	if s.d.Pipeline == nil {
		unavailable(w, "pipeline")
		return
	}
	writeJSON(w, http.StatusOK, s.d.Pipeline.Pending())
}

func (s *Server) handleGetSignal(w http.ResponseWriter, r *http.Request) {
	if s.d.Pipeline == nil {
		unavailable(w, "pipeline")
		return
	}
	id := types.SignalID(chi.URLParam(r, "id"))
	rec, ok := s.d.Pipeline.Verdict(id)
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "signal " + string(id) + " not found"})
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleDecide(confirm bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.d.Pipeline == nil {
			unavailable(w, "pipeline")
			return
		}
		var req decisionRequest
		if r.ContentLength != 0 {
			if err := decode(w, r, "decision", &req); err != nil {
				writeError(w, err)
				return
			}
		}
		if req.DecidedBy == "" {
			req.DecidedBy = "api"
		}

		id := types.SignalID(chi.URLParam(r, "id"))
		decide, status := s.d.Pipeline.Decline, "declined"
		if confirm {
			decide, status = s.d.Pipeline.Confirm, "confirmed"
		}
		if err := decide(r.Context(), id, req.DecidedBy, req.Note); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"signal_id": string(id), "status": status})
	}
}

// modelPortfolio is one model's ledgers valued at the latest prices.
type modelPortfolio struct {
	Model      string               `json:"model"`
	Human      portfolio.Snapshot   `json:"human"`
	AI         portfolio.Snapshot   `json:"ai"`
	Comparison portfolio.Comparison `json:"comparison"`
}

func (s *Server) handlePortfolio(w http.ResponseWriter, r *http.Request) {
	if s.d.Pipeline == nil {
		unavailable(w, "pipeline")
		return
	}
	books := s.d.Pipeline.Books()
	models := books.Models()
	out := make([]modelPortfolio, 0, len(models))
	for _, model := range models {
		pair := books.Pair(model)
		human, ai := pair.Human.Snapshot(), pair.AI.Snapshot()
		if s.d.Data != nil {
			instruments := append(human.Instruments(), ai.Instruments()...)
			prices, err := s.d.Data.Prices(r.Context(), instruments)
			if err != nil {
				writeError(w, err)
				return
			}
			human, ai = human.WithPrices(prices), ai.WithPrices(prices)
		}
		out = append(out, modelPortfolio{
			Model:      model,
			Human:      human,
			AI:         ai,
			Comparison: portfolio.Compare(ai, human),
		})
	}
	writeJSON(w, http.StatusOK, out)
}
