package server

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/raterudder/loadrudder/pkg/log"
	"github.com/raterudder/loadrudder/pkg/runner"
	"github.com/raterudder/loadrudder/pkg/types"
)

type updateResponse struct {
	Status string         `json:"status"`
	Error  string         `json:"error,omitempty"`
	Result *runner.Result `json:"result,omitempty"`
}

// handleUpdate runs one tick. A failed tick still saves its state, so the
// result is returned together with the error.
func (s *Server) handleUpdate(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if s.runner == nil {
		writeJSONError(w, "update is disabled", http.StatusNotFound)
		return
	}

	res, err := s.runner.Tick(ctx)
	if res.Saved {
		s.remember(res.State)
	}
	if errors.Is(err, types.ErrConfiguration) {
		log.Ctx(ctx).ErrorContext(ctx, "update: invalid configuration", slog.Any("error", err))
		writeJSONError(w, "invalid configuration", http.StatusInternalServerError)
		return
	}
	if err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "update: tick failed", slog.Any("error", err))
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusInternalServerError)
		writeJSON(w, updateResponse{Status: "failed", Error: err.Error(), Result: &res})
		return
	}

	log.Ctx(ctx).InfoContext(
		ctx,
		"update: tick finished",
		slog.Bool("on", res.Decision.On),
		slog.String("reason", string(res.Decision.Reason)),
		slog.String("transition", res.Transition),
	)
	writeJSON(w, updateResponse{Status: "success", Result: &res})
}
