package server

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/raterudder/loadrudder/pkg/controller"
	"github.com/raterudder/loadrudder/pkg/log"
	"github.com/raterudder/loadrudder/pkg/storage"
	"github.com/raterudder/loadrudder/pkg/types"
)

type forecastResponse struct {
	Steps     []controller.SimStep `json:"steps"`
	Plan      []types.RunWindow    `json:"plan"`
	Target    float64              `json:"target"`
	Runtime   float64              `json:"runtime"`
	EnergyWh  float64              `json:"energyWh"`
	CostCents float64              `json:"costCents"`
	Degraded  bool                 `json:"degraded"`
}

// handleForecast simulates the ticks left today from the stored state and the
// current prices.
func (s *Server) handleForecast(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if s.runner == nil {
		writeJSONError(w, "forecast is disabled", http.StatusNotFound)
		return
	}

	settings, err := types.LoadSettings(s.runner.SettingsPath())
	if err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to load settings", slog.Any("error", err))
		writeJSONError(w, "failed to load settings", http.StatusInternalServerError)
		return
	}
	loc, err := settings.Location()
	if err != nil {
		writeJSONError(w, "invalid timezone", http.StatusInternalServerError)
		return
	}
	now := s.now().In(loc)

	state, err := s.storage.LoadState(ctx)
	switch {
	case errors.Is(err, storage.ErrStateNotFound), errors.Is(err, storage.ErrStateCorrupt):
		state = types.NewControllerState(settings)
	case err != nil:
		log.Ctx(ctx).ErrorContext(ctx, "failed to load state", slog.Any("error", err))
		writeJSONError(w, "failed to load state", http.StatusInternalServerError)
		return
	}
	state, _, err = types.MigrateState(state, state.Version)
	if err != nil {
		writeJSONError(w, "failed to migrate state", http.StatusInternalServerError)
		return
	}
	// the stored state may still be on a previous day
	state = controller.CloneState(state)
	controller.Rollover(&state, settings, now, nil)
	controller.Recompute(&state, now)

	var catalog *controller.Catalog
	if provider, err := s.utilities.Active(); err != nil {
		log.Ctx(ctx).WarnContext(ctx, "no price provider", slog.Any("error", err))
	} else if slots, err := provider.GetDayPrices(ctx, settings.PriceChannel, now); err != nil {
		log.Ctx(ctx).WarnContext(ctx, "failed to fetch prices", slog.Any("error", err))
	} else if len(slots) > 0 {
		catalog = controller.NewCatalog(now, slots)
	}

	steps, end, err := s.controller.SimulateDay(ctx, state, settings, catalog, now, types.SlotDuration, s.forecastPowerW)
	if err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to simulate", slog.Any("error", err))
		writeJSONError(w, "failed to simulate", http.StatusInternalServerError)
		return
	}
	today := end.Today()

	w.Header().Set("Cache-Control", "private, max-age=300")
	writeJSON(w, forecastResponse{
		Steps:     steps,
		Plan:      end.TodayRunPlan,
		Target:    today.TargetRuntime,
		Runtime:   today.RuntimeToday,
		EnergyWh:  today.EnergyUsed,
		CostCents: today.TotalCost,
		Degraded:  catalog == nil,
	})
}
