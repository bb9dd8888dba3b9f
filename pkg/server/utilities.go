package server

import (
	"log/slog"
	"net/http"

	"github.com/raterudder/loadrudder/pkg/log"
	"github.com/raterudder/loadrudder/pkg/types"
)

func (s *Server) handleListUtilities(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.utilities.Infos())
}

func (s *Server) handleListSwitches(w http.ResponseWriter, r *http.Request) {
	infos := s.switches.Infos()
	visible := make([]types.SwitchProviderInfo, 0, len(infos))
	for _, info := range infos {
		if !info.Hidden {
			visible = append(visible, info)
		}
	}
	writeJSON(w, visible)
}

func (s *Server) handleGetSettings(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if s.runner == nil {
		writeJSONError(w, "settings are unavailable", http.StatusNotFound)
		return
	}
	settings, err := types.LoadSettings(s.runner.SettingsPath())
	if err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to load settings", slog.Any("error", err))
		writeJSONError(w, "failed to load settings", http.StatusInternalServerError)
		return
	}
	writeJSON(w, settings)
}
