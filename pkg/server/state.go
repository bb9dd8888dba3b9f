package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sort"

	"github.com/raterudder/loadrudder/pkg/log"
	"github.com/raterudder/loadrudder/pkg/storage"
	"github.com/raterudder/loadrudder/pkg/types"
)

const maxSubmitBytes = 1 << 20

// remember keeps state as the latest state of its device and updates the
// gauges served on /metrics.
func (s *Server) remember(state types.ControllerState) {
	s.mu.Lock()
	s.latest[state.DeviceName] = state
	s.mu.Unlock()
	s.gauges.Observe(state)
}

// handleSubmit receives the state a tick publishes after it was saved.
func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	r.Body = http.MaxBytesReader(w, r.Body, maxSubmitBytes)

	var state types.ControllerState
	if err := json.NewDecoder(r.Body).Decode(&state); err != nil {
		log.Ctx(ctx).WarnContext(ctx, "failed to decode submitted state", slog.Any("error", err))
		writeJSONError(w, "invalid state", http.StatusBadRequest)
		return
	}
	if state.DeviceName == "" {
		writeJSONError(w, "deviceName is required", http.StatusBadRequest)
		return
	}
	if err := state.Validate(); err != nil {
		log.Ctx(ctx).WarnContext(ctx, "submitted state is invalid", slog.String("device", state.DeviceName), slog.Any("error", err))
		writeJSONError(w, "invalid state: "+err.Error(), http.StatusBadRequest)
		return
	}
	state, _, err := types.MigrateState(state, state.Version)
	if err != nil {
		writeJSONError(w, "invalid state: "+err.Error(), http.StatusBadRequest)
		return
	}

	s.remember(state)
	if today := state.Today(); today.Date != "" {
		if err := s.storage.UpsertDay(ctx, state.DeviceName, *today); err != nil {
			log.Ctx(ctx).ErrorContext(ctx, "failed to archive submitted day", slog.String("device", state.DeviceName), slog.Any("error", err))
		}
	}

	log.Ctx(ctx).DebugContext(
		ctx,
		"state submitted",
		slog.String("device", state.DeviceName),
		slog.Bool("running", state.IsDeviceRunning),
		slog.Time("saved", state.LastStateSaveTime),
	)
	writeJSON(w, struct {
		Status string `json:"status"`
	}{Status: "ok"})
}

// handleState returns the latest state of a device. Without a device the
// only known device is returned. States that were never submitted are read
// from storage.
func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	device := r.URL.Query().Get("device")

	s.mu.RLock()
	state, ok := s.latest[device]
	if !ok && device == "" && len(s.latest) == 1 {
		for _, v := range s.latest {
			state, ok = v, true
		}
	}
	s.mu.RUnlock()

	if !ok {
		var err error
		state, err = s.storage.LoadState(ctx)
		switch {
		case errors.Is(err, storage.ErrStateNotFound):
			writeJSONError(w, "no state", http.StatusNotFound)
			return
		case err != nil:
			log.Ctx(ctx).ErrorContext(ctx, "failed to load state", slog.Any("error", err))
			writeJSONError(w, "failed to load state", http.StatusInternalServerError)
			return
		}
		if device != "" && state.DeviceName != device {
			writeJSONError(w, "unknown device", http.StatusNotFound)
			return
		}
	}

	w.Header().Set("Cache-Control", "private, max-age=60")
	writeJSON(w, state)
}

// devices returns the names of the devices that submitted a state.
func (s *Server) devices() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.latest))
	for name := range s.latest {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
