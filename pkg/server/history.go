package server

import (
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/raterudder/loadrudder/pkg/log"
)

const (
	defaultHistoryDays = 30
	maxHistoryDays     = 366
)

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	device, ok := s.deviceParam(r)
	if !ok {
		writeJSONError(w, "device required", http.StatusBadRequest)
		return
	}
	start, end, err := parseDateRange(r, s.now())
	if err != nil {
		writeJSONError(w, "invalid date range: "+err.Error(), http.StatusBadRequest)
		return
	}

	days, err := s.storage.Days(ctx, device, start, end)
	if err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to get days", slog.String("device", device), slog.Any("error", err))
		writeJSONError(w, "failed to get history", http.StatusInternalServerError)
		return
	}

	// finished days don't change anymore
	if end.Before(truncateDay(s.now())) {
		w.Header().Set("Cache-Control", "private, max-age=86400")
	} else {
		w.Header().Set("Cache-Control", "private, max-age=60")
	}
	writeJSON(w, days)
}

// deviceParam returns the device query parameter or, without one, the only
// device that submitted a state.
func (s *Server) deviceParam(r *http.Request) (string, bool) {
	if device := r.URL.Query().Get("device"); device != "" {
		return device, true
	}
	if devices := s.devices(); len(devices) == 1 {
		return devices[0], true
	}
	return "", false
}

// parseDateRange parses the start and end dates of a request. end is
// exclusive. Without dates the last 30 days including today are returned.
func parseDateRange(r *http.Request, now time.Time) (time.Time, time.Time, error) {
	startStr := r.URL.Query().Get("start")
	endStr := r.URL.Query().Get("end")

	if startStr == "" || endStr == "" {
		end := truncateDay(now).AddDate(0, 0, 1)
		return end.AddDate(0, 0, -defaultHistoryDays), end, nil
	}

	start, err := time.ParseInLocation(time.DateOnly, startStr, now.Location())
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("invalid start date: %w", err)
	}
	end, err := time.ParseInLocation(time.DateOnly, endStr, now.Location())
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("invalid end date: %w", err)
	}
	if !start.Before(end) {
		return time.Time{}, time.Time{}, fmt.Errorf("start date must be before end date")
	}
	if end.Sub(start) > maxHistoryDays*24*time.Hour {
		return time.Time{}, time.Time{}, fmt.Errorf("date range cannot exceed %d days", maxHistoryDays)
	}
	return start, end, nil
}
