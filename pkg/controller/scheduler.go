package controller

import (
	"math"
	"time"

	"github.com/raterudder/loadrudder/pkg/types"
)

// slotHours is the length of one price slot in hours.
const slotHours = 0.5

// epsilon absorbs floating point noise when converting hours to slots.
const epsilon = 1e-9

// TargetRuntime returns the runtime the device should reach on day: the
// required runtime plus the carried shortfall, clamped to the configured
// bounds. A day inside a no-run period has a target of 0.
func TargetRuntime(settings types.Settings, day time.Time, shortfall float64) float64 {
	if settings.InNoRunPeriod(day) {
		return 0
	}
	required := settings.RequiredRuntime(day)
	if settings.DeviceType == types.DeviceTypeHotWaterSystem {
		return required
	}
	return clamp(required+shortfall, settings.MinimumRunHoursPerDay, settings.MaximumRunHoursPerDay)
}

// SlotsNeeded converts the remaining runtime into whole slots, rounding up so
// the remaining runtime is always covered. The count is capped so that
// runtimeSoFar plus the selected slots never exceeds maximum, and by the
// number of slots still available today.
func SlotsNeeded(remaining, runtimeSoFar, maximum float64, available int) int {
	if remaining <= epsilon {
		return 0
	}
	n := int(math.Ceil(remaining/slotHours - epsilon))
	allowed := int(math.Floor((maximum-runtimeSoFar)/slotHours + epsilon))
	n = min(n, allowed, available)
	return max(n, 0)
}

// TrimWindows cuts the windows down to at most hours in total by removing the
// latest windows first. The last window kept is shortened when removing it
// entirely would undershoot.
func TrimWindows(windows []types.RunWindow, hours float64) []types.RunWindow {
	trimmed := append([]types.RunWindow(nil), windows...)
	types.SortWindows(trimmed)

	excess := types.WindowsHours(trimmed) - hours
	for excess > epsilon && len(trimmed) > 0 {
		last := &trimmed[len(trimmed)-1]
		if last.Hours() <= excess+epsilon {
			excess -= last.Hours()
			trimmed = trimmed[:len(trimmed)-1]
			continue
		}
		last.To = last.To.Add(-time.Duration(excess * float64(time.Hour)))
		excess = 0
	}
	return trimmed
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}
