package controller

import (
	"time"

	"github.com/raterudder/loadrudder/pkg/types"
)

// Rollover starts a new day when the date of DailyData[0] is not the date of
// now. Yesterday's open run is closed at midnight and continued today, the
// history is shifted one slot per elapsed day, records leaving the window are
// folded into EarlierTotals and today's record is initialised with the new
// shortfall. meter is the current energy reading (nil without a meter).
//
// It returns false without changing anything when the day has not changed.
func Rollover(state *types.ControllerState, settings types.Settings, now time.Time, meter *float64) bool {
	todayMidnight := truncateDay(now)
	today := todayMidnight.Format(time.DateOnly)
	current := state.DailyData[0].Date
	if current == today {
		return false
	}

	if current == "" {
		// nothing was ever recorded so there is nothing to shift
		state.CurrentShortfall = 0
		state.DailyData[0] = newDay(settings, todayMidnight, 0)
		state.TodayRunPlan = nil
		state.TodayOriginalRunPlan = nil
		Recompute(state, now)
		return true
	}

	prevMidnight, err := time.ParseInLocation(time.DateOnly, current, now.Location())
	if err != nil || !prevMidnight.Before(todayMidnight) {
		// the clock went backwards, keep accounting against the stored day
		return false
	}
	days := daysBetween(prevMidnight, todayMidnight)

	// close the run that is still going at the end of its day
	var continued *types.DeviceRun
	if run := openRun(&state.DailyData[0]); run != nil {
		continued = splitRun(run, prevMidnight.AddDate(0, 0, 1), todayMidnight, now, meter)
	}
	RecomputeDay(&state.DailyData[0], prevMidnight.AddDate(0, 0, 1))

	shift := min(days, types.HistoryDays)
	for i := 0; i < shift; i++ {
		folded := state.DailyData[types.HistoryDays-1]
		state.EarlierTotals = state.EarlierTotals.Add(folded.EnergyUsed, folded.TotalCost, folded.RuntimeToday)
		copy(state.DailyData[1:], state.DailyData[:types.HistoryDays-1])
		state.DailyData[0] = types.DailyRecord{}
	}
	// days we never ran for are kept as empty records
	for k := 1; k < types.HistoryDays && k < days; k++ {
		state.DailyData[k] = types.DailyRecord{
			Date:       todayMidnight.AddDate(0, 0, -k).Format(time.DateOnly),
			DeviceRuns: []types.DeviceRun{},
		}
	}

	shortfall := Shortfall(settings, state.DailyData[1:])
	state.CurrentShortfall = shortfall
	state.DailyData[0] = newDay(settings, todayMidnight, shortfall)
	if continued != nil {
		state.DailyData[0].DeviceRuns = append(state.DailyData[0].DeviceRuns, *continued)
	}
	state.TodayRunPlan = nil
	state.TodayOriginalRunPlan = nil
	Recompute(state, now)
	return true
}

// Shortfall sums the difference between the target and the actual runtime of
// the given days. Days that ran over the target reduce it. The result is
// clamped to [0, maximum*7]. The hot water system never carries a shortfall.
func Shortfall(settings types.Settings, days []types.DailyRecord) float64 {
	if settings.DeviceType == types.DeviceTypeHotWaterSystem {
		return 0
	}
	var sum float64
	for _, d := range days {
		sum += d.TargetRuntime - d.RuntimeToday
	}
	return clamp(sum, 0, settings.MaximumRunHoursPerDay*float64(types.HistoryDays-1))
}

func newDay(settings types.Settings, midnight time.Time, shortfall float64) types.DailyRecord {
	target := TargetRuntime(settings, midnight, shortfall)
	return types.DailyRecord{
		Date:                  midnight.Format(time.DateOnly),
		RequiredDailyRuntime:  settings.RequiredRuntime(midnight),
		PriorShortfall:        shortfall,
		TargetRuntime:         target,
		RemainingRuntimeToday: target,
		DeviceRuns:            []types.DeviceRun{},
	}
}

// splitRun closes run at dayEnd and returns its continuation starting at
// resume. The energy measured so far is shared out in proportion to time.
// Without a reading the continuation keeps the run's starting reading so the
// whole run's energy is accounted to the new day when it stops.
func splitRun(run *types.DeviceRun, dayEnd, resume, now time.Time, meter *float64) *types.DeviceRun {
	var atDayEnd, atResume *float64
	switch {
	case meter == nil:
		atResume = copyFloat(run.EnergyUsedStart)
	case run.EnergyUsedStart != nil:
		total := max(0, *meter-*run.EnergyUsedStart)
		elapsed := now.Sub(run.StartTime)
		share := func(t time.Time) *float64 {
			v := *meter
			if elapsed > 0 {
				v = *run.EnergyUsedStart + total*float64(t.Sub(run.StartTime))/float64(elapsed)
			}
			return &v
		}
		atDayEnd = share(dayEnd)
		atResume = share(resume)
	}
	closeRun(run, dayEnd, atDayEnd)
	return &types.DeviceRun{
		StartTime:       resume,
		EnergyUsedStart: atResume,
		Price:           copyFloat(run.Price),
	}
}

// daysBetween counts calendar days between two midnights, which may be 23 or
// 25 hours apart around daylight saving changes.
func daysBetween(from, to time.Time) int {
	days := 0
	for d := from; d.Before(to); d = d.AddDate(0, 0, 1) {
		days++
	}
	return days
}
