package controller

import (
	"time"

	"github.com/raterudder/loadrudder/pkg/types"
)

// Transition is the change applied to the device state by a tick.
type Transition int

const (
	TransitionNone Transition = iota
	TransitionStarted
	TransitionStopped
)

func (t Transition) String() string {
	switch t {
	case TransitionStarted:
		return "started"
	case TransitionStopped:
		return "stopped"
	default:
		return "none"
	}
}

// RecordSwitch updates the state after the switch was successfully set to on
// at now. meter is the energy reading in Wh (nil without a meter) and price
// the current price (nil if unknown). Setting the state the device is already
// in does nothing.
func RecordSwitch(state *types.ControllerState, on bool, now time.Time, meter, price *float64) Transition {
	switch {
	case on && !state.IsDeviceRunning:
		startRun(state, now, meter, price)
		return TransitionStarted
	case !on && state.IsDeviceRunning:
		stopRun(state, now, meter)
		return TransitionStopped
	default:
		Recompute(state, now)
		return TransitionNone
	}
}

func startRun(state *types.ControllerState, now time.Time, meter, price *float64) {
	today := state.Today()
	if len(today.DeviceRuns) == 0 && state.TodayOriginalRunPlan == nil {
		state.TodayOriginalRunPlan = append([]types.RunWindow{}, state.TodayRunPlan...)
	}
	today.DeviceRuns = append(today.DeviceRuns, types.DeviceRun{
		StartTime:       now,
		EnergyUsedStart: copyFloat(meter),
		Price:           copyFloat(price),
	})

	start := now
	state.IsDeviceRunning = true
	state.DeviceLastStartTime = &start
	state.EnergyAtLastStart = copyFloat(meter)
	Recompute(state, now)
}

func stopRun(state *types.ControllerState, now time.Time, meter *float64) {
	if run := openRun(state.Today()); run != nil {
		closeRun(run, now, meter)
	}
	state.IsDeviceRunning = false
	Recompute(state, now)
}

// closeRun ends a run at end. meter is the reading at end.
func closeRun(run *types.DeviceRun, end time.Time, meter *float64) {
	hours := end.Sub(run.StartTime).Hours()
	if hours < 0 {
		hours = 0
	}
	endTime := end
	run.EndTime = &endTime
	run.RunTime = &hours

	if meter != nil && run.EnergyUsedStart != nil {
		// a meter that went backwards was reset so we can't tell the usage
		energy := max(0, *meter-*run.EnergyUsedStart)
		run.EnergyUsedForRun = &energy
		if run.Price != nil {
			cost := energy / 1000 * *run.Price
			run.Cost = &cost
		}
	}
}

func openRun(day *types.DailyRecord) *types.DeviceRun {
	for i := len(day.DeviceRuns) - 1; i >= 0; i-- {
		if day.DeviceRuns[i].InProgress() {
			return &day.DeviceRuns[i]
		}
	}
	return nil
}

// RuntimeAt returns the runtime of the day at now, including the elapsed part
// of a run in progress.
func RuntimeAt(day types.DailyRecord, now time.Time) float64 {
	var runtime float64
	for _, r := range day.DeviceRuns {
		if r.InProgress() {
			if now.After(r.StartTime) {
				runtime += now.Sub(r.StartTime).Hours()
			}
			continue
		}
		if r.RunTime != nil {
			runtime += *r.RunTime
		}
	}
	return runtime
}

// RecomputeDay rolls the runs of a day up into its aggregates.
func RecomputeDay(day *types.DailyRecord, now time.Time) {
	var energy, cost float64
	for _, r := range day.DeviceRuns {
		if r.EnergyUsedForRun != nil {
			energy += *r.EnergyUsedForRun
		}
		if r.Cost != nil {
			cost += *r.Cost
		}
	}
	day.RuntimeToday = RuntimeAt(*day, now)
	day.RemainingRuntimeToday = max(0, day.TargetRuntime-day.RuntimeToday)
	day.EnergyUsed = energy
	day.TotalCost = cost
	day.AveragePrice = types.AveragePrice(cost, energy)
}

// Recompute refreshes today's aggregates and the all time totals.
func Recompute(state *types.ControllerState, now time.Time) {
	RecomputeDay(state.Today(), now)
	totals := state.EarlierTotals
	for _, d := range state.DailyData {
		totals = totals.Add(d.EnergyUsed, d.TotalCost, d.RuntimeToday)
	}
	state.AlltimeTotals = totals
}

func copyFloat(v *float64) *float64 {
	if v == nil {
		return nil
	}
	c := *v
	return &c
}
