package controller

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/raterudder/loadrudder/pkg/log"
	"github.com/raterudder/loadrudder/pkg/types"
)

// SimStep represents one simulated tick.
type SimStep struct {
	TS           time.Time    `json:"ts"`
	SlotIndex    int          `json:"slotIndex"`
	Price        *float64     `json:"price,omitempty"`
	On           bool         `json:"on"`
	Reason       types.Reason `json:"reason"`
	RuntimeSoFar float64      `json:"runtimeSoFar"`
	EnergyWh     float64      `json:"energyWh"`
	CostCents    float64      `json:"costCents"`
}

// SimulateDay replays the ticks left today, every step starting at now, as if
// the device drew powerW while on. The passed state is not modified. It
// returns the simulated steps and the state at the end of the day.
func (c *Controller) SimulateDay(
	ctx context.Context,
	state types.ControllerState,
	settings types.Settings,
	prices *Catalog,
	now time.Time,
	step time.Duration,
	powerW float64,
) ([]SimStep, types.ControllerState, error) {
	if step <= 0 {
		return nil, state, fmt.Errorf("invalid simulation step: %s", step)
	}
	sim := CloneState(state)
	end := truncateDay(now).AddDate(0, 0, 1)

	// the simulated meter continues from the open run when there is one
	var meter float64
	if run := openRun(sim.Today()); run != nil && run.EnergyUsedStart != nil {
		meter = *run.EnergyUsedStart + powerW*now.Sub(run.StartTime).Hours()
	}

	steps := make([]SimStep, 0, int(end.Sub(now)/step)+1)
	for t := now; t.Before(end); t = t.Add(step) {
		d, err := c.Decide(ctx, &sim, settings, prices, t)
		if err != nil {
			return nil, state, err
		}
		reading := meter
		RecordSwitch(&sim, d.On, t, &reading, d.CurrentPrice)

		next := t.Add(step)
		if next.After(end) {
			next = end
		}
		if sim.IsDeviceRunning {
			meter += powerW * next.Sub(t).Hours()
		}

		today := sim.Today()
		steps = append(steps, SimStep{
			TS:           t,
			SlotIndex:    SlotIndex(t),
			Price:        d.CurrentPrice,
			On:           d.On,
			Reason:       d.Reason,
			RuntimeSoFar: RuntimeAt(*today, next),
			EnergyWh:     today.EnergyUsed,
			CostCents:    today.TotalCost,
		})
	}
	if sim.IsDeviceRunning {
		reading := meter
		RecordSwitch(&sim, false, end, &reading, nil)
	}

	log.Ctx(ctx).DebugContext(
		ctx,
		"simulated rest of day",
		slog.Int("steps", len(steps)),
		slog.Float64("runtime", sim.Today().RuntimeToday),
		slog.Float64("energyWh", sim.Today().EnergyUsed),
	)
	return steps, sim, nil
}

// CloneState returns a deep copy of the state.
func CloneState(s types.ControllerState) types.ControllerState {
	c := s
	c.TodayRunPlan = append([]types.RunWindow(nil), s.TodayRunPlan...)
	c.TodayOriginalRunPlan = append([]types.RunWindow(nil), s.TodayOriginalRunPlan...)
	for i := range s.DailyData {
		if s.DailyData[i].DeviceRuns != nil {
			c.DailyData[i].DeviceRuns = append([]types.DeviceRun{}, s.DailyData[i].DeviceRuns...)
		}
	}
	return c
}
