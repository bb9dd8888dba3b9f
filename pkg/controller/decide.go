package controller

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/raterudder/loadrudder/pkg/log"
	"github.com/raterudder/loadrudder/pkg/types"
)

// Input is everything a strategy needs to make one decision.
type Input struct {
	Now      time.Time
	Settings types.Settings
	// Prices is nil when no prices could be fetched.
	Prices *Catalog
	// RuntimeSoFar includes the elapsed part of a run in progress.
	RuntimeSoFar   float64
	PriorShortfall float64
}

// Decision is the outcome of a strategy for one tick.
type Decision struct {
	On          bool
	Reason      types.Reason
	Explanation string

	TargetRuntime    float64
	RemainingRuntime float64
	Plan             []types.RunWindow
	CurrentPrice     *float64
	// Degraded is set when the decision was made without prices.
	Degraded bool
}

// Strategy decides whether the device should be running.
type Strategy interface {
	Decide(ctx context.Context, in Input) (Decision, error)
}

// NewStrategy returns the strategy for the device type.
func NewStrategy(deviceType types.DeviceType) (Strategy, error) {
	switch deviceType {
	case types.DeviceTypePoolPump:
		return PoolPump{}, nil
	case types.DeviceTypeHotWaterSystem:
		return HotWaterSystem{}, nil
	default:
		return nil, fmt.Errorf("%w: unknown device type %q", types.ErrConfiguration, deviceType)
	}
}

// PoolPump runs in the cheapest slots of the day needed to reach its target.
type PoolPump struct{}

// Decide implements Strategy.
func (PoolPump) Decide(ctx context.Context, in Input) (Decision, error) {
	s := in.Settings
	day := truncateDay(in.Now)

	if s.InNoRunPeriod(day) {
		return Decision{
			Reason:      types.ReasonNoRunPeriod,
			Explanation: "today is inside a no-run period",
		}, nil
	}

	d := Decision{
		TargetRuntime: TargetRuntime(s, day, in.PriorShortfall),
	}
	d.RemainingRuntime = math.Max(0, d.TargetRuntime-in.RuntimeSoFar)

	if in.Prices == nil || in.Prices.Len() == 0 {
		return decideManual(ctx, in, d), nil
	}

	idx := in.Prices.CurrentSlotIndex(in.Now)
	available := in.Prices.Remaining(idx)
	n := SlotsNeeded(d.RemainingRuntime, in.RuntimeSoFar, s.MaximumRunHoursPerDay, available)
	planSlots, err := in.Prices.CheapestSlots(n, idx)
	if err != nil {
		return Decision{}, fmt.Errorf("failed to select cheapest slots: %w", err)
	}
	d.Plan = MergeWindows(planSlots)

	slot, priced := in.Prices.Slot(idx)
	if priced {
		price := slot.Price
		d.CurrentPrice = &price
	}

	log.Ctx(ctx).DebugContext(
		ctx,
		"pool pump plan",
		slog.Float64("target", d.TargetRuntime),
		slog.Float64("remaining", d.RemainingRuntime),
		slog.Float64("runtimeSoFar", in.RuntimeSoFar),
		slog.Int("slots", n),
		slog.Int("windows", len(d.Plan)),
		slog.Int("slotIndex", idx),
		slog.Bool("priced", priced),
	)

	if priced && slot.Price > s.MaximumPriceToRun {
		d.Reason = types.ReasonPriceAboveMaximum
		d.Explanation = fmt.Sprintf("price %.2fc is above the maximum of %.2fc", slot.Price, s.MaximumPriceToRun)
		return d, nil
	}

	if in.RuntimeSoFar >= s.MaximumRunHoursPerDay-epsilon {
		d.Reason = types.ReasonMaximumReached
		d.Explanation = fmt.Sprintf("already ran %.2fh of the %.2fh maximum", in.RuntimeSoFar, s.MaximumRunHoursPerDay)
		return d, nil
	}

	if priced && in.RuntimeSoFar < s.MinimumRunHoursPerDay-epsilon {
		need := SlotsNeeded(s.MinimumRunHoursPerDay-in.RuntimeSoFar, in.RuntimeSoFar, s.MaximumRunHoursPerDay, available)
		minSlots, err := in.Prices.CheapestSlots(need, idx)
		if err != nil {
			return Decision{}, fmt.Errorf("failed to select minimum slots: %w", err)
		}
		if len(minSlots) > 0 {
			worst := minSlots[len(minSlots)-1].Price
			limit := worst * s.ThresholdAboveCheapestPricesForMinimumHours
			log.Ctx(ctx).DebugContext(
				ctx,
				"minimum runtime not met",
				slog.Float64("worstCheapestPrice", worst),
				slog.Float64("limit", limit),
				slog.Float64("price", slot.Price),
			)
			if slot.Price <= limit {
				d.On = true
				d.Reason = types.ReasonMinimumNotMet
				d.Explanation = fmt.Sprintf("minimum of %.2fh not met and price %.2fc is within %.2fc", s.MinimumRunHoursPerDay, slot.Price, limit)
				return d, nil
			}
		}
	}

	return decideFromPlan(in, d), nil
}

// HotWaterSystem runs whenever the price is acceptable.
type HotWaterSystem struct{}

// Decide implements Strategy.
func (HotWaterSystem) Decide(ctx context.Context, in Input) (Decision, error) {
	s := in.Settings
	day := truncateDay(in.Now)

	if s.InNoRunPeriod(day) {
		return Decision{
			Reason:      types.ReasonNoRunPeriod,
			Explanation: "today is inside a no-run period",
		}, nil
	}

	d := Decision{
		TargetRuntime: TargetRuntime(s, day, 0),
	}
	d.RemainingRuntime = math.Max(0, d.TargetRuntime-in.RuntimeSoFar)

	if in.Prices == nil || in.Prices.Len() == 0 {
		return decideManual(ctx, in, d), nil
	}
	idx := in.Prices.CurrentSlotIndex(in.Now)
	slot, priced := in.Prices.Slot(idx)
	if !priced {
		return decideManual(ctx, in, d), nil
	}
	price := slot.Price
	d.CurrentPrice = &price

	// the plan is every remaining slot we are willing to pay for
	var acceptable []types.PriceSlot
	for _, p := range in.Prices.Slots() {
		if p.Index >= idx && p.Price <= s.MaximumPriceToRun {
			acceptable = append(acceptable, p)
		}
	}
	d.Plan = MergeWindows(acceptable)

	if slot.Price > s.MaximumPriceToRun {
		d.Reason = types.ReasonPriceAboveMaximum
		d.Explanation = fmt.Sprintf("price %.2fc is above the maximum of %.2fc", slot.Price, s.MaximumPriceToRun)
		return d, nil
	}
	d.On = true
	d.Reason = types.ReasonPriceAcceptable
	d.Explanation = fmt.Sprintf("price %.2fc is at or below the maximum of %.2fc", slot.Price, s.MaximumPriceToRun)
	return d, nil
}

// decideManual falls back to the manual schedule when there are no prices.
func decideManual(ctx context.Context, in Input, d Decision) Decision {
	d.Degraded = true
	windows := in.Settings.ManualWindows(in.Now)
	if len(windows) == 0 {
		d.Reason = types.ReasonNoScheduleAvailable
		d.Explanation = "no prices and no manual schedule available"
		return d
	}
	if in.Settings.DeviceType == types.DeviceTypeHotWaterSystem {
		d.Plan = windows
	} else {
		d.Plan = TrimWindows(windows, d.TargetRuntime)
	}
	log.Ctx(ctx).DebugContext(
		ctx,
		"using manual schedule",
		slog.Int("windows", len(d.Plan)),
		slog.Float64("hours", types.WindowsHours(d.Plan)),
		slog.Float64("target", d.TargetRuntime),
	)

	if in.Settings.DeviceType == types.DeviceTypePoolPump && in.RuntimeSoFar >= in.Settings.MaximumRunHoursPerDay-epsilon {
		d.Reason = types.ReasonMaximumReached
		d.Explanation = fmt.Sprintf("already ran %.2fh of the %.2fh maximum", in.RuntimeSoFar, in.Settings.MaximumRunHoursPerDay)
		return d
	}
	d = decideFromPlan(in, d)
	if d.On {
		d.Reason = types.ReasonManualSchedule
		d.Explanation = "inside the manual schedule"
	}
	return d
}

func decideFromPlan(in Input, d Decision) Decision {
	if d.RemainingRuntime <= epsilon {
		d.Reason = types.ReasonTargetMet
		d.Explanation = fmt.Sprintf("target of %.2fh reached", d.TargetRuntime)
		return d
	}
	if types.WindowsContain(d.Plan, in.Now) {
		d.On = true
		d.Reason = types.ReasonScheduledRun
		d.Explanation = "current slot is in today's run plan"
		return d
	}
	d.Reason = types.ReasonNotScheduled
	d.Explanation = "current slot is not in today's run plan"
	return d
}
