package controller

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/raterudder/loadrudder/pkg/log"
	"github.com/raterudder/loadrudder/pkg/types"
)

// Controller handles the decision-making logic for the device. It holds no
// state between ticks; everything it needs is passed in and written back to
// the ControllerState.
type Controller struct {
}

// NewController creates a new Controller.
func NewController() *Controller {
	return &Controller{}
}

// Decide determines whether the device should run right now and records
// today's plan, target and price in state.
func (c *Controller) Decide(
	ctx context.Context,
	state *types.ControllerState,
	settings types.Settings,
	prices *Catalog,
	now time.Time,
) (Decision, error) {
	strategy, err := NewStrategy(settings.DeviceType)
	if err != nil {
		return Decision{}, err
	}

	today := state.Today()
	in := Input{
		Now:            now,
		Settings:       settings,
		Prices:         prices,
		RuntimeSoFar:   RuntimeAt(*today, now),
		PriorShortfall: today.PriorShortfall,
	}
	log.Ctx(ctx).DebugContext(
		ctx,
		"controller decide started",
		slog.String("deviceType", string(settings.DeviceType)),
		slog.Float64("runtimeSoFar", in.RuntimeSoFar),
		slog.Float64("priorShortfall", in.PriorShortfall),
		slog.Bool("running", state.IsDeviceRunning),
	)

	d, err := strategy.Decide(ctx, in)
	if err != nil {
		return Decision{}, fmt.Errorf("failed to decide: %w", err)
	}

	state.DeviceName = settings.DeviceName
	state.DeviceType = settings.DeviceType
	state.MaxDailyRuntimeAllowed = settings.MaximumRunHoursPerDay
	if settings.DeviceType == types.DeviceTypeHotWaterSystem {
		state.MaxDailyRuntimeAllowed = 24
	}

	today.RequiredDailyRuntime = settings.RequiredRuntime(now)
	today.TargetRuntime = d.TargetRuntime
	state.TodayRunPlan = append([]types.RunWindow{}, d.Plan...)
	state.Degraded = d.Degraded
	state.LastReason = d.Reason

	state.LivePrices = prices != nil && prices.Len() > 0
	state.CurrentPrice = d.CurrentPrice
	state.PriceTime = nil
	state.AverageForecastPrice = nil
	if state.LivePrices {
		idx := prices.CurrentSlotIndex(now)
		if slot, ok := prices.Slot(idx); ok {
			start := slot.Start
			state.PriceTime = &start
		}
		if avg, ok := prices.AveragePrice(idx); ok {
			state.AverageForecastPrice = &avg
		}
	}
	Recompute(state, now)

	log.Ctx(ctx).DebugContext(
		ctx,
		"controller decided",
		slog.Bool("on", d.On),
		slog.String("reason", string(d.Reason)),
		slog.String("explanation", d.Explanation),
		slog.Float64("target", d.TargetRuntime),
		slog.Float64("remaining", d.RemainingRuntime),
		slog.Bool("degraded", d.Degraded),
	)
	return d, nil
}
