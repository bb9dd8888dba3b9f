package types

import (
	"fmt"
	"time"
)

const (
	// CurrentStateVersion is the current version of the persisted state.
	CurrentStateVersion = 2

	// HistoryDays is the number of daily records kept in the state, today
	// included.
	HistoryDays = 8
)

// Reason explains a run decision.
type Reason string

const (
	ReasonPriceAboveMaximum   Reason = "priceAboveMaximum"
	ReasonNoRunPeriod         Reason = "noRunPeriod"
	ReasonMinimumNotMet       Reason = "minimumNotMet"
	ReasonScheduledRun        Reason = "scheduledRun"
	ReasonNotScheduled        Reason = "notScheduled"
	ReasonTargetMet           Reason = "targetMet"
	ReasonMaximumReached      Reason = "maximumReached"
	ReasonManualSchedule      Reason = "manualSchedule"
	ReasonNoScheduleAvailable Reason = "noScheduleAvailable"
	ReasonPriceAcceptable     Reason = "priceAcceptable"
)

// Totals aggregates energy, cost and runtime over a number of days.
type Totals struct {
	// EnergyUsed in Wh.
	EnergyUsed float64 `json:"energyUsed"`
	// TotalCost in cents.
	TotalCost float64 `json:"totalCost"`
	// RunTime in hours.
	RunTime float64 `json:"runTime"`
	// AveragePrice in cents per kWh, absent when no energy was used.
	AveragePrice *float64 `json:"averagePrice,omitempty"`
}

// Add returns the sum of both totals with the average price recomputed.
func (t Totals) Add(energy, cost, runtime float64) Totals {
	t.EnergyUsed += energy
	t.TotalCost += cost
	t.RunTime += runtime
	t.AveragePrice = AveragePrice(t.TotalCost, t.EnergyUsed)
	return t
}

// DeviceRun is a single period the device was switched on.
type DeviceRun struct {
	StartTime time.Time  `json:"startTime"`
	EndTime   *time.Time `json:"endTime,omitempty"`
	// RunTime in hours, absent while running.
	RunTime *float64 `json:"runTime,omitempty"`
	// EnergyUsedStart is the meter reading (Wh) when the run started, absent
	// when the switch has no meter.
	EnergyUsedStart  *float64 `json:"energyUsedStart,omitempty"`
	EnergyUsedForRun *float64 `json:"energyUsedForRun,omitempty"`
	// Price in effect when the run started (cents per kWh).
	Price *float64 `json:"price,omitempty"`
	// Cost of the run in cents, absent while running or without a meter.
	Cost *float64 `json:"cost,omitempty"`
}

// InProgress reports whether the run has not been closed yet.
func (r DeviceRun) InProgress() bool {
	return r.EndTime == nil
}

// DailyRecord tracks the runtime, energy and cost of one day.
type DailyRecord struct {
	// Date in "2006-01-02" format, empty for a day we know nothing about.
	Date                  string      `json:"date"`
	RequiredDailyRuntime  float64     `json:"requiredDailyRuntime"`
	PriorShortfall        float64     `json:"priorShortfall"`
	TargetRuntime         float64     `json:"targetRuntime"`
	RuntimeToday          float64     `json:"runtimeToday"`
	RemainingRuntimeToday float64     `json:"remainingRuntimeToday"`
	EnergyUsed            float64     `json:"energyUsed"`
	TotalCost             float64     `json:"totalCost"`
	AveragePrice          *float64    `json:"averagePrice,omitempty"`
	DeviceRuns            []DeviceRun `json:"deviceRuns"`
}

// ControllerState is the document persisted between ticks.
type ControllerState struct {
	Version int `json:"version"`

	DeviceName             string     `json:"deviceName"`
	DeviceType             DeviceType `json:"deviceType"`
	MaxDailyRuntimeAllowed float64    `json:"maxDailyRuntimeAllowed"`

	LastStateSaveTime time.Time `json:"lastStateSaveTime"`
	LastRunSuccessful bool      `json:"lastRunSuccessful"`
	LastStatusMessage string    `json:"lastStatusMessage"`
	LastReason        Reason    `json:"lastReason,omitempty"`
	// Degraded is set when the last decision was made without prices.
	Degraded bool `json:"degraded"`

	CurrentShortfall float64 `json:"currentShortfall"`

	LivePrices           bool       `json:"livePrices"`
	CurrentPrice         *float64   `json:"currentPrice,omitempty"`
	PriceTime            *time.Time `json:"priceTime,omitempty"`
	AverageForecastPrice *float64   `json:"averageForecastPrice,omitempty"`

	IsDeviceRunning     bool       `json:"isDeviceRunning"`
	DeviceLastStartTime *time.Time `json:"deviceLastStartTime,omitempty"`
	EnergyAtLastStart   *float64   `json:"energyAtLastStart,omitempty"`

	EarlierTotals Totals `json:"earlierTotals"`
	AlltimeTotals Totals `json:"alltimeTotals"`

	TodayRunPlan         []RunWindow `json:"todayRunPlan"`
	TodayOriginalRunPlan []RunWindow `json:"todayOriginalRunPlan"`

	// DailyData[0] is today, DailyData[7] is seven days ago.
	DailyData [HistoryDays]DailyRecord `json:"dailyData"`
}

// NewControllerState returns the default state for a device that has never
// been run.
func NewControllerState(settings Settings) ControllerState {
	return ControllerState{
		Version:                CurrentStateVersion,
		DeviceName:             settings.DeviceName,
		DeviceType:             settings.DeviceType,
		MaxDailyRuntimeAllowed: settings.MaximumRunHoursPerDay,
		LastRunSuccessful:      true,
	}
}

// Today returns the record of the current day.
func (s *ControllerState) Today() *DailyRecord {
	return &s.DailyData[0]
}

// Validate checks the structural invariants of a loaded state.
func (s ControllerState) Validate() error {
	var open int
	for i, d := range s.DailyData {
		if d.Date != "" {
			if _, err := time.Parse(time.DateOnly, d.Date); err != nil {
				return fmt.Errorf("dailyData[%d] has invalid date %q", i, d.Date)
			}
		}
		for _, r := range d.DeviceRuns {
			if r.InProgress() {
				open++
			}
		}
	}
	if open > 1 {
		return fmt.Errorf("found %d runs in progress", open)
	}
	if open == 1 && !s.IsDeviceRunning {
		return fmt.Errorf("run in progress but device is not running")
	}
	return nil
}

// AveragePrice returns cost/energy in cents per kWh or nil if no energy was
// used.
func AveragePrice(costCents, energyWh float64) *float64 {
	if energyWh <= 0 {
		return nil
	}
	v := costCents / (energyWh / 1000)
	return &v
}

// MigrateState migrates a persisted state to the current version.
// It returns the migrated state, a boolean indicating if changes were made, and an error if migration failed.
func MigrateState(s ControllerState, currentVersion int) (ControllerState, bool, error) {
	if currentVersion >= CurrentStateVersion {
		return s, false, nil
	}

	migrated := false
	for version := currentVersion + 1; version <= CurrentStateVersion; version++ {
		switch version {
		case 1:
			// version 1: initial
		case 2:
			// version 2: average prices are stored on the totals and records
			if s.AlltimeTotals.AveragePrice == nil && s.AlltimeTotals.EnergyUsed > 0 {
				s.AlltimeTotals.AveragePrice = AveragePrice(s.AlltimeTotals.TotalCost, s.AlltimeTotals.EnergyUsed)
				migrated = true
			}
			if s.EarlierTotals.AveragePrice == nil && s.EarlierTotals.EnergyUsed > 0 {
				s.EarlierTotals.AveragePrice = AveragePrice(s.EarlierTotals.TotalCost, s.EarlierTotals.EnergyUsed)
				migrated = true
			}
			for i := range s.DailyData {
				d := &s.DailyData[i]
				if d.AveragePrice == nil && d.EnergyUsed > 0 {
					d.AveragePrice = AveragePrice(d.TotalCost, d.EnergyUsed)
					migrated = true
				}
			}
		default:
			return s, false, fmt.Errorf("unknown state version: %d", version)
		}
	}
	s.Version = CurrentStateVersion

	return s, migrated, nil
}
