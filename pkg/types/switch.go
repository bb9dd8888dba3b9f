package types

import "time"

// SwitchStatus represents the current status of the relay controlling the
// load.
type SwitchStatus struct {
	Timestamp time.Time `json:"timestamp"`
	On        bool      `json:"on"`
	// EnergyWh is the lifetime meter reading, absent without a meter.
	EnergyWh     *float64 `json:"energyWh,omitempty"`
	PowerW       *float64 `json:"powerW,omitempty"`
	Voltage      *float64 `json:"voltage,omitempty"`
	Current      *float64 `json:"current,omitempty"`
	TemperatureC *float64 `json:"temperatureC,omitempty"`
}

// SwitchProviderInfo provides metadata about a switch provider.
type SwitchProviderInfo struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	HasMeter bool   `json:"hasMeter"`
	Hidden   bool   `json:"hidden,omitempty"`
}

// SwitchMockState represents the internal state of the simulated switch.
type SwitchMockState struct {
	Timestamp time.Time `json:"timestamp"`
	On        bool      `json:"on"`
	EnergyWh  float64   `json:"energyWh"`
	// PowerW drawn while the simulated load is on.
	PowerW float64 `json:"powerW"`
}
