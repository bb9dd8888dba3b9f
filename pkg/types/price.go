package types

import (
	"sort"
	"time"
)

const (
	// SlotDuration is the width of one price slot.
	SlotDuration = 30 * time.Minute
	// SlotsPerDay is the number of price slots in a regular day.
	SlotsPerDay = 48
)

// PriceSlot is the price of electricity during one half hour of a day.
type PriceSlot struct {
	// Index is the half hour of the local day, 0 for 00:00.
	Index int       `json:"index"`
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`

	// Price in cents per kWh.
	Price float64 `json:"price"`

	// Forecast is false once the slot has elapsed and the price is final.
	Forecast bool `json:"forecast"`
}

// RunWindow is a contiguous period the device is planned to run.
type RunWindow struct {
	From time.Time `json:"from"`
	To   time.Time `json:"to"`
	// AveragePrice of the slots making up the window. Manual windows have no
	// price.
	AveragePrice *float64 `json:"averagePrice,omitempty"`
}

// Hours returns the length of the window in hours.
func (w RunWindow) Hours() float64 {
	return w.To.Sub(w.From).Hours()
}

// Contains reports whether t lies inside the window. The end is exclusive.
func (w RunWindow) Contains(t time.Time) bool {
	return !t.Before(w.From) && t.Before(w.To)
}

// SortWindows orders windows by their start time.
func SortWindows(windows []RunWindow) {
	sort.SliceStable(windows, func(i, j int) bool {
		return windows[i].From.Before(windows[j].From)
	})
}

// WindowsContain reports whether any window contains t.
func WindowsContain(windows []RunWindow, t time.Time) bool {
	for _, w := range windows {
		if w.Contains(t) {
			return true
		}
	}
	return false
}

// WindowsHours sums the length of the windows in hours.
func WindowsHours(windows []RunWindow) float64 {
	var total float64
	for _, w := range windows {
		total += w.Hours()
	}
	return total
}
