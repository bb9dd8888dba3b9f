package types

import (
	"fmt"
	"time"
)

// PriceProviderInfo provides metadata about a price provider.
type PriceProviderInfo struct {
	ID       string   `json:"id"`
	Name     string   `json:"name"`
	Channels []string `json:"channels"`
	// Live is false for providers that don't track the market.
	Live bool `json:"live"`
}

// TariffPeriod defines a particular schedule for a tariff rate or fee.
type TariffPeriod struct {
	Start         time.Time      `json:"start"`
	End           time.Time      `json:"end"`
	HourStart     int            `json:"hourStart"`
	HourEnd       int            `json:"hourEnd"`
	DaysOfTheWeek []time.Weekday `json:"daysOfTheWeek"`
	Location      string         `json:"location"`
	LocationPtr   *time.Location `json:"-"`
}

// Contains checks if a time is within the period.
func (p *TariffPeriod) Contains(t time.Time) (bool, error) {
	if p.LocationPtr != nil {
		t = t.In(p.LocationPtr)
	} else if p.Location != "" {
		loc, err := time.LoadLocation(p.Location)
		if err != nil {
			return false, fmt.Errorf("failed to load location %s: %w", p.Location, err)
		}
		t = t.In(loc)
	}
	if !p.Start.IsZero() && t.Before(p.Start) {
		return false, nil
	}
	if !p.End.IsZero() && t.After(p.End) {
		return false, nil
	}
	if h := t.Hour(); h < p.HourStart || h >= p.HourEnd {
		return false, nil
	}
	if len(p.DaysOfTheWeek) > 0 {
		var found bool
		dow := t.Weekday()
		for _, d := range p.DaysOfTheWeek {
			if d == dow {
				found = true
				break
			}
		}
		if !found {
			return false, nil
		}
	}
	return true, nil
}

// TariffRate is a price in cents per kWh charged during a period. Rates of
// overlapping periods add up.
type TariffRate struct {
	TariffPeriod
	CentsPerKWH float64 `json:"centsPerKWH"`
	// Channel limits the rate to one price channel. Empty applies it to all.
	Channel     string `json:"channel,omitempty"`
	Description string `json:"description"`
}

// AppliesTo reports whether the rate is charged on the channel.
func (r TariffRate) AppliesTo(channel string) bool {
	return r.Channel == "" || r.Channel == channel
}
