package utility

import (
	"context"
	"math"
	"time"

	"github.com/levenlabs/go-lflag"
	"github.com/raterudder/loadrudder/pkg/types"
)

// Mock generates prices for testing without a price source. Prices follow a
// daily curve around the average with the cheapest slot at 04:00.
type Mock struct {
	average float64
	swing   float64
	now     func() time.Time
}

func configuredMock() *Mock {
	m := &Mock{now: time.Now}
	average := lflag.Int("mock-average-price", 15, "Average price in cents per kWh of the mock price provider")
	swing := lflag.Int("mock-price-swing", 10, "How far in cents per kWh mock prices move away from the average")
	lflag.Do(func() {
		m.average = float64(*average)
		m.swing = float64(*swing)
	})
	return m
}

// NewMock returns a mock provider. A swing of 0 gives a flat price.
func NewMock(average, swing float64) *Mock {
	return &Mock{average: average, swing: swing, now: time.Now}
}

// SetNow changes the clock deciding which slots have already passed.
func (m *Mock) SetNow(now func() time.Time) {
	m.now = now
}

// Info implements Provider.
func (m *Mock) Info() types.PriceProviderInfo {
	return types.PriceProviderInfo{
		ID:       "mock",
		Name:     "Mock Prices",
		Channels: []string{types.PriceChannelGeneral, types.PriceChannelControlledLoad},
	}
}

// GetDayPrices implements Provider.
func (m *Mock) GetDayPrices(ctx context.Context, channel string, day time.Time) ([]types.PriceSlot, error) {
	start, end := dayBounds(day)
	from := slotStart(m.now().In(day.Location()))
	if from.Before(start) {
		from = start
	}
	var slots []types.PriceSlot
	for ts := from; ts.Before(end); ts = ts.Add(types.SlotDuration) {
		hours := ts.Sub(start).Hours()
		price := m.average - m.swing*math.Cos(2*math.Pi*(hours-4)/24)
		slots = append(slots, types.PriceSlot{
			Start:    ts,
			End:      ts.Add(types.SlotDuration),
			Price:    math.Round(price*100) / 100,
			Forecast: true,
		})
	}
	return slots, nil
}
