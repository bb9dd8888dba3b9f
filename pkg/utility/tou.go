package utility

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/levenlabs/go-lflag"
	"github.com/raterudder/loadrudder/pkg/types"
)

// TOU implements a fixed time-of-use tariff. The price of a slot is the sum of
// every rate whose period contains the start of the slot.
type TOU struct {
	mu    sync.Mutex
	rates []types.TariffRate
	now   func() time.Time
}

// configuredTOU sets up flags for the time-of-use tariff.
func configuredTOU() *TOU {
	t := &TOU{now: time.Now}
	var rates []types.TariffRate
	lflag.JSON(&rates, "tou-rates", rates, "JSON list of time-of-use rates (hourStart, hourEnd, daysOfTheWeek, centsPerKWH, channel)")
	lflag.Do(func() {
		t.SetRates(rates)
	})
	return t
}

// NewTOU returns a time-of-use tariff with the given rates.
func NewTOU(rates []types.TariffRate) *TOU {
	t := &TOU{now: time.Now}
	t.SetRates(rates)
	return t
}

// SetRates replaces the tariff.
func (t *TOU) SetRates(rates []types.TariffRate) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.rates = append([]types.TariffRate(nil), rates...)
}

// Info implements Provider.
func (t *TOU) Info() types.PriceProviderInfo {
	return types.PriceProviderInfo{
		ID:       "tou",
		Name:     "Time-of-Use Tariff",
		Channels: []string{types.PriceChannelGeneral, types.PriceChannelControlledLoad},
	}
}

// GetDayPrices implements Provider.
func (t *TOU) GetDayPrices(ctx context.Context, channel string, day time.Time) ([]types.PriceSlot, error) {
	t.mu.Lock()
	rates := t.rates
	t.mu.Unlock()
	if len(rates) == 0 {
		return nil, fmt.Errorf("%w: no time-of-use rates configured", ErrPriceFetch)
	}

	start, end := dayBounds(day)
	from := slotStart(t.now().In(day.Location()))
	if from.Before(start) {
		from = start
	}

	var slots []types.PriceSlot
	for ts := from; ts.Before(end); ts = ts.Add(types.SlotDuration) {
		price, err := ratesAt(rates, channel, ts, day.Location())
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrPriceFetch, err)
		}
		slots = append(slots, types.PriceSlot{
			Start:    ts,
			End:      ts.Add(types.SlotDuration),
			Price:    price,
			Forecast: true,
		})
	}
	return slots, nil
}

// ratesAt sums the rates that apply to the channel at ts. Periods without a
// location are evaluated in loc.
func ratesAt(rates []types.TariffRate, channel string, ts time.Time, loc *time.Location) (float64, error) {
	var total float64
	for _, r := range rates {
		if !r.AppliesTo(channel) {
			continue
		}
		period := r.TariffPeriod
		if period.LocationPtr == nil && period.Location == "" {
			period.LocationPtr = loc
		}
		ok, err := period.Contains(ts)
		if err != nil {
			return 0, err
		}
		if ok {
			total += r.CentsPerKWH
		}
	}
	return total, nil
}
