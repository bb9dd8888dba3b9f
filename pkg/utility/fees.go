package utility

import (
	"context"
	"fmt"
	"time"

	"github.com/levenlabs/go-lflag"
	"github.com/raterudder/loadrudder/pkg/types"
)

type feeRates struct {
	rates []types.TariffRate
}

func configuredFees() *feeRates {
	f := &feeRates{}
	var rates []types.TariffRate
	lflag.JSON(&rates, "price-fees", rates, "JSON list of additional fees (cents per kWh) added to every provider's prices")
	lflag.Do(func() {
		f.rates = rates
	})
	return f
}

// Fees wraps a Provider and adds fees, like network charges the provider
// doesn't include, to every slot.
type Fees struct {
	base  Provider
	rates []types.TariffRate
}

// NewFees wraps base with the given fees.
func NewFees(base Provider, rates []types.TariffRate) *Fees {
	return &Fees{base: base, rates: rates}
}

// Info implements Provider.
func (f *Fees) Info() types.PriceProviderInfo {
	return f.base.Info()
}

// GetDayPrices implements Provider.
func (f *Fees) GetDayPrices(ctx context.Context, channel string, day time.Time) ([]types.PriceSlot, error) {
	slots, err := f.base.GetDayPrices(ctx, channel, day)
	if err != nil {
		return nil, err
	}
	for i := range slots {
		fee, err := ratesAt(f.rates, channel, slots[i].Start, day.Location())
		if err != nil {
			return nil, fmt.Errorf("failed to apply fees: %w", err)
		}
		slots[i].Price += fee
	}
	return slots, nil
}
