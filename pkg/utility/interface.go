package utility

import (
	"context"
	"errors"
	"time"

	"github.com/raterudder/loadrudder/pkg/types"
)

// ErrPriceFetch is returned when prices could not be retrieved. Callers fall
// back to the manual schedule.
var ErrPriceFetch = errors.New("failed to fetch prices")

// Provider defines the interface for fetching energy prices.
type Provider interface {
	// GetDayPrices returns the known price slots of the channel for the rest
	// of the local day containing day, starting at the current slot. The
	// location of day decides the day boundaries.
	GetDayPrices(ctx context.Context, channel string, day time.Time) ([]types.PriceSlot, error)

	// Info returns metadata about the provider.
	Info() types.PriceProviderInfo
}
