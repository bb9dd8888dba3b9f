package utility

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/levenlabs/go-lflag"
	"github.com/raterudder/loadrudder/pkg/common"
	"github.com/raterudder/loadrudder/pkg/log"
	"github.com/raterudder/loadrudder/pkg/types"
)

// Amber implements the Provider interface for the Amber Electric API. Prices
// are fetched for the next 24 hours in 30 minute resolution.
type Amber struct {
	apiURL string
	apiKey string
	client *http.Client
	now    func() time.Time

	mu            sync.Mutex
	siteID        string
	lastFetchTime time.Time
	cachedPrices  []amberPrice
}

type amberSite struct {
	ID     string `json:"id"`
	NMI    string `json:"nmi"`
	Status string `json:"status"`
}

type amberPrice struct {
	Type        string    `json:"type"`
	StartTime   time.Time `json:"startTime"`
	EndTime     time.Time `json:"endTime"`
	PerKWH      float64   `json:"perKwh"`
	SpotPerKWH  float64   `json:"spotPerKwh"`
	ChannelType string    `json:"channelType"`
	Descriptor  string    `json:"descriptor"`
}

// configuredAmber sets up flags for Amber and returns the instance.
func configuredAmber() *Amber {
	a := &Amber{
		now: time.Now,
	}
	apiURL := lflag.String("amber-api-url", "https://api.amber.com.au/v1", "URL for the Amber Electric API")
	apiKey := lflag.String("amber-api-key", "", "API key for the Amber Electric API")
	siteID := lflag.String("amber-site-id", "", "Amber site ID (optional, the first active site is used if empty)")
	timeout := lflag.Duration("amber-timeout", 10*time.Second, "Timeout for requests to the Amber API")

	lflag.Do(func() {
		a.apiURL = *apiURL
		a.apiKey = *apiKey
		a.siteID = *siteID
		a.client = common.HTTPClient(*timeout)
	})
	return a
}

// Validate ensures the configuration is valid.
func (a *Amber) Validate() error {
	if a.apiKey == "" {
		return fmt.Errorf("amber-api-key is required")
	}
	if _, err := url.Parse(a.apiURL); err != nil {
		return fmt.Errorf("failed to parse amber url (%s): %w", a.apiURL, err)
	}
	return nil
}

// Info implements Provider.
func (a *Amber) Info() types.PriceProviderInfo {
	return types.PriceProviderInfo{
		ID:       "amber",
		Name:     "Amber Electric",
		Channels: []string{types.PriceChannelGeneral, types.PriceChannelControlledLoad},
		Live:     true,
	}
}

func (a *Amber) headers() map[string]string {
	return map[string]string{"Authorization": "Bearer " + a.apiKey}
}

// site returns the configured site or the first active one.
func (a *Amber) site(ctx context.Context) (string, error) {
	a.mu.Lock()
	id := a.siteID
	a.mu.Unlock()
	if id != "" {
		return id, nil
	}

	var sites []amberSite
	if err := common.DoJSON(ctx, a.client, http.MethodGet, a.apiURL+"/sites", a.headers(), nil, &sites); err != nil {
		return "", fmt.Errorf("failed to get amber sites: %w", err)
	}
	for _, s := range sites {
		if s.Status == "active" {
			log.Ctx(ctx).InfoContext(ctx, "automatically selected amber site", slog.String("siteID", s.ID))
			a.mu.Lock()
			a.siteID = s.ID
			a.mu.Unlock()
			return s.ID, nil
		}
	}
	return "", fmt.Errorf("no active amber sites out of %d", len(sites))
}

// fetchPrices retrieves the next 24 hours of prices. It caches the result
// until the next 5 minute block.
func (a *Amber) fetchPrices(ctx context.Context) ([]amberPrice, error) {
	now := a.now()

	a.mu.Lock()
	if !a.lastFetchTime.IsZero() && !now.Truncate(5*time.Minute).After(a.lastFetchTime) {
		prices := a.cachedPrices
		a.mu.Unlock()
		return prices, nil
	}
	a.mu.Unlock()

	siteID, err := a.site(ctx)
	if err != nil {
		return nil, err
	}

	u := fmt.Sprintf("%s/sites/%s/prices/current?next=47&previous=0&resolution=30", a.apiURL, url.PathEscape(siteID))
	log.Ctx(ctx).DebugContext(ctx, "fetching prices from amber", slog.String("url", u))

	var prices []amberPrice
	if err := common.DoJSON(ctx, a.client, http.MethodGet, u, a.headers(), nil, &prices); err != nil {
		return nil, fmt.Errorf("failed to get amber prices: %w", err)
	}

	a.mu.Lock()
	a.cachedPrices = prices
	a.lastFetchTime = now
	a.mu.Unlock()
	return prices, nil
}

// GetDayPrices implements Provider.
func (a *Amber) GetDayPrices(ctx context.Context, channel string, day time.Time) ([]types.PriceSlot, error) {
	prices, err := a.fetchPrices(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrPriceFetch, err)
	}

	start, end := dayBounds(day)
	slots := make([]types.PriceSlot, 0, types.SlotsPerDay)
	for _, p := range prices {
		if p.ChannelType != channel {
			continue
		}
		// intervals start one second after the half hour
		ts := slotStart(p.StartTime.In(day.Location()))
		if ts.Before(start) || !ts.Before(end) {
			continue
		}
		slots = append(slots, types.PriceSlot{
			Start:    ts,
			End:      ts.Add(types.SlotDuration),
			Price:    p.PerKWH,
			Forecast: p.Type == "ForecastInterval",
		})
	}
	if len(slots) == 0 {
		return nil, fmt.Errorf("%w: no amber prices for the %s channel on %s", ErrPriceFetch, channel, start.Format(time.DateOnly))
	}

	log.Ctx(ctx).DebugContext(
		ctx,
		"got amber prices",
		slog.String("channel", channel),
		slog.Int("count", len(slots)),
		slog.Time("first", slots[0].Start),
	)
	return slots, nil
}
