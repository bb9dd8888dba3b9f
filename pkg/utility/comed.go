package utility

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/levenlabs/go-lflag"
	"github.com/raterudder/loadrudder/pkg/common"
	"github.com/raterudder/loadrudder/pkg/log"
	"github.com/raterudder/loadrudder/pkg/types"
)

const pjmComedPNodeID = "33092371"

// ComEd implements the Provider interface for ComEd (Commonwealth Edison)
// hourly pricing. Elapsed slots come from the real-time 5 minute feed and the
// rest of the day from PJM day-ahead prices when a PJM key is configured.
type ComEd struct {
	apiURL    string
	pjmAPIKey string
	pjmAPIURL string
	client    *http.Client
	now       func() time.Time

	mu            sync.Mutex
	lastFetchTime time.Time
	cachedFeed    []comedSample
}

// configuredComEd sets up flags for ComEd and returns the instance.
// It uses lflag to register command-line flags for configuration.
func configuredComEd() *ComEd {
	c := &ComEd{
		client: common.HTTPClient(10 * time.Second),
		now:    time.Now,
	}
	apiURL := lflag.String("comed-api-url", "https://hourlypricing.comed.com/api", "URL for the ComEd Hourly Pricing API")
	pjmURL := lflag.String("pjm-api-url", "https://api.pjm.com/api/v1/da_hrl_lmps", "URL for the PJM API")
	pjmKey := lflag.String("pjm-api-key", "", "API Key for PJM Data Miner 2 (optional)")

	lflag.Do(func() {
		c.apiURL = *apiURL
		c.pjmAPIURL = *pjmURL
		c.pjmAPIKey = *pjmKey
	})

	return c
}

// Validate ensures the configuration is valid.
func (c *ComEd) Validate() error {
	if c.apiURL == "" {
		return fmt.Errorf("comed-api-url is required")
	}
	if _, err := url.Parse(c.apiURL); err != nil {
		return fmt.Errorf("failed to parse comed url (%s): %w", c.apiURL, err)
	}
	if c.pjmAPIURL != "" {
		if _, err := url.Parse(c.pjmAPIURL); err != nil {
			return fmt.Errorf("failed to parse pjm url (%s): %w", c.pjmAPIURL, err)
		}
	}
	return nil
}

// Info implements Provider.
func (c *ComEd) Info() types.PriceProviderInfo {
	return types.PriceProviderInfo{
		ID:       "comed",
		Name:     "ComEd Hourly Pricing",
		Channels: []string{types.PriceChannelGeneral},
		Live:     true,
	}
}

// comedPriceEntry represents the structure of the JSON returned by ComEd.
type comedPriceEntry struct {
	MillisUTC string `json:"millisUTC"`
	Price     string `json:"price"`
}

// comedSample is one 5 minute price, in cents per kWh, ending at tsEnd.
type comedSample struct {
	tsEnd time.Time
	cents float64
}

// fetchFeed retrieves today's 5 minute feed in Central Time. It caches the
// result for 5 minutes.
func (c *ComEd) fetchFeed(ctx context.Context) ([]comedSample, error) {
	now := c.now().In(ctLocation)

	c.mu.Lock()
	// we only need to fetch if it's been a new 5 minute block
	if !c.lastFetchTime.IsZero() && !now.Truncate(5*time.Minute).After(c.lastFetchTime) {
		feed := c.cachedFeed
		c.mu.Unlock()
		return feed, nil
	}
	c.mu.Unlock()

	// the day we are asked about might start before midnight in Chicago
	start := now.Add(-24 * time.Hour)
	feed, err := c.fetchFeedRange(ctx, start, now)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.cachedFeed = feed
	c.lastFetchTime = now
	c.mu.Unlock()

	return feed, nil
}

// fetchFeedRange retrieves 5 minute prices from the ComEd API for a range.
func (c *ComEd) fetchFeedRange(ctx context.Context, start, end time.Time) ([]comedSample, error) {
	start = start.In(ctLocation)
	end = end.In(ctLocation)

	u, err := url.Parse(c.apiURL)
	if err != nil {
		return nil, fmt.Errorf("invalid api url: %w", err)
	}

	params := url.Values{}
	params.Set("type", "5minutefeed")
	params.Set("datestart", start.Format("200601021504"))
	params.Set("dateend", end.Format("200601021504"))
	params.Set("format", "json")
	u.RawQuery = params.Encode()

	log.Ctx(ctx).DebugContext(ctx, "fetching prices from comed", slog.String("url", u.String()))

	var data []comedPriceEntry
	if err := common.DoJSON(ctx, c.client, http.MethodGet, u.String(), nil, nil, &data); err != nil {
		// Sometimes ComEd returns empty body or non-json on error or no data
		log.Ctx(ctx).ErrorContext(ctx, "failed to fetch comed prices", slog.Any("error", err))
		return nil, fmt.Errorf("failed to fetch comed prices: %w", err)
	}

	feed := make([]comedSample, 0, len(data))
	for _, item := range data {
		ms, err := strconv.ParseInt(item.MillisUTC, 10, 64)
		if err != nil {
			log.Ctx(ctx).WarnContext(ctx, "failed to parse comed millisUTC", slog.String("value", item.MillisUTC), slog.Any("error", err))
			continue
		}
		cents, err := strconv.ParseFloat(item.Price, 64)
		if err != nil {
			log.Ctx(ctx).WarnContext(ctx, "failed to parse comed price", slog.String("value", item.Price), slog.Any("error", err))
			continue
		}
		feed = append(feed, comedSample{tsEnd: time.UnixMilli(ms), cents: cents})
	}
	log.Ctx(ctx).DebugContext(
		ctx,
		"fetched comed prices",
		slog.Int("count", len(feed)),
		slog.Time("start", start),
		slog.Time("end", end),
	)
	return feed, nil
}

// GetDayPrices implements Provider. The 5 minute samples are averaged into
// half hours. A half hour that hasn't finished yet is marked as a forecast.
func (c *ComEd) GetDayPrices(ctx context.Context, channel string, day time.Time) ([]types.PriceSlot, error) {
	if channel != types.PriceChannelGeneral {
		return nil, fmt.Errorf("%w: comed does not offer the %s channel", ErrPriceFetch, channel)
	}
	start, end := dayBounds(day)
	now := c.now().In(day.Location())
	current := slotStart(now)

	feed, err := c.fetchFeed(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrPriceFetch, err)
	}

	type bucket struct {
		sum   float64
		count int
	}
	buckets := make(map[int64]*bucket)
	for _, s := range feed {
		// each sample covers the 5 minutes before its timestamp
		ts := slotStart(s.tsEnd.Add(-5 * time.Minute).In(day.Location()))
		if ts.Before(current) || !ts.Before(end) {
			continue
		}
		b, ok := buckets[ts.Unix()]
		if !ok {
			b = &bucket{}
			buckets[ts.Unix()] = b
		}
		b.sum += s.cents
		b.count++
	}

	slots := make([]types.PriceSlot, 0, types.SlotsPerDay)
	for unix, b := range buckets {
		ts := time.Unix(unix, 0).In(day.Location())
		slots = append(slots, types.PriceSlot{
			Start: ts,
			End:   ts.Add(types.SlotDuration),
			Price: b.sum / float64(b.count),
			// 6 samples make a complete half hour
			Forecast: b.count < 6,
		})
	}

	if c.pjmAPIKey != "" {
		dayAhead, err := c.fetchPJMDayAhead(ctx, pjmComedPNodeID, start)
		if err != nil {
			log.Ctx(ctx).WarnContext(ctx, "failed to fetch pjm day ahead prices", slog.Any("error", err))
		}
		for _, p := range dayAhead {
			ts := p.Start.In(day.Location())
			if ts.Before(current) || !ts.Before(end) {
				continue
			}
			if _, ok := buckets[ts.Unix()]; ok {
				continue
			}
			slots = append(slots, p)
		}
	}

	if len(slots) == 0 {
		return nil, fmt.Errorf("%w: no comed prices for %s", ErrPriceFetch, start.Format(time.DateOnly))
	}
	sort.Slice(slots, func(i, j int) bool {
		return slots[i].Start.Before(slots[j].Start)
	})
	return slots, nil
}

// PJM API Support

type pjmItem struct {
	DatetimeBeginningEPT string  `json:"datetime_beginning_ept"`
	TotalLMPDA           float64 `json:"total_lmp_da"`
}

// fetchPJMDayAhead returns the day-ahead prices of the day starting at
// midnight and the next one as half hour slots.
func (c *ComEd) fetchPJMDayAhead(ctx context.Context, pnodeID string, midnight time.Time) ([]types.PriceSlot, error) {
	from := midnight.In(etLocation)
	dateRange := fmt.Sprintf("%s 00:00 to %s 23:59", from.Format(time.DateOnly), from.AddDate(0, 0, 1).Format(time.DateOnly))

	u, err := url.Parse(c.pjmAPIURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse pjm url (%s): %w", c.pjmAPIURL, err)
	}
	q := u.Query()
	q.Set("pnode_id", pnodeID)
	q.Set("datetime_beginning_ept", dateRange)
	q.Set("format", "json")
	q.Set("fields", "datetime_beginning_ept,total_lmp_da")
	// download true removes the metadata and returns only the data
	q.Set("download", "true")
	q.Set("startRow", "1")
	u.RawQuery = q.Encode()

	log.Ctx(ctx).DebugContext(
		ctx,
		"fetching pjm prices",
		slog.String("url", u.String()),
		slog.String("pnodeID", pnodeID),
	)
	var res []pjmItem
	headers := map[string]string{
		"Ocp-Apim-Subscription-Key": c.pjmAPIKey,
		"Cache-Control":             "no-cache",
	}
	if err := common.DoJSON(ctx, c.client, http.MethodGet, u.String(), headers, nil, &res); err != nil {
		return nil, fmt.Errorf("failed to fetch pjm prices: %w", err)
	}

	slots := make([]types.PriceSlot, 0, len(res)*2)
	for _, item := range res {
		t, err := time.ParseInLocation("2006-01-02T15:04:05", item.DatetimeBeginningEPT, etLocation)
		if err != nil {
			log.Ctx(ctx).WarnContext(ctx, "failed to parse pjm time", slog.String("time", item.DatetimeBeginningEPT), slog.Any("error", err))
			continue
		}
		t = t.Truncate(time.Hour)

		// $/MWh to c/kWh
		cents := item.TotalLMPDA / 10
		for _, ts := range []time.Time{t, t.Add(types.SlotDuration)} {
			slots = append(slots, types.PriceSlot{
				Start:    ts,
				End:      ts.Add(types.SlotDuration),
				Price:    cents,
				Forecast: true,
			})
		}
	}

	log.Ctx(ctx).DebugContext(
		ctx,
		"fetched pjm prices",
		slog.Int("count", len(slots)),
		slog.String("pnodeID", pnodeID),
	)
	return slots, nil
}
