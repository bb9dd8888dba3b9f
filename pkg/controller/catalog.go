package controller

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/raterudder/loadrudder/pkg/types"
)

// ErrInsufficientData is returned when fewer priced slots remain than were
// asked for.
var ErrInsufficientData = errors.New("insufficient price data")

// Catalog is one day of price slots indexed by the half hours elapsed since
// midnight.
type Catalog struct {
	day   time.Time
	slots []types.PriceSlot
}

// NewCatalog builds a catalog for the day containing day. Slots that belong
// to another day are dropped and duplicates keep the last value.
func NewCatalog(day time.Time, slots []types.PriceSlot) *Catalog {
	midnight := truncateDay(day)
	next := midnight.AddDate(0, 0, 1)

	byIndex := make(map[int]types.PriceSlot, len(slots))
	for _, s := range slots {
		start := s.Start.In(day.Location())
		if start.Before(midnight) || !start.Before(next) {
			continue
		}
		s.Index = SlotIndex(start)
		if s.End.IsZero() {
			s.End = s.Start.Add(types.SlotDuration)
		}
		byIndex[s.Index] = s
	}

	c := &Catalog{
		day:   midnight,
		slots: make([]types.PriceSlot, 0, len(byIndex)),
	}
	for _, s := range byIndex {
		c.slots = append(c.slots, s)
	}
	sort.Slice(c.slots, func(i, j int) bool {
		return c.slots[i].Index < c.slots[j].Index
	})
	return c
}

// SlotIndex returns the number of whole half hours elapsed since the local
// midnight of t. Days with a daylight saving change have 46 or 50 slots and
// the repeated hour keeps its own indexes.
func SlotIndex(t time.Time) int {
	return int(t.Sub(truncateDay(t)) / types.SlotDuration)
}

// CurrentSlotIndex returns the slot index for now, floor-aligned.
func (c *Catalog) CurrentSlotIndex(now time.Time) int {
	return SlotIndex(now.In(c.day.Location()))
}

// Day returns midnight of the day the catalog describes.
func (c *Catalog) Day() time.Time {
	return c.day
}

// Len returns the number of priced slots.
func (c *Catalog) Len() int {
	return len(c.slots)
}

// Slots returns a copy of the priced slots ordered by index.
func (c *Catalog) Slots() []types.PriceSlot {
	return append([]types.PriceSlot(nil), c.slots...)
}

// Slot returns the slot with the given index.
func (c *Catalog) Slot(index int) (types.PriceSlot, bool) {
	i := sort.Search(len(c.slots), func(i int) bool {
		return c.slots[i].Index >= index
	})
	if i < len(c.slots) && c.slots[i].Index == index {
		return c.slots[i], true
	}
	return types.PriceSlot{}, false
}

// Remaining returns the number of priced slots at or after fromIndex.
func (c *Catalog) Remaining(fromIndex int) int {
	i := sort.Search(len(c.slots), func(i int) bool {
		return c.slots[i].Index >= fromIndex
	})
	return len(c.slots) - i
}

// CheapestSlots returns the n cheapest slots at or after fromIndex sorted by
// ascending price. Equal prices are ordered by the earliest index.
func (c *Catalog) CheapestSlots(n, fromIndex int) ([]types.PriceSlot, error) {
	if n <= 0 {
		return nil, nil
	}
	var candidates []types.PriceSlot
	for _, s := range c.slots {
		if s.Index >= fromIndex {
			candidates = append(candidates, s)
		}
	}
	if len(candidates) < n {
		return nil, fmt.Errorf("%w: need %d slots from index %d, have %d", ErrInsufficientData, n, fromIndex, len(candidates))
	}
	// candidates are already ordered by index so a stable sort keeps ties
	// in index order
	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].Price < candidates[j].Price
	})
	return candidates[:n], nil
}

// AveragePrice returns the mean price of the slots at or after fromIndex.
func (c *Catalog) AveragePrice(fromIndex int) (float64, bool) {
	var sum float64
	var count int
	for _, s := range c.slots {
		if s.Index >= fromIndex {
			sum += s.Price
			count++
		}
	}
	if count == 0 {
		return 0, false
	}
	return sum / float64(count), true
}

// MergeWindows merges slots into time ordered windows. Slots whose indexes
// are adjacent end up in the same window.
func MergeWindows(slots []types.PriceSlot) []types.RunWindow {
	if len(slots) == 0 {
		return nil
	}
	sorted := append([]types.PriceSlot(nil), slots...)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].Index < sorted[j].Index
	})

	var windows []types.RunWindow
	flush := func(group []types.PriceSlot) {
		var sum float64
		for _, s := range group {
			sum += s.Price
		}
		avg := sum / float64(len(group))
		windows = append(windows, types.RunWindow{
			From:         group[0].Start,
			To:           group[len(group)-1].End,
			AveragePrice: &avg,
		})
	}

	start := 0
	for i := 1; i < len(sorted); i++ {
		if sorted[i].Index != sorted[i-1].Index+1 {
			flush(sorted[start:i])
			start = i
		}
	}
	flush(sorted[start:])
	return windows
}

func truncateDay(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location())
}
