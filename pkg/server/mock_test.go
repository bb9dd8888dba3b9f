package server

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/raterudder/loadrudder/pkg/device"
	"github.com/raterudder/loadrudder/pkg/log"
	"github.com/raterudder/loadrudder/pkg/runner"
	"github.com/raterudder/loadrudder/pkg/storage"
	"github.com/raterudder/loadrudder/pkg/types"
	"github.com/raterudder/loadrudder/pkg/utility"
	"github.com/stretchr/testify/require"
)

func init() {
	log.SetDefaultLogLevel(slog.LevelError)
}

type flatPrices struct {
	price float64
	err   error
}

func (p *flatPrices) GetDayPrices(ctx context.Context, channel string, day time.Time) ([]types.PriceSlot, error) {
	if p.err != nil {
		return nil, p.err
	}
	midnight := truncateDay(day)
	slots := make([]types.PriceSlot, 0, types.SlotsPerDay)
	for i := 0; i < types.SlotsPerDay; i++ {
		start := midnight.Add(time.Duration(i) * types.SlotDuration)
		slots = append(slots, types.PriceSlot{Start: start, End: start.Add(types.SlotDuration), Price: p.price, Forecast: true})
	}
	return slots, nil
}

func (p *flatPrices) Info() types.PriceProviderInfo {
	return types.PriceProviderInfo{ID: "flat", Name: "Flat", Channels: []string{types.PriceChannelGeneral}}
}

type memorySwitch struct {
	mu       sync.Mutex
	on       bool
	energyWh float64
	err      error
	info     types.SwitchProviderInfo
}

func (s *memorySwitch) Status(ctx context.Context) (types.SwitchStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return types.SwitchStatus{}, s.err
	}
	energy := s.energyWh
	return types.SwitchStatus{On: s.on, EnergyWh: &energy}, nil
}

func (s *memorySwitch) Set(ctx context.Context, on bool) (types.SwitchStatus, error) {
	s.mu.Lock()
	s.on = on
	s.mu.Unlock()
	return s.Status(ctx)
}

func (s *memorySwitch) Info() types.SwitchProviderInfo {
	return s.info
}

func exampleSettings() types.Settings {
	return types.Settings{
		Version:               types.CurrentSettingsVersion,
		DeviceName:            "Pool Pump",
		DeviceType:            types.DeviceTypePoolPump,
		Timezone:              "UTC",
		MinimumRunHoursPerDay: 2,
		MaximumRunHoursPerDay: 8,
		TargetRunHoursPerDay:  6,
		PriceChannel:          types.PriceChannelGeneral,
		MaximumPriceToRun:     30,
		ThresholdAboveCheapestPricesForMinimumHours: 1.1,
	}
}

type testDeps struct {
	store     *storage.FileStore
	db        storage.Database
	runner    *runner.Runner
	utilities *utility.Map
	switches  *device.Map
	prices    *flatPrices
	sw        *memorySwitch
}

// newTestDeps wires a runner against a file store in a temporary directory.
func newTestDeps(t *testing.T) *testDeps {
	dir := t.TempDir()
	deps := &testDeps{
		store:  storage.NewFileStore(filepath.Join(dir, "state.json"), ""),
		prices: &flatPrices{price: 10},
		sw:     &memorySwitch{energyWh: 100, info: types.SwitchProviderInfo{ID: "memory", Name: "Memory", HasMeter: true}},
	}
	deps.db = storage.New(deps.store, nil)

	deps.utilities = utility.NewMap()
	deps.utilities.SetProvider("flat", deps.prices)
	deps.utilities.SetActive("flat")

	deps.switches = device.NewMap()
	deps.switches.SetSwitch("memory", deps.sw)
	deps.switches.SetSwitch("hidden", &memorySwitch{info: types.SwitchProviderInfo{ID: "hidden", Hidden: true}})
	deps.switches.SetActive("memory")
	deps.switches.SetRetries(0, 0)

	b, err := types.EncodeSettings(exampleSettings())
	require.NoError(t, err)
	path := filepath.Join(dir, "loadrudder.yaml")
	require.NoError(t, os.WriteFile(path, b, 0o644))

	deps.runner = runner.New(deps.db, deps.utilities, deps.switches, nil, nil)
	deps.runner.SetSettingsPath(path)
	return deps
}
