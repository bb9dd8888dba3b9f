package runner

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/raterudder/loadrudder/pkg/device"
	"github.com/raterudder/loadrudder/pkg/log"
	"github.com/raterudder/loadrudder/pkg/notify"
	"github.com/raterudder/loadrudder/pkg/storage"
	"github.com/raterudder/loadrudder/pkg/storage/storagemock"
	"github.com/raterudder/loadrudder/pkg/types"
	"github.com/raterudder/loadrudder/pkg/utility"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func init() {
	log.SetDefaultLogLevel(slog.LevelError)
}

type fakeSwitch struct {
	mu        sync.Mutex
	on        bool
	energyWh  float64
	statusErr error
	setErr    error
	sets      []bool
	statuses  int
}

func (s *fakeSwitch) status() types.SwitchStatus {
	energy := s.energyWh
	return types.SwitchStatus{On: s.on, EnergyWh: &energy}
}

func (s *fakeSwitch) Status(ctx context.Context) (types.SwitchStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.statuses++
	if s.statusErr != nil {
		return types.SwitchStatus{}, s.statusErr
	}
	return s.status(), nil
}

func (s *fakeSwitch) Set(ctx context.Context, on bool) (types.SwitchStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sets = append(s.sets, on)
	if s.setErr != nil {
		return types.SwitchStatus{}, s.setErr
	}
	s.on = on
	return s.status(), nil
}

func (s *fakeSwitch) Info() types.SwitchProviderInfo {
	return types.SwitchProviderInfo{ID: "fake", HasMeter: true}
}

type fakeProvider struct {
	slots []types.PriceSlot
	err   error
}

func (p *fakeProvider) GetDayPrices(ctx context.Context, channel string, day time.Time) ([]types.PriceSlot, error) {
	return p.slots, p.err
}

func (p *fakeProvider) Info() types.PriceProviderInfo {
	return types.PriceProviderInfo{ID: "fake", Live: true}
}

// daySlots returns the 48 slots of the day containing day priced by price.
func daySlots(day time.Time, price func(index int) float64) []types.PriceSlot {
	midnight := time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, day.Location())
	slots := make([]types.PriceSlot, 0, types.SlotsPerDay)
	for i := 0; i < types.SlotsPerDay; i++ {
		start := midnight.Add(time.Duration(i) * types.SlotDuration)
		slots = append(slots, types.PriceSlot{
			Start:    start,
			End:      start.Add(types.SlotDuration),
			Price:    price(i),
			Forecast: true,
		})
	}
	return slots
}

type sentEmail struct {
	subject string
	body    string
}

type recordingNotifier struct {
	mu   sync.Mutex
	sent []sentEmail
}

func (n *recordingNotifier) Send(ctx context.Context, subject, body string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, sentEmail{subject: subject, body: body})
	return nil
}

func (n *recordingNotifier) subjects() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []string
	for _, e := range n.sent {
		out = append(out, e.subject)
	}
	return out
}

type recordingPinger struct {
	pings []bool
}

func (p *recordingPinger) Ping(ctx context.Context, failed bool) error {
	p.pings = append(p.pings, failed)
	return nil
}

type recordingPublisher struct {
	states []types.ControllerState
	err    error
}

func (p *recordingPublisher) Publish(ctx context.Context, state types.ControllerState) error {
	p.states = append(p.states, state)
	return p.err
}

type memArchive struct {
	mu     sync.Mutex
	days   map[string]types.DailyRecord
	pruned []time.Time
}

func (a *memArchive) UpsertDay(ctx context.Context, device string, day types.DailyRecord) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.days == nil {
		a.days = make(map[string]types.DailyRecord)
	}
	a.days[device+"/"+day.Date] = day
	return nil
}

func (a *memArchive) Days(ctx context.Context, device string, start, end time.Time) ([]types.DailyRecord, error) {
	return nil, nil
}

func (a *memArchive) Prune(ctx context.Context, before time.Time) (int64, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.pruned = append(a.pruned, before)
	return 0, nil
}

func (a *memArchive) keys() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	var keys []string
	for k := range a.days {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
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

type testEnv struct {
	dir       string
	runner    *Runner
	store     *storage.FileStore
	sw        *fakeSwitch
	prices    *fakeProvider
	email     *recordingNotifier
	heartbeat *recordingPinger
	publisher *recordingPublisher
	pushed    *recordingPublisher
	archive   *memArchive
	now       time.Time
}

func newTestEnv(t *testing.T, settings types.Settings) *testEnv {
	dir := t.TempDir()
	env := &testEnv{
		dir:       dir,
		store:     storage.NewFileStore(filepath.Join(dir, "state.json"), filepath.Join(dir, "switch.json")),
		sw:        &fakeSwitch{energyWh: 1000},
		prices:    &fakeProvider{},
		email:     &recordingNotifier{},
		heartbeat: &recordingPinger{},
		publisher: &recordingPublisher{},
		pushed:    &recordingPublisher{},
		archive:   &memArchive{},
		now:       time.Date(2024, 1, 15, 2, 0, 0, 0, time.UTC),
	}

	switches := device.NewMap()
	switches.SetSwitch("fake", env.sw)
	switches.SetActive("fake")
	switches.SetRetries(0, 0)

	utilities := utility.NewMap()
	utilities.SetProvider("fake", env.prices)
	utilities.SetActive("fake")

	set := &notify.Set{
		Email:      env.email,
		Heartbeat:  env.heartbeat,
		Publishers: []notify.Publisher{env.publisher},
	}
	env.runner = New(storage.New(env.store, env.archive), utilities, switches, set, pusherFunc(env.pushed.Publish))
	env.runner.now = func() time.Time { return env.now }
	env.writeSettings(t, settings)
	return env
}

type pusherFunc func(ctx context.Context, state types.ControllerState) error

func (f pusherFunc) Push(ctx context.Context, state types.ControllerState) error {
	return f(ctx, state)
}

func (e *testEnv) writeSettings(t *testing.T, settings types.Settings) {
	b, err := types.EncodeSettings(settings)
	require.NoError(t, err)
	path := filepath.Join(e.dir, "loadrudder.yaml")
	require.NoError(t, os.WriteFile(path, b, 0o644))
	e.runner.SetSettingsPath(path)
}

func (e *testEnv) state(t *testing.T) types.ControllerState {
	s, err := e.store.LoadState(context.Background())
	require.NoError(t, err)
	return s
}

// cheapMorning prices 02:00 to 08:00 at 10c, 04:00 to 04:30 at 40c and
// everything else at 25c.
func cheapMorning(i int) float64 {
	switch {
	case i == 8:
		return 40
	case i >= 4 && i < 16:
		return 10
	default:
		return 25
	}
}

func TestTick(t *testing.T) {
	ctx := context.Background()

	t.Run("Configuration Error", func(t *testing.T) {
		env := newTestEnv(t, exampleSettings())
		env.runner.SetSettingsPath(filepath.Join(env.dir, "missing.yaml"))

		_, err := env.runner.Tick(ctx)
		assert.ErrorIs(t, err, types.ErrConfiguration)
		assert.Equal(t, 0, env.sw.statuses)
		assert.Empty(t, env.heartbeat.pings)
		_, err = env.store.LoadState(ctx)
		assert.ErrorIs(t, err, storage.ErrStateNotFound)

		bad := exampleSettings()
		bad.MinimumRunHoursPerDay = 10
		env.writeSettings(t, bad)
		_, err = env.runner.Tick(ctx)
		assert.ErrorIs(t, err, types.ErrConfiguration)
		assert.Equal(t, 0, env.sw.statuses)
	})

	t.Run("Unknown Switch Provider", func(t *testing.T) {
		env := newTestEnv(t, exampleSettings())
		env.runner.switches.SetActive("missing")

		_, err := env.runner.Tick(ctx)
		assert.ErrorIs(t, err, types.ErrConfiguration)
		assert.Equal(t, 0, env.sw.statuses)
		assert.Empty(t, env.heartbeat.pings)
		assert.Empty(t, env.email.sent)
		_, err = env.store.LoadState(ctx)
		assert.ErrorIs(t, err, storage.ErrStateNotFound)
	})

	t.Run("Start And Stop A Run", func(t *testing.T) {
		env := newTestEnv(t, exampleSettings())
		env.prices.slots = daySlots(env.now, cheapMorning)

		res, err := env.runner.Tick(ctx)
		require.NoError(t, err)
		assert.True(t, res.Decision.On)
		assert.Equal(t, types.ReasonMinimumNotMet, res.Decision.Reason)
		assert.Equal(t, "started", res.Transition)
		assert.True(t, res.Saved)
		assert.Equal(t, []bool{true}, env.sw.sets)

		state := env.state(t)
		assert.True(t, state.IsDeviceRunning)
		assert.True(t, state.LastRunSuccessful)
		assert.Equal(t, "2024-01-15", state.DailyData[0].Date)
		assert.Equal(t, 6.0, state.DailyData[0].TargetRuntime)
		require.Len(t, state.DailyData[0].DeviceRuns, 1)
		run := state.DailyData[0].DeviceRuns[0]
		assert.True(t, run.InProgress())
		assert.Equal(t, 1000.0, *run.EnergyUsedStart)
		assert.Equal(t, 10.0, *run.Price)
		assert.NotEmpty(t, state.TodayOriginalRunPlan)
		assert.Equal(t, state.TodayRunPlan, state.TodayOriginalRunPlan)
		assert.Contains(t, state.LastStatusMessage, "Pool Pump will run because")
		assert.True(t, env.now.Equal(state.LastStateSaveTime))

		assert.Len(t, env.publisher.states, 1)
		assert.Len(t, env.pushed.states, 1)
		assert.Equal(t, []bool{false}, env.heartbeat.pings)
		assert.Empty(t, env.email.sent)
		assert.Equal(t, []string{"Pool Pump/2024-01-15"}, env.archive.keys())

		// two hours later the price spikes above the maximum
		env.now = env.now.Add(2 * time.Hour)
		env.sw.energyWh = 3000

		res, err = env.runner.Tick(ctx)
		require.NoError(t, err)
		assert.False(t, res.Decision.On)
		assert.Equal(t, types.ReasonPriceAboveMaximum, res.Decision.Reason)
		assert.Equal(t, "stopped", res.Transition)
		assert.Equal(t, []bool{true, false}, env.sw.sets)

		state = env.state(t)
		assert.False(t, state.IsDeviceRunning)
		require.Len(t, state.DailyData[0].DeviceRuns, 1)
		run = state.DailyData[0].DeviceRuns[0]
		require.NotNil(t, run.RunTime)
		assert.InDelta(t, 2.0, *run.RunTime, 1e-9)
		assert.InDelta(t, 2000.0, *run.EnergyUsedForRun, 1e-9)
		assert.InDelta(t, 20.0, *run.Cost, 1e-9)
		assert.InDelta(t, 2.0, state.DailyData[0].RuntimeToday, 1e-9)
		assert.InDelta(t, 4.0, state.DailyData[0].RemainingRuntimeToday, 1e-9)
		assert.InDelta(t, 2000.0, state.DailyData[0].EnergyUsed, 1e-9)
		assert.InDelta(t, 20.0, state.DailyData[0].TotalCost, 1e-9)
		assert.Contains(t, state.LastStatusMessage, "won't run because price 40.00c is above the maximum")
	})

	t.Run("No Change Does Not Touch The Switch", func(t *testing.T) {
		env := newTestEnv(t, exampleSettings())
		env.now = time.Date(2024, 1, 15, 20, 0, 0, 0, time.UTC)
		// everything left today is too expensive
		env.prices.slots = daySlots(env.now, func(int) float64 { return 35 })

		res, err := env.runner.Tick(ctx)
		require.NoError(t, err)
		assert.False(t, res.Decision.On)
		assert.Equal(t, "none", res.Transition)
		assert.Empty(t, env.sw.sets)
		assert.Equal(t, 1, env.sw.statuses)
	})

	t.Run("Manual Schedule Without Prices", func(t *testing.T) {
		settings := exampleSettings()
		settings.ManualSchedule = []types.ManualWindow{{StartTime: "01:00", EndTime: "03:00"}}
		env := newTestEnv(t, settings)
		env.prices.err = fmt.Errorf("%w: timeout", utility.ErrPriceFetch)

		res, err := env.runner.Tick(ctx)
		require.NoError(t, err)
		assert.True(t, res.Decision.On)
		assert.Equal(t, types.ReasonManualSchedule, res.Decision.Reason)
		assert.True(t, res.Decision.Degraded)

		state := env.state(t)
		assert.True(t, state.Degraded)
		assert.False(t, state.LivePrices)
		assert.Nil(t, state.CurrentPrice)
		assert.True(t, state.IsDeviceRunning)
		require.Len(t, state.DailyData[0].DeviceRuns, 1)
		assert.Nil(t, state.DailyData[0].DeviceRuns[0].Price)
	})

	t.Run("No Prices And No Schedule", func(t *testing.T) {
		env := newTestEnv(t, exampleSettings())
		env.prices.err = fmt.Errorf("%w: timeout", utility.ErrPriceFetch)

		res, err := env.runner.Tick(ctx)
		require.NoError(t, err)
		assert.False(t, res.Decision.On)
		assert.Equal(t, types.ReasonNoScheduleAvailable, res.Decision.Reason)
		assert.Empty(t, env.sw.sets)
	})

	t.Run("Switch Failure Then Recovery", func(t *testing.T) {
		env := newTestEnv(t, exampleSettings())
		env.prices.slots = daySlots(env.now, cheapMorning)
		env.sw.setErr = fmt.Errorf("%w: relay stuck", device.ErrSwitchCommand)

		_, err := env.runner.Tick(ctx)
		require.ErrorIs(t, err, device.ErrSwitchCommand)

		state := env.state(t)
		assert.False(t, state.LastRunSuccessful)
		assert.False(t, state.IsDeviceRunning)
		assert.Empty(t, state.DailyData[0].DeviceRuns)
		assert.Contains(t, state.LastStatusMessage, "relay stuck")
		assert.Equal(t, []bool{true}, env.heartbeat.pings)
		assert.Equal(t, []string{"Pool Pump terminated with an error"}, env.email.subjects())

		// consecutive failures are not emailed again
		env.now = env.now.Add(15 * time.Minute)
		_, err = env.runner.Tick(ctx)
		require.Error(t, err)
		assert.Len(t, env.email.sent, 1)

		env.now = env.now.Add(15 * time.Minute)
		env.sw.setErr = nil
		_, err = env.runner.Tick(ctx)
		require.NoError(t, err)
		assert.Equal(t, []string{"Pool Pump terminated with an error", "Pool Pump recovery"}, env.email.subjects())
		assert.Equal(t, []bool{true, true, false}, env.heartbeat.pings)
		assert.True(t, env.state(t).LastRunSuccessful)
		assert.True(t, env.state(t).IsDeviceRunning)
	})

	t.Run("Switch Unreachable", func(t *testing.T) {
		env := newTestEnv(t, exampleSettings())
		env.prices.slots = daySlots(env.now, cheapMorning)
		env.sw.statusErr = fmt.Errorf("%w: connection refused", device.ErrSwitchCommand)

		_, err := env.runner.Tick(ctx)
		require.ErrorIs(t, err, device.ErrSwitchCommand)
		assert.Empty(t, env.sw.sets)

		state := env.state(t)
		assert.False(t, state.LastRunSuccessful)
		assert.Equal(t, "2024-01-15", state.DailyData[0].Date)
	})

	t.Run("Switch Unreachable After Midnight", func(t *testing.T) {
		env := newTestEnv(t, exampleSettings())
		env.now = time.Date(2024, 1, 15, 0, 10, 0, 0, time.UTC)
		env.prices.slots = daySlots(env.now, func(int) float64 { return 35 })

		energyStart, price := 1000.0, 10.0
		prev := types.NewControllerState(exampleSettings())
		prev.LastStateSaveTime = time.Date(2024, 1, 14, 23, 55, 0, 0, time.UTC)
		prev.IsDeviceRunning = true
		prev.DailyData[0] = types.DailyRecord{
			Date:          "2024-01-14",
			TargetRuntime: 6,
			DeviceRuns: []types.DeviceRun{{
				StartTime:       time.Date(2024, 1, 14, 22, 0, 0, 0, time.UTC),
				EnergyUsedStart: &energyStart,
				Price:           &price,
			}},
		}
		require.NoError(t, env.store.SaveState(ctx, prev))
		env.sw.on = true
		env.sw.statusErr = fmt.Errorf("%w: connection refused", device.ErrSwitchCommand)

		_, err := env.runner.Tick(ctx)
		require.ErrorIs(t, err, device.ErrSwitchCommand)
		state := env.state(t)
		assert.Equal(t, "2024-01-14", state.DailyData[0].Date)
		assert.True(t, state.DailyData[0].DeviceRuns[0].InProgress())

		// the switch is back and the price is too high so the run stops
		env.now = time.Date(2024, 1, 15, 1, 0, 0, 0, time.UTC)
		env.sw.statusErr = nil
		env.sw.energyWh = 4000

		res, err := env.runner.Tick(ctx)
		require.NoError(t, err)
		assert.Equal(t, "stopped", res.Transition)

		state = env.state(t)
		yesterday := state.DailyData[1]
		assert.Equal(t, "2024-01-14", yesterday.Date)
		assert.InDelta(t, 2.0, yesterday.RuntimeToday, 1e-9)
		assert.InDelta(t, 2000.0, yesterday.EnergyUsed, 1e-9)
		assert.InDelta(t, 20.0, yesterday.TotalCost, 1e-9)
		assert.InDelta(t, 1.0, state.DailyData[0].RuntimeToday, 1e-9)
		assert.InDelta(t, 1000.0, state.DailyData[0].EnergyUsed, 1e-9)
		assert.InDelta(t, 3000.0, state.AlltimeTotals.EnergyUsed, 1e-9)
	})

	t.Run("Corrupt State Starts Fresh", func(t *testing.T) {
		env := newTestEnv(t, exampleSettings())
		env.prices.slots = daySlots(env.now, cheapMorning)
		require.NoError(t, os.WriteFile(filepath.Join(env.dir, "state.json"), []byte("{not json"), 0o644))

		_, err := env.runner.Tick(ctx)
		require.NoError(t, err)
		state := env.state(t)
		assert.Equal(t, types.CurrentStateVersion, state.Version)
		assert.True(t, state.IsDeviceRunning)
	})

	t.Run("Rollover Archives And Alerts", func(t *testing.T) {
		settings := exampleSettings()
		settings.DailyEnergyUseThreshold = 4000
		env := newTestEnv(t, settings)
		env.prices.slots = daySlots(env.now, cheapMorning)

		start := time.Date(2024, 1, 14, 10, 0, 0, 0, time.UTC)
		end := start.Add(5 * time.Hour)
		runtime, energyStart, energy, price, cost := 5.0, 0.0, 5000.0, 10.0, 50.0
		prev := types.NewControllerState(settings)
		prev.LastStateSaveTime = time.Date(2024, 1, 14, 23, 45, 0, 0, time.UTC)
		prev.DailyData[0] = types.DailyRecord{
			Date:          "2024-01-14",
			TargetRuntime: 6,
			RuntimeToday:  5,
			EnergyUsed:    5000,
			TotalCost:     50,
			DeviceRuns: []types.DeviceRun{{
				StartTime:        start,
				EndTime:          &end,
				RunTime:          &runtime,
				EnergyUsedStart:  &energyStart,
				EnergyUsedForRun: &energy,
				Price:            &price,
				Cost:             &cost,
			}},
		}
		require.NoError(t, env.store.SaveState(ctx, prev))

		_, err := env.runner.Tick(ctx)
		require.NoError(t, err)

		state := env.state(t)
		assert.Equal(t, "2024-01-15", state.DailyData[0].Date)
		assert.Equal(t, "2024-01-14", state.DailyData[1].Date)
		assert.InDelta(t, 1.0, state.CurrentShortfall, 1e-9)
		assert.InDelta(t, 7.0, state.DailyData[0].TargetRuntime, 1e-9)

		assert.Equal(t, []string{"Pool Pump/2024-01-14", "Pool Pump/2024-01-15"}, env.archive.keys())
		require.Len(t, env.archive.pruned, 1)
		assert.Equal(t, "2023-01-15", env.archive.pruned[0].Format(time.DateOnly))
		assert.Equal(t, []string{"Pool Pump energy use alert"}, env.email.subjects())
	})

	t.Run("Switched On Externally", func(t *testing.T) {
		env := newTestEnv(t, exampleSettings())
		env.now = time.Date(2024, 1, 15, 10, 0, 0, 0, time.UTC)
		// 10:00 is in the plan so the run keeps going
		env.prices.slots = daySlots(env.now, func(i int) float64 {
			if i >= 20 && i < 32 {
				return 5
			}
			return 25
		})
		env.sw.on = true

		res, err := env.runner.Tick(ctx)
		require.NoError(t, err)
		assert.True(t, res.Decision.On)
		assert.Empty(t, env.sw.sets)

		state := env.state(t)
		assert.True(t, state.IsDeviceRunning)
		require.Len(t, state.DailyData[0].DeviceRuns, 1)
		assert.True(t, state.DailyData[0].DeviceRuns[0].StartTime.Equal(env.now))
	})

	t.Run("Running Past Maximum", func(t *testing.T) {
		env := newTestEnv(t, exampleSettings())
		env.now = time.Date(2024, 1, 15, 9, 0, 0, 0, time.UTC)
		env.prices.slots = daySlots(env.now, func(int) float64 { return 5 })
		env.sw.on = true

		prev := types.NewControllerState(exampleSettings())
		prev.LastStateSaveTime = env.now.Add(-15 * time.Minute)
		prev.IsDeviceRunning = true
		energyStart, price := 0.0, 5.0
		prev.DailyData[0] = types.DailyRecord{
			Date:          "2024-01-15",
			TargetRuntime: 6,
			DeviceRuns: []types.DeviceRun{{
				StartTime:       time.Date(2024, 1, 15, 0, 0, 0, 0, time.UTC),
				EnergyUsedStart: &energyStart,
				Price:           &price,
			}},
		}
		require.NoError(t, env.store.SaveState(ctx, prev))

		res, err := env.runner.Tick(ctx)
		require.NoError(t, err)
		assert.False(t, res.Decision.On)
		assert.Equal(t, types.ReasonMaximumReached, res.Decision.Reason)
		assert.Equal(t, []bool{false}, env.sw.sets)
		assert.Equal(t, []string{"Pool Pump was running for too long"}, env.email.subjects())
	})

	t.Run("Summary Email", func(t *testing.T) {
		settings := exampleSettings()
		settings.SendSummary = true
		env := newTestEnv(t, settings)
		env.prices.slots = daySlots(env.now, cheapMorning)

		_, err := env.runner.Tick(ctx)
		require.NoError(t, err)
		require.Len(t, env.email.sent, 1)
		assert.Equal(t, "Pool Pump scheduler Summary for 2024-01-15 02:00:00", env.email.sent[0].subject)
		assert.Contains(t, env.email.sent[0].body, "Pool Pump switch is on.")
		assert.Contains(t, env.email.sent[0].body, "Pool Pump run plan:")
		assert.Contains(t, env.email.sent[0].body, "From 02:00 to 04:00 - 10.00 c/kWh")
	})

	t.Run("Publish Failure Is Not Fatal", func(t *testing.T) {
		env := newTestEnv(t, exampleSettings())
		env.prices.slots = daySlots(env.now, cheapMorning)
		env.publisher.err = assert.AnError

		_, err := env.runner.Tick(ctx)
		require.NoError(t, err)
		assert.True(t, env.state(t).LastRunSuccessful)
	})
}

func TestTickStorageErrors(t *testing.T) {
	ctx := context.Background()

	newRunner := func(t *testing.T, db *storagemock.MockDatabase) (*Runner, *recordingNotifier, *recordingPinger) {
		dir := t.TempDir()
		b, err := types.EncodeSettings(exampleSettings())
		require.NoError(t, err)
		path := filepath.Join(dir, "loadrudder.yaml")
		require.NoError(t, os.WriteFile(path, b, 0o644))

		switches := device.NewMap()
		switches.SetSwitch("fake", &fakeSwitch{})
		switches.SetActive("fake")
		utilities := utility.NewMap()
		utilities.SetProvider("fake", &fakeProvider{err: utility.ErrPriceFetch})
		utilities.SetActive("fake")

		email := &recordingNotifier{}
		pinger := &recordingPinger{}
		r := New(db, utilities, switches, &notify.Set{Email: email, Heartbeat: pinger}, nil)
		r.SetSettingsPath(path)
		r.now = func() time.Time { return time.Date(2024, 1, 15, 2, 0, 0, 0, time.UTC) }
		return r, email, pinger
	}

	t.Run("Load Failure Does Not Save", func(t *testing.T) {
		db := &storagemock.MockDatabase{}
		db.On("LoadState", mock.Anything).Return(types.ControllerState{}, assert.AnError)
		r, email, pinger := newRunner(t, db)

		_, err := r.Tick(ctx)
		assert.ErrorIs(t, err, assert.AnError)
		db.AssertNotCalled(t, "SaveState", mock.Anything, mock.Anything)
		assert.Equal(t, []bool{true}, pinger.pings)
		assert.Equal(t, []string{"Pool Pump terminated with an error"}, email.subjects())
	})

	t.Run("Save Failure", func(t *testing.T) {
		db := &storagemock.MockDatabase{}
		db.On("LoadState", mock.Anything).Return(types.ControllerState{}, storage.ErrStateNotFound)
		db.On("SaveState", mock.Anything, mock.Anything).Return(assert.AnError)
		db.On("Prune", mock.Anything, mock.Anything).Return(int64(0), nil)
		r, _, pinger := newRunner(t, db)

		res, err := r.Tick(ctx)
		assert.ErrorIs(t, err, assert.AnError)
		assert.False(t, res.Saved)
		db.AssertNotCalled(t, "UpsertDay", mock.Anything, mock.Anything, mock.Anything)
		assert.Equal(t, []bool{true}, pinger.pings)
	})

	t.Run("Migrates Old State", func(t *testing.T) {
		old := types.NewControllerState(exampleSettings())
		old.Version = 1
		old.AlltimeTotals = types.Totals{EnergyUsed: 2000, TotalCost: 40}
		db := &storagemock.MockDatabase{}
		db.On("LoadState", mock.Anything).Return(old, nil)
		db.On("SaveState", mock.Anything, mock.MatchedBy(func(s types.ControllerState) bool {
			return s.Version == types.CurrentStateVersion && s.EarlierTotals.EnergyUsed == 0
		})).Return(nil)
		db.On("UpsertDay", mock.Anything, "Pool Pump", mock.Anything).Return(nil)
		db.On("Prune", mock.Anything, mock.Anything).Return(int64(0), nil)
		r, _, _ := newRunner(t, db)

		res, err := r.Tick(ctx)
		require.NoError(t, err)
		assert.True(t, res.Saved)
		db.AssertExpectations(t)
	})
}
