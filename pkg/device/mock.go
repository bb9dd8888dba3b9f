package device

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/levenlabs/go-lflag"
	"github.com/raterudder/loadrudder/pkg/log"
	"github.com/raterudder/loadrudder/pkg/types"
)

// MockStateStore persists the state of the simulated switch between ticks.
type MockStateStore interface {
	GetSwitchMockState(ctx context.Context) (types.SwitchMockState, error)
	UpdateSwitchMockState(ctx context.Context, state types.SwitchMockState) error
}

var (
	mockStore MockStateStore
)

// ConfigureMock sets the store for the simulated switch.
func ConfigureMock(store MockStateStore) {
	mockStore = store
}

// Mock simulates a metered relay. While on it draws a constant power and the
// meter advances with the time that passed since the last call.
type Mock struct {
	mu     sync.Mutex
	powerW float64
	now    func() time.Time
}

func configuredMock() *Mock {
	m := &Mock{now: time.Now}
	power := lflag.Int("mock-switch-power", 1000, "Power in W the simulated load draws while on")
	lflag.Do(func() {
		m.powerW = float64(*power)
	})
	return m
}

// NewMock returns a simulated switch drawing powerW while on.
func NewMock(powerW float64) *Mock {
	return &Mock{powerW: powerW, now: time.Now}
}

// Info implements Switch.
func (m *Mock) Info() types.SwitchProviderInfo {
	return types.SwitchProviderInfo{
		ID:       "mock",
		Name:     "Simulated Switch",
		HasMeter: true,
		Hidden:   true,
	}
}

// advanceState moves the meter forward to now.
func (m *Mock) advanceState(state *types.SwitchMockState, now time.Time) {
	if state.Timestamp.IsZero() || !now.After(state.Timestamp) {
		if state.Timestamp.IsZero() {
			state.Timestamp = now
		}
		return
	}
	if state.On {
		state.EnergyWh += state.PowerW * now.Sub(state.Timestamp).Hours()
	}
	state.Timestamp = now
}

func (m *Mock) load(ctx context.Context) (types.SwitchMockState, error) {
	if mockStore == nil {
		return types.SwitchMockState{}, fmt.Errorf("%w: simulated switch has no store", ErrSwitchCommand)
	}
	state, err := mockStore.GetSwitchMockState(ctx)
	if err != nil {
		return types.SwitchMockState{}, fmt.Errorf("%w: failed to load simulated switch: %w", ErrSwitchCommand, err)
	}
	return state, nil
}

func (m *Mock) save(ctx context.Context, state types.SwitchMockState) error {
	if err := mockStore.UpdateSwitchMockState(ctx, state); err != nil {
		return fmt.Errorf("%w: failed to save simulated switch: %w", ErrSwitchCommand, err)
	}
	return nil
}

func mockStatus(state types.SwitchMockState) types.SwitchStatus {
	energy := state.EnergyWh
	var power float64
	if state.On {
		power = state.PowerW
	}
	return types.SwitchStatus{
		Timestamp: state.Timestamp,
		On:        state.On,
		EnergyWh:  &energy,
		PowerW:    &power,
	}
}

// Status implements Switch.
func (m *Mock) Status(ctx context.Context) (types.SwitchStatus, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	state, err := m.load(ctx)
	if err != nil {
		return types.SwitchStatus{}, err
	}
	m.advanceState(&state, m.now())
	if err := m.save(ctx, state); err != nil {
		return types.SwitchStatus{}, err
	}
	return mockStatus(state), nil
}

// Set implements Switch.
func (m *Mock) Set(ctx context.Context, on bool) (types.SwitchStatus, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	state, err := m.load(ctx)
	if err != nil {
		return types.SwitchStatus{}, err
	}
	// account for the time with the previous setting first
	m.advanceState(&state, m.now())
	state.On = on
	state.PowerW = m.powerW
	if err := m.save(ctx, state); err != nil {
		return types.SwitchStatus{}, err
	}
	log.Ctx(ctx).DebugContext(ctx, "set simulated switch", slog.Bool("on", on), slog.Float64("energyWh", state.EnergyWh))
	return mockStatus(state), nil
}
