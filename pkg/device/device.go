package device

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/levenlabs/go-lflag"
	"github.com/raterudder/loadrudder/pkg/types"
)

// ErrSwitchCommand is returned when the switch could not be read or set.
var ErrSwitchCommand = errors.New("switch command failed")

// Switch defines the interface for the relay that powers the load.
type Switch interface {
	// Status returns the current relay state and meter readings.
	Status(ctx context.Context) (types.SwitchStatus, error)

	// Set turns the relay on or off and returns the status afterwards.
	Set(ctx context.Context, on bool) (types.SwitchStatus, error)

	// Info returns metadata about the switch.
	Info() types.SwitchProviderInfo
}

// Configured sets up the switch providers based on flags.
func Configured() *Map {
	m := NewMap()
	m.SetSwitch("shelly", configuredShelly())
	m.SetSwitch("shelly-gen1", configuredShellyGen1())
	m.SetSwitch("mock", configuredMock())

	name := lflag.String("switch-provider", "shelly", "Switch to control (shelly, shelly-gen1 or mock)")
	retries := lflag.Int("switch-retries", 3, "How many times a failed switch command is retried")
	delay := lflag.Duration("switch-retry-delay", 2*time.Second, "Delay between switch command retries")
	lflag.Do(func() {
		if *retries < 0 {
			panic(fmt.Errorf("switch-retries must not be negative: %d", *retries))
		}
		m.mu.Lock()
		defer m.mu.Unlock()
		m.active = *name
		m.retries = uint64(*retries)
		m.delay = *delay
	})
	return m
}

// Map manages the available switches.
type Map struct {
	mu       sync.Mutex
	switches map[string]Switch
	active   string
	retries  uint64
	delay    time.Duration
}

// NewMap creates a new switch Map.
func NewMap() *Map {
	return &Map{
		switches: make(map[string]Switch),
	}
}

// Switch returns the switch registered under name with commands retried as
// configured.
func (m *Map) Switch(name string) (Switch, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	sw, ok := m.switches[name]
	if !ok {
		return nil, fmt.Errorf("unknown switch provider: %s", name)
	}
	return NewRetrying(sw, m.retries, m.delay), nil
}

// Active returns the switch selected by the switch-provider flag.
func (m *Map) Active() (Switch, error) {
	m.mu.Lock()
	name := m.active
	m.mu.Unlock()
	return m.Switch(name)
}

// SetSwitch sets the switch for the given name. This is primarily used for testing.
func (m *Map) SetSwitch(name string, sw Switch) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.switches[name] = sw
}

// SetActive selects the switch returned by Active.
func (m *Map) SetActive(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.active = name
}

// SetRetries changes how often and how quickly commands are retried.
func (m *Map) SetRetries(retries uint64, delay time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.retries = retries
	m.delay = delay
}

// Infos returns the metadata of every registered switch ordered by ID.
func (m *Map) Infos() []types.SwitchProviderInfo {
	m.mu.Lock()
	defer m.mu.Unlock()
	infos := make([]types.SwitchProviderInfo, 0, len(m.switches))
	for _, sw := range m.switches {
		infos = append(infos, sw.Info())
	}
	sort.Slice(infos, func(i, j int) bool {
		return infos[i].ID < infos[j].ID
	})
	return infos
}
