package utility

import (
	"fmt"
	"sort"
	"sync"

	"github.com/levenlabs/go-lflag"
	"github.com/raterudder/loadrudder/pkg/types"
)

// Configured sets up the price providers based on flags.
func Configured() *Map {
	m := NewMap()
	m.SetProvider("amber", configuredAmber())
	m.SetProvider("comed", configuredComEd())
	m.SetProvider("tou", configuredTOU())
	m.SetProvider("mock", configuredMock())

	name := lflag.String("price-provider", "amber", "Price provider to use (amber, comed, tou or mock)")
	fees := configuredFees()
	lflag.Do(func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		m.active = *name
		m.fees = fees
	})
	return m
}

// Map manages multiple price providers.
type Map struct {
	mu        sync.Mutex
	providers map[string]Provider
	active    string
	fees      *feeRates
}

// NewMap creates a new price provider Map.
func NewMap() *Map {
	return &Map{
		providers: make(map[string]Provider),
	}
}

// Provider returns the provider for the given name.
func (m *Map) Provider(name string) (Provider, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	prov, ok := m.providers[name]
	if !ok {
		return nil, fmt.Errorf("unknown price provider: %s", name)
	}
	if m.fees != nil && len(m.fees.rates) > 0 {
		return &Fees{base: prov, rates: m.fees.rates}, nil
	}
	return prov, nil
}

// Active returns the provider selected by the price-provider flag.
func (m *Map) Active() (Provider, error) {
	m.mu.Lock()
	name := m.active
	m.mu.Unlock()
	return m.Provider(name)
}

// SetProvider sets the provider for the given name. This is primarily used for testing.
func (m *Map) SetProvider(name string, provider Provider) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.providers[name] = provider
}

// SetActive selects the provider returned by Active.
func (m *Map) SetActive(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.active = name
}

// Names returns the names of the registered providers.
func (m *Map) Names() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	names := make([]string, 0, len(m.providers))
	for name := range m.providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Infos returns the metadata of every registered provider ordered by name.
func (m *Map) Infos() []types.PriceProviderInfo {
	m.mu.Lock()
	defer m.mu.Unlock()
	names := make([]string, 0, len(m.providers))
	for name := range m.providers {
		names = append(names, name)
	}
	sort.Strings(names)
	infos := make([]types.PriceProviderInfo, 0, len(names))
	for _, name := range names {
		infos = append(infos, m.providers[name].Info())
	}
	return infos
}
