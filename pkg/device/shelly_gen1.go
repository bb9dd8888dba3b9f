package device

import (
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/levenlabs/go-lflag"
	"github.com/raterudder/loadrudder/pkg/common"
	"github.com/raterudder/loadrudder/pkg/log"
	"github.com/raterudder/loadrudder/pkg/types"
)

// ShellyGen1 implements the Switch interface for first generation Shelly
// devices like the Shelly EM and Shelly 1PM.
type ShellyGen1 struct {
	baseURL  string
	relay    int
	username string
	password string
	client   *http.Client
	now      func() time.Time
}

func configuredShellyGen1() *ShellyGen1 {
	s := &ShellyGen1{now: time.Now}
	host := lflag.String("shelly-gen1-host", "", "Address of the Shelly Gen1 device, like http://192.168.1.51")
	relay := lflag.Int("shelly-gen1-relay", 0, "Relay index on the Shelly Gen1 device")
	username := lflag.String("shelly-gen1-username", "", "Username if the Shelly Gen1 device has restricted login")
	password := lflag.String("shelly-gen1-password", "", "Password if the Shelly Gen1 device has restricted login")
	timeout := lflag.Duration("shelly-gen1-timeout", 10*time.Second, "Timeout for requests to the Shelly Gen1 device")
	lflag.Do(func() {
		s.baseURL = *host
		s.relay = *relay
		s.username = *username
		s.password = *password
		s.client = common.HTTPClient(*timeout)
	})
	return s
}

// Validate ensures the configuration is valid.
func (s *ShellyGen1) Validate() error {
	if s.baseURL == "" {
		return fmt.Errorf("shelly-gen1-host is required")
	}
	if _, err := url.Parse(s.baseURL); err != nil {
		return fmt.Errorf("failed to parse shelly gen1 host (%s): %w", s.baseURL, err)
	}
	return nil
}

// Info implements Switch.
func (s *ShellyGen1) Info() types.SwitchProviderInfo {
	return types.SwitchProviderInfo{
		ID:       "shelly-gen1",
		Name:     "Shelly Gen1",
		HasMeter: true,
	}
}

type shellyGen1Relay struct {
	IsOn bool `json:"ison"`
}

type shellyGen1Meter struct {
	Power float64 `json:"power"`
	// Total is in watt-minutes.
	Total *float64 `json:"total"`
}

type shellyGen1EMeter struct {
	Power   float64 `json:"power"`
	Voltage float64 `json:"voltage"`
	// Total is in Wh.
	Total *float64 `json:"total"`
}

type shellyGen1Status struct {
	Relays      []shellyGen1Relay  `json:"relays"`
	Meters      []shellyGen1Meter  `json:"meters"`
	EMeters     []shellyGen1EMeter `json:"emeters"`
	Temperature *float64           `json:"temperature"`
}

func (s *ShellyGen1) get(ctx context.Context, path string, params url.Values, out any) error {
	if err := s.Validate(); err != nil {
		return err
	}
	u, err := url.JoinPath(s.baseURL, path)
	if err != nil {
		return fmt.Errorf("failed to build shelly url: %w", err)
	}
	if len(params) > 0 {
		u += "?" + params.Encode()
	}
	var headers map[string]string
	if s.username != "" {
		auth := base64.StdEncoding.EncodeToString([]byte(s.username + ":" + s.password))
		headers = map[string]string{"Authorization": "Basic " + auth}
	}
	log.Ctx(ctx).DebugContext(ctx, "calling shelly gen1", slog.String("url", u))
	return common.DoJSON(ctx, s.client, http.MethodGet, u, headers, nil, out)
}

// Status implements Switch.
func (s *ShellyGen1) Status(ctx context.Context) (types.SwitchStatus, error) {
	var res shellyGen1Status
	if err := s.get(ctx, "status", nil, &res); err != nil {
		return types.SwitchStatus{}, fmt.Errorf("%w: failed to get shelly gen1 status: %w", ErrSwitchCommand, err)
	}
	if s.relay >= len(res.Relays) {
		return types.SwitchStatus{}, fmt.Errorf("%w: shelly gen1 has %d relays, wanted relay %d", ErrSwitchCommand, len(res.Relays), s.relay)
	}

	status := types.SwitchStatus{
		Timestamp:    s.now(),
		On:           res.Relays[s.relay].IsOn,
		TemperatureC: res.Temperature,
	}
	// the EM meters its channels separately from the relay
	switch {
	case len(res.EMeters) > 0:
		em := res.EMeters[0]
		power, voltage := em.Power, em.Voltage
		status.PowerW = &power
		status.Voltage = &voltage
		if em.Total != nil {
			total := *em.Total
			status.EnergyWh = &total
		}
	case s.relay < len(res.Meters):
		m := res.Meters[s.relay]
		power := m.Power
		status.PowerW = &power
		if m.Total != nil {
			total := *m.Total / 60
			status.EnergyWh = &total
		}
	}
	return status, nil
}

// Set implements Switch.
func (s *ShellyGen1) Set(ctx context.Context, on bool) (types.SwitchStatus, error) {
	turn := "off"
	if on {
		turn = "on"
	}
	var relay shellyGen1Relay
	if err := s.get(ctx, fmt.Sprintf("relay/%d", s.relay), url.Values{"turn": {turn}}, &relay); err != nil {
		return types.SwitchStatus{}, fmt.Errorf("%w: failed to turn shelly gen1 %s: %w", ErrSwitchCommand, turn, err)
	}
	if relay.IsOn != on {
		return types.SwitchStatus{}, fmt.Errorf("%w: shelly gen1 reports ison=%t after turning %s", ErrSwitchCommand, relay.IsOn, turn)
	}
	log.Ctx(ctx).DebugContext(ctx, "set shelly gen1 relay", slog.Bool("on", on))
	return s.Status(ctx)
}
