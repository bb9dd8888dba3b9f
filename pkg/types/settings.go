package types

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"
	_ "time/tzdata"

	"gopkg.in/yaml.v3"
)

// CurrentSettingsVersion is the current version of the settings struct.
// Increment this value when adding new fields that require default values.
const CurrentSettingsVersion = 3

// ErrConfiguration is returned when the settings are invalid. It is fatal for
// a tick and must be reported before any external call is made.
var ErrConfiguration = errors.New("invalid configuration")

// DeviceType selects which decision strategy controls the load.
type DeviceType string

const (
	DeviceTypePoolPump       DeviceType = "PoolPump"
	DeviceTypeHotWaterSystem DeviceType = "HotWaterSystem"
)

// Price channels offered by the price source.
const (
	PriceChannelGeneral        = "general"
	PriceChannelControlledLoad = "controlledLoad"
)

// Settings represents the run configuration of the controlled device. It is
// loaded from a YAML file so it can be edited without redeploying.
type Settings struct {
	Version int `yaml:"version" json:"version"`

	DeviceName string     `yaml:"deviceName" json:"deviceName"`
	DeviceType DeviceType `yaml:"deviceType" json:"deviceType"`
	// Timezone the day boundaries and manual schedule are evaluated in.
	// Empty means the local timezone of the host.
	Timezone string `yaml:"timezone" json:"timezone"`

	// Runtime Settings (hours per day)
	MinimumRunHoursPerDay float64 `yaml:"minimumRunHoursPerDay" json:"minimumRunHoursPerDay"`
	MaximumRunHoursPerDay float64 `yaml:"maximumRunHoursPerDay" json:"maximumRunHoursPerDay"`
	TargetRunHoursPerDay  float64 `yaml:"targetRunHoursPerDay" json:"targetRunHoursPerDay"`
	// Overrides the target for a month, keyed by the English month name.
	MonthlyTargetRunHoursPerDay map[string]float64 `yaml:"monthlyTargetRunHoursPerDay,omitempty" json:"monthlyTargetRunHoursPerDay,omitempty"`

	// Price Settings (cents per kWh)
	PriceChannel      string  `yaml:"priceChannel" json:"priceChannel"`
	MaximumPriceToRun float64 `yaml:"maximumPriceToRun" json:"maximumPriceToRun"`
	// Multiple over the worst of the cheapest slots needed to reach the
	// minimum runtime that we are still willing to run at right now.
	ThresholdAboveCheapestPricesForMinimumHours float64 `yaml:"thresholdAboveCheapestPricesForMinimumHours" json:"thresholdAboveCheapestPricesForMinimumHours"`

	// Fallback used when no prices could be fetched.
	ManualSchedule []ManualWindow `yaml:"manualSchedule,omitempty" json:"manualSchedule,omitempty"`
	NoRunPeriods   []NoRunPeriod  `yaml:"noRunPeriods,omitempty" json:"noRunPeriods,omitempty"`

	// Notifications
	// Alert when a day used more than this much energy (Wh). 0 disables it.
	DailyEnergyUseThreshold float64 `yaml:"dailyEnergyUseThreshold" json:"dailyEnergyUseThreshold"`
	SendSummary             bool    `yaml:"sendSummary" json:"sendSummary"`
}

// ManualWindow is a fixed daily window in "15:04" format.
type ManualWindow struct {
	StartTime string `yaml:"startTime" json:"startTime"`
	EndTime   string `yaml:"endTime" json:"endTime"`
}

// NoRunPeriod is an inclusive date range in "2006-01-02" format.
type NoRunPeriod struct {
	StartDate string `yaml:"startDate" json:"startDate"`
	EndDate   string `yaml:"endDate" json:"endDate"`
}

// LoadSettings reads the settings file at path and migrates it to the current
// version. A missing or unparsable file is a configuration error.
func LoadSettings(path string) (Settings, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Settings{}, fmt.Errorf("%w: failed to read settings file: %v", ErrConfiguration, err)
	}
	return ParseSettings(b)
}

// ParseSettings decodes YAML settings, migrates them and validates them.
// Defaults added by later versions only fill keys the file leaves out, so an
// explicit zero is kept.
func ParseSettings(b []byte) (Settings, error) {
	var head struct {
		Version int `yaml:"version"`
	}
	if err := yaml.Unmarshal(b, &head); err != nil {
		return Settings{}, fmt.Errorf("%w: failed to parse settings: %v", ErrConfiguration, err)
	}
	s, _, err := MigrateSettings(Settings{}, head.Version)
	if err != nil {
		return Settings{}, fmt.Errorf("%w: %v", ErrConfiguration, err)
	}
	if err := yaml.Unmarshal(b, &s); err != nil {
		return Settings{}, fmt.Errorf("%w: failed to parse settings: %v", ErrConfiguration, err)
	}
	if s.Version < CurrentSettingsVersion {
		s.Version = CurrentSettingsVersion
	}
	if err := s.Validate(); err != nil {
		return Settings{}, err
	}
	return s, nil
}

// EncodeSettings encodes the settings the way LoadSettings expects them.
func EncodeSettings(s Settings) ([]byte, error) {
	b, err := yaml.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal settings: %w", err)
	}
	return b, nil
}

// Validate checks that the settings are usable. The returned error wraps
// ErrConfiguration.
func (s Settings) Validate() error {
	switch s.DeviceType {
	case DeviceTypePoolPump, DeviceTypeHotWaterSystem:
	default:
		return fmt.Errorf("%w: unknown deviceType %q", ErrConfiguration, s.DeviceType)
	}
	if _, err := s.Location(); err != nil {
		return fmt.Errorf("%w: invalid timezone %q: %v", ErrConfiguration, s.Timezone, err)
	}
	switch s.PriceChannel {
	case PriceChannelGeneral, PriceChannelControlledLoad:
	default:
		return fmt.Errorf("%w: unknown priceChannel %q", ErrConfiguration, s.PriceChannel)
	}
	if s.ThresholdAboveCheapestPricesForMinimumHours < 0 {
		return fmt.Errorf("%w: thresholdAboveCheapestPricesForMinimumHours must not be negative", ErrConfiguration)
	}

	if s.DeviceType == DeviceTypePoolPump {
		if s.MinimumRunHoursPerDay < 0 {
			return fmt.Errorf("%w: minimumRunHoursPerDay must not be negative", ErrConfiguration)
		}
		if s.MaximumRunHoursPerDay > 24 {
			return fmt.Errorf("%w: maximumRunHoursPerDay must not exceed 24", ErrConfiguration)
		}
		if s.MinimumRunHoursPerDay > s.MaximumRunHoursPerDay {
			return fmt.Errorf("%w: minimumRunHoursPerDay (%.1f) exceeds maximumRunHoursPerDay (%.1f)", ErrConfiguration, s.MinimumRunHoursPerDay, s.MaximumRunHoursPerDay)
		}
		if s.TargetRunHoursPerDay < 0 {
			return fmt.Errorf("%w: targetRunHoursPerDay must not be negative", ErrConfiguration)
		}
		for month, hours := range s.MonthlyTargetRunHoursPerDay {
			if _, ok := parseMonth(month); !ok {
				return fmt.Errorf("%w: unknown month %q in monthlyTargetRunHoursPerDay", ErrConfiguration, month)
			}
			if hours < 0 {
				return fmt.Errorf("%w: monthly target for %s must not be negative", ErrConfiguration, month)
			}
		}
	}

	for i, w := range s.ManualSchedule {
		start, err := parseClock(w.StartTime)
		if err != nil {
			return fmt.Errorf("%w: manualSchedule[%d] startTime: %v", ErrConfiguration, i, err)
		}
		end, err := parseClock(w.EndTime)
		if err != nil {
			return fmt.Errorf("%w: manualSchedule[%d] endTime: %v", ErrConfiguration, i, err)
		}
		if end <= start {
			return fmt.Errorf("%w: manualSchedule[%d] ends before it starts", ErrConfiguration, i)
		}
	}
	for i, p := range s.NoRunPeriods {
		start, err := time.Parse(time.DateOnly, p.StartDate)
		if err != nil {
			return fmt.Errorf("%w: noRunPeriods[%d] startDate: %v", ErrConfiguration, i, err)
		}
		end, err := time.Parse(time.DateOnly, p.EndDate)
		if err != nil {
			return fmt.Errorf("%w: noRunPeriods[%d] endDate: %v", ErrConfiguration, i, err)
		}
		if end.Before(start) {
			return fmt.Errorf("%w: noRunPeriods[%d] ends before it starts", ErrConfiguration, i)
		}
	}
	return nil
}

// Location returns the timezone the settings are evaluated in.
func (s Settings) Location() (*time.Location, error) {
	if s.Timezone == "" {
		return time.Local, nil
	}
	return time.LoadLocation(s.Timezone)
}

// RequiredRuntime returns the runtime required on the given day before any
// shortfall is added. The hot water system is always allowed the whole day.
func (s Settings) RequiredRuntime(day time.Time) float64 {
	if s.DeviceType == DeviceTypeHotWaterSystem {
		return 24
	}
	for month, hours := range s.MonthlyTargetRunHoursPerDay {
		if m, ok := parseMonth(month); ok && m == day.Month() {
			return hours
		}
	}
	return s.TargetRunHoursPerDay
}

// InNoRunPeriod reports whether day falls inside any NoRunPeriod.
func (s Settings) InNoRunPeriod(day time.Time) bool {
	date := day.Format(time.DateOnly)
	for _, p := range s.NoRunPeriods {
		// dates compare lexically in this format
		if date >= p.StartDate && date <= p.EndDate {
			return true
		}
	}
	return false
}

// ManualWindows returns the manual schedule anchored to the day containing
// day, sorted by start time.
func (s Settings) ManualWindows(day time.Time) []RunWindow {
	midnight := time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, day.Location())
	windows := make([]RunWindow, 0, len(s.ManualSchedule))
	for _, w := range s.ManualSchedule {
		start, err := parseClock(w.StartTime)
		if err != nil {
			continue
		}
		end, err := parseClock(w.EndTime)
		if err != nil {
			continue
		}
		windows = append(windows, RunWindow{
			From: midnight.Add(start),
			To:   midnight.Add(end),
		})
	}
	SortWindows(windows)
	return windows
}

func parseClock(v string) (time.Duration, error) {
	t, err := time.Parse("15:04", v)
	if err != nil {
		// allow 24:00 as the end of the day
		if v == "24:00" {
			return 24 * time.Hour, nil
		}
		return 0, fmt.Errorf("invalid time %q", v)
	}
	return time.Duration(t.Hour())*time.Hour + time.Duration(t.Minute())*time.Minute, nil
}

func parseMonth(name string) (time.Month, bool) {
	for m := time.January; m <= time.December; m++ {
		if strings.EqualFold(m.String(), strings.TrimSpace(name)) {
			return m, true
		}
	}
	return 0, false
}

// MigrateSettings migrates the settings to the current version.
// It returns the migrated settings, a boolean indicating if changes were made, and an error if migration failed.
func MigrateSettings(s Settings, currentVersion int) (Settings, bool, error) {
	if currentVersion >= CurrentSettingsVersion {
		return s, false, nil
	}

	migrated := false
	// Loop through versions to apply migrations sequentially
	for version := currentVersion + 1; version <= CurrentSettingsVersion; version++ {
		switch version {
		case 1:
			// version 1: initial
			if s.DeviceType == "" {
				s.DeviceType = DeviceTypePoolPump
				migrated = true
			}
			if s.MinimumRunHoursPerDay == 0 {
				s.MinimumRunHoursPerDay = 3
				migrated = true
			}
			if s.MaximumRunHoursPerDay == 0 {
				s.MaximumRunHoursPerDay = 9
				migrated = true
			}
			if s.TargetRunHoursPerDay == 0 {
				s.TargetRunHoursPerDay = 6
				migrated = true
			}
			if s.MaximumPriceToRun == 0 {
				s.MaximumPriceToRun = 20
				migrated = true
			}
		case 2:
			// version 2: add threshold above cheapest prices
			if s.ThresholdAboveCheapestPricesForMinimumHours == 0 {
				s.ThresholdAboveCheapestPricesForMinimumHours = 1.1
				migrated = true
			}
		case 3:
			// version 3: add price channel
			if s.PriceChannel == "" {
				s.PriceChannel = PriceChannelGeneral
				migrated = true
			}
		default:
			return s, false, fmt.Errorf("unknown settings version: %d", version)
		}
	}
	s.Version = CurrentSettingsVersion

	return s, migrated, nil
}
