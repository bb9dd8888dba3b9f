package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"time"

	"github.com/levenlabs/go-lflag"
	"github.com/raterudder/loadrudder/pkg/controller"
	"github.com/raterudder/loadrudder/pkg/log"
	"github.com/raterudder/loadrudder/pkg/storage"
	"github.com/raterudder/loadrudder/pkg/types"
	"github.com/raterudder/loadrudder/pkg/utility"
)

// seed writes a default settings file and a state with simulated history so
// the tick and the status server have something to work with locally.
func main() {
	s := storage.Configured()
	settingsPath := lflag.String("settings-file", "loadrudder.yaml", "Settings file to write")
	deviceName := lflag.String("seed-device-name", "Pool Pump", "Name of the seeded device")
	deviceType := lflag.String("seed-device-type", string(types.DeviceTypePoolPump), "Type of the seeded device (PoolPump or HotWaterSystem)")
	timezone := lflag.String("seed-timezone", "Australia/Sydney", "Timezone of the seeded device")
	days := lflag.Int("seed-days", 14, "Days of simulated history written to the state and archive")
	powerW := lflag.Int("seed-power-w", 1500, "Power in W the simulated load draws while on")
	overwrite := lflag.Bool("seed-overwrite", false, "Overwrite an existing settings file and state")
	lflag.Configure()

	if _, err := log.Configure(); err != nil {
		panic(fmt.Errorf("failed to configure logging: %w", err))
	}
	ctx := context.Background()
	defer func() {
		if err := s.Close(); err != nil {
			log.Ctx(ctx).ErrorContext(ctx, "failed to close storage", slog.Any("error", err))
		}
	}()

	log.Ctx(ctx).InfoContext(ctx, "seeding default configuration")

	settings, _, err := types.MigrateSettings(types.Settings{
		DeviceName: *deviceName,
		DeviceType: types.DeviceType(*deviceType),
		Timezone:   *timezone,
	}, 0)
	if err != nil {
		panic(err)
	}
	if err := settings.Validate(); err != nil {
		panic(err)
	}
	if err := writeSettings(*settingsPath, settings, *overwrite); err != nil {
		panic(err)
	}

	if _, err := s.LoadState(ctx); err == nil && !*overwrite {
		log.Ctx(ctx).InfoContext(ctx, "state already exists, not seeding history")
		return
	} else if err != nil && !errors.Is(err, storage.ErrStateNotFound) && !errors.Is(err, storage.ErrStateCorrupt) {
		panic(fmt.Errorf("failed to load state: %w", err))
	}

	loc, err := settings.Location()
	if err != nil {
		panic(err)
	}
	now := time.Now().In(loc)
	state, err := simulateHistory(ctx, s, settings, now, *days, float64(*powerW))
	if err != nil {
		panic(err)
	}
	if err := s.SaveState(ctx, state); err != nil {
		panic(fmt.Errorf("failed to save state: %w", err))
	}
	if err := s.UpdateSwitchMockState(ctx, types.SwitchMockState{Timestamp: now, PowerW: float64(*powerW)}); err != nil {
		log.Ctx(ctx).WarnContext(ctx, "failed to reset simulated switch", slog.Any("error", err))
	}

	log.Ctx(ctx).InfoContext(
		ctx,
		"seeded state",
		slog.String("device", settings.DeviceName),
		slog.Int("days", *days),
		slog.Float64("shortfall", state.CurrentShortfall),
		slog.Float64("energyWh", state.AlltimeTotals.EnergyUsed),
	)
}

func writeSettings(path string, settings types.Settings, overwrite bool) error {
	if _, err := os.Stat(path); err == nil && !overwrite {
		log.Ctx(context.Background()).Info("settings file already exists", slog.String("path", path))
		return nil
	} else if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to stat settings file: %w", err)
	}
	b, err := types.EncodeSettings(settings)
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, b, 0o644); err != nil {
		return fmt.Errorf("failed to write settings file: %w", err)
	}
	log.Ctx(context.Background()).Info("wrote settings file", slog.String("path", path))
	return nil
}

// simulateHistory runs the controller over the days before now with mock
// prices and archives every simulated day.
func simulateHistory(ctx context.Context, archive storage.Archive, settings types.Settings, now time.Time, days int, powerW float64) (types.ControllerState, error) {
	c := controller.NewController()
	prices := utility.NewMock(15, 10)
	state := types.NewControllerState(settings)

	today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
	for i := days; i > 0; i-- {
		midnight := today.AddDate(0, 0, -i)
		prices.SetNow(func() time.Time { return midnight })

		controller.Rollover(&state, settings, midnight, nil)
		slots, err := prices.GetDayPrices(ctx, settings.PriceChannel, midnight)
		if err != nil {
			return state, err
		}
		_, end, err := c.SimulateDay(ctx, state, settings, controller.NewCatalog(midnight, slots), midnight, types.SlotDuration, powerW)
		if err != nil {
			return state, fmt.Errorf("failed to simulate %s: %w", midnight.Format(time.DateOnly), err)
		}
		state = end
		if err := archive.UpsertDay(ctx, settings.DeviceName, *state.Today()); err != nil {
			log.Ctx(ctx).WarnContext(ctx, "failed to archive simulated day", slog.Any("error", err))
		}
	}
	state.LastStateSaveTime = now
	return state, nil
}
