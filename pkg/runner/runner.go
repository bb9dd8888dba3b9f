package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/levenlabs/go-lflag"
	"github.com/raterudder/loadrudder/pkg/common"
	"github.com/raterudder/loadrudder/pkg/controller"
	"github.com/raterudder/loadrudder/pkg/device"
	"github.com/raterudder/loadrudder/pkg/log"
	"github.com/raterudder/loadrudder/pkg/notify"
	"github.com/raterudder/loadrudder/pkg/storage"
	"github.com/raterudder/loadrudder/pkg/types"
	"github.com/raterudder/loadrudder/pkg/utility"
)

// Pusher exports the state of a finished tick.
type Pusher interface {
	Push(ctx context.Context, state types.ControllerState) error
}

// Runner executes ticks: load the state, roll the day over, fetch prices,
// decide, drive the switch, persist and report.
type Runner struct {
	settingsPath string
	storage      storage.Database
	utilities    *utility.Map
	switches     *device.Map
	notify       *notify.Set
	metrics      Pusher
	controller   *controller.Controller

	staleAfter    time.Duration
	retentionDays int
	now           func() time.Time

	// ticks triggered from the status server must not overlap with each other
	mu sync.Mutex
}

// Result describes what a tick did.
type Result struct {
	Decision   controller.Decision   `json:"decision"`
	Transition string                `json:"transition"`
	Saved      bool                  `json:"saved"`
	State      types.ControllerState `json:"state"`
	Switch     *types.SwitchStatus   `json:"switch,omitempty"`
}

// Configured sets up the Runner based on flags.
func Configured(db storage.Database, u *utility.Map, d *device.Map, n *notify.Set, m Pusher) *Runner {
	r := New(db, u, d, n, m)
	settingsPath := lflag.String("settings-file", "loadrudder.yaml", "YAML file with the run settings of the device")
	staleAfter := lflag.Duration("stale-state-warning", 30*time.Minute, "Warn when the state was last saved longer ago than this")
	retention := lflag.Int("archive-retention-days", 365, "Days of daily records kept in the archive, 0 keeps everything")
	lflag.Do(func() {
		r.settingsPath = *settingsPath
		r.staleAfter = *staleAfter
		r.retentionDays = *retention
	})
	return r
}

// New returns a Runner with default options. settingsPath must be set with
// SetSettingsPath before the first tick.
func New(db storage.Database, u *utility.Map, d *device.Map, n *notify.Set, m Pusher) *Runner {
	if n == nil {
		n = notify.Nop()
	}
	return &Runner{
		storage:       db,
		utilities:     u,
		switches:      d,
		notify:        n,
		metrics:       m,
		controller:    controller.NewController(),
		staleAfter:    30 * time.Minute,
		retentionDays: 365,
		now:           time.Now,
	}
}

// SetSettingsPath changes the settings file read on every tick.
func (r *Runner) SetSettingsPath(path string) {
	r.settingsPath = path
}

// SettingsPath returns the settings file read on every tick.
func (r *Runner) SettingsPath() string {
	return r.settingsPath
}

// Tick runs one decision cycle. Configuration errors abort the tick before
// any external call is made and nothing is saved. Every other failure is
// recorded in the saved state and returned.
func (r *Runner) Tick(ctx context.Context) (Result, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	settings, err := types.LoadSettings(r.settingsPath)
	if err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to load settings", slog.String("path", r.settingsPath), slog.Any("error", err))
		return Result{}, err
	}
	loc, err := settings.Location()
	if err != nil {
		return Result{}, fmt.Errorf("%w: %v", types.ErrConfiguration, err)
	}
	sw, err := r.switches.Active()
	if err != nil {
		return Result{}, fmt.Errorf("%w: %v", types.ErrConfiguration, err)
	}
	now := r.now().In(loc)
	ctx = log.With(ctx, log.Ctx(ctx).With(slog.String("device", settings.DeviceName)))

	log.Ctx(ctx).InfoContext(ctx, "tick started", slog.Time("now", now), slog.String("version", common.Version()))

	state, err := r.loadState(ctx, settings)
	if err != nil {
		// without the stored state we can't save without losing history
		r.report(ctx, settings, nil, true, err)
		return Result{}, err
	}
	previouslySuccessful := state.LastRunSuccessful

	res, tickErr := r.tick(ctx, &state, settings, sw, now)

	state.LastRunSuccessful = tickErr == nil
	if tickErr != nil {
		state.LastStatusMessage = fmt.Sprintf("%s failed: %v", settings.DeviceName, tickErr)
	}
	state.LastStateSaveTime = now
	if err := r.storage.SaveState(ctx, state); err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to save state", slog.Any("error", err))
		tickErr = errors.Join(tickErr, fmt.Errorf("failed to save state: %w", err))
	} else {
		res.Saved = true
		r.publish(ctx, state)
	}
	res.State = state

	r.report(ctx, settings, &state, previouslySuccessful, tickErr)
	return res, tickErr
}

// loadState returns the stored state migrated to the current version or a
// fresh state when there is none or it can't be read.
func (r *Runner) loadState(ctx context.Context, settings types.Settings) (types.ControllerState, error) {
	state, err := r.storage.LoadState(ctx)
	switch {
	case errors.Is(err, storage.ErrStateNotFound):
		log.Ctx(ctx).InfoContext(ctx, "no saved state, starting fresh")
		return types.NewControllerState(settings), nil
	case errors.Is(err, storage.ErrStateCorrupt):
		log.Ctx(ctx).ErrorContext(ctx, "saved state is corrupt, starting fresh", slog.Any("error", err))
		return types.NewControllerState(settings), nil
	case err != nil:
		return types.ControllerState{}, fmt.Errorf("failed to load state: %w", err)
	}

	state, migrated, err := types.MigrateState(state, state.Version)
	if err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to migrate state, starting fresh", slog.Any("error", err))
		return types.NewControllerState(settings), nil
	}
	if migrated {
		log.Ctx(ctx).InfoContext(ctx, "migrated state", slog.Int("version", state.Version))
	}
	return state, nil
}

func (r *Runner) tick(ctx context.Context, state *types.ControllerState, settings types.Settings, sw device.Switch, now time.Time) (Result, error) {
	var res Result

	if !state.LastStateSaveTime.IsZero() && r.staleAfter > 0 {
		if since := now.Sub(state.LastStateSaveTime); since > r.staleAfter {
			log.Ctx(ctx).WarnContext(
				ctx,
				"state was last saved longer ago than expected, ticks should run at least every 30 minutes",
				slog.Duration("since", since),
				slog.Time("lastSave", state.LastStateSaveTime),
			)
		}
	}

	status, err := sw.Status(ctx)
	if err != nil {
		// an open run is split at midnight by the next tick that reads the
		// meter, otherwise its energy can't be shared between the days
		if !state.IsDeviceRunning && controller.Rollover(state, settings, now, nil) {
			r.archiveDay(ctx, settings.DeviceName, state.DailyData[1])
		}
		if state.DailyData[0].Date == now.Format(time.DateOnly) {
			controller.Recompute(state, now)
		}
		return res, fmt.Errorf("failed to read switch: %w", err)
	}
	res.Switch = &status
	meter := status.EnergyWh

	if controller.Rollover(state, settings, now, meter) {
		yesterday := state.DailyData[1]
		log.Ctx(ctx).InfoContext(
			ctx,
			"new day started",
			slog.String("date", state.DailyData[0].Date),
			slog.Float64("shortfall", state.CurrentShortfall),
			slog.Float64("target", state.DailyData[0].TargetRuntime),
		)
		r.archiveDay(ctx, settings.DeviceName, yesterday)
		r.checkEnergyUse(ctx, settings, yesterday)
		r.prune(ctx, now)
	}
	controller.Recompute(state, now)

	if status.On != state.IsDeviceRunning {
		log.Ctx(ctx).WarnContext(
			ctx,
			"switch state was changed externally",
			slog.Bool("switchOn", status.On),
			slog.Bool("stateRunning", state.IsDeviceRunning),
		)
		controller.RecordSwitch(state, status.On, now, meter, state.CurrentPrice)
	}

	r.checkMaximum(ctx, state, settings, now)

	catalog := r.prices(ctx, settings, now)

	d, err := r.controller.Decide(ctx, state, settings, catalog, now)
	if err != nil {
		return res, err
	}
	res.Decision = d

	transition := controller.TransitionNone
	if d.On != status.On {
		newStatus, err := sw.Set(ctx, d.On)
		if err != nil {
			return res, err
		}
		res.Switch = &newStatus
		if newStatus.EnergyWh != nil {
			meter = newStatus.EnergyWh
		}
		transition = controller.RecordSwitch(state, d.On, now, meter, d.CurrentPrice)
	} else {
		controller.RecordSwitch(state, d.On, now, meter, d.CurrentPrice)
	}
	res.Transition = transition.String()

	state.LastStatusMessage = statusMessage(settings, d)
	log.Ctx(ctx).InfoContext(ctx, summaryLine(*state, d), slog.String("transition", res.Transition))
	if settings.SendSummary {
		subject := fmt.Sprintf("%s scheduler Summary for %s", settings.DeviceName, now.Format(time.DateTime))
		if err := r.notify.Email.Send(ctx, subject, summaryBody(*state, d)); err != nil {
			log.Ctx(ctx).WarnContext(ctx, "failed to send summary email", slog.Any("error", err))
		}
	}
	return res, nil
}

// checkMaximum reports a pool pump that kept running past its daily maximum.
// The decision that follows switches it off.
func (r *Runner) checkMaximum(ctx context.Context, state *types.ControllerState, settings types.Settings, now time.Time) {
	if settings.DeviceType != types.DeviceTypePoolPump || !state.IsDeviceRunning {
		return
	}
	runtime := controller.RuntimeAt(*state.Today(), now)
	if runtime <= settings.MaximumRunHoursPerDay {
		return
	}
	msg := fmt.Sprintf(
		"%s has been running for %.2f hours today which is more than the maximum of %.2f hours.",
		settings.DeviceName, runtime, settings.MaximumRunHoursPerDay,
	)
	log.Ctx(ctx).ErrorContext(ctx, "device ran past its daily maximum", slog.Float64("runtime", runtime), slog.Float64("maximum", settings.MaximumRunHoursPerDay))
	if err := r.notify.Email.Send(ctx, fmt.Sprintf("%s was running for too long", settings.DeviceName), msg); err != nil {
		log.Ctx(ctx).WarnContext(ctx, "failed to send email", slog.Any("error", err))
	}
}

func (r *Runner) checkEnergyUse(ctx context.Context, settings types.Settings, day types.DailyRecord) {
	if settings.DailyEnergyUseThreshold <= 0 || day.EnergyUsed <= settings.DailyEnergyUseThreshold {
		return
	}
	log.Ctx(ctx).WarnContext(
		ctx,
		"daily energy use above threshold",
		slog.String("date", day.Date),
		slog.Float64("energyWh", day.EnergyUsed),
		slog.Float64("thresholdWh", settings.DailyEnergyUseThreshold),
	)
	subject := fmt.Sprintf("%s energy use alert", settings.DeviceName)
	body := fmt.Sprintf(
		"%s used %.0f Wh on %s which is more than the threshold of %.0f Wh.",
		settings.DeviceName, day.EnergyUsed, day.Date, settings.DailyEnergyUseThreshold,
	)
	if err := r.notify.Email.Send(ctx, subject, body); err != nil {
		log.Ctx(ctx).WarnContext(ctx, "failed to send email", slog.Any("error", err))
	}
}

// prices returns the catalog of today or nil when prices are unavailable.
func (r *Runner) prices(ctx context.Context, settings types.Settings, now time.Time) *controller.Catalog {
	provider, err := r.utilities.Active()
	if err != nil {
		log.Ctx(ctx).WarnContext(ctx, "no price provider", slog.Any("error", err))
		return nil
	}
	slots, err := provider.GetDayPrices(ctx, settings.PriceChannel, now)
	if err != nil {
		log.Ctx(ctx).WarnContext(ctx, "failed to fetch prices, using the manual schedule", slog.Any("error", err))
		return nil
	}
	catalog := controller.NewCatalog(now, slots)
	log.Ctx(ctx).DebugContext(
		ctx,
		"prices fetched",
		slog.String("provider", provider.Info().ID),
		slog.Int("slots", catalog.Len()),
	)
	if catalog.Len() == 0 {
		return nil
	}
	return catalog
}

func (r *Runner) archiveDay(ctx context.Context, device string, day types.DailyRecord) {
	if day.Date == "" {
		return
	}
	if err := r.storage.UpsertDay(ctx, device, day); err != nil {
		log.Ctx(ctx).WarnContext(ctx, "failed to archive day", slog.String("date", day.Date), slog.Any("error", err))
	}
}

func (r *Runner) prune(ctx context.Context, now time.Time) {
	if r.retentionDays <= 0 {
		return
	}
	n, err := r.storage.Prune(ctx, now.AddDate(0, 0, -r.retentionDays))
	if err != nil {
		log.Ctx(ctx).WarnContext(ctx, "failed to prune archive", slog.Any("error", err))
		return
	}
	if n > 0 {
		log.Ctx(ctx).InfoContext(ctx, "pruned archive", slog.Int64("deleted", n))
	}
}

// publish hands the saved state to every outside consumer. Failures are only
// logged.
func (r *Runner) publish(ctx context.Context, state types.ControllerState) {
	r.archiveDay(ctx, state.DeviceName, *state.Today())
	for _, p := range r.notify.Publishers {
		if err := p.Publish(ctx, state); err != nil {
			log.Ctx(ctx).WarnContext(ctx, "failed to publish state", slog.Any("error", err))
		}
	}
	if r.metrics != nil {
		if err := r.metrics.Push(ctx, state); err != nil {
			log.Ctx(ctx).WarnContext(ctx, "failed to push metrics", slog.Any("error", err))
		}
	}
}

// report pings the heartbeat and sends the failure or recovery email. Only
// the first failure in a row is emailed.
func (r *Runner) report(ctx context.Context, settings types.Settings, state *types.ControllerState, previouslySuccessful bool, tickErr error) {
	if err := r.notify.Heartbeat.Ping(ctx, tickErr != nil); err != nil {
		log.Ctx(ctx).WarnContext(ctx, "failed to ping heartbeat", slog.Any("error", err))
	}

	switch {
	case tickErr != nil:
		log.Ctx(ctx).ErrorContext(ctx, "tick failed", slog.Any("error", tickErr))
		if !previouslySuccessful {
			return
		}
		body := fmt.Sprintf(
			"%v\nAdditional emails will not be sent for consecutive errors, check the log for more information. An email will be sent when the system recovers.",
			tickErr,
		)
		if err := r.notify.Email.Send(ctx, fmt.Sprintf("%s terminated with an error", settings.DeviceName), body); err != nil {
			log.Ctx(ctx).WarnContext(ctx, "failed to send email", slog.Any("error", err))
		}
	case state != nil && !previouslySuccessful:
		log.Ctx(ctx).InfoContext(ctx, "run was successful after a prior failure")
		if err := r.notify.Email.Send(ctx, fmt.Sprintf("%s recovery", settings.DeviceName), "Run was successful after a prior failure."); err != nil {
			log.Ctx(ctx).WarnContext(ctx, "failed to send email", slog.Any("error", err))
		}
	}
}
