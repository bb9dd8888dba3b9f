package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/levenlabs/go-lflag"
	"github.com/raterudder/loadrudder/pkg/device"
	"github.com/raterudder/loadrudder/pkg/log"
	"github.com/raterudder/loadrudder/pkg/metrics"
	"github.com/raterudder/loadrudder/pkg/notify"
	"github.com/raterudder/loadrudder/pkg/runner"
	"github.com/raterudder/loadrudder/pkg/storage"
	"github.com/raterudder/loadrudder/pkg/types"
	"github.com/raterudder/loadrudder/pkg/utility"
)

// main runs a single tick. It is meant to be started by cron or a scheduler
// every 15 to 30 minutes.
func main() {
	// init packages
	u := utility.Configured()
	d := device.Configured()
	s := storage.Configured()
	n := notify.Configured()
	m := metrics.Configured()
	r := runner.Configured(s, u, d, n, m)

	// parse flags
	lflag.Configure()

	if _, err := log.Configure(); err != nil {
		panic(fmt.Errorf("failed to configure logging: %w", err))
	}
	device.ConfigureMock(s)

	os.Exit(run(r, s, n))
}

func run(r *runner.Runner, s storage.Database, n *notify.Set) int {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	defer func() {
		n.Close()
		if err := s.Close(); err != nil {
			log.Ctx(ctx).ErrorContext(ctx, "failed to close storage", slog.Any("error", err))
		}
	}()

	res, err := r.Tick(ctx)
	if errors.Is(err, types.ErrConfiguration) {
		log.Ctx(ctx).ErrorContext(ctx, "invalid configuration", slog.String("settings", r.SettingsPath()), slog.Any("error", err))
		return 2
	}
	if err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "tick failed", slog.Any("error", err))
		return 1
	}
	log.Ctx(ctx).InfoContext(
		ctx,
		"tick finished",
		slog.Bool("on", res.Decision.On),
		slog.String("reason", string(res.Decision.Reason)),
		slog.String("transition", res.Transition),
	)
	return 0
}
