package main

import (
	"context"
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
	"github.com/raterudder/loadrudder/pkg/server"
	"github.com/raterudder/loadrudder/pkg/storage"
	"github.com/raterudder/loadrudder/pkg/utility"
)

func main() {
	// init packages
	u := utility.Configured()
	d := device.Configured()
	s := storage.Configured()
	n := notify.Configured()
	m := metrics.Configured()
	r := runner.Configured(s, u, d, n, m)

	// init server
	srv := server.Configured(s, r, u, d)

	// parse flags
	lflag.Configure()

	if _, err := log.Configure(); err != nil {
		panic(fmt.Errorf("failed to configure logging: %w", err))
	}
	device.ConfigureMock(s)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	defer func() {
		n.Close()
		if err := s.Close(); err != nil {
			log.Ctx(ctx).ErrorContext(ctx, "failed to close storage", slog.Any("error", err))
		}
	}()

	// Run will block until context is canceled or error happens
	if err := srv.Run(ctx); err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "server failed", slog.Any("error", err))
		cancel()
		os.Exit(1)
	}
	log.Ctx(ctx).InfoContext(ctx, "server exited cleanly")
}
