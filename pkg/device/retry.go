package device

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/raterudder/loadrudder/pkg/log"
	"github.com/raterudder/loadrudder/pkg/types"
)

// Retrying wraps a Switch and retries failed Set commands with a constant
// delay. Status is not retried.
type Retrying struct {
	Switch
	retries uint64
	delay   time.Duration
}

// NewRetrying returns sw with Set retried up to retries times.
func NewRetrying(sw Switch, retries uint64, delay time.Duration) *Retrying {
	if r, ok := sw.(*Retrying); ok {
		sw = r.Switch
	}
	return &Retrying{Switch: sw, retries: retries, delay: delay}
}

// Set implements Switch.
func (r *Retrying) Set(ctx context.Context, on bool) (types.SwitchStatus, error) {
	b := backoff.WithContext(backoff.WithMaxRetries(backoff.NewConstantBackOff(r.delay), r.retries), ctx)

	var attempts int
	status, err := backoff.RetryNotifyWithData(func() (types.SwitchStatus, error) {
		attempts++
		return r.Switch.Set(ctx, on)
	}, b, func(err error, wait time.Duration) {
		log.Ctx(ctx).WarnContext(
			ctx,
			"switch command failed, retrying",
			slog.Bool("on", on),
			slog.Int("attempt", attempts),
			slog.Duration("wait", wait),
			slog.Any("error", err),
		)
	})
	if err != nil {
		return types.SwitchStatus{}, fmt.Errorf("%w: gave up after %d attempts: %w", ErrSwitchCommand, attempts, err)
	}
	return status, nil
}
