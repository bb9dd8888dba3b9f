package notify

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/levenlabs/go-lflag"
	"github.com/raterudder/loadrudder/pkg/common"
	"github.com/raterudder/loadrudder/pkg/log"
)

// Heartbeat pings a monitoring URL (healthchecks.io style) after every tick.
// Failed ticks ping the URL with a "/fail" suffix.
type Heartbeat struct {
	url    string
	client *http.Client
}

func configuredHeartbeat() *Heartbeat {
	h := &Heartbeat{}
	u := lflag.String("heartbeat-url", "", "URL pinged after every tick, disabled if empty")
	timeout := lflag.Duration("heartbeat-timeout", 10*time.Second, "Timeout for the heartbeat ping")
	lflag.Do(func() {
		h.url = *u
		h.client = common.HTTPClient(*timeout)
		if h.url != "" {
			if _, err := url.Parse(h.url); err != nil {
				panic(fmt.Sprintf("failed to parse heartbeat-url (%s): %v", h.url, err))
			}
		}
	})
	return h
}

// NewHeartbeat returns a Heartbeat pinging u.
func NewHeartbeat(u string, timeout time.Duration) *Heartbeat {
	return &Heartbeat{url: u, client: common.HTTPClient(timeout)}
}

// Ping implements Pinger.
func (h *Heartbeat) Ping(ctx context.Context, failed bool) error {
	if h.url == "" {
		return nil
	}
	u := h.url
	if failed {
		u = strings.TrimRight(u, "/") + "/fail"
	}
	if err := common.DoJSON(ctx, h.client, http.MethodGet, u, nil, nil, nil); err != nil {
		return fmt.Errorf("failed to ping heartbeat: %w", err)
	}
	log.Ctx(ctx).DebugContext(ctx, "heartbeat pinged", slog.Bool("failed", failed))
	return nil
}
