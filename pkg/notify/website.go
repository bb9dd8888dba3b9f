package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/levenlabs/go-lflag"
	"github.com/raterudder/loadrudder/pkg/common"
	"github.com/raterudder/loadrudder/pkg/log"
	"github.com/raterudder/loadrudder/pkg/types"
)

// Website submits the state to a status server (see cmd/loadstatus).
type Website struct {
	baseURL   string
	accessKey string
	client    *http.Client
}

func configuredWebsite() *Website {
	w := &Website{}
	base := lflag.String("website-base-url", "", "Base URL of the status server the state is submitted to, disabled if empty")
	key := lflag.String("website-access-key", "", "Access key for the status server")
	timeout := lflag.Duration("website-timeout", 5*time.Second, "Timeout for submitting the state")
	lflag.Do(func() {
		w.baseURL = *base
		w.accessKey = *key
		w.client = common.HTTPClient(*timeout)
		if w.baseURL != "" {
			if _, err := url.Parse(w.baseURL); err != nil {
				panic(fmt.Sprintf("failed to parse website-base-url (%s): %v", w.baseURL, err))
			}
		}
	})
	return w
}

// NewWebsite returns a Website submitting to baseURL.
func NewWebsite(baseURL, accessKey string, timeout time.Duration) *Website {
	return &Website{baseURL: baseURL, accessKey: accessKey, client: common.HTTPClient(timeout)}
}

// Publish implements Publisher.
func (w *Website) Publish(ctx context.Context, state types.ControllerState) error {
	if w.baseURL == "" {
		return nil
	}
	u := strings.TrimRight(w.baseURL, "/") + "/api/submit?key=" + url.QueryEscape(w.accessKey)
	err := common.DoJSON(ctx, w.client, http.MethodPost, u, nil, state, nil)
	if err != nil {
		var se *common.StatusError
		if errors.As(err, &se) && se.StatusCode == http.StatusForbidden {
			log.Ctx(ctx).ErrorContext(ctx, "status server rejected the access key")
		}
		return fmt.Errorf("failed to submit state: %w", err)
	}
	log.Ctx(ctx).DebugContext(ctx, "state submitted", slog.String("baseURL", w.baseURL))
	return nil
}
