package metrics

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/levenlabs/go-lflag"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/push"
	"github.com/raterudder/loadrudder/pkg/common"
	"github.com/raterudder/loadrudder/pkg/types"
)

const metricPrefix = "loadrudder_"

// Gauges mirrors the headline values of a ControllerState. Gauges served by
// the status server are labelled by device; pushed gauges are not since the
// Pushgateway groups them by device instead.
type Gauges struct {
	registry *prometheus.Registry
	labelled bool

	running          *prometheus.GaugeVec
	lastRunOK        *prometheus.GaugeVec
	degraded         *prometheus.GaugeVec
	runtimeToday     *prometheus.GaugeVec
	targetRuntime    *prometheus.GaugeVec
	remainingRuntime *prometheus.GaugeVec
	shortfall        *prometheus.GaugeVec
	currentPrice     *prometheus.GaugeVec
	energyToday      *prometheus.GaugeVec
	costToday        *prometheus.GaugeVec
	energyTotal      *prometheus.GaugeVec
	costTotal        *prometheus.GaugeVec
	lastSave         *prometheus.GaugeVec
}

// NewGauges creates gauges labelled by device in their own registry.
func NewGauges() *Gauges {
	return newGauges(true)
}

func newGauges(labelled bool) *Gauges {
	var labels []string
	if labelled {
		labels = []string{"device"}
	}
	vec := func(name, help string) *prometheus.GaugeVec {
		return prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: metricPrefix + name,
				Help: help,
			},
			labels,
		)
	}
	g := &Gauges{
		registry:         prometheus.NewRegistry(),
		labelled:         labelled,
		running:          vec("switch_on", "1 when the load is switched on"),
		lastRunOK:        vec("last_run_successful", "1 when the last tick succeeded"),
		degraded:         vec("degraded", "1 when the last decision was made without prices"),
		runtimeToday:     vec("runtime_today_hours", "Hours the load ran today"),
		targetRuntime:    vec("target_runtime_hours", "Hours the load should run today"),
		remainingRuntime: vec("remaining_runtime_hours", "Hours left to run today"),
		shortfall:        vec("shortfall_hours", "Runtime missed over the last seven days"),
		currentPrice:     vec("current_price_cents_per_kwh", "Price of the current slot"),
		energyToday:      vec("energy_today_wh", "Energy used today"),
		costToday:        vec("cost_today_cents", "Cost of the energy used today"),
		energyTotal:      vec("energy_alltime_wh", "Energy used since the state was created"),
		costTotal:        vec("cost_alltime_cents", "Cost of the energy used since the state was created"),
		lastSave:         vec("last_save_timestamp_seconds", "Unix time the state was last saved"),
	}
	g.registry.MustRegister(
		g.running,
		g.lastRunOK,
		g.degraded,
		g.runtimeToday,
		g.targetRuntime,
		g.remainingRuntime,
		g.shortfall,
		g.currentPrice,
		g.energyToday,
		g.costToday,
		g.energyTotal,
		g.costTotal,
		g.lastSave,
	)
	return g
}

// Registry returns the registry the gauges are registered with.
func (g *Gauges) Registry() *prometheus.Registry {
	return g.registry
}

func boolGauge(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

func (g *Gauges) labelValues(device string) []string {
	if g.labelled {
		return []string{device}
	}
	return nil
}

// Observe sets every gauge of the device from state.
func (g *Gauges) Observe(state types.ControllerState) {
	lv := g.labelValues(state.DeviceName)
	today := state.Today()

	g.running.WithLabelValues(lv...).Set(boolGauge(state.IsDeviceRunning))
	g.lastRunOK.WithLabelValues(lv...).Set(boolGauge(state.LastRunSuccessful))
	g.degraded.WithLabelValues(lv...).Set(boolGauge(state.Degraded))
	g.runtimeToday.WithLabelValues(lv...).Set(today.RuntimeToday)
	g.targetRuntime.WithLabelValues(lv...).Set(today.TargetRuntime)
	g.remainingRuntime.WithLabelValues(lv...).Set(today.RemainingRuntimeToday)
	g.shortfall.WithLabelValues(lv...).Set(state.CurrentShortfall)
	if state.CurrentPrice != nil {
		g.currentPrice.WithLabelValues(lv...).Set(*state.CurrentPrice)
	} else {
		g.currentPrice.DeleteLabelValues(lv...)
	}
	g.energyToday.WithLabelValues(lv...).Set(today.EnergyUsed)
	g.costToday.WithLabelValues(lv...).Set(today.TotalCost)
	g.energyTotal.WithLabelValues(lv...).Set(state.AlltimeTotals.EnergyUsed)
	g.costTotal.WithLabelValues(lv...).Set(state.AlltimeTotals.TotalCost)
	if !state.LastStateSaveTime.IsZero() {
		g.lastSave.WithLabelValues(lv...).Set(float64(state.LastStateSaveTime.Unix()))
	}
}

// Pusher pushes the gauges of a finished tick to a Prometheus Pushgateway.
type Pusher struct {
	url    string
	job    string
	client *http.Client
}

// Configured sets up the Pusher based on flags.
func Configured() *Pusher {
	p := &Pusher{}
	u := lflag.String("pushgateway-url", "", "Prometheus Pushgateway the metrics are pushed to after every tick, disabled if empty")
	job := lflag.String("pushgateway-job", "loadrudder", "Job name the metrics are pushed under")
	timeout := lflag.Duration("pushgateway-timeout", 10*time.Second, "Timeout for pushing metrics")
	lflag.Do(func() {
		p.url = *u
		p.job = *job
		p.client = common.HTTPClient(*timeout)
	})
	return p
}

// NewPusher returns a Pusher for the Pushgateway at url.
func NewPusher(url, job string, timeout time.Duration) *Pusher {
	return &Pusher{url: url, job: job, client: common.HTTPClient(timeout)}
}

// Push replaces the metrics of the device on the Pushgateway.
func (p *Pusher) Push(ctx context.Context, state types.ControllerState) error {
	if p.url == "" {
		return nil
	}
	g := newGauges(false)
	g.Observe(state)
	err := push.New(p.url, p.job).
		Client(p.client).
		Gatherer(g.Registry()).
		Grouping("device", state.DeviceName).
		PushContext(ctx)
	if err != nil {
		return fmt.Errorf("failed to push metrics: %w", err)
	}
	return nil
}
