package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/levenlabs/go-lflag"
	"github.com/raterudder/loadrudder/pkg/log"
	"github.com/raterudder/loadrudder/pkg/types"
)

// MQTT publishes the state to a broker. The full state is published retained
// to "{prefix}/{device}/state" and a few headline values to their own topics
// so they can be picked up by home automation.
type MQTT struct {
	broker      string
	clientID    string
	username    string
	password    string
	topicPrefix string
	timeout     time.Duration

	mu        sync.Mutex
	client    mqtt.Client
	newClient func(*mqtt.ClientOptions) mqtt.Client
}

func configuredMQTT() *MQTT {
	m := &MQTT{newClient: mqtt.NewClient}
	broker := lflag.String("mqtt-broker", "", "MQTT broker to publish the state to, like tcp://localhost:1883, disabled if empty")
	clientID := lflag.String("mqtt-client-id", "loadrudder", "MQTT client ID")
	username := lflag.String("mqtt-username", "", "MQTT username")
	password := lflag.String("mqtt-password", "", "MQTT password")
	prefix := lflag.String("mqtt-topic-prefix", "loadrudder", "Prefix of every published topic")
	timeout := lflag.Duration("mqtt-timeout", 10*time.Second, "Timeout for connecting and publishing")
	lflag.Do(func() {
		m.broker = *broker
		m.clientID = *clientID
		m.username = *username
		m.password = *password
		m.topicPrefix = strings.Trim(*prefix, "/")
		m.timeout = *timeout
	})
	return m
}

// NewMQTT returns an MQTT publisher for broker.
func NewMQTT(broker, clientID, topicPrefix string, timeout time.Duration) *MQTT {
	return &MQTT{
		broker:      broker,
		clientID:    clientID,
		topicPrefix: strings.Trim(topicPrefix, "/"),
		timeout:     timeout,
		newClient:   mqtt.NewClient,
	}
}

// topicSegment turns a device name into a single topic level.
func topicSegment(name string) string {
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "" {
		return "device"
	}
	return strings.Map(func(r rune) rune {
		switch r {
		case ' ', '/', '+', '#':
			return '_'
		}
		return r
	}, name)
}

func (m *MQTT) connect(ctx context.Context) (mqtt.Client, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.client != nil && m.client.IsConnected() {
		return m.client, nil
	}

	opts := mqtt.NewClientOptions().
		AddBroker(m.broker).
		SetClientID(m.clientID).
		SetAutoReconnect(true).
		SetConnectTimeout(m.timeout).
		SetConnectionLostHandler(func(c mqtt.Client, err error) {
			log.Ctx(ctx).WarnContext(ctx, "mqtt connection lost", slog.Any("error", err))
		})
	if m.username != "" {
		opts.SetUsername(m.username)
		opts.SetPassword(m.password)
	}

	client := m.newClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(m.timeout) {
		return nil, fmt.Errorf("timed out connecting to mqtt broker %s", m.broker)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("failed to connect to mqtt broker: %w", err)
	}
	m.client = client
	return client, nil
}

func (m *MQTT) publish(client mqtt.Client, topic string, retained bool, payload []byte) error {
	token := client.Publish(topic, 0, retained, payload)
	if !token.WaitTimeout(m.timeout) {
		return fmt.Errorf("timed out publishing to %s", topic)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", topic, err)
	}
	return nil
}

func formatFloat(v float64) []byte {
	return []byte(strconv.FormatFloat(v, 'f', 2, 64))
}

// Publish implements Publisher.
func (m *MQTT) Publish(ctx context.Context, state types.ControllerState) error {
	if m.broker == "" {
		return nil
	}
	client, err := m.connect(ctx)
	if err != nil {
		return err
	}

	base := m.topicPrefix + "/" + topicSegment(state.DeviceName)
	today := state.Today()
	values := map[string][]byte{
		"running":       []byte(strconv.FormatBool(state.IsDeviceRunning)),
		"runtime_today": formatFloat(today.RuntimeToday),
		"target":        formatFloat(today.TargetRuntime),
		"remaining":     formatFloat(today.RemainingRuntimeToday),
		"shortfall":     formatFloat(state.CurrentShortfall),
		"energy_today":  formatFloat(today.EnergyUsed),
		"cost_today":    formatFloat(today.TotalCost),
		"reason":        []byte(state.LastReason),
	}
	if state.CurrentPrice != nil {
		values["price"] = formatFloat(*state.CurrentPrice)
	}
	for name, payload := range values {
		if err := m.publish(client, base+"/"+name, false, payload); err != nil {
			log.Ctx(ctx).WarnContext(ctx, "failed to publish mqtt value", slog.String("topic", name), slog.Any("error", err))
		}
	}

	b, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("failed to marshal state: %w", err)
	}
	if err := m.publish(client, base+"/state", true, b); err != nil {
		return err
	}
	log.Ctx(ctx).DebugContext(ctx, "state published to mqtt", slog.String("topic", base+"/state"))
	return nil
}

// Close disconnects from the broker.
func (m *MQTT) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.client != nil {
		m.client.Disconnect(250)
		m.client = nil
	}
}
