package ess

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/raterudder/chargewindow/pkg/log"
	"github.com/raterudder/chargewindow/pkg/types"
)

const (
	payloadOnline  = "online"
	payloadOffline = "offline"
	payloadOn      = "on"
	payloadOff     = "off"

	chargeStartID   = "charge_start"
	chargeEndID     = "charge_end"
	chargeControlID = "charge_control"
	targetSOCID     = "target_soc"
	batterySOCID    = "battery_soc"
)

var errMQTTTimeout = errors.New("mqtt operation timed out")

// MQTTConfig configures the MQTT battery bridge.
type MQTTConfig struct {
	Broker    string
	ClientID  string
	Username  string
	Password  string
	BaseTopic string
	// SOCTopic overrides where the state of charge is read from.
	SOCTopic string
	Timeout  time.Duration
}

// Validate checks the configuration.
func (c MQTTConfig) Validate() error {
	if c.Broker == "" {
		return errors.New("mqtt broker is required")
	}
	if c.BaseTopic == "" {
		return errors.New("mqtt base topic is required")
	}
	if strings.ContainsAny(c.BaseTopic, "#+") {
		return fmt.Errorf("mqtt base topic %q must not contain wildcards", c.BaseTopic)
	}
	return nil
}

// MQTT implements System over an MQTT bridge to the inverter. The charge
// window is written as HH:MM:SS to two time entities; the state of charge is
// read from a sensor topic; the control switch and target number accept
// commands.
type MQTT struct {
	cfg      MQTTConfig
	client   mqtt.Client
	switchRe *regexp.Regexp
	numberRe *regexp.Regexp
	now      func() time.Time

	mu       sync.Mutex
	handlers Handlers
	status   types.BatteryStatus
}

// NewMQTT returns an MQTT system. Start must be called to connect.
func NewMQTT(cfg MQTTConfig) *MQTT {
	m := newMQTT(cfg)
	m.client = mqtt.NewClient(m.options())
	return m
}

func newMQTT(cfg MQTTConfig) *MQTT {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.SOCTopic == "" {
		cfg.SOCTopic = fmt.Sprintf("%s/sensor/%s/state", cfg.BaseTopic, batterySOCID)
	}
	return &MQTT{
		cfg:      cfg,
		switchRe: regexp.MustCompile(fmt.Sprintf("^%s/switch/([a-zA-Z0-9_]+)/command$", regexp.QuoteMeta(cfg.BaseTopic))),
		numberRe: regexp.MustCompile(fmt.Sprintf("^%s/number/([a-zA-Z0-9_]+)/set$", regexp.QuoteMeta(cfg.BaseTopic))),
		now:      time.Now,
	}
}

func (m *MQTT) options() *mqtt.ClientOptions {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(m.cfg.Broker)
	clientID := m.cfg.ClientID
	if clientID == "" {
		clientID = fmt.Sprintf("chargewindow_%d", rand.IntN(1000))
	}
	opts.SetClientID(clientID)
	if m.cfg.Username != "" && m.cfg.Password != "" {
		opts.SetUsername(m.cfg.Username)
		opts.SetPassword(m.cfg.Password)
	}
	opts.SetWill(m.BridgeStateTopic(), payloadOffline, 0, true)
	opts.SetAutoReconnect(true)
	opts.SetConnectTimeout(m.cfg.Timeout)
	opts.SetOrderMatters(false)
	opts.SetOnConnectHandler(m.onConnect)
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		ctx := context.Background()
		log.Ctx(ctx).WarnContext(ctx, "mqtt connection lost", slog.Any("error", err))
	})
	return opts
}

// BridgeStateTopic carries "online" while connected and "offline" as the will.
func (m *MQTT) BridgeStateTopic() string {
	return fmt.Sprintf("%s/bridge/state", m.cfg.BaseTopic)
}

// Topic joins parts below the base topic.
func (m *MQTT) Topic(parts ...string) string {
	return m.cfg.BaseTopic + "/" + strings.Join(parts, "/")
}

func (m *MQTT) timeTopic(id string) string {
	return m.Topic("time", id, "set")
}

func (m *MQTT) commandTopic() string {
	return m.Topic("#")
}

// Subscribe installs the handlers for pushed readings and commands.
func (m *MQTT) Subscribe(h Handlers) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers = h
}

// Start connects to the broker. Subscriptions are made on every (re)connect.
func (m *MQTT) Start(ctx context.Context) error {
	if err := m.wait(ctx, m.client.Connect()); err != nil {
		return fmt.Errorf("failed to connect to mqtt broker %s: %w", m.cfg.Broker, err)
	}
	log.Ctx(ctx).InfoContext(ctx, "connected to mqtt broker", slog.String("broker", m.cfg.Broker))
	return nil
}

// Close publishes the offline state and disconnects.
func (m *MQTT) Close() error {
	if m.client.IsConnected() {
		m.client.Publish(m.BridgeStateTopic(), 0, true, payloadOffline).WaitTimeout(500 * time.Millisecond)
	}
	m.client.Disconnect(250)
	return nil
}

func (m *MQTT) onConnect(client mqtt.Client) {
	ctx := context.Background()
	if err := m.wait(ctx, client.Publish(m.BridgeStateTopic(), 0, true, payloadOnline)); err != nil {
		log.Ctx(ctx).WarnContext(ctx, "failed to publish bridge state", slog.Any("error", err))
	}
	filters := map[string]byte{m.commandTopic(): 1}
	if !strings.HasPrefix(m.cfg.SOCTopic, m.cfg.BaseTopic+"/") {
		filters[m.cfg.SOCTopic] = 1
	}
	if err := m.wait(ctx, client.SubscribeMultiple(filters, m.handleMessage)); err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to subscribe to mqtt topics", slog.Any("error", err))
	}
}

func (m *MQTT) handleMessage(_ mqtt.Client, msg mqtt.Message) {
	ctx := context.Background()
	topic := msg.Topic()
	payload := strings.TrimSpace(string(msg.Payload()))

	if topic == m.cfg.SOCTopic {
		soc, err := strconv.ParseFloat(payload, 64)
		if err != nil {
			log.Ctx(ctx).WarnContext(ctx, "invalid state of charge", slog.String("payload", payload))
			return
		}
		m.mu.Lock()
		m.status.SOC = soc
		m.status.SOCKnown = true
		m.status.Timestamp = m.now()
		h := m.handlers.SOC
		m.mu.Unlock()
		if h != nil {
			h(soc)
		}
		return
	}

	if matches := m.switchRe.FindStringSubmatch(topic); len(matches) == 2 {
		if matches[1] != chargeControlID {
			return
		}
		var enabled bool
		switch strings.ToLower(payload) {
		case payloadOn:
			enabled = true
		case payloadOff:
		default:
			log.Ctx(ctx).WarnContext(ctx, "invalid switch command", slog.String("payload", payload))
			return
		}
		m.mu.Lock()
		h := m.handlers.Control
		m.mu.Unlock()
		if h != nil {
			h(enabled)
		}
		return
	}

	if matches := m.numberRe.FindStringSubmatch(topic); len(matches) == 2 {
		if matches[1] != targetSOCID {
			return
		}
		target, err := strconv.ParseFloat(payload, 64)
		if err != nil {
			log.Ctx(ctx).WarnContext(ctx, "invalid target state of charge", slog.String("payload", payload))
			return
		}
		m.mu.Lock()
		h := m.handlers.Target
		m.mu.Unlock()
		if h != nil {
			h(target)
		}
	}
}

// GetStatus returns the most recent state of charge received.
func (m *MQTT) GetStatus(ctx context.Context) (types.BatteryStatus, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status, nil
}

// SetChargeWindow publishes the start and then the end time.
func (m *MQTT) SetChargeWindow(ctx context.Context, setting types.WindowSetting) error {
	writes := []struct {
		id    string
		value types.ClockTime
	}{
		{chargeStartID, setting.Start},
		{chargeEndID, setting.End},
	}
	for _, w := range writes {
		payload := w.value.String() + ":00"
		if err := m.wait(ctx, m.client.Publish(m.timeTopic(w.id), 1, false, payload)); err != nil {
			return fmt.Errorf("failed to write %s: %w", w.id, err)
		}
	}
	return nil
}

// Publish sends payload to topic.
func (m *MQTT) Publish(ctx context.Context, topic string, payload []byte, retained bool) error {
	return m.wait(ctx, m.client.Publish(topic, 0, retained, payload))
}

func (m *MQTT) wait(ctx context.Context, token mqtt.Token) error {
	timer := time.NewTimer(m.cfg.Timeout)
	defer timer.Stop()
	select {
	case <-token.Done():
		return token.Error()
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return errMQTTTimeout
	}
}
