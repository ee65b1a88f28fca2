package ess

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/raterudder/chargewindow/pkg/controller"
	"github.com/raterudder/chargewindow/pkg/log"
	"github.com/raterudder/chargewindow/pkg/types"
)

func init() {
	log.SetDefaultLogLevel(slog.LevelError)
}

var (
	_ System = (*MQTT)(nil)
	_ System = (*Mock)(nil)
	_ System = unconfigured{}
)

type doneToken struct {
	err error
}

func (t doneToken) Wait() bool { return true }
func (t doneToken) WaitTimeout(time.Duration) bool { return true }
func (t doneToken) Done() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}
func (t doneToken) Error() error { return t.err }

type published struct {
	topic    string
	retained bool
	payload  string
}

type fakeClient struct {
	mu         sync.Mutex
	published  []published
	subscribed map[string]byte
	handler    mqtt.MessageHandler
	publishErr error
}

func (c *fakeClient) IsConnected() bool { return true }
func (c *fakeClient) IsConnectionOpen() bool { return true }
func (c *fakeClient) Connect() mqtt.Token { return doneToken{} }
func (c *fakeClient) Disconnect(uint) {}
func (c *fakeClient) Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	var s string
	switch p := payload.(type) {
	case string:
		s = p
	case []byte:
		s = string(p)
	}
	c.published = append(c.published, published{topic: topic, retained: retained, payload: s})
	return doneToken{err: c.publishErr}
}
func (c *fakeClient) Subscribe(topic string, qos byte, callback mqtt.MessageHandler) mqtt.Token {
	return c.SubscribeMultiple(map[string]byte{topic: qos}, callback)
}
func (c *fakeClient) SubscribeMultiple(filters map[string]byte, callback mqtt.MessageHandler) mqtt.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.subscribed = filters
	c.handler = callback
	return doneToken{}
}
func (c *fakeClient) Unsubscribe(...string) mqtt.Token { return doneToken{} }
func (c *fakeClient) AddRoute(string, mqtt.MessageHandler) {}
func (c *fakeClient) OptionsReader() mqtt.ClientOptionsReader { return mqtt.ClientOptionsReader{} }
func (c *fakeClient) deliver(topic, payload string) { c.handler(c, fakeMessage{topic, payload}) }
func (c *fakeClient) all() []published {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]published(nil), c.published...)
}

type fakeMessage struct {
	topic   string
	payload string
}

func (m fakeMessage) Duplicate() bool { return false }
func (m fakeMessage) Qos() byte { return 1 }
func (m fakeMessage) Retained() bool { return false }
func (m fakeMessage) Topic() string { return m.topic }
func (m fakeMessage) MessageID() uint16 { return 1 }
func (m fakeMessage) Payload() []byte { return []byte(m.payload) }
func (m fakeMessage) Ack() {}

func newTestMQTT(t *testing.T) (*MQTT, *fakeClient) {
	client := &fakeClient{}
	m := newMQTT(MQTTConfig{Broker: "tcp://test:1883", BaseTopic: "home/battery", Timeout: time.Second})
	m.client = client
	require.NoError(t, m.Start(context.Background()))
	m.onConnect(client)
	return m, client
}

func TestMQTT(t *testing.T) {
	t.Run("validate", func(t *testing.T) {
		assert.Error(t, MQTTConfig{BaseTopic: "x"}.Validate())
		assert.Error(t, MQTTConfig{Broker: "tcp://x"}.Validate())
		assert.Error(t, MQTTConfig{Broker: "tcp://x", BaseTopic: "a/#"}.Validate())
		assert.NoError(t, MQTTConfig{Broker: "tcp://x", BaseTopic: "a/b"}.Validate())
	})

	t.Run("announces online and subscribes", func(t *testing.T) {
		_, client := newTestMQTT(t)
		got := client.all()
		require.NotEmpty(t, got)
		assert.Equal(t, published{topic: "home/battery/bridge/state", retained: true, payload: "online"}, got[0])
		assert.Contains(t, client.subscribed, "home/battery/#")
	})

	t.Run("external soc topic is subscribed separately", func(t *testing.T) {
		client := &fakeClient{}
		m := newMQTT(MQTTConfig{Broker: "tcp://test:1883", BaseTopic: "cw", SOCTopic: "inverter/soc"})
		m.client = client
		m.onConnect(client)
		assert.Contains(t, client.subscribed, "inverter/soc")
		assert.Contains(t, client.subscribed, "cw/#")
	})

	t.Run("writes the window start then end", func(t *testing.T) {
		m, client := newTestMQTT(t)
		setting := types.WindowSetting{Start: types.NewClockTime(23, 30), End: types.NewClockTime(1, 0)}
		require.NoError(t, m.SetChargeWindow(context.Background(), setting))

		got := client.all()
		require.GreaterOrEqual(t, len(got), 3)
		assert.Equal(t, published{topic: "home/battery/time/charge_start/set", payload: "23:30:00"}, got[len(got)-2])
		assert.Equal(t, published{topic: "home/battery/time/charge_end/set", payload: "01:00:00"}, got[len(got)-1])
	})

	t.Run("neutral window", func(t *testing.T) {
		m, client := newTestMQTT(t)
		require.NoError(t, m.SetChargeWindow(context.Background(), types.WindowSetting{}))
		got := client.all()
		assert.Equal(t, "00:00:00", got[len(got)-1].payload)
		assert.Equal(t, "00:00:00", got[len(got)-2].payload)
	})

	t.Run("publish failure", func(t *testing.T) {
		m, client := newTestMQTT(t)
		client.publishErr = errors.New("not connected")
		err := m.SetChargeWindow(context.Background(), types.WindowSetting{})
		assert.ErrorContains(t, err, "charge_start")
	})

	t.Run("readings and commands", func(t *testing.T) {
		m, client := newTestMQTT(t)

		var (
			socs    []float64
			targets []float64
			toggles []bool
		)
		m.Subscribe(Handlers{
			SOC:     func(v float64) { socs = append(socs, v) },
			Target:  func(v float64) { targets = append(targets, v) },
			Control: func(v bool) { toggles = append(toggles, v) },
		})

		st, err := m.GetStatus(context.Background())
		require.NoError(t, err)
		assert.False(t, st.SOCKnown)

		client.deliver("home/battery/sensor/battery_soc/state", "42.5")
		client.deliver("home/battery/sensor/battery_soc/state", "garbage")
		client.deliver("home/battery/number/target_soc/set", "80")
		client.deliver("home/battery/number/other/set", "10")
		client.deliver("home/battery/switch/charge_control/command", "ON")
		client.deliver("home/battery/switch/charge_control/command", "off")
		client.deliver("home/battery/switch/charge_control/command", "maybe")
		client.deliver("home/battery/bridge/state", "online")

		assert.Equal(t, []float64{42.5}, socs)
		assert.Equal(t, []float64{80}, targets)
		assert.Equal(t, []bool{true, false}, toggles)

		st, err = m.GetStatus(context.Background())
		require.NoError(t, err)
		assert.True(t, st.SOCKnown)
		assert.Equal(t, 42.5, st.SOC)
	})

	t.Run("close publishes offline", func(t *testing.T) {
		m, client := newTestMQTT(t)
		require.NoError(t, m.Close())
		got := client.all()
		assert.Equal(t, published{topic: "home/battery/bridge/state", retained: true, payload: "offline"}, got[len(got)-1])
	})
}

func TestMock(t *testing.T) {
	start := time.Date(2024, 3, 2, 22, 0, 0, 0, time.UTC)

	t.Run("charges inside the window and drains outside", func(t *testing.T) {
		m := NewMock(10, 2, 50, time.UTC)
		now := start
		m.now = func() time.Time { return now }
		m.timestamp = now

		require.NoError(t, m.SetChargeWindow(context.Background(), types.WindowSetting{
			Start: types.NewClockTime(23, 0),
			End:   types.NewClockTime(0, 30),
		}))

		// 22:00-23:00 drains 0.5 kWh
		now = start.Add(time.Hour)
		st, err := m.GetStatus(context.Background())
		require.NoError(t, err)
		assert.InDelta(t, 45, st.SOC, 1e-9)

		// 23:00-00:30 charges 3 kWh across midnight
		now = start.Add(150 * time.Minute)
		st, err = m.GetStatus(context.Background())
		require.NoError(t, err)
		assert.InDelta(t, 75, st.SOC, 1e-9)
		assert.Equal(t, 10.0, st.CapacityKWh)
		assert.Equal(t, 2.0, st.ChargeRateKW)
	})

	t.Run("caps at full", func(t *testing.T) {
		m := NewMock(10, 5, 95, time.UTC)
		now := start
		m.now = func() time.Time { return now }
		m.timestamp = now
		require.NoError(t, m.SetChargeWindow(context.Background(), types.WindowSetting{
			Start: types.NewClockTime(22, 0),
			End:   types.NewClockTime(23, 0),
		}))
		now = start.Add(time.Hour)
		st, err := m.GetStatus(context.Background())
		require.NoError(t, err)
		assert.Equal(t, 100.0, st.SOC)
	})

	t.Run("unknown soc", func(t *testing.T) {
		m := NewMock(10, 5, -1, time.UTC)
		st, err := m.GetStatus(context.Background())
		require.NoError(t, err)
		assert.False(t, st.SOCKnown)

		var got float64
		m.Subscribe(Handlers{SOC: func(v float64) { got = v }})
		m.SetSOC(30)
		assert.Equal(t, 30.0, got)
		st, err = m.GetStatus(context.Background())
		require.NoError(t, err)
		assert.True(t, st.SOCKnown)
	})

	t.Run("records settings and errors", func(t *testing.T) {
		m := NewMock(10, 5, 50, time.UTC)
		setting := types.WindowSetting{Start: types.NewClockTime(1, 0), End: types.NewClockTime(2, 0)}
		require.NoError(t, m.SetChargeWindow(context.Background(), setting))
		assert.Equal(t, []types.WindowSetting{setting}, m.Settings())
		assert.Equal(t, setting, m.Setting())

		m.SetError(errors.New("offline"))
		assert.Error(t, m.SetChargeWindow(context.Background(), types.WindowSetting{}))
		_, err := m.GetStatus(context.Background())
		assert.Error(t, err)
		assert.Len(t, m.Settings(), 1)
	})
}

func TestUnconfigured(t *testing.T) {
	var sys System = unconfigured{}
	err := sys.SetChargeWindow(context.Background(), types.WindowSetting{})
	assert.ErrorIs(t, err, controller.ErrActuatorMissing)
	_, err = sys.GetStatus(context.Background())
	assert.ErrorIs(t, err, ErrNotConfigured)

	_, ok := AsMQTT(sys)
	assert.False(t, ok)

	m := newMQTT(MQTTConfig{Broker: "tcp://x", BaseTopic: "x"})
	wrapped := &struct{ System }{m}
	got, ok := AsMQTT(wrapped)
	require.True(t, ok)
	assert.Same(t, m, got)
}
